package broker

import (
	"context"
	"fmt"
	"time"
)

// Header is a single message header
type Header struct {
	Key   string
	Value []byte
}

// Message is a broker record. Topic, Partition and Offset are assigned by the
// broker; Opaque carries the driver's own record so it can be committed.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   []Header
	Timestamp time.Time
	Opaque    interface{}
}

// Header returns the value of the first header named key
func (m *Message) Header(key string) (string, bool) {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value), true
		}
	}
	return "", false
}

// DeliveryReceipt reports the outcome of one asynchronous produce
type DeliveryReceipt struct {
	Topic     string
	Partition int32
	Offset    int64
	Err       error
}

// Success reports whether the broker acknowledged the message
func (r DeliveryReceipt) Success() bool {
	return r.Err == nil
}

// DeliveryHandler receives a receipt on the goroutine that calls Poll or Flush
type DeliveryHandler func(DeliveryReceipt)

// PartitionEOF is returned by ConsumerClient.Poll when the consumer has
// caught up with the end of a partition. It is not a failure.
type PartitionEOF struct {
	Topic     string
	Partition int32
	Offset    int64
}

func (e *PartitionEOF) Error() string {
	return fmt.Sprintf("reached end of %s[%d] at offset %d", e.Topic, e.Partition, e.Offset)
}

// ProducerClient is a connected producer handle
type ProducerClient interface {
	// Produce enqueues msg; onDelivery runs from a later Poll or Flush.
	Produce(ctx context.Context, msg *Message, onDelivery DeliveryHandler) error
	// Poll serves ready delivery callbacks, waiting up to timeout for one.
	// Returns the number of callbacks served.
	Poll(timeout time.Duration) int
	// Flush waits up to timeout for outstanding messages and serves their
	// callbacks. Returns the number still outstanding.
	Flush(timeout time.Duration) int
	// InFlight returns produced messages whose callbacks have not been served.
	InFlight() int
	// Probe performs a lightweight metadata request.
	Probe(ctx context.Context) error
	Close() error
}

// ConsumerClient is a connected consumer handle
type ConsumerClient interface {
	Subscribe(ctx context.Context, topics []string) error
	// Poll returns (nil, nil) when nothing arrived within timeout and a
	// *PartitionEOF error when a partition is exhausted.
	Poll(ctx context.Context, timeout time.Duration) (*Message, error)
	// Assignment returns the partitions currently assigned to this consumer.
	Assignment() []int32
	// Commit stores msg.Offset+1 as the group's position for its partition.
	Commit(ctx context.Context, msg *Message) error
	Probe(ctx context.Context) error
	Close() error
}

// ClientConfig holds every driver-independent client setting
type ClientConfig struct {
	Driver         string
	Brokers        []string
	ClientID       string
	GroupID        string
	RequiredAcks   string // "all", "one" or "none"
	Compression    string
	MessageTimeout time.Duration
	Retries        int
	RetryBackoff   time.Duration
	DialTimeout    time.Duration
	Debug          bool // Route client-internal logs to the debug level
}
