package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maxpert/cdc-relay/common"
	"github.com/maxpert/cdc-relay/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// PollKind is the outcome of one poll
type PollKind int

const (
	PollNoMessage PollKind = iota
	PollEndOfPartition
	PollError
	PollMessage
)

func (k PollKind) String() string {
	switch k {
	case PollNoMessage:
		return "no_message"
	case PollEndOfPartition:
		return "end_of_partition"
	case PollError:
		return "error"
	case PollMessage:
		return "message"
	}
	return fmt.Sprintf("poll(%d)", int(k))
}

// PollErrorKind classifies a poll error
type PollErrorKind int

const (
	ErrorTransient PollErrorKind = iota // broker momentarily unavailable
	ErrorFatal                          // subscription state is unusable; recreate the consumer
)

func (k PollErrorKind) String() string {
	if k == ErrorTransient {
		return "transient"
	}
	return "fatal"
}

// PollResult is exactly one of NoMessage, EndOfPartition, Error or Message
type PollResult struct {
	Kind      PollKind
	Partition int32         // EndOfPartition
	ErrKind   PollErrorKind // Error
	Err       error         // Error
	Message   *Message      // Message
}

// Consumer classifies poll outcomes and tracks assignment and per-partition
// read positions. Positions may be read concurrently (admin endpoint).
type Consumer struct {
	topic string

	mu         sync.RWMutex
	assignment []int32
	positions  *xsync.MapOf[int32, int64]
}

// NewConsumer creates a consumer for topic
func NewConsumer(topic string) *Consumer {
	return &Consumer{
		topic:     topic,
		positions: xsync.NewMapOf[int32, int64](),
	}
}

// Topic returns the subscribed topic
func (c *Consumer) Topic() string {
	return c.topic
}

// Subscribe (re)subscribes client and records the partition set it was given
func (c *Consumer) Subscribe(ctx context.Context, client ConsumerClient) error {
	if err := client.Subscribe(ctx, []string{c.topic}); err != nil {
		if common.KindOf(err) == common.KindUnknown {
			err = common.NewError(common.KindTransport, "Subscribe", err)
		}
		return err
	}

	c.setAssignment(client.Assignment())
	log.Info().
		Str("topic", c.topic).
		Ints32("partitions", c.Assignment()).
		Msg("Subscribed to topic")
	return nil
}

func (c *Consumer) setAssignment(partitions []int32) {
	assigned := make(map[int32]bool, len(partitions))
	sorted := make([]int32, 0, len(partitions))
	for _, p := range partitions {
		if !assigned[p] {
			assigned[p] = true
			sorted = append(sorted, p)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	c.mu.Lock()
	c.assignment = sorted
	c.mu.Unlock()

	// Positions of revoked partitions are no longer ours to report
	c.positions.Range(func(p int32, _ int64) bool {
		if !assigned[p] {
			c.positions.Delete(p)
		}
		return true
	})
}

func (c *Consumer) ensureAssigned(partition int32) {
	c.mu.RLock()
	for _, p := range c.assignment {
		if p == partition {
			c.mu.RUnlock()
			return
		}
	}
	current := append([]int32(nil), c.assignment...)
	c.mu.RUnlock()

	c.setAssignment(append(current, partition))
}

// Poll fetches one event from client, waiting at most timeout
func (c *Consumer) Poll(ctx context.Context, client ConsumerClient, timeout time.Duration) PollResult {
	msg, err := client.Poll(ctx, timeout)

	var eof *PartitionEOF
	switch {
	case err == nil && msg == nil:
		telemetry.PollEventsTotal.With(PollNoMessage.String()).Inc()
		return PollResult{Kind: PollNoMessage}

	case errors.As(err, &eof):
		c.ensureAssigned(eof.Partition)
		c.positions.Store(eof.Partition, eof.Offset)
		telemetry.PollEventsTotal.With(PollEndOfPartition.String()).Inc()
		return PollResult{Kind: PollEndOfPartition, Partition: eof.Partition}

	case err != nil:
		if ctx.Err() != nil {
			// Shutdown, not a broker fault
			return PollResult{Kind: PollNoMessage}
		}
		kind := ErrorFatal
		if common.KindOf(err) == common.KindTransport {
			kind = ErrorTransient
		}
		telemetry.PollEventsTotal.With(PollError.String()).Inc()
		return PollResult{Kind: PollError, ErrKind: kind, Err: err}
	}

	c.ensureAssigned(msg.Partition)
	c.positions.Store(msg.Partition, msg.Offset+1)
	telemetry.PollEventsTotal.With(PollMessage.String()).Inc()
	return PollResult{Kind: PollMessage, Partition: msg.Partition, Message: msg}
}

// Assignment returns the recorded partition set, sorted
func (c *Consumer) Assignment() []int32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]int32(nil), c.assignment...)
}

// Position returns the next offset to read for partition
func (c *Consumer) Position(partition int32) (int64, bool) {
	return c.positions.Load(partition)
}

// Positions returns a snapshot of every known partition position
func (c *Consumer) Positions() map[int32]int64 {
	out := make(map[int32]int64)
	c.positions.Range(func(p int32, off int64) bool {
		out[p] = off
		return true
	})
	return out
}
