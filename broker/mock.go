package broker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MockProducer is an in-memory ProducerClient for testing. Messages are
// acknowledged immediately unless Hold is set; FailDeliveries makes the
// next N receipts fail.
type MockProducer struct {
	Messages       []*Message
	ProduceErr     error
	ProbeErr       error
	FailDeliveries int
	Hold           bool
	Closed         bool

	queue *DeliveryQueue
	mu    sync.Mutex
}

// NewMockProducer creates a MockProducer
func NewMockProducer() *MockProducer {
	return &MockProducer{queue: NewDeliveryQueue()}
}

func (m *MockProducer) Produce(ctx context.Context, msg *Message, onDelivery DeliveryHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ProduceErr != nil {
		return m.ProduceErr
	}

	m.queue.Track()
	m.Messages = append(m.Messages, msg)
	if m.Hold {
		return nil
	}

	receipt := DeliveryReceipt{Topic: msg.Topic, Offset: int64(len(m.Messages) - 1)}
	if m.FailDeliveries > 0 {
		m.FailDeliveries--
		receipt.Err = errors.New("mock delivery failure")
	}
	m.queue.Complete(receipt, onDelivery)
	return nil
}

func (m *MockProducer) Poll(timeout time.Duration) int {
	return m.queue.Dispatch(0)
}

func (m *MockProducer) Flush(timeout time.Duration) int {
	m.queue.Dispatch(0)
	return m.queue.InFlight()
}

func (m *MockProducer) InFlight() int {
	return m.queue.InFlight()
}

func (m *MockProducer) Probe(ctx context.Context) error {
	return m.ProbeErr
}

func (m *MockProducer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// Published returns a copy of the produced messages
func (m *MockProducer) Published() []*Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Message(nil), m.Messages...)
}

// MockEvent is one scripted poll outcome
type MockEvent struct {
	Message *Message
	Err     error
}

// MockConsumer is a scripted ConsumerClient for testing. Poll pops Events in
// order and reports no message once they run out.
type MockConsumer struct {
	Events       []MockEvent
	Partitions   []int32
	Committed    []*Message
	SubscribeErr error
	CommitErr    error
	ProbeErr     error
	Subscribed   []string
	Polls        int
	Closed       bool

	mu sync.Mutex
}

func (m *MockConsumer) Subscribe(ctx context.Context, topics []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SubscribeErr != nil {
		return m.SubscribeErr
	}
	m.Subscribed = append([]string(nil), topics...)
	return nil
}

func (m *MockConsumer) Poll(ctx context.Context, timeout time.Duration) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Polls++
	if len(m.Events) == 0 {
		return nil, nil
	}
	ev := m.Events[0]
	m.Events = m.Events[1:]
	return ev.Message, ev.Err
}

func (m *MockConsumer) Assignment() []int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int32(nil), m.Partitions...)
}

func (m *MockConsumer) Commit(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CommitErr != nil {
		return m.CommitErr
	}
	m.Committed = append(m.Committed, msg)
	return nil
}

func (m *MockConsumer) Probe(ctx context.Context) error {
	return m.ProbeErr
}

func (m *MockConsumer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// Push appends scripted events
func (m *MockConsumer) Push(events ...MockEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, events...)
}

// CommittedMessages returns a copy of committed messages
func (m *MockConsumer) CommittedMessages() []*Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Message(nil), m.Committed...)
}
