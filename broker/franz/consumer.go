package franz

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maxpert/cdc-relay/broker"
	"github.com/maxpert/cdc-relay/common"
	"github.com/twmb/franz-go/pkg/kgo"
)

var errNotSubscribed = errors.New("consumer is not subscribed")

// event is one buffered poll outcome: a record or an end of partition
type event struct {
	record *kgo.Record
	eof    *broker.PartitionEOF
}

// Consumer reads through a group client with auto-commit disabled. Fetches
// are buffered and handed out one record per Poll.
type Consumer struct {
	config broker.ClientConfig

	mu       sync.Mutex
	client   *kgo.Client
	buffered []event
	assigned map[int32]bool
}

// NewConsumer creates an unsubscribed consumer
func NewConsumer(config broker.ClientConfig) (*Consumer, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("franz-go consumer requires at least one broker address")
	}
	if config.GroupID == "" {
		return nil, fmt.Errorf("franz-go consumer requires a group id")
	}
	return &Consumer{config: config, assigned: make(map[int32]bool)}, nil
}

func (c *Consumer) onAssigned(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, partitions := range assigned {
		for _, p := range partitions {
			c.assigned[p] = true
		}
	}
}

func (c *Consumer) onRevoked(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	gone := make(map[int32]bool)
	for _, partitions := range revoked {
		for _, p := range partitions {
			delete(c.assigned, p)
			gone[p] = true
		}
	}

	// Records of revoked partitions belong to the next owner
	kept := c.buffered[:0]
	for _, ev := range c.buffered {
		p := int32(-1)
		if ev.record != nil {
			p = ev.record.Partition
		} else if ev.eof != nil {
			p = ev.eof.Partition
		}
		if !gone[p] {
			kept = append(kept, ev)
		}
	}
	c.buffered = kept
}

// Subscribe replaces any previous client with one joined to the group for topics
func (c *Consumer) Subscribe(ctx context.Context, topics []string) error {
	if len(topics) == 0 {
		return common.NewError(common.KindFatal, "Subscribe", errors.New("no topics"))
	}

	opts, err := clientOptions(c.config)
	if err != nil {
		return common.NewError(common.KindFatal, "Subscribe", err)
	}
	opts = append(opts,
		kgo.ConsumerGroup(c.config.GroupID),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.FetchMaxWait(DefaultMaxWait),
		kgo.OnPartitionsAssigned(c.onAssigned),
		kgo.OnPartitionsRevoked(c.onRevoked),
		kgo.OnPartitionsLost(c.onRevoked),
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return common.NewError(common.KindFatal, "Subscribe", err)
	}

	c.mu.Lock()
	old := c.client
	c.client = client
	c.buffered = nil
	c.assigned = make(map[int32]bool)
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return probe(ctx, client)
}

func (c *Consumer) nextLocked() (event, bool) {
	if len(c.buffered) == 0 {
		return event{}, false
	}
	ev := c.buffered[0]
	c.buffered = c.buffered[1:]
	return ev, true
}

func (ev event) result() (*broker.Message, error) {
	if ev.eof != nil {
		return nil, ev.eof
	}
	return fromRecord(ev.record), nil
}

func (c *Consumer) Poll(ctx context.Context, timeout time.Duration) (*broker.Message, error) {
	c.mu.Lock()
	client := c.client
	if ev, ok := c.nextLocked(); ok {
		c.mu.Unlock()
		return ev.result()
	}
	c.mu.Unlock()

	if client == nil {
		return nil, common.NewError(common.KindFatal, "Poll", errNotSubscribed)
	}

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	fetches := client.PollRecords(pollCtx, DefaultMaxPollRecords)
	cancel()

	if fetches.IsClientClosed() {
		return nil, common.NewError(common.KindFatal, "Poll", kgo.ErrClientClosed)
	}

	var fetchErr error
	fetches.EachError(func(_ string, _ int32, err error) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return
		}
		if fetchErr == nil {
			fetchErr = err
		}
	})

	c.mu.Lock()
	fetches.EachPartition(func(p kgo.FetchTopicPartition) {
		if len(p.Records) == 0 {
			return
		}
		c.assigned[p.Partition] = true
		for _, r := range p.Records {
			c.buffered = append(c.buffered, event{record: r})
		}
		last := p.Records[len(p.Records)-1]
		if last.Offset+1 >= p.HighWatermark {
			c.buffered = append(c.buffered, event{eof: &broker.PartitionEOF{
				Topic:     p.Topic,
				Partition: p.Partition,
				Offset:    last.Offset + 1,
			}})
		}
	})
	c.mu.Unlock()

	if fetchErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classify("Poll", fetchErr)
	}

	c.mu.Lock()
	ev, ok := c.nextLocked()
	c.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return ev.result()
}

func (c *Consumer) Assignment() []int32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]int32, 0, len(c.assigned))
	for p := range c.assigned {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *Consumer) Commit(ctx context.Context, msg *broker.Message) error {
	record, ok := msg.Opaque.(*kgo.Record)
	if !ok {
		return common.NewError(common.KindFatal, "Commit", errors.New("message was not fetched by franz-go"))
	}

	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return common.NewError(common.KindFatal, "Commit", errNotSubscribed)
	}

	return classify("Commit", client.CommitRecords(ctx, record))
}

func (c *Consumer) Probe(ctx context.Context) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	if client == nil {
		// Not subscribed yet: probe with a throwaway client
		opts, err := clientOptions(c.config)
		if err != nil {
			return common.NewError(common.KindFatal, "Probe", err)
		}
		client, err = kgo.NewClient(opts...)
		if err != nil {
			return common.NewError(common.KindFatal, "Probe", err)
		}
		defer client.Close()
	}
	return probe(ctx, client)
}

// Close leaves the group
func (c *Consumer) Close() error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.buffered = nil
	c.mu.Unlock()

	if client != nil {
		client.Close()
	}
	return nil
}
