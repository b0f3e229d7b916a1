package kafkago

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/maxpert/cdc-relay/broker"
	"github.com/maxpert/cdc-relay/common"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

var errNotSubscribed = errors.New("consumer is not subscribed")

// Consumer reads through a consumer-group kafka.Reader with explicit commits.
// kafka-go balances partitions internally, so the assignment is the set of
// partitions this member has received messages from.
type Consumer struct {
	config broker.ClientConfig
	dialer *kafka.Dialer

	mu         sync.Mutex
	reader     *kafka.Reader
	pendingEOF *broker.PartitionEOF
	seen       map[int32]bool
}

// NewConsumer creates an unsubscribed consumer
func NewConsumer(config broker.ClientConfig) (*Consumer, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka-go consumer requires at least one broker address")
	}
	if config.GroupID == "" {
		return nil, fmt.Errorf("kafka-go consumer requires a group id")
	}
	return &Consumer{
		config: config,
		dialer: newDialer(config),
		seen:   make(map[int32]bool),
	}, nil
}

// Subscribe replaces any previous reader with one joined to the group for topics
func (c *Consumer) Subscribe(ctx context.Context, topics []string) error {
	if len(topics) == 0 {
		return common.NewError(common.KindFatal, "Subscribe", errors.New("no topics"))
	}

	logger, errorLogger := loggers(c.config)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.config.Brokers,
		GroupID:        c.config.GroupID,
		GroupTopics:    topics,
		Dialer:         c.dialer,
		MaxWait:        DefaultMaxWait,
		CommitInterval: 0, // Synchronous commits
		StartOffset:    kafka.FirstOffset,
		Logger:         logger,
		ErrorLogger:    errorLogger,
	})

	c.mu.Lock()
	old := c.reader
	c.reader = reader
	c.pendingEOF = nil
	c.seen = make(map[int32]bool)
	c.mu.Unlock()

	if old != nil {
		discardReader(old)
	}
	return nil
}

// discardReader closes a reader that has already been replaced
func discardReader(r io.Closer) {
	if err := r.Close(); err != nil {
		log.Debug().Err(err).Msg("Failed to close previous reader, discarding anyway")
	}
}

func (c *Consumer) Poll(ctx context.Context, timeout time.Duration) (*broker.Message, error) {
	c.mu.Lock()
	reader := c.reader
	if eof := c.pendingEOF; eof != nil {
		c.pendingEOF = nil
		c.mu.Unlock()
		return nil, eof
	}
	c.mu.Unlock()

	if reader == nil {
		return nil, common.NewError(common.KindFatal, "Poll", errNotSubscribed)
	}

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	m, err := reader.FetchMessage(pollCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, classify("Poll", err)
	}

	c.mu.Lock()
	c.seen[int32(m.Partition)] = true
	// Caught up: report end of partition on the next poll
	if m.HighWaterMark > 0 && m.Offset+1 >= m.HighWaterMark {
		c.pendingEOF = &broker.PartitionEOF{
			Topic:     m.Topic,
			Partition: int32(m.Partition),
			Offset:    m.Offset + 1,
		}
	}
	c.mu.Unlock()

	return fromKafkaMessage(m), nil
}

func (c *Consumer) Assignment() []int32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]int32, 0, len(c.seen))
	for p := range c.seen {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *Consumer) Commit(ctx context.Context, msg *broker.Message) error {
	km, ok := msg.Opaque.(kafka.Message)
	if !ok {
		return common.NewError(common.KindFatal, "Commit", errors.New("message was not fetched by kafka-go"))
	}

	c.mu.Lock()
	reader := c.reader
	c.mu.Unlock()
	if reader == nil {
		return common.NewError(common.KindFatal, "Commit", errNotSubscribed)
	}

	return classify("Commit", reader.CommitMessages(ctx, km))
}

func (c *Consumer) Probe(ctx context.Context) error {
	return probe(ctx, c.dialer, c.config.Brokers)
}

// Close leaves the group
func (c *Consumer) Close() error {
	c.mu.Lock()
	reader := c.reader
	c.reader = nil
	c.mu.Unlock()

	if reader == nil {
		return nil
	}
	return reader.Close()
}
