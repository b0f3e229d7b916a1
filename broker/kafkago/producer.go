package kafkago

import (
	"context"
	"fmt"
	"time"

	"github.com/maxpert/cdc-relay/broker"
	"github.com/segmentio/kafka-go"
)

// Producer publishes through an async kafka.Writer. The writer's Completion
// callback feeds a DeliveryQueue so receipts are served from Poll/Flush.
type Producer struct {
	config broker.ClientConfig
	writer *kafka.Writer
	dialer *kafka.Dialer
	queue  *broker.DeliveryQueue
}

// NewProducer creates a producer; no connection is made until the first
// write or Probe.
func NewProducer(config broker.ClientConfig) (*Producer, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka-go producer requires at least one broker address")
	}

	acks, err := requiredAcks(config.RequiredAcks)
	if err != nil {
		return nil, err
	}
	codec, err := compression(config.Compression)
	if err != nil {
		return nil, err
	}

	p := &Producer{
		config: config,
		dialer: newDialer(config),
		queue:  broker.NewDeliveryQueue(),
	}

	logger, errorLogger := loggers(config)
	p.writer = &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{}, // Same key, same partition
		MaxAttempts:            config.Retries + 1,
		BatchTimeout:           DefaultBatchTimeout,
		BatchBytes:             DefaultBatchBytes,
		WriteTimeout:           config.MessageTimeout,
		RequiredAcks:           acks,
		Async:                  true,
		Completion:             p.complete,
		Compression:            codec,
		Logger:                 logger,
		ErrorLogger:            errorLogger,
		AllowAutoTopicCreation: true,
		Transport: &kafka.Transport{
			ClientID:    config.ClientID,
			DialTimeout: config.DialTimeout,
		},
	}
	if config.RetryBackoff > 0 {
		p.writer.WriteBackoffMin = config.RetryBackoff
		p.writer.WriteBackoffMax = 10 * config.RetryBackoff
	}

	return p, nil
}

// complete runs on a writer goroutine
func (p *Producer) complete(messages []kafka.Message, err error) {
	for _, m := range messages {
		handler, _ := m.WriterData.(broker.DeliveryHandler)
		p.queue.Complete(broker.DeliveryReceipt{
			Topic:     m.Topic,
			Partition: int32(m.Partition),
			Offset:    m.Offset,
			Err:       err,
		}, handler)
	}
}

func (p *Producer) Produce(ctx context.Context, msg *broker.Message, onDelivery broker.DeliveryHandler) error {
	km := kafka.Message{
		Topic:      msg.Topic,
		Key:        msg.Key,
		Value:      msg.Value,
		Headers:    toKafkaHeaders(msg.Headers),
		Time:       msg.Timestamp,
		WriterData: onDelivery,
	}

	p.queue.Track()
	if err := p.writer.WriteMessages(ctx, km); err != nil {
		p.queue.Untrack()
		return classify("Produce", err)
	}
	return nil
}

func (p *Producer) Poll(timeout time.Duration) int {
	return p.queue.Dispatch(timeout)
}

func (p *Producer) Flush(timeout time.Duration) int {
	return p.queue.Drain(timeout)
}

func (p *Producer) InFlight() int {
	return p.queue.InFlight()
}

func (p *Producer) Probe(ctx context.Context) error {
	return probe(ctx, p.dialer, p.config.Brokers)
}

// Close flushes pending writes and stops the writer
func (p *Producer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
