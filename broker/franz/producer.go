package franz

import (
	"context"
	"time"

	"github.com/maxpert/cdc-relay/broker"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Producer publishes with kgo.Client.Produce; promises feed a DeliveryQueue
// so receipts are served from Poll/Flush.
type Producer struct {
	client *kgo.Client
	queue  *broker.DeliveryQueue
}

// NewProducer creates a producer. Idempotent writes stay on when acks=all.
func NewProducer(config broker.ClientConfig) (*Producer, error) {
	opts, err := clientOptions(config)
	if err != nil {
		return nil, err
	}

	acks, idempotent, err := requiredAcks(config.RequiredAcks)
	if err != nil {
		return nil, err
	}
	codec, err := compression(config.Compression)
	if err != nil {
		return nil, err
	}

	opts = append(opts,
		kgo.RequiredAcks(acks),
		kgo.ProducerBatchCompression(codec),
		kgo.MaxProduceRequestsInflightPerBroker(1),
		kgo.AllowAutoTopicCreation(),
	)
	if !idempotent {
		opts = append(opts, kgo.DisableIdempotentWrite())
	}
	if config.MessageTimeout > 0 {
		opts = append(opts, kgo.RecordDeliveryTimeout(config.MessageTimeout))
	}
	if config.Retries > 0 {
		opts = append(opts, kgo.RecordRetries(config.Retries))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	return &Producer{client: client, queue: broker.NewDeliveryQueue()}, nil
}

func (p *Producer) promise(onDelivery broker.DeliveryHandler) func(*kgo.Record, error) {
	return func(r *kgo.Record, err error) {
		p.queue.Complete(broker.DeliveryReceipt{
			Topic:     r.Topic,
			Partition: r.Partition,
			Offset:    r.Offset,
			Err:       classify("Deliver", err),
		}, onDelivery)
	}
}

// Produce buffers msg; failures, including cancellation of ctx while the
// record is still buffered, arrive as receipts.
func (p *Producer) Produce(ctx context.Context, msg *broker.Message, onDelivery broker.DeliveryHandler) error {
	record := &kgo.Record{
		Topic:     msg.Topic,
		Key:       msg.Key,
		Value:     msg.Value,
		Headers:   toRecordHeaders(msg.Headers),
		Timestamp: msg.Timestamp,
	}

	p.queue.Track()
	p.client.Produce(ctx, record, p.promise(onDelivery))
	return nil
}

func (p *Producer) Poll(timeout time.Duration) int {
	return p.queue.Dispatch(timeout)
}

func (p *Producer) Flush(timeout time.Duration) int {
	deadline := time.Now().Add(timeout)
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	_ = p.client.Flush(ctx)
	return p.queue.Drain(time.Until(deadline))
}

func (p *Producer) InFlight() int {
	return p.queue.InFlight()
}

func (p *Producer) Probe(ctx context.Context) error {
	return probe(ctx, p.client)
}

func (p *Producer) Close() error {
	p.client.Close()
	return nil
}
