package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/maxpert/cdc-relay/common"
	"github.com/maxpert/cdc-relay/encoding"
	"github.com/maxpert/cdc-relay/stream"
	"github.com/maxpert/cdc-relay/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default number of delivery polls after a produce
	DefaultDeliveryPollCount = 30
	// Default bound on each delivery poll
	DefaultDeliveryPollInterval = time.Second
	// Default bound on the final flush
	DefaultFlushTimeout = 30 * time.Second

	// HeaderBatchID names the header carrying the batch UUID
	HeaderBatchID = "batch-id"
)

// PublisherConfig configures batch publishing
type PublisherConfig struct {
	Topic                string         // Destination topic (required)
	Codec                encoding.Codec // Payload codec (default JSON)
	KeyByStream          bool           // Use the stream name as message key
	DeliveryPollCount    int            // Delivery polls before flushing
	DeliveryPollInterval time.Duration  // Bound on each delivery poll
	FlushTimeout         time.Duration  // Bound on the final flush
}

// Publisher serializes change batches and publishes them with delivery
// confirmation.
type Publisher struct {
	config PublisherConfig
}

// NewPublisher creates a batch publisher
func NewPublisher(config PublisherConfig) (*Publisher, error) {
	if config.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if config.Codec == nil {
		codec, err := encoding.CodecFor(encoding.CodecJSON)
		if err != nil {
			return nil, err
		}
		config.Codec = codec
	}
	if config.DeliveryPollCount < 0 {
		config.DeliveryPollCount = DefaultDeliveryPollCount
	}
	if config.DeliveryPollInterval <= 0 {
		config.DeliveryPollInterval = DefaultDeliveryPollInterval
	}
	if config.FlushTimeout <= 0 {
		config.FlushTimeout = DefaultFlushTimeout
	}
	return &Publisher{config: config}, nil
}

// Topic returns the destination topic
func (p *Publisher) Topic() string {
	return p.config.Topic
}

// PublishBatch sends batch as one message, serves delivery callbacks for up
// to DeliveryPollCount polls, then flushes. Messages still outstanding after
// the flush, plus failed receipts, are returned as the undelivered count and
// logged; only produce failures are returned as errors.
func (p *Publisher) PublishBatch(ctx context.Context, client ProducerClient, batch *stream.ChangeBatch) (int, error) {
	const op = "PublishBatch"
	start := time.Now()
	defer func() {
		telemetry.PublishDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	payload, err := p.config.Codec.Marshal(batch)
	if err != nil {
		telemetry.PublishTotal.With("error").Inc()
		return 0, common.NewError(common.KindFatal, op, fmt.Errorf("failed to encode batch %s: %w", batch.ID, err))
	}

	msg := &Message{
		Topic: p.config.Topic,
		Value: payload,
		Headers: []Header{
			{Key: encoding.HeaderContentType, Value: []byte(p.config.Codec.ContentType())},
			{Key: HeaderBatchID, Value: []byte(batch.ID)},
		},
		Timestamp: batch.CapturedAt,
	}
	if p.config.KeyByStream {
		msg.Key = []byte(batch.Stream)
	}

	// Receipts left over from an earlier batch on the same client are not ours
	settled, failed := false, 0
	onDelivery := func(r DeliveryReceipt) {
		settled = true
		if !r.Success() {
			failed++
			telemetry.DeliveryReceiptsTotal.With("failure").Inc()
			log.Error().
				Err(r.Err).
				Str("topic", r.Topic).
				Str("batch_id", batch.ID).
				Msg("Message delivery failed")
			return
		}
		telemetry.DeliveryReceiptsTotal.With("success").Inc()
		log.Debug().
			Str("topic", r.Topic).
			Int32("partition", r.Partition).
			Int64("offset", r.Offset).
			Str("batch_id", batch.ID).
			Msg("Message delivered")
	}

	if err := client.Produce(ctx, msg, onDelivery); err != nil {
		telemetry.PublishTotal.With("error").Inc()
		if common.KindOf(err) == common.KindUnknown {
			err = common.NewError(common.KindTransport, op, err)
		}
		return 0, err
	}

	for i := 0; i < p.config.DeliveryPollCount && !settled; i++ {
		if ctx.Err() != nil {
			break
		}
		client.Poll(p.config.DeliveryPollInterval)
	}

	stale := client.Flush(p.config.FlushTimeout)
	outstanding := 0
	if !settled {
		outstanding = 1
		stale--
	}
	if stale > 0 {
		log.Debug().Int("outstanding", stale).Msg("Earlier messages still awaiting delivery")
	}
	undelivered := outstanding + failed

	if undelivered > 0 {
		telemetry.PublishTotal.With("partial").Inc()
		telemetry.UndeliveredMessagesTotal.Add(float64(undelivered))
		log.Warn().
			Str("batch_id", batch.ID).
			Int("undelivered", undelivered).
			Int("outstanding", outstanding).
			Int("failed", failed).
			Msg("Some messages were not delivered")
		return undelivered, nil
	}

	telemetry.PublishTotal.With("delivered").Inc()
	log.Info().
		Str("batch_id", batch.ID).
		Str("topic", p.config.Topic).
		Int("changes", batch.Len()).
		Int("bytes", len(payload)).
		Msg("Published batch")
	return 0, nil
}
