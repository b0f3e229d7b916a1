// Package franz implements the broker clients on top of twmb/franz-go.
// Importing it registers the "franz-go" driver.
package franz

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/maxpert/cdc-relay/broker"
	"github.com/maxpert/cdc-relay/common"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Driver is the registered driver name
const Driver = "franz-go"

const (
	DefaultMaxWait        = 500 * time.Millisecond
	DefaultMaxPollRecords = 100
)

func init() {
	broker.RegisterProducer(Driver, func(config broker.ClientConfig) (broker.ProducerClient, error) {
		return NewProducer(config)
	})
	broker.RegisterConsumer(Driver, func(config broker.ClientConfig) (broker.ConsumerClient, error) {
		return NewConsumer(config)
	})
}

func requiredAcks(acks string) (kgo.Acks, bool, error) {
	switch strings.ToLower(acks) {
	case "", "all", "-1":
		return kgo.AllISRAcks(), true, nil
	case "one", "1":
		return kgo.LeaderAck(), false, nil
	case "none", "0":
		return kgo.NoAck(), false, nil
	}
	return kgo.AllISRAcks(), false, fmt.Errorf("unsupported required acks: %s", acks)
}

func compression(name string) (kgo.CompressionCodec, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return kgo.NoCompression(), nil
	case "gzip":
		return kgo.GzipCompression(), nil
	case "snappy":
		return kgo.SnappyCompression(), nil
	case "lz4":
		return kgo.Lz4Compression(), nil
	case "zstd":
		return kgo.ZstdCompression(), nil
	}
	return kgo.NoCompression(), fmt.Errorf("unsupported compression codec: %s", name)
}

// zerologAdapter satisfies kgo.Logger
type zerologAdapter struct {
	logger zerolog.Logger
	level  kgo.LogLevel
}

func newLogger(config broker.ClientConfig) kgo.Logger {
	level := kgo.LogLevelWarn
	if config.Debug {
		level = kgo.LogLevelDebug
	}
	return &zerologAdapter{
		logger: log.With().Str("driver", Driver).Str("client_id", config.ClientID).Logger(),
		level:  level,
	}
}

func (z *zerologAdapter) Level() kgo.LogLevel {
	return z.level
}

func (z *zerologAdapter) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	var ev *zerolog.Event
	switch level {
	case kgo.LogLevelError:
		ev = z.logger.Error()
	case kgo.LogLevelWarn:
		ev = z.logger.Warn()
	default:
		// franz-go logs every request at info
		ev = z.logger.Debug()
	}
	ev.Fields(keyvals).Msg(msg)
}

func clientOptions(config broker.ClientConfig) ([]kgo.Opt, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("franz-go client requires at least one broker address")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(config.Brokers...),
		kgo.WithLogger(newLogger(config)),
	}
	if config.ClientID != "" {
		opts = append(opts, kgo.ClientID(config.ClientID))
	}
	if config.DialTimeout > 0 {
		opts = append(opts, kgo.DialTimeout(config.DialTimeout))
	}
	if backoff := config.RetryBackoff; backoff > 0 {
		opts = append(opts, kgo.RetryBackoffFn(func(int) time.Duration { return backoff }))
	}
	return opts, nil
}

// classify maps franz-go errors onto the relay's error kinds. Retriable
// Kafka errors, record timeouts and network failures are KindTransport.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var netErr net.Error
	switch {
	case errors.Is(err, kgo.ErrClientClosed):
		return common.NewError(common.KindFatal, op, err)
	case kerr.IsRetriable(err),
		errors.As(err, &netErr),
		errors.Is(err, kgo.ErrRecordTimeout),
		errors.Is(err, kgo.ErrRecordRetries),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, context.DeadlineExceeded):
		return common.NewError(common.KindTransport, op, err)
	}
	return common.NewError(common.KindFatal, op, err)
}

func probe(ctx context.Context, client *kgo.Client) error {
	if err := client.Ping(ctx); err != nil {
		return common.NewError(common.KindTransport, "Probe", err)
	}
	return nil
}

func toRecordHeaders(headers []broker.Header) []kgo.RecordHeader {
	if len(headers) == 0 {
		return nil
	}
	out := make([]kgo.RecordHeader, len(headers))
	for i, h := range headers {
		out[i] = kgo.RecordHeader{Key: h.Key, Value: h.Value}
	}
	return out
}

func fromRecord(r *kgo.Record) *broker.Message {
	headers := make([]broker.Header, len(r.Headers))
	for i, h := range r.Headers {
		headers[i] = broker.Header{Key: h.Key, Value: h.Value}
	}
	return &broker.Message{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Headers:   headers,
		Timestamp: r.Timestamp,
		Opaque:    r,
	}
}
