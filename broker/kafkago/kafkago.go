// Package kafkago implements the broker clients on top of segmentio/kafka-go.
// Importing it registers the "kafka-go" driver.
package kafkago

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
	"github.com/segmentio/kafka-go"
)

// Driver is the registered driver name
const Driver = "kafka-go"

const (
	DefaultBatchTimeout = 10 * time.Millisecond
	DefaultBatchBytes   = 1 << 20 // 1MB
	DefaultMaxWait      = 500 * time.Millisecond
)

func init() {
	broker.RegisterProducer(Driver, func(config broker.ClientConfig) (broker.ProducerClient, error) {
		return NewProducer(config)
	})
	broker.RegisterConsumer(Driver, func(config broker.ClientConfig) (broker.ConsumerClient, error) {
		return NewConsumer(config)
	})
}

func requiredAcks(acks string) (kafka.RequiredAcks, error) {
	switch strings.ToLower(acks) {
	case "", "all", "-1":
		return kafka.RequireAll, nil
	case "one", "1":
		return kafka.RequireOne, nil
	case "none", "0":
		return kafka.RequireNone, nil
	}
	return kafka.RequireAll, fmt.Errorf("unsupported required acks: %s", acks)
}

func compression(name string) (kafka.Compression, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return 0, nil
	case "gzip":
		return kafka.Gzip, nil
	case "snappy":
		return kafka.Snappy, nil
	case "lz4":
		return kafka.Lz4, nil
	case "zstd":
		return kafka.Zstd, nil
	}
	return 0, fmt.Errorf("unsupported compression codec: %s", name)
}

func newDialer(config broker.ClientConfig) *kafka.Dialer {
	return &kafka.Dialer{
		ClientID:  config.ClientID,
		Timeout:   config.DialTimeout,
		DualStack: true,
	}
}

// loggers bridges kafka-go's printf loggers to zerolog. Client chatter is only
// emitted at debug level when config.Debug is set.
func loggers(config broker.ClientConfig) (kafka.Logger, kafka.Logger) {
	l := log.With().Str("driver", Driver).Str("client_id", config.ClientID).Logger()

	errorLogger := kafka.LoggerFunc(func(msg string, args ...interface{}) {
		l.Warn().Msgf(msg, args...)
	})
	if !config.Debug || l.GetLevel() > zerolog.DebugLevel {
		return nil, errorLogger
	}
	return kafka.LoggerFunc(func(msg string, args ...interface{}) {
		l.Debug().Msgf(msg, args...)
	}), errorLogger
}

// classify maps kafka-go errors onto the relay's error kinds: anything the
// broker marks temporary and any network failure is KindTransport.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var kerr kafka.Error
	var netErr net.Error
	switch {
	case errors.As(err, &kerr) && kerr.Temporary(),
		errors.As(err, &netErr),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, context.DeadlineExceeded):
		return common.NewError(common.KindTransport, op, err)
	}
	return common.NewError(common.KindFatal, op, err)
}

// probe asks the first reachable bootstrap broker for cluster metadata
func probe(ctx context.Context, dialer *kafka.Dialer, addrs []string) error {
	lastErr := errors.New("no broker addresses")
	for _, addr := range addrs {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetDeadline(deadline)
		}
		_, err = conn.Brokers()
		conn.Close()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return common.NewError(common.KindTransport, "Probe", lastErr)
}

func toKafkaHeaders(headers []broker.Header) []kafka.Header {
	if len(headers) == 0 {
		return nil
	}
	out := make([]kafka.Header, len(headers))
	for i, h := range headers {
		out[i] = kafka.Header{Key: h.Key, Value: h.Value}
	}
	return out
}

func fromKafkaMessage(m kafka.Message) *broker.Message {
	headers := make([]broker.Header, len(m.Headers))
	for i, h := range m.Headers {
		headers[i] = broker.Header{Key: h.Key, Value: h.Value}
	}
	return &broker.Message{
		Topic:     m.Topic,
		Partition: int32(m.Partition),
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
		Headers:   headers,
		Timestamp: m.Time,
		Opaque:    m,
	}
}
