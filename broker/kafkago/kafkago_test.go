package kafkago

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/maxpert/cdc-relay/broker"
	"github.com/maxpert/cdc-relay/common"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

func testConfig() broker.ClientConfig {
	return broker.ClientConfig{
		Driver:         Driver,
		Brokers:        []string{"localhost:9092"},
		ClientID:       "cdc-relay-test",
		GroupID:        "cdc-relay-consumer",
		RequiredAcks:   "all",
		Compression:    "none",
		MessageTimeout: 30 * time.Second,
		Retries:        3,
		RetryBackoff:   time.Second,
	}
}

func TestNewProducer(t *testing.T) {
	config := testConfig()
	config.RequiredAcks = "one"
	config.Compression = "zstd"

	p, err := NewProducer(config)
	if err != nil {
		t.Fatalf("unexpected error creating producer: %v", err)
	}
	defer p.Close()

	if !p.writer.Async {
		t.Error("expected async writer so delivery is reported through callbacks")
	}
	if p.writer.RequiredAcks != kafka.RequireOne {
		t.Errorf("expected RequireOne acks, got %v", p.writer.RequiredAcks)
	}
	if p.writer.Compression != kafka.Zstd {
		t.Errorf("expected zstd compression, got %v", p.writer.Compression)
	}
	if p.writer.MaxAttempts != 4 {
		t.Errorf("expected 4 attempts for 3 retries, got %d", p.writer.MaxAttempts)
	}
	if p.writer.WriteBackoffMin != time.Second {
		t.Errorf("expected 1s backoff, got %v", p.writer.WriteBackoffMin)
	}
	if p.writer.WriteTimeout != 30*time.Second {
		t.Errorf("expected 30s write timeout, got %v", p.writer.WriteTimeout)
	}
	if p.writer.Topic != "" {
		t.Error("expected topic to be carried per message")
	}
}

func TestNewProducerInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *broker.ClientConfig)
	}{
		{"no brokers", func(c *broker.ClientConfig) { c.Brokers = nil }},
		{"bad acks", func(c *broker.ClientConfig) { c.RequiredAcks = "quorum" }},
		{"bad compression", func(c *broker.ClientConfig) { c.Compression = "brotli" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := testConfig()
			tt.mutate(&config)
			if _, err := NewProducer(config); err == nil {
				t.Errorf("expected error for %s", tt.name)
			}
		})
	}
}

func TestProducerCompletionFeedsQueue(t *testing.T) {
	p, err := NewProducer(testConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer p.Close()

	var receipts []broker.DeliveryReceipt
	handler := broker.DeliveryHandler(func(r broker.DeliveryReceipt) {
		receipts = append(receipts, r)
	})

	p.queue.Track()
	p.queue.Track()
	p.complete([]kafka.Message{
		{Topic: "cdc_events", Partition: 2, Offset: 10, WriterData: handler},
	}, nil)
	p.complete([]kafka.Message{
		{Topic: "cdc_events", WriterData: handler},
	}, kafka.LeaderNotAvailable)

	if served := p.Poll(0); served != 2 {
		t.Fatalf("expected 2 receipts served, got %d", served)
	}
	if p.InFlight() != 0 {
		t.Errorf("expected nothing in flight, got %d", p.InFlight())
	}
	if !receipts[0].Success() || receipts[0].Partition != 2 || receipts[0].Offset != 10 {
		t.Errorf("unexpected first receipt: %+v", receipts[0])
	}
	if receipts[1].Success() {
		t.Error("expected second receipt to carry the write error")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want common.ErrorKind
	}{
		{"temporary broker error", kafka.LeaderNotAvailable, common.KindTransport},
		{"network error", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, common.KindTransport},
		{"unexpected eof", io.ErrUnexpectedEOF, common.KindTransport},
		{"deadline", context.DeadlineExceeded, common.KindTransport},
		{"authorization", kafka.TopicAuthorizationFailed, common.KindFatal},
		{"closed reader", io.EOF, common.KindFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := common.KindOf(classify("op", tt.err)); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
	if classify("op", nil) != nil {
		t.Error("expected nil for nil error")
	}
}

func TestNewConsumerRequiresGroup(t *testing.T) {
	config := testConfig()
	config.GroupID = ""
	if _, err := NewConsumer(config); err == nil {
		t.Error("expected error without group id")
	}
}

func TestConsumerNotSubscribed(t *testing.T) {
	c, err := NewConsumer(testConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = c.Poll(context.Background(), time.Millisecond)
	if common.KindOf(err) != common.KindFatal {
		t.Errorf("expected fatal poll error before subscribe, got %v", err)
	}

	err = c.Commit(context.Background(), &broker.Message{Opaque: "not a kafka message"})
	if common.KindOf(err) != common.KindFatal {
		t.Errorf("expected fatal commit error for foreign message, got %v", err)
	}

	if len(c.Assignment()) != 0 {
		t.Error("expected empty assignment")
	}
	if err := c.Close(); err != nil {
		t.Errorf("unexpected close error: %v", err)
	}
}

func TestConsumerPendingEOF(t *testing.T) {
	c, err := NewConsumer(testConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.pendingEOF = &broker.PartitionEOF{Topic: "cdc_events", Partition: 1, Offset: 7}

	msg, err := c.Poll(context.Background(), time.Millisecond)
	var eof *broker.PartitionEOF
	if msg != nil || !errors.As(err, &eof) || eof.Offset != 7 {
		t.Errorf("expected queued end of partition, got %v %v", msg, err)
	}
}

func TestMessageConversion(t *testing.T) {
	headers := toKafkaHeaders([]broker.Header{{Key: "content-type", Value: []byte("application/json")}})
	km := kafka.Message{Topic: "cdc_events", Partition: 3, Offset: 99, Key: []byte("k"), Headers: headers}

	msg := fromKafkaMessage(km)
	if msg.Partition != 3 || msg.Offset != 99 {
		t.Errorf("unexpected position %d@%d", msg.Partition, msg.Offset)
	}
	if ct, _ := msg.Header("content-type"); ct != "application/json" {
		t.Errorf("expected content type header, got %q", ct)
	}
	if _, ok := msg.Opaque.(kafka.Message); !ok {
		t.Error("expected original message to be kept for commit")
	}
	if toKafkaHeaders(nil) != nil {
		t.Error("expected nil headers")
	}
}

func TestRegistered(t *testing.T) {
	found := false
	for _, d := range broker.Drivers() {
		if d == Driver {
			found = true
		}
	}
	if !found {
		t.Errorf("expected %s driver to be registered", Driver)
	}
}

type failingCloser struct{ closed bool }

func (f *failingCloser) Close() error {
	f.closed = true
	return errors.New("connection reset")
}

func TestDiscardReaderLogsCloseError(t *testing.T) {
	var buf bytes.Buffer
	original := log.Logger
	log.Logger = zerolog.New(&buf).Level(zerolog.DebugLevel)
	defer func() { log.Logger = original }()

	r := &failingCloser{}
	discardReader(r)

	if !r.closed {
		t.Fatal("expected reader to be closed")
	}
	if !strings.Contains(buf.String(), "connection reset") || !strings.Contains(buf.String(), `"level":"debug"`) {
		t.Errorf("expected close error logged at debug, got: %s", buf.String())
	}
}
