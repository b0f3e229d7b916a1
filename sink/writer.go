package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maxpert/cdc-relay/broker"
	"github.com/maxpert/cdc-relay/common"
	"github.com/maxpert/cdc-relay/encoding"
	"github.com/maxpert/cdc-relay/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMetadataColumn = "RECORD_METADATA"
	DefaultContentColumn  = "RECORD_CONTENT"
)

// ErrCommitRefused is returned when CommitOffset is called for a message
// that was not the last one successfully applied
var ErrCommitRefused = errors.New("offset commit refused: message was not applied")

// WriterConfig configures a sink writer
type WriterConfig struct {
	Target         Target
	MetadataColumn string // Receives broker metadata as JSON (optional)
	ContentColumn  string // Receives the payload as JSON
}

// RecordMetadata is the broker metadata stored next to each payload
type RecordMetadata struct {
	Topic      string            `json:"topic"`
	Partition  int32             `json:"partition"`
	Offset     int64             `json:"offset"`
	Key        string            `json:"key,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	CreateTime int64             `json:"CreateTime,omitempty"`
}

type position struct {
	topic     string
	partition int32
	offset    int64
}

func positionOf(msg *broker.Message) position {
	return position{topic: msg.Topic, partition: msg.Partition, offset: msg.Offset}
}

// Writer applies consumed messages to one sink table and gates offset
// commits on successful applies. Not safe for concurrent use.
type Writer struct {
	target         Target
	metadataColumn string
	contentColumn  string

	ref     TableRef
	ready   bool
	applied *position
}

// NewWriter creates a sink writer
func NewWriter(config WriterConfig) (*Writer, error) {
	if config.Target == nil {
		return nil, fmt.Errorf("target is required")
	}
	if config.ContentColumn == "" {
		config.ContentColumn = DefaultContentColumn
	}
	return &Writer{
		target:         config.Target,
		metadataColumn: config.MetadataColumn,
		contentColumn:  config.ContentColumn,
	}, nil
}

// Table returns the verified target table, if any
func (w *Writer) Table() (TableRef, bool) {
	return w.ref, w.ready
}

// EnsureTargetExists verifies tableRef names an existing table and makes it
// the target of subsequent applies.
func (w *Writer) EnsureTargetExists(ctx context.Context, tableRef string) error {
	const op = "EnsureTargetExists"

	ref, err := ParseTableRef(tableRef)
	if err != nil {
		return err
	}

	exists, err := w.target.Exists(ctx, ref)
	if err != nil {
		return common.NewError(common.KindTransaction, op, err)
	}
	if !exists {
		return common.Errorf(common.KindNotFound, op, "%s: %w", ref, common.ErrTableNotFound)
	}

	w.ref, w.ready = ref, true
	log.Info().Str("table", ref.String()).Msg("Sink table verified")
	return nil
}

func (w *Writer) metadata(msg *broker.Message) ([]byte, error) {
	md := RecordMetadata{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       string(msg.Key),
	}
	if !msg.Timestamp.IsZero() {
		md.CreateTime = msg.Timestamp.UnixMilli()
	}
	if len(msg.Headers) > 0 {
		md.Headers = make(map[string]string, len(msg.Headers))
		for _, h := range msg.Headers {
			md.Headers[h.Key] = string(h.Value)
		}
	}
	return encoding.MarshalJSON(md)
}

// Apply writes msg as exactly one row. The payload is stored as JSON; the
// content-type header selects how it is decoded.
func (w *Writer) Apply(ctx context.Context, msg *broker.Message) error {
	const op = "Apply"
	start := time.Now()
	defer func() {
		telemetry.ApplyDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	// A failed apply invalidates any pending commit
	w.applied = nil

	if !w.ready {
		telemetry.ApplyTotal.With("failed").Inc()
		return common.Errorf(common.KindFatal, op, "sink table not verified")
	}

	contentType, _ := msg.Header(encoding.HeaderContentType)
	content, err := encoding.ToJSON(contentType, msg.Value)
	if err != nil {
		telemetry.ApplyTotal.With("failed").Inc()
		log.Error().
			Err(err).
			Str("topic", msg.Topic).
			Int32("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Str("content_type", contentType).
			Msg("Failed to decode message payload")
		return common.NewError(common.KindApply, op, err)
	}

	columns := []string{w.contentColumn}
	values := []interface{}{string(content)}
	if w.metadataColumn != "" {
		md, err := w.metadata(msg)
		if err != nil {
			telemetry.ApplyTotal.With("failed").Inc()
			return common.NewError(common.KindApply, op, err)
		}
		columns = []string{w.metadataColumn, w.contentColumn}
		values = []interface{}{string(md), string(content)}
	}

	if err := w.target.Insert(ctx, w.ref, columns, values); err != nil {
		telemetry.ApplyTotal.With("failed").Inc()
		ev := log.Error().
			Err(err).
			Str("table", w.ref.String()).
			Int32("partition", msg.Partition).
			Int64("offset", msg.Offset)
		var stmtErr *StatementError
		if errors.As(err, &stmtErr) {
			ev = ev.Str("statement", stmtErr.Statement).Interface("params", stmtErr.Params)
		}
		ev.Msg("Failed to apply message to sink")
		return common.NewError(common.KindApply, op, err)
	}

	p := positionOf(msg)
	w.applied = &p
	telemetry.ApplyTotal.With("success").Inc()
	log.Debug().
		Str("table", w.ref.String()).
		Int32("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Msg("Applied message")
	return nil
}

// CommitOffset commits msg's offset through client. It is refused unless msg
// is the message most recently applied successfully, and at most once.
func (w *Writer) CommitOffset(ctx context.Context, client broker.ConsumerClient, msg *broker.Message) error {
	const op = "CommitOffset"

	if w.applied == nil || *w.applied != positionOf(msg) {
		telemetry.OffsetsCommittedTotal.With("refused").Inc()
		return common.Errorf(common.KindApply, op, "%s[%d]@%d: %w",
			msg.Topic, msg.Partition, msg.Offset, ErrCommitRefused)
	}

	if err := client.Commit(ctx, msg); err != nil {
		telemetry.OffsetsCommittedTotal.With("failed").Inc()
		if common.KindOf(err) == common.KindUnknown {
			err = common.NewError(common.KindTransport, op, err)
		}
		return err
	}

	w.applied = nil
	telemetry.OffsetsCommittedTotal.With("success").Inc()
	log.Debug().
		Str("topic", msg.Topic).
		Int32("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Msg("Committed offset")
	return nil
}
