package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/maxpert/cdc-relay/common"
	"github.com/maxpert/cdc-relay/telemetry"
	"github.com/rs/zerolog/log"
)

// ReaderConfig configures a Reader
type ReaderConfig struct {
	Source Source        // Stream source (required)
	Filter *ColumnFilter // Columns to drop from every record (optional)
	// BeforeCommit runs after a non-empty drain and before the source commit.
	// An error rolls the drain back, so the batch is persisted there or nowhere.
	BeforeCommit func(ctx context.Context, batch *ChangeBatch) error
}

// Reader extracts pending changes from a stream into ChangeBatches.
type Reader struct {
	config ReaderConfig
	now    func() time.Time
}

// NewReader creates a stream reader
func NewReader(config ReaderConfig) (*Reader, error) {
	if config.Source == nil {
		return nil, fmt.Errorf("stream source is required")
	}
	return &Reader{config: config, now: time.Now}, nil
}

// FetchChanges drains every pending row of the named stream in one source
// transaction. A missing stream fails with KindNotFound before anything is
// touched; any failure after Begin rolls back and fails with KindTransaction,
// leaving the stream cursor where it was.
func (r *Reader) FetchChanges(ctx context.Context, name string) (*ChangeBatch, error) {
	const op = "FetchChanges"
	start := r.now()
	defer func() {
		telemetry.FetchDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	exists, err := r.config.Source.Exists(ctx, name)
	if err != nil {
		telemetry.BatchesFetchedTotal.With("error").Inc()
		return nil, common.NewError(common.KindTransaction, op, fmt.Errorf("%w: %w", common.ErrStreamRead, err))
	}
	if !exists {
		telemetry.BatchesFetchedTotal.With("not_found").Inc()
		return nil, common.NewError(common.KindNotFound, op, fmt.Errorf("%s: %w", name, common.ErrStreamNotFound))
	}

	tx, err := r.config.Source.Begin(ctx)
	if err != nil {
		telemetry.BatchesFetchedTotal.With("error").Inc()
		return nil, common.NewError(common.KindTransaction, op, fmt.Errorf("%w: %w", common.ErrStreamRead, err))
	}

	batch, err := r.drain(ctx, tx, name)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Warn().Err(rbErr).Str("stream", name).Msg("Failed to roll back stream read")
		}
		telemetry.BatchesFetchedTotal.With("error").Inc()
		return nil, common.NewError(common.KindTransaction, op, fmt.Errorf("%w: %w", common.ErrStreamRead, err))
	}

	if err := tx.Commit(); err != nil {
		telemetry.BatchesFetchedTotal.With("error").Inc()
		return nil, common.NewError(common.KindTransaction, op, fmt.Errorf("%w: commit: %w", common.ErrStreamRead, err))
	}

	if batch.IsEmpty() {
		telemetry.BatchesFetchedTotal.With("empty").Inc()
		log.Debug().Str("stream", name).Msg("No pending changes")
	} else {
		telemetry.BatchesFetchedTotal.With("ok").Inc()
		telemetry.ChangesFetchedTotal.Add(float64(batch.Len()))
		log.Info().
			Str("stream", name).
			Str("batch_id", batch.ID).
			Int("changes", batch.Len()).
			Msg("Fetched changes from stream")
	}

	return batch, nil
}

func (r *Reader) drain(ctx context.Context, tx Tx, name string) (*ChangeBatch, error) {
	columns, rows, err := tx.Drain(ctx, name)
	if err != nil {
		return nil, err
	}

	idx, kept := r.config.Filter.Keep(columns)
	batch := &ChangeBatch{
		ID:         uuid.NewString(),
		Stream:     name,
		CapturedAt: r.now().UTC(),
		Columns:    kept,
		Changes:    make([]ChangeRecord, 0, len(rows)),
	}

	for _, row := range rows {
		if len(row) != len(columns) {
			return nil, fmt.Errorf("row has %d values for %d columns", len(row), len(columns))
		}
		values := make([]interface{}, len(idx))
		for i, j := range idx {
			values[i] = row[j]
		}
		batch.Changes = append(batch.Changes, ChangeRecord{Columns: kept, Values: values})
	}

	if !batch.IsEmpty() && r.config.BeforeCommit != nil {
		if err := r.config.BeforeCommit(ctx, batch); err != nil {
			return nil, fmt.Errorf("before commit: %w", err)
		}
	}

	return batch, nil
}
