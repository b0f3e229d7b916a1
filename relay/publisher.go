package relay

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/maxpert/cdc-relay/broker"
	"github.com/maxpert/cdc-relay/common"
	"github.com/maxpert/cdc-relay/spool"
	"github.com/maxpert/cdc-relay/stream"
	"github.com/rs/zerolog/log"
)

const (
	// Default sleep after a successful cycle
	DefaultSuccessSleep = 60 * time.Second
	// Default sleep after a failed cycle
	DefaultErrorSleep = 120 * time.Second
)

// PublisherLoopConfig wires a publisher loop
type PublisherLoopConfig struct {
	StreamName string                                    // Stream to drain (required)
	Source     stream.Source                             // Change stream source (required)
	Filter     *stream.ColumnFilter                      // Columns dropped before publishing
	Publisher  *broker.Publisher                         // Batch publisher (required)
	Supervisor *broker.Supervisor[broker.ProducerClient] // Producer lifecycle (required)
	Spool      *spool.Spool                              // Persists pending batches (optional)

	RetainUndelivered bool          // Republish partially delivered batches
	SuccessSleep      time.Duration // Sleep after a publish or an empty read
	ErrorSleep        time.Duration // Sleep after a source or broker failure
	Sleep             common.SleepFunc
}

// pendingBatch is a batch awaiting (re)publication; seq is its spool entry
type pendingBatch struct {
	batch   *stream.ChangeBatch
	seq     uint64
	spooled bool
}

type backoffCause int

const (
	causeSource backoffCause = iota
	causeBroker
)

// PublisherLoop drains the stream and publishes batches:
// Connecting -> Reading -> Publishing -> Sleeping, with Backoff on failure.
type PublisherLoop struct {
	config  PublisherLoopConfig
	reader  *stream.Reader
	tracker *tracker

	pending    *pendingBatch
	hasPending atomic.Bool // Mirrors pending for readers off the loop goroutine
	cause      backoffCause
	connected  bool
}

// NewPublisherLoop creates a publisher loop; a configured spool is read
// for batches left over from a previous run.
func NewPublisherLoop(config PublisherLoopConfig) (*PublisherLoop, error) {
	if config.StreamName == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	if config.Publisher == nil || config.Supervisor == nil {
		return nil, fmt.Errorf("publisher and supervisor are required")
	}
	if config.SuccessSleep < 0 {
		config.SuccessSleep = DefaultSuccessSleep
	}
	if config.ErrorSleep < 0 {
		config.ErrorSleep = DefaultErrorSleep
	}
	if config.Sleep == nil {
		config.Sleep = common.Sleep
	}

	l := &PublisherLoop{config: config, tracker: newTracker("publisher")}

	readerConfig := stream.ReaderConfig{Source: config.Source, Filter: config.Filter}
	if config.Spool != nil {
		readerConfig.BeforeCommit = l.spoolBatch
	}
	reader, err := stream.NewReader(readerConfig)
	if err != nil {
		return nil, err
	}
	l.reader = reader

	if config.Spool != nil {
		seq, batch, ok, err := config.Spool.Peek()
		if err != nil {
			return nil, fmt.Errorf("failed to read spool: %w", err)
		}
		if ok {
			l.setPending(&pendingBatch{batch: batch, seq: seq, spooled: true})
			log.Info().Str("batch_id", batch.ID).Int("changes", batch.Len()).Msg("Resuming spooled batch")
		}
	}
	return l, nil
}

// spoolBatch persists a drained batch before the source transaction commits
func (l *PublisherLoop) spoolBatch(_ context.Context, batch *stream.ChangeBatch) error {
	seq, err := l.config.Spool.Append(batch)
	if err != nil {
		return err
	}
	l.setPending(&pendingBatch{batch: batch, seq: seq, spooled: true})
	return nil
}

func (l *PublisherLoop) setPending(p *pendingBatch) {
	l.pending = p
	l.hasPending.Store(p != nil)
}

// State returns the current state
func (l *PublisherLoop) State() State {
	return l.tracker.current()
}

// Run steps the loop until ctx is cancelled (returns nil) or a step fails
// fatally.
func (l *PublisherLoop) Run(ctx context.Context) error {
	log.Info().Str("stream", l.config.StreamName).Str("topic", l.config.Publisher.Topic()).Msg("Publisher loop started")
	defer l.tracker.transition(StateStopped)

	for {
		if err := l.Step(ctx); err != nil {
			if ctx.Err() != nil {
				log.Info().Msg("Publisher loop stopped")
				return nil
			}
			return err
		}
	}
}

// Step runs the current state once and moves to the next
func (l *PublisherLoop) Step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	switch l.tracker.current() {
	case StateConnecting:
		return l.connect(ctx)
	case StateReading:
		return l.read(ctx)
	case StatePublishing:
		return l.publish(ctx)
	case StateSleeping:
		if err := l.config.Sleep(ctx, l.config.SuccessSleep); err != nil {
			return err
		}
		l.tracker.transition(StateReading)
		return nil
	case StateBackoff:
		return l.backoff(ctx)
	}
	return fmt.Errorf("publisher loop in unexpected state %s", l.tracker.current())
}

func (l *PublisherLoop) connect(ctx context.Context) error {
	if _, err := l.config.Supervisor.Connect(ctx); err != nil {
		l.tracker.fail(err)
		if ctx.Err() != nil {
			return err
		}
		if !l.connected {
			log.Error().Err(err).Msg("Unable to connect producer at startup")
			return common.NewError(common.KindFatal, "Connect", err)
		}
		l.enterBackoff(causeBroker, err)
		return nil
	}
	l.connected = true
	l.tracker.transition(StateReading)
	return nil
}

func (l *PublisherLoop) read(ctx context.Context) error {
	if l.pending != nil {
		log.Info().
			Str("batch_id", l.pending.batch.ID).
			Int("changes", l.pending.batch.Len()).
			Msg("Republishing pending batch")
		l.tracker.transition(StatePublishing)
		return nil
	}

	batch, err := l.reader.FetchChanges(ctx, l.config.StreamName)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch common.KindOf(err) {
		case common.KindNotFound:
			log.Warn().Err(err).Str("stream", l.config.StreamName).Msg("Stream not found")
		case common.KindTransaction:
			log.Error().Err(err).Str("stream", l.config.StreamName).Msg("Failed to read stream")
		default:
			log.Error().Err(err).Str("stream", l.config.StreamName).Msg("Unexpected stream error")
		}
		l.enterBackoff(causeSource, err)
		return nil
	}

	if batch.IsEmpty() {
		l.tracker.count("empty_reads")
		log.Info().Str("stream", l.config.StreamName).Msg("No new changes")
		l.tracker.transition(StateSleeping)
		return nil
	}

	l.tracker.count("batches_read")
	if l.pending == nil || l.pending.batch != batch {
		// Not spooled by the reader hook
		l.setPending(&pendingBatch{batch: batch})
	}
	l.tracker.transition(StatePublishing)
	return nil
}

func (l *PublisherLoop) publish(ctx context.Context) error {
	client, ok := l.config.Supervisor.Current()
	if !ok {
		l.enterBackoff(causeBroker, errors.New("no producer connected"))
		return nil
	}

	batch := l.pending.batch
	undelivered, err := l.config.Publisher.PublishBatch(ctx, client, batch)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch common.KindOf(err) {
		case common.KindTransport:
			log.Warn().Err(err).Str("batch_id", batch.ID).Msg("Broker unavailable, batch kept for republish")
			l.enterBackoff(causeBroker, err)
		default:
			// Retried after the error sleep; the batch is never dropped
			log.Error().Err(err).Str("batch_id", batch.ID).Msg("Failed to publish batch")
			l.enterBackoff(causeSource, err)
		}
		return nil
	}

	if undelivered > 0 {
		l.tracker.count("partial_publishes")
		if l.config.RetainUndelivered {
			log.Warn().
				Str("batch_id", batch.ID).
				Int("undelivered", undelivered).
				Msg("Batch kept for republish")
			l.tracker.transition(StateSleeping)
			return nil
		}
		log.Warn().
			Str("batch_id", batch.ID).
			Int("undelivered", undelivered).
			Msg("Dropping partially delivered batch")
	} else {
		l.tracker.count("batches_published")
	}

	l.release()
	l.tracker.fail(nil)
	l.tracker.transition(StateSleeping)
	return nil
}

// release forgets the pending batch and its spool entry
func (l *PublisherLoop) release() {
	if l.pending != nil && l.pending.spooled {
		if err := l.config.Spool.Remove(l.pending.seq); err != nil {
			log.Error().Err(err).Uint64("seq", l.pending.seq).Msg("Failed to remove spooled batch")
		}
	}
	l.setPending(nil)
}

func (l *PublisherLoop) enterBackoff(cause backoffCause, err error) {
	l.cause = cause
	l.tracker.fail(err)
	l.tracker.count("errors")
	l.tracker.transition(StateBackoff)
}

func (l *PublisherLoop) backoff(ctx context.Context) error {
	if l.cause == causeBroker {
		if _, err := l.config.Supervisor.Reconnect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Dur("retry_in", l.config.ErrorSleep).Msg("Producer reconnect failed")
			l.tracker.fail(err)
			return l.config.Sleep(ctx, l.config.ErrorSleep)
		}
		l.tracker.count("reconnects")
		l.tracker.transition(StateReading)
		return nil
	}

	log.Info().Dur("retry_in", l.config.ErrorSleep).Msg("Backing off after source error")
	if err := l.config.Sleep(ctx, l.config.ErrorSleep); err != nil {
		return err
	}
	l.tracker.transition(StateReading)
	return nil
}

// Topic implements telemetry.StatsProvider
func (l *PublisherLoop) Topic() string {
	return l.config.Publisher.Topic()
}

// PartitionPositions implements telemetry.StatsProvider; the publisher has none
func (l *PublisherLoop) PartitionPositions() map[int32]int64 {
	return nil
}

// PendingBatchCount implements telemetry.StatsProvider
func (l *PublisherLoop) PendingBatchCount() int {
	if l.config.Spool != nil {
		return l.config.Spool.Len()
	}
	if l.hasPending.Load() {
		return 1
	}
	return 0
}

// Status implements admin.StatusProvider
func (l *PublisherLoop) Status() Status {
	var s Status
	l.tracker.fill(&s)
	_, s.Connected = l.config.Supervisor.Current()
	s.Topic = l.Topic()
	s.PendingBatches = l.PendingBatchCount()
	return s
}

// Close releases the producer and the spool
func (l *PublisherLoop) Close() error {
	err := l.config.Supervisor.Close()
	if l.config.Spool != nil {
		if spoolErr := l.config.Spool.Close(); err == nil {
			err = spoolErr
		}
	}
	return err
}
