package relay

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/maxpert/cdc-relay/broker"
	"github.com/maxpert/cdc-relay/common"
	"github.com/maxpert/cdc-relay/sink"
	"github.com/maxpert/cdc-relay/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default bound on each poll
	DefaultPollTimeout = time.Second
	// Default apply failures in a row before giving up
	DefaultMaxConsecutiveApplyFailures = 10
)

// ConsumerLoopConfig wires a consumer loop
type ConsumerLoopConfig struct {
	TargetTable string                                    // database.schema.table (required)
	Consumer    *broker.Consumer                          // Poll classification and positions (required)
	Writer      *sink.Writer                              // Sink writes and commit gating (required)
	Supervisor  *broker.Supervisor[broker.ConsumerClient] // Consumer lifecycle (required)

	PollTimeout     time.Duration
	RetryInitial    time.Duration // First transient backoff
	RetryMax        time.Duration // Backoff cap
	RetryMultiplier float64
	ErrorSleep      time.Duration // Wait before re-checking a missing sink table
	// MaxConsecutiveApplyFailures escalates to a fatal error; 0 disables.
	MaxConsecutiveApplyFailures int
	Sleep                       common.SleepFunc
}

type consumerCause int

const (
	causeTransient consumerCause = iota
	causeReconnect
	causeSink
	causeReplay // apply failed; rewind to the committed offset
)

// ConsumerLoop applies consumed messages to the sink:
// Connecting -> Polling -> Applying -> CommitOffset, with Backoff on failure.
type ConsumerLoop struct {
	config  ConsumerLoopConfig
	tracker *tracker
	backoff *Backoff

	current   *broker.Message
	cause     consumerCause
	connected bool
	failures  atomic.Int32
	table     atomic.Pointer[string] // last verified sink table
}

// NewConsumerLoop creates a consumer loop
func NewConsumerLoop(config ConsumerLoopConfig) (*ConsumerLoop, error) {
	if config.TargetTable == "" {
		return nil, fmt.Errorf("target table is required")
	}
	if config.Consumer == nil || config.Writer == nil || config.Supervisor == nil {
		return nil, fmt.Errorf("consumer, writer and supervisor are required")
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = DefaultPollTimeout
	}
	if config.ErrorSleep < 0 {
		config.ErrorSleep = DefaultErrorSleep
	}
	if config.MaxConsecutiveApplyFailures < 0 {
		config.MaxConsecutiveApplyFailures = DefaultMaxConsecutiveApplyFailures
	}
	if config.Sleep == nil {
		config.Sleep = common.Sleep
	}

	return &ConsumerLoop{
		config:  config,
		tracker: newTracker("consumer"),
		backoff: NewBackoff(config.RetryInitial, config.RetryMax, config.RetryMultiplier),
	}, nil
}

// State returns the current state
func (l *ConsumerLoop) State() State {
	return l.tracker.current()
}

// Run steps the loop until ctx is cancelled (returns nil) or a step fails
// fatally.
func (l *ConsumerLoop) Run(ctx context.Context) error {
	log.Info().
		Str("topic", l.config.Consumer.Topic()).
		Str("table", l.config.TargetTable).
		Msg("Consumer loop started")
	defer l.tracker.transition(StateStopped)

	for {
		if err := l.Step(ctx); err != nil {
			if ctx.Err() != nil {
				log.Info().Msg("Consumer loop stopped")
				return nil
			}
			return err
		}
	}
}

// Step runs the current state once and moves to the next
func (l *ConsumerLoop) Step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	switch l.tracker.current() {
	case StateConnecting:
		return l.connect(ctx)
	case StatePolling:
		return l.poll(ctx)
	case StateApplying:
		return l.apply(ctx)
	case StateCommitOffset:
		return l.commit(ctx)
	case StateBackoff:
		return l.wait(ctx)
	}
	return fmt.Errorf("consumer loop in unexpected state %s", l.tracker.current())
}

func (l *ConsumerLoop) connect(ctx context.Context) error {
	client, err := l.config.Supervisor.Connect(ctx)
	if err != nil {
		l.tracker.fail(err)
		if ctx.Err() != nil {
			return err
		}
		if !l.connected {
			log.Error().Err(err).Msg("Unable to connect consumer at startup")
			return common.NewError(common.KindFatal, "Connect", err)
		}
		l.enterBackoff(causeReconnect, err)
		return nil
	}
	l.connected = true

	if err := l.config.Writer.EnsureTargetExists(ctx, l.config.TargetTable); err != nil {
		if common.IsKind(err, common.KindInvalidReference) {
			log.Error().Err(err).Str("table", l.config.TargetTable).Msg("Invalid sink table reference")
			return common.NewError(common.KindFatal, "EnsureTargetExists", err)
		}
		if common.IsKind(err, common.KindNotFound) {
			log.Warn().Err(err).Str("table", l.config.TargetTable).Msg("Sink table not found")
		} else {
			log.Error().Err(err).Str("table", l.config.TargetTable).Msg("Failed to verify sink table")
		}
		l.enterBackoff(causeSink, err)
		return nil
	}
	if ref, ok := l.config.Writer.Table(); ok {
		name := ref.String()
		l.table.Store(&name)
	}

	if err := l.config.Consumer.Subscribe(ctx, client); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Error().Err(err).Str("topic", l.config.Consumer.Topic()).Msg("Failed to subscribe")
		l.enterBackoff(causeReconnect, err)
		return nil
	}

	l.tracker.fail(nil)
	l.tracker.transition(StatePolling)
	return nil
}

func (l *ConsumerLoop) poll(ctx context.Context) error {
	client, ok := l.config.Supervisor.Current()
	if !ok {
		l.enterBackoff(causeReconnect, fmt.Errorf("no consumer connected"))
		return nil
	}

	res := l.config.Consumer.Poll(ctx, client, l.config.PollTimeout)
	switch res.Kind {
	case broker.PollNoMessage:
		l.backoff.Reset()
		return ctx.Err()

	case broker.PollEndOfPartition:
		// Caught up; poll again right away
		l.backoff.Reset()
		l.tracker.count("end_of_partition")
		log.Debug().Int32("partition", res.Partition).Msg("Reached end of partition")
		return nil

	case broker.PollError:
		if res.ErrKind == broker.ErrorTransient {
			log.Warn().Err(res.Err).Msg("Transient poll error")
			l.enterBackoff(causeTransient, res.Err)
			return nil
		}
		log.Error().Err(res.Err).Msg("Fatal poll error, recreating consumer")
		l.enterBackoff(causeReconnect, res.Err)
		return nil

	case broker.PollMessage:
		l.current = res.Message
		l.tracker.count("messages")
		l.tracker.transition(StateApplying)
		return nil
	}
	return fmt.Errorf("unexpected poll result %s", res.Kind)
}

func (l *ConsumerLoop) apply(ctx context.Context) error {
	msg := l.current
	if err := l.config.Writer.Apply(ctx, msg); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		failures := int(l.failures.Add(1))
		telemetry.ConsecutiveApplyFailures.Set(float64(failures))
		l.tracker.count("apply_failures")
		l.tracker.fail(err)

		log.Warn().
			Err(err).
			Int32("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Int("consecutive_failures", failures).
			Msg("Apply failed, offset not committed")

		if !common.KindOf(err).IsRetryable() {
			return err
		}
		if limit := l.config.MaxConsecutiveApplyFailures; limit > 0 && failures >= limit {
			return common.Errorf(common.KindFatal, "Apply",
				"%d consecutive apply failures: %w", failures, err)
		}

		// Commits are cumulative per partition: committing anything later
		// would skip this offset, so resume from the committed position.
		l.current = nil
		l.enterBackoff(causeReplay, err)
		return nil
	}

	l.backoff.Reset()
	l.failures.Store(0)
	telemetry.ConsecutiveApplyFailures.Set(0)
	l.tracker.count("applied")
	l.tracker.transition(StateCommitOffset)
	return nil
}

func (l *ConsumerLoop) commit(ctx context.Context) error {
	msg := l.current
	l.current = nil

	client, ok := l.config.Supervisor.Current()
	if !ok {
		l.enterBackoff(causeReconnect, fmt.Errorf("no consumer connected"))
		return nil
	}

	if err := l.config.Writer.CommitOffset(ctx, client, msg); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.tracker.fail(err)
		if common.IsKind(err, common.KindTransport) {
			log.Warn().Err(err).Int64("offset", msg.Offset).Msg("Offset commit failed, recreating consumer")
			l.enterBackoff(causeReconnect, err)
			return nil
		}
		log.Error().Err(err).Int64("offset", msg.Offset).Msg("Offset commit failed")
		l.tracker.transition(StatePolling)
		return nil
	}

	l.tracker.count("committed")
	l.tracker.transition(StatePolling)
	return nil
}

func (l *ConsumerLoop) enterBackoff(cause consumerCause, err error) {
	l.cause = cause
	l.tracker.fail(err)
	l.tracker.count("errors")
	l.tracker.transition(StateBackoff)
}

func (l *ConsumerLoop) wait(ctx context.Context) error {
	switch l.cause {
	case causeTransient:
		if err := l.config.Sleep(ctx, l.backoff.Next()); err != nil {
			return err
		}
		l.tracker.transition(StatePolling)
		return nil

	case causeSink:
		if err := l.config.Sleep(ctx, l.config.ErrorSleep); err != nil {
			return err
		}
		l.tracker.transition(StateConnecting)
		return nil

	case causeReplay:
		delay := l.backoff.Next()
		log.Info().Dur("delay", delay).Msg("Rewinding consumer to the committed offset")
		if err := l.config.Sleep(ctx, delay); err != nil {
			return err
		}
	}

	if _, err := l.config.Supervisor.Reconnect(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := l.backoff.Next()
		log.Error().Err(err).Dur("retry_in", delay).Msg("Consumer reconnect failed")
		l.tracker.fail(err)
		l.cause = causeReconnect
		return l.config.Sleep(ctx, delay)
	}
	if l.cause != causeReplay {
		l.backoff.Reset()
	}
	l.tracker.count("reconnects")
	l.tracker.transition(StateConnecting)
	return nil
}

// Topic implements telemetry.StatsProvider
func (l *ConsumerLoop) Topic() string {
	return l.config.Consumer.Topic()
}

// PartitionPositions implements telemetry.StatsProvider
func (l *ConsumerLoop) PartitionPositions() map[int32]int64 {
	return l.config.Consumer.Positions()
}

// PendingBatchCount implements telemetry.StatsProvider; the consumer holds none
func (l *ConsumerLoop) PendingBatchCount() int {
	return 0
}

// Status implements admin.StatusProvider
func (l *ConsumerLoop) Status() Status {
	var s Status
	l.tracker.fill(&s)
	_, s.Connected = l.config.Supervisor.Current()
	s.Topic = l.Topic()
	if table := l.table.Load(); table != nil {
		s.Table = *table
	}
	s.Assignment = l.config.Consumer.Assignment()
	s.Positions = l.config.Consumer.Positions()
	s.ConsecutiveFailures = int(l.failures.Load())
	return s
}

// Close releases the consumer
func (l *ConsumerLoop) Close() error {
	return l.config.Supervisor.Close()
}
