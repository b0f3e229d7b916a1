package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/cdc-relay/common"
	"github.com/maxpert/cdc-relay/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default number of connect attempts before giving up
	DefaultConnectMaxRetries = 5
	// Default delay between connect attempts
	DefaultConnectRetryInterval = 10 * time.Second
	// Default bound on the metadata probe
	DefaultProbeTimeout = 10 * time.Second
)

// Handle is anything a Supervisor can own
type Handle interface {
	Probe(ctx context.Context) error
	Close() error
}

// SupervisorConfig configures connect retries
type SupervisorConfig struct {
	Name          string           // Handle role for logs ("producer", "consumer")
	MaxRetries    int              // Connect attempts before failing with KindFatal
	RetryInterval time.Duration    // Delay between attempts
	ProbeTimeout  time.Duration    // Bound on each metadata probe
	Sleep         common.SleepFunc // Injectable for tests
}

// Supervisor owns exactly one broker handle. A handle that fails is replaced,
// never repaired: Reconnect always closes the current one first.
type Supervisor[T Handle] struct {
	config  SupervisorConfig
	factory func() (T, error)

	mu      sync.Mutex
	current T
	valid   bool
}

// NewSupervisor creates a supervisor that builds handles with factory
func NewSupervisor[T Handle](config SupervisorConfig, factory func() (T, error)) *Supervisor[T] {
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultConnectMaxRetries
	}
	if config.RetryInterval < 0 {
		config.RetryInterval = DefaultConnectRetryInterval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = DefaultProbeTimeout
	}
	if config.Sleep == nil {
		config.Sleep = common.Sleep
	}
	if config.Name == "" {
		config.Name = "client"
	}
	return &Supervisor[T]{config: config, factory: factory}
}

// Connect returns the current handle, building and probing a new one if
// there is none. Transport failures are retried MaxRetries times with
// RetryInterval between attempts; anything else fails immediately.
func (s *Supervisor[T]) Connect(ctx context.Context) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.valid {
		return s.current, nil
	}
	return s.connectLocked(ctx)
}

// Reconnect discards the current handle and connects a fresh one
func (s *Supervisor[T]) Reconnect(ctx context.Context) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.discardLocked()
	telemetry.ReconnectsTotal.Inc()
	return s.connectLocked(ctx)
}

// Current returns the live handle, if any
func (s *Supervisor[T]) Current() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.valid
}

// Close releases the current handle
func (s *Supervisor[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.valid {
		return nil
	}
	err := s.current.Close()
	var zero T
	s.current, s.valid = zero, false
	return err
}

func (s *Supervisor[T]) discardLocked() {
	if !s.valid {
		return
	}
	if err := s.current.Close(); err != nil {
		log.Warn().Err(err).Str("client", s.config.Name).Msg("Failed to close broker handle, discarding anyway")
	}
	var zero T
	s.current, s.valid = zero, false
}

func (s *Supervisor[T]) connectLocked(ctx context.Context) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= s.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		handle, err := s.attempt(ctx)
		if err == nil {
			telemetry.ConnectAttemptsTotal.With("success").Inc()
			s.current, s.valid = handle, true
			log.Info().
				Str("client", s.config.Name).
				Int("attempt", attempt).
				Msg("Connected to broker")
			return handle, nil
		}

		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		if common.KindOf(err) != common.KindTransport {
			telemetry.ConnectAttemptsTotal.With("failed").Inc()
			return zero, common.NewError(common.KindFatal, "Connect", err)
		}

		telemetry.ConnectAttemptsTotal.With("transport").Inc()
		lastErr = err

		if attempt == s.config.MaxRetries {
			break
		}

		log.Warn().
			Err(err).
			Str("client", s.config.Name).
			Int("attempt", attempt).
			Int("max_retries", s.config.MaxRetries).
			Dur("retry_delay", s.config.RetryInterval).
			Msg("Broker not available, retrying")

		if err := s.config.Sleep(ctx, s.config.RetryInterval); err != nil {
			return zero, err
		}
	}

	log.Error().
		Err(lastErr).
		Str("client", s.config.Name).
		Int("attempts", s.config.MaxRetries).
		Msg("Broker unreachable, giving up")

	return zero, common.NewError(common.KindFatal, "Connect",
		fmt.Errorf("broker unreachable after %d attempts: %w", s.config.MaxRetries, lastErr))
}

// attempt builds one handle and probes it; a failed probe closes the handle.
func (s *Supervisor[T]) attempt(ctx context.Context) (T, error) {
	var zero T

	handle, err := s.factory()
	if err != nil {
		return zero, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.config.ProbeTimeout)
	defer cancel()

	if err := handle.Probe(probeCtx); err != nil {
		if closeErr := handle.Close(); closeErr != nil {
			log.Debug().Err(closeErr).Msg("Failed to close unprobed handle")
		}
		if common.KindOf(err) == common.KindUnknown || errors.Is(err, context.DeadlineExceeded) {
			err = common.NewError(common.KindTransport, "Probe", err)
		}
		return zero, err
	}

	return handle, nil
}
