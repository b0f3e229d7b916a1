// Package relay drives the publish-side and consume-side control loops as
// explicit state machines.
package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/cdc-relay/telemetry"
	"github.com/rs/zerolog/log"
)

// State is a control loop state
type State int

const (
	StateConnecting State = iota
	StateReading
	StatePublishing
	StateSleeping
	StatePolling
	StateApplying
	StateCommitOffset
	StateBackoff
	StateStopped
)

var stateNames = map[State]string{
	StateConnecting:   "connecting",
	StateReading:      "reading",
	StatePublishing:   "publishing",
	StateSleeping:     "sleeping",
	StatePolling:      "polling",
	StateApplying:     "applying",
	StateCommitOffset: "commit_offset",
	StateBackoff:      "backoff",
	StateStopped:      "stopped",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Status is a point-in-time view of a loop, safe to hand to other goroutines
type Status struct {
	Loop                string           `json:"loop"`
	State               string           `json:"state"`
	Since               time.Time        `json:"since"`
	Connected           bool             `json:"connected"`
	Topic               string           `json:"topic"`
	Table               string           `json:"table,omitempty"`
	Assignment          []int32          `json:"assignment,omitempty"`
	Positions           map[int32]int64  `json:"positions,omitempty"`
	PendingBatches      int              `json:"pending_batches"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	Counters            map[string]int64 `json:"counters"`
	LastError           string           `json:"last_error,omitempty"`
}

// tracker records the current state and counters of one loop. Written by the
// loop goroutine, read by the admin server.
type tracker struct {
	loop string

	mu        sync.RWMutex
	state     State
	since     time.Time
	lastError string
	counters  map[string]int64
}

func newTracker(loop string) *tracker {
	return &tracker{
		loop:     loop,
		state:    StateConnecting,
		since:    time.Now(),
		counters: make(map[string]int64),
	}
}

func (t *tracker) current() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *tracker) transition(to State) {
	t.mu.Lock()
	from := t.state
	t.state = to
	if from != to {
		t.since = time.Now()
	}
	t.mu.Unlock()

	if from == to {
		return
	}
	telemetry.StateTransitionsTotal.With(t.loop, from.String(), to.String()).Inc()
	log.Debug().
		Str("loop", t.loop).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("State transition")
}

func (t *tracker) count(name string) {
	t.mu.Lock()
	t.counters[name]++
	t.mu.Unlock()
}

func (t *tracker) fail(err error) {
	t.mu.Lock()
	if err == nil {
		t.lastError = ""
	} else {
		t.lastError = err.Error()
	}
	t.mu.Unlock()
}

// fill copies the tracked fields into s
func (t *tracker) fill(s *Status) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s.Loop = t.loop
	s.State = t.state.String()
	s.Since = t.since
	s.LastError = t.lastError
	s.Counters = make(map[string]int64, len(t.counters))
	for k, v := range t.counters {
		s.Counters[k] = v
	}
}
