package relay

import "time"

const (
	// Default initial retry delay
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
)

// Backoff yields exponentially growing delays capped at max
type Backoff struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
	next       time.Duration
}

// NewBackoff creates a backoff; zero values take the defaults
func NewBackoff(initial, max time.Duration, multiplier float64) *Backoff {
	if initial <= 0 {
		initial = DefaultRetryInitial
	}
	if max <= 0 {
		max = DefaultRetryMax
	}
	if max < initial {
		max = initial
	}
	if multiplier < 1 {
		multiplier = DefaultRetryMultiplier
	}
	return &Backoff{initial: initial, max: max, multiplier: multiplier, next: initial}
}

// Next returns the current delay and grows it for the following call
func (b *Backoff) Next() time.Duration {
	d := b.next
	b.next = time.Duration(float64(b.next) * b.multiplier)
	if b.next > b.max {
		b.next = b.max
	}
	return d
}

// Reset restarts from the initial delay
func (b *Backoff) Reset() {
	b.next = b.initial
}
