// Package breaker implements a closed/open/half-open circuit breaker that
// guards calls which may repeatedly fail, such as a browser launch.
package breaker

import (
	"sync"
	"time"

	"github.com/ostin-pil/lesca/internal/types"
)

// State is one of the three breaker states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Config is validated fail-fast in New.
type Config struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	SuccessThreshold int
}

func (c Config) validate() error {
	if c.FailureThreshold < 1 {
		return types.New(types.InvalidConfig, "failure_threshold must be >= 1").With("field", "failure_threshold")
	}
	if c.ResetTimeout < time.Second {
		return types.New(types.InvalidConfig, "reset_timeout_ms must be >= 1000").With("field", "reset_timeout_ms")
	}
	if c.SuccessThreshold < 1 {
		return types.New(types.InvalidConfig, "success_threshold must be >= 1").With("field", "success_threshold")
	}
	return nil
}

// Snapshot is a point-in-time read of the breaker's counters, returned by
// Stats so callers never see the live struct.
type Snapshot struct {
	State          State
	Failures       int
	Successes      int
	TotalCalls     int64
	TotalFailures  int64
	TotalSuccesses int64
	LastFailureAt  time.Time
	LastSuccessAt  time.Time
}

// Breaker is safe for concurrent use; every field below is guarded by mu.
type Breaker struct {
	cfg Config

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	totalCalls    int64
	totalFailures int64
	totalSucc     int64
	lastFailureAt time.Time
	lastSuccessAt time.Time
}

// New validates cfg and returns a breaker starting in the closed state.
func New(cfg Config) (*Breaker, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Breaker{cfg: cfg, state: Closed}, nil
}

// Execute runs f if the breaker admits the call, recording the outcome.
// It rethrows any error f returns after bookkeeping; f's result is
// returned unmodified on success.
func Execute[T any](b *Breaker, f func() (T, error)) (T, error) {
	var zero T
	if !b.admit() {
		s := b.Stats()
		remaining := b.cfg.ResetTimeout - time.Since(s.LastFailureAt)
		if remaining < 0 {
			remaining = 0
		}
		return zero, types.New(types.CircuitOpen, "circuit breaker is open").
			With("state", string(s.State)).
			With("failures", s.Failures).
			With("reset_timeout_ms", b.cfg.ResetTimeout.Milliseconds()).
			With("remaining_ms", remaining.Milliseconds())
	}

	result, err := f()
	if err != nil {
		b.recordFailure()
		return zero, err
	}
	b.recordSuccess()
	return result, nil
}

// admit performs the open->half_open transition check and reports whether
// the caller may proceed.
func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if time.Since(b.lastFailureAt) >= b.cfg.ResetTimeout {
			b.state = HalfOpen
			b.successes = 0
			return true
		}
		return false
	default:
		return true
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.totalCalls++
	b.totalFailures++
	b.lastFailureAt = now

	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = Open
		}
	case HalfOpen:
		b.state = Open
		b.successes = 0
	case Open:
		// a launch begun before the open transition may still report in;
		// nothing changes.
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.totalCalls++
	b.totalSucc++
	b.lastSuccessAt = now

	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.failures = 0
			b.successes = 0
		}
	case Open:
		// a late success after a half_open->open flip; ignore.
	}
}

// GetState performs the open->half_open check as a side effect and returns
// the resulting state.
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && time.Since(b.lastFailureAt) >= b.cfg.ResetTimeout {
		b.state = HalfOpen
		b.successes = 0
	}
	return b.state
}

// Reset forces the breaker closed and zeroes failures and successes. The
// lifetime totals and timestamps reported by Stats are kept.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.successes = 0
}

// Trip forces the breaker open, as if a failure had just been recorded.
func (b *Breaker) Trip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Open
	b.lastFailureAt = time.Now()
}

// Stats returns a consistent snapshot of the breaker's counters.
func (b *Breaker) Stats() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:          b.state,
		Failures:       b.failures,
		Successes:      b.successes,
		TotalCalls:     b.totalCalls,
		TotalFailures:  b.totalFailures,
		TotalSuccesses: b.totalSucc,
		LastFailureAt:  b.lastFailureAt,
		LastSuccessAt:  b.lastSuccessAt,
	}
}
