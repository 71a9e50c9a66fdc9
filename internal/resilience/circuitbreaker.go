// Package resilience provides the circuit breaker that guards calls to the
// processing backend.
//
// [Breaker] is a three-state breaker (closed → open → half-open). While the
// backend keeps failing, session starts fail fast with [ErrCircuitOpen]
// instead of waiting out a request timeout each time. Errors the caller
// classifies as non-failures (for example a 4xx rejection of a bad request)
// pass through without counting against the backend.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Do] when the breaker is open and the
// reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards all calls.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. If they
	// succeed the breaker closes, otherwise it re-opens.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds tuning knobs for a [Breaker].
type Config struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before transitioning to
	// half-open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes required to close the
	// breaker again. Default: 1.
	HalfOpenMax int

	// IsFailure decides whether an error counts against the breaker. Nil
	// counts every non-nil error except context cancellation.
	IsFailure func(error) bool

	// OnStateChange, if set, is called after every transition with the lock
	// released.
	OnStateChange func(name string, from, to State)
}

// Breaker implements the three-state circuit breaker pattern.
type Breaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	isFailure     func(error) bool
	onStateChange func(name string, from, to State)
	now           func() time.Time

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	halfOpenCalls   int
	halfOpenOK      int
}

// New creates a [Breaker]. Zero-value config fields are replaced with
// defaults.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = defaultIsFailure
	}
	return &Breaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		isFailure:     cfg.IsFailure,
		onStateChange: cfg.OnStateChange,
		now:           time.Now,
		state:         StateClosed,
	}
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Do runs fn if the breaker allows it. In the open state it returns
// [ErrCircuitOpen] without calling fn. In the half-open state probes are
// admitted one at a time.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	b.mu.Lock()
	var transition func()
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		transition = b.setState(StateHalfOpen)
		b.halfOpenCalls = 0
		b.halfOpenOK = 0
	case StateHalfOpen:
		if b.halfOpenCalls > b.halfOpenOK {
			// A probe is already in flight.
			b.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	probing := b.state == StateHalfOpen
	if probing {
		b.halfOpenCalls++
	}
	b.mu.Unlock()
	if transition != nil {
		transition()
	}

	err := fn(ctx)

	b.mu.Lock()
	if b.isFailure(err) {
		transition = b.recordFailure(probing)
	} else {
		transition = b.recordSuccess(probing)
	}
	b.mu.Unlock()
	if transition != nil {
		transition()
	}
	return err
}

// recordFailure must be called with b.mu held.
func (b *Breaker) recordFailure(probing bool) func() {
	if probing {
		b.openedAt = b.now()
		slog.Warn("circuit breaker re-opened from half-open", "name", b.name)
		return b.setState(StateOpen)
	}
	b.consecutiveFail++
	if b.state == StateClosed && b.consecutiveFail >= b.maxFailures {
		b.openedAt = b.now()
		slog.Warn("circuit breaker opened",
			"name", b.name,
			"consecutive_failures", b.consecutiveFail)
		return b.setState(StateOpen)
	}
	return nil
}

// recordSuccess must be called with b.mu held.
func (b *Breaker) recordSuccess(probing bool) func() {
	if !probing {
		b.consecutiveFail = 0
		return nil
	}
	b.halfOpenOK++
	if b.halfOpenOK < b.halfOpenMax {
		return nil
	}
	b.consecutiveFail = 0
	slog.Info("circuit breaker closed after successful probes", "name", b.name)
	return b.setState(StateClosed)
}

// setState changes state and returns the notification to run once b.mu is
// released. Must be called with b.mu held.
func (b *Breaker) setState(to State) func() {
	from := b.state
	b.state = to
	if from == to || b.onStateChange == nil {
		return nil
	}
	cb, name := b.onStateChange, b.name
	return func() { cb(name, from, to) }
}

// State returns the current [State]. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// [Breaker.Do].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to [StateClosed].
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.consecutiveFail = 0
	b.halfOpenCalls = 0
	b.halfOpenOK = 0
	transition := b.setState(StateClosed)
	b.mu.Unlock()
	if transition != nil {
		transition()
	}
	slog.Info("circuit breaker manually reset", "name", b.name)
}
