// Package resilience stops a failing speech service from being dialled over
// and over.
//
// [Breaker] is a three-state circuit breaker (closed → open → half-open).
// [GuardProvider] puts one in front of a [live.Provider] so that after a run
// of failed connects, further session starts fail fast until the reset
// timeout has passed and a probe connect succeeds.
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

// ErrCircuitOpen is returned by [Breaker.Do] while the breaker is open.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a single probe call through. Its outcome closes or
	// re-opens the breaker.
	StateHalfOpen
)

// String returns the lowercase name of the state.
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

// Config tunes a [Breaker].
type Config struct {
	// Name labels log messages.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 3.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before a probe is
	// allowed. Default: 30s.
	ResetTimeout time.Duration

	// OnStateChange, if set, is called after every transition with the
	// breaker's lock released.
	OnStateChange func(from, to State)
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	onChange     func(from, to State)
	now          func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New creates a [Breaker]. Zero config fields take their defaults.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &Breaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		onChange:     cfg.OnStateChange,
		now:          time.Now,
	}
}

// Do runs fn if the breaker admits the call and records its outcome.
// Cancellation of ctx is not counted as a failure.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	a, err := b.Begin()
	if err != nil {
		return err
	}
	err = fn(ctx)
	switch {
	case err == nil:
		a.Succeed()
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		a.Abandon()
	default:
		a.Fail()
	}
	return err
}

// Begin admits one call whose outcome is known only later, such as a connect
// that is confirmed by a separate acknowledgement. It returns
// [ErrCircuitOpen] while the breaker rejects calls. The caller must settle
// the returned Attempt exactly once; further settlements are ignored.
func (b *Breaker) Begin() (*Attempt, error) {
	probe, err := b.admit()
	if err != nil {
		return nil, err
	}
	return &Attempt{b: b, probe: probe}, nil
}

// Attempt is an admitted call that has not been judged yet.
type Attempt struct {
	b     *Breaker
	probe bool
	once  sync.Once
}

// Succeed records a success and closes the breaker.
func (a *Attempt) Succeed() { a.once.Do(a.b.succeed) }

// Fail records a failure.
func (a *Attempt) Fail() { a.once.Do(a.b.fail) }

// Abandon releases the attempt without judging the remote side.
func (a *Attempt) Abandon() { a.once.Do(func() { a.b.abandon(a.probe) }) }

// admit decides whether a call may proceed and reports whether it is the
// half-open probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			b.mu.Unlock()
			return false, ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probing = true
		probe = true
	case StateHalfOpen:
		if b.probing {
			b.mu.Unlock()
			return false, ErrCircuitOpen
		}
		b.probing = true
		probe = true
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
	return probe, nil
}

func (b *Breaker) succeed() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.probing = false
	b.mu.Unlock()
	b.notify(from, StateClosed)
}

func (b *Breaker) fail() {
	b.mu.Lock()
	from := b.state
	b.failures++
	b.probing = false
	if from == StateHalfOpen || b.failures >= b.maxFailures {
		b.state = StateOpen
		b.openedAt = b.now()
	}
	to, failures := b.state, b.failures
	b.mu.Unlock()

	if from != to {
		slog.Warn("circuit breaker opened", "name", b.name, "consecutive_failures", failures)
	}
	b.notify(from, to)
}

// abandon releases a probe slot without judging the remote side.
func (b *Breaker) abandon(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

func (b *Breaker) notify(from, to State) {
	if from == to {
		return
	}
	slog.Info("circuit breaker state changed", "name", b.name, "from", from, "to", to)
	if b.onChange != nil {
		b.onChange(from, to)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Ready returns [ErrCircuitOpen] while the breaker rejects calls. It has the
// shape of a health probe.
func (b *Breaker) Ready() error {
	if b.State() == StateOpen {
		return ErrCircuitOpen
	}
	return nil
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.probing = false
	b.mu.Unlock()
	b.notify(from, StateClosed)
}
