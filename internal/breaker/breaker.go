// Package breaker implements a three-state circuit breaker used to guard
// browser launches and page creation. Failures are counted over a rolling
// window; once the threshold is hit the breaker opens and calls fail fast
// until a cooldown passes, after which a limited number of probe calls decide
// whether to close again.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browserd/internal/events"
	"github.com/Rorqualx/browserd/internal/ids"
	"github.com/Rorqualx/browserd/internal/types"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	default:
		return "half-open"
	}
}

// Options configures a Breaker.
type Options struct {
	// Name identifies the breaker in logs and events.
	Name string
	// ErrorThreshold opens the breaker when this many failures land inside
	// ErrorWindow. The threshold-th failure itself trips the breaker.
	ErrorThreshold int
	// ErrorWindow is the rolling window failures are counted over.
	ErrorWindow time.Duration
	// OpenDuration is how long the breaker stays open before probing.
	OpenDuration time.Duration
	// HalfOpenProbes is how many consecutive successful probes close the
	// breaker again. A single probe failure reopens it.
	HalfOpenProbes int

	// Clock defaults to the system clock.
	Clock ids.Clock
	// Bus receives state transition events when set.
	Bus *events.Bus
	// Fallback runs instead of the protected call while the breaker is
	// open. When nil, open calls fail with ErrBreakerOpen.
	Fallback func(ctx context.Context) error
}

// Breaker is a three-state circuit breaker. Safe for concurrent use.
type Breaker struct {
	opts Options

	mu        sync.Mutex
	state     State
	failures  []time.Time // rolling failure timestamps, oldest first
	openedAt  time.Time
	probes    int // successful probes so far in half-open
	inFlight  int // probes currently executing in half-open
	lastState time.Time
}

// New creates a breaker. Zero or negative option values get safe defaults.
func New(opts Options) *Breaker {
	if opts.ErrorThreshold < 1 {
		opts.ErrorThreshold = 10
	}
	if opts.ErrorWindow <= 0 {
		opts.ErrorWindow = time.Minute
	}
	if opts.OpenDuration <= 0 {
		opts.OpenDuration = 30 * time.Second
	}
	if opts.HalfOpenProbes < 1 {
		opts.HalfOpenProbes = 3
	}
	if opts.Clock == nil {
		opts.Clock = ids.SystemClock{}
	}
	return &Breaker{opts: opts, state: StateClosed}
}

// State returns the current state, advancing open to half-open when the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked(b.opts.Clock.Now())
	return b.state
}

// Do runs fn under the breaker. While open it runs the fallback instead, or
// fails fast with ErrBreakerOpen when no fallback is configured. Context
// cancellation before fn starts does not count as a breaker failure.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := b.opts.Clock.Now()

	b.mu.Lock()
	b.advanceLocked(now)
	switch b.state {
	case StateOpen:
		b.mu.Unlock()
		if b.opts.Fallback != nil {
			return b.opts.Fallback(ctx)
		}
		return types.E(types.CodeUnavailable, "circuit breaker "+b.opts.Name+" is open", types.ErrBreakerOpen)
	case StateHalfOpen:
		// Admit at most the configured number of concurrent probes.
		if b.inFlight+b.probes >= b.opts.HalfOpenProbes {
			b.mu.Unlock()
			if b.opts.Fallback != nil {
				return b.opts.Fallback(ctx)
			}
			return types.E(types.CodeUnavailable, "circuit breaker "+b.opts.Name+" is probing", types.ErrBreakerOpen)
		}
		b.inFlight++
	}
	b.mu.Unlock()

	err := fn(ctx)
	b.record(err)
	return err
}

// Record feeds an externally observed outcome into the breaker without
// running a call through Do. Used when the protected operation's success is
// only known after the fact.
func (b *Breaker) Record(err error) {
	b.record(err)
}

func (b *Breaker) record(err error) {
	now := b.opts.Clock.Now()

	b.mu.Lock()
	wasHalfOpen := b.state == StateHalfOpen
	if wasHalfOpen && b.inFlight > 0 {
		b.inFlight--
	}

	if err == nil {
		if wasHalfOpen {
			b.probes++
			if b.probes >= b.opts.HalfOpenProbes {
				b.transitionLocked(StateClosed, now)
			}
		}
		b.mu.Unlock()
		return
	}

	// Cancellation of the caller is not a service failure.
	if errors.Is(err, context.Canceled) {
		b.mu.Unlock()
		return
	}

	if wasHalfOpen {
		b.transitionLocked(StateOpen, now)
		b.mu.Unlock()
		return
	}

	b.failures = append(b.failures, now)
	b.pruneLocked(now)
	if b.state == StateClosed && len(b.failures) >= b.opts.ErrorThreshold {
		b.transitionLocked(StateOpen, now)
	}
	b.mu.Unlock()
}

// FailureCount returns the failures currently inside the rolling window.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.opts.Clock.Now())
	return len(b.failures)
}

// advanceLocked moves open to half-open once the cooldown has elapsed.
func (b *Breaker) advanceLocked(now time.Time) {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.opts.OpenDuration {
		b.transitionLocked(StateHalfOpen, now)
	}
}

// pruneLocked drops failure timestamps that fell out of the window.
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.opts.ErrorWindow)
	i := 0
	for i < len(b.failures) && !b.failures[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.failures = append(b.failures[:0], b.failures[i:]...)
	}
}

func (b *Breaker) transitionLocked(to State, now time.Time) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.lastState = now

	switch to {
	case StateOpen:
		b.openedAt = now
		b.probes = 0
		b.inFlight = 0
	case StateHalfOpen:
		b.probes = 0
		b.inFlight = 0
	case StateClosed:
		b.failures = b.failures[:0]
		b.probes = 0
		b.inFlight = 0
	}

	log.Warn().
		Str("breaker", b.opts.Name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("Circuit breaker state change")

	if b.opts.Bus != nil {
		b.opts.Bus.Publish(events.BreakerEvent{
			Name: b.opts.Name,
			From: from.String(),
			To:   to.String(),
			At:   now,
		})
	}
}
