package channel

import (
	"errors"
	"sync"
	"time"

	"github.com/coder/quartz"
)

// ErrAgentUnavailable is returned immediately, with no transport attempt,
// while the breaker is open. It is recoverable: the next half-open probe may
// close the breaker again.
var ErrAgentUnavailable = errors.New("companion agent unavailable")

// ///////////////////////////////////////////////
// Breaker States
// ///////////////////////////////////////////////

// BreakerState is the circuit breaker's position.
type BreakerState int

const (
	// StateClosed passes requests through normally.
	StateClosed BreakerState = iota
	// StateOpen fails requests immediately with [ErrAgentUnavailable].
	StateOpen
	// StateHalfOpen allows a single probe request through to test recovery.
	StateHalfOpen
)

// String returns the lowercase state name.
func (s BreakerState) String() string {
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

// ///////////////////////////////////////////////
// Breaker
// ///////////////////////////////////////////////

const (
	// DefaultFailureThreshold is the consecutive-failure count that opens the breaker.
	DefaultFailureThreshold = 3
	// DefaultCooldown is the initial open interval before a half-open probe.
	DefaultCooldown = 30 * time.Second
	// DefaultMaxCooldown bounds the exponential cool-down growth.
	DefaultMaxCooldown = 5 * time.Minute
)

// Breaker is a circuit breaker over calls to the companion agent. It is the
// single retry/backoff authority for the channel: call sites never implement
// their own.
type Breaker struct {
	clock     quartz.Clock
	threshold int
	cooldown  time.Duration
	maxCool   time.Duration

	mu sync.Mutex
	// state is the current breaker position.
	state BreakerState
	// failures counts consecutive failures while closed.
	failures int
	// openedAt is when the breaker last moved to open.
	openedAt time.Time
	// curCooldown is the current (possibly backed-off) open interval.
	curCooldown time.Duration
	// probing is true while the single half-open probe is in flight.
	probing bool

	// observers receive state transitions for diagnostics. Notified on a
	// separate goroutine so a slow observer never blocks a caller.
	observers []func(from, to BreakerState)
}

// NewBreaker creates a closed breaker. Non-positive arguments fall back to
// the package defaults.
func NewBreaker(clk quartz.Clock, threshold int, cooldown, maxCooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if maxCooldown < cooldown {
		maxCooldown = DefaultMaxCooldown
	}
	return &Breaker{
		clock:       clk,
		threshold:   threshold,
		cooldown:    cooldown,
		maxCool:     maxCooldown,
		curCooldown: cooldown,
	}
}

// OnStateChange registers an observer for breaker transitions.
func (b *Breaker) OnStateChange(fn func(from, to BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, fn)
}

// State returns the current breaker position, promoting open to half-open
// when the cool-down has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.promoteLocked()
	return b.state
}

// Allow reports whether a request may proceed. While open it returns
// [ErrAgentUnavailable] without any transport attempt; in half-open it admits
// exactly one probe at a time.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.promoteLocked()

	switch b.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if b.probing {
			return ErrAgentUnavailable
		}
		b.probing = true
		return nil
	default:
		return ErrAgentUnavailable
	}
}

// Success records a successful request. A successful half-open probe closes
// the breaker and resets the cool-down to its base value.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	if b.state != StateClosed {
		b.curCooldown = b.cooldown
		b.transitionLocked(StateClosed)
	}
}

// Failure records a failed or timed-out request. The threshold'th consecutive
// failure opens the breaker; a failed half-open probe re-opens it with the
// cool-down doubled, bounded by the maximum.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.probing = false
		b.curCooldown = minDuration(b.curCooldown*2, b.maxCool)
		b.openedAt = b.clock.Now()
		b.transitionLocked(StateOpen)
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.openedAt = b.clock.Now()
			b.transitionLocked(StateOpen)
		}
	}
}

// promoteLocked moves open to half-open once the cool-down interval has
// elapsed. Caller must hold b.mu.
func (b *Breaker) promoteLocked() {
	if b.state == StateOpen && b.clock.Since(b.openedAt) >= b.curCooldown {
		b.probing = false
		b.transitionLocked(StateHalfOpen)
	}
}

// transitionLocked changes state and notifies observers without blocking.
// Caller must hold b.mu.
func (b *Breaker) transitionLocked(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	for _, fn := range b.observers {
		go fn(from, to)
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
