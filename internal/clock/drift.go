// Package clock converts a per-tick nominal counter into wall-clock-accurate
// elapsed time, compensating for process suspension.
//
// Browser windows and laptops sleep: a tick loop that naively increments a
// counter once per scheduled second under-counts whenever the scheduler was
// throttled or the process was suspended. The [Corrector] compares the
// nominal counter against real elapsed time on every tick and, when the gap
// exceeds a tolerance, snaps the counter forward in a single step — one
// correction event for a suspension of arbitrary length, never a burst of
// replayed per-second ticks.
package clock

import (
	"errors"
	"time"

	"github.com/coder/quartz"
)

// ErrClockAnomaly reports a negative or implausible elapsed time. The
// affected session must be flagged and its duration capped, not trusted.
var ErrClockAnomaly = errors.New("clock anomaly: implausible elapsed time")

// DefaultTolerance is the gap between nominal and actual elapsed time beyond
// which a tick is treated as a suspension and corrected in one step.
const DefaultTolerance = 2 * time.Second

// Tick is the outcome of a single scheduler tick.
type Tick struct {
	// ElapsedSeconds is the corrected elapsed time since the session started.
	// It never decreases across successive ticks.
	ElapsedSeconds int64
	// CorrectionSeconds is the size of the snap-forward applied on this tick,
	// or zero for a normal tick. A single suspension yields exactly one tick
	// with a non-zero correction.
	CorrectionSeconds int64
	// Anomaly is true when actual elapsed time ran backwards beyond
	// tolerance. The counter holds its last known value and the caller must
	// quarantine the session.
	Anomaly bool
}

// Corrector tracks one session's elapsed time across scheduler ticks.
// It is not safe for concurrent use; the lifecycle engine drives it from a
// single tick loop.
type Corrector struct {
	clock     quartz.Clock
	start     time.Time
	tolerance time.Duration
	// nominal is the tick-counted elapsed seconds, advanced once per tick and
	// snapped forward on drift.
	nominal int64
}

// NewCorrector creates a Corrector for a session that started at start.
// A non-positive tolerance falls back to [DefaultTolerance].
func NewCorrector(clk quartz.Clock, start time.Time, tolerance time.Duration) *Corrector {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Corrector{clock: clk, start: start, tolerance: tolerance}
}

// Resume seeds the nominal counter from a previously persisted duration, used
// when this instance adopts a session handed off by another instance.
func (c *Corrector) Resume(elapsedSeconds int64) {
	if elapsedSeconds > c.nominal {
		c.nominal = elapsedSeconds
	}
}

// Elapsed returns the current corrected elapsed seconds without advancing.
func (c *Corrector) Elapsed() int64 { return c.nominal }

// Advance processes one scheduler tick: the nominal counter moves forward one
// second, then is reconciled against real elapsed time.
func (c *Corrector) Advance() Tick {
	actual := int64(c.clock.Since(c.start) / time.Second)

	// Wall clock ran backwards past the session start, or regressed behind
	// the counter by more than the tolerance. Hold the last known value.
	if actual < 0 || c.nominal-actual > int64(c.tolerance/time.Second) {
		return Tick{ElapsedSeconds: c.nominal, Anomaly: true}
	}

	c.nominal++
	if gap := actual - c.nominal; gap > int64(c.tolerance/time.Second) {
		// Process was suspended: snap forward in one step and report the
		// skipped interval as a single correction.
		c.nominal = actual
		return Tick{ElapsedSeconds: c.nominal, CorrectionSeconds: gap}
	}

	return Tick{ElapsedSeconds: c.nominal}
}
