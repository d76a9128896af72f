// Package syncer runs the background reconciliation loop between this daemon
// and the companion agent, and derives the sync status shown to the user.
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"

	"tools.zach/dev/timekeep/internal/channel"
	"tools.zach/dev/timekeep/internal/merge"
)

// DefaultInterval is the reconciliation period.
const DefaultInterval = 30 * time.Second

// ///////////////////////////////////////////////
// Status
// ///////////////////////////////////////////////

// State is the coarse sync state surfaced to the user.
type State string

const (
	// StateSynced means there is no pending work and the channel is healthy.
	StateSynced State = "synced"
	// StateSyncing means writes or pulls are in flight or queued but the
	// channel is healthy.
	StateSyncing State = "syncing"
	// StateDelayed means the agent is unreachable (breaker open) or the last
	// reconciliation failed; queued work waits for recovery.
	StateDelayed State = "sync delayed"
)

// Status is a point-in-time snapshot of reconciliation health.
type Status struct {
	State         State     `json:"state"`
	PendingWrites int       `json:"pendingWrites"`
	Breaker       string    `json:"breaker"`
	LastPull      time.Time `json:"lastPull,omitzero"`
	LastError     string    `json:"lastError,omitempty"`
}

// ///////////////////////////////////////////////
// Syncer
// ///////////////////////////////////////////////

// Syncer periodically pulls agent-observed sessions into the merge engine and
// drains the merge engine's pending-write queue.
type Syncer struct {
	client   *channel.Client
	breaker  *channel.Breaker
	merge    *merge.Engine
	clk      quartz.Clock
	interval time.Duration

	mu sync.Mutex
	// lastPull is the high-water mark handed to the agent on the next pull.
	lastPull time.Time
	lastErr  error
}

// New creates a syncer. A non-positive interval falls back to
// [DefaultInterval].
func New(client *channel.Client, breaker *channel.Breaker, eng *merge.Engine, clk quartz.Clock, interval time.Duration) *Syncer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Syncer{
		client:   client,
		breaker:  breaker,
		merge:    eng,
		clk:      clk,
		interval: interval,
	}
}

// Run reconciles on the configured interval until ctx is done. Individual
// failures are recorded in the status snapshot, never fatal to the loop.
func (s *Syncer) Run(ctx context.Context) error {
	waiter := s.clk.TickerFunc(ctx, s.interval, func() error {
		s.syncOnce(ctx)
		return nil
	}, "syncer", "reconcile")
	return waiter.Wait()
}

// SyncNow runs one reconciliation pass immediately, outside the ticker.
func (s *Syncer) SyncNow(ctx context.Context) {
	s.syncOnce(ctx)
}

// syncOnce drains deferred writes, then pulls new agent sessions since the
// last successful pull.
func (s *Syncer) syncOnce(ctx context.Context) {
	s.merge.RetryPending(ctx)

	s.mu.Lock()
	since := s.lastPull
	s.mu.Unlock()

	pullStarted := s.clk.Now()
	sessions, err := s.client.SessionsSince(ctx, since)
	if err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		if errors.Is(err, channel.ErrAgentUnavailable) {
			// Expected whenever the browser is closed; the breaker already
			// logged the open transition.
			slog.Debug("agent pull skipped", "error", err)
		} else {
			slog.Warn("agent pull failed", "error", err)
		}
		return
	}

	if len(sessions) > 0 {
		res := s.merge.MergeBatch(ctx, sessions)
		slog.Info("agent sessions reconciled",
			"pulled", len(sessions),
			"accepted", res.Accepted,
			"rejected", res.Rejected,
		)
	}

	s.mu.Lock()
	s.lastPull = pullStarted
	s.lastErr = nil
	s.mu.Unlock()
}

// Status derives the user-facing sync state from the pending queue, the
// breaker, and the last pull outcome.
func (s *Syncer) Status() Status {
	s.mu.Lock()
	lastPull := s.lastPull
	lastErr := s.lastErr
	s.mu.Unlock()

	st := Status{
		PendingWrites: s.merge.PendingCount(),
		Breaker:       s.breaker.State().String(),
		LastPull:      lastPull,
	}
	if lastErr != nil {
		st.LastError = lastErr.Error()
	}

	switch {
	case s.breaker.State() != channel.StateClosed || lastErr != nil:
		st.State = StateDelayed
	case st.PendingWrites > 0:
		st.State = StateSyncing
	default:
		st.State = StateSynced
	}
	return st
}
