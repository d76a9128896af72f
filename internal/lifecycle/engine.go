// Package lifecycle drives the per-account session state machine:
// Idle -> Active -> Completed, with duration-extension self-transitions while
// active.
//
// Only the elected active instance may open sessions or extend durations;
// every tick re-checks leadership so increments stop within one tick of an
// arbitration loss, and any open sessions are handed off (written back with
// their current duration, still active) for the new leader to adopt. Duration
// is extended on billable-unit boundary crossings computed from the drift
// corrector's elapsed time — never by decrementing a countdown — so a
// suspension that skips many boundaries produces a single catch-up extension.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"

	"tools.zach/dev/timekeep/internal/clock"
	"tools.zach/dev/timekeep/internal/merge"
	"tools.zach/dev/timekeep/internal/session"
	"tools.zach/dev/timekeep/internal/store"
)

// ///////////////////////////////////////////////
// Sentinel Errors
// ///////////////////////////////////////////////

// ErrNotLeader is returned when a non-elected instance tries to drive a
// transition out of Idle.
var ErrNotLeader = errors.New("not the active instance for this account")

// ErrAlreadyActive is returned by Start when the account already has an
// active session of that kind on this instance.
var ErrAlreadyActive = errors.New("session already active")

// ErrNoActiveSession is returned by Stop and Pause when there is nothing to
// finalize.
var ErrNoActiveSession = errors.New("no active session")

// ///////////////////////////////////////////////
// Events
// ///////////////////////////////////////////////

// Event is delivered to subscribers on every session transition and duration
// extension. The timer UI subscribes to these.
type Event struct {
	AccountID       string
	Kind            session.Kind
	Status          session.Status
	DurationSeconds int64
	// CorrectionSeconds is non-zero when this extension includes a drift
	// correction (the process was suspended and caught up in one step).
	CorrectionSeconds int64
}

// FocusNotifier is told about focus-session transitions. The content-blocking
// component implements this; it does not participate in the merge protocol.
type FocusNotifier interface {
	FocusTransition(accountID string, status session.Status)
}

// ///////////////////////////////////////////////
// Engine
// ///////////////////////////////////////////////

// DefaultOrphanThreshold is how stale an active record's start must be before
// startup recovery force-closes it.
const DefaultOrphanThreshold = 30 * time.Minute

// key addresses one account's session of one kind.
type key struct {
	account string
	kind    session.Kind
}

// activeSession is the in-memory state of one open session on this instance.
type activeSession struct {
	sess      session.Session
	corrector *clock.Corrector
}

// Engine is the per-account session lifecycle state machine.
type Engine struct {
	accountID string
	timezone  string
	merge     *merge.Engine
	store     *store.Store
	clk       quartz.Clock
	tolerance time.Duration
	orphanAge time.Duration
	// isLeader is consulted before every transition and on every tick;
	// normally wired to the arbitrator.
	isLeader func() bool

	mu sync.Mutex
	// active holds the open sessions this instance is driving.
	active map[key]*activeSession
	// needAdopt is set when this instance gains leadership; the next tick
	// adopts handed-off active records from the store.
	needAdopt bool
	subs      []func(Event)
	notifier  FocusNotifier
}

// Config carries the engine's construction parameters.
type Config struct {
	// AccountID is the account this engine drives.
	AccountID string
	// Timezone is the IANA zone label recorded on new sessions.
	Timezone string
	// DriftTolerance is passed to each session's drift corrector.
	DriftTolerance time.Duration
	// OrphanThreshold overrides [DefaultOrphanThreshold] when positive.
	OrphanThreshold time.Duration
	// IsLeader reports whether this instance is the elected writer. Nil
	// means always leader (single-instance mode).
	IsLeader func() bool
}

// New creates a lifecycle engine writing through eng to st.
func New(cfg Config, eng *merge.Engine, st *store.Store, clk quartz.Clock) *Engine {
	if cfg.OrphanThreshold <= 0 {
		cfg.OrphanThreshold = DefaultOrphanThreshold
	}
	isLeader := cfg.IsLeader
	if isLeader == nil {
		isLeader = func() bool { return true }
	}
	return &Engine{
		accountID: cfg.AccountID,
		timezone:  cfg.Timezone,
		merge:     eng,
		store:     st,
		clk:       clk,
		tolerance: cfg.DriftTolerance,
		orphanAge: cfg.OrphanThreshold,
		isLeader:  isLeader,
		active:    make(map[key]*activeSession),
	}
}

// Subscribe registers a duration-changed/transition observer. Observers are
// called synchronously from the tick loop and must be fast.
func (e *Engine) Subscribe(fn func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs = append(e.subs, fn)
}

// SetFocusNotifier wires the content-blocking collaborator.
func (e *Engine) SetFocusNotifier(n FocusNotifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifier = n
}

// ///////////////////////////////////////////////
// Transitions
// ///////////////////////////////////////////////

// Start opens a session of the given kind. If the store holds an active
// record for this (account, kind) — handed off by a previous leader — it is
// adopted and resumed instead of creating a duplicate.
func (e *Engine) Start(ctx context.Context, accountID string, kind session.Kind) error {
	if !e.isLeader() {
		return ErrNotLeader
	}
	if !kind.Valid() {
		return fmt.Errorf("start: unknown kind %q", kind)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	k := key{accountID, kind}
	if _, ok := e.active[k]; ok {
		return ErrAlreadyActive
	}

	if adopted := e.adoptStoredLocked(ctx, accountID, kind); adopted {
		return nil
	}

	now := e.clk.Now()
	sess := session.New(accountID, kind, now, e.timezone)
	if _, err := e.merge.Merge(ctx, *sess); err != nil {
		// The record is queued as pending inside the merge engine; the
		// session still runs and the write is retried in the background.
		slog.Warn("session open write deferred", "account", accountID, "kind", kind, "error", err)
	}

	e.active[k] = &activeSession{
		sess:      *sess,
		corrector: clock.NewCorrector(e.clk, now, e.tolerance),
	}
	slog.Info("session started", "account", accountID, "kind", kind, "id", sess.ID)
	e.emitLocked(Event{AccountID: accountID, Kind: kind, Status: session.StatusActive})
	e.notifyFocusLocked(accountID, kind, session.StatusActive)
	return nil
}

// Stop finalizes the active session: status flips to completed, the end
// instant is recorded, and the duration is frozen at the corrected elapsed
// time.
func (e *Engine) Stop(ctx context.Context, accountID string, kind session.Kind) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finalizeLocked(ctx, key{accountID, kind})
}

// Pause ends measurement of the current interval. A paused session is
// completed in the ledger; a later Start opens a fresh record, so paused time
// is never billed.
func (e *Engine) Pause(ctx context.Context, accountID string, kind session.Kind) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finalizeLocked(ctx, key{accountID, kind})
}

// finalizeLocked completes and persists one open session. Caller holds e.mu.
func (e *Engine) finalizeLocked(ctx context.Context, k key) error {
	as, ok := e.active[k]
	if !ok {
		return fmt.Errorf("%w: account %s kind %s", ErrNoActiveSession, k.account, k.kind)
	}
	delete(e.active, k)

	as.sess.DurationSeconds = as.corrector.Elapsed()
	as.sess.Complete(e.clk.Now())
	if _, err := e.merge.Merge(ctx, as.sess); err != nil {
		slog.Warn("session close write deferred", "id", as.sess.ID, "error", err)
	}

	slog.Info("session completed",
		"account", k.account,
		"kind", k.kind,
		"id", as.sess.ID,
		"duration_s", as.sess.DurationSeconds,
	)
	e.emitLocked(Event{
		AccountID:       k.account,
		Kind:            k.kind,
		Status:          session.StatusCompleted,
		DurationSeconds: as.sess.DurationSeconds,
	})
	e.notifyFocusLocked(k.account, k.kind, session.StatusCompleted)
	return nil
}

// ///////////////////////////////////////////////
// Tick Loop
// ///////////////////////////////////////////////

// Run drives the engine's tick loop until ctx is done. The tick is the only
// suspension point in the hot duration-tracking path; store writes are
// deferred to the merge engine's pending queue when they fail, never blocking
// a tick on retries.
func (e *Engine) Run(ctx context.Context) error {
	waiter := e.clk.TickerFunc(ctx, time.Second, func() error {
		e.tick(ctx)
		return nil
	}, "lifecycle", "tick")
	return waiter.Wait()
}

// OnLeadershipChange is wired to the arbitrator. Losing leadership hands off
// open sessions immediately; gaining it schedules adoption of handed-off
// records plus an orphan recovery pass on the next tick.
func (e *Engine) OnLeadershipChange(leader bool) {
	if leader {
		e.mu.Lock()
		e.needAdopt = true
		e.mu.Unlock()
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handoffLocked(context.Background())
}

// Handoff writes every open session back to the store at its current duration
// and stops driving it. Called on shutdown so a surviving instance (or the
// next startup) can adopt the sessions instead of orphan-recovering them.
func (e *Engine) Handoff(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handoffLocked(ctx)
}

// tick advances every open session by one scheduler tick.
func (e *Engine) tick(ctx context.Context) {
	if !e.isLeader() {
		e.mu.Lock()
		e.handoffLocked(ctx)
		e.mu.Unlock()
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.needAdopt {
		e.needAdopt = false
		e.adoptAllLocked(ctx)
		e.recoverOrphansLocked(ctx)
	}

	for k, as := range e.active {
		t := as.corrector.Advance()
		if t.Anomaly {
			if as.sess.Flag != session.FlagClockAnomaly {
				as.sess.Flag = session.FlagClockAnomaly
				slog.Warn("clock anomaly, quarantining session",
					"account", k.account, "kind", k.kind, "id", as.sess.ID)
			}
			continue
		}

		unit := int64(k.kind.BillableUnit() / time.Second)
		billed := t.ElapsedSeconds / unit * unit
		if billed <= as.sess.DurationSeconds {
			continue
		}
		as.sess.DurationSeconds = billed

		if _, err := e.merge.Merge(ctx, as.sess); err != nil {
			slog.Debug("duration write deferred", "id", as.sess.ID, "error", err)
		}
		if t.CorrectionSeconds > 0 {
			slog.Info("drift correction applied",
				"account", k.account,
				"kind", k.kind,
				"missed_s", t.CorrectionSeconds,
			)
		}
		e.emitLocked(Event{
			AccountID:         k.account,
			Kind:              k.kind,
			Status:            session.StatusActive,
			DurationSeconds:   billed,
			CorrectionSeconds: t.CorrectionSeconds,
		})
	}
}

// ///////////////////////////////////////////////
// Hand-off, Adoption, Orphan Recovery
// ///////////////////////////////////////////////

// handoffLocked writes every open session back to the store at its current
// duration, still active, and stops driving it. The new leader adopts these
// records. Caller holds e.mu.
func (e *Engine) handoffLocked(ctx context.Context) {
	for k, as := range e.active {
		as.sess.DurationSeconds = as.corrector.Elapsed()
		if _, err := e.merge.Merge(ctx, as.sess); err != nil {
			slog.Warn("hand-off write deferred", "id", as.sess.ID, "error", err)
		}
		slog.Info("session handed off",
			"account", k.account,
			"kind", k.kind,
			"id", as.sess.ID,
			"duration_s", as.sess.DurationSeconds,
		)
		delete(e.active, k)
	}
}

// adoptStoredLocked resumes a handed-off active record for (account, kind) if
// the store holds one. Returns true when a record was adopted. Caller holds e.mu.
func (e *Engine) adoptStoredLocked(ctx context.Context, accountID string, kind session.Kind) bool {
	recs, err := e.store.ActiveSessions(ctx, accountID)
	if err != nil {
		slog.Warn("active session lookup failed", "account", accountID, "error", err)
		return false
	}
	for _, rec := range recs {
		if rec.Session.Kind != kind || e.staleRecord(rec) {
			continue
		}
		e.adoptRecordLocked(rec)
		return true
	}
	return false
}

// adoptAllLocked resumes every active record of this engine's account that no
// local session already covers. Caller holds e.mu.
func (e *Engine) adoptAllLocked(ctx context.Context) {
	recs, err := e.store.ActiveSessions(ctx, e.accountID)
	if err != nil {
		slog.Warn("adoption scan failed", "account", e.accountID, "error", err)
		return
	}
	for _, rec := range recs {
		k := key{rec.Session.AccountID, rec.Session.Kind}
		if _, ok := e.active[k]; ok {
			continue
		}
		if e.staleRecord(rec) {
			// Left for the orphan recovery pass: resuming the corrector here
			// would count the whole dead interval as billed time.
			continue
		}
		e.adoptRecordLocked(rec)
	}
}

// staleRecord reports whether a stored active record predates the orphan
// threshold. Mirrors the criterion of [store.Store.OrphanedActive] so every
// active row is either adopted or force-closed, never both.
func (e *Engine) staleRecord(rec store.Record) bool {
	cutoff := e.clk.Now().Add(-e.orphanAge)
	if start, ok := rec.Session.StartUTC(); ok {
		return start.Before(cutoff)
	}
	return !rec.UpdatedAt.IsZero() && rec.UpdatedAt.Before(cutoff)
}

// adoptRecordLocked rebuilds in-memory tick state for a stored active record.
// The corrector resumes from the recorded duration when the true start is
// unknown (legacy rows), otherwise from the absolute start instant so time
// spent handed-off is still counted. Caller holds e.mu.
func (e *Engine) adoptRecordLocked(rec store.Record) {
	start, ok := rec.Session.StartUTC()
	if !ok {
		// Legacy rows carry no instant; backdate a synthetic start so the
		// corrector's wall-clock comparison lines up with the stored duration.
		start = e.clk.Now().Add(-time.Duration(rec.Session.DurationSeconds) * time.Second)
	}
	corr := clock.NewCorrector(e.clk, start, e.tolerance)
	corr.Resume(rec.Session.DurationSeconds)

	k := key{rec.Session.AccountID, rec.Session.Kind}
	e.active[k] = &activeSession{sess: rec.Session, corrector: corr}
	slog.Info("adopted handed-off session",
		"account", k.account,
		"kind", k.kind,
		"id", rec.Session.ID,
		"duration_s", rec.Session.DurationSeconds,
	)
}

// recoverOrphansLocked force-closes active records whose start is older than
// the recovery threshold and which no live instance is driving. The last
// known duration is kept and the record is flagged rather than trusted.
// Caller holds e.mu.
func (e *Engine) recoverOrphansLocked(ctx context.Context) {
	cutoff := e.clk.Now().Add(-e.orphanAge)
	recs, err := e.store.OrphanedActive(ctx, cutoff)
	if err != nil {
		slog.Warn("orphan scan failed", "error", err)
		return
	}
	for _, rec := range recs {
		k := key{rec.Session.AccountID, rec.Session.Kind}
		if _, ok := e.active[k]; ok {
			// We are driving this record; it is not orphaned.
			continue
		}
		closed := rec.Session
		closed.Flag = session.FlagOrphaned
		if start, ok := closed.StartUTC(); ok {
			closed.Complete(start.Add(time.Duration(closed.DurationSeconds) * time.Second))
		} else {
			closed.Complete(e.clk.Now())
		}
		if _, err := e.merge.Merge(ctx, closed); err != nil {
			slog.Warn("orphan close write deferred", "id", closed.ID, "error", err)
			continue
		}
		slog.Warn("force-closed orphaned session",
			"account", k.account,
			"kind", k.kind,
			"id", closed.ID,
			"duration_s", closed.DurationSeconds,
		)
	}
}

// ///////////////////////////////////////////////
// Observers
// ///////////////////////////////////////////////

// emitLocked delivers an event to all subscribers. Caller holds e.mu.
func (e *Engine) emitLocked(ev Event) {
	for _, fn := range e.subs {
		fn(ev)
	}
}

// notifyFocusLocked tells the content blocker about focus transitions.
// Caller holds e.mu.
func (e *Engine) notifyFocusLocked(accountID string, kind session.Kind, status session.Status) {
	if e.notifier == nil || kind != session.KindFocus {
		return
	}
	e.notifier.FocusTransition(accountID, status)
}
