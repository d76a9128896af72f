// Package merge is the deduplication and merge engine: the single write path
// into the durable store.
//
// Every candidate record — whether produced by this daemon's lifecycle engine
// or reported by the companion agent — passes through [Engine.Merge], which
// upserts by dedup key. Repeated delivery of the same batch is safe: a
// candidate that is equal to or older than the stored row is skipped, one
// that grew or completed updates the row in place, and an unseen key is
// inserted. When a UTC-generation candidate arrives for an interval a
// legacy-generation row already represents, the legacy row is superseded
// (marked, not deleted) so the two generations are never double-counted.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/quartz"

	"tools.zach/dev/timekeep/internal/session"
	"tools.zach/dev/timekeep/internal/store"
)

// ///////////////////////////////////////////////
// Outcomes
// ///////////////////////////////////////////////

// Outcome reports what [Engine.Merge] did with a candidate.
type Outcome string

const (
	// Inserted means the candidate's dedup key was unseen and a new row was created.
	Inserted Outcome = "inserted"
	// Updated means an existing row was advanced (longer duration or
	// active-to-completed transition).
	Updated Outcome = "updated"
	// SkippedDuplicate means the stored row already carries equal or newer
	// data; the candidate was a redelivery.
	SkippedDuplicate Outcome = "skipped-duplicate"
)

// BatchResult summarizes a batch merge. Records are processed independently:
// one failure never aborts the rest of the batch.
type BatchResult struct {
	Accepted int
	Rejected int
}

// staleRetries bounds how many times a merge re-reads and re-applies after a
// row-version conflict before giving up.
const staleRetries = 3

// comparableDurationSlack is the fixed floor, in seconds, for judging two
// durations "comparable" during cross-generation supersede.
const comparableDurationSlack int64 = 60

// ///////////////////////////////////////////////
// Engine
// ///////////////////////////////////////////////

// Engine merges candidate sessions into the durable store.
type Engine struct {
	store *store.Store
	clock quartz.Clock

	// mu guards pending. Candidates whose durable write failed are queued
	// here with syncState=pending and retried by the background
	// reconciliation pass; they are never silently dropped.
	mu      sync.Mutex
	pending []session.Session
}

// New creates a merge engine writing to st.
func New(st *store.Store, clk quartz.Clock) *Engine {
	return &Engine{store: st, clock: clk}
}

// Merge upserts one candidate by dedup key. See the package comment for the
// decision rule. On a durable-write failure the candidate is queued for
// retry and the error is returned; the caller may treat it as transient.
func (e *Engine) Merge(ctx context.Context, cand session.Session) (Outcome, error) {
	if err := cand.Validate(); err != nil {
		return "", fmt.Errorf("merge: %w", err)
	}

	outcome, err := e.mergeOnce(ctx, cand)
	for attempt := 0; errors.Is(err, store.ErrStaleWrite) && attempt < staleRetries; attempt++ {
		outcome, err = e.mergeOnce(ctx, cand)
	}
	if err != nil && !isRejection(err) {
		e.enqueuePending(cand)
	}
	return outcome, err
}

// mergeOnce applies the merge rule against the current stored row.
func (e *Engine) mergeOnce(ctx context.Context, cand session.Session) (Outcome, error) {
	existing, err := e.store.Get(ctx, cand.Kind, cand.DedupKey())
	switch {
	case errors.Is(err, store.ErrNotFound):
		return e.insert(ctx, cand)
	case err != nil:
		return "", fmt.Errorf("merge lookup: %w", err)
	}

	grew := cand.DurationSeconds > existing.Session.DurationSeconds
	completed := existing.Session.Status == session.StatusActive && cand.Status == session.StatusCompleted
	// A completed row never reopens. A longer active candidate for a closed
	// interval is a stale redelivery from its original driver, not new data;
	// applying it would clear the end instant and could collide with the
	// one-active-per-account index.
	reopens := existing.Session.Status == session.StatusCompleted && cand.Status == session.StatusActive
	if (!grew && !completed) || reopens {
		return SkippedDuplicate, nil
	}

	merged := existing.Session
	merged.DurationSeconds = max(cand.DurationSeconds, existing.Session.DurationSeconds)
	merged.Status = cand.Status
	merged.EndUTC = cand.EndUTC
	merged.SyncState = session.SyncSynced
	if cand.Flag != session.FlagNone {
		merged.Flag = cand.Flag
	}
	// A candidate may carry a richer start reference than the stored row
	// (legacy row later re-reported with UTC data under the same key).
	if merged.Generation() == session.GenerationLegacy && cand.Generation() == session.GenerationUTC {
		merged.Start = cand.Start
	}

	if err := e.store.Update(ctx, &merged, existing.RowVersion); err != nil {
		return "", err
	}
	return Updated, nil
}

// insert stores a first-seen candidate, superseding any legacy twin first.
func (e *Engine) insert(ctx context.Context, cand session.Session) (Outcome, error) {
	if cand.Generation() == session.GenerationUTC {
		if err := e.supersedeLegacyTwin(ctx, cand); err != nil {
			return "", err
		}
	}

	cand.SyncState = session.SyncSynced
	err := e.store.Insert(ctx, &cand)
	if errors.Is(err, store.ErrDuplicateActive) {
		// The account already has an active row of this kind whose owner
		// never closed it. Force-close it at its last known duration so the
		// invariant holds, then retry the insert once.
		if recoverErr := e.forceCloseActive(ctx, cand.AccountID, cand.Kind); recoverErr != nil {
			return "", fmt.Errorf("merge: recover stale active row: %w", recoverErr)
		}
		err = e.store.Insert(ctx, &cand)
	}
	if err != nil {
		return "", fmt.Errorf("merge insert: %w", err)
	}
	return Inserted, nil
}

// supersedeLegacyTwin looks for a legacy-generation row representing the same
// physical interval as the UTC candidate — same account and kind, same local
// date, comparable duration — and marks it replaced.
func (e *Engine) supersedeLegacyTwin(ctx context.Context, cand session.Session) error {
	legacy, err := e.store.QueryLegacyByAccountAndDates(ctx, cand.AccountID, []string{cand.Start.LocalDate()})
	if err != nil {
		return fmt.Errorf("legacy twin lookup: %w", err)
	}
	for _, rec := range legacy {
		if rec.Session.Kind != cand.Kind || rec.SupersededBy != "" {
			continue
		}
		if !comparableDuration(rec.Session.DurationSeconds, cand.DurationSeconds) {
			continue
		}
		if err := e.store.Supersede(ctx, cand.Kind, rec.Session.DedupKey(), cand.DedupKey()); err != nil {
			return fmt.Errorf("supersede legacy twin: %w", err)
		}
		slog.Info("legacy record superseded by utc record",
			"account", cand.AccountID,
			"kind", cand.Kind,
			"legacy", rec.Session.DedupKey(),
			"utc", cand.DedupKey(),
		)
	}
	return nil
}

// forceCloseActive completes the stored active row for (account, kind) at its
// last known duration, flagging it orphaned.
func (e *Engine) forceCloseActive(ctx context.Context, accountID string, kind session.Kind) error {
	recs, err := e.store.ActiveSessions(ctx, accountID)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.Session.Kind != kind {
			continue
		}
		closed := rec.Session
		closed.Flag = session.FlagOrphaned
		closed.Complete(e.clock.Now())
		if err := e.store.Update(ctx, &closed, rec.RowVersion); err != nil {
			return err
		}
		slog.Warn("force-closed stale active session",
			"account", accountID,
			"kind", kind,
			"dedup_key", rec.Session.DedupKey(),
			"duration_s", rec.Session.DurationSeconds,
		)
	}
	return nil
}

// comparableDuration reports whether two durations plausibly describe the
// same interval: within 60 seconds or 10% of the larger, whichever is more.
func comparableDuration(a, b int64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	slack := max(comparableDurationSlack, max(a, b)/10)
	return diff <= slack
}

// ///////////////////////////////////////////////
// Batches
// ///////////////////////////////////////////////

// MergeBatch merges each candidate independently. A failure on one record is
// logged and counted but never aborts the remaining records.
func (e *Engine) MergeBatch(ctx context.Context, batch []session.Session) BatchResult {
	var res BatchResult
	for _, cand := range batch {
		if _, err := e.Merge(ctx, cand); err != nil {
			slog.Warn("batch record rejected", "dedup_key", cand.DedupKey(), "error", err)
			res.Rejected++
			continue
		}
		res.Accepted++
	}
	return res
}

// ///////////////////////////////////////////////
// Pending Retry Queue
// ///////////////////////////////////////////////

// enqueuePending records a candidate whose durable write failed so the
// background reconciliation pass can retry it.
func (e *Engine) enqueuePending(cand session.Session) {
	cand.SyncState = session.SyncPending
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, p := range e.pending {
		if p.DedupKey() == cand.DedupKey() {
			// Keep only the newest snapshot per key.
			e.pending[i] = cand
			return
		}
	}
	e.pending = append(e.pending, cand)
}

// PendingCount returns the number of records awaiting a durable-write retry.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// RetryPending re-merges every queued record, removing those that succeed.
// Completed sessions are retried forever: losing a completed write would lose
// real user time data.
func (e *Engine) RetryPending(ctx context.Context) {
	e.mu.Lock()
	queued := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, cand := range queued {
		if _, err := e.Merge(ctx, cand); err != nil {
			slog.Debug("pending record retry failed", "dedup_key", cand.DedupKey(), "error", err)
		}
	}
}

// isRejection reports whether err is a permanent data problem (validation,
// integrity) rather than a transient store failure worth retrying.
func isRejection(err error) bool {
	return errors.Is(err, store.ErrStaleWrite) || errors.Is(err, store.ErrDuplicateActive)
}
