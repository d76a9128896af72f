package merge

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/quartz"

	"tools.zach/dev/timekeep/internal/session"
	"tools.zach/dev/timekeep/internal/store"
)

// newTestEngine wires a merge engine to a throwaway database.
func newTestEngine(t *testing.T) (*Engine, *store.Store, *quartz.Mock) {
	t.Helper()
	mock := quartz.NewMock(t)
	st, err := store.Open(filepath.Join(t.TempDir(), "sessions.db"), mock)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, mock), st, mock
}

// agentSession builds a completed agent-origin candidate.
func agentSession(id string, kind session.Kind, start time.Time, durationSec int64) session.Session {
	s := session.Session{
		ID:              id,
		AccountID:       "acct-1",
		Kind:            kind,
		Origin:          session.OriginAgent,
		Start:           session.UTCStart{At: start, Timezone: "UTC"},
		DurationSeconds: durationSec,
		Status:          session.StatusCompleted,
	}
	s.Complete(start.Add(time.Duration(durationSec) * time.Second))
	return s
}

func TestMergeInsertThenRedeliver(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()
	start := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	cand := agentSession("ext-42", session.KindSiteUsage, start, 120)

	outcome, err := eng.Merge(ctx, cand)
	if err != nil {
		t.Fatalf("first merge: %v", err)
	}
	if outcome != Inserted {
		t.Fatalf("first merge outcome = %q, want inserted", outcome)
	}

	// Exact redelivery of the same batch record is a no-op.
	outcome, err = eng.Merge(ctx, cand)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if outcome != SkippedDuplicate {
		t.Fatalf("redelivery outcome = %q, want skipped-duplicate", outcome)
	}

	rec, err := st.Get(ctx, session.KindSiteUsage, "ext-42")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Session.DurationSeconds != 120 || rec.RowVersion != 1 {
		t.Fatalf("redelivery touched the row: duration=%d version=%d", rec.Session.DurationSeconds, rec.RowVersion)
	}
}

func TestMergeDurationGrowth(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()
	start := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	if _, err := eng.Merge(ctx, agentSession("ext-1", session.KindSiteUsage, start, 60)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// The agent re-reports the same session with a longer duration.
	outcome, err := eng.Merge(ctx, agentSession("ext-1", session.KindSiteUsage, start, 180))
	if err != nil {
		t.Fatalf("growth merge: %v", err)
	}
	if outcome != Updated {
		t.Fatalf("growth outcome = %q, want updated", outcome)
	}

	// A shorter redelivery never shrinks the stored duration.
	outcome, err = eng.Merge(ctx, agentSession("ext-1", session.KindSiteUsage, start, 90))
	if err != nil {
		t.Fatalf("shrink merge: %v", err)
	}
	if outcome != SkippedDuplicate {
		t.Fatalf("shrink outcome = %q, want skipped-duplicate", outcome)
	}

	rec, err := st.Get(ctx, session.KindSiteUsage, "ext-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Session.DurationSeconds != 180 {
		t.Fatalf("stored duration = %d, want 180", rec.Session.DurationSeconds)
	}
}

func TestMergeActiveToCompleted(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()
	start := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	active := session.Session{
		ID: "s-1", AccountID: "acct-1", Kind: session.KindFocus,
		Origin: session.OriginPrimary,
		Start:  session.UTCStart{At: start, Timezone: "UTC"},
		Status: session.StatusActive,
	}
	if _, err := eng.Merge(ctx, active); err != nil {
		t.Fatalf("insert active: %v", err)
	}

	closed := active
	closed.DurationSeconds = 600
	closed.Complete(start.Add(10 * time.Minute))
	outcome, err := eng.Merge(ctx, closed)
	if err != nil {
		t.Fatalf("close merge: %v", err)
	}
	if outcome != Updated {
		t.Fatalf("close outcome = %q, want updated", outcome)
	}

	rec, err := st.Get(ctx, session.KindFocus, "s-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Session.Status != session.StatusCompleted || rec.Session.DurationSeconds != 600 {
		t.Fatalf("stored row = %+v", rec.Session)
	}
}

func TestMergeNeverReopensCompletedRow(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()
	start := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	if _, err := eng.Merge(ctx, agentSession("ext-9", session.KindSiteUsage, start, 100)); err != nil {
		t.Fatalf("insert completed: %v", err)
	}

	// A late redelivery still marked active, with a longer duration. The
	// closed row must not flip back to active or lose its end instant.
	late := session.Session{
		ID: "ext-9", AccountID: "acct-1", Kind: session.KindSiteUsage,
		Origin: session.OriginAgent,
		Start:  session.UTCStart{At: start, Timezone: "UTC"},
		Status: session.StatusActive, DurationSeconds: 150,
	}
	outcome, err := eng.Merge(ctx, late)
	if err != nil {
		t.Fatalf("merge late active: %v", err)
	}
	if outcome != SkippedDuplicate {
		t.Fatalf("outcome = %q, want skipped-duplicate", outcome)
	}

	rec, err := st.Get(ctx, session.KindSiteUsage, "ext-9")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Session.Status != session.StatusCompleted {
		t.Fatalf("status = %q, want completed", rec.Session.Status)
	}
	if rec.Session.EndUTC.IsZero() {
		t.Fatal("end instant was cleared")
	}
	if rec.Session.DurationSeconds != 100 {
		t.Fatalf("duration = %d, want 100", rec.Session.DurationSeconds)
	}
}

func TestMergeSupersedesLegacyTwin(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	legacy := session.Session{
		ID: "old-1", AccountID: "acct-1", Kind: session.KindFocus,
		Origin: session.OriginPrimary,
		Start:  session.LegacyStart{Date: "2024-03-01"},
		EndUTC: start, DurationSeconds: 1500,
		Status: session.StatusCompleted,
	}
	if _, err := eng.Merge(ctx, legacy); err != nil {
		t.Fatalf("insert legacy: %v", err)
	}

	// A UTC-generation record arrives for the same day with a comparable
	// duration: the legacy row is marked superseded, not deleted.
	modern := agentSession("new-1", session.KindFocus, start, 1480)
	if _, err := eng.Merge(ctx, modern); err != nil {
		t.Fatalf("merge modern: %v", err)
	}

	rec, err := st.Get(ctx, session.KindFocus, "old-1")
	if err != nil {
		t.Fatalf("get legacy: %v", err)
	}
	if rec.SupersededBy != "new-1" {
		t.Fatalf("superseded_by = %q, want new-1", rec.SupersededBy)
	}
}

func TestMergeKeepsUnrelatedLegacy(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	legacy := session.Session{
		ID: "old-1", AccountID: "acct-1", Kind: session.KindFocus,
		Origin: session.OriginPrimary,
		Start:  session.LegacyStart{Date: "2024-03-01"},
		EndUTC: start, DurationSeconds: 300,
		Status: session.StatusCompleted,
	}
	if _, err := eng.Merge(ctx, legacy); err != nil {
		t.Fatalf("insert legacy: %v", err)
	}

	// Same day, wildly different duration: not the same physical interval.
	modern := agentSession("new-1", session.KindFocus, start, 5000)
	if _, err := eng.Merge(ctx, modern); err != nil {
		t.Fatalf("merge modern: %v", err)
	}

	rec, err := st.Get(ctx, session.KindFocus, "old-1")
	if err != nil {
		t.Fatalf("get legacy: %v", err)
	}
	if rec.SupersededBy != "" {
		t.Fatalf("unrelated legacy row was superseded by %q", rec.SupersededBy)
	}
}

func TestMergeBatchPartialFailure(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()
	start := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	bad := agentSession("bad-1", session.KindSiteUsage, start, 60)
	bad.AccountID = "" // fails validation

	batch := []session.Session{
		agentSession("ok-1", session.KindSiteUsage, start, 60),
		bad,
		agentSession("ok-2", session.KindSiteUsage, start.Add(time.Hour), 90),
	}
	res := eng.MergeBatch(ctx, batch)
	if res.Accepted != 2 || res.Rejected != 1 {
		t.Fatalf("batch result = %+v, want 2 accepted / 1 rejected", res)
	}
}

func TestMergeForceClosesStaleActive(t *testing.T) {
	eng, st, mock := newTestEngine(t)
	ctx := context.Background()
	start := mock.Now().Add(-time.Hour)

	stale := session.Session{
		ID: "stale-1", AccountID: "acct-1", Kind: session.KindFocus,
		Origin: session.OriginPrimary,
		Start:  session.UTCStart{At: start, Timezone: "UTC"},
		Status: session.StatusActive, DurationSeconds: 500,
	}
	if _, err := eng.Merge(ctx, stale); err != nil {
		t.Fatalf("insert stale active: %v", err)
	}

	// A new active session for the same account and kind arrives. The stale
	// row is force-closed (flagged, duration kept) so the one-active
	// invariant holds, and the new row is inserted.
	fresh := session.Session{
		ID: "fresh-1", AccountID: "acct-1", Kind: session.KindFocus,
		Origin: session.OriginPrimary,
		Start:  session.UTCStart{At: mock.Now(), Timezone: "UTC"},
		Status: session.StatusActive,
	}
	outcome, err := eng.Merge(ctx, fresh)
	if err != nil {
		t.Fatalf("merge fresh active: %v", err)
	}
	if outcome != Inserted {
		t.Fatalf("outcome = %q, want inserted", outcome)
	}

	rec, err := st.Get(ctx, session.KindFocus, "stale-1")
	if err != nil {
		t.Fatalf("get stale: %v", err)
	}
	if rec.Session.Status != session.StatusCompleted {
		t.Fatalf("stale row status = %q, want completed", rec.Session.Status)
	}
	if rec.Session.Flag != session.FlagOrphaned {
		t.Fatalf("stale row flag = %q, want orphaned", rec.Session.Flag)
	}
	if rec.Session.DurationSeconds != 500 {
		t.Fatalf("stale row duration = %d, want last known 500", rec.Session.DurationSeconds)
	}
}

func TestComparableDuration(t *testing.T) {
	tests := []struct {
		a, b int64
		want bool
	}{
		{100, 100, true},
		{100, 159, true},   // within fixed 60s slack
		{100, 161, false},  // beyond both slacks
		{3600, 3900, true}, // within 10% of larger
		{3600, 4100, false},
		{0, 60, true},
		{0, 61, false},
	}
	for _, tt := range tests {
		if got := comparableDuration(tt.a, tt.b); got != tt.want {
			t.Errorf("comparableDuration(%d, %d) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
