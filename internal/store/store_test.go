package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/quartz"

	"tools.zach/dev/timekeep/internal/session"
)

// openTestStore opens a store against a throwaway database.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sessions.db"), quartz.NewMock(t))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// utcSession builds a completed UTC-generation record for tests.
func utcSession(id, account string, kind session.Kind, start time.Time, durationSec int64) session.Session {
	s := session.Session{
		ID:              id,
		AccountID:       account,
		Kind:            kind,
		Origin:          session.OriginAgent,
		Start:           session.UTCStart{At: start, Timezone: "UTC"},
		DurationSeconds: durationSec,
		Status:          session.StatusCompleted,
		SyncState:       session.SyncSynced,
	}
	s.Complete(start.Add(time.Duration(durationSec) * time.Second))
	return s
}

func TestInsertGetRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	sess := utcSession("ext-42", "acct-1", session.KindSiteUsage, start, 120)
	if err := st.Insert(ctx, &sess); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rec, err := st.Get(ctx, session.KindSiteUsage, "ext-42")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.RowVersion != 1 {
		t.Fatalf("row version = %d, want 1", rec.RowVersion)
	}
	got := rec.Session
	if got.AccountID != "acct-1" || got.DurationSeconds != 120 || got.Status != session.StatusCompleted {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	u, ok := got.Start.(session.UTCStart)
	if !ok {
		t.Fatalf("start reference type = %T, want UTCStart", got.Start)
	}
	if !u.At.Equal(start) {
		t.Fatalf("start instant = %v, want %v", u.At, start)
	}
}

func TestGetNotFound(t *testing.T) {
	st := openTestStore(t)
	_, err := st.Get(context.Background(), session.KindFocus, "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestLegacyRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	sess := session.Session{
		ID:              "old-1",
		AccountID:       "acct-1",
		Kind:            session.KindFocus,
		Origin:          session.OriginPrimary,
		Start:           session.LegacyStart{Date: "2023-11-05"},
		EndUTC:          time.Date(2023, 11, 5, 10, 0, 0, 0, time.UTC),
		DurationSeconds: 1500,
		Status:          session.StatusCompleted,
		SyncState:       session.SyncSynced,
	}
	if err := st.Insert(ctx, &sess); err != nil {
		t.Fatalf("insert legacy: %v", err)
	}

	rec, err := st.Get(ctx, session.KindFocus, "old-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	l, ok := rec.Session.Start.(session.LegacyStart)
	if !ok {
		t.Fatalf("start reference type = %T, want LegacyStart", rec.Session.Start)
	}
	if l.Date != "2023-11-05" {
		t.Fatalf("legacy date = %q", l.Date)
	}
}

func TestUpdateStaleWrite(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	sess := utcSession("s-1", "acct-1", session.KindFocus, start, 60)
	if err := st.Insert(ctx, &sess); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// First writer wins at version 1.
	sess.DurationSeconds = 120
	sess.EndUTC = start.Add(120 * time.Second)
	if err := st.Update(ctx, &sess, 1); err != nil {
		t.Fatalf("update v1: %v", err)
	}

	// Second writer still holds version 1: stale.
	sess.DurationSeconds = 90
	err := st.Update(ctx, &sess, 1)
	if !errors.Is(err, ErrStaleWrite) {
		t.Fatalf("err = %v, want ErrStaleWrite", err)
	}

	// Updating a missing row is not-found, not stale.
	missing := utcSession("ghost", "acct-1", session.KindFocus, start, 60)
	if err := st.Update(ctx, &missing, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	rec, err := st.Get(ctx, session.KindFocus, "s-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Session.DurationSeconds != 120 || rec.RowVersion != 2 {
		t.Fatalf("stored row after stale write: duration=%d version=%d", rec.Session.DurationSeconds, rec.RowVersion)
	}
}

func TestDuplicateActiveRejected(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	a := session.Session{
		ID: "a-1", AccountID: "acct-1", Kind: session.KindFocus,
		Origin: session.OriginPrimary,
		Start:  session.UTCStart{At: start, Timezone: "UTC"},
		Status: session.StatusActive, SyncState: session.SyncSynced,
	}
	if err := st.Insert(ctx, &a); err != nil {
		t.Fatalf("insert first active: %v", err)
	}

	b := a
	b.ID = "a-2"
	b.Start = session.UTCStart{At: start.Add(time.Minute), Timezone: "UTC"}
	if err := st.Insert(ctx, &b); !errors.Is(err, ErrDuplicateActive) {
		t.Fatalf("err = %v, want ErrDuplicateActive", err)
	}

	// A second active of a different kind is fine.
	c := a
	c.ID = "a-3"
	c.Kind = session.KindSiteUsage
	if err := st.Insert(ctx, &c); err != nil {
		t.Fatalf("insert active of other kind: %v", err)
	}

	// Another account is fine too.
	d := a
	d.ID = "a-4"
	d.AccountID = "acct-2"
	if err := st.Insert(ctx, &d); err != nil {
		t.Fatalf("insert active for other account: %v", err)
	}
}

func TestInsertDedupKeyCollisionIsStaleWrite(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	first := utcSession("ext-7", "acct-1", session.KindFocus, start, 100)
	if err := st.Insert(ctx, &first); err != nil {
		t.Fatalf("insert first: %v", err)
	}

	// A racing writer inserting the same dedup key lost the race; that is a
	// re-read-and-merge situation, not a duplicate active session.
	racer := utcSession("ext-7", "acct-1", session.KindFocus, start, 150)
	err := st.Insert(ctx, &racer)
	if !errors.Is(err, ErrStaleWrite) {
		t.Fatalf("err = %v, want ErrStaleWrite", err)
	}
	if errors.Is(err, ErrDuplicateActive) {
		t.Fatalf("err = %v, must not be ErrDuplicateActive", err)
	}

	rec, err := st.Get(ctx, session.KindFocus, "ext-7")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Session.DurationSeconds != 100 {
		t.Fatalf("stored duration = %d, want untouched 100", rec.Session.DurationSeconds)
	}
}

func TestSupersedeAndRangeQuery(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	legacy := session.Session{
		ID: "old-1", AccountID: "acct-1", Kind: session.KindFocus,
		Origin: session.OriginPrimary,
		Start:  session.LegacyStart{Date: "2024-03-01"},
		EndUTC: start, DurationSeconds: 1500,
		Status: session.StatusCompleted, SyncState: session.SyncSynced,
	}
	modern := utcSession("new-1", "acct-1", session.KindFocus, start, 1500)

	if err := st.Insert(ctx, &legacy); err != nil {
		t.Fatalf("insert legacy: %v", err)
	}
	if err := st.Insert(ctx, &modern); err != nil {
		t.Fatalf("insert modern: %v", err)
	}
	if err := st.Supersede(ctx, session.KindFocus, "old-1", "new-1"); err != nil {
		t.Fatalf("supersede: %v", err)
	}

	// The legacy row is retained with the marker, not deleted.
	rec, err := st.Get(ctx, session.KindFocus, "old-1")
	if err != nil {
		t.Fatalf("get legacy: %v", err)
	}
	if rec.SupersededBy != "new-1" {
		t.Fatalf("superseded_by = %q, want new-1", rec.SupersededBy)
	}

	// Range query returns only the UTC row.
	recs, err := st.QueryByAccountAndRange(ctx, "acct-1", start.Add(-time.Hour), start.Add(time.Hour))
	if err != nil {
		t.Fatalf("range query: %v", err)
	}
	if len(recs) != 1 || recs[0].Session.ID != "new-1" {
		t.Fatalf("range query = %+v, want only new-1", recs)
	}

	// Legacy date query still surfaces the superseded row for the caller to
	// filter.
	legacyRecs, err := st.QueryLegacyByAccountAndDates(ctx, "acct-1", []string{"2024-03-01"})
	if err != nil {
		t.Fatalf("legacy query: %v", err)
	}
	if len(legacyRecs) != 1 || legacyRecs[0].SupersededBy != "new-1" {
		t.Fatalf("legacy query = %+v", legacyRecs)
	}

	// Superseding a missing row reports not-found.
	if err := st.Supersede(ctx, session.KindFocus, "ghost", "new-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestActiveAndOrphanedQueries(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	fresh := session.Session{
		ID: "f-1", AccountID: "acct-1", Kind: session.KindFocus,
		Origin: session.OriginPrimary,
		Start:  session.UTCStart{At: now.Add(-5 * time.Minute), Timezone: "UTC"},
		Status: session.StatusActive, SyncState: session.SyncSynced,
	}
	stale := session.Session{
		ID: "f-2", AccountID: "acct-2", Kind: session.KindFocus,
		Origin: session.OriginPrimary,
		Start:  session.UTCStart{At: now.Add(-2 * time.Hour), Timezone: "UTC"},
		Status: session.StatusActive, SyncState: session.SyncSynced,
	}
	if err := st.Insert(ctx, &fresh); err != nil {
		t.Fatalf("insert fresh: %v", err)
	}
	if err := st.Insert(ctx, &stale); err != nil {
		t.Fatalf("insert stale: %v", err)
	}

	active, err := st.ActiveSessions(ctx, "acct-1")
	if err != nil {
		t.Fatalf("active sessions: %v", err)
	}
	if len(active) != 1 || active[0].Session.ID != "f-1" {
		t.Fatalf("active sessions = %+v", active)
	}

	orphans, err := st.OrphanedActive(ctx, now.Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("orphaned active: %v", err)
	}
	if len(orphans) != 1 || orphans[0].Session.ID != "f-2" {
		t.Fatalf("orphaned active = %+v", orphans)
	}
}
