// Package store is the durable session ledger, backed by SQLite via the
// pure-Go modernc.org/sqlite driver.
//
// One table exists per session [session.Kind]. Every row is keyed by its
// dedup key, and a row version column provides optimistic concurrency: an
// update that races with another writer fails with [ErrStaleWrite] so the
// caller can re-read and re-apply the merge rule. A partial unique index per
// table enforces the at-most-one-active-session-per-account invariant.
//
// The store itself is deliberately dumb: all merge semantics live in the
// merge engine, which is the sole writer.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coder/quartz"

	"tools.zach/dev/timekeep/internal/session"

	_ "modernc.org/sqlite"
)

// ///////////////////////////////////////////////
// Sentinel Errors
// ///////////////////////////////////////////////

// ErrNotFound is returned when no row exists for a dedup key.
var ErrNotFound = errors.New("session not found")

// ErrStaleWrite is returned when an update's expected row version no longer
// matches the stored row, meaning another write landed in between. Callers
// resolve it by re-reading and re-applying the merge rule.
var ErrStaleWrite = errors.New("stale write: row version conflict")

// ErrDuplicateActive is returned when inserting an active session while the
// account already has one active session of that kind.
var ErrDuplicateActive = errors.New("account already has an active session of this kind")

// ///////////////////////////////////////////////
// Record
// ///////////////////////////////////////////////

// Record is a stored session plus the store-managed metadata columns.
type Record struct {
	Session session.Session
	// SupersededBy holds the dedup key of the UTC-generation row that
	// replaced this legacy row, or empty. Superseded rows are retained, not
	// deleted, but excluded from query results.
	SupersededBy string
	// RowVersion is the optimistic-concurrency version, incremented on every
	// update.
	RowVersion int64
	// UpdatedAt is the wall-clock time of the last write.
	UpdatedAt time.Time
}

// tableFor maps a session kind to its table name.
func tableFor(kind session.Kind) string {
	switch kind {
	case session.KindFocus:
		return "focus_sessions"
	case session.KindSiteUsage:
		return "site_usage_sessions"
	default:
		return "override_sessions"
	}
}

// ///////////////////////////////////////////////
// Store
// ///////////////////////////////////////////////

// Store is the durable session ledger.
type Store struct {
	db    *sql.DB
	clock quartz.Clock
}

// Open opens (creating if necessary) the SQLite database at dbPath and
// ensures the schema exists.
func Open(dbPath string, clk quartz.Clock) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s := &Store{db: db, clock: clk}
	if err := s.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ensureSchema creates the per-kind session tables and their indexes.
func (s *Store) ensureSchema(ctx context.Context) error {
	for _, kind := range session.Kinds {
		table := tableFor(kind)
		ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
  dedup_key        TEXT PRIMARY KEY,
  id               TEXT NOT NULL,
  account_id       TEXT NOT NULL,
  origin           TEXT NOT NULL,
  generation       TEXT NOT NULL,
  start_utc        TEXT,
  timezone         TEXT,
  local_date       TEXT NOT NULL,
  end_utc          TEXT,
  duration_seconds INTEGER NOT NULL,
  status           TEXT NOT NULL,
  sync_state       TEXT NOT NULL,
  flag             TEXT NOT NULL DEFAULT '',
  superseded_by    TEXT NOT NULL DEFAULT '',
  row_version      INTEGER NOT NULL DEFAULT 1,
  updated_at       TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_%[1]s_one_active
  ON %[1]s(account_id) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS idx_%[1]s_account_start
  ON %[1]s(account_id, start_utc);
CREATE INDEX IF NOT EXISTS idx_%[1]s_account_local_date
  ON %[1]s(account_id, local_date);
`, table)
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create %s schema: %w", table, err)
		}
	}
	return nil
}

// ///////////////////////////////////////////////
// Writes
// ///////////////////////////////////////////////

// Insert stores a new session row at version 1. Returns [ErrDuplicateActive]
// when the one-active-per-account index rejects the row, and [ErrStaleWrite]
// when the dedup key already exists — another writer got there first, so the
// caller should re-read and merge instead.
func (s *Store) Insert(ctx context.Context, sess *session.Session) error {
	startUTC, timezone := startColumns(sess)
	stmt := fmt.Sprintf(`
INSERT INTO %s (dedup_key, id, account_id, origin, generation, start_utc, timezone,
  local_date, end_utc, duration_seconds, status, sync_state, flag, row_version, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`, tableFor(sess.Kind))
	_, err := s.db.ExecContext(ctx, stmt,
		sess.DedupKey(),
		sess.ID,
		sess.AccountID,
		string(sess.Origin),
		string(sess.Generation()),
		startUTC,
		timezone,
		sess.Start.LocalDate(),
		endColumn(sess),
		sess.DurationSeconds,
		string(sess.Status),
		string(sess.SyncState),
		string(sess.Flag),
		s.clock.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			// Two distinct constraints can fire here. A dedup_key collision
			// means another instance inserted this record first — a concurrency
			// loss the caller resolves by re-reading, same as a version-guard
			// failure. Only the one-active partial index means a duplicate
			// active session.
			if strings.Contains(err.Error(), ".dedup_key") {
				return fmt.Errorf("insert session %s: %w", sess.DedupKey(), ErrStaleWrite)
			}
			if sess.Status == session.StatusActive {
				return fmt.Errorf("%w: account %s kind %s", ErrDuplicateActive, sess.AccountID, sess.Kind)
			}
		}
		return fmt.Errorf("insert session %s: %w", sess.DedupKey(), err)
	}
	return nil
}

// Update overwrites the mutable columns of an existing row, guarded by the
// expected row version. Returns [ErrStaleWrite] when the guard fails and
// [ErrNotFound] when the row does not exist at all.
func (s *Store) Update(ctx context.Context, sess *session.Session, expectVersion int64) error {
	startUTC, timezone := startColumns(sess)
	stmt := fmt.Sprintf(`
UPDATE %s SET
  generation = ?, start_utc = ?, timezone = ?, local_date = ?, end_utc = ?,
  duration_seconds = ?, status = ?, sync_state = ?, flag = ?,
  row_version = row_version + 1, updated_at = ?
WHERE dedup_key = ? AND row_version = ?`, tableFor(sess.Kind))
	res, err := s.db.ExecContext(ctx, stmt,
		string(sess.Generation()),
		startUTC,
		timezone,
		sess.Start.LocalDate(),
		endColumn(sess),
		sess.DurationSeconds,
		string(sess.Status),
		string(sess.SyncState),
		string(sess.Flag),
		s.clock.Now().UTC().Format(time.RFC3339),
		sess.DedupKey(),
		expectVersion,
	)
	if err != nil {
		return fmt.Errorf("update session %s: %w", sess.DedupKey(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session %s: rows affected: %w", sess.DedupKey(), err)
	}
	if n == 0 {
		if _, getErr := s.Get(ctx, sess.Kind, sess.DedupKey()); errors.Is(getErr, ErrNotFound) {
			return fmt.Errorf("update session %s: %w", sess.DedupKey(), ErrNotFound)
		}
		return fmt.Errorf("update session %s: %w", sess.DedupKey(), ErrStaleWrite)
	}
	return nil
}

// Supersede marks a legacy row as replaced by the UTC-generation row with key
// byKey. The row is retained for audit but dropped from query results.
func (s *Store) Supersede(ctx context.Context, kind session.Kind, legacyKey, byKey string) error {
	stmt := fmt.Sprintf(
		`UPDATE %s SET superseded_by = ?, row_version = row_version + 1, updated_at = ? WHERE dedup_key = ?`,
		tableFor(kind))
	res, err := s.db.ExecContext(ctx, stmt, byKey, s.clock.Now().UTC().Format(time.RFC3339), legacyKey)
	if err != nil {
		return fmt.Errorf("supersede %s: %w", legacyKey, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("supersede %s: %w", legacyKey, ErrNotFound)
	}
	return nil
}

// ///////////////////////////////////////////////
// Reads
// ///////////////////////////////////////////////

// selectCols is the column list every row scan expects, in order.
const selectCols = `dedup_key, id, account_id, origin, generation, start_utc, timezone,
  local_date, end_utc, duration_seconds, status, sync_state, flag, superseded_by, row_version, updated_at`

// Get fetches a single row by dedup key.
func (s *Store) Get(ctx context.Context, kind session.Kind, dedupKey string) (*Record, error) {
	stmt := fmt.Sprintf(`SELECT %s FROM %s WHERE dedup_key = ?`, selectCols, tableFor(kind))
	row := s.db.QueryRowContext(ctx, stmt, dedupKey)
	rec, err := scanRecord(kind, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %s: %w", dedupKey, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", dedupKey, err)
	}
	return rec, nil
}

// QueryByAccountAndRange returns UTC-generation rows of every kind whose
// start instant falls in [utcStart, utcEnd). Superseded rows are excluded.
func (s *Store) QueryByAccountAndRange(ctx context.Context, accountID string, utcStart, utcEnd time.Time) ([]Record, error) {
	var out []Record
	for _, kind := range session.Kinds {
		stmt := fmt.Sprintf(`
SELECT %s FROM %s
WHERE account_id = ? AND generation = 'utc' AND superseded_by = ''
  AND start_utc >= ? AND start_utc < ?
ORDER BY start_utc`, selectCols, tableFor(kind))
		recs, err := s.queryRecords(ctx, kind, stmt,
			accountID,
			utcStart.UTC().Format(time.RFC3339),
			utcEnd.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// QueryLegacyByAccountAndDates returns legacy-generation rows of every kind
// whose stored local date matches one of localDates. Superseded rows are
// included; the caller decides whether to drop them.
func (s *Store) QueryLegacyByAccountAndDates(ctx context.Context, accountID string, localDates []string) ([]Record, error) {
	if len(localDates) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(localDates)), ",")
	args := make([]any, 0, len(localDates)+1)
	args = append(args, accountID)
	for _, d := range localDates {
		args = append(args, d)
	}

	var out []Record
	for _, kind := range session.Kinds {
		stmt := fmt.Sprintf(`
SELECT %s FROM %s
WHERE account_id = ? AND generation = 'legacy' AND local_date IN (%s)
ORDER BY local_date`, selectCols, tableFor(kind), placeholders)
		recs, err := s.queryRecords(ctx, kind, stmt, args...)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// ActiveSessions returns the active row (if any) of each kind for an account.
func (s *Store) ActiveSessions(ctx context.Context, accountID string) ([]Record, error) {
	var out []Record
	for _, kind := range session.Kinds {
		stmt := fmt.Sprintf(`SELECT %s FROM %s WHERE account_id = ? AND status = 'active'`, selectCols, tableFor(kind))
		recs, err := s.queryRecords(ctx, kind, stmt, accountID)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// OrphanedActive returns active rows across all accounts whose start instant
// is older than cutoff — sessions whose owning instance disappeared without a
// hand-off. Legacy-generation rows use their last update time instead.
func (s *Store) OrphanedActive(ctx context.Context, cutoff time.Time) ([]Record, error) {
	cut := cutoff.UTC().Format(time.RFC3339)
	var out []Record
	for _, kind := range session.Kinds {
		stmt := fmt.Sprintf(`
SELECT %s FROM %s
WHERE status = 'active'
  AND ((start_utc IS NOT NULL AND start_utc < ?) OR (start_utc IS NULL AND updated_at < ?))`,
			selectCols, tableFor(kind))
		recs, err := s.queryRecords(ctx, kind, stmt, cut, cut)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// ///////////////////////////////////////////////
// Row Scanning
// ///////////////////////////////////////////////

// queryRecords runs a SELECT over one kind's table and scans all rows.
func (s *Store) queryRecords(ctx context.Context, kind session.Kind, stmt string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", tableFor(kind), err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(kind, rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", tableFor(kind), err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", tableFor(kind), err)
	}
	return out, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanRecord decodes one row into a Record, rebuilding the start-reference
// union from the generation column.
func scanRecord(kind session.Kind, sc scanner) (*Record, error) {
	var (
		rec        Record
		origin     string
		generation string
		startUTC   sql.NullString
		timezone   sql.NullString
		localDate  string
		endUTC     sql.NullString
		status     string
		syncState  string
		flag       string
		updatedAt  string
		dedupKey   string
	)
	err := sc.Scan(
		&dedupKey,
		&rec.Session.ID,
		&rec.Session.AccountID,
		&origin,
		&generation,
		&startUTC,
		&timezone,
		&localDate,
		&endUTC,
		&rec.Session.DurationSeconds,
		&status,
		&syncState,
		&flag,
		&rec.SupersededBy,
		&rec.RowVersion,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Session.Kind = kind
	rec.Session.Origin = session.Origin(origin)
	rec.Session.Status = session.Status(status)
	rec.Session.SyncState = session.SyncState(syncState)
	rec.Session.Flag = session.Flag(flag)

	if session.Generation(generation) == session.GenerationUTC && startUTC.Valid {
		at, parseErr := time.Parse(time.RFC3339, startUTC.String)
		if parseErr != nil {
			return nil, fmt.Errorf("parse start_utc %q: %w", startUTC.String, parseErr)
		}
		rec.Session.Start = session.UTCStart{At: at, Timezone: timezone.String}
	} else {
		rec.Session.Start = session.LegacyStart{Date: localDate}
	}

	if endUTC.Valid && endUTC.String != "" {
		at, parseErr := time.Parse(time.RFC3339, endUTC.String)
		if parseErr != nil {
			return nil, fmt.Errorf("parse end_utc %q: %w", endUTC.String, parseErr)
		}
		rec.Session.EndUTC = at
	}
	if at, parseErr := time.Parse(time.RFC3339, updatedAt); parseErr == nil {
		rec.UpdatedAt = at
	}
	return &rec, nil
}

// ///////////////////////////////////////////////
// Column Helpers
// ///////////////////////////////////////////////

// startColumns flattens the start-reference union into the nullable
// start_utc/timezone column pair.
func startColumns(sess *session.Session) (startUTC, timezone any) {
	if u, ok := sess.Start.(session.UTCStart); ok {
		return u.At.UTC().Format(time.RFC3339), u.Timezone
	}
	return nil, nil
}

// endColumn flattens the end instant; NULL while the session is active.
func endColumn(sess *session.Session) any {
	if sess.EndUTC.IsZero() {
		return nil
	}
	return sess.EndUTC.UTC().Format(time.RFC3339)
}

// isUniqueViolation reports whether err is a SQLite unique-constraint error.
// The modernc driver surfaces these as plain errors, so match on message.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
