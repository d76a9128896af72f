// Package query answers date-range reporting questions over the session
// ledger, bridging the two on-disk record generations.
//
// UTC-generation rows are selected by absolute instant and bucketed into
// calendar days in the caller's reporting timezone, so a session near
// midnight lands on the day the user actually experienced. Legacy rows carry
// only a bare date string and are matched verbatim against the requested
// dates, interpreted as the reporting timezone's calendar. When the record
// was written in a different zone this is an approximation, accepted in
// preference to guessing a historical offset.
package query

import (
	"context"
	"fmt"
	"sort"
	"time"

	"tools.zach/dev/timekeep/internal/session"
	"tools.zach/dev/timekeep/internal/store"
)

// ///////////////////////////////////////////////
// Results
// ///////////////////////////////////////////////

// Entry is one session in a query result, annotated with the reporting-day
// bucket it was assigned to and the instant used for ordering.
type Entry struct {
	Session session.Session
	// LocalDate is the YYYY-MM-DD reporting-timezone day this session counts
	// toward.
	LocalDate string
	// SortAt orders entries chronologically. Legacy records, which have no
	// instant, sort at their day's local midnight.
	SortAt time.Time
}

// DayTotals is the per-kind billed seconds for one reporting day.
type DayTotals map[session.Kind]int64

// ///////////////////////////////////////////////
// Service
// ///////////////////////////////////////////////

// Reader is the subset of the store the query service needs.
type Reader interface {
	QueryByAccountAndRange(ctx context.Context, accountID string, utcStart, utcEnd time.Time) ([]store.Record, error)
	QueryLegacyByAccountAndDates(ctx context.Context, accountID string, localDates []string) ([]store.Record, error)
}

// Service resolves date-range queries against the ledger.
type Service struct {
	store Reader
}

// New creates a query service over st.
func New(st Reader) *Service {
	return &Service{store: st}
}

// Query returns every non-superseded session of the account whose reporting-
// timezone day falls within [fromDate, toDate], both YYYY-MM-DD inclusive.
// Results are chronological; each dedup key appears at most once even when a
// record matches through both generations.
func (s *Service) Query(ctx context.Context, accountID, fromDate, toDate, reportingTZ string) ([]Entry, error) {
	loc, err := time.LoadLocation(reportingTZ)
	if err != nil {
		return nil, fmt.Errorf("query: unknown reporting timezone %q: %w", reportingTZ, err)
	}
	from, err := time.ParseInLocation(session.DateLayout, fromDate, loc)
	if err != nil {
		return nil, fmt.Errorf("query: bad from date %q: %w", fromDate, err)
	}
	to, err := time.ParseInLocation(session.DateLayout, toDate, loc)
	if err != nil {
		return nil, fmt.Errorf("query: bad to date %q: %w", toDate, err)
	}
	if to.Before(from) {
		return nil, fmt.Errorf("query: to date %s precedes from date %s", toDate, fromDate)
	}

	// The range covers local midnight of the first day through local midnight
	// after the last, converted to absolute instants. A UTC row stored on one
	// calendar day can therefore surface on its neighbor in the reporting
	// zone, which is exactly the point.
	utcStart := from.UTC()
	utcEnd := to.AddDate(0, 0, 1).UTC()

	seen := make(map[string]struct{})
	var out []Entry

	modern, err := s.store.QueryByAccountAndRange(ctx, accountID, utcStart, utcEnd)
	if err != nil {
		return nil, err
	}
	for _, rec := range modern {
		start, ok := rec.Session.StartUTC()
		if !ok {
			continue
		}
		key := rec.Session.DedupKey()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, Entry{
			Session:   rec.Session,
			LocalDate: start.In(loc).Format(session.DateLayout),
			SortAt:    start,
		})
	}

	legacy, err := s.store.QueryLegacyByAccountAndDates(ctx, accountID, datesBetween(from, to, loc))
	if err != nil {
		return nil, err
	}
	for _, rec := range legacy {
		if rec.SupersededBy != "" {
			// A UTC-generation twin replaced this row; the twin already
			// represents the time.
			continue
		}
		key := rec.Session.DedupKey()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		date := rec.Session.Start.LocalDate()
		midnight, parseErr := time.ParseInLocation(session.DateLayout, date, loc)
		if parseErr != nil {
			midnight = from
		}
		out = append(out, Entry{
			Session:   rec.Session,
			LocalDate: date,
			SortAt:    midnight,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].SortAt.Equal(out[j].SortAt) {
			return out[i].SortAt.Before(out[j].SortAt)
		}
		return out[i].Session.DedupKey() < out[j].Session.DedupKey()
	})
	return out, nil
}

// Totals aggregates a Query into per-day, per-kind billed seconds.
func (s *Service) Totals(ctx context.Context, accountID, fromDate, toDate, reportingTZ string) (map[string]DayTotals, error) {
	entries, err := s.Query(ctx, accountID, fromDate, toDate, reportingTZ)
	if err != nil {
		return nil, err
	}
	totals := make(map[string]DayTotals)
	for _, e := range entries {
		day := totals[e.LocalDate]
		if day == nil {
			day = make(DayTotals)
			totals[e.LocalDate] = day
		}
		day[e.Session.Kind] += e.Session.DurationSeconds
	}
	return totals, nil
}

// datesBetween enumerates the YYYY-MM-DD strings from from through to
// inclusive, stepping calendar days in loc.
func datesBetween(from, to time.Time, loc *time.Location) []string {
	var dates []string
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1).In(loc) {
		dates = append(dates, d.Format(session.DateLayout))
	}
	return dates
}
