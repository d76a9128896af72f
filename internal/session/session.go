// Package session defines the canonical session record: the unit of tracked
// time that every other component produces, merges, stores, or queries.
//
// A session is owned by an account, classified by [Kind], and originates
// either from this daemon ([OriginPrimary]) or from the browser companion
// agent ([OriginAgent]). Records exist in two on-disk generations: modern
// records carry an absolute UTC start instant plus the IANA timezone that was
// in effect ([UTCStart]), while legacy records predate the UTC schema and are
// identified only by a local calendar-date string ([LegacyStart]). The two
// generations are expressed as a sealed union ([StartRef]) so callers are
// forced to handle both explicitly instead of probing for field presence.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ///////////////////////////////////////////////
// Enumerations
// ///////////////////////////////////////////////

// Kind classifies what a session measures.
type Kind string

const (
	// KindFocus is a deliberate focused-work session driven by the timer.
	KindFocus Kind = "focus"
	// KindSiteUsage is time spent on a tracked distraction site, observed by
	// the companion agent.
	KindSiteUsage Kind = "site-usage"
	// KindOverride is a user override of a block, observed by the companion agent.
	KindOverride Kind = "override"
)

// Kinds lists every valid session kind, in stable order.
var Kinds = []Kind{KindFocus, KindSiteUsage, KindOverride}

// Valid reports whether k is a known session kind.
func (k Kind) Valid() bool {
	switch k {
	case KindFocus, KindSiteUsage, KindOverride:
		return true
	}
	return false
}

// BillableUnit returns the boundary granularity at which duration is extended
// while a session of this kind is active. Focus sessions bill in whole
// minutes; agent-observed kinds bill in whole seconds.
func (k Kind) BillableUnit() time.Duration {
	if k == KindFocus {
		return time.Minute
	}
	return time.Second
}

// Origin identifies which process created a session record.
type Origin string

const (
	// OriginPrimary marks records created by this daemon's lifecycle engine.
	OriginPrimary Origin = "primary"
	// OriginAgent marks records reported by the browser companion agent.
	OriginAgent Origin = "agent"
)

// Generation identifies the on-disk schema generation of a record.
type Generation string

const (
	// GenerationLegacy records carry only a local calendar-date string.
	GenerationLegacy Generation = "legacy"
	// GenerationUTC records carry an absolute start instant and timezone label.
	GenerationUTC Generation = "utc"
)

// Status is the lifecycle status of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// SyncState tracks whether a record has reached the durable store.
type SyncState string

const (
	SyncPending SyncState = "pending"
	SyncSynced  SyncState = "synced"
)

// Flag marks records whose data could not be fully trusted. Flagged records
// are quarantined for later reconciliation, never silently altered.
type Flag string

const (
	// FlagNone is the normal, unflagged state.
	FlagNone Flag = ""
	// FlagClockAnomaly marks a session whose elapsed time went negative or
	// implausible; its duration is capped, not corrected.
	FlagClockAnomaly Flag = "clock-anomaly"
	// FlagOrphaned marks an active session that lost its owner instance and
	// was force-closed using its last known duration.
	FlagOrphaned Flag = "orphaned"
)

// ///////////////////////////////////////////////
// Start Reference Union
// ///////////////////////////////////////////////

// DateLayout is the calendar-day format used by legacy records and derived
// local dates.
const DateLayout = "2006-01-02"

// StartRef is the sealed union over the two record generations' notion of
// "when the session started". Exactly two implementations exist:
// [LegacyStart] and [UTCStart].
type StartRef interface {
	// Generation reports which schema generation this reference belongs to.
	Generation() Generation
	// LocalDate returns the YYYY-MM-DD calendar day of the session start.
	// Legacy references return their stored string verbatim; UTC references
	// derive it from the start instant in the record's own timezone.
	LocalDate() string

	sealed()
}

// LegacyStart identifies a legacy-generation start: a bare local calendar
// date with no usable timezone. Legacy dates are interpreted in the caller's
// reporting timezone at query time, a documented approximation.
type LegacyStart struct {
	// Date is the stored YYYY-MM-DD string.
	Date string
}

func (LegacyStart) sealed() {}

// Generation returns [GenerationLegacy].
func (LegacyStart) Generation() Generation { return GenerationLegacy }

// LocalDate returns the stored calendar-date string.
func (l LegacyStart) LocalDate() string { return l.Date }

// UTCStart identifies a UTC-generation start: an absolute instant plus the
// IANA timezone label that was in effect when the session began.
type UTCStart struct {
	// At is the absolute start instant.
	At time.Time
	// Timezone is the IANA zone name valid at start (e.g. "Asia/Shanghai").
	Timezone string
}

func (UTCStart) sealed() {}

// Generation returns [GenerationUTC].
func (UTCStart) Generation() Generation { return GenerationUTC }

// LocalDate derives the calendar day of the start instant in the record's own
// timezone. Unknown zone names fall back to UTC rather than failing: a
// slightly shifted day is preferable to dropping the record.
func (u UTCStart) LocalDate() string {
	loc, err := time.LoadLocation(u.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return u.At.In(loc).Format(DateLayout)
}

// ///////////////////////////////////////////////
// Session
// ///////////////////////////////////////////////

// DurationTolerance is the allowed slack, in seconds, between a completed
// session's recorded duration and its end-start span.
const DurationTolerance = 5

// Session is the canonical session record.
type Session struct {
	// ID is the stable identifier assigned by whichever origin created the
	// record. Primary-origin IDs are UUIDs; agent-origin IDs live in the
	// agent's own identifier space and are never compared to primary IDs
	// except via the dedup key.
	ID string
	// AccountID is the owning account.
	AccountID string
	// Kind classifies the session.
	Kind Kind
	// Origin identifies the creating process.
	Origin Origin
	// Start is the generation-tagged start reference.
	Start StartRef
	// EndUTC is the absolute end instant; zero while the session is active.
	EndUTC time.Time
	// DurationSeconds is monotonically non-decreasing while active and frozen
	// at close.
	DurationSeconds int64
	// Status is active or completed.
	Status Status
	// SyncState tracks whether the record has reached the durable store.
	SyncState SyncState
	// Flag marks quarantined records. See [Flag].
	Flag Flag
}

// New creates an active primary-origin UTC-generation session starting now.
func New(accountID string, kind Kind, start time.Time, timezone string) *Session {
	return &Session{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Kind:      kind,
		Origin:    OriginPrimary,
		Start:     UTCStart{At: start.UTC(), Timezone: timezone},
		Status:    StatusActive,
		SyncState: SyncPending,
	}
}

// DedupKey returns the merge-engine identity key for this record. It is the
// origin-assigned ID: the agent's own stable id for agent records, the
// primary UUID for primary records. The durable store enforces uniqueness on
// this key, which is the system's sole concurrency-control point.
func (s *Session) DedupKey() string { return s.ID }

// Generation reports the record's schema generation, derived from the start
// reference.
func (s *Session) Generation() Generation {
	if s.Start == nil {
		return GenerationLegacy
	}
	return s.Start.Generation()
}

// StartUTC returns the absolute start instant and true for UTC-generation
// records, or a zero time and false for legacy records.
func (s *Session) StartUTC() (time.Time, bool) {
	if u, ok := s.Start.(UTCStart); ok {
		return u.At, true
	}
	return time.Time{}, false
}

// Complete finalizes the session: status flips to completed, the end instant
// is recorded, and the duration is frozen at its current value.
func (s *Session) Complete(end time.Time) {
	s.Status = StatusCompleted
	s.EndUTC = end.UTC()
}

// Validate checks the structural invariants every record must satisfy before
// it is handed to the merge engine.
func (s *Session) Validate() error {
	if s.ID == "" {
		return errors.New("session: missing id")
	}
	if s.AccountID == "" {
		return errors.New("session: missing account id")
	}
	if !s.Kind.Valid() {
		return fmt.Errorf("session: unknown kind %q", s.Kind)
	}
	if s.Origin != OriginPrimary && s.Origin != OriginAgent {
		return fmt.Errorf("session: unknown origin %q", s.Origin)
	}
	if s.Start == nil {
		return errors.New("session: missing start reference")
	}
	if s.DurationSeconds < 0 {
		return fmt.Errorf("session: negative duration %d", s.DurationSeconds)
	}
	switch s.Status {
	case StatusActive:
		if !s.EndUTC.IsZero() {
			return errors.New("session: active record carries an end instant")
		}
	case StatusCompleted:
		if s.EndUTC.IsZero() {
			return errors.New("session: completed record lacks an end instant")
		}
		if start, ok := s.StartUTC(); ok {
			span := int64(s.EndUTC.Sub(start) / time.Second)
			if span < 0 {
				return fmt.Errorf("session: end precedes start by %ds", -span)
			}
			// Flagged records are exempt: their duration was deliberately
			// capped instead of trusted.
			if s.Flag == FlagNone && abs64(span-s.DurationSeconds) > DurationTolerance {
				return fmt.Errorf("session: duration %ds disagrees with span %ds", s.DurationSeconds, span)
			}
		}
	default:
		return fmt.Errorf("session: unknown status %q", s.Status)
	}
	return nil
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
