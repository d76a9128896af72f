package session

import (
	"testing"
	"time"
)

// ///////////////////////////////////////////////
// Kind Tests
// ///////////////////////////////////////////////

func TestKindValid(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindFocus, true},
		{KindSiteUsage, true},
		{KindOverride, true},
		{Kind("pomodoro"), false},
		{Kind(""), false},
	}
	for _, tt := range tests {
		if got := tt.kind.Valid(); got != tt.want {
			t.Errorf("Kind(%q).Valid() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestKindBillableUnit(t *testing.T) {
	if got := KindFocus.BillableUnit(); got != time.Minute {
		t.Errorf("focus billable unit = %v, want 1m", got)
	}
	if got := KindSiteUsage.BillableUnit(); got != time.Second {
		t.Errorf("site-usage billable unit = %v, want 1s", got)
	}
	if got := KindOverride.BillableUnit(); got != time.Second {
		t.Errorf("override billable unit = %v, want 1s", got)
	}
}

// ///////////////////////////////////////////////
// Start Reference Tests
// ///////////////////////////////////////////////

func TestUTCStartLocalDate(t *testing.T) {
	// 23:50 UTC on March 1st is already March 2nd in UTC+8.
	at := time.Date(2024, 3, 1, 23, 50, 0, 0, time.UTC)

	tests := []struct {
		name     string
		timezone string
		want     string
	}{
		{"utc", "UTC", "2024-03-01"},
		{"east of utc", "Asia/Shanghai", "2024-03-02"},
		{"west of utc", "America/New_York", "2024-03-01"},
		{"unknown zone falls back to utc", "Mars/Olympus", "2024-03-01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref := UTCStart{At: at, Timezone: tt.timezone}
			if got := ref.LocalDate(); got != tt.want {
				t.Errorf("LocalDate() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLegacyStartLocalDate(t *testing.T) {
	ref := LegacyStart{Date: "2023-11-05"}
	if got := ref.LocalDate(); got != "2023-11-05" {
		t.Errorf("LocalDate() = %q, want stored date verbatim", got)
	}
	if ref.Generation() != GenerationLegacy {
		t.Errorf("Generation() = %q, want legacy", ref.Generation())
	}
}

func TestSessionGeneration(t *testing.T) {
	utc := Session{Start: UTCStart{At: time.Now(), Timezone: "UTC"}}
	if utc.Generation() != GenerationUTC {
		t.Errorf("utc record generation = %q", utc.Generation())
	}
	legacy := Session{Start: LegacyStart{Date: "2023-01-01"}}
	if legacy.Generation() != GenerationLegacy {
		t.Errorf("legacy record generation = %q", legacy.Generation())
	}
}

// ///////////////////////////////////////////////
// Lifecycle Tests
// ///////////////////////////////////////////////

func TestNewAndComplete(t *testing.T) {
	start := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	s := New("acct-1", KindFocus, start, "Europe/Berlin")

	if s.ID == "" {
		t.Fatal("New() did not assign an id")
	}
	if s.Status != StatusActive {
		t.Fatalf("new session status = %q, want active", s.Status)
	}
	if s.Origin != OriginPrimary {
		t.Fatalf("new session origin = %q, want primary", s.Origin)
	}
	if !s.EndUTC.IsZero() {
		t.Fatal("new session carries an end instant")
	}
	if s.DedupKey() != s.ID {
		t.Fatalf("dedup key %q != id %q", s.DedupKey(), s.ID)
	}

	s.DurationSeconds = 300
	s.Complete(start.Add(5 * time.Minute))
	if s.Status != StatusCompleted {
		t.Fatalf("completed session status = %q", s.Status)
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("completed session should validate: %v", err)
	}
}

// ///////////////////////////////////////////////
// Validation Tests
// ///////////////////////////////////////////////

func TestValidate(t *testing.T) {
	start := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	valid := func() Session {
		return Session{
			ID:              "s-1",
			AccountID:       "acct-1",
			Kind:            KindFocus,
			Origin:          OriginPrimary,
			Start:           UTCStart{At: start, Timezone: "UTC"},
			Status:          StatusActive,
			SyncState:       SyncPending,
			DurationSeconds: 0,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Session)
		wantErr bool
	}{
		{"valid active", func(s *Session) {}, false},
		{"missing id", func(s *Session) { s.ID = "" }, true},
		{"missing account", func(s *Session) { s.AccountID = "" }, true},
		{"unknown kind", func(s *Session) { s.Kind = "nap" }, true},
		{"unknown origin", func(s *Session) { s.Origin = "cloud" }, true},
		{"nil start", func(s *Session) { s.Start = nil }, true},
		{"negative duration", func(s *Session) { s.DurationSeconds = -1 }, true},
		{"active with end", func(s *Session) { s.EndUTC = start.Add(time.Minute) }, true},
		{"completed without end", func(s *Session) { s.Status = StatusCompleted }, true},
		{"completed end before start", func(s *Session) {
			s.Status = StatusCompleted
			s.EndUTC = start.Add(-time.Minute)
		}, true},
		{"completed duration within tolerance", func(s *Session) {
			s.Status = StatusCompleted
			s.EndUTC = start.Add(10 * time.Minute)
			s.DurationSeconds = 600 - DurationTolerance
		}, false},
		{"completed duration disagrees with span", func(s *Session) {
			s.Status = StatusCompleted
			s.EndUTC = start.Add(10 * time.Minute)
			s.DurationSeconds = 60
		}, true},
		{"flagged records exempt from span check", func(s *Session) {
			s.Status = StatusCompleted
			s.EndUTC = start.Add(10 * time.Minute)
			s.DurationSeconds = 60
			s.Flag = FlagOrphaned
		}, false},
		{"legacy completed skips span check", func(s *Session) {
			s.Start = LegacyStart{Date: "2023-01-01"}
			s.Status = StatusCompleted
			s.EndUTC = start
			s.DurationSeconds = 12345
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}
