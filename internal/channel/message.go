// Package channel is the resilient request/response boundary between the
// daemon and the browser companion agent.
//
// Requests travel as JSON envelopes over the agent's local HTTP bridge. A
// closed set of tagged message types with a schema version is validated at
// the boundary; every envelope carries a correlation id so a late response to
// an abandoned request is discarded instead of being matched to a new caller.
// All transient retry/backoff lives inside this package: the retryablehttp
// transport absorbs short-lived failures, and the [Breaker] is the single
// authority for deciding when the agent is unreachable.
package channel

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"tools.zach/dev/timekeep/internal/session"
)

// SchemaVersion is the envelope schema this build speaks. Envelopes with a
// different version are rejected at the boundary, never passed through.
const SchemaVersion = 1

// ///////////////////////////////////////////////
// Envelope
// ///////////////////////////////////////////////

// MessageType tags an envelope payload. The set is closed; unknown types are
// rejected at the boundary.
type MessageType string

const (
	// TypePing asks the agent whether it is alive.
	TypePing MessageType = "PING"
	// TypeSessionsSince asks the agent for sessions observed since a cutoff.
	TypeSessionsSince MessageType = "GET_SESSIONS_SINCE"
	// TypeSessionBatch carries a batch of observed sessions.
	TypeSessionBatch MessageType = "SESSION_BATCH"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypePing, TypeSessionsSince, TypeSessionBatch:
		return true
	}
	return false
}

// Message is the wire envelope shared by requests and responses. A response
// echoes the correlation id of the request it answers.
type Message struct {
	CorrelationID string          `json:"correlationId"`
	Type          MessageType     `json:"type"`
	Version       int             `json:"version"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the envelope at the channel boundary.
func (m *Message) Validate() error {
	if m.CorrelationID == "" {
		return fmt.Errorf("channel: envelope missing correlation id")
	}
	if !m.Type.Valid() {
		return fmt.Errorf("channel: unknown message type %q", m.Type)
	}
	if m.Version != SchemaVersion {
		return fmt.Errorf("channel: unsupported schema version %d (want %d)", m.Version, SchemaVersion)
	}
	return nil
}

// ///////////////////////////////////////////////
// Payloads
// ///////////////////////////////////////////////

// PingResult is the PING response payload.
type PingResult struct {
	Alive bool `json:"alive"`
}

// SessionsSinceRequest is the GET_SESSIONS_SINCE request payload.
type SessionsSinceRequest struct {
	// Since is the exclusive lower bound on observation time.
	Since time.Time `json:"since"`
}

// SessionsResult is the GET_SESSIONS_SINCE response payload.
type SessionsResult struct {
	Sessions []WireSession `json:"sessions"`
}

// BatchRequest is the SESSION_BATCH request payload.
type BatchRequest struct {
	Sessions []WireSession `json:"sessions"`
}

// BatchResult is the SESSION_BATCH response payload.
type BatchResult struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

// ///////////////////////////////////////////////
// Wire Session
// ///////////////////////////////////////////////

// WireSession is the agent's JSON shape for one observed session. The agent
// has its own identifier space; its id becomes the record's dedup key.
type WireSession struct {
	ID              string    `json:"id"`
	AccountID       string    `json:"accountId"`
	Kind            string    `json:"kind"`
	StartUTC        time.Time `json:"startUtc"`
	Timezone        string    `json:"timezone"`
	EndUTC          time.Time `json:"endUtc,omitzero"`
	DurationSeconds int64     `json:"durationSeconds"`
	Status          string    `json:"status"`
	// Site is the hostname behind a site-usage observation. Channel-boundary
	// metadata only; it is not part of the canonical record.
	Site string `json:"site,omitempty"`
}

// wireKinds maps the agent's snake_case kind names onto canonical kinds. The
// canonical names are accepted too, so local tooling can speak either form.
var wireKinds = map[string]session.Kind{
	"focus":      session.KindFocus,
	"site_usage": session.KindSiteUsage,
	"site-usage": session.KindSiteUsage,
	"override":   session.KindOverride,
}

// ToSession converts the wire shape into a canonical agent-origin record.
func (w WireSession) ToSession() (session.Session, error) {
	kind, ok := wireKinds[w.Kind]
	if !ok {
		kind = session.Kind(w.Kind) // unknown; Validate rejects it below
	}
	s := session.Session{
		ID:              w.ID,
		AccountID:       w.AccountID,
		Kind:            kind,
		Origin:          session.OriginAgent,
		Start:           session.UTCStart{At: w.StartUTC.UTC(), Timezone: w.Timezone},
		EndUTC:          w.EndUTC,
		DurationSeconds: w.DurationSeconds,
		Status:          session.Status(w.Status),
		SyncState:       session.SyncPending,
	}
	if err := s.Validate(); err != nil {
		return session.Session{}, fmt.Errorf("channel: invalid wire session %q: %w", w.ID, err)
	}
	return s, nil
}

// noteUntrackedSites logs site-usage observations whose host matches none of
// the configured patterns. Untracked sessions are still accepted; this is
// observability, not filtering.
func noteUntrackedSites(tracked func(host string) bool, wire []WireSession) {
	if tracked == nil {
		return
	}
	for _, w := range wire {
		if wireKinds[w.Kind] != session.KindSiteUsage || w.Site == "" {
			continue
		}
		if !tracked(w.Site) {
			slog.Debug("session for untracked site", "site", w.Site, "id", w.ID)
		}
	}
}

// decodeSessions converts a slice of wire sessions, collecting the valid ones
// and counting the rest. Invalid records never abort the batch.
func decodeSessions(wire []WireSession) (valid []session.Session, rejected int) {
	for _, w := range wire {
		s, err := w.ToSession()
		if err != nil {
			rejected++
			continue
		}
		valid = append(valid, s)
	}
	return valid, rejected
}
