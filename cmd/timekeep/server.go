// Local HTTP API for the Timekeep daemon.
//
// The listener binds to loopback only. Clients are the timer UI, the
// companion agent (session batches), and other daemon instances' tooling.

package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"tools.zach/dev/timekeep/internal/arbiter"
	"tools.zach/dev/timekeep/internal/channel"
	"tools.zach/dev/timekeep/internal/config"
	"tools.zach/dev/timekeep/internal/lifecycle"
	"tools.zach/dev/timekeep/internal/merge"
	"tools.zach/dev/timekeep/internal/query"
	"tools.zach/dev/timekeep/internal/session"
	"tools.zach/dev/timekeep/internal/syncer"
)

// ///////////////////////////////////////////////
// Server
// ///////////////////////////////////////////////

// apiServer bundles the daemon components the HTTP handlers reach into.
type apiServer struct {
	cfg     *config.Config
	engine  *lifecycle.Engine
	queries *query.Service
	sync    *syncer.Syncer
	arb     *arbiter.Arbitrator
	merge   *merge.Engine
	version string
}

// newMux builds the daemon's HTTP routing table.
func (s *apiServer) newMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("POST /v1/batch", &channel.BatchHandler{Merge: s.merge, Tracked: s.cfg.IsTrackedSite})
	mux.HandleFunc("POST /v1/timer/{action}", s.handleTimer)
	mux.HandleFunc("POST /v1/focus", s.handleFocus)
	mux.HandleFunc("GET /v1/sessions", s.handleSessions)
	mux.HandleFunc("GET /v1/totals", s.handleTotals)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	return mux
}

// writeJSON encodes v with a 200 (or the given status) and logs encode errors.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

// writeError maps an error to a JSON error body.
func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// ///////////////////////////////////////////////
// Timer Endpoints
// ///////////////////////////////////////////////

// handleTimer implements POST /v1/timer/{start|stop|pause}?kind=focus.
func (s *apiServer) handleTimer(w http.ResponseWriter, r *http.Request) {
	kind := session.Kind(r.URL.Query().Get("kind"))
	if kind == "" {
		kind = session.KindFocus
	}
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, errors.New("unknown session kind"))
		return
	}

	var err error
	switch action := r.PathValue("action"); action {
	case "start":
		// Starting a timer is a focus signal: raise this instance's priority
		// so the election settles on the window the user is acting in.
		s.arb.Bump()
		err = s.engine.Start(r.Context(), s.cfg.Account.ID, kind)
	case "stop":
		err = s.engine.Stop(r.Context(), s.cfg.Account.ID, kind)
	case "pause":
		err = s.engine.Pause(r.Context(), s.cfg.Account.ID, kind)
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown timer action"))
		return
	}

	switch {
	case errors.Is(err, lifecycle.ErrNotLeader):
		// Another window owns the timer; the UI should route the action there.
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, lifecycle.ErrAlreadyActive):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, lifecycle.ErrNoActiveSession):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

// handleFocus implements POST /v1/focus: the window gained focus, so this
// instance's priority rises for the next election round.
func (s *apiServer) handleFocus(w http.ResponseWriter, r *http.Request) {
	s.arb.Bump()
	writeJSON(w, http.StatusOK, map[string]bool{"leader": s.arb.IsLeader()})
}

// ///////////////////////////////////////////////
// Query Endpoints
// ///////////////////////////////////////////////

// sessionView is the JSON shape of one session in query results.
type sessionView struct {
	ID              string     `json:"id"`
	AccountID       string     `json:"accountId"`
	Kind            string     `json:"kind"`
	Origin          string     `json:"origin"`
	Generation      string     `json:"generation"`
	LocalDate       string     `json:"localDate"`
	StartUTC        *time.Time `json:"startUtc,omitempty"`
	Timezone        string     `json:"timezone,omitempty"`
	EndUTC          *time.Time `json:"endUtc,omitempty"`
	DurationSeconds int64      `json:"durationSeconds"`
	Status          string     `json:"status"`
	Flag            string     `json:"flag,omitempty"`
}

// toView flattens a query entry for JSON output.
func toView(e query.Entry) sessionView {
	v := sessionView{
		ID:              e.Session.ID,
		AccountID:       e.Session.AccountID,
		Kind:            string(e.Session.Kind),
		Origin:          string(e.Session.Origin),
		Generation:      string(e.Session.Generation()),
		LocalDate:       e.LocalDate,
		DurationSeconds: e.Session.DurationSeconds,
		Status:          string(e.Session.Status),
		Flag:            string(e.Session.Flag),
	}
	if u, ok := e.Session.Start.(session.UTCStart); ok {
		at := u.At
		v.StartUTC = &at
		v.Timezone = u.Timezone
	}
	if !e.Session.EndUTC.IsZero() {
		end := e.Session.EndUTC
		v.EndUTC = &end
	}
	return v
}

// queryRange extracts the from/to date parameters, defaulting both to today
// in the reporting timezone.
func (s *apiServer) queryRange(r *http.Request) (from, to, tz string) {
	tz = s.cfg.ReportingTimezone()
	from = r.URL.Query().Get("from")
	to = r.URL.Query().Get("to")
	if from == "" || to == "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			loc = time.UTC
		}
		today := time.Now().In(loc).Format(session.DateLayout)
		if from == "" {
			from = today
		}
		if to == "" {
			to = today
		}
	}
	return from, to, tz
}

// handleSessions implements GET /v1/sessions?from=YYYY-MM-DD&to=YYYY-MM-DD.
func (s *apiServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	from, to, tz := s.queryRange(r)
	entries, err := s.queries.Query(r.Context(), s.cfg.Account.ID, from, to, tz)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	views := make([]sessionView, 0, len(entries))
	for _, e := range entries {
		views = append(views, toView(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"from":     from,
		"to":       to,
		"timezone": tz,
		"sessions": views,
	})
}

// handleTotals implements GET /v1/totals?from=YYYY-MM-DD&to=YYYY-MM-DD.
func (s *apiServer) handleTotals(w http.ResponseWriter, r *http.Request) {
	from, to, tz := s.queryRange(r)
	totals, err := s.queries.Totals(r.Context(), s.cfg.Account.ID, from, to, tz)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"from":     from,
		"to":       to,
		"timezone": tz,
		"totals":   totals,
	})
}

// ///////////////////////////////////////////////
// Status Endpoint
// ///////////////////////////////////////////////

// handleStatus implements GET /v1/status: sync health plus this instance's
// arbitration role.
func (s *apiServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    s.version,
		"instanceId": s.arb.InstanceID(),
		"leader":     s.arb.IsLeader(),
		"sync":       s.sync.Status(),
	})
}
