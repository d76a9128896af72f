package channel

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"tools.zach/dev/timekeep/internal/merge"
	"tools.zach/dev/timekeep/internal/session"
)

// Merger is the subset of the merge engine the inbound handler needs.
type Merger interface {
	MergeBatch(ctx context.Context, batch []session.Session) merge.BatchResult
}

// BatchHandler accepts SESSION_BATCH pushes from the companion agent on the
// daemon's local listener. The envelope is validated at the boundary; the
// response echoes the request's correlation id and reports accepted/rejected
// counts. Partial failure is normal: one bad record never rejects the batch.
type BatchHandler struct {
	Merge Merger
	// Tracked, when set, is consulted to note site-usage pushes for hosts
	// outside the configured patterns.
	Tracked func(host string) bool
}

// ServeHTTP implements POST /v1/batch.
func (h *BatchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var env Message
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "malformed envelope", http.StatusBadRequest)
		return
	}
	if err := env.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if env.Type != TypeSessionBatch {
		http.Error(w, "expected SESSION_BATCH", http.StatusBadRequest)
		return
	}

	var batch BatchRequest
	if err := json.Unmarshal(env.Payload, &batch); err != nil {
		http.Error(w, "malformed batch payload", http.StatusBadRequest)
		return
	}

	noteUntrackedSites(h.Tracked, batch.Sessions)
	valid, rejected := decodeSessions(batch.Sessions)
	res := h.Merge.MergeBatch(r.Context(), valid)
	res.Rejected += rejected

	slog.Debug("agent batch merged",
		"correlation_id", env.CorrelationID,
		"accepted", res.Accepted,
		"rejected", res.Rejected,
	)

	respond(w, env.CorrelationID, TypeSessionBatch, BatchResult{Accepted: res.Accepted, Rejected: res.Rejected})
}

// respond writes a response envelope echoing the request's correlation id.
func respond(w http.ResponseWriter, correlationID string, typ MessageType, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	env := Message{
		CorrelationID: correlationID,
		Type:          typ,
		Version:       SchemaVersion,
		Payload:       raw,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.Debug("failed to write batch response", "error", err)
	}
}
