package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HandleAdminMonitor returns a monitoring summary: job timestamps, circuit
// breaker state, and session/message queue stats.
func (h *Handlers) HandleAdminMonitor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	// Fetch job timestamps
	keys := []string{"job_live_poll_last", "job_vod_correlate_last", "job_retention_last"}
	stats := map[string]any{}
	for _, k := range keys {
		var val string
		row := h.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, k)
		_ = row.Scan(&val)
		if val != "" {
			stats[k] = val
		}
	}
	// Circuit breaker
	var cState, cUntil, cFails string
	_ = h.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key='circuit_state'`).Scan(&cState)
	_ = h.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key='circuit_open_until'`).Scan(&cUntil)
	_ = h.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key='circuit_failures'`).Scan(&cFails)
	if cState != "" {
		stats["circuit_state"] = cState
	}
	if cUntil != "" {
		stats["circuit_open_until"] = cUntil
	}
	if cFails != "" {
		stats["circuit_failures"] = cFails
	}

	// Session and message counts
	var open, total, held, messages int
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stream_sessions WHERE ended_at IS NULL`).Scan(&open)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stream_sessions`).Scan(&total)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM offline_chat_messages`).Scan(&held)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_messages`).Scan(&messages)
	stats["sessions_open"] = open
	stats["sessions_total"] = total
	stats["offline_messages_held"] = held
	stats["chat_messages_total"] = messages
	// Oldest still-open session surfaces pollers that stopped reporting
	var oldestID int64
	var oldestBroadcaster string
	var oldestStarted time.Time
	row := h.db.QueryRowContext(ctx, `SELECT id, broadcaster_id, started_at FROM stream_sessions WHERE ended_at IS NULL ORDER BY started_at ASC LIMIT 1`)
	_ = row.Scan(&oldestID, &oldestBroadcaster, &oldestStarted)
	if oldestID != 0 {
		stats["oldest_open_session"] = map[string]any{"id": oldestID, "broadcaster_id": oldestBroadcaster, "started_at": oldestStarted}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

// HandleAdminSessionsDispatcher routes /admin/sessions/{id}/{action} to the
// manual lifecycle operations. One existence probe up front keeps unknown ids
// answering 404 uniformly across actions.
func (h *Handlers) HandleAdminSessionsDispatcher(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/admin/sessions/")
	parts := strings.Split(path, "/")
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id <= 0 {
		http.NotFound(w, r)
		return
	}
	tail := ""
	if len(parts) > 1 {
		tail = strings.Join(parts[1:], "/")
	}

	var exists bool
	if err := h.db.QueryRowContext(r.Context(), `SELECT EXISTS(SELECT 1 FROM stream_sessions WHERE id=$1)`, id).Scan(&exists); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !exists {
		http.NotFound(w, r)
		return
	}

	switch tail {
	case "end":
		h.handleAdminSessionEnd(w, r, id)
	case "merge":
		h.handleAdminSessionMerge(w, r, id)
	case "backfill":
		h.handleAdminSessionBackfill(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

// handleAdminSessionEnd force-closes a session. The optional body carries
// {"force": bool, "ended_at": RFC3339}; ended_at pins the close to an
// explicit timestamp instead of now.
func (h *Handlers) handleAdminSessionEnd(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		EndedAt string `json:"ended_at"`
		Force   bool   `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	var ended bool
	var err error
	if req.EndedAt != "" {
		ts, perr := time.Parse(time.RFC3339, req.EndedAt)
		if perr != nil {
			http.Error(w, "invalid ended_at", http.StatusBadRequest)
			return
		}
		ended, err = h.sessions.EndSessionAt(r.Context(), id, ts, req.Force)
	} else {
		ended, err = h.sessions.EndSession(r.Context(), id, req.Force)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "session_id": id, "ended": ended})
}

// handleAdminSessionMerge re-runs duplicate absorption around a session.
func (h *Handlers) handleAdminSessionMerge(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	merged, err := h.sessions.MergeLikelyDuplicateSessions(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "session_id": id, "merged": merged})
}

// handleAdminSessionBackfill re-runs offline message attachment for a session.
func (h *Handlers) handleAdminSessionBackfill(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	migrated, err := h.sessions.BackfillOfflineMessages(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "session_id": id, "backfilled": migrated})
}
