package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// sessionPayload is the wire shape shared by the list, detail, and
// per-broadcaster views.
type sessionPayload struct {
	StartedAt        time.Time  `json:"started_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	BroadcasterID    string     `json:"broadcaster_id"`
	Channel          string     `json:"channel"`
	Title            string     `json:"title"`
	ThumbnailURL     string     `json:"thumbnail_url,omitempty"`
	ExternalStreamID string     `json:"external_stream_id,omitempty"`
	ID               int64      `json:"id"`
	PeakViewers      int        `json:"peak_viewers"`
	TotalMessages    int        `json:"total_messages"`
	DurationSeconds  int        `json:"duration_seconds"`
	IsTest           bool       `json:"is_test"`
	Active           bool       `json:"active"`
}

const sessionSelect = `SELECT id, broadcaster_id, channel, title, thumbnail_url, external_stream_id,
	started_at, ended_at, peak_viewers, total_messages, duration_seconds, is_test FROM stream_sessions`

func scanSessionPayload(scan func(dest ...any) error) (sessionPayload, error) {
	var s sessionPayload
	err := scan(&s.ID, &s.BroadcasterID, &s.Channel, &s.Title, &s.ThumbnailURL, &s.ExternalStreamID,
		&s.StartedAt, &s.EndedAt, &s.PeakViewers, &s.TotalMessages, &s.DurationSeconds, &s.IsTest)
	s.Active = s.EndedAt == nil
	return s, err
}

// HandleSessionsList returns a paginated list of sessions, newest first.
// Optional filters: ?broadcaster_id=<id> and ?active=1 (open sessions only).
func (h *Handlers) HandleSessionsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := parseIntQuery(r, "limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := parseIntQuery(r, "offset", 0)
	broadcaster := r.URL.Query().Get("broadcaster_id")
	activeOnly := r.URL.Query().Get("active") == "1" || r.URL.Query().Get("active") == "true"

	rows, err := h.db.QueryContext(r.Context(), sessionSelect+`
		WHERE ($1 = '' OR broadcaster_id = $1) AND (NOT $2 OR ended_at IS NULL)
		ORDER BY started_at DESC LIMIT $3 OFFSET $4`, broadcaster, activeOnly, limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	list := make([]sessionPayload, 0)
	for rows.Next() {
		s, err := scanSessionPayload(rows.Scan)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		list = append(list, s)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

// HandleSessionsDispatcher routes requests under /sessions/{id}/* to the
// detail, chat, and replay sub-handlers.
func (h *Handlers) HandleSessionsDispatcher(w http.ResponseWriter, r *http.Request) {
	// crude routing
	path := strings.TrimPrefix(r.URL.Path, "/sessions/")
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
	switch tail {
	case "":
		h.handleSessionDetail(w, r, id)
	case "messages":
		h.handleSessionMessagesJSON(w, r, id)
	case "replay":
		h.handleSessionReplaySSE(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) handleSessionDetail(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	row := h.db.QueryRowContext(r.Context(), sessionSelect+` WHERE id=$1`, id)
	s, err := scanSessionPayload(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s)
}

// sessionStartedAt loads just the anchor timestamp used to translate the
// from/to second offsets of the chat endpoints into absolute times.
func (h *Handlers) sessionStartedAt(r *http.Request, id int64) (time.Time, error) {
	var startedAt time.Time
	err := h.db.QueryRowContext(r.Context(), `SELECT started_at FROM stream_sessions WHERE id=$1`, id).Scan(&startedAt)
	return startedAt, err
}

// handleSessionMessagesJSON returns chat messages for a session within an
// optional time range. from/to are seconds relative to session start.
func (h *Handlers) handleSessionMessagesJSON(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	startedAt, err := h.sessionStartedAt(r, id)
	if err != nil {
		if err == sql.ErrNoRows {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	from := parseFloat64Query(r, "from", 0)
	to := parseFloat64Query(r, "to", 0)
	limit := parseIntQuery(r, "limit", 1000)
	if limit <= 0 || limit > 5000 {
		limit = 1000
	}
	fromTS := startedAt.Add(time.Duration(from * float64(time.Second)))
	var rows *sql.Rows
	if to > 0 {
		toTS := startedAt.Add(time.Duration(to * float64(time.Second)))
		rows, err = h.db.QueryContext(r.Context(), `SELECT sender_username, content, sent_at, emotes, sent_while_offline FROM chat_messages
			WHERE session_id=$1 AND sent_at>=$2 AND sent_at<=$3 ORDER BY sent_at ASC, id ASC LIMIT $4`, id, fromTS, toTS, limit)
	} else {
		rows, err = h.db.QueryContext(r.Context(), `SELECT sender_username, content, sent_at, emotes, sent_while_offline FROM chat_messages
			WHERE session_id=$1 AND sent_at>=$2 ORDER BY sent_at ASC, id ASC LIMIT $3`, id, fromTS, limit)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	type msg struct {
		Abs     time.Time `json:"sent_at"`
		User    string    `json:"username"`
		Text    string    `json:"message"`
		Emotes  string    `json:"emotes"`
		Rel     float64   `json:"rel_timestamp"`
		Offline bool      `json:"sent_while_offline"`
	}
	out := make([]msg, 0)
	for rows.Next() {
		var m msg
		if err := rows.Scan(&m.User, &m.Text, &m.Abs, &m.Emotes, &m.Offline); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		m.Rel = m.Abs.Sub(startedAt).Seconds()
		out = append(out, m)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// handleSessionReplaySSE replays a session's chat over Server-Sent Events at a
// given playback speed, preserving inter-message gaps.
func (h *Handlers) handleSessionReplaySSE(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	startedAt, err := h.sessionStartedAt(r, id)
	if err != nil {
		if err == sql.ErrNoRows {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	from := parseFloat64Query(r, "from", 0)
	speed := parseFloat64Query(r, "speed", 1.0)
	if speed <= 0 {
		speed = 1.0
	}
	ctx := r.Context()
	fromTS := startedAt.Add(time.Duration(from * float64(time.Second)))
	rows, err := h.db.QueryContext(ctx, `SELECT sender_username, content, sent_at, emotes FROM chat_messages
		WHERE session_id=$1 AND sent_at>=$2 ORDER BY sent_at ASC, id ASC`, id, fromTS)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	prev := from
	enc := json.NewEncoder(w)
	for rows.Next() {
		var user, text, emotes string
		var abs time.Time
		if err := rows.Scan(&user, &text, &abs, &emotes); err != nil {
			return
		}
		rel := abs.Sub(startedAt).Seconds()
		// sleep for the delta scaled by speed
		if rel > prev {
			delay := time.Duration(((rel - prev) / speed) * float64(time.Second))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		// write SSE event
		if _, err := w.Write([]byte("data: ")); err != nil {
			slog.Warn("failed to write SSE data prefix", slog.Any("err", err))
			return
		}
		_ = enc.Encode(map[string]any{
			"username":      user,
			"message":       text,
			"sent_at":       abs,
			"rel_timestamp": rel,
			"emotes":        emotes,
		})
		if _, err := w.Write([]byte("\n")); err != nil {
			slog.Warn("failed to write SSE newline", slog.Any("err", err))
			return
		}
		flusher.Flush()
		prev = rel
	}
}

// HandleBroadcastersDispatcher routes requests under /broadcasters/{id}/*.
func (h *Handlers) HandleBroadcastersDispatcher(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/broadcasters/")
	parts := strings.Split(path, "/")
	broadcaster := parts[0]
	tail := ""
	if len(parts) > 1 {
		tail = strings.Join(parts[1:], "/")
	}
	switch {
	case broadcaster == "":
		http.NotFound(w, r)
	case tail == "active":
		h.handleBroadcasterActive(w, r, broadcaster)
	default:
		http.NotFound(w, r)
	}
}

// handleBroadcasterActive reports whether a broadcaster currently has an open
// session. Pollable: absence of a session is a normal answer, not a 404.
func (h *Handlers) handleBroadcasterActive(w http.ResponseWriter, r *http.Request, broadcaster string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	row := h.db.QueryRowContext(r.Context(), sessionSelect+` WHERE broadcaster_id=$1 AND ended_at IS NULL
		ORDER BY started_at DESC LIMIT 1`, broadcaster)
	s, err := scanSessionPayload(row.Scan)
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		if err == sql.ErrNoRows {
			_ = json.NewEncoder(w).Encode(map[string]any{"active": false})
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"active": true, "session": s})
}
