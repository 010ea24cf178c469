package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/onnwee/stream-sentry/chat"
	"github.com/onnwee/stream-sentry/livestatus"
	"github.com/onnwee/stream-sentry/session"
)

// HandleLiveStatusSignal accepts a liveness observation for a broadcaster and
// reconciles the session state: a live observation opens or refreshes the
// active session, an offline one requests a grace-respecting end. The is_live
// field tolerates the boolean, string, and numeric encodings upstream pollers
// actually send; anything unrecognized counts as offline.
func (h *Handlers) HandleLiveStatusSignal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		BroadcasterID    string `json:"broadcaster_id"`
		Channel          string `json:"channel"`
		IsLive           any    `json:"is_live"`
		Title            string `json:"title"`
		ThumbnailURL     string `json:"thumbnail_url"`
		ExternalStreamID string `json:"external_stream_id"`
		ViewerCount      int    `json:"viewer_count"`
		StartedAt        string `json:"started_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.BroadcasterID == "" {
		http.Error(w, "broadcaster_id required", http.StatusBadRequest)
		return
	}

	if !livestatus.NormalizeLiveFlag(req.IsLive) {
		ended, err := h.sessions.EndActiveSession(r.Context(), req.BroadcasterID, false)
		if err != nil {
			http.Error(w, "db error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "live": false, "ended": ended})
		return
	}

	meta := session.Metadata{
		Title:            req.Title,
		ThumbnailURL:     req.ThumbnailURL,
		ExternalStreamID: req.ExternalStreamID,
		ViewerCount:      req.ViewerCount,
	}
	if req.StartedAt != "" {
		if ts, err := time.Parse(time.RFC3339, req.StartedAt); err == nil {
			meta.UpstreamStartedAt = ts
		}
	}
	s, err := h.sessions.GetOrCreateActiveSession(r.Context(), req.BroadcasterID, req.Channel, meta)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "live": true, "session_id": s.ID})
}

// HandleChatSignal ingests a single chat message through the same pipeline the
// IRC source uses. The caller must supply a stable message_id so redeliveries
// stay idempotent.
func (h *Handlers) HandleChatSignal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		MessageID      string   `json:"message_id"`
		BroadcasterID  string   `json:"broadcaster_id"`
		SenderID       string   `json:"sender_id"`
		SenderUsername string   `json:"sender_username"`
		Content        string   `json:"content"`
		Emotes         []string `json:"emotes"`
		SentAt         string   `json:"sent_at"`
		IsNewUser      bool     `json:"is_new_user"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.MessageID == "" || req.BroadcasterID == "" || req.SenderID == "" {
		http.Error(w, "message_id, broadcaster_id and sender_id required", http.StatusBadRequest)
		return
	}

	msg := chat.InboundMessage{
		MessageID:      req.MessageID,
		BroadcasterID:  req.BroadcasterID,
		SenderID:       req.SenderID,
		SenderUsername: req.SenderUsername,
		Content:        req.Content,
		Emotes:         req.Emotes,
		IsNewUser:      req.IsNewUser,
	}
	if req.SentAt != "" {
		if ts, err := time.Parse(time.RFC3339, req.SentAt); err == nil {
			msg.SentAt = ts
		}
	}

	res, err := h.ingestor.Ingest(r.Context(), msg)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}

	resp := map[string]any{
		"status":   "ok",
		"stored":   res.Stored,
		"offline":  res.Offline,
		"eligible": res.Eligible,
	}
	if res.SessionID != 0 {
		resp["session_id"] = res.SessionID
	}
	// Detection only runs for fresh online messages; duplicates and held
	// offline messages carry no classification.
	if res.Stored && !res.Offline {
		resp["classification"] = res.Spam.Classification
		resp["risk_score"] = res.Risk.Score
		resp["risk_mode"] = res.Risk.Mode
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
