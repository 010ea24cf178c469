package server

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/onnwee/stream-sentry/crypto"
)

const (
	webhookMaxBody   = 1 << 20 // 1MB
	webhookStaleness = 10 * time.Minute
)

// HandleStreamEndedWebhook terminates a broadcaster's session on an upstream
// stream.offline notification. The request must carry the EventSub-style
// message headers; the signature covers message id + timestamp + raw body and
// is verified before the body is parsed. Verification challenges are echoed
// back, revocations acknowledged, and redelivered message ids answered
// without re-ending anything.
func (h *Handlers) HandleStreamEndedWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	secret := os.Getenv("TWITCH_EVENTSUB_SECRET")
	if secret == "" {
		http.Error(w, "webhook secret not configured", http.StatusServiceUnavailable)
		return
	}

	msgID := r.Header.Get("Twitch-Eventsub-Message-Id")
	msgTS := r.Header.Get("Twitch-Eventsub-Message-Timestamp")
	msgSig := r.Header.Get("Twitch-Eventsub-Message-Signature")
	msgType := r.Header.Get("Twitch-Eventsub-Message-Type")
	if msgID == "" || msgTS == "" || msgSig == "" {
		http.Error(w, "missing signature headers", http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, webhookMaxBody))
	if err != nil {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if !crypto.VerifyWebhookSignature(secret, crypto.BuildWebhookMessage(msgID, msgTS, body), msgSig) {
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}
	msgTime, err := time.Parse(time.RFC3339Nano, msgTS)
	if err != nil || time.Since(msgTime) > webhookStaleness {
		http.Error(w, "stale message timestamp", http.StatusForbidden)
		return
	}

	switch msgType {
	case "webhook_callback_verification":
		var challenge struct {
			Challenge string `json:"challenge"`
		}
		if err := json.Unmarshal(body, &challenge); err != nil || challenge.Challenge == "" {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(challenge.Challenge))
		return
	case "revocation":
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// Replay guard: the upstream retries deliveries, so only the first
	// arrival of a message id acts. The key is pruned by retention once the
	// retry horizon has passed.
	res, err := h.db.ExecContext(r.Context(),
		`INSERT INTO kv (key, value, updated_at) VALUES ($1, $2, NOW()) ON CONFLICT (key) DO NOTHING`,
		"webhook_msg:"+msgID, msgTS)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "duplicate": true})
		return
	}

	var notif struct {
		Subscription struct {
			Type string `json:"type"`
		} `json:"subscription"`
		Event struct {
			BroadcasterUserID string `json:"broadcaster_user_id"`
		} `json:"event"`
	}
	if err := json.Unmarshal(body, &notif); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if notif.Subscription.Type != "stream.offline" || notif.Event.BroadcasterUserID == "" {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "ignored": true})
		return
	}

	s, err := h.sessions.GetActiveSession(r.Context(), notif.Event.BroadcasterUserID)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	if s == nil {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "ended": false})
		return
	}
	// The upstream has declared the stream over, so the end is forced past
	// the heartbeat grace, anchored at the signed message timestamp.
	ended, err := h.sessions.EndSessionAt(r.Context(), s.ID, msgTime, true)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "ended": ended, "session_id": s.ID})
}
