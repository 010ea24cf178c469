package server

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/stream-sentry/crypto"
	"github.com/onnwee/stream-sentry/testutil"
)

const testWebhookSecret = "srv-webhook-test-secret"

func signedWebhookRequest(t *testing.T, msgID, msgType, msgTS string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stream-ended", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Twitch-Eventsub-Message-Id", msgID)
	req.Header.Set("Twitch-Eventsub-Message-Timestamp", msgTS)
	req.Header.Set("Twitch-Eventsub-Message-Type", msgType)
	sig := crypto.SignWebhook(testWebhookSecret, crypto.BuildWebhookMessage(msgID, msgTS, body))
	req.Header.Set("Twitch-Eventsub-Message-Signature", sig)
	return req
}

func cleanupWebhookKV(t *testing.T, dbx *sql.DB, msgIDs ...string) {
	t.Helper()
	t.Cleanup(func() {
		for _, id := range msgIDs {
			_, _ = dbx.Exec(`DELETE FROM kv WHERE key=$1`, "webhook_msg:"+id)
		}
	})
}

func TestWebhookRequiresSecret(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	handler := newTestMux(t, dbx)
	t.Setenv("TWITCH_EVENTSUB_SECRET", "")

	req := signedWebhookRequest(t, "wh-nosecret", "notification", time.Now().UTC().Format(time.RFC3339Nano), []byte(`{}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("unconfigured webhook status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	handler := newTestMux(t, dbx)
	t.Setenv("TWITCH_EVENTSUB_SECRET", testWebhookSecret)

	ts := time.Now().UTC().Format(time.RFC3339Nano)
	req := signedWebhookRequest(t, "wh-badsig", "notification", ts, []byte(`{}`))
	req.Header.Set("Twitch-Eventsub-Message-Signature", "sha256=deadbeef")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("bad signature status = %d, want %d", w.Code, http.StatusForbidden)
	}

	req = httptest.NewRequest(http.MethodPost, "/webhooks/stream-ended", strings.NewReader(`{}`))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("missing headers status = %d, want %d", w.Code, http.StatusForbidden)
	}
}

func TestWebhookStaleTimestamp(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	handler := newTestMux(t, dbx)
	t.Setenv("TWITCH_EVENTSUB_SECRET", testWebhookSecret)

	stale := time.Now().UTC().Add(-11 * time.Minute).Format(time.RFC3339Nano)
	req := signedWebhookRequest(t, "wh-stale", "notification", stale, []byte(`{}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("stale timestamp status = %d, want %d", w.Code, http.StatusForbidden)
	}
}

func TestWebhookChallengeEcho(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	handler := newTestMux(t, dbx)
	t.Setenv("TWITCH_EVENTSUB_SECRET", testWebhookSecret)

	ts := time.Now().UTC().Format(time.RFC3339Nano)
	body := []byte(`{"challenge":"abc123","subscription":{"type":"stream.offline"}}`)
	req := signedWebhookRequest(t, "wh-challenge", "webhook_callback_verification", ts, body)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("challenge status = %d, body=%s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("challenge Content-Type = %q, want text/plain", ct)
	}
	raw, _ := io.ReadAll(w.Body)
	if string(raw) != "abc123" {
		t.Errorf("challenge echo = %q, want abc123", string(raw))
	}
}

func TestWebhookStreamOffline(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	handler := newTestMux(t, dbx)
	t.Setenv("TWITCH_EVENTSUB_SECRET", testWebhookSecret)
	broadcaster := "b_srv_webhook"
	cleanupBroadcaster(t, dbx, broadcaster)

	id := insertSession(t, dbx, broadcaster, "webhook_channel", "Live", time.Now().UTC().Add(-time.Hour), nil)

	msgID := fmt.Sprintf("wh-offline-%d", time.Now().UnixNano())
	otherID := msgID + "-other"
	cleanupWebhookKV(t, dbx, msgID, otherID)

	ts := time.Now().UTC().Format(time.RFC3339Nano)
	body := []byte(fmt.Sprintf(`{"subscription":{"type":"stream.offline"},"event":{"broadcaster_user_id":%q}}`, broadcaster))
	req := signedWebhookRequest(t, msgID, "notification", ts, body)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("stream.offline status = %d, body=%s", w.Code, w.Body.String())
	}
	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode webhook response: %v", err)
	}
	if resp["ended"] != true || int64(resp["session_id"].(float64)) != id {
		t.Fatalf("webhook response = %v, want ended session %d", resp, id)
	}
	var endedAt sql.NullTime
	if err := dbx.QueryRow(`SELECT ended_at FROM stream_sessions WHERE id=$1`, id).Scan(&endedAt); err != nil {
		t.Fatalf("load session: %v", err)
	}
	if !endedAt.Valid {
		t.Error("session should be closed after stream.offline")
	}

	// Redelivery of the same message id is deduplicated by the replay guard.
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, signedWebhookRequest(t, msgID, "notification", ts, body))
	resp = nil
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode replay response: %v", err)
	}
	if resp["duplicate"] != true {
		t.Errorf("replay response = %v, want duplicate=true", resp)
	}

	// Other subscription types are acknowledged and skipped.
	ts2 := time.Now().UTC().Format(time.RFC3339Nano)
	other := []byte(fmt.Sprintf(`{"subscription":{"type":"stream.online"},"event":{"broadcaster_user_id":%q}}`, broadcaster))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, signedWebhookRequest(t, otherID, "notification", ts2, other))
	resp = nil
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode ignored response: %v", err)
	}
	if resp["ignored"] != true {
		t.Errorf("ignored response = %v, want ignored=true", resp)
	}
}
