package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/onnwee/stream-sentry/testutil"
)

func TestReadyzReady(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	handler := newTestMux(t, dbx)
	// Signal-only deployment: no chat source configured, so no bot token needed.
	t.Setenv("TWITCH_CHANNEL", "")
	t.Setenv("TWITCH_CHANNELS", "")
	_, _ = dbx.Exec(`DELETE FROM kv WHERE key='circuit_state'`)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("readyz status = %d, body=%s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode readyz: %v", err)
	}
	if resp["status"] != "ready" {
		t.Errorf("status = %q, want ready", resp["status"])
	}
}

func TestReadyzNotReadyMissingCredentials(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	handler := newTestMux(t, dbx)
	t.Setenv("TWITCH_CHANNEL", "somechannel")
	t.Setenv("TWITCH_CHANNELS", "")
	_, _ = dbx.Exec(`DELETE FROM kv WHERE key='circuit_state'`)
	_, _ = dbx.Exec(`DELETE FROM oauth_tokens WHERE provider='twitch-bot'`)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode readyz: %v", err)
	}
	if resp["failed_check"] != "credentials" {
		t.Errorf("failed_check = %q, want credentials", resp["failed_check"])
	}
}

func TestReadyzReadyWithBotToken(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	handler := newTestMux(t, dbx)
	t.Setenv("TWITCH_CHANNEL", "somechannel")
	t.Setenv("TWITCH_CHANNELS", "")
	_, _ = dbx.Exec(`DELETE FROM kv WHERE key='circuit_state'`)
	_, err := dbx.Exec(`INSERT INTO oauth_tokens (provider, access_token, refresh_token, expires_at, scope)
		VALUES ('twitch-bot', 'test-access', 'test-refresh', NOW() + INTERVAL '1 hour', 'chat:read')
		ON CONFLICT (provider) DO UPDATE SET access_token=EXCLUDED.access_token`)
	if err != nil {
		t.Fatalf("insert token: %v", err)
	}
	t.Cleanup(func() {
		_, _ = dbx.Exec(`DELETE FROM oauth_tokens WHERE provider='twitch-bot' AND access_token='test-access'`)
	})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("readyz status = %d, body=%s", w.Code, w.Body.String())
	}
}

func TestReadyzNotReadyCircuitOpen(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	handler := newTestMux(t, dbx)
	_, err := dbx.Exec(`INSERT INTO kv (key, value, updated_at) VALUES ('circuit_state', 'open', NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`)
	if err != nil {
		t.Fatalf("set circuit state: %v", err)
	}
	t.Cleanup(func() {
		_, _ = dbx.Exec(`DELETE FROM kv WHERE key='circuit_state'`)
	})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode readyz: %v", err)
	}
	if resp["failed_check"] != "circuit_breaker" {
		t.Errorf("failed_check = %q, want circuit_breaker", resp["failed_check"])
	}
}
