package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/stream-sentry/testutil"
)

func collectSSEEvents(t *testing.T, body string) []map[string]any {
	t.Helper()
	var events []map[string]any
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad SSE payload %q: %v", line, err)
		}
		events = append(events, ev)
	}
	return events
}

func TestSessionReplaySSE(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	handler := newTestMux(t, dbx)
	broadcaster := "b_srv_replay"
	cleanupBroadcaster(t, dbx, broadcaster)

	started := time.Now().UTC().Add(-100 * time.Second)
	id := insertSession(t, dbx, broadcaster, "replay_channel", "Replay me", started, nil)
	for i := 1; i <= 3; i++ {
		_, err := dbx.Exec(`INSERT INTO chat_messages (message_id, session_id, broadcaster_id, sender_id, sender_username, content, sent_at)
			VALUES ($1,$2,$3,'u1','replay_user',$4,$5)`,
			fmt.Sprintf("srv-replay-%d", i), id, broadcaster, fmt.Sprintf("replay %d", i), started.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("insert message: %v", err)
		}
	}

	// speed=1000 compresses the 3s of chat into a few milliseconds, so the
	// recorder drains the whole stream synchronously.
	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/sessions/%d/replay?speed=1000", id), nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("replay status = %d, body=%s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	events := collectSSEEvents(t, w.Body.String())
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	prev := -1.0
	for i, ev := range events {
		if ev["message"] != fmt.Sprintf("replay %d", i+1) {
			t.Errorf("event %d message = %v", i, ev["message"])
		}
		rel := ev["rel_timestamp"].(float64)
		if rel <= prev {
			t.Errorf("rel_timestamp not ascending: %v after %v", rel, prev)
		}
		prev = rel
	}

	// Seeking past the first message trims the replay.
	req = httptest.NewRequest(http.MethodGet, fmt.Sprintf("/sessions/%d/replay?from=1.5&speed=1000", id), nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	events = collectSSEEvents(t, w.Body.String())
	if len(events) != 2 {
		t.Fatalf("events from=1.5 = %d, want 2", len(events))
	}
	if events[0]["message"] != "replay 2" {
		t.Errorf("first event after seek = %v, want replay 2", events[0]["message"])
	}
}
