package livestatus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/stream-sentry/session"
	"github.com/onnwee/stream-sentry/testutil"
	"github.com/onnwee/stream-sentry/upstream"
)

type stubSource struct {
	mu          sync.Mutex
	status      map[string]*upstream.ChannelStatus
	ids         map[string]string
	err         error
	userIDCalls int
}

func newStubSource() *stubSource {
	return &stubSource{status: make(map[string]*upstream.ChannelStatus), ids: make(map[string]string)}
}

func (s *stubSource) GetChannelStatus(ctx context.Context, channel string) (*upstream.ChannelStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if st, ok := s.status[channel]; ok {
		return st, nil
	}
	return &upstream.ChannelStatus{Channel: channel}, nil
}

func (s *stubSource) GetUserID(ctx context.Context, login string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userIDCalls++
	if id, ok := s.ids[login]; ok {
		return id, nil
	}
	return "", fmt.Errorf("user not found: %s", login)
}

func (s *stubSource) set(channel string, st *upstream.ChannelStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[channel] = st
}

func cleanupPoller(t *testing.T, dbx *sql.DB, broadcasterID string) {
	t.Helper()
	t.Cleanup(func() {
		_, _ = dbx.Exec(`DELETE FROM stream_sessions WHERE broadcaster_id=$1`, broadcasterID)
		_, _ = dbx.Exec(`DELETE FROM kv WHERE key IN ('circuit_state','circuit_failures','circuit_open_until','job_live_poll_last')`)
	})
}

func TestPollerLifecycle(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	cleanupPoller(t, dbx, "u_poll")
	ctx := context.Background()
	mgr := session.NewManager(dbx)
	src := newStubSource()
	p := NewPoller(dbx, mgr, src, []string{"pollchan"})

	src.set("pollchan", &upstream.ChannelStatus{
		BroadcasterID: "u_poll",
		Channel:       "pollchan",
		Live:          "live",
		Title:         "Go time",
		ViewerCount:   7,
	})
	p.Tick(ctx)

	s, err := mgr.GetActiveSession(ctx, "u_poll")
	if err != nil {
		t.Fatalf("GetActiveSession: %v", err)
	}
	if s == nil {
		t.Fatal("live tick should open a session")
	}
	if s.Title != "Go time" || s.PeakViewers != 7 {
		t.Errorf("session = title %q peak %d", s.Title, s.PeakViewers)
	}
	if s.LastLiveCheckAt.IsZero() {
		t.Error("heartbeat not set")
	}

	src.set("pollchan", &upstream.ChannelStatus{
		BroadcasterID: "u_poll",
		Channel:       "pollchan",
		Live:          true,
		Title:         "Go time, hour two",
		ViewerCount:   12,
	})
	p.Tick(ctx)

	s2, err := mgr.GetActiveSession(ctx, "u_poll")
	if err != nil || s2 == nil {
		t.Fatalf("GetActiveSession after second tick: %v %v", s2, err)
	}
	if s2.ID != s.ID {
		t.Errorf("second live tick opened a new session: %d != %d", s2.ID, s.ID)
	}
	if s2.PeakViewers != 12 || s2.Title != "Go time, hour two" {
		t.Errorf("metadata not merged: peak %d title %q", s2.PeakViewers, s2.Title)
	}

	// Offline within the grace window: the end must be refused.
	src.set("pollchan", &upstream.ChannelStatus{Channel: "pollchan"})
	p.Tick(ctx)
	if s3, _ := mgr.GetActiveSession(ctx, "u_poll"); s3 == nil {
		t.Fatal("offline tick inside grace ended the session")
	}

	// Age the heartbeat past grace; the next offline tick ends the session.
	if _, err := dbx.Exec(`UPDATE stream_sessions SET last_live_check_at = NOW() - INTERVAL '10 minutes' WHERE id=$1`, s.ID); err != nil {
		t.Fatalf("backdate heartbeat: %v", err)
	}
	p.Tick(ctx)
	if s4, _ := mgr.GetActiveSession(ctx, "u_poll"); s4 != nil {
		t.Fatal("offline tick past grace should end the session")
	}
	var endedAt *time.Time
	if err := dbx.QueryRow(`SELECT ended_at FROM stream_sessions WHERE id=$1`, s.ID).Scan(&endedAt); err != nil {
		t.Fatalf("read ended_at: %v", err)
	}
	if endedAt == nil {
		t.Error("ended_at still null")
	}

	var stamp string
	if err := dbx.QueryRow(`SELECT value FROM kv WHERE key='job_live_poll_last'`).Scan(&stamp); err != nil || stamp == "" {
		t.Errorf("poll stamp missing: %v %q", err, stamp)
	}
}

func TestPollerCachesBroadcasterID(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	cleanupPoller(t, dbx, "u_pollid")
	ctx := context.Background()
	mgr := session.NewManager(dbx)
	src := newStubSource()
	src.ids["idchan"] = "u_pollid"
	p := NewPoller(dbx, mgr, src, []string{"idchan"})

	// Channel stays offline, so the id must come from the user lookup; the
	// second tick should hit the cache.
	p.Tick(ctx)
	p.Tick(ctx)

	src.mu.Lock()
	calls := src.userIDCalls
	src.mu.Unlock()
	if calls != 1 {
		t.Errorf("GetUserID calls = %d, want 1", calls)
	}
	if p.ids["idchan"] != "u_pollid" {
		t.Errorf("cached id = %q", p.ids["idchan"])
	}
}

func TestPollerUpstreamErrorDoesNotTripBreaker(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	cleanupPoller(t, dbx, "u_pollerr")
	t.Setenv("CIRCUIT_FAILURE_THRESHOLD", "1")
	ctx := context.Background()
	mgr := session.NewManager(dbx)
	src := newStubSource()
	src.err = errors.New("upstream flaking")
	p := NewPoller(dbx, mgr, src, []string{"errchan"})

	p.Tick(ctx)
	p.Tick(ctx)

	var state string
	err := dbx.QueryRow(`SELECT value FROM kv WHERE key='circuit_state'`).Scan(&state)
	if err == nil && state == "open" {
		t.Error("status-fetch failures must not open the store circuit")
	}
}
