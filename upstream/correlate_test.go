package upstream

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/onnwee/stream-sentry/session"
	"github.com/onnwee/stream-sentry/testutil"
)

func cleanupCorrelate(t *testing.T, dbx *sql.DB, broadcasterID string) {
	t.Helper()
	t.Cleanup(func() {
		_, _ = dbx.Exec(`DELETE FROM stream_sessions WHERE broadcaster_id=$1`, broadcasterID)
		_, _ = dbx.Exec(`DELETE FROM kv WHERE key='job_vod_correlate_last'`)
	})
}

func TestCorrelateVODsBackfill(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	cleanupCorrelate(t, dbx, "u_corr")
	ctx := context.Background()
	mgr := session.NewManager(dbx)

	s, err := mgr.GetOrCreateActiveSession(ctx, "u_corr", "corrchan", session.Metadata{Title: "Raid night"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := mgr.EndActiveSession(ctx, "u_corr", true); err != nil {
		t.Fatalf("end session: %v", err)
	}

	m := testutil.NewMockUpstreamServer(t)
	m.MockUserResponse("u_corr", "corrchan")
	m.MockVideosResponse([]map[string]string{{
		"id":            "v100",
		"stream_id":     "str-100",
		"user_id":       "u_corr",
		"title":         "Raid night",
		"duration":      "2h",
		"created_at":    s.StartedAt.UTC().Format(time.RFC3339),
		"thumbnail_url": "https://cdn.example/v100-%{width}x%{height}.jpg",
	}}, "")
	c := newTestClient(m)

	if err := CorrelateVODs(ctx, dbx, mgr, c, []string{"corrchan"}, 20); err != nil {
		t.Fatalf("CorrelateVODs: %v", err)
	}

	var ext, thumb string
	if err := dbx.QueryRow(`SELECT external_stream_id, thumbnail_url FROM stream_sessions WHERE id=$1`, s.ID).Scan(&ext, &thumb); err != nil {
		t.Fatalf("read session: %v", err)
	}
	if ext != "str-100" {
		t.Errorf("external_stream_id = %q, want str-100", ext)
	}
	if thumb != "https://cdn.example/v100-640x360.jpg" {
		t.Errorf("thumbnail_url = %q", thumb)
	}

	var stamp string
	if err := dbx.QueryRow(`SELECT value FROM kv WHERE key='job_vod_correlate_last'`).Scan(&stamp); err != nil || stamp == "" {
		t.Errorf("job stamp missing: %v %q", err, stamp)
	}
}

func TestCorrelateVODsSkipsOpenSessions(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	cleanupCorrelate(t, dbx, "u_corr_open")
	ctx := context.Background()
	mgr := session.NewManager(dbx)

	s, err := mgr.GetOrCreateActiveSession(ctx, "u_corr_open", "openchan", session.Metadata{Title: "Still going"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	m := testutil.NewMockUpstreamServer(t)
	m.MockUserResponse("u_corr_open", "openchan")
	m.MockVideosResponse([]map[string]string{{
		"id":            "v200",
		"stream_id":     "str-200",
		"user_id":       "u_corr_open",
		"title":         "Still going",
		"duration":      "1h",
		"created_at":    s.StartedAt.UTC().Format(time.RFC3339),
		"thumbnail_url": "https://cdn.example/v200-%{width}x%{height}.jpg",
	}}, "")
	c := newTestClient(m)

	if err := CorrelateVODs(ctx, dbx, mgr, c, []string{"openchan"}, 20); err != nil {
		t.Fatalf("CorrelateVODs: %v", err)
	}

	var ext, thumb string
	if err := dbx.QueryRow(`SELECT external_stream_id, thumbnail_url FROM stream_sessions WHERE id=$1`, s.ID).Scan(&ext, &thumb); err != nil {
		t.Fatalf("read session: %v", err)
	}
	if ext != "" || thumb != "" {
		t.Errorf("open session was backfilled: ext=%q thumb=%q", ext, thumb)
	}
}

func TestCorrelateVODsOutsideWindow(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	cleanupCorrelate(t, dbx, "u_corr_far")
	ctx := context.Background()
	mgr := session.NewManager(dbx)

	s, err := mgr.GetOrCreateActiveSession(ctx, "u_corr_far", "farchan", session.Metadata{Title: "Way earlier"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := mgr.EndActiveSession(ctx, "u_corr_far", true); err != nil {
		t.Fatalf("end session: %v", err)
	}

	m := testutil.NewMockUpstreamServer(t)
	m.MockUserResponse("u_corr_far", "farchan")
	m.MockVideosResponse([]map[string]string{{
		"id":            "v300",
		"stream_id":     "str-300",
		"user_id":       "u_corr_far",
		"title":         "Way earlier",
		"duration":      "1h",
		"created_at":    s.StartedAt.UTC().Add(30 * time.Minute).Format(time.RFC3339),
		"thumbnail_url": "https://cdn.example/v300-%{width}x%{height}.jpg",
	}}, "")
	c := newTestClient(m)

	if err := CorrelateVODs(ctx, dbx, mgr, c, []string{"farchan"}, 20); err != nil {
		t.Fatalf("CorrelateVODs: %v", err)
	}

	var ext, thumb string
	if err := dbx.QueryRow(`SELECT external_stream_id, thumbnail_url FROM stream_sessions WHERE id=$1`, s.ID).Scan(&ext, &thumb); err != nil {
		t.Fatalf("read session: %v", err)
	}
	if ext != "" || thumb != "" {
		t.Errorf("out-of-window VOD was matched: ext=%q thumb=%q", ext, thumb)
	}
}
