package session

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/onnwee/stream-sentry/testutil"
)

// seedSession describes an already-ended session row inserted directly for
// merge tests.
type seedSession struct {
	broadcaster, title, thumb, extID string
	started, ended                   time.Time
	peak, total, duration            int
}

func insertEndedSession(t *testing.T, dbx *sql.DB, s seedSession) int64 {
	t.Helper()
	var id int64
	err := dbx.QueryRowContext(context.Background(), `INSERT INTO stream_sessions
		(broadcaster_id, channel, title, thumbnail_url, external_stream_id, started_at, ended_at, last_live_check_at, peak_viewers, total_messages, duration_seconds)
		VALUES ($1, 'merge_channel', $2, $3, $4, $5, $6, $6, $7, $8, $9) RETURNING id`,
		s.broadcaster, s.title, s.thumb, s.extID, s.started, s.ended, s.peak, s.total, s.duration).Scan(&id)
	if err != nil {
		t.Fatalf("failed to insert session: %v", err)
	}
	return id
}

// insertSessionMessages bulk-inserts n chat messages attached to a session,
// one second apart starting at from.
func insertSessionMessages(t *testing.T, dbx *sql.DB, sessionID int64, broadcasterID, prefix string, n int, from time.Time) {
	t.Helper()
	_, err := dbx.ExecContext(context.Background(), `INSERT INTO chat_messages
		(message_id, session_id, broadcaster_id, sender_id, content, sent_at)
		SELECT $3 || '-' || g, $1, $2, 'seed_user_' || (g % 25), 'seeded message ' || g, $4::timestamptz + (g * INTERVAL '1 second')
		FROM generate_series(1, $5) AS g`, sessionID, broadcasterID, prefix, from, n)
	if err != nil {
		t.Fatalf("failed to insert %d messages: %v", n, err)
	}
}

func TestMergeLikelyDuplicateSessions_PhantomCollapse(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	ctx := context.Background()
	broadcaster := "b_merge_phantom"
	cleanupBroadcaster(t, dbx, broadcaster)

	// A live/offline flap at 09:00 left a 5-second phantom behind; the real
	// broadcast ran 09:10-11:10 with 500 messages and an upstream id.
	started := time.Date(2025, 3, 8, 9, 0, 0, 0, time.UTC)
	phantomID := insertEndedSession(t, dbx, seedSession{
		broadcaster: broadcaster, title: "Big stream",
		started: started, ended: started.Add(5 * time.Second),
		peak: 3, total: 2, duration: 5,
	})
	primaryID := insertEndedSession(t, dbx, seedSession{
		broadcaster: broadcaster, title: "Big stream",
		thumb: "https://cdn.example.com/big.jpg", extID: "stream-777",
		started: started.Add(10 * time.Minute), ended: started.Add(130 * time.Minute),
		peak: 240, total: 498, duration: 7200,
	})
	insertSessionMessages(t, dbx, phantomID, broadcaster, "merge-pc-ph", 2, started)
	insertSessionMessages(t, dbx, primaryID, broadcaster, "merge-pc-pri", 498, started.Add(10*time.Minute))

	// Child records on the phantom must survive the merge.
	_, err := dbx.ExecContext(ctx, `INSERT INTO point_awards (session_id, broadcaster_id, sender_id, message_id, points, reason)
		VALUES ($1, $2, 'seed_user_1', 'merge-pc-ph-1', 10, 'chat activity')`, phantomID, broadcaster)
	if err != nil {
		t.Fatalf("insert point award: %v", err)
	}
	_, err = dbx.ExecContext(ctx, `INSERT INTO session_jobs (session_id, kind, state) VALUES ($1, 'thumbnail_fetch', 'pending')`, phantomID)
	if err != nil {
		t.Fatalf("insert session job: %v", err)
	}

	mgr := NewManager(dbx)
	removed, err := mgr.MergeLikelyDuplicateSessions(ctx, phantomID)
	if err != nil {
		t.Fatalf("MergeLikelyDuplicateSessions: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 session merged away, got %d", removed)
	}

	var count int
	if err := dbx.QueryRowContext(ctx, `SELECT COUNT(*) FROM stream_sessions WHERE id=$1`, phantomID).Scan(&count); err != nil {
		t.Fatalf("check phantom: %v", err)
	}
	if count != 0 {
		t.Error("expected phantom session deleted")
	}

	var title, extID string
	var totalMessages, duration, peak int
	var mergedStart, mergedEnd time.Time
	err = dbx.QueryRowContext(ctx, `SELECT title, external_stream_id, total_messages, duration_seconds, peak_viewers, started_at, ended_at
		FROM stream_sessions WHERE id=$1`, primaryID).
		Scan(&title, &extID, &totalMessages, &duration, &peak, &mergedStart, &mergedEnd)
	if err != nil {
		t.Fatalf("reload primary: %v", err)
	}
	if totalMessages != 500 {
		t.Errorf("expected exactly 500 messages after merge (no loss, no duplication), got %d", totalMessages)
	}
	if extID != "stream-777" {
		t.Errorf("expected primary to keep its external id, got %q", extID)
	}
	if peak != 240 {
		t.Errorf("expected max peak viewers 240, got %d", peak)
	}
	if !mergedStart.Equal(started) {
		t.Errorf("expected merged started_at %v (earliest), got %v", started, mergedStart)
	}
	if want := started.Add(130 * time.Minute); !mergedEnd.Equal(want) {
		t.Errorf("expected merged ended_at %v (latest), got %v", want, mergedEnd)
	}
	if want := int(mergedEnd.Sub(mergedStart).Seconds()); duration != want {
		t.Errorf("expected duration recomputed to %d, got %d", want, duration)
	}

	// All children re-pointed onto the primary.
	if err := dbx.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_messages WHERE session_id=$1`, primaryID).Scan(&count); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if count != 500 {
		t.Errorf("expected 500 chat messages on primary, got %d", count)
	}
	var awardSession, jobSession int64
	if err := dbx.QueryRowContext(ctx, `SELECT session_id FROM point_awards WHERE broadcaster_id=$1`, broadcaster).Scan(&awardSession); err != nil {
		t.Fatalf("reload point award: %v", err)
	}
	if awardSession != primaryID {
		t.Errorf("expected point award re-pointed to %d, got %d", primaryID, awardSession)
	}
	if err := dbx.QueryRowContext(ctx, `SELECT session_id FROM session_jobs WHERE kind='thumbnail_fetch' AND session_id=$1`, primaryID).Scan(&jobSession); err != nil {
		t.Fatalf("expected session job re-pointed to primary: %v", err)
	}

	// Re-running against the survivor changes nothing.
	removed, err = mgr.MergeLikelyDuplicateSessions(ctx, primaryID)
	if err != nil {
		t.Fatalf("second merge pass: %v", err)
	}
	if removed != 0 {
		t.Errorf("expected second merge pass to be a no-op, removed %d", removed)
	}
}

func TestMergeRefusesDistinctTitles(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	ctx := context.Background()
	broadcaster := "b_merge_titles"
	cleanupBroadcaster(t, dbx, broadcaster)

	started := time.Date(2025, 3, 9, 18, 0, 0, 0, time.UTC)
	phantomID := insertEndedSession(t, dbx, seedSession{
		broadcaster: broadcaster, title: "Speedrun Sunday",
		started: started, ended: started.Add(5 * time.Second), duration: 5,
	})
	realID := insertEndedSession(t, dbx, seedSession{
		broadcaster: broadcaster, title: "Cooking with fire", extID: "stream-801",
		started: started.Add(10 * time.Minute), ended: started.Add(70 * time.Minute),
		total: 40, duration: 3600,
	})
	insertSessionMessages(t, dbx, realID, broadcaster, "merge-dt", 40, started.Add(10*time.Minute))

	mgr := NewManager(dbx)
	removed, err := mgr.MergeLikelyDuplicateSessions(ctx, phantomID)
	if err != nil {
		t.Fatalf("MergeLikelyDuplicateSessions: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected no merge across distinct titles, removed %d", removed)
	}
	var count int
	if err := dbx.QueryRowContext(ctx, `SELECT COUNT(*) FROM stream_sessions WHERE broadcaster_id=$1`, broadcaster).Scan(&count); err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if count != 2 {
		t.Errorf("expected both sessions untouched, got %d rows", count)
	}
}

func TestMergeRefusesWhenNoPhantom(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	ctx := context.Background()
	broadcaster := "b_merge_real"
	cleanupBroadcaster(t, dbx, broadcaster)

	// Two genuine broadcasts sharing a generic title: nothing looks phantom,
	// so nothing merges.
	started := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	aID := insertEndedSession(t, dbx, seedSession{
		broadcaster: broadcaster, title: "Ranked grind", extID: "stream-900",
		thumb: "https://cdn.example.com/a.jpg",
		started: started, ended: started.Add(time.Hour),
		total: 3, duration: 3600,
	})
	bID := insertEndedSession(t, dbx, seedSession{
		broadcaster: broadcaster, title: "Ranked grind", extID: "stream-901",
		thumb: "https://cdn.example.com/b.jpg",
		started: started.Add(2 * time.Hour), ended: started.Add(3 * time.Hour),
		total: 3, duration: 3600,
	})
	insertSessionMessages(t, dbx, aID, broadcaster, "merge-np-a", 3, started)
	insertSessionMessages(t, dbx, bID, broadcaster, "merge-np-b", 3, started.Add(2*time.Hour))

	mgr := NewManager(dbx)
	removed, err := mgr.MergeLikelyDuplicateSessions(ctx, aID)
	if err != nil {
		t.Fatalf("MergeLikelyDuplicateSessions: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected no merge when no session looks phantom, removed %d", removed)
	}
	var count int
	if err := dbx.QueryRowContext(ctx, `SELECT COUNT(*) FROM stream_sessions WHERE broadcaster_id=$1`, broadcaster).Scan(&count); err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if count != 2 {
		t.Errorf("expected both real sessions kept, got %d rows", count)
	}
}

func TestMergeUntitledPlaceholderMatchesAnything(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	ctx := context.Background()
	broadcaster := "b_merge_untitled"
	cleanupBroadcaster(t, dbx, broadcaster)

	started := time.Date(2025, 3, 11, 21, 0, 0, 0, time.UTC)
	realID := insertEndedSession(t, dbx, seedSession{
		broadcaster: broadcaster, title: "Late night grind", extID: "stream-950",
		started: started, ended: started.Add(2 * time.Hour),
		total: 3, duration: 7200,
	})
	insertEndedSession(t, dbx, seedSession{
		broadcaster: broadcaster, title: "Untitled Stream",
		started: started.Add(-3 * time.Minute), ended: started.Add(-3*time.Minute + 8*time.Second),
		duration: 8,
	})
	insertSessionMessages(t, dbx, realID, broadcaster, "merge-ut", 3, started)

	mgr := NewManager(dbx)
	removed, err := mgr.MergeLikelyDuplicateSessions(ctx, realID)
	if err != nil {
		t.Fatalf("MergeLikelyDuplicateSessions: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected placeholder-titled phantom merged, removed %d", removed)
	}
	var title string
	if err := dbx.QueryRowContext(ctx, `SELECT title FROM stream_sessions WHERE id=$1`, realID).Scan(&title); err != nil {
		t.Fatalf("reload primary: %v", err)
	}
	if title != "Late night grind" {
		t.Errorf("expected real title kept over placeholder, got %q", title)
	}
}

func TestMergePrimaryScoring(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	ctx := context.Background()
	broadcaster := "b_merge_scoring"
	cleanupBroadcaster(t, dbx, broadcaster)

	started := time.Date(2025, 3, 12, 12, 0, 0, 0, time.UTC)
	phantomID := insertEndedSession(t, dbx, seedSession{
		broadcaster: broadcaster, title: "Score test",
		started: started, ended: started.Add(5 * time.Second), duration: 5,
	})
	// External id + thumbnail outranks the longer session with thumbnail only.
	bID := insertEndedSession(t, dbx, seedSession{
		broadcaster: broadcaster, title: "Score test",
		extID: "ext-b", thumb: "https://cdn.example.com/score-b.jpg",
		started: started.Add(5 * time.Minute), ended: started.Add(65 * time.Minute),
		total: 2, duration: 3600,
	})
	cID := insertEndedSession(t, dbx, seedSession{
		broadcaster: broadcaster, title: "Score test",
		thumb: "https://cdn.example.com/score-c.jpg",
		started: started.Add(10 * time.Minute), ended: started.Add(130 * time.Minute),
		total: 3, duration: 7200,
	})
	insertSessionMessages(t, dbx, bID, broadcaster, "merge-sc-b", 2, started.Add(5*time.Minute))
	insertSessionMessages(t, dbx, cID, broadcaster, "merge-sc-c", 3, started.Add(10*time.Minute))

	mgr := NewManager(dbx)
	removed, err := mgr.MergeLikelyDuplicateSessions(ctx, phantomID)
	if err != nil {
		t.Fatalf("MergeLikelyDuplicateSessions: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 sessions merged into the primary, removed %d", removed)
	}

	var survivors int
	if err := dbx.QueryRowContext(ctx, `SELECT COUNT(*) FROM stream_sessions WHERE broadcaster_id=$1`, broadcaster).Scan(&survivors); err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if survivors != 1 {
		t.Fatalf("expected a single surviving session, got %d", survivors)
	}

	var extID string
	var total int
	err = dbx.QueryRowContext(ctx, `SELECT external_stream_id, total_messages FROM stream_sessions WHERE id=$1`, bID).Scan(&extID, &total)
	if err != nil {
		t.Fatalf("expected session %d (external id + thumbnail) chosen as primary: %v", bID, err)
	}
	if extID != "ext-b" {
		t.Errorf("expected primary to keep external id ext-b, got %q", extID)
	}
	if total != 5 {
		t.Errorf("expected 5 messages consolidated on primary, got %d", total)
	}
}
