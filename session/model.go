package session

import (
	"strings"
	"time"
)

// untitledPlaceholder is the default title some upstream payloads carry when a
// broadcaster never set one. It is treated as "no title" everywhere titles are
// compared or merged.
const untitledPlaceholder = "untitled stream"

// StreamSession is one contiguous tracked broadcast for a broadcaster.
// EndedAt is nil while the session is open; at most one open session exists
// per broadcaster at any time.
type StreamSession struct {
	ID               int64
	BroadcasterID    string
	Channel          string
	Title            string
	ThumbnailURL     string
	ExternalStreamID string
	StartedAt        time.Time
	EndedAt          *time.Time
	LastLiveCheckAt  time.Time
	PeakViewers      int
	TotalMessages    int
	DurationSeconds  int
	IsTest           bool
	CreatedAt        time.Time
}

// Active reports whether the session is still open.
func (s *StreamSession) Active() bool { return s.EndedAt == nil }

// SessionRef is the minimal resolution result handed to the chat ingestion
// path: which session a message belongs to and whether that session is still
// open (ended sessions within the post-end window still accept messages).
type SessionRef struct {
	ID     int64
	Active bool
}

// Metadata carries the optional stream attributes reported alongside a live
// signal. Zero values mean "not provided" and never overwrite stored state.
type Metadata struct {
	Title             string
	ThumbnailURL      string
	ExternalStreamID  string
	ViewerCount       int
	UpstreamStartedAt time.Time
}

// IsTestTitle reports whether a title marks the broadcast as a test run.
// Test sessions keep their title across metadata updates and refuse a
// non-forced end.
func IsTestTitle(title string) bool {
	t := strings.ToLower(strings.TrimSpace(title))
	return t == "test" || t == "test stream" || strings.HasPrefix(t, "[test]")
}

// normalizeTitle lowercases, trims, and collapses inner whitespace so that
// cosmetic differences do not defeat duplicate matching. The "untitled
// stream" placeholder normalizes to empty.
func normalizeTitle(title string) string {
	t := strings.Join(strings.Fields(strings.ToLower(title)), " ")
	if t == untitledPlaceholder {
		return ""
	}
	return t
}

// sessionColumns is the scan order used by scanSession. Keep the two in sync.
const sessionColumns = `id, broadcaster_id, channel, title, thumbnail_url, external_stream_id, started_at, ended_at, last_live_check_at, peak_viewers, total_messages, duration_seconds, is_test, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (*StreamSession, error) {
	var s StreamSession
	var endedAt *time.Time
	if err := r.Scan(&s.ID, &s.BroadcasterID, &s.Channel, &s.Title, &s.ThumbnailURL, &s.ExternalStreamID,
		&s.StartedAt, &endedAt, &s.LastLiveCheckAt, &s.PeakViewers, &s.TotalMessages, &s.DurationSeconds,
		&s.IsTest, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.EndedAt = endedAt
	return &s, nil
}
