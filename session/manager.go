package session

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/onnwee/stream-sentry/db"
	"github.com/onnwee/stream-sentry/telemetry"
)

// Tuning holds the lifecycle timing knobs. The defaults are conservative
// values tuned against real flapping behavior; override via env or by setting
// fields before first use.
type Tuning struct {
	// Grace: a non-forced end is refused while the liveness heartbeat is
	// younger than this (protects against brief disconnect flapping).
	Grace time.Duration
	// PostEndWindow: messages arriving this soon after ended_at still attach
	// to the ended session instead of going to offline holding.
	PostEndWindow time.Duration
	// StartRecency: an upstream-reported start time older than this is
	// ignored in favor of "now" when anchoring a new session.
	StartRecency time.Duration
	// DriftTolerance: an explicit end timestamp may precede started_at by at
	// most this much before the end is rejected as malformed.
	DriftTolerance time.Duration
	// FindWindow: half-width of the fuzzy started_at match used to correlate
	// externally-sourced metadata back to a session.
	FindWindow time.Duration
	// MergeWindow: how far apart two ended sessions may sit and still be
	// considered duplicate-merge candidates.
	MergeWindow time.Duration
	// PhantomMaxDuration: sessions at or below this duration look phantom.
	PhantomMaxDuration time.Duration
	// Retry bounds retries of the get-or-create write path.
	Retry db.RetryPolicy
}

// DefaultTuning returns the standard knobs, overridable via
// SESSION_END_GRACE, SESSION_POST_END_WINDOW, SESSION_MERGE_WINDOW and
// SESSION_PHANTOM_MAX_DURATION.
func DefaultTuning() Tuning {
	t := Tuning{
		Grace:              30 * time.Second,
		PostEndWindow:      2 * time.Minute,
		StartRecency:       24 * time.Hour,
		DriftTolerance:     5 * time.Minute,
		FindWindow:         5 * time.Minute,
		MergeWindow:        6 * time.Hour,
		PhantomMaxDuration: 30 * time.Second,
		Retry:              db.DefaultRetryPolicy(),
	}
	if v := os.Getenv("SESSION_END_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			t.Grace = d
		}
	}
	if v := os.Getenv("SESSION_POST_END_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			t.PostEndWindow = d
		}
	}
	if v := os.Getenv("SESSION_MERGE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			t.MergeWindow = d
		}
	}
	if v := os.Getenv("SESSION_PHANTOM_MAX_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			t.PhantomMaxDuration = d
		}
	}
	return t
}

// Manager owns session lifecycle operations against the store.
type Manager struct {
	DB     *sql.DB
	Tuning Tuning
}

// NewManager returns a Manager with default tuning.
func NewManager(dbx *sql.DB) *Manager {
	return &Manager{DB: dbx, Tuning: DefaultTuning()}
}

// GetActiveSession returns the open session for a broadcaster, or nil if none
// exists. If more than one open row exists (should be impossible given the
// partial unique index) the most recently started wins.
func (m *Manager) GetActiveSession(ctx context.Context, broadcasterID string) (*StreamSession, error) {
	row := m.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM stream_sessions
		WHERE broadcaster_id=$1 AND ended_at IS NULL ORDER BY started_at DESC LIMIT 1`, broadcasterID)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetOrCreateActiveSession returns the broadcaster's open session, creating
// one if none exists. When a session already exists the incoming metadata is
// merged into it (title preserved for test sessions, peak viewers only ever
// raised) and the liveness heartbeat is touched. Losing the create race to a
// concurrent caller is not an error: the winner's row is fetched and
// returned. Transient store failures are retried per the configured policy;
// callers should treat an error as "try again next tick", not as "no
// session".
func (m *Manager) GetOrCreateActiveSession(ctx context.Context, broadcasterID, channel string, meta Metadata) (*StreamSession, error) {
	var out *StreamSession
	err := m.Tuning.Retry.Do(ctx, "session get-or-create", func(ctx context.Context) error {
		s, err := m.getOrCreateOnce(ctx, broadcasterID, channel, meta)
		if err != nil {
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) getOrCreateOnce(ctx context.Context, broadcasterID, channel string, meta Metadata) (*StreamSession, error) {
	existing, err := m.GetActiveSession(ctx, broadcasterID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return m.applyMetadata(ctx, existing, channel, meta)
	}

	now := time.Now().UTC()
	startedAt := now
	if up := meta.UpstreamStartedAt; !up.IsZero() && !up.After(now) && now.Sub(up) <= m.Tuning.StartRecency {
		// Anchor to the upstream start only when it is plausibly this
		// broadcast; a stale timestamp would mis-date the whole session.
		startedAt = up.UTC()
	}
	row := m.DB.QueryRowContext(ctx, `INSERT INTO stream_sessions
		(broadcaster_id, channel, title, thumbnail_url, external_stream_id, started_at, last_live_check_at, peak_viewers, is_test)
		VALUES ($1,$2,$3,$4,$5,$6,NOW(),$7,$8) RETURNING `+sessionColumns,
		broadcasterID, channel, meta.Title, meta.ThumbnailURL, meta.ExternalStreamID, startedAt, meta.ViewerCount, IsTestTitle(meta.Title))
	s, err := scanSession(row)
	if err == nil {
		telemetry.IncSessionStarted()
		slog.Info("session: created", slog.Int64("id", s.ID), slog.String("broadcaster", broadcasterID), slog.Time("started_at", s.StartedAt))
		return s, nil
	}
	if !db.IsUniqueViolation(err) {
		return nil, err
	}
	// Lost the create race: a concurrent caller inserted the open session
	// between our read and our insert. Return the winner's row.
	winner, ferr := m.GetActiveSession(ctx, broadcasterID)
	if ferr != nil {
		return nil, ferr
	}
	if winner == nil {
		return nil, fmt.Errorf("session create race for broadcaster %s: winner row gone", broadcasterID)
	}
	slog.Debug("session: create race resolved to existing row", slog.Int64("id", winner.ID), slog.String("broadcaster", broadcasterID))
	return winner, nil
}

func (m *Manager) applyMetadata(ctx context.Context, existing *StreamSession, channel string, meta Metadata) (*StreamSession, error) {
	title := existing.Title
	if meta.Title != "" && !IsTestTitle(existing.Title) {
		title = meta.Title
	}
	thumb := existing.ThumbnailURL
	if meta.ThumbnailURL != "" {
		thumb = meta.ThumbnailURL
	}
	extID := existing.ExternalStreamID
	if meta.ExternalStreamID != "" {
		extID = meta.ExternalStreamID
	}
	ch := existing.Channel
	if ch == "" {
		ch = channel
	}
	// GREATEST keeps peak monotonic even when two pollers interleave.
	row := m.DB.QueryRowContext(ctx, `UPDATE stream_sessions SET channel=$2, title=$3, thumbnail_url=$4,
		external_stream_id=$5, peak_viewers=GREATEST(peak_viewers,$6), last_live_check_at=NOW(), updated_at=NOW()
		WHERE id=$1 RETURNING `+sessionColumns,
		existing.ID, ch, title, thumb, extID, meta.ViewerCount)
	return scanSession(row)
}

// TouchSession refreshes the liveness heartbeat of an open session. This is
// the only thing that resets the end-grace clock; ended sessions ignore it.
func (m *Manager) TouchSession(ctx context.Context, id int64) error {
	_, err := m.DB.ExecContext(ctx, `UPDATE stream_sessions SET last_live_check_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND ended_at IS NULL`, id)
	return err
}

// EndSession closes a session at the current time. It is idempotent: ending
// an already-ended session returns true without re-running the post-end
// reconciliation. A non-forced end is refused (false, nil) while the
// heartbeat is within the grace window or the session is a test session.
func (m *Manager) EndSession(ctx context.Context, id int64, force bool) (bool, error) {
	return m.end(ctx, id, time.Now().UTC(), false, force)
}

// EndSessionAt closes a session at an explicit timestamp, e.g. one supplied
// by an upstream stream-ended webhook. Timestamps that precede started_at by
// more than the drift tolerance are rejected rather than guessed at.
func (m *Manager) EndSessionAt(ctx context.Context, id int64, endedAt time.Time, force bool) (bool, error) {
	return m.end(ctx, id, endedAt.UTC(), true, force)
}

// EndActiveSession resolves the broadcaster's open session and ends it.
// Returns false when no session is open or the end was refused.
func (m *Manager) EndActiveSession(ctx context.Context, broadcasterID string, force bool) (bool, error) {
	s, err := m.GetActiveSession(ctx, broadcasterID)
	if err != nil {
		return false, err
	}
	if s == nil {
		return false, nil
	}
	return m.EndSession(ctx, s.ID, force)
}

func (m *Manager) end(ctx context.Context, id int64, endedAt time.Time, explicit, force bool) (bool, error) {
	var closed, already bool
	err := db.WithTx(ctx, m.DB, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM stream_sessions WHERE id=$1`, id)
		s, err := scanSession(row)
		if err == sql.ErrNoRows {
			slog.Warn("session: end requested for unknown id", slog.Int64("id", id))
			return nil
		}
		if err != nil {
			return err
		}
		if s.EndedAt != nil {
			already = true
			return nil
		}
		if s.IsTest && !force {
			slog.Info("session: refusing to end test session without force", slog.Int64("id", id))
			return nil
		}
		if !force {
			if since := time.Since(s.LastLiveCheckAt); since < m.Tuning.Grace {
				slog.Debug("session: end deferred, heartbeat within grace",
					slog.Int64("id", id), slog.Duration("since_heartbeat", since), slog.Duration("grace", m.Tuning.Grace))
				return nil
			}
		}
		if explicit && endedAt.Before(s.StartedAt.Add(-m.Tuning.DriftTolerance)) {
			slog.Warn("session: rejecting end timestamp before start",
				slog.Int64("id", id), slog.Time("ended_at", endedAt), slog.Time("started_at", s.StartedAt))
			return nil
		}
		// Count, duration, and the ended_at stamp land atomically; the
		// ended_at IS NULL guard makes a concurrent double-end a no-op.
		res, err := tx.ExecContext(ctx, `UPDATE stream_sessions SET ended_at=$2,
			total_messages=(SELECT COUNT(*) FROM chat_messages WHERE session_id=stream_sessions.id),
			duration_seconds=GREATEST(0, EXTRACT(EPOCH FROM ($2::timestamptz - started_at))::int),
			updated_at=NOW() WHERE id=$1 AND ended_at IS NULL`, id, endedAt)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			already = true
			return nil
		}
		closed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if already {
		return true, nil
	}
	if !closed {
		return false, nil
	}
	telemetry.IncSessionEnded()
	slog.Info("session: ended", slog.Int64("id", id), slog.Time("ended_at", endedAt), slog.Bool("forced", force))
	// Post-end reconciliation is best-effort: the session-ended fact stands
	// even when cleanup fails, and cleanup reruns on a later pass.
	if n, err := m.BackfillOfflineMessages(ctx, id); err != nil {
		slog.Warn("session: offline backfill failed", slog.Int64("id", id), slog.Any("err", err))
	} else if n > 0 {
		slog.Info("session: offline backfill attached messages", slog.Int64("id", id), slog.Int("count", n))
	}
	if _, err := m.MergeLikelyDuplicateSessions(ctx, id); err != nil {
		slog.Warn("session: duplicate merge failed", slog.Int64("id", id), slog.Any("err", err))
	}
	return true, nil
}

// FindSessionByStartTime fuzzy-matches a session by its start time, used to
// correlate externally-sourced metadata (VOD thumbnails, archive ids) back to
// the session it describes. Returns nil when nothing starts within the
// window; the closest start wins when several do.
func (m *Manager) FindSessionByStartTime(ctx context.Context, broadcasterID string, startedAt time.Time) (*StreamSession, error) {
	at := startedAt.UTC()
	row := m.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM stream_sessions
		WHERE broadcaster_id=$1 AND started_at BETWEEN $2 AND $3
		ORDER BY ABS(EXTRACT(EPOCH FROM (started_at - $4::timestamptz))) LIMIT 1`,
		broadcasterID, at.Add(-m.Tuning.FindWindow), at.Add(m.Tuning.FindWindow), at)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ResolveSessionForChat maps an incoming chat message to a session: the open
// session if one exists, otherwise a session that covers the message
// timestamp and ended within the post-end window (messages sent in the gap
// between "stream ended" and "session closed" still attach). Returns nil
// when neither applies; the caller should hold the message offline.
func (m *Manager) ResolveSessionForChat(ctx context.Context, broadcasterID string, sentAt time.Time) (*SessionRef, error) {
	var id int64
	err := m.DB.QueryRowContext(ctx, `SELECT id FROM stream_sessions
		WHERE broadcaster_id=$1 AND ended_at IS NULL ORDER BY started_at DESC LIMIT 1`, broadcasterID).Scan(&id)
	if err == nil {
		return &SessionRef{ID: id, Active: true}, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}
	at := sentAt.UTC()
	err = m.DB.QueryRowContext(ctx, `SELECT id FROM stream_sessions
		WHERE broadcaster_id=$1 AND ended_at IS NOT NULL AND started_at <= $2 AND ended_at >= $3
		ORDER BY ended_at DESC LIMIT 1`,
		broadcasterID, at, at.Add(-m.Tuning.PostEndWindow)).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &SessionRef{ID: id, Active: false}, nil
}
