package session

import (
	"context"
	"database/sql"
	"log/slog"
	"sort"

	"github.com/onnwee/stream-sentry/db"
	"github.com/onnwee/stream-sentry/telemetry"
)

// looksPhantom reports whether a session looks like a flap artifact rather
// than a real broadcast: near-zero duration, no messages, or no upstream
// identity at all.
func (m *Manager) looksPhantom(s *StreamSession) bool {
	return s.DurationSeconds <= int(m.Tuning.PhantomMaxDuration.Seconds()) ||
		s.TotalMessages == 0 ||
		(s.ExternalStreamID == "" && s.ThumbnailURL == "")
}

// mergeScore ranks group members when choosing the merge primary. Upstream
// identity outweighs everything else; ties break to the lowest id.
func (m *Manager) mergeScore(s *StreamSession) int {
	score := 0
	if s.ExternalStreamID != "" {
		score += 100
	}
	if s.ThumbnailURL != "" {
		score += 50
	}
	if s.DurationSeconds > int(m.Tuning.PhantomMaxDuration.Seconds()) {
		score += 10
	}
	if s.TotalMessages > 0 {
		score += 5
	}
	return score
}

// MergeLikelyDuplicateSessions collapses duplicate/phantom sessions around an
// ended anchor session into a single primary. A brief live/offline flap at
// stream start can leave a second spurious row behind; this re-points every
// child record (chat messages, point awards, jobs) onto the primary, merges
// metadata, and deletes the leftovers, all in one transaction so a half-merged
// group is never visible.
//
// Sessions only group when their titles match after normalization (empty and
// the "untitled stream" placeholder match anything) and at least one member
// looks phantom; two genuinely distinct broadcasts sharing a generic title
// are left alone. Returns the number of sessions merged away.
func (m *Manager) MergeLikelyDuplicateSessions(ctx context.Context, anchorID int64) (int, error) {
	removed := 0
	err := db.WithTx(ctx, m.DB, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM stream_sessions WHERE id=$1`, anchorID)
		anchor, err := scanSession(row)
		if err == sql.ErrNoRows {
			slog.Warn("session merge: unknown anchor id", slog.Int64("id", anchorID))
			return nil
		}
		if err != nil {
			return err
		}
		if anchor.EndedAt == nil {
			slog.Debug("session merge: anchor still open; refusing", slog.Int64("id", anchorID))
			return nil
		}

		w := m.Tuning.MergeWindow
		rows, err := tx.QueryContext(ctx, `SELECT `+sessionColumns+` FROM stream_sessions
			WHERE broadcaster_id=$1 AND id<>$2 AND ended_at IS NOT NULL
			  AND (started_at BETWEEN $3 AND $4 OR ended_at BETWEEN $5 AND $6)
			ORDER BY id`,
			anchor.BroadcasterID, anchor.ID,
			anchor.StartedAt.Add(-w), anchor.StartedAt.Add(w),
			anchor.EndedAt.Add(-w), anchor.EndedAt.Add(w))
		if err != nil {
			return err
		}
		defer rows.Close()

		group := []*StreamSession{anchor}
		anchorTitle := normalizeTitle(anchor.Title)
		for rows.Next() {
			c, err := scanSession(rows)
			if err != nil {
				return err
			}
			ct := normalizeTitle(c.Title)
			if ct == anchorTitle || ct == "" || anchorTitle == "" {
				group = append(group, c)
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(group) < 2 {
			return nil
		}
		sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })

		phantom := false
		for _, s := range group {
			if m.looksPhantom(s) {
				phantom = true
				break
			}
		}
		if !phantom {
			slog.Debug("session merge: no member looks phantom; refusing",
				slog.Int64("anchor", anchorID), slog.Int("group_size", len(group)))
			return nil
		}

		// Primary selection: prefer real (non-phantom) sessions, then the
		// highest score, then the lowest id for a stable identity.
		pool := make([]*StreamSession, 0, len(group))
		for _, s := range group {
			if !m.looksPhantom(s) {
				pool = append(pool, s)
			}
		}
		if len(pool) == 0 {
			pool = group
		}
		primary := pool[0]
		best := m.mergeScore(primary)
		for _, s := range pool[1:] {
			if sc := m.mergeScore(s); sc > best {
				primary, best = s, sc
			}
		}

		for _, s := range group {
			if s.ID == primary.ID {
				continue
			}
			for _, q := range []string{
				`UPDATE chat_messages SET session_id=$1 WHERE session_id=$2`,
				`UPDATE point_awards SET session_id=$1 WHERE session_id=$2`,
				`UPDATE session_jobs SET session_id=$1 WHERE session_id=$2`,
			} {
				if _, err := tx.ExecContext(ctx, q, primary.ID, s.ID); err != nil {
					return err
				}
			}
		}

		startedAt := group[0].StartedAt
		endedAt := *group[0].EndedAt
		peak := 0
		for _, s := range group {
			if s.StartedAt.Before(startedAt) {
				startedAt = s.StartedAt
			}
			if s.EndedAt.After(endedAt) {
				endedAt = *s.EndedAt
			}
			if s.PeakViewers > peak {
				peak = s.PeakViewers
			}
		}
		title := primary.Title
		if normalizeTitle(title) == "" {
			for _, s := range group {
				if normalizeTitle(s.Title) != "" {
					title = s.Title
					break
				}
			}
		}
		thumb := primary.ThumbnailURL
		if thumb == "" {
			for _, s := range group {
				if s.ThumbnailURL != "" {
					thumb = s.ThumbnailURL
					break
				}
			}
		}
		extID := primary.ExternalStreamID
		if extID == "" {
			for _, s := range group {
				if s.ExternalStreamID != "" {
					extID = s.ExternalStreamID
					break
				}
			}
		}
		duration := int(endedAt.Sub(startedAt).Seconds())
		if duration < 0 {
			duration = 0
		}

		if _, err := tx.ExecContext(ctx, `UPDATE stream_sessions SET started_at=$2, ended_at=$3, duration_seconds=$4,
			title=$5, thumbnail_url=$6, external_stream_id=$7, peak_viewers=$8,
			total_messages=(SELECT COUNT(*) FROM chat_messages WHERE session_id=$1), updated_at=NOW()
			WHERE id=$1`,
			primary.ID, startedAt, endedAt, duration, title, thumb, extID, peak); err != nil {
			return err
		}

		for _, s := range group {
			if s.ID == primary.ID {
				continue
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM stream_sessions WHERE id=$1`, s.ID); err != nil {
				return err
			}
			removed++
		}
		slog.Info("session merge: collapsed duplicates",
			slog.Int64("anchor", anchorID), slog.Int64("primary", primary.ID), slog.Int("removed", removed))
		return nil
	})
	if err != nil {
		return 0, err
	}
	telemetry.AddSessionsMerged(removed)
	return removed, nil
}
