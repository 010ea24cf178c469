package session

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/onnwee/stream-sentry/db"
	"github.com/onnwee/stream-sentry/telemetry"
)

// BackfillOfflineMessages moves offline-held messages whose timestamp falls
// inside [started_at, ended_at + post-end window] into the session, then
// removes them from the holding area. Insert and delete run in one
// transaction so a message is never represented twice: the insert skips
// message ids already attached anywhere, and the delete clears the whole
// window (a skipped duplicate is already stored, so its offline copy is
// redundant either way). Returns the number of messages attached.
//
// Only ended sessions backfill; an open session's coverage window is not yet
// known.
func (m *Manager) BackfillOfflineMessages(ctx context.Context, sessionID int64) (int, error) {
	migrated := 0
	err := db.WithTx(ctx, m.DB, func(tx *sql.Tx) error {
		var broadcasterID string
		var startedAt time.Time
		var endedAt *time.Time
		err := tx.QueryRowContext(ctx, `SELECT broadcaster_id, started_at, ended_at FROM stream_sessions WHERE id=$1`, sessionID).
			Scan(&broadcasterID, &startedAt, &endedAt)
		if err == sql.ErrNoRows {
			slog.Warn("session: backfill requested for unknown id", slog.Int64("id", sessionID))
			return nil
		}
		if err != nil {
			return err
		}
		if endedAt == nil {
			slog.Debug("session: backfill skipped, session still open", slog.Int64("id", sessionID))
			return nil
		}
		windowEnd := endedAt.Add(m.Tuning.PostEndWindow)

		res, err := tx.ExecContext(ctx, `INSERT INTO chat_messages
			(message_id, session_id, broadcaster_id, sender_id, sender_username, content, emotes, sent_at,
			 content_length, exclamation_count, question_count, emote_only, sent_while_offline)
			SELECT o.message_id, $1, o.broadcaster_id, o.sender_id, o.sender_username, o.content, o.emotes, o.sent_at,
			       o.content_length, o.exclamation_count, o.question_count, o.emote_only, TRUE
			FROM offline_chat_messages o
			WHERE o.broadcaster_id=$2 AND o.sent_at >= $3 AND o.sent_at <= $4
			ON CONFLICT (message_id) DO NOTHING`,
			sessionID, broadcasterID, startedAt, windowEnd)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		migrated = int(n)

		if _, err := tx.ExecContext(ctx, `DELETE FROM offline_chat_messages
			WHERE broadcaster_id=$1 AND sent_at >= $2 AND sent_at <= $3`,
			broadcasterID, startedAt, windowEnd); err != nil {
			return err
		}

		if migrated > 0 {
			if _, err := tx.ExecContext(ctx, `UPDATE stream_sessions
				SET total_messages=(SELECT COUNT(*) FROM chat_messages WHERE session_id=$1), updated_at=NOW()
				WHERE id=$1`, sessionID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	telemetry.AddMessagesBackfilled(migrated)
	return migrated, nil
}
