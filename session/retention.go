package session

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/onnwee/stream-sentry/db"
	"github.com/onnwee/stream-sentry/telemetry"
)

// RetentionPolicy defines which ended sessions to prune from the store.
type RetentionPolicy struct {
	// KeepLastNDays: sessions that ended more than this many days ago are eligible for cleanup (0 = disabled)
	KeepLastNDays int
	// KeepLastNSessions: keep only the N most recent ended sessions per broadcaster (0 = disabled)
	KeepLastNSessions int
	// DryRun: when true, log actions but don't delete rows
	DryRun bool
	// Interval: how often to run the cleanup job
	Interval time.Duration
}

// LoadRetentionPolicy loads retention policy configuration from environment variables.
func LoadRetentionPolicy() RetentionPolicy {
	policy := RetentionPolicy{
		Interval: 6 * time.Hour, // Default to run every 6 hours
	}

	if s := os.Getenv("RETENTION_KEEP_DAYS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			policy.KeepLastNDays = n
		}
	}

	if s := os.Getenv("RETENTION_KEEP_COUNT"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			policy.KeepLastNSessions = n
		}
	}

	if os.Getenv("RETENTION_DRY_RUN") == "1" {
		policy.DryRun = true
	}

	if s := os.Getenv("RETENTION_INTERVAL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			policy.Interval = d
		}
	}

	return policy
}

// StartRetentionJob runs a background job that periodically prunes old ended
// sessions (and their child rows) plus stale offline-held messages according
// to the configured retention policy.
func StartRetentionJob(ctx context.Context, dbc *sql.DB) {
	policy := LoadRetentionPolicy()

	if policy.KeepLastNDays == 0 && policy.KeepLastNSessions == 0 {
		slog.Info("retention job disabled (no policy configured)")
		return
	}

	slog.Info("retention job starting",
		slog.Int("keep_days", policy.KeepLastNDays),
		slog.Int("keep_count", policy.KeepLastNSessions),
		slog.Bool("dry_run", policy.DryRun),
		slog.Duration("interval", policy.Interval))

	// Run immediately on start
	if err := RunRetentionCleanup(ctx, dbc, policy); err != nil {
		slog.Warn("retention cleanup failed", slog.Any("err", err))
	}

	ticker := time.NewTicker(policy.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("retention job stopped")
			return
		case <-ticker.C:
			if err := RunRetentionCleanup(ctx, dbc, policy); err != nil {
				slog.Warn("retention cleanup failed", slog.Any("err", err))
			}
		}
	}
}

// RunRetentionCleanup performs a single retention cleanup cycle. Open
// sessions and sessions that ended within the last hour are never touched;
// the latter guards against pruning a session whose post-end reconciliation
// is still running.
func RunRetentionCleanup(ctx context.Context, dbc *sql.DB, policy RetentionPolicy) error {
	logger := slog.Default().With(
		slog.String("component", "retention_cleanup"),
		slog.Bool("dry_run", policy.DryRun),
	)
	_, _ = dbc.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ('job_retention_last', to_char(NOW() AT TIME ZONE 'UTC','YYYY-MM-DD"T"HH24:MI:SS.MS"Z"'), NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`)

	cutoff := time.Time{}
	if policy.KeepLastNDays > 0 {
		cutoff = time.Now().UTC().Add(-time.Duration(policy.KeepLastNDays) * 24 * time.Hour)
	}

	// A session is a victim only when every configured policy agrees it is
	// expendable: too old for the day policy and beyond the per-broadcaster
	// keep count.
	rows, err := dbc.QueryContext(ctx, `SELECT id, broadcaster_id, title, ended_at FROM (
			SELECT id, broadcaster_id, title, ended_at,
			       ROW_NUMBER() OVER (PARTITION BY broadcaster_id ORDER BY started_at DESC) AS rn
			FROM stream_sessions WHERE ended_at IS NOT NULL
		) ranked
		WHERE ended_at < NOW() - INTERVAL '1 hour'
		  AND ($1 = 0 OR ended_at < $2)
		  AND ($3 = 0 OR rn > $3)
		ORDER BY ended_at ASC`,
		policy.KeepLastNDays, cutoff, policy.KeepLastNSessions)
	if err != nil {
		return fmt.Errorf("query expired sessions: %w", err)
	}
	type victim struct {
		id            int64
		broadcasterID string
		title         string
		endedAt       time.Time
	}
	victims := []victim{}
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.id, &v.broadcasterID, &v.title, &v.endedAt); err == nil {
			victims = append(victims, v)
		}
	}
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", slog.Any("err", err))
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("scan expired sessions: %w", err)
	}

	deleted := 0
	for _, v := range victims {
		if policy.DryRun {
			logger.Info("would delete session",
				slog.Int64("id", v.id), slog.String("broadcaster", v.broadcasterID),
				slog.String("title", v.title), slog.Time("ended_at", v.endedAt))
			continue
		}
		err := db.WithTx(ctx, dbc, func(tx *sql.Tx) error {
			for _, q := range []string{
				`DELETE FROM session_jobs WHERE session_id=$1`,
				`DELETE FROM point_awards WHERE session_id=$1`,
				`DELETE FROM chat_messages WHERE session_id=$1`,
				`DELETE FROM stream_sessions WHERE id=$1`,
			} {
				if _, err := tx.ExecContext(ctx, q, v.id); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			logger.Warn("failed to delete session", slog.Int64("id", v.id), slog.Any("err", err))
			continue
		}
		deleted++
	}

	// Offline-held messages that never matched a session go stale with the
	// same day policy.
	staleOffline := int64(0)
	if policy.KeepLastNDays > 0 {
		if policy.DryRun {
			if err := dbc.QueryRowContext(ctx, `SELECT COUNT(*) FROM offline_chat_messages WHERE sent_at < $1`, cutoff).Scan(&staleOffline); err == nil && staleOffline > 0 {
				logger.Info("would delete stale offline messages", slog.Int64("count", staleOffline))
			}
		} else {
			res, err := dbc.ExecContext(ctx, `DELETE FROM offline_chat_messages WHERE sent_at < $1`, cutoff)
			if err != nil {
				return fmt.Errorf("delete stale offline messages: %w", err)
			}
			staleOffline, _ = res.RowsAffected()
		}
	}

	// Webhook replay-guard keys only need to outlive the upstream retry
	// horizon.
	if !policy.DryRun {
		_, _ = dbc.ExecContext(ctx, `DELETE FROM kv WHERE key LIKE 'webhook_msg:%' AND updated_at < NOW() - INTERVAL '24 hours'`)
	}

	var held int
	if err := dbc.QueryRowContext(ctx, `SELECT COUNT(*) FROM offline_chat_messages`).Scan(&held); err == nil {
		telemetry.SetOfflineHeld(held)
	}

	if deleted > 0 || staleOffline > 0 {
		logger.Info("retention cleanup complete",
			slog.Int("sessions_deleted", deleted),
			slog.Int64("offline_messages_deleted", staleOffline),
			slog.Int("candidates", len(victims)))
	}
	return nil
}
