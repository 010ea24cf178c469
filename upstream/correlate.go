package upstream

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/onnwee/stream-sentry/session"
)

// channelPause spaces API calls between channels in one correlation pass.
const channelPause = 1200 * time.Millisecond

// StartVODCorrelationJob periodically matches freshly published VODs back to
// the sessions they recorded and backfills thumbnail and external stream id
// on rows that never received them from a live report. Matching is by start
// time via the session manager's fuzzy lookup, so retitled VODs still land.
func StartVODCorrelationJob(ctx context.Context, dbc *sql.DB, mgr *session.Manager, client *Client, channels []string) {
	if len(channels) == 0 {
		slog.Info("vod correlation job disabled (no channels)")
		return
	}
	interval := 15 * time.Minute
	if v := os.Getenv("VOD_CORRELATE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			interval = d
		}
	}
	maxVODs := 20
	if s := os.Getenv("VOD_CORRELATE_MAX"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			maxVODs = n
		}
	}
	slog.Info("vod correlation job starting", slog.Duration("interval", interval), slog.Int("channels", len(channels)))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	if err := CorrelateVODs(ctx, dbc, mgr, client, channels, maxVODs); err != nil {
		slog.Warn("vod correlation", slog.Any("err", err))
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("vod correlation job stopped")
			return
		case <-ticker.C:
			if err := CorrelateVODs(ctx, dbc, mgr, client, channels, maxVODs); err != nil {
				slog.Warn("vod correlation", slog.Any("err", err))
			}
		}
	}
}

// CorrelateVODs runs one correlation pass over every channel and stamps the
// run in kv for the status surfaces.
func CorrelateVODs(ctx context.Context, dbc *sql.DB, mgr *session.Manager, client *Client, channels []string, maxVODs int) error {
	_, _ = dbc.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ('job_vod_correlate_last', to_char(NOW() AT TIME ZONE 'UTC','YYYY-MM-DD"T"HH24:MI:SS.MS"Z"'), NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`)
	var firstErr error
	for i, channel := range channels {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(channelPause):
			}
		}
		if err := correlateChannel(ctx, dbc, mgr, client, channel, maxVODs); err != nil {
			slog.Warn("vod correlation channel", slog.String("channel", channel), slog.Any("err", err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func correlateChannel(ctx context.Context, dbc *sql.DB, mgr *session.Manager, client *Client, channel string, maxVODs int) error {
	vods, err := client.ListVODs(ctx, channel, maxVODs)
	if err != nil {
		return err
	}
	for _, v := range vods {
		if v.CreatedAt.IsZero() || v.UserID == "" {
			continue
		}
		s, err := mgr.FindSessionByStartTime(ctx, v.UserID, v.CreatedAt)
		if err != nil {
			return err
		}
		// Open sessions still receive metadata from live reports; only
		// ended rows need the archive to fill the gaps.
		if s == nil || s.Active() {
			continue
		}
		if s.ThumbnailURL != "" && s.ExternalStreamID != "" {
			continue
		}
		externalID := v.StreamID
		if externalID == "" {
			externalID = v.ID
		}
		res, err := dbc.ExecContext(ctx, `UPDATE stream_sessions SET
			external_stream_id = CASE WHEN external_stream_id='' THEN $2 ELSE external_stream_id END,
			thumbnail_url      = CASE WHEN thumbnail_url='' THEN $3 ELSE thumbnail_url END,
			updated_at = NOW()
			WHERE id=$1 AND ((external_stream_id='' AND $2<>'') OR (thumbnail_url='' AND $3<>''))`,
			s.ID, externalID, v.ThumbnailURL)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			slog.Info("vod correlated", slog.Int64("session_id", s.ID), slog.String("vod_id", v.ID), slog.String("channel", channel))
		}
	}
	return nil
}
