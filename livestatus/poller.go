package livestatus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/onnwee/stream-sentry/session"
	"github.com/onnwee/stream-sentry/upstream"
)

// StatusSource is the slice of the upstream client the poller consumes.
type StatusSource interface {
	GetChannelStatus(ctx context.Context, channel string) (*upstream.ChannelStatus, error)
	GetUserID(ctx context.Context, login string) (string, error)
}

// errUpstream marks a status-fetch failure. Those self-correct on the next
// tick and say nothing about our own store, so they never trip the breaker.
var errUpstream = errors.New("upstream status")

// Poller reconciles upstream live reports into session lifecycle calls:
// live means get-or-create plus a heartbeat touch, offline means a
// grace-checked end. One Poller owns its channels; Start runs it on a
// single goroutine.
type Poller struct {
	DB       *sql.DB
	Sessions *session.Manager
	Source   StatusSource
	Channels []string
	Interval time.Duration

	ids map[string]string // channel login -> broadcaster id
}

// NewPoller builds a Poller with the interval from LIVE_POLL_INTERVAL
// (default 30s).
func NewPoller(dbc *sql.DB, mgr *session.Manager, src StatusSource, channels []string) *Poller {
	interval := 30 * time.Second
	if v := os.Getenv("LIVE_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			interval = d
		}
	}
	return &Poller{DB: dbc, Sessions: mgr, Source: src, Channels: channels, Interval: interval, ids: make(map[string]string)}
}

// Start blocks until ctx is done, reconciling every channel each tick.
// Sleeps are jittered so multiple instances spread their polling.
func (p *Poller) Start(ctx context.Context) {
	if len(p.Channels) == 0 {
		slog.Info("livestatus: no channels configured; poller disabled")
		return
	}
	slog.Info("livestatus: poller started", slog.Duration("interval", p.Interval), slog.Int("channels", len(p.Channels)))
	for {
		p.Tick(ctx)
		jitterRange := int64(p.Interval / 5)
		//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
		jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
		sleep := p.Interval + jitter
		if sleep < p.Interval/2 {
			sleep = p.Interval / 2
		}
		select {
		case <-ctx.Done():
			slog.Info("livestatus: poller stopped")
			return
		case <-time.After(sleep):
		}
	}
}

// Tick runs one reconciliation pass over every channel, gated by the store
// circuit breaker, and stamps the run in kv.
func (p *Poller) Tick(ctx context.Context) {
	if !circuitAllows(ctx, p.DB) {
		slog.Debug("livestatus: circuit open; skipping tick")
		return
	}
	_, _ = p.DB.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ('job_live_poll_last', to_char(NOW() AT TIME ZONE 'UTC','YYYY-MM-DD"T"HH24:MI:SS.MS"Z"'), NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`)
	storeHealthy := true
	for _, channel := range p.Channels {
		if ctx.Err() != nil {
			return
		}
		switch err := p.reconcileChannel(ctx, channel); {
		case err == nil:
		case errors.Is(err, errUpstream):
			slog.Warn("livestatus: status fetch", slog.String("channel", channel), slog.Any("err", err))
		default:
			storeHealthy = false
			slog.Warn("livestatus: reconcile", slog.String("channel", channel), slog.Any("err", err))
		}
	}
	if storeHealthy {
		resetCircuit(ctx, p.DB)
	} else {
		updateCircuitOnFailure(ctx, p.DB)
	}
}

func (p *Poller) reconcileChannel(ctx context.Context, channel string) error {
	st, err := p.Source.GetChannelStatus(ctx, channel)
	if err != nil {
		return fmt.Errorf("%w: %v", errUpstream, err)
	}
	id, err := p.broadcasterID(ctx, channel, st)
	if err != nil {
		return err
	}
	if !NormalizeLiveFlag(st.Live) {
		ended, err := p.Sessions.EndActiveSession(ctx, id, false)
		if err != nil {
			return err
		}
		if ended {
			slog.Info("livestatus: session ended", slog.String("channel", channel), slog.String("broadcaster_id", id))
		}
		return nil
	}
	meta := session.Metadata{
		Title:             st.Title,
		ThumbnailURL:      st.ThumbnailURL,
		ExternalStreamID:  st.ExternalStreamID,
		ViewerCount:       st.ViewerCount,
		UpstreamStartedAt: st.StartedAt,
	}
	s, err := p.Sessions.GetOrCreateActiveSession(ctx, id, channel, meta)
	if err != nil {
		return err
	}
	return p.Sessions.TouchSession(ctx, s.ID)
}

// broadcasterID resolves a channel login to its broadcaster id, preferring
// the id carried on a live status and caching lookups for offline ticks
// (an offline report has no user attached).
func (p *Poller) broadcasterID(ctx context.Context, channel string, st *upstream.ChannelStatus) (string, error) {
	if st.BroadcasterID != "" {
		p.ids[channel] = st.BroadcasterID
		return st.BroadcasterID, nil
	}
	if id, ok := p.ids[channel]; ok {
		return id, nil
	}
	id, err := p.Source.GetUserID(ctx, channel)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errUpstream, err)
	}
	p.ids[channel] = id
	return id, nil
}
