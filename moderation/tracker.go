// Package moderation turns detection results into operator-facing signals.
// The tracker keeps per-broadcaster risk mode and reports transitions; actual
// enforcement (timeouts, bans, slow mode) belongs to an external executor
// consuming the ActionSink.
package moderation

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/onnwee/stream-sentry/detect"
)

// Signal is one moderation event emitted when a broadcaster enters an
// elevated risk mode.
type Signal struct {
	BroadcasterID  string
	SenderID       string
	RiskMode       detect.RiskMode
	Classification detect.Classification
	Evidence       []string
	At             time.Time
}

// ActionSink receives signals. Implementations must tolerate being called
// from the chat ingest hot path and should not block.
type ActionSink interface {
	Deliver(ctx context.Context, sig Signal) error
}

// LogSink is the default sink: it records signals in the structured log and
// nothing else.
type LogSink struct{}

func (LogSink) Deliver(_ context.Context, sig Signal) error {
	slog.Info("moderation: signal",
		slog.String("broadcaster", sig.BroadcasterID),
		slog.String("sender", sig.SenderID),
		slog.String("risk_mode", string(sig.RiskMode)),
		slog.String("classification", string(sig.Classification)),
		slog.Any("evidence", sig.Evidence))
	return nil
}

// Tracker holds per-broadcaster risk mode and emits a signal on each
// transition into medium or high. Signal emission is rate limited per
// broadcaster so a sustained raid produces a handful of signals, not one per
// message. Safe for concurrent use.
type Tracker struct {
	Sink ActionSink
	// DryRun logs signals instead of delivering them.
	DryRun bool
	// SignalEvery/SignalBurst shape the per-broadcaster emission limiter.
	SignalEvery time.Duration
	SignalBurst int

	mu     sync.Mutex
	states map[string]*broadcasterState
}

type broadcasterState struct {
	mode    detect.RiskMode
	limiter *rate.Limiter
}

// NewTracker builds a tracker around sink (LogSink when nil).
// Env knobs:
//
//	MODERATION_SIGNAL_INTERVAL (default 10s)
//	MODERATION_SIGNAL_BURST (default 3)
//	MODERATION_DRY_RUN=1
func NewTracker(sink ActionSink) *Tracker {
	if sink == nil {
		sink = LogSink{}
	}
	t := &Tracker{
		Sink:        sink,
		SignalEvery: 10 * time.Second,
		SignalBurst: 3,
		states:      make(map[string]*broadcasterState),
	}
	if v := os.Getenv("MODERATION_SIGNAL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			t.SignalEvery = d
		}
	}
	if v := os.Getenv("MODERATION_SIGNAL_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			t.SignalBurst = n
		}
	}
	if os.Getenv("MODERATION_DRY_RUN") == "1" {
		t.DryRun = true
	}
	return t
}

// Track folds one message's detection results into the broadcaster's risk
// state and returns the combined score. Mode transitions are logged;
// entering medium or high additionally emits a signal through the sink,
// subject to the per-broadcaster limiter.
func (t *Tracker) Track(ctx context.Context, broadcasterID, senderID string, spam detect.SpamResult, raid detect.RaidAssessment) detect.RiskScore {
	risk := detect.ComputeRiskScore(spam, raid)

	t.mu.Lock()
	st, ok := t.states[broadcasterID]
	if !ok {
		st = &broadcasterState{
			mode:    detect.RiskLow,
			limiter: rate.NewLimiter(rate.Every(t.SignalEvery), t.SignalBurst),
		}
		t.states[broadcasterID] = st
	}
	prev := st.mode
	st.mode = risk.Mode
	allowed := false
	entering := risk.Mode != prev && risk.Mode != detect.RiskLow
	if entering {
		allowed = st.limiter.Allow()
	}
	t.mu.Unlock()

	if risk.Mode != prev {
		slog.Info("moderation: risk mode changed",
			slog.String("broadcaster", broadcasterID),
			slog.String("from", string(prev)),
			slog.String("to", string(risk.Mode)),
			slog.Float64("score", risk.Score))
	}
	if !entering {
		return risk
	}
	if !allowed {
		slog.Debug("moderation: signal throttled", slog.String("broadcaster", broadcasterID))
		return risk
	}

	sig := Signal{
		BroadcasterID:  broadcasterID,
		SenderID:       senderID,
		RiskMode:       risk.Mode,
		Classification: spam.Classification,
		Evidence:       append(append([]string(nil), spam.Flags...), raid.Evidence...),
		At:             time.Now().UTC(),
	}
	if t.DryRun {
		slog.Info("moderation: dry run, signal suppressed",
			slog.String("broadcaster", sig.BroadcasterID),
			slog.String("risk_mode", string(sig.RiskMode)),
			slog.String("classification", string(sig.Classification)))
		return risk
	}
	if err := t.Sink.Deliver(ctx, sig); err != nil {
		slog.Warn("moderation: sink delivery failed",
			slog.String("broadcaster", sig.BroadcasterID), slog.Any("err", err))
	}
	return risk
}

// Mode reports the broadcaster's current risk mode (low when never seen).
func (t *Tracker) Mode(broadcasterID string) detect.RiskMode {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[broadcasterID]; ok {
		return st.mode
	}
	return detect.RiskLow
}
