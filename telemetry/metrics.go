// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	SessionsStarted    prometheus.Counter
	SessionsEnded      prometheus.Counter
	SessionsMerged     prometheus.Counter
	MessagesAttached   prometheus.Counter
	MessagesOffline    prometheus.Counter
	MessagesBackfilled prometheus.Counter
	EligibleSignals    prometheus.Counter
	CircuitFailures    prometheus.Counter

	// Histograms (seconds)
	IngestDuration prometheus.Observer

	// Gauges
	OfflineHeldGauge prometheus.Gauge
	CircuitOpenGauge prometheus.Gauge // 1=open,0=closed
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "sentry_sessions_started_total", Help: "Number of stream sessions opened"})
		SessionsEnded = promauto.NewCounter(prometheus.CounterOpts{Name: "sentry_sessions_ended_total", Help: "Number of stream sessions closed"})
		SessionsMerged = promauto.NewCounter(prometheus.CounterOpts{Name: "sentry_sessions_merged_total", Help: "Number of duplicate sessions merged away"})
		MessagesAttached = promauto.NewCounter(prometheus.CounterOpts{Name: "sentry_chat_messages_attached_total", Help: "Number of chat messages attached to a session"})
		MessagesOffline = promauto.NewCounter(prometheus.CounterOpts{Name: "sentry_chat_messages_offline_total", Help: "Number of chat messages held in the offline table"})
		MessagesBackfilled = promauto.NewCounter(prometheus.CounterOpts{Name: "sentry_chat_messages_backfilled_total", Help: "Number of offline messages moved into a session"})
		EligibleSignals = promauto.NewCounter(prometheus.CounterOpts{Name: "sentry_eligibility_signals_total", Help: "Number of messages signaled for reward processing"})
		CircuitFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "sentry_circuit_failures_total", Help: "Store failures counted by the circuit breaker"})
		IngestDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "sentry_chat_ingest_duration_seconds", Help: "Chat ingest duration seconds", Buckets: prometheus.DefBuckets})
		OfflineHeldGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "sentry_offline_messages_held", Help: "Offline messages currently held"})
		CircuitOpenGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "sentry_circuit_open", Help: "Circuit breaker open=1 closed=0"})
	})
}

// The increment helpers are nil-safe so packages can report without caring
// whether Init ran (it doesn't in most tests).

// IncSessionStarted counts a newly opened session.
func IncSessionStarted() {
	if SessionsStarted != nil {
		SessionsStarted.Inc()
	}
}

// IncSessionEnded counts a closed session.
func IncSessionEnded() {
	if SessionsEnded != nil {
		SessionsEnded.Inc()
	}
}

// AddSessionsMerged counts sessions collapsed into a primary.
func AddSessionsMerged(n int) {
	if SessionsMerged != nil && n > 0 {
		SessionsMerged.Add(float64(n))
	}
}

// IncMessageAttached counts a chat message stored against a session.
func IncMessageAttached() {
	if MessagesAttached != nil {
		MessagesAttached.Inc()
	}
}

// IncMessageOffline counts a chat message stored in the offline holding table.
func IncMessageOffline() {
	if MessagesOffline != nil {
		MessagesOffline.Inc()
	}
}

// AddMessagesBackfilled counts offline messages migrated into a session.
func AddMessagesBackfilled(n int) {
	if MessagesBackfilled != nil && n > 0 {
		MessagesBackfilled.Add(float64(n))
	}
}

// AddEligibleSignals counts messages flushed to the eligibility sink.
func AddEligibleSignals(n int) {
	if EligibleSignals != nil && n > 0 {
		EligibleSignals.Add(float64(n))
	}
}

// IncCircuitFailure counts one store failure observed by the breaker.
func IncCircuitFailure() {
	if CircuitFailures != nil {
		CircuitFailures.Inc()
	}
}

// UpdateCircuitGauge sets gauge to 1 if open else 0.
func UpdateCircuitGauge(open bool) {
	if CircuitOpenGauge != nil {
		if open {
			CircuitOpenGauge.Set(1)
		} else {
			CircuitOpenGauge.Set(0)
		}
	}
}

// SetOfflineHeld records the current offline-held message count.
func SetOfflineHeld(n int) {
	if OfflineHeldGauge != nil {
		OfflineHeldGauge.Set(float64(n))
	}
}

// ObserveIngest records one ingest duration.
func ObserveIngest(d time.Duration) {
	if IngestDuration != nil {
		IngestDuration.Observe(d.Seconds())
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
