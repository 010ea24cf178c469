package livestatus

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/onnwee/stream-sentry/telemetry"
)

// Store circuit breaker. Session-store failures trip it; while open, the
// poll loop skips ticks so a struggling database is not hammered with
// lifecycle writes. State lives in kv so the health surfaces can report it.

const (
	defaultFailureThreshold = 5
	defaultOpenCooldown     = 5 * time.Minute
)

func failureThreshold() int {
	if s := os.Getenv("CIRCUIT_FAILURE_THRESHOLD"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return defaultFailureThreshold
}

// circuitAllows reports whether work may proceed. An open circuit past its
// cooldown transitions to half-open and lets one tick through to probe.
func circuitAllows(ctx context.Context, dbc *sql.DB) bool {
	var state string
	_ = dbc.QueryRowContext(ctx, `SELECT value FROM kv WHERE key='circuit_state'`).Scan(&state)
	if state != "open" {
		return true
	}
	var untilRaw string
	_ = dbc.QueryRowContext(ctx, `SELECT value FROM kv WHERE key='circuit_open_until'`).Scan(&untilRaw)
	if untilRaw != "" {
		if until, err := time.Parse(time.RFC3339, untilRaw); err == nil && time.Now().Before(until) {
			return false
		}
	}
	_, _ = dbc.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ('circuit_state','half-open',NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`)
	slog.Info("livestatus: circuit half-open, probing store")
	return true
}

func updateCircuitOnFailure(ctx context.Context, dbc *sql.DB) {
	threshold := failureThreshold()
	fails := 0
	var val string
	_ = dbc.QueryRowContext(ctx, `SELECT value FROM kv WHERE key='circuit_failures'`).Scan(&val)
	if n, err := strconv.Atoi(val); err == nil {
		fails = n
	}
	fails++
	telemetry.IncCircuitFailure()
	_, _ = dbc.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ('circuit_failures',$1,NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, strconv.Itoa(fails))
	if fails < threshold {
		return
	}
	cool := defaultOpenCooldown
	if s := os.Getenv("CIRCUIT_OPEN_COOLDOWN"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			cool = d
		}
	}
	until := time.Now().Add(cool).UTC().Format(time.RFC3339)
	_, _ = dbc.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ('circuit_state','open',NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`)
	_, _ = dbc.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ('circuit_open_until',$1,NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, until)
	telemetry.UpdateCircuitGauge(true)
	slog.Warn("livestatus: circuit opened", slog.Int("failures", fails), slog.String("until", until))
}

func resetCircuit(ctx context.Context, dbc *sql.DB) {
	var state, fails string
	_ = dbc.QueryRowContext(ctx, `SELECT value FROM kv WHERE key='circuit_state'`).Scan(&state)
	_ = dbc.QueryRowContext(ctx, `SELECT value FROM kv WHERE key='circuit_failures'`).Scan(&fails)
	if (state == "" || state == "closed") && (fails == "" || fails == "0") {
		return
	}
	_, _ = dbc.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ('circuit_failures','0',NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`)
	_, _ = dbc.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ('circuit_state','closed',NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`)
	_, _ = dbc.ExecContext(ctx, `DELETE FROM kv WHERE key='circuit_open_until'`)
	telemetry.UpdateCircuitGauge(false)
	slog.Info("livestatus: circuit closed")
}
