package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
)

// HandleConfig handles GET and PUT requests for safe configuration keys.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	// Only allow GET/PUT for known keys; secrets must not be exposed here.
	safeKeys := map[string]bool{
		"LOG_LEVEL":                    true,
		"LOG_FORMAT":                   true,
		"LIVE_POLL_INTERVAL":           true,
		"SESSION_END_GRACE":            true,
		"SESSION_POST_END_WINDOW":      true,
		"SESSION_MERGE_WINDOW":         true,
		"SESSION_PHANTOM_MAX_DURATION": true,
		"VOD_CORRELATE_INTERVAL":       true,
		"VOD_CORRELATE_MAX":            true,
		"RETENTION_KEEP_DAYS":          true,
		"RETENTION_KEEP_COUNT":         true,
		"RETENTION_DRY_RUN":            true,
		"RETENTION_INTERVAL":           true,
		"CHAT_ELIGIBILITY_BATCH":       true,
		"CHAT_ELIGIBILITY_FLUSH":       true,
		"STORE_RETRY_MAX_ATTEMPTS":     true,
		"STORE_RETRY_BASE_DELAY":       true,
		"CIRCUIT_FAILURE_THRESHOLD":    true,
		"CIRCUIT_OPEN_COOLDOWN":        true,
		"MODERATION_SIGNAL_INTERVAL":   true,
		"MODERATION_SIGNAL_BURST":      true,
		"MODERATION_DRY_RUN":           true,
	}
	switch r.Method {
	case http.MethodGet:
		// Return safe keys with values from env override (kv) if present
		out := map[string]string{}
		for k := range safeKeys {
			var v string
			_ = h.db.QueryRowContext(r.Context(), `SELECT value FROM kv WHERE key=$1`, "cfg:"+k).Scan(&v)
			if v == "" {
				v = os.Getenv(k)
			}
			if v != "" {
				out[k] = v
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	case http.MethodPut:
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json", 400)
			return
		}
		for k, v := range body {
			if !safeKeys[k] {
				continue
			}
			if _, err := h.db.ExecContext(
				r.Context(),
				`INSERT INTO kv (key,value,updated_at) VALUES ($1,$2,NOW()) ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`,
				"cfg:"+k,
				strings.TrimSpace(v),
			); err != nil {
				slog.Error("failed to update config", slog.String("key", k), slog.Any("err", err))
				http.Error(w, "failed to update config", http.StatusInternalServerError)
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleStatus returns a lightweight status summary: session counts, held
// offline messages, circuit breaker state, and job freshness.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	resp := map[string]any{}
	// Session and holding-table counts
	var open, total, held int
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stream_sessions WHERE ended_at IS NULL`).Scan(&open)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stream_sessions`).Scan(&total)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM offline_chat_messages`).Scan(&held)
	resp["sessions_open"] = open
	resp["sessions_total"] = total
	resp["offline_messages_held"] = held

	// Retry/backoff configuration
	retryConfig := map[string]any{
		"store_retry_max_attempts": getEnvInt("STORE_RETRY_MAX_ATTEMPTS", 3),
		"store_retry_base_delay":   os.Getenv("STORE_RETRY_BASE_DELAY"),
	}
	if retryConfig["store_retry_base_delay"] == "" {
		retryConfig["store_retry_base_delay"] = "100ms"
	}
	resp["retry_config"] = retryConfig

	// Eligibility batching configuration
	batchConfig := map[string]any{
		"batch_size":     getEnvInt("CHAT_ELIGIBILITY_BATCH", 50),
		"flush_interval": os.Getenv("CHAT_ELIGIBILITY_FLUSH"),
	}
	if batchConfig["flush_interval"] == "" {
		batchConfig["flush_interval"] = "2s"
	}
	resp["eligibility_config"] = batchConfig

	// Circuit breaker
	var cState, cFails, cUntil string
	_ = h.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key='circuit_state'`).Scan(&cState)
	_ = h.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key='circuit_failures'`).Scan(&cFails)
	_ = h.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key='circuit_open_until'`).Scan(&cUntil)
	if cState != "" {
		resp["circuit_state"] = cState
	}
	if cFails != "" {
		resp["circuit_failures"] = cFails
	}
	if cUntil != "" {
		resp["circuit_open_until"] = cUntil
	}
	// Last job timestamps
	jobs := map[string]string{
		"job_live_poll_last":     "last_live_poll",
		"job_vod_correlate_last": "last_vod_correlate",
		"job_retention_last":     "last_retention_run",
	}
	for k, out := range jobs {
		var v string
		_ = h.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, k).Scan(&v)
		if v != "" {
			resp[out] = v
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
