package db

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strconv"
	"time"
)

// RetryPolicy bounds retries of transient store failures: a fixed number of
// attempts with exponential backoff and jitter between them. Fatal errors
// (per ClassifyStoreError) abort immediately.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  int
}

// DefaultRetryPolicy returns the policy used for session lifecycle writes,
// overridable via STORE_RETRY_MAX_ATTEMPTS and STORE_RETRY_BASE_DELAY.
func DefaultRetryPolicy() RetryPolicy {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, Multiplier: 2}
	if s := os.Getenv("STORE_RETRY_MAX_ATTEMPTS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			p.MaxAttempts = n
		}
	}
	if s := os.Getenv("STORE_RETRY_BASE_DELAY"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			p.BaseDelay = d
		}
	}
	return p
}

// Do runs fn until it succeeds, returns a fatal error, or attempts are
// exhausted. The final error wraps the last attempt's error so callers can
// still inspect it with errors.As.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	mult := p.Multiplier
	if mult < 2 {
		mult = 2
	}
	base := p.BaseDelay
	if base <= 0 {
		base = 10 * time.Millisecond
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := base
			for i := 1; i < attempt; i++ {
				backoff *= time.Duration(mult)
			}
			jitter := time.Duration(rand.Int63n(int64(base))) // up to base extra
			backoff += jitter
			slog.Warn("retrying store operation", slog.String("op", op), slog.Int("attempt", attempt), slog.Duration("backoff", backoff), slog.Any("err", lastErr))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if IsFatalError(err) {
			return err
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, lastErr)
}
