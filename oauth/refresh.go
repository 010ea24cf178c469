// Package oauth keeps persisted provider tokens fresh. A background loop
// wakes on a jittered interval, checks the stored expiry, and calls the
// provider-specific refresh function once the token enters the refresh window.
package oauth

import (
	"context"
	"database/sql"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	dbpkg "github.com/onnwee/stream-sentry/db"
)

// RefreshFunc exchanges a refresh token for new credentials and returns
// (access, refresh, expiry, scope).
type RefreshFunc func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error)

// StartRefresher launches a goroutine that periodically checks the token row
// for provider and refreshes it when its remaining lifetime drops below
// window. Reads and writes go through the oauth_tokens helpers, so encrypted
// rows round-trip transparently.
func StartRefresher(ctx context.Context, db *sql.DB, provider string, interval, window time.Duration, fn RefreshFunc) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	// Randomize the first wake-up so multiple instances don't check in lockstep.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			// Wander around the interval by up to a fifth in either direction.
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
			_, rt, exp, scope, err := dbpkg.GetOAuthToken(ctx, db, provider)
			if err != nil {
				slog.Warn("oauth: token load failed", slog.String("provider", provider), slog.Any("err", err))
				continue
			}
			if rt == "" {
				continue
			}
			if time.Until(exp) > window {
				continue
			}
			// Stagger the actual refresh when many instances see the same expiry.
			preRange := int64(interval / 2)
			if preRange > int64(5*time.Second) {
				preRange = int64(5 * time.Second)
			}
			if preRange > 0 {
				//nolint:gosec // G404: math/rand is sufficient for jitter, not used for security
				pre := time.Duration(rand.Int63n(preRange))
				select {
				case <-ctx.Done():
					return
				case <-time.After(pre):
				}
			}
			rctx, cancel := context.WithTimeout(ctx, 15*time.Second)
			newAT, newRT, newExp, newScope, err := fn(rctx, rt)
			cancel()
			if err != nil {
				slog.Warn("oauth: token refresh failed", slog.String("provider", provider), slog.Any("err", err))
				continue
			}
			// Providers may omit the rotated refresh token or scope; keep what we had.
			if newRT == "" {
				newRT = rt
			}
			if newScope == "" {
				newScope = scope
			}
			if err := dbpkg.UpsertOAuthToken(ctx, db, provider, newAT, newRT, newExp, strings.TrimSpace(newScope)); err != nil {
				slog.Warn("oauth: token persist failed", slog.String("provider", provider), slog.Any("err", err))
				continue
			}
			slog.Info("oauth: token refreshed", slog.String("provider", provider))
		}
	}()
}
