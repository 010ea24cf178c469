package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// authConfig gates the admin and auth surfaces. Either credential scheme
// activates it; with neither set the gate stays open for local development.
type authConfig struct {
	username string
	password string
	token    string
	enabled  bool
}

func loadAuthConfig() *authConfig {
	cfg := &authConfig{
		username: os.Getenv("ADMIN_USERNAME"),
		password: os.Getenv("ADMIN_PASSWORD"),
		token:    os.Getenv("ADMIN_TOKEN"),
	}
	cfg.enabled = (cfg.username != "" && cfg.password != "") || cfg.token != ""
	if !cfg.enabled {
		slog.Warn("admin endpoints unprotected; set ADMIN_USERNAME+ADMIN_PASSWORD or ADMIN_TOKEN before exposing this server")
	}
	return cfg
}

// authorize accepts either the X-Admin-Token header or basic credentials.
// Comparisons are constant-time.
func (c *authConfig) authorize(r *http.Request) bool {
	if c.token != "" {
		if t := r.Header.Get("X-Admin-Token"); t != "" &&
			subtle.ConstantTimeCompare([]byte(t), []byte(c.token)) == 1 {
			return true
		}
	}
	if c.username != "" && c.password != "" {
		u, p, ok := r.BasicAuth()
		if ok {
			userOK := subtle.ConstantTimeCompare([]byte(u), []byte(c.username)) == 1
			passOK := subtle.ConstantTimeCompare([]byte(p), []byte(c.password)) == 1
			if userOK && passOK {
				return true
			}
		}
	}
	return false
}

func adminAuth(next http.Handler, cfg *authConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cfg.enabled || cfg.authorize(r) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="stream-sentry admin"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		slog.Warn("admin auth failed", slog.String("path", r.URL.Path), slog.String("remote_addr", r.RemoteAddr))
	})
}

// rateLimiterConfig shapes the per-IP token bucket: burst requests available
// immediately, refilled evenly across the window.
type rateLimiterConfig struct {
	enabled bool
	burst   int
	window  time.Duration
}

func loadRateLimiterConfig() *rateLimiterConfig {
	cfg := &rateLimiterConfig{
		enabled: os.Getenv("RATE_LIMIT_ENABLED") != "0",
		burst:   10,
		window:  time.Minute,
	}
	if n := envInt("RATE_LIMIT_REQUESTS_PER_IP", cfg.burst); n > 0 {
		cfg.burst = n
	}
	if n := envInt("RATE_LIMIT_WINDOW_SECONDS", 60); n > 0 {
		cfg.window = time.Duration(n) * time.Second
	}
	return cfg
}

// ipRateLimiter keeps one token bucket per client IP. Buckets idle past two
// windows are pruned so the map does not grow with one-off callers.
type ipRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*ipBucket
	cfg     *rateLimiterConfig
}

type ipBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newIPRateLimiter(ctx context.Context, cfg *rateLimiterConfig) *ipRateLimiter {
	rl := &ipRateLimiter{buckets: make(map[string]*ipBucket), cfg: cfg}
	go rl.pruneLoop(ctx)
	return rl
}

func (rl *ipRateLimiter) pruneLoop(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			rl.prune(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

func (rl *ipRateLimiter) prune(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, b := range rl.buckets {
		if now.Sub(b.lastSeen) > 2*rl.cfg.window {
			delete(rl.buckets, ip)
		}
	}
}

func (rl *ipRateLimiter) allow(ip string) bool {
	if !rl.cfg.enabled {
		return true
	}
	rl.mu.Lock()
	b, ok := rl.buckets[ip]
	if !ok {
		b = &ipBucket{lim: rate.NewLimiter(rate.Every(rl.cfg.window/time.Duration(rl.cfg.burst)), rl.cfg.burst)}
		rl.buckets[ip] = b
	}
	b.lastSeen = time.Now()
	rl.mu.Unlock()
	return b.lim.Allow()
}

// clientIP resolves the caller address, honoring the first hop of
// X-Forwarded-For when a proxy sits in front.
func clientIP(r *http.Request) string {
	ip := r.RemoteAddr
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.Index(fwd, ","); i >= 0 {
			fwd = fwd[:i]
		}
		ip = strings.TrimSpace(fwd)
	}
	if i := strings.LastIndex(ip, ":"); i >= 0 {
		ip = ip[:i]
	}
	return ip
}

func rateLimitMiddleware(next http.Handler, limiter *ipRateLimiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !limiter.allow(ip) {
			w.Header().Set("Retry-After", "60")
			http.Error(w, "Too Many Requests - rate limit exceeded", http.StatusTooManyRequests)
			slog.Warn("rate limit exceeded", slog.String("ip", ip), slog.String("path", r.URL.Path))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// envInt reads an env var as int, falling back on absence or garbage.
func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}

// corsConfig: permissive mirrors every origin (dev default); otherwise only
// the configured allowlist passes, with *.domain wildcards.
type corsConfig struct {
	allowedOrigins []string
	permissive     bool
}

func loadCORSConfig() *corsConfig {
	env := strings.ToLower(os.Getenv("ENV"))
	cfg := &corsConfig{permissive: env == "" || env == "dev" || env == "development"}
	if v := os.Getenv("CORS_PERMISSIVE"); v != "" {
		cfg.permissive = v == "1" || v == "true"
	}
	for _, o := range strings.Split(os.Getenv("CORS_ALLOWED_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.allowedOrigins = append(cfg.allowedOrigins, o)
		}
	}
	if !cfg.permissive && len(cfg.allowedOrigins) == 0 {
		slog.Warn("CORS restricted mode with empty CORS_ALLOWED_ORIGINS; all cross-origin requests will be blocked")
	}
	return cfg
}

func (c *corsConfig) originAllowed(origin string) bool {
	for _, allowed := range c.allowedOrigins {
		if origin == allowed {
			return true
		}
		if !strings.HasPrefix(allowed, "*.") {
			continue
		}
		domain := allowed[2:]
		if strings.HasSuffix(origin, "."+domain) || origin == "https://"+domain || origin == "http://"+domain {
			return true
		}
	}
	return false
}

const corsMethods = "GET, POST, PUT, PATCH, DELETE, OPTIONS"
const corsHeaders = "Content-Type, Authorization, X-Admin-Token, X-Correlation-ID"

func withCORSConfig(next http.Handler, cfg *corsConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case cfg.permissive:
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", corsMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsHeaders)
		case origin != "" && cfg.originAllowed(origin):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", corsMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsHeaders)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
