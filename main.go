// Command stream-sentry is the main entrypoint for the session API and
// background workers. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts background jobs: the live-status poller, chat sources (IRC and
//     the websocket firehose), VOD correlation, retention, and the OAuth
//     token refresher for the chat bot.
//   - Exposes the HTTP surface: signals, sessions, detection state, admin,
//     /healthz, /readyz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/onnwee/stream-sentry/chat"
	"github.com/onnwee/stream-sentry/config"
	"github.com/onnwee/stream-sentry/db"
	"github.com/onnwee/stream-sentry/livestatus"
	"github.com/onnwee/stream-sentry/oauth"
	"github.com/onnwee/stream-sentry/server"
	"github.com/onnwee/stream-sentry/session"
	"github.com/onnwee/stream-sentry/telemetry"
	"github.com/onnwee/stream-sentry/upstream"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		// unknown level -> keep info but note once using temporary logger
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("stream-sentry", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// Best-effort: fetch an app access token (client-credentials) if client
	// id/secret are provided. The upstream client uses this identity for
	// status and VOD lookups; it is NOT the IRC chat token.
	if cfg.TwitchClientID != "" && cfg.TwitchClientSecret != "" {
		if tok, err := upstream.AppTokenSource(cfg.TwitchClientID, cfg.TwitchClientSecret).Token(); err != nil {
			slog.Warn("twitch app token fetch failed", slog.Any("err", err))
		} else if len(tok.AccessToken) > 6 {
			masked := "***" + tok.AccessToken[len(tok.AccessToken)-6:]
			slog.Info("twitch app token acquired", slog.String("tail", masked))
		}
	}

	// DB
	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Run database migrations using dual-system approach:
	// 1. Primary: versioned migrations (golang-migrate) from db/migrations/
	// 2. Fallback: embedded SQL (db.Migrate) for backward compatibility
	//
	// New deployments use versioned migrations with proper version tracking.
	// Old deployments without schema_migrations table fall back to embedded SQL.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to legacy embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Info("legacy embedded SQL migration completed successfully (consider migrating to versioned migrations)",
			slog.String("component", "db_migrate"))
	} else {
		slog.Info("versioned migrations completed successfully",
			slog.String("component", "db_migrate"))
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// One component set shared by the chat sources and the HTTP surface, so
	// signal ingestion and IRC ingestion land in the same detection windows.
	deps := server.NewDeps(database)

	upstreamClient := upstream.NewClient()
	channels := cfg.Channels
	if len(channels) > 0 {
		slog.Info("starting channel workers", slog.Int("channel_count", len(channels)), slog.Any("channels", channels))
		poller := livestatus.NewPoller(database, deps.Sessions, upstreamClient, channels)
		go poller.Start(ctx)
		go upstream.StartVODCorrelationJob(ctx, database, deps.Sessions, upstreamClient, channels)
	} else {
		slog.Info("no channels configured; running signal-only (live-status poller and VOD correlation disabled)")
	}

	// Chat sources. The IRC bot needs a username plus a token resolved at
	// runtime; the firehose only needs its endpoint.
	if err := cfg.ValidateChatReady(); err == nil {
		tokens := chat.NewTokenProvider(database)
		go func() {
			if err := tokens.Watch(ctx); err != nil {
				slog.Warn("chat: token file watcher stopped", slog.Any("err", err))
			}
		}()
		go chat.StartTwitchChatSource(ctx, deps.Ingestor, tokens, channels)
	} else {
		slog.Info("irc chat source disabled", slog.Any("reason", err))
	}
	if fh := os.Getenv("FIREHOSE_URL"); fh != "" {
		go chat.StartFirehoseSource(ctx, deps.Ingestor, fh)
	}

	// Retention and token upkeep.
	go session.StartRetentionJob(ctx, database)
	oauth.StartRefresher(ctx, database, chat.BotTokenProvider, 5*time.Minute, 15*time.Minute, func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		res, err := upstream.RefreshUserToken(rctx, cfg.TwitchClientID, cfg.TwitchClientSecret, refreshToken)
		if err != nil {
			return "", "", time.Time{}, "", err
		}
		return res.AccessToken, res.RefreshToken, upstream.ComputeExpiry(res.ExpiresIn), res.ScopeString(), nil
	})

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			// Use an http.Server with timeouts to satisfy G114 and avoid DoS risks
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (signals/sessions/admin/health/metrics)
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	go func() {
		if err := server.Start(ctx, database, addr, deps); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}
