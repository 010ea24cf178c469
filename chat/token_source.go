package chat

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/onnwee/stream-sentry/db"
)

// BotTokenProvider is the provider key for the stored chat bot token.
const BotTokenProvider = "twitch-bot"

// TokenProvider resolves the IRC token for the chat bot. Resolution order:
// a token file (TWITCH_TOKEN_FILE, hot reloaded on change), the stored
// oauth_tokens row, then TWITCH_OAUTH_TOKEN. The returned token always
// carries the "oauth:" prefix the IRC client expects.
type TokenProvider struct {
	DB       *sql.DB
	FilePath string

	mu     sync.RWMutex
	cached string
}

// NewTokenProvider builds a provider over the shared store, picking up
// TWITCH_TOKEN_FILE when set.
func NewTokenProvider(dbx *sql.DB) *TokenProvider {
	p := &TokenProvider{DB: dbx, FilePath: os.Getenv("TWITCH_TOKEN_FILE")}
	if p.FilePath != "" {
		if err := p.reloadFile(); err != nil {
			slog.Warn("chat: token file unreadable", slog.String("path", p.FilePath), slog.Any("err", err))
		}
	}
	return p
}

// Token returns the current bot token, or empty when none is configured.
func (p *TokenProvider) Token(ctx context.Context) (string, error) {
	p.mu.RLock()
	tok := p.cached
	p.mu.RUnlock()
	if tok != "" {
		return ircToken(tok), nil
	}
	if p.DB != nil {
		access, _, _, _, err := db.GetOAuthToken(ctx, p.DB, BotTokenProvider)
		if err != nil {
			return "", fmt.Errorf("stored bot token: %w", err)
		}
		if access != "" {
			return ircToken(access), nil
		}
	}
	if v := os.Getenv("TWITCH_OAUTH_TOKEN"); v != "" {
		return ircToken(v), nil
	}
	return "", nil
}

func ircToken(tok string) string {
	tok = strings.TrimSpace(tok)
	if tok == "" || strings.HasPrefix(tok, "oauth:") {
		return tok
	}
	return "oauth:" + tok
}

func (p *TokenProvider) reloadFile() error {
	data, err := os.ReadFile(p.FilePath)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.cached = strings.TrimSpace(string(data))
	p.mu.Unlock()
	return nil
}

// Watch follows the token file and reloads it on change, debounced so editor
// write patterns (truncate, write, rename) trigger one reload. No-op when no
// file is configured.
func (p *TokenProvider) Watch(ctx context.Context) error {
	if p.FilePath == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(p.FilePath); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", p.FilePath, err)
	}

	go func() {
		defer w.Close()
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := w.Add(ev.Name); err != nil {
						slog.Error("chat: token watch re-add", slog.String("path", ev.Name), slog.Any("err", err))
					}
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if !debounce.Stop() {
						select {
						case <-debounce.C:
						default:
						}
					}
					debounce.Reset(250 * time.Millisecond)
				}
			case <-debounce.C:
				if err := p.reloadFile(); err != nil {
					slog.Error("chat: token reload failed", slog.Any("err", err))
					continue
				}
				slog.Info("chat: bot token reloaded", slog.String("path", p.FilePath))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Error("chat: token watch error", slog.Any("err", err))
			}
		}
	}()
	return nil
}
