package server

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/onnwee/stream-sentry/chat"
	"github.com/onnwee/stream-sentry/detect"
	"github.com/onnwee/stream-sentry/moderation"
	"github.com/onnwee/stream-sentry/session"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
)

// Deps are the shared domain components the HTTP surface exposes. The same
// ingestor, window registry, and tracker feed both the chat sources and the
// signal endpoints, so detection state is consistent across entry points.
type Deps struct {
	Sessions *session.Manager
	Ingestor *chat.Ingestor
	Windows  *detect.Registry
	Tracker  *moderation.Tracker
}

// NewDeps wires a default component set over the store. Callers that run
// their own chat sources should build the set once and hand the same value
// to both.
func NewDeps(dbx *sql.DB) Deps {
	mgr := session.NewManager(dbx)
	tracker := moderation.NewTracker(moderation.LogSink{})
	batcher := chat.NewEligibilityBatcher(chat.NewStorePointsSink(dbx), chat.DefaultBatcherOptions())
	ing := chat.NewIngestor(dbx, mgr, tracker, batcher)
	return Deps{Sessions: mgr, Ingestor: ing, Windows: ing.Windows, Tracker: tracker}
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db         *sql.DB
	ctx        context.Context
	sessions   *session.Manager
	ingestor   *chat.Ingestor
	windows    *detect.Registry
	tracker    *moderation.Tracker
	stateStore map[string]time.Time
	stateMu    sync.RWMutex
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, dbx *sql.DB, deps Deps) *Handlers {
	return &Handlers{
		db:         dbx,
		ctx:        ctx,
		sessions:   deps.Sessions,
		ingestor:   deps.Ingestor,
		windows:    deps.Windows,
		tracker:    deps.Tracker,
		stateStore: make(map[string]time.Time),
	}
}

// cleanExpiredStates removes expired OAuth states from the store.
// This should be called with stateMu locked.
func (h *Handlers) cleanExpiredStates() {
	now := time.Now()
	for state, expiry := range h.stateStore {
		if now.After(expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState adds a new OAuth state to the store with cleanup if needed.
func (h *Handlers) addOAuthState(state string, expiry time.Time) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	// Clean expired states periodically to prevent unbounded growth
	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}

	// If we're still over the limit after cleanup, refuse to add more
	if len(h.stateStore) >= maxOAuthStates {
		// Don't add the state - this will cause the OAuth flow to fail
		// which is better than a memory exhaustion attack
		return
	}

	h.stateStore[state] = expiry
}
