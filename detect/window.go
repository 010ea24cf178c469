// Package detect classifies bursts of incoming chat messages to separate
// organic hype from coordinated spam and raids. Everything here is pure
// in-memory computation over a sliding window of recent messages; no I/O.
//
// Window state is per broadcaster and process-local. When multiple worker
// instances run, each sees only its own traffic, so detection quality
// degrades gracefully with scale-out instead of requiring a shared
// low-latency store. Crash recovery is cold: the window rebuilds from live
// traffic.
package detect

import (
	"sync"
	"time"
)

const (
	// windowHorizon is the longest sub-window any assessment looks at.
	windowHorizon = 10 * time.Second
	// windowCap bounds per-broadcaster memory during extreme floods.
	windowCap = 512
)

// Message is one observed chat message in the sliding window.
type Message struct {
	At         time.Time
	SenderID   string
	Normalized string
	Tokens     []string
	Hash       uint64
	NewUser    bool
}

// NewMessage derives the window entry for a raw chat message.
func NewMessage(at time.Time, senderID, content string, newUser bool) Message {
	norm := NormalizeForComparison(content)
	return Message{
		At:         at,
		SenderID:   senderID,
		Normalized: norm,
		Tokens:     Tokens(norm),
		Hash:       ContentHash(content),
		NewUser:    newUser,
	}
}

// Window is the sliding message window for one broadcaster. Safe for
// concurrent use.
type Window struct {
	mu      sync.Mutex
	entries []Message
}

// NewWindow returns an empty window.
func NewWindow() *Window { return &Window{} }

// Observe appends m and prunes entries older than the window horizon.
func (w *Window) Observe(m Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, m)
	w.pruneLocked(m.At)
	if len(w.entries) > windowCap {
		w.entries = w.entries[len(w.entries)-windowCap:]
	}
}

// Snapshot returns a copy of the entries newer than now-age, oldest first.
func (w *Window) Snapshot(now time.Time, age time.Duration) []Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)
	cutoff := now.Add(-age)
	out := make([]Message, 0, len(w.entries))
	for _, m := range w.entries {
		if m.At.After(cutoff) {
			out = append(out, m)
		}
	}
	return out
}

// Len reports the current entry count.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

func (w *Window) pruneLocked(now time.Time) {
	cutoff := now.Add(-windowHorizon)
	i := 0
	for i < len(w.entries) && !w.entries[i].At.After(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
}

// Registry hands out one Window per broadcaster.
type Registry struct {
	mu      sync.RWMutex
	windows map[string]*Window
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{windows: make(map[string]*Window)}
}

// Get returns the broadcaster's window, creating it on first use.
func (r *Registry) Get(broadcasterID string) *Window {
	r.mu.RLock()
	w, ok := r.windows[broadcasterID]
	r.mu.RUnlock()
	if ok {
		return w
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.windows[broadcasterID]; ok {
		return w
	}
	w = NewWindow()
	r.windows[broadcasterID] = w
	return w
}
