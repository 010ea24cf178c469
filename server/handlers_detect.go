package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/onnwee/stream-sentry/detect"
)

// HandleDetectStatus exposes the in-memory detection state for a broadcaster:
// current raid assessment over the live window plus the moderation risk mode.
// Purely introspective; it never mutates the window.
func (h *Handlers) HandleDetectStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	broadcaster := r.URL.Query().Get("broadcaster_id")
	if broadcaster == "" {
		http.Error(w, "broadcaster_id required", http.StatusBadRequest)
		return
	}

	win := h.windows.Get(broadcaster)
	raid := detect.AssessRaidState(win, time.Now())
	mode := detect.RiskLow
	if h.tracker != nil {
		mode = h.tracker.Mode(broadcaster)
	}

	resp := map[string]any{
		"broadcaster_id":       broadcaster,
		"window_messages":      win.Len(),
		"raid_window_messages": raid.MessageCount,
		"raid_state":           raid.State,
		"raid_confidence":      raid.Confidence,
		"new_user_ratio":       raid.NewUserRatio,
		"sender_diversity":     raid.Diversity,
		"risk_mode":            mode,
	}
	if len(raid.Evidence) > 0 {
		resp["evidence"] = raid.Evidence
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
