package handler

import (
	"net/http"
	"time"
)

// StatusSource assembles the status document. Each field is optional.
type StatusSource struct {
	Mode      string
	StartedAt time.Time
	Sections  map[string]func() any
}

// StatusHandler serves the runtime status snapshot.
type StatusHandler struct {
	src StatusSource
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(src StatusSource) *StatusHandler {
	return &StatusHandler{src: src}
}

// GetStatus responds with mode, uptime and every registered section
// (feed, executor, ledger, breakers, rate limits, reconciler).
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"mode":           h.src.Mode,
		"started_at":     h.src.StartedAt.UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(h.src.StartedAt).Seconds()),
	}
	for name, fn := range h.src.Sections {
		resp[name] = fn()
	}
	writeJSON(w, http.StatusOK, resp)
}
