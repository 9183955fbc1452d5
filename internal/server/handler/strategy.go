package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/tradegate/internal/domain"
	"github.com/alanyoungcy/tradegate/internal/strategy"
)

// StrategyEngine is the runtime control surface of the strategy engine.
type StrategyEngine interface {
	Info() []strategy.StrategyInfo
	Stop(name string) error
	RecentSignals(limit int) []domain.ProposedOrder
}

// StrategyHandler serves strategy runtime endpoints.
type StrategyHandler struct {
	engine StrategyEngine
	logger *slog.Logger
}

// NewStrategyHandler creates a StrategyHandler. engine may be nil in modes
// that run no strategies.
func NewStrategyHandler(engine StrategyEngine, logger *slog.Logger) *StrategyHandler {
	return &StrategyHandler{engine: engine, logger: logger}
}

// ListStrategies returns every registered strategy and its status.
// GET /api/strategies
func (h *StrategyHandler) ListStrategies(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		writeJSON(w, http.StatusOK, map[string]any{"strategies": []strategy.StrategyInfo{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategies": h.engine.Info()})
}

// StopStrategy stops one strategy; the rest keep running.
// POST /api/strategies/{name}/stop
func (h *StrategyHandler) StopStrategy(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		notAvailable(w, "strategy engine")
		return
	}
	name := r.PathValue("name")
	if err := h.engine.Stop(name); err != nil {
		if errors.Is(err, strategy.ErrUnknownStrategy) {
			writeError(w, http.StatusNotFound, "unknown strategy: "+name)
			return
		}
		h.logger.ErrorContext(r.Context(), "stop strategy failed",
			slog.String("strategy", name),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to stop strategy")
		return
	}
	h.logger.InfoContext(r.Context(), "strategy stopped via api", slog.String("strategy", name))
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "name": name})
}

// RecentSignals returns the newest proposals emitted by strategies.
// GET /api/signals?limit=20
func (h *StrategyHandler) RecentSignals(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		writeJSON(w, http.StatusOK, map[string]any{"signals": []domain.ProposedOrder{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"signals": h.engine.RecentSignals(parseLimit(r, 20))})
}
