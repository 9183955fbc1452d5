package handler

import (
	"net/http"
	"sort"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

// PortfolioSource provides the current portfolio snapshot.
type PortfolioSource interface {
	Snapshot() domain.PortfolioSnapshot
}

// PortfolioHandler serves portfolio endpoints.
type PortfolioHandler struct {
	portfolio PortfolioSource
}

// NewPortfolioHandler creates a PortfolioHandler.
func NewPortfolioHandler(p PortfolioSource) *PortfolioHandler {
	return &PortfolioHandler{portfolio: p}
}

type correlationEntry struct {
	A           string  `json:"a"`
	B           string  `json:"b"`
	Correlation float64 `json:"correlation"`
}

type portfolioResponse struct {
	domain.PortfolioSnapshot
	Correlations []correlationEntry `json:"correlations"`
}

// GetPortfolio returns equity, peak equity, positions, marks and pairwise
// correlations.
// GET /api/portfolio
func (h *PortfolioHandler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	snap := h.portfolio.Snapshot()
	resp := portfolioResponse{PortfolioSnapshot: snap, Correlations: []correlationEntry{}}
	for pair, c := range snap.Correlations {
		resp.Correlations = append(resp.Correlations, correlationEntry{A: pair.A, B: pair.B, Correlation: c})
	}
	sort.Slice(resp.Correlations, func(i, j int) bool {
		if resp.Correlations[i].A != resp.Correlations[j].A {
			return resp.Correlations[i].A < resp.Correlations[j].A
		}
		return resp.Correlations[i].B < resp.Correlations[j].B
	})
	writeJSON(w, http.StatusOK, resp)
}

// ListPositions returns open positions sorted by symbol.
// GET /api/positions
func (h *PortfolioHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	snap := h.portfolio.Snapshot()
	out := make([]domain.Position, 0, len(snap.Positions))
	for _, p := range snap.Positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	writeJSON(w, http.StatusOK, map[string]any{"positions": out})
}
