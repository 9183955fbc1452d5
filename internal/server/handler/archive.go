package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

// ArchiveLister lists archived objects.
type ArchiveLister interface {
	List(ctx context.Context, prefix string) ([]domain.BlobInfo, error)
}

// ArchiveRunner runs one archive pass.
type ArchiveRunner interface {
	ArchiveOrders(ctx context.Context, before time.Time) (int64, error)
	Prefix() string
}

// ArchiveHandler serves order archive endpoints. Both dependencies are nil
// when no bucket is configured.
type ArchiveHandler struct {
	lister    ArchiveLister
	runner    ArchiveRunner
	retention time.Duration
	logger    *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler. A manual pass archives
// terminal orders older than retention.
func NewArchiveHandler(lister ArchiveLister, runner ArchiveRunner, retention time.Duration, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{lister: lister, runner: runner, retention: retention, logger: logger}
}

// ListArchives returns archived objects.
// GET /api/archives
func (h *ArchiveHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	if h.lister == nil || h.runner == nil {
		notAvailable(w, "order archive")
		return
	}
	objects, err := h.lister.List(r.Context(), h.runner.Prefix())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list archives failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "failed to list archives")
		return
	}
	if objects == nil {
		objects = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"archives": objects})
}

// RunArchive triggers one archive pass now.
// POST /api/archives
func (h *ArchiveHandler) RunArchive(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		notAvailable(w, "order archive")
		return
	}
	before := time.Now().Add(-h.retention)
	n, err := h.runner.ArchiveOrders(r.Context(), before)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "manual archive failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"archived": n,
		"before":   before.UTC().Format(time.RFC3339),
	})
}
