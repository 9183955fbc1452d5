// Package handler implements the control API endpoints.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

// writeJSON marshals v and writes it with status. A marshal failure becomes
// a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError sends {"error": msg}.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps err to a status by its sentinel.
func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, errorStatus(err), err.Error())
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrDuplicateOrder):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRiskRejected), errors.Is(err, domain.ErrBrokerRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrCircuitOpen), errors.Is(err, domain.ErrRateLimitExceeded),
		errors.Is(err, domain.ErrPoolExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrTransientServer), errors.Is(err, domain.ErrAuthentication),
		errors.Is(err, domain.ErrDataFormat):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// parseLimit reads ?limit=, defaulting to def and capped at 500.
func parseLimit(r *http.Request, def int) int {
	limit := def
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	return min(limit, 500)
}

func notAvailable(w http.ResponseWriter, what string) {
	writeError(w, http.StatusNotImplemented, what+" not available in this mode")
}
