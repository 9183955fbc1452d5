package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/alanyoungcy/tradegate/internal/gateway"
)

// BrokerHealth reports the broker connectivity monitor.
type BrokerHealth interface {
	Report() gateway.HealthReport
}

// HealthHandler serves liveness and dependency health.
type HealthHandler struct {
	broker BrokerHealth
	checks map[string]func(ctx context.Context) error
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler. broker may be nil; checks are
// named dependency probes such as postgres or redis.
func NewHealthHandler(broker BrokerHealth, checks map[string]func(ctx context.Context) error, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{broker: broker, checks: checks, logger: logger}
}

type healthResponse struct {
	Status       string                `json:"status"`
	Timestamp    string                `json:"timestamp"`
	Broker       *gateway.HealthReport `json:"broker,omitempty"`
	Dependencies map[string]string     `json:"dependencies,omitempty"`
}

// HealthCheck reports 200 unless a dependency probe fails or the broker is
// critical, in which case it reports 503.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Timestamp: time.Now().UTC().Format(time.RFC3339)}
	status := http.StatusOK

	if h.broker != nil {
		rep := h.broker.Report()
		resp.Broker = &rep
		if rep.Status == gateway.HealthCritical {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}

	if len(h.checks) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		names := make([]string, 0, len(h.checks))
		for name := range h.checks {
			names = append(names, name)
		}
		sort.Strings(names)
		resp.Dependencies = make(map[string]string, len(names))
		for _, name := range names {
			if err := h.checks[name](ctx); err != nil {
				h.logger.WarnContext(r.Context(), "dependency unhealthy",
					slog.String("dependency", name),
					slog.String("error", err.Error()),
				)
				resp.Dependencies[name] = err.Error()
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Dependencies[name] = "ok"
		}
	}
	writeJSON(w, status, resp)
}
