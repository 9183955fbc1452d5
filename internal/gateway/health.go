package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// HealthStatus summarises broker connectivity.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthCritical  HealthStatus = "critical"
)

// HealthConfig configures a HealthMonitor.
type HealthConfig struct {
	Interval time.Duration
	// Consecutive failures before the status becomes unhealthy / critical.
	DegradedAfter int
	CriticalAfter int
	// History is the number of recent checks kept for success rate and
	// latency.
	History int
}

// HealthReport is a point-in-time view of the monitor.
type HealthReport struct {
	Status              HealthStatus  `json:"status"`
	SuccessRate         float64       `json:"success_rate"`
	AvgLatency          time.Duration `json:"avg_latency_ns"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	TotalChecks         int64         `json:"total_checks"`
	LastError           string        `json:"last_error,omitempty"`
	LastCheck           time.Time     `json:"last_check,omitzero"`
}

type healthSample struct {
	ok      bool
	latency time.Duration
}

// HealthMonitor periodically runs a lightweight probe against the broker and
// tracks its success rate and latency. Alert is invoked whenever the status
// changes.
type HealthMonitor struct {
	cfg    HealthConfig
	probe  func(ctx context.Context) error
	alert  func(ctx context.Context, title, message string)
	logger *slog.Logger

	mu          sync.Mutex
	samples     []healthSample
	next        int
	status      HealthStatus
	consecutive int
	total       int64
	lastErr     string
	lastCheck   time.Time
}

// NewHealthMonitor creates a monitor around probe. alert may be nil.
func NewHealthMonitor(cfg HealthConfig, probe func(ctx context.Context) error, alert func(ctx context.Context, title, message string), logger *slog.Logger) *HealthMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.DegradedAfter <= 0 {
		cfg.DegradedAfter = 3
	}
	if cfg.CriticalAfter < cfg.DegradedAfter {
		cfg.CriticalAfter = cfg.DegradedAfter + 2
	}
	if cfg.History <= 0 {
		cfg.History = 20
	}
	return &HealthMonitor{
		cfg:     cfg,
		probe:   probe,
		alert:   alert,
		logger:  logger.With(slog.String("component", "health_monitor")),
		samples: make([]healthSample, 0, cfg.History),
		status:  HealthHealthy,
	}
}

// Run checks immediately and then every Interval until ctx is done.
func (m *HealthMonitor) Run(ctx context.Context) error {
	m.logger.InfoContext(ctx, "health monitor started", slog.Duration("interval", m.cfg.Interval))
	m.Check(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopped")
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs the probe once and returns the updated report.
func (m *HealthMonitor) Check(ctx context.Context) HealthReport {
	start := time.Now()
	err := m.probe(ctx)
	latency := time.Since(start)
	if err != nil && ctx.Err() != nil {
		return m.Report()
	}

	m.mu.Lock()
	m.record(healthSample{ok: err == nil, latency: latency})
	m.total++
	m.lastCheck = start
	if err != nil {
		m.consecutive++
		m.lastErr = err.Error()
	} else {
		m.consecutive = 0
	}
	prev := m.status
	m.status = m.statusLocked()
	report := m.reportLocked()
	m.mu.Unlock()

	if err != nil {
		m.logger.WarnContext(ctx, "health check failed",
			slog.String("error", err.Error()),
			slog.Int("consecutive_failures", report.ConsecutiveFailures),
		)
	} else {
		m.logger.DebugContext(ctx, "health check ok", slog.Duration("latency", latency))
	}

	if report.Status != prev && m.alert != nil {
		title := fmt.Sprintf("Broker connectivity %s", report.Status)
		msg := fmt.Sprintf("status %s -> %s, success rate %.0f%%, consecutive failures %d",
			prev, report.Status, report.SuccessRate*100, report.ConsecutiveFailures)
		if report.LastError != "" && err != nil {
			msg += ", last error: " + report.LastError
		}
		m.alert(ctx, title, msg)
	}
	return report
}

// Report returns the current state.
func (m *HealthMonitor) Report() HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reportLocked()
}

func (m *HealthMonitor) record(s healthSample) {
	if len(m.samples) < m.cfg.History {
		m.samples = append(m.samples, s)
		return
	}
	m.samples[m.next] = s
	m.next = (m.next + 1) % m.cfg.History
}

func (m *HealthMonitor) statusLocked() HealthStatus {
	switch {
	case m.consecutive >= m.cfg.CriticalAfter:
		return HealthCritical
	case m.consecutive >= m.cfg.DegradedAfter:
		return HealthUnhealthy
	case m.consecutive > 0:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

func (m *HealthMonitor) reportLocked() HealthReport {
	r := HealthReport{
		Status:              m.status,
		ConsecutiveFailures: m.consecutive,
		TotalChecks:         m.total,
		LastError:           m.lastErr,
		LastCheck:           m.lastCheck,
	}
	if len(m.samples) == 0 {
		r.SuccessRate = 1
		return r
	}
	var ok int
	var latency time.Duration
	for _, s := range m.samples {
		if s.ok {
			ok++
		}
		latency += s.latency
	}
	r.SuccessRate = float64(ok) / float64(len(m.samples))
	r.AvgLatency = latency / time.Duration(len(m.samples))
	return r
}
