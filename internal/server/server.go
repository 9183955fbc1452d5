// Package server is the control API: health, status, orders, portfolio,
// strategies, archives, Prometheus metrics and the /ws event push.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/tradegate/internal/server/handler"
	"github.com/alanyoungcy/tradegate/internal/server/middleware"
	"github.com/alanyoungcy/tradegate/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host        string
	Port        int
	CORSOrigins []string
	APIKey      string // empty disables authentication
	// RateLimitRPS is the per-client request rate; zero disables it.
	RateLimitRPS   float64
	RateLimitBurst int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// Handlers aggregates the HTTP handlers. Metrics and Hub may be nil.
type Handlers struct {
	Health     *handler.HealthHandler
	Status     *handler.StatusHandler
	Orders     *handler.OrderHandler
	Portfolio  *handler.PortfolioHandler
	Strategies *handler.StrategyHandler
	Archives   *handler.ArchiveHandler
	Metrics    http.Handler
	Hub        *ws.Hub
	// Observe receives one record per request, typically metrics.ObserveHTTP.
	Observe middleware.Observer
}

// Server is the headless HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// publicPaths skip authentication.
var publicPaths = []string{"/api/health", "/metrics"}

// NewServer registers every route and wraps the mux in rate limiting,
// auth, logging and CORS, outermost last.
func NewServer(cfg Config, h Handlers, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", h.Status.GetStatus)

	mux.HandleFunc("GET /api/orders", h.Orders.ListOrders)
	mux.HandleFunc("POST /api/orders", h.Orders.PlaceOrder)
	mux.HandleFunc("GET /api/orders/{id}", h.Orders.GetOrder)
	mux.HandleFunc("DELETE /api/orders/{id}", h.Orders.CancelOrder)
	mux.HandleFunc("GET /api/orders/{id}/events", h.Orders.OrderEvents)

	mux.HandleFunc("GET /api/portfolio", h.Portfolio.GetPortfolio)
	mux.HandleFunc("GET /api/positions", h.Portfolio.ListPositions)

	mux.HandleFunc("GET /api/strategies", h.Strategies.ListStrategies)
	mux.HandleFunc("POST /api/strategies/{name}/stop", h.Strategies.StopStrategy)
	mux.HandleFunc("GET /api/signals", h.Strategies.RecentSignals)

	mux.HandleFunc("GET /api/archives", h.Archives.ListArchives)
	mux.HandleFunc("POST /api/archives", h.Archives.RunArchive)

	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}
	if h.Hub != nil {
		mux.HandleFunc("GET /ws", h.Hub.HandleWS)
	}

	var root http.Handler = mux
	root = middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst)(root)
	root = middleware.Auth(cfg.APIKey, publicPaths...)(root)
	root = middleware.Logging(logger, h.Observe, publicPaths...)(root)
	root = middleware.CORS(cfg.CORSOrigins)(root)

	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	return &Server{
		httpServer: &http.Server{
			Addr:              net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
			Handler:           root,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       readTimeout,
			WriteTimeout:      writeTimeout,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the root handler including middleware.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// Run serves until ctx is cancelled, then shuts down with a 10s grace
// period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}
