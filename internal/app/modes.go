package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/tradegate/internal/crypto"
	"github.com/alanyoungcy/tradegate/internal/domain"
	"github.com/alanyoungcy/tradegate/internal/executor"
	"github.com/alanyoungcy/tradegate/internal/feed"
	"github.com/alanyoungcy/tradegate/internal/gateway"
	"github.com/alanyoungcy/tradegate/internal/ledger"
	"github.com/alanyoungcy/tradegate/internal/metrics"
	"github.com/alanyoungcy/tradegate/internal/notify"
	"github.com/alanyoungcy/tradegate/internal/portfolio"
	"github.com/alanyoungcy/tradegate/internal/server"
	"github.com/alanyoungcy/tradegate/internal/server/handler"
	"github.com/alanyoungcy/tradegate/internal/server/ws"
	"github.com/alanyoungcy/tradegate/internal/service"
	"github.com/alanyoungcy/tradegate/internal/strategy"
)

const reconcileLockKey = "reconcile"

// runtime holds the components built for one mode. Optional parts stay nil
// in modes that do not run them.
type runtime struct {
	feed       *feed.Feed
	books      *feed.Books
	quotes     *service.QuoteService
	hub        *ws.Hub
	health     *gateway.HealthMonitor
	engine     *strategy.Engine
	exec       *executor.Executor
	reconciler *executor.Reconciler
}

// TradeMode runs the full pipeline: market data, strategies, risk gate,
// executor, reconciler, feedback, health monitor, archive and control API.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")

	if err := a.prepare(ctx, deps); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	rt := &runtime{books: feed.NewBooks()}
	rt.hub = ws.NewHub(ws.Config{AllowedOrigins: a.cfg.Server.CORSOrigins, Status: func() any { return a.status(deps, rt) }}, a.logger)

	// Strategy engine -> relay -> executor.
	reg, err := strategy.Build(a.strategyConfigs(), a.logger)
	if err != nil {
		return fmt.Errorf("app: strategies: %w", err)
	}
	raw := make(chan domain.ProposedOrder, a.cfg.Executor.ProposalBuffer)
	proposals := make(chan domain.ProposedOrder, a.cfg.Executor.ProposalBuffer)
	rt.engine = strategy.NewEngine(reg, deps.Portfolio, raw, a.cfg.Strategy.QueueSize, a.logger)
	g.Go(func() error { return rt.engine.Run(ctx) })
	g.Go(func() error { return relaySignals(ctx, raw, proposals, rt.hub) })

	execCfg := executor.DefaultConfig()
	execCfg.Workers = a.cfg.Executor.Workers
	execCfg.DedupTTL = a.cfg.Executor.DedupTTL.Duration
	rt.exec = executor.New(execCfg, proposals, deps.Ledger, deps.Gate, deps.Portfolio, deps.Broker, a.logger)
	g.Go(func() error { return rt.exec.Run(ctx) })

	rt.reconciler = a.newReconciler(deps)
	g.Go(func() error { return rt.reconciler.Run(ctx) })

	// Quotes feed marks, cache, strategies and the hub.
	rt.quotes = service.NewQuoteService(deps.Portfolio, deps.QuoteCache, 0, a.logger,
		rt.engine.Publish,
		rt.hub.PublishQuotes,
	)
	if err := a.startMarketData(ctx, g, deps, rt); err != nil {
		return err
	}

	// Order feedback in ledger order.
	feedback := executor.NewFeedback(deps.Ledger.Subscribe("feedback"), a.logger,
		deps.Portfolio.OnOrderEvent,
		rt.engine.Observe,
		deps.Events.OnOrderEvent,
		deps.Notifier.OnOrderEvent,
		rt.hub.OnOrderEvent,
	)
	g.Go(func() error { return feedback.Run(ctx) })

	a.startCommon(ctx, g, deps, rt)
	return g.Wait()
}

// MonitorMode tracks market data, the portfolio and broker health without
// submitting any orders.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	if err := a.prepare(ctx, deps); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	rt := &runtime{books: feed.NewBooks()}
	rt.hub = ws.NewHub(ws.Config{AllowedOrigins: a.cfg.Server.CORSOrigins, Status: func() any { return a.status(deps, rt) }}, a.logger)

	rt.quotes = service.NewQuoteService(deps.Portfolio, deps.QuoteCache, 0, a.logger, rt.hub.PublishQuotes)
	if err := a.startMarketData(ctx, g, deps, rt); err != nil {
		return err
	}

	feedback := executor.NewFeedback(deps.Ledger.Subscribe("feedback"), a.logger,
		deps.Portfolio.OnOrderEvent,
		rt.hub.OnOrderEvent,
	)
	g.Go(func() error { return feedback.Run(ctx) })

	a.startCommon(ctx, g, deps, rt)
	return g.Wait()
}

// ReconcileMode recovers open orders, reconciles them against the broker
// once and exits.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting reconcile mode")

	n, err := deps.Ledger.Recover(ctx)
	if err != nil {
		return fmt.Errorf("app: recover: %w", err)
	}
	if n == 0 {
		a.logger.InfoContext(ctx, "no open orders to reconcile")
		return nil
	}

	sub := deps.Ledger.Subscribe("reconcile")
	defer deps.Ledger.Unsubscribe(sub)

	res := a.newReconciler(deps).ReconcileOnce(ctx)

	// Record the transitions the pass produced before exiting.
	for sub.Len() > 0 {
		ev, err := sub.Next(ctx)
		if err != nil {
			break
		}
		deps.Events.Record(ctx, ev)
		sub.Ack()
	}
	if err := deps.Ledger.Flush(ctx); err != nil {
		a.logger.WarnContext(ctx, "ledger flush failed", slog.String("error", err.Error()))
	}

	a.logger.InfoContext(ctx, "reconcile finished",
		slog.Int("recovered", n),
		slog.Int("resubmitted", res.Resubmitted),
		slog.Int("polled", res.Polled),
		slog.Int("updated", res.Updated),
		slog.Int("errors", res.Errors),
		slog.Bool("skipped", res.Skipped),
		slog.Int("still_open", len(deps.Ledger.Open())),
	)
	if res.Errors > 0 {
		return fmt.Errorf("app: reconcile finished with %d errors", res.Errors)
	}
	return nil
}

// prepare reloads open orders and seeds the portfolio from the broker.
// Broker holdings already include fills of recovered orders, so those fills
// are marked applied.
func (a *App) prepare(ctx context.Context, deps *Dependencies) error {
	if _, err := deps.Ledger.Recover(ctx); err != nil {
		return fmt.Errorf("app: recover orders: %w", err)
	}
	markRecovered(deps.Ledger, deps.Portfolio)
	positions := service.NewPositionService(deps.Broker, deps.Portfolio, decimal.NewFromFloat(a.cfg.Risk.DefaultStopLoss), a.logger)
	if _, err := positions.Sync(ctx); err != nil {
		return fmt.Errorf("app: sync positions: %w", err)
	}
	return nil
}

// markRecovered keeps the tracker from re-applying fills the broker
// balances already reflect.
func markRecovered(l *ledger.Ledger, p *portfolio.Tracker) {
	for _, o := range l.Open() {
		p.MarkApplied(o.ID, len(o.Fills))
	}
}

// startMarketData runs the WebSocket feed when enabled and the REST poller
// otherwise.
func (a *App) startMarketData(ctx context.Context, g *errgroup.Group, deps *Dependencies, rt *runtime) error {
	if !a.cfg.Feed.Enabled {
		if a.cfg.Feed.PollInterval.Duration <= 0 {
			a.logger.WarnContext(ctx, "feed and polling both disabled; no quotes will arrive")
			return nil
		}
		g.Go(func() error {
			return rt.quotes.Poll(ctx, deps.Broker, a.cfg.Feed.Symbols, a.cfg.Feed.PollInterval.Duration)
		})
		return nil
	}

	header := http.Header{}
	header.Set(crypto.HeaderAPIKey, a.cfg.Broker.APIKey)
	fcfg := feed.DefaultConfig()
	fcfg.URL = a.cfg.Feed.URL
	fcfg.Symbols = a.cfg.Feed.Symbols
	fcfg.Header = header
	fcfg.PingInterval = a.cfg.Feed.PingInterval.Duration
	fcfg.PongTimeout = a.cfg.Feed.PongTimeout.Duration
	fcfg.HealthyAfter = a.cfg.Feed.HealthyAfter.Duration
	fcfg.QueueSize = a.cfg.Feed.QueueSize

	f, err := feed.New(fcfg, a.logger, feed.WithRecorder(deps.Metrics), feed.WithBooks(rt.books))
	if err != nil {
		return fmt.Errorf("app: market data feed: %w", err)
	}
	rt.feed = f
	g.Go(func() error { return f.Run(ctx) })
	g.Go(func() error { return rt.quotes.Consume(ctx, f.Quotes()) })
	g.Go(func() error { return publishBooks(ctx, f.Deltas(), rt.books, rt.hub) })
	return nil
}

// startCommon runs what every long-lived mode shares: health monitor,
// correlation sampling, ledger flushing, notifier, archive, metrics and the
// control API.
func (a *App) startCommon(ctx context.Context, g *errgroup.Group, deps *Dependencies, rt *runtime) {
	rt.health = gateway.NewHealthMonitor(gateway.HealthConfig{
		Interval:      a.cfg.Broker.HealthInterval.Duration,
		DegradedAfter: a.cfg.Broker.DegradedAfter,
		CriticalAfter: a.cfg.Broker.CriticalAfter,
	}, func(ctx context.Context) error {
		_, err := deps.Broker.Account(ctx)
		return err
	}, func(ctx context.Context, title, message string) {
		if err := deps.Notifier.Notify(ctx, notify.EventHealth, title, message); err != nil {
			a.logger.WarnContext(ctx, "health alert failed", slog.String("error", err.Error()))
		}
	}, a.logger)
	g.Go(func() error { return rt.health.Run(ctx) })

	g.Go(func() error { return deps.Portfolio.Run(ctx, a.cfg.Risk.CorrelationInterval.Duration) })
	g.Go(func() error {
		return every(ctx, a.cfg.Executor.FlushInterval.Duration, func(ctx context.Context) {
			if err := deps.Ledger.Flush(ctx); err != nil {
				a.logger.WarnContext(ctx, "ledger flush failed", slog.String("error", err.Error()))
			}
		})
	})
	g.Go(func() error { return deps.Notifier.Run(ctx) })
	g.Go(func() error { return rt.hub.Run(ctx) })

	if deps.Archiver != nil {
		g.Go(func() error {
			return deps.Archiver.Run(ctx, a.cfg.S3.ArchiveInterval.Duration, a.cfg.S3.Retention.Duration)
		})
	}

	if err := deps.Metrics.RegisterSources(a.metricSources(deps, rt)); err != nil {
		a.logger.WarnContext(ctx, "metrics sources not registered", slog.String("error", err.Error()))
	}

	if a.cfg.Server.Enabled {
		srv := a.buildServer(deps, rt)
		g.Go(func() error {
			a.logger.InfoContext(ctx, "control api listening", slog.String("addr", srv.Addr()))
			return srv.Run(ctx)
		})
	}
}

func (a *App) newReconciler(deps *Dependencies) *executor.Reconciler {
	r := executor.NewReconciler(deps.Ledger, deps.Broker,
		a.cfg.Executor.ReconcileInterval.Duration,
		a.cfg.Executor.ReconcileMinAge.Duration,
		a.logger,
	)
	if deps.LockManager != nil {
		r.WithLock(deps.LockManager, reconcileLockKey, a.cfg.Redis.LockTTL.Duration)
	}
	return r
}

// strategyConfigs builds one config per active strategy.
func (a *App) strategyConfigs() []strategy.Config {
	sc := a.cfg.Strategy
	out := make([]strategy.Config, 0, len(sc.Active))
	for _, name := range sc.Active {
		out = append(out, strategy.Config{
			Name:     name,
			Symbols:  sc.Symbols,
			Quantity: decimal.NewFromFloat(sc.Quantity),
			StopLoss: decimal.NewFromFloat(sc.StopLoss),
			Params:   sc.Params[name],
		})
	}
	return out
}

func (a *App) buildServer(deps *Dependencies, rt *runtime) *server.Server {
	// Interface values stay nil when the component is absent so handlers
	// can answer 503.
	var ctrl handler.OrderController
	if rt.exec != nil {
		ctrl = rt.exec
	}
	var engine handler.StrategyEngine
	if rt.engine != nil {
		engine = rt.engine
	}
	var (
		lister handler.ArchiveLister
		runner handler.ArchiveRunner
	)
	if deps.Archiver != nil {
		lister, runner = deps.Archives, deps.Archiver
	}

	return server.NewServer(server.Config{
		Host:           a.cfg.Server.Host,
		Port:           a.cfg.Server.Port,
		CORSOrigins:    a.cfg.Server.CORSOrigins,
		APIKey:         a.cfg.Server.APIKey,
		RateLimitRPS:   a.cfg.Server.RateLimitRPS,
		RateLimitBurst: a.cfg.Server.RateLimitBurst,
	}, server.Handlers{
		Health: handler.NewHealthHandler(rt.health, deps.Checks, a.logger),
		Status: handler.NewStatusHandler(handler.StatusSource{
			Mode:      a.cfg.Mode,
			StartedAt: a.startedAt,
			Sections:  a.statusSections(deps, rt),
		}),
		Orders:     handler.NewOrderHandler(deps.Ledger, ctrl, deps.EventStore, a.logger),
		Portfolio:  handler.NewPortfolioHandler(deps.Portfolio),
		Strategies: handler.NewStrategyHandler(engine, a.logger),
		Archives:   handler.NewArchiveHandler(lister, runner, a.cfg.S3.Retention.Duration, a.logger),
		Metrics:    deps.Metrics.Handler(),
		Hub:        rt.hub,
		Observe:    deps.Metrics.ObserveHTTP,
	}, a.logger)
}

// statusSections are evaluated on every status request.
func (a *App) statusSections(deps *Dependencies, rt *runtime) map[string]func() any {
	s := map[string]func() any{
		"ledger":      func() any { return deps.Ledger.Counts() },
		"rate_limits": func() any { return deps.Limiter.Snapshots() },
		"breakers":    func() any { return deps.Breakers.States() },
		"pool": func() any {
			return map[string]any{"in_use": deps.Gateway.Pool().InUse(), "capacity": deps.Gateway.Pool().Capacity()}
		},
		"quotes": func() any { return rt.quotes.Stats() },
		"events": func() any { return deps.Events.Stats() },
		"ws":     func() any { return map[string]any{"clients": rt.hub.Clients(), "dropped": rt.hub.Dropped()} },
	}
	if rt.health != nil {
		s["broker"] = func() any { return rt.health.Report() }
	}
	if rt.feed != nil {
		s["feed"] = func() any { return rt.feed.Stats() }
	}
	if rt.exec != nil {
		s["executor"] = func() any { return rt.exec.Stats() }
	}
	return s
}

// status is the snapshot pushed to WebSocket clients on connect.
func (a *App) status(deps *Dependencies, rt *runtime) any {
	out := map[string]any{"mode": a.cfg.Mode, "started_at": a.startedAt.UTC()}
	for name, fn := range a.statusSections(deps, rt) {
		out[name] = fn()
	}
	return out
}

func (a *App) metricSources(deps *Dependencies, rt *runtime) metrics.Sources {
	src := metrics.Sources{
		Orders:    deps.Ledger.Counts,
		Buckets:   deps.Limiter.Snapshots,
		Breakers:  deps.Breakers.States,
		PoolInUse: deps.Gateway.Pool().InUse,
		Portfolio: deps.Portfolio.Snapshot,
	}
	if rt.exec != nil {
		src.Proposals = func() map[string]int64 {
			st := rt.exec.Stats()
			return map[string]int64{
				"proposed":  st.Proposals,
				"duplicate": st.Duplicates,
				"rejected":  st.Rejected,
				"submitted": st.Submitted,
				"failed":    st.Failed,
				"pending":   st.Pending,
			}
		}
	}
	return src
}

// relaySignals forwards strategy proposals to the executor and mirrors them
// on the hub. Backpressure from the executor reaches the strategies.
func relaySignals(ctx context.Context, in <-chan domain.ProposedOrder, out chan<- domain.ProposedOrder, hub *ws.Hub) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p, ok := <-in:
			if !ok {
				return nil
			}
			hub.PublishSignals([]domain.ProposedOrder{p})
			select {
			case out <- p:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// publishBooks pushes the top of book after every accepted delta. The feed
// has already applied the delta to books.
func publishBooks(ctx context.Context, deltas <-chan domain.OrderBookDelta, books *feed.Books, hub *ws.Hub) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deltas:
			if !ok {
				return nil
			}
			if top, ok := books.Top(d.Symbol); ok {
				hub.PublishBookTop(top)
			}
		}
	}
}

// every runs fn on each tick until ctx is cancelled. A non-positive
// interval disables the loop.
func every(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) error {
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn(ctx)
		}
	}
}

