package strategy

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/tradegate/internal/domain"
	"github.com/alanyoungcy/tradegate/internal/queue"
)

const defaultQueueSize = 32

// PortfolioSource provides the snapshot handed to each GenerateSignals call.
type PortfolioSource interface {
	Snapshot() domain.PortfolioSnapshot
}

// Engine runs one goroutine per registered strategy. Quote batches fan out
// to each strategy's bounded queue, dropping the oldest batch when a
// strategy falls behind, and every proposal is forwarded to the shared
// output channel consumed by the executor.
type Engine struct {
	registry  *Registry
	portfolio PortfolioSource
	out       chan<- domain.ProposedOrder
	logger    *slog.Logger

	mu      sync.Mutex
	queues  map[string]chan []domain.Quote
	cancels map[string]context.CancelFunc
	info    map[string]*StrategyInfo

	recentSignals []domain.ProposedOrder
	recentLimit   int
}

// NewEngine creates an Engine for every strategy in registry. queueSize is
// the number of quote batches buffered per strategy.
func NewEngine(registry *Registry, portfolio PortfolioSource, out chan<- domain.ProposedOrder, queueSize int, logger *slog.Logger) *Engine {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	e := &Engine{
		registry:    registry,
		portfolio:   portfolio,
		out:         out,
		logger:      logger.With(slog.String("component", "strategy_engine")),
		queues:      make(map[string]chan []domain.Quote),
		cancels:     make(map[string]context.CancelFunc),
		info:        make(map[string]*StrategyInfo),
		recentLimit: 500,
	}
	for _, name := range registry.List() {
		e.queues[name] = make(chan []domain.Quote, queueSize)
		e.info[name] = &StrategyInfo{Name: name, Status: "pending"}
	}
	return e
}

// Publish fans a batch of quotes out to every running strategy. It never
// blocks.
func (e *Engine) Publish(quotes []domain.Quote) {
	if len(quotes) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for name, ch := range e.queues {
		if e.info[name].Status == "stopped" {
			continue
		}
		if n := queue.Offer(ch, quotes); n > 0 {
			e.info[name].Dropped += int64(n)
			e.logger.Debug("strategy queue full, dropped oldest batch", slog.String("strategy", name))
		}
	}
}

// Run starts one goroutine per strategy and blocks until ctx is cancelled.
// A strategy stopped with Stop exits without stopping the others.
func (e *Engine) Run(ctx context.Context) error {
	names := e.registry.List()
	if len(names) == 0 {
		e.logger.InfoContext(ctx, "no strategies configured, blocking until context done")
		<-ctx.Done()
		return ctx.Err()
	}

	e.logger.InfoContext(ctx, "strategy engine started", slog.Any("strategies", names))
	defer e.logger.Info("strategy engine stopped")

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		s, err := e.registry.Get(name)
		if err != nil {
			return err
		}
		sctx, cancel := context.WithCancel(gctx)
		e.mu.Lock()
		if e.info[name].Status == "stopped" {
			e.mu.Unlock()
			cancel()
			continue
		}
		e.cancels[name] = cancel
		e.info[name].Status = "running"
		ch := e.queues[name]
		e.mu.Unlock()

		g.Go(func() error {
			defer cancel()
			e.runStrategy(sctx, s, ch)
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

// Stop cancels one strategy. Orders it already proposed are unaffected.
func (e *Engine) Stop(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	info, ok := e.info[name]
	if !ok {
		return fmt.Errorf("stop strategy %q: %w", name, ErrUnknownStrategy)
	}
	info.Status = "stopped"
	if cancel, ok := e.cancels[name]; ok {
		cancel()
	}
	e.logger.Info("strategy stopped", slog.String("strategy", name))
	return nil
}

// Observe forwards an order event to the strategy that proposed the order,
// when it implements OrderObserver.
func (e *Engine) Observe(ev domain.OrderEvent) {
	s, err := e.registry.Get(ev.Order.StrategyTag)
	if err != nil {
		return
	}
	if obs, ok := s.(OrderObserver); ok {
		obs.OnOrderEvent(ev)
	}
}

// Info returns runtime info for every strategy, sorted by name.
func (e *Engine) Info() []StrategyInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]StrategyInfo, 0, len(e.info))
	for _, info := range e.info {
		cp := *info
		if info.LastSignal != nil {
			t := *info.LastSignal
			cp.LastSignal = &t
		}
		out = append(out, cp)
	}
	slices.SortFunc(out, func(a, b StrategyInfo) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// RecentSignals returns up to limit most recent proposals, newest first.
func (e *Engine) RecentSignals(limit int) []domain.ProposedOrder {
	if limit <= 0 {
		limit = 20
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.recentSignals)
	limit = min(limit, n)
	out := make([]domain.ProposedOrder, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, e.recentSignals[i])
	}
	return out
}

// runStrategy consumes quote batches until ctx is cancelled.
func (e *Engine) runStrategy(ctx context.Context, s Strategy, ch <-chan []domain.Quote) {
	name := s.Name()
	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-ch:
			proposals := s.GenerateSignals(batch, e.portfolio.Snapshot())
			e.emit(ctx, name, proposals)
		}
	}
}

// emit sends each proposal to the output channel. It respects context
// cancellation.
func (e *Engine) emit(ctx context.Context, name string, proposals []domain.ProposedOrder) {
	for i := range proposals {
		p := proposals[i]
		if p.StrategyTag == "" {
			p.StrategyTag = name
		}
		select {
		case <-ctx.Done():
			e.logger.Warn("context cancelled while emitting signals",
				slog.String("strategy", name),
				slog.Int("remaining", len(proposals)-i),
			)
			return
		case e.out <- p:
			e.rememberSignal(name, p)
			e.logger.Debug("signal emitted",
				slog.String("strategy", name),
				slog.String("symbol", p.Symbol),
				slog.String("side", string(p.Side)),
			)
		}
	}
}

func (e *Engine) rememberSignal(name string, p domain.ProposedOrder) {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if info, ok := e.info[name]; ok {
		info.SignalsSent++
		info.LastSignal = &now
	}
	e.recentSignals = append(e.recentSignals, p)
	if overflow := len(e.recentSignals) - e.recentLimit; overflow > 0 {
		e.recentSignals = append([]domain.ProposedOrder(nil), e.recentSignals[overflow:]...)
	}
}
