// Package executor turns strategy proposals into broker orders. Every
// proposal passes dedup and the risk gate, is recorded in the ledger before
// any network call, and is submitted with the order ID as idempotency key;
// the reconciler finishes whatever a crash or cancellation left in flight.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/tradegate/internal/domain"
	"github.com/alanyoungcy/tradegate/internal/gateway"
	"github.com/alanyoungcy/tradegate/internal/ledger"
	"github.com/alanyoungcy/tradegate/internal/platform/robinhood"
	"github.com/alanyoungcy/tradegate/internal/risk"
)

// Broker is the subset of the Robinhood client the executor drives.
type Broker interface {
	PlaceOrder(ctx context.Context, o domain.Order) (robinhood.Order, error)
	GetOrder(ctx context.Context, brokerID string) (robinhood.Order, error)
	CancelOrder(ctx context.Context, brokerID string) error
}

// RiskChecker validates a proposal against the current portfolio.
type RiskChecker interface {
	Check(ctx context.Context, p domain.ProposedOrder, s domain.PortfolioSnapshot) risk.Decision
}

// PortfolioSource provides the snapshot each proposal is checked against.
type PortfolioSource interface {
	Snapshot() domain.PortfolioSnapshot
}

// Config tunes the executor.
type Config struct {
	// Workers bounds concurrent submissions.
	Workers         int
	DedupTTL        time.Duration
	CleanupInterval time.Duration
	// PoolRetry governs resubmission after domain.ErrPoolExhausted. Only
	// MaxRetries, Base, Factor, Cap, Jitter and Sleep are used.
	PoolRetry gateway.RetryPolicy
}

// DefaultConfig returns 4 workers, a 2 minute dedup window and 3 pool
// retries starting at 250ms.
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		DedupTTL:        2 * time.Minute,
		CleanupInterval: 30 * time.Second,
		PoolRetry: gateway.RetryPolicy{
			MaxRetries: 3,
			Base:       250 * time.Millisecond,
			Factor:     2,
			Cap:        2 * time.Second,
			Jitter:     0.2,
		},
	}
}

// Stats counts proposals by outcome.
type Stats struct {
	Proposals  int64 `json:"proposals"`
	Duplicates int64 `json:"duplicates"`
	Rejected   int64 `json:"rejected"`
	Submitted  int64 `json:"submitted"`
	Failed     int64 `json:"failed"`
	Pending    int64 `json:"pending"`
}

// Executor reads proposals from a channel and drives each through the order
// lifecycle up to broker acknowledgement.
type Executor struct {
	cfg       Config
	proposals <-chan domain.ProposedOrder
	ledger    *ledger.Ledger
	gate      RiskChecker
	portfolio PortfolioSource
	broker    Broker
	dedup     *Dedup
	logger    *slog.Logger

	proposed   atomic.Int64
	duplicates atomic.Int64
	rejected   atomic.Int64
	submitted  atomic.Int64
	failed     atomic.Int64
	pending    atomic.Int64
}

// New creates an Executor.
func New(
	cfg Config,
	proposals <-chan domain.ProposedOrder,
	l *ledger.Ledger,
	gate RiskChecker,
	portfolio PortfolioSource,
	broker Broker,
	logger *slog.Logger,
) *Executor {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	return &Executor{
		cfg:       cfg,
		proposals: proposals,
		ledger:    l,
		gate:      gate,
		portfolio: portfolio,
		broker:    broker,
		dedup:     NewDedup(cfg.DedupTTL),
		logger:    logger.With(slog.String("component", "executor")),
	}
}

// Run starts the worker pool and blocks until ctx is cancelled or the
// proposal channel is closed. Orders mid-submission at cancellation stay
// Submitted for the reconciler.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.InfoContext(ctx, "executor started", slog.Int("workers", e.cfg.Workers))
	defer e.logger.Info("executor stopped")

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go e.cleanup(runCtx)

	g, gctx := errgroup.WithContext(runCtx)
	for range e.cfg.Workers {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case p, ok := <-e.proposals:
					if !ok {
						return nil
					}
					e.Process(gctx, p)
				}
			}
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

// Process handles one proposal synchronously and returns the resulting
// order snapshot. A suppressed duplicate returns ok=false.
func (e *Executor) Process(ctx context.Context, p domain.ProposedOrder) (domain.Order, bool) {
	e.proposed.Add(1)
	log := e.logger.With(
		slog.String("strategy", p.StrategyTag),
		slog.String("symbol", p.Symbol),
		slog.String("side", string(p.Side)),
	)

	if e.dedup.Seen(p.DedupKey) {
		e.duplicates.Add(1)
		log.DebugContext(ctx, "duplicate proposal suppressed", slog.String("dedup_key", p.DedupKey))
		return domain.Order{}, false
	}

	o, err := e.ledger.Create(ctx, p)
	if err != nil {
		log.ErrorContext(ctx, "create order failed", slog.String("error", err.Error()))
		return domain.Order{}, false
	}
	log = log.With(slog.String("order_id", o.ID))

	d := e.gate.Check(ctx, p, e.portfolio.Snapshot())
	if !d.Approved {
		e.rejected.Add(1)
		o, err = e.ledger.Reject(ctx, o.ID, d.Err().Error())
		if err != nil {
			log.ErrorContext(ctx, "reject order failed", slog.String("error", err.Error()))
		}
		return o, true
	}
	o, err = e.ledger.Validate(ctx, o.ID, ledger.Approval{Quantity: d.Quantity, Liquidating: d.Liquidating})
	if err != nil {
		log.ErrorContext(ctx, "validate order failed", slog.String("error", err.Error()))
		return o, true
	}

	o, err = e.submit(ctx, o, log)
	if err != nil && o.State == domain.OrderStateFailed {
		e.dedup.Forget(p.DedupKey)
	}
	return o, true
}

// submit marks o Submitted, posts it and records the broker's answer.
func (e *Executor) submit(ctx context.Context, o domain.Order, log *slog.Logger) (domain.Order, error) {
	o, err := e.ledger.MarkSubmitted(ctx, o.ID)
	if err != nil {
		log.ErrorContext(ctx, "mark submitted failed", slog.String("error", err.Error()))
		return o, err
	}

	bo, err := e.place(ctx, o)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		e.pending.Add(1)
		log.WarnContext(ctx, "submission interrupted, left for reconciliation", slog.String("error", err.Error()))
		return o, err
	default:
		e.failed.Add(1)
		log.ErrorContext(ctx, "order submission failed", slog.String("error", err.Error()))
		failed, ferr := e.ledger.Fail(ctx, o.ID, err.Error())
		if ferr != nil {
			log.ErrorContext(ctx, "fail order failed", slog.String("error", ferr.Error()))
			return o, err
		}
		return failed, err
	}

	e.submitted.Add(1)
	o, err = e.ledger.Acknowledge(ctx, o.ID, bo.ID)
	if err != nil {
		// The reconciler may have acknowledged it first.
		if !errors.Is(err, domain.ErrInvalidTransition) {
			log.ErrorContext(ctx, "acknowledge order failed", slog.String("error", err.Error()))
		}
		return e.current(o), nil
	}
	log.InfoContext(ctx, "order acknowledged",
		slog.String("broker_order_id", bo.ID),
		slog.String("quantity", o.Quantity.String()),
	)
	return syncOrder(ctx, e.ledger, o, bo, log), nil
}

// place posts o, retrying pool exhaustion with bounded backoff. Other
// retryable failures were already retried by the gateway.
func (e *Executor) place(ctx context.Context, o domain.Order) (robinhood.Order, error) {
	policy := e.cfg.PoolRetry
	for attempt := 0; ; attempt++ {
		bo, err := e.broker.PlaceOrder(ctx, o)
		if err == nil || !errors.Is(err, domain.ErrPoolExhausted) || attempt >= policy.MaxRetries {
			return bo, err
		}
		d := policy.Backoff(attempt)
		e.logger.DebugContext(ctx, "connection pool exhausted, backing off",
			slog.String("order_id", o.ID),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", d),
		)
		if err := sleep(ctx, policy, d); err != nil {
			return robinhood.Order{}, err
		}
	}
}

// CancelOrder cancels order id. Orders not yet submitted are cancelled
// locally. Acknowledged orders get a broker cancel request and their state
// is refreshed; the broker confirms asynchronously. Cancelling a filled or
// already cancelled order is a no-op.
func (e *Executor) CancelOrder(ctx context.Context, id string) (domain.Order, error) {
	o, err := e.ledger.Get(id)
	if err != nil {
		return domain.Order{}, fmt.Errorf("executor: cancel: %w", err)
	}
	log := e.logger.With(slog.String("order_id", id))

	switch o.State {
	case domain.OrderStateCreated, domain.OrderStateValidated:
		o, err = e.ledger.ConfirmCancel(ctx, id, "cancelled before submission")
	case domain.OrderStateSubmitted:
		return o, fmt.Errorf("executor: cancel %s: awaiting broker acknowledgement: %w", id, domain.ErrInvalidTransition)
	case domain.OrderStateAcknowledged, domain.OrderStatePartiallyFilled:
		if err := e.broker.CancelOrder(ctx, o.BrokerOrderID); err != nil {
			return o, fmt.Errorf("executor: cancel %s: %w", id, err)
		}
		log.InfoContext(ctx, "cancel requested", slog.String("broker_order_id", o.BrokerOrderID))
		bo, gerr := e.broker.GetOrder(ctx, o.BrokerOrderID)
		if gerr != nil {
			log.WarnContext(ctx, "refresh after cancel failed", slog.String("error", gerr.Error()))
			return o, nil
		}
		return syncOrder(ctx, e.ledger, o, bo, log), nil
	default:
		o, err = e.ledger.ConfirmCancel(ctx, id, "")
	}
	if err != nil {
		return o, fmt.Errorf("executor: cancel %s: %w", id, err)
	}
	return o, nil
}

// Stats returns outcome counters.
func (e *Executor) Stats() Stats {
	return Stats{
		Proposals:  e.proposed.Load(),
		Duplicates: e.duplicates.Load(),
		Rejected:   e.rejected.Load(),
		Submitted:  e.submitted.Load(),
		Failed:     e.failed.Load(),
		Pending:    e.pending.Load(),
	}
}

// cleanup expires dedup keys until ctx is done.
func (e *Executor) cleanup(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.dedup.Cleanup()
		}
	}
}

func (e *Executor) current(o domain.Order) domain.Order {
	if cur, err := e.ledger.Get(o.ID); err == nil {
		return cur
	}
	return o
}

func sleep(ctx context.Context, p gateway.RetryPolicy, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
