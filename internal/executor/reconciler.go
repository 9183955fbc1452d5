package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/tradegate/internal/domain"
	"github.com/alanyoungcy/tradegate/internal/ledger"
	"github.com/alanyoungcy/tradegate/internal/platform/robinhood"
)

// Reconciler brings ledger orders in line with the broker. Submitted orders
// are re-posted with their original idempotency key, which either creates
// them or returns the broker's existing copy; acknowledged orders are polled
// for new executions and terminal states.
type Reconciler struct {
	ledger   *ledger.Ledger
	broker   Broker
	interval time.Duration
	// minAge skips Submitted orders the executor may still be posting.
	minAge time.Duration
	now    func() time.Time
	logger *slog.Logger

	lock    Locker
	lockKey string
	lockTTL time.Duration
}

// Locker grants a cross-process lock; a lock held elsewhere returns
// domain.ErrLockHeld.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// ReconcileResult summarises one pass.
type ReconcileResult struct {
	Resubmitted int  `json:"resubmitted"`
	Polled      int  `json:"polled"`
	Updated     int  `json:"updated"`
	Errors      int  `json:"errors"`
	Skipped     bool `json:"skipped,omitempty"`
}

// NewReconciler creates a Reconciler polling every interval. Submitted
// orders younger than minAge are left alone.
func NewReconciler(l *ledger.Ledger, broker Broker, interval, minAge time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Reconciler{
		ledger:   l,
		broker:   broker,
		interval: interval,
		minAge:   minAge,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "reconciler")),
	}
}

// WithLock makes every pass run under key, so only one process reconciles
// the account at a time. Lock errors other than domain.ErrLockHeld do not
// block the pass; resubmission is idempotent either way.
func (r *Reconciler) WithLock(l Locker, key string, ttl time.Duration) *Reconciler {
	r.lock = l
	r.lockKey = key
	r.lockTTL = ttl
	return r
}

// Run reconciles on every tick until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "reconciler started", slog.Duration("interval", r.interval))
	defer r.logger.Info("reconciler stopped")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.ReconcileOnce(ctx)
		}
	}
}

// ReconcileOnce walks every open order once.
func (r *Reconciler) ReconcileOnce(ctx context.Context) ReconcileResult {
	var res ReconcileResult
	if r.lock != nil {
		unlock, err := r.lock.Acquire(ctx, r.lockKey, r.lockTTL)
		switch {
		case errors.Is(err, domain.ErrLockHeld):
			r.logger.DebugContext(ctx, "reconcile pass skipped, lock held elsewhere")
			res.Skipped = true
			return res
		case err != nil:
			r.logger.WarnContext(ctx, "reconcile lock unavailable", slog.String("error", err.Error()))
		default:
			defer unlock()
		}
	}
	cutoff := r.now().Add(-r.minAge)
	for _, o := range r.ledger.Open() {
		if ctx.Err() != nil {
			break
		}
		log := r.logger.With(slog.String("order_id", o.ID), slog.String("state", string(o.State)))
		var (
			next domain.Order
			err  error
		)
		switch o.State {
		case domain.OrderStateSubmitted:
			if o.UpdatedAt.After(cutoff) {
				continue
			}
			res.Resubmitted++
			next, err = r.resubmit(ctx, o, log)
		case domain.OrderStateAcknowledged, domain.OrderStatePartiallyFilled:
			res.Polled++
			next, err = r.poll(ctx, o, log)
		default:
			continue
		}
		if err != nil {
			res.Errors++
			log.WarnContext(ctx, "reconcile order failed", slog.String("error", err.Error()))
			continue
		}
		if next.State != o.State || !next.FilledQuantity.Equal(o.FilledQuantity) {
			res.Updated++
		}
	}
	if res != (ReconcileResult{}) {
		r.logger.InfoContext(ctx, "reconcile pass",
			slog.Int("resubmitted", res.Resubmitted),
			slog.Int("polled", res.Polled),
			slog.Int("updated", res.Updated),
			slog.Int("errors", res.Errors),
		)
	}
	return res
}

func (r *Reconciler) resubmit(ctx context.Context, o domain.Order, log *slog.Logger) (domain.Order, error) {
	bo, err := r.broker.PlaceOrder(ctx, o)
	if err != nil {
		if errors.Is(err, domain.ErrBrokerRejected) {
			failed, ferr := r.ledger.Fail(ctx, o.ID, err.Error())
			if ferr != nil {
				return o, ferr
			}
			return failed, nil
		}
		return o, fmt.Errorf("resubmit: %w", err)
	}
	acked, err := r.ledger.Acknowledge(ctx, o.ID, bo.ID)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return r.ledger.Get(o.ID)
		}
		return o, err
	}
	log.InfoContext(ctx, "submitted order acknowledged on resubmission", slog.String("broker_order_id", bo.ID))
	return syncOrder(ctx, r.ledger, acked, bo, log), nil
}

func (r *Reconciler) poll(ctx context.Context, o domain.Order, log *slog.Logger) (domain.Order, error) {
	bo, err := r.broker.GetOrder(ctx, o.BrokerOrderID)
	if err != nil {
		return o, fmt.Errorf("poll: %w", err)
	}
	return syncOrder(ctx, r.ledger, o, bo, log), nil
}

// syncOrder applies the executions in bo that the ledger has not seen and
// then the broker's terminal state. It returns the latest snapshot.
func syncOrder(ctx context.Context, l *ledger.Ledger, o domain.Order, bo robinhood.Order, log *slog.Logger) domain.Order {
	for _, f := range bo.Fills() {
		next, applied, err := l.ApplyFill(ctx, o.ID, f)
		if err != nil {
			log.ErrorContext(ctx, "apply fill failed",
				slog.String("fill_id", f.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if applied {
			log.InfoContext(ctx, "fill applied",
				slog.String("fill_id", f.ID),
				slog.String("quantity", f.Quantity.String()),
				slog.String("price", f.Price.String()),
				slog.String("state", string(next.State)),
			)
		}
		o = next
	}

	var err error
	switch bo.State {
	case robinhood.StateFilled:
		o, err = applyResidual(ctx, l, o, bo)
	case robinhood.StateCanceled:
		o, err = l.ConfirmCancel(ctx, o.ID, "cancelled by broker")
	case robinhood.StateFailed:
		switch {
		case o.State.Terminal():
			// Already settled.
		case o.FilledQuantity.IsPositive():
			// Executions already happened; the remainder is dead.
			o, err = l.ConfirmCancel(ctx, o.ID, "broker failed after partial fill")
		default:
			o, err = l.Fail(ctx, o.ID, "broker reported order failed")
		}
	}
	if err != nil {
		log.ErrorContext(ctx, "apply broker state failed",
			slog.String("broker_state", bo.State),
			slog.String("error", err.Error()),
		)
	}
	return o
}

// applyResidual completes an order the broker reports filled when its
// executions do not add up to the full quantity, using the broker's average
// price for the remainder.
func applyResidual(ctx context.Context, l *ledger.Ledger, o domain.Order, bo robinhood.Order) (domain.Order, error) {
	if o.State == domain.OrderStateFilled || !bo.AveragePrice.IsPositive() {
		return o, nil
	}
	rest := o.Remaining()
	if !rest.IsPositive() {
		return o, nil
	}
	next, _, err := l.ApplyFill(ctx, o.ID, domain.Fill{
		ID:        bo.ID + "-residual",
		Quantity:  rest,
		Price:     bo.AveragePrice,
		Timestamp: bo.UpdatedAt,
	})
	if err != nil {
		return o, err
	}
	return next, nil
}
