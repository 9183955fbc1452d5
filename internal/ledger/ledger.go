// Package ledger is the single owner of order state. Every lifecycle change
// goes through it: the transition is validated against the order state
// machine, published atomically, persisted and fanned out to subscribers.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

const saveTimeout = 5 * time.Second

// entry holds one order. mu serialises writers; readers only load the
// published snapshot.
type entry struct {
	mu   sync.Mutex
	snap atomic.Pointer[domain.Order]
}

func (e *entry) load() domain.Order {
	return e.snap.Load().Clone()
}

// Approval is what the risk gate grants when validating an order.
type Approval struct {
	Quantity    decimal.Decimal
	Liquidating bool
}

// Ledger tracks every order of the process. It is safe for concurrent use.
type Ledger struct {
	store  domain.OrderStore
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	mu     sync.RWMutex
	orders map[string]*entry

	seq    atomic.Uint64
	subsMu sync.RWMutex
	subs   []*Subscription

	dirtyMu sync.Mutex
	dirty   map[string]struct{}
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithIDGenerator overrides UUID generation.
func WithIDGenerator(fn func() string) Option {
	return func(l *Ledger) { l.newID = fn }
}

// New creates a Ledger persisting to store.
func New(store domain.OrderStore, logger *slog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		logger: logger.With(slog.String("component", "ledger")),
		now:    time.Now,
		newID:  uuid.NewString,
		orders: make(map[string]*entry),
		dirty:  make(map[string]struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Subscribe registers a new event queue. Only events published after the
// call are delivered.
func (l *Ledger) Subscribe(name string) *Subscription {
	s := newSubscription(name)
	l.subsMu.Lock()
	l.subs = append(l.subs, s)
	l.subsMu.Unlock()
	return s
}

// Unsubscribe closes s and stops delivering to it.
func (l *Ledger) Unsubscribe(s *Subscription) {
	l.subsMu.Lock()
	for i, sub := range l.subs {
		if sub == s {
			l.subs = append(l.subs[:i], l.subs[i+1:]...)
			break
		}
	}
	l.subsMu.Unlock()
	s.Close()
}

// Create records a new order in state Created from a strategy proposal.
func (l *Ledger) Create(ctx context.Context, p domain.ProposedOrder) (domain.Order, error) {
	if p.Symbol == "" {
		return domain.Order{}, fmt.Errorf("ledger: create: empty symbol")
	}
	now := l.now()
	o := domain.Order{
		ID:               l.newID(),
		Symbol:           p.Symbol,
		Side:             p.Side,
		Kind:             p.Kind,
		Quantity:         p.Quantity,
		LimitPrice:       p.LimitPrice,
		StrategyTag:      p.StrategyTag,
		State:            domain.OrderStateCreated,
		StopLossDistance: p.StopLossDistance,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if o.Kind == "" {
		o.Kind = domain.OrderKindMarket
	}

	e := &entry{}
	e.mu.Lock()
	defer e.mu.Unlock()

	l.mu.Lock()
	if _, exists := l.orders[o.ID]; exists {
		l.mu.Unlock()
		return domain.Order{}, fmt.Errorf("ledger: create %s: %w", o.ID, domain.ErrDuplicateOrder)
	}
	e.snap.Store(&o)
	l.orders[o.ID] = e
	l.mu.Unlock()

	l.commit(ctx, o, "")
	return o.Clone(), nil
}

// Validate moves a Created order to Validated with the risk-approved size.
func (l *Ledger) Validate(ctx context.Context, id string, a Approval) (domain.Order, error) {
	if !a.Quantity.IsPositive() {
		return domain.Order{}, fmt.Errorf("ledger: validate %s: non-positive quantity %s", id, a.Quantity)
	}
	return l.mutate(ctx, id, func(o domain.Order) (domain.Order, bool, error) {
		next, err := o.Transition(domain.OrderStateValidated, "", l.now())
		if err != nil {
			return o, false, err
		}
		next.Quantity = a.Quantity
		next.Liquidating = a.Liquidating
		return next, true, nil
	})
}

// Reject moves a Created order to Rejected.
func (l *Ledger) Reject(ctx context.Context, id, reason string) (domain.Order, error) {
	return l.transition(ctx, id, domain.OrderStateRejected, reason)
}

// MarkSubmitted records that the order is about to be sent to the broker.
// It must be called before the network request so a crash leaves the order
// visible to reconciliation.
func (l *Ledger) MarkSubmitted(ctx context.Context, id string) (domain.Order, error) {
	return l.transition(ctx, id, domain.OrderStateSubmitted, "")
}

// Acknowledge records the broker's order ID.
func (l *Ledger) Acknowledge(ctx context.Context, id, brokerID string) (domain.Order, error) {
	return l.mutate(ctx, id, func(o domain.Order) (domain.Order, bool, error) {
		next, err := o.Transition(domain.OrderStateAcknowledged, "", l.now())
		if err != nil {
			return o, false, err
		}
		next.BrokerOrderID = brokerID
		return next, true, nil
	})
}

// Fail moves the order to Failed.
func (l *Ledger) Fail(ctx context.Context, id, reason string) (domain.Order, error) {
	return l.transition(ctx, id, domain.OrderStateFailed, reason)
}

// ApplyFill applies an execution. A fill ID already applied is a no-op and
// reports applied=false.
func (l *Ledger) ApplyFill(ctx context.Context, id string, f domain.Fill) (domain.Order, bool, error) {
	var applied bool
	o, err := l.mutate(ctx, id, func(o domain.Order) (domain.Order, bool, error) {
		if f.Timestamp.IsZero() {
			f.Timestamp = l.now()
		}
		next, ok, err := o.WithFill(f, l.now())
		applied = ok
		return next, ok, err
	})
	return o, applied, err
}

// ConfirmCancel moves the order to Cancelled. Cancelling a Filled or
// already Cancelled order is a no-op success; other terminal states fail
// with domain.ErrInvalidTransition.
func (l *Ledger) ConfirmCancel(ctx context.Context, id, reason string) (domain.Order, error) {
	return l.mutate(ctx, id, func(o domain.Order) (domain.Order, bool, error) {
		switch o.State {
		case domain.OrderStateFilled, domain.OrderStateCancelled:
			return o, false, nil
		}
		next, err := o.Transition(domain.OrderStateCancelled, reason, l.now())
		if err != nil {
			return o, false, err
		}
		return next, true, nil
	})
}

// Get returns a snapshot of the order.
func (l *Ledger) Get(id string) (domain.Order, error) {
	l.mu.RLock()
	e, ok := l.orders[id]
	l.mu.RUnlock()
	if !ok {
		return domain.Order{}, fmt.Errorf("ledger: %s: %w", id, domain.ErrOrderNotFound)
	}
	return e.load(), nil
}

// List returns snapshots of all orders matching keep (nil keeps all),
// oldest first.
func (l *Ledger) List(keep func(domain.Order) bool) []domain.Order {
	l.mu.RLock()
	out := make([]domain.Order, 0, len(l.orders))
	for _, e := range l.orders {
		o := e.load()
		if keep == nil || keep(o) {
			out = append(out, o)
		}
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Open returns every non-terminal order.
func (l *Ledger) Open() []domain.Order {
	return l.List(func(o domain.Order) bool { return !o.State.Terminal() })
}

// InState returns orders currently in any of states.
func (l *Ledger) InState(states ...domain.OrderState) []domain.Order {
	return l.List(func(o domain.Order) bool {
		for _, s := range states {
			if o.State == s {
				return true
			}
		}
		return false
	})
}

// Counts returns the number of orders per state.
func (l *Ledger) Counts() map[domain.OrderState]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[domain.OrderState]int)
	for _, e := range l.orders {
		out[e.snap.Load().State]++
	}
	return out
}

// Recover loads non-terminal orders from the store. Orders already known to
// the ledger are left untouched. It returns the number of orders loaded.
func (l *Ledger) Recover(ctx context.Context) (int, error) {
	if l.store == nil {
		return 0, nil
	}
	orders, err := l.store.ListOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger: recover: %w", err)
	}

	l.mu.Lock()
	n := 0
	for _, o := range orders {
		if _, ok := l.orders[o.ID]; ok || o.State.Terminal() {
			continue
		}
		snap := o.Clone()
		e := &entry{}
		e.snap.Store(&snap)
		l.orders[o.ID] = e
		n++
	}
	l.mu.Unlock()

	l.logger.InfoContext(ctx, "recovered open orders", slog.Int("count", n))
	return n, nil
}

// Flush retries persistence of orders whose last save failed.
func (l *Ledger) Flush(ctx context.Context) error {
	l.dirtyMu.Lock()
	ids := make([]string, 0, len(l.dirty))
	for id := range l.dirty {
		ids = append(ids, id)
	}
	l.dirtyMu.Unlock()

	var firstErr error
	for _, id := range ids {
		l.mu.RLock()
		e, ok := l.orders[id]
		l.mu.RUnlock()
		if !ok {
			continue
		}
		e.mu.Lock()
		err := l.persist(ctx, e.load())
		e.mu.Unlock()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ---- Internal methods ----

func (l *Ledger) transition(ctx context.Context, id string, to domain.OrderState, reason string) (domain.Order, error) {
	return l.mutate(ctx, id, func(o domain.Order) (domain.Order, bool, error) {
		next, err := o.Transition(to, reason, l.now())
		if err != nil {
			return o, false, err
		}
		return next, true, nil
	})
}

// mutate applies fn under the order's writer lock. When fn reports a change
// the new snapshot is published, persisted and broadcast before the lock is
// released, so subscribers observe each order's events in order.
func (l *Ledger) mutate(ctx context.Context, id string, fn func(domain.Order) (domain.Order, bool, error)) (domain.Order, error) {
	l.mu.RLock()
	e, ok := l.orders[id]
	l.mu.RUnlock()
	if !ok {
		return domain.Order{}, fmt.Errorf("ledger: %s: %w", id, domain.ErrOrderNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.load()
	next, changed, err := fn(cur)
	if err != nil {
		return cur, fmt.Errorf("ledger: %w", err)
	}
	if !changed {
		return cur, nil
	}
	published := next.Clone()
	e.snap.Store(&published)
	l.commit(ctx, next, cur.State)
	return next, nil
}

// commit persists o and broadcasts the event. Caller holds the entry lock.
func (l *Ledger) commit(ctx context.Context, o domain.Order, prev domain.OrderState) {
	if err := l.persist(ctx, o); err != nil {
		l.logger.ErrorContext(ctx, "persist order failed",
			slog.String("order_id", o.ID),
			slog.String("state", string(o.State)),
			slog.String("error", err.Error()),
		)
	}

	ev := domain.OrderEvent{
		Seq:      l.seq.Add(1),
		Order:    o.Clone(),
		Previous: prev,
		At:       o.UpdatedAt,
	}
	l.subsMu.RLock()
	for _, s := range l.subs {
		s.push(ev)
	}
	l.subsMu.RUnlock()

	l.logger.DebugContext(ctx, "order transition",
		slog.String("order_id", o.ID),
		slog.String("from", string(prev)),
		slog.String("to", string(o.State)),
	)
}

// persist saves o even when ctx is already cancelled.
func (l *Ledger) persist(ctx context.Context, o domain.Order) error {
	if l.store == nil {
		return nil
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()

	err := l.store.Save(saveCtx, o)
	l.dirtyMu.Lock()
	if err != nil {
		l.dirty[o.ID] = struct{}{}
	} else {
		delete(l.dirty, o.ID)
	}
	l.dirtyMu.Unlock()
	if err != nil {
		return fmt.Errorf("ledger: save %s: %w", o.ID, err)
	}
	return nil
}
