// Package portfolio owns the account's positions and marks and produces the
// immutable snapshots consumed by strategies and the risk gate.
package portfolio

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

// Tracker maintains positions from ledger fills and marks from quotes. It is
// safe for concurrent use.
type Tracker struct {
	corr   *CorrelationTracker
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	cash      decimal.Decimal
	positions map[string]domain.Position
	marks     map[string]decimal.Decimal
	peak      decimal.Decimal
	// applied counts fills already folded in per order ID.
	applied map[string]int
}

// NewTracker creates an empty tracker. corr may be nil to disable
// correlation tracking.
func NewTracker(corr *CorrelationTracker, logger *slog.Logger) *Tracker {
	return &Tracker{
		corr:      corr,
		logger:    logger.With(slog.String("component", "portfolio")),
		now:       time.Now,
		positions: make(map[string]domain.Position),
		marks:     make(map[string]decimal.Decimal),
		applied:   make(map[string]int),
	}
}

// Seed replaces the account state with broker balances. Called once at
// startup, before any fills are applied.
func (t *Tracker) Seed(cash decimal.Decimal, positions []domain.Position) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cash = cash
	t.positions = make(map[string]domain.Position, len(positions))
	for _, p := range positions {
		if p.Open() {
			t.positions[p.Symbol] = p
		}
	}
	t.peak = t.equityLocked()
	t.logger.Info("portfolio seeded",
		slog.String("cash", cash.String()),
		slog.Int("positions", len(t.positions)),
		slog.String("equity", t.peak.String()),
	)
}

// UpdateQuote records q's midpoint as the symbol's mark.
func (t *Tracker) UpdateQuote(q domain.Quote) {
	mid := q.Mid()
	if !mid.IsPositive() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.marks[q.Symbol] = mid
	if p, ok := t.positions[q.Symbol]; ok {
		p.UnrealizedPnL = unrealized(p, mid)
		t.positions[q.Symbol] = p
	}
	t.trackPeakLocked()
}

// MarkApplied records that the first n fills of order id are already part of
// the seeded balances, so later events only fold in newer fills. Orders
// recovered after a restart are marked before feedback starts.
func (t *Tracker) MarkApplied(id string, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n > t.applied[id] {
		t.applied[id] = n
	}
}

// OnOrderEvent folds in any fills on the event's order that have not been
// applied yet. Replayed events are harmless.
func (t *Tracker) OnOrderEvent(ev domain.OrderEvent) {
	o := ev.Order
	t.mu.Lock()
	defer t.mu.Unlock()

	done := t.applied[o.ID]
	if done >= len(o.Fills) {
		return
	}
	for _, f := range o.Fills[done:] {
		t.applyFillLocked(o, f)
	}
	t.applied[o.ID] = len(o.Fills)
	t.trackPeakLocked()
}

// applyFillLocked moves cash and position for one execution. Adding to a
// position recomputes the quantity-weighted entry price; reducing realizes
// P&L against it.
func (t *Tracker) applyFillLocked(o domain.Order, f domain.Fill) {
	p := t.positions[o.Symbol]
	p.Symbol = o.Symbol
	delta := f.Quantity
	if o.Side == domain.OrderSideSell {
		delta = delta.Neg()
		t.cash = t.cash.Add(f.Quantity.Mul(f.Price))
	} else {
		t.cash = t.cash.Sub(f.Quantity.Mul(f.Price))
	}

	switch {
	case p.Quantity.IsZero() || p.Quantity.Sign() == delta.Sign():
		held := p.Quantity.Abs()
		total := held.Add(f.Quantity)
		p.AverageEntryPrice = p.AverageEntryPrice.Mul(held).Add(f.Price.Mul(f.Quantity)).Div(total)
		if p.Quantity.IsZero() || !p.RiskWeight.IsPositive() {
			p.RiskWeight = o.StopLossDistance
		}
		p.Quantity = p.Quantity.Add(delta)
	default:
		held := p.Quantity.Abs()
		closing := decimal.Min(held, f.Quantity)
		pnl := f.Price.Sub(p.AverageEntryPrice).Mul(closing)
		if p.Quantity.IsNegative() {
			pnl = pnl.Neg()
		}
		p.RealizedPnL = p.RealizedPnL.Add(pnl)
		p.Quantity = p.Quantity.Add(delta)
		switch {
		case p.Quantity.IsZero():
			p.AverageEntryPrice = decimal.Zero
			p.RiskWeight = decimal.Zero
		case f.Quantity.GreaterThan(held):
			// Flipped through zero: the remainder opens at the fill price.
			p.AverageEntryPrice = f.Price
			p.RiskWeight = o.StopLossDistance
		}
	}

	if mark, ok := t.marks[p.Symbol]; ok {
		p.UnrealizedPnL = unrealized(p, mark)
	} else {
		p.UnrealizedPnL = decimal.Zero
	}
	t.positions[p.Symbol] = p

	t.logger.Debug("fill applied",
		slog.String("order_id", o.ID),
		slog.String("symbol", o.Symbol),
		slog.String("quantity", f.Quantity.String()),
		slog.String("price", f.Price.String()),
		slog.String("position", p.Quantity.String()),
	)
}

// SampleCorrelations feeds the current marks to the correlation tracker.
func (t *Tracker) SampleCorrelations() {
	if t.corr == nil {
		return
	}
	t.mu.RLock()
	marks := maps.Clone(t.marks)
	t.mu.RUnlock()
	t.corr.Observe(marks)
}

// Run samples correlations every interval until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.SampleCorrelations()
		}
	}
}

// Snapshot returns an immutable view of the account.
func (t *Tracker) Snapshot() domain.PortfolioSnapshot {
	t.mu.RLock()
	equity := t.equityLocked()
	snap := domain.PortfolioSnapshot{
		Capital:    equity,
		Equity:     equity,
		PeakEquity: decimal.Max(t.peak, equity),
		Positions:  maps.Clone(t.positions),
		Marks:      maps.Clone(t.marks),
		TakenAt:    t.now(),
	}
	t.mu.RUnlock()

	if t.corr != nil {
		symbols := make([]string, 0, len(snap.Positions)+len(snap.Marks))
		for s := range snap.Positions {
			symbols = append(symbols, s)
		}
		for s := range snap.Marks {
			symbols = append(symbols, s)
		}
		snap.Correlations = t.corr.Matrix(symbols)
	}
	return snap
}

// Cash returns the tracked buying power.
func (t *Tracker) Cash() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cash
}

func (t *Tracker) equityLocked() decimal.Decimal {
	equity := t.cash
	for sym, p := range t.positions {
		mark, ok := t.marks[sym]
		if !ok {
			mark = p.AverageEntryPrice
		}
		equity = equity.Add(p.Quantity.Mul(mark))
	}
	return equity
}

func (t *Tracker) trackPeakLocked() {
	if eq := t.equityLocked(); eq.GreaterThan(t.peak) {
		t.peak = eq
	}
}

func unrealized(p domain.Position, mark decimal.Decimal) decimal.Decimal {
	if p.Quantity.IsZero() {
		return decimal.Zero
	}
	return mark.Sub(p.AverageEntryPrice).Mul(p.Quantity)
}
