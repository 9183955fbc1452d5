// Package risk implements the pre-trade gate every proposed order passes
// before it may reach the broker. Validate is pure: it reads only its three
// arguments and performs no I/O.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

// Decision is the outcome of Validate.
type Decision struct {
	Approved    bool
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	Notional    decimal.Decimal
	Risk        decimal.Decimal
	Liquidating bool
	Reason      domain.RiskReason
	Detail      string
}

// Err returns nil for an approval and a *domain.RiskRejection otherwise.
func (d Decision) Err() error {
	if d.Approved {
		return nil
	}
	return &domain.RiskRejection{Reason: d.Reason, Detail: d.Detail}
}

func reject(reason domain.RiskReason, format string, args ...any) Decision {
	return Decision{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Validate sizes and checks p against the snapshot. Checks run in a fixed
// order and the first failure wins:
//
//  1. max concurrent positions (new symbols only)
//  2. per-trade risk sizing, minimum size and capital
//  3. portfolio risk
//  4. correlation with held symbols
//  5. drawdown
//  6. concentration
//
// An order that reduces an existing position is liquidating: it skips every
// check except sizing and is capped at the held quantity.
func Validate(p domain.ProposedOrder, s domain.PortfolioSnapshot, l Limits) Decision {
	price, ok := entryPrice(p, s)
	if !ok {
		return reject(domain.RiskNoPrice, "no price for %s", p.Symbol)
	}

	pos, held := s.Position(p.Symbol)
	if held && pos.Reduces(p.Side) {
		return liquidate(p, pos, price, l)
	}
	if p.Side == domain.OrderSideSell {
		return reject(domain.RiskNoHoldings, "no %s holding to sell", p.Symbol)
	}

	// 1. Max concurrent positions.
	if !held && l.MaxPositions > 0 && s.OpenPositions() >= l.MaxPositions {
		return reject(domain.RiskMaxPositions, "%d of %d positions open", s.OpenPositions(), l.MaxPositions)
	}

	// 2. Per-trade risk sizing.
	stop := p.StopLossDistance
	if stop.IsZero() {
		stop = l.DefaultStopLoss
	}
	if !validStop(stop) {
		return reject(domain.RiskInvalidStopLoss, "stop loss distance %s outside (0, 1)", stop)
	}
	budget := s.Capital.Mul(l.RiskPerTrade)
	qty := budget.Div(stop).Div(price)
	if p.Quantity.IsPositive() && p.Quantity.LessThan(qty) {
		qty = p.Quantity
	}
	if !qty.IsPositive() || qty.LessThan(l.MinOrderSize) {
		return reject(domain.RiskBelowMinSize, "size %s below minimum %s", qty, l.MinOrderSize)
	}
	notional := qty.Mul(price)
	if notional.GreaterThan(s.Capital) {
		return reject(domain.RiskExceedsCapital, "notional %s exceeds capital %s", notional, s.Capital)
	}
	tradeRisk := notional.Mul(stop)

	// 3. Portfolio risk.
	if l.MaxPortfolioRisk.IsPositive() {
		total := portfolioRisk(s, l).Add(tradeRisk)
		limit := s.Capital.Mul(l.MaxPortfolioRisk)
		if total.GreaterThan(limit) {
			return reject(domain.RiskPortfolioRisk, "portfolio risk %s exceeds %s", total.StringFixed(2), limit.StringFixed(2))
		}
	}

	// 4. Correlation.
	if l.MaxCorrelation > 0 {
		for _, sym := range sortedSymbols(s) {
			if sym == p.Symbol {
				continue
			}
			c, known := s.Correlation(p.Symbol, sym)
			if known && math.Abs(c) > l.MaxCorrelation {
				return reject(domain.RiskCorrelation, "correlation %s/%s %.2f exceeds %.2f", p.Symbol, sym, c, l.MaxCorrelation)
			}
		}
	}

	// 5. Drawdown.
	if l.MaxDrawdown.IsPositive() {
		if dd := s.Drawdown(); dd.GreaterThanOrEqual(l.MaxDrawdown) {
			return reject(domain.RiskDrawdown, "drawdown %s reached limit %s", dd.StringFixed(4), l.MaxDrawdown)
		}
	}

	// 6. Concentration.
	if l.MaxConcentration.IsPositive() && s.Capital.IsPositive() {
		resulting := pos.Quantity.Abs().Add(qty).Mul(price)
		if share := resulting.Div(s.Capital); share.GreaterThan(l.MaxConcentration) {
			return reject(domain.RiskConcentration, "%s would be %s of capital, limit %s", p.Symbol, share.StringFixed(4), l.MaxConcentration)
		}
	}

	return Decision{
		Approved: true,
		Quantity: qty,
		Price:    price,
		Notional: notional,
		Risk:     tradeRisk,
	}
}

func liquidate(p domain.ProposedOrder, pos domain.Position, price decimal.Decimal, l Limits) Decision {
	qty := pos.Quantity.Abs()
	if p.Quantity.IsPositive() && p.Quantity.LessThan(qty) {
		qty = p.Quantity
	}
	if qty.LessThan(l.MinOrderSize) {
		return reject(domain.RiskBelowMinSize, "size %s below minimum %s", qty, l.MinOrderSize)
	}
	return Decision{
		Approved:    true,
		Quantity:    qty,
		Price:       price,
		Notional:    qty.Mul(price),
		Liquidating: true,
	}
}

// entryPrice is the limit price when set, otherwise the latest mark.
func entryPrice(p domain.ProposedOrder, s domain.PortfolioSnapshot) (decimal.Decimal, bool) {
	if p.LimitPrice.Valid && p.LimitPrice.Decimal.IsPositive() {
		return p.LimitPrice.Decimal, true
	}
	return s.Mark(p.Symbol)
}

// portfolioRisk sums |qty| * mark * risk weight over open positions.
// Positions without a recorded weight count at the default stop distance.
func portfolioRisk(s domain.PortfolioSnapshot, l Limits) decimal.Decimal {
	total := decimal.Zero
	for _, sym := range sortedSymbols(s) {
		pos := s.Positions[sym]
		mark, ok := s.Mark(sym)
		if !ok {
			continue
		}
		w := pos.RiskWeight
		if !w.IsPositive() {
			w = l.DefaultStopLoss
		}
		total = total.Add(pos.Exposure(mark).Mul(w))
	}
	return total
}

// ---- Gate ----

// Gate binds Limits to a logger for use on the order path.
type Gate struct {
	limits Limits
	logger *slog.Logger
}

// NewGate creates a Gate.
func NewGate(limits Limits, logger *slog.Logger) *Gate {
	return &Gate{limits: limits, logger: logger.With(slog.String("component", "risk"))}
}

// Limits returns the configured limits.
func (g *Gate) Limits() Limits { return g.limits }

// Check runs Validate and logs rejections.
func (g *Gate) Check(ctx context.Context, p domain.ProposedOrder, s domain.PortfolioSnapshot) Decision {
	d := Validate(p, s, g.limits)
	if !d.Approved {
		g.logger.WarnContext(ctx, "order rejected",
			slog.String("symbol", p.Symbol),
			slog.String("strategy", p.StrategyTag),
			slog.String("reason", string(d.Reason)),
			slog.String("detail", d.Detail),
		)
	}
	return d
}

// sortedSymbols returns held symbols in a stable order so the first
// reported breach does not depend on map iteration.
func sortedSymbols(s domain.PortfolioSnapshot) []string {
	out := make([]string, 0, len(s.Positions))
	for sym, p := range s.Positions {
		if p.Open() {
			out = append(out, sym)
		}
	}
	slices.Sort(out)
	return out
}
