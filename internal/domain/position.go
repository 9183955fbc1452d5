package domain

import "github.com/shopspring/decimal"

// Position is the net holding in one symbol. Quantity is signed: positive
// for long inventory, negative for short.
type Position struct {
	Symbol            string          `json:"symbol"`
	Quantity          decimal.Decimal `json:"quantity"`
	AverageEntryPrice decimal.Decimal `json:"average_entry_price"`
	RealizedPnL       decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL     decimal.Decimal `json:"unrealized_pnl"`
	// RiskWeight is the stop-loss distance fraction recorded when the
	// position was opened.
	RiskWeight decimal.Decimal `json:"risk_weight"`
}

// Open reports whether the position holds any quantity.
func (p Position) Open() bool { return !p.Quantity.IsZero() }

// Exposure returns |quantity| * mark.
func (p Position) Exposure(mark decimal.Decimal) decimal.Decimal {
	return p.Quantity.Abs().Mul(mark)
}

// Reduces reports whether an order on side would shrink this position.
func (p Position) Reduces(side OrderSide) bool {
	switch {
	case p.Quantity.IsPositive():
		return side == OrderSideSell
	case p.Quantity.IsNegative():
		return side == OrderSideBuy
	}
	return false
}
