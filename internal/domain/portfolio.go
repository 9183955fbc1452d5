package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PortfolioSnapshot is a read-only view of the account handed to strategies
// and the risk gate. Maps must not be mutated by receivers.
type PortfolioSnapshot struct {
	Capital      decimal.Decimal            `json:"capital"`
	Equity       decimal.Decimal            `json:"equity"`
	PeakEquity   decimal.Decimal            `json:"peak_equity"`
	Positions    map[string]Position        `json:"positions"`
	Marks        map[string]decimal.Decimal `json:"marks"`
	Correlations map[SymbolPair]float64     `json:"-"`
	TakenAt      time.Time                  `json:"taken_at"`
}

// SymbolPair is an unordered pair key; use NewSymbolPair to build one.
type SymbolPair struct {
	A, B string
}

// NewSymbolPair orders the two symbols so (x, y) and (y, x) share a key.
func NewSymbolPair(x, y string) SymbolPair {
	if x > y {
		x, y = y, x
	}
	return SymbolPair{A: x, B: y}
}

// Position returns the position for symbol, if any quantity is held.
func (s PortfolioSnapshot) Position(symbol string) (Position, bool) {
	p, ok := s.Positions[symbol]
	if !ok || !p.Open() {
		return Position{}, false
	}
	return p, true
}

// OpenPositions returns the number of symbols with a non-zero holding.
func (s PortfolioSnapshot) OpenPositions() int {
	n := 0
	for _, p := range s.Positions {
		if p.Open() {
			n++
		}
	}
	return n
}

// Mark returns the latest mark price for symbol, or the position's average
// entry price when no quote has been seen yet.
func (s PortfolioSnapshot) Mark(symbol string) (decimal.Decimal, bool) {
	if m, ok := s.Marks[symbol]; ok && m.IsPositive() {
		return m, true
	}
	if p, ok := s.Positions[symbol]; ok && p.AverageEntryPrice.IsPositive() {
		return p.AverageEntryPrice, true
	}
	return decimal.Zero, false
}

// Correlation returns the tracked correlation between two symbols and
// whether one is known.
func (s PortfolioSnapshot) Correlation(a, b string) (float64, bool) {
	if a == b {
		return 1, true
	}
	c, ok := s.Correlations[NewSymbolPair(a, b)]
	return c, ok
}

// Drawdown returns (peak - equity) / peak, or zero without a peak.
func (s PortfolioSnapshot) Drawdown() decimal.Decimal {
	if !s.PeakEquity.IsPositive() {
		return decimal.Zero
	}
	dd := s.PeakEquity.Sub(s.Equity).Div(s.PeakEquity)
	if dd.IsNegative() {
		return decimal.Zero
	}
	return dd
}
