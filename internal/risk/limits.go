package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Limits are the static risk parameters of a process. Fractions are of
// capital unless noted otherwise.
type Limits struct {
	// MaxPositions caps the number of symbols held at once. Zero disables.
	MaxPositions int
	// RiskPerTrade is the fraction of capital put at risk by one order.
	RiskPerTrade decimal.Decimal
	// MaxPortfolioRisk caps the summed risk of all positions plus the
	// proposed order. Zero disables.
	MaxPortfolioRisk decimal.Decimal
	// MaxCorrelation is the largest absolute correlation allowed between
	// the proposed symbol and any held symbol. Zero disables.
	MaxCorrelation float64
	// MaxDrawdown blocks risk-increasing orders once reached. Zero disables.
	MaxDrawdown decimal.Decimal
	// MaxConcentration caps the resulting position notional. Zero disables.
	MaxConcentration decimal.Decimal
	// MinOrderSize is the smallest quantity the broker accepts.
	MinOrderSize decimal.Decimal
	// DefaultStopLoss is used when a proposal carries no stop distance.
	DefaultStopLoss decimal.Decimal
}

// DefaultLimits mirrors the conservative defaults used in production.
func DefaultLimits() Limits {
	return Limits{
		MaxPositions:     10,
		RiskPerTrade:     decimal.RequireFromString("0.02"),
		MaxPortfolioRisk: decimal.RequireFromString("0.10"),
		MaxCorrelation:   0.7,
		MaxDrawdown:      decimal.RequireFromString("0.20"),
		MinOrderSize:     decimal.RequireFromString("0.000001"),
		DefaultStopLoss:  decimal.RequireFromString("0.05"),
	}
}

// Validate reports every out-of-range limit.
func (l Limits) Validate() error {
	var errs []error
	if l.MaxPositions < 0 {
		errs = append(errs, fmt.Errorf("max_positions must be >= 0, got %d", l.MaxPositions))
	}
	if !l.RiskPerTrade.IsPositive() || l.RiskPerTrade.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Errorf("risk_per_trade must be in (0, 1], got %s", l.RiskPerTrade))
	}
	if l.MaxPortfolioRisk.IsNegative() {
		errs = append(errs, fmt.Errorf("max_portfolio_risk must be >= 0, got %s", l.MaxPortfolioRisk))
	}
	if l.MaxCorrelation < 0 || l.MaxCorrelation > 1 {
		errs = append(errs, fmt.Errorf("max_correlation must be in [0, 1], got %g", l.MaxCorrelation))
	}
	if l.MaxDrawdown.IsNegative() || l.MaxDrawdown.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Errorf("max_drawdown must be in [0, 1], got %s", l.MaxDrawdown))
	}
	if l.MaxConcentration.IsNegative() {
		errs = append(errs, fmt.Errorf("max_concentration must be >= 0, got %s", l.MaxConcentration))
	}
	if l.MinOrderSize.IsNegative() {
		errs = append(errs, fmt.Errorf("min_order_size must be >= 0, got %s", l.MinOrderSize))
	}
	if !validStop(l.DefaultStopLoss) {
		errs = append(errs, fmt.Errorf("default_stop_loss must be in (0, 1), got %s", l.DefaultStopLoss))
	}
	return errors.Join(errs...)
}

func validStop(d decimal.Decimal) bool {
	return d.IsPositive() && d.LessThan(decimal.NewFromInt(1))
}
