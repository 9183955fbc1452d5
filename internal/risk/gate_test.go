package risk

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func snapshot() domain.PortfolioSnapshot {
	return domain.PortfolioSnapshot{
		Capital:      d("10000"),
		Equity:       d("10000"),
		PeakEquity:   d("10000"),
		Positions:    map[string]domain.Position{},
		Marks:        map[string]decimal.Decimal{"BTC-USD": d("10"), "ETH-USD": d("20"), "SOL-USD": d("5")},
		Correlations: map[domain.SymbolPair]float64{},
	}
}

func buy(symbol string) domain.ProposedOrder {
	return domain.ProposedOrder{
		Symbol:           symbol,
		Side:             domain.OrderSideBuy,
		Kind:             domain.OrderKindMarket,
		StopLossDistance: d("0.05"),
		StrategyTag:      "test",
	}
}

func TestSizingScenario(t *testing.T) {
	got := Validate(buy("BTC-USD"), snapshot(), DefaultLimits())
	require.True(t, got.Approved, got.Detail)
	assert.True(t, got.Quantity.Equal(d("400")), got.Quantity.String())
	assert.True(t, got.Notional.Equal(d("4000")))
	assert.True(t, got.Risk.Equal(d("200")))
	assert.NoError(t, got.Err())
}

func TestValidateIsPure(t *testing.T) {
	s := snapshot()
	s.Positions["ETH-USD"] = domain.Position{Symbol: "ETH-USD", Quantity: d("3"), AverageEntryPrice: d("18")}
	s.Correlations[domain.NewSymbolPair("BTC-USD", "ETH-USD")] = 0.4
	p := buy("BTC-USD")
	l := DefaultLimits()

	first := Validate(p, s, l)
	second := Validate(p, s, l)
	assert.Equal(t, first, second)
	assert.Len(t, s.Positions, 1, "snapshot must not be modified")
}

func TestRequestedQuantityCapsSize(t *testing.T) {
	p := buy("BTC-USD")
	p.Quantity = d("25")
	got := Validate(p, snapshot(), DefaultLimits())
	require.True(t, got.Approved)
	assert.True(t, got.Quantity.Equal(d("25")))
}

func TestLimitPriceUsedForSizing(t *testing.T) {
	p := buy("BTC-USD")
	p.Kind = domain.OrderKindLimit
	p.LimitPrice = decimal.NewNullDecimal(d("8"))
	got := Validate(p, snapshot(), DefaultLimits())
	require.True(t, got.Approved)
	assert.True(t, got.Quantity.Equal(d("500")))
}

func TestRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.ProposedOrder, *domain.PortfolioSnapshot, *Limits)
		want   domain.RiskReason
	}{
		{
			name: "risk fraction beyond capital",
			mutate: func(_ *domain.ProposedOrder, _ *domain.PortfolioSnapshot, l *Limits) {
				l.RiskPerTrade = d("0.06")
			},
			want: domain.RiskExceedsCapital,
		},
		{
			name: "below minimum size",
			mutate: func(_ *domain.ProposedOrder, _ *domain.PortfolioSnapshot, l *Limits) {
				l.MinOrderSize = d("1000")
			},
			want: domain.RiskBelowMinSize,
		},
		{
			name: "no price",
			mutate: func(p *domain.ProposedOrder, _ *domain.PortfolioSnapshot, _ *Limits) {
				p.Symbol = "DOGE-USD"
			},
			want: domain.RiskNoPrice,
		},
		{
			name: "sell without holding",
			mutate: func(p *domain.ProposedOrder, _ *domain.PortfolioSnapshot, _ *Limits) {
				p.Side = domain.OrderSideSell
			},
			want: domain.RiskNoHoldings,
		},
		{
			name: "invalid stop",
			mutate: func(p *domain.ProposedOrder, _ *domain.PortfolioSnapshot, _ *Limits) {
				p.StopLossDistance = d("1.5")
			},
			want: domain.RiskInvalidStopLoss,
		},
		{
			name: "max positions",
			mutate: func(_ *domain.ProposedOrder, s *domain.PortfolioSnapshot, l *Limits) {
				l.MaxPositions = 1
				s.Positions["SOL-USD"] = domain.Position{Symbol: "SOL-USD", Quantity: d("1")}
			},
			want: domain.RiskMaxPositions,
		},
		{
			name: "portfolio risk",
			mutate: func(_ *domain.ProposedOrder, s *domain.PortfolioSnapshot, _ *Limits) {
				// 180 units * 5 * 0.9 = 810 existing + 200 proposed > 1000.
				s.Positions["SOL-USD"] = domain.Position{Symbol: "SOL-USD", Quantity: d("180"), RiskWeight: d("0.9")}
			},
			want: domain.RiskPortfolioRisk,
		},
		{
			name: "correlation",
			mutate: func(_ *domain.ProposedOrder, s *domain.PortfolioSnapshot, _ *Limits) {
				s.Positions["ETH-USD"] = domain.Position{Symbol: "ETH-USD", Quantity: d("1")}
				s.Correlations[domain.NewSymbolPair("ETH-USD", "BTC-USD")] = -0.85
			},
			want: domain.RiskCorrelation,
		},
		{
			name: "drawdown",
			mutate: func(_ *domain.ProposedOrder, s *domain.PortfolioSnapshot, _ *Limits) {
				s.PeakEquity = d("12500")
			},
			want: domain.RiskDrawdown,
		},
		{
			name: "concentration",
			mutate: func(_ *domain.ProposedOrder, _ *domain.PortfolioSnapshot, l *Limits) {
				l.MaxConcentration = d("0.25")
			},
			want: domain.RiskConcentration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, s, l := buy("BTC-USD"), snapshot(), DefaultLimits()
			tt.mutate(&p, &s, &l)
			got := Validate(p, s, l)
			require.False(t, got.Approved)
			assert.Equal(t, tt.want, got.Reason, got.Detail)
			assert.NotEmpty(t, got.Detail)

			err := got.Err()
			require.ErrorIs(t, err, domain.ErrRiskRejected)
			var rej *domain.RiskRejection
			require.True(t, errors.As(err, &rej))
			assert.Equal(t, tt.want, rej.Reason)
		})
	}
}

func TestFirstFailingCheckWins(t *testing.T) {
	p, s, l := buy("BTC-USD"), snapshot(), DefaultLimits()
	l.MaxPositions = 1
	s.Positions["ETH-USD"] = domain.Position{Symbol: "ETH-USD", Quantity: d("1")}
	s.Correlations[domain.NewSymbolPair("ETH-USD", "BTC-USD")] = 0.99
	s.PeakEquity = d("50000")

	got := Validate(p, s, l)
	assert.Equal(t, domain.RiskMaxPositions, got.Reason)

	l.MaxPositions = 10
	got = Validate(p, s, l)
	assert.Equal(t, domain.RiskCorrelation, got.Reason)
}

func TestLiquidatingOrdersSkipRiskChecks(t *testing.T) {
	s := snapshot()
	s.PeakEquity = d("50000")
	s.Positions["BTC-USD"] = domain.Position{Symbol: "BTC-USD", Quantity: d("5"), AverageEntryPrice: d("9")}
	s.Positions["ETH-USD"] = domain.Position{Symbol: "ETH-USD", Quantity: d("1")}
	s.Correlations[domain.NewSymbolPair("ETH-USD", "BTC-USD")] = 0.99
	l := DefaultLimits()
	l.MaxPositions = 1

	p := buy("BTC-USD")
	p.Side = domain.OrderSideSell
	got := Validate(p, s, l)
	require.True(t, got.Approved, got.Detail)
	assert.True(t, got.Liquidating)
	assert.True(t, got.Quantity.Equal(d("5")))

	p.Quantity = d("2")
	got = Validate(p, s, l)
	require.True(t, got.Approved)
	assert.True(t, got.Quantity.Equal(d("2")))

	p.Quantity = d("50")
	got = Validate(p, s, l)
	assert.True(t, got.Quantity.Equal(d("5")), "liquidation is capped at the held quantity")
}

func TestAddingToHeldSymbolIgnoresMaxPositions(t *testing.T) {
	s := snapshot()
	s.Positions["BTC-USD"] = domain.Position{Symbol: "BTC-USD", Quantity: d("1")}
	l := DefaultLimits()
	l.MaxPositions = 1

	got := Validate(buy("BTC-USD"), s, l)
	assert.True(t, got.Approved, got.Detail)
}

func TestLimitsValidate(t *testing.T) {
	require.NoError(t, DefaultLimits().Validate())

	l := DefaultLimits()
	l.RiskPerTrade = decimal.Zero
	l.MaxCorrelation = 2
	l.DefaultStopLoss = decimal.Zero
	err := l.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "risk_per_trade")
	assert.Contains(t, err.Error(), "max_correlation")
	assert.Contains(t, err.Error(), "default_stop_loss")
}

func TestGateCheck(t *testing.T) {
	g := NewGate(DefaultLimits(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	got := g.Check(context.Background(), buy("BTC-USD"), snapshot())
	assert.True(t, got.Approved)
	assert.Equal(t, DefaultLimits(), g.Limits())
}
