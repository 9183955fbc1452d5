package portfolio

import (
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTracker() *Tracker {
	return NewTracker(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func orderWithFills(id string, side domain.OrderSide, fills ...domain.Fill) domain.OrderEvent {
	return domain.OrderEvent{Order: domain.Order{
		ID:               id,
		Symbol:           "BTC-USD",
		Side:             side,
		StopLossDistance: d("0.05"),
		Fills:            fills,
	}}
}

func TestFillsRecomputeEntryPrice(t *testing.T) {
	tr := newTracker()
	tr.Seed(d("10000"), nil)

	f1 := domain.Fill{ID: "a", Quantity: d("1"), Price: d("100")}
	f2 := domain.Fill{ID: "b", Quantity: d("3"), Price: d("200")}
	tr.OnOrderEvent(orderWithFills("o1", domain.OrderSideBuy, f1))
	tr.OnOrderEvent(orderWithFills("o1", domain.OrderSideBuy, f1, f2))
	// Replay must not double count.
	tr.OnOrderEvent(orderWithFills("o1", domain.OrderSideBuy, f1, f2))

	snap := tr.Snapshot()
	pos, ok := snap.Position("BTC-USD")
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(d("4")))
	assert.True(t, pos.AverageEntryPrice.Equal(d("175")), pos.AverageEntryPrice.String())
	assert.True(t, pos.RiskWeight.Equal(d("0.05")))
	assert.True(t, tr.Cash().Equal(d("9300")))
	assert.True(t, snap.Equity.Equal(d("10000")))
}

func TestSellRealizesPnL(t *testing.T) {
	tr := newTracker()
	tr.Seed(d("0"), []domain.Position{{Symbol: "BTC-USD", Quantity: d("2"), AverageEntryPrice: d("100")}})

	tr.OnOrderEvent(orderWithFills("s1", domain.OrderSideSell, domain.Fill{ID: "x", Quantity: d("0.5"), Price: d("120")}))
	snap := tr.Snapshot()
	pos, _ := snap.Position("BTC-USD")
	assert.True(t, pos.Quantity.Equal(d("1.5")))
	assert.True(t, pos.AverageEntryPrice.Equal(d("100")))
	assert.True(t, pos.RealizedPnL.Equal(d("10")))
	assert.True(t, tr.Cash().Equal(d("60")))

	tr.OnOrderEvent(orderWithFills("s2", domain.OrderSideSell, domain.Fill{ID: "y", Quantity: d("1.5"), Price: d("90")}))
	snap = tr.Snapshot()
	_, open := snap.Position("BTC-USD")
	assert.False(t, open)
	assert.True(t, snap.Positions["BTC-USD"].RealizedPnL.Equal(d("-5")))
	assert.Equal(t, 0, snap.OpenPositions())
}

func TestMarksDriveEquityAndPeak(t *testing.T) {
	tr := newTracker()
	tr.Seed(d("1000"), []domain.Position{{Symbol: "ETH-USD", Quantity: d("10"), AverageEntryPrice: d("100")}})
	assert.True(t, tr.Snapshot().Equity.Equal(d("2000")))

	tr.UpdateQuote(domain.Quote{Symbol: "ETH-USD", Bid: d("149"), Ask: d("151")})
	snap := tr.Snapshot()
	assert.True(t, snap.Equity.Equal(d("2500")))
	assert.True(t, snap.PeakEquity.Equal(d("2500")))
	assert.True(t, snap.Positions["ETH-USD"].UnrealizedPnL.Equal(d("500")))

	tr.UpdateQuote(domain.Quote{Symbol: "ETH-USD", Last: d("50")})
	snap = tr.Snapshot()
	assert.True(t, snap.Equity.Equal(d("1500")))
	assert.True(t, snap.PeakEquity.Equal(d("2500")))
	assert.True(t, snap.Drawdown().Equal(d("0.4")))
}

func TestSnapshotIsDetached(t *testing.T) {
	tr := newTracker()
	tr.Seed(d("100"), nil)
	tr.UpdateQuote(domain.Quote{Symbol: "BTC-USD", Last: d("10")})
	snap := tr.Snapshot()
	snap.Marks["BTC-USD"] = d("99")
	assert.True(t, tr.Snapshot().Marks["BTC-USD"].Equal(d("10")))
}

func TestCorrelationTracker(t *testing.T) {
	c := NewCorrelationTracker(50, 5)
	a, b, inv := 100.0, 50.0, 80.0
	for i := range 20 {
		step := 1 + 0.01*float64(i%3+1)
		if i%2 == 0 {
			step = 1 / step
		}
		a *= step
		b *= step
		inv /= step
		c.Observe(map[string]decimal.Decimal{
			"A": decimal.NewFromFloat(a),
			"B": decimal.NewFromFloat(b),
			"C": decimal.NewFromFloat(inv),
		})
	}

	ab, ok := c.Correlation("A", "B")
	require.True(t, ok)
	assert.InDelta(t, 1.0, ab, 1e-6)
	ac, ok := c.Correlation("A", "C")
	require.True(t, ok)
	assert.InDelta(t, -1.0, ac, 1e-6)

	_, ok = c.Correlation("A", "missing")
	assert.False(t, ok)

	m := c.Matrix([]string{"C", "A", "B", "A"})
	assert.Len(t, m, 3)
	assert.InDelta(t, 1.0, m[domain.NewSymbolPair("B", "A")], 1e-6)
	assert.False(t, math.IsNaN(m[domain.NewSymbolPair("B", "C")]))
}

func TestCorrelationNeedsSamples(t *testing.T) {
	c := NewCorrelationTracker(10, 5)
	for i := range 3 {
		c.Observe(map[string]decimal.Decimal{
			"A": decimal.NewFromInt(int64(100 + i)),
			"B": decimal.NewFromInt(int64(200 - i)),
		})
	}
	_, ok := c.Correlation("A", "B")
	assert.False(t, ok)
}

func TestTrackerSnapshotCarriesCorrelations(t *testing.T) {
	corr := NewCorrelationTracker(20, 3)
	tr := NewTracker(corr, slog.New(slog.NewTextHandler(io.Discard, nil)))
	tr.Seed(d("1000"), nil)
	for i := range 6 {
		px := 100 + (i%2)*5
		tr.UpdateQuote(domain.Quote{Symbol: "BTC-USD", Last: decimal.NewFromInt(int64(px))})
		tr.UpdateQuote(domain.Quote{Symbol: "ETH-USD", Last: decimal.NewFromInt(int64(px * 2))})
		tr.SampleCorrelations()
	}
	snap := tr.Snapshot()
	c, ok := snap.Correlation("BTC-USD", "ETH-USD")
	require.True(t, ok)
	assert.InDelta(t, 1.0, c, 1e-9)
}

func TestMarkAppliedSkipsFillsInSeededBalances(t *testing.T) {
	tr := newTracker()
	// Broker balances already hold the first 0.3 executed before a restart.
	tr.Seed(d("9970"), []domain.Position{{Symbol: "BTC-USD", Quantity: d("0.3"), AverageEntryPrice: d("100")}})
	tr.MarkApplied("o1", 1)

	f1 := domain.Fill{ID: "a", Quantity: d("0.3"), Price: d("100")}
	f2 := domain.Fill{ID: "b", Quantity: d("0.7"), Price: d("100")}
	tr.OnOrderEvent(orderWithFills("o1", domain.OrderSideBuy, f1, f2))

	pos, ok := tr.Snapshot().Position("BTC-USD")
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(d("1")), pos.Quantity.String())
	assert.True(t, tr.Cash().Equal(d("9900")), tr.Cash().String())
}

func TestMarkAppliedNeverLowersCount(t *testing.T) {
	tr := newTracker()
	tr.Seed(d("1000"), nil)

	f1 := domain.Fill{ID: "a", Quantity: d("1"), Price: d("100")}
	tr.OnOrderEvent(orderWithFills("o1", domain.OrderSideBuy, f1))
	tr.MarkApplied("o1", 0)
	tr.OnOrderEvent(orderWithFills("o1", domain.OrderSideBuy, f1))

	pos, _ := tr.Snapshot().Position("BTC-USD")
	assert.True(t, pos.Quantity.Equal(d("1")))
	assert.True(t, tr.Cash().Equal(d("900")))
}
