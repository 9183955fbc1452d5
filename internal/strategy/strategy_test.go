package strategy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type staticPortfolio struct{ snap domain.PortfolioSnapshot }

func (s staticPortfolio) Snapshot() domain.PortfolioSnapshot { return s.snap }

func emptySnapshot() domain.PortfolioSnapshot {
	return domain.PortfolioSnapshot{Positions: map[string]domain.Position{}, Marks: map[string]decimal.Decimal{}}
}

func quoteAt(symbol string, mid float64, ts time.Time) domain.Quote {
	m := decimal.NewFromFloat(mid)
	return domain.Quote{
		Symbol:    symbol,
		Bid:       m.Sub(decimal.RequireFromString("0.01")),
		Ask:       m.Add(decimal.RequireFromString("0.01")),
		Timestamp: ts,
	}
}

func TestUnknownStrategyIsConfigError(t *testing.T) {
	_, err := New(Config{Name: "momentum"}, discard())
	require.ErrorIs(t, err, ErrUnknownStrategy)

	_, err = Build([]Config{{Name: "mean_reversion"}, {Name: "mean_reversion"}}, discard())
	require.Error(t, err)

	reg, err := Build([]Config{{Name: "mean_reversion"}, {Name: "market_maker"}}, discard())
	require.NoError(t, err)
	assert.Equal(t, []string{"market_maker", "mean_reversion"}, reg.List())
	assert.Equal(t, []string{"market_maker", "mean_reversion"}, Available())
}

func TestMeanReversionBuysDipAndExitsSpike(t *testing.T) {
	mr := NewMeanReversion(Config{
		Name:     "mean_reversion",
		StopLoss: decimal.RequireFromString("0.05"),
		Params:   map[string]any{"min_samples": int64(10), "cooldown": "0s"},
	}, discard())
	base := time.Unix(1_700_000_000, 0)
	snap := emptySnapshot()

	var quotes []domain.Quote
	for i := range 30 {
		px := 100.0
		if i%2 == 0 {
			px = 100.1
		}
		quotes = append(quotes, quoteAt("BTC-USD", px, base.Add(time.Duration(i)*time.Second)))
	}
	assert.Empty(t, mr.GenerateSignals(quotes, snap))

	got := mr.GenerateSignals([]domain.Quote{quoteAt("BTC-USD", 90, base.Add(31*time.Second))}, snap)
	require.Len(t, got, 1)
	assert.Equal(t, domain.OrderSideBuy, got[0].Side)
	assert.Equal(t, "mean_reversion", got[0].StrategyTag)
	assert.True(t, got[0].StopLossDistance.Equal(decimal.RequireFromString("0.05")))

	// A spike without a position yields nothing; with one it exits.
	spike := []domain.Quote{quoteAt("BTC-USD", 130, base.Add(32*time.Second))}
	assert.Empty(t, mr.GenerateSignals(spike, snap))

	held := emptySnapshot()
	held.Positions["BTC-USD"] = domain.Position{Symbol: "BTC-USD", Quantity: decimal.NewFromInt(2)}
	got = mr.GenerateSignals([]domain.Quote{quoteAt("BTC-USD", 135, base.Add(33*time.Second))}, held)
	require.Len(t, got, 1)
	assert.Equal(t, domain.OrderSideSell, got[0].Side)
	assert.True(t, got[0].Quantity.IsZero(), "exit quantity is left to the risk gate")
}

func TestMarketMakerQuotesAndSkews(t *testing.T) {
	mm := NewMarketMaker(Config{
		Name:     "market_maker",
		Quantity: decimal.NewFromInt(1),
		Params: map[string]any{
			"base_spread":   0.01,
			"min_spread":    0.01,
			"max_spread":    0.01,
			"max_inventory": "10",
		},
	}, discard())
	ts := time.Unix(1_700_000_000, 0)

	got := mm.GenerateSignals([]domain.Quote{quoteAt("ETH-USD", 100, ts)}, emptySnapshot())
	require.Len(t, got, 1, "no inventory: only the bid is quoted")
	assert.Equal(t, domain.OrderSideBuy, got[0].Side)
	assert.Equal(t, domain.OrderKindLimit, got[0].Kind)
	assert.True(t, got[0].LimitPrice.Decimal.Equal(decimal.RequireFromString("99.5")), got[0].LimitPrice.Decimal.String())

	// The bid is pending: a moved market does not quote it again.
	got = mm.GenerateSignals([]domain.Quote{quoteAt("ETH-USD", 101, ts.Add(time.Second))}, emptySnapshot())
	assert.Empty(t, got)

	// Long 5 of max 10: both quotes shift down by a quarter of the spread.
	long := emptySnapshot()
	long.Positions["ETH-USD"] = domain.Position{Symbol: "ETH-USD", Quantity: decimal.NewFromInt(5)}
	mm2 := NewMarketMaker(mm.cfg, discard())
	got = mm2.GenerateSignals([]domain.Quote{quoteAt("ETH-USD", 100, ts)}, long)
	require.Len(t, got, 2)
	assert.True(t, got[0].LimitPrice.Decimal.Equal(decimal.RequireFromString("99.25")), got[0].LimitPrice.Decimal.String())
	assert.Equal(t, domain.OrderSideSell, got[1].Side)
	assert.True(t, got[1].LimitPrice.Decimal.Equal(decimal.RequireFromString("100.25")), got[1].LimitPrice.Decimal.String())
}

func TestMarketMakerFeedbackFreesSide(t *testing.T) {
	mm := NewMarketMaker(Config{
		Name:     "market_maker",
		Quantity: decimal.NewFromInt(1),
		Params:   map[string]any{"requote_threshold": 0.0},
	}, discard())
	ts := time.Unix(1_700_000_000, 0)
	require.Len(t, mm.GenerateSignals([]domain.Quote{quoteAt("ETH-USD", 100, ts)}, emptySnapshot()), 1)

	order := domain.Order{ID: "o1", Symbol: "ETH-USD", Side: domain.OrderSideBuy, StrategyTag: "market_maker", State: domain.OrderStateAcknowledged}
	mm.OnOrderEvent(domain.OrderEvent{Order: order})
	assert.Empty(t, mm.GenerateSignals([]domain.Quote{quoteAt("ETH-USD", 100, ts.Add(time.Hour))}, emptySnapshot()))

	order.State = domain.OrderStateFilled
	mm.OnOrderEvent(domain.OrderEvent{Order: order})
	assert.Len(t, mm.GenerateSignals([]domain.Quote{quoteAt("ETH-USD", 100, ts.Add(2*time.Hour))}, emptySnapshot()), 1)
}

// scripted emits one proposal per quote and counts observed events.
type scripted struct {
	name     string
	observed atomic.Int32
	block    chan struct{}
}

func (s *scripted) Name() string { return s.name }

func (s *scripted) GenerateSignals(quotes []domain.Quote, _ domain.PortfolioSnapshot) []domain.ProposedOrder {
	if s.block != nil {
		<-s.block
	}
	out := make([]domain.ProposedOrder, 0, len(quotes))
	for _, q := range quotes {
		out = append(out, domain.ProposedOrder{Symbol: q.Symbol, Side: domain.OrderSideBuy})
	}
	return out
}

func (s *scripted) OnOrderEvent(domain.OrderEvent) { s.observed.Add(1) }

func TestEngineFansOutAndStops(t *testing.T) {
	a, b := &scripted{name: "a"}, &scripted{name: "b"}
	reg := NewRegistry()
	require.NoError(t, reg.Register(a))
	require.NoError(t, reg.Register(b))

	out := make(chan domain.ProposedOrder, 16)
	eng := NewEngine(reg, staticPortfolio{emptySnapshot()}, out, 4, discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	eng.Publish([]domain.Quote{{Symbol: "BTC-USD"}})
	tags := map[string]int{}
	for range 2 {
		select {
		case p := <-out:
			tags[p.StrategyTag]++
		case <-time.After(time.Second):
			t.Fatal("no proposal")
		}
	}
	assert.Equal(t, map[string]int{"a": 1, "b": 1}, tags)

	require.NoError(t, eng.Stop("a"))
	require.ErrorIs(t, eng.Stop("zzz"), ErrUnknownStrategy)
	eng.Publish([]domain.Quote{{Symbol: "ETH-USD"}})
	select {
	case p := <-out:
		assert.Equal(t, "b", p.StrategyTag)
	case <-time.After(time.Second):
		t.Fatal("no proposal from b")
	}
	select {
	case p := <-out:
		t.Fatalf("stopped strategy emitted %+v", p)
	case <-time.After(50 * time.Millisecond):
	}

	eng.Observe(domain.OrderEvent{Order: domain.Order{StrategyTag: "b"}})
	eng.Observe(domain.OrderEvent{Order: domain.Order{StrategyTag: "unknown"}})
	assert.Equal(t, int32(1), b.observed.Load())
	assert.Equal(t, int32(0), a.observed.Load())

	info := eng.Info()
	require.Len(t, info, 2)
	assert.Equal(t, "stopped", info[0].Status)
	assert.Equal(t, "running", info[1].Status)
	assert.Equal(t, int64(2), info[1].SignalsSent)
	assert.Len(t, eng.RecentSignals(10), 3)

	cancel()
	err := <-done
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestEngineDropsOldestWhenStrategyLags(t *testing.T) {
	slow := &scripted{name: "slow", block: make(chan struct{})}
	reg := NewRegistry()
	require.NoError(t, reg.Register(slow))
	out := make(chan domain.ProposedOrder, 16)
	eng := NewEngine(reg, staticPortfolio{emptySnapshot()}, out, 2, discard())

	// Not running: the queue holds two batches and drops the rest.
	for _, sym := range []string{"A", "B", "C", "D"} {
		eng.Publish([]domain.Quote{{Symbol: sym}})
	}
	assert.Equal(t, int64(2), eng.Info()[0].Dropped)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = eng.Run(ctx) }()
	close(slow.block)

	var got []string
	for range 2 {
		select {
		case p := <-out:
			got = append(got, p.Symbol)
		case <-time.After(time.Second):
			t.Fatal("no proposal")
		}
	}
	assert.Equal(t, []string{"C", "D"}, got)
}
