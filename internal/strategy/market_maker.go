package strategy

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

const (
	defaultBaseSpread       = 0.001
	defaultMinSpread        = 0.0005
	defaultMaxSpread        = 0.01
	defaultVolatilityFactor = 2.0
	defaultRequoteThreshold = 0.001
	defaultRefreshInterval  = 30 * time.Second
	defaultVolatilityWindow = 10 * time.Minute
	defaultPriceDecimals    = 2
)

// quoteState is the last quoted mid for a symbol (for requote logic).
type quoteState struct {
	mid float64
	at  time.Time
}

// sideState tracks a live or pending quote order on one side. orderID is
// empty between proposal and the ledger's Created event.
type sideState struct {
	orderID string
	since   time.Time
}

// MarketMaker quotes both sides around the mid with a volatility-widened
// spread, skewing prices against current inventory so fills pull the
// position back toward the target.
type MarketMaker struct {
	cfg              Config
	tracker          *PriceTracker
	baseSpread       float64
	minSpread        float64
	maxSpread        float64
	volFactor        float64
	requoteThreshold float64
	refresh          time.Duration
	priceDecimals    int32
	target           decimal.Decimal
	maxInventory     decimal.Decimal
	logger           *slog.Logger

	mu          sync.Mutex
	lastQuote   map[string]quoteState
	outstanding map[string]map[domain.OrderSide]sideState
}

// NewMarketMaker creates a MarketMaker. Params (all optional):
// base_spread, min_spread, max_spread, volatility_factor, requote_threshold
// (fractions of mid), refresh_interval, volatility_window (durations),
// price_decimals (int), inventory_target and max_inventory (decimal strings,
// in asset units; zero max_inventory disables the cap).
func NewMarketMaker(cfg Config, logger *slog.Logger) *MarketMaker {
	return &MarketMaker{
		cfg:              cfg,
		tracker:          NewPriceTracker(cfg.paramDuration("volatility_window", defaultVolatilityWindow)),
		baseSpread:       cfg.paramFloat("base_spread", defaultBaseSpread),
		minSpread:        cfg.paramFloat("min_spread", defaultMinSpread),
		maxSpread:        cfg.paramFloat("max_spread", defaultMaxSpread),
		volFactor:        cfg.paramFloat("volatility_factor", defaultVolatilityFactor),
		requoteThreshold: cfg.paramFloat("requote_threshold", defaultRequoteThreshold),
		refresh:          cfg.paramDuration("refresh_interval", defaultRefreshInterval),
		priceDecimals:    int32(cfg.paramInt("price_decimals", defaultPriceDecimals)),
		target:           cfg.paramDecimal("inventory_target", decimal.Zero),
		maxInventory:     cfg.paramDecimal("max_inventory", decimal.Zero),
		logger:           logger.With(slog.String("strategy", "market_maker")),
		lastQuote:        make(map[string]quoteState),
		outstanding:      make(map[string]map[domain.OrderSide]sideState),
	}
}

// Name returns the strategy identifier.
func (mm *MarketMaker) Name() string { return "market_maker" }

// GenerateSignals proposes limit orders on each side that has no live quote.
func (mm *MarketMaker) GenerateSignals(quotes []domain.Quote, portfolio domain.PortfolioSnapshot) []domain.ProposedOrder {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	var out []domain.ProposedOrder
	for _, q := range quotes {
		if !mm.cfg.wants(q.Symbol) || !q.Bid.IsPositive() || !q.Ask.IsPositive() {
			continue
		}
		mid, _ := q.Mid().Float64()
		ts := q.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		mm.tracker.Track(q.Symbol, mid, ts)

		if last, ok := mm.lastQuote[q.Symbol]; ok {
			moved := math.Abs(mid-last.mid) / last.mid
			if moved < mm.requoteThreshold && ts.Sub(last.at) < mm.refresh {
				continue
			}
		}

		spread := mm.spread(q.Symbol)
		inventory := decimal.Zero
		if pos, ok := portfolio.Position(q.Symbol); ok {
			inventory = pos.Quantity
		}
		skew := mm.skew(inventory, spread)
		bid := decimal.NewFromFloat(mid * (1 - spread/2 + skew)).Round(mm.priceDecimals)
		ask := decimal.NewFromFloat(mid * (1 + spread/2 + skew)).Round(mm.priceDecimals)

		qty := mm.cfg.Quantity
		if mm.canQuote(q.Symbol, domain.OrderSideBuy, ts) &&
			(mm.maxInventory.IsZero() || inventory.Add(qty).LessThanOrEqual(mm.maxInventory)) {
			out = append(out, mm.proposal(q.Symbol, domain.OrderSideBuy, bid, qty))
			mm.markPending(q.Symbol, domain.OrderSideBuy, ts)
		}
		if mm.canQuote(q.Symbol, domain.OrderSideSell, ts) &&
			inventory.IsPositive() && inventory.GreaterThanOrEqual(qty) {
			out = append(out, mm.proposal(q.Symbol, domain.OrderSideSell, ask, qty))
			mm.markPending(q.Symbol, domain.OrderSideSell, ts)
		}
		mm.lastQuote[q.Symbol] = quoteState{mid: mid, at: ts}
	}
	return out
}

// OnOrderEvent records which of this strategy's quotes are live so a side is
// not quoted twice.
func (mm *MarketMaker) OnOrderEvent(ev domain.OrderEvent) {
	o := ev.Order
	if o.StrategyTag != mm.Name() {
		return
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()

	sides := mm.outstanding[o.Symbol]
	if sides == nil {
		sides = make(map[domain.OrderSide]sideState)
		mm.outstanding[o.Symbol] = sides
	}
	cur, ok := sides[o.Side]
	if o.State.Terminal() {
		if ok && (cur.orderID == "" || cur.orderID == o.ID) {
			delete(sides, o.Side)
		}
		return
	}
	if !ok || cur.orderID == "" {
		sides[o.Side] = sideState{orderID: o.ID, since: o.CreatedAt}
	}
}

// spread is the base spread widened by recent relative volatility, clamped
// to [min, max].
func (mm *MarketMaker) spread(symbol string) float64 {
	s := mm.baseSpread
	if avg, vol := mm.tracker.Stats(symbol); avg > 0 {
		s += mm.volFactor * vol / avg
	}
	return math.Max(mm.minSpread, math.Min(mm.maxSpread, s))
}

// skew shifts both quotes down when long of target and up when short, by up
// to half the spread at max inventory.
func (mm *MarketMaker) skew(inventory decimal.Decimal, spread float64) float64 {
	if !mm.maxInventory.IsPositive() {
		return 0
	}
	ratio, _ := inventory.Sub(mm.target).Div(mm.maxInventory).Float64()
	ratio = math.Max(-1, math.Min(1, ratio))
	return -ratio * spread / 2
}

// canQuote reports whether side is free. A pending proposal that never
// produced an order expires after the refresh interval.
func (mm *MarketMaker) canQuote(symbol string, side domain.OrderSide, now time.Time) bool {
	st, ok := mm.outstanding[symbol][side]
	if !ok {
		return true
	}
	return st.orderID == "" && now.Sub(st.since) >= mm.refresh
}

func (mm *MarketMaker) markPending(symbol string, side domain.OrderSide, now time.Time) {
	sides := mm.outstanding[symbol]
	if sides == nil {
		sides = make(map[domain.OrderSide]sideState)
		mm.outstanding[symbol] = sides
	}
	sides[side] = sideState{since: now}
}

func (mm *MarketMaker) proposal(symbol string, side domain.OrderSide, price, qty decimal.Decimal) domain.ProposedOrder {
	return domain.ProposedOrder{
		Symbol:           symbol,
		Side:             side,
		Kind:             domain.OrderKindLimit,
		Quantity:         qty,
		LimitPrice:       decimal.NewNullDecimal(price),
		StopLossDistance: mm.cfg.StopLoss,
		StrategyTag:      mm.Name(),
		Reason:           fmt.Sprintf("market maker %s quote at %s", side, price),
		DedupKey:         fmt.Sprintf("%s:%s:%s:%s", mm.Name(), symbol, side, price),
	}
}
