package robinhood

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

// --------------------------------------------------------------------------
// Robinhood Crypto API DTOs
// --------------------------------------------------------------------------

// Account is the crypto trading account.
type Account struct {
	AccountNumber       string          `json:"account_number"`
	Status              string          `json:"status"` // "active", "deactivated", "sell_only"
	BuyingPower         decimal.Decimal `json:"buying_power"`
	BuyingPowerCurrency string          `json:"buying_power_currency"`
}

// Holding is one asset balance.
type Holding struct {
	AccountNumber            string          `json:"account_number"`
	AssetCode                string          `json:"asset_code"`
	TotalQuantity            decimal.Decimal `json:"total_quantity"`
	QuantityAvailableTrading decimal.Decimal `json:"quantity_available_for_trading"`
}

// Symbol returns the USD trading pair for the holding's asset.
func (h Holding) Symbol() string { return h.AssetCode + "-USD" }

// BestBidAsk is a top-of-book quote inclusive of spread.
type BestBidAsk struct {
	Symbol     string          `json:"symbol"`
	Price      decimal.Decimal `json:"price"`
	Bid        decimal.Decimal `json:"bid_inclusive_of_sell_spread"`
	SellSpread decimal.Decimal `json:"sell_spread"`
	Ask        decimal.Decimal `json:"ask_inclusive_of_buy_spread"`
	BuySpread  decimal.Decimal `json:"buy_spread"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Quote converts to the domain quote. Seq is left zero; REST quotes are not
// sequenced.
func (b BestBidAsk) Quote() domain.Quote {
	return domain.Quote{
		Symbol:    b.Symbol,
		Bid:       b.Bid,
		Ask:       b.Ask,
		Last:      b.Price,
		Timestamp: b.Timestamp,
	}
}

// PriceEstimate is one row of the estimated_price response.
type PriceEstimate struct {
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"` // "bid", "ask"
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Bid       decimal.Decimal `json:"bid_inclusive_of_sell_spread"`
	Ask       decimal.Decimal `json:"ask_inclusive_of_buy_spread"`
	Timestamp time.Time       `json:"timestamp"`
}

type marketOrderConfig struct {
	AssetQuantity decimal.Decimal `json:"asset_quantity"`
}

type limitOrderConfig struct {
	AssetQuantity decimal.Decimal `json:"asset_quantity"`
	LimitPrice    decimal.Decimal `json:"limit_price"`
	TimeInForce   string          `json:"time_in_force"`
}

// placeOrderRequest is the POST body for a new order.
type placeOrderRequest struct {
	ClientOrderID     string             `json:"client_order_id"`
	Side              string             `json:"side"`
	Type              string             `json:"type"`
	Symbol            string             `json:"symbol"`
	MarketOrderConfig *marketOrderConfig `json:"market_order_config,omitempty"`
	LimitOrderConfig  *limitOrderConfig  `json:"limit_order_config,omitempty"`
}

// Execution is one fill reported on an order.
type Execution struct {
	EffectivePrice decimal.Decimal `json:"effective_price"`
	Quantity       decimal.Decimal `json:"quantity"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Order is the broker's view of an order.
type Order struct {
	ID                  string          `json:"id"`
	AccountNumber       string          `json:"account_number"`
	ClientOrderID       string          `json:"client_order_id"`
	Symbol              string          `json:"symbol"`
	Side                string          `json:"side"`
	Type                string          `json:"type"`
	State               string          `json:"state"` // "open", "partially_filled", "filled", "canceled", "failed"
	AveragePrice        decimal.Decimal `json:"average_price"`
	FilledAssetQuantity decimal.Decimal `json:"filled_asset_quantity"`
	Executions          []Execution     `json:"executions"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// Broker order states.
const (
	StateOpen            = "open"
	StatePartiallyFilled = "partially_filled"
	StateFilled          = "filled"
	StateCanceled        = "canceled"
	StateFailed          = "failed"
)

// Fills converts executions to domain fills. The broker does not assign
// execution IDs, so each is keyed by its content: timestamp, quantity and
// price, plus an occurrence count for identical executions. Keys therefore
// survive reordering and insertion between polls.
func (o Order) Fills() []domain.Fill {
	fills := make([]domain.Fill, 0, len(o.Executions))
	seen := make(map[string]int, len(o.Executions))
	for _, e := range o.Executions {
		key := fmt.Sprintf("%d|%s|%s", e.Timestamp.UnixNano(), e.Quantity.String(), e.EffectivePrice.String())
		n := seen[key]
		seen[key] = n + 1
		sum := sha256.Sum256(fmt.Appendf(nil, "%s|%d", key, n))
		fills = append(fills, domain.Fill{
			ID:        fmt.Sprintf("%s-%s", o.ID, hex.EncodeToString(sum[:8])),
			Quantity:  e.Quantity,
			Price:     e.EffectivePrice,
			Timestamp: e.Timestamp,
		})
	}
	return fills
}

// Terminal reports whether the broker will not change the order further.
func (o Order) Terminal() bool {
	switch o.State {
	case StateFilled, StateCanceled, StateFailed:
		return true
	}
	return false
}

// page is the envelope used by list endpoints.
type page[T any] struct {
	Next     string `json:"next"`
	Previous string `json:"previous"`
	Results  []T    `json:"results"`
}
