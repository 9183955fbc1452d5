package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote is an immutable top-of-book update for one symbol.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
}

// Mid returns the bid/ask midpoint, falling back to the last trade price
// when either side is missing.
func (q Quote) Mid() decimal.Decimal {
	if q.Bid.IsPositive() && q.Ask.IsPositive() {
		return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
	}
	return q.Last
}

// BookSide identifies a side of the order book.
type BookSide string

const (
	BookSideBid BookSide = "bid"
	BookSideAsk BookSide = "ask"
)

// OrderBookDelta replaces one price level. Quantity zero removes the level.
type OrderBookDelta struct {
	Symbol    string          `json:"symbol"`
	Seq       uint64          `json:"seq"`
	Side      BookSide        `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Timestamp time.Time       `json:"timestamp"`
}

// PriceLevel is a single aggregated level of an order book.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// BookTop is the best bid and ask of an aggregated book.
type BookTop struct {
	Symbol  string      `json:"symbol"`
	BestBid *PriceLevel `json:"best_bid,omitempty"`
	BestAsk *PriceLevel `json:"best_ask,omitempty"`
	Seq     uint64      `json:"seq"`
}
