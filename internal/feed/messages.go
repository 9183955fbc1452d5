package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

// Inbound message types.
const (
	msgQuote      = "quote"
	msgBookDelta  = "book_delta"
	msgSubscribed = "subscribed"
	msgError      = "error"
)

// Outbound command types.
const (
	cmdSubscribe   = "subscribe"
	cmdUnsubscribe = "unsubscribe"
)

// message is the union of every inbound frame.
type message struct {
	Type     string          `json:"type"`
	Symbol   string          `json:"symbol"`
	Seq      uint64          `json:"seq"`
	Bid      decimal.Decimal `json:"bid"`
	Ask      decimal.Decimal `json:"ask"`
	Last     decimal.Decimal `json:"last"`
	Side     domain.BookSide `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	TS       time.Time       `json:"ts"`
	Message  string          `json:"message,omitempty"`
}

// command is a subscription request sent to the server.
type command struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

func decode(raw []byte) (message, error) {
	var m message
	if err := json.Unmarshal(raw, &m); err != nil {
		return message{}, fmt.Errorf("feed: decode: %w", err)
	}
	switch m.Type {
	case msgQuote, msgBookDelta:
		if m.Symbol == "" {
			return message{}, fmt.Errorf("feed: decode %s: missing symbol", m.Type)
		}
	}
	if m.Type == msgBookDelta && m.Side != domain.BookSideBid && m.Side != domain.BookSideAsk {
		return message{}, fmt.Errorf("feed: decode book_delta: invalid side %q", m.Side)
	}
	return m, nil
}

func (m message) quote() domain.Quote {
	return domain.Quote{
		Symbol:    m.Symbol,
		Bid:       m.Bid,
		Ask:       m.Ask,
		Last:      m.Last,
		Seq:       m.Seq,
		Timestamp: m.TS,
	}
}

func (m message) delta() domain.OrderBookDelta {
	return domain.OrderBookDelta{
		Symbol:    m.Symbol,
		Seq:       m.Seq,
		Side:      m.Side,
		Price:     m.Price,
		Quantity:  m.Quantity,
		Timestamp: m.TS,
	}
}
