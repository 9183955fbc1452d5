package domain

import (
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderKind is the execution style sent to the broker.
type OrderKind string

const (
	OrderKindMarket OrderKind = "market"
	OrderKindLimit  OrderKind = "limit"
)

// OrderState tracks the order lifecycle.
type OrderState string

const (
	OrderStateCreated         OrderState = "created"
	OrderStateValidated       OrderState = "validated"
	OrderStateSubmitted       OrderState = "submitted"
	OrderStateAcknowledged    OrderState = "acknowledged"
	OrderStatePartiallyFilled OrderState = "partially_filled"
	OrderStateFilled          OrderState = "filled"
	OrderStateCancelled       OrderState = "cancelled"
	OrderStateRejected        OrderState = "rejected"
	OrderStateFailed          OrderState = "failed"
)

// Terminal reports whether no further transition is permitted from s.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCancelled, OrderStateRejected, OrderStateFailed:
		return true
	}
	return false
}

// transitions lists the allowed successor states. Cancellation is permitted
// from every non-terminal state and is handled in Transition.
var transitions = map[OrderState][]OrderState{
	OrderStateCreated:         {OrderStateValidated, OrderStateRejected},
	OrderStateValidated:       {OrderStateSubmitted},
	OrderStateSubmitted:       {OrderStateAcknowledged, OrderStateFailed},
	OrderStateAcknowledged:    {OrderStatePartiallyFilled, OrderStateFilled, OrderStateFailed},
	OrderStatePartiallyFilled: {OrderStatePartiallyFilled, OrderStateAcknowledged, OrderStateFilled},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to OrderState) bool {
	if from.Terminal() {
		return false
	}
	if to == OrderStateCancelled {
		return true
	}
	return slices.Contains(transitions[from], to)
}

// Fill is a single execution reported by the broker.
type Fill struct {
	ID        string          `json:"id"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// Order is an immutable snapshot of an order owned by the ledger. Methods
// return modified copies; the receiver is never changed.
type Order struct {
	ID               string              `json:"id"`
	Symbol           string              `json:"symbol"`
	Side             OrderSide           `json:"side"`
	Kind             OrderKind           `json:"kind"`
	Quantity         decimal.Decimal     `json:"quantity"`
	LimitPrice       decimal.NullDecimal `json:"limit_price"`
	StrategyTag      string              `json:"strategy_tag"`
	State            OrderState          `json:"state"`
	Reason           string              `json:"reason,omitempty"`
	Liquidating      bool                `json:"liquidating,omitempty"`
	StopLossDistance decimal.Decimal     `json:"stop_loss_distance"`
	FilledQuantity   decimal.Decimal     `json:"filled_quantity"`
	AverageFillPrice decimal.Decimal     `json:"average_fill_price"`
	BrokerOrderID    string              `json:"broker_order_id,omitempty"`
	Fills            []Fill              `json:"fills,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// Clone returns a deep copy so the fills slice is never shared.
func (o Order) Clone() Order {
	o.Fills = slices.Clone(o.Fills)
	return o
}

// Remaining returns the unfilled quantity.
func (o Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// HasFill reports whether a fill with the given ID was already applied.
func (o Order) HasFill(id string) bool {
	return slices.ContainsFunc(o.Fills, func(f Fill) bool { return f.ID == id })
}

// Transition returns a copy of o moved to state to. The reason is recorded
// for terminal states that did not fill.
func (o Order) Transition(to OrderState, reason string, now time.Time) (Order, error) {
	if !CanTransition(o.State, to) {
		return o, fmt.Errorf("%w: %s -> %s (order %s)", ErrInvalidTransition, o.State, to, o.ID)
	}
	next := o.Clone()
	next.State = to
	next.UpdatedAt = now
	if reason != "" {
		next.Reason = reason
	}
	return next, nil
}

// WithFill applies an execution. FilledQuantity only increases and the
// average fill price is the quantity-weighted mean of all fills. A fill ID
// already applied returns the order unchanged with applied=false.
func (o Order) WithFill(f Fill, now time.Time) (next Order, applied bool, err error) {
	switch o.State {
	case OrderStateAcknowledged, OrderStatePartiallyFilled:
	default:
		return o, false, fmt.Errorf("%w: fill on %s order %s", ErrInvalidTransition, o.State, o.ID)
	}
	if f.ID != "" && o.HasFill(f.ID) {
		return o, false, nil
	}
	if !f.Quantity.IsPositive() || !f.Price.IsPositive() {
		return o, false, fmt.Errorf("%w: quantity %s price %s", ErrInvalidFill, f.Quantity, f.Price)
	}
	filled := o.FilledQuantity.Add(f.Quantity)
	if filled.GreaterThan(o.Quantity) {
		return o, false, fmt.Errorf("%w: overfill %s > %s (order %s)", ErrInvalidFill, filled, o.Quantity, o.ID)
	}

	next = o.Clone()
	notional := o.AverageFillPrice.Mul(o.FilledQuantity).Add(f.Price.Mul(f.Quantity))
	next.AverageFillPrice = notional.Div(filled)
	next.FilledQuantity = filled
	next.Fills = append(next.Fills, f)
	next.UpdatedAt = now
	if filled.Equal(o.Quantity) {
		next.State = OrderStateFilled
	} else {
		next.State = OrderStatePartiallyFilled
	}
	return next, true, nil
}

// OrderEvent is published on every ledger transition.
type OrderEvent struct {
	Seq      uint64     `json:"seq"`
	Order    Order      `json:"order"`
	Previous OrderState `json:"previous"`
	At       time.Time  `json:"at"`
}
