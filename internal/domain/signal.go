package domain

import "github.com/shopspring/decimal"

// ProposedOrder is what a strategy emits. A zero Quantity asks the risk gate
// to size the order from the stop-loss distance.
type ProposedOrder struct {
	Symbol     string              `json:"symbol"`
	Side       OrderSide           `json:"side"`
	Kind       OrderKind           `json:"kind"`
	Quantity   decimal.Decimal     `json:"quantity"`
	LimitPrice decimal.NullDecimal `json:"limit_price"`
	// StopLossDistance is the stop distance as a fraction of entry price
	// (0.05 = 5%).
	StopLossDistance decimal.Decimal `json:"stop_loss_distance"`
	StrategyTag      string          `json:"strategy_tag"`
	Reason           string          `json:"reason,omitempty"`
	// DedupKey identifies repeats of the same idea from one strategy.
	DedupKey string `json:"dedup_key,omitempty"`
}
