package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

// Strategy defines the contract for trading strategies. GenerateSignals is
// only ever called from the strategy's own goroutine.
type Strategy interface {
	Name() string
	GenerateSignals(quotes []domain.Quote, portfolio domain.PortfolioSnapshot) []domain.ProposedOrder
}

// OrderObserver is implemented by strategies that want feedback on the
// orders they proposed. OnOrderEvent is called from the executor's event
// goroutine, concurrently with GenerateSignals.
type OrderObserver interface {
	OnOrderEvent(ev domain.OrderEvent)
}

// Config holds strategy configuration.
type Config struct {
	Name string
	// Symbols restricts the strategy to these symbols. Empty means all.
	Symbols  []string
	Quantity decimal.Decimal
	StopLoss decimal.Decimal
	Params   map[string]any
}

// wants reports whether the strategy trades symbol.
func (c Config) wants(symbol string) bool {
	if len(c.Symbols) == 0 {
		return true
	}
	for _, s := range c.Symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// Param helpers. TOML decodes integers as int64 and floats as float64.

func (c Config) paramFloat(key string, def float64) float64 {
	switch v := c.Params[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return def
}

func (c Config) paramInt(key string, def int) int {
	switch v := c.Params[key].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

func (c Config) paramDuration(key string, def time.Duration) time.Duration {
	switch v := c.Params[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case time.Duration:
		return v
	}
	return def
}

func (c Config) paramDecimal(key string, def decimal.Decimal) decimal.Decimal {
	switch v := c.Params[key].(type) {
	case string:
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	case float64:
		return decimal.NewFromFloat(v)
	case int64:
		return decimal.NewFromInt(v)
	case decimal.Decimal:
		return v
	}
	return def
}
