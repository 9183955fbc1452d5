package domain

import (
	"fmt"
	"time"
)

// RequestClass tags every outbound broker call with the bucket it draws
// from. Every class also consumes the global bucket.
type RequestClass int

const (
	ClassGlobal RequestClass = iota
	ClassTrading
	ClassMarketData
	ClassAccount
)

// RequestClasses lists every class in lock order.
var RequestClasses = []RequestClass{ClassGlobal, ClassTrading, ClassMarketData, ClassAccount}

func (c RequestClass) String() string {
	switch c {
	case ClassGlobal:
		return "global"
	case ClassTrading:
		return "trading"
	case ClassMarketData:
		return "market_data"
	case ClassAccount:
		return "account"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// RateBucket is a point-in-time view of a token bucket.
type RateBucket struct {
	Class      string    `json:"class"`
	Capacity   int       `json:"capacity"`
	Tokens     float64   `json:"tokens"`
	RefillRate float64   `json:"refill_rate"`
	LastRefill time.Time `json:"last_refill"`
}

// BreakerState is the circuit breaker state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitState is a point-in-time view of one endpoint breaker.
type CircuitState struct {
	Name         string       `json:"name"`
	State        BreakerState `json:"state"`
	FailureCount int          `json:"failure_count"`
	LastFailure  time.Time    `json:"last_failure,omitzero"`
	OpenedAt     time.Time    `json:"opened_at,omitzero"`
}
