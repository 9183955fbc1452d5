package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrWSDisconnect  = errors.New("websocket disconnected")
	ErrLockHeld      = errors.New("lock held by another owner")

	// Gateway taxonomy.
	ErrAuthentication    = errors.New("authentication failed")
	ErrSignatureExpired  = errors.New("request signature expired")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrTransientServer   = errors.New("transient server error")
	ErrDataFormat        = errors.New("malformed broker response")
	ErrPoolExhausted     = errors.New("connection pool exhausted")
	ErrCircuitOpen       = errors.New("circuit open")
	ErrBrokerRejected    = errors.New("broker rejected request")

	// Order lifecycle.
	ErrRiskRejected      = errors.New("risk rejected")
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order state transition")
	ErrDuplicateOrder    = errors.New("duplicate order")
	ErrInvalidFill       = errors.New("invalid fill")
)

// APIError is returned by the gateway for any request that did not produce a
// usable 2xx response. Kind is one of the gateway sentinels above, so callers
// match with errors.Is.
type APIError struct {
	Kind       error
	Status     int
	Message    string
	Attempts   int
	RetryAfter time.Duration
	Err        error
}

func (e *APIError) Error() string {
	msg := e.Kind.Error()
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Attempts > 1 {
		msg = fmt.Sprintf("%s after %d attempts", msg, e.Attempts)
	}
	return msg
}

// Unwrap exposes both the taxonomy sentinel and the underlying cause.
func (e *APIError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// Retryable reports whether the gateway's retry policy may repeat a request
// that failed with err.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransientServer) || errors.Is(err, ErrRateLimitExceeded)
}

// RiskReason is a stable reason code attached to a RiskGate rejection.
type RiskReason string

const (
	RiskMaxPositions    RiskReason = "max_positions"
	RiskBelowMinSize    RiskReason = "below_min_size"
	RiskExceedsCapital  RiskReason = "exceeds_capital"
	RiskPortfolioRisk   RiskReason = "portfolio_risk"
	RiskCorrelation     RiskReason = "correlation"
	RiskDrawdown        RiskReason = "drawdown"
	RiskConcentration   RiskReason = "concentration"
	RiskNoPrice         RiskReason = "no_price"
	RiskInvalidStopLoss RiskReason = "invalid_stop_loss"
	RiskNoHoldings      RiskReason = "no_holdings"
)

// RiskRejection carries the structured reason for a rejected proposal.
type RiskRejection struct {
	Reason RiskReason
	Detail string
}

func (r *RiskRejection) Error() string {
	return fmt.Sprintf("risk rejected (%s): %s", r.Reason, r.Detail)
}

func (r *RiskRejection) Unwrap() error { return ErrRiskRejected }
