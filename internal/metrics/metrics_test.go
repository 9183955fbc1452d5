package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

func TestRecordersFeedCounters(t *testing.T) {
	m := New("test")
	m.ObserveAttempt(domain.ClassTrading, "orders", "ok", 20*time.Millisecond)
	m.ObserveAttempt(domain.ClassTrading, "orders", "ok", 30*time.Millisecond)
	m.ObserveRetry(domain.ClassMarketData, "marketdata", "rate_limited")
	m.ObserveMessage("quote")
	m.ObserveDrop("stale")
	m.ObserveDrop("stale")
	m.ObserveReconnect()
	m.ObserveBreakerTransition("orders", domain.BreakerClosed, domain.BreakerOpen)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.attempts.WithLabelValues("trading", "orders", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries.WithLabelValues("market_data", "marketdata", "rate_limited")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.feedDrops.WithLabelValues("stale")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.feedReconnects))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.breakerFlips.WithLabelValues("orders", "closed", "open")))
}

func TestSourcesAreScraped(t *testing.T) {
	m := New("test")
	require.NoError(t, m.RegisterSources(Sources{
		Orders: func() map[domain.OrderState]int {
			return map[domain.OrderState]int{domain.OrderStateFilled: 3}
		},
		Breakers: func() []domain.CircuitState {
			return []domain.CircuitState{{Name: "orders", State: domain.BreakerOpen, FailureCount: 5}}
		},
		PoolInUse: func() int64 { return 2 },
		Portfolio: func() domain.PortfolioSnapshot {
			return domain.PortfolioSnapshot{
				Equity: decimal.NewFromInt(1000),
				Positions: map[string]domain.Position{
					"BTC-USD": {Symbol: "BTC-USD", Quantity: decimal.RequireFromString("0.5")},
				},
			}
		},
	}))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)

	for _, want := range []string{
		`tradegate_orders{state="filled"} 3`,
		`tradegate_orders{state="rejected"} 0`,
		`tradegate_breaker_state{endpoint="orders",state="open"} 1`,
		`tradegate_breaker_state{endpoint="orders",state="closed"} 0`,
		`tradegate_pool_in_use 2`,
		`tradegate_portfolio_equity 1000`,
		`tradegate_position_quantity{symbol="BTC-USD"} 0.5`,
		`tradegate_build_info{version="test"} 1`,
	} {
		assert.True(t, strings.Contains(text, want), "missing %q", want)
	}
}
