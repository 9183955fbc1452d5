package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradegate/internal/domain"
	"github.com/alanyoungcy/tradegate/internal/gateway"
	"github.com/alanyoungcy/tradegate/internal/ledger"
	"github.com/alanyoungcy/tradegate/internal/server/handler"
	"github.com/alanyoungcy/tradegate/internal/strategy"
)

type fakeController struct {
	l *ledger.Ledger
}

func (f fakeController) Process(ctx context.Context, p domain.ProposedOrder) (domain.Order, bool) {
	o, err := f.l.Create(ctx, p)
	if err != nil {
		return domain.Order{}, false
	}
	if p.Quantity.GreaterThan(decimal.NewFromInt(100)) {
		o, _ = f.l.Reject(ctx, o.ID, "position size exceeds limit")
		return o, false
	}
	return o, true
}

func (f fakeController) CancelOrder(ctx context.Context, id string) (domain.Order, error) {
	return f.l.ConfirmCancel(ctx, id, "cancelled via api")
}

type fakeBroker struct{ status gateway.HealthStatus }

func (f fakeBroker) Report() gateway.HealthReport { return gateway.HealthReport{Status: f.status} }

type fakeEngine struct{ stopped []string }

func (f *fakeEngine) Info() []strategy.StrategyInfo {
	return []strategy.StrategyInfo{{Name: "mean_reversion", Status: "running"}}
}

func (f *fakeEngine) Stop(name string) error {
	if name != "mean_reversion" {
		return strategy.ErrUnknownStrategy
	}
	f.stopped = append(f.stopped, name)
	return nil
}

func (f *fakeEngine) RecentSignals(int) []domain.ProposedOrder { return nil }

type fakePortfolio struct{}

func (fakePortfolio) Snapshot() domain.PortfolioSnapshot {
	return domain.PortfolioSnapshot{
		Equity: decimal.NewFromInt(1000),
		Positions: map[string]domain.Position{
			"BTC-USD": {Symbol: "BTC-USD", Quantity: decimal.RequireFromString("0.1")},
		},
		Correlations: map[domain.SymbolPair]float64{domain.NewSymbolPair("ETH-USD", "BTC-USD"): 0.8},
	}
}

func newTestServer(t *testing.T, apiKey string, ctrl handler.OrderController) (*httptest.Server, *ledger.Ledger) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := ledger.New(ledger.NewMemoryStore(), logger)
	if ctrl == nil {
		ctrl = fakeController{l: l}
	}
	srv := NewServer(Config{APIKey: apiKey}, Handlers{
		Health:     handler.NewHealthHandler(fakeBroker{status: gateway.HealthHealthy}, nil, logger),
		Status:     handler.NewStatusHandler(handler.StatusSource{Mode: "trade", StartedAt: time.Now()}),
		Orders:     handler.NewOrderHandler(l, ctrl, nil, logger),
		Portfolio:  handler.NewPortfolioHandler(fakePortfolio{}),
		Strategies: handler.NewStrategyHandler(&fakeEngine{}, logger),
		Archives:   handler.NewArchiveHandler(nil, nil, time.Hour, logger),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "tradegate_up 1\n")
		}),
	}, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, l
}

func do(t *testing.T, method, url, body, key string) (*http.Response, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rdr)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func TestPlaceListAndCancelOrder(t *testing.T) {
	ts, _ := newTestServer(t, "", nil)

	resp, body := do(t, http.MethodPost, ts.URL+"/api/orders",
		`{"symbol":"btc-usd","side":"buy","quantity":"0.5"}`, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := body["id"].(string)
	assert.Equal(t, "BTC-USD", body["symbol"])
	assert.Equal(t, "manual", body["strategy_tag"])

	resp, body = do(t, http.MethodGet, ts.URL+"/api/orders", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["orders"], 1)

	resp, _ = do(t, http.MethodGet, ts.URL+"/api/orders/"+id, "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = do(t, http.MethodDelete, ts.URL+"/api/orders/"+id, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(domain.OrderStateCancelled), body["state"])

	resp, body = do(t, http.MethodGet, ts.URL+"/api/orders?status=open", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["orders"])

	resp, body = do(t, http.MethodGet, ts.URL+"/api/orders?status=terminal", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["orders"], 1)
}

func TestPlaceOrderValidationAndRejection(t *testing.T) {
	ts, _ := newTestServer(t, "", nil)

	resp, body := do(t, http.MethodPost, ts.URL+"/api/orders", `{"symbol":"BTC-USD","side":"hold","quantity":"1"}`, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "side")

	resp, body = do(t, http.MethodPost, ts.URL+"/api/orders", `{"symbol":"BTC-USD","side":"buy","kind":"limit","quantity":"1"}`, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "limit_price")

	resp, body = do(t, http.MethodPost, ts.URL+"/api/orders", `{"symbol":"BTC-USD","side":"buy","quantity":"500"}`, "")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, string(domain.OrderStateRejected), body["state"])
}

func TestUnknownOrderIs404(t *testing.T) {
	ts, _ := newTestServer(t, "", nil)
	resp, _ := do(t, http.MethodGet, ts.URL+"/api/orders/missing", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuthProtectsAPIButNotHealth(t *testing.T) {
	ts, _ := newTestServer(t, "k", nil)

	resp, _ := do(t, http.MethodGet, ts.URL+"/api/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, ts.URL+"/metrics", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, ts.URL+"/api/status", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, body := do(t, http.MethodGet, ts.URL+"/api/status", "", "k")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "trade", body["mode"])
}

func TestStrategyAndPortfolioRoutes(t *testing.T) {
	ts, _ := newTestServer(t, "", nil)

	resp, body := do(t, http.MethodGet, ts.URL+"/api/strategies", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["strategies"], 1)

	resp, _ = do(t, http.MethodPost, ts.URL+"/api/strategies/mean_reversion/stop", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, ts.URL+"/api/strategies/nope/stop", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = do(t, http.MethodGet, ts.URL+"/api/portfolio", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1000", body["equity"])
	corr := body["correlations"].([]any)
	require.Len(t, corr, 1)
	assert.Equal(t, "BTC-USD", corr[0].(map[string]any)["a"])
}

func TestArchiveUnavailableWithoutBucket(t *testing.T) {
	ts, _ := newTestServer(t, "", nil)
	resp, _ := do(t, http.MethodGet, ts.URL+"/api/archives", "", "")
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, ts.URL+"/api/archives", "", "")
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestHealthDegradedWhenBrokerCritical(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := handler.NewHealthHandler(fakeBroker{status: gateway.HealthCritical}, map[string]func(context.Context) error{
		"postgres": func(context.Context) error { return nil },
	}, logger)
	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"degraded"`)
}
