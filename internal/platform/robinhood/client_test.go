package robinhood

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradegate/internal/breaker"
	"github.com/alanyoungcy/tradegate/internal/crypto"
	"github.com/alanyoungcy/tradegate/internal/domain"
	"github.com/alanyoungcy/tradegate/internal/gateway"
	"github.com/alanyoungcy/tradegate/internal/ratelimit"
)

// fakeExecutor answers each request with the next canned body.
type fakeExecutor struct {
	mu        sync.Mutex
	requests  []gateway.Request
	responses []string
	err       error
}

func (f *fakeExecutor) ExecuteJSON(_ context.Context, req gateway.Request, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return f.err
	}
	body := f.responses[0]
	f.responses = f.responses[1:]
	if out == nil {
		return nil
	}
	return json.Unmarshal([]byte(body), out)
}

func TestPlaceMarketOrderRequest(t *testing.T) {
	f := &fakeExecutor{responses: []string{`{"id":"b-1","client_order_id":"c-1","state":"open","symbol":"BTC-USD"}`}}
	c := NewClient(f)

	got, err := c.PlaceOrder(context.Background(), domain.Order{
		ID:       "c-1",
		Symbol:   "btc-usd",
		Side:     domain.OrderSideBuy,
		Kind:     domain.OrderKindMarket,
		Quantity: decimal.RequireFromString("0.25"),
	})
	require.NoError(t, err)
	assert.Equal(t, "b-1", got.ID)

	require.Len(t, f.requests, 1)
	req := f.requests[0]
	assert.Equal(t, domain.ClassTrading, req.Class)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "c-1", req.IdempotencyKey)

	raw, err := json.Marshal(req.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"client_order_id":"c-1","side":"buy","type":"market","symbol":"BTC-USD","market_order_config":{"asset_quantity":"0.25"}}`, string(raw))
}

func TestPlaceLimitOrderRequiresPrice(t *testing.T) {
	c := NewClient(&fakeExecutor{})
	_, err := c.PlaceOrder(context.Background(), domain.Order{
		ID:       "c-2",
		Symbol:   "ETH-USD",
		Side:     domain.OrderSideSell,
		Kind:     domain.OrderKindLimit,
		Quantity: decimal.NewFromInt(1),
	})
	require.Error(t, err)
}

func TestGetOrderFillsAndNotFound(t *testing.T) {
	f := &fakeExecutor{responses: []string{`{
		"id":"b-9","state":"partially_filled","filled_asset_quantity":"0.3",
		"executions":[{"effective_price":"100.5","quantity":"0.1","timestamp":"2024-01-01T00:00:00Z"},
		              {"effective_price":"101","quantity":"0.2","timestamp":"2024-01-01T00:00:01Z"}]}`}}
	c := NewClient(f)

	o, err := c.GetOrder(context.Background(), "b-9")
	require.NoError(t, err)
	assert.False(t, o.Terminal())
	fills := o.Fills()
	require.Len(t, fills, 2)
	assert.NotEqual(t, fills[0].ID, fills[1].ID)
	assert.Contains(t, fills[0].ID, "b-9-")
	assert.True(t, fills[1].Price.Equal(decimal.NewFromInt(101)))
	assert.Equal(t, "/api/v1/crypto/trading/orders/b-9/", f.requests[0].Path)

	f.err = &domain.APIError{Kind: domain.ErrBrokerRejected, Status: http.StatusNotFound}
	_, err = c.GetOrder(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestHoldingsFollowsPagination(t *testing.T) {
	f := &fakeExecutor{responses: []string{
		`{"next":"https://trading.robinhood.com/api/v1/crypto/trading/holdings/?cursor=abc","results":[{"asset_code":"BTC","total_quantity":"1.5"}]}`,
		`{"next":"","results":[{"asset_code":"ETH","total_quantity":"10"}]}`,
	}}
	c := NewClient(f)

	hs, err := c.Holdings(context.Background())
	require.NoError(t, err)
	require.Len(t, hs, 2)
	assert.Equal(t, "BTC-USD", hs[0].Symbol())
	assert.Equal(t, "ETH", hs[1].AssetCode)
	require.Len(t, f.requests, 2)
	assert.Equal(t, "abc", f.requests[1].Query.Get("cursor"))
}

func TestBestBidAskMapsQuotes(t *testing.T) {
	f := &fakeExecutor{responses: []string{`{"results":[{"symbol":"BTC-USD","price":"50000","bid_inclusive_of_sell_spread":"49990","ask_inclusive_of_buy_spread":"50010","timestamp":"2024-01-01T00:00:00Z"}]}`}}
	c := NewClient(f)

	qs, err := c.BestBidAsk(context.Background(), "BTC-USD")
	require.NoError(t, err)
	require.Len(t, qs, 1)
	assert.True(t, qs[0].Bid.Equal(decimal.NewFromInt(49990)))
	assert.True(t, qs[0].Mid().Equal(decimal.NewFromInt(50000)))
	assert.Equal(t, domain.ClassMarketData, f.requests[0].Class)
	assert.Equal(t, []string{"BTC-USD"}, f.requests[0].Query["symbol"])
}

// TestSignedRequestsThroughGateway runs the client against a mock broker that
// verifies every signature.
func TestSignedRequestsThroughGateway(t *testing.T) {
	seed := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{4}, 32))
	signer, err := crypto.NewSigner("rh-api-mock", crypto.KeyConfig{Base64Seed: seed})
	require.NoError(t, err)
	pub := signer.PublicKey()

	var mu sync.Mutex
	var verifyErrs []error
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		headers := map[string]string{
			crypto.HeaderAPIKey:    r.Header.Get(crypto.HeaderAPIKey),
			crypto.HeaderSignature: r.Header.Get(crypto.HeaderSignature),
			crypto.HeaderTimestamp: r.Header.Get(crypto.HeaderTimestamp),
		}
		if err := crypto.Verify(pub, headers, r.Method, r.URL.RequestURI(), body, time.Now()); err != nil {
			mu.Lock()
			verifyErrs = append(verifyErrs, err)
			mu.Unlock()
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case pathAccounts:
			_, _ = w.Write([]byte(`{"account_number":"ACC1","status":"active","buying_power":"1000","buying_power_currency":"USD"}`))
		case pathOrders:
			_, _ = w.Write([]byte(`{"id":"b-1","client_order_id":"c-1","state":"open"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	lim, err := ratelimit.New(ratelimit.FromRequestsPerMinute(600, time.Second))
	require.NoError(t, err)
	gw, err := gateway.New(gateway.Config{BaseURL: srv.URL, Retry: gateway.RetryPolicy{}},
		lim, breaker.NewSet(breaker.DefaultSettings(), logger), signer, logger)
	require.NoError(t, err)
	c := NewClient(gw)

	acct, err := c.Account(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ACC1", acct.AccountNumber)

	o, err := c.PlaceOrder(context.Background(), domain.Order{
		ID: "c-1", Symbol: "BTC-USD", Side: domain.OrderSideBuy, Kind: domain.OrderKindMarket,
		Quantity: decimal.RequireFromString("0.01"),
	})
	require.NoError(t, err)
	assert.Equal(t, "b-1", o.ID)

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, verifyErrs)
}

func TestFillIDsFollowExecutionContent(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := Execution{EffectivePrice: decimal.NewFromInt(100), Quantity: decimal.RequireFromString("0.1"), Timestamp: at}
	b := Execution{EffectivePrice: decimal.NewFromInt(101), Quantity: decimal.RequireFromString("0.2"), Timestamp: at.Add(time.Second)}
	c := Execution{EffectivePrice: decimal.NewFromInt(99), Quantity: decimal.RequireFromString("0.3"), Timestamp: at.Add(2 * time.Second)}

	first := Order{ID: "b-1", Executions: []Execution{a, b}}.Fills()
	// The broker reorders and inserts an execution between polls.
	second := Order{ID: "b-1", Executions: []Execution{c, b, a}}.Fills()

	ids := map[string]bool{}
	for _, f := range second {
		ids[f.ID] = true
	}
	assert.True(t, ids[first[0].ID])
	assert.True(t, ids[first[1].ID])
	assert.Len(t, ids, 3)
}

func TestIdenticalExecutionsGetDistinctFillIDs(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	e := Execution{EffectivePrice: decimal.NewFromInt(100), Quantity: decimal.RequireFromString("0.1"), Timestamp: at}

	fills := Order{ID: "b-1", Executions: []Execution{e, e}}.Fills()
	require.Len(t, fills, 2)
	assert.NotEqual(t, fills[0].ID, fills[1].ID)

	// The same pair keeps the same IDs on the next poll.
	again := Order{ID: "b-1", Executions: []Execution{e, e}}.Fills()
	assert.Equal(t, fills[0].ID, again[0].ID)
	assert.Equal(t, fills[1].ID, again[1].ID)
}
