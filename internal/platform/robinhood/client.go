// Package robinhood is the typed client for the Robinhood Crypto trading API.
// Every call goes through the gateway, which owns rate limiting, retries,
// signing and circuit breaking.
package robinhood

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradegate/internal/domain"
	"github.com/alanyoungcy/tradegate/internal/gateway"
)

const (
	pathAccounts       = "/api/v1/crypto/trading/accounts/"
	pathHoldings       = "/api/v1/crypto/trading/holdings/"
	pathOrders         = "/api/v1/crypto/trading/orders/"
	pathBestBidAsk     = "/api/v1/crypto/marketdata/best_bid_ask/"
	pathEstimatedPrice = "/api/v1/crypto/marketdata/estimated_price/"

	// maxPages bounds pagination so a misbehaving cursor cannot loop forever.
	maxPages = 50
)

// Executor is the subset of the gateway the client needs.
type Executor interface {
	ExecuteJSON(ctx context.Context, req gateway.Request, out any) error
}

// Client is the REST client for the Robinhood Crypto API.
type Client struct {
	gw Executor
}

// NewClient creates a client on top of gw.
func NewClient(gw Executor) *Client {
	return &Client{gw: gw}
}

// Account returns the crypto trading account.
func (c *Client) Account(ctx context.Context) (Account, error) {
	var acct Account
	err := c.gw.ExecuteJSON(ctx, gateway.Request{
		Class:    domain.ClassAccount,
		Method:   http.MethodGet,
		Path:     pathAccounts,
		Endpoint: "accounts",
	}, &acct)
	if err != nil {
		return Account{}, fmt.Errorf("robinhood: get account: %w", err)
	}
	if acct.AccountNumber == "" {
		return Account{}, fmt.Errorf("robinhood: get account: %w", &domain.APIError{
			Kind:    domain.ErrDataFormat,
			Message: "account response has no account_number",
		})
	}
	return acct, nil
}

// Holdings returns asset balances, optionally filtered by asset code
// ("BTC", "ETH"). All pages are fetched.
func (c *Client) Holdings(ctx context.Context, assetCodes ...string) ([]Holding, error) {
	q := url.Values{}
	for _, a := range assetCodes {
		q.Add("asset_code", strings.ToUpper(a))
	}
	out, err := listAll[Holding](ctx, c.gw, gateway.Request{
		Class:    domain.ClassAccount,
		Method:   http.MethodGet,
		Path:     pathHoldings,
		Query:    q,
		Endpoint: "holdings",
	})
	if err != nil {
		return nil, fmt.Errorf("robinhood: get holdings: %w", err)
	}
	return out, nil
}

// BestBidAsk returns top-of-book quotes for symbols ("BTC-USD"). With no
// symbols the broker returns every supported pair.
func (c *Client) BestBidAsk(ctx context.Context, symbols ...string) ([]domain.Quote, error) {
	q := url.Values{}
	for _, s := range symbols {
		q.Add("symbol", strings.ToUpper(s))
	}
	var resp page[BestBidAsk]
	err := c.gw.ExecuteJSON(ctx, gateway.Request{
		Class:    domain.ClassMarketData,
		Method:   http.MethodGet,
		Path:     pathBestBidAsk,
		Query:    q,
		Endpoint: "marketdata",
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("robinhood: best bid/ask: %w", err)
	}

	quotes := make([]domain.Quote, 0, len(resp.Results))
	for _, r := range resp.Results {
		quotes = append(quotes, r.Quote())
	}
	return quotes, nil
}

// EstimatedPrice asks for the expected execution price of quantity on side
// ("bid" to sell, "ask" to buy).
func (c *Client) EstimatedPrice(ctx context.Context, symbol, side string, quantity decimal.Decimal) ([]PriceEstimate, error) {
	q := url.Values{}
	q.Set("symbol", strings.ToUpper(symbol))
	q.Set("side", side)
	q.Set("quantity", quantity.String())

	var resp page[PriceEstimate]
	err := c.gw.ExecuteJSON(ctx, gateway.Request{
		Class:    domain.ClassMarketData,
		Method:   http.MethodGet,
		Path:     pathEstimatedPrice,
		Query:    q,
		Endpoint: "marketdata",
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("robinhood: estimated price %s: %w", symbol, err)
	}
	return resp.Results, nil
}

// PlaceOrder submits o. The order ID is sent as client_order_id and as the
// idempotency key, so re-posting the same order cannot create a duplicate.
func (c *Client) PlaceOrder(ctx context.Context, o domain.Order) (Order, error) {
	body := placeOrderRequest{
		ClientOrderID: o.ID,
		Side:          string(o.Side),
		Type:          string(o.Kind),
		Symbol:        strings.ToUpper(o.Symbol),
	}
	switch o.Kind {
	case domain.OrderKindLimit:
		if !o.LimitPrice.Valid {
			return Order{}, fmt.Errorf("robinhood: place order %s: limit order without price", o.ID)
		}
		body.LimitOrderConfig = &limitOrderConfig{
			AssetQuantity: o.Quantity,
			LimitPrice:    o.LimitPrice.Decimal,
			TimeInForce:   "gtc",
		}
	default:
		body.MarketOrderConfig = &marketOrderConfig{AssetQuantity: o.Quantity}
	}

	var resp Order
	err := c.gw.ExecuteJSON(ctx, gateway.Request{
		Class:          domain.ClassTrading,
		Method:         http.MethodPost,
		Path:           pathOrders,
		Body:           body,
		IdempotencyKey: o.ID,
		Endpoint:       "orders",
	}, &resp)
	if err != nil {
		return Order{}, fmt.Errorf("robinhood: place order %s: %w", o.ID, err)
	}
	if resp.ID == "" {
		return Order{}, fmt.Errorf("robinhood: place order %s: %w", o.ID, &domain.APIError{
			Kind:    domain.ErrDataFormat,
			Message: "order response has no id",
		})
	}
	return resp, nil
}

// GetOrder fetches the broker's current view of an order.
func (c *Client) GetOrder(ctx context.Context, brokerID string) (Order, error) {
	var resp Order
	err := c.gw.ExecuteJSON(ctx, gateway.Request{
		Class:    domain.ClassTrading,
		Method:   http.MethodGet,
		Path:     pathOrders + url.PathEscape(brokerID) + "/",
		Endpoint: "orders",
	}, &resp)
	if err != nil {
		var apiErr *domain.APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return Order{}, fmt.Errorf("robinhood: get order %s: %w", brokerID, domain.ErrOrderNotFound)
		}
		return Order{}, fmt.Errorf("robinhood: get order %s: %w", brokerID, err)
	}
	return resp, nil
}

// CancelOrder requests cancellation. The broker confirms asynchronously; the
// order's state must be polled to observe the result.
func (c *Client) CancelOrder(ctx context.Context, brokerID string) error {
	err := c.gw.ExecuteJSON(ctx, gateway.Request{
		Class:          domain.ClassTrading,
		Method:         http.MethodPost,
		Path:           pathOrders + url.PathEscape(brokerID) + "/cancel/",
		IdempotencyKey: "cancel-" + brokerID,
		Endpoint:       "orders",
	}, nil)
	if err != nil {
		return fmt.Errorf("robinhood: cancel order %s: %w", brokerID, err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// listAll follows the cursor in each page's next link.
func listAll[T any](ctx context.Context, gw Executor, req gateway.Request) ([]T, error) {
	var out []T
	for range maxPages {
		var p page[T]
		if err := gw.ExecuteJSON(ctx, req, &p); err != nil {
			return nil, err
		}
		out = append(out, p.Results...)
		if p.Next == "" {
			return out, nil
		}
		next, err := url.Parse(p.Next)
		if err != nil {
			return nil, &domain.APIError{Kind: domain.ErrDataFormat, Message: "invalid next link", Err: err}
		}
		req.Query = next.Query()
	}
	return out, nil
}
