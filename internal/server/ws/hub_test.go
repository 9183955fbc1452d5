package ws

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

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(Config{Status: func() any { return map[string]string{"mode": "monitor"} }},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Run(ctx) }()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, typ)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestHubSendsStatusThenOrders(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)

	env := readEnvelope(t, conn)
	assert.Equal(t, "status", env.Type)
	assert.JSONEq(t, `{"mode":"monitor"}`, string(env.Data))

	hub.OnOrderEvent(domain.OrderEvent{
		Previous: domain.OrderStateSubmitted,
		Order:    domain.Order{ID: "o1", Symbol: "BTC-USD", State: domain.OrderStateAcknowledged},
	})
	env = readEnvelope(t, conn)
	assert.Equal(t, "order", env.Type)
	assert.Equal(t, ChannelOrders, env.Channel)
	assert.Contains(t, string(env.Data), `"o1"`)
	assert.Equal(t, 1, hub.Clients())
}

func TestHubQuoteSubscriptionWildcard(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)
	readEnvelope(t, conn) // status

	require.NoError(t, conn.WriteJSON(subscribeMsg{Action: "subscribe", Channels: []string{"quotes:BTC*"}}))
	ack := readEnvelope(t, conn)
	require.Equal(t, "subscribed", ack.Type)
	assert.Contains(t, string(ack.Data), "quotes:BTC*")

	hub.PublishQuotes([]domain.Quote{
		{Symbol: "ETH-USD", Bid: decimal.NewFromInt(1), Ask: decimal.NewFromInt(2)},
		{Symbol: "BTC-USD", Bid: decimal.NewFromInt(10), Ask: decimal.NewFromInt(11)},
	})
	env := readEnvelope(t, conn)
	assert.Equal(t, "quote", env.Type)
	assert.Equal(t, "quotes:BTC-USD", env.Channel, "ETH quote is not delivered")
}

func TestHubRejectsMalformedSubscription(t *testing.T) {
	_, url := startHub(t)
	conn := dial(t, url)
	readEnvelope(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	env := readEnvelope(t, conn)
	assert.Equal(t, "error", env.Type)
}

func TestIsSubscribed(t *testing.T) {
	c := &client{subs: map[string]bool{"orders": true, "quotes:*": true}}
	assert.True(t, c.isSubscribed("orders"))
	assert.True(t, c.isSubscribed("quotes:SOL-USD"))
	assert.False(t, c.isSubscribed("signals"))
}
