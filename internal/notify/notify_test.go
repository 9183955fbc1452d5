package notify

import (
	"context"
	"encoding/json"
	"errors"
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

	"github.com/alanyoungcy/tradegate/internal/domain"
)

type recordingSender struct {
	mu     sync.Mutex
	titles []string
	err    error
}

func (s *recordingSender) Send(_ context.Context, title, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles = append(s.titles, title)
	return s.err
}

func (s *recordingSender) Name() string { return "recording" }

func (s *recordingSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.titles...)
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifyFiltersAndThrottles(t *testing.T) {
	rec := &recordingSender{}
	n := NewNotifier([]Sender{rec}, []string{EventBreakerOpen, EventHealth}, time.Minute, discard())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, EventOrderFilled, "filtered", ""))
	require.NoError(t, n.Notify(ctx, EventBreakerOpen, "orders", ""))
	require.NoError(t, n.Notify(ctx, EventBreakerOpen, "orders", ""))
	require.NoError(t, n.Notify(ctx, EventBreakerOpen, "holdings", ""))
	now = now.Add(2 * time.Minute)
	require.NoError(t, n.Notify(ctx, EventBreakerOpen, "orders", ""))

	assert.Equal(t, []string{"orders", "holdings", "orders"}, rec.sent())
}

func TestDispatchContinuesPastFailingSender(t *testing.T) {
	bad := &recordingSender{err: errors.New("boom")}
	good := &recordingSender{}
	n := NewNotifier([]Sender{bad, good}, nil, 0, discard())

	err := n.Notify(context.Background(), EventHealth, "degraded", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, []string{"degraded"}, good.sent())
}

func TestOrderEventsAreQueuedAndDelivered(t *testing.T) {
	rec := &recordingSender{}
	n := NewNotifier([]Sender{rec}, nil, 0, discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	o := domain.Order{ID: "o1", Symbol: "BTC-USD", Side: domain.OrderSideBuy, Quantity: decimal.NewFromInt(1)}
	o.State = domain.OrderStateAcknowledged
	n.OnOrderEvent(domain.OrderEvent{Order: o, Previous: domain.OrderStateSubmitted})
	o.State = domain.OrderStateFailed
	n.OnOrderEvent(domain.OrderEvent{Order: o, Previous: domain.OrderStateSubmitted})
	n.OnBreakerChange("orders", domain.BreakerClosed, domain.BreakerOpen)
	n.OnBreakerChange("orders", domain.BreakerOpen, domain.BreakerHalfOpen)

	require.Eventually(t, func() bool { return len(rec.sent()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"Order failed: BTC-USD", "Circuit open: orders"}, rec.sent())
}

func TestSendersPostJSON(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
		texts []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		paths = append(paths, r.URL.Path)
		texts = append(texts, body["content"]+body["text"])
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ctx := context.Background()
	require.NoError(t, NewDiscordSender(srv.URL+"/hook", "tradegate").Send(ctx, "T", "m"))
	require.NoError(t, NewTelegramSender("tok", "42", srv.URL).Send(ctx, "T", "m"))

	assert.Equal(t, []string{"/hook", "/bottok/sendMessage"}, paths)
	assert.Equal(t, []string{"**T**\nm", "T\nm"}, texts)
}

func TestSenderReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()
	err := NewDiscordSender(srv.URL, "").Send(context.Background(), "T", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}
