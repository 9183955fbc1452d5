package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradegate/internal/domain"
	"github.com/alanyoungcy/tradegate/internal/platform/robinhood"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

var dec = decimal.RequireFromString

func quote(sym, bid, ask string, seq uint64) domain.Quote {
	return domain.Quote{Symbol: sym, Bid: dec(bid), Ask: dec(ask), Seq: seq, Timestamp: time.Unix(int64(seq), 0)}
}

type fakeMarks struct {
	mu     sync.Mutex
	quotes []domain.Quote
	cash   decimal.Decimal
	seeded []domain.Position
}

func (m *fakeMarks) UpdateQuote(q domain.Quote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes = append(m.quotes, q)
}

func (m *fakeMarks) Seed(cash decimal.Decimal, positions []domain.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cash = cash
	m.seeded = positions
}

type fakeCache struct {
	err  error
	sets map[string]domain.Quote
}

func (c *fakeCache) SetQuote(_ context.Context, q domain.Quote) error {
	if c.err != nil {
		return c.err
	}
	if c.sets == nil {
		c.sets = map[string]domain.Quote{}
	}
	c.sets[q.Symbol] = q
	return nil
}

func (c *fakeCache) GetQuote(_ context.Context, symbol string) (domain.Quote, error) {
	q, ok := c.sets[symbol]
	if !ok {
		return domain.Quote{}, domain.ErrNotFound
	}
	return q, nil
}

func TestQuoteServiceHandleKeepsNewestPerSymbol(t *testing.T) {
	marks := &fakeMarks{}
	cache := &fakeCache{}
	var got [][]domain.Quote
	svc := NewQuoteService(marks, cache, time.Millisecond, discard(), func(b []domain.Quote) { got = append(got, b) })

	svc.Handle(context.Background(), []domain.Quote{
		quote("BTC-USD", "100", "101", 1),
		quote("ETH-USD", "10", "11", 1),
		quote("BTC-USD", "102", "103", 2),
	})

	require.Len(t, got, 1)
	require.Len(t, got[0], 2)
	assert.Equal(t, "BTC-USD", got[0][0].Symbol)
	assert.Equal(t, uint64(2), got[0][0].Seq)
	assert.Len(t, marks.quotes, 3, "every quote updates the mark")
	assert.Equal(t, uint64(2), cache.sets["BTC-USD"].Seq)

	st := svc.Stats()
	assert.Equal(t, int64(3), st.Quotes)
	assert.Equal(t, int64(1), st.Batches)
	assert.False(t, st.LastQuote.IsZero())
}

func TestQuoteServiceCacheErrorsDoNotStopSinks(t *testing.T) {
	cache := &fakeCache{err: errors.New("redis down")}
	delivered := 0
	svc := NewQuoteService(nil, cache, 0, discard(), func(b []domain.Quote) { delivered += len(b) })

	svc.Handle(context.Background(), []domain.Quote{quote("BTC-USD", "1", "2", 1)})

	assert.Equal(t, 1, delivered)
	assert.Equal(t, int64(1), svc.Stats().CacheErrors)
}

func TestQuoteServiceConsumeFlushesOnClose(t *testing.T) {
	ch := make(chan domain.Quote, 4)
	var mu sync.Mutex
	var seen []domain.Quote
	svc := NewQuoteService(nil, nil, time.Hour, discard(), func(b []domain.Quote) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, b...)
	})

	ch <- quote("BTC-USD", "1", "2", 1)
	ch <- quote("ETH-USD", "1", "2", 1)
	close(ch)

	require.NoError(t, svc.Consume(context.Background(), ch))
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 2)
}

type fakePoller struct {
	calls int
	err   error
}

func (p *fakePoller) BestBidAsk(_ context.Context, symbols ...string) ([]domain.Quote, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	out := make([]domain.Quote, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, quote(s, "1", "2", 0))
	}
	return out, nil
}

func TestQuoteServicePollOnce(t *testing.T) {
	marks := &fakeMarks{}
	svc := NewQuoteService(marks, nil, 0, discard())

	svc.pollOnce(context.Background(), &fakePoller{}, []string{"BTC-USD", "ETH-USD"})
	assert.Len(t, marks.quotes, 2)

	svc.pollOnce(context.Background(), &fakePoller{err: domain.ErrTransientServer}, []string{"BTC-USD"})
	assert.Equal(t, int64(1), svc.Stats().PollErrors)
}

func TestQuoteServicePollRejectsEmptySymbols(t *testing.T) {
	svc := NewQuoteService(nil, nil, 0, discard())
	assert.Error(t, svc.Poll(context.Background(), &fakePoller{}, nil, time.Second))
}

type fakeAccount struct {
	acct     robinhood.Account
	holdings []robinhood.Holding
	quotes   []domain.Quote
	err      error
}

func (f *fakeAccount) Account(context.Context) (robinhood.Account, error) { return f.acct, f.err }

func (f *fakeAccount) Holdings(context.Context, ...string) ([]robinhood.Holding, error) {
	return f.holdings, nil
}

func (f *fakeAccount) BestBidAsk(context.Context, ...string) ([]domain.Quote, error) {
	return f.quotes, nil
}

func TestPositionServiceSync(t *testing.T) {
	broker := &fakeAccount{
		acct: robinhood.Account{AccountNumber: "A1", Status: "active", BuyingPower: dec("10000")},
		holdings: []robinhood.Holding{
			{AssetCode: "BTC", TotalQuantity: dec("0.5")},
			{AssetCode: "ETH", TotalQuantity: dec("0")},
			{AssetCode: "DOGE", TotalQuantity: dec("100")},
		},
		quotes: []domain.Quote{quote("BTC-USD", "40000", "40010", 0)},
	}
	marks := &fakeMarks{}
	svc := NewPositionService(broker, marks, dec("0.05"), discard())

	res, err := svc.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Positions)
	assert.Equal(t, []string{"DOGE-USD"}, res.Unpriced)
	assert.True(t, marks.cash.Equal(dec("10000")))
	require.Len(t, marks.seeded, 2)
	assert.Equal(t, "BTC-USD", marks.seeded[0].Symbol)
	assert.True(t, marks.seeded[0].AverageEntryPrice.Equal(dec("40005")))
	assert.True(t, marks.seeded[0].RiskWeight.Equal(dec("0.05")))
	assert.Len(t, marks.quotes, 1)
}

func TestPositionServiceRejectsDeactivatedAccount(t *testing.T) {
	broker := &fakeAccount{acct: robinhood.Account{AccountNumber: "A1", Status: "deactivated"}}
	_, err := NewPositionService(broker, &fakeMarks{}, decimal.Zero, discard()).Sync(context.Background())
	assert.Error(t, err)
}

func TestPositionServicePropagatesAccountError(t *testing.T) {
	broker := &fakeAccount{err: domain.ErrAuthentication}
	_, err := NewPositionService(broker, &fakeMarks{}, decimal.Zero, discard()).Sync(context.Background())
	assert.ErrorIs(t, err, domain.ErrAuthentication)
}

type fakeHistory struct {
	events []domain.OrderEvent
	err    error
}

func (h *fakeHistory) Append(_ context.Context, ev domain.OrderEvent) error {
	if h.err != nil {
		return h.err
	}
	h.events = append(h.events, ev)
	return nil
}

func (h *fakeHistory) ListForOrder(context.Context, string, int) ([]domain.OrderEvent, error) {
	return h.events, nil
}

type fakeStream struct {
	payloads map[string][][]byte
}

func (s *fakeStream) StreamAppend(_ context.Context, stream string, payload []byte) error {
	if s.payloads == nil {
		s.payloads = map[string][][]byte{}
	}
	s.payloads[stream] = append(s.payloads[stream], payload)
	return nil
}

func (s *fakeStream) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestEventServiceRecordsToBothSinks(t *testing.T) {
	history := &fakeHistory{}
	stream := &fakeStream{}
	svc := NewEventService(history, stream, time.Second, discard())

	ev := domain.OrderEvent{
		Seq:      7,
		Order:    domain.Order{ID: "o-1", Symbol: "BTC-USD", State: domain.OrderStateFilled},
		Previous: domain.OrderStatePartiallyFilled,
		At:       time.Unix(100, 0).UTC(),
	}
	svc.OnOrderEvent(ev)

	require.Len(t, history.events, 1)
	require.Len(t, stream.payloads[OrderStream], 1)

	var decoded domain.OrderEvent
	require.NoError(t, json.Unmarshal(stream.payloads[OrderStream][0], &decoded))
	assert.Equal(t, uint64(7), decoded.Seq)
	assert.Equal(t, domain.OrderStateFilled, decoded.Order.State)
	assert.Equal(t, EventStats{Recorded: 1}, svc.Stats())
}

func TestEventServiceToleratesStoreFailure(t *testing.T) {
	stream := &fakeStream{}
	svc := NewEventService(&fakeHistory{err: errors.New("db down")}, stream, time.Second, discard())

	svc.OnOrderEvent(domain.OrderEvent{Order: domain.Order{ID: "o-1"}})

	assert.Len(t, stream.payloads[OrderStream], 1)
	assert.Equal(t, int64(1), svc.Stats().StoreErrors)
}

func TestEventServiceNilSinks(t *testing.T) {
	svc := NewEventService(nil, nil, 0, discard())
	svc.OnOrderEvent(domain.OrderEvent{Order: domain.Order{ID: "o-1"}})
	assert.Equal(t, int64(1), svc.Stats().Recorded)
}
