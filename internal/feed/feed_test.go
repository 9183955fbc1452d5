package feed

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// wsServer runs script on every accepted connection and records the
// commands each connection receives.
type wsServer struct {
	srv      *httptest.Server
	done     chan struct{}
	conns    atomic.Int32
	mu       sync.Mutex
	commands map[int][]command
}

func newWSServer(t *testing.T, readCommands bool, script func(s *wsServer, n int, conn *websocket.Conn)) *wsServer {
	t.Helper()
	s := &wsServer{done: make(chan struct{}), commands: map[int][]command{}}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := int(s.conns.Add(1)) - 1
		if readCommands {
			go func() {
				for {
					var cmd command
					if err := conn.ReadJSON(&cmd); err != nil {
						return
					}
					s.mu.Lock()
					s.commands[n] = append(s.commands[n], cmd)
					s.mu.Unlock()
				}
			}()
		}
		script(s, n, conn)
	}))
	t.Cleanup(func() {
		close(s.done)
		s.srv.Close()
	})
	return s
}

func (s *wsServer) url() string { return "ws" + strings.TrimPrefix(s.srv.URL, "http") }

func (s *wsServer) commandsFor(n int) []command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]command(nil), s.commands[n]...)
}

// waitCommands blocks until connection n received want commands.
func (s *wsServer) waitCommands(n, want int) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(s.commandsFor(n)) >= want {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func (s *wsServer) hold() { <-s.done }

func quoteMsg(symbol string, seq uint64, bid string) map[string]any {
	return map[string]any{
		"type":   "quote",
		"symbol": symbol,
		"seq":    seq,
		"bid":    bid,
		"ask":    bid,
		"last":   bid,
		"ts":     "2024-01-02T03:04:05Z",
	}
}

func testConfig(url string, symbols ...string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.Symbols = symbols
	cfg.Reconnect.Base = time.Millisecond
	cfg.Reconnect.Cap = 5 * time.Millisecond
	return cfg
}

func runFeed(t *testing.T, f *Feed) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func nextQuote(t *testing.T, f *Feed) domain.Quote {
	t.Helper()
	select {
	case q := <-f.Quotes():
		return q
	case <-time.After(2 * time.Second):
		t.Fatal("no quote")
		return domain.Quote{}
	}
}

func TestStaleSequenceNumbersAreDropped(t *testing.T) {
	srv := newWSServer(t, true, func(s *wsServer, _ int, conn *websocket.Conn) {
		for _, m := range []map[string]any{
			quoteMsg("BTC-USD", 1, "100"),
			quoteMsg("BTC-USD", 2, "101"),
			quoteMsg("BTC-USD", 2, "999"),
			quoteMsg("BTC-USD", 1, "998"),
			quoteMsg("ETH-USD", 1, "10"),
			quoteMsg("BTC-USD", 3, "102"),
		} {
			_ = conn.WriteJSON(m)
		}
		s.hold()
	})
	f, err := New(testConfig(srv.url(), "BTC-USD", "ETH-USD"), discard())
	require.NoError(t, err)
	runFeed(t, f)

	var got []string
	for range 4 {
		q := nextQuote(t, f)
		got = append(got, q.Symbol+":"+q.Bid.String())
	}
	assert.Equal(t, []string{"BTC-USD:100", "BTC-USD:101", "ETH-USD:10", "BTC-USD:102"}, got)
	assert.Equal(t, int64(2), f.Stats().Stale)

	require.True(t, srv.waitCommands(0, 1))
	assert.Equal(t, command{Type: "subscribe", Symbols: []string{"BTC-USD", "ETH-USD"}}, srv.commandsFor(0)[0])
}

func TestReconnectReissuesSubscriptions(t *testing.T) {
	srv := newWSServer(t, true, func(s *wsServer, n int, conn *websocket.Conn) {
		switch n {
		case 0:
			// Initial subscribe plus the one added while connected.
			if !s.waitCommands(0, 2) {
				return
			}
			_ = conn.WriteJSON(quoteMsg("BTC-USD", 3, "100"))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "restart"))
		default:
			if !s.waitCommands(n, 1) {
				return
			}
			_ = conn.WriteJSON(quoteMsg("BTC-USD", 3, "100"))
			_ = conn.WriteJSON(quoteMsg("BTC-USD", 4, "101"))
			s.hold()
		}
	})
	f, err := New(testConfig(srv.url(), "BTC-USD"), discard())
	require.NoError(t, err)
	runFeed(t, f)

	require.Eventually(t, func() bool { return f.Stats().Connected }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, f.Subscribe("ETH-USD"))

	assert.Equal(t, uint64(3), nextQuote(t, f).Seq)
	assert.Equal(t, uint64(4), nextQuote(t, f).Seq, "replayed seq 3 must be dropped")

	require.True(t, srv.waitCommands(1, 1))
	assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, srv.commandsFor(1)[0].Symbols)
	st := f.Stats()
	assert.GreaterOrEqual(t, st.Reconnects, int64(1))
	assert.Equal(t, int64(1), st.Stale)
}

func TestMissingPongForcesReconnect(t *testing.T) {
	srv := newWSServer(t, false, func(s *wsServer, _ int, _ *websocket.Conn) {
		// Never reads, so pings are never answered.
		s.hold()
	})
	cfg := testConfig(srv.url())
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PongTimeout = 20 * time.Millisecond
	f, err := New(cfg, discard())
	require.NoError(t, err)
	runFeed(t, f)

	require.Eventually(t, func() bool { return srv.conns.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestQueueDropsOldestOnOverflow(t *testing.T) {
	srv := newWSServer(t, true, func(s *wsServer, _ int, conn *websocket.Conn) {
		for seq := uint64(1); seq <= 5; seq++ {
			_ = conn.WriteJSON(quoteMsg("BTC-USD", seq, "100"))
		}
		s.hold()
	})
	cfg := testConfig(srv.url(), "BTC-USD")
	cfg.QueueSize = 2
	f, err := New(cfg, discard())
	require.NoError(t, err)
	runFeed(t, f)

	require.Eventually(t, func() bool { return f.Stats().Overflow == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(4), nextQuote(t, f).Seq)
	assert.Equal(t, uint64(5), nextQuote(t, f).Seq)
}

func TestDeltasFeedBooksAndBadFramesAreCounted(t *testing.T) {
	srv := newWSServer(t, true, func(s *wsServer, _ int, conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		_ = conn.WriteJSON(map[string]any{"type": "book_delta", "symbol": "BTC-USD", "seq": 1, "side": "middle", "price": "1", "quantity": "1"})
		for i, d := range []map[string]any{
			{"side": "bid", "price": "99", "quantity": "1"},
			{"side": "bid", "price": "100", "quantity": "2"},
			{"side": "ask", "price": "101", "quantity": "3"},
			{"side": "bid", "price": "100", "quantity": "0"},
		} {
			d["type"] = "book_delta"
			d["symbol"] = "BTC-USD"
			d["seq"] = i + 1
			_ = conn.WriteJSON(d)
		}
		s.hold()
	})
	books := NewBooks()
	f, err := New(testConfig(srv.url(), "BTC-USD"), discard(), WithBooks(books))
	require.NoError(t, err)
	runFeed(t, f)

	for range 4 {
		select {
		case <-f.Deltas():
		case <-time.After(2 * time.Second):
			t.Fatal("no delta")
		}
	}
	top, ok := books.Top("BTC-USD")
	require.True(t, ok)
	require.NotNil(t, top.BestBid)
	require.NotNil(t, top.BestAsk)
	assert.True(t, top.BestBid.Price.Equal(decimal.NewFromInt(99)), "removed level must not be best")
	assert.True(t, top.BestAsk.Price.Equal(decimal.NewFromInt(101)))
	assert.Equal(t, uint64(4), top.Seq)
	assert.Equal(t, int64(2), f.Stats().DecodeErrors)
}

func TestUnsubscribeWhileDisconnectedOnlyUpdatesSet(t *testing.T) {
	f, err := New(testConfig("ws://127.0.0.1:1", "BTC-USD", "ETH-USD"), discard())
	require.NoError(t, err)
	require.NoError(t, f.Unsubscribe("ETH-USD", "SOL-USD"))
	require.NoError(t, f.Subscribe("SOL-USD"))
	assert.Equal(t, []string{"BTC-USD", "SOL-USD"}, f.Subscriptions())

	_, err = New(Config{}, discard())
	require.Error(t, err)
}
