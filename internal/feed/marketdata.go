// Package feed maintains the market data WebSocket. One connection carries
// every symbol subscription; it is re-dialled with backoff on failure, all
// subscriptions are re-issued, and per-symbol sequence numbers drop stale or
// replayed updates before they reach consumers.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/tradegate/internal/domain"
	"github.com/alanyoungcy/tradegate/internal/gateway"
	"github.com/alanyoungcy/tradegate/internal/queue"
)

// Config holds the feed settings.
type Config struct {
	URL              string
	Symbols          []string
	Header           http.Header
	PingInterval     time.Duration
	PongTimeout      time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	// Reconnect is the redial schedule. Only Base, Factor, Cap, Jitter,
	// Rand and Sleep are used; retries are unbounded.
	Reconnect gateway.RetryPolicy
	// HealthyAfter is how long a connection must live before the redial
	// schedule starts over.
	HealthyAfter time.Duration
	QueueSize    int
}

// DefaultConfig returns a 15s ping with a 10s pong timeout and a 1s to 60s
// redial schedule with 20% jitter.
func DefaultConfig() Config {
	return Config{
		PingInterval:     15 * time.Second,
		PongTimeout:      10 * time.Second,
		WriteTimeout:     10 * time.Second,
		HandshakeTimeout: 15 * time.Second,
		Reconnect: gateway.RetryPolicy{
			Base:   time.Second,
			Factor: 2,
			Cap:    60 * time.Second,
			Jitter: 0.2,
		},
		HealthyAfter: 30 * time.Second,
		QueueSize:    1024,
	}
}

// Recorder receives feed telemetry.
type Recorder interface {
	ObserveMessage(kind string)
	ObserveDrop(reason string)
	ObserveReconnect()
}

type nopRecorder struct{}

func (nopRecorder) ObserveMessage(string) {}
func (nopRecorder) ObserveDrop(string)    {}
func (nopRecorder) ObserveReconnect()     {}

// Stats is a point-in-time view of the feed.
type Stats struct {
	Connected     bool      `json:"connected"`
	Subscriptions []string  `json:"subscriptions"`
	Received      int64     `json:"received"`
	Stale         int64     `json:"stale"`
	Overflow      int64     `json:"overflow"`
	DecodeErrors  int64     `json:"decode_errors"`
	Reconnects    int64     `json:"reconnects"`
	LastMessage   time.Time `json:"last_message"`
}

// Option customises a Feed.
type Option func(*Feed)

// WithRecorder attaches telemetry.
func WithRecorder(r Recorder) Option {
	return func(f *Feed) { f.rec = r }
}

// WithBooks aggregates every accepted delta into b.
func WithBooks(b *Books) Option {
	return func(f *Feed) { f.books = b }
}

// Feed is a reconnecting market data subscriber.
type Feed struct {
	cfg    Config
	dialer *websocket.Dialer
	rec    Recorder
	books  *Books
	logger *slog.Logger

	quotes chan domain.Quote
	deltas chan domain.OrderBookDelta

	mu      sync.Mutex
	subs    map[string]struct{}
	conn    *websocket.Conn
	writeMu sync.Mutex

	// lastSeq is only touched by the reader goroutine.
	lastSeq map[string]uint64

	connected    atomic.Bool
	received     atomic.Int64
	stale        atomic.Int64
	overflow     atomic.Int64
	decodeErrors atomic.Int64
	reconnects   atomic.Int64
	lastMessage  atomic.Int64
}

// New creates a Feed subscribed to cfg.Symbols.
func New(cfg Config, logger *slog.Logger, opts ...Option) (*Feed, error) {
	if cfg.URL == "" {
		return nil, errors.New("feed: url is required")
	}
	def := DefaultConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.Reconnect.Base <= 0 {
		cfg.Reconnect = def.Reconnect
	}
	if cfg.HealthyAfter <= 0 {
		cfg.HealthyAfter = def.HealthyAfter
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}

	f := &Feed{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		rec:     nopRecorder{},
		logger:  logger.With(slog.String("component", "market_data_feed")),
		quotes:  make(chan domain.Quote, cfg.QueueSize),
		deltas:  make(chan domain.OrderBookDelta, cfg.QueueSize),
		subs:    make(map[string]struct{}),
		lastSeq: make(map[string]uint64),
	}
	for _, s := range cfg.Symbols {
		f.subs[s] = struct{}{}
	}
	for _, o := range opts {
		o(f)
	}
	return f, nil
}

// Quotes delivers accepted quotes. When the consumer falls behind the
// oldest quote is dropped.
func (f *Feed) Quotes() <-chan domain.Quote { return f.quotes }

// Deltas delivers accepted order book deltas, dropping the oldest on
// overflow.
func (f *Feed) Deltas() <-chan domain.OrderBookDelta { return f.deltas }

// Run keeps the connection alive until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	f.logger.InfoContext(ctx, "market data feed started", slog.String("url", f.cfg.URL))
	defer f.logger.Info("market data feed stopped")

	attempt := 0
	for {
		started := time.Now()
		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) >= f.cfg.HealthyAfter {
			attempt = 0
		}
		delay := f.cfg.Reconnect.Backoff(attempt)
		attempt++
		f.reconnects.Add(1)
		f.rec.ObserveReconnect()
		f.logger.WarnContext(ctx, "market data feed disconnected, reconnecting",
			slog.String("error", errString(err)),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
		)
		if err := f.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Subscribe adds symbols. They are sent now when connected and re-issued on
// every reconnect.
func (f *Feed) Subscribe(symbols ...string) error {
	f.mu.Lock()
	var added []string
	for _, s := range symbols {
		if _, ok := f.subs[s]; !ok {
			f.subs[s] = struct{}{}
			added = append(added, s)
		}
	}
	conn := f.conn
	f.mu.Unlock()

	if conn == nil || len(added) == 0 {
		return nil
	}
	return f.send(conn, command{Type: cmdSubscribe, Symbols: added})
}

// Unsubscribe removes symbols.
func (f *Feed) Unsubscribe(symbols ...string) error {
	f.mu.Lock()
	var removed []string
	for _, s := range symbols {
		if _, ok := f.subs[s]; ok {
			delete(f.subs, s)
			removed = append(removed, s)
		}
	}
	conn := f.conn
	f.mu.Unlock()

	if conn == nil || len(removed) == 0 {
		return nil
	}
	return f.send(conn, command{Type: cmdUnsubscribe, Symbols: removed})
}

// Subscriptions returns the active symbols, sorted.
func (f *Feed) Subscriptions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.subs))
	for s := range f.subs {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// Stats returns counters and connection state.
func (f *Feed) Stats() Stats {
	st := Stats{
		Connected:     f.connected.Load(),
		Subscriptions: f.Subscriptions(),
		Received:      f.received.Load(),
		Stale:         f.stale.Load(),
		Overflow:      f.overflow.Load(),
		DecodeErrors:  f.decodeErrors.Load(),
		Reconnects:    f.reconnects.Load(),
	}
	if ns := f.lastMessage.Load(); ns > 0 {
		st.LastMessage = time.Unix(0, ns)
	}
	return st
}

// runConnection dials, resubscribes and reads until the connection fails.
func (f *Feed) runConnection(ctx context.Context) error {
	conn, _, err := f.dialer.DialContext(ctx, f.cfg.URL, f.cfg.Header)
	if err != nil {
		return fmt.Errorf("feed: dial: %w", err)
	}
	defer conn.Close()

	deadline := f.cfg.PingInterval + f.cfg.PongTimeout
	_ = conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})

	f.mu.Lock()
	f.conn = conn
	symbols := make([]string, 0, len(f.subs))
	for s := range f.subs {
		symbols = append(symbols, s)
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()
		f.connected.Store(false)
	}()

	if len(symbols) > 0 {
		slices.Sort(symbols)
		if err := f.send(conn, command{Type: cmdSubscribe, Symbols: symbols}); err != nil {
			return err
		}
	}
	f.connected.Store(true)
	f.logger.InfoContext(ctx, "market data feed connected", slog.Int("subscriptions", len(symbols)))

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go f.keepalive(connCtx, conn)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", err)
		}
		f.handle(ctx, raw)
	}
}

// keepalive pings on every interval and closes the connection when ctx is
// done so the blocked reader returns.
func (f *Feed) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(f.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(f.cfg.WriteTimeout))
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(f.cfg.WriteTimeout)); err != nil {
				f.logger.Debug("ping failed", slog.String("error", err.Error()))
				_ = conn.Close()
				return
			}
		}
	}
}

// handle applies one frame. Stale sequence numbers are dropped silently.
func (f *Feed) handle(ctx context.Context, raw []byte) {
	f.received.Add(1)
	f.lastMessage.Store(time.Now().UnixNano())

	m, err := decode(raw)
	if err != nil {
		f.decodeErrors.Add(1)
		f.rec.ObserveDrop("decode")
		f.logger.DebugContext(ctx, "undecodable message dropped", slog.String("error", err.Error()))
		return
	}

	switch m.Type {
	case msgQuote, msgBookDelta:
	case msgSubscribed:
		f.logger.DebugContext(ctx, "subscription confirmed", slog.String("symbol", m.Symbol))
		return
	case msgError:
		f.logger.WarnContext(ctx, "feed error message", slog.String("message", m.Message))
		return
	default:
		f.logger.DebugContext(ctx, "unknown message type", slog.String("type", m.Type))
		return
	}

	f.rec.ObserveMessage(m.Type)
	if last, ok := f.lastSeq[m.Symbol]; ok && m.Seq <= last {
		f.stale.Add(1)
		f.rec.ObserveDrop("stale")
		f.logger.DebugContext(ctx, "stale message dropped",
			slog.String("symbol", m.Symbol),
			slog.Uint64("seq", m.Seq),
			slog.Uint64("last", last),
		)
		return
	}
	f.lastSeq[m.Symbol] = m.Seq

	var dropped int
	if m.Type == msgQuote {
		dropped = queue.Offer(f.quotes, m.quote())
	} else {
		d := m.delta()
		if f.books != nil {
			f.books.Apply(d)
		}
		dropped = queue.Offer(f.deltas, d)
	}
	if dropped > 0 {
		f.overflow.Add(int64(dropped))
		f.rec.ObserveDrop("overflow")
	}
}

func (f *Feed) send(conn *websocket.Conn, cmd command) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(f.cfg.WriteTimeout))
	if err := conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("feed: %s: %w", cmd.Type, err)
	}
	return nil
}

func (f *Feed) sleep(ctx context.Context, d time.Duration) error {
	if f.cfg.Reconnect.Sleep != nil {
		return f.cfg.Reconnect.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
