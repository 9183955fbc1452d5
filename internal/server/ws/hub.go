// Package ws pushes order transitions, quotes and status snapshots to
// connected WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// Channels clients can subscribe to. Quote channels are "quotes:<SYMBOL>"
// and book channels "books:<SYMBOL>"; a trailing "*" matches any suffix.
const (
	ChannelOrders  = "orders"
	ChannelStatus  = "status"
	ChannelSignals = "signals"
	quotesPrefix   = "quotes:"
	booksPrefix    = "books:"
)

// defaultChannels are subscribed on connect.
var defaultChannels = []string{ChannelOrders, ChannelStatus}

// Envelope is the JSON text frame sent to clients.
type Envelope struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Time    time.Time       `json:"ts"`
}

type subscribeMsg struct {
	Action   string   `json:"action"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

type broadcastMsg struct {
	channel string
	data    []byte
}

// Config configures a Hub.
type Config struct {
	// AllowedOrigins restricts browser origins; empty allows all.
	AllowedOrigins []string
	// Status builds the snapshot sent to each client on connect.
	Status func() any
}

// Hub fans published messages out to subscribed clients.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	done       chan struct{}
	upgrader   websocket.Upgrader
	status     func() any
	logger     *slog.Logger

	mu      sync.RWMutex
	dropped atomic.Int64
}

// NewHub creates a Hub. Call Run before serving HandleWS.
func NewHub(cfg Config, logger *slog.Logger) *Hub {
	h := &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 1024),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		status:     cfg.Status,
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
	origins := cfg.AllowedOrigins
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(origins) == 0 {
				return true
			}
			for _, o := range origins {
				if o == "*" || strings.EqualFold(o, origin) {
					return true
				}
			}
			return false
		},
	}
	return h
}

// Publish sends v on channel to every subscribed client. It never blocks;
// when the hub is saturated the message is dropped.
func (h *Hub) Publish(channel, typ string, v any) {
	data, err := encode(typ, channel, v)
	if err != nil {
		h.logger.Warn("ws: encode failed", slog.String("channel", channel), slog.String("error", err.Error()))
		return
	}
	select {
	case h.broadcast <- broadcastMsg{channel: channel, data: data}:
	default:
		h.dropped.Add(1)
	}
}

// OnOrderEvent pushes an order transition on the orders channel.
func (h *Hub) OnOrderEvent(ev domain.OrderEvent) {
	h.Publish(ChannelOrders, "order", ev)
}

// PublishQuotes pushes each quote on its symbol channel.
func (h *Hub) PublishQuotes(quotes []domain.Quote) {
	for _, q := range quotes {
		h.Publish(quotesPrefix+q.Symbol, "quote", q)
	}
}

// PublishBookTop pushes the aggregated top of book for one symbol.
func (h *Hub) PublishBookTop(top domain.BookTop) {
	h.Publish(booksPrefix+top.Symbol, "book_top", top)
}

// PublishSignals pushes proposals emitted by strategies.
func (h *Hub) PublishSignals(proposals []domain.ProposedOrder) {
	for _, p := range proposals {
		h.Publish(ChannelSignals, "signal", p)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns the number of messages dropped at the hub or at slow
// clients.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Run routes registrations and broadcasts until ctx is cancelled, then
// closes every client.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				c.close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", n))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.isSubscribed(msg.channel) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					h.dropped.Add(1)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// HandleWS upgrades the request and registers the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		quit: make(chan struct{}),
		subs: make(map[string]bool, len(defaultChannels)),
	}
	for _, ch := range defaultChannels {
		c.subs[ch] = true
	}

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	if h.status != nil {
		c.enqueue("status", ChannelStatus, h.status())
	}

	go c.writePump()
	go c.readPump()
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	quit chan struct{}
	once sync.Once

	mu   sync.RWMutex
	subs map[string]bool
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if err := json.Unmarshal(message, &sub); err != nil || len(sub.Channels) == 0 {
			c.enqueue("error", "", map[string]string{"error": "expected {\"action\":\"subscribe\",\"channels\":[...]}"})
			continue
		}
		c.handleSubscription(sub)
	}
}

func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	switch msg.Action {
	case "subscribe":
		for _, ch := range msg.Channels {
			c.subs[ch] = true
		}
	case "unsubscribe":
		for _, ch := range msg.Channels {
			delete(c.subs, ch)
		}
	default:
		c.mu.Unlock()
		c.enqueue("error", "", map[string]string{"error": "unknown action: " + msg.Action})
		return
	}
	current := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		current = append(current, ch)
	}
	c.mu.Unlock()
	c.enqueue("subscribed", "", map[string]any{"channels": current})
}

func (c *client) close() {
	c.once.Do(func() { close(c.quit) })
}

// enqueue sends a direct reply to this client only.
func (c *client) enqueue(typ, channel string, v any) {
	data, err := encode(typ, channel, v)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		c.hub.dropped.Add(1)
	}
}

func (c *client) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.subs[channel] {
		return true
	}
	for sub := range c.subs {
		if prefix, ok := strings.CutSuffix(sub, "*"); ok && strings.HasPrefix(channel, prefix) {
			return true
		}
	}
	return false
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.quit:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func encode(typ, channel string, v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typ, Channel: channel, Data: raw, Time: time.Now().UTC()})
}
