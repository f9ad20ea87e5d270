// Package ws pushes market and trade events to websocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/polyamm/internal/domain"
	"github.com/alanyoungcy/polyamm/internal/server/middleware"
	"github.com/gorilla/websocket"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256
)

// busChannels are the signal bus channels forwarded to clients.
var busChannels = []string{domain.ChannelTrades, domain.ChannelMarkets}

// Frame types sent by the hub itself. Bus events keep their own type.
const (
	FrameWelcome       = "welcome"
	FramePriceSnapshot = "price_snapshot"
)

// subscribeMsg is the JSON message a client sends to change which markets
// it follows. An empty subscription set follows every market.
type subscribeMsg struct {
	Action  string   `json:"action"` // "subscribe" or "unsubscribe"
	Markets []string `json:"markets"`
}

type priceSnapshot struct {
	Type      string        `json:"type"`
	MarketID  string        `json:"market_id"`
	Prices    domain.Prices `json:"prices"`
	Timestamp time.Time     `json:"timestamp"`
}

type welcome struct {
	Type    string   `json:"type"`
	Actor   string   `json:"actor,omitempty"`
	Markets []string `json:"markets"`
}

// Hub fans bus events out to connected clients, filtered by the markets
// each client follows.
type Hub struct {
	bus      domain.SignalBus
	prices   domain.PriceCache
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu         sync.RWMutex
	clients    map[*client]struct{}
	register   chan *client
	unregister chan *client
	broadcast  chan busFrame
	done       chan struct{}
}

type busFrame struct {
	marketID string
	data     []byte
}

// NewHub creates a Hub. prices may be nil, in which case clients get no
// snapshot when they subscribe. allowedOrigins follows the CORS list.
func NewHub(bus domain.SignalBus, prices domain.PriceCache, allowedOrigins []string, logger *slog.Logger) *Hub {
	h := &Hub{
		bus:        bus,
		prices:     prices,
		logger:     logger.With(slog.String("component", "ws_hub")),
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan busFrame, 256),
		done:       make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || middleware.OriginAllowed(allowedOrigins, origin)
		},
	}
	return h
}

// Run subscribes to the bus and routes events until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	for _, ch := range busChannels {
		msgs, err := h.bus.Subscribe(ctx, ch)
		if err != nil {
			return err
		}
		go h.forward(ctx, ch, msgs)
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.String("actor", c.actor), slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.String("actor", c.actor), slog.Int("total_clients", n))

		case f := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if c.follows(f.marketID) && !c.enqueue(f.data) {
					h.logger.Warn("ws: dropping message for slow client", slog.String("actor", c.actor))
				}
			}
			h.mu.RUnlock()
		}
	}
}

// forward relays one bus subscription into the broadcast loop.
func (h *Hub) forward(ctx context.Context, channel string, msgs <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgs:
			if !ok {
				h.logger.Warn("ws: channel subscription closed", slog.String("channel", channel))
				return
			}
			var head struct {
				MarketID string `json:"market_id"`
			}
			if err := json.Unmarshal(data, &head); err != nil {
				h.logger.Warn("ws: undecodable bus message",
					slog.String("channel", channel),
					slog.String("error", err.Error()),
				)
				continue
			}
			select {
			case h.broadcast <- busFrame{marketID: head.MarketID, data: data}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades the request and registers the client. A markets query
// parameter (comma separated) pre-subscribes the connection.
// GET /ws?markets=id1,id2
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
		subs: make(map[string]bool),
	}
	if p, ok := middleware.PrincipalFrom(r.Context()); ok {
		c.actor = p.Actor
	}

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()

	initial := splitMarkets(r.URL.Query().Get("markets"))
	c.subscribe(initial)
	c.sendJSON(welcome{Type: FrameWelcome, Actor: c.actor, Markets: c.following()})
	h.sendSnapshots(r.Context(), c, initial)

	go c.readPump()
}

// sendSnapshots pushes the cached prices of each market so a client has a
// starting point before the next trade.
func (h *Hub) sendSnapshots(ctx context.Context, c *client, markets []string) {
	if h.prices == nil {
		return
	}
	for _, id := range markets {
		p, ts, err := h.prices.GetPrices(ctx, id)
		if err != nil {
			continue
		}
		c.sendJSON(priceSnapshot{Type: FramePriceSnapshot, MarketID: id, Prices: p, Timestamp: ts})
	}
}

func splitMarkets(v string) []string {
	var out []string
	for _, id := range strings.Split(v, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// client represents a single WebSocket connection.
type client struct {
	hub   *Hub
	conn  *websocket.Conn
	actor string

	mu     sync.Mutex
	send   chan []byte
	closed bool
	subs   map[string]bool
}

// enqueue queues msg without blocking. It reports false when the buffer is
// full or the client is gone.
func (c *client) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *client) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *client) follows(marketID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs) == 0 || c.subs[marketID]
}

func (c *client) following() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for id := range c.subs {
		out = append(out, id)
	}
	return out
}

func (c *client) subscribe(markets []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range markets {
		c.subs[id] = true
	}
}

func (c *client) unsubscribe(markets []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range markets {
		delete(c.subs, id)
	}
}

// readPump reads subscription changes from the client until the
// connection drops.
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
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}

		var msg subscribeMsg
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		switch msg.Action {
		case "subscribe":
			c.subscribe(msg.Markets)
			c.hub.sendSnapshots(context.Background(), c, msg.Markets)
		case "unsubscribe":
			c.unsubscribe(msg.Markets)
		}
	}
}

// writePump pumps queued frames to the connection as text messages and
// keeps it alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
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
