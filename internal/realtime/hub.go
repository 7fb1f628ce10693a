// Package realtime streams escrow transitions to WebSocket subscribers.
//
// The hub is the engine's event sink: every committed status transition is
// fanned out to connected marketplace frontends, which subscribe instead of
// polling GET /escrows/:id. Publish never blocks, and subscribers that stop
// draining their queue are disconnected.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dippydogellm/riddleswap.com-sub018/internal/escrow"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/metrics"
)

// Per-connection deadlines and queue sizes.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	// Inbound frames carry only subscription JSON. 64 KiB leaves room for
	// a frontend watching a few thousand escrow IDs at once.
	maxFrameBytes = 64 << 10

	sendQueue  = 256
	eventQueue = 256

	defaultMaxClients = 10_000
)

// Subscription narrows which transitions a client receives. The zero value
// receives everything; a client replaces its subscription by sending one as
// a JSON text frame.
type Subscription struct {
	AllEvents bool            `json:"allEvents"`
	EscrowIDs []string        `json:"escrowIds"`
	Kinds     []escrow.Kind   `json:"kinds"`
	Statuses  []escrow.Status `json:"statuses"`
}

// filter is a compiled Subscription: set lookups instead of slice scans on
// every fan-out. A nil set means that dimension is unconstrained.
type filter struct {
	escrows  map[string]struct{}
	kinds    map[escrow.Kind]struct{}
	statuses map[escrow.Status]struct{}
}

func compile(sub Subscription) filter {
	if sub.AllEvents {
		return filter{}
	}
	var f filter
	if len(sub.EscrowIDs) > 0 {
		f.escrows = make(map[string]struct{}, len(sub.EscrowIDs))
		for _, id := range sub.EscrowIDs {
			f.escrows[id] = struct{}{}
		}
	}
	if len(sub.Kinds) > 0 {
		f.kinds = make(map[escrow.Kind]struct{}, len(sub.Kinds))
		for _, k := range sub.Kinds {
			f.kinds[k] = struct{}{}
		}
	}
	if len(sub.Statuses) > 0 {
		f.statuses = make(map[escrow.Status]struct{}, len(sub.Statuses))
		for _, st := range sub.Statuses {
			f.statuses[st] = struct{}{}
		}
	}
	return f
}

// match reports whether an event passes every constrained dimension. The
// status filter matches the destination status.
func (f filter) match(evt *escrow.Event) bool {
	if f.escrows != nil {
		if _, ok := f.escrows[evt.EscrowID]; !ok {
			return false
		}
	}
	if f.kinds != nil {
		if _, ok := f.kinds[evt.Kind]; !ok {
			return false
		}
	}
	if f.statuses != nil {
		if _, ok := f.statuses[evt.To]; !ok {
			return false
		}
	}
	return true
}

// client is one WebSocket subscriber.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	out  chan []byte

	mu sync.Mutex
	f  filter
}

func (c *client) setFilter(f filter) {
	c.mu.Lock()
	c.f = f
	c.mu.Unlock()
}

func (c *client) wants(evt *escrow.Event) bool {
	c.mu.Lock()
	f := c.f
	c.mu.Unlock()
	return f.match(evt)
}

// Stats is a point-in-time snapshot of hub load.
type Stats struct {
	Connected   int   `json:"connectedClients"`
	TotalEvents int64 `json:"totalEvents"`
	TotalJoins  int64 `json:"totalClients"`
	Peak        int64 `json:"peakClients"`
}

// Hub fans escrow transitions out to connected subscribers. It implements
// escrow.EventSink.
type Hub struct {
	logger   *slog.Logger
	origins  []string
	max      int
	upgrader websocket.Upgrader

	events chan *escrow.Event
	done   chan struct{} // closed when Run exits; late upgrades are refused

	mu      sync.RWMutex
	clients map[*client]struct{}

	totalEvents atomic.Int64
	totalJoins  atomic.Int64
	peak        atomic.Int64
}

// NewHub builds a hub that accepts browser upgrades from same-host pages
// and from allowedOrigins; "*" admits any origin.
func NewHub(logger *slog.Logger, allowedOrigins []string) *Hub {
	h := &Hub{
		logger:  logger,
		origins: allowedOrigins,
		max:     defaultMaxClients,
		events:  make(chan *escrow.Event, eventQueue),
		done:    make(chan struct{}),
		clients: make(map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.originAllowed,
	}
	return h
}

func (h *Hub) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser client
	}
	if origin == "http://"+r.Host || origin == "https://"+r.Host {
		return true
	}
	for _, o := range h.origins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// Run delivers queued events until ctx is cancelled, then closes every
// subscriber.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("event hub running")
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case evt := <-h.events:
			h.deliver(evt)
		}
	}
}

// deliver serializes the event once and offers it to every matching
// subscriber. Subscribers with a full queue are dropped rather than waited
// on.
func (h *Hub) deliver(evt *escrow.Event) {
	h.totalEvents.Add(1)
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}

	var stalled []*client
	h.mu.RLock()
	for c := range h.clients {
		if !c.wants(evt) {
			continue
		}
		select {
		case c.out <- payload:
		default:
			stalled = append(stalled, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stalled {
		h.logger.Warn("dropping stalled subscriber")
		h.removeClient(c)
	}
}

func (h *Hub) shutdown() {
	close(h.done)
	h.mu.Lock()
	for c := range h.clients {
		close(c.out)
		delete(h.clients, c)
	}
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(0)
	h.logger.Info("realtime hub stopped")
}

// addClient registers the client unless the hub is shutting down or full.
// The done check shares the lock with shutdown's sweep, so a registration
// can never slip in after the sweep and leak a connection.
func (h *Hub) addClient(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return false
	default:
	}
	if len(h.clients) >= h.max {
		return false
	}
	h.clients[c] = struct{}{}
	h.totalJoins.Add(1)
	if n := int64(len(h.clients)); n > h.peak.Load() {
		h.peak.Store(n)
	}
	n := len(h.clients)
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Info("subscriber connected", "total", n)
	return true
}

// removeClient is idempotent; the hub and both connection loops may all
// report the same departure.
func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	_, present := h.clients[c]
	if present {
		delete(h.clients, c)
		close(c.out)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if present {
		metrics.ActiveWebSocketClients.Set(float64(n))
		h.logger.Info("subscriber disconnected", "total", n)
	}
}

// Publish satisfies escrow.EventSink. It never blocks: when the fan-out
// queue is full the transition is dropped and the engine keeps moving.
func (h *Hub) Publish(evt escrow.Event) {
	select {
	case h.events <- &evt:
	default:
		h.logger.Warn("event queue full, dropping transition", "escrowId", evt.EscrowID)
	}
}

// Stats reports current and cumulative subscriber counts.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return Stats{
		Connected:   n,
		TotalEvents: h.totalEvents.Load(),
		TotalJoins:  h.totalJoins.Load(),
		Peak:        h.peak.Load(),
	}
}

// HandleWebSocket upgrades the request and starts the connection loops.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "escrow engine is draining connections", http.StatusServiceUnavailable)
		return
	default:
	}
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.max {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade rejected", "error", err)
		return
	}

	c := &client{hub: h, conn: conn, out: make(chan []byte, sendQueue)}
	if !h.addClient(c) {
		// Lost a race with shutdown, or a connection burst past the limit.
		_ = conn.Close()
		return
	}

	go c.writeLoop()
	go c.readLoop()
}

// readLoop is the connection's sole reader: subscription frames and pong
// timing.
func (c *client) readLoop() {
	defer func() {
		c.hub.removeClient(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			expected := websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			)
			if !expected {
				c.hub.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(frame, &sub); err != nil {
			continue // not a subscription frame
		}
		c.setFilter(compile(sub))
	}
}

// writeLoop owns all writes: queued events, keepalive pings, and the close
// frame once the hub drops the client.
func (c *client) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
				_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
