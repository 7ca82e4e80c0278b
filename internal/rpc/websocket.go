package rpc

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Klingon-tech/walletsync/pkg/logging"
)

const (
	wsSendBuffer   = 256
	wsReadLimit    = 4096
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Local UI clients (Electron, browser extension) connect from any origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventType represents the type of WebSocket event.
type EventType string

const (
	// Wallet events
	EventWalletUpdated   EventType = "wallet_updated"
	EventAccountsChanged EventType = "accounts_changed"

	// Ledger events
	EventLedgerState      EventType = "ledger_state"
	EventDiscoveryUpdated EventType = "discovery_updated"
)

// stateEvents describe current state rather than a change. The hub keeps
// the latest frame of each and replays it to clients that subscribe later.
var stateEvents = map[EventType]bool{
	EventLedgerState:      true,
	EventDiscoveryUpdated: true,
}

// WSEvent is a WebSocket event message.
type WSEvent struct {
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// WSSubscription is sent by clients to pick events. A client that never
// subscribes receives every event.
type WSSubscription struct {
	Action string   `json:"action"` // "subscribe" or "unsubscribe"
	Events []string `json:"events"`
}

type subscriptionRequest struct {
	client *WSClient
	sub    WSSubscription
}

// WSClient is a connected WebSocket client. Its filter is only touched by
// the hub goroutine.
type WSClient struct {
	conn   *websocket.Conn
	send   chan []byte
	filter map[EventType]bool
	hub    *WSHub
}

func (c *WSClient) wants(t EventType) bool {
	return len(c.filter) == 0 || c.filter[t]
}

// WSHub fans events out to WebSocket clients. Client bookkeeping happens
// on the Run goroutine.
type WSHub struct {
	broadcast  chan *WSEvent
	register   chan *WSClient
	unregister chan *WSClient
	subscribe  chan subscriptionRequest
	done       chan struct{}
	stopOnce   sync.Once
	log        *logging.Logger

	clients   map[*WSClient]struct{}
	snapshots map[EventType][]byte

	mu    sync.RWMutex
	count int
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(log *logging.Logger) *WSHub {
	if log == nil {
		log = logging.GetDefault().Component("rpc")
	}
	return &WSHub{
		broadcast:  make(chan *WSEvent, wsSendBuffer),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		subscribe:  make(chan subscriptionRequest),
		done:       make(chan struct{}),
		log:        log.With("sub", "ws"),
		clients:    make(map[*WSClient]struct{}),
		snapshots:  make(map[EventType][]byte),
	}
}

// Stop ends Run and disconnects every client.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Run starts the hub event loop. It returns after Stop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			for client := range h.clients {
				h.drop(client)
			}
			return

		case client := <-h.register:
			h.clients[client] = struct{}{}
			h.setCount()
			h.log.Debug("WebSocket client connected", "clients", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
				h.log.Debug("WebSocket client disconnected", "clients", len(h.clients))
			}

		case req := <-h.subscribe:
			if _, ok := h.clients[req.client]; ok {
				h.applySubscription(req.client, req.sub)
			}

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				h.log.Error("Failed to marshal event", "type", event.Type, "error", err)
				continue
			}
			if stateEvents[event.Type] {
				h.snapshots[event.Type] = data
			}
			for client := range h.clients {
				if client.wants(event.Type) {
					h.deliver(client, data)
				}
			}
		}
	}
}

// applySubscription updates the filter and replays the current state of
// newly subscribed state events.
func (h *WSHub) applySubscription(c *WSClient, sub WSSubscription) {
	for _, name := range sub.Events {
		t := EventType(name)
		switch sub.Action {
		case "subscribe":
			if c.filter == nil {
				c.filter = make(map[EventType]bool)
			}
			if c.filter[t] {
				continue
			}
			c.filter[t] = true
			if frame, ok := h.snapshots[t]; ok {
				h.deliver(c, frame)
			}
		case "unsubscribe":
			delete(c.filter, t)
		}
	}
}

// deliver queues a frame, dropping clients that cannot keep up.
func (h *WSHub) deliver(c *WSClient, frame []byte) {
	select {
	case c.send <- frame:
	default:
		h.log.Warn("WebSocket client too slow, disconnecting")
		h.drop(c)
	}
}

func (h *WSHub) drop(c *WSClient) {
	delete(h.clients, c)
	close(c.send)
	h.setCount()
}

func (h *WSHub) setCount() {
	h.mu.Lock()
	h.count = len(h.clients)
	h.mu.Unlock()
}

// Broadcast sends an event to all subscribed clients.
func (h *WSHub) Broadcast(eventType EventType, data interface{}) {
	event := &WSEvent{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}

	select {
	case h.broadcast <- event:
	default:
		h.log.Warn("Broadcast channel full, dropping event", "type", eventType)
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// handleWS upgrades the connection and registers the client.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
		hub:  s.wsHub,
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump forwards subscription requests to the hub until the connection
// fails.
func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("WebSocket read error", "error", err)
			}
			return
		}

		var sub WSSubscription
		if err := json.Unmarshal(message, &sub); err != nil {
			c.hub.log.Debug("Ignoring malformed WebSocket message", "error", err)
			continue
		}
		select {
		case c.hub.subscribe <- subscriptionRequest{client: c, sub: sub}:
		case <-c.hub.done:
			return
		}
	}
}

// writePump writes queued frames, batching whatever is already queued into
// one newline separated message, and keeps the connection alive with pings.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			for n := len(c.send); n > 0; n-- {
				next, ok := <-c.send
				if !ok {
					break
				}
				w.Write([]byte{'\n'})
				w.Write(next)
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
