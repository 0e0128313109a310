// Package hub is the realtime channel: browser widgets subscribe to a
// session with its subscription token and receive status and confirmation
// updates as the payment progresses.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/KasGate/server/internal/metrics"
	"github.com/KasGate/server/internal/storage"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	sendBufferSize = 16
)

// Sessions is the slice of the session manager the hub needs.
type Sessions interface {
	VerifyToken(ctx context.Context, sessionID, token string) bool
	Get(ctx context.Context, id string) (storage.Session, error)
	RequiredConfirmations() uint64
}

// inbound is any client → server message.
type inbound struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Token     string `json:"token,omitempty"`
}

// Hub tracks connected clients and their session subscriptions.
type Hub struct {
	sessions  Sessions
	heartbeat time.Duration
	upgrader  websocket.Upgrader
	metrics   *metrics.Metrics
	log       zerolog.Logger

	mu        sync.Mutex
	clients   map[*client]struct{}
	bySession map[string]map[*client]struct{}
	closed    bool
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	subs map[string]struct{}
	gone bool // set by remove under hub.mu; send is closed once set
}

// New builds a hub. heartbeat is the server-side ping period; clients that
// stop answering are dropped.
func New(sessions Sessions, heartbeat time.Duration, m *metrics.Metrics, log zerolog.Logger) *Hub {
	return &Hub{
		sessions:  sessions,
		heartbeat: heartbeat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Session access is gated by the subscription token, not the
			// page origin: the payment widget embeds on merchant sites.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		metrics:   m,
		log:       log.With().Str("component", "hub").Logger(),
		clients:   make(map[*client]struct{}),
		bySession: make(map[string]map[*client]struct{}),
	}
}

// ServeHTTP upgrades the connection and runs the client until it drops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("hub.upgrade_failed")
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[string]struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.HubClientsActive.Inc()

	go c.writePump()
	c.readPump()
}

// remove unregisters a client from every session it subscribed to.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	c.gone = true
	for id := range c.subs {
		if set := h.bySession[id]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(h.bySession, id)
			}
		}
	}
	h.mu.Unlock()

	h.metrics.HubClientsActive.Dec()
	close(c.send)
}

// BroadcastStatus pushes a status change to every subscriber of the session.
func (h *Hub) BroadcastStatus(sess storage.Session) {
	msg := map[string]any{
		"type":      "status",
		"sessionId": sess.ID,
		"status":    sess.Status,
	}
	if sess.Status == storage.StatusConfirming || sess.Status == storage.StatusConfirmed {
		msg["confirmations"] = sess.Confirmations
	}
	h.broadcast(sess.ID, "status", msg)
}

// BroadcastConfirmations pushes a confirmation-count update.
func (h *Hub) BroadcastConfirmations(sessionID string, confirmations uint64) {
	h.broadcast(sessionID, "confirmations", map[string]any{
		"type":          "confirmations",
		"sessionId":     sessionID,
		"confirmations": confirmations,
		"required":      h.sessions.RequiredConfirmations(),
	})
}

func (h *Hub) broadcast(sessionID, kind string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Msg("hub.encode_broadcast_failed")
		return
	}

	h.mu.Lock()
	targets := make([]*client, 0, len(h.bySession[sessionID]))
	for c := range h.bySession[sessionID] {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.trySend(data)
	}
	if len(targets) > 0 {
		h.metrics.HubBroadcasts.WithLabelValues(kind).Inc()
	}
}

// SubscriberCount returns the number of clients watching a session.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.bySession[sessionID])
}

// Close sends a clean close frame to every client and stops accepting new
// connections.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	frame := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range clients {
		c.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(writeWait))
		c.conn.Close()
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("malformed message")
			continue
		}
		c.handle(msg)
	}
}

func (c *client) handle(msg inbound) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch msg.Type {
	case "subscribe":
		if !c.hub.sessions.VerifyToken(ctx, msg.SessionID, msg.Token) {
			c.sendError("invalid session or token")
			return
		}
		sess, err := c.hub.sessions.Get(ctx, msg.SessionID)
		if err != nil {
			c.sendError("session unavailable")
			return
		}

		c.hub.mu.Lock()
		c.subs[msg.SessionID] = struct{}{}
		set := c.hub.bySession[msg.SessionID]
		if set == nil {
			set = make(map[*client]struct{})
			c.hub.bySession[msg.SessionID] = set
		}
		set[c] = struct{}{}
		c.hub.mu.Unlock()

		c.sendJSON(snapshot(sess, c.hub.sessions.RequiredConfirmations()))

	case "unsubscribe":
		c.hub.mu.Lock()
		delete(c.subs, msg.SessionID)
		if set := c.hub.bySession[msg.SessionID]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(c.hub.bySession, msg.SessionID)
			}
		}
		c.hub.mu.Unlock()

	case "ping":
		c.sendJSON(map[string]string{"type": "pong"})

	default:
		c.sendError("unknown message type")
	}
}

// snapshot is the session view pushed on subscribe. The subscription token
// is never echoed back.
func snapshot(sess storage.Session, required uint64) map[string]any {
	msg := map[string]any{
		"type":          "session",
		"sessionId":     sess.ID,
		"status":        sess.Status,
		"address":       sess.Address,
		"amountSompi":   sess.AmountSompi,
		"confirmations": sess.Confirmations,
		"required":      required,
		"expiresAt":     sess.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if sess.TxID != "" {
		msg["txId"] = sess.TxID
	}
	if sess.OrderID != "" {
		msg["orderId"] = sess.OrderID
	}
	return msg
}

func (c *client) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *client) sendError(message string) {
	c.sendJSON(map[string]string{"type": "error", "message": message})
}

// trySend never blocks: a client whose buffer is full is considered dead
// and gets dropped by its own write pump. The gone check under the hub lock
// keeps sends from racing remove's close of the channel.
func (c *client) trySend(data []byte) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if c.gone {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.heartbeat)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
