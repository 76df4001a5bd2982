// Package wshub owns the gateway's WebSocket client registry for
// /ws/events. Clients connect unscoped and may narrow themselves to a
// session by sending a JSON scope message; broadcast filtering happens
// here so no other component needs to know who is connected.
package wshub

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The event stream is consumed by browser frontends on other
	// origins; auth happens at the message level, not the origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// scopeMessage is what a client sends to narrow its subscription.
type scopeMessage struct {
	SessionID     string `json:"session_id"`
	SessionUserID string `json:"session_user_id,omitempty"`
}

// Client is one connected WebSocket consumer.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu            sync.RWMutex
	sessionID     string
	sessionUserID string
}

func (c *Client) scope() (string, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID, c.sessionUserID
}

func (c *Client) setScope(sessionID, userID string) {
	c.mu.Lock()
	c.sessionID = sessionID
	if userID != "" {
		c.sessionUserID = userID
	}
	c.mu.Unlock()
}

// Hub is the mutex-guarded set of connected clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*Client]bool)}
}

// ServeWS upgrades the request and runs the client until disconnect.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("wshub: upgrade failed: %v", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	go client.writePump()
	go client.readPump()
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Broadcast delivers payload to every client whose scope matches:
// unscoped clients get everything, scoped clients only their session.
// An empty sessionID is an unscoped send and reaches everyone.
func (h *Hub) Broadcast(sessionID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		scope, _ := c.scope()
		if sessionID != "" && scope != "" && scope != sessionID {
			continue
		}
		select {
		case c.send <- payload:
		default:
			// Client is wedged; drop the message. The write pump's
			// deadline will tear the connection down if it stays stuck.
		}
	}
}

// Unicast delivers payload only to clients owned by the given session
// user. Returns true when at least one client matched.
func (h *Hub) Unicast(sessionUserID string, payload []byte) bool {
	if sessionUserID == "" {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := false
	for c := range h.clients {
		_, uid := c.scope()
		if uid != sessionUserID {
			continue
		}
		select {
		case c.send <- payload:
			delivered = true
		default:
		}
	}
	return delivered
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		_ = c.conn.Close()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var scope scopeMessage
		if err := json.Unmarshal(data, &scope); err != nil {
			continue
		}
		c.setScope(scope.SessionID, scope.SessionUserID)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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
