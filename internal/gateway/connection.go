package gateway

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
)

// Connection is one live WebSocket client, carrying an authenticated user
// and a subscription tag set the gateway's broadcast step consults.
type Connection struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	userID string // empty until a valid auth frame arrives

	subsMu sync.RWMutex
	subs   map[string]bool
}

func newConnection(c *websocket.Conn) *Connection {
	return &Connection{conn: c, subs: make(map[string]bool)}
}

// UserID returns the authenticated user, or "" if anonymous.
func (c *Connection) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Connection) setUserID(id string) {
	c.mu.Lock()
	c.userID = id
	c.mu.Unlock()
}

func (c *Connection) clearUserID() {
	c.mu.Lock()
	c.userID = ""
	c.mu.Unlock()
}

// Subscribe adds a tag (an aggregateType, an "aggregateType:aggregateId"
// pair, exact event type, or "*") to this connection's subscription set.
func (c *Connection) Subscribe(tag string) {
	c.subsMu.Lock()
	c.subs[tag] = true
	c.subsMu.Unlock()
}

func (c *Connection) subscribed(tag string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return c.subs[tag]
}

// send writes one envelope; the write may block briefly on the socket,
// guarded by a 10s write deadline.
func (c *Connection) send(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("[WS] envelope marshal error: %v", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("[WS] write error for user %q: %v", c.userID, err)
	}
}
