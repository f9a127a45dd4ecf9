// internal/broadcast/websocket.go
package broadcast

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Observers only send control frames.
	maxMessageSize = 4096
)

// The zero CheckOrigin rejects cross origin upgrades.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// client relays one Hub subscription to one websocket connection.
type client struct {
	id          string
	sessionID   string
	conn        *websocket.Conn
	messages    <-chan schemas.BroadcastMessage
	unsubscribe func()
	logger      *zap.Logger
}

// readPump only services control frames. It returns once the peer goes away
// or the write side closes the connection.
func (c *client) readPump() {
	defer func() {
		c.unsubscribe()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("Websocket client read error.", zap.Error(err))
			}
			return
		}
		c.logger.Debug("Ignoring message from observer.", zap.Int("bytes", len(message)))
	}
}

// writePump writes one JSON frame per broadcast message.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.messages:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the subscription.
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			frame, err := json.Marshal(msg)
			if err != nil {
				c.logger.Error("Failed to marshal broadcast message.", zap.Error(err), zap.String("type", string(msg.Type)))
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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

// WSManager exposes a Hub to websocket observers.
type WSManager struct {
	hub    *Hub
	logger *zap.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

// NewWSManager creates a new WSManager fed by hub.
func NewWSManager(hub *Hub, logger *zap.Logger) *WSManager {
	return &WSManager{
		hub:     hub,
		logger:  logger.Named("ws_manager"),
		clients: make(map[*client]struct{}),
	}
}

// HandleWS upgrades the request and streams broadcast messages to it. The
// optional "session" query parameter narrows the stream to one session.
// Requests arriving after Close are refused.
func (m *WSManager) HandleWS(w http.ResponseWriter, r *http.Request) {
	if m.isClosed() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("Failed to upgrade websocket.", zap.Error(err))
		return
	}

	sessionID := r.URL.Query().Get("session")
	c := &client{
		id:        uuid.NewString(),
		sessionID: sessionID,
		conn:      conn,
	}
	c.logger = m.logger.With(zap.String("client_id", c.id))

	// Registration and wg.Add happen under the lock Close takes, so a client
	// is either seen by Close or refused here.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		conn.Close()
		return
	}
	c.messages, c.unsubscribe = m.hub.Subscribe(sessionID)
	m.clients[c] = struct{}{}
	m.wg.Add(2)
	m.mu.Unlock()
	c.logger.Info("WebSocket client connected.", zap.String("session_id", sessionID))

	go func() {
		defer m.wg.Done()
		c.writePump()
	}()
	go func() {
		defer m.wg.Done()
		c.readPump()
		m.mu.Lock()
		delete(m.clients, c)
		m.mu.Unlock()
		c.logger.Info("WebSocket client disconnected.")
	}()
}

func (m *WSManager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Clients reports the number of connected observers.
func (m *WSManager) Clients() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// Close drops every connection and waits for the pumps to exit. Later
// upgrade requests are refused.
func (m *WSManager) Close() {
	m.mu.Lock()
	m.closed = true
	for c := range m.clients {
		c.unsubscribe()
	}
	m.mu.Unlock()
	m.wg.Wait()
}
