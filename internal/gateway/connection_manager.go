package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/syncwave/syncwave/internal/protocol"
)

// ConnectionManager owns the WebSocket connections of every session. At most
// one live connection exists per user id; admitting a new one for a known
// user evicts the old connection first.
type ConnectionManager struct {
	mu           sync.RWMutex
	sessionConns map[string]map[*Connection]bool
	userConns    map[string]*Connection

	upgrader websocket.Upgrader
	config   ConnectionConfig

	// inbound receives every parsed client event; wired to the router.
	inbound func(c *Connection, evt protocol.Event)
	// onDisconnect runs after a connection is unregistered.
	onDisconnect func(c *Connection)
}

// Connection is one client's WebSocket link.
type Connection struct {
	ID          string
	UserID      string
	DisplayName string
	Conn        *websocket.Conn
	Send        chan []byte
	Manager     *ConnectionManager

	mu        sync.Mutex
	sessionID string
	closed    bool

	ConnectedAt time.Time
	LastPing    time.Time
}

// ConnectionConfig holds WebSocket tuning knobs.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns the default WebSocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  64 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// NewConnectionManager creates a connection manager.
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		sessionConns: make(map[string]map[*Connection]bool),
		userConns:    make(map[string]*Connection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config: config,
	}
}

// SetInbound wires the handler for parsed client events.
func (cm *ConnectionManager) SetInbound(fn func(c *Connection, evt protocol.Event)) {
	cm.inbound = fn
}

// SetOnDisconnect wires the disconnect hook.
func (cm *ConnectionManager) SetOnDisconnect(fn func(c *Connection)) {
	cm.onDisconnect = fn
}

// UpgradeConnection upgrades an HTTP request to a WebSocket connection for a
// verified identity and starts its pumps.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, userID, displayName string) (*Connection, error) {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade connection: %w", err)
	}

	c := &Connection{
		ID:          uuid.New().String(),
		UserID:      userID,
		DisplayName: displayName,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
	}

	go c.writePump()
	go c.readPump()

	log.Info().
		Str("connection_id", c.ID).
		Str("user_id", userID).
		Msg("websocket connection established")
	return c, nil
}

// SessionID returns the session this connection has joined, if any.
func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// UserConnection returns the live connection for a user id, if any.
func (cm *ConnectionManager) UserConnection(userID string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.userConns[userID]
}

// JoinSession registers the connection under a session and records it as the
// user's live connection. Joining with an already closed connection is a
// no-op; the client is gone.
func (cm *ConnectionManager) JoinSession(c *Connection, sessionID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	prev := c.sessionID
	c.sessionID = sessionID
	c.mu.Unlock()

	if prev != "" && prev != sessionID {
		cm.removeFromSessionLocked(c, prev)
	}
	if cm.sessionConns[sessionID] == nil {
		cm.sessionConns[sessionID] = make(map[*Connection]bool)
	}
	cm.sessionConns[sessionID][c] = true
	cm.userConns[c.UserID] = c

	log.Debug().
		Str("connection_id", c.ID).
		Str("session_id", sessionID).
		Int("session_connections", len(cm.sessionConns[sessionID])).
		Msg("connection joined session")
}

// LeaveSession detaches a connection from its session without closing it.
func (cm *ConnectionManager) LeaveSession(c *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	c.mu.Lock()
	sessionID := c.sessionID
	c.sessionID = ""
	c.mu.Unlock()

	if sessionID != "" {
		cm.removeFromSessionLocked(c, sessionID)
	}
}

func (cm *ConnectionManager) removeFromSessionLocked(c *Connection, sessionID string) {
	if conns, ok := cm.sessionConns[sessionID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(cm.sessionConns, sessionID)
		}
	}
}

// unregister removes the connection from all indexes and closes its send
// channel exactly once.
func (cm *ConnectionManager) unregister(c *Connection) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	sessionID := c.sessionID
	c.mu.Unlock()

	if sessionID != "" {
		cm.removeFromSessionLocked(c, sessionID)
	}
	if cm.userConns[c.UserID] == c {
		delete(cm.userConns, c.UserID)
	}
	close(c.Send)

	log.Info().
		Str("connection_id", c.ID).
		Str("user_id", c.UserID).
		Str("session_id", sessionID).
		Msg("connection unregistered")
	return true
}

// CloseConnection forcibly disconnects a client (eviction path). The
// disconnect hook fires here too so departures are handled uniformly.
func (cm *ConnectionManager) CloseConnection(c *Connection) {
	if cm.unregister(c) {
		c.Conn.Close()
		if cm.onDisconnect != nil {
			cm.onDisconnect(c)
		}
	}
}

// trySend queues data for the write pump. Sends to an already closed
// connection are dropped. Returns false when the send buffer is full.
func (c *Connection) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// Broadcast sends an event to every connection of a session.
func (cm *ConnectionManager) Broadcast(sessionID string, evt protocol.Event) {
	cm.broadcast(sessionID, evt, nil)
}

// BroadcastExcept sends an event to every connection of a session except one
// (chat echo suppression: the sender already holds its optimistic copy).
func (cm *ConnectionManager) BroadcastExcept(sessionID string, exclude *Connection, evt protocol.Event) {
	cm.broadcast(sessionID, evt, exclude)
}

func (cm *ConnectionManager) broadcast(sessionID string, evt protocol.Event, exclude *Connection) {
	cm.mu.RLock()
	conns, ok := cm.sessionConns[sessionID]
	if !ok {
		cm.mu.RUnlock()
		return
	}
	targets := make([]*Connection, 0, len(conns))
	for c := range conns {
		if c == exclude {
			continue
		}
		targets = append(targets, c)
	}
	cm.mu.RUnlock()

	data, err := json.Marshal(evt)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(evt.Type)).Msg("failed to marshal broadcast event")
		return
	}

	for _, c := range targets {
		if !c.trySend(data) {
			// Slow or dead client; drop it rather than stall the session.
			log.Warn().
				Str("connection_id", c.ID).
				Str("user_id", c.UserID).
				Msg("send buffer full, closing connection")
			cm.CloseConnection(c)
		}
	}

	log.Debug().
		Str("event_type", string(evt.Type)).
		Str("session_id", sessionID).
		Int("connections", len(targets)).
		Msg("event broadcast")
}

// SendTo delivers an event to a single connection.
func (cm *ConnectionManager) SendTo(c *Connection, evt protocol.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(evt.Type)).Msg("failed to marshal event")
		return
	}
	if !c.trySend(data) {
		log.Warn().Str("connection_id", c.ID).Msg("send buffer full, closing connection")
		cm.CloseConnection(c)
	}
}

// Stats returns connection counts per session.
func (cm *ConnectionManager) Stats() (total int, sessions map[string]int) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	sessions = make(map[string]int, len(cm.sessionConns))
	for id, conns := range cm.sessionConns {
		sessions[id] = len(conns)
		total += len(conns)
	}
	return total, sessions
}

// writePump drains the send channel onto the socket and keeps the ping
// heartbeat going.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to websocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			c.LastPing = time.Now()
		}
	}
}

// readPump parses client events and hands them to the router.
func (c *Connection) readPump() {
	defer func() {
		closed := c.Manager.unregister(c)
		c.Conn.Close()
		if closed && c.Manager.onDisconnect != nil {
			c.Manager.onDisconnect(c)
		}
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.LastPing = time.Now()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected websocket close")
			}
			break
		}
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))

		var evt protocol.Event
		if err := json.Unmarshal(message, &evt); err != nil {
			log.Warn().
				Err(err).
				Str("connection_id", c.ID).
				Msg("dropping malformed client event")
			continue
		}
		if c.Manager.inbound != nil {
			c.Manager.inbound(c, evt)
		}
	}
}
