package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/simworld/simworld/pkg/model"
)

// Envelope is the wire format pushed to websocket clients. Data carries
// the full event record so clients filter locally.
type Envelope struct {
	Type string       `json:"type"`
	Data *model.Event `json:"data"`
}

// ClientMessage is what websocket clients send.
type ClientMessage struct {
	Action  string `json:"action"`
	WorldID string `json:"world_id,omitempty"`
}

// ConnectionManager owns all websocket connections and their per-world
// subscriptions. One instance per process.
type ConnectionManager struct {
	connections map[string]*Connection
	mu          sync.RWMutex

	// worldID → set of connection ids
	worlds   map[string]map[string]bool
	worldsMu sync.RWMutex

	writeTimeout time.Duration
}

// Connection is a single websocket client.
//
// subscriptions is accessed without a lock: every read and write happens
// on the goroutine that owns the connection (HandleConnection's read loop
// and its deferred cleanup).
type Connection struct {
	ID            string
	Conn          *websocket.Conn
	subscriptions map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc
}

func NewConnectionManager(writeTimeout time.Duration) *ConnectionManager {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &ConnectionManager{
		connections:  make(map[string]*Connection),
		worlds:       make(map[string]map[string]bool),
		writeTimeout: writeTimeout,
	}
}

// HandleConnection runs a connection's lifecycle after upgrade; it blocks
// until the client disconnects. worldID, when non-empty, is subscribed
// immediately so `GET /worlds/{id}/ws` clients need no handshake message.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn, worldID string) {
	connID := uuid.NewString()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection{
		ID:            connID,
		Conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	m.register(c)
	defer m.unregister(c)

	if worldID != "" {
		m.subscribe(c, worldID)
	}

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": connID,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid websocket message", "connection_id", connID, "error", err)
			continue
		}
		m.handleClientMessage(c, &msg)
	}
}

func (m *ConnectionManager) handleClientMessage(c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.WorldID == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "world_id is required for subscribe"})
			return
		}
		m.subscribe(c, msg.WorldID)
		m.sendJSON(c, map[string]string{
			"type":     "subscription.confirmed",
			"world_id": msg.WorldID,
		})
	case "unsubscribe":
		if msg.WorldID == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "world_id is required for unsubscribe"})
			return
		}
		m.unsubscribe(c, msg.WorldID)
	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	}
}

// BroadcastEvent pushes e to every connection subscribed to its world.
func (m *ConnectionManager) BroadcastEvent(e *model.Event) {
	data, err := json.Marshal(Envelope{Type: envelopeType(e), Data: e})
	if err != nil {
		slog.Warn("Failed to marshal event envelope", "event", e.ID, "error", err)
		return
	}

	m.worldsMu.RLock()
	connIDs, exists := m.worlds[e.WorldID]
	if !exists {
		m.worldsMu.RUnlock()
		return
	}
	ids := make([]string, 0, len(connIDs))
	for id := range connIDs {
		ids = append(ids, id)
	}
	m.worldsMu.RUnlock()

	// Snapshot connections before sending so slow writes never stall
	// register/unregister.
	m.mu.RLock()
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		if err := m.sendRaw(conn, data); err != nil {
			slog.Warn("Failed to send to websocket client",
				"connection_id", conn.ID, "error", err)
		}
	}
}

// envelopeType maps the durable event kind to the client-facing type.
func envelopeType(e *model.Event) string {
	switch e.Kind {
	case model.EventKindAgentAction:
		if kind, _ := e.Data["action_kind"].(string); kind == "communicate" {
			return "conversation"
		}
		if _, ok := e.Data["memory_id"]; ok {
			return "memory_update"
		}
		return "agent_update"
	case model.EventKindWorldEvent, model.EventKindUserIntervention:
		return "world_state"
	default:
		return "world_state"
	}
}

// CloseAll disconnects every client, typically during shutdown.
func (m *ConnectionManager) CloseAll() {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		_ = c.Conn.Close(websocket.StatusGoingAway, "server shutting down")
		c.cancel()
	}
}

// ActiveConnections returns the number of live websocket clients.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

func (m *ConnectionManager) register(c *Connection) {
	m.mu.Lock()
	m.connections[c.ID] = c
	m.mu.Unlock()
}

func (m *ConnectionManager) unregister(c *Connection) {
	c.cancel()

	m.worldsMu.Lock()
	for worldID := range c.subscriptions {
		delete(m.worlds[worldID], c.ID)
		if len(m.worlds[worldID]) == 0 {
			delete(m.worlds, worldID)
		}
	}
	m.worldsMu.Unlock()

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()
}

func (m *ConnectionManager) subscribe(c *Connection, worldID string) {
	m.worldsMu.Lock()
	if m.worlds[worldID] == nil {
		m.worlds[worldID] = make(map[string]bool)
	}
	m.worlds[worldID][c.ID] = true
	m.worldsMu.Unlock()

	c.subscriptions[worldID] = true
}

func (m *ConnectionManager) unsubscribe(c *Connection, worldID string) {
	m.worldsMu.Lock()
	delete(m.worlds[worldID], c.ID)
	if len(m.worlds[worldID]) == 0 {
		delete(m.worlds, worldID)
	}
	m.worldsMu.Unlock()

	delete(c.subscriptions, worldID)
}

func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal websocket message", "connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send websocket message", "connection_id", c.ID, "error", err)
	}
}

func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}
