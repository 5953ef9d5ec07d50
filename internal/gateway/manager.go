// Package gateway connects WebSocket clients to lobby sessions.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/victornm/tunetrivia/internal/lobby"
	"github.com/victornm/tunetrivia/internal/telemetry"
)

type Config struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	// SendBuffer is the number of events queued per connection before it is considered too slow and
	// dropped.
	SendBuffer  int
	CheckOrigin func(r *http.Request) bool
}

func DefaultConfig() Config {
	return Config{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      256,
	}
}

// Manager keeps the WebSocket connections grouped by lobby. It implements lobby.Broadcaster, so
// every delivery is scoped to a single lobby group.
type Manager struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	lobbies map[string]map[string]*conn
}

func NewManager(c Config) *Manager {
	d := DefaultConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}

	return &Manager{
		cfg: c,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  c.ReadBufferSize,
			WriteBufferSize: c.WriteBufferSize,
			CheckOrigin:     c.CheckOrigin,
		},
		lobbies: make(map[string]map[string]*conn),
	}
}

// Serve upgrades the request and joins the connection to the lobby. It returns once the connection
// is running; the pumps own it from then on.
func (m *Manager) Serve(w http.ResponseWriter, r *http.Request, lobbies *lobby.Registry, lobbyID, name string) error {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade connection: %w", err)
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	c := &conn{
		id:      uuid.NewString(),
		lobbyID: lobbyID,
		ws:      ws,
		send:    make(chan []byte, m.cfg.SendBuffer),
		manager: m,
		ctx:     ctx,
		cancel:  cancel,
	}

	m.join(c, lobbies, name)

	go c.writePump()
	go c.readPump()

	slog.InfoContext(ctx, "gateway: connection established",
		"connection", c.id,
		"lobby", lobbyID,
	)

	return nil
}

// join registers c inside the lobby's Join, so the snapshot is the first thing queued for it and no
// event sent before the snapshot is delivered twice.
func (m *Manager) join(c *conn, lobbies *lobby.Registry, name string) {
	c.session, _ = lobbies.Join(c.lobbyID, c.id, name, func() { m.register(c) })
}

// Broadcast implements lobby.Broadcaster.
func (m *Manager) Broadcast(lobbyID string, e lobby.Event, except ...string) {
	data, err := encode(e)
	if err != nil {
		slog.Error("gateway: encode event failed", "event", e.Name, "error", err)
		return
	}

	var slow []*conn

	m.mu.RLock()
	for id, c := range m.lobbies[lobbyID] {
		if slices.Contains(except, id) {
			continue
		}
		if !c.enqueue(e.Name, data) {
			slow = append(slow, c)
		}
	}
	m.mu.RUnlock()

	m.drop(slow)
}

// Send implements lobby.Broadcaster.
func (m *Manager) Send(lobbyID, participantID string, e lobby.Event) {
	data, err := encode(e)
	if err != nil {
		slog.Error("gateway: encode event failed", "event", e.Name, "error", err)
		return
	}

	m.mu.RLock()
	c, ok := m.lobbies[lobbyID][participantID]
	queued := !ok || c.enqueue(e.Name, data)
	m.mu.RUnlock()

	if !queued {
		m.drop([]*conn{c})
	}
}

// Connections returns the number of open connections of a lobby.
func (m *Manager) Connections(lobbyID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.lobbies[lobbyID])
}

// Close disconnects every client.
func (m *Manager) Close() {
	m.mu.RLock()
	var all []*conn
	for _, group := range m.lobbies {
		for _, c := range group {
			all = append(all, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range all {
		_ = c.ws.Close()
	}
}

func (m *Manager) register(c *conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lobbies[c.lobbyID] == nil {
		m.lobbies[c.lobbyID] = make(map[string]*conn)
	}
	m.lobbies[c.lobbyID][c.id] = c

	telemetry.ConnectionsActive.Inc()
}

// unregister removes the connection and closes its send queue. It reports whether the connection was
// still registered.
func (m *Manager) unregister(c *conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	group, ok := m.lobbies[c.lobbyID]
	if !ok {
		return false
	}
	if _, ok := group[c.id]; !ok {
		return false
	}

	delete(group, c.id)
	if len(group) == 0 {
		delete(m.lobbies, c.lobbyID)
	}
	close(c.send)

	telemetry.ConnectionsActive.Dec()

	return true
}

func (m *Manager) drop(slow []*conn) {
	for _, c := range slow {
		slog.Warn("gateway: connection send buffer full, closing connection",
			"connection", c.id,
			"lobby", c.lobbyID,
		)
		telemetry.EventsDropped.Inc()
		_ = c.ws.Close()
	}
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

func encode(e lobby.Event) ([]byte, error) {
	return json.Marshal(outbound{Event: e.Name, Data: e.Data})
}
