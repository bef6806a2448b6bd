package transport

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Registry tracks live WebSocket connections so they can be closed on
// shutdown; http.Server.Shutdown does not touch hijacked connections.
type Registry struct {
	mu     sync.RWMutex
	active map[string]*websocket.Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]*websocket.Conn)}
}

// Register adds a connection under its session id.
func (m *Registry) Register(sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, exists := m.active[sessionID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "session replaced")
	}
	m.active[sessionID] = conn
	slog.Debug("Chat session registered", "session_id", sessionID)
}

// Unregister removes a connection if it is still the one registered.
func (m *Registry) Unregister(sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, exists := m.active[sessionID]; exists && current == conn {
		delete(m.active, sessionID)
		slog.Debug("Chat session unregistered", "session_id", sessionID)
	}
}

// Count returns the number of live connections.
func (m *Registry) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// CloseAll closes every live connection with a going-away status.
func (m *Registry) CloseAll(reason string) {
	m.mu.Lock()
	conns := m.active
	m.active = make(map[string]*websocket.Conn)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for sid, conn := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = conn.Close(websocket.StatusGoingAway, reason)
			slog.Info("Chat session closed", "session_id", sid, "reason", reason)
		}()
	}
	wg.Wait()
}
