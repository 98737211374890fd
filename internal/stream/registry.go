// Package stream pushes tracker events to browsers over websocket.
package stream

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/ashureev/chat2graph-gateway/internal/metrics"
)

// Registry tracks the open connection of every watcher. A watcher has at
// most one connection; a newer one closes the older.
type Registry struct {
	mu     sync.RWMutex
	active map[string]*websocket.Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		active: make(map[string]*websocket.Conn),
	}
}

// Get returns the active connection of a watcher.
func (m *Registry) Get(key string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[key]
}

// Len returns the number of registered connections.
func (m *Registry) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// Register makes conn the watcher's connection.
func (m *Registry) Register(key string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, exists := m.active[key]; exists && existing != conn {
		_ = existing.Close(websocket.StatusPolicyViolation, "connection replaced")
	} else if !exists {
		metrics.WebsocketConnections.Inc()
	}

	m.active[key] = conn
	slog.Info("Stream connection registered", "watcher", key)
}

// Unregister removes conn if it is still the watcher's connection. It
// reports whether conn was removed.
func (m *Registry) Unregister(key string, conn *websocket.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, exists := m.active[key]; exists && current == conn {
		delete(m.active, key)
		metrics.WebsocketConnections.Dec()
		slog.Info("Stream connection unregistered", "watcher", key)
		return true
	}
	return false
}

// CloseAll terminates every connection, typically during shutdown.
func (m *Registry) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, conn := range m.active {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		metrics.WebsocketConnections.Dec()
		slog.Info("Stream connection closed", "watcher", key)
	}
	m.active = make(map[string]*websocket.Conn)
}
