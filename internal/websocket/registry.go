package websocket

import (
	"sync"

	"livepoll/pkg/types"
)

// Registry indexes live connections by id.
type Registry struct {
	mu          sync.RWMutex // TECHNICAL: read-heavy, every broadcast iterates
	connections map[string]*Connection
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
	}
}

// RegisterConnection adds conn.
func (r *Registry) RegisterConnection(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[conn.ID()]; exists {
		return ErrDuplicateConnection
	}
	r.connections[conn.ID()] = conn
	return nil
}

// UnregisterConnection removes conn if it is the instance registered under
// its id. Idempotent.
func (r *Registry) UnregisterConnection(conn *Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if registered, exists := r.connections[conn.ID()]; exists && registered == conn {
		delete(r.connections, conn.ID())
	}
}

// GetConnection returns the connection with id.
func (r *Registry) GetConnection(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.connections[id]
	return conn, exists
}

// All returns every live connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connections := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		connections = append(connections, conn)
	}
	return connections
}

// ByRole returns the connections that joined with role.
func (r *Registry) ByRole(role string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var connections []*Connection
	for _, conn := range r.connections {
		if conn.Role() == role {
			connections = append(connections, conn)
		}
	}
	return connections
}

// GetStats returns connection counts by role.
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := map[string]int{
		"total_connections": len(r.connections),
		"teachers":          0,
		"students":          0,
		"unjoined":          0,
	}
	for _, conn := range r.connections {
		switch conn.Role() {
		case types.RoleTeacher:
			stats["teachers"]++
		case types.RoleStudent:
			stats["students"]++
		default:
			stats["unjoined"]++
		}
	}
	return stats
}
