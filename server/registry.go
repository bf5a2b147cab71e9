package server

import (
	"sync"

	"github.com/google/uuid"
)

// Registry maps connection ids to live connections. The lock is only held for the
// map operation itself; iterate over a Snapshot to do anything that may block.
type Registry struct {
	mutex       sync.Mutex
	connections map[uuid.UUID]*Connection
}

func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[uuid.UUID]*Connection),
	}
}

func (r *Registry) Add(connection *Connection) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.connections[connection.ID()] = connection
}

// Remove deletes the connection and reports whether it was registered.
func (r *Registry) Remove(connection *Connection) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, ok := r.connections[connection.ID()]; !ok {
		return false
	}

	delete(r.connections, connection.ID())
	return true
}

func (r *Registry) Get(id uuid.UUID) (*Connection, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	connection, ok := r.connections[id]
	return connection, ok
}

func (r *Registry) Len() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return len(r.connections)
}

// Snapshot returns a copy of all registered connections in no particular order.
func (r *Registry) Snapshot() []*Connection {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	snapshot := make([]*Connection, 0, len(r.connections))
	for _, connection := range r.connections {
		snapshot = append(snapshot, connection)
	}

	return snapshot
}

func (r *Registry) Clear() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.connections = make(map[uuid.UUID]*Connection)
}
