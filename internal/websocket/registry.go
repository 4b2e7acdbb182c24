package websocket

import (
	"sync"

	"ticketrelay/pkg/interfaces"
)

// Registry tracks live connections and the ticket rooms they joined. It
// is the Broadcaster behind the dispatcher.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]interfaces.Connection            // sessionID -> Connection
	rooms       map[string]map[string]interfaces.Connection // room -> sessionID -> Connection
	memberships map[string]map[string]struct{}              // sessionID -> rooms
}

var _ interfaces.Broadcaster = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]interfaces.Connection),
		rooms:       make(map[string]map[string]interfaces.Connection),
		memberships: make(map[string]map[string]struct{}),
	}
}

// Register adds a connection under its session id.
func (r *Registry) Register(conn interfaces.Connection) error {
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

// Unregister removes the connection and drops it from every room it had
// joined. It returns those rooms. Unregistering twice is a no-op.
func (r *Registry) Unregister(conn interfaces.Connection) []string {
	if conn == nil {
		return nil
	}
	id := conn.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Only remove the instance that is registered.
	if registered, exists := r.connections[id]; exists && registered == conn {
		delete(r.connections, id)
	}

	var left []string
	for room := range r.memberships[id] {
		r.removeMemberLocked(room, id)
		left = append(left, room)
	}
	delete(r.memberships, id)
	return left
}

// CloseAll closes every registered connection. Their read loops then
// unregister them.
func (r *Registry) CloseAll() int {
	r.mu.RLock()
	conns := make([]interfaces.Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	return len(conns)
}

// Get returns a registered connection by session id.
func (r *Registry) Get(sessionID string) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.connections[sessionID]
	return conn, exists
}

// Join adds conn to room and returns the room size afterwards.
func (r *Registry) Join(conn interfaces.Connection, room string) int {
	id := conn.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.rooms[room]
	if members == nil {
		members = make(map[string]interfaces.Connection)
		r.rooms[room] = members
	}
	members[id] = conn

	if r.memberships[id] == nil {
		r.memberships[id] = make(map[string]struct{})
	}
	r.memberships[id][room] = struct{}{}

	return len(members)
}

// Leave removes conn from room and returns the room size afterwards.
func (r *Registry) Leave(conn interfaces.Connection, room string) int {
	id := conn.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeMemberLocked(room, id)
	if rooms, ok := r.memberships[id]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(r.memberships, id)
		}
	}
	return len(r.rooms[room])
}

// removeMemberLocked drops an empty room entirely. Callers hold mu.
func (r *Registry) removeMemberLocked(room, id string) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// InRoom reports whether conn is a member of room.
func (r *Registry) InRoom(conn interfaces.Connection, room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.rooms[room][conn.ID()]
	return ok
}

// Members returns a snapshot of the connections in room.
func (r *Registry) Members(room string) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]interfaces.Connection, 0, len(r.rooms[room]))
	for _, conn := range r.rooms[room] {
		members = append(members, conn)
	}
	return members
}

// Publish queues the event for every member of room.
func (r *Registry) Publish(room, event string, payload interface{}) int {
	return r.PublishWhere(room, event, payload, nil)
}

// PublishWhere queues the event for members accepted by keep; a nil keep
// accepts all. Sends happen outside the lock, and a member with a full
// queue is skipped. It returns the number of members the event was queued for.
func (r *Registry) PublishWhere(room, event string, payload interface{}, keep func(interfaces.Connection) bool) int {
	delivered := 0
	for _, conn := range r.Members(room) {
		if keep != nil && !keep(conn) {
			continue
		}
		if err := conn.Send(event, payload); err == nil {
			delivered++
		}
	}
	return delivered
}

// RoomSize returns the number of members of room.
func (r *Registry) RoomSize(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// GetStats returns registry statistics for health reporting.
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	memberships := 0
	for _, members := range r.rooms {
		memberships += len(members)
	}

	return map[string]int{
		"total_connections": len(r.connections),
		"active_rooms":      len(r.rooms),
		"room_memberships":  memberships,
	}
}
