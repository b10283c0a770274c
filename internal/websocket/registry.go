package websocket

import (
	"sync"

	"presencehub/pkg/interfaces"
)

// Registry tracks live connections and room membership for one gateway
// process. Rooms exist only while they have members.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]interfaces.Connection            // connID -> conn
	users       map[string]map[string]interfaces.Connection // userID -> connID -> conn
	rooms       map[string]map[string]interfaces.Connection // room -> connID -> conn
	memberships map[string]map[string]struct{}              // connID -> rooms
}

// RegistryStats is a point-in-time snapshot of registry sizes
type RegistryStats struct {
	Connections int `json:"connections"`
	Users       int `json:"users"`
	Rooms       int `json:"rooms"`
}

// NewRegistry creates a new connection registry
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]interfaces.Connection),
		users:       make(map[string]map[string]interfaces.Connection),
		rooms:       make(map[string]map[string]interfaces.Connection),
		memberships: make(map[string]map[string]struct{}),
	}
}

// Register adds an authenticated connection. A user may hold any number of
// connections at once.
func (r *Registry) Register(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !conn.IsAuthenticated() {
		return ErrConnectionNotAuthenticated
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := conn.ID()
	r.connections[id] = conn
	byUser, ok := r.users[conn.UserID()]
	if !ok {
		byUser = make(map[string]interfaces.Connection)
		r.users[conn.UserID()] = byUser
	}
	byUser[id] = conn
	if _, ok := r.memberships[id]; !ok {
		r.memberships[id] = make(map[string]struct{})
	}
	return nil
}

// Unregister removes the connection from the registry and from every room it
// joined. It returns the rooms that were left.
func (r *Registry) Unregister(conn interfaces.Connection) []string {
	if conn == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := conn.ID()
	if _, ok := r.connections[id]; !ok {
		return nil
	}
	delete(r.connections, id)

	if byUser, ok := r.users[conn.UserID()]; ok {
		delete(byUser, id)
		if len(byUser) == 0 {
			delete(r.users, conn.UserID())
		}
	}

	left := make([]string, 0, len(r.memberships[id]))
	for room := range r.memberships[id] {
		r.removeFromRoomLocked(room, id)
		left = append(left, room)
	}
	delete(r.memberships, id)
	return left
}

// Join adds a registered connection to room, creating the room on first use
func (r *Registry) Join(conn interfaces.Connection, room string) error {
	if conn == nil {
		return ErrNilConnection
	}
	if room == "" {
		return ErrEmptyRoom
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := conn.ID()
	rooms, ok := r.memberships[id]
	if !ok {
		return ErrNotRegistered
	}

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]interfaces.Connection)
		r.rooms[room] = members
	}
	members[id] = conn
	rooms[room] = struct{}{}
	return nil
}

// Leave removes the connection from room; empty rooms are dropped
func (r *Registry) Leave(conn interfaces.Connection, room string) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := conn.ID()
	if rooms, ok := r.memberships[id]; ok {
		delete(rooms, room)
	}
	r.removeFromRoomLocked(room, id)
}

func (r *Registry) removeFromRoomLocked(room, connID string) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// IsMember reports whether the connection has joined room
func (r *Registry) IsMember(conn interfaces.Connection, room string) bool {
	if conn == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room][conn.ID()]
	return ok
}

// RoomConnections returns the members of all given rooms, each connection once
func (r *Registry) RoomConnections(rooms ...string) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(rooms) == 1 {
		members := r.rooms[rooms[0]]
		out := make([]interfaces.Connection, 0, len(members))
		for _, conn := range members {
			out = append(out, conn)
		}
		return out
	}

	seen := make(map[string]struct{})
	var out []interfaces.Connection
	for _, room := range rooms {
		for id, conn := range r.rooms[room] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, conn)
		}
	}
	return out
}

// EvictRoom removes the members of room that keep rejects
func (r *Registry) EvictRoom(room string, keep func(interfaces.Connection) bool) []interfaces.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []interfaces.Connection
	for id, conn := range r.rooms[room] {
		if keep != nil && keep(conn) {
			continue
		}
		if rooms, ok := r.memberships[id]; ok {
			delete(rooms, room)
		}
		r.removeFromRoomLocked(room, id)
		evicted = append(evicted, conn)
	}
	return evicted
}

// UserConnections returns every live connection of userID
func (r *Registry) UserConnections(userID string) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byUser := r.users[userID]
	out := make([]interfaces.Connection, 0, len(byUser))
	for _, conn := range byUser {
		out = append(out, conn)
	}
	return out
}

// GetConnection looks up a connection by ID
func (r *Registry) GetConnection(connID string) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[connID]
	return conn, ok
}

// RoomsOf returns the rooms a connection has joined
func (r *Registry) RoomsOf(conn interfaces.Connection) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := r.memberships[conn.ID()]
	out := make([]string, 0, len(rooms))
	for room := range rooms {
		out = append(out, room)
	}
	return out
}

// RoomSize returns the number of members of room
func (r *Registry) RoomSize(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// AllConnections returns a snapshot of every registered connection
func (r *Registry) AllConnections() []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]interfaces.Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		out = append(out, conn)
	}
	return out
}

// Stats returns current registry sizes
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RegistryStats{
		Connections: len(r.connections),
		Users:       len(r.users),
		Rooms:       len(r.rooms),
	}
}
