// Package rooms maps room ids to the connections that joined them.
//
// A connection can be in any number of rooms and is also addressable by its
// own id once attached. Both the room index and the per-connection reverse
// index live under one mutex so Disconnect can never leave a dangling
// member behind.
package rooms

import (
	"sort"
	"sync"
)

type Member interface {
	ID() string
}

type Manager[M Member] struct {
	mu       sync.RWMutex
	conns    map[string]M
	rooms    map[string]map[string]M
	memberOf map[string]map[string]struct{}
}

func NewManager[M Member]() *Manager[M] {
	return &Manager[M]{
		conns:    make(map[string]M),
		rooms:    make(map[string]map[string]M),
		memberOf: make(map[string]map[string]struct{}),
	}
}

// Attach makes m addressable by its id. Join attaches implicitly.
func (mgr *Manager[M]) Attach(m M) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.attachLocked(m)
}

func (mgr *Manager[M]) attachLocked(m M) {
	id := m.ID()
	mgr.conns[id] = m
	if _, ok := mgr.memberOf[id]; !ok {
		mgr.memberOf[id] = make(map[string]struct{})
	}
}

// Join adds m to room, creating the room if needed. Joining twice is a no-op.
func (mgr *Manager[M]) Join(m M, room string) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	mgr.attachLocked(m)
	members, ok := mgr.rooms[room]
	if !ok {
		members = make(map[string]M)
		mgr.rooms[room] = members
	}
	id := m.ID()
	members[id] = m
	mgr.memberOf[id][room] = struct{}{}
}

// Leave removes id from room and drops the room once empty. Leaving a room
// id is not in is a no-op.
func (mgr *Manager[M]) Leave(id, room string) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.leaveLocked(id, room)
}

func (mgr *Manager[M]) leaveLocked(id, room string) {
	if members, ok := mgr.rooms[room]; ok {
		delete(members, id)
		if len(members) == 0 {
			delete(mgr.rooms, room)
		}
	}
	if rooms, ok := mgr.memberOf[id]; ok {
		delete(rooms, room)
	}
}

// Disconnect removes id from every room and from the connection table. It
// returns the rooms id was in.
func (mgr *Manager[M]) Disconnect(id string) []string {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	var left []string
	for room := range mgr.memberOf[id] {
		left = append(left, room)
	}
	for _, room := range left {
		mgr.leaveLocked(id, room)
	}
	delete(mgr.memberOf, id)
	delete(mgr.conns, id)
	sort.Strings(left)
	return left
}

// Members returns a snapshot of room's members.
func (mgr *Manager[M]) Members(room string) []M {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	members := mgr.rooms[room]
	out := make([]M, 0, len(members))
	for _, m := range members {
		out = append(out, m)
	}
	return out
}

// RoomsOf returns the rooms id belongs to, sorted.
func (mgr *Manager[M]) RoomsOf(id string) []string {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	out := make([]string, 0, len(mgr.memberOf[id]))
	for room := range mgr.memberOf[id] {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// Lookup finds an attached connection by id.
func (mgr *Manager[M]) Lookup(id string) (M, bool) {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	m, ok := mgr.conns[id]
	return m, ok
}

func (mgr *Manager[M]) RoomCount() int {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	return len(mgr.rooms)
}

func (mgr *Manager[M]) ConnCount() int {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	return len(mgr.conns)
}
