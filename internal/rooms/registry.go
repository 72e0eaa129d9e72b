// Package rooms tracks which signaling connections belong to which room.
//
// The registry is the authoritative model of room membership. The WebSocket
// transport keeps its own per-room delivery bookkeeping, but every membership
// decision (capacity, at-most-one-room, who-are-my-peers) is answered here.
package rooms

import (
	"errors"
	"sync"
)

var (
	// ErrRoomFull is returned by Join when the room already holds the
	// configured maximum number of connections.
	ErrRoomFull = errors.New("room is full")

	// ErrAlreadyInRoom is returned by Join when the connection has not left
	// its current room first.
	ErrAlreadyInRoom = errors.New("connection is already in a room")
)

// Registry maps connections to rooms and rooms to their member sets.
//
// The two maps are kept mutual inverses under a single mutex: a connection id
// appears in members[room] iff roomOf[id] == room. Rooms exist implicitly --
// created on first join, discarded when the last member leaves.
type Registry struct {
	mu sync.Mutex

	limit   int
	roomOf  map[string]string
	members map[string]map[string]struct{}
}

// NewRegistry returns a registry enforcing the given per-room occupancy
// limit. A limit <= 0 means unlimited.
func NewRegistry(limit int) *Registry {
	return &Registry{
		limit:   limit,
		roomOf:  make(map[string]string),
		members: make(map[string]map[string]struct{}),
	}
}

// CurrentRoom returns the room the connection is in, if any.
func (r *Registry) CurrentRoom(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.roomOf[id]
	return room, ok
}

// Peers returns the ids of the other members of the connection's room, or an
// empty slice when the connection is not in a room.
func (r *Registry) Peers(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peersLocked(id)
}

func (r *Registry) peersLocked(id string) []string {
	room, ok := r.roomOf[id]
	if !ok {
		return []string{}
	}
	set := r.members[room]
	peers := make([]string, 0, len(set)-1)
	for member := range set {
		if member != id {
			peers = append(peers, member)
		}
	}
	return peers
}

// Join adds the connection to the named room and returns the peers that were
// already present.
//
// The capacity check and the mutation happen under one lock acquisition, so
// two concurrent joins at the capacity boundary can never both be accepted.
// On error nothing is mutated: a rejected connection can retry with a
// different room.
func (r *Registry) Join(id, room string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.roomOf[id]; ok {
		return nil, ErrAlreadyInRoom
	}

	set := r.members[room]
	if r.limit > 0 && len(set) >= r.limit {
		return nil, ErrRoomFull
	}

	peers := make([]string, 0, len(set))
	for member := range set {
		peers = append(peers, member)
	}

	if set == nil {
		set = make(map[string]struct{})
		r.members[room] = set
	}
	set[id] = struct{}{}
	r.roomOf[id] = room

	return peers, nil
}

// Leave removes the connection from its room and returns the vacated room
// name plus the members that remain in it. ok is false when the connection
// was not in a room. An emptied room is discarded.
func (r *Registry) Leave(id string) (room string, remaining []string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok = r.roomOf[id]
	if !ok {
		return "", nil, false
	}

	delete(r.roomOf, id)
	set := r.members[room]
	delete(set, id)
	if len(set) == 0 {
		delete(r.members, room)
		return room, []string{}, true
	}

	remaining = make([]string, 0, len(set))
	for member := range set {
		remaining = append(remaining, member)
	}
	return room, remaining, true
}

// Occupancy returns the current member count of the named room (0 when the
// room does not exist).
func (r *Registry) Occupancy(room string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members[room])
}
