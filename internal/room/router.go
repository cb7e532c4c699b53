// Package room fans frames out to the connections currently joined to a room.
// Delivery is to present members only; nothing is queued for absent ones.
package room

import (
	"hash/fnv"
	"sync"
)

// Member is a joined connection.
type Member interface {
	ID() string
	UserID() int64
	// Send queues frame without blocking and reports whether it was accepted.
	Send(frame []byte) bool
}

type shard struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Member
}

type Router struct {
	shards []*shard
}

func New(shards int) *Router {
	if shards <= 0 {
		shards = 64
	}
	r := &Router{shards: make([]*shard, shards)}
	for i := range r.shards {
		r.shards[i] = &shard{rooms: make(map[string]map[string]Member)}
	}
	return r
}

func (r *Router) shardFor(room string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(room))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Join adds m to room. Reports false if it was already a member.
func (r *Router) Join(room string, m Member) bool {
	s := r.shardFor(room)
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.rooms[room]
	if !ok {
		members = make(map[string]Member)
		s.rooms[room] = members
	}
	if _, ok := members[m.ID()]; ok {
		return false
	}
	members[m.ID()] = m
	return true
}

// Leave removes the member from room. Empty rooms are dropped.
func (r *Router) Leave(room, memberID string) bool {
	s := r.shardFor(room)
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.rooms[room]
	if !ok {
		return false
	}
	if _, ok := members[memberID]; !ok {
		return false
	}
	delete(members, memberID)
	if len(members) == 0 {
		delete(s.rooms, room)
	}
	return true
}

// Broadcast sends frame to every member of room and returns how many
// accepted it.
func (r *Router) Broadcast(room string, frame []byte) int {
	return r.BroadcastExcept(room, frame, 0)
}

// BroadcastExcept skips every connection of the identity except (0 skips none).
// Members are snapshotted under the read lock and sent to after it is
// released; Send never blocks, so a slow member cannot stall the room.
func (r *Router) BroadcastExcept(room string, frame []byte, except int64) int {
	s := r.shardFor(room)
	s.mu.RLock()
	members := make([]Member, 0, len(s.rooms[room]))
	for _, m := range s.rooms[room] {
		if except != 0 && m.UserID() == except {
			continue
		}
		members = append(members, m)
	}
	s.mu.RUnlock()

	n := 0
	for _, m := range members {
		if m.Send(frame) {
			n++
		}
	}
	return n
}

// Size is the number of members currently joined to room.
func (r *Router) Size(room string) int {
	s := r.shardFor(room)
	s.mu.RLock()
	n := len(s.rooms[room])
	s.mu.RUnlock()
	return n
}

// Has reports whether memberID is joined to room.
func (r *Router) Has(room, memberID string) bool {
	s := r.shardFor(room)
	s.mu.RLock()
	_, ok := s.rooms[room][memberID]
	s.mu.RUnlock()
	return ok
}
