package hub

import (
	"hash/fnv"
	"sync"
	"sync/atomic"

	"yuim/im-relay/internal/room"
)

type hubShard struct {
	mu    sync.RWMutex
	conns map[string]room.Member
}

// Hub indexes every live connection by connection id, sharded so that
// connects and disconnects do not serialize on one lock.
type Hub struct {
	shards []*hubShard
	n      atomic.Int64
}

func New(shards int) *Hub {
	if shards <= 0 {
		shards = 64
	}
	h := &Hub{shards: make([]*hubShard, shards)}
	for i := range h.shards {
		h.shards[i] = &hubShard{conns: make(map[string]room.Member)}
	}
	return h
}

func (h *Hub) shardFor(id string) *hubShard {
	f := fnv.New32a()
	_, _ = f.Write([]byte(id))
	return h.shards[f.Sum32()%uint32(len(h.shards))]
}

func (h *Hub) Set(c room.Member) {
	s := h.shardFor(c.ID())
	s.mu.Lock()
	if _, ok := s.conns[c.ID()]; !ok {
		h.n.Add(1)
	}
	s.conns[c.ID()] = c
	s.mu.Unlock()
}

func (h *Hub) Get(id string) (room.Member, bool) {
	s := h.shardFor(id)
	s.mu.RLock()
	c, ok := s.conns[id]
	s.mu.RUnlock()
	return c, ok
}

func (h *Hub) Del(id string) {
	s := h.shardFor(id)
	s.mu.Lock()
	if _, ok := s.conns[id]; ok {
		delete(s.conns, id)
		h.n.Add(-1)
	}
	s.mu.Unlock()
}

func (h *Hub) Len() int { return int(h.n.Load()) }

// Each calls fn for every connection. fn runs outside the shard locks.
func (h *Hub) Each(fn func(room.Member)) {
	for _, s := range h.shards {
		s.mu.RLock()
		snap := make([]room.Member, 0, len(s.conns))
		for _, c := range s.conns {
			snap = append(snap, c)
		}
		s.mu.RUnlock()
		for _, c := range snap {
			fn(c)
		}
	}
}
