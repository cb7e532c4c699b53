// Package presence tracks which identities hold at least one live connection.
//
// Ownership is sharded by identity: registering or removing a connection
// locks only the shard that owns the identity, so presence updates do not
// contend with unrelated users.
package presence

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type Status string

const (
	Online  Status = "online"
	Offline Status = "offline"
)

// Event is emitted when an identity goes online (first connection) or
// offline (last connection closed).
type Event struct {
	Identity int64
	Status   Status
	At       time.Time
}

// Notifier receives presence events. It runs while the identity's shard is
// held, which keeps online/offline for one identity strictly ordered, so it
// must not block and must not call back into the Registry.
type Notifier func(Event)

type shard struct {
	mu    sync.Mutex
	conns map[int64]map[string]struct{}
}

type Registry struct {
	shards []*shard
	notify Notifier
	online atomic.Int64
	now    func() time.Time
}

func New(shards int, notify Notifier) *Registry {
	if shards <= 0 {
		shards = 64
	}
	r := &Registry{
		shards: make([]*shard, shards),
		notify: notify,
		now:    time.Now,
	}
	for i := range r.shards {
		r.shards[i] = &shard{conns: make(map[int64]map[string]struct{})}
	}
	return r
}

func (r *Registry) shardFor(identity int64) *shard {
	return r.shards[uint64(identity)%uint64(len(r.shards))]
}

// RegisterConnection adds connID to identity's set. It is idempotent per
// (identity, connID) and reports whether this made the identity online.
func (r *Registry) RegisterConnection(identity int64, connID string) bool {
	s := r.shardFor(identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.conns[identity]
	if !ok {
		set = make(map[string]struct{}, 1)
		s.conns[identity] = set
	}
	if _, dup := set[connID]; dup {
		return false
	}
	set[connID] = struct{}{}
	if len(set) != 1 {
		return false
	}
	r.online.Add(1)
	if r.notify != nil {
		r.notify(Event{Identity: identity, Status: Online, At: r.now()})
	}
	return true
}

// RemoveConnection drops connID from identity's set and reports whether it
// was the last one. When it was, the offline event has been delivered to the
// notifier before RemoveConnection returns and the entry is gone.
func (r *Registry) RemoveConnection(identity int64, connID string) bool {
	s := r.shardFor(identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.conns[identity]
	if !ok {
		return false
	}
	if _, ok := set[connID]; !ok {
		return false
	}
	delete(set, connID)
	if len(set) > 0 {
		return false
	}
	delete(s.conns, identity)
	r.online.Add(-1)
	if r.notify != nil {
		r.notify(Event{Identity: identity, Status: Offline, At: r.now()})
	}
	return true
}

func (r *Registry) IsOnline(identity int64) bool {
	s := r.shardFor(identity)
	s.mu.Lock()
	_, ok := s.conns[identity]
	s.mu.Unlock()
	return ok
}

// Connections returns how many live connections identity has.
func (r *Registry) Connections(identity int64) int {
	s := r.shardFor(identity)
	s.mu.Lock()
	n := len(s.conns[identity])
	s.mu.Unlock()
	return n
}

// OnlineIdentities returns a sorted snapshot of online identities. Shards are
// visited one at a time, so the result is not an atomic cut.
func (r *Registry) OnlineIdentities() []int64 {
	out := make([]int64, 0, r.online.Load())
	for _, s := range r.shards {
		s.mu.Lock()
		for id := range s.conns {
			out = append(out, id)
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len is the number of online identities.
func (r *Registry) Len() int { return int(r.online.Load()) }
