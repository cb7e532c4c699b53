package room

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeMember struct {
	id   string
	uid  int64
	full bool

	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeMember) ID() string { return f.id }
func (f *fakeMember) UserID() int64 { return f.uid }
func (f *fakeMember) Send(b []byte) bool {
	if f.full {
		return false
	}
	f.mu.Lock()
	f.frames = append(f.frames, b)
	f.mu.Unlock()
	return true
}

func (f *fakeMember) got() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func TestJoinLeaveIdempotent(t *testing.T) {
	r := New(4)
	m := &fakeMember{id: "c1", uid: 1}

	assert.True(t, r.Join("conversation-a", m))
	assert.False(t, r.Join("conversation-a", m))
	assert.Equal(t, 1, r.Size("conversation-a"))
	assert.True(t, r.Has("conversation-a", "c1"))

	assert.True(t, r.Leave("conversation-a", "c1"))
	assert.False(t, r.Leave("conversation-a", "c1"))
	assert.Equal(t, 0, r.Size("conversation-a"))

	s := r.shardFor("conversation-a")
	_, ok := s.rooms["conversation-a"]
	assert.False(t, ok, "empty room must be dropped")
}

func TestBroadcastIsolatesRooms(t *testing.T) {
	r := New(4)
	a := &fakeMember{id: "a", uid: 1}
	b := &fakeMember{id: "b", uid: 2}
	r.Join("conversation-A", a)
	r.Join("conversation-B", b)

	n := r.Broadcast("conversation-A", []byte("x"))
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, a.got())
	assert.Equal(t, 0, b.got())
}

func TestBroadcastExceptSkipsIdentity(t *testing.T) {
	r := New(1)
	me1 := &fakeMember{id: "m1", uid: 1}
	me2 := &fakeMember{id: "m2", uid: 1}
	peer := &fakeMember{id: "p", uid: 2}
	for _, m := range []*fakeMember{me1, me2, peer} {
		r.Join("conversation-x", m)
	}

	assert.Equal(t, 1, r.BroadcastExcept("conversation-x", []byte("typing"), 1))
	assert.Equal(t, 0, me1.got())
	assert.Equal(t, 0, me2.got())
	assert.Equal(t, 1, peer.got())
}

func TestBroadcastSkipsFullMembers(t *testing.T) {
	r := New(1)
	ok := &fakeMember{id: "ok", uid: 1}
	slow := &fakeMember{id: "slow", uid: 2, full: true}
	r.Join("room", ok)
	r.Join("room", slow)

	assert.Equal(t, 1, r.Broadcast("room", []byte("x")))
	assert.Equal(t, 1, ok.got())
	assert.Equal(t, 0, r.Broadcast("nobody-here", []byte("x")))
}
