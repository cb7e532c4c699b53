package conversation

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yuim/im-relay/pkg/client/reconcile"
	"yuim/im-relay/pkg/protocol"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) add(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newStore(t *testing.T, opt Options) (*Store, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	s := New(1, 2, opt)
	s.now = c.now
	t.Cleanup(s.Close)
	return s, c
}

func TestNewClientID(t *testing.T) {
	at := time.UnixMilli(1714564800123)
	a := NewClientID(7, at)
	b := NewClientID(7, at)
	assert.True(t, strings.HasPrefix(a, "7-1714564800123-"))
	assert.NotEqual(t, a, b)
}

func TestAddOptimistic(t *testing.T) {
	var seen [][]protocol.Message
	s, _ := newStore(t, Options{OnChange: func(id string, msgs []protocol.Message) {
		assert.Equal(t, "p2p:1:2", id)
		seen = append(seen, msgs)
	}})

	a := s.AddOptimistic("one", "", 0)
	b := s.AddOptimistic("two", "", 5)

	assert.Equal(t, int64(-1), a.ServerID)
	assert.Equal(t, int64(-2), b.ServerID)
	assert.NotEqual(t, a.ClientID, b.ClientID)
	assert.Equal(t, int64(5), b.ReplyToID)
	assert.Equal(t, protocol.StatusPending, a.Status)
	require.Len(t, seen, 2)
	assert.Len(t, seen[1], 2)
	assert.Len(t, s.Pending(), 2)
}

func TestApplyAckAndIncoming(t *testing.T) {
	s, c := newStore(t, Options{})
	m := s.AddOptimistic("hi", "", 0)

	s.Apply(reconcile.Ack(protocol.MessageAck{ClientID: m.ClientID, ServerID: 10, SentAt: c.now()}))
	s.Apply(reconcile.Incoming(protocol.Message{
		ServerID: 10, ClientID: m.ClientID, SenderID: 1, ReceiverID: 2, Text: "hi", CreatedAt: c.now(),
	}))

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(10), msgs[0].ServerID)
	assert.Empty(t, s.Pending())

	got, ok := s.Get(m.ClientID)
	require.True(t, ok)
	assert.Equal(t, protocol.StatusSent, got.Status)
	_, ok = s.Get("nope")
	assert.False(t, ok)
}

func TestMessagesIsACopy(t *testing.T) {
	s, _ := newStore(t, Options{})
	s.AddOptimistic("hi", "", 0)
	msgs := s.Messages()
	msgs[0].Text = "changed"
	assert.Equal(t, "hi", s.Messages()[0].Text)
}

func TestFailRetryFlow(t *testing.T) {
	s, c := newStore(t, Options{})
	m := s.AddOptimistic("hi", "", 0)

	_, err := s.Retry(m.ClientID)
	assert.ErrorIs(t, err, ErrNotRetryable)

	s.MarkFailed(m.ClientID, protocol.ReasonStoreFailed)
	got, _ := s.Get(m.ClientID)
	assert.Equal(t, protocol.StatusFailed, got.Status)
	assert.Empty(t, s.Pending())

	c.add(time.Minute)
	r, err := s.Retry(m.ClientID)
	require.NoError(t, err)
	assert.Equal(t, m.ClientID, r.ClientID)
	assert.Equal(t, protocol.StatusPending, r.Status)
	assert.Equal(t, c.now(), r.CreatedAt)
	assert.Len(t, s.Pending(), 1)

	_, err = s.Retry("missing")
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestExpireStale(t *testing.T) {
	s, c := newStore(t, Options{})
	old := s.AddOptimistic("old", "", 0)
	c.add(20 * time.Second)
	fresh := s.AddOptimistic("fresh", "", 0)

	expired := s.ExpireStale(10 * time.Second)
	assert.Equal(t, []string{old.ClientID}, expired)

	got, _ := s.Get(old.ClientID)
	assert.Equal(t, protocol.StatusFailed, got.Status)
	assert.Equal(t, ReasonExpired, got.FailReason)
	got, _ = s.Get(fresh.ClientID)
	assert.Equal(t, protocol.StatusPending, got.Status)

	assert.Empty(t, s.ExpireStale(10*time.Second))
}

func TestUnreadFromPeer(t *testing.T) {
	s, c := newStore(t, Options{})
	s.ApplyAll([]reconcile.Event{
		reconcile.Incoming(protocol.Message{ServerID: 1, SenderID: 2, ReceiverID: 1, Text: "a", CreatedAt: c.now()}),
		reconcile.Incoming(protocol.Message{ServerID: 2, SenderID: 1, ReceiverID: 2, Text: "b", CreatedAt: c.now().Add(time.Second)}),
		reconcile.Incoming(protocol.Message{ServerID: 3, SenderID: 2, ReceiverID: 1, Text: "c", CreatedAt: c.now().Add(2 * time.Second)}),
	})
	assert.Equal(t, []int64{1, 3}, s.UnreadFromPeer())

	s.Apply(reconcile.Read(protocol.MessagesRead{MessageIDs: []int64{1}}))
	assert.Equal(t, []int64{3}, s.UnreadFromPeer())
}

func TestUnsentHiddenFromViewAndReceipts(t *testing.T) {
	var last []protocol.Message
	s, c := newStore(t, Options{OnChange: func(_ string, msgs []protocol.Message) { last = msgs }})
	m := protocol.Message{ServerID: 4, ClientID: "p-1", SenderID: 2, ReceiverID: 1, Text: "oops", CreatedAt: c.now()}

	s.Apply(reconcile.Incoming(m))
	s.Apply(reconcile.Unsent(4))
	// A history page fetched before the unsend lands afterwards.
	s.ApplyAll([]reconcile.Event{reconcile.Incoming(m)})

	assert.Empty(t, s.Messages())
	assert.Empty(t, last)
	assert.Empty(t, s.UnreadFromPeer())
	_, ok := s.Get("p-1")
	assert.False(t, ok)
}

func TestApplyAllEmptyDoesNotNotify(t *testing.T) {
	calls := 0
	s, _ := newStore(t, Options{OnChange: func(string, []protocol.Message) { calls++ }})
	s.ApplyAll(nil)
	assert.Zero(t, calls)
}

func TestTypingExpires(t *testing.T) {
	var mu sync.Mutex
	var last []Typist
	s, _ := newStore(t, Options{
		TypingTTL: 30 * time.Millisecond,
		OnTyping: func(_ string, ts []Typist) {
			mu.Lock()
			last = ts
			mu.Unlock()
		},
	})

	s.SetTyping(2, "bob")
	assert.Equal(t, []Typist{{Identity: 2, DisplayName: "bob"}}, s.Typing())

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return last != nil && len(last) == 0
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, s.Typing())
}

func TestTypingRefreshKeepsIndicator(t *testing.T) {
	s, _ := newStore(t, Options{TypingTTL: 200 * time.Millisecond})

	s.SetTyping(2, "bob")
	time.Sleep(120 * time.Millisecond)
	s.SetTyping(2, "bob")
	time.Sleep(120 * time.Millisecond)
	assert.Len(t, s.Typing(), 1, "refresh restarts the window")

	assert.Eventually(t, func() bool { return len(s.Typing()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestTypingStopAndSelf(t *testing.T) {
	s, c := newStore(t, Options{TypingTTL: time.Minute})

	s.SetTyping(1, "me")
	assert.Empty(t, s.Typing())

	s.SetTyping(2, "bob")
	s.StopTyping(2)
	assert.Empty(t, s.Typing())
	s.StopTyping(2)

	s.SetTyping(2, "bob")
	s.Apply(reconcile.Incoming(protocol.Message{ServerID: 9, SenderID: 2, ReceiverID: 1, Text: "x", CreatedAt: c.now()}))
	assert.Empty(t, s.Typing(), "a message from the typist clears the indicator")

	s.SetTyping(2, "bob")
	s.Close()
	assert.Empty(t, s.Typing())
	assert.Len(t, s.Messages(), 1, "close keeps the list")
}
