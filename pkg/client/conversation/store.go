// Package conversation holds the client-side state of one conversation,
// independent of any rendering layer.
package conversation

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"yuim/im-relay/pkg/client/reconcile"
	"yuim/im-relay/pkg/protocol"
)

const DefaultTypingTTL = 5 * time.Second

// ErrNotRetryable is returned by Retry for a message that is not failed.
var ErrNotRetryable = errors.New("message is not failed")

// ReasonExpired marks a send that got no answer before ExpireStale ran.
const ReasonExpired = "send_expired"

// Typist is a peer currently shown as typing.
type Typist struct {
	Identity    int64
	DisplayName string
}

type Options struct {
	// TypingTTL expires a typing indicator when no stop arrives.
	TypingTTL time.Duration
	// OnChange runs after every mutation with a snapshot of the list. It is
	// called without the store lock held.
	OnChange func(conversationID string, msgs []protocol.Message)
	// OnTyping runs whenever the set of typists changes.
	OnTyping func(conversationID string, typists []Typist)
}

// Store serializes every merge for one conversation. Stores outlive the
// views that render them.
type Store struct {
	id   string
	self int64
	peer int64
	opt  Options

	mu      sync.Mutex
	msgs    []protocol.Message
	local   int64
	typing  map[int64]*typist
	now     func() time.Time
	afterFn func(time.Duration, func()) *time.Timer
}

type typist struct {
	name  string
	timer *time.Timer
}

func New(self, peer int64, opt Options) *Store {
	if opt.TypingTTL <= 0 {
		opt.TypingTTL = DefaultTypingTTL
	}
	return &Store{
		id:      protocol.ConversationID(self, peer),
		self:    self,
		peer:    peer,
		opt:     opt,
		typing:  make(map[int64]*typist),
		now:     time.Now,
		afterFn: time.AfterFunc,
	}
}

func (s *Store) ID() string  { return s.id }
func (s *Store) Self() int64 { return s.self }
func (s *Store) Peer() int64 { return s.peer }

// NewClientID returns a correlation token unique per sender and attempt.
func NewClientID(sender int64, at time.Time) string {
	return fmt.Sprintf("%d-%d-%s", sender, at.UnixMilli(), uuid.NewString()[:8])
}

// AddOptimistic records a send intent before it reaches the network and
// returns the pending entry.
func (s *Store) AddOptimistic(text, mediaURL string, replyTo int64) protocol.Message {
	s.mu.Lock()
	now := s.now().UTC()
	s.local--
	m := protocol.Message{
		ServerID:   s.local,
		ClientID:   NewClientID(s.self, now),
		SenderID:   s.self,
		ReceiverID: s.peer,
		Text:       text,
		MediaURL:   mediaURL,
		ReplyToID:  replyTo,
		CreatedAt:  now,
		Status:     protocol.StatusPending,
	}
	s.msgs = reconcile.Merge(s.msgs, reconcile.Optimistic(m))
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.changed(snap)
	return m
}

// Apply merges ev into the list.
func (s *Store) Apply(ev reconcile.Event) {
	s.mu.Lock()
	var typists []Typist
	stopped := ev.Kind == reconcile.KindMessage && ev.Message.SenderID == s.peer && s.clearTypingLocked(s.peer)
	if stopped {
		typists = s.typistsLocked()
	}
	s.msgs = reconcile.Merge(s.msgs, ev)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if stopped {
		s.typingChanged(typists)
	}
	s.changed(snap)
}

// ApplyAll merges a batch, notifying once.
func (s *Store) ApplyAll(evs []reconcile.Event) {
	if len(evs) == 0 {
		return
	}
	s.mu.Lock()
	for _, ev := range evs {
		s.msgs = reconcile.Merge(s.msgs, ev)
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.changed(snap)
}

// Messages returns the visible list: unsent and deleted messages are left out.
func (s *Store) Messages() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Get finds a message by client id.
func (s *Store) Get(clientID string) (protocol.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.msgs {
		if m.ClientID == clientID && !m.Retracted() {
			return m, true
		}
	}
	return protocol.Message{}, false
}

// Pending returns the unconfirmed sends still awaiting an ack, oldest first.
func (s *Store) Pending() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Message
	for _, m := range s.msgs {
		if !m.Persisted() && m.Status == protocol.StatusPending {
			out = append(out, m)
		}
	}
	return out
}

func (s *Store) MarkFailed(clientID, reason string) {
	s.Apply(reconcile.Failed(clientID, reason))
}

// ExpireStale fails every pending send older than maxAge and returns their
// client ids.
func (s *Store) ExpireStale(maxAge time.Duration) []string {
	s.mu.Lock()
	cutoff := s.now().Add(-maxAge)
	var expired []string
	for _, m := range s.msgs {
		if !m.Persisted() && m.Status == protocol.StatusPending && m.CreatedAt.Before(cutoff) {
			expired = append(expired, m.ClientID)
		}
	}
	for _, id := range expired {
		s.msgs = reconcile.Merge(s.msgs, reconcile.Failed(id, ReasonExpired))
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if len(expired) > 0 {
		s.changed(snap)
	}
	return expired
}

// Retry moves a failed send back to pending under its original client id so
// a send that did reach the store is deduplicated.
func (s *Store) Retry(clientID string) (protocol.Message, error) {
	s.mu.Lock()
	i := -1
	for j := range s.msgs {
		if s.msgs[j].ClientID == clientID {
			i = j
			break
		}
	}
	if i < 0 || s.msgs[i].Status != protocol.StatusFailed {
		s.mu.Unlock()
		return protocol.Message{}, ErrNotRetryable
	}
	msgs := make([]protocol.Message, len(s.msgs))
	copy(msgs, s.msgs)
	msgs[i].Status = protocol.StatusPending
	msgs[i].FailReason = ""
	msgs[i].CreatedAt = s.now().UTC()
	s.msgs = msgs
	m := msgs[i]
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.changed(snap)
	return m, nil
}

// UnreadFromPeer lists persisted messages from the peer not yet marked read.
func (s *Store) UnreadFromPeer() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for _, m := range s.msgs {
		if m.Persisted() && m.SenderID == s.peer && m.Status != protocol.StatusRead && !m.Retracted() {
			out = append(out, m.ServerID)
		}
	}
	return out
}

// SetTyping shows identity as typing until StopTyping or the TTL.
func (s *Store) SetTyping(identity int64, name string) {
	if identity == s.self {
		return
	}
	s.mu.Lock()
	prev, refreshed := s.typing[identity]
	if refreshed {
		prev.timer.Stop()
	}
	t := &typist{name: name}
	t.timer = s.afterFn(s.opt.TypingTTL, func() { s.expire(identity, t) })
	s.typing[identity] = t
	list := s.typistsLocked()
	s.mu.Unlock()

	if !refreshed || prev.name != name {
		s.typingChanged(list)
	}
}

// expire drops t unless a newer typing-start replaced it.
func (s *Store) expire(identity int64, t *typist) {
	s.mu.Lock()
	if s.typing[identity] != t {
		s.mu.Unlock()
		return
	}
	s.clearTypingLocked(identity)
	list := s.typistsLocked()
	s.mu.Unlock()

	s.typingChanged(list)
}

func (s *Store) StopTyping(identity int64) {
	s.mu.Lock()
	if !s.clearTypingLocked(identity) {
		s.mu.Unlock()
		return
	}
	list := s.typistsLocked()
	s.mu.Unlock()

	s.typingChanged(list)
}

func (s *Store) Typing() []Typist {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typistsLocked()
}

// Close cancels typing timers when the view goes away. The message list
// stays intact for the next view.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.typing {
		s.clearTypingLocked(id)
	}
}

func (s *Store) clearTypingLocked(identity int64) bool {
	t, ok := s.typing[identity]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(s.typing, identity)
	return true
}

func (s *Store) typistsLocked() []Typist {
	out := make([]Typist, 0, len(s.typing))
	for id, t := range s.typing {
		out = append(out, Typist{Identity: id, DisplayName: t.name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

func (s *Store) snapshotLocked() []protocol.Message {
	return reconcile.Visible(s.msgs)
}

func (s *Store) changed(snap []protocol.Message) {
	if s.opt.OnChange != nil {
		s.opt.OnChange(s.id, snap)
	}
}

func (s *Store) typingChanged(list []Typist) {
	if s.opt.OnTyping != nil {
		s.opt.OnTyping(s.id, list)
	}
}
