package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"yuim/im-relay/pkg/protocol"
)

type idemKey struct {
	sender   int64
	clientID string
}

// Memory is an in-process Store for development and tests. Server ids are a
// plain counter, so they are monotonic.
type Memory struct {
	mu       sync.Mutex
	next     int64
	byID     map[int64]*protocol.Message
	byClient map[idemKey]int64
	names    map[int64]string
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		byID:     make(map[int64]*protocol.Message),
		byClient: make(map[idemKey]int64),
		names:    make(map[int64]string),
		now:      time.Now,
	}
}

// SetName sets the display name resolved for uid.
func (m *Memory) SetName(uid int64, name string) {
	m.mu.Lock()
	m.names[uid] = name
	m.mu.Unlock()
}

func (m *Memory) name(uid int64) string {
	if n, ok := m.names[uid]; ok {
		return n
	}
	return "user-" + strconv.FormatInt(uid, 10)
}

func (m *Memory) CreateMessage(_ context.Context, p CreateParams) (*protocol.Message, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.ClientID != "" {
		if id, ok := m.byClient[idemKey{p.SenderID, p.ClientID}]; ok {
			if msg, ok := m.byID[id]; ok {
				cp := *msg
				return &cp, nil
			}
		}
	}

	m.next++
	msg := &protocol.Message{
		ServerID:     m.next,
		ClientID:     p.ClientID,
		SenderID:     p.SenderID,
		ReceiverID:   p.ReceiverID,
		SenderName:   m.name(p.SenderID),
		ReceiverName: m.name(p.ReceiverID),
		Text:         p.Text,
		MediaURL:     p.MediaURL,
		ReplyToID:    p.ReplyToID,
		CreatedAt:    m.now().UTC(),
	}
	m.byID[msg.ServerID] = msg
	if p.ClientID != "" {
		m.byClient[idemKey{p.SenderID, p.ClientID}] = msg.ServerID
	}
	cp := *msg
	return &cp, nil
}

func (m *Memory) DeleteMessageForEveryone(_ context.Context, messageID, actor int64) (*protocol.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.byID[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	if msg.SenderID != actor {
		return nil, ErrForbidden
	}
	delete(m.byID, messageID)
	if msg.ClientID != "" {
		delete(m.byClient, idemKey{msg.SenderID, msg.ClientID})
	}
	cp := *msg
	return &cp, nil
}

func (m *Memory) DeleteMessageForSelf(_ context.Context, messageID, actor int64) (*protocol.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.byID[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	if msg.SenderID != actor && msg.ReceiverID != actor {
		return nil, ErrForbidden
	}
	if !msg.HiddenFor(actor) {
		msg.DeletedFor = append(msg.DeletedFor, actor)
	}
	cp := *msg
	cp.DeletedFor = append([]int64(nil), msg.DeletedFor...)
	return &cp, nil
}

func (m *Memory) FetchConversationHistory(_ context.Context, conversationID string, page Page) ([]protocol.Message, error) {
	if _, _, err := protocol.ParseConversationID(conversationID); err != nil {
		return nil, ErrInvalid
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]protocol.Message, 0)
	for _, msg := range m.byID {
		if msg.ConversationID() != conversationID {
			continue
		}
		if page.Before > 0 && msg.ServerID >= page.Before {
			continue
		}
		if page.Viewer != 0 && msg.HiddenFor(page.Viewer) {
			continue
		}
		cp := *msg
		cp.DeletedFor = append([]int64(nil), msg.DeletedFor...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID > out[j].ServerID })
	if n := page.limit(); len(out) > n {
		out = out[:n]
	}
	return out, nil
}
