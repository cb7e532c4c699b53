package client

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"yuim/im-relay/pkg/client/conversation"
	"yuim/im-relay/pkg/client/reconcile"
	"yuim/im-relay/pkg/protocol"
)

func decode[T any](raw json.RawMessage) (T, bool) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false
	}
	return v, true
}

// dispatch feeds one relay frame into client state, then to subscribers.
func (c *Client) dispatch(frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		c.log.Warn("bad frame from relay", zap.Error(err))
		return
	}

	switch env.Event {
	case protocol.EventConnected:
		if v, ok := decode[protocol.Connected](env.Data); ok {
			c.mu.Lock()
			c.self = v
			c.mu.Unlock()
		}
	case protocol.EventOnlineUsers:
		if v, ok := decode[protocol.OnlineUsers](env.Data); ok {
			c.mu.Lock()
			c.online = make(map[int64]bool, len(v.Identities))
			for _, id := range v.Identities {
				c.online[id] = true
			}
			c.mu.Unlock()
		}
	case protocol.EventUserStatusChange:
		if v, ok := decode[protocol.UserStatusChange](env.Data); ok {
			c.mu.Lock()
			if v.Status == protocol.StatusOnline {
				c.online[v.Identity] = true
			} else {
				delete(c.online, v.Identity)
			}
			c.mu.Unlock()
		}
	case protocol.EventNewMessage:
		if m, ok := decode[protocol.Message](env.Data); ok {
			c.onMessage(m)
		}
	case protocol.EventMessageNotify:
		if n, ok := decode[protocol.MessageNotification](env.Data); ok {
			c.onMessage(n.Message)
		}
	case protocol.EventMessageAck:
		if a, ok := decode[protocol.MessageAck](env.Data); ok {
			if s, ok := c.storeFor(a.ClientID, a.ConversationID); ok {
				s.Apply(reconcile.Ack(a))
			}
			c.untrack(a.ClientID)
		}
	case protocol.EventMessageDelivered:
		if d, ok := decode[protocol.MessageDelivered](env.Data); ok {
			if s, ok := c.storeFor(d.ClientID, d.ConversationID); ok {
				s.Apply(reconcile.Delivered(d))
			}
		}
	case protocol.EventMessageError:
		if e, ok := decode[protocol.MessageError](env.Data); ok {
			c.log.Info("relay error", zap.String("client_id", e.ClientID), zap.String("reason", e.Reason), zap.String("kind", string(e.Kind)))
			if e.ClientID == "" {
				break
			}
			if s, ok := c.storeFor(e.ClientID, ""); ok {
				s.MarkFailed(e.ClientID, e.Reason)
			}
			c.untrack(e.ClientID)
		}
	case protocol.EventUserTyping:
		if v, ok := decode[protocol.UserTyping](env.Data); ok {
			if s, ok := c.conversationByID(v.ConversationID); ok {
				s.SetTyping(v.Identity, v.DisplayName)
			}
		}
	case protocol.EventUserStoppedTyping:
		if v, ok := decode[protocol.UserStoppedTyping](env.Data); ok {
			if s, ok := c.conversationByID(v.ConversationID); ok {
				s.StopTyping(v.Identity)
			}
		}
	case protocol.EventMessagesMarkedRead, protocol.EventMessagesRead:
		if v, ok := decode[protocol.MessagesRead](env.Data); ok {
			if s, ok := c.conversationByID(v.ConversationID); ok {
				s.Apply(reconcile.Read(v))
			}
		}
	case protocol.EventMessageUnsent:
		if v, ok := decode[protocol.MessageUnsent](env.Data); ok {
			if s, ok := c.conversationByID(v.ConversationID); ok {
				s.Apply(reconcile.Unsent(v.MessageID))
			}
		}
	case protocol.EventMessageDeleted:
		if v, ok := decode[protocol.MessageDeleted](env.Data); ok {
			if s, ok := c.conversationByID(v.ConversationID); ok {
				s.Apply(reconcile.Deleted(v.MessageID))
			}
		}
	}

	c.publish(env)
}

func (c *Client) onMessage(m protocol.Message) {
	var peer int64
	switch c.opt.Identity {
	case m.SenderID:
		peer = m.ReceiverID
	case m.ReceiverID:
		peer = m.SenderID
	default:
		return
	}
	c.Conversation(peer).Apply(reconcile.Incoming(m))
	c.receipt(m)
}

// storeFor finds the conversation of a tracked send, falling back to the
// conversation id carried by the event.
func (c *Client) storeFor(clientID, conversationID string) (*conversation.Store, bool) {
	c.mu.Lock()
	peer, ok := c.clientIDs[clientID]
	c.mu.Unlock()
	if ok {
		return c.Conversation(peer), true
	}
	if conversationID == "" {
		return nil, false
	}
	return c.conversationByID(conversationID)
}

func (c *Client) untrack(clientID string) {
	c.mu.Lock()
	delete(c.clientIDs, clientID)
	c.mu.Unlock()
}

func (c *Client) publish(env protocol.Envelope) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for _, fn := range c.subs[env.Event] {
		fn(env.Data)
	}
}

// Subscribe delivers every event of the given kind, decoded as T, on the
// returned channel. A full channel drops events for this subscriber. The
// cancel func unsubscribes and closes the channel.
func Subscribe[T any](c *Client, event string, buf int) (<-chan T, func()) {
	ch := make(chan T, buf)

	c.subMu.Lock()
	c.nextSub++
	id := c.nextSub
	if c.subs[event] == nil {
		c.subs[event] = make(map[int]func(json.RawMessage))
	}
	c.subs[event][id] = func(raw json.RawMessage) {
		v, ok := decode[T](raw)
		if !ok {
			return
		}
		select {
		case ch <- v:
		default:
		}
	}
	c.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs[event], id)
			if len(c.subs[event]) == 0 {
				delete(c.subs, event)
			}
			c.subMu.Unlock()
			close(ch)
		})
	}
}
