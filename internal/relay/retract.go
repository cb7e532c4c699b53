package relay

import (
	"context"
	"time"

	"go.uber.org/zap"

	"yuim/im-relay/internal/store"
	"yuim/im-relay/pkg/event"
	"yuim/im-relay/pkg/protocol"
)

// Unsend retracts a message for everyone through the store and tells both
// participants. Only the sender may unsend.
func (r *Relay) Unsend(ctx context.Context, actor, messageID int64) (*protocol.Message, error) {
	m, err := r.store.DeleteMessageForEveryone(ctx, messageID, actor)
	if err != nil {
		return nil, err
	}
	r.FanOutUnsent(m.ConversationID(), m.ServerID)
	evt := event.FromMessage(event.MsgUnsend, m, "", false)
	evt.TS = r.now().Unix()
	r.publish(evt)
	return m, nil
}

// DeleteForMe hides a message for actor and syncs actor's other devices.
// The other participant is never told.
func (r *Relay) DeleteForMe(ctx context.Context, actor, messageID int64) (*protocol.Message, error) {
	m, err := r.store.DeleteMessageForSelf(ctx, messageID, actor)
	if err != nil {
		return nil, err
	}
	r.FanOutDeleted(actor, m.ConversationID(), m.ServerID)
	return m, nil
}

// FanOutUnsent sends message-unsent to both participants' private rooms.
// It is also the entry point for retractions performed directly against the
// store by another service. It returns the number of connections reached.
func (r *Relay) FanOutUnsent(conversationID string, messageID int64) int {
	a, b, err := protocol.ParseConversationID(conversationID)
	if err != nil {
		r.log.Warn("unsent fan-out with bad conversation", zap.String("conversation", conversationID))
		return 0
	}
	frame := protocol.MustEncode(protocol.EventMessageUnsent, protocol.MessageUnsent{
		MessageID:      messageID,
		ConversationID: conversationID,
	})
	n := r.rooms.Broadcast(protocol.PrivateRoom(a), frame)
	if b != a {
		n += r.rooms.Broadcast(protocol.PrivateRoom(b), frame)
	}
	return n
}

// FanOutDeleted sends message-deleted to actor's private room only.
func (r *Relay) FanOutDeleted(actor int64, conversationID string, messageID int64) int {
	if !protocol.Participant(conversationID, actor) {
		r.log.Warn("deleted fan-out for non-participant",
			zap.String("conversation", conversationID), zap.Int64("identity", actor))
		return 0
	}
	return r.rooms.Broadcast(protocol.PrivateRoom(actor), protocol.MustEncode(protocol.EventMessageDeleted, protocol.MessageDeleted{
		MessageID:      messageID,
		ConversationID: conversationID,
	}))
}

// History returns viewer's conversation with peer, newest first.
func (r *Relay) History(ctx context.Context, viewer, peer int64, before int64, limit int) ([]protocol.Message, error) {
	if peer <= 0 || peer == viewer {
		return nil, store.ErrInvalid
	}
	return r.store.FetchConversationHistory(ctx, protocol.ConversationID(viewer, peer), store.Page{
		Viewer: viewer,
		Before: before,
		Limit:  limit,
	})
}

// Presence reports uid's status. lastSeen is nil while online or when
// unknown.
func (r *Relay) Presence(ctx context.Context, uid int64) protocol.UserStatusChange {
	out := protocol.UserStatusChange{Identity: uid, Status: protocol.StatusOffline}
	if r.presence.IsOnline(uid) {
		out.Status = protocol.StatusOnline
		return out
	}
	if r.lastSeen == nil {
		return out
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	at, err := r.lastSeen.GetLastSeen(ctx, uid)
	if err != nil {
		r.log.Warn("last seen read failed", zap.Int64("identity", uid), zap.Error(err))
		return out
	}
	if !at.IsZero() {
		out.LastSeen = &at
	}
	return out
}
