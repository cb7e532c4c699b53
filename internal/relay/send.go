package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"yuim/im-relay/internal/metrics"
	"yuim/im-relay/internal/store"
	"yuim/im-relay/pkg/event"
	"yuim/im-relay/pkg/protocol"
)

const previewRunes = 80

// storeReason maps a store error onto the message-error reason.
func storeReason(err error) string {
	switch {
	case errors.Is(err, store.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return protocol.ReasonStoreTimeout
	case errors.Is(err, store.ErrInvalid), errors.Is(err, store.ErrForbidden), errors.Is(err, store.ErrNotFound):
		return protocol.ReasonStoreRejected
	default:
		return protocol.ReasonStoreFailed
	}
}

func preview(m *protocol.Message) string {
	text := strings.TrimSpace(m.Text)
	if text == "" && m.MediaURL != "" {
		return "[media]"
	}
	if utf8.RuneCountInString(text) <= previewRunes {
		return text
	}
	return string([]rune(text)[:previewRunes]) + "…"
}

// handleSend persists a send intent, then fans it out: new-message to the
// conversation room, message-notification to the receiver's private room,
// message-ack and (receiver online) message-delivered to the sending
// session. No room or presence lock is held while the store runs.
func (r *Relay) handleSend(ctx context.Context, s Session, data json.RawMessage) {
	var in protocol.SendMessage
	if err := json.Unmarshal(data, &in); err != nil {
		r.fail(s, in.ClientID, protocol.ReasonBadPayload, protocol.KindValidation)
		metrics.SendFail.WithLabelValues(string(protocol.KindValidation)).Inc()
		return
	}
	sender := s.UserID()
	if reason := in.Validate(sender); reason != "" {
		r.fail(s, in.ClientID, reason, protocol.KindValidation)
		metrics.SendFail.WithLabelValues(string(protocol.KindValidation)).Inc()
		return
	}

	m, err := r.store.CreateMessage(ctx, store.CreateParams{
		SenderID:   sender,
		ReceiverID: in.ReceiverID,
		Text:       strings.TrimSpace(in.Text),
		MediaURL:   strings.TrimSpace(in.MediaURL),
		ClientID:   in.ClientID,
		ReplyToID:  in.ReplyToID,
	})
	if err != nil {
		reason := storeReason(err)
		r.log.Warn("send persist failed",
			zap.Int64("sender", sender), zap.String("client_id", in.ClientID),
			zap.String("reason", reason), zap.Error(err))
		r.fail(s, in.ClientID, reason, protocol.KindPersistence)
		metrics.SendFail.WithLabelValues(string(protocol.KindPersistence)).Inc()
		return
	}
	m.Status = protocol.StatusSent
	convID := m.ConversationID()

	r.rooms.Broadcast(protocol.ConversationRoom(convID), protocol.MustEncode(protocol.EventNewMessage, m))
	r.rooms.Broadcast(protocol.PrivateRoom(m.ReceiverID), protocol.MustEncode(protocol.EventMessageNotify, protocol.MessageNotification{
		ConversationID: convID,
		Message:        *m,
		Preview:        preview(m),
	}))

	s.Send(protocol.MustEncode(protocol.EventMessageAck, protocol.MessageAck{
		ClientID:       in.ClientID,
		ServerID:       m.ServerID,
		ConversationID: convID,
		Status:         string(protocol.StatusSent),
		SentAt:         m.CreatedAt,
	}))
	metrics.SendOK.Inc()

	if r.presence.IsOnline(m.ReceiverID) {
		s.Send(protocol.MustEncode(protocol.EventMessageDelivered, protocol.MessageDelivered{
			ServerID:       m.ServerID,
			ClientID:       in.ClientID,
			ConversationID: convID,
			DeliveredTo:    m.ReceiverID,
			DeliveredAt:    r.now().UTC(),
		}))
		metrics.DeliveredAtSend.Inc()
		return
	}
	r.publish(event.FromMessage(event.MsgSend, m, s.ID(), true))
}

// publish hands evt to MQ off the read loop.
func (r *Relay) publish(evt *event.ImEvent) {
	if r.pub == nil {
		return
	}
	r.bg(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := r.pub.Publish(ctx, evt); err != nil {
			r.log.Warn("mq publish failed", zap.String("event", evt.Event), zap.Int64("msg_id", evt.Msg.MsgID), zap.Error(err))
			return
		}
		if evt.Event == event.MsgSend {
			metrics.OfflinePublished.Inc()
		}
	})
}

// handleReceived is the receiver confirming receipt of a message it got
// while the sender could not be told at send time.
func (r *Relay) handleReceived(s Session, data json.RawMessage) {
	var in protocol.MessageReceived
	if err := json.Unmarshal(data, &in); err != nil || in.ServerID <= 0 || in.SenderID <= 0 || in.SenderID == s.UserID() {
		return
	}
	me := s.UserID()
	r.rooms.Broadcast(protocol.PrivateRoom(in.SenderID), protocol.MustEncode(protocol.EventMessageDelivered, protocol.MessageDelivered{
		ServerID:       in.ServerID,
		ClientID:       in.ClientID,
		ConversationID: protocol.ConversationID(me, in.SenderID),
		DeliveredTo:    me,
		DeliveredAt:    r.now().UTC(),
	}))
}

func (r *Relay) handleTyping(s Session, data json.RawMessage, start bool) {
	var in protocol.TypingStart
	if err := json.Unmarshal(data, &in); err != nil || !protocol.Participant(in.ConversationID, s.UserID()) {
		return
	}
	var frame []byte
	if start {
		frame = protocol.MustEncode(protocol.EventUserTyping, protocol.UserTyping{
			ConversationID: in.ConversationID,
			Identity:       s.UserID(),
			DisplayName:    s.Name(),
		})
	} else {
		frame = protocol.MustEncode(protocol.EventUserStoppedTyping, protocol.UserStoppedTyping{
			ConversationID: in.ConversationID,
			Identity:       s.UserID(),
		})
	}
	r.rooms.BroadcastExcept(protocol.ConversationRoom(in.ConversationID), frame, s.UserID())
}

// handleRead fans a read receipt out as reported. The relay keeps no read
// state, so the reporting client is trusted.
func (r *Relay) handleRead(s Session, data json.RawMessage) {
	var in protocol.MarkMessagesRead
	if err := json.Unmarshal(data, &in); err != nil || len(in.MessageIDs) == 0 {
		return
	}
	me := s.UserID()
	peer, err := protocol.Peer(in.ConversationID, me)
	if err != nil {
		r.fail(s, "", protocol.ReasonForbidden, protocol.KindValidation)
		return
	}
	if in.SenderID != 0 && in.SenderID != peer {
		return
	}
	out := protocol.MessagesRead{
		ConversationID: in.ConversationID,
		MessageIDs:     in.MessageIDs,
		ReaderID:       me,
		ReadAt:         r.now().UTC(),
	}
	r.rooms.Broadcast(protocol.ConversationRoom(in.ConversationID), protocol.MustEncode(protocol.EventMessagesMarkedRead, out))
	r.rooms.Broadcast(protocol.PrivateRoom(peer), protocol.MustEncode(protocol.EventMessagesRead, out))
}

func (r *Relay) handleJoin(s Session, data json.RawMessage) {
	var in protocol.JoinConversation
	if err := json.Unmarshal(data, &in); err != nil {
		r.fail(s, "", protocol.ReasonBadPayload, protocol.KindValidation)
		return
	}
	if !protocol.Participant(in.ConversationID, s.UserID()) {
		r.fail(s, "", protocol.ReasonForbidden, protocol.KindValidation)
		return
	}
	name := protocol.ConversationRoom(in.ConversationID)
	r.rooms.Join(name, s)
	s.AddRoom(name)
}

func (r *Relay) handleLeave(s Session, data json.RawMessage) {
	var in protocol.LeaveConversation
	if err := json.Unmarshal(data, &in); err != nil || in.ConversationID == "" {
		return
	}
	name := protocol.ConversationRoom(in.ConversationID)
	r.rooms.Leave(name, s.ID())
	s.RemoveRoom(name)
}
