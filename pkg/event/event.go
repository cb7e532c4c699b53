package event

import (
	"strconv"

	"yuim/im-relay/pkg/protocol"
)

const (
	// MsgSend is published when a direct message is persisted while its
	// receiver has no live connection, so downstream workers can notify.
	MsgSend = "msg_send"
	// MsgUnsend is published when a message is retracted for everyone.
	MsgUnsend = "msg_unsend"
)

// ImEvent is the MQ envelope handed to downstream IM workers.
// Treat this as a contract (version it when breaking changes are required).
type ImEvent struct {
	Event   string            `json:"event"`
	TraceID string            `json:"trace_id"`
	TS      int64             `json:"ts"` // unix seconds
	FromUID int64             `json:"from_uid"`
	ToUIDs  []int64           `json:"to_uids"`
	ConvID  string            `json:"conv_id"`
	Msg     Message           `json:"msg"`
	Flags   map[string]bool   `json:"flags,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
}

type Message struct {
	MsgID       int64             `json:"msg_id"`
	ClientMsgID string            `json:"client_msg_id,omitempty"`
	MsgType     string            `json:"msg_type"`
	Content     map[string]any    `json:"content,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// FromMessage builds the envelope for a persisted direct message. traceID
// is usually the sender's connection id.
func FromMessage(name string, m *protocol.Message, traceID string, offline bool) *ImEvent {
	msgType := "text"
	content := map[string]any{"text": m.Text}
	if m.MediaURL != "" {
		msgType = "media"
		content["media_url"] = m.MediaURL
	}
	evt := &ImEvent{
		Event:   name,
		TraceID: traceID,
		TS:      m.CreatedAt.Unix(),
		FromUID: m.SenderID,
		ToUIDs:  []int64{m.ReceiverID},
		ConvID:  m.ConversationID(),
		Msg: Message{
			MsgID:       m.ServerID,
			ClientMsgID: m.ClientID,
			MsgType:     msgType,
			Content:     content,
			Extra:       map[string]string{"sender_name": m.SenderName},
		},
		Flags: map[string]bool{"offline": offline},
	}
	if m.ReplyToID > 0 {
		evt.Msg.Extra["reply_to"] = strconv.FormatInt(m.ReplyToID, 10)
	}
	return evt
}
