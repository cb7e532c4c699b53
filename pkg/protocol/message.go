package protocol

import (
	"encoding/json"
	"time"
)

// MessageStatus is the sender-side delivery state of a message as tracked by
// a client. The relay never sets it on the wire.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
	// StatusRetracted marks a client-side tombstone for a message that was
	// unsent or deleted for the viewer.
	StatusRetracted MessageStatus = "retracted"
)

// Rank orders the non-failed statuses so a late event never downgrades a message.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	}
	return 0
}

// Message is a direct message between two identities.
//
// ServerID is assigned by the store at persistence time. Client-local
// optimistic messages carry a negative ServerID and always a ClientID.
type Message struct {
	ServerID     int64     `json:"serverId"`
	ClientID     string    `json:"clientId,omitempty"`
	SenderID     int64     `json:"senderId"`
	ReceiverID   int64     `json:"receiverId"`
	SenderName   string    `json:"senderName,omitempty"`
	ReceiverName string    `json:"receiverName,omitempty"`
	Text         string    `json:"text,omitempty"`
	MediaURL     string    `json:"mediaUrl,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	ReplyToID    int64     `json:"replyToId,omitempty"`
	Reaction     string    `json:"reaction,omitempty"`
	DeletedFor   []int64   `json:"deletedFor,omitempty"`

	Status     MessageStatus `json:"status,omitempty"`
	FailReason string        `json:"failReason,omitempty"`
}

// Persisted reports whether the message carries an authoritative server id.
func (m *Message) Persisted() bool { return m.ServerID > 0 }

// Retracted reports whether m is a tombstone left by unsend or delete-for-me.
func (m *Message) Retracted() bool { return m.Status == StatusRetracted }

// ConversationID returns the pairwise conversation the message belongs to.
func (m *Message) ConversationID() string {
	return ConversationID(m.SenderID, m.ReceiverID)
}

// HiddenFor reports whether uid deleted the message for themselves.
func (m *Message) HiddenFor(uid int64) bool {
	for _, id := range m.DeletedFor {
		if id == uid {
			return true
		}
	}
	return false
}

// Envelope is the frame exchanged over the websocket in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals v into an envelope frame for event.
func Encode(event string, v any) ([]byte, error) {
	var raw json.RawMessage
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// MustEncode is Encode for payloads that cannot fail to marshal.
func MustEncode(event string, v any) []byte {
	b, err := Encode(event, v)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode parses a frame into an envelope.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(frame, &env)
	return env, err
}
