package protocol

import (
	"strings"
	"time"
)

// Events produced by the relay.
const (
	EventConnected          = "connected"
	EventOnlineUsers        = "online-users"
	EventNewMessage         = "new-message"
	EventMessageNotify      = "message-notification"
	EventMessageAck         = "message-ack"
	EventMessageDelivered   = "message-delivered"
	EventMessageError       = "message-error"
	EventUserTyping         = "user-typing"
	EventUserStoppedTyping  = "user-stopped-typing"
	EventMessagesMarkedRead = "messages-marked-read"
	EventMessagesRead       = "messages-read"
	EventMessageUnsent      = "message-unsent"
	EventMessageDeleted     = "message-deleted"
	EventUserStatusChange   = "user-status-change"
)

// Events consumed by the relay.
const (
	EventJoinConversation  = "join-conversation"
	EventLeaveConversation = "leave-conversation"
	EventSendMessage       = "send-message"
	EventTypingStart       = "typing-start"
	EventTypingStop        = "typing-stop"
	EventMessageReceived   = "message-received"
	EventMarkMessagesRead  = "mark-messages-read"
)

// ErrorKind classifies failures reported to clients.
type ErrorKind string

const (
	KindAuth        ErrorKind = "auth_failure"
	KindValidation  ErrorKind = "validation_failure"
	KindPersistence ErrorKind = "persistence_failure"
	KindTransport   ErrorKind = "transport_failure"
)

// Reasons carried by message-error.
const (
	ReasonMissingReceiver = "missing_receiver"
	ReasonEmptyMessage    = "empty_message"
	ReasonSelfMessage     = "self_message"
	ReasonMissingClientID = "missing_client_id"
	ReasonBadPayload      = "bad_payload"
	ReasonForbidden       = "forbidden"
	ReasonRateLimited     = "rate_limited"
	ReasonStoreFailed     = "store_failed"
	ReasonStoreTimeout    = "store_timeout"
	ReasonStoreRejected   = "store_rejected"
	ReasonUnknownEvent    = "unknown_event"
	ReasonClientIDTooLong = "client_id_too_long"
	ReasonMediaURLTooLong = "media_url_too_long"
	ReasonTextTooLong     = "text_too_long"
)

// Size limits of a send intent, in bytes. They match the message table
// columns so an oversized intent never reaches the store.
const (
	MaxClientIDLen = 128
	MaxMediaURLLen = 1024
	MaxTextLen     = 65535
)

// ReasonExpiredCredential is the 401 body reason and close reason for a
// credential that ran out; clients log in again instead of retrying.
const ReasonExpiredCredential = "expired_credential"

// CloseCredentialExpired is the websocket close code sent when a live
// connection's credential expires.
const CloseCredentialExpired = 4401

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

type Connected struct {
	Identity     int64     `json:"identity"`
	Name         string    `json:"name"`
	ConnectionID string    `json:"connectionId"`
	ServerTime   time.Time `json:"serverTime"`
}

type OnlineUsers struct {
	Identities []int64 `json:"identities"`
}

type JoinConversation struct {
	ConversationID string `json:"conversationId"`
}

type LeaveConversation struct {
	ConversationID string `json:"conversationId"`
}

// SendMessage is a client send intent. ClientID is the idempotency token
// that correlates the optimistic entry with its confirmation.
type SendMessage struct {
	ReceiverID int64  `json:"receiverId"`
	Text       string `json:"text,omitempty"`
	MediaURL   string `json:"mediaUrl,omitempty"`
	ClientID   string `json:"clientId"`
	ReplyToID  int64  `json:"replyToId,omitempty"`
}

// Validate returns the message-error reason for an invalid intent, or "".
func (s *SendMessage) Validate(sender int64) string {
	if s.ReceiverID <= 0 {
		return ReasonMissingReceiver
	}
	if s.ReceiverID == sender {
		return ReasonSelfMessage
	}
	if strings.TrimSpace(s.Text) == "" && strings.TrimSpace(s.MediaURL) == "" {
		return ReasonEmptyMessage
	}
	if strings.TrimSpace(s.ClientID) == "" {
		return ReasonMissingClientID
	}
	switch {
	case len(s.ClientID) > MaxClientIDLen:
		return ReasonClientIDTooLong
	case len(strings.TrimSpace(s.MediaURL)) > MaxMediaURLLen:
		return ReasonMediaURLTooLong
	case len(strings.TrimSpace(s.Text)) > MaxTextLen:
		return ReasonTextTooLong
	}
	return ""
}

// MessageNotification is the copy sent to the receiver's private room.
type MessageNotification struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
	Preview        string  `json:"preview"`
}

type MessageAck struct {
	ClientID       string    `json:"clientId"`
	ServerID       int64     `json:"serverId"`
	ConversationID string    `json:"conversationId"`
	Status         string    `json:"status"`
	SentAt         time.Time `json:"sentAt"`
}

type MessageDelivered struct {
	ServerID       int64     `json:"serverId"`
	ClientID       string    `json:"clientId,omitempty"`
	ConversationID string    `json:"conversationId"`
	DeliveredTo    int64     `json:"deliveredTo"`
	DeliveredAt    time.Time `json:"deliveredAt"`
}

type MessageError struct {
	ClientID string    `json:"clientId,omitempty"`
	Reason   string    `json:"reason"`
	Kind     ErrorKind `json:"kind"`
}

// TypingStart is sent by clients; the relay fills identity and name from the
// verified credential before broadcasting it as UserTyping.
type TypingStart struct {
	ConversationID string `json:"conversationId"`
}

type TypingStop struct {
	ConversationID string `json:"conversationId"`
}

type UserTyping struct {
	ConversationID string `json:"conversationId"`
	Identity       int64  `json:"identity"`
	DisplayName    string `json:"displayName"`
}

type UserStoppedTyping struct {
	ConversationID string `json:"conversationId"`
	Identity       int64  `json:"identity"`
}

// MessageReceived is the receiver's explicit receipt acknowledgement.
type MessageReceived struct {
	ServerID int64  `json:"serverId"`
	SenderID int64  `json:"senderId"`
	ClientID string `json:"clientId,omitempty"`
}

type MarkMessagesRead struct {
	ConversationID string  `json:"conversationId"`
	MessageIDs     []int64 `json:"messageIds"`
	SenderID       int64   `json:"senderId"`
}

// MessagesRead is used for both messages-marked-read and messages-read.
type MessagesRead struct {
	ConversationID string    `json:"conversationId"`
	MessageIDs     []int64   `json:"messageIds"`
	ReaderID       int64     `json:"readerId"`
	ReadAt         time.Time `json:"readAt"`
}

type MessageUnsent struct {
	MessageID      int64  `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

type MessageDeleted struct {
	MessageID      int64  `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

type UserStatusChange struct {
	Identity int64      `json:"identity"`
	Status   string     `json:"status"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}
