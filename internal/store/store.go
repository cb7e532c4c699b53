// Package store is the persistence collaborator the relay calls on the
// send, unsend and delete paths. The relay keeps no durable log of its own.
package store

import (
	"context"
	"errors"
	"strings"

	"yuim/im-relay/pkg/protocol"
)

var (
	ErrNotFound    = errors.New("store: message not found")
	ErrForbidden   = errors.New("store: forbidden")
	ErrInvalid     = errors.New("store: invalid message")
	ErrUnavailable = errors.New("store: unavailable")
)

type CreateParams struct {
	SenderID   int64
	ReceiverID int64
	Text       string
	MediaURL   string
	ClientID   string
	ReplyToID  int64
}

func (p CreateParams) validate() error {
	if p.SenderID <= 0 || p.ReceiverID <= 0 {
		return ErrInvalid
	}
	if strings.TrimSpace(p.Text) == "" && strings.TrimSpace(p.MediaURL) == "" {
		return ErrInvalid
	}
	if len(p.ClientID) > protocol.MaxClientIDLen || len(p.MediaURL) > protocol.MaxMediaURLLen || len(p.Text) > protocol.MaxTextLen {
		return ErrInvalid
	}
	return nil
}

// Page selects a window of history, newest first. Before is an exclusive
// serverId upper bound (0 = latest). Viewer hides messages they deleted for
// themselves.
type Page struct {
	Viewer int64
	Before int64
	Limit  int
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

func (p Page) limit() int {
	if p.Limit <= 0 {
		return DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		return MaxPageLimit
	}
	return p.Limit
}

// Store persists direct messages.
//
// CreateMessage is idempotent on (SenderID, ClientID): a repeated call
// returns the message persisted by the first one.
type Store interface {
	CreateMessage(ctx context.Context, p CreateParams) (*protocol.Message, error)
	// DeleteMessageForEveryone retracts a message. Only its sender may do so.
	DeleteMessageForEveryone(ctx context.Context, messageID, actor int64) (*protocol.Message, error)
	// DeleteMessageForSelf hides a message for actor only.
	DeleteMessageForSelf(ctx context.Context, messageID, actor int64) (*protocol.Message, error)
	// FetchConversationHistory returns messages newest first.
	FetchConversationHistory(ctx context.Context, conversationID string, page Page) ([]protocol.Message, error)
}

// Idempotency caches clientId -> serverId in front of a store.
type Idempotency interface {
	GetIdem(ctx context.Context, fromUID int64, clientMsgID string) (int64, bool, error)
	SetIdem(ctx context.Context, fromUID int64, clientMsgID string, msgID int64, ttlSeconds int64) error
}

// Permanent reports errors that retrying the same call cannot fix.
func Permanent(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden) || errors.Is(err, ErrInvalid)
}
