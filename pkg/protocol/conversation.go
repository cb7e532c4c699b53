package protocol

import (
	"errors"
	"strconv"
	"strings"
)

var ErrBadConversationID = errors.New("bad conversation id")

const conversationPrefix = "p2p:"

// ConversationID derives the pairwise conversation id from two identities.
// Both participants compute the same value: the pair is sorted.
func ConversationID(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return conversationPrefix + strconv.FormatInt(a, 10) + ":" + strconv.FormatInt(b, 10)
}

// ParseConversationID returns the two participants of a conversation id, lowest first.
func ParseConversationID(id string) (int64, int64, error) {
	rest, ok := strings.CutPrefix(id, conversationPrefix)
	if !ok {
		return 0, 0, ErrBadConversationID
	}
	left, right, ok := strings.Cut(rest, ":")
	if !ok {
		return 0, 0, ErrBadConversationID
	}
	a, err := strconv.ParseInt(left, 10, 64)
	if err != nil || a <= 0 {
		return 0, 0, ErrBadConversationID
	}
	b, err := strconv.ParseInt(right, 10, 64)
	if err != nil || b <= 0 || b < a {
		return 0, 0, ErrBadConversationID
	}
	return a, b, nil
}

// Participant reports whether uid is one of the two parties of id.
func Participant(id string, uid int64) bool {
	a, b, err := ParseConversationID(id)
	if err != nil {
		return false
	}
	return uid == a || uid == b
}

// Peer returns the other participant of id as seen by uid.
func Peer(id string, uid int64) (int64, error) {
	a, b, err := ParseConversationID(id)
	if err != nil {
		return 0, err
	}
	switch uid {
	case a:
		return b, nil
	case b:
		return a, nil
	}
	return 0, ErrBadConversationID
}

// PrivateRoom is the per-identity channel every connection of uid joins.
func PrivateRoom(uid int64) string {
	return "user-" + strconv.FormatInt(uid, 10)
}

// ConversationRoom is the channel for connections viewing a conversation.
func ConversationRoom(conversationID string) string {
	return "conversation-" + conversationID
}
