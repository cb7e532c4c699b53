// Package reconcile merges optimistic, historical and relay-pushed messages
// into one ordered, deduplicated list per conversation.
//
// Merge is pure: it never mutates its input and keeps no state, so the same
// sequence of events always yields the same list. Unsent and deleted
// messages stay in the list as tombstones so a late copy from history or a
// replayed push cannot bring them back; Visible drops them.
package reconcile

import (
	"time"

	"yuim/im-relay/pkg/protocol"
)

// HeuristicWindow bounds how far apart an optimistic entry and an incoming
// message may be when they are matched on content alone.
const HeuristicWindow = 5 * time.Second

type Kind int

const (
	// KindOptimistic adds a locally created message before the network call.
	KindOptimistic Kind = iota
	// KindMessage is an authoritative message: new-message, a notification
	// copy or a history item.
	KindMessage
	KindAck
	KindDelivered
	KindRead
	KindUnsent
	KindDeleted
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindOptimistic:
		return "optimistic"
	case KindMessage:
		return "message"
	case KindAck:
		return "ack"
	case KindDelivered:
		return "delivered"
	case KindRead:
		return "read"
	case KindUnsent:
		return "unsent"
	case KindDeleted:
		return "deleted"
	case KindFailed:
		return "failed"
	}
	return "unknown"
}

// Event is one input to Merge. Which fields are meaningful depends on Kind.
type Event struct {
	Kind Kind

	// KindOptimistic, KindMessage.
	Message protocol.Message

	// KindAck, KindDelivered, KindFailed correlate on ClientID; KindAck,
	// KindDelivered, KindUnsent, KindDeleted on ServerID.
	ClientID string
	ServerID int64
	At       time.Time

	// KindRead.
	ServerIDs []int64

	// KindFailed.
	Reason string
}

func Optimistic(m protocol.Message) Event { return Event{Kind: KindOptimistic, Message: m} }

func Incoming(m protocol.Message) Event { return Event{Kind: KindMessage, Message: m} }

func Ack(a protocol.MessageAck) Event {
	return Event{Kind: KindAck, ClientID: a.ClientID, ServerID: a.ServerID, At: a.SentAt}
}

func Delivered(d protocol.MessageDelivered) Event {
	return Event{Kind: KindDelivered, ClientID: d.ClientID, ServerID: d.ServerID, At: d.DeliveredAt}
}

func Read(r protocol.MessagesRead) Event {
	return Event{Kind: KindRead, ServerIDs: r.MessageIDs, At: r.ReadAt}
}

func Unsent(messageID int64) Event { return Event{Kind: KindUnsent, ServerID: messageID} }

func Deleted(messageID int64) Event { return Event{Kind: KindDeleted, ServerID: messageID} }

func Failed(clientID, reason string) Event {
	return Event{Kind: KindFailed, ClientID: clientID, Reason: reason}
}

// Merge applies ev to existing and returns the resulting list. existing is
// expected in the order Merge produces; it is never modified.
func Merge(existing []protocol.Message, ev Event) []protocol.Message {
	out := make([]protocol.Message, len(existing))
	copy(out, existing)

	switch ev.Kind {
	case KindOptimistic:
		return mergeOptimistic(out, ev.Message)
	case KindMessage:
		return mergeMessage(out, ev.Message)
	case KindAck:
		return mergeAck(out, ev)
	case KindDelivered:
		i := byServerID(out, ev.ServerID)
		if i < 0 && ev.ClientID != "" {
			i = byClientID(out, ev.ClientID)
		}
		if i >= 0 {
			if !out[i].Persisted() && ev.ServerID > 0 {
				out[i].ServerID = ev.ServerID
			}
			out[i].Status = upgrade(out[i].Status, protocol.StatusDelivered)
		}
		return out
	case KindRead:
		for _, id := range ev.ServerIDs {
			if i := byServerID(out, id); i >= 0 {
				out[i].Status = upgrade(out[i].Status, protocol.StatusRead)
			}
		}
		return out
	case KindUnsent, KindDeleted:
		if ev.ServerID <= 0 {
			return out
		}
		if i := byServerID(out, ev.ServerID); i >= 0 {
			out[i] = tombstone(out[i])
			return out
		}
		// Retracted before it was seen here.
		return insert(out, tombstone(protocol.Message{ServerID: ev.ServerID}))
	case KindFailed:
		// Only an unconfirmed entry can fail; a late error for a message the
		// relay already acknowledged is stale.
		if i := byClientID(out, ev.ClientID); i >= 0 && !out[i].Persisted() {
			out[i].Status = protocol.StatusFailed
			out[i].FailReason = ev.Reason
		}
		return out
	}
	return out
}

func mergeOptimistic(out []protocol.Message, m protocol.Message) []protocol.Message {
	if m.ClientID == "" || byClientID(out, m.ClientID) >= 0 {
		return out
	}
	if m.Status == "" {
		m.Status = protocol.StatusPending
	}
	return append(out, m)
}

func mergeMessage(out []protocol.Message, m protocol.Message) []protocol.Message {
	if !m.Persisted() {
		return out
	}
	if m.Status == "" || m.Status == protocol.StatusPending || m.Status == protocol.StatusFailed {
		m.Status = protocol.StatusSent
	}

	// 1. Already known by its authoritative id. A retracted message also
	// settles the send that produced it.
	if i := byServerID(out, m.ServerID); i >= 0 {
		if out[i].Retracted() && m.ClientID != "" {
			if j := byClientID(out, m.ClientID); j >= 0 && !out[j].Persisted() {
				out = append(out[:j], out[j+1:]...)
			}
		}
		return out
	}

	// 2. Confirms an optimistic entry carrying the same clientId.
	if m.ClientID != "" {
		if i := byClientID(out, m.ClientID); i >= 0 && !out[i].Persisted() {
			out[i] = confirm(out[i], m)
			return out
		}
	}

	// 3. Correlation was lost: match the latest optimistic entry on content.
	if i := heuristic(out, m); i >= 0 {
		out[i] = confirm(out[i], m)
		return out
	}

	// 4. New message.
	return insert(out, m)
}

func mergeAck(out []protocol.Message, ev Event) []protocol.Message {
	ci := -1
	if ev.ClientID != "" {
		ci = byClientID(out, ev.ClientID)
	}
	si := -1
	if ev.ServerID > 0 {
		si = byServerID(out, ev.ServerID)
	}
	switch {
	case ci >= 0 && si >= 0 && ci != si:
		// new-message already produced the authoritative entry; drop the
		// optimistic twin.
		out[si].Status = upgrade(out[si].Status, protocol.StatusSent)
		return append(out[:ci], out[ci+1:]...)
	case ci >= 0:
		if !out[ci].Persisted() && ev.ServerID > 0 {
			out[ci].ServerID = ev.ServerID
			if !ev.At.IsZero() {
				out[ci].CreatedAt = ev.At
			}
			out[ci].FailReason = ""
		}
		out[ci].Status = upgrade(out[ci].Status, protocol.StatusSent)
	case si >= 0:
		out[si].Status = upgrade(out[si].Status, protocol.StatusSent)
	}
	return out
}

// confirm replaces an optimistic entry with the authoritative message,
// keeping the local correlation key and any status already reached.
func confirm(local, m protocol.Message) protocol.Message {
	if m.ClientID == "" {
		m.ClientID = local.ClientID
	}
	if local.Status != protocol.StatusFailed {
		m.Status = upgrade(m.Status, local.Status)
	}
	m.FailReason = ""
	return m
}

func heuristic(out []protocol.Message, m protocol.Message) int {
	for i := len(out) - 1; i >= 0; i-- {
		e := out[i]
		if e.Persisted() {
			continue
		}
		if m.ClientID != "" && e.ClientID != "" {
			continue
		}
		if e.SenderID != m.SenderID || e.ReceiverID != m.ReceiverID || e.Text != m.Text {
			continue
		}
		if d := e.CreatedAt.Sub(m.CreatedAt); d > HeuristicWindow || d < -HeuristicWindow {
			continue
		}
		return i
	}
	return -1
}

// insert places m after every entry that sorts before or with it, so live
// pushes append and out-of-order history lands in place.
func insert(out []protocol.Message, m protocol.Message) []protocol.Message {
	i := len(out)
	for i > 0 && after(out[i-1], m) {
		i--
	}
	out = append(out, protocol.Message{})
	copy(out[i+1:], out[i:])
	out[i] = m
	return out
}

// after reports whether e sorts strictly after m by (CreatedAt, ServerID).
// Optimistic entries stay at the tail.
func after(e, m protocol.Message) bool {
	if !e.Persisted() {
		return true
	}
	if !e.CreatedAt.Equal(m.CreatedAt) {
		return e.CreatedAt.After(m.CreatedAt)
	}
	return e.ServerID > m.ServerID
}

// tombstone keeps what ordering and correlation need and drops the content.
func tombstone(m protocol.Message) protocol.Message {
	return protocol.Message{
		ServerID:   m.ServerID,
		ClientID:   m.ClientID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		CreatedAt:  m.CreatedAt,
		Status:     protocol.StatusRetracted,
	}
}

// Visible returns list without tombstones.
func Visible(list []protocol.Message) []protocol.Message {
	out := make([]protocol.Message, 0, len(list))
	for _, m := range list {
		if !m.Retracted() {
			out = append(out, m)
		}
	}
	return out
}

// upgrade never moves a status backwards. A failed entry can only recover;
// a tombstone never changes.
func upgrade(cur, next protocol.MessageStatus) protocol.MessageStatus {
	if cur == protocol.StatusRetracted {
		return cur
	}
	if cur == protocol.StatusFailed {
		if next == protocol.StatusFailed || next == "" {
			return cur
		}
		return next
	}
	if next.Rank() > cur.Rank() {
		return next
	}
	return cur
}

func byServerID(list []protocol.Message, id int64) int {
	if id <= 0 {
		return -1
	}
	for i := range list {
		if list[i].ServerID == id {
			return i
		}
	}
	return -1
}

func byClientID(list []protocol.Message, id string) int {
	if id == "" {
		return -1
	}
	for i := range list {
		if list[i].ClientID == id {
			return i
		}
	}
	return -1
}
