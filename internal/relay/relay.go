// Package relay implements the real-time message protocol: it binds
// authenticated sessions into presence and rooms, persists send intents
// through the store, and fans out acks, deliveries, typing, read receipts
// and retractions.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"yuim/im-relay/internal/hub"
	"yuim/im-relay/internal/metrics"
	"yuim/im-relay/internal/presence"
	"yuim/im-relay/internal/room"
	"yuim/im-relay/internal/store"
	"yuim/im-relay/pkg/event"
	"yuim/im-relay/pkg/protocol"
)

// Session is a live connection as seen by the relay. *hub.Conn implements it.
type Session interface {
	room.Member
	Name() string
	Allow() bool
	AddRoom(room string) bool
	RemoveRoom(room string) bool
	Rooms() []string
}

// Publisher hands events to the offline notification pipeline.
type Publisher interface {
	Publish(ctx context.Context, evt *event.ImEvent) error
}

// LastSeenStore persists when an identity was last online.
type LastSeenStore interface {
	SetLastSeen(ctx context.Context, uid int64, at time.Time, ttl time.Duration) error
	GetLastSeen(ctx context.Context, uid int64) (time.Time, error)
}

type Options struct {
	Store        store.Store
	StoreTimeout time.Duration
	Breaker      *store.Breaker

	Publisher Publisher     // optional
	LastSeen  LastSeenStore // optional

	PresenceShards int
	RoomShards     int
	Log            *zap.Logger
}

type Relay struct {
	store    store.Store
	pub      Publisher
	lastSeen LastSeenStore
	log      *zap.Logger

	hub      *hub.Hub
	presence *presence.Registry
	rooms    *room.Router

	started time.Time
	now     func() time.Time
	bg      func(func())
}

func New(opt Options) (*Relay, error) {
	if opt.Store == nil {
		return nil, errors.New("relay: store is required")
	}
	if opt.Log == nil {
		opt.Log = zap.NewNop()
	}
	st, ok := opt.Store.(*store.Guarded)
	if !ok {
		st = store.Guard(opt.Store, store.GuardOptions{Timeout: opt.StoreTimeout, Breaker: opt.Breaker, Log: opt.Log})
	}
	r := &Relay{
		store:    st,
		pub:      opt.Publisher,
		lastSeen: opt.LastSeen,
		log:      opt.Log,
		hub:      hub.New(opt.PresenceShards),
		rooms:    room.New(opt.RoomShards),
		started:  time.Now(),
		now:      time.Now,
		bg:       func(fn func()) { go fn() },
	}
	r.presence = presence.New(opt.PresenceShards, r.onPresence)
	return r, nil
}

// onPresence runs under the identity's presence shard, so it only queues
// frames. The last-seen write happens off the lock.
func (r *Relay) onPresence(ev presence.Event) {
	payload := protocol.UserStatusChange{Identity: ev.Identity, Status: string(ev.Status)}
	if ev.Status == presence.Offline {
		at := ev.At.UTC()
		payload.LastSeen = &at
		if r.lastSeen != nil {
			r.bg(func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := r.lastSeen.SetLastSeen(ctx, ev.Identity, at, 0); err != nil {
					r.log.Warn("last seen write failed", zap.Int64("identity", ev.Identity), zap.Error(err))
				}
			})
		}
	}
	frame := protocol.MustEncode(protocol.EventUserStatusChange, payload)
	r.hub.Each(func(m room.Member) {
		if m.UserID() != ev.Identity {
			m.Send(frame)
		}
	})
}

// Connect admits an authenticated session: it is indexed, joined to its
// private room, told who it is and who is online, and announced if it is
// the identity's first connection.
func (r *Relay) Connect(s Session) {
	uid := s.UserID()
	r.hub.Set(s)
	priv := protocol.PrivateRoom(uid)
	r.rooms.Join(priv, s)
	s.AddRoom(priv)

	s.Send(protocol.MustEncode(protocol.EventConnected, protocol.Connected{
		Identity:     uid,
		Name:         s.Name(),
		ConnectionID: s.ID(),
		ServerTime:   r.now().UTC(),
	}))
	r.presence.RegisterConnection(uid, s.ID())
	s.Send(protocol.MustEncode(protocol.EventOnlineUsers, protocol.OnlineUsers{
		Identities: r.presence.OnlineIdentities(),
	}))

	metrics.OnlineConns.Set(float64(r.hub.Len()))
	metrics.OnlineIdentities.Set(float64(r.presence.Len()))
	r.log.Debug("session connected", zap.String("conn", s.ID()), zap.Int64("identity", uid))
}

// Disconnect must be called exactly when the transport closes. Room
// membership goes first so the offline event is not delivered to s.
func (r *Relay) Disconnect(s Session) {
	for _, name := range s.Rooms() {
		r.rooms.Leave(name, s.ID())
		s.RemoveRoom(name)
	}
	r.hub.Del(s.ID())
	r.presence.RemoveConnection(s.UserID(), s.ID())

	metrics.OnlineConns.Set(float64(r.hub.Len()))
	metrics.OnlineIdentities.Set(float64(r.presence.Len()))
	r.log.Debug("session disconnected", zap.String("conn", s.ID()), zap.Int64("identity", s.UserID()))
}

func (r *Relay) IsOnline(uid int64) bool { return r.presence.IsOnline(uid) }

func (r *Relay) OnlineIdentities() []int64 { return r.presence.OnlineIdentities() }

type Stats struct {
	Connections int
	Identities  int
	Uptime      time.Duration
}

func (r *Relay) Stats() Stats {
	return Stats{
		Connections: r.hub.Len(),
		Identities:  r.presence.Len(),
		Uptime:      time.Since(r.started),
	}
}

// Close closes every live session; their read loops then run Disconnect.
func (r *Relay) Close() {
	r.hub.Each(func(m room.Member) {
		if c, ok := m.(interface{ Close() }); ok {
			c.Close()
		}
	})
}

// HandleFrame dispatches one inbound client frame. It runs on the session's
// read loop, so frames from one connection are handled in order.
func (r *Relay) HandleFrame(ctx context.Context, s Session, frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		r.fail(s, "", protocol.ReasonBadPayload, protocol.KindValidation)
		return
	}
	metrics.EventsIn.WithLabelValues(env.Event).Inc()

	if !s.Allow() {
		metrics.RateLimited.Inc()
		if env.Event == protocol.EventSendMessage {
			var in protocol.SendMessage
			_ = json.Unmarshal(env.Data, &in)
			r.fail(s, in.ClientID, protocol.ReasonRateLimited, protocol.KindValidation)
		}
		return
	}

	switch env.Event {
	case protocol.EventSendMessage:
		r.handleSend(ctx, s, env.Data)
	case protocol.EventMessageReceived:
		r.handleReceived(s, env.Data)
	case protocol.EventTypingStart:
		r.handleTyping(s, env.Data, true)
	case protocol.EventTypingStop:
		r.handleTyping(s, env.Data, false)
	case protocol.EventMarkMessagesRead:
		r.handleRead(s, env.Data)
	case protocol.EventJoinConversation:
		r.handleJoin(s, env.Data)
	case protocol.EventLeaveConversation:
		r.handleLeave(s, env.Data)
	default:
		r.fail(s, "", protocol.ReasonUnknownEvent, protocol.KindValidation)
	}
}

func (r *Relay) fail(s Session, clientID, reason string, kind protocol.ErrorKind) {
	s.Send(protocol.MustEncode(protocol.EventMessageError, protocol.MessageError{
		ClientID: clientID,
		Reason:   reason,
		Kind:     kind,
	}))
}
