// Package client is a Go client for the relay: it keeps a websocket session
// alive, feeds every pushed event into per-conversation stores and exposes
// typed subscriptions and the REST operations.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"yuim/im-relay/pkg/client/conversation"
	"yuim/im-relay/pkg/client/reconcile"
	"yuim/im-relay/pkg/protocol"
)

var (
	// ErrCredentialExpired matches any error caused by an expired
	// credential. Callers log in again; Run does not retry it.
	ErrCredentialExpired = errors.New(protocol.ReasonExpiredCredential)

	ErrNotConnected    = errors.New("client: not connected")
	ErrEmptyMessage    = errors.New("client: message has neither text nor media")
	ErrInvalidReceiver = errors.New("client: invalid receiver")
)

// Error is a rejection from the relay. Status is the HTTP status, or the
// websocket close code when the session was closed by the relay.
type Error struct {
	Status int
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("client: relay rejected (%d): %s", e.Status, e.Reason)
}

func (e *Error) Is(target error) bool {
	return target == ErrCredentialExpired && e.Reason == protocol.ReasonExpiredCredential
}

type Options struct {
	// URL is the websocket endpoint, e.g. ws://host:8080/ws.
	URL string
	// BaseURL is the REST root, e.g. http://host:8080. Derived from URL
	// when empty.
	BaseURL string
	// Identity is the logged-in user; it must match the credential.
	Identity int64
	Token    string

	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	WriteTimeout time.Duration
	// PendingTimeout fails unconfirmed sends older than this on reconnect
	// instead of resending them.
	PendingTimeout time.Duration
	TypingTTL      time.Duration

	Dialer *websocket.Dialer
	HTTP   *resty.Client
	Log    *zap.Logger

	// OnChange and OnTyping are handed to every conversation store.
	OnChange func(conversationID string, msgs []protocol.Message)
	OnTyping func(conversationID string, typists []conversation.Typist)
}

type Client struct {
	opt    Options
	log    *zap.Logger
	dialer *websocket.Dialer
	http   *resty.Client

	mu        sync.Mutex
	token     string
	ws        *websocket.Conn
	self      protocol.Connected
	online    map[int64]bool
	convs     map[int64]*conversation.Store
	open      map[int64]bool
	clientIDs map[string]int64
	receipted map[int64]bool

	wmu sync.Mutex

	subMu   sync.RWMutex
	subs    map[string]map[int]func(json.RawMessage)
	nextSub int
}

func New(opt Options) (*Client, error) {
	if opt.URL == "" {
		return nil, errors.New("client: url is required")
	}
	if opt.Identity <= 0 {
		return nil, errors.New("client: identity is required")
	}
	if opt.BaseURL == "" {
		opt.BaseURL = restBase(opt.URL)
	}
	if opt.MinBackoff <= 0 {
		opt.MinBackoff = 500 * time.Millisecond
	}
	if opt.MaxBackoff < opt.MinBackoff {
		opt.MaxBackoff = 30 * time.Second
	}
	if opt.WriteTimeout <= 0 {
		opt.WriteTimeout = 5 * time.Second
	}
	if opt.PendingTimeout <= 0 {
		opt.PendingTimeout = 2 * time.Minute
	}
	if opt.Dialer == nil {
		opt.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if opt.HTTP == nil {
		opt.HTTP = resty.New().SetTimeout(10 * time.Second)
	}
	if opt.Log == nil {
		opt.Log = zap.NewNop()
	}
	opt.HTTP.SetBaseURL(opt.BaseURL)
	return &Client{
		opt:       opt,
		log:       opt.Log.With(zap.Int64("identity", opt.Identity)),
		dialer:    opt.Dialer,
		http:      opt.HTTP,
		token:     opt.Token,
		online:    make(map[int64]bool),
		convs:     make(map[int64]*conversation.Store),
		open:      make(map[int64]bool),
		clientIDs: make(map[string]int64),
		receipted: make(map[int64]bool),
		subs:      make(map[string]map[int]func(json.RawMessage)),
	}, nil
}

func restBase(wsURL string) string {
	u := wsURL
	switch {
	case strings.HasPrefix(u, "wss://"):
		u = "https://" + strings.TrimPrefix(u, "wss://")
	case strings.HasPrefix(u, "ws://"):
		u = "http://" + strings.TrimPrefix(u, "ws://")
	}
	return strings.TrimSuffix(u, "/ws")
}

// SetToken replaces the credential used by the next dial and REST call.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// backoff grows exponentially from lo and is capped at hi.
func backoff(attempt int, lo, hi time.Duration) time.Duration {
	if attempt <= 0 {
		return lo
	}
	d := lo << uint(min(attempt, 16))
	if d > hi || d <= 0 {
		d = hi
	}
	return d
}

// Run keeps a session open until ctx is done or the relay rejects the
// credential. Dropped sessions are redialled with capped backoff; on every
// new session the client rejoins open conversations and resends pending
// messages.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var rej *Error
		if errors.As(err, &rej) {
			c.log.Warn("relay rejected session", zap.Int("status", rej.Status), zap.String("reason", rej.Reason))
			return err
		}
		if connected {
			attempt = 0
		}
		d := backoff(attempt, c.opt.MinBackoff, c.opt.MaxBackoff)
		attempt++
		c.log.Info("session ended, reconnecting", zap.Duration("backoff", d), zap.Error(err))
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Client) session(ctx context.Context) (bool, error) {
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+c.currentToken())
	ws, resp, err := c.dialer.DialContext(ctx, c.opt.URL, hdr)
	if err != nil {
		if resp == nil {
			return false, err
		}
		// Only a refused credential is final; anything else, including a
		// relay that could not check the credential, is retried.
		if resp.StatusCode == http.StatusUnauthorized {
			return false, &Error{Status: resp.StatusCode, Reason: readReason(resp)}
		}
		return false, fmt.Errorf("client: dial: status %d %s: %w", resp.StatusCode, readReason(resp), err)
	}
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	c.attach(ws)
	defer c.detach(ws)

	stopSweep := make(chan struct{})
	defer close(stopSweep)
	go c.sweepLoop(stopSweep)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == protocol.CloseCredentialExpired {
				return true, &Error{Status: ce.Code, Reason: protocol.ReasonExpiredCredential}
			}
			return true, err
		}
		c.dispatch(data)
	}
}

func readReason(resp *http.Response) string {
	var body struct {
		Error string `json:"error"`
	}
	if resp.Body != nil {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		_ = json.Unmarshal(b, &body)
	}
	if body.Error == "" {
		return http.StatusText(resp.StatusCode)
	}
	return body.Error
}

// attach installs ws, rejoins open conversation rooms and resends what
// never got an answer.
func (c *Client) attach(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	var rooms []string
	for peer := range c.open {
		rooms = append(rooms, protocol.ConversationID(c.opt.Identity, peer))
	}
	c.mu.Unlock()

	for _, id := range rooms {
		if err := c.write(protocol.EventJoinConversation, protocol.JoinConversation{ConversationID: id}); err != nil {
			return
		}
	}
	c.sweep()
	for _, s := range c.stores() {
		for _, m := range s.Pending() {
			if err := c.writeSend(m); err != nil {
				return
			}
		}
	}
}

func (c *Client) stores() []*conversation.Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*conversation.Store, 0, len(c.convs))
	for _, s := range c.convs {
		out = append(out, s)
	}
	return out
}

// sweep fails every send that waited longer than PendingTimeout for its
// ack. A late ack still confirms it.
func (c *Client) sweep() {
	for _, s := range c.stores() {
		for _, id := range s.ExpireStale(c.opt.PendingTimeout) {
			c.log.Info("pending send expired", zap.String("client_id", id))
		}
	}
}

// sweepLoop runs sweep while a session is up, since an ack can be lost on
// a connection that never drops.
func (c *Client) sweepLoop(stop <-chan struct{}) {
	every := max(c.opt.PendingTimeout/2, 10*time.Millisecond)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.sweep()
		}
	}
}

func (c *Client) detach(ws *websocket.Conn) {
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	c.mu.Unlock()
	_ = ws.Close()
}

// Connected reports whether a session is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// Close drops the session and stops every typing timer. Run returns once
// its context is cancelled.
func (c *Client) Close() {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()
	if ws != nil {
		_ = ws.Close()
	}
	for _, s := range c.stores() {
		s.Close()
	}
}

func (c *Client) write(event string, v any) error {
	frame, err := protocol.Encode(event, v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(c.opt.WriteTimeout))
	return ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) writeSend(m protocol.Message) error {
	return c.write(protocol.EventSendMessage, protocol.SendMessage{
		ReceiverID: m.ReceiverID,
		Text:       m.Text,
		MediaURL:   m.MediaURL,
		ClientID:   m.ClientID,
		ReplyToID:  m.ReplyToID,
	})
}

// Self is the identity announced by the relay on the last connect.
func (c *Client) Self() protocol.Connected {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// Online reports the last known presence of uid.
func (c *Client) Online(uid int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online[uid]
}

// Conversation returns the store for the conversation with peer, creating
// it on first use.
func (c *Client) Conversation(peer int64) *conversation.Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationLocked(peer)
}

func (c *Client) conversationLocked(peer int64) *conversation.Store {
	s, ok := c.convs[peer]
	if !ok {
		s = conversation.New(c.opt.Identity, peer, conversation.Options{
			TypingTTL: c.opt.TypingTTL,
			OnChange:  c.opt.OnChange,
			OnTyping:  c.opt.OnTyping,
		})
		c.convs[peer] = s
	}
	return s
}

func (c *Client) conversationByID(id string) (*conversation.Store, bool) {
	peer, err := protocol.Peer(id, c.opt.Identity)
	if err != nil {
		return nil, false
	}
	return c.Conversation(peer), true
}

// Open joins the conversation room with peer. The room is rejoined after
// every reconnect until CloseConversation.
func (c *Client) Open(peer int64) (*conversation.Store, error) {
	if peer <= 0 || peer == c.opt.Identity {
		return nil, ErrInvalidReceiver
	}
	c.mu.Lock()
	c.open[peer] = true
	s := c.conversationLocked(peer)
	c.mu.Unlock()

	err := c.write(protocol.EventJoinConversation, protocol.JoinConversation{ConversationID: s.ID()})
	if err != nil && !errors.Is(err, ErrNotConnected) {
		return s, err
	}
	return s, nil
}

// CloseConversation leaves the room. The store and the private room stay.
func (c *Client) CloseConversation(peer int64) error {
	c.mu.Lock()
	delete(c.open, peer)
	s, ok := c.convs[peer]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	s.Close()
	err := c.write(protocol.EventLeaveConversation, protocol.LeaveConversation{ConversationID: s.ID()})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Send records the message optimistically, then hands it to the relay. A
// send made while disconnected stays pending and goes out on reconnect.
func (c *Client) Send(peer int64, text, mediaURL string, replyTo int64) (protocol.Message, error) {
	if peer <= 0 || peer == c.opt.Identity {
		return protocol.Message{}, ErrInvalidReceiver
	}
	text = strings.TrimSpace(text)
	mediaURL = strings.TrimSpace(mediaURL)
	if text == "" && mediaURL == "" {
		return protocol.Message{}, ErrEmptyMessage
	}
	s := c.Conversation(peer)
	m := s.AddOptimistic(text, mediaURL, replyTo)
	c.track(m.ClientID, peer)

	if err := c.writeSend(m); err != nil {
		c.log.Debug("send deferred", zap.String("client_id", m.ClientID), zap.Error(err))
	}
	return m, nil
}

// Retry resends a failed message under its original client id.
func (c *Client) Retry(peer int64, clientID string) error {
	m, err := c.Conversation(peer).Retry(clientID)
	if err != nil {
		return err
	}
	c.track(clientID, peer)
	if err := c.writeSend(m); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

func (c *Client) track(clientID string, peer int64) {
	c.mu.Lock()
	c.clientIDs[clientID] = peer
	c.mu.Unlock()
}

func (c *Client) Typing(peer int64, typing bool) error {
	id := protocol.ConversationID(c.opt.Identity, peer)
	if typing {
		return c.write(protocol.EventTypingStart, protocol.TypingStart{ConversationID: id})
	}
	return c.write(protocol.EventTypingStop, protocol.TypingStop{ConversationID: id})
}

// MarkRead reports every unread message from peer as read and returns
// their ids.
func (c *Client) MarkRead(peer int64) ([]int64, error) {
	s := c.Conversation(peer)
	ids := s.UnreadFromPeer()
	if len(ids) == 0 {
		return nil, nil
	}
	err := c.write(protocol.EventMarkMessagesRead, protocol.MarkMessagesRead{
		ConversationID: s.ID(),
		MessageIDs:     ids,
		SenderID:       peer,
	})
	if err != nil {
		return nil, err
	}
	s.Apply(reconcile.Read(protocol.MessagesRead{ConversationID: s.ID(), MessageIDs: ids, ReaderID: c.opt.Identity}))
	return ids, nil
}

// receipt sends message-received for a peer's message, at most once per
// message for the life of the client.
func (c *Client) receipt(m protocol.Message) {
	if m.SenderID == c.opt.Identity || !m.Persisted() {
		return
	}
	c.mu.Lock()
	done := c.receipted[m.ServerID]
	c.receipted[m.ServerID] = true
	c.mu.Unlock()
	if done {
		return
	}
	err := c.write(protocol.EventMessageReceived, protocol.MessageReceived{
		ServerID: m.ServerID,
		SenderID: m.SenderID,
		ClientID: m.ClientID,
	})
	if err != nil {
		c.mu.Lock()
		delete(c.receipted, m.ServerID)
		c.mu.Unlock()
	}
}
