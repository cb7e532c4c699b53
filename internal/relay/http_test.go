package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yuim/im-relay/internal/auth"
	"yuim/im-relay/internal/store"
	"yuim/im-relay/pkg/protocol"
)

var testSecret = []byte("relay-test-secret")

type testServer struct {
	url   string
	relay *Relay
	store *store.Memory
}

func startServer(t *testing.T) *testServer {
	t.Helper()
	st := store.NewMemory()
	st.SetName(1, "alice")
	st.SetName(2, "bob")
	r, err := New(Options{Store: st})
	require.NoError(t, err)
	v, err := auth.NewVerifier(auth.Options{Algorithm: "HS256", Secret: testSecret, Issuer: "campus-auth", Audience: "im-relay"})
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewServer(r, v, ServerOptions{InternalToken: "s3cret"}).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		r.Close()
		srv.Close()
	})
	return &testServer{url: srv.URL, relay: r, store: st}
}

func token(t *testing.T, uid int64, ttl time.Duration) string {
	t.Helper()
	now := time.Now()
	claims := auth.Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(uid, 10),
		Issuer:    "campus-auth",
		Audience:  jwt.ClaimStrings{"im-relay"},
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)
	return s
}

type wsClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func (ts *testServer) dial(t *testing.T, uid int64) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.url, "http") + "/ws?token=" + token(t, uid, time.Hour)
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	c := &wsClient{t: t, ws: ws}
	c.expect(protocol.EventConnected)
	c.expect(protocol.EventOnlineUsers)
	return c
}

func (c *wsClient) send(event string, v any) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, protocol.MustEncode(event, v)))
}

// expect reads frames until event arrives, skipping everything else.
func (c *wsClient) expect(event string) json.RawMessage {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = c.ws.SetReadDeadline(deadline)
		_, b, err := c.ws.ReadMessage()
		require.NoError(c.t, err, "waiting for %s", event)
		env, err := protocol.Decode(b)
		require.NoError(c.t, err)
		if env.Event == event {
			return env.Data
		}
	}
}

// sync waits until every frame sent so far on c has been handled: frames
// on one connection are processed in order, and a forbidden join always
// answers.
func (c *wsClient) sync() {
	c.t.Helper()
	c.send(protocol.EventJoinConversation, protocol.JoinConversation{ConversationID: "p2p:900:901"})
	c.expect(protocol.EventMessageError)
}

func decodeInto[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestWSRejectsBadCredentialBeforeUpgrade(t *testing.T) {
	ts := startServer(t)
	base := "ws" + strings.TrimPrefix(ts.url, "http") + "/ws"

	for _, tc := range []struct {
		query  string
		reason string
	}{
		{"", "missing_credential"},
		{"?token=abc", "malformed_credential"},
		{"?token=" + token(t, 1, -time.Hour), "expired_credential"},
	} {
		_, resp, err := websocket.DefaultDialer.Dial(base+tc.query, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		var body map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		_ = resp.Body.Close()
		assert.Equal(t, tc.reason, body["error"])
	}
	assert.Equal(t, 0, ts.relay.Stats().Connections)
}

type downSessions struct{}

func (downSessions) SessionExists(context.Context, string) (bool, error) {
	return false, errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")
}

func TestWSSessionStoreOutageIsRetryable(t *testing.T) {
	st := store.NewMemory()
	r, err := New(Options{Store: st})
	require.NoError(t, err)
	v, err := auth.NewVerifier(auth.Options{
		Algorithm: "HS256", Secret: testSecret, Issuer: "campus-auth", Audience: "im-relay",
		Sessions: downSessions{},
	})
	require.NoError(t, err)
	mux := http.NewServeMux()
	NewServer(r, v, ServerOptions{}).Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws?token="+token(t, 1, time.Hour), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "session_unavailable", body["error"])

	status := doJSON(t, http.MethodGet, srv.URL+"/v1/presence/2", token(t, 1, time.Hour), nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestWSBearerHeader(t *testing.T) {
	ts := startServer(t)
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token(t, 1, time.Hour))
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.url, "http")+"/ws", h)
	require.NoError(t, err)
	defer ws.Close()

	c := &wsClient{t: t, ws: ws}
	got := decodeInto[protocol.Connected](t, c.expect(protocol.EventConnected))
	assert.Equal(t, int64(1), got.Identity)
	assert.Equal(t, "user-1", got.Name)
	assert.NotEmpty(t, got.ConnectionID)
}

func TestWSConversationEndToEnd(t *testing.T) {
	ts := startServer(t)
	alice := ts.dial(t, 1)
	bob := ts.dial(t, 2)

	alice.send(protocol.EventJoinConversation, protocol.JoinConversation{ConversationID: "p2p:1:2"})
	bob.send(protocol.EventJoinConversation, protocol.JoinConversation{ConversationID: "p2p:1:2"})
	alice.sync()
	bob.sync()

	bob.send(protocol.EventTypingStart, protocol.TypingStart{ConversationID: "p2p:1:2"})
	typing := decodeInto[protocol.UserTyping](t, alice.expect(protocol.EventUserTyping))
	assert.Equal(t, int64(2), typing.Identity)

	alice.send(protocol.EventSendMessage, protocol.SendMessage{ReceiverID: 2, Text: "hi", ClientID: "c1"})

	msg := decodeInto[protocol.Message](t, alice.expect(protocol.EventNewMessage))
	ack := decodeInto[protocol.MessageAck](t, alice.expect(protocol.EventMessageAck))
	del := decodeInto[protocol.MessageDelivered](t, alice.expect(protocol.EventMessageDelivered))
	assert.Equal(t, msg.ServerID, ack.ServerID)
	assert.Equal(t, ack.ServerID, del.ServerID)
	assert.Equal(t, "alice", msg.SenderName)

	got := decodeInto[protocol.Message](t, bob.expect(protocol.EventNewMessage))
	assert.Equal(t, "c1", got.ClientID)
	note := decodeInto[protocol.MessageNotification](t, bob.expect(protocol.EventMessageNotify))
	assert.Equal(t, "hi", note.Preview)

	bob.send(protocol.EventMarkMessagesRead, protocol.MarkMessagesRead{ConversationID: "p2p:1:2", MessageIDs: []int64{got.ServerID}, SenderID: 1})
	read := decodeInto[protocol.MessagesRead](t, alice.expect(protocol.EventMessagesMarkedRead))
	assert.Equal(t, []int64{got.ServerID}, read.MessageIDs)
	alice.expect(protocol.EventMessagesRead)
}

func doJSON(t *testing.T, method, url, bearer string, body any, out any) int {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestRESTHistoryAndRetraction(t *testing.T) {
	ts := startServer(t)
	alice := ts.dial(t, 1)
	bob := ts.dial(t, 2)

	alice.send(protocol.EventSendMessage, protocol.SendMessage{ReceiverID: 2, Text: "one", ClientID: "c1"})
	first := decodeInto[protocol.MessageAck](t, alice.expect(protocol.EventMessageAck))
	alice.send(protocol.EventSendMessage, protocol.SendMessage{ReceiverID: 2, Text: "two", ClientID: "c2"})
	second := decodeInto[protocol.MessageAck](t, alice.expect(protocol.EventMessageAck))
	bob.expect(protocol.EventMessageNotify)
	bob.expect(protocol.EventMessageNotify)

	var hist struct {
		ConversationID string             `json:"conversationId"`
		Messages       []protocol.Message `json:"messages"`
	}
	status := doJSON(t, http.MethodGet, ts.url+"/v1/conversations/1/messages?limit=10", token(t, 2, time.Hour), nil, &hist)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "p2p:1:2", hist.ConversationID)
	require.Len(t, hist.Messages, 2)
	assert.Equal(t, second.ServerID, hist.Messages[0].ServerID)

	status = doJSON(t, http.MethodGet, ts.url+"/v1/conversations/1/messages?before="+strconv.FormatInt(second.ServerID, 10), token(t, 2, time.Hour), nil, &hist)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, hist.Messages, 1)
	assert.Equal(t, first.ServerID, hist.Messages[0].ServerID)

	status = doJSON(t, http.MethodGet, ts.url+"/v1/conversations/1/messages", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	var e map[string]string
	status = doJSON(t, http.MethodPost, ts.url+"/v1/messages/"+strconv.FormatInt(first.ServerID, 10)+"/unsend", token(t, 2, time.Hour), nil, &e)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", e["error"])

	var unsent protocol.MessageUnsent
	status = doJSON(t, http.MethodPost, ts.url+"/v1/messages/"+strconv.FormatInt(first.ServerID, 10)+"/unsend", token(t, 1, time.Hour), nil, &unsent)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, first.ServerID, unsent.MessageID)
	assert.Equal(t, first.ServerID, decodeInto[protocol.MessageUnsent](t, alice.expect(protocol.EventMessageUnsent)).MessageID)
	assert.Equal(t, first.ServerID, decodeInto[protocol.MessageUnsent](t, bob.expect(protocol.EventMessageUnsent)).MessageID)

	status = doJSON(t, http.MethodPost, ts.url+"/v1/messages/999999/unsend", token(t, 1, time.Hour), nil, &e)
	assert.Equal(t, http.StatusNotFound, status)

	var deleted protocol.MessageDeleted
	status = doJSON(t, http.MethodPost, ts.url+"/v1/messages/"+strconv.FormatInt(second.ServerID, 10)+"/delete-for-me", token(t, 2, time.Hour), nil, &deleted)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, second.ServerID, decodeInto[protocol.MessageDeleted](t, bob.expect(protocol.EventMessageDeleted)).MessageID)

	status = doJSON(t, http.MethodGet, ts.url+"/v1/conversations/1/messages", token(t, 2, time.Hour), nil, &hist)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, hist.Messages)
}

func TestInternalFanOut(t *testing.T) {
	ts := startServer(t)
	alice := ts.dial(t, 1)
	bob := ts.dial(t, 2)

	body := map[string]any{"messageId": 77, "conversationId": "p2p:1:2"}
	status := doJSON(t, http.MethodPost, ts.url+"/internal/message-unsent", "", body, nil)
	assert.Equal(t, http.StatusForbidden, status)

	req, err := http.NewRequest(http.MethodPost, ts.url+"/internal/message-unsent", strings.NewReader(`{"messageId":77,"conversationId":"p2p:1:2"}`))
	require.NoError(t, err)
	req.Header.Set("X-Internal-Token", "s3cret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var out map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 2, out["reached"])
	assert.Equal(t, int64(77), decodeInto[protocol.MessageUnsent](t, alice.expect(protocol.EventMessageUnsent)).MessageID)
	assert.Equal(t, int64(77), decodeInto[protocol.MessageUnsent](t, bob.expect(protocol.EventMessageUnsent)).MessageID)

	req, err = http.NewRequest(http.MethodPost, ts.url+"/internal/message-deleted", strings.NewReader(`{"messageId":78,"conversationId":"p2p:1:2","identity":2}`))
	require.NoError(t, err)
	req.Header.Set("X-Internal-Token", "s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, int64(78), decodeInto[protocol.MessageDeleted](t, bob.expect(protocol.EventMessageDeleted)).MessageID)
}

func TestHealthz(t *testing.T) {
	ts := startServer(t)
	ts.dial(t, 1)
	ts.dial(t, 1)

	var body map[string]any
	status := doJSON(t, http.MethodGet, ts.url+"/healthz", "", nil, &body)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(2), body["connections"])
	assert.Equal(t, float64(1), body["identities"])
	assert.Contains(t, body, "uptimeSeconds")
}

func TestPresenceEndpoint(t *testing.T) {
	ts := startServer(t)
	ts.dial(t, 1)

	var st protocol.UserStatusChange
	status := doJSON(t, http.MethodGet, ts.url+"/v1/presence/1", token(t, 2, time.Hour), nil, &st)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, protocol.StatusOnline, st.Status)

	status = doJSON(t, http.MethodGet, ts.url+"/v1/presence/3", token(t, 2, time.Hour), nil, &st)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, protocol.StatusOffline, st.Status)
	assert.Nil(t, st.LastSeen)
}
