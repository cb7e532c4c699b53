package hub

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yuim/im-relay/internal/auth"
	"yuim/im-relay/internal/room"
)

func TestHubSetGetDel(t *testing.T) {
	h := New(4)
	a := NewConn("a", nil, auth.Principal{UserID: 1}, Options{}, zap.NewNop())
	b := NewConn("b", nil, auth.Principal{UserID: 2}, Options{}, zap.NewNop())

	h.Set(a)
	h.Set(a)
	h.Set(b)
	assert.Equal(t, 2, h.Len())

	got, ok := h.Get("a")
	require.True(t, ok)
	assert.Equal(t, int64(1), got.UserID())

	seen := map[string]bool{}
	h.Each(func(m room.Member) { seen[m.ID()] = true })
	assert.Equal(t, map[string]bool{"a": true, "b": true}, seen)

	h.Del("a")
	h.Del("a")
	assert.Equal(t, 1, h.Len())
	_, ok = h.Get("a")
	assert.False(t, ok)
}

func TestConnSendBackpressure(t *testing.T) {
	c := NewConn("c", nil, auth.Principal{UserID: 1}, Options{QueueSize: 2}, zap.NewNop())
	assert.True(t, c.Send([]byte("1")))
	assert.True(t, c.Send([]byte("2")))
	assert.False(t, c.Send([]byte("3")), "full queue drops instead of blocking")

	c.Close()
	assert.False(t, c.Send([]byte("4")))
	c.Close()
}

func TestConnRooms(t *testing.T) {
	c := NewConn("c", nil, auth.Principal{UserID: 1}, Options{}, zap.NewNop())
	assert.True(t, c.AddRoom("user-1"))
	assert.False(t, c.AddRoom("user-1"))
	assert.True(t, c.AddRoom("conversation-p2p:1:2"))
	assert.Equal(t, []string{"conversation-p2p:1:2", "user-1"}, c.Rooms())
	assert.True(t, c.RemoveRoom("user-1"))
	assert.False(t, c.RemoveRoom("user-1"))
}

func TestConnRateLimit(t *testing.T) {
	c := NewConn("c", nil, auth.Principal{UserID: 1}, Options{RatePerSecond: 0.001, RateBurst: 2}, zap.NewNop())
	assert.True(t, c.Allow())
	assert.True(t, c.Allow())
	assert.False(t, c.Allow())
}

// serve upgrades one connection and runs it, echoing inbound frames back.
func serve(t *testing.T, p auth.Principal, opts Options) (*websocket.Conn, chan struct{}) {
	t.Helper()
	closed := make(chan struct{})
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewConn("srv", ws, p, opts, zap.NewNop())
		c.Serve(func(b []byte) { c.Send(append([]byte("echo:"), b...)) })
		close(closed)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws, closed
}

func TestConnServeEchoAndClose(t *testing.T) {
	ws, closed := serve(t, auth.Principal{UserID: 1}, Options{})

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("hi")))
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", string(b))

	_ = ws.Close()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("server side did not observe transport close")
	}
}

func TestConnClosesWhenCredentialExpires(t *testing.T) {
	ws, closed := serve(t, auth.Principal{UserID: 1, ExpiresAt: time.Now().Add(100 * time.Millisecond)}, Options{})

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CloseCredentialExpired, ce.Code)
	assert.Equal(t, "expired_credential", ce.Text)

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not close")
	}
}
