package hub

import (
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"yuim/im-relay/internal/auth"
	"yuim/im-relay/internal/metrics"
	"yuim/im-relay/pkg/protocol"
)

// CloseCredentialExpired is the websocket close code sent when the
// connection's credential runs out. Clients log in again instead of retrying.
const CloseCredentialExpired = protocol.CloseCredentialExpired

type Options struct {
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongWait       time.Duration
	QueueSize      int
	MaxMessageSize int64
	RatePerSecond  float64
	RateBurst      int
}

func (o Options) withDefaults() Options {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 << 10
	}
	if o.RatePerSecond <= 0 {
		o.RatePerSecond = 20
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 40
	}
	return o
}

// Conn is one authenticated websocket session. Outbound frames go through a
// bounded queue drained by a single writer goroutine; a full queue drops the
// frame for this connection only.
type Conn struct {
	id        string
	principal auth.Principal
	ws        *websocket.Conn
	opts      Options
	log       *zap.Logger
	limiter   *rate.Limiter

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	rooms map[string]struct{}
}

func NewConn(id string, ws *websocket.Conn, p auth.Principal, opts Options, log *zap.Logger) *Conn {
	opts = opts.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Conn{
		id:        id,
		principal: p,
		ws:        ws,
		opts:      opts,
		log:       log.With(zap.String("conn", id), zap.Int64("identity", p.UserID)),
		limiter:   rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.RateBurst),
		out:       make(chan []byte, opts.QueueSize),
		done:      make(chan struct{}),
		rooms:     make(map[string]struct{}),
	}
}

func (c *Conn) ID() string                { return c.id }
func (c *Conn) UserID() int64             { return c.principal.UserID }
func (c *Conn) Name() string              { return c.principal.Name }
func (c *Conn) Principal() auth.Principal { return c.principal }
func (c *Conn) Done() <-chan struct{}     { return c.done }

// Send queues frame without blocking.
func (c *Conn) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- frame:
		metrics.WSPushOK.Inc()
		return true
	default:
		metrics.WSPushBackpressure.Inc()
		c.log.Warn("outbound queue full, frame dropped")
		return false
	}
}

// Allow applies the inbound rate limit.
func (c *Conn) Allow() bool { return c.limiter.Allow() }

// AddRoom records membership so it can be undone on disconnect.
func (c *Conn) AddRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[room]; ok {
		return false
	}
	c.rooms[room] = struct{}{}
	return true
}

func (c *Conn) RemoveRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[room]; !ok {
		return false
	}
	delete(c.rooms, room)
	return true
}

func (c *Conn) Rooms() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

// Close tears the connection down; the read loop then returns.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}

// CloseWith sends a close frame with code and reason before closing.
func (c *Conn) CloseWith(code int, reason string) {
	if c.ws != nil {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteTimeout))
	}
	c.Close()
}

// Serve runs the connection until the transport closes: the write loop in a
// goroutine, the read loop on the caller's goroutine. onFrame is called for
// every inbound text frame, in order.
func (c *Conn) Serve(onFrame func([]byte)) {
	go c.writeLoop()
	defer c.Close()

	if !c.principal.ExpiresAt.IsZero() {
		t := time.AfterFunc(time.Until(c.principal.ExpiresAt), func() {
			c.log.Info("credential expired, closing")
			c.CloseWith(CloseCredentialExpired, auth.ErrExpiredCredential.Error())
		})
		defer t.Stop()
	}

	c.ws.SetReadLimit(c.opts.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Info("read failed", zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		if mt != websocket.TextMessage {
			continue
		}
		onFrame(data)
	}
}

func (c *Conn) writeLoop() {
	ping := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ping.Stop()
		c.Close()
	}()
	for {
		select {
		case <-c.done:
			return
		case b := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				return
			}
		}
	}
}
