package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"yuim/im-relay/internal/metrics"
	"yuim/im-relay/pkg/protocol"
)

var (
	ErrTimeout     = errors.New("store: timeout")
	ErrBreakerOpen = fmt.Errorf("%w: circuit open", ErrUnavailable)
)

type GuardOptions struct {
	Timeout time.Duration
	Breaker *Breaker // optional
	Log     *zap.Logger
}

// Guarded bounds every call to the wrapped store with a timeout, records
// latency, and sheds load while the breaker for that operation is open.
// NotFound, Forbidden and Invalid answers do not count as failures.
type Guarded struct {
	inner   Store
	timeout time.Duration
	br      *Breaker
	log     *zap.Logger
}

func Guard(inner Store, opt GuardOptions) *Guarded {
	if opt.Timeout <= 0 {
		opt.Timeout = 3 * time.Second
	}
	if opt.Log == nil {
		opt.Log = zap.NewNop()
	}
	return &Guarded{inner: inner, timeout: opt.Timeout, br: opt.Breaker, log: opt.Log}
}

func (g *Guarded) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if g.br != nil && !g.br.Allow(op) {
		return ErrBreakerOpen
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %s after %s", ErrTimeout, op, g.timeout)
	}
	if g.br == nil {
		return err
	}
	switch {
	case err == nil || Permanent(err):
		g.br.Success(op)
	default:
		if g.br.Failure(op) {
			metrics.BreakerOpen.Inc()
			g.log.Warn("store breaker opened", zap.String("op", op), zap.Error(err))
		}
	}
	return err
}

func (g *Guarded) CreateMessage(ctx context.Context, p CreateParams) (m *protocol.Message, err error) {
	err = g.do(ctx, "create", func(ctx context.Context) error {
		m, err = g.inner.CreateMessage(ctx, p)
		return err
	})
	return m, err
}

func (g *Guarded) DeleteMessageForEveryone(ctx context.Context, messageID, actor int64) (m *protocol.Message, err error) {
	err = g.do(ctx, "unsend", func(ctx context.Context) error {
		m, err = g.inner.DeleteMessageForEveryone(ctx, messageID, actor)
		return err
	})
	return m, err
}

func (g *Guarded) DeleteMessageForSelf(ctx context.Context, messageID, actor int64) (m *protocol.Message, err error) {
	err = g.do(ctx, "delete_for_me", func(ctx context.Context) error {
		m, err = g.inner.DeleteMessageForSelf(ctx, messageID, actor)
		return err
	})
	return m, err
}

func (g *Guarded) FetchConversationHistory(ctx context.Context, conversationID string, page Page) (out []protocol.Message, err error) {
	err = g.do(ctx, "history", func(ctx context.Context) error {
		out, err = g.inner.FetchConversationHistory(ctx, conversationID, page)
		return err
	})
	return out, err
}
