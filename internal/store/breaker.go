package store

import (
	"sync"
	"time"
)

// Breaker trips per store operation. Threshold failures inside Window open
// the operation for OpenFor; after that a single probe is let through and
// its outcome either closes the operation or opens it again.
type Breaker struct {
	opt BreakerOptions
	now func() time.Time

	mu  sync.Mutex
	ops map[string]*opState
}

type BreakerOptions struct {
	Threshold int
	Window    time.Duration
	OpenFor   time.Duration
}

type opState struct {
	fails     int
	since     time.Time // first failure of the current window
	openUntil time.Time
	probing   bool
}

func NewBreaker(opt BreakerOptions) *Breaker {
	if opt.Threshold <= 0 {
		opt.Threshold = 5
	}
	if opt.Window <= 0 {
		opt.Window = 10 * time.Second
	}
	if opt.OpenFor <= 0 {
		opt.OpenFor = 5 * time.Second
	}
	return &Breaker{opt: opt, now: time.Now, ops: make(map[string]*opState)}
}

// Allow reports whether op may call the store now.
func (b *Breaker) Allow(op string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.ops[op]
	switch {
	case s == nil || s.openUntil.IsZero():
		return true
	case b.now().Before(s.openUntil), s.probing:
		return false
	default:
		s.probing = true
		return true
	}
}

// Success closes op.
func (b *Breaker) Success(op string) {
	b.mu.Lock()
	delete(b.ops, op)
	b.mu.Unlock()
}

// Failure counts a failure and reports whether it opened op. A failed probe
// reopens immediately.
func (b *Breaker) Failure(op string) (opened bool) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.ops[op]
	if s != nil && s.probing {
		s.probing = false
		s.openUntil = now.Add(b.opt.OpenFor)
		return true
	}
	if s == nil || (s.openUntil.IsZero() && now.Sub(s.since) > b.opt.Window) {
		s = &opState{since: now}
		b.ops[op] = s
	}
	s.fails++
	if s.fails >= b.opt.Threshold && !now.Before(s.openUntil) {
		s.openUntil = now.Add(b.opt.OpenFor)
		return true
	}
	return false
}
