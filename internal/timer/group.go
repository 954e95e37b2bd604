package timer

import (
	"sync"
	"time"
)

// Group tracks every token it issues so an owner can dispose them together.
// Timers requested after Cancel are born cancelled.
type Group struct {
	svc Service

	mu       sync.Mutex
	tokens   map[*groupToken]struct{}
	disposed bool
}

type groupToken struct {
	group *Group
	inner Token
}

func (g *groupToken) Cancel() {
	g.inner.Cancel()
	g.group.forget(g)
}

// NewGroup wraps svc
func NewGroup(svc Service) *Group {
	return &Group{
		svc:    svc,
		tokens: make(map[*groupToken]struct{}),
	}
}

func (g *Group) Now() time.Time {
	return g.svc.Now()
}

func (g *Group) AfterFunc(d time.Duration, fn func()) Token {
	gt := &groupToken{group: g}
	g.track(gt, func() Token {
		return g.svc.AfterFunc(d, func() {
			g.forget(gt)
			fn()
		})
	})
	return gt
}

func (g *Group) Every(d time.Duration, fn func()) Token {
	gt := &groupToken{group: g}
	g.track(gt, func() Token {
		return g.svc.Every(d, fn)
	})
	return gt
}

func (g *Group) track(gt *groupToken, start func() Token) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.disposed {
		tok := &token{}
		tok.Cancel()
		gt.inner = tok
		return
	}
	gt.inner = start()
	g.tokens[gt] = struct{}{}
}

func (g *Group) forget(gt *groupToken) {
	g.mu.Lock()
	delete(g.tokens, gt)
	g.mu.Unlock()
}

// Len returns the number of live tokens
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tokens)
}

// Cancel disposes every outstanding token
func (g *Group) Cancel() {
	g.mu.Lock()
	g.disposed = true
	tokens := g.tokens
	g.tokens = make(map[*groupToken]struct{})
	g.mu.Unlock()

	for gt := range tokens {
		gt.inner.Cancel()
	}
}
