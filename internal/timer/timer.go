// Package timer issues cancellable one-shot and periodic timers.
// A cancelled Token never fires afterwards, even when its timer was already due.
package timer

import (
	"sync"
	"sync/atomic"
	"time"
)

// Token cancels the timer it was returned for. Cancel is idempotent.
type Token interface {
	Cancel()
}

// Service schedules callbacks
type Service interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Token
	Every(d time.Duration, fn func()) Token
}

type token struct {
	cancelled atomic.Bool
	once      sync.Once
	stop      func()
}

func (t *token) Cancel() {
	t.cancelled.Store(true)
	t.once.Do(func() {
		if t.stop != nil {
			t.stop()
		}
	})
}

func (t *token) active() bool {
	return !t.cancelled.Load()
}

// Real is backed by the runtime timers
type Real struct{}

// NewReal returns the wall clock service
func NewReal() *Real {
	return &Real{}
}

func (Real) Now() time.Time {
	return time.Now()
}

func (Real) AfterFunc(d time.Duration, fn func()) Token {
	tok := &token{}
	t := time.AfterFunc(d, func() {
		if tok.active() {
			fn()
		}
	})
	tok.stop = func() { t.Stop() }
	return tok
}

func (Real) Every(d time.Duration, fn func()) Token {
	tok := &token{}
	if d <= 0 {
		tok.Cancel()
		return tok
	}
	done := make(chan struct{})
	tok.stop = func() { close(done) }

	ticker := time.NewTicker(d)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if !tok.active() {
					return
				}
				fn()
			}
		}
	}()
	return tok
}
