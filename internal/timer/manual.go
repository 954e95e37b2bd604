package timer

import (
	"sort"
	"sync"
	"time"
)

// Manual is a fake clock. Timers only fire from Advance, on the caller's goroutine.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	pending []*manualTimer
}

type manualTimer struct {
	tok      *token
	seq      uint64
	when     time.Time
	interval time.Duration
	fn       func()
}

// NewManual starts the fake clock at start
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) AfterFunc(d time.Duration, fn func()) Token {
	return m.schedule(d, 0, fn)
}

func (m *Manual) Every(d time.Duration, fn func()) Token {
	if d <= 0 {
		tok := &token{}
		tok.Cancel()
		return tok
	}
	return m.schedule(d, d, fn)
}

func (m *Manual) schedule(d, interval time.Duration, fn func()) Token {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	mt := &manualTimer{
		tok:      &token{},
		seq:      m.seq,
		when:     m.now.Add(d),
		interval: interval,
		fn:       fn,
	}
	mt.tok.stop = func() { m.remove(mt) }
	m.pending = append(m.pending, mt)
	return mt.tok
}

func (m *Manual) remove(target *manualTimer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, mt := range m.pending {
		if mt == target {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return
		}
	}
}

// Advance moves the clock forward, firing every timer that falls due in order.
// Callbacks may schedule or cancel timers.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		next := m.nextDue(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		m.now = next.when
		if next.interval > 0 {
			next.when = next.when.Add(next.interval)
		} else {
			m.removeLocked(next)
		}
		m.mu.Unlock()

		if next.tok.active() {
			next.fn()
		}
	}
}

// Pending returns the number of scheduled timers
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Manual) nextDue(target time.Time) *manualTimer {
	if len(m.pending) == 0 {
		return nil
	}
	sort.SliceStable(m.pending, func(i, j int) bool {
		if m.pending[i].when.Equal(m.pending[j].when) {
			return m.pending[i].seq < m.pending[j].seq
		}
		return m.pending[i].when.Before(m.pending[j].when)
	})
	if m.pending[0].when.After(target) {
		return nil
	}
	return m.pending[0]
}

func (m *Manual) removeLocked(target *manualTimer) {
	for i, mt := range m.pending {
		if mt == target {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return
		}
	}
}
