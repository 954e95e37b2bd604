// Package connection owns the push-event subscription of each domain: opening the stream,
// heartbeat liveness, reconnect backoff and delivery into the tracker.
package connection

import (
	"context"
	"errors"
	"sync"

	"github.com/noFAYZ/sync-tracker/pkg/models"
)

// ErrStreamClosed is returned by Recv once the server ended the stream
var ErrStreamClosed = errors.New("event stream closed")

// Stream yields raw JSON events. Recv must return when ctx is cancelled.
type Stream interface {
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Source opens event streams for a domain
type Source interface {
	Open(ctx context.Context, domain models.Domain) (Stream, error)
}

// ChanSource is an in-memory Source. Events are pushed with Send.
type ChanSource struct {
	mu       sync.Mutex
	buffer   int
	streams  map[models.Domain]*chanStream
	opens    map[models.Domain]int
	failures map[models.Domain][]error
}

// NewChanSource creates a source whose streams buffer up to buffer events
func NewChanSource(buffer int) *ChanSource {
	return &ChanSource{
		buffer:   buffer,
		streams:  make(map[models.Domain]*chanStream),
		opens:    make(map[models.Domain]int),
		failures: make(map[models.Domain][]error),
	}
}

func (s *ChanSource) Open(ctx context.Context, domain models.Domain) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.opens[domain]++
	if queued := s.failures[domain]; len(queued) > 0 {
		err := queued[0]
		s.failures[domain] = queued[1:]
		return nil, err
	}
	if old, ok := s.streams[domain]; ok {
		old.closeOnce()
	}
	st := &chanStream{
		source: s,
		domain: domain,
		events: make(chan []byte, s.buffer),
		broken: make(chan error, 1),
		done:   make(chan struct{}),
	}
	s.streams[domain] = st
	return st, nil
}

// Send pushes one event to the open stream of domain. It reports false when no stream is open.
func (s *ChanSource) Send(ctx context.Context, domain models.Domain, data []byte) bool {
	s.mu.Lock()
	st, ok := s.streams[domain]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case st.events <- data:
		return true
	case <-st.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Break ends the open stream of domain with err, as a transport failure would
func (s *ChanSource) Break(domain models.Domain, err error) {
	s.mu.Lock()
	st, ok := s.streams[domain]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case st.broken <- err:
	default:
	}
}

// FailNext makes the next Open of domain fail with err
func (s *ChanSource) FailNext(domain models.Domain, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[domain] = append(s.failures[domain], err)
}

// Opens counts Open calls for domain
func (s *ChanSource) Opens(domain models.Domain) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens[domain]
}

// Connected reports whether domain has an open stream
func (s *ChanSource) Connected(domain models.Domain) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.streams[domain]
	return ok
}

type chanStream struct {
	source *ChanSource
	domain models.Domain
	events chan []byte
	broken chan error
	done   chan struct{}
	once   sync.Once
}

func (c *chanStream) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrStreamClosed
	case err := <-c.broken:
		return nil, err
	case data := <-c.events:
		return data, nil
	}
}

func (c *chanStream) Close() error {
	c.source.mu.Lock()
	if c.source.streams[c.domain] == c {
		delete(c.source.streams, c.domain)
	}
	c.source.mu.Unlock()
	c.closeOnce()
	return nil
}

func (c *chanStream) closeOnce() {
	c.once.Do(func() { close(c.done) })
}
