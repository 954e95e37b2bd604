package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/noFAYZ/sync-tracker/internal/timer"
	"github.com/noFAYZ/sync-tracker/internal/tracker"
	"github.com/noFAYZ/sync-tracker/pkg/logger"
	"github.com/noFAYZ/sync-tracker/pkg/models"
	"github.com/sirupsen/logrus"
)

// ErrHeartbeatTimeout is recorded when no heartbeat arrived within the watchdog window
var ErrHeartbeatTimeout = errors.New("heartbeat timeout")

const (
	defaultReconnectInitial = time.Second
	defaultReconnectMax     = 30 * time.Second
	defaultHeartbeatTimeout = 30 * time.Second
)

// Dispatcher receives the events read from a stream
type Dispatcher interface {
	Dispatch(source models.Domain, raw models.RawEvent) tracker.DispatchResult
	DispatchJSON(source models.Domain, data []byte) tracker.DispatchResult
}

// Options configures a Manager
type Options struct {
	Domain           models.Domain
	Source           Source
	Dispatcher       Dispatcher
	Timer            timer.Service
	HeartbeatTimeout time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	// OnStatus is called under the manager lock on every status change.
	// It must not call back into the Manager.
	OnStatus func(models.ConnectionStatus)
	Logger   logrus.FieldLogger
}

// Manager owns the push subscription of one domain
type Manager struct {
	mu       sync.Mutex
	opts     Options
	logger   *logrus.Entry
	status   models.ConnectionStatus
	ctx      context.Context
	cancel   context.CancelFunc
	backoff  timer.Token
	watchdog timer.Token

	// generation is bumped whenever a session ends. Goroutines and timers
	// carrying an older generation are ignored.
	generation uint64
	watchSeq   uint64
	wg         sync.WaitGroup
}

// NewManager creates a disconnected manager
func NewManager(opts Options) *Manager {
	if opts.Timer == nil {
		opts.Timer = timer.NewReal()
	}
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = defaultReconnectInitial
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = defaultReconnectMax
	}
	if opts.ReconnectMax < opts.ReconnectInitial {
		opts.ReconnectMax = opts.ReconnectInitial
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	base := opts.Logger
	if base == nil {
		base = logger.Discard()
	}

	return &Manager{
		opts:   opts,
		logger: logger.WithDomain(logger.WithComponent(base, "connection"), opts.Domain),
		status: models.ConnectionStatus{
			Domain: opts.Domain,
			State:  models.ConnectionDisconnected,
		},
	}
}

// Domain served by this manager
func (m *Manager) Domain() models.Domain {
	return m.opts.Domain
}

// Status returns a copy of the current connection status
func (m *Manager) Status() models.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyStatus(m.status)
}

// IsConnected reports an open, live subscription
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.Connected()
}

// Connect opens the subscription. It is a no-op while connecting or connected.
// ctx bounds the whole session including reconnects.
func (m *Manager) Connect(ctx context.Context) error {
	if m.opts.Source == nil {
		return fmt.Errorf("connection %s: no event source configured", m.opts.Domain)
	}
	if m.opts.Dispatcher == nil {
		return fmt.Errorf("connection %s: no dispatcher configured", m.opts.Domain)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status.State != models.ConnectionDisconnected {
		return nil
	}
	m.status.ManuallyClosed = false
	m.ctx = ctx
	m.stopTimersLocked()
	m.startLocked()
	return nil
}

// Disconnect closes the subscription without reconnecting.
// Once it returns no further events from this domain reach the dispatcher.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.generation++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.stopTimersLocked()

	m.status.State = models.ConnectionDisconnected
	m.status.ManuallyClosed = true
	m.status.ReconnectAttempts = 0
	m.logger.Info("Disconnected")
	m.emitLocked()
}

// Stop disconnects and waits for the stream goroutine to exit
func (m *Manager) Stop() {
	m.Disconnect()
	m.wg.Wait()
}

func (m *Manager) startLocked() {
	m.generation++
	gen := m.generation

	streamCtx, cancel := context.WithCancel(m.ctx)
	m.cancel = cancel
	m.status.State = models.ConnectionConnecting
	m.emitLocked()

	m.wg.Add(1)
	go m.run(streamCtx, gen)
}

func (m *Manager) run(ctx context.Context, gen uint64) {
	defer m.wg.Done()

	stream, err := m.opts.Source.Open(ctx, m.opts.Domain)
	if err != nil {
		m.fail(gen, fmt.Errorf("open stream: %w", err))
		return
	}
	defer stream.Close()

	if !m.opened(gen) {
		return
	}

	for {
		data, err := stream.Recv(ctx)
		if err != nil {
			m.fail(gen, err)
			return
		}
		if !m.deliver(gen, data) {
			return
		}
	}
}

func (m *Manager) opened(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.generation {
		return false
	}
	now := m.opts.Timer.Now()
	m.status.State = models.ConnectionConnected
	m.status.ConnectedAt = &now
	m.status.ReconnectAttempts = 0
	m.status.LastError = ""
	m.armWatchdogLocked(gen)
	m.logger.Info("Connected")
	m.emitLocked()
	return true
}

// deliver hands one event to the dispatcher under the manager lock
func (m *Manager) deliver(gen uint64, data []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.generation {
		return false
	}

	var raw models.RawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		// counted as malformed by the dispatcher
		m.opts.Dispatcher.DispatchJSON(m.opts.Domain, data)
		return true
	}

	result := m.opts.Dispatcher.Dispatch(m.opts.Domain, raw)
	if result.Kind == tracker.ResultControl {
		now := m.opts.Timer.Now()
		m.status.LastHeartbeat = &now
		if raw.TotalConnections != nil {
			m.status.TotalConnections = *raw.TotalConnections
		}
		m.armWatchdogLocked(gen)
		m.emitLocked()
	}
	return true
}

func (m *Manager) fail(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failLocked(gen, err)
}

func (m *Manager) failLocked(gen uint64, err error) {
	if gen != m.generation || m.status.ManuallyClosed {
		return
	}

	m.generation++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.stopTimersLocked()

	m.status.State = models.ConnectionDisconnected
	m.status.LastError = err.Error()

	if m.ctx.Err() != nil {
		m.logger.WithError(err).Info("Stream ended with its context")
		m.emitLocked()
		return
	}

	delay := Backoff(m.opts.ReconnectInitial, m.opts.ReconnectMax, m.status.ReconnectAttempts)
	m.status.ReconnectAttempts++
	next := m.generation
	m.backoff = m.opts.Timer.AfterFunc(delay, func() {
		m.reconnect(next)
	})

	m.logger.WithError(err).WithFields(logrus.Fields{
		"attempt": m.status.ReconnectAttempts,
		"delay":   delay,
	}).Warn("Stream lost, reconnecting")
	m.emitLocked()
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.generation || m.status.ManuallyClosed || m.status.State != models.ConnectionDisconnected {
		return
	}
	if m.ctx.Err() != nil {
		return
	}
	m.backoff = nil
	m.startLocked()
}

func (m *Manager) armWatchdogLocked(gen uint64) {
	if m.watchdog != nil {
		m.watchdog.Cancel()
	}
	m.watchSeq++
	seq := m.watchSeq
	m.watchdog = m.opts.Timer.AfterFunc(m.opts.HeartbeatTimeout, func() {
		m.expire(gen, seq)
	})
}

func (m *Manager) expire(gen, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if seq != m.watchSeq || m.status.State != models.ConnectionConnected {
		return
	}
	m.failLocked(gen, ErrHeartbeatTimeout)
}

func (m *Manager) stopTimersLocked() {
	if m.backoff != nil {
		m.backoff.Cancel()
		m.backoff = nil
	}
	if m.watchdog != nil {
		m.watchdog.Cancel()
		m.watchdog = nil
	}
	m.watchSeq++
}

func (m *Manager) emitLocked() {
	if m.opts.OnStatus != nil {
		m.opts.OnStatus(copyStatus(m.status))
	}
}

// Backoff returns initial * 2^attempt capped at max
func Backoff(initial, max time.Duration, attempt int) time.Duration {
	d := initial
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}

func copyStatus(s models.ConnectionStatus) models.ConnectionStatus {
	if s.ConnectedAt != nil {
		t := *s.ConnectedAt
		s.ConnectedAt = &t
	}
	if s.LastHeartbeat != nil {
		t := *s.LastHeartbeat
		s.LastHeartbeat = &t
	}
	return s
}
