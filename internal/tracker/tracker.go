// Package tracker keeps the client side view of every server sync job: one registry per
// domain, the transition table that mutates them and the summary derived from them.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/noFAYZ/sync-tracker/internal/timer"
	"github.com/noFAYZ/sync-tracker/pkg/logger"
	"github.com/noFAYZ/sync-tracker/pkg/models"
	"github.com/sirupsen/logrus"
)

// DefaultMaxRetries is the retry limit applied to every domain
const DefaultMaxRetries = 3

// Update is delivered to subscribers after every committed mutation, in mutation order
type Update struct {
	Domain     models.Domain
	Entities   []models.EntitySyncState
	Removed    []string
	Connection *models.ConnectionStatus
	Summary    models.AggregateSummary
}

// Listener receives updates. It may read from the tracker but must not block for long.
type Listener func(Update)

// Clock is the time source of the tracker
type Clock interface {
	Now() time.Time
}

// Options configures a Tracker
type Options struct {
	Domains    []models.Domain
	MaxRetries int
	Resumer    Resumer
	Clock      Clock
	Logger     logrus.FieldLogger
}

type subscription struct {
	id     uint64
	domain models.Domain // empty for every domain
	fn     Listener
	active atomic.Bool
}

// Tracker is the single writer of all domain registries
type Tracker struct {
	mu          sync.Mutex
	registries  map[models.Domain]*Registry
	order       []*Registry
	connections map[models.Domain]models.ConnectionStatus
	summary     models.AggregateSummary

	subs       map[uint64]*subscription
	nextSub    uint64
	pending    []Update
	delivering bool

	dispatcher *Dispatcher
	resumer    Resumer
	maxRetries int
	clock      Clock
	logger     *logrus.Entry
}

// New creates a tracker with one empty registry per domain
func New(opts Options) *Tracker {
	domains := opts.Domains
	if len(domains) == 0 {
		domains = models.AllDomains
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	clock := opts.Clock
	if clock == nil {
		clock = timer.NewReal()
	}
	base := opts.Logger
	if base == nil {
		base = logger.Discard()
	}

	t := &Tracker{
		registries:  make(map[models.Domain]*Registry, len(domains)),
		connections: make(map[models.Domain]models.ConnectionStatus, len(domains)),
		subs:        make(map[uint64]*subscription),
		resumer:     opts.Resumer,
		maxRetries:  maxRetries,
		clock:       clock,
		logger:      logger.WithComponent(base, "tracker"),
	}
	for _, d := range domains {
		if _, dup := t.registries[d]; dup {
			continue
		}
		reg := NewRegistry(d)
		t.registries[d] = reg
		t.order = append(t.order, reg)
		t.connections[d] = models.ConnectionStatus{Domain: d, State: models.ConnectionDisconnected}
	}
	t.dispatcher = newDispatcher(t, t.logger)
	t.summary = Aggregate(t.order, t.connections, clock.Now())
	return t
}

// Domains lists the tracked domains in display order
func (t *Tracker) Domains() []models.Domain {
	out := make([]models.Domain, 0, len(t.order))
	for _, reg := range t.order {
		out = append(out, reg.Domain())
	}
	return out
}

// MaxRetries returns the retry limit
func (t *Tracker) MaxRetries() int {
	return t.maxRetries
}

// Dispatch applies one raw event received on the stream of source
func (t *Tracker) Dispatch(source models.Domain, raw models.RawEvent) DispatchResult {
	return t.dispatcher.Dispatch(source, raw)
}

// DispatchJSON decodes and applies one raw event
func (t *Tracker) DispatchJSON(source models.Domain, data []byte) DispatchResult {
	return t.dispatcher.DispatchJSON(source, data)
}

// Stats returns the dispatcher counters
func (t *Tracker) Stats() DispatchStats {
	return t.dispatcher.Stats()
}

func (t *Tracker) now() time.Time {
	return t.clock.Now()
}

func (t *Tracker) applyEvent(ev NormalizedEvent) (models.EntitySyncState, Outcome, error) {
	t.mu.Lock()
	reg, ok := t.registries[ev.Domain]
	if !ok {
		t.mu.Unlock()
		return models.EntitySyncState{}, 0, fmt.Errorf("%w: %s", ErrUnknownDomain, ev.Domain)
	}
	state, outcome := reg.apply(ev, t.now())
	if outcome.Mutated() {
		t.commitLocked(ev.Domain, state)
	}
	t.mu.Unlock()

	t.flush()
	return state, outcome, nil
}

// GetSnapshot returns every entity of a domain sorted by id
func (t *Tracker) GetSnapshot(domain models.Domain) ([]models.EntitySyncState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	reg, ok := t.registries[domain]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
	}
	return reg.Snapshot(), nil
}

// GetEntity returns one entity
func (t *Tracker) GetEntity(domain models.Domain, entityID string) (models.EntitySyncState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	reg, ok := t.registries[domain]
	if !ok {
		return models.EntitySyncState{}, fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
	}
	s, ok := reg.Get(entityID)
	if !ok {
		return models.EntitySyncState{}, fmt.Errorf("%w: %s/%s", ErrEntityNotFound, domain, entityID)
	}
	return s, nil
}

// GetAggregateSnapshot returns the summary as of the last committed mutation
func (t *Tracker) GetAggregateSnapshot() models.AggregateSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return cloneSummary(t.summary)
}

// Connections returns the connection status of every domain
func (t *Tracker) Connections() []models.ConnectionStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.ConnectionStatus, 0, len(t.order))
	for _, reg := range t.order {
		out = append(out, t.connections[reg.Domain()])
	}
	return out
}

// SetConnectionStatus records a Connection Manager transition
func (t *Tracker) SetConnectionStatus(status models.ConnectionStatus) {
	t.mu.Lock()
	if _, ok := t.registries[status.Domain]; !ok {
		t.mu.Unlock()
		return
	}
	t.connections[status.Domain] = status
	t.summary = Aggregate(t.order, t.connections, t.now())
	conn := status
	t.pending = append(t.pending, Update{
		Domain:     status.Domain,
		Connection: &conn,
		Summary:    cloneSummary(t.summary),
	})
	t.mu.Unlock()
	t.flush()
}

// Clear deletes one entity. It is the only way to drop an entity that ran out of retries.
func (t *Tracker) Clear(domain models.Domain, entityID string) error {
	t.mu.Lock()
	reg, ok := t.registries[domain]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
	}
	if !reg.Clear(entityID) {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrEntityNotFound, domain, entityID)
	}
	t.commitRemovalLocked(domain, []string{entityID})
	t.mu.Unlock()
	t.flush()
	return nil
}

// ClearDomain deletes every entity of a domain
func (t *Tracker) ClearDomain(domain models.Domain) error {
	t.mu.Lock()
	reg, ok := t.registries[domain]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
	}
	if removed := reg.ClearAll(); len(removed) > 0 {
		t.commitRemovalLocked(domain, removed)
	}
	t.mu.Unlock()
	t.flush()
	return nil
}

// Subscribe registers fn for updates of one domain. The returned func disposes it and
// stops every later delivery.
func (t *Tracker) Subscribe(domain models.Domain, fn Listener) (unsubscribe func()) {
	return t.subscribe(domain, fn)
}

// SubscribeAll registers fn for updates of every domain
func (t *Tracker) SubscribeAll(fn Listener) (unsubscribe func()) {
	return t.subscribe("", fn)
}

func (t *Tracker) subscribe(domain models.Domain, fn Listener) func() {
	sub := &subscription{domain: domain, fn: fn}
	sub.active.Store(true)

	t.mu.Lock()
	t.nextSub++
	id := t.nextSub
	sub.id = id
	t.subs[id] = sub
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.active.Store(false)
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		})
	}
}

// commitLocked queues the update for a changed entity. Callers hold t.mu.
func (t *Tracker) commitLocked(domain models.Domain, state models.EntitySyncState) {
	t.summary = Aggregate(t.order, t.connections, t.now())
	t.pending = append(t.pending, Update{
		Domain:   domain,
		Entities: []models.EntitySyncState{state.Clone()},
		Summary:  cloneSummary(t.summary),
	})
}

func (t *Tracker) commitRemovalLocked(domain models.Domain, removed []string) {
	t.summary = Aggregate(t.order, t.connections, t.now())
	t.pending = append(t.pending, Update{
		Domain:  domain,
		Removed: removed,
		Summary: cloneSummary(t.summary),
	})
}

// flush delivers queued updates outside the state lock. Only one goroutine delivers at a
// time, so listeners observe updates in commit order.
func (t *Tracker) flush() {
	t.mu.Lock()
	if t.delivering {
		t.mu.Unlock()
		return
	}
	t.delivering = true
	for len(t.pending) > 0 {
		batch := t.pending
		t.pending = nil
		subs := make([]*subscription, 0, len(t.subs))
		for _, sub := range t.subs {
			subs = append(subs, sub)
		}
		sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })
		t.mu.Unlock()

		for _, u := range batch {
			for _, sub := range subs {
				if sub.domain != "" && sub.domain != u.Domain {
					continue
				}
				if !sub.active.Load() {
					continue
				}
				t.deliver(sub, u)
			}
		}

		t.mu.Lock()
	}
	t.delivering = false
	t.mu.Unlock()
}

func (t *Tracker) deliver(sub *subscription, u Update) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.WithField("panic", r).WithField("domain", u.Domain).Error("Listener panicked")
		}
	}()
	sub.fn(u)
}

// Snapshot captures every registry for persistence
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := Snapshot{
		Version: SnapshotVersion,
		SavedAt: t.now(),
		Domains: make(map[models.Domain][]models.EntitySyncState, len(t.order)),
	}
	for _, reg := range t.order {
		snap.Domains[reg.Domain()] = reg.Snapshot()
	}
	return snap
}

// Persist writes the current registries to store
func (t *Tracker) Persist(ctx context.Context, store SnapshotStore) error {
	snap := t.Snapshot()
	if err := store.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("failed to persist snapshot: %w", err)
	}
	t.logger.WithField("entities", snap.Len()).Debug("Snapshot persisted")
	return nil
}

// Restore loads registries previously written by Persist. A missing snapshot is not an error.
func (t *Tracker) Restore(ctx context.Context, store SnapshotStore) (int, error) {
	snap, err := store.LoadSnapshot(ctx)
	if errors.Is(err, ErrNoSnapshot) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if snap.Version > SnapshotVersion {
		return 0, fmt.Errorf("snapshot version %d is newer than supported %d", snap.Version, SnapshotVersion)
	}

	restored := 0
	t.mu.Lock()
	for _, reg := range t.order {
		states, ok := snap.Domains[reg.Domain()]
		if !ok || len(states) == 0 {
			continue
		}
		restored += reg.Restore(states)
		t.summary = Aggregate(t.order, t.connections, t.now())
		t.pending = append(t.pending, Update{
			Domain:   reg.Domain(),
			Entities: reg.Snapshot(),
			Summary:  cloneSummary(t.summary),
		})
	}
	t.mu.Unlock()
	t.flush()

	t.logger.WithFields(logrus.Fields{
		"entities": restored,
		"saved_at": snap.SavedAt,
	}).Info("Snapshot restored")
	return restored, nil
}

func cloneSummary(s models.AggregateSummary) models.AggregateSummary {
	out := s
	if s.LastSyncTime != nil {
		t := *s.LastSyncTime
		out.LastSyncTime = &t
	}
	if s.LastTerminalTime != nil {
		t := *s.LastTerminalTime
		out.LastTerminalTime = &t
	}
	out.Domains = make(map[models.Domain]models.DomainSummary, len(s.Domains))
	for d, ds := range s.Domains {
		out.Domains[d] = ds
	}
	return out
}
