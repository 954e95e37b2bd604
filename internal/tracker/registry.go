package tracker

import (
	"sort"
	"time"

	"github.com/noFAYZ/sync-tracker/pkg/models"
)

// Registry holds the sync state of every entity of one domain.
// It is not safe for concurrent use; the Tracker serializes access.
type Registry struct {
	domain   models.Domain
	entities map[string]*models.EntitySyncState
}

// NewRegistry creates an empty registry for domain
func NewRegistry(domain models.Domain) *Registry {
	return &Registry{
		domain:   domain,
		entities: make(map[string]*models.EntitySyncState),
	}
}

// Domain returns the owning domain
func (r *Registry) Domain() models.Domain {
	return r.domain
}

// Get returns a copy of one entity
func (r *Registry) Get(entityID string) (models.EntitySyncState, bool) {
	s, ok := r.entities[entityID]
	if !ok {
		return models.EntitySyncState{}, false
	}
	return s.Clone(), true
}

// Len returns the number of tracked entities
func (r *Registry) Len() int {
	return len(r.entities)
}

// Snapshot returns a deep copy of every entity sorted by id
func (r *Registry) Snapshot() []models.EntitySyncState {
	out := make([]models.EntitySyncState, 0, len(r.entities))
	for _, s := range r.entities {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// each visits entities without copying; fn must not retain or modify them
func (r *Registry) each(fn func(*models.EntitySyncState)) {
	for _, s := range r.entities {
		fn(s)
	}
}

// apply runs ev through the transition table and stores the result
func (r *Registry) apply(ev NormalizedEvent, now time.Time) (models.EntitySyncState, Outcome) {
	current := r.entities[ev.EntityID]
	next, outcome := Apply(current, ev, now)
	if outcome.Mutated() {
		stored := next.Clone()
		r.entities[ev.EntityID] = &stored
	}
	return next, outcome
}

// put replaces an entity wholesale, used by the retry controller
func (r *Registry) put(s models.EntitySyncState) {
	stored := s.Clone()
	r.entities[s.EntityID] = &stored
}

// Clear removes one entity and reports whether it existed
func (r *Registry) Clear(entityID string) bool {
	if _, ok := r.entities[entityID]; !ok {
		return false
	}
	delete(r.entities, entityID)
	return true
}

// ClearAll removes every entity and returns the removed ids
func (r *Registry) ClearAll() []string {
	ids := make([]string, 0, len(r.entities))
	for id := range r.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	r.entities = make(map[string]*models.EntitySyncState)
	return ids
}

// Restore loads persisted entities, skipping ones of other domains or without an id
func (r *Registry) Restore(states []models.EntitySyncState) int {
	n := 0
	for _, s := range states {
		if s.EntityID == "" || (s.Domain != "" && s.Domain != r.domain) {
			continue
		}
		s.Domain = r.domain
		r.put(s)
		n++
	}
	return n
}
