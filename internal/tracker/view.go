package tracker

import (
	"github.com/noFAYZ/sync-tracker/pkg/models"
)

// EntityView decorates an entity with what consumers display next to it
type EntityView struct {
	models.EntitySyncState
	Label          string `json:"label"`
	Retryable      bool   `json:"retryable"`
	RetryExhausted bool   `json:"retryExhausted"`
	ElapsedSeconds int    `json:"elapsedSeconds"`
}

// View decorates one entity
func (t *Tracker) View(s models.EntitySyncState) EntityView {
	return EntityView{
		EntitySyncState: s,
		Label:           Label(s.Domain, s.Status),
		Retryable:       s.Retryable(t.maxRetries),
		RetryExhausted:  s.RetryExhausted(t.maxRetries),
		ElapsedSeconds:  int(s.Elapsed(t.now()).Seconds()),
	}
}

// Views decorates a snapshot
func (t *Tracker) Views(states []models.EntitySyncState) []EntityView {
	out := make([]EntityView, 0, len(states))
	for _, s := range states {
		out = append(out, t.View(s))
	}
	return out
}

// Elapsed returns running seconds of every running entity of a domain
func (t *Tracker) Elapsed(domain models.Domain) map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	reg, ok := t.registries[domain]
	if !ok {
		return nil
	}
	now := t.now()
	out := make(map[string]int)
	reg.each(func(s *models.EntitySyncState) {
		if s.Status.IsRunning() && s.StartedAt != nil {
			out[s.EntityID] = int(s.Elapsed(now).Seconds())
		}
	})
	return out
}
