package tracker

import (
	"time"

	"github.com/noFAYZ/sync-tracker/pkg/models"
)

// Outcome is what a transition did to an entity
type Outcome int

const (
	OutcomeCreated Outcome = iota + 1
	OutcomeApplied
	OutcomeDuplicate
	OutcomeStale
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeApplied:
		return "applied"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeStale:
		return "stale"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Mutated reports whether the registry entry changed
func (o Outcome) Mutated() bool {
	return o == OutcomeCreated || o == OutcomeApplied
}

const defaultFailureError = "sync failed"

// Apply runs one event through the transition table. It never modifies current.
// A nil current means the entity has not been seen yet.
func Apply(current *models.EntitySyncState, ev NormalizedEvent, now time.Time) (models.EntitySyncState, Outcome) {
	if current == nil {
		// Only queued is a valid initial status; the event is applied on top of it
		fresh := models.EntitySyncState{
			EntityID:  ev.EntityID,
			Domain:    ev.Domain,
			Status:    models.StatusQueued,
			UpdatedAt: now,
		}
		next, _ := transition(fresh, ev, now)
		next.UpdatedAt = now
		return next, OutcomeCreated
	}

	cur := current.Clone()
	if ev.JobID.OlderThan(cur.JobID) {
		return cur, OutcomeStale
	}
	next, outcome := transition(cur, ev, now)
	if outcome == OutcomeApplied {
		next.UpdatedAt = now
	}
	return next, outcome
}

func transition(cur models.EntitySyncState, ev NormalizedEvent, now time.Time) (models.EntitySyncState, Outcome) {
	newer := ev.JobID.NewerThan(cur.JobID)

	if cur.Status.IsTerminal() {
		switch {
		case ev.Status == models.StatusQueued:
			// A queued event replayed for the run that just closed is late, not a retry
			if !ev.JobID.IsZero() && ev.JobID == cur.JobID {
				return cur, OutcomeRejected
			}
			next := reopen(cur)
			adoptJob(&next, ev.JobID)
			setMessage(&next, ev.Message)
			return next, OutcomeApplied
		case ev.Status == cur.Status && !newer:
			return cur, OutcomeDuplicate
		case newer:
			next := reopen(cur)
			adoptJob(&next, ev.JobID)
			return applyToActive(next, ev)
		default:
			return cur, OutcomeRejected
		}
	}

	if ev.Status == models.StatusQueued {
		if !newer {
			if cur.Status == models.StatusQueued && setMessage(&cur, ev.Message) {
				return cur, OutcomeApplied
			}
			return cur, OutcomeDuplicate
		}
		next := resetRun(cur)
		next.Status = models.StatusQueued
		adoptJob(&next, ev.JobID)
		setMessage(&next, ev.Message)
		return next, OutcomeApplied
	}

	if newer && !cur.JobID.IsZero() {
		// The server moved on to another attempt while this one was still open
		cur = resetRun(cur)
	}
	adoptJob(&cur, ev.JobID)
	next, changed := applyActiveEvent(cur, ev)
	if !changed && !newer {
		return next, OutcomeDuplicate
	}
	return next, OutcomeApplied
}

// applyToActive applies an event to an entry that was just reset to queued
func applyToActive(cur models.EntitySyncState, ev NormalizedEvent) (models.EntitySyncState, Outcome) {
	next, _ := applyActiveEvent(cur, ev)
	return next, OutcomeApplied
}

// applyActiveEvent applies a non-queued event to an active entry and reports whether anything changed
func applyActiveEvent(cur models.EntitySyncState, ev NormalizedEvent) (models.EntitySyncState, bool) {
	next := cur.Clone()
	changed := false

	switch {
	case ev.Status == models.StatusCompleted:
		next.Status = models.StatusCompleted
		next.Progress = 100
		next.Error = ""
		at := ev.Time
		next.CompletedAt = &at
		success := ev.Time
		next.LastSuccessAt = &success
		if ev.SyncedData != nil {
			next.SyncedData = append([]string(nil), ev.SyncedData...)
		}
		setMessage(&next, ev.Message)
		return next, true

	case ev.Status == models.StatusFailed:
		next.Status = models.StatusFailed
		next.Error = ev.Error
		if next.Error == "" {
			next.Error = defaultFailureError
		}
		at := ev.Time
		next.CompletedAt = &at
		setMessage(&next, ev.Message)
		return next, true

	case ev.Status.IsRunning():
		if next.Status != ev.Status {
			next.Status = ev.Status
			changed = true
		}
		if next.StartedAt == nil {
			at := ev.Time
			next.StartedAt = &at
			changed = true
		}
	}

	if ev.Progress != nil {
		if p := clampProgress(*ev.Progress); p > next.Progress {
			next.Progress = p
			changed = true
		}
	}
	if setMessage(&next, ev.Message) {
		changed = true
	}
	return next, changed
}

// reopen is the only exit from a terminal status
func reopen(cur models.EntitySyncState) models.EntitySyncState {
	next := resetRun(cur)
	next.Status = models.StatusQueued
	next.RetryCount = cur.RetryCount + 1
	next.RetryRejected = false
	return next
}

// resetRun clears everything that belongs to one attempt
func resetRun(cur models.EntitySyncState) models.EntitySyncState {
	next := cur.Clone()
	next.Progress = 0
	next.Error = ""
	next.Message = ""
	next.SyncedData = nil
	next.StartedAt = nil
	next.CompletedAt = nil
	return next
}

func adoptJob(s *models.EntitySyncState, job models.JobID) {
	if job.NewerThan(s.JobID) {
		s.JobID = job
	}
}

func setMessage(s *models.EntitySyncState, msg string) bool {
	if msg == "" || msg == s.Message {
		return false
	}
	s.Message = msg
	return true
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
