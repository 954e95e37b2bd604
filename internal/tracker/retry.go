package tracker

import (
	"context"
	"fmt"

	"github.com/noFAYZ/sync-tracker/pkg/logger"
	"github.com/noFAYZ/sync-tracker/pkg/models"
)

// ResumeRequest asks the server to resume the sync of a failed entity
type ResumeRequest struct {
	Domain        models.Domain `json:"domain"`
	EntityID      string        `json:"entityId"`
	PreviousJobID models.JobID  `json:"previousJobId,omitempty"`
	Attempt       int           `json:"attempt"`
}

// ResumeAck is the server acknowledgement of a resume request
type ResumeAck struct {
	JobID   models.JobID `json:"jobId,omitempty"`
	Message string       `json:"message,omitempty"`
}

// Resumer performs the "resume sync" round trip. Errors mean the server did not accept it.
type Resumer interface {
	Resume(ctx context.Context, req ResumeRequest) (ResumeAck, error)
}

// RetryOutcome is the discriminant of a RetryResult
type RetryOutcome int

const (
	RetryAccepted RetryOutcome = iota + 1
	RetryRejected
	RetryLimitExceeded
	RetryNotApplicable
)

func (o RetryOutcome) String() string {
	switch o {
	case RetryAccepted:
		return "accepted"
	case RetryRejected:
		return "rejected"
	case RetryLimitExceeded:
		return "limit_exceeded"
	case RetryNotApplicable:
		return "not_applicable"
	default:
		return "unknown"
	}
}

// MarshalText renders the outcome name in JSON responses
func (o RetryOutcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// RetryResult is returned by every retry command
type RetryResult struct {
	Outcome RetryOutcome           `json:"outcome"`
	Entity  models.EntitySyncState `json:"entity"`
	JobID   models.JobID           `json:"jobId,omitempty"`
}

// Retry re-queues a failed entity and asks the server to resume it.
// The queued transition is applied before the round trip and reverted if the server refuses.
func (t *Tracker) Retry(ctx context.Context, domain models.Domain, entityID string) (RetryResult, error) {
	log := logger.WithEntity(t.logger, domain, entityID)

	t.mu.Lock()
	reg, ok := t.registries[domain]
	if !ok {
		t.mu.Unlock()
		return RetryResult{}, fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
	}
	original, ok := reg.Get(entityID)
	if !ok {
		t.mu.Unlock()
		return RetryResult{}, fmt.Errorf("%w: %s/%s", ErrEntityNotFound, domain, entityID)
	}
	if original.Status != models.StatusFailed {
		t.mu.Unlock()
		return RetryResult{Outcome: RetryNotApplicable, Entity: original}, nil
	}
	if original.RetryCount >= t.maxRetries {
		t.mu.Unlock()
		log.WithField("retry_count", original.RetryCount).Info("Retry refused, limit reached")
		return RetryResult{Outcome: RetryLimitExceeded, Entity: original},
			fmt.Errorf("%w: %d of %d", ErrRetryLimitExceeded, original.RetryCount, t.maxRetries)
	}

	queued := reopen(original)
	queued.UpdatedAt = t.now()
	reg.put(queued)
	t.commitLocked(domain, queued)
	t.mu.Unlock()
	t.flush()

	log.WithField("attempt", queued.RetryCount).Info("Retry requested")

	if t.resumer == nil {
		return RetryResult{Outcome: RetryAccepted, Entity: queued}, nil
	}

	ack, err := t.resumer.Resume(ctx, ResumeRequest{
		Domain:        domain,
		EntityID:      entityID,
		PreviousJobID: original.JobID,
		Attempt:       queued.RetryCount,
	})

	t.mu.Lock()
	current, exists := reg.Get(entityID)
	// Server events may have moved the entity on during the round trip
	inAttempt := exists &&
		current.Status == models.StatusQueued &&
		current.RetryCount == queued.RetryCount &&
		current.JobID == queued.JobID

	if err != nil {
		if inAttempt {
			reverted := original.Clone()
			reverted.RetryCount = queued.RetryCount
			reverted.RetryRejected = true
			reverted.UpdatedAt = t.now()
			reg.put(reverted)
			t.commitLocked(domain, reverted)
			current = reverted
		}
		t.mu.Unlock()
		t.flush()

		log.WithError(err).Warn("Resume request rejected")
		return RetryResult{Outcome: RetryRejected, Entity: current}, fmt.Errorf("%w: %v", ErrResumeRejected, err)
	}

	if inAttempt && ack.JobID.NewerThan(current.JobID) {
		current.JobID = ack.JobID
		current.UpdatedAt = t.now()
		reg.put(current)
		t.commitLocked(domain, current)
	}
	t.mu.Unlock()
	t.flush()

	log.WithField("job_id", ack.JobID).Info("Resume acknowledged")
	return RetryResult{Outcome: RetryAccepted, Entity: current, JobID: ack.JobID}, nil
}

// RetryEntity retries an entity by id alone, resolving its domain
func (t *Tracker) RetryEntity(ctx context.Context, entityID string) (RetryResult, error) {
	t.mu.Lock()
	var found []models.Domain
	for _, reg := range t.order {
		if _, ok := reg.Get(entityID); ok {
			found = append(found, reg.Domain())
		}
	}
	t.mu.Unlock()

	switch len(found) {
	case 0:
		return RetryResult{}, fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
	case 1:
		return t.Retry(ctx, found[0], entityID)
	default:
		return RetryResult{}, fmt.Errorf("%w: %s in %v", ErrAmbiguousEntity, entityID, found)
	}
}
