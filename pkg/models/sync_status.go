package models

import "time"

// EntitySyncState is the sync record of one synchronizable entity
// (a wallet, a bank account or an integration connection)
type EntitySyncState struct {
	EntityID      string     `json:"entityId"`
	Domain        Domain     `json:"domain"`
	Status        Status     `json:"status"`
	Progress      int        `json:"progress"` // 0-100 percentage
	Message       string     `json:"message,omitempty"`
	Error         string     `json:"error,omitempty"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	LastSuccessAt *time.Time `json:"lastSuccessAt,omitempty"`
	RetryCount    int        `json:"retryCount"`
	RetryRejected bool       `json:"retryRejected,omitempty"`
	SyncedData    []string   `json:"syncedData,omitempty"`
	JobID         JobID      `json:"jobId,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy safe to hand to readers
func (s EntitySyncState) Clone() EntitySyncState {
	out := s
	out.StartedAt = cloneTime(s.StartedAt)
	out.CompletedAt = cloneTime(s.CompletedAt)
	out.LastSuccessAt = cloneTime(s.LastSuccessAt)
	if s.SyncedData != nil {
		out.SyncedData = append([]string(nil), s.SyncedData...)
	}
	return out
}

// Elapsed is the running time of the current attempt, frozen at completion
func (s EntitySyncState) Elapsed(now time.Time) time.Duration {
	if s.StartedAt == nil {
		return 0
	}
	end := now
	if s.CompletedAt != nil {
		end = *s.CompletedAt
	}
	if end.Before(*s.StartedAt) {
		return 0
	}
	return end.Sub(*s.StartedAt)
}

// Retryable reports whether a manual retry may still be offered
func (s EntitySyncState) Retryable(maxRetries int) bool {
	return s.Status == StatusFailed && s.RetryCount < maxRetries
}

// RetryExhausted reports the terminal "max retries reached" condition
func (s EntitySyncState) RetryExhausted(maxRetries int) bool {
	return s.Status == StatusFailed && s.RetryCount >= maxRetries
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
