package models

import "strings"

// Status is the canonical sync status shared by every domain.
// Domain specific wording lives in the tracker vocabularies and is presentation only.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusSyncing    Status = "syncing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"

	syncingPrefix = "syncing_"
)

// SyncingStatus builds the syncing_<subresource> status
func SyncingStatus(subresource string) Status {
	subresource = strings.ToLower(strings.TrimSpace(subresource))
	if subresource == "" {
		return StatusSyncing
	}
	return Status(syncingPrefix + subresource)
}

// Subresource returns the X of syncing_X, or "" for any other status
func (s Status) Subresource() string {
	if strings.HasPrefix(string(s), syncingPrefix) {
		return strings.TrimPrefix(string(s), syncingPrefix)
	}
	return ""
}

// IsSyncing reports syncing and every syncing_X sub-status
func (s Status) IsSyncing() bool {
	return s == StatusSyncing || (strings.HasPrefix(string(s), syncingPrefix) && len(s) > len(syncingPrefix))
}

// IsActive reports whether work is queued or in progress
func (s Status) IsActive() bool {
	return s == StatusQueued || s.IsRunning()
}

// IsRunning reports active statuses past queued
func (s Status) IsRunning() bool {
	return s == StatusProcessing || s.IsSyncing()
}

// IsTerminal reports completed and failed
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s belongs to the canonical vocabulary
func (s Status) Valid() bool {
	return s.IsActive() || s.IsTerminal()
}

func (s Status) String() string {
	return string(s)
}
