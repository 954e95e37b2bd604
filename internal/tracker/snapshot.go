package tracker

import (
	"context"
	"errors"
	"time"

	"github.com/noFAYZ/sync-tracker/pkg/models"
)

// SnapshotVersion is bumped whenever the persisted layout changes incompatibly
const SnapshotVersion = 1

// ErrNoSnapshot is returned by stores that hold nothing yet
var ErrNoSnapshot = errors.New("no snapshot stored")

// Snapshot is the serialized form of every registry
type Snapshot struct {
	Version int                                        `json:"version"`
	SavedAt time.Time                                  `json:"savedAt"`
	Domains map[models.Domain][]models.EntitySyncState `json:"domains"`
}

// Len counts the entities across domains
func (s Snapshot) Len() int {
	n := 0
	for _, states := range s.Domains {
		n += len(states)
	}
	return n
}

// SnapshotStore is the explicit persistence boundary of the tracker
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	LoadSnapshot(ctx context.Context) (Snapshot, error)
}
