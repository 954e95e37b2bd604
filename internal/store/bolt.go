// Package store persists tracker snapshots in a local BoltDB file.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/noFAYZ/sync-tracker/internal/tracker"
	"github.com/noFAYZ/sync-tracker/pkg/models"
	bolt "go.etcd.io/bbolt"
)

// Bucket names
var (
	bucketSnapshots = []byte("snapshots")
	bucketEntities  = []byte("entities")
)

var keyLatest = []byte("latest")

// BoltStore implements tracker.SnapshotStore. An empty path keeps the snapshot in memory only.
type BoltStore struct {
	db *bolt.DB
	mu sync.RWMutex

	// memory-only mode
	latest []byte
}

// NewBoltStore opens (or creates) the database at path. A leading ~ expands to the home directory.
func NewBoltStore(path string) (*BoltStore, error) {
	if path == "" {
		return &BoltStore{}, nil
	}

	path, err := expandHome(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketSnapshots, bucketEntities} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

func (s *BoltStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SaveSnapshot replaces the stored snapshot. Entities are also written one key per
// "<domain>/<entityId>" so a single entity can be read without decoding everything.
func (s *BoltStore) SaveSnapshot(ctx context.Context, snap tracker.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if s.db == nil {
		s.mu.Lock()
		s.latest = data
		s.mu.Unlock()
		return nil
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketSnapshots).Put(keyLatest, data); err != nil {
			return err
		}

		// rebuild the entity index from scratch
		if err := tx.DeleteBucket(bucketEntities); err != nil {
			return err
		}
		entities, err := tx.CreateBucket(bucketEntities)
		if err != nil {
			return err
		}
		for domain, states := range snap.Domains {
			for _, st := range states {
				encoded, err := json.Marshal(st)
				if err != nil {
					return err
				}
				if err := entities.Put(entityKey(domain, st.EntityID), encoded); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// LoadSnapshot returns tracker.ErrNoSnapshot when nothing was saved yet
func (s *BoltStore) LoadSnapshot(ctx context.Context) (tracker.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return tracker.Snapshot{}, err
	}

	var data []byte
	if s.db == nil {
		s.mu.RLock()
		data = s.latest
		s.mu.RUnlock()
	} else {
		s.db.View(func(tx *bolt.Tx) error {
			if v := tx.Bucket(bucketSnapshots).Get(keyLatest); v != nil {
				data = make([]byte, len(v))
				copy(data, v)
			}
			return nil
		})
	}

	if data == nil {
		return tracker.Snapshot{}, tracker.ErrNoSnapshot
	}
	var snap tracker.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return tracker.Snapshot{}, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return snap, nil
}

// Entity reads one persisted entity
func (s *BoltStore) Entity(domain models.Domain, entityID string) (models.EntitySyncState, bool, error) {
	if s.db == nil {
		snap, err := s.LoadSnapshot(context.Background())
		if err != nil {
			return models.EntitySyncState{}, false, nil
		}
		for _, st := range snap.Domains[domain] {
			if st.EntityID == entityID {
				return st, true, nil
			}
		}
		return models.EntitySyncState{}, false, nil
	}

	var data []byte
	s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketEntities).Get(entityKey(domain, entityID)); v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if data == nil {
		return models.EntitySyncState{}, false, nil
	}

	var st models.EntitySyncState
	if err := json.Unmarshal(data, &st); err != nil {
		return models.EntitySyncState{}, false, fmt.Errorf("failed to unmarshal entity: %w", err)
	}
	return st, true, nil
}

func entityKey(domain models.Domain, entityID string) []byte {
	return []byte(string(domain) + "/" + entityID)
}
