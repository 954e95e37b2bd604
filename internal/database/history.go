package database

import (
	"context"
	"sync"
	"time"

	"github.com/noFAYZ/sync-tracker/internal/tracker"
	"github.com/noFAYZ/sync-tracker/pkg/models"
	"github.com/sirupsen/logrus"
)

// HistoryRecord is one terminal transition of an entity
type HistoryRecord struct {
	ID            int64         `json:"id,omitempty"`
	Domain        models.Domain `json:"domain"`
	EntityID      string        `json:"entityId"`
	JobID         models.JobID  `json:"jobId,omitempty"`
	Status        models.Status `json:"status"`
	Progress      int           `json:"progress"`
	RetryCount    int           `json:"retryCount"`
	RetryRejected bool          `json:"retryRejected,omitempty"`
	Error         string        `json:"error,omitempty"`
	SyncedData    []string      `json:"syncedData,omitempty"`
	StartedAt     *time.Time    `json:"startedAt,omitempty"`
	CompletedAt   time.Time     `json:"completedAt"`
	DurationMs    int64         `json:"durationMs"`
	RecordedAt    time.Time     `json:"recordedAt"`
}

// HistoryStore persists history records
type HistoryStore interface {
	RecordTransition(ctx context.Context, rec HistoryRecord) error
}

// DefaultHistoryQueue is the recorder buffer size
const DefaultHistoryQueue = 1024

type terminalKey struct {
	status      models.Status
	completedAt time.Time
	jobID       models.JobID
}

// HistoryRecorder turns tracker updates into history rows. Observe never blocks,
// writes happen on the Run goroutine.
type HistoryRecorder struct {
	store  HistoryStore
	logger *logrus.Entry
	now    func() time.Time
	queue  chan HistoryRecord

	mu      sync.Mutex
	seen    map[models.Domain]map[string]terminalKey
	dropped int
}

// NewHistoryRecorder creates a recorder writing to store
func NewHistoryRecorder(store HistoryStore, queue int, logger logrus.FieldLogger) *HistoryRecorder {
	if queue <= 0 {
		queue = DefaultHistoryQueue
	}
	return &HistoryRecorder{
		store:  store,
		logger: logger.WithField("component", "history"),
		now:    time.Now,
		queue:  make(chan HistoryRecord, queue),
		seen:   make(map[models.Domain]map[string]terminalKey),
	}
}

// Observe is a tracker.Listener. Only changes of the terminal outcome are enqueued.
func (h *HistoryRecorder) Observe(u tracker.Update) {
	h.mu.Lock()
	defer h.mu.Unlock()

	seen := h.seen[u.Domain]
	if seen == nil {
		seen = make(map[string]terminalKey)
		h.seen[u.Domain] = seen
	}
	for _, id := range u.Removed {
		delete(seen, id)
	}

	for _, s := range u.Entities {
		if !s.Status.IsTerminal() || s.CompletedAt == nil {
			continue
		}
		key := terminalKey{status: s.Status, completedAt: *s.CompletedAt, jobID: s.JobID}
		if prev, ok := seen[s.EntityID]; ok && prev == key {
			continue
		}
		seen[s.EntityID] = key

		select {
		case h.queue <- recordFrom(s, h.now()):
		default:
			h.dropped++
			h.logger.WithField("entity_id", s.EntityID).Warn("History queue full, dropping record")
		}
	}
}

// Dropped reports how many records were lost to a full queue
func (h *HistoryRecorder) Dropped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Run writes queued records until ctx is cancelled, then drains what is left
func (h *HistoryRecorder) Run(ctx context.Context) {
	for {
		select {
		case rec := <-h.queue:
			h.write(ctx, rec)
		case <-ctx.Done():
			h.drain()
			return
		}
	}
}

func (h *HistoryRecorder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case rec := <-h.queue:
			h.write(ctx, rec)
		default:
			return
		}
	}
}

func (h *HistoryRecorder) write(ctx context.Context, rec HistoryRecord) {
	if err := h.store.RecordTransition(ctx, rec); err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"domain":    rec.Domain,
			"entity_id": rec.EntityID,
			"status":    rec.Status,
		}).Error("Failed to record sync history")
	}
}

func recordFrom(s models.EntitySyncState, now time.Time) HistoryRecord {
	rec := HistoryRecord{
		Domain:        s.Domain,
		EntityID:      s.EntityID,
		JobID:         s.JobID,
		Status:        s.Status,
		Progress:      s.Progress,
		RetryCount:    s.RetryCount,
		RetryRejected: s.RetryRejected,
		Error:         s.Error,
		SyncedData:    append([]string(nil), s.SyncedData...),
		CompletedAt:   *s.CompletedAt,
		RecordedAt:    now,
	}
	if s.StartedAt != nil {
		started := *s.StartedAt
		rec.StartedAt = &started
		rec.DurationMs = s.Elapsed(now).Milliseconds()
	}
	return rec
}
