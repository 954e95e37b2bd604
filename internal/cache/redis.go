package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/noFAYZ/sync-tracker/internal/tracker"
	"github.com/noFAYZ/sync-tracker/pkg/config"
	"github.com/noFAYZ/sync-tracker/pkg/models"
	"github.com/sirupsen/logrus"
)

// RedisClient stores tracker snapshots in Redis so several processes can share them
type RedisClient struct {
	client *redis.Client
	logger *logrus.Entry
	cfg    *config.RedisConfig
	ttl    time.Duration
	prefix string
}

// NewRedisClient creates a new Redis client
func NewRedisClient(cfg *config.RedisConfig, logger logrus.FieldLogger) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolTimeout:  4 * time.Second,
		IdleTimeout:  5 * time.Minute,
		MaxRetries:   2,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisClient{
		client: client,
		logger: logger.WithField("component", "redis"),
		cfg:    cfg,
		ttl:    cfg.SnapshotTTL,
		prefix: cfg.KeyPrefix,
	}, nil
}

// Close closes the Redis connection
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

// Health checks Redis health
func (rc *RedisClient) Health(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

func (rc *RedisClient) snapshotKey() string {
	return snapshotKey(rc.prefix)
}

func snapshotKey(prefix string) string {
	return fmt.Sprintf("%s:snapshot", prefix)
}

func entitiesKey(prefix string, domain models.Domain) string {
	return fmt.Sprintf("%s:entities:%s", prefix, domain)
}

// SaveSnapshot writes the whole snapshot plus one hash of entities per domain, keyed by
// entity id for readers that only need a single entity, in one transaction
func (rc *RedisClient) SaveSnapshot(ctx context.Context, snap tracker.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	pipe := rc.client.TxPipeline()
	pipe.Set(ctx, rc.snapshotKey(), data, rc.ttl)
	for domain, states := range snap.Domains {
		key := entitiesKey(rc.prefix, domain)
		pipe.Del(ctx, key)
		if len(states) == 0 {
			continue
		}
		fields := make(map[string]interface{}, len(states))
		for _, s := range states {
			encoded, err := json.Marshal(s)
			if err != nil {
				return fmt.Errorf("failed to marshal entity %s: %w", s.EntityID, err)
			}
			fields[s.EntityID] = encoded
		}
		pipe.HSet(ctx, key, fields)
		if rc.ttl > 0 {
			pipe.Expire(ctx, key, rc.ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	rc.logger.WithField("entities", snap.Len()).Debug("Snapshot saved")
	return nil
}

// LoadSnapshot returns tracker.ErrNoSnapshot when nothing was saved or it expired
func (rc *RedisClient) LoadSnapshot(ctx context.Context) (tracker.Snapshot, error) {
	var snap tracker.Snapshot
	found, err := rc.GetJSON(ctx, rc.snapshotKey(), &snap)
	if err != nil {
		return tracker.Snapshot{}, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if !found {
		return tracker.Snapshot{}, tracker.ErrNoSnapshot
	}
	return snap, nil
}

// GetJSON retrieves and decodes a JSON value
func (rc *RedisClient) GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := rc.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal value: %w", err)
	}

	return true, nil
}
