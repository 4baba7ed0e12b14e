package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loopmarket/loop-engine/internal/graph"
)

const redisKeyPrefix = "loopengine:snapshot:"

// RedisStore implements Store on Redis, one JSON value per tenant. A
// zero TTL keeps snapshots until overwritten or deleted.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore creates a Redis-backed snapshot store.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStore) Save(ctx context.Context, snap *graph.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot for %s: %w", snap.TenantID, err)
	}
	return s.rdb.Set(ctx, snapshotKey(snap.TenantID), data, s.ttl).Err()
}

func (s *RedisStore) Load(ctx context.Context, tenantID string) (*graph.Snapshot, error) {
	data, err := s.rdb.Get(ctx, snapshotKey(tenantID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", tenantID, err)
	}

	var snap graph.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot for %s: %w", tenantID, err)
	}
	return &snap, nil
}

func (s *RedisStore) Tenants(ctx context.Context) ([]string, error) {
	var (
		cursor uint64
		out    []string
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, redisKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			out = append(out, k[len(redisKeyPrefix):])
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	sort.Strings(out)
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, tenantID string) error {
	return s.rdb.Del(ctx, snapshotKey(tenantID)).Err()
}

func snapshotKey(tenantID string) string { return redisKeyPrefix + tenantID }
