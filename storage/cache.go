package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"board-sync/domain"
)

type snapshotBackend interface {
	FetchBoardSnapshot(ctx context.Context, boardID string) (domain.BoardSnapshot, error)
}

// Cache wraps a Storage instance with Redis-backed caching of board
// snapshots. Handlers invalidate a board's entry after any mutation touching
// it; the change feed makes other clients refetch, which re-primes the cache.
type Cache struct {
	*Storage
	base  snapshotBackend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Storage wrapper using the provided Redis client
// and TTL. When base is a Storage, the cache registers itself as its
// invalidator so the stale entry is dropped before any change event goes out.
func NewCache(base snapshotBackend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	c := &Cache{base: base, redis: client, ttl: ttl}
	if s, ok := base.(*Storage); ok {
		c.Storage = s
		s.inv = c
	}
	return c
}

// FetchBoardSnapshot serves from Redis when possible, falling back to the
// backing storage on a miss or any cache error.
func (c *Cache) FetchBoardSnapshot(ctx context.Context, boardID string) (domain.BoardSnapshot, error) {
	if snap, ok := c.loadFromCache(ctx, boardID); ok {
		return snap, nil
	}
	snap, err := c.base.FetchBoardSnapshot(ctx, boardID)
	if err != nil {
		return domain.BoardSnapshot{}, err
	}
	c.store(ctx, boardID, snap)
	return snap, nil
}

// InvalidateBoard drops the cached snapshot for one board.
func (c *Cache) InvalidateBoard(ctx context.Context, boardID string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, snapshotCacheKey(boardID)).Err()
}

func (c *Cache) loadFromCache(ctx context.Context, boardID string) (domain.BoardSnapshot, bool) {
	if c.redis == nil {
		return domain.BoardSnapshot{}, false
	}
	data, err := c.redis.Get(ctx, snapshotCacheKey(boardID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, snapshotCacheKey(boardID)).Err()
		}
		return domain.BoardSnapshot{}, false
	}
	var snap domain.BoardSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		_ = c.redis.Del(ctx, snapshotCacheKey(boardID)).Err()
		return domain.BoardSnapshot{}, false
	}
	return snap, true
}

func (c *Cache) store(ctx context.Context, boardID string, snap domain.BoardSnapshot) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, snapshotCacheKey(boardID), data, c.ttl).Err()
}

func snapshotCacheKey(boardID string) string {
	return "board-snapshot:" + boardID
}
