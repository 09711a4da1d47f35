package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"protracker/board"
	"protracker/domain"
)

const viewCachePrefix = "view:"

// Cache wraps a Backend with Redis-backed caching of view reads. Cached
// contents are per scope because the same key returns different tasks for
// different actors.
type Cache struct {
	base  Backend
	redis *redis.Client
	ttl   time.Duration
	scope string
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base Backend, client *redis.Client, ttl time.Duration, scope string) *Cache {
	if base == nil {
		panic("storage.NewCache: base backend is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl, scope: scope}
}

func (c *Cache) FetchView(ctx context.Context, key board.ViewKey) ([]domain.Task, error) {
	if tasks, ok := c.loadView(ctx, key); ok {
		return tasks, nil
	}

	tasks, err := c.base.FetchView(ctx, key)
	if err != nil {
		return nil, err
	}

	c.storeView(ctx, key, tasks)
	return tasks, nil
}

// UpdateStatus writes through and then drops every cached view, for every
// scope, since any of them may list the task.
func (c *Cache) UpdateStatus(ctx context.Context, taskID string, status domain.Status) error {
	if err := c.base.UpdateStatus(ctx, taskID, status); err != nil {
		return err
	}

	c.evictAll(ctx)
	return nil
}

func (c *Cache) loadView(ctx context.Context, key board.ViewKey) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	ck := viewCacheKey(c.scope, key)
	data, err := c.redis.Get(ctx, ck).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, ck).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, ck).Err()
		return nil, false
	}
	return tasks, true
}

func (c *Cache) storeView(ctx context.Context, key board.ViewKey, tasks []domain.Task) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(tasks)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, viewCacheKey(c.scope, key), data, c.ttl).Err()
}

func (c *Cache) evictAll(ctx context.Context) {
	if c.redis == nil {
		return
	}
	iter := c.redis.Scan(ctx, 0, viewCachePrefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if len(keys) > 0 {
		_, _ = c.redis.Del(ctx, keys...).Result()
	}
}

func viewCacheKey(scope string, key board.ViewKey) string {
	return viewCachePrefix + scope + ":" + string(key)
}
