package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/danielbech/machi-os-sub000/domain"
)

type backend interface {
	LoadCollection(ctx context.Context, scopeID string) ([]domain.Task, error)
	UpsertTask(ctx context.Context, scopeID string, t domain.Task) (string, error)
	UpsertTasks(ctx context.Context, scopeID string, tasks []domain.Task) error
	DeleteTask(ctx context.Context, scopeID, id string) error
	DeleteTasks(ctx context.Context, scopeID string, ids []string) error
	LoadFolders(ctx context.Context, scopeID string) ([]domain.Folder, error)
	UpsertFolder(ctx context.Context, scopeID string, f domain.Folder) (string, error)
	DeleteFolder(ctx context.Context, scopeID, id string) error
	LoadSettings(ctx context.Context, scopeID string) (domain.BoardSettings, error)
	SaveRolloverMarker(ctx context.Context, scopeID string, marker int64) error
}

// Cache wraps a Gateway with Redis-backed caching for collection and folder
// loads. The cache key lives in the shared Redis instance, so any process
// writing for a scope evicts it for every other process too. Settings are
// deliberately never cached: the rollover marker must always be read fresh.
type Cache struct {
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Gateway wrapper using the provided Redis client
// and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base gateway is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) LoadCollection(ctx context.Context, scopeID string) ([]domain.Task, error) {
	var tasks []domain.Task
	if c.loadCached(ctx, collectionCacheKey(scopeID), &tasks) {
		return tasks, nil
	}
	tasks, err := c.base.LoadCollection(ctx, scopeID)
	if err != nil {
		return nil, err
	}
	c.storeCached(ctx, collectionCacheKey(scopeID), tasks)
	return tasks, nil
}

func (c *Cache) LoadFolders(ctx context.Context, scopeID string) ([]domain.Folder, error) {
	var folders []domain.Folder
	if c.loadCached(ctx, foldersCacheKey(scopeID), &folders) {
		return folders, nil
	}
	folders, err := c.base.LoadFolders(ctx, scopeID)
	if err != nil {
		return nil, err
	}
	c.storeCached(ctx, foldersCacheKey(scopeID), folders)
	return folders, nil
}

func (c *Cache) UpsertTask(ctx context.Context, scopeID string, t domain.Task) (string, error) {
	id, err := c.base.UpsertTask(ctx, scopeID, t)
	if err != nil {
		return "", err
	}
	c.evict(ctx, scopeID)
	return id, nil
}

func (c *Cache) UpsertTasks(ctx context.Context, scopeID string, tasks []domain.Task) error {
	if err := c.base.UpsertTasks(ctx, scopeID, tasks); err != nil {
		return err
	}
	c.evict(ctx, scopeID)
	return nil
}

func (c *Cache) DeleteTask(ctx context.Context, scopeID, id string) error {
	if err := c.base.DeleteTask(ctx, scopeID, id); err != nil {
		return err
	}
	c.evict(ctx, scopeID)
	return nil
}

func (c *Cache) DeleteTasks(ctx context.Context, scopeID string, ids []string) error {
	if err := c.base.DeleteTasks(ctx, scopeID, ids); err != nil {
		return err
	}
	c.evict(ctx, scopeID)
	return nil
}

func (c *Cache) UpsertFolder(ctx context.Context, scopeID string, f domain.Folder) (string, error) {
	id, err := c.base.UpsertFolder(ctx, scopeID, f)
	if err != nil {
		return "", err
	}
	c.evict(ctx, scopeID)
	return id, nil
}

func (c *Cache) DeleteFolder(ctx context.Context, scopeID, id string) error {
	if err := c.base.DeleteFolder(ctx, scopeID, id); err != nil {
		return err
	}
	c.evict(ctx, scopeID)
	return nil
}

func (c *Cache) LoadSettings(ctx context.Context, scopeID string) (domain.BoardSettings, error) {
	return c.base.LoadSettings(ctx, scopeID)
}

func (c *Cache) SaveRolloverMarker(ctx context.Context, scopeID string, marker int64) error {
	return c.base.SaveRolloverMarker(ctx, scopeID, marker)
}

func (c *Cache) loadCached(ctx context.Context, key string, out any) bool {
	if c.redis == nil {
		return false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing gateway without failing.
			_ = c.redis.Del(ctx, key).Err()
		}
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return false
	}
	return true
}

func (c *Cache) storeCached(ctx context.Context, key string, val any) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(val)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, scopeID string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, collectionCacheKey(scopeID), foldersCacheKey(scopeID)).Result()
}

func collectionCacheKey(scopeID string) string {
	return "collection:" + scopeID
}

func foldersCacheKey(scopeID string) string {
	return "folders:" + scopeID
}
