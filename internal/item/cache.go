package item

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Source resolves item costing configuration by organisation and id.
type Source interface {
	Get(ctx context.Context, orgID, itemID int64) (Item, error)
}

// Cache is a read-through Redis cache in front of the repository.
// Concurrent misses for the same key collapse into one repository load.
type Cache struct {
	repo   Source
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
}

// NewCache constructs a Cache. client may be nil, in which case every call
// goes straight to the repository.
func NewCache(repo Source, client *redis.Client, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{repo: repo, client: client, ttl: ttl, logger: logger}
}

func cacheKey(orgID, itemID int64) string {
	return fmt.Sprintf("item:%d:%d", orgID, itemID)
}

// Get returns the item, consulting Redis first.
func (c *Cache) Get(ctx context.Context, orgID, itemID int64) (Item, error) {
	if c.client == nil {
		return c.repo.Get(ctx, orgID, itemID)
	}
	key := cacheKey(orgID, itemID)
	if raw, err := c.client.Get(ctx, key).Bytes(); err == nil {
		var it Item
		if err := json.Unmarshal(raw, &it); err == nil {
			return it, nil
		}
		// Unreadable payloads are treated as misses.
		_ = c.client.Del(ctx, key).Err()
	} else if !errors.Is(err, redis.Nil) && c.logger != nil {
		c.logger.Warn("item cache read", slog.String("key", key), slog.Any("error", err))
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		it, err := c.repo.Get(ctx, orgID, itemID)
		if err != nil {
			return Item{}, err
		}
		if raw, err := json.Marshal(it); err == nil {
			if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil && c.logger != nil {
				c.logger.Warn("item cache write", slog.String("key", key), slog.Any("error", err))
			}
		}
		return it, nil
	})
	if err != nil {
		return Item{}, err
	}
	return v.(Item), nil
}

// Invalidate drops the cached entry for an item.
func (c *Cache) Invalidate(ctx context.Context, orgID, itemID int64) error {
	if c.client == nil {
		return nil
	}
	return c.client.Del(ctx, cacheKey(orgID, itemID)).Err()
}
