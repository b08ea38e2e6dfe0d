package grid

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheVersionKey = "grid:version"

type sheetSnapshot struct {
	Sheet Sheet  `json:"sheet"`
	Cells []Cell `json:"cells"`
}

// Cache is a versioned read-side snapshot cache for sheets. Every grid
// mutation bumps the version, which orphans all cached snapshots at once;
// the TTL cleans the orphans up.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func (c *Cache) version(ctx context.Context) (int64, error) {
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if err == redis.Nil {
		if err := c.client.Set(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// FetchSheet loads the cached snapshot or populates it from the loader.
func (c *Cache) FetchSheet(ctx context.Context, sheetID int64, dest *sheetSnapshot, loader func(context.Context) (sheetSnapshot, error)) error {
	if c == nil || c.client == nil {
		snap, err := loader(ctx)
		if err != nil {
			return err
		}
		*dest = snap
		return nil
	}
	ver, err := c.version(ctx)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("grid:sheet:%d:%d", sheetID, ver)
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		return json.Unmarshal(payload, dest)
	}
	if err != redis.Nil {
		return err
	}
	snap, err := loader(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return err
	}
	*dest = snap
	return nil
}

// Bump invalidates every cached snapshot by incrementing the version.
func (c *Cache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, cacheVersionKey).Err()
}
