package ingest

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// StateCache mirrors the latest device state snapshot in Redis so read
// paths can skip Postgres for hot devices.
type StateCache struct{ rdb *redis.Client }

func NewStateCache(rdb *redis.Client) *StateCache { return &StateCache{rdb: rdb} }

func cacheKey(id uint) string { return "device:state:" + strconv.FormatUint(uint64(id), 10) }

func (c *StateCache) Set(ctx context.Context, id uint, stateJSON []byte) error {
	return c.rdb.Set(ctx, cacheKey(id), stateJSON, 24*time.Hour).Err()
}

func (c *StateCache) Get(ctx context.Context, id uint) ([]byte, error) {
	b, err := c.rdb.Get(ctx, cacheKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return b, err
}

func (c *StateCache) Delete(ctx context.Context, id uint) error {
	return c.rdb.Del(ctx, cacheKey(id)).Err()
}
