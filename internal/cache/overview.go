// Package cache holds computed calendar overviews in Redis. Entries are
// dropped explicitly by the writers that change a month. Each month also
// carries a version that invalidation bumps; a value computed under an older
// version is never stored.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultOverviewTTL = 10 * time.Minute

// setIfVersionScript stores ARGV[2] under KEYS[1] only while the version at
// KEYS[2] still equals ARGV[1]. A missing version counts as 0.
var setIfVersionScript = redis.NewScript(`
local current = redis.call('GET', KEYS[2]) or '0'
if current ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

type OverviewCache struct {
	client        *redis.Client
	prefix        string
	versionPrefix string
	ttl           time.Duration
}

func NewOverviewCache(client *redis.Client, ttl time.Duration) *OverviewCache {
	if ttl <= 0 {
		ttl = DefaultOverviewTTL
	}
	return &OverviewCache{client: client, prefix: "overview:", versionPrefix: "overview-ver:", ttl: ttl}
}

// Key is overview:<user>:<yyyy>-<mm>.
func (c *OverviewCache) Key(userID string, year, month int) string {
	return fmt.Sprintf("%s%s:%04d-%02d", c.prefix, userID, year, month)
}

func (c *OverviewCache) versionKey(userID string, year, month int) string {
	return fmt.Sprintf("%s%s:%04d-%02d", c.versionPrefix, userID, year, month)
}

// Version returns the month's current version. Read it before computing the
// overview and pass it to Set.
func (c *OverviewCache) Version(ctx context.Context, userID string, year, month int) (int64, error) {
	v, err := c.client.Get(ctx, c.versionKey(userID, year, month)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read overview version: %w", err)
	}
	return v, nil
}

// Get decodes a cached overview into dest and reports whether it was present.
func (c *OverviewCache) Get(ctx context.Context, userID string, year, month int, dest any) (bool, error) {
	raw, err := c.client.Get(ctx, c.Key(userID, year, month)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read overview cache: %w", err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("decode overview cache: %w", err)
	}
	return true, nil
}

// Set stores value unless the month was invalidated after version was read.
// It reports whether the value was stored.
func (c *OverviewCache) Set(ctx context.Context, userID string, year, month int, version int64, value any) (bool, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("encode overview cache: %w", err)
	}
	keys := []string{c.Key(userID, year, month), c.versionKey(userID, year, month)}
	stored, err := setIfVersionScript.Run(ctx, c.client, keys,
		strconv.FormatInt(version, 10), raw, c.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("write overview cache: %w", err)
	}
	return stored == 1, nil
}

// Invalidate drops the cached month and bumps its version. The version key
// outlives any value computed before the bump.
func (c *OverviewCache) Invalidate(ctx context.Context, userID string, year, month int) error {
	versionKey := c.versionKey(userID, year, month)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, versionKey)
		pipe.Expire(ctx, versionKey, 2*c.ttl)
		pipe.Del(ctx, c.Key(userID, year, month))
		return nil
	})
	if err != nil {
		return fmt.Errorf("invalidate overview cache: %w", err)
	}
	return nil
}
