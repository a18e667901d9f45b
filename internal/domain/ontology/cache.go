package ontology

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// missMarker is cached for keys the backing table does not know so repeated
// misses are not re-fetched until the entry expires.
const missMarker = "-"

// CacheClient is the subset of the Redis client in use.
type CacheClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// CachedLookup is a read-through Redis cache in front of another Lookup.
// Cache failures are logged and fall through to the backing lookup.
type CachedLookup struct {
	next   Lookup
	cache  CacheClient
	ttl    time.Duration
	logger zerolog.Logger
}

func NewCachedLookup(next Lookup, cache CacheClient, ttl time.Duration, logger zerolog.Logger) *CachedLookup {
	return &CachedLookup{next: next, cache: cache, ttl: ttl, logger: logger}
}

func cacheKey(text, category string) string {
	return "ontology:" + category + ":" + text
}

func (c *CachedLookup) Lookup(ctx context.Context, text, category string) (*Mapping, error) {
	key := cacheKey(text, category)

	val, err := c.cache.Get(ctx, key).Result()
	switch {
	case err == nil && val == missMarker:
		return nil, ErrNotFound
	case err == nil:
		var m Mapping
		if jerr := json.Unmarshal([]byte(val), &m); jerr == nil {
			return &m, nil
		}
		c.logger.Warn().Str("key", key).Msg("discarding undecodable cache entry")
	case !errors.Is(err, redis.Nil):
		c.logger.Warn().Err(err).Str("key", key).Msg("ontology cache read failed")
	}

	m, err := c.next.Lookup(ctx, text, category)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	var store interface{} = missMarker
	if m != nil {
		b, merr := json.Marshal(m)
		if merr != nil {
			return m, nil
		}
		store = string(b)
	}
	if serr := c.cache.Set(ctx, key, store, c.ttl).Err(); serr != nil {
		c.logger.Warn().Err(serr).Str("key", key).Msg("ontology cache write failed")
	}
	return m, err
}
