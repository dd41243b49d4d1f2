package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/trip-checkout/pkg/logging"
)

// Fetcher loads a trip catalog from the booking backend.
type Fetcher interface {
	FetchCatalog(ctx context.Context, tripID int) (*Catalog, error)
}

// RedisCache is a cache-aside wrapper around a Fetcher.
type RedisCache struct {
	redis   *redis.Client
	fetcher Fetcher
	ttl     time.Duration
	logger  *logging.Logger
}

// NewRedisCache creates a catalog cache. A nil redis client disables caching.
func NewRedisCache(redisClient *redis.Client, fetcher Fetcher, ttl time.Duration, logger *logging.Logger) *RedisCache {
	if logger == nil {
		logger = logging.Default()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{
		redis:   redisClient,
		fetcher: fetcher,
		ttl:     ttl,
		logger:  logger,
	}
}

func cacheKey(tripID int) string {
	return fmt.Sprintf("catalog:trip:%d", tripID)
}

// Get returns the catalog for a trip, consulting Redis first.
func (c *RedisCache) Get(ctx context.Context, tripID int) (*Catalog, error) {
	if c.redis != nil {
		raw, err := c.redis.Get(ctx, cacheKey(tripID)).Bytes()
		switch {
		case err == nil:
			cat, decodeErr := Parse(raw)
			if decodeErr == nil {
				return cat, nil
			}
			c.logger.Warn("catalog cache entry unreadable", "trip_id", tripID, "error", decodeErr)
		case errors.Is(err, redis.Nil):
		default:
			// Fail open: Redis being down must not block the booking page.
			c.logger.Warn("catalog cache read failed", "trip_id", tripID, "error", err)
		}
	}

	if c.fetcher == nil {
		return nil, fmt.Errorf("catalog: no fetcher configured")
	}
	cat, err := c.fetcher.FetchCatalog(ctx, tripID)
	if err != nil {
		return nil, fmt.Errorf("catalog: fetch trip %d: %w", tripID, err)
	}

	if c.redis != nil {
		payload, err := json.Marshal(cat)
		if err == nil {
			err = c.redis.Set(ctx, cacheKey(tripID), payload, c.ttl).Err()
		}
		if err != nil {
			c.logger.Warn("catalog cache write failed", "trip_id", tripID, "error", err)
		}
	}
	return cat, nil
}

// Invalidate drops the cached catalog for a trip.
func (c *RedisCache) Invalidate(ctx context.Context, tripID int) error {
	if c.redis == nil {
		return nil
	}
	if err := c.redis.Del(ctx, cacheKey(tripID)).Err(); err != nil {
		return fmt.Errorf("catalog: invalidate trip %d: %w", tripID, err)
	}
	return nil
}
