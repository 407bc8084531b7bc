package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/ehr/encounter/internal/domain/exam"
)

const DefaultCacheKey = "encounter:catalog:v1"

// CachedCatalog keeps the serialized catalog in Redis. Redis failures fall
// back to the source so a cache outage never blocks an encounter.
type CachedCatalog struct {
	client *redis.Client
	source Source
	ttl    time.Duration
	key    string
	logger zerolog.Logger
}

func NewCachedCatalog(client *redis.Client, source Source, ttl time.Duration, logger zerolog.Logger) *CachedCatalog {
	return &CachedCatalog{
		client: client,
		source: source,
		ttl:    ttl,
		key:    DefaultCacheKey,
		logger: logger.With().Str("component", "catalog_cache").Logger(),
	}
}

func (c *CachedCatalog) ListDefinitions(ctx context.Context) ([]exam.Definition, error) {
	raw, err := c.client.Get(ctx, c.key).Bytes()
	switch {
	case err == nil:
		var defs []exam.Definition
		if jerr := json.Unmarshal(raw, &defs); jerr == nil {
			for i := range defs {
				defs[i] = defs[i].Normalize()
			}
			return defs, nil
		}
		c.logger.Warn().Msg("discarding undecodable cached catalog")
	case !errors.Is(err, redis.Nil):
		c.logger.Warn().Err(err).Msg("catalog cache read failed")
	}

	defs, err := c.source.ListDefinitions(ctx)
	if err != nil {
		return nil, err
	}
	if payload, err := json.Marshal(defs); err == nil {
		if err := c.client.Set(ctx, c.key, payload, c.ttl).Err(); err != nil {
			c.logger.Warn().Err(err).Msg("catalog cache write failed")
		}
	}
	return defs, nil
}

// Invalidate drops the cached catalog; the next listing reloads it.
func (c *CachedCatalog) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, c.key).Err()
}
