package market

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Cache is a short-lived Redis cache for composed candle series. The TTL
// is bounded so a cached head never outlives a third of its timeframe slot.
type Cache struct {
	client *redis.Client
}

// NewCache wraps a Redis client for series caching.
func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func seriesKey(inst Instrument, n int) string {
	return fmt.Sprintf("hist:%s:%s:%d", inst.Pair, inst.Timeframe, n)
}

// seriesTTL bounds the cache TTL at 30s or a third of the timeframe slot,
// whichever is shorter.
func seriesTTL(tf Timeframe) time.Duration {
	ttl := tf.Duration() / 3
	if ttl > 30*time.Second {
		ttl = 30 * time.Second
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// GetSeries returns a cached series, or nil on miss. Cache errors are
// logged and treated as misses; the cache never fails a read path.
func (c *Cache) GetSeries(ctx context.Context, inst Instrument, n int) *Series {
	if c == nil || c.client == nil {
		return nil
	}

	data, err := c.client.Get(ctx, seriesKey(inst, n)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Str("instrument", inst.String()).Msg("Series cache read failed")
		}
		return nil
	}

	var s Series
	if err := json.Unmarshal(data, &s); err != nil {
		log.Warn().Err(err).Str("instrument", inst.String()).Msg("Corrupt cached series, ignoring")
		return nil
	}

	return &s
}

// PutSeries caches a composed series under the requested length n, which
// may exceed len(s.Candles). Stale and insufficient series are never
// cached so a recovered upstream or newly arrived history is retried on
// the next read.
func (c *Cache) PutSeries(ctx context.Context, s *Series, n int) {
	if c == nil || c.client == nil || s == nil || s.Stale || s.Insufficient {
		return
	}

	data, err := json.Marshal(s)
	if err != nil {
		log.Warn().Err(err).Str("instrument", s.Instrument.String()).Msg("Failed to marshal series for cache")
		return
	}

	key := seriesKey(s.Instrument, n)
	if err := c.client.Set(ctx, key, data, seriesTTL(s.Instrument.Timeframe)).Err(); err != nil {
		log.Warn().Err(err).Str("instrument", s.Instrument.String()).Msg("Series cache write failed")
	}
}

// Invalidate removes cached series for an instrument after new candles land.
func (c *Cache) Invalidate(ctx context.Context, inst Instrument) {
	if c == nil || c.client == nil {
		return
	}

	pattern := fmt.Sprintf("hist:%s:%s:*", inst.Pair, inst.Timeframe)
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		log.Warn().Err(err).Str("instrument", inst.String()).Msg("Series cache scan failed")
		return
	}
	if len(keys) > 0 {
		if err := c.client.Del(ctx, keys...).Err(); err != nil {
			log.Warn().Err(err).Str("instrument", inst.String()).Msg("Series cache invalidation failed")
		}
	}
}
