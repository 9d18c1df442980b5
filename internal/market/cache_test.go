package market

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewCache(client), mr
}

func testSeries(t *testing.T, n int) *Series {
	t.Helper()
	inst := testInstrument(t)
	candles := make([]Candle, n)
	ts := time.Now().UTC().Truncate(time.Hour)
	for i := range candles {
		candles[i] = Candle{
			Pair:      inst.Pair,
			Timeframe: inst.Timeframe,
			Timestamp: ts.Add(time.Duration(i-n) * time.Hour),
			Open:      1.10, High: 1.12, Low: 1.09, Close: 1.11,
			Volume: 100,
		}
	}
	return &Series{Instrument: inst, Candles: candles}
}

func TestCacheRoundtrip(t *testing.T) {
	cache, _ := testCache(t)
	ctx := context.Background()
	s := testSeries(t, 3)

	assert.Nil(t, cache.GetSeries(ctx, s.Instrument, 3))

	cache.PutSeries(ctx, s, 3)

	got := cache.GetSeries(ctx, s.Instrument, 3)
	require.NotNil(t, got)
	assert.Equal(t, s.Instrument, got.Instrument)
	require.Len(t, got.Candles, 3)
	assert.Equal(t, s.Candles[2].Close, got.Candles[2].Close)

	// A different length is a different key.
	assert.Nil(t, cache.GetSeries(ctx, s.Instrument, 5))
}

func TestCacheNeverStoresStaleSeries(t *testing.T) {
	cache, _ := testCache(t)
	ctx := context.Background()

	s := testSeries(t, 2)
	s.Stale = true
	cache.PutSeries(ctx, s, 2)

	assert.Nil(t, cache.GetSeries(ctx, s.Instrument, 2))
}

func TestCacheNeverStoresInsufficientSeries(t *testing.T) {
	cache, _ := testCache(t)
	ctx := context.Background()

	s := testSeries(t, 2)
	s.Insufficient = true
	cache.PutSeries(ctx, s, 10)

	assert.Nil(t, cache.GetSeries(ctx, s.Instrument, 10))
	// The short series must not land under its own length either.
	assert.Nil(t, cache.GetSeries(ctx, s.Instrument, 2))
}

func TestCacheKeysByRequestedLength(t *testing.T) {
	cache, _ := testCache(t)
	ctx := context.Background()

	s := testSeries(t, 3)
	cache.PutSeries(ctx, s, 5)

	assert.Nil(t, cache.GetSeries(ctx, s.Instrument, 3))
	got := cache.GetSeries(ctx, s.Instrument, 5)
	require.NotNil(t, got)
	assert.Len(t, got.Candles, 3)
}

func TestCacheTTLBounds(t *testing.T) {
	assert.Equal(t, 20*time.Second, seriesTTL(Timeframe1Min))
	assert.Equal(t, 30*time.Second, seriesTTL(Timeframe5Min))
	assert.Equal(t, 30*time.Second, seriesTTL(Timeframe1Hour))
	assert.Equal(t, 30*time.Second, seriesTTL(Timeframe1Day))
}

func TestCacheExpiry(t *testing.T) {
	cache, mr := testCache(t)
	ctx := context.Background()
	s := testSeries(t, 2)

	cache.PutSeries(ctx, s, 2)
	require.NotNil(t, cache.GetSeries(ctx, s.Instrument, 2))

	mr.FastForward(time.Minute)
	assert.Nil(t, cache.GetSeries(ctx, s.Instrument, 2))
}

func TestCacheInvalidate(t *testing.T) {
	cache, _ := testCache(t)
	ctx := context.Background()

	s3 := testSeries(t, 3)
	s5 := testSeries(t, 5)
	cache.PutSeries(ctx, s3, 3)
	cache.PutSeries(ctx, s5, 5)

	cache.Invalidate(ctx, s3.Instrument)

	assert.Nil(t, cache.GetSeries(ctx, s3.Instrument, 3))
	assert.Nil(t, cache.GetSeries(ctx, s5.Instrument, 5))
}

func TestCacheNilSafety(t *testing.T) {
	var cache *Cache
	ctx := context.Background()

	assert.Nil(t, cache.GetSeries(ctx, Instrument{}, 1))
	cache.PutSeries(ctx, &Series{}, 1)
	cache.Invalidate(ctx, Instrument{})
}
