package market

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCollectorStore struct {
	mu      sync.Mutex
	batches [][]Candle
	latest  time.Time
	count   int64
}

func (f *fakeCollectorStore) UpsertCandleBatch(ctx context.Context, candles []Candle) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]Candle{}, candles...))
	return len(candles), nil
}

func (f *fakeCollectorStore) GetLatestCandleTime(ctx context.Context, inst Instrument) (time.Time, error) {
	return f.latest, nil
}

func (f *fakeCollectorStore) CountCandles(ctx context.Context, inst Instrument) (int64, error) {
	return f.count, nil
}

func (f *fakeCollectorStore) written() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func TestCollectIncremental(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Hour)
	calls := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		out := make([]providerCandle, 5)
		for i := range out {
			ts := now.Add(time.Duration(i-4) * time.Hour)
			out[i] = providerCandle{Timestamp: ts.Unix(), Open: 1.10, High: 1.12, Low: 1.09, Close: 1.11, Volume: 100}
		}
		json.NewEncoder(w).Encode(providerResponse{Candles: out})
	}))
	defer srv.Close()

	store := &fakeCollectorStore{}
	budget := testBudget()
	c := NewCollector(store, NewProvider(srv.URL, "", time.Second, budget), nil, budget)

	require.NoError(t, c.CollectIncremental(context.Background(), testInstrument(t)))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 5, store.written())
}

func TestCollectIncrementalDefersOnLowBudget(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(providerResponse{})
	}))
	defer srv.Close()

	budget := NewRateBudget(10, 10000, time.Second)
	for i := 0; i < 10; i++ {
		require.NoError(t, budget.Take(context.Background()))
	}
	require.True(t, budget.LowWater())

	store := &fakeCollectorStore{}
	c := NewCollector(store, NewProvider(srv.URL, "", time.Second, budget), nil, budget)

	require.NoError(t, c.CollectIncremental(context.Background(), testInstrument(t)))
	assert.Equal(t, 0, calls, "collection must be deferred without spending a request")
	assert.Empty(t, store.batches)
}

func TestCollectIncrementalSkipsWhenExhausted(t *testing.T) {
	// daily=1 keeps LowWater permanently false (threshold rounds to zero),
	// so the second run hits the exhausted budget instead of the defer path.
	now := time.Now().UTC().Truncate(time.Hour)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(providerResponse{Candles: []providerCandle{
			{Timestamp: now.Unix(), Open: 1.10, High: 1.12, Low: 1.09, Close: 1.11, Volume: 100},
		}})
	}))
	defer srv.Close()

	budget := NewRateBudget(1, 10000, time.Second)
	store := &fakeCollectorStore{}
	c := NewCollector(store, NewProvider(srv.URL, "", time.Second, budget), nil, budget)
	inst := testInstrument(t)

	require.NoError(t, c.CollectIncremental(context.Background(), inst))
	require.Len(t, store.batches, 1)

	// Exhausted budget is a skip, not an error.
	require.NoError(t, c.CollectIncremental(context.Background(), inst))
	assert.Len(t, store.batches, 1)
}

func TestBackfill(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fromSec, err := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
		require.NoError(t, err)
		toSec, err := strconv.ParseInt(r.URL.Query().Get("to"), 10, 64)
		require.NoError(t, err)
		fromTS := time.Unix(fromSec, 0).UTC()
		toTS := time.Unix(toSec, 0).UTC()

		// Serve every hourly slot in the window, ascending.
		var out []providerCandle
		for ts := fromTS.Truncate(time.Hour); !ts.After(toTS); ts = ts.Add(time.Hour) {
			out = append(out, providerCandle{Timestamp: ts.Unix(), Open: 1.10, High: 1.12, Low: 1.09, Close: 1.11, Volume: 100})
		}
		json.NewEncoder(w).Encode(providerResponse{Candles: out})
	}))
	defer srv.Close()

	store := &fakeCollectorStore{}
	budget := testBudget()
	c := NewCollector(store, NewProvider(srv.URL, "", time.Second, budget), nil, budget)

	result, err := c.Backfill(context.Background(), testInstrument(t), 1)
	require.NoError(t, err)
	assert.False(t, result.Truncated)
	assert.Equal(t, 1, result.Batches)
	assert.GreaterOrEqual(t, result.Written, 24)
	assert.Equal(t, result.Written, store.written())
}

func TestBackfillTruncatedOnBudgetExhaustion(t *testing.T) {
	now := time.Now().UTC()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Only the freshest 12 hours, so the pager needs another batch.
		var out []providerCandle
		for i := 11; i >= 0; i-- {
			ts := now.Add(time.Duration(-i) * time.Hour).Truncate(time.Hour)
			out = append(out, providerCandle{Timestamp: ts.Unix(), Open: 1.10, High: 1.12, Low: 1.09, Close: 1.11, Volume: 100})
		}
		json.NewEncoder(w).Encode(providerResponse{Candles: out})
	}))
	defer srv.Close()

	budget := NewRateBudget(1, 10000, time.Second)
	store := &fakeCollectorStore{}
	c := NewCollector(store, NewProvider(srv.URL, "", time.Second, budget), nil, budget)

	result, err := c.Backfill(context.Background(), testInstrument(t), 2)
	require.NoError(t, err)
	assert.True(t, result.Truncated)
	assert.Equal(t, 12, result.Written)
}

func TestBackfillRejectsInvalidWindow(t *testing.T) {
	c := NewCollector(&fakeCollectorStore{}, nil, nil, testBudget())
	_, err := c.Backfill(context.Background(), testInstrument(t), 0)
	assert.Error(t, err)
}

func TestIngest(t *testing.T) {
	ts := time.Now().UTC().Truncate(time.Hour)
	candles := []Candle{
		{Pair: "eurusd", Timeframe: Timeframe1Hour, Timestamp: ts, Open: 1.10, High: 1.12, Low: 1.09, Close: 1.11, Volume: 100},
		{Pair: "EUR/USD", Timeframe: Timeframe1Hour, Timestamp: ts.Add(time.Hour), Open: 1.11, High: 1.13, Low: 1.10, Close: 1.12, Volume: 100, Source: "manual"},
		{Pair: "GBP/USD", Timeframe: Timeframe1Hour}, // zero timestamp
		{Pair: "GBP/USD", Timeframe: Timeframe1Hour, Timestamp: ts, Open: 1.27, High: 1.26, Low: 1.25, Close: 1.28, Volume: 50}, // high < close
	}

	store := &fakeCollectorStore{}
	c := NewCollector(store, nil, nil, testBudget())

	written, skipped, err := c.Ingest(context.Background(), candles)
	require.NoError(t, err)
	assert.Equal(t, 2, written)
	assert.Equal(t, 2, skipped)

	require.Len(t, store.batches, 1)
	batch := store.batches[0]
	require.Len(t, batch, 2)
	assert.Equal(t, "EUR/USD", batch[0].Pair, "pair is normalized before write")
	assert.Equal(t, "bulk", batch[0].Source)
	assert.Equal(t, "manual", batch[1].Source, "explicit source survives")
}

func TestIngestInvalidatesCache(t *testing.T) {
	cache, _ := testCache(t)
	ctx := context.Background()

	s := testSeries(t, 2)
	cache.PutSeries(ctx, s, len(s.Candles))
	require.NotNil(t, cache.GetSeries(ctx, s.Instrument, 2))

	store := &fakeCollectorStore{}
	c := NewCollector(store, nil, cache, testBudget())

	ts := time.Now().UTC().Truncate(time.Hour)
	_, _, err := c.Ingest(ctx, []Candle{
		{Pair: s.Instrument.Pair, Timeframe: s.Instrument.Timeframe, Timestamp: ts, Open: 1.10, High: 1.12, Low: 1.09, Close: 1.11, Volume: 100},
	})
	require.NoError(t, err)

	assert.Nil(t, cache.GetSeries(ctx, s.Instrument, 2))
}

func TestGap(t *testing.T) {
	store := &fakeCollectorStore{}
	c := NewCollector(store, nil, nil, testBudget())
	inst := testInstrument(t)

	gap, err := c.Gap(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, -1, gap, "no history at all")

	store.latest = time.Now().UTC().Add(-3 * time.Hour)
	gap, err = c.Gap(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, 3, gap)
}
