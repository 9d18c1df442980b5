package market

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aifx-io/aifx/internal/metrics"
)

func testBudget() *RateBudget {
	return NewRateBudget(1000, 10000, time.Second)
}

func testInstrument(t *testing.T) Instrument {
	t.Helper()
	inst, err := NewInstrument("EUR/USD", Timeframe1Hour)
	require.NoError(t, err)
	return inst
}

func TestProviderFetchCandles(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Hour)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/candles", r.URL.Path)
		assert.Equal(t, "EUR/USD", r.URL.Query().Get("pair"))
		assert.Equal(t, "1h", r.URL.Query().Get("timeframe"))
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		json.NewEncoder(w).Encode(providerResponse{
			Pair:      "EUR/USD",
			Timeframe: "1h",
			Candles: []providerCandle{
				{Timestamp: now.Add(-time.Hour).Unix(), Open: 1.10, High: 1.12, Low: 1.09, Close: 1.11, Volume: 100},
				{Timestamp: now.Unix(), Open: 1.11, High: 1.13, Low: 1.10, Close: 1.12, Volume: 120},
			},
		})
	}))
	defer srv.Close()

	p := NewProvider(srv.URL, "test-key", time.Second, testBudget())

	candles, err := p.FetchCandles(context.Background(), testInstrument(t), 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, "EUR/USD", candles[0].Pair)
	assert.Equal(t, "provider", candles[0].Source)
	assert.True(t, candles[1].Timestamp.After(candles[0].Timestamp))
}

func TestProviderDropsInvalidCandles(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Hour)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(providerResponse{
			Candles: []providerCandle{
				{Timestamp: now.Unix(), Open: 1.10, High: 1.05, Low: 1.09, Close: 1.11, Volume: 100}, // high < close
				{Timestamp: now.Add(time.Hour).Unix(), Open: 1.11, High: 1.13, Low: 1.10, Close: 1.12, Volume: 120},
			},
		})
	}))
	defer srv.Close()

	p := NewProvider(srv.URL, "", time.Second, testBudget())

	candles, err := p.FetchCandles(context.Background(), testInstrument(t), 2)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, 1.12, candles[0].Close)
}

func TestProviderErrorResponses(t *testing.T) {
	status := http.StatusTooManyRequests
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	p := NewProvider(srv.URL, "", time.Second, testBudget())

	_, err := p.FetchCandles(context.Background(), testInstrument(t), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")

	status = http.StatusInternalServerError
	_, err = p.FetchCandles(context.Background(), testInstrument(t), 1)
	assert.Error(t, err)
}

func TestProviderBudgetExhausted(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		json.NewEncoder(w).Encode(providerResponse{})
	}))
	defer srv.Close()

	budget := NewRateBudget(1, 10000, time.Second)
	p := NewProvider(srv.URL, "", time.Second, budget)

	_, err := p.FetchCandles(context.Background(), testInstrument(t), 1)
	require.NoError(t, err)

	_, err = p.FetchCandles(context.Background(), testInstrument(t), 1)
	require.ErrorIs(t, err, ErrBudgetExhausted)
	assert.True(t, called)
}

func TestProviderCircuitBreakerOpens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewProvider(srv.URL, "", time.Second, testBudget())
	inst := testInstrument(t)

	for i := 0; i < 5; i++ {
		_, err := p.FetchCandles(context.Background(), inst, 1)
		require.Error(t, err)
	}

	// Breaker is open now; the request must fail without reaching the server.
	srv.Close()
	_, err := p.FetchCandles(context.Background(), inst, 1)
	assert.Error(t, err)
}

func TestProviderCountsRequests(t *testing.T) {
	okBefore := testutil.ToFloat64(metrics.ProviderRequests.WithLabelValues("ok"))
	errBefore := testutil.ToFloat64(metrics.ProviderRequests.WithLabelValues("error"))

	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		if status == http.StatusOK {
			json.NewEncoder(w).Encode(providerResponse{})
		}
	}))
	defer srv.Close()

	p := NewProvider(srv.URL, "", time.Second, testBudget())
	inst := testInstrument(t)

	_, err := p.FetchCandles(context.Background(), inst, 1)
	require.NoError(t, err)
	assert.Equal(t, okBefore+1, testutil.ToFloat64(metrics.ProviderRequests.WithLabelValues("ok")))

	status = http.StatusInternalServerError
	_, err = p.FetchCandles(context.Background(), inst, 1)
	require.Error(t, err)
	assert.Equal(t, errBefore+1, testutil.ToFloat64(metrics.ProviderRequests.WithLabelValues("error")))
}

func TestProviderFetchLatest(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Hour)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(providerResponse{
			Candles: []providerCandle{
				{Timestamp: now.Unix(), Open: 1.11, High: 1.13, Low: 1.10, Close: 1.12, Volume: 120},
			},
		})
	}))
	defer srv.Close()

	p := NewProvider(srv.URL, "", time.Second, testBudget())

	c, err := p.FetchLatest(context.Background(), testInstrument(t))
	require.NoError(t, err)
	assert.Equal(t, 1.12, c.Close)
}
