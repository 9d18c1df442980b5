package market

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// CandleStore is the persistence surface the history provider needs.
// Implemented by internal/db.
type CandleStore interface {
	GetRecentCandles(ctx context.Context, inst Instrument, n int) ([]Candle, error)
	UpsertCandle(ctx context.Context, c *Candle) error
}

// History composes candle series from stored history plus a live head
// fetched from the upstream provider. Stored candles serve the bulk of a
// request; only the freshest slot is fetched live, which keeps upstream
// token spend independent of series length.
type History struct {
	store        CandleStore
	provider     *Provider
	cache        *Cache
	fetchTimeout time.Duration
}

// NewHistory creates a hybrid history provider. fetchTimeout bounds the
// live-head fetch; on expiry the series is served stale from storage.
func NewHistory(store CandleStore, provider *Provider, cache *Cache, fetchTimeout time.Duration) *History {
	if fetchTimeout == 0 {
		fetchTimeout = 2 * time.Second
	}
	return &History{
		store:        store,
		provider:     provider,
		cache:        cache,
		fetchTimeout: fetchTimeout,
	}
}

// GetSeries returns the latest n candles for an instrument, ascending by
// timestamp. The result is marked Stale when the live head could not be
// refreshed, and Insufficient when fewer than n candles exist at all.
func (h *History) GetSeries(ctx context.Context, inst Instrument, n int) (*Series, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid series length: %d", n)
	}

	if cached := h.cache.GetSeries(ctx, inst, n); cached != nil {
		return cached, nil
	}

	// Fetch the stored tail and the live head concurrently. The head
	// fetch has its own short deadline so a slow upstream cannot hold
	// a scheduler tick hostage.
	type headResult struct {
		candle *Candle
		err    error
	}
	headCh := make(chan headResult, 1)
	go func() {
		headCtx, cancel := context.WithTimeout(ctx, h.fetchTimeout)
		defer cancel()
		c, err := h.provider.FetchLatest(headCtx, inst)
		headCh <- headResult{candle: c, err: err}
	}()

	stored, err := h.store.GetRecentCandles(ctx, inst, n)
	if err != nil {
		return nil, fmt.Errorf("failed to load stored candles: %w", err)
	}

	series := &Series{Instrument: inst, Candles: stored}

	head := <-headCh
	if head.err != nil {
		series.Stale = true
		log.Warn().
			Err(head.err).
			Str("instrument", inst.String()).
			Msg("Live head fetch failed, serving stale series")
	} else {
		series.Candles = mergeHead(series.Candles, *head.candle, n)
		// Persist the fresh head off the request path.
		go h.persistHead(*head.candle)
	}

	if len(series.Candles) < n {
		series.Insufficient = true
	}

	h.cache.PutSeries(ctx, series, n)
	return series, nil
}

// mergeHead splices the live candle into an ascending series: it replaces
// a stored candle in the same slot, or appends when newer than the tail.
// The series is trimmed from the front to keep at most n candles.
func mergeHead(candles []Candle, head Candle, n int) []Candle {
	if len(candles) == 0 {
		return []Candle{head}
	}

	last := candles[len(candles)-1]
	switch {
	case head.Timestamp.Equal(last.Timestamp):
		candles[len(candles)-1] = head
	case head.Timestamp.After(last.Timestamp):
		candles = append(candles, head)
	default:
		// Upstream served an older slot than the stored tail; the
		// stored data already covers it.
		return candles
	}

	if len(candles) > n {
		candles = candles[len(candles)-n:]
	}
	return candles
}

func (h *History) persistHead(c Candle) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.store.UpsertCandle(ctx, &c); err != nil {
		log.Warn().
			Err(err).
			Str("pair", c.Pair).
			Time("timestamp", c.Timestamp).
			Msg("Failed to persist live head candle")
	}
}

// LatestPrice returns the freshest close for an instrument. Used by the
// position monitor, which needs only the head of the series.
func (h *History) LatestPrice(ctx context.Context, inst Instrument) (float64, bool, error) {
	series, err := h.GetSeries(ctx, inst, 1)
	if err != nil {
		return 0, false, err
	}
	last, ok := series.Last()
	if !ok {
		return 0, false, fmt.Errorf("no price data for %s", inst)
	}
	return last.Close, series.Stale, nil
}
