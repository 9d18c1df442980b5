package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aifx-io/aifx/internal/metrics"
)

// CollectorStore is the persistence surface the collector needs.
type CollectorStore interface {
	UpsertCandleBatch(ctx context.Context, candles []Candle) (int, error)
	GetLatestCandleTime(ctx context.Context, inst Instrument) (time.Time, error)
	CountCandles(ctx context.Context, inst Instrument) (int64, error)
}

// Collector keeps stored candle history current. Incremental collection
// runs on the signal tick and fetches a small overlap window; backfill is
// an operator-driven bulk load that pages through the provider.
type Collector struct {
	store    CollectorStore
	provider *Provider
	cache    *Cache
	budget   *RateBudget

	// incrementalDepth is the overlap window fetched per tick. Upserts
	// make the overlap idempotent, so re-fetching the tail is safe.
	incrementalDepth int
	backfillBatch    int
}

// NewCollector creates a data collector.
func NewCollector(store CollectorStore, provider *Provider, cache *Cache, budget *RateBudget) *Collector {
	return &Collector{
		store:            store,
		provider:         provider,
		cache:            cache,
		budget:           budget,
		incrementalDepth: 5,
		backfillBatch:    1000,
	}
}

// CollectIncremental fetches the most recent candles for an instrument and
// upserts them. When the daily budget is low the collection is deferred:
// signal generation outranks history maintenance for the remaining tokens.
func (c *Collector) CollectIncremental(ctx context.Context, inst Instrument) error {
	if c.budget.LowWater() {
		log.Info().
			Str("instrument", inst.String()).
			Int("budget_remaining", c.budget.Remaining()).
			Msg("Deferring incremental collection, budget low")
		return nil
	}

	candles, err := c.provider.FetchCandles(ctx, inst, c.incrementalDepth)
	if err != nil {
		if errors.Is(err, ErrBudgetExhausted) {
			log.Warn().Str("instrument", inst.String()).Msg("Skipping incremental collection, budget exhausted")
			return nil
		}
		return fmt.Errorf("incremental fetch failed for %s: %w", inst, err)
	}

	written, err := c.store.UpsertCandleBatch(ctx, candles)
	if err != nil {
		return fmt.Errorf("incremental upsert failed for %s: %w", inst, err)
	}

	c.cache.Invalidate(ctx, inst)
	metrics.CandlesIngested.Add(float64(written))

	log.Debug().
		Str("instrument", inst.String()).
		Int("written", written).
		Msg("Incremental collection complete")

	return nil
}

// BackfillResult summarizes one backfill run.
type BackfillResult struct {
	Instrument Instrument `json:"instrument"`
	Written    int        `json:"written"`
	Batches    int        `json:"batches"`
	From       time.Time  `json:"from"`
	To         time.Time  `json:"to"`
	Truncated  bool       `json:"truncated"` // budget ran out before the range finished
}

// Backfill loads up to days of history for an instrument, paging backward
// from now in provider-sized batches. Each page is upserted in its own
// transaction so an interrupted run keeps what it already wrote.
func (c *Collector) Backfill(ctx context.Context, inst Instrument, days int) (*BackfillResult, error) {
	if days <= 0 {
		return nil, fmt.Errorf("invalid backfill window: %d days", days)
	}

	to := time.Now().UTC()
	from := to.AddDate(0, 0, -days)

	result := &BackfillResult{Instrument: inst, From: from, To: to}
	slot := inst.Timeframe.Duration()
	cursor := to

	for cursor.After(from) {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		candles, err := c.provider.FetchRange(ctx, inst, from, cursor, c.backfillBatch)
		if err != nil {
			if errors.Is(err, ErrBudgetExhausted) {
				result.Truncated = true
				log.Warn().
					Str("instrument", inst.String()).
					Int("written", result.Written).
					Msg("Backfill truncated, budget exhausted")
				return result, nil
			}
			return result, fmt.Errorf("backfill fetch failed for %s: %w", inst, err)
		}
		if len(candles) == 0 {
			break
		}

		written, err := c.store.UpsertCandleBatch(ctx, candles)
		if err != nil {
			return result, fmt.Errorf("backfill upsert failed for %s: %w", inst, err)
		}
		result.Written += written
		result.Batches++

		// Page backward past the oldest candle in this batch. Candles
		// arrive ascending, so the first entry bounds the next window.
		oldest := candles[0].Timestamp
		next := oldest.Add(-slot)
		if !next.Before(cursor) {
			break
		}
		cursor = next
	}

	c.cache.Invalidate(ctx, inst)

	count, err := c.store.CountCandles(ctx, inst)
	if err != nil {
		log.Warn().Err(err).Str("instrument", inst.String()).Msg("Failed to count candles after backfill")
	}

	log.Info().
		Str("instrument", inst.String()).
		Int("written", result.Written).
		Int("batches", result.Batches).
		Int64("total_stored", count).
		Bool("truncated", result.Truncated).
		Msg("Backfill complete")

	return result, nil
}

// Ingest validates and upserts an externally supplied candle batch.
// Invalid candles are skipped and counted, never written. Re-posting the
// same batch is idempotent by the (pair, timeframe, timestamp) key.
func (c *Collector) Ingest(ctx context.Context, candles []Candle) (int, int, error) {
	valid := make([]Candle, 0, len(candles))
	skipped := 0
	for i := range candles {
		candle := candles[i]
		candle.Pair = NormalizePair(candle.Pair)
		if err := candle.Validate(); err != nil {
			skipped++
			log.Warn().
				Err(err).
				Str("pair", candle.Pair).
				Time("timestamp", candle.Timestamp).
				Msg("Skipping invalid candle in bulk ingest")
			continue
		}
		if candle.Source == "" {
			candle.Source = "bulk"
		}
		valid = append(valid, candle)
	}

	written := 0
	for start := 0; start < len(valid); start += c.backfillBatch {
		end := start + c.backfillBatch
		if end > len(valid) {
			end = len(valid)
		}
		n, err := c.store.UpsertCandleBatch(ctx, valid[start:end])
		if err != nil {
			return written, skipped, fmt.Errorf("bulk ingest failed: %w", err)
		}
		written += n
	}

	seen := make(map[Instrument]struct{})
	for i := range valid {
		inst := Instrument{Pair: valid[i].Pair, Timeframe: valid[i].Timeframe}
		if _, ok := seen[inst]; !ok {
			seen[inst] = struct{}{}
			c.cache.Invalidate(ctx, inst)
		}
	}

	metrics.CandlesIngested.Add(float64(written))
	metrics.CandlesSkipped.Add(float64(skipped))

	log.Info().
		Int("written", written).
		Int("skipped", skipped).
		Msg("Bulk ingest complete")

	return written, skipped, nil
}

// Gap reports how far behind stored history is for an instrument, in slots.
func (c *Collector) Gap(ctx context.Context, inst Instrument) (int, error) {
	latest, err := c.store.GetLatestCandleTime(ctx, inst)
	if err != nil {
		return 0, err
	}
	if latest.IsZero() {
		return -1, nil // no history at all
	}
	behind := time.Since(latest)
	return int(behind / inst.Timeframe.Duration()), nil
}
