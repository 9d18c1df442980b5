package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/aifx-io/aifx/internal/market"
)

// UpsertCandle inserts a candle, keyed by (pair, timeframe, timestamp).
// Re-inserting an existing candle only corrects source metadata.
func (db *DB) UpsertCandle(ctx context.Context, c *market.Candle) error {
	query := `
		INSERT INTO candles (pair, timeframe, timestamp, open, high, low, close, volume, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (pair, timeframe, timestamp) DO UPDATE
		SET source = EXCLUDED.source
	`

	_, err := db.pool.Exec(ctx, query,
		c.Pair, c.Timeframe, c.Timestamp,
		c.Open, c.High, c.Low, c.Close, c.Volume, c.Source,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert candle: %w", err)
	}

	return nil
}

// UpsertCandleBatch inserts a batch of candles in a single transaction.
// Returns the number of rows written. Batches are capped at 1000 rows by callers.
func (db *DB) UpsertCandleBatch(ctx context.Context, candles []market.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin candle batch: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO candles (pair, timeframe, timestamp, open, high, low, close, volume, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (pair, timeframe, timestamp) DO UPDATE
		SET source = EXCLUDED.source
	`

	written := 0
	for i := range candles {
		c := &candles[i]
		if _, err := tx.Exec(ctx, query,
			c.Pair, c.Timeframe, c.Timestamp,
			c.Open, c.High, c.Low, c.Close, c.Volume, c.Source,
		); err != nil {
			return 0, fmt.Errorf("failed to upsert candle batch row %d: %w", i, err)
		}
		written++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit candle batch: %w", err)
	}

	return written, nil
}

// GetRecentCandles returns the latest n candles for an instrument in
// ascending timestamp order.
func (db *DB) GetRecentCandles(ctx context.Context, inst market.Instrument, n int) ([]market.Candle, error) {
	query := `
		SELECT pair, timeframe, timestamp, open, high, low, close, volume, source
		FROM candles
		WHERE pair = $1 AND timeframe = $2
		ORDER BY timestamp DESC
		LIMIT $3
	`

	rows, err := db.pool.Query(ctx, query, inst.Pair, inst.Timeframe, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()

	var candles []market.Candle
	for rows.Next() {
		var c market.Candle
		if err := rows.Scan(
			&c.Pair, &c.Timeframe, &c.Timestamp,
			&c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.Source,
		); err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candles: %w", err)
	}

	// Reverse from DESC query order to ascending.
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}

	return candles, nil
}

// GetLatestCandleTime returns the newest stored timestamp for an instrument.
// Returns the zero time when no candles exist.
func (db *DB) GetLatestCandleTime(ctx context.Context, inst market.Instrument) (time.Time, error) {
	query := `
		SELECT timestamp
		FROM candles
		WHERE pair = $1 AND timeframe = $2
		ORDER BY timestamp DESC
		LIMIT 1
	`

	var ts time.Time
	err := db.pool.QueryRow(ctx, query, inst.Pair, inst.Timeframe).Scan(&ts)
	if err != nil {
		if err == pgx.ErrNoRows {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to query latest candle time: %w", err)
	}

	return ts, nil
}

// CountCandles returns the number of stored candles for an instrument.
func (db *DB) CountCandles(ctx context.Context, inst market.Instrument) (int64, error) {
	var count int64
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM candles WHERE pair = $1 AND timeframe = $2`,
		inst.Pair, inst.Timeframe,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count candles: %w", err)
	}
	return count, nil
}
