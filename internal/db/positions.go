package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/aifx-io/aifx/internal/market"
)

// PositionSide represents the side of a position
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// PositionStatus is the lifecycle state. Exactly one transition away from
// open is allowed, and it is terminal.
type PositionStatus string

const (
	PositionOpen         PositionStatus = "open"
	PositionClosedTP     PositionStatus = "closed_tp"
	PositionClosedSL     PositionStatus = "closed_sl"
	PositionClosedManual PositionStatus = "closed_manual"
)

// Position is a tracked trade for one subscriber.
type Position struct {
	ID              uuid.UUID         `json:"id"`
	SubscriberID    uuid.UUID         `json:"subscriber_id"`
	Instrument      market.Instrument `json:"instrument"`
	Side            PositionSide      `json:"side"`
	EntryPrice      float64           `json:"entry_price"`
	StopLoss        float64           `json:"stop_loss"`
	TakeProfit      float64           `json:"take_profit"`
	Size            float64           `json:"size"`
	Notes           *string           `json:"notes,omitempty"`
	OpenedAt        time.Time         `json:"opened_at"`
	Status          PositionStatus    `json:"status"`
	ExitPrice       *float64          `json:"exit_price,omitempty"`
	ClosedAt        *time.Time        `json:"closed_at,omitempty"`
	RealizedPnLPips *float64          `json:"realized_pnl_pips,omitempty"`
}

// MonitoringSample is one observation in a position's append-only series.
type MonitoringSample struct {
	PositionID        uuid.UUID `json:"position_id"`
	ObservedAt        time.Time `json:"observed_at"`
	CurrentPrice      float64   `json:"current_price"`
	UnrealizedPnLPips float64   `json:"unrealized_pnl_pips"`
	UnrealizedPnLPct  float64   `json:"unrealized_pnl_pct"`
	HighWatermark     float64   `json:"high_watermark"`
	LowWatermark      float64   `json:"low_watermark"`
	SLArmed           bool      `json:"sl_armed"`
	TPArmed           bool      `json:"tp_armed"`
}

// CreatePosition inserts a new open position.
func (db *DB) CreatePosition(ctx context.Context, p *Position) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now().UTC()
	}
	p.Status = PositionOpen

	query := `
		INSERT INTO positions (
			id, subscriber_id, pair, timeframe, side, entry_price,
			stop_loss, take_profit, size, notes, opened_at, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := db.pool.Exec(ctx, query,
		p.ID, p.SubscriberID, p.Instrument.Pair, p.Instrument.Timeframe,
		p.Side, p.EntryPrice, p.StopLoss, p.TakeProfit, p.Size, p.Notes,
		p.OpenedAt, p.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to create position: %w", err)
	}

	return nil
}

// GetPosition retrieves a position by ID.
func (db *DB) GetPosition(ctx context.Context, id uuid.UUID) (*Position, error) {
	query := `
		SELECT id, subscriber_id, pair, timeframe, side, entry_price,
		       stop_loss, take_profit, size, notes, opened_at, status,
		       exit_price, closed_at, realized_pnl_pips
		FROM positions
		WHERE id = $1
	`
	return db.scanPosition(db.pool.QueryRow(ctx, query, id))
}

func (db *DB) scanPosition(row pgx.Row) (*Position, error) {
	var p Position
	err := row.Scan(
		&p.ID, &p.SubscriberID, &p.Instrument.Pair, &p.Instrument.Timeframe,
		&p.Side, &p.EntryPrice, &p.StopLoss, &p.TakeProfit, &p.Size, &p.Notes,
		&p.OpenedAt, &p.Status, &p.ExitPrice, &p.ClosedAt, &p.RealizedPnLPips,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get position: %w", err)
	}
	return &p, nil
}

// GetOpenPositions returns every open position, ordered by open time.
func (db *DB) GetOpenPositions(ctx context.Context) ([]*Position, error) {
	return db.queryPositions(ctx, `
		SELECT id, subscriber_id, pair, timeframe, side, entry_price,
		       stop_loss, take_profit, size, notes, opened_at, status,
		       exit_price, closed_at, realized_pnl_pips
		FROM positions
		WHERE status = 'open'
		ORDER BY opened_at
	`)
}

// GetOpenPositionsForSubscriber returns a subscriber's open positions,
// optionally filtered by pair.
func (db *DB) GetOpenPositionsForSubscriber(ctx context.Context, subscriberID uuid.UUID, pair string) ([]*Position, error) {
	if pair != "" {
		return db.queryPositions(ctx, `
			SELECT id, subscriber_id, pair, timeframe, side, entry_price,
			       stop_loss, take_profit, size, notes, opened_at, status,
			       exit_price, closed_at, realized_pnl_pips
			FROM positions
			WHERE subscriber_id = $1 AND status = 'open' AND pair = $2
			ORDER BY opened_at
		`, subscriberID, pair)
	}
	return db.queryPositions(ctx, `
		SELECT id, subscriber_id, pair, timeframe, side, entry_price,
		       stop_loss, take_profit, size, notes, opened_at, status,
		       exit_price, closed_at, realized_pnl_pips
		FROM positions
		WHERE subscriber_id = $1 AND status = 'open'
		ORDER BY opened_at
	`, subscriberID)
}

func (db *DB) queryPositions(ctx context.Context, query string, args ...interface{}) ([]*Position, error) {
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []*Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(
			&p.ID, &p.SubscriberID, &p.Instrument.Pair, &p.Instrument.Timeframe,
			&p.Side, &p.EntryPrice, &p.StopLoss, &p.TakeProfit, &p.Size, &p.Notes,
			&p.OpenedAt, &p.Status, &p.ExitPrice, &p.ClosedAt, &p.RealizedPnLPips,
		); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}

	return positions, nil
}

// ClosePosition records the terminal transition of a position. The WHERE
// clause on status guarantees at most one transition; a second close
// attempt affects zero rows and returns an error.
func (db *DB) ClosePosition(ctx context.Context, id uuid.UUID, status PositionStatus, exitPrice, realizedPips float64, closedAt time.Time) error {
	if status == PositionOpen {
		return fmt.Errorf("invalid terminal status: %s", status)
	}

	query := `
		UPDATE positions
		SET status = $2,
		    exit_price = $3,
		    realized_pnl_pips = $4,
		    closed_at = $5
		WHERE id = $1 AND status = 'open'
	`

	result, err := db.pool.Exec(ctx, query, id, status, exitPrice, realizedPips, closedAt)
	if err != nil {
		return fmt.Errorf("failed to close position: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("position %s is not open", id)
	}

	return nil
}

// UpdatePositionLevels moves the stop-loss and take-profit of an open position.
func (db *DB) UpdatePositionLevels(ctx context.Context, id uuid.UUID, stopLoss, takeProfit float64) error {
	result, err := db.pool.Exec(ctx,
		`UPDATE positions SET stop_loss = $2, take_profit = $3 WHERE id = $1 AND status = 'open'`,
		id, stopLoss, takeProfit,
	)
	if err != nil {
		return fmt.Errorf("failed to update position levels: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("position %s is not open", id)
	}
	return nil
}

// ReducePositionSize shrinks an open position after a partial close.
func (db *DB) ReducePositionSize(ctx context.Context, id uuid.UUID, newSize float64) error {
	result, err := db.pool.Exec(ctx,
		`UPDATE positions SET size = $2 WHERE id = $1 AND status = 'open'`,
		id, newSize,
	)
	if err != nil {
		return fmt.Errorf("failed to reduce position size: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("position %s is not open", id)
	}
	return nil
}

// InsertMonitoringSample appends one observation to a position's series.
func (db *DB) InsertMonitoringSample(ctx context.Context, s *MonitoringSample) error {
	query := `
		INSERT INTO position_monitoring (
			position_id, observed_at, current_price, unrealized_pnl_pips,
			unrealized_pnl_pct, high_watermark, low_watermark, sl_armed, tp_armed
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := db.pool.Exec(ctx, query,
		s.PositionID, s.ObservedAt, s.CurrentPrice, s.UnrealizedPnLPips,
		s.UnrealizedPnLPct, s.HighWatermark, s.LowWatermark, s.SLArmed, s.TPArmed,
	)
	if err != nil {
		return fmt.Errorf("failed to insert monitoring sample: %w", err)
	}

	return nil
}

// GetLatestSample returns the most recent monitoring sample for a position.
// Returns nil when the position has not been observed yet.
func (db *DB) GetLatestSample(ctx context.Context, positionID uuid.UUID) (*MonitoringSample, error) {
	query := `
		SELECT position_id, observed_at, current_price, unrealized_pnl_pips,
		       unrealized_pnl_pct, high_watermark, low_watermark, sl_armed, tp_armed
		FROM position_monitoring
		WHERE position_id = $1
		ORDER BY observed_at DESC
		LIMIT 1
	`

	var s MonitoringSample
	err := db.pool.QueryRow(ctx, query, positionID).Scan(
		&s.PositionID, &s.ObservedAt, &s.CurrentPrice, &s.UnrealizedPnLPips,
		&s.UnrealizedPnLPct, &s.HighWatermark, &s.LowWatermark, &s.SLArmed, &s.TPArmed,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest sample: %w", err)
	}

	return &s, nil
}
