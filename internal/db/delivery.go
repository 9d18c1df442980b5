package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/aifx-io/aifx/internal/market"
	"github.com/aifx-io/aifx/internal/signal"
)

// DeliveryDecision is the outcome of the atomic cooldown/cap check.
type DeliveryDecision string

const (
	DeliveryAccepted     DeliveryDecision = "accepted"
	DeliveryCooldown     DeliveryDecision = "cooldown"
	DeliveryCapExhausted DeliveryDecision = "cap_exhausted"
)

// TryRecordDelivery atomically checks the per-(subscriber, instrument,
// action) cooldown and the per-subscriber UTC daily cap, and on acceptance
// records the notification timestamp and increments the counter. Both rows
// are locked in one transaction so concurrent deliveries cannot double-send.
func (db *DB) TryRecordDelivery(
	ctx context.Context,
	subscriberID uuid.UUID,
	inst market.Instrument,
	action signal.Action,
	now time.Time,
	cooldown time.Duration,
	dailyCap int,
	bypassCooldown bool,
) (DeliveryDecision, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin delivery transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now = now.UTC()
	day := now.Truncate(24 * time.Hour)

	// Daily cap counters reset at 00:00 UTC because rows are keyed by day.
	var count int
	err = tx.QueryRow(ctx, `
		SELECT count FROM delivery_counters
		WHERE subscriber_id = $1 AND day = $2
		FOR UPDATE
	`, subscriberID, day).Scan(&count)
	if err != nil && err != pgx.ErrNoRows {
		return "", fmt.Errorf("failed to read delivery counter: %w", err)
	}
	if count >= dailyCap {
		return DeliveryCapExhausted, nil
	}

	if !bypassCooldown {
		var lastNotified time.Time
		err = tx.QueryRow(ctx, `
			SELECT last_notified_at FROM delivery_state
			WHERE subscriber_id = $1 AND pair = $2 AND timeframe = $3 AND action = $4
			FOR UPDATE
		`, subscriberID, inst.Pair, inst.Timeframe, action).Scan(&lastNotified)
		if err != nil && err != pgx.ErrNoRows {
			return "", fmt.Errorf("failed to read delivery state: %w", err)
		}
		if err == nil && now.Sub(lastNotified) < cooldown {
			return DeliveryCooldown, nil
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO delivery_state (subscriber_id, pair, timeframe, action, last_notified_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (subscriber_id, pair, timeframe, action) DO UPDATE
		SET last_notified_at = EXCLUDED.last_notified_at
	`, subscriberID, inst.Pair, inst.Timeframe, action, now); err != nil {
		return "", fmt.Errorf("failed to record delivery state: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO delivery_counters (subscriber_id, day, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (subscriber_id, day) DO UPDATE
		SET count = delivery_counters.count + 1
	`, subscriberID, day); err != nil {
		return "", fmt.Errorf("failed to increment delivery counter: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit delivery transaction: %w", err)
	}

	return DeliveryAccepted, nil
}

// LogDelivery appends one row to the delivery audit log.
func (db *DB) LogDelivery(ctx context.Context, subscriberID uuid.UUID, eventID uuid.UUID, outcome string, attempts int, errMsg string) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO delivery_log (subscriber_id, event_id, outcome, attempts, error_message, delivered_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, subscriberID, eventID, outcome, attempts, errMsg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to log delivery: %w", err)
	}
	return nil
}
