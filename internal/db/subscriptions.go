package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/aifx-io/aifx/internal/market"
	"github.com/aifx-io/aifx/internal/signal"
)

// SubscriptionFilter restricts which signals reach a subscription.
type SubscriptionFilter struct {
	MinConfidence  float64         `json:"min_confidence"`
	AllowedActions []signal.Action `json:"allowed_actions,omitempty"` // empty = all
	StrongOnly     bool            `json:"strong_only"`
}

// Allows reports whether a signal passes the subscription filter.
func (f *SubscriptionFilter) Allows(s *signal.Signal) bool {
	if s.Confidence < f.MinConfidence {
		return false
	}
	if len(f.AllowedActions) > 0 {
		allowed := false
		for _, a := range f.AllowedActions {
			if a == s.Action {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	if f.StrongOnly && !s.Strength.AtLeast(signal.StrengthStrong) {
		return false
	}
	return true
}

// Subscription maps a subscriber to one monitored instrument.
type Subscription struct {
	ID           uuid.UUID          `json:"id"`
	SubscriberID uuid.UUID          `json:"subscriber_id"`
	Instrument   market.Instrument  `json:"instrument"`
	Filter       SubscriptionFilter `json:"filter"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// UpsertSubscription creates or updates a subscription, keyed by
// (subscriber_id, pair, timeframe). Subscribe is idempotent.
func (db *DB) UpsertSubscription(ctx context.Context, sub *Subscription) error {
	filter, err := json.Marshal(sub.Filter)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription filter: %w", err)
	}

	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now

	query := `
		INSERT INTO subscriptions (id, subscriber_id, pair, timeframe, filter, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (subscriber_id, pair, timeframe) DO UPDATE
		SET filter = EXCLUDED.filter,
		    updated_at = EXCLUDED.updated_at
	`

	_, err = db.pool.Exec(ctx, query,
		sub.ID, sub.SubscriberID, sub.Instrument.Pair, sub.Instrument.Timeframe,
		filter, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}

	return nil
}

// DeleteSubscription removes one subscription for a subscriber.
// Returns the number of rows removed.
func (db *DB) DeleteSubscription(ctx context.Context, subscriberID uuid.UUID, inst market.Instrument) (int64, error) {
	result, err := db.pool.Exec(ctx,
		`DELETE FROM subscriptions WHERE subscriber_id = $1 AND pair = $2 AND timeframe = $3`,
		subscriberID, inst.Pair, inst.Timeframe,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete subscription: %w", err)
	}
	return result.RowsAffected(), nil
}

// DeleteAllSubscriptions removes every subscription for a subscriber.
func (db *DB) DeleteAllSubscriptions(ctx context.Context, subscriberID uuid.UUID) (int64, error) {
	result, err := db.pool.Exec(ctx,
		`DELETE FROM subscriptions WHERE subscriber_id = $1`,
		subscriberID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete subscriptions: %w", err)
	}
	return result.RowsAffected(), nil
}

// ListSubscriptions returns all subscriptions for a subscriber.
func (db *DB) ListSubscriptions(ctx context.Context, subscriberID uuid.UUID) ([]Subscription, error) {
	query := `
		SELECT id, subscriber_id, pair, timeframe, filter, created_at, updated_at
		FROM subscriptions
		WHERE subscriber_id = $1
		ORDER BY pair, timeframe
	`

	rows, err := db.pool.Query(ctx, query, subscriberID)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	return scanSubscriptions(rows)
}

// GetSubscriptionsForInstrument returns every subscription watching an
// instrument. Used by the delivery filter on event fan-out.
func (db *DB) GetSubscriptionsForInstrument(ctx context.Context, inst market.Instrument) ([]Subscription, error) {
	query := `
		SELECT id, subscriber_id, pair, timeframe, filter, created_at, updated_at
		FROM subscriptions
		WHERE pair = $1 AND timeframe = $2
	`

	rows, err := db.pool.Query(ctx, query, inst.Pair, inst.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("failed to query instrument subscriptions: %w", err)
	}
	defer rows.Close()

	return scanSubscriptions(rows)
}

// ListSubscribedInstruments returns the distinct instruments with at least
// one subscription, in deterministic order for the scheduler.
func (db *DB) ListSubscribedInstruments(ctx context.Context) ([]market.Instrument, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT pair, timeframe FROM subscriptions ORDER BY pair, timeframe`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscribed instruments: %w", err)
	}
	defer rows.Close()

	var instruments []market.Instrument
	for rows.Next() {
		var inst market.Instrument
		if err := rows.Scan(&inst.Pair, &inst.Timeframe); err != nil {
			return nil, fmt.Errorf("failed to scan instrument: %w", err)
		}
		instruments = append(instruments, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instruments: %w", err)
	}

	return instruments, nil
}

func scanSubscriptions(rows pgx.Rows) ([]Subscription, error) {
	var subs []Subscription
	for rows.Next() {
		var sub Subscription
		var filter []byte
		if err := rows.Scan(
			&sub.ID, &sub.SubscriberID, &sub.Instrument.Pair, &sub.Instrument.Timeframe,
			&filter, &sub.CreatedAt, &sub.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		if len(filter) > 0 {
			if err := json.Unmarshal(filter, &sub.Filter); err != nil {
				return nil, fmt.Errorf("invalid filter JSON: %w", err)
			}
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscriptions: %w", err)
	}
	return subs, nil
}
