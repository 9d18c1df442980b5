package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// SubscriberKind distinguishes delivery targets.
type SubscriberKind string

const (
	SubscriberChatDM      SubscriberKind = "chat_dm"
	SubscriberChatChannel SubscriberKind = "chat_channel"
	SubscriberWebhook     SubscriberKind = "webhook"
)

// QuietHours suppresses deliveries inside a local time window.
type QuietHours struct {
	Start    string `json:"start"`    // "22:00"
	End      string `json:"end"`      // "07:00"
	Timezone string `json:"timezone"` // IANA name, e.g. "Europe/Berlin"
}

// Preferences are per-subscriber delivery settings.
type Preferences struct {
	RiskLevel        string         `json:"risk_level"`    // conservative, balanced, aggressive
	TradingStyle     string         `json:"trading_style"` // intraday, swing, position, longterm
	MinConfidence    float64        `json:"min_confidence"`
	StrongOnly       bool           `json:"strong_only"`
	DailyCap         int            `json:"daily_cap"`
	CooldownOverride *time.Duration `json:"cooldown_override,omitempty"`
	QuietHours       *QuietHours    `json:"quiet_hours,omitempty"`
}

// DefaultPreferences returns the configuration-table defaults applied to
// newly provisioned subscribers.
func DefaultPreferences() Preferences {
	return Preferences{
		RiskLevel:     "balanced",
		TradingStyle:  "swing",
		MinConfidence: 0.6,
		DailyCap:      20,
	}
}

// Subscriber is a delivery identity (chat user, channel, or webhook).
type Subscriber struct {
	ID               uuid.UUID      `json:"id"`
	Kind             SubscriberKind `json:"kind"`
	PlatformIdentity string         `json:"platform_identity"` // chat id or webhook URL
	Preferences      Preferences    `json:"preferences"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// GetSubscriber retrieves a subscriber by ID.
func (db *DB) GetSubscriber(ctx context.Context, id uuid.UUID) (*Subscriber, error) {
	query := `
		SELECT id, kind, platform_identity, preferences, created_at, updated_at
		FROM subscribers
		WHERE id = $1
	`
	return db.scanSubscriber(db.pool.QueryRow(ctx, query, id))
}

// GetSubscriberByIdentity retrieves a subscriber by platform identity.
// Returns nil when the identity has never been seen.
func (db *DB) GetSubscriberByIdentity(ctx context.Context, kind SubscriberKind, identity string) (*Subscriber, error) {
	query := `
		SELECT id, kind, platform_identity, preferences, created_at, updated_at
		FROM subscribers
		WHERE kind = $1 AND platform_identity = $2
	`
	sub, err := db.scanSubscriber(db.pool.QueryRow(ctx, query, kind, identity))
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (db *DB) scanSubscriber(row pgx.Row) (*Subscriber, error) {
	var sub Subscriber
	var prefs []byte

	err := row.Scan(&sub.ID, &sub.Kind, &sub.PlatformIdentity, &prefs, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get subscriber: %w", err)
	}

	if len(prefs) > 0 {
		if err := json.Unmarshal(prefs, &sub.Preferences); err != nil {
			return nil, fmt.Errorf("invalid preferences JSON: %w", err)
		}
	}

	return &sub, nil
}

// CreateSubscriber inserts a new subscriber with its preferences.
func (db *DB) CreateSubscriber(ctx context.Context, sub *Subscriber) error {
	prefs, err := json.Marshal(sub.Preferences)
	if err != nil {
		return fmt.Errorf("failed to marshal preferences: %w", err)
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
		INSERT INTO subscribers (id, kind, platform_identity, preferences, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (kind, platform_identity) DO UPDATE
		SET updated_at = EXCLUDED.updated_at
	`

	_, err = db.pool.Exec(ctx, query,
		sub.ID, sub.Kind, sub.PlatformIdentity, prefs, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create subscriber: %w", err)
	}

	return nil
}

// UpdateSubscriberPreferences replaces a subscriber's preferences.
func (db *DB) UpdateSubscriberPreferences(ctx context.Context, id uuid.UUID, prefs Preferences) error {
	data, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("failed to marshal preferences: %w", err)
	}

	result, err := db.pool.Exec(ctx,
		`UPDATE subscribers SET preferences = $2, updated_at = $3 WHERE id = $1`,
		id, data, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update preferences: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("subscriber not found: %s", id)
	}

	return nil
}
