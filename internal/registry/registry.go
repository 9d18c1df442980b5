package registry

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/aifx-io/aifx/internal/db"
	"github.com/aifx-io/aifx/internal/market"
)

// Store is the persistence surface the registry needs.
type Store interface {
	GetSubscriber(ctx context.Context, id uuid.UUID) (*db.Subscriber, error)
	GetSubscriberByIdentity(ctx context.Context, kind db.SubscriberKind, identity string) (*db.Subscriber, error)
	CreateSubscriber(ctx context.Context, sub *db.Subscriber) error
	UpdateSubscriberPreferences(ctx context.Context, id uuid.UUID, prefs db.Preferences) error
	UpsertSubscription(ctx context.Context, sub *db.Subscription) error
	DeleteSubscription(ctx context.Context, subscriberID uuid.UUID, inst market.Instrument) (int64, error)
	DeleteAllSubscriptions(ctx context.Context, subscriberID uuid.UUID) (int64, error)
	ListSubscriptions(ctx context.Context, subscriberID uuid.UUID) ([]db.Subscription, error)
}

// Registry manages subscribers and their instrument subscriptions.
type Registry struct {
	store Store
}

// New creates a subscription registry.
func New(store Store) *Registry {
	return &Registry{store: store}
}

// Provision returns the subscriber for a platform identity, creating one
// with default preferences on first contact.
func (r *Registry) Provision(ctx context.Context, kind db.SubscriberKind, identity string) (*db.Subscriber, error) {
	sub, err := r.store.GetSubscriberByIdentity(ctx, kind, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to look up subscriber: %w", err)
	}
	if sub != nil {
		return sub, nil
	}

	sub = &db.Subscriber{
		Kind:             kind,
		PlatformIdentity: identity,
		Preferences:      db.DefaultPreferences(),
	}
	if err := r.store.CreateSubscriber(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to provision subscriber: %w", err)
	}

	log.Info().
		Str("subscriber_id", sub.ID.String()).
		Str("kind", string(kind)).
		Msg("Subscriber provisioned")

	return sub, nil
}

// Subscribe creates or updates a subscription. Idempotent per
// (subscriber, instrument).
func (r *Registry) Subscribe(ctx context.Context, subscriberID uuid.UUID, inst market.Instrument, filter db.SubscriptionFilter) (*db.Subscription, error) {
	if err := market.ValidatePair(inst.Pair); err != nil {
		return nil, err
	}
	if !inst.Timeframe.IsValid() {
		return nil, fmt.Errorf("invalid timeframe: %q", inst.Timeframe)
	}

	sub := &db.Subscription{
		SubscriberID: subscriberID,
		Instrument:   inst,
		Filter:       filter,
	}
	if err := r.store.UpsertSubscription(ctx, sub); err != nil {
		return nil, err
	}

	log.Info().
		Str("subscriber_id", subscriberID.String()).
		Str("instrument", inst.String()).
		Msg("Subscription upserted")

	return sub, nil
}

// Unsubscribe removes one subscription, or every subscription for the
// subscriber when inst is nil. Returns the number removed.
func (r *Registry) Unsubscribe(ctx context.Context, subscriberID uuid.UUID, inst *market.Instrument) (int64, error) {
	if inst == nil {
		return r.store.DeleteAllSubscriptions(ctx, subscriberID)
	}
	return r.store.DeleteSubscription(ctx, subscriberID, *inst)
}

// List returns all subscriptions for a subscriber.
func (r *Registry) List(ctx context.Context, subscriberID uuid.UUID) ([]db.Subscription, error) {
	return r.store.ListSubscriptions(ctx, subscriberID)
}

// PreferenceUpdate carries the optional fields of a preferences edit.
// Nil fields keep their current value.
type PreferenceUpdate struct {
	RiskLevel     *string
	TradingStyle  *string
	MinConfidence *float64
	StrongOnly    *bool
	DailyCap      *int
	QuietHours    *db.QuietHours
	ClearQuiet    bool
}

// UpdatePreferences applies a partial preferences edit and returns the
// resulting preferences.
func (r *Registry) UpdatePreferences(ctx context.Context, subscriberID uuid.UUID, update PreferenceUpdate) (*db.Preferences, error) {
	sub, err := r.store.GetSubscriber(ctx, subscriberID)
	if err != nil {
		return nil, fmt.Errorf("failed to load subscriber: %w", err)
	}
	if sub == nil {
		return nil, fmt.Errorf("subscriber not found: %s", subscriberID)
	}

	prefs := sub.Preferences
	if update.RiskLevel != nil {
		prefs.RiskLevel = *update.RiskLevel
	}
	if update.TradingStyle != nil {
		prefs.TradingStyle = *update.TradingStyle
	}
	if update.MinConfidence != nil {
		if *update.MinConfidence < 0 || *update.MinConfidence > 1 {
			return nil, fmt.Errorf("min_confidence out of range: %.2f", *update.MinConfidence)
		}
		prefs.MinConfidence = *update.MinConfidence
	}
	if update.StrongOnly != nil {
		prefs.StrongOnly = *update.StrongOnly
	}
	if update.DailyCap != nil {
		if *update.DailyCap < 1 {
			return nil, fmt.Errorf("daily_cap must be positive, got %d", *update.DailyCap)
		}
		prefs.DailyCap = *update.DailyCap
	}
	if update.QuietHours != nil {
		prefs.QuietHours = update.QuietHours
	}
	if update.ClearQuiet {
		prefs.QuietHours = nil
	}

	if err := r.store.UpdateSubscriberPreferences(ctx, subscriberID, prefs); err != nil {
		return nil, err
	}

	return &prefs, nil
}
