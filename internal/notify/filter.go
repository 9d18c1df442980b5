package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/aifx-io/aifx/internal/db"
	"github.com/aifx-io/aifx/internal/market"
	"github.com/aifx-io/aifx/internal/metrics"
	"github.com/aifx-io/aifx/internal/signal"
)

// Deliverer is the delivery contract each subscriber kind implements.
// The message arrives fully rendered; the deliverer only transports it.
type Deliverer interface {
	Deliver(ctx context.Context, subscriber *db.Subscriber, message string) error
}

// Store is the persistence surface the delivery filter needs.
type Store interface {
	GetSubscriptionsForInstrument(ctx context.Context, inst market.Instrument) ([]db.Subscription, error)
	GetSubscriber(ctx context.Context, id uuid.UUID) (*db.Subscriber, error)
	TryRecordDelivery(ctx context.Context, subscriberID uuid.UUID, inst market.Instrument,
		action signal.Action, now time.Time, cooldown time.Duration, dailyCap int,
		bypassCooldown bool) (db.DeliveryDecision, error)
	LogDelivery(ctx context.Context, subscriberID, eventID uuid.UUID, outcome string, attempts int, errMsg string) error
}

// Config holds the delivery defaults, overridable per subscriber.
type Config struct {
	Cooldown       time.Duration // default 30 min
	DailyCap       int           // default 20
	AttemptTimeout time.Duration // per delivery attempt
	MaxAttempts    int
}

// DefaultConfig returns the production delivery defaults.
func DefaultConfig() Config {
	return Config{
		Cooldown:       30 * time.Minute,
		DailyCap:       20,
		AttemptTimeout: 5 * time.Second,
		MaxAttempts:    3,
	}
}

// Filter applies per-subscriber filtering, quiet hours, cooldowns and daily
// caps before invoking the delivery contract. The cooldown and cap checks
// run in one transaction, so concurrent events cannot double-deliver.
type Filter struct {
	store      Store
	deliverers map[db.SubscriberKind]Deliverer
	cfg        Config
	now        func() time.Time
}

// NewFilter creates a delivery filter.
func NewFilter(store Store, cfg Config) *Filter {
	if cfg.Cooldown == 0 {
		cfg = DefaultConfig()
	}
	return &Filter{
		store:      store,
		deliverers: make(map[db.SubscriberKind]Deliverer),
		cfg:        cfg,
		now:        time.Now,
	}
}

// Register attaches a deliverer for a subscriber kind.
func (f *Filter) Register(kind db.SubscriberKind, d Deliverer) {
	f.deliverers[kind] = d
}

// HandleChange fans a change event out to every matching subscription.
// Per-subscriber failures are logged and never abort the fan-out.
func (f *Filter) HandleChange(ctx context.Context, event *signal.ChangeEvent) {
	subs, err := f.store.GetSubscriptionsForInstrument(ctx, event.Instrument)
	if err != nil {
		log.Error().
			Err(err).
			Str("instrument", event.Instrument.String()).
			Msg("Failed to load subscriptions for event")
		return
	}

	for i := range subs {
		if err := f.processOne(ctx, event, &subs[i]); err != nil {
			log.Warn().
				Err(err).
				Str("subscriber_id", subs[i].SubscriberID.String()).
				Str("event_id", event.ID.String()).
				Msg("Delivery pipeline error")
		}
	}
}

// processOne runs the full pipeline for one subscription:
// filter -> quiet hours -> cooldown/cap (atomic) -> deliver with retry.
func (f *Filter) processOne(ctx context.Context, event *signal.ChangeEvent, sub *db.Subscription) error {
	s := event.Signal
	if s == nil {
		return fmt.Errorf("event %s carries no signal", event.ID)
	}

	if !sub.Filter.Allows(s) {
		metrics.Deliveries.WithLabelValues(metrics.OutcomeFiltered).Inc()
		return nil
	}

	subscriber, err := f.store.GetSubscriber(ctx, sub.SubscriberID)
	if err != nil {
		return fmt.Errorf("failed to load subscriber: %w", err)
	}
	if subscriber == nil {
		return fmt.Errorf("subscription %s references missing subscriber", sub.ID)
	}

	prefs := subscriber.Preferences
	if s.Confidence < prefs.MinConfidence {
		metrics.Deliveries.WithLabelValues(metrics.OutcomeFiltered).Inc()
		return nil
	}
	if prefs.StrongOnly && !s.Strength.AtLeast(signal.StrengthStrong) {
		metrics.Deliveries.WithLabelValues(metrics.OutcomeFiltered).Inc()
		return nil
	}

	now := f.now().UTC()
	if inQuietHours(prefs.QuietHours, now) {
		metrics.Deliveries.WithLabelValues(metrics.OutcomeFiltered).Inc()
		log.Debug().
			Str("subscriber_id", subscriber.ID.String()).
			Msg("Dropping delivery inside quiet hours")
		return nil
	}

	cooldown := f.cfg.Cooldown
	if prefs.CooldownOverride != nil {
		cooldown = *prefs.CooldownOverride
	}
	dailyCap := f.cfg.DailyCap
	if prefs.DailyCap > 0 {
		dailyCap = prefs.DailyCap
	}

	decision, err := f.store.TryRecordDelivery(ctx, subscriber.ID, event.Instrument,
		s.Action, now, cooldown, dailyCap, event.BypassesCooldown())
	if err != nil {
		return fmt.Errorf("cooldown check failed: %w", err)
	}
	if decision != db.DeliveryAccepted {
		outcome := metrics.OutcomeCooldown
		if decision == db.DeliveryCapExhausted {
			outcome = metrics.OutcomeCapped
		}
		metrics.Deliveries.WithLabelValues(outcome).Inc()
		log.Debug().
			Str("subscriber_id", subscriber.ID.String()).
			Str("decision", string(decision)).
			Str("instrument", event.Instrument.String()).
			Str("action", string(s.Action)).
			Msg("Delivery suppressed")
		return nil
	}

	deliverer, ok := f.deliverers[subscriber.Kind]
	if !ok {
		return fmt.Errorf("no deliverer registered for kind %s", subscriber.Kind)
	}

	message := RenderSignalMessage(event)
	attempts, err := f.deliverWithRetry(ctx, deliverer, subscriber, message)

	outcome := metrics.OutcomeDelivered
	errMsg := ""
	if err != nil {
		outcome = metrics.OutcomeDropped
		errMsg = err.Error()
		log.Error().
			Err(err).
			Str("subscriber_id", subscriber.ID.String()).
			Int("attempts", attempts).
			Msg("Delivery dropped after retries")
	}
	metrics.Deliveries.WithLabelValues(outcome).Inc()

	if logErr := f.store.LogDelivery(ctx, subscriber.ID, event.ID, outcome, attempts, errMsg); logErr != nil {
		log.Warn().Err(logErr).Msg("Failed to write delivery log")
	}

	return nil
}

// deliverWithRetry attempts delivery with exponential backoff (1s, 2s, 4s).
// Returns the number of attempts made.
func (f *Filter) deliverWithRetry(ctx context.Context, d Deliverer, subscriber *db.Subscriber, message string) (int, error) {
	backoff := time.Second
	var lastErr error

	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.AttemptTimeout)
		lastErr = d.Deliver(attemptCtx, subscriber, message)
		cancel()

		if lastErr == nil {
			return attempt, nil
		}

		if attempt < f.cfg.MaxAttempts {
			log.Debug().
				Err(lastErr).
				Str("subscriber_id", subscriber.ID.String()).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Delivery attempt failed, retrying")

			select {
			case <-ctx.Done():
				return attempt, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	return f.cfg.MaxAttempts, lastErr
}

// inQuietHours reports whether now falls inside the subscriber's local
// quiet window. Windows may wrap midnight ("22:00"-"07:00").
func inQuietHours(qh *db.QuietHours, now time.Time) bool {
	if qh == nil || qh.Start == "" || qh.End == "" {
		return false
	}

	loc, err := time.LoadLocation(qh.Timezone)
	if err != nil {
		log.Warn().Err(err).Str("timezone", qh.Timezone).Msg("Invalid quiet hours timezone, ignoring window")
		return false
	}

	start, err1 := time.Parse("15:04", qh.Start)
	end, err2 := time.Parse("15:04", qh.End)
	if err1 != nil || err2 != nil {
		log.Warn().Str("start", qh.Start).Str("end", qh.End).Msg("Invalid quiet hours window, ignoring")
		return false
	}

	local := now.In(loc)
	minutes := local.Hour()*60 + local.Minute()
	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()

	if startMin <= endMin {
		return minutes >= startMin && minutes < endMin
	}
	// Window wraps midnight.
	return minutes >= startMin || minutes < endMin
}
