package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/aifx-io/aifx/internal/broker"
	"github.com/aifx-io/aifx/internal/db"
	"github.com/aifx-io/aifx/internal/notify"
)

// Deliverer carries rendered notifications to Telegram chats. The
// subscriber's platform identity is the numeric chat id.
type Deliverer struct {
	api *tgbotapi.BotAPI
}

// NewDeliverer wraps a bot API client as a delivery adapter.
func NewDeliverer(api *tgbotapi.BotAPI) *Deliverer {
	return &Deliverer{api: api}
}

// Deliver sends one rendered message to a subscriber's chat.
func (d *Deliverer) Deliver(ctx context.Context, subscriber *db.Subscriber, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	chatID, err := strconv.ParseInt(subscriber.PlatformIdentity, 10, 64)
	if err != nil {
		return fmt.Errorf("subscriber %s has non-numeric chat identity %q",
			subscriber.ID, subscriber.PlatformIdentity)
	}

	msg := tgbotapi.NewMessage(chatID, message)
	msg.ParseMode = parseModeMarkdown

	if _, err := d.api.Send(msg); err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}
	return nil
}

// SubscriberStore looks delivery targets up for position events.
type SubscriberStore interface {
	GetSubscriber(ctx context.Context, id uuid.UUID) (*db.Subscriber, error)
}

// PositionNotifier consumes position lifecycle events off the broker and
// messages the position owner.
type PositionNotifier struct {
	deliverer *Deliverer
	store     SubscriberStore
	timeout   time.Duration
}

// NewPositionNotifier creates a position event consumer.
func NewPositionNotifier(deliverer *Deliverer, store SubscriberStore) *PositionNotifier {
	return &PositionNotifier{
		deliverer: deliverer,
		store:     store,
		timeout:   10 * time.Second,
	}
}

// HandleEnvelope processes one position event. Errors are logged, never
// propagated; broker consumption must not stall on one bad event.
func (n *PositionNotifier) HandleEnvelope(env *broker.Envelope) {
	var event broker.PositionClosed
	if err := json.Unmarshal(env.Payload, &event); err != nil {
		log.Warn().Err(err).Str("event_id", env.EventID.String()).Msg("Malformed position event payload")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	subscriber, err := n.store.GetSubscriber(ctx, event.SubscriberID)
	if err != nil {
		log.Error().Err(err).Str("subscriber_id", event.SubscriberID.String()).Msg("Failed to load position owner")
		return
	}
	if subscriber == nil {
		log.Warn().Str("subscriber_id", event.SubscriberID.String()).Msg("Position event for unknown subscriber")
		return
	}

	message := notify.RenderPositionClosed(&event)
	if err := n.deliverer.Deliver(ctx, subscriber, message); err != nil {
		log.Error().
			Err(err).
			Str("position_id", event.PositionID.String()).
			Msg("Failed to deliver position notification")
	}
}
