package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/aifx-io/aifx/internal/market"
	"github.com/aifx-io/aifx/internal/signal"
)

// Broker is the pub/sub transport for signal change and position events,
// backed by NATS. Subjects are namespaced under a configurable prefix:
// {prefix}signals.{PAIR_TF} and {prefix}positions.{id}.
type Broker struct {
	nc     *nats.Conn
	prefix string
}

// Config configures the broker connection.
type Config struct {
	NATSURL string
	Prefix  string // subject prefix (default "aifx.")
}

// DefaultConfig returns the default broker configuration.
func DefaultConfig() Config {
	return Config{
		NATSURL: "nats://localhost:4222",
		Prefix:  "aifx.",
	}
}

// Envelope wraps every published event. Consumers must tolerate unknown
// fields, so the payload rides as raw JSON.
type Envelope struct {
	EventID    uuid.UUID         `json:"event_id"`
	Instrument market.Instrument `json:"instrument"`
	Reason     string            `json:"reason"`
	Payload    json.RawMessage   `json:"payload"`
	EmittedAt  time.Time         `json:"emitted_at"`
}

// New connects to NATS and returns a broker.
func New(cfg Config) (*Broker, error) {
	nc, err := nats.Connect(
		cfg.NATSURL,
		nats.Name("aifx-monitor"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	if cfg.Prefix == "" {
		cfg.Prefix = "aifx."
	}

	log.Info().
		Str("nats_url", cfg.NATSURL).
		Str("prefix", cfg.Prefix).
		Msg("Broker initialized")

	return &Broker{nc: nc, prefix: cfg.Prefix}, nil
}

// NewWithConn wraps an existing NATS connection (used by tests).
func NewWithConn(nc *nats.Conn, prefix string) *Broker {
	if prefix == "" {
		prefix = "aifx."
	}
	return &Broker{nc: nc, prefix: prefix}
}

// SignalSubject returns the subject for an instrument's change events.
func (b *Broker) SignalSubject(inst market.Instrument) string {
	return b.prefix + "signals." + inst.Key()
}

// PositionSubject returns the subject for a position's lifecycle events.
func (b *Broker) PositionSubject(positionID uuid.UUID) string {
	return b.prefix + "positions." + positionID.String()
}

// PublishSignalChange publishes a change event onto the signals channel.
// Publication is fire-and-forget; the tick never blocks on consumers.
func (b *Broker) PublishSignalChange(ctx context.Context, event *signal.ChangeEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !b.nc.IsConnected() {
		return fmt.Errorf("broker not connected")
	}

	payload, err := json.Marshal(event.Signal)
	if err != nil {
		return fmt.Errorf("failed to marshal signal payload: %w", err)
	}

	env := Envelope{
		EventID:    event.ID,
		Instrument: event.Instrument,
		Reason:     string(event.Reason),
		Payload:    payload,
		EmittedAt:  time.Now().UTC(),
	}

	return b.publish(b.SignalSubject(event.Instrument), &env)
}

// PositionClosed is the payload published when the monitor closes a position.
type PositionClosed struct {
	PositionID      uuid.UUID         `json:"position_id"`
	SubscriberID    uuid.UUID         `json:"subscriber_id"`
	Instrument      market.Instrument `json:"instrument"`
	Status          string            `json:"status"`
	ExitPrice       float64           `json:"exit_price"`
	RealizedPnLPips float64           `json:"realized_pnl_pips"`
	ClosedAt        time.Time         `json:"closed_at"`
}

// PublishPositionClosed publishes a terminal position event.
func (b *Broker) PublishPositionClosed(ctx context.Context, event *PositionClosed) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !b.nc.IsConnected() {
		return fmt.Errorf("broker not connected")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal position payload: %w", err)
	}

	env := Envelope{
		EventID:    uuid.New(),
		Instrument: event.Instrument,
		Reason:     event.Status,
		Payload:    payload,
		EmittedAt:  time.Now().UTC(),
	}

	return b.publish(b.PositionSubject(event.PositionID), &env)
}

func (b *Broker) publish(subject string, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	log.Debug().
		Str("event_id", env.EventID.String()).
		Str("subject", subject).
		Str("reason", env.Reason).
		Msg("Event published")

	return nil
}

// EnvelopeHandler consumes published envelopes.
type EnvelopeHandler func(env *Envelope)

// SubscribeSignals subscribes to all signal change events.
func (b *Broker) SubscribeSignals(handler EnvelopeHandler) (*nats.Subscription, error) {
	return b.subscribe(b.prefix+"signals.>", handler)
}

// SubscribePositions subscribes to all position lifecycle events.
func (b *Broker) SubscribePositions(handler EnvelopeHandler) (*nats.Subscription, error) {
	return b.subscribe(b.prefix+"positions.>", handler)
}

func (b *Broker) subscribe(subject string, handler EnvelopeHandler) (*nats.Subscription, error) {
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("Failed to unmarshal envelope")
			return
		}
		handler(&env)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	log.Info().Str("subject", subject).Msg("Subscribed to events")
	return sub, nil
}

// Flush waits for buffered publishes to reach the server.
func (b *Broker) Flush(timeout time.Duration) error {
	return b.nc.FlushTimeout(timeout)
}

// Health reports connection status.
func (b *Broker) Health() error {
	if b.nc == nil || !b.nc.IsConnected() {
		return fmt.Errorf("broker not connected")
	}
	return nil
}

// Close drains and closes the NATS connection.
func (b *Broker) Close() {
	if b.nc != nil {
		b.nc.Close()
		log.Info().Msg("Broker closed")
	}
}
