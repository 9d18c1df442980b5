package positions

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aifx-io/aifx/internal/broker"
	"github.com/aifx-io/aifx/internal/db"
	"github.com/aifx-io/aifx/internal/market"
	"github.com/aifx-io/aifx/internal/metrics"
)

// PriceSource supplies the freshest candle for an instrument.
type PriceSource interface {
	GetSeries(ctx context.Context, inst market.Instrument, n int) (*market.Series, error)
}

// Publisher emits position lifecycle events.
type Publisher interface {
	PublishPositionClosed(ctx context.Context, event *broker.PositionClosed) error
}

// Monitor walks open positions on the position tick, appends monitoring
// samples and fires SL/TP triggers. Triggers compare the fetched candle's
// high/low against the levels, not only the close, so an intra-candle
// touch still closes the position.
type Monitor struct {
	svc       *Service
	prices    PriceSource
	publisher Publisher
	now       func() time.Time
}

// NewMonitor creates a position monitor.
func NewMonitor(svc *Service, prices PriceSource, publisher Publisher) *Monitor {
	return &Monitor{
		svc:       svc,
		prices:    prices,
		publisher: publisher,
		now:       time.Now,
	}
}

// CheckAll runs one monitoring pass over every open position. Per-position
// failures are logged; the pass continues.
func (m *Monitor) CheckAll(ctx context.Context) error {
	open, err := m.svc.store.GetOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load open positions: %w", err)
	}
	metrics.OpenPositions.Set(float64(len(open)))

	for _, p := range open {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.Check(ctx, p); err != nil {
			log.Warn().
				Err(err).
				Str("position_id", p.ID.String()).
				Msg("Position check failed")
		}
	}

	return nil
}

// Check runs one monitoring pass for a single position.
func (m *Monitor) Check(ctx context.Context, p *db.Position) error {
	series, err := m.prices.GetSeries(ctx, p.Instrument, 1)
	if err != nil {
		return fmt.Errorf("failed to fetch price: %w", err)
	}
	candle, ok := series.Last()
	if !ok {
		return fmt.Errorf("no price data for %s", p.Instrument)
	}
	if series.Stale {
		// Stale candles still update P&L but never fire triggers; a
		// trigger needs a fresh high/low.
		log.Debug().
			Str("position_id", p.ID.String()).
			Msg("Stale price, skipping trigger detection")
	}

	lock := m.svc.lockFor(p.ID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock; a manual close may have won the race.
	current, err := m.svc.store.GetPosition(ctx, p.ID)
	if err != nil {
		return err
	}
	if current == nil || current.Status != db.PositionOpen {
		return nil
	}
	p = current

	if err := m.appendSample(ctx, p, &candle); err != nil {
		return err
	}

	if series.Stale {
		return nil
	}

	status, exitPrice, triggered := detectTrigger(p, &candle)
	if !triggered {
		return nil
	}

	closedAt := m.now().UTC()
	pips, err := m.svc.closeTriggered(ctx, p, status, exitPrice, closedAt)
	if err != nil {
		return fmt.Errorf("failed to close triggered position: %w", err)
	}

	log.Info().
		Str("position_id", p.ID.String()).
		Str("instrument", p.Instrument.String()).
		Str("status", string(status)).
		Float64("exit_price", exitPrice).
		Float64("realized_pips", pips).
		Msg("Position trigger fired")

	event := &broker.PositionClosed{
		PositionID:      p.ID,
		SubscriberID:    p.SubscriberID,
		Instrument:      p.Instrument,
		Status:          string(status),
		ExitPrice:       exitPrice,
		RealizedPnLPips: pips,
		ClosedAt:        closedAt,
	}
	if err := m.publisher.PublishPositionClosed(ctx, event); err != nil {
		log.Warn().Err(err).Str("position_id", p.ID.String()).Msg("Failed to publish position close")
	}

	return nil
}

// appendSample writes one monitoring observation with rolling watermarks.
func (m *Monitor) appendSample(ctx context.Context, p *db.Position, candle *market.Candle) error {
	price := candle.Close

	delta := price - p.EntryPrice
	if p.Side == db.PositionSideShort {
		delta = -delta
	}
	pnlPips := market.PriceToPips(p.Instrument.Pair, delta)
	pnlPct := delta / p.EntryPrice * 100

	high := candle.High
	low := candle.Low
	prev, err := m.svc.store.GetLatestSample(ctx, p.ID)
	if err != nil {
		return err
	}
	if prev != nil {
		if prev.HighWatermark > high {
			high = prev.HighWatermark
		}
		if prev.LowWatermark < low {
			low = prev.LowWatermark
		}
	}

	sample := &db.MonitoringSample{
		PositionID:        p.ID,
		ObservedAt:        m.now().UTC(),
		CurrentPrice:      price,
		UnrealizedPnLPips: pnlPips,
		UnrealizedPnLPct:  pnlPct,
		HighWatermark:     high,
		LowWatermark:      low,
		SLArmed:           p.StopLoss > 0,
		TPArmed:           p.TakeProfit > 0,
	}

	return m.svc.store.InsertMonitoringSample(ctx, sample)
}

// detectTrigger applies the high/low trigger rules. The stop-loss wins
// when both levels fall inside one candle.
func detectTrigger(p *db.Position, candle *market.Candle) (db.PositionStatus, float64, bool) {
	switch p.Side {
	case db.PositionSideLong:
		if candle.Low <= p.StopLoss {
			return db.PositionClosedSL, p.StopLoss, true
		}
		if candle.High >= p.TakeProfit {
			return db.PositionClosedTP, p.TakeProfit, true
		}
	case db.PositionSideShort:
		if candle.High >= p.StopLoss {
			return db.PositionClosedSL, p.StopLoss, true
		}
		if candle.Low <= p.TakeProfit {
			return db.PositionClosedTP, p.TakeProfit, true
		}
	}
	return "", 0, false
}
