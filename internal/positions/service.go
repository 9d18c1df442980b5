package positions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/aifx-io/aifx/internal/db"
	"github.com/aifx-io/aifx/internal/market"
	"github.com/aifx-io/aifx/internal/metrics"
)

var (
	// ErrNotFound is returned when a position id resolves to nothing.
	ErrNotFound = errors.New("position not found")
	// ErrNotOpen is returned by mutations against a terminal position.
	ErrNotOpen = errors.New("position is not open")
)

// Store is the persistence surface for position operations.
type Store interface {
	CreatePosition(ctx context.Context, p *db.Position) error
	GetPosition(ctx context.Context, id uuid.UUID) (*db.Position, error)
	GetOpenPositions(ctx context.Context) ([]*db.Position, error)
	GetOpenPositionsForSubscriber(ctx context.Context, subscriberID uuid.UUID, pair string) ([]*db.Position, error)
	ClosePosition(ctx context.Context, id uuid.UUID, status db.PositionStatus, exitPrice, realizedPips float64, closedAt time.Time) error
	UpdatePositionLevels(ctx context.Context, id uuid.UUID, stopLoss, takeProfit float64) error
	ReducePositionSize(ctx context.Context, id uuid.UUID, newSize float64) error
	InsertMonitoringSample(ctx context.Context, s *db.MonitoringSample) error
	GetLatestSample(ctx context.Context, positionID uuid.UUID) (*db.MonitoringSample, error)
}

// Service owns position lifecycle operations. Mutating operations on one
// position serialize through a per-position mutex, so the monitor and
// user-driven adjustments cannot interleave on the same row.
type Service struct {
	store Store

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// NewService creates a position service.
func NewService(store Store) *Service {
	return &Service{
		store: store,
		locks: make(map[uuid.UUID]*sync.Mutex),
	}
}

// lockFor returns the mutex serializing operations on one position.
func (s *Service) lockFor(id uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// releaseLock drops the mutex for a terminally closed position.
func (s *Service) releaseLock(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, id)
}

// validateLevels checks SL/TP ordering for a side.
func validateLevels(side db.PositionSide, entry, stopLoss, takeProfit float64) error {
	switch side {
	case db.PositionSideLong:
		if !(stopLoss < entry && entry < takeProfit) {
			return fmt.Errorf("long position requires stop_loss < entry < take_profit, got sl=%.5f entry=%.5f tp=%.5f",
				stopLoss, entry, takeProfit)
		}
	case db.PositionSideShort:
		if !(takeProfit < entry && entry < stopLoss) {
			return fmt.Errorf("short position requires take_profit < entry < stop_loss, got tp=%.5f entry=%.5f sl=%.5f",
				takeProfit, entry, stopLoss)
		}
	default:
		return fmt.Errorf("invalid position side: %q", side)
	}
	return nil
}

// Open validates and creates a position.
func (s *Service) Open(ctx context.Context, p *db.Position) (*db.Position, error) {
	if err := market.ValidatePair(p.Instrument.Pair); err != nil {
		return nil, err
	}
	if !p.Instrument.Timeframe.IsValid() {
		return nil, fmt.Errorf("invalid timeframe: %q", p.Instrument.Timeframe)
	}
	if p.EntryPrice <= 0 {
		return nil, fmt.Errorf("entry price must be positive, got %.5f", p.EntryPrice)
	}
	if p.Size <= 0 {
		return nil, fmt.Errorf("position size must be positive, got %.2f", p.Size)
	}
	if err := validateLevels(p.Side, p.EntryPrice, p.StopLoss, p.TakeProfit); err != nil {
		return nil, err
	}

	if err := s.store.CreatePosition(ctx, p); err != nil {
		return nil, err
	}

	log.Info().
		Str("position_id", p.ID.String()).
		Str("instrument", p.Instrument.String()).
		Str("side", string(p.Side)).
		Float64("entry", p.EntryPrice).
		Msg("Position opened")

	return p, nil
}

// Get returns one position.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*db.Position, error) {
	return s.store.GetPosition(ctx, id)
}

// ListOpen returns a subscriber's open positions, optionally filtered by pair.
func (s *Service) ListOpen(ctx context.Context, subscriberID uuid.UUID, pair string) ([]*db.Position, error) {
	if pair != "" {
		pair = market.NormalizePair(pair)
	}
	return s.store.GetOpenPositionsForSubscriber(ctx, subscriberID, pair)
}

// realizedPips computes the signed P&L in pips for an exit.
func realizedPips(p *db.Position, exitPrice float64) float64 {
	delta := exitPrice - p.EntryPrice
	if p.Side == db.PositionSideShort {
		delta = -delta
	}
	return market.PriceToPips(p.Instrument.Pair, delta)
}

// CloseResult reports the outcome of a close operation.
type CloseResult struct {
	Position        *db.Position      `json:"position"`
	Status          db.PositionStatus `json:"status"`
	RealizedPnLPips float64           `json:"realized_pnl_pips"`
	ClosedSize      float64           `json:"closed_size"`
	RemainingSize   float64           `json:"remaining_size"`
}

// Close closes a position manually at the given price. pct below 100
// performs a partial close that only reduces size; the position stays open.
func (s *Service) Close(ctx context.Context, id uuid.UUID, exitPrice, pct float64) (*CloseResult, error) {
	if exitPrice <= 0 {
		return nil, fmt.Errorf("exit price must be positive, got %.5f", exitPrice)
	}
	if pct <= 0 || pct > 100 {
		return nil, fmt.Errorf("close percentage must be in (0, 100], got %.1f", pct)
	}

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	p, err := s.store.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if p.Status != db.PositionOpen {
		return nil, fmt.Errorf("%w: %s is already %s", ErrNotOpen, id, p.Status)
	}

	pips := realizedPips(p, exitPrice)
	closedSize := p.Size * pct / 100

	if pct < 100 {
		remaining := p.Size - closedSize
		if err := s.store.ReducePositionSize(ctx, id, remaining); err != nil {
			return nil, err
		}
		log.Info().
			Str("position_id", id.String()).
			Float64("pct", pct).
			Float64("remaining_size", remaining).
			Msg("Position partially closed")
		return &CloseResult{
			Position:        p,
			Status:          db.PositionOpen,
			RealizedPnLPips: pips,
			ClosedSize:      closedSize,
			RemainingSize:   remaining,
		}, nil
	}

	closedAt := time.Now().UTC()
	if err := s.store.ClosePosition(ctx, id, db.PositionClosedManual, exitPrice, pips, closedAt); err != nil {
		return nil, err
	}
	s.releaseLock(id)
	metrics.PositionCloses.WithLabelValues(string(db.PositionClosedManual)).Inc()

	log.Info().
		Str("position_id", id.String()).
		Float64("exit_price", exitPrice).
		Float64("realized_pips", pips).
		Msg("Position closed manually")

	return &CloseResult{
		Position:        p,
		Status:          db.PositionClosedManual,
		RealizedPnLPips: pips,
		ClosedSize:      closedSize,
	}, nil
}

// Adjust moves the stop-loss and/or take-profit of an open position.
// Zero values keep the current level. Ordering invariants are re-checked
// against the entry price.
func (s *Service) Adjust(ctx context.Context, id uuid.UUID, stopLoss, takeProfit float64) (*db.Position, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	p, err := s.store.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if p.Status != db.PositionOpen {
		return nil, fmt.Errorf("%w: %s is already %s", ErrNotOpen, id, p.Status)
	}

	if stopLoss == 0 {
		stopLoss = p.StopLoss
	}
	if takeProfit == 0 {
		takeProfit = p.TakeProfit
	}
	if err := validateLevels(p.Side, p.EntryPrice, stopLoss, takeProfit); err != nil {
		return nil, err
	}

	if err := s.store.UpdatePositionLevels(ctx, id, stopLoss, takeProfit); err != nil {
		return nil, err
	}

	p.StopLoss = stopLoss
	p.TakeProfit = takeProfit

	log.Info().
		Str("position_id", id.String()).
		Float64("stop_loss", stopLoss).
		Float64("take_profit", takeProfit).
		Msg("Position levels adjusted")

	return p, nil
}

// closeTriggered records a SL/TP-triggered terminal transition. Called by
// the monitor while holding the position lock.
func (s *Service) closeTriggered(ctx context.Context, p *db.Position, status db.PositionStatus, exitPrice float64, closedAt time.Time) (float64, error) {
	pips := realizedPips(p, exitPrice)
	if err := s.store.ClosePosition(ctx, p.ID, status, exitPrice, pips, closedAt); err != nil {
		return 0, err
	}
	s.releaseLock(p.ID)
	metrics.PositionCloses.WithLabelValues(string(status)).Inc()
	return pips, nil
}
