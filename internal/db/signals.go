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

// InsertSignal appends a generated signal. Signals are append-only.
func (db *DB) InsertSignal(ctx context.Context, s *signal.Signal) error {
	technicals, err := json.Marshal(s.Technicals)
	if err != nil {
		return fmt.Errorf("failed to marshal technical snapshot: %w", err)
	}

	query := `
		INSERT INTO signals (
			id, pair, timeframe, action, confidence, strength,
			entry_price, stop_loss, take_profit, risk_reward_ratio,
			position_size_pct, source, model_version, generated_at, expires_at, technicals
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}

	_, err = db.pool.Exec(ctx, query,
		s.ID, s.Instrument.Pair, s.Instrument.Timeframe,
		s.Action, s.Confidence, s.Strength,
		s.EntryPrice, s.StopLoss, s.TakeProfit, s.RiskRewardRatio,
		s.PositionSizePct, s.Source, s.ModelVersion, s.GeneratedAt, s.ExpiresAt, technicals,
	)
	if err != nil {
		return fmt.Errorf("failed to insert signal: %w", err)
	}

	return nil
}

// GetLatestSignal returns the most recent signal for an instrument.
func (db *DB) GetLatestSignal(ctx context.Context, inst market.Instrument) (*signal.Signal, error) {
	query := `
		SELECT id, pair, timeframe, action, confidence, strength,
		       entry_price, stop_loss, take_profit, risk_reward_ratio,
		       position_size_pct, source, model_version, generated_at, expires_at, technicals
		FROM signals
		WHERE pair = $1 AND timeframe = $2
		ORDER BY generated_at DESC
		LIMIT 1
	`

	s, err := scanSignal(db.pool.QueryRow(ctx, query, inst.Pair, inst.Timeframe))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest signal: %w", err)
	}

	return s, nil
}

func scanSignal(row pgx.Row) (*signal.Signal, error) {
	var s signal.Signal
	var technicals []byte
	var modelVersion *string

	err := row.Scan(
		&s.ID, &s.Instrument.Pair, &s.Instrument.Timeframe,
		&s.Action, &s.Confidence, &s.Strength,
		&s.EntryPrice, &s.StopLoss, &s.TakeProfit, &s.RiskRewardRatio,
		&s.PositionSizePct, &s.Source, &modelVersion, &s.GeneratedAt, &s.ExpiresAt, &technicals,
	)
	if err != nil {
		return nil, err
	}

	if modelVersion != nil {
		s.ModelVersion = *modelVersion
	}
	if len(technicals) > 0 {
		if err := json.Unmarshal(technicals, &s.Technicals); err != nil {
			return nil, fmt.Errorf("invalid technical snapshot JSON: %w", err)
		}
	}

	return &s, nil
}

// GetInstrumentState loads the change detector's persisted state for an
// instrument. Returns nil when the instrument has never been observed.
func (db *DB) GetInstrumentState(ctx context.Context, inst market.Instrument) (*signal.InstrumentState, error) {
	query := `
		SELECT last_signal, last_change_at, updated_at
		FROM instrument_state
		WHERE pair = $1 AND timeframe = $2
	`

	var lastSignal []byte
	state := signal.InstrumentState{Instrument: inst}

	err := db.pool.QueryRow(ctx, query, inst.Pair, inst.Timeframe).Scan(
		&lastSignal, &state.LastChangeAt, &state.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get instrument state: %w", err)
	}

	if len(lastSignal) > 0 {
		var s signal.Signal
		if err := json.Unmarshal(lastSignal, &s); err != nil {
			return nil, fmt.Errorf("invalid last_signal JSON: %w", err)
		}
		state.LastSignal = &s
	}

	return &state, nil
}

// UpsertInstrumentState stores the detector state after an emitted change.
func (db *DB) UpsertInstrumentState(ctx context.Context, state *signal.InstrumentState) error {
	var lastSignal []byte
	if state.LastSignal != nil {
		var err error
		lastSignal, err = json.Marshal(state.LastSignal)
		if err != nil {
			return fmt.Errorf("failed to marshal last signal: %w", err)
		}
	}

	query := `
		INSERT INTO instrument_state (pair, timeframe, last_signal, last_change_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (pair, timeframe) DO UPDATE
		SET last_signal = EXCLUDED.last_signal,
		    last_change_at = EXCLUDED.last_change_at,
		    updated_at = EXCLUDED.updated_at
	`

	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}

	_, err := db.pool.Exec(ctx, query,
		state.Instrument.Pair, state.Instrument.Timeframe,
		lastSignal, state.LastChangeAt, state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert instrument state: %w", err)
	}

	return nil
}

// InsertChangeEvent persists a change event row for analytics.
func (db *DB) InsertChangeEvent(ctx context.Context, e *signal.ChangeEvent) error {
	query := `
		INSERT INTO signal_changes (
			id, pair, timeframe, prior_action, new_action,
			prior_confidence, new_confidence, strength, reason, signal_id, generated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}

	var signalID *uuid.UUID
	if e.Signal != nil {
		signalID = &e.Signal.ID
	}

	_, err := db.pool.Exec(ctx, query,
		e.ID, e.Instrument.Pair, e.Instrument.Timeframe,
		e.PriorAction, e.NewAction,
		e.PriorConfidence, e.NewConfidence, e.Strength, e.Reason, signalID, e.GeneratedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert signal change: %w", err)
	}

	return nil
}
