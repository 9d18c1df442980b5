package signal

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/aifx-io/aifx/internal/market"
)

// StateStore is the persistence surface the change detector needs.
type StateStore interface {
	GetInstrumentState(ctx context.Context, inst market.Instrument) (*InstrumentState, error)
	UpsertInstrumentState(ctx context.Context, state *InstrumentState) error
	InsertChangeEvent(ctx context.Context, e *ChangeEvent) error
}

// Detector is the per-instrument change-detection state machine. It emits
// at most one event per observed signal; uneventful observations leave the
// persisted state untouched, so confidence jumps are measured against the
// last emitted signal rather than the last tick.
type Detector struct {
	store          StateStore
	confidenceJump float64
	now            func() time.Time
}

// NewDetector creates a change detector. confidenceJump is the minimum
// same-action confidence delta that qualifies as an event.
func NewDetector(store StateStore, confidenceJump float64) *Detector {
	if confidenceJump <= 0 {
		confidenceJump = 0.15
	}
	return &Detector{
		store:          store,
		confidenceJump: confidenceJump,
		now:            time.Now,
	}
}

// Observe feeds a freshly generated signal into the state machine.
// Returns the emitted change event, or nil when nothing qualified.
func (d *Detector) Observe(ctx context.Context, s *Signal) (*ChangeEvent, error) {
	state, err := d.store.GetInstrumentState(ctx, s.Instrument)
	if err != nil {
		return nil, fmt.Errorf("failed to load instrument state: %w", err)
	}

	var prior *Signal
	if state != nil {
		prior = state.LastSignal
	}

	reason, ok := classify(prior, s, d.confidenceJump)
	if !ok {
		log.Debug().
			Str("instrument", s.Instrument.String()).
			Str("action", string(s.Action)).
			Msg("No qualifying signal change")
		return nil, nil
	}

	event := &ChangeEvent{
		ID:            uuid.New(),
		Instrument:    s.Instrument,
		NewAction:     s.Action,
		NewConfidence: s.Confidence,
		Strength:      s.Strength,
		Reason:        reason,
		Signal:        s,
		GeneratedAt:   s.GeneratedAt,
	}
	if prior != nil {
		event.PriorAction = prior.Action
		event.PriorConfidence = prior.Confidence
	}

	now := d.now().UTC()
	newState := &InstrumentState{
		Instrument:   s.Instrument,
		LastSignal:   s,
		LastChangeAt: now,
		UpdatedAt:    now,
	}
	if err := d.store.UpsertInstrumentState(ctx, newState); err != nil {
		return nil, fmt.Errorf("failed to persist instrument state: %w", err)
	}
	if err := d.store.InsertChangeEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to persist change event: %w", err)
	}

	log.Info().
		Str("instrument", s.Instrument.String()).
		Str("reason", string(reason)).
		Str("prior_action", string(event.PriorAction)).
		Str("new_action", string(event.NewAction)).
		Float64("confidence", s.Confidence).
		Msg("Signal change detected")

	return event, nil
}

// classify applies the transition table to a (prior, new) signal pair.
func classify(prior, s *Signal, jumpThreshold float64) (ChangeReason, bool) {
	if prior == nil {
		return ReasonFirst, true
	}

	if prior.Action != s.Action {
		if isReversal(prior.Action, s.Action) {
			return ReasonReversal, true
		}
		return ReasonActionChange, true
	}

	if math.Abs(s.Confidence-prior.Confidence) >= jumpThreshold &&
		s.Strength.AtLeast(StrengthModerate) {
		return ReasonConfidenceJump, true
	}

	return "", false
}

// isReversal reports a direct buy<->sell flip.
func isReversal(prior, next Action) bool {
	return (prior == ActionBuy && next == ActionSell) ||
		(prior == ActionSell && next == ActionBuy)
}
