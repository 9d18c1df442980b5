package signal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/aifx-io/aifx/internal/market"
)

// ErrNoSignal is returned when a signal cannot be generated: not enough
// data, all sources failed, or an arithmetic guard tripped.
var ErrNoSignal = errors.New("no signal")

// HistoryProvider is the market-data surface the generator needs.
type HistoryProvider interface {
	GetSeries(ctx context.Context, inst market.Instrument, n int) (*market.Series, error)
}

// Predictor is the ML client surface the generator needs.
type Predictor interface {
	Predict(ctx context.Context, series *market.Series) (*Prediction, error)
}

// SignalStore persists generated signals.
type SignalStore interface {
	InsertSignal(ctx context.Context, s *Signal) error
}

// GeneratorConfig holds the tunable generation parameters.
type GeneratorConfig struct {
	SeriesLength    int                      // candles requested per generation
	MinMLConfidence float64                  // below this the ML prediction is discarded
	PredictTimeout  time.Duration            // budget for the predictor call
	StopATRMultiple float64                  // k in sl_distance = max(k*atr, p*entry)
	MinStopPct      float64                  // p, floor as a fraction of entry
	RiskReward      float64                  // tp_distance = R * sl_distance
	ExpiryMultiples map[market.Timeframe]int // timeframe -> slots a signal stays valid
}

// DefaultGeneratorConfig returns the production defaults.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		SeriesLength:    60,
		MinMLConfidence: 0.6,
		PredictTimeout:  5 * time.Second,
		StopATRMultiple: 1.5,
		MinStopPct:      0.001,
		RiskReward:      2.0,
		ExpiryMultiples: DefaultExpiryMultiples(),
	}
}

// DefaultExpiryMultiples maps each timeframe to how many slots a signal
// stays valid. Longer timeframes get fewer slots.
func DefaultExpiryMultiples() map[market.Timeframe]int {
	return map[market.Timeframe]int{
		market.Timeframe1Min:   4,
		market.Timeframe5Min:   4,
		market.Timeframe15Min:  4,
		market.Timeframe30Min:  4,
		market.Timeframe1Hour:  4,
		market.Timeframe4Hour:  3,
		market.Timeframe1Day:   3,
		market.Timeframe1Week:  2,
		market.Timeframe1Month: 1,
	}
}

// ExpiryMultiplesFromConfig converts a timeframe-keyed expiry table from
// its string form. Unknown timeframes and non-positive multiples are
// dropped with a warning; a nil result means use the defaults.
func ExpiryMultiplesFromConfig(m map[string]int) map[market.Timeframe]int {
	if len(m) == 0 {
		return nil
	}
	out := make(map[market.Timeframe]int, len(m))
	for tf, n := range m {
		t := market.Timeframe(tf)
		if !t.IsValid() || n <= 0 {
			log.Warn().Str("timeframe", tf).Int("multiple", n).Msg("Ignoring invalid expiry multiple")
			continue
		}
		out[t] = n
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Generator fuses the ML prediction with the technical view and emits
// canonical signals. Given identical inputs it produces identical output.
type Generator struct {
	history   HistoryProvider
	predictor Predictor
	store     SignalStore
	analyzer  *Analyzer
	cfg       GeneratorConfig
	now       func() time.Time
}

// NewGenerator creates a signal generator.
func NewGenerator(history HistoryProvider, predictor Predictor, store SignalStore, analyzer *Analyzer, cfg GeneratorConfig) *Generator {
	if cfg.SeriesLength == 0 {
		cfg = DefaultGeneratorConfig()
	}
	if cfg.ExpiryMultiples == nil {
		cfg.ExpiryMultiples = DefaultExpiryMultiples()
	}
	return &Generator{
		history:   history,
		predictor: predictor,
		store:     store,
		analyzer:  analyzer,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Generate produces and persists a signal for an instrument. Returns
// ErrNoSignal (wrapped) when no usable signal can be derived.
func (g *Generator) Generate(ctx context.Context, inst market.Instrument) (*Signal, error) {
	n := g.cfg.SeriesLength
	if warmup := g.analyzer.Warmup(); warmup > n {
		n = warmup
	}

	series, err := g.history.GetSeries(ctx, inst, n)
	if err != nil {
		return nil, fmt.Errorf("failed to load series for %s: %w", inst, err)
	}
	if series.Insufficient {
		return nil, fmt.Errorf("%w: only %d of %d candles available for %s",
			ErrNoSignal, len(series.Candles), n, inst)
	}
	if series.Stale {
		log.Warn().Str("instrument", inst.String()).Msg("Generating signal from stale series")
	}

	assessment, err := g.analyzer.Analyze(series)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSignal, err)
	}

	action, confidence, source, modelVersion := g.fuse(ctx, inst, series, assessment)

	last, _ := series.Last()
	entry := last.Close
	if entry <= 0 {
		return nil, fmt.Errorf("%w: non-positive entry price for %s", ErrNoSignal, inst)
	}

	stopLoss, takeProfit, rr, err := g.levels(action, entry, assessment.Snapshot.ATR)
	if err != nil {
		return nil, err
	}

	generatedAt := g.now().UTC()
	multiple := g.cfg.ExpiryMultiples[inst.Timeframe]
	if multiple == 0 {
		multiple = 4
	}

	sig := &Signal{
		ID:              uuid.New(),
		Instrument:      inst,
		Action:          action,
		Confidence:      confidence,
		Strength:        StrengthForConfidence(confidence),
		EntryPrice:      entry,
		StopLoss:        stopLoss,
		TakeProfit:      takeProfit,
		RiskRewardRatio: rr,
		PositionSizePct: sizeHint(confidence),
		Source:          source,
		ModelVersion:    modelVersion,
		GeneratedAt:     generatedAt,
		ExpiresAt:       generatedAt.Add(time.Duration(multiple) * inst.Timeframe.Duration()),
		Technicals:      assessment.Snapshot,
	}

	if err := g.store.InsertSignal(ctx, sig); err != nil {
		return nil, fmt.Errorf("failed to persist signal: %w", err)
	}

	log.Info().
		Str("instrument", inst.String()).
		Str("action", string(sig.Action)).
		Float64("confidence", sig.Confidence).
		Str("strength", string(sig.Strength)).
		Str("source", string(sig.Source)).
		Msg("Signal generated")

	return sig, nil
}

// fuse picks between the ML prediction and the technical fallback. The
// prediction wins when it arrives in time with enough confidence;
// otherwise the technical vote carries the signal.
func (g *Generator) fuse(ctx context.Context, inst market.Instrument, series *market.Series, assessment *Assessment) (Action, float64, Source, string) {
	predCtx, cancel := context.WithTimeout(ctx, g.cfg.PredictTimeout)
	defer cancel()

	pred, err := g.predictor.Predict(predCtx, series)
	switch {
	case err != nil:
		log.Warn().
			Err(err).
			Str("instrument", inst.String()).
			Msg("Predictor unavailable, falling back to technical signal")
	case pred.Confidence < g.cfg.MinMLConfidence:
		log.Debug().
			Str("instrument", inst.String()).
			Float64("confidence", pred.Confidence).
			Float64("min", g.cfg.MinMLConfidence).
			Msg("Prediction below confidence floor, falling back to technical signal")
	default:
		return ActionForDirection(pred.Direction), pred.Confidence, SourceML, pred.ModelVersion
	}

	return ActionForDirection(assessment.Direction), assessment.Confidence, SourceTechnical, ""
}

// levels derives stop-loss and take-profit from ATR. Hold signals carry
// degenerate levels at the entry with zero risk-reward.
func (g *Generator) levels(action Action, entry, atr float64) (stopLoss, takeProfit, rr float64, err error) {
	if action == ActionHold {
		return entry, entry, 0, nil
	}

	if atr <= 0 {
		return 0, 0, 0, fmt.Errorf("%w: ATR is zero", ErrNoSignal)
	}

	slDistance := g.cfg.StopATRMultiple * atr
	if floor := g.cfg.MinStopPct * entry; floor > slDistance {
		slDistance = floor
	}
	tpDistance := g.cfg.RiskReward * slDistance

	switch action {
	case ActionBuy:
		stopLoss = entry - slDistance
		takeProfit = entry + tpDistance
	case ActionSell:
		stopLoss = entry + slDistance
		takeProfit = entry - tpDistance
	}

	return stopLoss, takeProfit, g.cfg.RiskReward, nil
}

// sizeHint maps confidence to a suggested position size in percent of
// capital, clamped to [0.25, 5.0].
func sizeHint(confidence float64) float64 {
	size := 2 * confidence
	if size < 0.25 {
		size = 0.25
	}
	if size > 5.0 {
		size = 5.0
	}
	return size
}
