package signal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aifx-io/aifx/internal/market"
)

type fakeHistory struct {
	series *market.Series
	err    error
}

func (f *fakeHistory) GetSeries(ctx context.Context, inst market.Instrument, n int) (*market.Series, error) {
	return f.series, f.err
}

type fakePredictor struct {
	prediction *Prediction
	err        error
	calls      int
}

func (f *fakePredictor) Predict(ctx context.Context, series *market.Series) (*Prediction, error) {
	f.calls++
	return f.prediction, f.err
}

type fakeSignalStore struct {
	inserted []*Signal
	err      error
}

func (f *fakeSignalStore) InsertSignal(ctx context.Context, s *Signal) error {
	if f.err != nil {
		return f.err
	}
	f.inserted = append(f.inserted, s)
	return nil
}

func testGenerator(t *testing.T, series *market.Series, pred *fakePredictor) (*Generator, *fakeSignalStore) {
	t.Helper()
	store := &fakeSignalStore{}
	g := NewGenerator(&fakeHistory{series: series}, pred, store, NewAnalyzer(14), DefaultGeneratorConfig())
	return g, store
}

func seriesATR(series *market.Series) float64 {
	high := make([]float64, len(series.Candles))
	low := make([]float64, len(series.Candles))
	for i, c := range series.Candles {
		high[i] = c.High
		low[i] = c.Low
	}
	return wilderATR(high, low, series.Closes(), 14)
}

func TestGenerateMLSignal(t *testing.T) {
	series := trendingSeries(t, 60, 0.001)
	pred := &fakePredictor{prediction: &Prediction{
		Direction:    DirectionLong,
		Confidence:   0.82,
		ModelVersion: "2.3.1",
	}}
	g, store := testGenerator(t, series, pred)

	sig, err := g.Generate(context.Background(), series.Instrument)
	require.NoError(t, err)

	assert.Equal(t, ActionBuy, sig.Action)
	assert.Equal(t, 0.82, sig.Confidence)
	assert.Equal(t, StrengthStrong, sig.Strength)
	assert.Equal(t, SourceML, sig.Source)
	assert.Equal(t, "2.3.1", sig.ModelVersion)
	assert.InDelta(t, 1.64, sig.PositionSizePct, 1e-9)

	last, _ := series.Last()
	assert.Equal(t, last.Close, sig.EntryPrice)

	atr := seriesATR(series)
	slDist := 1.5 * atr
	if floor := 0.001 * sig.EntryPrice; floor > slDist {
		slDist = floor
	}
	assert.InDelta(t, sig.EntryPrice-slDist, sig.StopLoss, 1e-9)
	assert.InDelta(t, sig.EntryPrice+2*slDist, sig.TakeProfit, 1e-9)
	assert.Equal(t, 2.0, sig.RiskRewardRatio)

	assert.Equal(t, sig.GeneratedAt.Add(4*time.Hour), sig.ExpiresAt)

	require.Len(t, store.inserted, 1)
	assert.Equal(t, sig.ID, store.inserted[0].ID)
}

func TestGenerateFallsBackWhenPredictorFails(t *testing.T) {
	series := trendingSeries(t, 60, 0.001)
	pred := &fakePredictor{err: errors.New("predictor down")}
	g, _ := testGenerator(t, series, pred)

	sig, err := g.Generate(context.Background(), series.Instrument)
	require.NoError(t, err)

	assert.Equal(t, SourceTechnical, sig.Source)
	assert.Empty(t, sig.ModelVersion)
	assert.Equal(t, ActionBuy, sig.Action, "uptrend technical vote carries the fallback")
	assert.InDelta(t, 2.0/3.0, sig.Confidence, 1e-9)
	assert.Equal(t, 1, pred.calls)
}

func TestGenerateFallsBackBelowConfidenceFloor(t *testing.T) {
	series := trendingSeries(t, 60, 0.001)
	pred := &fakePredictor{prediction: &Prediction{Direction: DirectionShort, Confidence: 0.55}}
	g, _ := testGenerator(t, series, pred)

	sig, err := g.Generate(context.Background(), series.Instrument)
	require.NoError(t, err)

	assert.Equal(t, SourceTechnical, sig.Source)
	assert.Equal(t, ActionBuy, sig.Action, "low-confidence short prediction is discarded")
}

func TestGenerateHoldLevels(t *testing.T) {
	series := trendingSeries(t, 60, 0.001)
	pred := &fakePredictor{prediction: &Prediction{Direction: DirectionNeutral, Confidence: 0.9}}
	g, _ := testGenerator(t, series, pred)

	sig, err := g.Generate(context.Background(), series.Instrument)
	require.NoError(t, err)

	assert.Equal(t, ActionHold, sig.Action)
	assert.Equal(t, sig.EntryPrice, sig.StopLoss)
	assert.Equal(t, sig.EntryPrice, sig.TakeProfit)
	assert.Zero(t, sig.RiskRewardRatio)
}

func TestGenerateSellLevels(t *testing.T) {
	series := trendingSeries(t, 60, -0.001)
	pred := &fakePredictor{prediction: &Prediction{Direction: DirectionShort, Confidence: 0.7}}
	g, _ := testGenerator(t, series, pred)

	sig, err := g.Generate(context.Background(), series.Instrument)
	require.NoError(t, err)

	assert.Equal(t, ActionSell, sig.Action)
	assert.Greater(t, sig.StopLoss, sig.EntryPrice)
	assert.Less(t, sig.TakeProfit, sig.EntryPrice)
	assert.InDelta(t, 2*(sig.StopLoss-sig.EntryPrice), sig.EntryPrice-sig.TakeProfit, 1e-9)
}

func TestGenerateInsufficientSeries(t *testing.T) {
	series := trendingSeries(t, 20, 0.001)
	series.Insufficient = true
	g, store := testGenerator(t, series, &fakePredictor{})

	_, err := g.Generate(context.Background(), series.Instrument)
	require.ErrorIs(t, err, ErrNoSignal)
	assert.Empty(t, store.inserted)
}

func TestGenerateStaleSeriesStillSignals(t *testing.T) {
	series := trendingSeries(t, 60, 0.001)
	series.Stale = true
	pred := &fakePredictor{prediction: &Prediction{Direction: DirectionLong, Confidence: 0.8}}
	g, store := testGenerator(t, series, pred)

	_, err := g.Generate(context.Background(), series.Instrument)
	require.NoError(t, err)
	assert.Len(t, store.inserted, 1)
}

func TestGenerateExpiryByTimeframe(t *testing.T) {
	tests := []struct {
		timeframe market.Timeframe
		want      time.Duration
	}{
		{market.Timeframe15Min, 4 * 15 * time.Minute},
		{market.Timeframe4Hour, 3 * 4 * time.Hour},
		{market.Timeframe1Day, 3 * 24 * time.Hour},
		{market.Timeframe1Week, 2 * 7 * 24 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(string(tt.timeframe), func(t *testing.T) {
			series := trendingSeries(t, 60, 0.001)
			series.Instrument.Timeframe = tt.timeframe
			for i := range series.Candles {
				series.Candles[i].Timeframe = tt.timeframe
			}
			pred := &fakePredictor{prediction: &Prediction{Direction: DirectionLong, Confidence: 0.8}}
			g, _ := testGenerator(t, series, pred)

			sig, err := g.Generate(context.Background(), series.Instrument)
			require.NoError(t, err)
			assert.Equal(t, tt.want, sig.ExpiresAt.Sub(sig.GeneratedAt))
		})
	}
}

func TestGenerateExpiryOverrides(t *testing.T) {
	series := trendingSeries(t, 60, 0.001)
	pred := &fakePredictor{prediction: &Prediction{Direction: DirectionLong, Confidence: 0.8}}
	store := &fakeSignalStore{}

	cfg := DefaultGeneratorConfig()
	cfg.ExpiryMultiples = map[market.Timeframe]int{market.Timeframe1Hour: 8}
	g := NewGenerator(&fakeHistory{series: series}, pred, store, NewAnalyzer(14), cfg)

	sig, err := g.Generate(context.Background(), series.Instrument)
	require.NoError(t, err)
	assert.Equal(t, 8*time.Hour, sig.ExpiresAt.Sub(sig.GeneratedAt))

	// A timeframe missing from the table falls back to four slots.
	series4h := trendingSeries(t, 60, 0.001)
	series4h.Instrument.Timeframe = market.Timeframe4Hour
	g = NewGenerator(&fakeHistory{series: series4h}, pred, store, NewAnalyzer(14), cfg)
	sig, err = g.Generate(context.Background(), series4h.Instrument)
	require.NoError(t, err)
	assert.Equal(t, 16*time.Hour, sig.ExpiresAt.Sub(sig.GeneratedAt))
}

func TestExpiryMultiplesFromConfig(t *testing.T) {
	assert.Nil(t, ExpiryMultiplesFromConfig(nil))
	assert.Nil(t, ExpiryMultiplesFromConfig(map[string]int{"2h": 4, "1h": 0}))

	got := ExpiryMultiplesFromConfig(map[string]int{"1h": 6, "4h": 2, "bogus": 3})
	assert.Equal(t, map[market.Timeframe]int{
		market.Timeframe1Hour: 6,
		market.Timeframe4Hour: 2,
	}, got)
}

func TestSizeHintClamps(t *testing.T) {
	assert.Equal(t, 0.25, sizeHint(0.0))
	assert.Equal(t, 1.0, sizeHint(0.5))
	assert.Equal(t, 2.0, sizeHint(1.0))
	assert.Equal(t, 5.0, sizeHint(3.0))
}
