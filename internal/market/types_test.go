package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePair(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"EUR/USD", "EUR/USD"},
		{"eurusd", "EUR/USD"},
		{"  usdjpy ", "USD/JPY"},
		{"gbp/usd", "GBP/USD"},
		{"EURUSD", "EUR/USD"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizePair(tt.in), "input %q", tt.in)
	}
}

func TestValidatePair(t *testing.T) {
	assert.NoError(t, ValidatePair("EUR/USD"))
	assert.NoError(t, ValidatePair("usdjpy"))

	assert.Error(t, ValidatePair("EURUS"))
	assert.Error(t, ValidatePair("EUR/US"))
	assert.Error(t, ValidatePair("EUR/USDX"))
	assert.Error(t, ValidatePair("E2R/USD"))
	assert.Error(t, ValidatePair(""))
}

func TestNewInstrument(t *testing.T) {
	inst, err := NewInstrument("eurusd", Timeframe1Hour)
	require.NoError(t, err)
	assert.Equal(t, "EUR/USD", inst.Pair)
	assert.Equal(t, "EUR/USD@1h", inst.String())
	assert.Equal(t, "EURUSD_1h", inst.Key())

	_, err = NewInstrument("EUR/USD", Timeframe("3h"))
	assert.Error(t, err)
}

func TestPipMath(t *testing.T) {
	assert.Equal(t, 0.0001, PipSize("EUR/USD"))
	assert.Equal(t, 0.01, PipSize("USD/JPY"))
	assert.Equal(t, 0.01, PipSize("eurjpy"))

	// 148.50 -> 148.575 on USD/JPY is 7.5 pips.
	assert.InDelta(t, 7.5, PriceToPips("USD/JPY", 148.575-148.50), 1e-9)
	// 1.0850 -> 1.0870 on EUR/USD is 20 pips.
	assert.InDelta(t, 20.0, PriceToPips("EUR/USD", 1.0870-1.0850), 1e-9)
}

func TestCandleValidate(t *testing.T) {
	base := Candle{
		Pair:      "EUR/USD",
		Timeframe: Timeframe1Hour,
		Timestamp: time.Now().UTC(),
		Open:      1.10,
		High:      1.12,
		Low:       1.09,
		Close:     1.11,
		Volume:    1000,
	}
	assert.NoError(t, base.Validate())

	zeroTS := base
	zeroTS.Timestamp = time.Time{}
	assert.Error(t, zeroTS.Validate())

	badLow := base
	badLow.Low = 1.105 // above min(open, close)
	assert.Error(t, badLow.Validate())

	badHigh := base
	badHigh.High = 1.105 // below max(open, close)
	assert.Error(t, badHigh.Validate())

	badVolume := base
	badVolume.Volume = -1
	assert.Error(t, badVolume.Validate())
}

func TestSeriesHelpers(t *testing.T) {
	s := &Series{}
	_, ok := s.Last()
	assert.False(t, ok)

	s.Candles = []Candle{
		{Close: 1.10},
		{Close: 1.11},
	}
	assert.Equal(t, []float64{1.10, 1.11}, s.Closes())

	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, 1.11, last.Close)
}

func TestTimeframeDuration(t *testing.T) {
	assert.Equal(t, 15*time.Minute, Timeframe15Min.Duration())
	assert.Equal(t, 7*24*time.Hour, Timeframe1Week.Duration())

	_, err := ParseTimeframe("2h")
	assert.Error(t, err)

	tf, err := ParseTimeframe("4h")
	require.NoError(t, err)
	assert.Equal(t, Timeframe4Hour, tf)
}
