package market

import (
	"fmt"
	"strings"
	"time"
)

// Timeframe identifies a candle granularity.
type Timeframe string

const (
	Timeframe1Min   Timeframe = "1min"
	Timeframe5Min   Timeframe = "5min"
	Timeframe15Min  Timeframe = "15min"
	Timeframe30Min  Timeframe = "30min"
	Timeframe1Hour  Timeframe = "1h"
	Timeframe4Hour  Timeframe = "4h"
	Timeframe1Day   Timeframe = "1d"
	Timeframe1Week  Timeframe = "1w"
	Timeframe1Month Timeframe = "1M"
)

// timeframeDurations maps each timeframe to its slot duration.
// A month is approximated at 30 days for TTL and expiry arithmetic.
var timeframeDurations = map[Timeframe]time.Duration{
	Timeframe1Min:   time.Minute,
	Timeframe5Min:   5 * time.Minute,
	Timeframe15Min:  15 * time.Minute,
	Timeframe30Min:  30 * time.Minute,
	Timeframe1Hour:  time.Hour,
	Timeframe4Hour:  4 * time.Hour,
	Timeframe1Day:   24 * time.Hour,
	Timeframe1Week:  7 * 24 * time.Hour,
	Timeframe1Month: 30 * 24 * time.Hour,
}

// ParseTimeframe validates and normalizes a timeframe string.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := timeframeDurations[tf]; !ok {
		return "", fmt.Errorf("invalid timeframe: %q", s)
	}
	return tf, nil
}

// Duration returns the slot duration of the timeframe.
func (tf Timeframe) Duration() time.Duration {
	d, ok := timeframeDurations[tf]
	if !ok {
		return time.Hour
	}
	return d
}

// IsValid reports whether the timeframe is a known granularity.
func (tf Timeframe) IsValid() bool {
	_, ok := timeframeDurations[tf]
	return ok
}

// Instrument identifies a (currency pair, timeframe) data series.
type Instrument struct {
	Pair      string    `json:"pair"` // "EUR/USD"
	Timeframe Timeframe `json:"timeframe"`
}

// NewInstrument validates pair and timeframe and returns an Instrument.
func NewInstrument(pair string, tf Timeframe) (Instrument, error) {
	if err := ValidatePair(pair); err != nil {
		return Instrument{}, err
	}
	if !tf.IsValid() {
		return Instrument{}, fmt.Errorf("invalid timeframe: %q", tf)
	}
	return Instrument{Pair: NormalizePair(pair), Timeframe: tf}, nil
}

// String returns a stable identifier like "EUR/USD@1h".
func (i Instrument) String() string {
	return i.Pair + "@" + string(i.Timeframe)
}

// Key returns a subject-safe identifier like "EURUSD_1h".
func (i Instrument) Key() string {
	return strings.ReplaceAll(i.Pair, "/", "") + "_" + string(i.Timeframe)
}

// ValidatePair checks the "AAA/BBB" pair format.
func ValidatePair(pair string) error {
	p := NormalizePair(pair)
	parts := strings.Split(p, "/")
	if len(parts) != 2 || len(parts[0]) != 3 || len(parts[1]) != 3 {
		return fmt.Errorf("invalid pair format: %q (expected AAA/BBB)", pair)
	}
	for _, part := range parts {
		for _, r := range part {
			if r < 'A' || r > 'Z' {
				return fmt.Errorf("invalid pair format: %q (expected AAA/BBB)", pair)
			}
		}
	}
	return nil
}

// NormalizePair uppercases a pair and inserts the slash if missing ("eurusd" -> "EUR/USD").
func NormalizePair(pair string) string {
	p := strings.ToUpper(strings.TrimSpace(pair))
	if !strings.Contains(p, "/") && len(p) == 6 {
		p = p[:3] + "/" + p[3:]
	}
	return p
}

// PipSize returns the conventional pip increment for a pair:
// 0.01 for JPY-quoted pairs, 0.0001 otherwise.
func PipSize(pair string) float64 {
	if strings.HasSuffix(NormalizePair(pair), "/JPY") {
		return 0.01
	}
	return 0.0001
}

// PriceToPips converts a price difference to pips for the given pair.
func PriceToPips(pair string, delta float64) float64 {
	return delta / PipSize(pair)
}

// Candle is a single OHLCV bar for one timeframe slot.
type Candle struct {
	Pair      string    `json:"pair"`
	Timeframe Timeframe `json:"timeframe"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Source    string    `json:"source,omitempty"`
}

// Validate checks the OHLC ordering and volume invariants.
func (c *Candle) Validate() error {
	if c.Timestamp.IsZero() {
		return fmt.Errorf("candle has zero timestamp")
	}
	lo := c.Open
	hi := c.Open
	if c.Close < lo {
		lo = c.Close
	}
	if c.Close > hi {
		hi = c.Close
	}
	if c.Low > lo {
		return fmt.Errorf("candle invariant violated: low %.6f > min(open,close) %.6f", c.Low, lo)
	}
	if c.High < hi {
		return fmt.Errorf("candle invariant violated: high %.6f < max(open,close) %.6f", c.High, hi)
	}
	if c.Volume < 0 {
		return fmt.Errorf("candle invariant violated: negative volume %.2f", c.Volume)
	}
	return nil
}

// Series is an ascending-by-timestamp run of candles for one instrument.
type Series struct {
	Instrument Instrument `json:"instrument"`
	Candles    []Candle   `json:"candles"`
	// Stale is set when the head of the series could not be refreshed
	// from the upstream provider.
	Stale bool `json:"stale,omitempty"`
	// Insufficient is set when fewer candles than requested were available.
	Insufficient bool `json:"insufficient,omitempty"`
}

// Closes returns the close prices in ascending order.
func (s *Series) Closes() []float64 {
	out := make([]float64, len(s.Candles))
	for i, c := range s.Candles {
		out[i] = c.Close
	}
	return out
}

// Last returns the most recent candle, or false when the series is empty.
func (s *Series) Last() (Candle, bool) {
	if len(s.Candles) == 0 {
		return Candle{}, false
	}
	return s.Candles[len(s.Candles)-1], true
}
