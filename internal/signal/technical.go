package signal

import (
	"fmt"
	"math"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/cinar/indicator/v2/volatility"

	"github.com/aifx-io/aifx/internal/market"
)

// Analyzer computes indicators over a candle series and derives a fallback
// directional view. All methods are pure given the input series.
type Analyzer struct {
	rsiPeriod  int
	smaPeriod  int
	emaPeriod  int
	macdFast   int
	macdSlow   int
	macdSignal int
	bbPeriod   int
	atrPeriod  int
	adxPeriod  int
}

// NewAnalyzer creates an analyzer with conventional indicator periods.
func NewAnalyzer(atrPeriod int) *Analyzer {
	if atrPeriod <= 0 {
		atrPeriod = 14
	}
	return &Analyzer{
		rsiPeriod:  14,
		smaPeriod:  20,
		emaPeriod:  20,
		macdFast:   12,
		macdSlow:   26,
		macdSignal: 9,
		bbPeriod:   20,
		atrPeriod:  atrPeriod,
		adxPeriod:  14,
	}
}

// Warmup returns the minimum series length all indicators need.
func (a *Analyzer) Warmup() int {
	warmup := a.macdSlow + a.macdSignal
	if a.adxPeriod*2 > warmup {
		warmup = a.adxPeriod * 2
	}
	return warmup
}

// Assessment is the analyzer's directional view plus the indicator values
// it was derived from.
type Assessment struct {
	Direction  Direction
	Confidence float64
	Snapshot   TechnicalSnapshot
}

// Analyze computes the full indicator set and a fallback direction using a
// fixed voting rule: RSI extremes, close vs SMA20 and MACD histogram sign
// each contribute one vote; the majority wins with confidence equal to its
// vote share. A tie is neutral.
func (a *Analyzer) Analyze(series *market.Series) (*Assessment, error) {
	if len(series.Candles) < a.Warmup() {
		return nil, fmt.Errorf("insufficient data for indicators: have %d candles, need %d",
			len(series.Candles), a.Warmup())
	}

	closes := series.Closes()
	highs := make([]float64, len(series.Candles))
	lows := make([]float64, len(series.Candles))
	for i, c := range series.Candles {
		highs[i] = c.High
		lows[i] = c.Low
	}

	rsi := lastValue(momentum.NewRsiWithPeriod[float64](a.rsiPeriod).Compute(sliceToChan(closes)))
	sma := lastValue(trend.NewSmaWithPeriod[float64](a.smaPeriod).Compute(sliceToChan(closes)))
	ema := lastValue(trend.NewEmaWithPeriod[float64](a.emaPeriod).Compute(sliceToChan(closes)))

	macdLine, signalLine := trend.NewMacdWithPeriod[float64](a.macdFast, a.macdSlow, a.macdSignal).
		Compute(sliceToChan(closes))
	macd, macdSig := lastPair(macdLine, signalLine)

	bbLower, bbMiddle, bbUpper := volatility.NewBollingerBandsWithPeriod[float64](a.bbPeriod).
		Compute(sliceToChan(closes))
	lower, _, upper := lastTriple(bbLower, bbMiddle, bbUpper)

	atr := wilderATR(highs, lows, closes, a.atrPeriod)
	adx := wilderADX(highs, lows, closes, a.adxPeriod)

	lastClose := closes[len(closes)-1]

	snapshot := TechnicalSnapshot{
		RSI:       rsi,
		SMA20:     sma,
		EMA20:     ema,
		MACD:      macd,
		MACDSig:   macdSig,
		BBUpper:   upper,
		BBLower:   lower,
		ATR:       atr,
		ADX:       adx,
		LastClose: lastClose,
	}

	direction, confidence := vote(rsi, lastClose, sma, macd, macdSig)

	return &Assessment{
		Direction:  direction,
		Confidence: confidence,
		Snapshot:   snapshot,
	}, nil
}

// vote applies the three-indicator majority rule.
func vote(rsi, lastClose, sma, macd, macdSig float64) (Direction, float64) {
	var long, short int

	// RSI extremes signal mean reversion.
	switch {
	case rsi < 30:
		long++
	case rsi > 70:
		short++
	}

	// Price position relative to the SMA signals the running trend.
	switch {
	case lastClose > sma:
		long++
	case lastClose < sma:
		short++
	}

	// MACD histogram sign signals momentum.
	hist := macd - macdSig
	switch {
	case hist > 0:
		long++
	case hist < 0:
		short++
	}

	const totalVotes = 3.0
	switch {
	case long > short:
		return DirectionLong, float64(long) / totalVotes
	case short > long:
		return DirectionShort, float64(short) / totalVotes
	default:
		return DirectionNeutral, 0.5
	}
}

func sliceToChan(values []float64) chan float64 {
	ch := make(chan float64, len(values))
	for _, v := range values {
		ch <- v
	}
	close(ch)
	return ch
}

func lastValue(ch <-chan float64) float64 {
	var last float64
	for v := range ch {
		last = v
	}
	return last
}

func lastPair(a, b <-chan float64) (float64, float64) {
	var lastA, lastB float64
	for {
		va, aok := <-a
		vb, bok := <-b
		if !aok || !bok {
			break
		}
		lastA, lastB = va, vb
	}
	return lastA, lastB
}

func lastTriple(a, b, c <-chan float64) (float64, float64, float64) {
	var lastA, lastB, lastC float64
	for {
		va, aok := <-a
		vb, bok := <-b
		vc, cok := <-c
		if !aok || !bok || !cok {
			break
		}
		lastA, lastB, lastC = va, vb, vc
	}
	return lastA, lastB, lastC
}

// wilderATR computes the Average True Range with Wilder's smoothing.
func wilderATR(high, low, close []float64, period int) float64 {
	n := len(close)
	if n < period+1 {
		return 0
	}

	tr := make([]float64, n)
	tr[0] = high[0] - low[0]
	for i := 1; i < n; i++ {
		tr[i] = math.Max(high[i]-low[i],
			math.Max(math.Abs(high[i]-close[i-1]),
				math.Abs(low[i]-close[i-1])))
	}

	smoothed := smoothWilder(tr, period)
	return smoothed[n-1]
}

// wilderADX computes the Average Directional Index.
func wilderADX(high, low, close []float64, period int) float64 {
	n := len(close)
	if n < period*2 {
		return 0
	}

	tr := make([]float64, n)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)

	for i := 1; i < n; i++ {
		tr[i] = math.Max(high[i]-low[i],
			math.Max(math.Abs(high[i]-close[i-1]),
				math.Abs(low[i]-close[i-1])))

		upMove := high[i] - high[i-1]
		downMove := low[i-1] - low[i]
		if upMove > downMove && upMove > 0 {
			plusDM[i] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i] = downMove
		}
	}

	smoothTR := smoothWilder(tr, period)
	smoothPlusDM := smoothWilder(plusDM, period)
	smoothMinusDM := smoothWilder(minusDM, period)

	dx := make([]float64, n)
	for i := period; i < n; i++ {
		if smoothTR[i] == 0 {
			continue
		}
		plusDI := 100 * smoothPlusDM[i] / smoothTR[i]
		minusDI := 100 * smoothMinusDM[i] / smoothTR[i]
		if sum := plusDI + minusDI; sum != 0 {
			dx[i] = 100 * math.Abs(plusDI-minusDI) / sum
		}
	}

	adx := smoothWilder(dx, period)
	return adx[n-1]
}

// smoothWilder seeds with a simple average then applies Wilder's
// recursive smoothing.
func smoothWilder(data []float64, period int) []float64 {
	n := len(data)
	result := make([]float64, n)
	if n < period {
		return result
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += data[i]
	}
	result[period-1] = sum / float64(period)

	for i := period; i < n; i++ {
		result[i] = (result[i-1]*float64(period-1) + data[i]) / float64(period)
	}

	return result
}
