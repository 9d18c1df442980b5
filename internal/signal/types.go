package signal

import (
	"time"

	"github.com/google/uuid"

	"github.com/aifx-io/aifx/internal/market"
)

// Action is the recommendation carried by a signal.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// Direction is the raw directional view from the predictor or technicals.
type Direction string

const (
	DirectionLong    Direction = "long"
	DirectionShort   Direction = "short"
	DirectionNeutral Direction = "neutral"
)

// ActionForDirection maps a direction to the signal action.
func ActionForDirection(d Direction) Action {
	switch d {
	case DirectionLong:
		return ActionBuy
	case DirectionShort:
		return ActionSell
	default:
		return ActionHold
	}
}

// Prediction is the typed output of the remote two-stage ML model.
// Ephemeral; never persisted on its own.
type Prediction struct {
	Direction    Direction `json:"direction"`
	Confidence   float64   `json:"confidence"`
	Stage1Prob   float64   `json:"stage1_prob"` // movement probability
	Stage2Prob   float64   `json:"stage2_prob"` // direction probability
	ModelVersion string    `json:"model_version"`
}

// Strength discretizes confidence into bins.
type Strength string

const (
	StrengthWeak       Strength = "weak"
	StrengthModerate   Strength = "moderate"
	StrengthStrong     Strength = "strong"
	StrengthVeryStrong Strength = "very_strong"
)

// strengthRank orders bins for comparisons.
var strengthRank = map[Strength]int{
	StrengthWeak:       0,
	StrengthModerate:   1,
	StrengthStrong:     2,
	StrengthVeryStrong: 3,
}

// AtLeast reports whether s is at least as strong as other.
func (s Strength) AtLeast(other Strength) bool {
	return strengthRank[s] >= strengthRank[other]
}

// StrengthForConfidence bins a confidence value.
func StrengthForConfidence(confidence float64) Strength {
	switch {
	case confidence >= 0.85:
		return StrengthVeryStrong
	case confidence >= 0.75:
		return StrengthStrong
	case confidence >= 0.60:
		return StrengthModerate
	default:
		return StrengthWeak
	}
}

// Source records which pipeline produced the signal.
type Source string

const (
	SourceML        Source = "ml"
	SourceTechnical Source = "technical"
	SourceFused     Source = "fused"
)

// TechnicalSnapshot captures the indicator values a signal was derived from.
type TechnicalSnapshot struct {
	RSI       float64 `json:"rsi"`
	SMA20     float64 `json:"sma20"`
	EMA20     float64 `json:"ema20"`
	MACD      float64 `json:"macd"`
	MACDSig   float64 `json:"macd_signal"`
	BBUpper   float64 `json:"bb_upper"`
	BBLower   float64 `json:"bb_lower"`
	ATR       float64 `json:"atr"`
	ADX       float64 `json:"adx"`
	LastClose float64 `json:"last_close"`
}

// Signal is a canonical trading recommendation for one instrument.
type Signal struct {
	ID              uuid.UUID         `json:"id"`
	Instrument      market.Instrument `json:"instrument"`
	Action          Action            `json:"action"`
	Confidence      float64           `json:"confidence"`
	Strength        Strength          `json:"strength"`
	EntryPrice      float64           `json:"entry_price"`
	StopLoss        float64           `json:"stop_loss"`
	TakeProfit      float64           `json:"take_profit"`
	RiskRewardRatio float64           `json:"risk_reward_ratio"`
	PositionSizePct float64           `json:"position_size_pct"` // suggested size, percent of capital
	Source          Source            `json:"source"`
	ModelVersion    string            `json:"model_version,omitempty"`
	GeneratedAt     time.Time         `json:"generated_at"`
	ExpiresAt       time.Time         `json:"expires_at"`
	Technicals      TechnicalSnapshot `json:"technicals"`
}

// ChangeReason classifies why the change detector emitted an event.
type ChangeReason string

const (
	ReasonFirst          ChangeReason = "first"
	ReasonActionChange   ChangeReason = "action_change"
	ReasonReversal       ChangeReason = "reversal"
	ReasonConfidenceJump ChangeReason = "confidence_jump"
)

// ChangeEvent is emitted when a regenerated signal qualifies as a state change.
type ChangeEvent struct {
	ID              uuid.UUID         `json:"id"`
	Instrument      market.Instrument `json:"instrument"`
	PriorAction     Action            `json:"prior_action,omitempty"`
	NewAction       Action            `json:"new_action"`
	PriorConfidence float64           `json:"prior_confidence"`
	NewConfidence   float64           `json:"new_confidence"`
	Strength        Strength          `json:"strength"`
	Reason          ChangeReason      `json:"reason"`
	Signal          *Signal           `json:"signal"`
	GeneratedAt     time.Time         `json:"generated_at"`
}

// BypassesCooldown reports whether the event skips the delivery cooldown.
func (e *ChangeEvent) BypassesCooldown() bool {
	return e.Reason == ReasonReversal
}

// InstrumentState is the change detector's persisted per-instrument row.
type InstrumentState struct {
	Instrument   market.Instrument `json:"instrument"`
	LastSignal   *Signal           `json:"last_signal,omitempty"`
	LastChangeAt time.Time         `json:"last_change_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}
