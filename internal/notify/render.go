package notify

import (
	"fmt"
	"strings"

	"github.com/aifx-io/aifx/internal/broker"
	"github.com/aifx-io/aifx/internal/market"
	"github.com/aifx-io/aifx/internal/signal"
)

// RenderSignalMessage formats a change event for delivery. Plain text with
// Markdown emphasis; every chat adapter can carry it as-is.
func RenderSignalMessage(event *signal.ChangeEvent) string {
	s := event.Signal
	var b strings.Builder

	switch event.Reason {
	case signal.ReasonFirst:
		fmt.Fprintf(&b, "📡 *New signal* for %s\n", s.Instrument)
	case signal.ReasonReversal:
		fmt.Fprintf(&b, "🔄 *Reversal* on %s: %s → %s\n",
			s.Instrument, strings.ToUpper(string(event.PriorAction)), strings.ToUpper(string(event.NewAction)))
	case signal.ReasonActionChange:
		fmt.Fprintf(&b, "⚡ *Signal change* on %s: %s → %s\n",
			s.Instrument, strings.ToUpper(string(event.PriorAction)), strings.ToUpper(string(event.NewAction)))
	case signal.ReasonConfidenceJump:
		fmt.Fprintf(&b, "📈 *Confidence shift* on %s: %.0f%% → %.0f%%\n",
			s.Instrument, event.PriorConfidence*100, event.NewConfidence*100)
	default:
		fmt.Fprintf(&b, "📡 Signal update for %s\n", s.Instrument)
	}

	b.WriteString("\n")
	b.WriteString(RenderSignal(s))

	return b.String()
}

// RenderSignal formats a signal body without a change header. Used for
// on-demand signal lookups.
func RenderSignal(s *signal.Signal) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Action: *%s*\n", strings.ToUpper(string(s.Action)))
	fmt.Fprintf(&b, "Confidence: %.0f%% (%s)\n", s.Confidence*100, s.Strength)

	if s.Action != signal.ActionHold {
		fmt.Fprintf(&b, "Entry: %s\n", formatPrice(s.Instrument.Pair, s.EntryPrice))
		fmt.Fprintf(&b, "Stop loss: %s\n", formatPrice(s.Instrument.Pair, s.StopLoss))
		fmt.Fprintf(&b, "Take profit: %s\n", formatPrice(s.Instrument.Pair, s.TakeProfit))
		fmt.Fprintf(&b, "R:R %.1f · size hint %.2f%%\n", s.RiskRewardRatio, s.PositionSizePct)
	}

	fmt.Fprintf(&b, "Source: %s", s.Source)
	if s.ModelVersion != "" {
		fmt.Fprintf(&b, " (model %s)", s.ModelVersion)
	}
	fmt.Fprintf(&b, "\nExpires: %s", s.ExpiresAt.UTC().Format("2006-01-02 15:04 UTC"))

	return b.String()
}

// RenderPositionClosed formats a terminal position event.
func RenderPositionClosed(event *broker.PositionClosed) string {
	var b strings.Builder

	switch event.Status {
	case "closed_tp":
		fmt.Fprintf(&b, "🎯 *Take profit hit* on %s\n", event.Instrument)
	case "closed_sl":
		fmt.Fprintf(&b, "🛑 *Stop loss hit* on %s\n", event.Instrument)
	default:
		fmt.Fprintf(&b, "📕 *Position closed* on %s\n", event.Instrument)
	}

	fmt.Fprintf(&b, "\nExit: %s\n", formatPrice(event.Instrument.Pair, event.ExitPrice))
	fmt.Fprintf(&b, "Realized P&L: %+.1f pips", event.RealizedPnLPips)

	return b.String()
}

// formatPrice prints a price at the pair's conventional precision.
func formatPrice(pair string, price float64) string {
	if market.PipSize(pair) == 0.01 {
		return fmt.Sprintf("%.3f", price)
	}
	return fmt.Sprintf("%.5f", price)
}
