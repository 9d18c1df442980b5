package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"github.com/aifx-io/aifx/internal/db"
	"github.com/aifx-io/aifx/internal/market"
	"github.com/aifx-io/aifx/internal/notify"
	"github.com/aifx-io/aifx/internal/registry"
)

// handleStart handles the /start command.
func handleStart(ctx context.Context, bot *Bot, message *tgbotapi.Message) error {
	// Provision the subscriber on first contact so /subscribe works
	// immediately afterwards.
	if _, err := bot.subscriberFor(ctx, message.Chat.ID); err != nil {
		return err
	}

	welcomeText := `Welcome to the *aifx* signal bot! 📈

I watch forex pairs and notify you when trading signals change.

*Getting started:*
/subscribe EURUSD 1h - watch EUR/USD on the 1-hour timeframe
/signal EURUSD - show the current signal for a pair
/help - full command reference

Signals are informational only, not financial advice.`

	return bot.SendMessage(message.Chat.ID, welcomeText)
}

// handleHelp handles the /help command.
func handleHelp(ctx context.Context, bot *Bot, message *tgbotapi.Message) error {
	helpText := `*aifx signal bot - Command Reference*

*Signals:*
/signal <pair> [timeframe] - current signal for a pair
/subscribe <pair> [timeframe] - get notified on signal changes
/unsubscribe [pair] [timeframe] - stop notifications (no args = all)
/subscriptions - list your subscriptions

*Positions:*
/open <long|short> <pair> <entry> <sl> <tp> <size> - track a position
/positions - list your open positions
/close <position-id> <price> [pct] - close a tracked position

*Settings:*
/preferences - show your settings
/preferences minconf 0.7 - only signals above 70% confidence
/preferences strongonly on - only strong signals
/preferences cap 10 - at most 10 notifications per day
/preferences quiet 22:00-07:00 Europe/Berlin - mute overnight
/preferences quiet off - disable quiet hours

Timeframes: 1min 5min 15min 30min 1h 4h 1d 1w 1M (default 1h)`

	return bot.SendMessage(message.Chat.ID, helpText)
}

// handleSignal handles /signal <pair> [timeframe].
func handleSignal(ctx context.Context, bot *Bot, message *tgbotapi.Message) error {
	args := strings.Fields(message.CommandArguments())
	if len(args) == 0 {
		return fmt.Errorf("usage: /signal <pair> [timeframe]")
	}

	inst, err := parseInstrument(args)
	if err != nil {
		return err
	}

	s, err := bot.signals.GetLatestSignal(ctx, inst)
	if err != nil {
		return fmt.Errorf("failed to load signal: %w", err)
	}
	if s == nil || !s.ExpiresAt.After(time.Now().UTC()) {
		s, err = bot.generator.Generate(ctx, inst)
		if err != nil {
			return fmt.Errorf("no signal available for %s: %w", inst, err)
		}
	}

	text := fmt.Sprintf("📡 *%s*\n\n%s", inst, notify.RenderSignal(s))
	return bot.SendMessage(message.Chat.ID, text)
}

// handleSubscribe handles /subscribe <pair> [timeframe].
func handleSubscribe(ctx context.Context, bot *Bot, message *tgbotapi.Message) error {
	args := strings.Fields(message.CommandArguments())
	if len(args) == 0 {
		return fmt.Errorf("usage: /subscribe <pair> [timeframe]")
	}

	inst, err := parseInstrument(args)
	if err != nil {
		return err
	}

	sub, err := bot.subscriberFor(ctx, message.Chat.ID)
	if err != nil {
		return err
	}

	if _, err := bot.registry.Subscribe(ctx, sub.ID, inst, db.SubscriptionFilter{}); err != nil {
		return err
	}

	return bot.SendMessage(message.Chat.ID,
		fmt.Sprintf("✅ Subscribed to *%s*. You'll hear from me when the signal changes.", inst))
}

// handleUnsubscribe handles /unsubscribe [pair] [timeframe].
func handleUnsubscribe(ctx context.Context, bot *Bot, message *tgbotapi.Message) error {
	sub, err := bot.subscriberFor(ctx, message.Chat.ID)
	if err != nil {
		return err
	}

	args := strings.Fields(message.CommandArguments())

	var inst *market.Instrument
	if len(args) > 0 {
		resolved, err := parseInstrument(args)
		if err != nil {
			return err
		}
		inst = &resolved
	}

	removed, err := bot.registry.Unsubscribe(ctx, sub.ID, inst)
	if err != nil {
		return err
	}
	if removed == 0 {
		return bot.SendMessage(message.Chat.ID, "Nothing to remove.")
	}

	return bot.SendMessage(message.Chat.ID, fmt.Sprintf("🗑 Removed %d subscription(s).", removed))
}

// handleSubscriptions handles /subscriptions.
func handleSubscriptions(ctx context.Context, bot *Bot, message *tgbotapi.Message) error {
	sub, err := bot.subscriberFor(ctx, message.Chat.ID)
	if err != nil {
		return err
	}

	subs, err := bot.registry.List(ctx, sub.ID)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return bot.SendMessage(message.Chat.ID, "No subscriptions yet. Try /subscribe EURUSD 1h")
	}

	var sb strings.Builder
	sb.WriteString("*Your subscriptions:*\n\n")
	for i := range subs {
		fmt.Fprintf(&sb, "• %s", subs[i].Instrument)
		if subs[i].Filter.MinConfidence > 0 {
			fmt.Fprintf(&sb, " (min confidence %.0f%%)", subs[i].Filter.MinConfidence*100)
		}
		sb.WriteString("\n")
	}

	return bot.SendMessage(message.Chat.ID, sb.String())
}

// handlePreferences handles /preferences [key value...].
func handlePreferences(ctx context.Context, bot *Bot, message *tgbotapi.Message) error {
	sub, err := bot.subscriberFor(ctx, message.Chat.ID)
	if err != nil {
		return err
	}

	args := strings.Fields(message.CommandArguments())
	if len(args) == 0 {
		return bot.SendMessage(message.Chat.ID, renderPreferences(&sub.Preferences))
	}

	update, err := parsePreferenceUpdate(args)
	if err != nil {
		return err
	}

	prefs, err := bot.registry.UpdatePreferences(ctx, sub.ID, update)
	if err != nil {
		return err
	}

	return bot.SendMessage(message.Chat.ID, "✅ Updated.\n\n"+renderPreferences(prefs))
}

// handleOpen handles /open <long|short> <pair> <entry> <sl> <tp> <size>.
func handleOpen(ctx context.Context, bot *Bot, message *tgbotapi.Message) error {
	args := strings.Fields(message.CommandArguments())
	if len(args) < 6 {
		return fmt.Errorf("usage: /open <long|short> <pair> <entry> <sl> <tp> <size>")
	}

	side, err := parseSide(args[0])
	if err != nil {
		return err
	}

	inst, err := market.NewInstrument(args[1], market.Timeframe1Hour)
	if err != nil {
		return err
	}

	nums := make([]float64, 4)
	for i, raw := range args[2:6] {
		nums[i], err = strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q", raw)
		}
	}

	sub, err := bot.subscriberFor(ctx, message.Chat.ID)
	if err != nil {
		return err
	}

	p, err := bot.positions.Open(ctx, &db.Position{
		SubscriberID: sub.ID,
		Instrument:   inst,
		Side:         side,
		EntryPrice:   nums[0],
		StopLoss:     nums[1],
		TakeProfit:   nums[2],
		Size:         nums[3],
	})
	if err != nil {
		return err
	}

	return bot.SendMessage(message.Chat.ID,
		fmt.Sprintf("📗 Position opened on *%s* (%s).\nID: `%s`\nI'll message you when SL or TP is hit.",
			inst, side, p.ID))
}

// handlePositions handles /positions.
func handlePositions(ctx context.Context, bot *Bot, message *tgbotapi.Message) error {
	sub, err := bot.subscriberFor(ctx, message.Chat.ID)
	if err != nil {
		return err
	}

	open, err := bot.positions.ListOpen(ctx, sub.ID, "")
	if err != nil {
		return err
	}
	if len(open) == 0 {
		return bot.SendMessage(message.Chat.ID, "No open positions.")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "*Open positions (%d):*\n\n", len(open))
	for _, p := range open {
		fmt.Fprintf(&sb, "• *%s* %s · entry %.5f · SL %.5f · TP %.5f · size %.2f%%\n  `%s`\n",
			p.Instrument, p.Side, p.EntryPrice, p.StopLoss, p.TakeProfit, p.Size, p.ID)
	}

	return bot.SendMessage(message.Chat.ID, sb.String())
}

// handleClose handles /close <position-id> <price> [pct].
func handleClose(ctx context.Context, bot *Bot, message *tgbotapi.Message) error {
	args := strings.Fields(message.CommandArguments())
	if len(args) < 2 {
		return fmt.Errorf("usage: /close <position-id> <price> [pct]")
	}

	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid position id %q", args[0])
	}
	price, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("invalid price %q", args[1])
	}
	pct := 100.0
	if len(args) > 2 {
		pct, err = strconv.ParseFloat(args[2], 64)
		if err != nil {
			return fmt.Errorf("invalid percentage %q", args[2])
		}
	}

	result, err := bot.positions.Close(ctx, id, price, pct)
	if err != nil {
		return err
	}

	if result.Status == db.PositionOpen {
		return bot.SendMessage(message.Chat.ID,
			fmt.Sprintf("📙 Partially closed %.0f%% at %+.1f pips. Remaining size %.2f%%.",
				pct, result.RealizedPnLPips, result.RemainingSize))
	}
	return bot.SendMessage(message.Chat.ID,
		fmt.Sprintf("📕 Position closed at %+.1f pips.", result.RealizedPnLPips))
}

// subscriberFor resolves (provisioning if needed) the subscriber for a chat.
func (b *Bot) subscriberFor(ctx context.Context, chatID int64) (*db.Subscriber, error) {
	return b.registry.Provision(ctx, db.SubscriberChatDM, chatIdentity(chatID))
}

// parseInstrument reads "<pair> [timeframe]" from command args.
func parseInstrument(args []string) (market.Instrument, error) {
	tf := market.Timeframe1Hour
	if len(args) > 1 {
		parsed, err := market.ParseTimeframe(args[1])
		if err != nil {
			return market.Instrument{}, err
		}
		tf = parsed
	}
	return market.NewInstrument(args[0], tf)
}

func parseSide(raw string) (db.PositionSide, error) {
	switch strings.ToLower(raw) {
	case "long", "buy":
		return db.PositionSideLong, nil
	case "short", "sell":
		return db.PositionSideShort, nil
	default:
		return "", fmt.Errorf("side must be long or short, got %q", raw)
	}
}

// parsePreferenceUpdate turns "/preferences key value..." args into an update.
func parsePreferenceUpdate(args []string) (registry.PreferenceUpdate, error) {
	var update registry.PreferenceUpdate

	key := strings.ToLower(args[0])
	switch key {
	case "risk":
		if len(args) < 2 {
			return update, fmt.Errorf("usage: /preferences risk <conservative|balanced|aggressive>")
		}
		v := strings.ToLower(args[1])
		update.RiskLevel = &v
	case "style":
		if len(args) < 2 {
			return update, fmt.Errorf("usage: /preferences style <intraday|swing|position|longterm>")
		}
		v := strings.ToLower(args[1])
		update.TradingStyle = &v
	case "minconf":
		if len(args) < 2 {
			return update, fmt.Errorf("usage: /preferences minconf <0..1>")
		}
		v, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return update, fmt.Errorf("invalid confidence %q", args[1])
		}
		update.MinConfidence = &v
	case "strongonly":
		if len(args) < 2 {
			return update, fmt.Errorf("usage: /preferences strongonly <on|off>")
		}
		v := strings.ToLower(args[1]) == "on"
		update.StrongOnly = &v
	case "cap":
		if len(args) < 2 {
			return update, fmt.Errorf("usage: /preferences cap <n>")
		}
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return update, fmt.Errorf("invalid cap %q", args[1])
		}
		update.DailyCap = &v
	case "quiet":
		if len(args) < 2 {
			return update, fmt.Errorf("usage: /preferences quiet <HH:MM-HH:MM> [timezone] | off")
		}
		if strings.ToLower(args[1]) == "off" {
			update.ClearQuiet = true
			break
		}
		window := strings.SplitN(args[1], "-", 2)
		if len(window) != 2 {
			return update, fmt.Errorf("quiet window must look like 22:00-07:00")
		}
		tz := "UTC"
		if len(args) > 2 {
			tz = args[2]
		}
		update.QuietHours = &db.QuietHours{Start: window[0], End: window[1], Timezone: tz}
	default:
		return update, fmt.Errorf("unknown preference %q, see /help", key)
	}

	return update, nil
}

// renderPreferences formats the current settings for display.
func renderPreferences(prefs *db.Preferences) string {
	var sb strings.Builder
	sb.WriteString("*Your settings:*\n\n")
	fmt.Fprintf(&sb, "Risk level: %s\n", prefs.RiskLevel)
	fmt.Fprintf(&sb, "Trading style: %s\n", prefs.TradingStyle)
	fmt.Fprintf(&sb, "Min confidence: %.0f%%\n", prefs.MinConfidence*100)
	fmt.Fprintf(&sb, "Strong signals only: %v\n", prefs.StrongOnly)
	fmt.Fprintf(&sb, "Daily cap: %d\n", prefs.DailyCap)
	if prefs.QuietHours != nil {
		fmt.Fprintf(&sb, "Quiet hours: %s-%s %s\n",
			prefs.QuietHours.Start, prefs.QuietHours.End, prefs.QuietHours.Timezone)
	} else {
		sb.WriteString("Quiet hours: off\n")
	}
	return sb.String()
}
