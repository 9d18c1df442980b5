package telegram

import (
	"context"
	"fmt"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/aifx-io/aifx/internal/market"
	"github.com/aifx-io/aifx/internal/positions"
	"github.com/aifx-io/aifx/internal/registry"
	"github.com/aifx-io/aifx/internal/signal"
)

const parseModeMarkdown = "Markdown"

// SignalSource serves the latest stored signal for an instrument.
type SignalSource interface {
	GetLatestSignal(ctx context.Context, inst market.Instrument) (*signal.Signal, error)
}

// Generator produces a signal on demand when no stored one is current.
type Generator interface {
	Generate(ctx context.Context, inst market.Instrument) (*signal.Signal, error)
}

// Config holds the bot configuration.
type Config struct {
	BotToken       string
	PollingTimeout int
	Debug          bool
}

// CommandHandler handles one bot command.
type CommandHandler func(ctx context.Context, bot *Bot, message *tgbotapi.Message) error

// Bot is the Telegram front end: command handling plus signal delivery.
type Bot struct {
	api       *tgbotapi.BotAPI
	config    *Config
	registry  *registry.Registry
	positions *positions.Service
	signals   SignalSource
	generator Generator
	handlers  map[string]CommandHandler
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewBot creates and authorizes a Telegram bot.
func NewBot(config *Config, reg *registry.Registry, pos *positions.Service, signals SignalSource, generator Generator) (*Bot, error) {
	if config.BotToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	api, err := tgbotapi.NewBotAPI(config.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}
	api.Debug = config.Debug

	log.Info().
		Str("username", api.Self.UserName).
		Msg("Telegram bot authorized")

	ctx, cancel := context.WithCancel(context.Background())

	bot := &Bot{
		api:       api,
		config:    config,
		registry:  reg,
		positions: pos,
		signals:   signals,
		generator: generator,
		handlers:  make(map[string]CommandHandler),
		ctx:       ctx,
		cancel:    cancel,
	}

	bot.registerDefaultHandlers()
	return bot, nil
}

func (b *Bot) registerDefaultHandlers() {
	b.RegisterHandler("start", handleStart)
	b.RegisterHandler("help", handleHelp)
	b.RegisterHandler("signal", handleSignal)
	b.RegisterHandler("subscribe", handleSubscribe)
	b.RegisterHandler("unsubscribe", handleUnsubscribe)
	b.RegisterHandler("subscriptions", handleSubscriptions)
	b.RegisterHandler("preferences", handlePreferences)
	b.RegisterHandler("open", handleOpen)
	b.RegisterHandler("positions", handlePositions)
	b.RegisterHandler("close", handleClose)
}

// RegisterHandler registers a command handler.
func (b *Bot) RegisterHandler(command string, handler CommandHandler) {
	b.handlers[command] = handler
}

// Start runs the bot in long-polling mode until Stop is called.
func (b *Bot) Start() error {
	log.Info().Msg("Starting Telegram bot in polling mode")

	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.config.PollingTimeout

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.ctx.Done():
			log.Info().Msg("Telegram bot shutting down")
			return nil
		case update := <-updates:
			if update.Message == nil {
				continue
			}
			go b.handleUpdate(update)
		}
	}
}

func (b *Bot) handleUpdate(update tgbotapi.Update) {
	message := update.Message
	if message == nil {
		return
	}

	if message.IsCommand() {
		b.handleCommand(message)
		return
	}

	msg := tgbotapi.NewMessage(message.Chat.ID, "Please use /help to see available commands.")
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send message")
	}
}

func (b *Bot) handleCommand(message *tgbotapi.Message) {
	command := message.Command()

	log.Info().
		Str("command", command).
		Int64("chat_id", message.Chat.ID).
		Str("username", message.From.UserName).
		Msg("Received command")

	handler, exists := b.handlers[command]
	if !exists {
		msg := tgbotapi.NewMessage(message.Chat.ID, "Unknown command. Use /help to see available commands.")
		if _, err := b.api.Send(msg); err != nil {
			log.Error().Err(err).Msg("Failed to send unknown command message")
		}
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, 30*time.Second)
	defer cancel()

	if err := handler(ctx, b, message); err != nil {
		log.Error().
			Err(err).
			Str("command", command).
			Int64("chat_id", message.Chat.ID).
			Msg("Command handler failed")

		errorMsg := tgbotapi.NewMessage(message.Chat.ID, fmt.Sprintf("Error: %v", err))
		if _, sendErr := b.api.Send(errorMsg); sendErr != nil {
			log.Error().Err(sendErr).Msg("Failed to send error message")
		}
	}
}

// SendMessage sends a Markdown-formatted message to a chat.
func (b *Bot) SendMessage(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = parseModeMarkdown

	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Stop stops the bot gracefully.
func (b *Bot) Stop() {
	log.Info().Msg("Stopping Telegram bot")
	b.cancel()
	b.api.StopReceivingUpdates()
}

// API exposes the underlying client for the deliverer.
func (b *Bot) API() *tgbotapi.BotAPI {
	return b.api
}

// chatIdentity is the platform identity recorded for a Telegram chat.
func chatIdentity(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}
