package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/aifx-io/aifx/internal/broker"
	"github.com/aifx-io/aifx/internal/config"
	"github.com/aifx-io/aifx/internal/db"
	"github.com/aifx-io/aifx/internal/market"
	"github.com/aifx-io/aifx/internal/positions"
	"github.com/aifx-io/aifx/internal/predictor"
	"github.com/aifx-io/aifx/internal/registry"
	signalpkg "github.com/aifx-io/aifx/internal/signal"
	"github.com/aifx-io/aifx/internal/telegram"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	log.Info().Msg("Starting aifx Telegram bot")

	if !cfg.Telegram.Enabled {
		log.Warn().Msg("Telegram bot is disabled in configuration")
		log.Info().Msg("Set telegram.enabled=true or AIFX_TELEGRAM_ENABLED=true to enable")
		os.Exit(0)
	}
	if cfg.Telegram.BotToken == "" {
		log.Fatal().Msg("telegram.bot_token is required")
	}

	ctx := context.Background()

	database, err := db.New(ctx, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.GetRedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	// On-demand /signal lookups fall through to live generation, so the
	// bot carries the same market-data pipeline as the monitor.
	budget := market.NewRateBudget(cfg.Provider.DailyBudget, cfg.Provider.RequestsPerSec, cfg.Provider.GetWaitBudget())
	provider := market.NewProvider(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.GetTimeout(), budget)
	cache := market.NewCache(redisClient)
	history := market.NewHistory(database, provider, cache, 2*time.Second)

	predictorClient, err := predictor.NewClient(cfg.Predictor.Endpoint, cfg.Predictor.GetTimeout(), cfg.Predictor.MinModelVersion)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid predictor configuration")
	}

	analyzer := signalpkg.NewAnalyzer(cfg.Signals.ATRPeriod)
	generator := signalpkg.NewGenerator(history, predictorClient, database, analyzer, signalpkg.GeneratorConfig{
		SeriesLength:    cfg.Signals.HistoryBars,
		MinMLConfidence: cfg.Signals.MinMLConfidence,
		PredictTimeout:  cfg.Predictor.GetTimeout(),
		StopATRMultiple: cfg.Signals.StopATRMultiple,
		MinStopPct:      cfg.Signals.StopMinFraction,
		RiskReward:      cfg.Signals.RewardRiskRatio,
		ExpiryMultiples: signalpkg.ExpiryMultiplesFromConfig(cfg.Signals.ExpiryMultiplier),
	})

	bot, err := telegram.NewBot(&telegram.Config{
		BotToken:       cfg.Telegram.BotToken,
		PollingTimeout: cfg.Telegram.PollingTimeout,
		Debug:          cfg.Telegram.Debug,
	}, registry.New(database), positions.NewService(database), database, generator)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create bot")
	}

	// Position close events reach users through the broker, not the
	// delivery filter: they bypass cooldowns and quiet hours.
	bus, err := broker.New(broker.Config{NATSURL: cfg.NATS.URL, Prefix: cfg.NATS.Prefix})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer bus.Close()

	notifier := telegram.NewPositionNotifier(telegram.NewDeliverer(bot.API()), database)
	if _, err := bus.SubscribePositions(notifier.HandleEnvelope); err != nil {
		log.Fatal().Err(err).Msg("Failed to subscribe to position events")
	}

	errChan := make(chan error, 1)
	go func() {
		if err := bot.Start(); err != nil {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("Received shutdown signal")
		bot.Stop()
	case err := <-errChan:
		log.Error().Err(err).Msg("Bot error")
		bot.Stop()
		os.Exit(1)
	}

	log.Info().Msg("Telegram bot stopped gracefully")
}
