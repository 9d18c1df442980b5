package main

import (
	"context"
	"flag"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/aifx-io/aifx/internal/broker"
	"github.com/aifx-io/aifx/internal/config"
	"github.com/aifx-io/aifx/internal/db"
	"github.com/aifx-io/aifx/internal/market"
	"github.com/aifx-io/aifx/internal/metrics"
	"github.com/aifx-io/aifx/internal/notify"
	"github.com/aifx-io/aifx/internal/positions"
	"github.com/aifx-io/aifx/internal/predictor"
	"github.com/aifx-io/aifx/internal/scheduler"
	"github.com/aifx-io/aifx/internal/signal"
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

	log.Info().
		Str("version", cfg.App.Version).
		Str("environment", cfg.App.Environment).
		Msg("Starting aifx signal monitor")

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
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("Redis unreachable, series caching degraded")
	}

	bus, err := broker.New(broker.Config{NATSURL: cfg.NATS.URL, Prefix: cfg.NATS.Prefix})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer bus.Close()

	// Market data pipeline: budget -> provider -> cache -> history/collector.
	budget := market.NewRateBudget(cfg.Provider.DailyBudget, cfg.Provider.RequestsPerSec, cfg.Provider.GetWaitBudget())
	provider := market.NewProvider(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.GetTimeout(), budget)
	cache := market.NewCache(redisClient)
	history := market.NewHistory(database, provider, cache, 2*time.Second)
	collector := market.NewCollector(database, provider, cache, budget)

	predictorClient, err := predictor.NewClient(cfg.Predictor.Endpoint, cfg.Predictor.GetTimeout(), cfg.Predictor.MinModelVersion)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid predictor configuration")
	}

	analyzer := signal.NewAnalyzer(cfg.Signals.ATRPeriod)
	generator := signal.NewGenerator(history, predictorClient, database, analyzer, signal.GeneratorConfig{
		SeriesLength:    cfg.Signals.HistoryBars,
		MinMLConfidence: cfg.Signals.MinMLConfidence,
		PredictTimeout:  cfg.Predictor.GetTimeout(),
		StopATRMultiple: cfg.Signals.StopATRMultiple,
		MinStopPct:      cfg.Signals.StopMinFraction,
		RiskReward:      cfg.Signals.RewardRiskRatio,
		ExpiryMultiples: signal.ExpiryMultiplesFromConfig(cfg.Signals.ExpiryMultiplier),
	})
	detector := signal.NewDetector(database, cfg.Signals.ConfidenceJump)

	filter := notify.NewFilter(database, notify.Config{
		Cooldown:       cfg.Notify.DefaultCooldown,
		DailyCap:       cfg.Notify.DefaultDailyCap,
		AttemptTimeout: cfg.Notify.AttemptTimeout,
		MaxAttempts:    cfg.Notify.MaxAttempts,
	})
	filter.Register(db.SubscriberWebhook, notify.NewWebhookDeliverer(cfg.Notify.AttemptTimeout))

	if cfg.Telegram.Enabled {
		api, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to authorize Telegram client")
		}
		deliverer := telegram.NewDeliverer(api)
		filter.Register(db.SubscriberChatDM, deliverer)
		filter.Register(db.SubscriberChatChannel, deliverer)
		log.Info().Msg("Telegram delivery enabled")
	}

	posSvc := positions.NewService(database)
	monitor := positions.NewMonitor(posSvc, history, bus)

	pipeline := scheduler.NewPipeline(collector, generator, detector, bus, filter)

	instruments, err := newInstrumentSource(cfg.Signals.Instruments, database)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid instrument configuration")
	}

	sched := scheduler.New(instruments, pipeline, monitor, scheduler.Config{
		SignalInterval:   cfg.Scheduler.SignalInterval,
		PositionInterval: cfg.Scheduler.PositionInterval,
		Workers:          cfg.Scheduler.Workers,
		DrainTimeout:     cfg.Scheduler.DrainTimeout,
	}, config.NewLogger("scheduler"))

	var metricsServer *metrics.Server
	if cfg.Monitoring.EnableMetrics {
		metricsServer = metrics.NewServer(cfg.Monitoring.PrometheusPort, config.NewLogger("metrics"))
		if err := metricsServer.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start metrics server")
		}
	}

	if err := sched.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start scheduler")
	}

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Received shutdown signal")

	sched.Stop()

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Metrics server shutdown failed")
		}
		cancel()
	}

	log.Info().Msg("Signal monitor stopped gracefully")
}

// instrumentSource merges the statically configured instruments with those
// carrying live subscriptions. Static instruments keep warm history and
// current signals even before anyone subscribes.
type instrumentSource struct {
	static []market.Instrument
	db     *db.DB
}

func newInstrumentSource(static []config.InstrumentConfig, database *db.DB) (*instrumentSource, error) {
	parsed := make([]market.Instrument, 0, len(static))
	for _, ic := range static {
		tf, err := market.ParseTimeframe(ic.Timeframe)
		if err != nil {
			return nil, err
		}
		inst, err := market.NewInstrument(ic.Pair, tf)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, inst)
	}
	return &instrumentSource{static: parsed, db: database}, nil
}

func (s *instrumentSource) ListSubscribedInstruments(ctx context.Context) ([]market.Instrument, error) {
	subscribed, err := s.db.ListSubscribedInstruments(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[market.Instrument]struct{}, len(s.static)+len(subscribed))
	merged := make([]market.Instrument, 0, len(s.static)+len(subscribed))
	for _, inst := range append(append([]market.Instrument{}, s.static...), subscribed...) {
		if _, ok := seen[inst]; ok {
			continue
		}
		seen[inst] = struct{}{}
		merged = append(merged, inst)
	}
	return merged, nil
}
