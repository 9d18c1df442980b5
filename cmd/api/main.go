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

	"github.com/aifx-io/aifx/internal/api"
	"github.com/aifx-io/aifx/internal/config"
	"github.com/aifx-io/aifx/internal/db"
	"github.com/aifx-io/aifx/internal/market"
	"github.com/aifx-io/aifx/internal/positions"
	"github.com/aifx-io/aifx/internal/predictor"
	"github.com/aifx-io/aifx/internal/registry"
	signalpkg "github.com/aifx-io/aifx/internal/signal"
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
		Msg("Starting aifx API server")

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

	budget := market.NewRateBudget(cfg.Provider.DailyBudget, cfg.Provider.RequestsPerSec, cfg.Provider.GetWaitBudget())
	provider := market.NewProvider(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.GetTimeout(), budget)
	cache := market.NewCache(redisClient)
	history := market.NewHistory(database, provider, cache, 2*time.Second)
	collector := market.NewCollector(database, provider, cache, budget)

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

	server := api.NewServer(&cfg.API, api.Deps{
		DB:        database,
		Generator: generator,
		History:   history,
		Collector: collector,
		Registry:  registry.New(database),
		Positions: positions.NewService(database),
		Health: func(ctx context.Context) map[string]string {
			checks := map[string]string{"database": "ok", "redis": "ok", "predictor": "ok"}
			if err := database.Health(ctx); err != nil {
				checks["database"] = err.Error()
			}
			if err := redisClient.Ping(ctx).Err(); err != nil {
				checks["redis"] = err.Error()
			}
			if err := predictorClient.Health(ctx); err != nil {
				checks["predictor"] = err.Error()
			}
			return checks
		},
	})

	errChan := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("Received shutdown signal")
	case err := <-errChan:
		log.Error().Err(err).Msg("API server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed")
	}

	log.Info().Msg("API server stopped gracefully")
}
