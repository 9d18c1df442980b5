package main

import (
	"context"
	"flag"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/aifx-io/aifx/internal/config"
	"github.com/aifx-io/aifx/internal/db"
	"github.com/aifx-io/aifx/internal/market"
)

// backfill is the operator tool for bulk-loading candle history:
//
//	backfill -pair EURUSD -timeframe 1h -days 30
func main() {
	configPath := flag.String("config", "", "path to config file")
	pairs := flag.String("pair", "", "comma-separated currency pairs, e.g. EURUSD,USDJPY")
	timeframe := flag.String("timeframe", "1h", "candle timeframe")
	days := flag.Int("days", 30, "days of history to load")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	if *pairs == "" {
		log.Fatal().Msg("-pair is required")
	}

	tf, err := market.ParseTimeframe(*timeframe)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid timeframe")
	}

	os.Exit(run(cfg, *pairs, tf, *days))
}

func run(cfg *config.Config, pairs string, tf market.Timeframe, days int) int {
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
	collector := market.NewCollector(database, provider, cache, budget)

	exitCode := 0
	for _, pair := range strings.Split(pairs, ",") {
		inst, err := market.NewInstrument(strings.TrimSpace(pair), tf)
		if err != nil {
			log.Error().Err(err).Str("pair", pair).Msg("Skipping invalid pair")
			exitCode = 1
			continue
		}

		start := time.Now()
		result, err := collector.Backfill(ctx, inst, days)
		if err != nil {
			log.Error().Err(err).Str("instrument", inst.String()).Msg("Backfill failed")
			exitCode = 1
			continue
		}

		log.Info().
			Str("instrument", inst.String()).
			Int("written", result.Written).
			Int("batches", result.Batches).
			Bool("truncated", result.Truncated).
			Dur("elapsed", time.Since(start)).
			Msg("Backfill finished")

		if result.Truncated {
			log.Warn().Msg("Provider budget ran out; re-run tomorrow to finish the range")
			break
		}
	}

	return exitCode
}
