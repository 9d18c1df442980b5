package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load("")
	require.NoError(t, err)
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	cfg := defaultConfig(t)

	assert.Equal(t, "development", cfg.App.Environment)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, 800, cfg.Provider.DailyBudget)
	assert.Equal(t, 60, cfg.Signals.HistoryBars)
	assert.Equal(t, 0.6, cfg.Signals.MinMLConfidence)
	assert.Equal(t, 4, cfg.Scheduler.Workers)
	assert.Equal(t, 20, cfg.Notify.DefaultDailyCap)
	assert.False(t, cfg.Telegram.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app:
  environment: staging
provider:
  daily_budget: 400
scheduler:
  signal_interval: 5m
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "staging", cfg.App.Environment)
	assert.Equal(t, 400, cfg.Provider.DailyBudget)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.SignalInterval)
	// Unset keys keep their defaults.
	assert.Equal(t, 8080, cfg.API.Port)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown environment",
			mutate:  func(c *Config) { c.App.Environment = "qa" },
			wantErr: "app.environment",
		},
		{
			name:    "bad database port",
			mutate:  func(c *Config) { c.Database.Port = 70000 },
			wantErr: "database.port",
		},
		{
			name:    "history bars below warmup",
			mutate:  func(c *Config) { c.Signals.HistoryBars = 10 },
			wantErr: "signals.history_bars",
		},
		{
			name:    "confidence out of range",
			mutate:  func(c *Config) { c.Signals.MinMLConfidence = 1.5 },
			wantErr: "signals.min_ml_confidence",
		},
		{
			name:    "zero confidence jump",
			mutate:  func(c *Config) { c.Signals.ConfidenceJump = 0 },
			wantErr: "signals.confidence_jump",
		},
		{
			name:    "zero workers",
			mutate:  func(c *Config) { c.Scheduler.Workers = 0 },
			wantErr: "scheduler.workers",
		},
		{
			name: "production without jwt secret",
			mutate: func(c *Config) {
				c.App.Environment = "production"
				c.API.JWTSecret = ""
			},
			wantErr: "api.jwt_secret",
		},
		{
			name: "telegram enabled without token",
			mutate: func(c *Config) {
				c.Telegram.Enabled = true
				c.Telegram.BotToken = ""
			},
			wantErr: "telegram.bot_token",
		},
		{
			name: "instrument missing pair",
			mutate: func(c *Config) {
				c.Signals.Instruments = []InstrumentConfig{{Timeframe: "1h"}}
			},
			wantErr: "signals.instruments[0].pair",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateAggregatesErrors(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.App.Environment = "qa"
	cfg.Database.Port = 0
	cfg.Signals.HistoryBars = 5

	err := cfg.Validate()
	require.Error(t, err)

	errs, ok := err.(ValidationErrors)
	require.True(t, ok)
	assert.Len(t, errs, 3)
	assert.Contains(t, err.Error(), "app.environment")
	assert.Contains(t, err.Error(), "database.port")
	assert.Contains(t, err.Error(), "signals.history_bars")
}

func TestDerivedValues(t *testing.T) {
	cfg := defaultConfig(t)

	assert.Contains(t, cfg.Database.GetDSN(), "host=localhost")
	assert.Contains(t, cfg.Database.GetDSN(), "dbname=aifx")
	assert.Equal(t, "localhost:6379", cfg.Redis.GetRedisAddr())
	assert.Equal(t, "0.0.0.0:8080", cfg.API.GetAPIAddr())
	assert.Equal(t, 5*time.Second, cfg.Provider.GetTimeout())
	assert.Equal(t, 500*time.Millisecond, cfg.Provider.GetWaitBudget())
	assert.Equal(t, 5*time.Second, cfg.Predictor.GetTimeout())
}
