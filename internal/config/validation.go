package config

import (
	"fmt"
	"strings"
)

// ValidationError describes a single invalid configuration value
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Message)
}

// ValidationErrors aggregates all validation failures
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return "configuration invalid:\n  " + strings.Join(msgs, "\n  ")
}

// Validate checks the full configuration and returns all problems at once
func (c *Config) Validate() error {
	var errs ValidationErrors

	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	switch c.App.Environment {
	case "development", "staging", "production":
	default:
		add("app.environment", fmt.Sprintf("unknown environment %q", c.App.Environment))
	}

	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		add("database.port", fmt.Sprintf("invalid port %d", c.Database.Port))
	}
	if c.Database.PoolSize <= 0 {
		add("database.pool_size", "must be positive")
	}

	if c.Provider.DailyBudget <= 0 {
		add("provider.daily_budget", "must be positive")
	}
	if c.Provider.TimeoutMS <= 0 {
		add("provider.timeout_ms", "must be positive")
	}

	if c.Predictor.TimeoutMS <= 0 {
		add("predictor.timeout_ms", "must be positive")
	}

	if c.Signals.HistoryBars < 30 {
		add("signals.history_bars", "must be at least 30 for indicator warmup")
	}
	if c.Signals.MinMLConfidence < 0 || c.Signals.MinMLConfidence > 1 {
		add("signals.min_ml_confidence", "must be within [0,1]")
	}
	if c.Signals.ConfidenceJump <= 0 || c.Signals.ConfidenceJump > 1 {
		add("signals.confidence_jump", "must be within (0,1]")
	}
	if c.Signals.RewardRiskRatio <= 0 {
		add("signals.reward_risk_ratio", "must be positive")
	}
	for i, inst := range c.Signals.Instruments {
		if inst.Pair == "" {
			add(fmt.Sprintf("signals.instruments[%d].pair", i), "required")
		}
		if inst.Timeframe == "" {
			add(fmt.Sprintf("signals.instruments[%d].timeframe", i), "required")
		}
	}

	if c.Scheduler.Workers <= 0 {
		add("scheduler.workers", "must be positive")
	}
	if c.Scheduler.SignalInterval <= 0 {
		add("scheduler.signal_interval", "must be positive")
	}
	if c.Scheduler.PositionInterval <= 0 {
		add("scheduler.position_interval", "must be positive")
	}

	if c.Notify.DefaultDailyCap <= 0 {
		add("notify.default_daily_cap", "must be positive")
	}
	if c.Notify.MaxAttempts <= 0 {
		add("notify.max_attempts", "must be positive")
	}

	if c.API.Port <= 0 || c.API.Port > 65535 {
		add("api.port", fmt.Sprintf("invalid port %d", c.API.Port))
	}
	if c.App.Environment == "production" && c.API.JWTSecret == "" {
		add("api.jwt_secret", "required in production")
	}

	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		add("telegram.bot_token", "required when telegram is enabled")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
