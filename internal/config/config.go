package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Provider   ProviderConfig   `mapstructure:"provider"`
	Predictor  PredictorConfig  `mapstructure:"predictor"`
	Signals    SignalsConfig    `mapstructure:"signals"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	API        APIConfig        `mapstructure:"api"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// DatabaseConfig contains PostgreSQL settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains Redis settings
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig contains NATS messaging settings
type NATSConfig struct {
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
}

// ProviderConfig contains upstream quote provider settings
type ProviderConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	APIKey         string  `mapstructure:"api_key"`
	TimeoutMS      int     `mapstructure:"timeout_ms"`       // per-request deadline (default 5000)
	DailyBudget    int     `mapstructure:"daily_budget"`     // upstream calls per day (default 800)
	WaitBudgetMS   int     `mapstructure:"wait_budget_ms"`   // max wait on an empty bucket (default 500)
	RequestsPerSec float64 `mapstructure:"requests_per_sec"` // short-term smoothing limit
}

// PredictorConfig contains ML predictor client settings
type PredictorConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	APIKey          string `mapstructure:"api_key"`
	TimeoutMS       int    `mapstructure:"timeout_ms"` // default 5000
	MinModelVersion string `mapstructure:"min_model_version"`
}

// SignalsConfig contains signal generation and change-detection settings
type SignalsConfig struct {
	Instruments      []InstrumentConfig `mapstructure:"instruments"`
	HistoryBars      int                `mapstructure:"history_bars"`      // candles per generation (default 60)
	MinMLConfidence  float64            `mapstructure:"min_ml_confidence"` // ML acceptance threshold (default 0.6)
	ConfidenceJump   float64            `mapstructure:"confidence_jump"`   // change-detector delta (default 0.15)
	ATRPeriod        int                `mapstructure:"atr_period"`        // default 14
	StopATRMultiple  float64            `mapstructure:"stop_atr_multiple"` // default 1.5
	StopMinFraction  float64            `mapstructure:"stop_min_fraction"` // default 0.001 of entry
	RewardRiskRatio  float64            `mapstructure:"reward_risk_ratio"` // default 2.0
	ExpiryMultiplier map[string]int     `mapstructure:"expiry_multiplier"` // timeframe -> bars until expiry
}

// InstrumentConfig names one monitored (pair, timeframe)
type InstrumentConfig struct {
	Pair      string `mapstructure:"pair"`
	Timeframe string `mapstructure:"timeframe"`
}

// SchedulerConfig contains tick driver settings
type SchedulerConfig struct {
	SignalInterval   time.Duration `mapstructure:"signal_interval"`   // default 15m
	PositionInterval time.Duration `mapstructure:"position_interval"` // default 60s
	Workers          int           `mapstructure:"workers"`           // default 4
	DrainTimeout     time.Duration `mapstructure:"drain_timeout"`     // default 10s
}

// NotifyConfig contains delivery filter defaults
type NotifyConfig struct {
	DefaultCooldown time.Duration `mapstructure:"default_cooldown"` // default 30m
	DefaultDailyCap int           `mapstructure:"default_daily_cap"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	AttemptTimeout  time.Duration `mapstructure:"attempt_timeout"`
}

// APIConfig contains REST API settings
type APIConfig struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	JWTSecret     string        `mapstructure:"jwt_secret"`
	AccessTTL     time.Duration `mapstructure:"access_ttl"`  // default 1h
	RefreshTTL    time.Duration `mapstructure:"refresh_ttl"` // default 720h
	EnableCORS    bool          `mapstructure:"enable_cors"`
	TrustedOrigin string        `mapstructure:"trusted_origin"`
}

// TelegramConfig contains Telegram bot settings
type TelegramConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	BotToken       string `mapstructure:"bot_token"`
	WebhookURL     string `mapstructure:"webhook_url"`
	PollingTimeout int    `mapstructure:"polling_timeout"`
	Debug          bool   `mapstructure:"debug"`
}

// MonitoringConfig contains monitoring settings
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("AIFX")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "aifx")
	v.SetDefault("app.version", "2.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "console")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "aifx")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// NATS defaults
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.prefix", "aifx.")

	// Provider defaults
	v.SetDefault("provider.base_url", "https://api.quoteprovider.example")
	v.SetDefault("provider.timeout_ms", 5000)
	v.SetDefault("provider.daily_budget", 800)
	v.SetDefault("provider.wait_budget_ms", 500)
	v.SetDefault("provider.requests_per_sec", 2.0)

	// Predictor defaults
	v.SetDefault("predictor.endpoint", "http://localhost:8500")
	v.SetDefault("predictor.timeout_ms", 5000)
	v.SetDefault("predictor.min_model_version", "1.0.0")

	// Signal defaults
	v.SetDefault("signals.history_bars", 60)
	v.SetDefault("signals.min_ml_confidence", 0.6)
	v.SetDefault("signals.confidence_jump", 0.15)
	v.SetDefault("signals.atr_period", 14)
	v.SetDefault("signals.stop_atr_multiple", 1.5)
	v.SetDefault("signals.stop_min_fraction", 0.001)
	v.SetDefault("signals.reward_risk_ratio", 2.0)
	v.SetDefault("signals.expiry_multiplier", map[string]int{
		"15min": 4, "1h": 4, "4h": 3, "1d": 3, "1w": 2,
	})

	// Scheduler defaults
	v.SetDefault("scheduler.signal_interval", "15m")
	v.SetDefault("scheduler.position_interval", "60s")
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.drain_timeout", "10s")

	// Notify defaults
	v.SetDefault("notify.default_cooldown", "30m")
	v.SetDefault("notify.default_daily_cap", 20)
	v.SetDefault("notify.max_attempts", 3)
	v.SetDefault("notify.attempt_timeout", "5s")

	// API defaults
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.access_ttl", "1h")
	v.SetDefault("api.refresh_ttl", "720h")
	v.SetDefault("api.enable_cors", true)

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.polling_timeout", 60)

	// Monitoring defaults
	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAPIAddr returns the API server address
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetTimeout returns the provider request deadline
func (c *ProviderConfig) GetTimeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// GetWaitBudget returns the max wait for a rate token
func (c *ProviderConfig) GetWaitBudget() time.Duration {
	return time.Duration(c.WaitBudgetMS) * time.Millisecond
}

// GetTimeout returns the predictor request deadline
func (c *PredictorConfig) GetTimeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}
