// Package config loads engine configuration from file and environment.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sparlo/report-engine/internal/store"
)

// Config holds the full application configuration.
type Config struct {
	Store         StoreConfig         `yaml:"store" mapstructure:"store"`
	Temporal      TemporalConfig      `yaml:"temporal" mapstructure:"temporal"`
	Anthropic     AnthropicConfig     `yaml:"anthropic" mapstructure:"anthropic"`
	Quota         QuotaConfig         `yaml:"quota" mapstructure:"quota"`
	Rate          RateConfig          `yaml:"rate" mapstructure:"rate"`
	Clarification ClarificationConfig `yaml:"clarification" mapstructure:"clarification"`
	Step          StepConfig          `yaml:"step" mapstructure:"step"`
	Server        ServerConfig        `yaml:"server" mapstructure:"server"`
	Webhook       WebhookConfig       `yaml:"webhook" mapstructure:"webhook"`
	Log           LogConfig           `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string            `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string            `yaml:"database_url" mapstructure:"database_url"`
	Pool        *store.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// TemporalConfig configures the workflow backend.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	HaikuModel  string `yaml:"haiku_model" mapstructure:"haiku_model"`
	SonnetModel string `yaml:"sonnet_model" mapstructure:"sonnet_model"`
	OpusModel   string `yaml:"opus_model" mapstructure:"opus_model"`
}

// QuotaConfig configures per-account token quotas.
type QuotaConfig struct {
	DefaultLimit  int            `yaml:"default_limit" mapstructure:"default_limit"`
	AccountLimits map[string]int `yaml:"account_limits" mapstructure:"account_limits"`
	Admins        []string       `yaml:"admins" mapstructure:"admins"`
}

// RateConfig configures the per-account rate and concurrency guard plus
// the HTTP-level request limiter.
type RateConfig struct {
	HourlyReports     int     `yaml:"hourly_reports" mapstructure:"hourly_reports"`
	DailyReports      int     `yaml:"daily_reports" mapstructure:"daily_reports"`
	MaxConcurrent     int     `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	AdmissionTTLHours int     `yaml:"admission_ttl_hours" mapstructure:"admission_ttl_hours"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	RequestBurst      int     `yaml:"request_burst" mapstructure:"request_burst"`
}

// GuardLimits converts the config into store-level limits.
func (r RateConfig) GuardLimits() store.GuardLimits {
	return store.GuardLimits{
		Hourly:        r.HourlyReports,
		Daily:         r.DailyReports,
		MaxConcurrent: r.MaxConcurrent,
		AdmissionTTL:  time.Duration(r.AdmissionTTLHours) * time.Hour,
	}
}

// ClarificationConfig bounds the suspended-run wait.
type ClarificationConfig struct {
	TimeoutMinutes int `yaml:"timeout_minutes" mapstructure:"timeout_minutes"`
}

// Timeout returns the configured clarification timeout.
func (c ClarificationConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

// StepConfig configures step execution.
type StepConfig struct {
	MaxAttempts        int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMS   int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	TimeoutSecs        int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxBackoffSecs     int `yaml:"max_backoff_secs" mapstructure:"max_backoff_secs"`
	TemperaturePercent int `yaml:"temperature_percent" mapstructure:"temperature_percent"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// WebhookConfig configures status notifications.
type WebhookConfig struct {
	URL string `yaml:"url" mapstructure:"url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Validate checks that the fields required for the given mode are set.
// Modes: "serve" (full stack), "worker" (no HTTP), "migrate" (store only),
// "client" (store plus Temporal, no Anthropic key).
func (c *Config) Validate(mode string) error {
	var missing []string

	needStore := func() {
		if c.Store.DatabaseURL == "" {
			missing = append(missing, "store.database_url is required")
		}
		if c.Store.Driver != "postgres" && c.Store.Driver != "sqlite" {
			missing = append(missing, "store.driver must be postgres or sqlite")
		}
	}
	needTemporal := func() {
		if c.Temporal.HostPort == "" {
			missing = append(missing, "temporal.host_port is required")
		}
	}
	needAnthropic := func() {
		if c.Anthropic.Key == "" {
			missing = append(missing, "anthropic.key is required")
		}
	}

	switch mode {
	case "serve":
		needStore()
		needTemporal()
		needAnthropic()
		if c.Server.Port <= 0 {
			missing = append(missing, "server.port must be > 0")
		}
	case "worker":
		needStore()
		needTemporal()
		needAnthropic()
	case "client":
		needStore()
		needTemporal()
	case "migrate":
		needStore()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if mode == "serve" || mode == "worker" {
		if c.Rate.MaxConcurrent < 1 || c.Rate.MaxConcurrent > 50 {
			missing = append(missing, "rate.max_concurrent must be between 1 and 50")
		}
		if c.Clarification.TimeoutMinutes < 1 {
			missing = append(missing, "clarification.timeout_minutes must be >= 1")
		}
	}

	if len(missing) > 0 {
		return eris.New("config: " + strings.Join(missing, "; "))
	}
	return nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SPARLO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "report-engine")
	v.SetDefault("anthropic.haiku_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.sonnet_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.opus_model", "claude-opus-4-6")
	v.SetDefault("quota.default_limit", 2_000_000)
	v.SetDefault("rate.hourly_reports", 5)
	v.SetDefault("rate.daily_reports", 20)
	v.SetDefault("rate.max_concurrent", 2)
	v.SetDefault("rate.admission_ttl_hours", 4)
	v.SetDefault("rate.requests_per_second", 10)
	v.SetDefault("rate.request_burst", 20)
	v.SetDefault("clarification.timeout_minutes", 120)
	v.SetDefault("step.max_attempts", 3)
	v.SetDefault("step.initial_backoff_ms", 500)
	v.SetDefault("step.max_backoff_secs", 30)
	v.SetDefault("step.timeout_secs", 300)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
