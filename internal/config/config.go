// Package config loads process configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/drfirst/go-adherence/internal/domain/adherence"
	"github.com/drfirst/go-adherence/internal/domain/schedule"
	"github.com/spf13/viper"
)

type Config struct {
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`
	Port     string `mapstructure:"PORT"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	APIKeys      []string `mapstructure:"API_KEYS"`
	CORSOrigins  []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPM int      `mapstructure:"RATE_LIMIT_RPM"`

	ClinicalTimezone       string        `mapstructure:"CLINICAL_TIMEZONE"`
	SweepInterval          time.Duration `mapstructure:"SWEEP_INTERVAL"`
	SweepLookback          time.Duration `mapstructure:"SWEEP_LOOKBACK"`
	MaterializeConcurrency int           `mapstructure:"MATERIALIZE_CONCURRENCY"`
	MaxDosesPerRule        int           `mapstructure:"MAX_DOSES_PER_RULE"`

	ToleranceWindowMinutes   int `mapstructure:"TOLERANCE_WINDOW_MINUTES"`
	ReminderFrequencyMinutes int `mapstructure:"REMINDER_FREQUENCY_MINUTES"`
	MaxReminderAttempts      int `mapstructure:"MAX_REMINDER_ATTEMPTS"`

	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"`

	RedisAddr         string        `mapstructure:"REDIS_ADDR"`
	RedisPassword     string        `mapstructure:"REDIS_PASSWORD"`
	RedisDB           int           `mapstructure:"REDIS_DB"`
	ToleranceCacheTTL time.Duration `mapstructure:"TOLERANCE_CACHE_TTL"`

	FHIRBaseURL      string        `mapstructure:"FHIR_BASE_URL"`
	FHIRBearerToken  string        `mapstructure:"FHIR_BEARER_TOKEN"`
	FHIRTimeout      time.Duration `mapstructure:"FHIR_TIMEOUT"`
	StatementWorkers int           `mapstructure:"STATEMENT_WORKERS"`

	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	MetricsPort  string `mapstructure:"METRICS_PORT"`
}

var keys = []string{
	"ENV", "LOG_LEVEL", "PORT",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"API_KEYS", "CORS_ORIGINS", "RATE_LIMIT_RPM",
	"CLINICAL_TIMEZONE", "SWEEP_INTERVAL", "SWEEP_LOOKBACK",
	"MATERIALIZE_CONCURRENCY", "MAX_DOSES_PER_RULE",
	"TOLERANCE_WINDOW_MINUTES", "REMINDER_FREQUENCY_MINUTES", "MAX_REMINDER_ATTEMPTS",
	"KAFKA_BROKERS",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "TOLERANCE_CACHE_TTL",
	"FHIR_BASE_URL", "FHIR_BEARER_TOKEN", "FHIR_TIMEOUT", "STATEMENT_WORKERS",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "METRICS_PORT",
}

// Load reads configuration. Missing .env files are ignored.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	defaults := adherence.DefaultTolerance()
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("PORT", "8081")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPM", 600)
	v.SetDefault("CLINICAL_TIMEZONE", "UTC")
	v.SetDefault("SWEEP_INTERVAL", "5m")
	v.SetDefault("SWEEP_LOOKBACK", "24h")
	v.SetDefault("MATERIALIZE_CONCURRENCY", 8)
	v.SetDefault("MAX_DOSES_PER_RULE", schedule.DefaultMaxDoses)
	v.SetDefault("TOLERANCE_WINDOW_MINUTES", defaults.WindowMinutes)
	v.SetDefault("REMINDER_FREQUENCY_MINUTES", defaults.ReminderFrequencyMinutes)
	v.SetDefault("MAX_REMINDER_ATTEMPTS", defaults.MaxReminderAttempts)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("TOLERANCE_CACHE_TTL", "10m")
	v.SetDefault("FHIR_TIMEOUT", "10s")
	v.SetDefault("STATEMENT_WORKERS", 16)
	v.SetDefault("METRICS_PORT", "9090")

	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// comma separated env values arrive as a single element
	cfg.APIKeys = splitList(cfg.APIKeys)
	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks the settings every binary depends on.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	if c.SweepLookback < time.Duration(adherence.MaxWindowMinutes)*time.Minute {
		return fmt.Errorf("SWEEP_LOOKBACK must be at least %dm, got %s", adherence.MaxWindowMinutes, c.SweepLookback)
	}
	if c.MaxDosesPerRule <= 0 {
		return fmt.Errorf("MAX_DOSES_PER_RULE must be positive, got %d", c.MaxDosesPerRule)
	}
	if c.MaterializeConcurrency <= 0 {
		return fmt.Errorf("MATERIALIZE_CONCURRENCY must be positive, got %d", c.MaterializeConcurrency)
	}
	if err := c.Tolerance().Validate(); err != nil {
		return fmt.Errorf("default tolerance: %w", err)
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required")
	}
	if c.IsProduction() && len(c.APIKeys) == 0 {
		return fmt.Errorf("API_KEYS is required in production")
	}
	return nil
}

// ValidateFHIR checks the settings the statement writer needs.
func (c *Config) ValidateFHIR() error {
	if c.FHIRBaseURL == "" {
		return fmt.Errorf("FHIR_BASE_URL is required")
	}
	if c.StatementWorkers <= 0 {
		return fmt.Errorf("STATEMENT_WORKERS must be positive, got %d", c.StatementWorkers)
	}
	return nil
}

// Location returns the clinical time zone used for generation and sweeps.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.ClinicalTimezone)
	if err != nil {
		return nil, fmt.Errorf("CLINICAL_TIMEZONE %q: %w", c.ClinicalTimezone, err)
	}
	return loc, nil
}

// Tolerance returns the default adherence tolerance.
func (c *Config) Tolerance() adherence.Tolerance {
	return adherence.Tolerance{
		WindowMinutes:            c.ToleranceWindowMinutes,
		ReminderFrequencyMinutes: c.ReminderFrequencyMinutes,
		MaxReminderAttempts:      c.MaxReminderAttempts,
	}
}

// APIKeyMap returns the API keys keyed by key with a generated client name.
func (c *Config) APIKeyMap() map[string]string {
	m := make(map[string]string, len(c.APIKeys))
	for i, key := range c.APIKeys {
		m[key] = fmt.Sprintf("client-%d", i+1)
	}
	return m
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
