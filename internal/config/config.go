// Package config loads the engine's configuration from defaults, an optional
// YAML file, a .env file and MONKIFY_* environment variables, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/monkify/session-engine/internal/choice"
	"github.com/monkify/session-engine/internal/model"
	"github.com/monkify/session-engine/internal/session"
	"github.com/monkify/session-engine/internal/settlement"
)

// EnvPrefix prefixes every environment override, e.g. MONKIFY_HTTP_PORT.
const EnvPrefix = "MONKIFY"

// Config holds all application configuration.
type Config struct {
	HTTP       HTTPConfig       `mapstructure:"http"`
	Log        LogConfig        `mapstructure:"log"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Session    SessionConfig    `mapstructure:"session"`
	Token      TokenConfig      `mapstructure:"token"`
	Workers    WorkersConfig    `mapstructure:"workers"`
	Seed       SeedConfig       `mapstructure:"seed"`
}

type HTTPConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// DatabaseConfig selects PostgreSQL. An empty URL runs on the in-memory store.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// RedisConfig enables the configuration cache in front of PostgreSQL.
type RedisConfig struct {
	URL string        `mapstructure:"url"`
	TTL time.Duration `mapstructure:"ttl"`
}

// KafkaConfig enables the event stream. No brokers disables it.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	Workers int      `mapstructure:"workers"`
}

// SettlementConfig selects the settlement gateway. An empty base URL uses
// the in-memory client, which accepts every payment.
type SettlementConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SessionConfig struct {
	MinimumWait    time.Duration `mapstructure:"minimum_wait"`
	MaximumWait    time.Duration `mapstructure:"maximum_wait"`
	StartDelay     time.Duration `mapstructure:"start_delay"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	BatchInterval  time.Duration `mapstructure:"batch_interval"`
	HandleAttempts int           `mapstructure:"handle_attempts"`
	HandleBackoff  time.Duration `mapstructure:"handle_backoff"`
}

// TokenConfig describes the settled token. Commission is a decimal string
// so it never passes through a float.
type TokenConfig struct {
	Commission string `mapstructure:"commission"`
	Decimals   int32  `mapstructure:"decimals"`
	Precision  int32  `mapstructure:"precision"`
}

type WorkersConfig struct {
	OpenInterval      time.Duration `mapstructure:"open_interval"`
	RefundInterval    time.Duration `mapstructure:"refund_interval"`
	CloseInterval     time.Duration `mapstructure:"close_interval"`
	RefundConcurrency int           `mapstructure:"refund_concurrency"`
	// StaleAfter is how long a session not running in this process may go
	// without a status change before the workers take it over.
	StaleAfter        time.Duration `mapstructure:"stale_after"`
}

// SeedConfig points at a YAML list of configurations upserted at startup.
type SeedConfig struct {
	ParametersFile string `mapstructure:"parameters_file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.shutdown_timeout", 5*time.Second)
	v.SetDefault("http.allowed_origins", []string{"*"})

	v.SetDefault("log.level", "info")

	v.SetDefault("database.url", "")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.ttl", 30*time.Second)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "session-events")
	v.SetDefault("kafka.workers", 2)

	v.SetDefault("settlement.base_url", "")
	v.SetDefault("settlement.api_key", "")
	v.SetDefault("settlement.timeout", 15*time.Second)

	v.SetDefault("session.minimum_wait", 30*time.Second)
	v.SetDefault("session.maximum_wait", 5*time.Minute)
	v.SetDefault("session.start_delay", 10*time.Second)
	v.SetDefault("session.poll_interval", time.Second)
	v.SetDefault("session.batch_size", 10)
	v.SetDefault("session.batch_interval", 100*time.Millisecond)
	v.SetDefault("session.handle_attempts", 3)
	v.SetDefault("session.handle_backoff", 500*time.Millisecond)

	v.SetDefault("token.commission", "0.1")
	v.SetDefault("token.decimals", 9)
	v.SetDefault("token.precision", 6)

	v.SetDefault("workers.open_interval", 5*time.Second)
	v.SetDefault("workers.refund_interval", 30*time.Second)
	v.SetDefault("workers.close_interval", time.Minute)
	v.SetDefault("workers.refund_concurrency", 4)
	v.SetDefault("workers.stale_after", 15*time.Minute)

	v.SetDefault("seed.parameters_file", "")
}

// Load reads configuration. file may be empty; a .env file in the working
// directory is loaded when present and never overrides variables already
// set in the environment.
func Load(file string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
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

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	if _, err := c.Calculator(); err != nil {
		return err
	}
	if c.Session.MaximumWait > 0 && c.Session.MaximumWait < c.Session.MinimumWait {
		return fmt.Errorf("config: session.maximum_wait (%s) is shorter than session.minimum_wait (%s)",
			c.Session.MaximumWait, c.Session.MinimumWait)
	}
	if c.Session.BatchSize <= 0 {
		return errors.New("config: session.batch_size must be positive")
	}
	for name, d := range map[string]time.Duration{
		"workers.open_interval":   c.Workers.OpenInterval,
		"workers.refund_interval": c.Workers.RefundInterval,
		"workers.close_interval":  c.Workers.CloseInterval,
		"workers.stale_after":     c.Workers.StaleAfter,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive", name)
		}
	}
	if c.Session.MaximumWait > 0 && c.Workers.StaleAfter <= c.Session.MaximumWait {
		return fmt.Errorf("config: workers.stale_after (%s) must exceed session.maximum_wait (%s)",
			c.Workers.StaleAfter, c.Session.MaximumWait)
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

// LogLevel parses log.level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("config: log.level: %w", err)
	}
	return level, nil
}

// Calculator returns the settlement settings of the token.
func (c *Config) Calculator() (settlement.Config, error) {
	commission, err := decimal.NewFromString(c.Token.Commission)
	if err != nil {
		return settlement.Config{}, fmt.Errorf("config: token.commission: %w", err)
	}
	return settlement.Config{
		Commission: commission,
		Precision:  c.Token.Precision,
		Decimals:   c.Token.Decimals,
	}, nil
}

// Orchestrator returns the session run settings.
func (c *Config) Orchestrator() session.Config {
	s := c.Session
	return session.Config{
		MinimumWait:    s.MinimumWait,
		MaximumWait:    s.MaximumWait,
		StartDelay:     s.StartDelay,
		PollInterval:   s.PollInterval,
		BatchSize:      s.BatchSize,
		BatchInterval:  s.BatchInterval,
		HandleAttempts: s.HandleAttempts,
		HandleBackoff:  s.HandleBackoff,
	}
}

// LoadParameters reads a YAML list of configurations and validates each.
// Missing ids are an error: seeds are upserted by id.
func LoadParameters(path string) ([]model.SessionParameters, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read parameters file: %w", err)
	}

	var params []model.SessionParameters
	if err := yaml.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("parse parameters file %s: %w", path, err)
	}
	for i, p := range params {
		if p.ID == "" {
			return nil, fmt.Errorf("parameters #%d: id is required", i)
		}
		if err := choice.ValidateParameters(p); err != nil {
			return nil, fmt.Errorf("parameters %s: %w", p.ID, err)
		}
	}
	return params, nil
}
