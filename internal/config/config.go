// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Telegram      TelegramConfig      `yaml:"telegram"`
	Admin         AdminConfig         `yaml:"admin"`
	Store         StoreConfig         `yaml:"store"`
	Conversation  ConversationConfig  `yaml:"conversation"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Intent        IntentConfig        `yaml:"intent"`
	Messages      MessagesConfig      `yaml:"messages"`
	Services      ServicesConfig      `yaml:"services"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes the ops/admin HTTP server.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelegramConfig describes the Telegram transport adapter. TokenEnv names the
// environment variable holding the bot token; the token itself never appears
// in config files.
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	TokenEnv string `yaml:"token_env"`
}

// AdminConfig describes authentication for the admin API. SecretEnv names the
// environment variable holding the HS256 signing secret.
type AdminConfig struct {
	Enabled   bool   `yaml:"enabled"`
	SecretEnv string `yaml:"secret_env"`
	Issuer    string `yaml:"issuer"`
	Audience  string `yaml:"audience"`
}

// StoreConfig describes session persistence settings.
type StoreConfig struct {
	Driver   string         `yaml:"driver"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// RedisConfig describes the redis session store driver.
type RedisConfig struct {
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	Prefix  string        `yaml:"prefix"`
	TTL     time.Duration `yaml:"ttl"`
}

// PostgresConfig describes the postgres session store driver.
type PostgresConfig struct {
	DSNEnv          string        `yaml:"dsn_env"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ConversationConfig describes routing tokens and session-level behavior.
// Token lists are matched case-insensitively against the trimmed message.
type ConversationConfig struct {
	DefaultLanguage string        `yaml:"default_language"`
	Languages       []string      `yaml:"languages"`
	BackTokens      []string      `yaml:"back_tokens"`
	CancelTokens    []string      `yaml:"cancel_tokens"`
	YesTokens       []string      `yaml:"yes_tokens"`
	NoTokens        []string      `yaml:"no_tokens"`
	MenuTokens      []string      `yaml:"menu_tokens"`
	ConfirmTTL      time.Duration `yaml:"confirm_ttl"`
	Rate            RateConfig    `yaml:"rate"`
}

// RateConfig describes the per-session inbound flood guard.
type RateConfig struct {
	Enabled bool    `yaml:"enabled"`
	PerSec  float64 `yaml:"per_sec"`
	Burst   int     `yaml:"burst"`
}

// WorkflowConfig describes workflow engine settings.
type WorkflowConfig struct {
	ChainLimit    int           `yaml:"chain_limit"`
	SelectionMax  int           `yaml:"selection_max"`
	MaxDwell      time.Duration `yaml:"max_dwell"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// IntentConfig describes AI intent detection settings.
type IntentConfig struct {
	MinConfidence float64 `yaml:"min_confidence"`
}

// MessagesConfig describes where to find message catalog YAML files.
type MessagesConfig struct {
	Directory string `yaml:"directory"`
}

// ServicesConfig describes business-service invocation settings.
type ServicesConfig struct {
	CallTimeout time.Duration `yaml:"call_timeout"`
	Breaker     BreakerConfig `yaml:"breaker"`
}

// BreakerConfig describes the circuit breaker guarding service calls.
type BreakerConfig struct {
	MaxRequests  uint32        `yaml:"max_requests"`
	Interval     time.Duration `yaml:"interval"`
	Timeout      time.Duration `yaml:"timeout"`
	FailureRatio float64       `yaml:"failure_ratio"`
	MinRequests  uint32        `yaml:"min_requests"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8085,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Telegram: TelegramConfig{
			TokenEnv: "ARMELLE_TELEGRAM_TOKEN",
		},
		Admin: AdminConfig{
			SecretEnv: "ARMELLE_ADMIN_SECRET",
			Issuer:    "armelle",
			Audience:  "armelle-admin",
		},
		Store: StoreConfig{
			Driver: "memory",
			Redis: RedisConfig{
				AddrEnv: "ARMELLE_REDIS_ADDR",
				Prefix:  "armelle:",
				TTL:     720 * time.Hour,
			},
			Postgres: PostgresConfig{
				DSNEnv:          "ARMELLE_PG_DSN",
				MaxConns:        25,
				MinConns:        2,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Conversation: ConversationConfig{
			DefaultLanguage: "fr",
			Languages:       []string{"fr", "en"},
			BackTokens:      []string{"back", "retour"},
			CancelTokens:    []string{"cancel", "annuler", "/cancel"},
			YesTokens:       []string{"yes", "y", "oui"},
			NoTokens:        []string{"no", "n", "non"},
			MenuTokens:      []string{"menu", "/menu"},
			ConfirmTTL:      2 * time.Minute,
			Rate: RateConfig{
				Enabled: true,
				PerSec:  1,
				Burst:   5,
			},
		},
		Workflow: WorkflowConfig{
			ChainLimit:    10,
			SelectionMax:  5,
			MaxDwell:      30 * time.Minute,
			SweepInterval: 60 * time.Second,
		},
		Intent: IntentConfig{
			MinConfidence: 0.6,
		},
		Messages: MessagesConfig{
			Directory: "/messages",
		},
		Services: ServicesConfig{
			CallTimeout: 10 * time.Second,
			Breaker: BreakerConfig{
				MaxRequests:  3,
				Interval:     30 * time.Second,
				Timeout:      60 * time.Second,
				FailureRatio: 0.5,
				MinRequests:  5,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	return finish(cfg, data, path)
}

// LoadOrDefaults behaves like Load but falls back to built-in defaults when
// the file does not exist. Environment overrides still apply, so a container
// can run with no config file at all.
func LoadOrDefaults(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return finish(cfg, nil, path)
	}
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	return finish(cfg, data, path)
}

func finish(cfg *Config, data []byte, path string) (*Config, error) {
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	switch c.Store.Driver {
	case "memory":
	case "redis":
		if c.Store.Redis.AddrEnv == "" {
			errs = append(errs, "store.redis.addr_env is required for the redis driver")
		}
	case "postgres":
		if c.Store.Postgres.DSNEnv == "" {
			errs = append(errs, "store.postgres.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of memory, redis, postgres", c.Store.Driver))
	}
	if c.Telegram.Enabled && c.Telegram.TokenEnv == "" {
		errs = append(errs, "telegram.token_env is required when telegram is enabled")
	}
	if c.Admin.Enabled && c.Admin.SecretEnv == "" {
		errs = append(errs, "admin.secret_env is required when the admin API is enabled")
	}
	if c.Conversation.DefaultLanguage == "" {
		errs = append(errs, "conversation.default_language is required")
	}
	if c.Workflow.ChainLimit < 1 {
		errs = append(errs, "workflow.chain_limit must be at least 1")
	}
	if c.Workflow.SelectionMax < 1 {
		errs = append(errs, "workflow.selection_max must be at least 1")
	}
	if c.Intent.MinConfidence < 0 || c.Intent.MinConfidence > 1 {
		errs = append(errs, "intent.min_confidence must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads ARMELLE_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ARMELLE_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("ARMELLE_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("ARMELLE_MESSAGES_DIR"); v != "" {
		cfg.Messages.Directory = v
	}
	if v := os.Getenv("ARMELLE_DEFAULT_LANGUAGE"); v != "" {
		cfg.Conversation.DefaultLanguage = v
	}
	if v := os.Getenv("ARMELLE_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("ARMELLE_TELEGRAM_ENABLED"); v != "" {
		cfg.Telegram.Enabled = v == "true" || v == "1"
	}
}
