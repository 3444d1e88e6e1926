// Package config loads orchestrator configuration from a YAML file with
// environment variable overrides, mirroring the layered config pattern used
// throughout the rest of the stack.
package config

import (
	"os"
	"strconv"
	"time"

	apperrors "github.com/synthome-dev/mediaforge/internal/errors"
	"gopkg.in/yaml.v3"
)

// Config is the orchestrator's full runtime configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Polling  PollingConfig  `yaml:"polling"`
	Usage    UsageConfig    `yaml:"usage"`
	Crypto   CryptoConfig   `yaml:"crypto"`
	LLM      LLMConfig      `yaml:"llm"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type DatabaseConfig struct {
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"maxOpenConns"`
	ReportingDSN    string `yaml:"reportingDsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type WebhookConfig struct {
	BaseURL     string        `yaml:"baseUrl"`
	MaxAttempts int           `yaml:"maxAttempts"`
	InitialWait time.Duration `yaml:"initialWait"`
	MaxWait     time.Duration `yaml:"maxWait"`
	SlackWebhookURL string    `yaml:"slackWebhookUrl"`
}

type PollingConfig struct {
	InitialBackoff time.Duration `yaml:"initialBackoff"`
	Multiplier     float64       `yaml:"multiplier"`
	MaxBackoff     time.Duration `yaml:"maxBackoff"`
	MaxAttempts    int           `yaml:"maxAttempts"`
	BatchSize      int           `yaml:"batchSize"`
}

type UsageConfig struct {
	DefaultFreeMonthlyActions int     `yaml:"defaultFreeMonthlyActions"`
	DefaultOverageActionPrice float64 `yaml:"defaultOverageActionPrice"`
	PolicyBundlePath          string  `yaml:"policyBundlePath"`
}

type CryptoConfig struct {
	EncryptionSecret string `yaml:"encryptionSecret"`
}

type LLMConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Backend         string `yaml:"backend"` // "anthropic" | "bedrock"
	AnthropicAPIKey string `yaml:"anthropicApiKey"`
	BedrockRegion   string `yaml:"bedrockRegion"`
	ModerationModel string `yaml:"moderationModel"`
}

// DefaultConfig returns the baseline configuration used when no file is
// supplied and no relevant environment variables are set.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			DSN:          "postgres://localhost:5432/mediaforge?sslmode=disable",
			MaxOpenConns: 20,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
			DB:   0,
		},
		Webhook: WebhookConfig{
			MaxAttempts: 5,
			InitialWait: 2 * time.Second,
			MaxWait:     2 * time.Minute,
		},
		Polling: PollingConfig{
			InitialBackoff: 5 * time.Second,
			Multiplier:     1.5,
			MaxBackoff:     2 * time.Minute,
			MaxAttempts:    100,
			BatchSize:      50,
		},
		Usage: UsageConfig{
			DefaultFreeMonthlyActions: 100,
			DefaultOverageActionPrice: 0.05,
		},
	}
}

// Load reads a YAML file at path, falling back to DefaultConfig for any
// field the file omits, then applies environment overrides via LoadFromEnv.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return Config{}, apperrors.Wrapf(err, apperrors.ErrorTypeNotFound, "config file not found: %s", path)
			}
			return Config{}, apperrors.Wrapf(err, apperrors.ErrorTypeInternal, "reading config file %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parsing config file %s", path)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

// LoadFromEnv builds config purely from DefaultConfig plus environment
// overrides, used in tests and container deployments without a mounted file.
func LoadFromEnv() Config {
	cfg := DefaultConfig()
	applyEnv(&cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("REPORTING_DATABASE_URL"); v != "" {
		cfg.Database.ReportingDSN = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("API_KEY_ENCRYPTION_SECRET"); v != "" {
		cfg.Crypto.EncryptionSecret = v
	}
	if v := os.Getenv("WEBHOOK_BASE_URL"); v != "" {
		cfg.Webhook.BaseURL = v
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Webhook.SlackWebhookURL = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.LLM.AnthropicAPIKey = v
		cfg.LLM.Enabled = true
		if cfg.LLM.Backend == "" {
			cfg.LLM.Backend = "anthropic"
		}
	}
	if v := os.Getenv("AWS_REGION"); v != "" && cfg.LLM.Backend == "bedrock" {
		cfg.LLM.BedrockRegion = v
	}
}

// Validate checks the config has the minimum fields required to start the
// orchestrator, returning an AppError describing the first problem found.
func (c Config) Validate() error {
	if c.Database.DSN == "" {
		return apperrors.New(apperrors.ErrorTypeValidation, "database.dsn is required")
	}
	if c.Crypto.EncryptionSecret == "" {
		return apperrors.New(apperrors.ErrorTypeValidation, "crypto.encryptionSecret (API_KEY_ENCRYPTION_SECRET) is required")
	}
	if c.Webhook.MaxAttempts <= 0 {
		return apperrors.New(apperrors.ErrorTypeValidation, "webhook.maxAttempts must be positive")
	}
	return nil
}
