// Package config collects every environment and file setting the engine
// reads into a single struct loaded at startup. Nothing else in the
// codebase reads os.Getenv.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the FlowMail engine.
type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`

	// Mail gateway (HTTP SMTP relay)
	MailGatewayURL   string `yaml:"mail_gateway_url"`
	MailGatewayToken string `yaml:"mail_gateway_token"`

	// Public base URL used for tracking links, the open pixel and the
	// unsubscribe footer. Empty disables link rewriting entirely.
	PublicBaseURL string `yaml:"public_base_url"`

	// Unsubscribe token signing
	UnsubscribeSigningKey string `yaml:"unsubscribe_signing_key"`

	// Sender defaults, used when a workspace has no settings row
	DefaultFromEmail string `yaml:"default_from_email"`
	DefaultFromName  string `yaml:"default_from_name"`
	TeamNotifyEmail  string `yaml:"team_notify_email"`

	// Shared secret gating the automation runner endpoint. Empty disables
	// the check (single-tenant dev mode).
	RunnerToken string `yaml:"runner_token"`

	// Resend transactional API, used only by bulk immediate sends
	ResendAPIKey string `yaml:"resend_api_key"`

	// Worker loop intervals; zero means the worker's default
	PollInterval time.Duration `yaml:"poll_interval"`

	LogLevel string `yaml:"log_level"`
}

// Load reads configuration from an optional YAML file, then overlays
// environment variables (a .env file is honored when present). Env wins
// over file values so deployments can override a checked-in config.
func Load(path string) (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		HTTPAddr:         ":8080",
		DefaultFromEmail: "hello@flowmail.app",
		DefaultFromName:  "FlowMail",
		LogLevel:         "info",
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	overlayEnv(cfg)

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func overlayEnv(cfg *Config) {
	setString(&cfg.HTTPAddr, "HTTP_ADDR")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.RedisURL, "REDIS_URL")
	setString(&cfg.MailGatewayURL, "MAIL_GATEWAY_URL")
	setString(&cfg.MailGatewayToken, "MAIL_GATEWAY_TOKEN")
	setString(&cfg.PublicBaseURL, "PUBLIC_FUNCTIONS_BASE_URL")
	setString(&cfg.UnsubscribeSigningKey, "UNSUBSCRIBE_SIGNING_KEY")
	setString(&cfg.DefaultFromEmail, "DEFAULT_FROM_EMAIL")
	setString(&cfg.DefaultFromName, "DEFAULT_FROM_NAME")
	setString(&cfg.TeamNotifyEmail, "TEAM_NOTIFY_EMAIL")
	setString(&cfg.RunnerToken, "FLOWMAIL_RUNNER_TOKEN")
	setString(&cfg.ResendAPIKey, "RESEND_API_KEY")
	setString(&cfg.LogLevel, "LOG_LEVEL")

	if v := os.Getenv("POLL_INTERVAL_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.PollInterval = time.Duration(secs) * time.Second
		}
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
