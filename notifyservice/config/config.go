// Package config holds the service configuration. It is loaded in two stages:
// NewConfigFromYaml maps the embedded YAML, UpdateConfigWithEnvOverrides applies
// environment variables and validates the result.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-campus-notify/internal/dispatch"
	"github.com/tinywideclouds/go-campus-notify/pkg/notify"
)

// DispatcherConfig is the dispatcher section of AppConfig.
type DispatcherConfig struct {
	NumWorkers      int
	PollInterval    time.Duration
	PromoteInterval time.Duration
	ClaimLease      time.Duration
	Policies        map[notify.JobType]dispatch.Policy
}

// AppConfig is the canonical, validated configuration object used throughout the application.
// It is created by NewConfigFromYaml (Stage 1) and finalized by
// UpdateConfigWithEnvOverrides (Stage 2).
type AppConfig struct {
	ProjectID           string
	RunMode             string
	APIPort             string
	WebSocketPort       string
	CollaboratorTimeout time.Duration
	Auth                YamlAuthConfig
	Redis               YamlRedisConfig
	Store               YamlStoreConfig
	Gateway             YamlGatewayConfig
	Dispatcher          DispatcherConfig
	Delivery            YamlDeliveryConfig
	Health              YamlHealthConfig
	Sinks               YamlSinksConfig
}

type envString struct {
	key    string
	target *string
}

// UpdateConfigWithEnvOverrides takes the base configuration (created from YAML)
// and completes it by applying environment variables and final validation.
// This function completes "Stage 2" of configuration loading.
func UpdateConfigWithEnvOverrides(cfg *AppConfig, logger zerolog.Logger) (*AppConfig, error) {
	logger.Debug().Msg("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	overrides := []envString{
		{"GCP_PROJECT_ID", &cfg.ProjectID},
		{"RUN_MODE", &cfg.RunMode},
		{"API_PORT", &cfg.APIPort},
		{"WEBSOCKET_PORT", &cfg.WebSocketPort},
		{"REDIS_ADDR", &cfg.Redis.Addr},
		{"REDIS_PASSWORD", &cfg.Redis.Password},
		{"AUTH_TYPE", &cfg.Auth.Type},
		{"JWT_SECRET", &cfg.Auth.HMACSecret},
		{"JWKS_URL", &cfg.Auth.JWKSURL},
		{"STORE_TYPE", &cfg.Store.Type},
		{"DATABASE_URL", &cfg.Store.DSN},
		{"TWILIO_ACCOUNT_SID", &cfg.Sinks.SMS.AccountSID},
		{"TWILIO_AUTH_TOKEN", &cfg.Sinks.SMS.AuthToken},
		{"TWILIO_FROM_NUMBER", &cfg.Sinks.SMS.From},
		{"SMTP_HOST", &cfg.Sinks.Email.SMTP.Host},
		{"SMTP_USERNAME", &cfg.Sinks.Email.SMTP.Username},
		{"SMTP_PASSWORD", &cfg.Sinks.Email.SMTP.Password},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.key); v != "" {
			logger.Debug().Str("key", o.key).Str("source", "env").Msg("Overriding config value")
			*o.target = v
		}
	}

	if v := os.Getenv("AUTO_PROMOTE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("AUTO_PROMOTE must be a boolean: %w", err)
		}
		logger.Debug().Str("key", "AUTO_PROMOTE").Str("source", "env").Msg("Overriding config value")
		cfg.Health.AutoPromote = b
	}

	// 2. Final Validation
	if err := validate(cfg); err != nil {
		logger.Error().Err(err).Msg("Final config validation failed")
		return nil, err
	}

	logger.Debug().Msg("Configuration finalized and validated successfully")
	return cfg, nil
}

func validate(cfg *AppConfig) error {
	if cfg.APIPort == "" {
		return fmt.Errorf("API_PORT is not set in config or env var")
	}
	if cfg.WebSocketPort == "" {
		return fmt.Errorf("WEBSOCKET_PORT is not set in config or env var")
	}

	switch cfg.Auth.Type {
	case "hmac", "":
		cfg.Auth.Type = "hmac"
		if cfg.Auth.HMACSecret == "" {
			return fmt.Errorf("JWT_SECRET is not set in config or env var")
		}
	case "jwks":
		if cfg.Auth.JWKSURL == "" {
			return fmt.Errorf("JWKS_URL is not set in config or env var")
		}
	default:
		return fmt.Errorf("unknown auth type %q", cfg.Auth.Type)
	}

	switch cfg.Store.Type {
	case "sqlite", "postgres":
		if cfg.Store.DSN == "" {
			return fmt.Errorf("DATABASE_URL is not set in config or env var")
		}
	case "firestore":
		if cfg.ProjectID == "" {
			return fmt.Errorf("GCP_PROJECT_ID is required for the firestore store")
		}
	default:
		return fmt.Errorf("unknown store type %q", cfg.Store.Type)
	}

	if cfg.Dispatcher.ClaimLease > 0 && cfg.Dispatcher.ClaimLease <= cfg.CollaboratorTimeout {
		return fmt.Errorf("dispatcher claim_lease must exceed collaborator_timeout")
	}

	known := dispatch.DefaultPolicies()
	for jobType := range cfg.Dispatcher.Policies {
		if _, ok := known[jobType]; !ok {
			return fmt.Errorf("policy for unknown job type %q", jobType)
		}
	}

	switch cfg.Sinks.Email.Type {
	case "", "log":
	case "smtp":
		if cfg.Sinks.Email.SMTP.Host == "" || cfg.Sinks.Email.SMTP.From == "" {
			return fmt.Errorf("smtp email sink requires host and from")
		}
	case "pubsub":
		if cfg.ProjectID == "" || cfg.Sinks.Email.TopicID == "" {
			return fmt.Errorf("pubsub email sink requires GCP_PROJECT_ID and topic_id")
		}
	default:
		return fmt.Errorf("unknown email sink %q", cfg.Sinks.Email.Type)
	}

	switch cfg.Sinks.SMS.Type {
	case "", "log":
	case "twilio":
		if cfg.Sinks.SMS.AccountSID == "" || cfg.Sinks.SMS.AuthToken == "" || cfg.Sinks.SMS.From == "" {
			return fmt.Errorf("twilio sms sink requires TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER")
		}
	default:
		return fmt.Errorf("unknown sms sink %q", cfg.Sinks.SMS.Type)
	}

	switch cfg.Sinks.Reports.Type {
	case "", "log":
	case "pubsub":
		if cfg.ProjectID == "" || cfg.Sinks.Reports.TopicID == "" {
			return fmt.Errorf("pubsub report sink requires GCP_PROJECT_ID and topic_id")
		}
	default:
		return fmt.Errorf("unknown report sink %q", cfg.Sinks.Reports.Type)
	}
	return nil
}
