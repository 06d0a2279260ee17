package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-campus-notify/internal/dispatch"
	"github.com/tinywideclouds/go-campus-notify/notifyservice/config"
	"github.com/tinywideclouds/go-campus-notify/pkg/notify"
)

// newBaseConfig creates a "Stage 1" config,
// simulating what NewConfigFromYaml would produce.
func newBaseConfig() *config.AppConfig {
	return &config.AppConfig{
		ProjectID:     "base-project",
		RunMode:       "base-mode",
		APIPort:       "9090",
		WebSocketPort: "9091",
		Auth:          config.YamlAuthConfig{Type: "hmac", HMACSecret: "base-secret"},
		Redis:         config.YamlRedisConfig{Addr: "base-redis:6379"},
		Store:         config.YamlStoreConfig{Type: "sqlite", DSN: "file:base.db"},
		Dispatcher:    config.DispatcherConfig{NumWorkers: 1},
	}
}

func TestUpdateConfigWithEnvOverrides(t *testing.T) {
	logger := newTestLogger()

	t.Run("Success - All overrides applied", func(t *testing.T) {
		// Arrange
		baseCfg := newBaseConfig()
		t.Setenv("GCP_PROJECT_ID", "env-project")
		t.Setenv("API_PORT", "8000")
		t.Setenv("WEBSOCKET_PORT", "8001")
		t.Setenv("REDIS_ADDR", "env-redis:6379")
		t.Setenv("DATABASE_URL", "postgres://env")
		t.Setenv("STORE_TYPE", "postgres")
		t.Setenv("JWT_SECRET", "env-secret")
		t.Setenv("AUTO_PROMOTE", "true")

		// Act
		cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)

		// Assert
		require.NoError(t, err)
		require.NotNil(t, cfg)
		assert.Equal(t, "env-project", cfg.ProjectID)
		assert.Equal(t, "8000", cfg.APIPort)
		assert.Equal(t, "8001", cfg.WebSocketPort)
		assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
		assert.Equal(t, "postgres", cfg.Store.Type)
		assert.Equal(t, "postgres://env", cfg.Store.DSN)
		assert.Equal(t, "env-secret", cfg.Auth.HMACSecret)
		assert.True(t, cfg.Health.AutoPromote)

		// Non-overridden fields remain
		assert.Equal(t, "base-mode", cfg.RunMode)
		assert.Equal(t, 1, cfg.Dispatcher.NumWorkers)
	})

	t.Run("Success - Defaults auth type to hmac", func(t *testing.T) {
		baseCfg := newBaseConfig()
		baseCfg.Auth.Type = ""

		cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)

		require.NoError(t, err)
		assert.Equal(t, "hmac", cfg.Auth.Type)
	})

	t.Run("Success - Known policy override", func(t *testing.T) {
		baseCfg := newBaseConfig()
		baseCfg.Dispatcher.Policies = map[notify.JobType]dispatch.Policy{notify.JobSMS: {MaxAttempts: 4}}

		_, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
		assert.NoError(t, err)
	})

	failures := []struct {
		name    string
		mutate  func(cfg *config.AppConfig)
		env     map[string]string
		wantErr string
	}{
		{
			name:    "Missing required API_PORT",
			mutate:  func(cfg *config.AppConfig) { cfg.APIPort = "" },
			wantErr: "API_PORT is not set",
		},
		{
			name:    "Missing required WEBSOCKET_PORT",
			mutate:  func(cfg *config.AppConfig) { cfg.WebSocketPort = "" },
			wantErr: "WEBSOCKET_PORT is not set",
		},
		{
			name:    "Missing JWT_SECRET for hmac",
			mutate:  func(cfg *config.AppConfig) { cfg.Auth.HMACSecret = "" },
			wantErr: "JWT_SECRET is not set",
		},
		{
			name:    "Missing JWKS_URL for jwks",
			mutate:  func(cfg *config.AppConfig) { cfg.Auth.Type = "jwks" },
			wantErr: "JWKS_URL is not set",
		},
		{
			name:    "Missing DATABASE_URL for sql store",
			mutate:  func(cfg *config.AppConfig) { cfg.Store.DSN = "" },
			wantErr: "DATABASE_URL is not set",
		},
		{
			name:    "Missing GCP_PROJECT_ID for firestore",
			mutate:  func(cfg *config.AppConfig) { cfg.ProjectID = ""; cfg.Store.Type = "firestore" },
			wantErr: "GCP_PROJECT_ID is required",
		},
		{
			name:    "Unknown store type",
			mutate:  func(cfg *config.AppConfig) { cfg.Store.Type = "mongo" },
			wantErr: "unknown store type",
		},
		{
			name:    "Twilio without credentials",
			mutate:  func(cfg *config.AppConfig) { cfg.Sinks.SMS.Type = "twilio" },
			wantErr: "TWILIO_ACCOUNT_SID",
		},
		{
			name:    "Pubsub reports without topic",
			mutate:  func(cfg *config.AppConfig) { cfg.Sinks.Reports.Type = "pubsub" },
			wantErr: "pubsub report sink requires",
		},
		{
			name: "Policy for unknown job type",
			mutate: func(cfg *config.AppConfig) {
				cfg.Dispatcher.Policies = map[notify.JobType]dispatch.Policy{"fax": {MaxAttempts: 1}}
			},
			wantErr: "unknown job type",
		},
		{
			name: "Claim lease shorter than collaborator timeout",
			mutate: func(cfg *config.AppConfig) {
				cfg.CollaboratorTimeout = 10 * time.Second
				cfg.Dispatcher.ClaimLease = 5 * time.Second
			},
			wantErr: "claim_lease must exceed",
		},
		{
			name:    "Invalid AUTO_PROMOTE",
			mutate:  func(cfg *config.AppConfig) {},
			env:     map[string]string{"AUTO_PROMOTE": "sometimes"},
			wantErr: "AUTO_PROMOTE must be a boolean",
		},
	}

	for _, tc := range failures {
		t.Run("Failure - "+tc.name, func(t *testing.T) {
			// Arrange
			baseCfg := newBaseConfig()
			tc.mutate(baseCfg)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			// Act
			cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)

			// Assert
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
