package config

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-campus-notify/internal/dispatch"
	"github.com/tinywideclouds/go-campus-notify/pkg/notify"
)

// --- YAML-Specific Structs ---

type YamlRedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type YamlAuthConfig struct {
	Type       string        `yaml:"type"` // "hmac" or "jwks"
	HMACSecret string        `yaml:"hmac_secret"`
	Issuer     string        `yaml:"issuer"`
	JWKSURL    string        `yaml:"jwks_url"`
	RoleClaim  string        `yaml:"role_claim"`
	Refresh    time.Duration `yaml:"refresh"`
}

type YamlStoreConfig struct {
	Type string `yaml:"type"` // "sqlite", "postgres" or "firestore"
	DSN  string `yaml:"dsn"`
}

type YamlGatewayConfig struct {
	StaleAfter    time.Duration `yaml:"stale_after"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	SendBuffer    int           `yaml:"send_buffer"`
	RecentLimit   int           `yaml:"recent_limit"`
	ResyncLimit   int           `yaml:"resync_limit"`
}

type YamlDispatcherConfig struct {
	NumWorkers      int                                `yaml:"num_workers"`
	PollInterval    time.Duration                      `yaml:"poll_interval"`
	PromoteInterval time.Duration                      `yaml:"promote_interval"`
	ClaimLease      time.Duration                      `yaml:"claim_lease"`
	Policies        map[notify.JobType]dispatch.Policy `yaml:"policies"`
}

type YamlDeliveryConfig struct {
	AckTTL        time.Duration `yaml:"ack_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type YamlHealthConfig struct {
	Interval    time.Duration `yaml:"interval"`
	AutoPromote bool          `yaml:"auto_promote"`
	AlertRole   string        `yaml:"alert_role"`
}

type YamlSMTPConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

type YamlEmailSinkConfig struct {
	Type    string         `yaml:"type"` // "log", "smtp" or "pubsub"
	TopicID string         `yaml:"topic_id"`
	SMTP    YamlSMTPConfig `yaml:"smtp"`
}

type YamlSMSSinkConfig struct {
	Type       string `yaml:"type"` // "log" or "twilio"
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	From       string `yaml:"from"`
}

type YamlReportSinkConfig struct {
	Type    string `yaml:"type"` // "log" or "pubsub"
	TopicID string `yaml:"topic_id"`
}

type YamlSinksConfig struct {
	Email   YamlEmailSinkConfig  `yaml:"email"`
	SMS     YamlSMSSinkConfig    `yaml:"sms"`
	Reports YamlReportSinkConfig `yaml:"reports"`
}

// YamlConfig defines the structure for unmarshaling the embedded config.yaml file.
type YamlConfig struct {
	ProjectID           string               `yaml:"project_id"`
	RunMode             string               `yaml:"run_mode"`
	APIPort             string               `yaml:"api_port"`
	WebSocketPort       string               `yaml:"websocket_port"`
	CollaboratorTimeout time.Duration        `yaml:"collaborator_timeout"`
	Auth                YamlAuthConfig       `yaml:"auth"`
	Redis               YamlRedisConfig      `yaml:"redis"`
	Store               YamlStoreConfig      `yaml:"store"`
	Gateway             YamlGatewayConfig    `yaml:"gateway"`
	Dispatcher          YamlDispatcherConfig `yaml:"dispatcher"`
	Delivery            YamlDeliveryConfig   `yaml:"delivery"`
	Health              YamlHealthConfig     `yaml:"health"`
	Sinks               YamlSinksConfig      `yaml:"sinks"`
}

// --- Stage 1 Function ---

// NewConfigFromYaml converts the raw unmarshaled data (YamlConfig) into a clean, base AppConfig struct.
// Stage 1 complete: The AppConfig struct now exists, but without environment overrides.
func NewConfigFromYaml(yamlCfg *YamlConfig, logger zerolog.Logger) (*AppConfig, error) {
	logger.Debug().Msg("Mapping YAML config to base config struct")

	appCfg := &AppConfig{
		ProjectID:           yamlCfg.ProjectID,
		RunMode:             yamlCfg.RunMode,
		APIPort:             yamlCfg.APIPort,
		WebSocketPort:       yamlCfg.WebSocketPort,
		CollaboratorTimeout: yamlCfg.CollaboratorTimeout,
		Auth:                yamlCfg.Auth,
		Redis:               yamlCfg.Redis,
		Store:               yamlCfg.Store,
		Gateway:             yamlCfg.Gateway,
		Dispatcher: DispatcherConfig{
			NumWorkers:      yamlCfg.Dispatcher.NumWorkers,
			PollInterval:    yamlCfg.Dispatcher.PollInterval,
			PromoteInterval: yamlCfg.Dispatcher.PromoteInterval,
			ClaimLease:      yamlCfg.Dispatcher.ClaimLease,
			Policies:        yamlCfg.Dispatcher.Policies,
		},
		Delivery: yamlCfg.Delivery,
		Health:   yamlCfg.Health,
		Sinks:    yamlCfg.Sinks,
	}

	logger.Debug().
		Str("project_id", appCfg.ProjectID).
		Str("api_port", appCfg.APIPort).
		Str("websocket_port", appCfg.WebSocketPort).
		Str("store_type", appCfg.Store.Type).
		Str("auth_type", appCfg.Auth.Type).
		Bool("auto_promote", appCfg.Health.AutoPromote).
		Msg("YAML config mapping complete")

	return appCfg, nil
}
