package config

import (
	"fmt"
	"time"
)

// Config is the main application configuration struct.
type Config struct {
	App           AppConfig          `mapstructure:"app"`
	Server        ServerConfig       `mapstructure:"server"`
	Database      DatabaseConfig     `mapstructure:"database"`
	Billing       BillingConfig      `mapstructure:"billing"`
	Verification  VerificationConfig `mapstructure:"verification"`
	Gate          GateConfig         `mapstructure:"gate"`
	ClientCache   ClientCacheConfig  `mapstructure:"client_cache"`
	Camunda       CamundaConfig      `mapstructure:"camunda"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Audit         AuditConfig        `mapstructure:"audit"`
	Logging       LoggingConfig      `mapstructure:"logging"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type ServerConfig struct {
	Address        string   `mapstructure:"address"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	ReadTimeout    int      `mapstructure:"read_timeout"`  // milliseconds
	WriteTimeout   int      `mapstructure:"write_timeout"` // milliseconds
}

type DatabaseConfig struct {
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string.
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ElasticsearchConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	Index     string   `mapstructure:"index"`
}

// BillingConfig holds settings for the provider event ingestion endpoint.
type BillingConfig struct {
	WebhookToken    string        `mapstructure:"webhook_token"`
	BillingInterval time.Duration `mapstructure:"billing_interval"`
	DedupeRetention time.Duration `mapstructure:"dedupe_retention"`
	LockTimeout     time.Duration `mapstructure:"lock_timeout"`
}

// VerificationConfig holds settings for the on-demand license verification path.
type VerificationConfig struct {
	RecheckInterval time.Duration `mapstructure:"recheck_interval"`
}

// GateConfig holds settings for the per-request access gate.
type GateConfig struct {
	SignInPath       string   `mapstructure:"sign_in_path"`
	SignUpPath       string   `mapstructure:"sign_up_path"`
	LandingPath      string   `mapstructure:"landing_path"`
	NoEntitlementURL string   `mapstructure:"no_entitlement_url"`
	AllowedPaths     []string `mapstructure:"allowed_paths"`
	SessionCookie    string   `mapstructure:"session_cookie"`
}

// ClientCacheConfig holds settings for the process-wide entitlement cache.
type ClientCacheConfig struct {
	TTL         time.Duration `mapstructure:"ttl"`
	FetchBudget time.Duration `mapstructure:"fetch_budget"`
}

type CamundaConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	BrokerAddress string `mapstructure:"broker_address"`
	MaxJobsActive int    `mapstructure:"max_jobs_active"`
	Timeout       int    `mapstructure:"timeout"` // milliseconds
}

// NotificationConfig holds settings for lifecycle notifications.
type NotificationConfig struct {
	Email struct {
		Enabled   bool   `mapstructure:"enabled"`
		FromEmail string `mapstructure:"from_email"`
	} `mapstructure:"email"`
	SNS struct {
		Enabled  bool   `mapstructure:"enabled"`
		TopicARN string `mapstructure:"topic_arn"`
	} `mapstructure:"sns"`
	AWS struct {
		Region string `mapstructure:"region"`
	} `mapstructure:"aws"`
}

type AuditConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
