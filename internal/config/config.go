package config

import (
	"time"
)

type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Broker         BrokerConfig
	Logging        LoggingConfig
	Webhook        WebhookConfig
	Reconciler     ReconcilerConfig
	Replay         ReplayConfig
	Management     ManagementConfig
	CircuitBreaker CircuitBreakerConfig
	Tracing        TracingConfig
}

type ServerConfig struct {
	Port                int           `mapstructure:"port"`
	ReadTimeoutSeconds  time.Duration `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds time.Duration `mapstructure:"write_timeout_seconds"`
}

type DatabaseConfig struct {
	Postgres       PostgresConfig
	Redis          RedisConfig
	RunMigrations  bool   `mapstructure:"run_migrations"`
	MigrationsPath string `mapstructure:"migrations_path"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type BrokerConfig struct {
	Type  string      `mapstructure:"type"`
	Kafka KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Brokers          []string    `mapstructure:"brokers"`
	StateChangeTopic string      `mapstructure:"state_change_topic"`
	Retry            RetryConfig `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// WebhookConfig controls the inbound delivery path: signature verification
// and the Redis-backed ingress rate limit.
type WebhookConfig struct {
	SigningSecret    string             `mapstructure:"signing_secret"`
	SignatureHeader  string             `mapstructure:"signature_header"`
	ToleranceSeconds int                `mapstructure:"tolerance_seconds"`
	RateLimit        IngressLimitConfig `mapstructure:"rate_limit"`
}

type IngressLimitConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	PerMinute int  `mapstructure:"per_minute"`
}

type ReconcilerConfig struct {
	TxTimeoutSeconds int `mapstructure:"tx_timeout_seconds"`
}

type ReplayConfig struct {
	BatchLimit           int `mapstructure:"batch_limit"`
	CheckpointTTLSeconds int `mapstructure:"checkpoint_ttl_seconds"`
}

type ManagementConfig struct {
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RPS             float64 `mapstructure:"rps"`
	Burst           int     `mapstructure:"burst"`
	CleanupInterval int     `mapstructure:"cleanup_interval"`
	MaxAge          int     `mapstructure:"max_age"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
