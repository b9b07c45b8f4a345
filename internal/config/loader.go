package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	viper.SetConfigFile(configFile)

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	applyDefaults(&cfg)

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func bindEnvVariables() {
	viper.BindEnv("database.postgres.host", "DATABASE_POSTGRES_HOST")
	viper.BindEnv("database.postgres.port", "DATABASE_POSTGRES_PORT")
	viper.BindEnv("database.postgres.user", "DATABASE_POSTGRES_USER")
	viper.BindEnv("database.postgres.password", "DATABASE_POSTGRES_PASSWORD")
	viper.BindEnv("database.postgres.dbname", "DATABASE_POSTGRES_DBNAME")
	viper.BindEnv("database.postgres.sslmode", "DATABASE_POSTGRES_SSLMODE")
	viper.BindEnv("database.run_migrations", "DATABASE_RUN_MIGRATIONS")
	viper.BindEnv("database.migrations_path", "DATABASE_MIGRATIONS_PATH")

	viper.BindEnv("database.redis.host", "DATABASE_REDIS_HOST")
	viper.BindEnv("database.redis.port", "DATABASE_REDIS_PORT")
	viper.BindEnv("database.redis.password", "DATABASE_REDIS_PASSWORD")
	viper.BindEnv("database.redis.db", "DATABASE_REDIS_DB")

	viper.BindEnv("broker.type", "BROKER_TYPE")
	viper.BindEnv("broker.kafka.brokers", "BROKER_KAFKA_BROKERS")
	viper.BindEnv("broker.kafka.state_change_topic", "BROKER_KAFKA_STATE_CHANGE_TOPIC")

	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout_seconds", "SERVER_READ_TIMEOUT_SECONDS")
	viper.BindEnv("server.write_timeout_seconds", "SERVER_WRITE_TIMEOUT_SECONDS")

	viper.BindEnv("logging.level", "LOGGING_LEVEL")
	viper.BindEnv("logging.format", "LOGGING_FORMAT")

	viper.BindEnv("webhook.signing_secret", "WEBHOOK_SIGNING_SECRET")
	viper.BindEnv("webhook.signature_header", "WEBHOOK_SIGNATURE_HEADER")
	viper.BindEnv("webhook.tolerance_seconds", "WEBHOOK_TOLERANCE_SECONDS")

	viper.BindEnv("tracing.otlp.endpoint", "TRACING_OTLP_ENDPOINT")
	viper.BindEnv("tracing.otlp.insecure", "TRACING_OTLP_INSECURE")
	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
}

func applyEnvOverrides(cfg *Config) error {
	if brokersEnv := viper.GetString("BROKER_KAFKA_BROKERS"); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		cfg.Broker.Kafka.Brokers = brokers
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ReadTimeoutSeconds == 0 {
		cfg.Server.ReadTimeoutSeconds = 15 * time.Second
	}
	if cfg.Server.WriteTimeoutSeconds == 0 {
		cfg.Server.WriteTimeoutSeconds = 15 * time.Second
	}
	if cfg.Webhook.SignatureHeader == "" {
		cfg.Webhook.SignatureHeader = "Billing-Signature"
	}
	if cfg.Webhook.ToleranceSeconds == 0 {
		cfg.Webhook.ToleranceSeconds = 300
	}
	if cfg.Webhook.RateLimit.PerMinute == 0 {
		cfg.Webhook.RateLimit.PerMinute = 600
	}
	if cfg.Reconciler.TxTimeoutSeconds == 0 {
		cfg.Reconciler.TxTimeoutSeconds = 10
	}
	if cfg.Replay.BatchLimit == 0 {
		cfg.Replay.BatchLimit = 500
	}
	if cfg.Replay.CheckpointTTLSeconds == 0 {
		cfg.Replay.CheckpointTTLSeconds = 86400
	}
}
