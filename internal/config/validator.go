package config

import (
	"fmt"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateStatic(cfg *Config) error {
	var errors []error

	if err := validateServer(cfg.Server); err != nil {
		errors = append(errors, err)
	}

	if err := validateDatabase(cfg.Database); err != nil {
		errors = append(errors, err)
	}

	if err := validateBroker(cfg.Broker); err != nil {
		errors = append(errors, err)
	}

	if err := validateWebhook(cfg.Webhook); err != nil {
		errors = append(errors, err)
	}

	if err := validateReconciler(cfg.Reconciler); err != nil {
		errors = append(errors, err)
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errors)
	}

	return nil
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.ReadTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.read_timeout_seconds",
			Message: "read timeout must be positive",
		}
	}

	if cfg.WriteTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.write_timeout_seconds",
			Message: "write timeout must be positive",
		}
	}

	return nil
}

func validateDatabase(cfg DatabaseConfig) error {
	if cfg.Postgres.Host == "" {
		return &ValidationError{
			Field:   "database.postgres.host",
			Message: "postgres host is required",
		}
	}

	if cfg.Postgres.Port < 1 || cfg.Postgres.Port > 65535 {
		return &ValidationError{
			Field:   "database.postgres.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Postgres.Port),
		}
	}

	if cfg.Postgres.DBName == "" {
		return &ValidationError{
			Field:   "database.postgres.dbname",
			Message: "postgres database name is required",
		}
	}

	if cfg.RunMigrations && cfg.MigrationsPath == "" {
		return &ValidationError{
			Field:   "database.migrations_path",
			Message: "migrations path is required when run_migrations is set",
		}
	}

	return nil
}

// The broker is optional: with no broker type configured, state change
// notifications are disabled and ingestion still works.
func validateBroker(cfg BrokerConfig) error {
	switch cfg.Type {
	case "":
		return nil
	case "kafka":
		if len(cfg.Kafka.Brokers) == 0 {
			return &ValidationError{
				Field:   "broker.kafka.brokers",
				Message: "at least one Kafka broker is required",
			}
		}
		for i, broker := range cfg.Kafka.Brokers {
			if broker == "" {
				return &ValidationError{
					Field:   fmt.Sprintf("broker.kafka.brokers[%d]", i),
					Message: "broker address cannot be empty",
				}
			}
		}
		if cfg.Kafka.StateChangeTopic == "" {
			return &ValidationError{
				Field:   "broker.kafka.state_change_topic",
				Message: "state change topic is required for kafka broker",
			}
		}
		return nil
	default:
		return &ValidationError{
			Field:   "broker.type",
			Message: fmt.Sprintf("unknown broker type: %s (supported: kafka)", cfg.Type),
		}
	}
}

func validateWebhook(cfg WebhookConfig) error {
	if cfg.ToleranceSeconds < 0 {
		return &ValidationError{
			Field:   "webhook.tolerance_seconds",
			Message: "tolerance must be non-negative",
		}
	}

	if cfg.RateLimit.Enabled && cfg.RateLimit.PerMinute <= 0 {
		return &ValidationError{
			Field:   "webhook.rate_limit.per_minute",
			Message: "per_minute must be positive when rate limiting is enabled",
		}
	}

	return nil
}

func validateReconciler(cfg ReconcilerConfig) error {
	if cfg.TxTimeoutSeconds < 0 {
		return &ValidationError{
			Field:   "reconciler.tx_timeout_seconds",
			Message: "transaction timeout must be non-negative",
		}
	}
	return nil
}
