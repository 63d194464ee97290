// Package config loads the Kestrel configuration from an optional YAML file
// and KESTREL_ environment variables.
package config

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. KESTREL_SERVER_PORT.
const EnvPrefix = "KESTREL"

// Load reads configuration from file and environment variables, on top of
// domain.DefaultConfig, and validates the result. An empty path skips the
// file.
func Load(path string) (*domain.Config, error) {
	cfg := domain.DefaultConfig()

	v := viper.New()
	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults registers every key so environment overrides reach Unmarshal.
func setDefaults(v *viper.Viper, cfg *domain.Config) {
	// Server
	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.read_timeout", cfg.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", cfg.Server.WriteTimeout)

	// Engine
	v.SetDefault("engine.max_workers", cfg.Engine.MaxWorkers)
	v.SetDefault("engine.rule_timeout", cfg.Engine.RuleTimeout)
	v.SetDefault("engine.frequency_window", cfg.Engine.FrequencyWindow)
	v.SetDefault("engine.suspicious_hours", cfg.Engine.SuspiciousHours)
	v.SetDefault("engine.time_of_day_score", cfg.Engine.TimeOfDayScore)
	v.SetDefault("engine.ip_blacklist_score", cfg.Engine.IPBlacklistScore)
	v.SetDefault("engine.timezone", cfg.Engine.Timezone)

	// Aggregator
	v.SetDefault("aggregator.fraud_threshold", cfg.Aggregator.FraudThreshold)
	v.SetDefault("aggregator.min_risk_score", cfg.Aggregator.MinRiskScore)
	v.SetDefault("aggregator.max_risk_score", cfg.Aggregator.MaxRiskScore)
	v.SetDefault("aggregator.critical_threshold", cfg.Aggregator.CriticalThreshold)
	v.SetDefault("aggregator.high_threshold", cfg.Aggregator.HighThreshold)
	v.SetDefault("aggregator.medium_threshold", cfg.Aggregator.MediumThreshold)

	// Rules
	v.SetDefault("rules.source", cfg.Rules.Source)
	v.SetDefault("rules.file", cfg.Rules.File)
	v.SetDefault("rules.seed_file", cfg.Rules.SeedFile)
	v.SetDefault("rules.refresh_interval", cfg.Rules.RefreshInterval)

	// Frequency store
	v.SetDefault("frequency.type", cfg.Frequency.Type)
	v.SetDefault("frequency.local_max_keys", cfg.Frequency.LocalMaxKeys)
	v.SetDefault("frequency.redis_addr", cfg.Frequency.RedisAddr)
	v.SetDefault("frequency.redis_password", cfg.Frequency.RedisPassword)
	v.SetDefault("frequency.redis_db", cfg.Frequency.RedisDB)

	// Repository
	v.SetDefault("repository.driver", cfg.Repository.Driver)
	v.SetDefault("repository.sqlite_path", cfg.Repository.SQLitePath)
	v.SetDefault("repository.postgres_host", cfg.Repository.PostgresHost)
	v.SetDefault("repository.postgres_port", cfg.Repository.PostgresPort)
	v.SetDefault("repository.postgres_user", cfg.Repository.PostgresUser)
	v.SetDefault("repository.postgres_password", cfg.Repository.PostgresPassword)
	v.SetDefault("repository.postgres_db", cfg.Repository.PostgresDB)
	v.SetDefault("repository.postgres_sslmode", cfg.Repository.PostgresSSLMode)
	v.SetDefault("repository.max_open_conns", cfg.Repository.MaxOpenConns)
	v.SetDefault("repository.max_idle_conns", cfg.Repository.MaxIdleConns)
	v.SetDefault("repository.conn_max_lifetime", cfg.Repository.ConnMaxLifetime)

	// Event bus
	v.SetDefault("event_bus.type", cfg.EventBus.Type)
	v.SetDefault("event_bus.channel_buffer_size", cfg.EventBus.ChannelBufferSize)
	v.SetDefault("event_bus.nats_url", cfg.EventBus.NATSUrl)
	v.SetDefault("event_bus.nats_token", cfg.EventBus.NATSToken)
	v.SetDefault("event_bus.nats_max_reconnects", cfg.EventBus.NATSMaxReconnects)
	v.SetDefault("event_bus.nats_reconnect_wait", cfg.EventBus.NATSReconnectWait)
	v.SetDefault("event_bus.nats_queue_group", cfg.EventBus.NATSQueueGroup)
	v.SetDefault("event_bus.kafka_brokers", cfg.EventBus.KafkaBrokers)
	v.SetDefault("event_bus.kafka_group_id", cfg.EventBus.KafkaGroupID)

	// Worker
	v.SetDefault("worker.enabled", cfg.Worker.Enabled)
	v.SetDefault("worker.count", cfg.Worker.Count)
	v.SetDefault("worker.queue_size", cfg.Worker.QueueSize)
	v.SetDefault("worker.job_timeout", cfg.Worker.JobTimeout)

	// Alerts
	v.SetDefault("alerts.enabled", cfg.Alerts.Enabled)
	v.SetDefault("alerts.sink", cfg.Alerts.Sink)
	v.SetDefault("alerts.topic", cfg.Alerts.Topic)
	v.SetDefault("alerts.kafka_brokers", cfg.Alerts.KafkaBrokers)
	v.SetDefault("alerts.max_attempts", cfg.Alerts.MaxAttempts)
	v.SetDefault("alerts.queue_size", cfg.Alerts.QueueSize)
	v.SetDefault("alerts.workers", cfg.Alerts.Workers)
	v.SetDefault("alerts.send_timeout", cfg.Alerts.SendTimeout)

	// Observability
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)
	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.path", cfg.Metrics.Path)
}
