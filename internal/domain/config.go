package domain

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `mapstructure:"server" json:"server"`

	// Detection pipeline
	Engine     EngineConfig     `mapstructure:"engine" json:"engine"`
	Aggregator AggregatorConfig `mapstructure:"aggregator" json:"aggregator"`
	Rules      RuleSourceConfig `mapstructure:"rules" json:"rules"`

	// Component configurations
	Frequency  FrequencyStoreConfig `mapstructure:"frequency" json:"frequency"`
	Repository RepositoryConfig     `mapstructure:"repository" json:"repository"`
	EventBus   EventBusConfig       `mapstructure:"event_bus" json:"eventBus"`
	Worker     WorkerConfig         `mapstructure:"worker" json:"worker"`
	Alerts     AlertConfig          `mapstructure:"alerts" json:"alerts"`

	// Observability
	Logging LoggingConfig `mapstructure:"logging" json:"logging"`
	Tracing TracingConfig `mapstructure:"tracing" json:"tracing"`
	Metrics MetricsConfig `mapstructure:"metrics" json:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `mapstructure:"host" json:"host"`
	Port         int    `mapstructure:"port" json:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout" json:"readTimeout"`   // seconds
	WriteTimeout int    `mapstructure:"write_timeout" json:"writeTimeout"` // seconds
}

// EngineConfig tunes rule dispatch.
type EngineConfig struct {
	// MaxWorkers bounds parallel rule evaluation for one transaction.
	MaxWorkers int `mapstructure:"max_workers" json:"maxWorkers"`

	// RuleTimeout bounds a single rule evaluation.
	RuleTimeout time.Duration `mapstructure:"rule_timeout" json:"ruleTimeout"`

	// FREQUENCY default window
	FrequencyWindow time.Duration `mapstructure:"frequency_window" json:"frequencyWindow"`

	// TIME_OF_DAY defaults
	SuspiciousHours string  `mapstructure:"suspicious_hours" json:"suspiciousHours"`
	TimeOfDayScore  float64 `mapstructure:"time_of_day_score" json:"timeOfDayScore"`

	// IP_BLACKLIST default score
	IPBlacklistScore float64 `mapstructure:"ip_blacklist_score" json:"ipBlacklistScore"`

	// Timezone converts transaction timestamps before time-of-day checks.
	// Empty keeps the timestamp's own location.
	Timezone string `mapstructure:"timezone" json:"timezone"`
}

// AggregatorConfig tunes the final verdict.
type AggregatorConfig struct {
	FraudThreshold    float64 `mapstructure:"fraud_threshold" json:"fraudThreshold"`
	MinRiskScore      float64 `mapstructure:"min_risk_score" json:"minRiskScore"`
	MaxRiskScore      float64 `mapstructure:"max_risk_score" json:"maxRiskScore"`
	CriticalThreshold float64 `mapstructure:"critical_threshold" json:"criticalThreshold"`
	HighThreshold     float64 `mapstructure:"high_threshold" json:"highThreshold"`
	MediumThreshold   float64 `mapstructure:"medium_threshold" json:"mediumThreshold"`
}

// RuleSourceConfig selects where rules come from and how often they refresh.
type RuleSourceConfig struct {
	// Source is "repository" or "file"
	Source          string        `mapstructure:"source" json:"source"`
	File            string        `mapstructure:"file" json:"file"`
	SeedFile        string        `mapstructure:"seed_file" json:"seedFile"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval" json:"refreshInterval"`
}

// WorkerConfig holds the async transaction consumer settings.
type WorkerConfig struct {
	Enabled   bool `mapstructure:"enabled" json:"enabled"`
	Count     int  `mapstructure:"count" json:"count"`
	QueueSize int  `mapstructure:"queue_size" json:"queueSize"`

	// JobTimeout bounds one transaction, including jobs drained at shutdown.
	JobTimeout time.Duration `mapstructure:"job_timeout" json:"jobTimeout"`
}

// AlertConfig holds the alert sink settings.
type AlertConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled"`

	// Sink is "bus", "kafka" or "log"
	Sink         string        `mapstructure:"sink" json:"sink"`
	Topic        string        `mapstructure:"topic" json:"topic"`
	KafkaBrokers []string      `mapstructure:"kafka_brokers" json:"kafkaBrokers"`
	MaxAttempts  int           `mapstructure:"max_attempts" json:"maxAttempts"`
	QueueSize    int           `mapstructure:"queue_size" json:"queueSize"`
	Workers      int           `mapstructure:"workers" json:"workers"`
	SendTimeout  time.Duration `mapstructure:"send_timeout" json:"sendTimeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" json:"enabled"`
	ServiceName string `mapstructure:"service_name" json:"serviceName"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Path    string `mapstructure:"path" json:"path"`
}

// DefaultConfig returns a single-node configuration: SQLite, in-memory
// frequency store and channel bus.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Engine: EngineConfig{
			MaxWorkers:       16,
			RuleTimeout:      5 * time.Second,
			FrequencyWindow:  time.Hour,
			SuspiciousHours:  "22:00-06:00",
			TimeOfDayScore:   0.3,
			IPBlacklistScore: 0.8,
		},
		Aggregator: AggregatorConfig{
			FraudThreshold:    0.3,
			MinRiskScore:      0.0,
			MaxRiskScore:      1.0,
			CriticalThreshold: 0.8,
			HighThreshold:     0.6,
			MediumThreshold:   0.4,
		},
		Rules: RuleSourceConfig{
			Source:          "repository",
			RefreshInterval: time.Minute,
		},
		Frequency: FrequencyStoreConfig{
			Type:         "memory",
			LocalMaxKeys: 100000,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
			NATSQueueGroup:    "kestrel",
			KafkaGroupID:      "kestrel",
		},
		Worker: WorkerConfig{
			Enabled:   false,
			Count:      8,
			QueueSize:  1024,
			JobTimeout: 30 * time.Second,
		},
		Alerts: AlertConfig{
			Enabled:     true,
			Sink:        "bus",
			Topic:       TopicAlert,
			MaxAttempts: 3,
			QueueSize:   1000,
			Workers:     2,
			SendTimeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Validate checks the configuration at load time. Any error is fatal at startup.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}

	if c.Engine.MaxWorkers <= 0 {
		errs = append(errs, errors.New("engine.max_workers must be positive"))
	}
	if c.Engine.RuleTimeout <= 0 {
		errs = append(errs, errors.New("engine.rule_timeout must be positive"))
	}
	if c.Engine.FrequencyWindow < time.Second {
		errs = append(errs, errors.New("engine.frequency_window must be at least 1s"))
	}
	if _, err := ParseTimeRange(c.Engine.SuspiciousHours); err != nil {
		errs = append(errs, fmt.Errorf("engine.suspicious_hours: %w", err))
	}
	if !unit(c.Engine.TimeOfDayScore) || !unit(c.Engine.IPBlacklistScore) {
		errs = append(errs, errors.New("engine fixed scores must be within [0,1]"))
	}
	if c.Engine.Timezone != "" {
		if _, err := time.LoadLocation(c.Engine.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("engine.timezone: %w", err))
		}
	}

	a := c.Aggregator
	if a.MinRiskScore > a.MaxRiskScore {
		errs = append(errs, errors.New("aggregator.min_risk_score exceeds max_risk_score"))
	}
	for name, v := range map[string]float64{
		"fraud_threshold":    a.FraudThreshold,
		"critical_threshold": a.CriticalThreshold,
		"high_threshold":     a.HighThreshold,
		"medium_threshold":   a.MediumThreshold,
	} {
		if !unit(v) {
			errs = append(errs, fmt.Errorf("aggregator.%s must be within [0,1]", name))
		}
	}
	if !(a.MediumThreshold <= a.HighThreshold && a.HighThreshold <= a.CriticalThreshold) {
		errs = append(errs, errors.New("aggregator risk level thresholds must be ascending"))
	}

	switch c.Rules.Source {
	case "repository":
	case "file":
		if c.Rules.File == "" {
			errs = append(errs, errors.New("rules.file is required when rules.source is file"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported rules.source %q", c.Rules.Source))
	}
	if c.Rules.RefreshInterval <= 0 {
		errs = append(errs, errors.New("rules.refresh_interval must be positive"))
	}

	switch c.Frequency.Type {
	case "memory":
	case "redis":
		if c.Frequency.RedisAddr == "" {
			errs = append(errs, errors.New("frequency.redis_addr is required for the redis store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported frequency.type %q", c.Frequency.Type))
	}

	switch c.Repository.Driver {
	case "sqlite":
		if c.Repository.SQLitePath == "" {
			errs = append(errs, errors.New("repository.sqlite_path is required"))
		}
	case "postgres", "pgx":
		if c.Repository.PostgresHost == "" || c.Repository.PostgresDB == "" {
			errs = append(errs, errors.New("repository.postgres_host and postgres_db are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported repository.driver %q", c.Repository.Driver))
	}

	switch c.EventBus.Type {
	case "channel":
	case "nats":
		if c.EventBus.NATSUrl == "" {
			errs = append(errs, errors.New("event_bus.nats_url is required for the nats bus"))
		}
	case "kafka":
		if len(c.EventBus.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("event_bus.kafka_brokers is required for the kafka bus"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported event_bus.type %q", c.EventBus.Type))
	}

	if c.Worker.Enabled && c.Worker.Count <= 0 {
		errs = append(errs, errors.New("worker.count must be positive"))
	}
	if c.Worker.Enabled && c.Worker.JobTimeout <= 0 {
		errs = append(errs, errors.New("worker.job_timeout must be positive"))
	}

	if c.Alerts.Enabled {
		switch c.Alerts.Sink {
		case "bus", "log":
		case "kafka":
			if len(c.Alerts.KafkaBrokers) == 0 {
				errs = append(errs, errors.New("alerts.kafka_brokers is required for the kafka sink"))
			}
		default:
			errs = append(errs, fmt.Errorf("unsupported alerts.sink %q", c.Alerts.Sink))
		}
		if c.Alerts.Topic == "" {
			errs = append(errs, errors.New("alerts.topic is required"))
		}
	}

	return errors.Join(errs...)
}

func unit(v float64) bool {
	return v >= 0 && v <= 1
}
