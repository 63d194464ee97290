// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// RuleSource supplies the rule set the engine evaluates.
type RuleSource interface {
	ListEnabledRules(ctx context.Context) ([]*FraudRule, error)
}

// RuleRepository is the rule management surface.
type RuleRepository interface {
	RuleSource

	CreateRule(ctx context.Context, rule *FraudRule) error
	UpdateRule(ctx context.Context, rule *FraudRule) error
	GetRule(ctx context.Context, id int64) (*FraudRule, error)
	ListRules(ctx context.Context) ([]*FraudRule, error)
	DeleteRule(ctx context.Context, id int64) error
}

// ResultStore persists every detection result for audit.
type ResultStore interface {
	SaveResult(ctx context.Context, result *FraudDetectionResult) error
	GetResult(ctx context.Context, id string) (*FraudDetectionResult, error)
	ListResultsByTransaction(ctx context.Context, txID string) ([]*FraudDetectionResult, error)
}

// Repository defines the interface for data persistence.
type Repository interface {
	RuleRepository
	ResultStore

	// Transaction audit
	SaveTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite", "postgres" (lib/pq) or "pgx"
	Driver string `mapstructure:"driver" json:"driver"`

	// SQLite specific
	SQLitePath string `mapstructure:"sqlite_path" json:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `mapstructure:"postgres_host" json:"postgresHost"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgresPort"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgresUser"`
	PostgresPassword string `mapstructure:"postgres_password" json:"-"`
	PostgresDB       string `mapstructure:"postgres_db" json:"postgresDb"`
	PostgresSSLMode  string `mapstructure:"postgres_sslmode" json:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `mapstructure:"max_open_conns" json:"maxOpenConns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" json:"maxIdleConns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" json:"connMaxLifetime"`
}
