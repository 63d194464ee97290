package domain

import (
	"context"
	"time"
)

// FrequencyStore is the shared sliding-window counter backing FREQUENCY rules.
// It is the only cross-transaction mutable state of the engine.
type FrequencyStore interface {
	// RecordAndCount records ts as event eventID under key, drops events older
	// than ts-window, refreshes the key TTL to window and returns the remaining
	// count. An eventID already present under key is not counted twice; an
	// empty eventID always adds a new event. The whole sequence is one atomic
	// operation against the store.
	RecordAndCount(ctx context.Context, key, eventID string, ts time.Time, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// FrequencyStoreConfig holds configuration for frequency store initialization.
type FrequencyStoreConfig struct {
	// Type is the store type: "memory" or "redis"
	Type string `mapstructure:"type" json:"type"`

	// In-memory store settings
	LocalMaxKeys int `mapstructure:"local_max_keys" json:"localMaxKeys"`

	// Redis settings
	RedisAddr     string `mapstructure:"redis_addr" json:"redisAddr"`
	RedisPassword string `mapstructure:"redis_password" json:"-"`
	RedisDB       int    `mapstructure:"redis_db" json:"redisDb"`
}
