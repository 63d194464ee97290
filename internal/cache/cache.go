package cache

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates a frequency store based on configuration.
// "memory" keeps counters in process; "redis" shares them across nodes.
func New(cfg domain.FrequencyStoreConfig) (domain.FrequencyStore, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(cfg.LocalMaxKeys), nil

	case "redis":
		return NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	default:
		return nil, fmt.Errorf("unsupported frequency store type: %s", cfg.Type)
	}
}
