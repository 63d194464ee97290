package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// RuleSet is an immutable, versioned view of the active rules.
type RuleSet struct {
	Version  int64
	Rules    []*domain.FraudRule
	LoadedAt time.Time
}

// RuleCache holds the rule set used by the hot path. Readers never block;
// Refresh swaps in a new set atomically.
type RuleCache struct {
	source  domain.RuleSource
	current atomic.Pointer[RuleSet]
	version atomic.Int64
	mu      sync.Mutex // serializes refreshes
}

// NewRuleCache creates a cache with an empty rule set.
func NewRuleCache(source domain.RuleSource) *RuleCache {
	c := &RuleCache{source: source}
	c.current.Store(&RuleSet{})
	return c
}

// Snapshot returns the current rule set. Callers must not mutate it.
func (c *RuleCache) Snapshot() *RuleSet {
	return c.current.Load()
}

// Refresh reloads rules from the source. On error the previous set stays
// active.
func (c *RuleCache) Refresh(ctx context.Context) (*RuleSet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.source == nil {
		return c.Snapshot(), errors.New("no rule source configured")
	}

	loaded, err := c.source.ListEnabledRules(ctx)
	if err != nil {
		metrics.RuleRefreshErrors.Inc()
		prev := c.Snapshot()
		slog.Warn("rule refresh failed, keeping cached rule set",
			"version", prev.Version,
			"rules", len(prev.Rules),
			"error", err,
		)
		return prev, fmt.Errorf("failed to load rules: %w", err)
	}

	set := &RuleSet{
		Version:  c.version.Add(1),
		Rules:    ActiveRules(cloneRules(loaded)),
		LoadedAt: time.Now().UTC(),
	}
	c.current.Store(set)

	metrics.RuleSetVersion.Set(float64(set.Version))
	metrics.RuleSetSize.Set(float64(len(set.Rules)))
	slog.Debug("rule set refreshed", "version", set.Version, "rules", len(set.Rules))

	return set, nil
}

// Run refreshes the cache every interval until ctx is done.
func (c *RuleCache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = c.Refresh(ctx)
		}
	}
}

// cloneRules copies each rule so later writes by the source cannot leak
// into a published snapshot.
func cloneRules(in []*domain.FraudRule) []*domain.FraudRule {
	out := make([]*domain.FraudRule, 0, len(in))
	for _, r := range in {
		if r == nil {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out
}
