package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/opensource-finance/kestrel/internal/domain"
	"gopkg.in/yaml.v3"
)

// ParseRules decodes a YAML rule document. The document is either a list of
// rules or a mapping with a "rules" list. Rules without an explicit
// "enabled" key are enabled, and rules without an id are numbered by
// position.
func ParseRules(data []byte) ([]*domain.FraudRule, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	if m, ok := doc.(map[string]any); ok {
		doc = m["rules"]
	}
	if doc == nil {
		return nil, nil
	}

	items, ok := doc.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: rules must be a list", ErrInvalidInput)
	}

	rules := make([]*domain.FraudRule, 0, len(items))
	for i, item := range items {
		fields, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: rule %d is not a mapping", ErrInvalidInput, i+1)
		}
		if _, set := fields["enabled"]; !set {
			fields["enabled"] = true
		}

		// Decimal fields only know how to decode JSON, so route through it.
		raw, err := json.Marshal(fields)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %d: %v", ErrInvalidInput, i+1, err)
		}
		var rule domain.FraudRule
		if err := json.Unmarshal(raw, &rule); err != nil {
			return nil, fmt.Errorf("%w: rule %d: %v", ErrInvalidInput, i+1, err)
		}
		if rule.ID == 0 {
			rule.ID = int64(i + 1)
		}
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i+1, rule.Name, err)
		}
		rules = append(rules, &rule)
	}

	return rules, nil
}

// LoadRulesFile reads and parses a YAML rule file.
func LoadRulesFile(path string) ([]*domain.FraudRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}
	return ParseRules(data)
}

// FileSource serves rules from a YAML file. The file is re-read on every
// call so edits are picked up by the next refresh.
type FileSource struct {
	path string
}

// NewFileSource creates a rule source backed by path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// ListEnabledRules implements domain.RuleSource.
func (s *FileSource) ListEnabledRules(ctx context.Context) ([]*domain.FraudRule, error) {
	rules, err := LoadRulesFile(s.path)
	if err != nil {
		return nil, err
	}
	enabled := rules[:0]
	for _, r := range rules {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}
	return enabled, nil
}

// SeedRules loads path into repo when repo holds no rules yet. It returns
// the number of rules created.
func SeedRules(ctx context.Context, repo domain.RuleRepository, path string) (int, error) {
	existing, err := repo.ListRules(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list rules: %w", err)
	}
	if len(existing) > 0 {
		slog.Info("rule store already populated, skipping seed", "rules", len(existing))
		return 0, nil
	}

	rules, err := LoadRulesFile(path)
	if err != nil {
		return 0, err
	}

	for _, rule := range rules {
		// The store assigns its own ids.
		rule.ID = 0
		if err := repo.CreateRule(ctx, rule); err != nil {
			return 0, fmt.Errorf("failed to seed rule %q: %w", rule.Name, err)
		}
	}

	slog.Info("seeded rules", "path", path, "rules", len(rules))
	return len(rules), nil
}
