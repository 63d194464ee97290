package rules

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/velocity"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decPtr(s string) *decimal.Decimal {
	v := decimal.RequireFromString(s)
	return &v
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	cfg := domain.DefaultConfig().Engine
	cfg.RuleTimeout = 200 * time.Millisecond
	engine, err := NewEngine(cfg, velocity.NewTracker(cache.NewMemoryStore(100)), opts...)
	require.NoError(t, err)
	return engine
}

func TestEngineAmountRule(t *testing.T) {
	engine := newTestEngine(t)

	tx := sampleTx()
	tx.Amount = decimal.NewFromInt(5000)

	rule := &domain.FraudRule{
		ID:             1,
		Name:           "large-amount",
		Type:           domain.RuleTypeAmount,
		Enabled:        true,
		RiskWeight:     decPtr("0.3"),
		ThresholdValue: decPtr("1000"),
	}

	results := engine.Evaluate(context.Background(), []*domain.FraudRule{rule}, tx)
	require.Len(t, results, 1)

	res := results[0]
	assert.True(t, res.Triggered)
	assert.True(t, res.RiskScore.Equal(decimal.NewFromInt(1)), "ratio is capped at 1, got %s", res.RiskScore)
	assert.True(t, res.Contribution().Equal(decimal.RequireFromString("0.3")))
	assert.Equal(t, "large-amount", res.RuleName)
	assert.Equal(t, "5000", res.ActualValue)
	assert.Equal(t, "1000", res.ThresholdValue)

	tx.Amount = decimal.NewFromInt(500)
	res = engine.Evaluate(context.Background(), []*domain.FraudRule{rule}, tx)[0]
	assert.False(t, res.Triggered)
	assert.True(t, res.RiskScore.IsZero())

	tx.Amount = decimal.NewFromInt(1500)
	rule.ThresholdValue = decPtr("2000")
	res = engine.Evaluate(context.Background(), []*domain.FraudRule{rule}, tx)[0]
	assert.False(t, res.Triggered)
}

func TestEngineAmountPartialRatio(t *testing.T) {
	engine := newTestEngine(t)

	tx := sampleTx()
	tx.Amount = decimal.NewFromInt(1500)
	rule := &domain.FraudRule{ID: 1, Name: "amt", Type: domain.RuleTypeAmount, Enabled: true, ThresholdValue: decPtr("1000")}

	res := engine.Evaluate(context.Background(), []*domain.FraudRule{rule}, tx)[0]
	require.True(t, res.Triggered)
	assert.True(t, res.RiskScore.Equal(decimal.RequireFromString("1")), "1500/1000 capped, got %s", res.RiskScore)

	rule.ThresholdValue = decPtr("1200")
	tx.Amount = decimal.NewFromInt(1800)
	res = engine.Evaluate(context.Background(), []*domain.FraudRule{rule}, tx)[0]
	assert.True(t, res.RiskScore.Equal(decimal.NewFromInt(1)))

	rule.ThresholdValue = decPtr("4000")
	tx.Amount = decimal.NewFromInt(5000)
	res = engine.Evaluate(context.Background(), []*domain.FraudRule{rule}, tx)[0]
	assert.True(t, res.RiskScore.Equal(decimal.NewFromInt(1)))
	assert.True(t, res.RiskWeight.Equal(domain.DefaultRiskWeight), "unset weight defaults to 0.2")
}

func TestEngineMissingThresholdDegrades(t *testing.T) {
	engine := newTestEngine(t)

	rules := []*domain.FraudRule{
		{ID: 1, Name: "no-threshold", Type: domain.RuleTypeAmount, Enabled: true},
		{ID: 2, Name: "ok", Type: domain.RuleTypeAmount, Enabled: true, ThresholdValue: decPtr("100")},
	}

	results := engine.Evaluate(context.Background(), rules, sampleTx())
	require.Len(t, results, 2)

	assert.False(t, results[0].Triggered)
	assert.True(t, results[0].Error)
	assert.Contains(t, results[0].Reason, "thresholdValue is required")

	assert.True(t, results[1].Triggered)
}

func TestEngineFrequencyRule(t *testing.T) {
	engine := newTestEngine(t)

	rule := &domain.FraudRule{
		ID:             1,
		Name:           "velocity",
		Type:           domain.RuleTypeFrequency,
		Enabled:        true,
		ThresholdValue: decPtr("3"),
		RuleConfig:     &domain.RuleConfig{WindowSeconds: 60},
	}

	base := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	var last domain.RuleEvaluationResult
	for i := 0; i < 5; i++ {
		tx := sampleTx()
		tx.ID = "tx-" + string(rune('a'+i))
		tx.Timestamp = base.Add(time.Duration(i) * time.Second)
		last = engine.Evaluate(context.Background(), []*domain.FraudRule{rule}, tx)[0]
		if i < 3 {
			assert.False(t, last.Triggered, "count %d within limit", i+1)
		}
	}

	require.True(t, last.Triggered)
	assert.Equal(t, "5", last.ActualValue)
	assert.True(t, last.RiskScore.Equal(decimal.NewFromInt(1)))

	// Outside the window only the new event counts.
	tx := sampleTx()
	tx.Timestamp = base.Add(10 * time.Minute)
	res := engine.Evaluate(context.Background(), []*domain.FraudRule{rule}, tx)[0]
	assert.False(t, res.Triggered)
	assert.Equal(t, "1", res.ActualValue)
}

func TestEngineFrequencyRulesWithDifferentWindows(t *testing.T) {
	engine := newTestEngine(t)

	rules := []*domain.FraudRule{
		{ID: 1, Name: "burst-1m", Type: domain.RuleTypeFrequency, Enabled: true,
			ThresholdValue: decPtr("3"), RuleConfig: &domain.RuleConfig{WindowSeconds: 60}},
		{ID: 2, Name: "hourly", Type: domain.RuleTypeFrequency, Enabled: true,
			ThresholdValue: decPtr("3"), RuleConfig: &domain.RuleConfig{WindowSeconds: 3600}},
	}

	base := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		tx := sampleTx()
		tx.ID = fmt.Sprintf("tx-%d", i)
		tx.Timestamp = base.Add(time.Duration(i) * 5 * time.Minute)

		results := engine.Evaluate(context.Background(), rules, tx)
		require.Len(t, results, 2)
		burst, hourly := results[0], results[1]

		assert.Equal(t, "1", burst.ActualValue, "tx %d burst", i)
		assert.False(t, burst.Triggered, "tx %d burst", i)
		assert.Equal(t, strconv.Itoa(i+1), hourly.ActualValue, "tx %d hourly", i)
		assert.Equal(t, i >= 3, hourly.Triggered, "tx %d hourly", i)
	}
}

func TestEngineFrequencyRulesShareOneEventPerTransaction(t *testing.T) {
	engine := newTestEngine(t)

	rules := []*domain.FraudRule{
		{ID: 1, Name: "hourly-a", Type: domain.RuleTypeFrequency, Enabled: true,
			ThresholdValue: decPtr("5"), RuleConfig: &domain.RuleConfig{WindowSeconds: 3600}},
		{ID: 2, Name: "hourly-b", Type: domain.RuleTypeFrequency, Enabled: true,
			ThresholdValue: decPtr("5"), RuleConfig: &domain.RuleConfig{WindowSeconds: 3600}},
	}

	results := engine.Evaluate(context.Background(), rules, sampleTx())
	require.Len(t, results, 2)
	assert.Equal(t, "1", results[0].ActualValue)
	assert.Equal(t, "1", results[1].ActualValue)

	// Re-evaluating the same transaction does not count it again.
	results = engine.Evaluate(context.Background(), rules, sampleTx())
	assert.Equal(t, "1", results[0].ActualValue)
	assert.Equal(t, "1", results[1].ActualValue)
}

type brokenStore struct{}

func (brokenStore) RecordAndCount(context.Context, string, string, time.Time, time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}
func (brokenStore) Ping(context.Context) error { return errors.New("connection refused") }
func (brokenStore) Close() error               { return nil }

func TestEngineFrequencyFailsOpen(t *testing.T) {
	engine, err := NewEngine(domain.DefaultConfig().Engine, velocity.NewTracker(brokenStore{}))
	require.NoError(t, err)

	rules := []*domain.FraudRule{
		{ID: 1, Name: "velocity", Type: domain.RuleTypeFrequency, Enabled: true, ThresholdValue: decPtr("1")},
		{ID: 2, Name: "amount", Type: domain.RuleTypeAmount, Enabled: true, ThresholdValue: decPtr("100")},
	}

	results := engine.Evaluate(context.Background(), rules, sampleTx())
	require.Len(t, results, 2)
	assert.False(t, results[0].Triggered)
	assert.True(t, results[0].Error)
	assert.Contains(t, results[0].Reason, "frequency store unavailable")
	assert.True(t, results[1].Triggered)
}

func TestEngineTimeOfDayRule(t *testing.T) {
	engine := newTestEngine(t)
	rule := &domain.FraudRule{ID: 1, Name: "night", Type: domain.RuleTypeTimeOfDay, Enabled: true}

	tests := []struct {
		hour, minute int
		triggered    bool
	}{
		{23, 59, true},
		{0, 1, true},
		{5, 30, true},
		{12, 0, false},
		{21, 59, false},
	}

	for _, tt := range tests {
		tx := sampleTx()
		tx.Timestamp = time.Date(2025, 3, 14, tt.hour, tt.minute, 0, 0, time.UTC)
		res := engine.Evaluate(context.Background(), []*domain.FraudRule{rule}, tx)[0]
		assert.Equal(t, tt.triggered, res.Triggered, "%02d:%02d", tt.hour, tt.minute)
		if tt.triggered {
			assert.True(t, res.RiskScore.Equal(decimal.RequireFromString("0.3")))
		}
	}

	// Rule level window and score override the defaults.
	rule.RuleConfig = &domain.RuleConfig{TimeRange: "09:00-17:00", Score: decPtr("0.5")}
	tx := sampleTx()
	tx.Timestamp = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	res := engine.Evaluate(context.Background(), []*domain.FraudRule{rule}, tx)[0]
	assert.True(t, res.Triggered)
	assert.True(t, res.RiskScore.Equal(decimal.RequireFromString("0.5")))
}

func TestEngineTimeOfDayUsesClockWhenTimestampMissing(t *testing.T) {
	clock := func() time.Time { return time.Date(2025, 3, 14, 2, 0, 0, 0, time.UTC) }
	engine := newTestEngine(t, WithClock(clock))

	tx := sampleTx()
	tx.Timestamp = time.Time{}

	rule := &domain.FraudRule{ID: 1, Name: "night", Type: domain.RuleTypeTimeOfDay, Enabled: true}
	res := engine.Evaluate(context.Background(), []*domain.FraudRule{rule}, tx)[0]
	assert.True(t, res.Triggered)
	assert.Equal(t, "02:00", res.ActualValue)
}

func TestEngineIPBlacklistRule(t *testing.T) {
	engine := newTestEngine(t)

	rule := &domain.FraudRule{
		ID:         1,
		Name:       "bad-ips",
		Type:       domain.RuleTypeIPBlacklist,
		Enabled:    true,
		RuleConfig: &domain.RuleConfig{Blacklist: []string{"10.0.0.1", "192.168.1.1"}},
	}

	tx := sampleTx()
	tx.IPAddress = "10.0.0.1"
	res := engine.Evaluate(context.Background(), []*domain.FraudRule{rule}, tx)[0]
	require.True(t, res.Triggered)
	assert.True(t, res.RiskScore.Equal(decimal.RequireFromString("0.8")))
	assert.Contains(t, res.Reason, "10.0.0.1")

	tx.IPAddress = "8.8.8.8"
	res = engine.Evaluate(context.Background(), []*domain.FraudRule{rule}, tx)[0]
	assert.False(t, res.Triggered)

	// Comma list in conditionValue and CIDR entries.
	rule.RuleConfig = nil
	rule.ConditionValue = "1.2.3.4, 203.0.113.0/24"
	tx.IPAddress = "203.0.113.77"
	res = engine.Evaluate(context.Background(), []*domain.FraudRule{rule}, tx)[0]
	assert.True(t, res.Triggered)
	assert.Contains(t, res.Reason, "203.0.113.0/24")
}

func TestEngineMultiConditionRule(t *testing.T) {
	engine := newTestEngine(t)

	rule := &domain.FraudRule{
		ID:      1,
		Name:    "risky-combo",
		Type:    domain.RuleTypeMultiCondition,
		Enabled: true,
		RuleConfig: &domain.RuleConfig{
			GroupOperator: domain.LogicalOr,
			Groups: []domain.ConditionGroup{{
				GroupID:    "geo",
				Operator:   domain.LogicalOr,
				Conditions: []domain.Condition{trueCond("1"), falseCond("1")},
			}},
		},
	}

	res := engine.Evaluate(context.Background(), []*domain.FraudRule{rule}, sampleTx())[0]
	require.True(t, res.Triggered)
	assert.True(t, res.RiskScore.Equal(decimal.RequireFromString("0.5")))

	rule.RuleConfig = nil
	res = engine.Evaluate(context.Background(), []*domain.FraudRule{rule}, sampleTx())[0]
	assert.False(t, res.Triggered)
	assert.True(t, res.Error)
}

func TestEngineCustomRules(t *testing.T) {
	ext := EvaluatorFunc(func(ctx context.Context, rule *domain.FraudRule, tx *domain.Transaction) (domain.RuleEvaluationResult, error) {
		return domain.RuleEvaluationResult{Triggered: true, RiskScore: decimal.RequireFromString("0.4"), Reason: "device reuse"}, nil
	})
	engine := newTestEngine(t, WithCustomEvaluator("device-reuse", ext))

	rules := []*domain.FraudRule{
		{ID: 1, Name: "device-reuse", Type: domain.RuleTypeCustom, Enabled: true},
		{ID: 2, Name: "stub", Type: domain.RuleTypeCustom, Enabled: true},
		{ID: 3, Name: "cel", Type: domain.RuleTypeCustom, Enabled: true, RuleConfig: &domain.RuleConfig{Expression: `amount > 100.0 && country == "NG"`}},
		{ID: 4, Name: "cel-score", Type: domain.RuleTypeCustom, Enabled: true, RuleConfig: &domain.RuleConfig{Expression: `amount > 100.0 ? 0.25 : 0.0`}},
	}

	results := engine.Evaluate(context.Background(), rules, sampleTx())
	require.Len(t, results, 4)

	assert.True(t, results[0].Triggered)
	assert.Equal(t, "device reuse", results[0].Reason)

	assert.False(t, results[1].Triggered)
	assert.False(t, results[1].Error)
	assert.Equal(t, "not implemented", results[1].Reason)

	assert.True(t, results[2].Triggered)
	assert.True(t, results[2].RiskScore.Equal(decimal.NewFromInt(1)))

	assert.True(t, results[3].Triggered)
	assert.True(t, results[3].RiskScore.Equal(decimal.RequireFromString("0.25")), "got %s", results[3].RiskScore)
}

func TestEngineUnsupportedRuleType(t *testing.T) {
	engine := newTestEngine(t)

	rules := []*domain.FraudRule{
		{ID: 1, Name: "mystery", Type: "GEOFENCE", Enabled: true},
	}

	results := engine.Evaluate(context.Background(), rules, sampleTx())
	require.Len(t, results, 1)
	assert.False(t, results[0].Triggered)
	assert.False(t, results[0].Error)
	assert.Contains(t, results[0].Reason, "unsupported rule type")
}

func TestEngineTimeoutIsolated(t *testing.T) {
	engine := newTestEngine(t)
	engine.Register(domain.RuleTypeCustom, EvaluatorFunc(func(ctx context.Context, rule *domain.FraudRule, tx *domain.Transaction) (domain.RuleEvaluationResult, error) {
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
		}
		return domain.RuleEvaluationResult{Triggered: true, RiskScore: decimal.NewFromInt(1)}, nil
	}))

	rules := []*domain.FraudRule{
		{ID: 1, Name: "stuck", Type: domain.RuleTypeCustom, Enabled: true},
		{ID: 2, Name: "amount", Type: domain.RuleTypeAmount, Enabled: true, ThresholdValue: decPtr("100")},
	}

	start := time.Now()
	results := engine.Evaluate(context.Background(), rules, sampleTx())
	assert.Less(t, time.Since(start), 2*time.Second)

	require.Len(t, results, 2)
	assert.False(t, results[0].Triggered)
	assert.True(t, results[0].Error)
	assert.Contains(t, results[0].Reason, "timed out")
	assert.True(t, results[1].Triggered)
}

func TestEnginePanicIsolated(t *testing.T) {
	engine := newTestEngine(t)
	engine.Register(domain.RuleTypeCustom, EvaluatorFunc(func(ctx context.Context, rule *domain.FraudRule, tx *domain.Transaction) (domain.RuleEvaluationResult, error) {
		panic("boom")
	}))

	rules := []*domain.FraudRule{
		{ID: 1, Name: "panics", Type: domain.RuleTypeCustom, Enabled: true},
		{ID: 2, Name: "amount", Type: domain.RuleTypeAmount, Enabled: true, ThresholdValue: decPtr("100")},
	}

	results := engine.Evaluate(context.Background(), rules, sampleTx())
	require.Len(t, results, 2)
	assert.True(t, results[0].Error)
	assert.Contains(t, results[0].Reason, "boom")
	assert.True(t, results[1].Triggered)
}

func TestEngineOrderingAndFiltering(t *testing.T) {
	engine := newTestEngine(t)

	rules := []*domain.FraudRule{
		{ID: 5, Name: "p2-id5", Type: domain.RuleTypeAmount, Enabled: true, Priority: 2, ThresholdValue: decPtr("1")},
		{ID: 3, Name: "disabled", Type: domain.RuleTypeAmount, Enabled: false, Priority: 0, ThresholdValue: decPtr("1")},
		{ID: 4, Name: "p1-id4", Type: domain.RuleTypeAmount, Enabled: true, Priority: 1, ThresholdValue: decPtr("1")},
		{ID: 2, Name: "p2-id2", Type: domain.RuleTypeAmount, Enabled: true, Priority: 2, ThresholdValue: decPtr("1")},
	}

	results := engine.Evaluate(context.Background(), rules, sampleTx())
	require.Len(t, results, 3)
	assert.Equal(t, "p1-id4", results[0].RuleName)
	assert.Equal(t, "p2-id2", results[1].RuleName)
	assert.Equal(t, "p2-id5", results[2].RuleName)

	assert.Equal(t, int64(5), rules[0].ID, "input slice is not reordered")
	assert.Nil(t, engine.Evaluate(context.Background(), nil, sampleTx()))
}

func TestEngineParallelBudget(t *testing.T) {
	cfg := domain.DefaultConfig().Engine
	cfg.MaxWorkers = 2
	engine, err := NewEngine(cfg, nil)
	require.NoError(t, err)

	var inFlight, peak atomic.Int32
	engine.Register(domain.RuleTypeCustom, EvaluatorFunc(func(ctx context.Context, rule *domain.FraudRule, tx *domain.Transaction) (domain.RuleEvaluationResult, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return domain.RuleEvaluationResult{}, nil
	}))

	var rules []*domain.FraudRule
	for i := 1; i <= 8; i++ {
		rules = append(rules, &domain.FraudRule{ID: int64(i), Name: "r", Type: domain.RuleTypeCustom, Enabled: true})
	}

	results := engine.Evaluate(context.Background(), rules, sampleTx())
	assert.Len(t, results, 8)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestEngineValidateRule(t *testing.T) {
	engine := newTestEngine(t)

	valid := &domain.FraudRule{Name: "cel", Type: domain.RuleTypeCustom, RuleConfig: &domain.RuleConfig{Expression: "amount > 10.0"}}
	assert.NoError(t, engine.ValidateRule(valid))

	badExpr := &domain.FraudRule{Name: "cel", Type: domain.RuleTypeCustom, RuleConfig: &domain.RuleConfig{Expression: "this is not valid CEL !!!"}}
	assert.ErrorIs(t, engine.ValidateRule(badExpr), domain.ErrInvalidRule)

	stringExpr := &domain.FraudRule{Name: "cel", Type: domain.RuleTypeCustom, RuleConfig: &domain.RuleConfig{Expression: `"hello"`}}
	assert.ErrorIs(t, engine.ValidateRule(stringExpr), domain.ErrInvalidRule)

	noGroups := &domain.FraudRule{Name: "multi", Type: domain.RuleTypeMultiCondition}
	assert.ErrorIs(t, engine.ValidateRule(noGroups), domain.ErrInvalidRule)

	noThreshold := &domain.FraudRule{Name: "amt", Type: domain.RuleTypeAmount}
	assert.ErrorIs(t, engine.ValidateRule(noThreshold), domain.ErrInvalidRule)
}

func TestNewEngineRejectsBadConfig(t *testing.T) {
	cfg := domain.DefaultConfig().Engine
	cfg.Timezone = "Mars/Olympus_Mons"
	_, err := NewEngine(cfg, nil)
	assert.Error(t, err)

	cfg = domain.DefaultConfig().Engine
	cfg.SuspiciousHours = "night"
	_, err = NewEngine(cfg, nil)
	assert.Error(t, err)
}

func TestCELProgramCache(t *testing.T) {
	eval, err := NewCELEvaluator(time.UTC)
	require.NoError(t, err)
	ctx := context.Background()
	tx := sampleTx()

	rule := &domain.FraudRule{ID: 9, Name: "edited", Type: domain.RuleTypeCustom,
		RuleConfig: &domain.RuleConfig{Expression: "amount > 100.0"}}

	res, err := eval.Evaluate(ctx, rule, tx)
	require.NoError(t, err)
	assert.True(t, res.Triggered)

	// Each edit replaces the rule's program instead of adding one.
	for i := 0; i < 50; i++ {
		rule.RuleConfig.Expression = fmt.Sprintf("amount > %d.0", 1000+i)
		res, err = eval.Evaluate(ctx, rule, tx)
		require.NoError(t, err)
		assert.False(t, res.Triggered)
	}
	assert.Equal(t, 1, eval.cached())

	for id := int64(1); id <= maxPrograms+10; id++ {
		r := &domain.FraudRule{ID: id, Name: "r", Type: domain.RuleTypeCustom,
			RuleConfig: &domain.RuleConfig{Expression: fmt.Sprintf("amount > %d.0", id)}}
		_, err := eval.Evaluate(ctx, r, tx)
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, eval.cached(), maxPrograms)
}
