// Package rules provides the fraud rule evaluation engine.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/velocity"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Engine dispatches rules to their type's evaluator.
type Engine struct {
	registry    map[domain.RuleType]Evaluator
	unsupported Evaluator
	cel         *CELEvaluator
	maxWorkers  int
	ruleTimeout time.Duration
}

// Option customizes an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	extensions map[string]Evaluator
	now        func() time.Time
}

// WithCustomEvaluator plugs an evaluator for CUSTOM rules with the given name.
func WithCustomEvaluator(name string, ev Evaluator) Option {
	return func(o *engineOptions) {
		o.extensions[name] = ev
	}
}

// WithClock overrides the clock used for transactions without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(o *engineOptions) {
		o.now = now
	}
}

// NewEngine creates a rule engine. tracker may be nil, in which case
// FREQUENCY rules fail open.
func NewEngine(cfg domain.EngineConfig, tracker *velocity.Tracker, opts ...Option) (*Engine, error) {
	o := &engineOptions{
		extensions: make(map[string]Evaluator),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 16
	}
	if cfg.RuleTimeout <= 0 {
		cfg.RuleTimeout = 5 * time.Second
	}
	if cfg.FrequencyWindow <= 0 {
		cfg.FrequencyWindow = time.Hour
	}
	if cfg.SuspiciousHours == "" {
		cfg.SuspiciousHours = "22:00-06:00"
	}

	var loc *time.Location
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid engine timezone: %w", err)
		}
		loc = l
	}

	suspicious, err := domain.ParseTimeRange(cfg.SuspiciousHours)
	if err != nil {
		return nil, fmt.Errorf("invalid suspicious hours: %w", err)
	}

	celEval, err := NewCELEvaluator(loc)
	if err != nil {
		return nil, err
	}

	conditions := NewConditionEvaluator(loc)

	return &Engine{
		registry: map[domain.RuleType]Evaluator{
			domain.RuleTypeAmount: amountEvaluator{},
			domain.RuleTypeFrequency: &frequencyEvaluator{
				tracker:       tracker,
				defaultWindow: cfg.FrequencyWindow,
				now:           o.now,
			},
			domain.RuleTypeTimeOfDay: &timeOfDayEvaluator{
				defaultRange: suspicious,
				score:        decimal.NewFromFloat(cfg.TimeOfDayScore),
				loc:          loc,
				now:          o.now,
			},
			domain.RuleTypeIPBlacklist: &ipBlacklistEvaluator{
				score: decimal.NewFromFloat(cfg.IPBlacklistScore),
			},
			domain.RuleTypeMultiCondition: &multiConditionEvaluator{
				composer: NewComposer(conditions),
			},
			domain.RuleTypeCustom: &customEvaluator{
				extensions: o.extensions,
				cel:        celEval,
			},
		},
		unsupported: unsupportedEvaluator{},
		cel:         celEval,
		maxWorkers:  cfg.MaxWorkers,
		ruleTimeout: cfg.RuleTimeout,
	}, nil
}

// Register replaces the evaluator for a rule type.
func (e *Engine) Register(t domain.RuleType, ev Evaluator) {
	e.registry[t] = ev
}

// ValidateRule checks a rule beyond domain validation: custom expressions
// must compile.
func (e *Engine) ValidateRule(rule *domain.FraudRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.Type == domain.RuleTypeCustom && rule.RuleConfig != nil && rule.RuleConfig.Expression != "" {
		if err := e.cel.Validate(rule.RuleConfig.Expression); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidRule, err)
		}
	}
	if rule.Type == domain.RuleTypeMultiCondition && (rule.RuleConfig == nil || len(rule.RuleConfig.Groups) == 0) {
		return fmt.Errorf("%w: ruleConfig.groups is required for MULTI_CONDITION rules", domain.ErrInvalidRule)
	}
	return nil
}

// ActiveRules returns the enabled rules in evaluation order: priority
// ascending, then id ascending. The input slice is not modified.
func ActiveRules(rules []*domain.FraudRule) []*domain.FraudRule {
	active := make([]*domain.FraudRule, 0, len(rules))
	for _, r := range rules {
		if r != nil && r.Enabled {
			active = append(active, r)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority < active[j].Priority
		}
		return active[i].ID < active[j].ID
	})
	return active
}

// Evaluate runs every active rule against tx, in parallel bounded by the
// worker budget, and returns one result per active rule in evaluation order.
// It never fails: rule errors, panics and timeouts become non-triggered
// results.
func (e *Engine) Evaluate(ctx context.Context, rules []*domain.FraudRule, tx *domain.Transaction) []domain.RuleEvaluationResult {
	active := ActiveRules(rules)
	if len(active) == 0 {
		return nil
	}

	results := make([]domain.RuleEvaluationResult, len(active))

	var g errgroup.Group
	g.SetLimit(e.maxWorkers)
	for i, rule := range active {
		i, rule := i, rule
		g.Go(func() error {
			results[i] = e.evaluateRule(ctx, rule, tx)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

type evalOutcome struct {
	res domain.RuleEvaluationResult
	err error
}

// evaluateRule runs one rule under its own timeout and recovers panics.
func (e *Engine) evaluateRule(ctx context.Context, rule *domain.FraudRule, tx *domain.Transaction) domain.RuleEvaluationResult {
	start := time.Now()

	ev, ok := e.registry[rule.Type]
	if !ok {
		ev = e.unsupported
	}

	ruleCtx, cancel := context.WithTimeout(ctx, e.ruleTimeout)
	defer cancel()

	done := make(chan evalOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- evalOutcome{err: fmt.Errorf("evaluator panic: %v", r)}
			}
		}()
		res, err := ev.Evaluate(ruleCtx, rule, tx)
		done <- evalOutcome{res: res, err: err}
	}()

	var out evalOutcome
	select {
	case out = <-done:
	case <-ruleCtx.Done():
		if errors.Is(ruleCtx.Err(), context.DeadlineExceeded) {
			out.err = fmt.Errorf("evaluation timed out after %s", e.ruleTimeout)
		} else {
			out.err = fmt.Errorf("evaluation cancelled: %w", ruleCtx.Err())
		}
	}

	res := out.res
	if out.err != nil {
		res = domain.RuleEvaluationResult{
			Reason: out.err.Error(),
			Error:  true,
		}
		slog.Warn("rule evaluation degraded",
			"rule_id", rule.ID,
			"rule_name", rule.Name,
			"rule_type", rule.Type,
			"tx_id", tx.ID,
			"error", out.err,
		)
	}

	res.RuleID = rule.ID
	res.RuleName = rule.Name
	res.RuleType = rule.Type
	res.RiskWeight = rule.EffectiveRiskWeight()
	res.RiskScore = clip(res.RiskScore, scoreZero, scoreOne)
	if !res.Triggered {
		res.RiskScore = scoreZero
	}

	elapsed := time.Since(start)
	res.DurationMs = elapsed.Milliseconds()

	outcome := metrics.OutcomePassed
	switch {
	case res.Error:
		outcome = metrics.OutcomeError
	case res.Triggered:
		outcome = metrics.OutcomeTriggered
	}
	metrics.RuleEvaluations.WithLabelValues(string(rule.Type), outcome).Inc()
	metrics.RuleDuration.WithLabelValues(string(rule.Type)).Observe(elapsed.Seconds())

	return res
}
