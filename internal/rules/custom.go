package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// maxPrograms caps the compiled program cache. Reaching it clears the cache.
const maxPrograms = 1024

// CELEvaluator backs CUSTOM rules that carry a CEL expression in
// ruleConfig.expression. Programs are cached per rule id and recompiled
// when the rule's expression changes.
type CELEvaluator struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[int64]compiledRule
	loc      *time.Location
}

type compiledRule struct {
	expr    string
	program cel.Program
}

// NewCELEvaluator creates the CEL environment exposed to custom rules.
func NewCELEvaluator(loc *time.Location) (*CELEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("tx", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("user_id", cel.StringType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("ip_address", cel.StringType),
		cel.Variable("device_id", cel.StringType),
		cel.Variable("country", cel.StringType),
		cel.Variable("merchant", cel.StringType),
		cel.Variable("payment_method", cel.StringType),
		cel.Variable("status", cel.StringType),
		cel.Variable("hour", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &CELEvaluator{
		env:      env,
		programs: make(map[int64]compiledRule),
		loc:      loc,
	}, nil
}

// Validate compiles expr without caching it.
func (e *CELEvaluator) Validate(expr string) error {
	_, err := e.compile(expr)
	return err
}

// Evaluate runs the rule's expression. A bool result triggers on true with
// score 1; a numeric result triggers when positive and is clipped to [0,1].
func (e *CELEvaluator) Evaluate(ctx context.Context, rule *domain.FraudRule, tx *domain.Transaction) (domain.RuleEvaluationResult, error) {
	if rule.RuleConfig == nil || rule.RuleConfig.Expression == "" {
		return domain.RuleEvaluationResult{Reason: "not implemented"}, nil
	}
	expr := rule.RuleConfig.Expression

	program, err := e.program(rule.ID, expr)
	if err != nil {
		return domain.RuleEvaluationResult{}, fmt.Errorf("%w: %v", ErrMisconfigured, err)
	}

	out, _, err := program.ContextEval(ctx, e.activation(tx))
	if err != nil {
		return domain.RuleEvaluationResult{}, fmt.Errorf("expression evaluation failed: %w", err)
	}

	score := toScore(out)
	res := domain.RuleEvaluationResult{
		ActualValue:    score.String(),
		ThresholdValue: expr,
		Triggered:      score.IsPositive(),
	}
	if res.Triggered {
		res.RiskScore = score
		res.Reason = fmt.Sprintf("custom rule %s matched", rule.Name)
	} else {
		res.Reason = fmt.Sprintf("custom rule %s did not match", rule.Name)
	}
	return res, nil
}

func (e *CELEvaluator) program(ruleID int64, expr string) (cel.Program, error) {
	e.mu.RLock()
	c, ok := e.programs[ruleID]
	e.mu.RUnlock()
	if ok && c.expr == expr {
		return c.program, nil
	}

	p, err := e.compile(expr)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if _, exists := e.programs[ruleID]; !exists && len(e.programs) >= maxPrograms {
		clear(e.programs)
	}
	e.programs[ruleID] = compiledRule{expr: expr, program: p}
	e.mu.Unlock()
	return p, nil
}

func (e *CELEvaluator) cached() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.programs)
}

func (e *CELEvaluator) compile(expr string) (cel.Program, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("expression must return bool, int, or double, got %s", outputType)
	}

	program, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}
	return program, nil
}

func (e *CELEvaluator) activation(tx *domain.Transaction) map[string]any {
	amount := tx.Amount.InexactFloat64()

	hour := int64(-1)
	if !tx.Timestamp.IsZero() {
		at := tx.Timestamp
		if e.loc != nil {
			at = at.In(e.loc)
		}
		hour = int64(at.Hour())
	}

	return map[string]any{
		"tx": map[string]any{
			"transaction_id": tx.ID,
			"user_id":        tx.UserID,
			"amount":         amount,
			"currency":       tx.Currency,
			"ip_address":     tx.IPAddress,
			"device_id":      tx.DeviceID,
			"country":        tx.Country,
			"merchant":       tx.Merchant,
			"payment_method": tx.PaymentMethod,
			"status":         tx.Status,
		},
		"amount":         amount,
		"user_id":        tx.UserID,
		"currency":       tx.Currency,
		"ip_address":     tx.IPAddress,
		"device_id":      tx.DeviceID,
		"country":        tx.Country,
		"merchant":       tx.Merchant,
		"payment_method": tx.PaymentMethod,
		"status":         tx.Status,
		"hour":           hour,
	}
}

// toScore converts a CEL value to a score in [0,1].
func toScore(val ref.Val) decimal.Decimal {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return scoreOne
		}
		return scoreZero
	case types.Double:
		return clip(decimal.NewFromFloat(float64(v)), scoreZero, scoreOne)
	case types.Int:
		return clip(decimal.NewFromInt(int64(v)), scoreZero, scoreOne)
	default:
		return scoreZero
	}
}
