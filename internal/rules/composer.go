package rules

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	scoreZero = decimal.Zero
	scoreOne  = decimal.NewFromInt(1)
)

// Composer evaluates weighted condition groups into a single rule outcome.
type Composer struct {
	conditions *ConditionEvaluator
}

// NewComposer creates a composer over the given condition evaluator.
func NewComposer(conditions *ConditionEvaluator) *Composer {
	return &Composer{conditions: conditions}
}

type groupOutcome struct {
	id        string
	triggered bool
	score     decimal.Decimal // raw score times group weight
	weight    decimal.Decimal
	matched   []string
	problems  []string
}

// Evaluate combines groups with groupOperator. It is pure: the same groups
// and transaction always produce the same result.
func (c *Composer) Evaluate(groups []domain.ConditionGroup, groupOperator domain.LogicalOperator, tx *domain.Transaction) domain.RuleEvaluationResult {
	top, ok := normalizeLogical(groupOperator)
	if !ok {
		return domain.RuleEvaluationResult{
			Reason: fmt.Sprintf("unsupported group operator %q", groupOperator),
			Error:  true,
		}
	}
	if len(groups) == 0 {
		return domain.RuleEvaluationResult{Reason: "no condition groups"}
	}

	outcomes := make([]groupOutcome, 0, len(groups))
	for i, g := range groups {
		outcomes = append(outcomes, c.evaluateGroup(i, g, tx))
	}

	totalWeight := scoreZero
	weighted := scoreZero
	triggeredCount := 0
	for _, o := range outcomes {
		totalWeight = totalWeight.Add(o.weight)
		weighted = weighted.Add(o.score)
		if o.triggered {
			triggeredCount++
		}
	}

	var triggered bool
	switch top {
	case domain.LogicalAnd:
		triggered = triggeredCount == len(outcomes)
	case domain.LogicalOr:
		triggered = triggeredCount > 0
	}

	score := scoreZero
	if totalWeight.IsPositive() && (triggered || top == domain.LogicalOr) {
		score = clip(weighted.Div(totalWeight), scoreZero, scoreOne)
	}

	return domain.RuleEvaluationResult{
		Triggered:      triggered,
		RiskScore:      score,
		Reason:         describe(outcomes, top, triggered),
		ActualValue:    fmt.Sprintf("%d/%d groups matched", triggeredCount, len(outcomes)),
		ThresholdValue: string(top),
	}
}

func (c *Composer) evaluateGroup(idx int, g domain.ConditionGroup, tx *domain.Transaction) groupOutcome {
	out := groupOutcome{id: g.GroupID, weight: g.EffectiveWeight(), score: scoreZero}
	if out.id == "" {
		out.id = fmt.Sprintf("group-%d", idx+1)
	}

	op, ok := normalizeLogical(g.Operator)
	if !ok {
		out.problems = append(out.problems, fmt.Sprintf("unsupported operator %q", g.Operator))
		return out
	}
	if len(g.Conditions) == 0 {
		out.problems = append(out.problems, "no conditions")
		return out
	}

	total := scoreZero
	matchedWeight := scoreZero
	matchedCount := 0
	for _, cond := range g.Conditions {
		w := cond.EffectiveWeight()
		total = total.Add(w)

		res := c.conditions.Evaluate(cond, tx)
		if res.Reason != "" {
			out.problems = append(out.problems, fmt.Sprintf("%s: %s", cond.Field, res.Reason))
		}
		if res.Matched {
			matchedCount++
			matchedWeight = matchedWeight.Add(w)
			out.matched = append(out.matched, fmt.Sprintf("%s %s %s", cond.Field, cond.Operator, cond.Value))
		}
	}

	raw := scoreZero
	switch op {
	case domain.LogicalAnd:
		out.triggered = matchedCount == len(g.Conditions)
		if out.triggered {
			raw = matchedWeight.Div(total)
		}
	case domain.LogicalOr:
		out.triggered = matchedCount > 0
		raw = matchedWeight.Div(total)
	}

	out.score = raw.Mul(out.weight)
	return out
}

func describe(outcomes []groupOutcome, op domain.LogicalOperator, triggered bool) string {
	var matched, problems []string
	for _, o := range outcomes {
		if o.triggered {
			matched = append(matched, fmt.Sprintf("%s[%s]", o.id, strings.Join(o.matched, ", ")))
		}
		for _, p := range o.problems {
			problems = append(problems, fmt.Sprintf("%s: %s", o.id, p))
		}
	}

	var b strings.Builder
	switch {
	case len(matched) == 0:
		b.WriteString("no condition groups matched")
	case triggered:
		fmt.Fprintf(&b, "matched groups (%s): %s", op, strings.Join(matched, "; "))
	default:
		fmt.Fprintf(&b, "partial match, %s requires all groups: %s", op, strings.Join(matched, "; "))
	}
	if len(problems) > 0 {
		fmt.Fprintf(&b, " (skipped %s)", strings.Join(problems, "; "))
	}
	return b.String()
}

// normalizeLogical maps an operator to AND/OR; empty means AND.
func normalizeLogical(op domain.LogicalOperator) (domain.LogicalOperator, bool) {
	switch domain.LogicalOperator(strings.ToUpper(strings.TrimSpace(string(op)))) {
	case "", domain.LogicalAnd:
		return domain.LogicalAnd, true
	case domain.LogicalOr:
		return domain.LogicalOr, true
	default:
		return "", false
	}
}

func clip(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}
