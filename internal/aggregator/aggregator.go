// Package aggregator folds per-rule outcomes into the final fraud verdict.
package aggregator

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// NoRulesTriggered is the verdict reason when nothing fired.
const NoRulesTriggered = "no rules triggered"

// Aggregator combines rule results and produces a FraudDetectionResult.
type Aggregator struct {
	// Verdict cut-off: aggregate >= FraudThreshold is fraudulent
	FraudThreshold decimal.Decimal

	// Aggregate score bounds
	MinRiskScore decimal.Decimal
	MaxRiskScore decimal.Decimal

	// Risk level cut-offs
	CriticalThreshold decimal.Decimal
	HighThreshold     decimal.Decimal
	MediumThreshold   decimal.Decimal

	now func() time.Time
}

// New creates an aggregator from configuration.
func New(cfg domain.AggregatorConfig) *Aggregator {
	return &Aggregator{
		FraudThreshold:    decimal.NewFromFloat(cfg.FraudThreshold),
		MinRiskScore:      decimal.NewFromFloat(cfg.MinRiskScore),
		MaxRiskScore:      decimal.NewFromFloat(cfg.MaxRiskScore),
		CriticalThreshold: decimal.NewFromFloat(cfg.CriticalThreshold),
		HighThreshold:     decimal.NewFromFloat(cfg.HighThreshold),
		MediumThreshold:   decimal.NewFromFloat(cfg.MediumThreshold),
		now:               time.Now,
	}
}

// NewDefault creates an aggregator with the default thresholds.
func NewDefault() *Aggregator {
	return New(domain.DefaultConfig().Aggregator)
}

// Input contains all data needed for a verdict.
type Input struct {
	Transaction    *domain.Transaction
	RuleResults    []domain.RuleEvaluationResult
	RuleSetVersion int64

	// StartTime marks when dispatch began; ProcessingTime is measured from it.
	StartTime time.Time
}

// Aggregate produces the verdict for one transaction. It always returns a
// result, whatever the rule outcomes.
func (a *Aggregator) Aggregate(input *Input) *domain.FraudDetectionResult {
	now := a.now()

	result := &domain.FraudDetectionResult{
		ID:             uuid.New().String(),
		DetectionTime:  now.UTC(),
		RuleResults:    input.RuleResults,
		TriggeredRules: []domain.RuleEvaluationResult{},
		RuleSetVersion: input.RuleSetVersion,
	}
	if result.RuleResults == nil {
		result.RuleResults = []domain.RuleEvaluationResult{}
	}
	if input.Transaction != nil {
		result.TransactionID = input.Transaction.ID
		result.UserID = input.Transaction.UserID
	}

	sum := decimal.Zero
	for _, r := range input.RuleResults {
		if !r.Triggered {
			continue
		}
		sum = sum.Add(r.Contribution())
		result.TriggeredRules = append(result.TriggeredRules, r)
	}

	result.RiskScore = a.clip(sum)
	result.IsFraudulent = result.RiskScore.GreaterThanOrEqual(a.FraudThreshold)
	result.RiskLevel = a.Level(result.RiskScore, result.IsFraudulent)
	result.Reason = Reason(result.TriggeredRules)

	if !input.StartTime.IsZero() {
		result.ProcessingTime = now.Sub(input.StartTime)
	}

	return result
}

// Level maps a score to its risk level. A fraudulent verdict is never
// reported below MEDIUM.
func (a *Aggregator) Level(score decimal.Decimal, fraudulent bool) domain.RiskLevel {
	switch {
	case score.GreaterThanOrEqual(a.CriticalThreshold):
		return domain.RiskLevelCritical
	case score.GreaterThanOrEqual(a.HighThreshold):
		return domain.RiskLevelHigh
	case score.GreaterThanOrEqual(a.MediumThreshold), fraudulent:
		return domain.RiskLevelMedium
	default:
		return domain.RiskLevelLow
	}
}

func (a *Aggregator) clip(v decimal.Decimal) decimal.Decimal {
	if v.LessThan(a.MinRiskScore) {
		return a.MinRiskScore
	}
	if v.GreaterThan(a.MaxRiskScore) {
		return a.MaxRiskScore
	}
	return v
}

// Reason joins the triggered rules' reasons, highest score first.
func Reason(triggered []domain.RuleEvaluationResult) string {
	if len(triggered) == 0 {
		return NoRulesTriggered
	}

	ordered := make([]domain.RuleEvaluationResult, len(triggered))
	copy(ordered, triggered)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].RiskScore.GreaterThan(ordered[j].RiskScore)
	})

	reasons := make([]string, 0, len(ordered))
	for _, r := range ordered {
		if r.Reason == "" {
			continue
		}
		reasons = append(reasons, r.RuleName+": "+r.Reason)
	}
	if len(reasons) == 0 {
		return NoRulesTriggered
	}
	return strings.Join(reasons, "; ")
}

// ShouldAlert returns true if the verdict must be sent to the alert sink.
func ShouldAlert(result *domain.FraudDetectionResult) bool {
	return result != nil && result.IsFraudulent
}
