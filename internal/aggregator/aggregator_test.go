package aggregator

import (
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func triggered(name, score, weight, reason string) domain.RuleEvaluationResult {
	return domain.RuleEvaluationResult{
		RuleName:   name,
		Triggered:  true,
		RiskScore:  d(score),
		RiskWeight: d(weight),
		Reason:     reason,
	}
}

func passed(name string) domain.RuleEvaluationResult {
	return domain.RuleEvaluationResult{
		RuleName:   name,
		RiskScore:  decimal.Zero,
		RiskWeight: d("0.5"),
		Reason:     "within limits",
	}
}

func testTx() *domain.Transaction {
	return &domain.Transaction{ID: "tx-001", UserID: "user-1", Amount: d("5000")}
}

func TestAggregate(t *testing.T) {
	agg := NewDefault()

	t.Run("NothingTriggered", func(t *testing.T) {
		res := agg.Aggregate(&Input{
			Transaction: testTx(),
			RuleResults: []domain.RuleEvaluationResult{passed("a"), passed("b")},
			StartTime:   time.Now(),
		})

		if res.IsFraudulent {
			t.Error("expected non-fraudulent verdict")
		}
		if !res.RiskScore.IsZero() {
			t.Errorf("expected score 0, got %s", res.RiskScore)
		}
		if res.RiskLevel != domain.RiskLevelLow {
			t.Errorf("expected LOW, got %s", res.RiskLevel)
		}
		if res.Reason != NoRulesTriggered {
			t.Errorf("expected %q, got %q", NoRulesTriggered, res.Reason)
		}
		if len(res.RuleResults) != 2 {
			t.Errorf("expected all rule results retained, got %d", len(res.RuleResults))
		}
		if len(res.TriggeredRules) != 0 {
			t.Errorf("expected no triggered rules, got %d", len(res.TriggeredRules))
		}
		if res.TransactionID != "tx-001" || res.UserID != "user-1" {
			t.Errorf("unexpected ids %q/%q", res.TransactionID, res.UserID)
		}
		if res.ID == "" {
			t.Error("expected a surrogate id")
		}
	})

	t.Run("SingleAmountRuleAtThreshold", func(t *testing.T) {
		res := agg.Aggregate(&Input{
			Transaction: testTx(),
			RuleResults: []domain.RuleEvaluationResult{
				triggered("large-amount", "1", "0.3", "amount 5000 exceeds threshold 1000"),
			},
			StartTime: time.Now(),
		})

		if !res.RiskScore.Equal(d("0.3")) {
			t.Errorf("expected score 0.3, got %s", res.RiskScore)
		}
		if !res.IsFraudulent {
			t.Error("expected fraudulent verdict at the threshold")
		}
		if res.RiskLevel != domain.RiskLevelMedium {
			t.Errorf("expected MEDIUM, got %s", res.RiskLevel)
		}
	})

	t.Run("WeightedSum", func(t *testing.T) {
		res := agg.Aggregate(&Input{
			Transaction: testTx(),
			RuleResults: []domain.RuleEvaluationResult{
				triggered("ip", "0.8", "0.5", "ip 10.0.0.1 is blacklisted"),
				passed("velocity"),
				triggered("night", "0.3", "0.5", "late night"),
			},
		})

		// 0.8*0.5 + 0.3*0.5
		if !res.RiskScore.Equal(d("0.55")) {
			t.Errorf("expected score 0.55, got %s", res.RiskScore)
		}
		if res.RiskLevel != domain.RiskLevelMedium {
			t.Errorf("expected MEDIUM, got %s", res.RiskLevel)
		}
		if len(res.TriggeredRules) != 2 {
			t.Errorf("expected 2 triggered rules, got %d", len(res.TriggeredRules))
		}
	})

	t.Run("ClippedToMax", func(t *testing.T) {
		var results []domain.RuleEvaluationResult
		for i := 0; i < 10; i++ {
			results = append(results, triggered("r", "1", "1", "fired"))
		}
		res := agg.Aggregate(&Input{Transaction: testTx(), RuleResults: results})

		if !res.RiskScore.Equal(d("1")) {
			t.Errorf("expected score clipped to 1, got %s", res.RiskScore)
		}
		if res.RiskLevel != domain.RiskLevelCritical {
			t.Errorf("expected CRITICAL, got %s", res.RiskLevel)
		}
	})

	t.Run("ErroredRulesDoNotContribute", func(t *testing.T) {
		res := agg.Aggregate(&Input{
			Transaction: testTx(),
			RuleResults: []domain.RuleEvaluationResult{
				{RuleName: "velocity", Error: true, Reason: "frequency store unavailable", RiskWeight: d("1")},
			},
		})
		if res.IsFraudulent || !res.RiskScore.IsZero() {
			t.Errorf("expected clean verdict, got score %s", res.RiskScore)
		}
	})

	t.Run("NoResults", func(t *testing.T) {
		res := agg.Aggregate(&Input{Transaction: testTx()})
		if res.RuleResults == nil {
			t.Error("expected empty, non-nil rule results")
		}
		if res.RiskLevel != domain.RiskLevelLow {
			t.Errorf("expected LOW, got %s", res.RiskLevel)
		}
	})
}

func TestAggregateClipBounds(t *testing.T) {
	cfg := domain.DefaultConfig().Aggregator
	cfg.MinRiskScore = 0.1
	cfg.MaxRiskScore = 0.9
	agg := New(cfg)

	low := agg.Aggregate(&Input{Transaction: testTx()})
	if !low.RiskScore.Equal(d("0.1")) {
		t.Errorf("expected score raised to 0.1, got %s", low.RiskScore)
	}

	high := agg.Aggregate(&Input{
		Transaction: testTx(),
		RuleResults: []domain.RuleEvaluationResult{triggered("a", "1", "1", "x"), triggered("b", "1", "1", "y")},
	})
	if !high.RiskScore.Equal(d("0.9")) {
		t.Errorf("expected score capped at 0.9, got %s", high.RiskScore)
	}
}

func TestLevel(t *testing.T) {
	agg := NewDefault()

	tests := []struct {
		score      string
		fraudulent bool
		want       domain.RiskLevel
	}{
		{"0.95", true, domain.RiskLevelCritical},
		{"0.8", true, domain.RiskLevelCritical},
		{"0.79", true, domain.RiskLevelHigh},
		{"0.6", true, domain.RiskLevelHigh},
		{"0.4", true, domain.RiskLevelMedium},
		{"0.35", true, domain.RiskLevelMedium},
		{"0.39", false, domain.RiskLevelLow},
		{"0", false, domain.RiskLevelLow},
	}

	for _, tt := range tests {
		if got := agg.Level(d(tt.score), tt.fraudulent); got != tt.want {
			t.Errorf("Level(%s, %v) = %s, want %s", tt.score, tt.fraudulent, got, tt.want)
		}
	}
}

func TestReasonOrdering(t *testing.T) {
	reason := Reason([]domain.RuleEvaluationResult{
		triggered("night", "0.3", "1", "late night"),
		triggered("ip", "0.8", "1", "ip 10.0.0.1 is blacklisted"),
		triggered("amount", "0.5", "1", "amount over limit"),
	})

	want := "ip: ip 10.0.0.1 is blacklisted; amount: amount over limit; night: late night"
	if reason != want {
		t.Errorf("expected %q, got %q", want, reason)
	}
	if !strings.HasPrefix(reason, "ip:") {
		t.Error("highest score must come first")
	}
}

func TestProcessingTime(t *testing.T) {
	agg := NewDefault()
	fixed := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	agg.now = func() time.Time { return fixed }

	res := agg.Aggregate(&Input{Transaction: testTx(), StartTime: fixed.Add(-42 * time.Millisecond)})
	if res.ProcessingTime != 42*time.Millisecond {
		t.Errorf("expected 42ms, got %s", res.ProcessingTime)
	}
	if !res.DetectionTime.Equal(fixed) {
		t.Errorf("expected detection time %s, got %s", fixed, res.DetectionTime)
	}
}

func TestShouldAlert(t *testing.T) {
	if ShouldAlert(nil) {
		t.Error("nil result must not alert")
	}
	if !ShouldAlert(&domain.FraudDetectionResult{IsFraudulent: true}) {
		t.Error("fraudulent result must alert")
	}
}
