package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RiskLevel is the severity bucket derived from the aggregate risk score.
type RiskLevel string

const (
	RiskLevelCritical RiskLevel = "CRITICAL"
	RiskLevelHigh     RiskLevel = "HIGH"
	RiskLevelMedium   RiskLevel = "MEDIUM"
	RiskLevelLow      RiskLevel = "LOW"
)

// RuleEvaluationResult is the outcome of one rule against one transaction.
type RuleEvaluationResult struct {
	RuleID         int64           `json:"ruleId"`
	RuleName       string          `json:"ruleName"`
	RuleType       RuleType        `json:"ruleType"`
	Triggered      bool            `json:"triggered"`
	RiskScore      decimal.Decimal `json:"riskScore"`
	RiskWeight     decimal.Decimal `json:"riskWeight"`
	Reason         string          `json:"reason"`
	ActualValue    string          `json:"actualValue,omitempty"`
	ThresholdValue string          `json:"thresholdValue,omitempty"`

	// Error marks a result degraded by a configuration, evaluator,
	// dependency or timeout failure.
	Error bool `json:"error,omitempty"`

	DurationMs int64 `json:"durationMs"`
}

// Contribution is the weighted share this result adds to the aggregate score.
func (r RuleEvaluationResult) Contribution() decimal.Decimal {
	if !r.Triggered {
		return decimal.Zero
	}
	return r.RiskScore.Mul(r.RiskWeight)
}

// FraudDetectionResult is the final verdict for a transaction.
type FraudDetectionResult struct {
	ID             string                 `json:"id"`
	TransactionID  string                 `json:"transactionId"`
	UserID         string                 `json:"userId"`
	IsFraudulent   bool                   `json:"isFraudulent"`
	RiskScore      decimal.Decimal        `json:"riskScore"`
	RiskLevel      RiskLevel              `json:"riskLevel"`
	Reason         string                 `json:"reason"`
	DetectionTime  time.Time              `json:"detectionTime"`
	ProcessingTime time.Duration          `json:"processingTime"`
	RuleResults    []RuleEvaluationResult `json:"ruleResults"`
	TriggeredRules []RuleEvaluationResult `json:"triggeredRules"`
	RuleSetVersion int64                  `json:"ruleSetVersion"`
}

// AlertTypeFraudDetected is the alert type published for fraudulent verdicts.
const AlertTypeFraudDetected = "FRAUD_DETECTED"

// Alert is the payload handed to the alert sink for a fraudulent verdict.
type Alert struct {
	AlertID            string          `json:"alertId"`
	Timestamp          time.Time       `json:"timestamp"`
	AlertType          string          `json:"alertType"`
	Severity           RiskLevel       `json:"severity"`
	TransactionID      string          `json:"transactionId"`
	UserID             string          `json:"userId"`
	RiskScore          decimal.Decimal `json:"riskScore"`
	Reason             string          `json:"reason"`
	DetectionTimestamp time.Time       `json:"detectionTimestamp"`
	ProcessingTimeMs   int64           `json:"processingTime"`
}
