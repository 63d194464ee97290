package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidRule is returned when a rule definition is rejected by the management API.
var ErrInvalidRule = errors.New("invalid rule")

// DefaultRiskWeight applies to rules that do not set a risk weight.
var DefaultRiskWeight = decimal.RequireFromString("0.2")

// RuleType selects the evaluator a rule is dispatched to.
type RuleType string

const (
	RuleTypeAmount         RuleType = "AMOUNT"
	RuleTypeFrequency      RuleType = "FREQUENCY"
	RuleTypeTimeOfDay      RuleType = "TIME_OF_DAY"
	RuleTypeIPBlacklist    RuleType = "IP_BLACKLIST"
	RuleTypeMultiCondition RuleType = "MULTI_CONDITION"
	RuleTypeCustom         RuleType = "CUSTOM"
)

// RuleTypes lists every rule type the engine knows how to dispatch.
var RuleTypes = []RuleType{
	RuleTypeAmount,
	RuleTypeFrequency,
	RuleTypeTimeOfDay,
	RuleTypeIPBlacklist,
	RuleTypeMultiCondition,
	RuleTypeCustom,
}

// Known reports whether t is one of RuleTypes.
func (t RuleType) Known() bool {
	for _, known := range RuleTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Operator is a condition comparison operator.
type Operator string

const (
	OpGT             Operator = "GT"
	OpLT             Operator = "LT"
	OpEQ             Operator = "EQ"
	OpNE             Operator = "NE"
	OpGTE            Operator = "GTE"
	OpLTE            Operator = "LTE"
	OpIn             Operator = "IN"
	OpNotIn          Operator = "NOT_IN"
	OpContains       Operator = "CONTAINS"
	OpTimeInRange    Operator = "TIME_IN_RANGE"
	OpTimeNotInRange Operator = "TIME_NOT_IN_RANGE"
	OpIsNull         Operator = "IS_NULL"
	OpIsNotNull      Operator = "IS_NOT_NULL"
)

// LogicalOperator combines conditions inside a group, or groups inside a rule.
type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "AND"
	LogicalOr  LogicalOperator = "OR"
)

// FraudRule defines a fraud detection rule.
type FraudRule struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Type        RuleType `json:"type"`
	Enabled     bool     `json:"enabled"`

	// Priority orders evaluation; lower runs first, ties broken by ID.
	Priority int `json:"priority"`

	// RiskWeight scales the rule's score into the aggregate. Nil means DefaultRiskWeight.
	RiskWeight *decimal.Decimal `json:"riskWeight,omitempty"`

	// ThresholdValue is required for AMOUNT and FREQUENCY rules.
	ThresholdValue *decimal.Decimal `json:"thresholdValue,omitempty"`

	// Single-condition parameters
	ConditionField    string   `json:"conditionField,omitempty"`
	ConditionOperator Operator `json:"conditionOperator,omitempty"`
	ConditionValue    string   `json:"conditionValue,omitempty"`

	RuleConfig *RuleConfig `json:"ruleConfig,omitempty"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// RuleConfig carries the structured, type specific part of a rule.
type RuleConfig struct {
	// MULTI_CONDITION
	Groups        []ConditionGroup `json:"groups,omitempty"`
	GroupOperator LogicalOperator  `json:"groupOperator,omitempty"`

	// FREQUENCY window override, in seconds.
	WindowSeconds int `json:"windowSeconds,omitempty"`

	// TIME_OF_DAY window override, "HH:MM-HH:MM".
	TimeRange string `json:"timeRange,omitempty"`

	// IP_BLACKLIST entries.
	Blacklist []string `json:"blacklist,omitempty"`

	// Score overrides the fixed score of TIME_OF_DAY and IP_BLACKLIST rules.
	Score *decimal.Decimal `json:"score,omitempty"`

	// Expression is the CEL program of a CUSTOM rule.
	Expression string `json:"expression,omitempty"`
}

// ConditionGroup is a weighted set of conditions joined by one logical operator.
type ConditionGroup struct {
	GroupID     string          `json:"groupId"`
	Conditions  []Condition     `json:"conditions"`
	Operator    LogicalOperator `json:"operator"`
	GroupWeight decimal.Decimal `json:"groupWeight"`
}

// Condition is an atomic predicate over one transaction field.
type Condition struct {
	Field    string          `json:"field"`
	Operator Operator        `json:"operator"`
	Value    string          `json:"value,omitempty"`
	Weight   decimal.Decimal `json:"weight"`
}

// EffectiveRiskWeight returns the configured risk weight or DefaultRiskWeight.
func (r *FraudRule) EffectiveRiskWeight() decimal.Decimal {
	if r.RiskWeight == nil {
		return DefaultRiskWeight
	}
	return *r.RiskWeight
}

// EffectiveWeight returns the group weight, 1.0 when unset.
func (g ConditionGroup) EffectiveWeight() decimal.Decimal {
	if !g.GroupWeight.IsPositive() {
		return decimal.NewFromInt(1)
	}
	return g.GroupWeight
}

// EffectiveWeight returns the condition weight, 1.0 when unset.
func (c Condition) EffectiveWeight() decimal.Decimal {
	if !c.Weight.IsPositive() {
		return decimal.NewFromInt(1)
	}
	return c.Weight
}

// Validate checks the invariants enforced when a rule is created or updated.
// Type specific parameters are checked at evaluation time so a bad rule only
// degrades itself.
func (r *FraudRule) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: rule is nil", ErrInvalidRule)
	}
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	if !r.Type.Known() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidRule, r.Type)
	}
	if r.RiskWeight != nil {
		if r.RiskWeight.IsNegative() || r.RiskWeight.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("%w: riskWeight must be within [0,1]", ErrInvalidRule)
		}
	}
	if (r.Type == RuleTypeAmount || r.Type == RuleTypeFrequency) && r.ThresholdValue == nil {
		return fmt.Errorf("%w: thresholdValue is required for %s rules", ErrInvalidRule, r.Type)
	}
	return nil
}
