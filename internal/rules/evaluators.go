package rules

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/velocity"
	"github.com/shopspring/decimal"
)

// ErrMisconfigured marks a rule whose parameters cannot be evaluated.
var ErrMisconfigured = errors.New("rule misconfigured")

// Evaluator evaluates one rule type. A returned error degrades only that
// rule to a non-triggered result carrying the error as its reason.
type Evaluator interface {
	Evaluate(ctx context.Context, rule *domain.FraudRule, tx *domain.Transaction) (domain.RuleEvaluationResult, error)
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc func(ctx context.Context, rule *domain.FraudRule, tx *domain.Transaction) (domain.RuleEvaluationResult, error)

// Evaluate calls f.
func (f EvaluatorFunc) Evaluate(ctx context.Context, rule *domain.FraudRule, tx *domain.Transaction) (domain.RuleEvaluationResult, error) {
	return f(ctx, rule, tx)
}

// AMOUNT

type amountEvaluator struct{}

func (amountEvaluator) Evaluate(ctx context.Context, rule *domain.FraudRule, tx *domain.Transaction) (domain.RuleEvaluationResult, error) {
	threshold, err := requireThreshold(rule)
	if err != nil {
		return domain.RuleEvaluationResult{}, err
	}

	res := domain.RuleEvaluationResult{
		ActualValue:    tx.Amount.String(),
		ThresholdValue: threshold.String(),
	}
	if tx.Amount.GreaterThan(threshold) {
		res.Triggered = true
		res.RiskScore = ratio(tx.Amount, threshold)
		res.Reason = fmt.Sprintf("amount %s exceeds threshold %s", tx.Amount, threshold)
	} else {
		res.Reason = fmt.Sprintf("amount %s within threshold %s", tx.Amount, threshold)
	}
	return res, nil
}

// FREQUENCY

type frequencyEvaluator struct {
	tracker       *velocity.Tracker
	defaultWindow time.Duration
	now           func() time.Time
}

func (e *frequencyEvaluator) Evaluate(ctx context.Context, rule *domain.FraudRule, tx *domain.Transaction) (domain.RuleEvaluationResult, error) {
	threshold, err := requireThreshold(rule)
	if err != nil {
		return domain.RuleEvaluationResult{}, err
	}
	if e.tracker == nil {
		return domain.RuleEvaluationResult{}, errors.New("frequency store unavailable")
	}

	window := e.defaultWindow
	if rule.RuleConfig != nil && rule.RuleConfig.WindowSeconds > 0 {
		window = time.Duration(rule.RuleConfig.WindowSeconds) * time.Second
	}

	at := tx.Timestamp
	if at.IsZero() {
		at = e.now()
	}

	count, err := e.tracker.RecordAndCount(ctx, tx.UserID, tx.ID, at, window)
	if err != nil {
		return domain.RuleEvaluationResult{}, fmt.Errorf("frequency store unavailable: %w", err)
	}

	countDec := decimal.NewFromInt(count)
	res := domain.RuleEvaluationResult{
		ActualValue:    countDec.String(),
		ThresholdValue: threshold.String(),
	}
	if countDec.GreaterThan(threshold) {
		res.Triggered = true
		res.RiskScore = ratio(countDec, threshold)
		res.Reason = fmt.Sprintf("%d transactions in %s exceeds limit %s", count, window, threshold)
	} else {
		res.Reason = fmt.Sprintf("%d transactions in %s within limit %s", count, window, threshold)
	}
	return res, nil
}

// TIME_OF_DAY

type timeOfDayEvaluator struct {
	defaultRange domain.TimeRange
	score        decimal.Decimal
	loc          *time.Location
	now          func() time.Time
}

func (e *timeOfDayEvaluator) Evaluate(ctx context.Context, rule *domain.FraudRule, tx *domain.Transaction) (domain.RuleEvaluationResult, error) {
	window := e.defaultRange
	raw := ""
	if rule.RuleConfig != nil && rule.RuleConfig.TimeRange != "" {
		raw = rule.RuleConfig.TimeRange
	} else if rule.ConditionValue != "" {
		raw = rule.ConditionValue
	}
	if raw != "" {
		r, err := domain.ParseTimeRange(raw)
		if err != nil {
			return domain.RuleEvaluationResult{}, fmt.Errorf("%w: %v", ErrMisconfigured, err)
		}
		window = r
	}

	at := tx.Timestamp
	if at.IsZero() {
		at = e.now()
	}
	if e.loc != nil {
		at = at.In(e.loc)
	}

	res := domain.RuleEvaluationResult{
		ActualValue:    at.Format("15:04"),
		ThresholdValue: window.String(),
	}
	if window.Contains(at) {
		res.Triggered = true
		res.RiskScore = fixedScore(rule, e.score)
		res.Reason = fmt.Sprintf("transaction at %s falls in suspicious window %s", res.ActualValue, window)
	} else {
		res.Reason = fmt.Sprintf("transaction at %s outside suspicious window %s", res.ActualValue, window)
	}
	return res, nil
}

// IP_BLACKLIST

type ipBlacklistEvaluator struct {
	score decimal.Decimal
}

func (e *ipBlacklistEvaluator) Evaluate(ctx context.Context, rule *domain.FraudRule, tx *domain.Transaction) (domain.RuleEvaluationResult, error) {
	var entries []string
	if rule.RuleConfig != nil {
		entries = append(entries, rule.RuleConfig.Blacklist...)
	}
	if rule.ConditionValue != "" {
		entries = append(entries, strings.Split(rule.ConditionValue, ",")...)
	}

	list := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry = strings.TrimSpace(entry); entry != "" {
			list = append(list, entry)
		}
	}
	if len(list) == 0 {
		return domain.RuleEvaluationResult{}, fmt.Errorf("%w: blacklist is empty", ErrMisconfigured)
	}

	ip := strings.TrimSpace(tx.IPAddress)
	res := domain.RuleEvaluationResult{
		ActualValue:    ip,
		ThresholdValue: fmt.Sprintf("%d entries", len(list)),
	}
	if ip == "" {
		res.Reason = "transaction has no ip address"
		return res, nil
	}

	if entry, ok := matchIP(ip, list); ok {
		res.Triggered = true
		res.RiskScore = fixedScore(rule, e.score)
		if entry == ip {
			res.Reason = fmt.Sprintf("ip address %s is blacklisted", ip)
		} else {
			res.Reason = fmt.Sprintf("ip address %s is blacklisted by %s", ip, entry)
		}
		return res, nil
	}

	res.Reason = fmt.Sprintf("ip address %s not blacklisted", ip)
	return res, nil
}

// matchIP matches exact entries and CIDR prefixes.
func matchIP(ip string, list []string) (string, bool) {
	addr, addrErr := netip.ParseAddr(ip)
	for _, entry := range list {
		if entry == ip {
			return entry, true
		}
		if addrErr != nil || !strings.Contains(entry, "/") {
			continue
		}
		if prefix, err := netip.ParsePrefix(entry); err == nil && prefix.Contains(addr) {
			return entry, true
		}
	}
	return "", false
}

// MULTI_CONDITION

type multiConditionEvaluator struct {
	composer *Composer
}

func (e *multiConditionEvaluator) Evaluate(ctx context.Context, rule *domain.FraudRule, tx *domain.Transaction) (domain.RuleEvaluationResult, error) {
	if rule.RuleConfig == nil || len(rule.RuleConfig.Groups) == 0 {
		return domain.RuleEvaluationResult{}, fmt.Errorf("%w: ruleConfig.groups is required", ErrMisconfigured)
	}
	return e.composer.Evaluate(rule.RuleConfig.Groups, rule.RuleConfig.GroupOperator, tx), nil
}

// CUSTOM

type customEvaluator struct {
	extensions map[string]Evaluator
	cel        *CELEvaluator
}

func (e *customEvaluator) Evaluate(ctx context.Context, rule *domain.FraudRule, tx *domain.Transaction) (domain.RuleEvaluationResult, error) {
	if ext, ok := e.extensions[rule.Name]; ok {
		return ext.Evaluate(ctx, rule, tx)
	}
	if e.cel != nil && rule.RuleConfig != nil && rule.RuleConfig.Expression != "" {
		return e.cel.Evaluate(ctx, rule, tx)
	}
	return domain.RuleEvaluationResult{Reason: "not implemented"}, nil
}

// Unknown types

type unsupportedEvaluator struct{}

func (unsupportedEvaluator) Evaluate(ctx context.Context, rule *domain.FraudRule, tx *domain.Transaction) (domain.RuleEvaluationResult, error) {
	return domain.RuleEvaluationResult{Reason: fmt.Sprintf("unsupported rule type %q", rule.Type)}, nil
}

func requireThreshold(rule *domain.FraudRule) (decimal.Decimal, error) {
	if rule.ThresholdValue == nil {
		return decimal.Zero, fmt.Errorf("%w: thresholdValue is required for %s rules", ErrMisconfigured, rule.Type)
	}
	if !rule.ThresholdValue.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: thresholdValue must be positive", ErrMisconfigured)
	}
	return *rule.ThresholdValue, nil
}

// ratio returns min(v/threshold, 1).
func ratio(v, threshold decimal.Decimal) decimal.Decimal {
	return decimal.Min(v.Div(threshold), scoreOne)
}

func fixedScore(rule *domain.FraudRule, def decimal.Decimal) decimal.Decimal {
	if rule.RuleConfig != nil && rule.RuleConfig.Score != nil {
		return clip(*rule.RuleConfig.Score, scoreZero, scoreOne)
	}
	return def
}
