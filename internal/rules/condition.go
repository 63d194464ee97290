package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// ConditionOutcome is the result of one atomic predicate.
type ConditionOutcome struct {
	Matched bool
	Actual  string
	// Reason is set when the condition could not be evaluated.
	Reason string
}

// ConditionEvaluator evaluates a single condition against a transaction.
type ConditionEvaluator struct {
	loc *time.Location
}

// NewConditionEvaluator creates an evaluator. A nil location keeps each
// transaction timestamp in its own location for time-of-day checks.
func NewConditionEvaluator(loc *time.Location) *ConditionEvaluator {
	return &ConditionEvaluator{loc: loc}
}

type fieldValue struct {
	value   string
	present bool
	numeric bool
}

// Evaluate applies cond to tx. It never fails: anything that cannot be
// evaluated is reported as not matched with a reason.
func (e *ConditionEvaluator) Evaluate(cond domain.Condition, tx *domain.Transaction) ConditionOutcome {
	fv, ok := e.resolve(cond.Field, tx)
	if !ok {
		return ConditionOutcome{Reason: fmt.Sprintf("unknown field %q", cond.Field)}
	}

	switch domain.Operator(strings.ToUpper(string(cond.Operator))) {
	case domain.OpGT, domain.OpLT, domain.OpGTE, domain.OpLTE, domain.OpEQ, domain.OpNE:
		return e.compare(cond, fv)

	case domain.OpIn:
		return ConditionOutcome{Matched: inSet(fv.value, cond.Value), Actual: fv.value}

	case domain.OpNotIn:
		return ConditionOutcome{Matched: !inSet(fv.value, cond.Value), Actual: fv.value}

	case domain.OpContains:
		return ConditionOutcome{Matched: strings.Contains(fv.value, cond.Value), Actual: fv.value}

	case domain.OpTimeInRange, domain.OpTimeNotInRange:
		return e.timeRange(cond, tx)

	case domain.OpIsNull:
		return ConditionOutcome{Matched: !fv.present, Actual: fv.value}

	case domain.OpIsNotNull:
		return ConditionOutcome{Matched: fv.present, Actual: fv.value}

	default:
		return ConditionOutcome{Actual: fv.value, Reason: "unsupported operator"}
	}
}

func (e *ConditionEvaluator) compare(cond domain.Condition, fv fieldValue) ConditionOutcome {
	out := ConditionOutcome{Actual: fv.value}
	threshold := strings.TrimSpace(cond.Value)

	var cmp int
	thresholdNum, thresholdErr := decimal.NewFromString(threshold)
	actualNum, actualErr := decimal.NewFromString(fv.value)

	switch {
	case fv.numeric && thresholdErr != nil:
		out.Reason = "invalid threshold"
		return out
	case fv.numeric && !fv.present:
		out.Reason = fmt.Sprintf("field %q has no value", cond.Field)
		return out
	case thresholdErr == nil && actualErr == nil:
		cmp = actualNum.Cmp(thresholdNum)
	default:
		cmp = strings.Compare(fv.value, threshold)
	}

	switch domain.Operator(strings.ToUpper(string(cond.Operator))) {
	case domain.OpGT:
		out.Matched = cmp > 0
	case domain.OpLT:
		out.Matched = cmp < 0
	case domain.OpGTE:
		out.Matched = cmp >= 0
	case domain.OpLTE:
		out.Matched = cmp <= 0
	case domain.OpEQ:
		out.Matched = cmp == 0
	case domain.OpNE:
		out.Matched = cmp != 0
	}
	return out
}

func (e *ConditionEvaluator) timeRange(cond domain.Condition, tx *domain.Transaction) ConditionOutcome {
	if tx.Timestamp.IsZero() {
		return ConditionOutcome{Reason: "transaction has no timestamp"}
	}
	r, err := domain.ParseTimeRange(cond.Value)
	if err != nil {
		return ConditionOutcome{Reason: "invalid time range"}
	}

	local := e.localTime(tx.Timestamp)
	in := r.Contains(local)
	if domain.Operator(strings.ToUpper(string(cond.Operator))) == domain.OpTimeNotInRange {
		in = !in
	}
	return ConditionOutcome{Matched: in, Actual: local.Format("15:04")}
}

func (e *ConditionEvaluator) localTime(t time.Time) time.Time {
	if e.loc != nil {
		return t.In(e.loc)
	}
	return t
}

// resolve maps a field name to its value on tx. Names are matched
// case-insensitively with '_' and '-' ignored.
func (e *ConditionEvaluator) resolve(field string, tx *domain.Transaction) (fieldValue, bool) {
	name := strings.NewReplacer("_", "", "-", "").Replace(strings.ToLower(strings.TrimSpace(field)))

	str := func(v string) (fieldValue, bool) {
		return fieldValue{value: v, present: v != ""}, true
	}

	switch name {
	case "transactionid", "id", "txid":
		return str(tx.ID)
	case "userid":
		return str(tx.UserID)
	case "amount":
		return fieldValue{value: tx.Amount.String(), present: true, numeric: true}, true
	case "currency":
		return str(tx.Currency)
	case "ipaddress", "ip":
		return str(tx.IPAddress)
	case "deviceid":
		return str(tx.DeviceID)
	case "country":
		return str(tx.Country)
	case "merchant":
		return str(tx.Merchant)
	case "paymentmethod":
		return str(tx.PaymentMethod)
	case "status":
		return str(tx.Status)
	case "timestamp", "time":
		if tx.Timestamp.IsZero() {
			return fieldValue{}, true
		}
		return fieldValue{value: e.localTime(tx.Timestamp).Format(time.RFC3339), present: true}, true
	case "hour":
		if tx.Timestamp.IsZero() {
			return fieldValue{numeric: true}, true
		}
		return fieldValue{value: strconv.Itoa(e.localTime(tx.Timestamp).Hour()), present: true, numeric: true}, true
	default:
		return fieldValue{}, false
	}
}

// inSet reports whether v is one of the comma separated elements of set.
// Elements that parse as decimals compare numerically.
func inSet(v, set string) bool {
	vNum, vErr := decimal.NewFromString(v)
	for _, elem := range strings.Split(set, ",") {
		elem = strings.TrimSpace(elem)
		if elem == v {
			return true
		}
		if vErr == nil {
			if n, err := decimal.NewFromString(elem); err == nil && n.Equal(vNum) {
				return true
			}
		}
	}
	return false
}
