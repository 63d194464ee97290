package rules

import (
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func sampleTx() *domain.Transaction {
	return &domain.Transaction{
		ID:            "tx-001",
		UserID:        "user-42",
		Amount:        decimal.RequireFromString("250.75"),
		Currency:      "USD",
		Timestamp:     time.Date(2025, 3, 14, 23, 59, 0, 0, time.UTC),
		IPAddress:     "10.0.0.1",
		DeviceID:      "device-9",
		Country:       "NG",
		Merchant:      "acme-electronics",
		PaymentMethod: "CARD",
		Status:        "PENDING",
	}
}

func TestConditionComparisons(t *testing.T) {
	ev := NewConditionEvaluator(nil)
	tx := sampleTx()

	tests := []struct {
		name    string
		cond    domain.Condition
		matched bool
		reason  string
	}{
		{"amount gt", domain.Condition{Field: "amount", Operator: domain.OpGT, Value: "100"}, true, ""},
		{"amount lt", domain.Condition{Field: "amount", Operator: domain.OpLT, Value: "100"}, false, ""},
		{"amount gte equal", domain.Condition{Field: "amount", Operator: domain.OpGTE, Value: "250.75"}, true, ""},
		{"amount lte", domain.Condition{Field: "amount", Operator: domain.OpLTE, Value: "250.750"}, true, ""},
		{"amount eq numeric", domain.Condition{Field: "amount", Operator: domain.OpEQ, Value: "250.750"}, true, ""},
		{"amount ne", domain.Condition{Field: "amount", Operator: domain.OpNE, Value: "1"}, true, ""},
		{"currency eq", domain.Condition{Field: "currency", Operator: domain.OpEQ, Value: "USD"}, true, ""},
		{"currency lexical gt", domain.Condition{Field: "currency", Operator: domain.OpGT, Value: "EUR"}, true, ""},
		{"snake case field", domain.Condition{Field: "payment_method", Operator: domain.OpEQ, Value: "CARD"}, true, ""},
		{"camel case field", domain.Condition{Field: "paymentMethod", Operator: domain.OpEQ, Value: "CARD"}, true, ""},
		{"hour numeric", domain.Condition{Field: "hour", Operator: domain.OpGTE, Value: "22"}, true, ""},
		{"lowercase operator", domain.Condition{Field: "amount", Operator: "gt", Value: "100"}, true, ""},
		{"invalid numeric threshold", domain.Condition{Field: "amount", Operator: domain.OpGT, Value: "lots"}, false, "invalid threshold"},
		{"unknown field", domain.Condition{Field: "shoeSize", Operator: domain.OpEQ, Value: "9"}, false, `unknown field "shoeSize"`},
		{"unknown operator", domain.Condition{Field: "amount", Operator: "BETWEEN", Value: "1"}, false, "unsupported operator"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := ev.Evaluate(tt.cond, tx)
			assert.Equal(t, tt.matched, out.Matched)
			assert.Equal(t, tt.reason, out.Reason)
		})
	}
}

func TestConditionSetMembership(t *testing.T) {
	ev := NewConditionEvaluator(nil)
	tx := sampleTx()

	out := ev.Evaluate(domain.Condition{Field: "country", Operator: domain.OpIn, Value: "US, NG ,GB"}, tx)
	assert.True(t, out.Matched)
	assert.Equal(t, "NG", out.Actual)

	out = ev.Evaluate(domain.Condition{Field: "country", Operator: domain.OpNotIn, Value: "US,GB"}, tx)
	assert.True(t, out.Matched)

	out = ev.Evaluate(domain.Condition{Field: "amount", Operator: domain.OpIn, Value: "100, 250.750"}, tx)
	assert.True(t, out.Matched, "numeric set elements compare numerically")

	out = ev.Evaluate(domain.Condition{Field: "country", Operator: domain.OpIn, Value: "US,GB"}, tx)
	assert.False(t, out.Matched)
}

func TestConditionContainsIsCaseSensitive(t *testing.T) {
	ev := NewConditionEvaluator(nil)
	tx := sampleTx()

	assert.True(t, ev.Evaluate(domain.Condition{Field: "merchant", Operator: domain.OpContains, Value: "electronics"}, tx).Matched)
	assert.False(t, ev.Evaluate(domain.Condition{Field: "merchant", Operator: domain.OpContains, Value: "Electronics"}, tx).Matched)
}

func TestConditionTimeInRange(t *testing.T) {
	ev := NewConditionEvaluator(nil)

	at := func(h, m int) *domain.Transaction {
		tx := sampleTx()
		tx.Timestamp = time.Date(2025, 3, 14, h, m, 0, 0, time.UTC)
		return tx
	}

	cond := domain.Condition{Field: "timestamp", Operator: domain.OpTimeInRange, Value: "22:00-06:00"}

	assert.True(t, ev.Evaluate(cond, at(23, 59)).Matched)
	assert.True(t, ev.Evaluate(cond, at(0, 1)).Matched)
	assert.True(t, ev.Evaluate(cond, at(3, 0)).Matched)
	assert.False(t, ev.Evaluate(cond, at(12, 0)).Matched)

	notIn := domain.Condition{Field: "timestamp", Operator: domain.OpTimeNotInRange, Value: "22:00-06:00"}
	assert.True(t, ev.Evaluate(notIn, at(12, 0)).Matched)
	assert.False(t, ev.Evaluate(notIn, at(23, 0)).Matched)

	daytime := domain.Condition{Field: "timestamp", Operator: domain.OpTimeInRange, Value: "09:00-17:00"}
	assert.True(t, ev.Evaluate(daytime, at(12, 0)).Matched)
	assert.False(t, ev.Evaluate(daytime, at(18, 0)).Matched)

	bad := domain.Condition{Field: "timestamp", Operator: domain.OpTimeInRange, Value: "late"}
	out := ev.Evaluate(bad, at(23, 0))
	assert.False(t, out.Matched)
	assert.Equal(t, "invalid time range", out.Reason)
}

func TestConditionTimeUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	ev := NewConditionEvaluator(loc)

	tx := sampleTx()
	tx.Timestamp = time.Date(2025, 3, 14, 20, 30, 0, 0, time.UTC) // 23:30 local

	out := ev.Evaluate(domain.Condition{Field: "timestamp", Operator: domain.OpTimeInRange, Value: "22:00-06:00"}, tx)
	assert.True(t, out.Matched)
	assert.Equal(t, "23:30", out.Actual)
}

func TestConditionNullChecks(t *testing.T) {
	ev := NewConditionEvaluator(nil)
	tx := sampleTx()
	tx.DeviceID = ""

	assert.True(t, ev.Evaluate(domain.Condition{Field: "deviceId", Operator: domain.OpIsNull, Value: "ignored"}, tx).Matched)
	assert.False(t, ev.Evaluate(domain.Condition{Field: "deviceId", Operator: domain.OpIsNotNull}, tx).Matched)
	assert.True(t, ev.Evaluate(domain.Condition{Field: "ipAddress", Operator: domain.OpIsNotNull}, tx).Matched)
}
