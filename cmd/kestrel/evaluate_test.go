package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRules = `
rules:
  - id: 1
    name: large-amount
    type: AMOUNT
    riskWeight: 1
    thresholdValue: 1000
  - id: 2
    name: blocked-ip
    type: IP_BLACKLIST
    riskWeight: 0.5
    conditionValue: 203.0.113.0/24
`

func writeTestRules(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestEvaluateBatch(t *testing.T) {
	path := writeTestRules(t, testRules)
	input := `[
		{"transactionId": "tx-1", "userId": "u-1", "amount": "25.00", "ipAddress": "198.51.100.7"},
		{"transactionId": "tx-2", "userId": "u-1", "amount": "5000", "ipAddress": "203.0.113.9"}
	]`

	var out bytes.Buffer
	err := evaluateBatch(context.Background(), domain.DefaultConfig(), path, strings.NewReader(input), &out)
	require.NoError(t, err)

	var results []domain.FraudDetectionResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &results))
	require.Len(t, results, 2)

	assert.Equal(t, "tx-1", results[0].TransactionID)
	assert.False(t, results[0].IsFraudulent)
	assert.Empty(t, results[0].TriggeredRules)
	assert.Len(t, results[0].RuleResults, 2)

	assert.Equal(t, "tx-2", results[1].TransactionID)
	assert.True(t, results[1].IsFraudulent)
	assert.Len(t, results[1].TriggeredRules, 2)
	assert.NotEqual(t, domain.RiskLevelLow, results[1].RiskLevel)
}

func TestEvaluateSingleObject(t *testing.T) {
	path := writeTestRules(t, testRules)

	var out bytes.Buffer
	err := evaluateBatch(context.Background(), domain.DefaultConfig(), path,
		strings.NewReader(`{"transactionId": "tx-9", "userId": "u-9", "amount": 10}`), &out)
	require.NoError(t, err)

	var results []domain.FraudDetectionResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "tx-9", results[0].TransactionID)
}

func TestEvaluateBatchErrors(t *testing.T) {
	path := writeTestRules(t, testRules)
	cfg := domain.DefaultConfig()

	t.Run("EmptyInput", func(t *testing.T) {
		err := evaluateBatch(context.Background(), cfg, path, strings.NewReader("  "), &bytes.Buffer{})
		assert.ErrorIs(t, err, domain.ErrInvalidTransaction)
	})

	t.Run("MalformedJSON", func(t *testing.T) {
		err := evaluateBatch(context.Background(), cfg, path, strings.NewReader(`{"transactionId":`), &bytes.Buffer{})
		assert.ErrorIs(t, err, domain.ErrInvalidTransaction)
	})

	t.Run("MissingUser", func(t *testing.T) {
		err := evaluateBatch(context.Background(), cfg, path, strings.NewReader(`{"transactionId": "tx-1", "amount": 1}`), &bytes.Buffer{})
		assert.ErrorIs(t, err, domain.ErrInvalidTransaction)
	})

	t.Run("MissingRuleFile", func(t *testing.T) {
		missing := filepath.Join(t.TempDir(), "none.yaml")
		err := evaluateBatch(context.Background(), cfg, missing, strings.NewReader(`{"transactionId": "tx-1", "userId": "u", "amount": 1}`), &bytes.Buffer{})
		assert.Error(t, err)
	})
}

func TestValidateRules(t *testing.T) {
	cfg := domain.DefaultConfig()

	var out bytes.Buffer
	require.NoError(t, validateRules(cfg, []byte(testRules), &out))
	assert.Contains(t, out.String(), "large-amount")
	assert.Contains(t, out.String(), "2 rules OK (2 enabled)")

	bad := "- name: expr\n  type: CUSTOM\n  ruleConfig:\n    expression: \"amount >\"\n"
	err := validateRules(cfg, []byte(bad), &bytes.Buffer{})
	assert.ErrorIs(t, err, domain.ErrInvalidRule)
}
