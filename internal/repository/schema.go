package repository

import "fmt"

// Schema definitions for the Kestrel database.
// Decimals are stored as TEXT so scores and thresholds round-trip exactly.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    amount TEXT NOT NULL,
    currency TEXT,
    timestamp TIMESTAMP NOT NULL,
    ip_address TEXT,
    device_id TEXT,
    country TEXT,
    merchant TEXT,
    payment_method TEXT,
    status TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, timestamp);
`

// fraud_rules differs between drivers only in how the surrogate key is generated.
const schemaFraudRulesFmt = `
CREATE TABLE IF NOT EXISTS fraud_rules (
    id %s,
    name TEXT NOT NULL,
    description TEXT,
    type TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    priority INTEGER NOT NULL DEFAULT 0,
    risk_weight TEXT,
    threshold_value TEXT,
    condition_field TEXT,
    condition_operator TEXT,
    condition_value TEXT,
    rule_config TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fraud_rules_enabled ON fraud_rules(enabled, priority);
`

const schemaDetectionResults = `
CREATE TABLE IF NOT EXISTS detection_results (
    id TEXT PRIMARY KEY,
    transaction_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    is_fraudulent INTEGER NOT NULL,
    risk_score TEXT NOT NULL,
    risk_level TEXT NOT NULL,
    reason TEXT NOT NULL,
    detection_time TIMESTAMP NOT NULL,
    processing_time_ns BIGINT NOT NULL,
    rule_set_version BIGINT NOT NULL DEFAULT 0,
    rule_results TEXT NOT NULL,
    triggered_rules TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_detection_results_tx ON detection_results(transaction_id, detection_time);
CREATE INDEX IF NOT EXISTS idx_detection_results_fraud ON detection_results(is_fraudulent, detection_time);
`

// AllSchemas returns all schema statements for driver in order.
func AllSchemas(driver string) []string {
	key := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if isPostgres(driver) {
		key = "BIGSERIAL PRIMARY KEY"
	}
	return []string{
		schemaTransactions,
		fmt.Sprintf(schemaFraudRulesFmt, key),
		schemaDetectionResults,
	}
}

func isPostgres(driver string) bool {
	return driver == "postgres" || driver == "pgx"
}
