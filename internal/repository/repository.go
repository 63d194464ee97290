// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with SQLite and with PostgreSQL through lib/pq or pgx.
type SQLRepository struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres", "pgx":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
		now:    func() time.Time { return time.Now().UTC() },
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas(r.driver) {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveTransaction stores a transaction for audit. Re-evaluating the same
// transaction overwrites the stored copy.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx == nil || tx.ID == "" {
		return fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO transactions (
			id, user_id, amount, currency, timestamp,
			ip_address, device_id, country, merchant, payment_method, status,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			amount = excluded.amount,
			currency = excluded.currency,
			timestamp = excluded.timestamp,
			ip_address = excluded.ip_address,
			device_id = excluded.device_id,
			country = excluded.country,
			merchant = excluded.merchant,
			payment_method = excluded.payment_method,
			status = excluded.status
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tx.UserID, tx.Amount.String(), tx.Currency, tx.Timestamp.UTC(),
		tx.IPAddress, tx.DeviceID, tx.Country, tx.Merchant, tx.PaymentMethod, tx.Status,
		r.now(),
	)
	return err
}

// GetTransaction retrieves a transaction by ID.
func (r *SQLRepository) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	query := `
		SELECT id, user_id, amount, currency, timestamp,
			   ip_address, device_id, country, merchant, payment_method, status
		FROM transactions
		WHERE id = ?
	`

	var tx domain.Transaction
	var currency, ip, device, country, merchant, method, status sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), txID).Scan(
		&tx.ID, &tx.UserID, &tx.Amount, &currency, &tx.Timestamp,
		&ip, &device, &country, &merchant, &method, &status,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	tx.Currency = currency.String
	tx.IPAddress = ip.String
	tx.DeviceID = device.String
	tx.Country = country.String
	tx.Merchant = merchant.String
	tx.PaymentMethod = method.String
	tx.Status = status.String
	tx.Timestamp = tx.Timestamp.UTC()

	return &tx, nil
}

const ruleColumns = `id, name, description, type, enabled, priority,
			   risk_weight, threshold_value,
			   condition_field, condition_operator, condition_value,
			   rule_config, created_at, updated_at`

// CreateRule inserts a rule and assigns its ID and timestamps.
func (r *SQLRepository) CreateRule(ctx context.Context, rule *domain.FraudRule) error {
	if rule == nil {
		return fmt.Errorf("%w: rule is required", ErrInvalidInput)
	}
	if err := rule.Validate(); err != nil {
		return err
	}

	cfg, err := marshalRuleConfig(rule.RuleConfig)
	if err != nil {
		return err
	}

	now := r.now()

	query := `
		INSERT INTO fraud_rules (
			name, description, type, enabled, priority,
			risk_weight, threshold_value,
			condition_field, condition_operator, condition_value,
			rule_config, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`

	var id int64
	err = r.db.QueryRowContext(ctx, r.rebind(query),
		rule.Name, rule.Description, string(rule.Type), boolInt(rule.Enabled), rule.Priority,
		nullDecimal(rule.RiskWeight), nullDecimal(rule.ThresholdValue),
		rule.ConditionField, string(rule.ConditionOperator), rule.ConditionValue,
		cfg, now, now,
	).Scan(&id)
	if err != nil {
		return err
	}

	rule.ID = id
	rule.CreatedAt = now
	rule.UpdatedAt = now
	return nil
}

// UpdateRule replaces every mutable field of an existing rule.
func (r *SQLRepository) UpdateRule(ctx context.Context, rule *domain.FraudRule) error {
	if rule == nil || rule.ID <= 0 {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}
	if err := rule.Validate(); err != nil {
		return err
	}

	cfg, err := marshalRuleConfig(rule.RuleConfig)
	if err != nil {
		return err
	}

	now := r.now()

	query := `
		UPDATE fraud_rules SET
			name = ?, description = ?, type = ?, enabled = ?, priority = ?,
			risk_weight = ?, threshold_value = ?,
			condition_field = ?, condition_operator = ?, condition_value = ?,
			rule_config = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.Name, rule.Description, string(rule.Type), boolInt(rule.Enabled), rule.Priority,
		nullDecimal(rule.RiskWeight), nullDecimal(rule.ThresholdValue),
		rule.ConditionField, string(rule.ConditionOperator), rule.ConditionValue,
		cfg, now, rule.ID,
	)
	if err != nil {
		return err
	}
	if err := expectRows(result); err != nil {
		return err
	}

	rule.UpdatedAt = now
	return nil
}

// GetRule retrieves a rule by ID, enabled or not.
func (r *SQLRepository) GetRule(ctx context.Context, id int64) (*domain.FraudRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM fraud_rules WHERE id = ?`

	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

// ListRules retrieves every rule in evaluation order.
func (r *SQLRepository) ListRules(ctx context.Context) ([]*domain.FraudRule, error) {
	return r.queryRules(ctx, `SELECT `+ruleColumns+` FROM fraud_rules ORDER BY priority, id`)
}

// ListEnabledRules retrieves the rules the engine evaluates.
func (r *SQLRepository) ListEnabledRules(ctx context.Context) ([]*domain.FraudRule, error) {
	return r.queryRules(ctx, `SELECT `+ruleColumns+` FROM fraud_rules WHERE enabled = 1 ORDER BY priority, id`)
}

// DeleteRule removes a rule.
func (r *SQLRepository) DeleteRule(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM fraud_rules WHERE id = ?`), id)
	if err != nil {
		return err
	}
	return expectRows(result)
}

func (r *SQLRepository) queryRules(ctx context.Context, query string, args ...any) ([]*domain.FraudRule, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.FraudRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*domain.FraudRule, error) {
	var rule domain.FraudRule
	var description, field, operator, value, cfg sql.NullString
	var ruleType string
	var enabled int
	var weight, threshold decimal.NullDecimal

	if err := row.Scan(
		&rule.ID, &rule.Name, &description, &ruleType, &enabled, &rule.Priority,
		&weight, &threshold,
		&field, &operator, &value,
		&cfg, &rule.CreatedAt, &rule.UpdatedAt,
	); err != nil {
		return nil, err
	}

	rule.Description = description.String
	rule.Type = domain.RuleType(ruleType)
	rule.Enabled = enabled == 1
	rule.ConditionField = field.String
	rule.ConditionOperator = domain.Operator(operator.String)
	rule.ConditionValue = value.String
	if weight.Valid {
		rule.RiskWeight = &weight.Decimal
	}
	if threshold.Valid {
		rule.ThresholdValue = &threshold.Decimal
	}
	if cfg.Valid && cfg.String != "" {
		var rc domain.RuleConfig
		if err := json.Unmarshal([]byte(cfg.String), &rc); err != nil {
			return nil, fmt.Errorf("failed to parse rule config for rule %d: %w", rule.ID, err)
		}
		rule.RuleConfig = &rc
	}

	return &rule, nil
}

// SaveResult stores a detection result.
func (r *SQLRepository) SaveResult(ctx context.Context, result *domain.FraudDetectionResult) error {
	if result == nil || result.ID == "" {
		return fmt.Errorf("%w: result id is required", ErrInvalidInput)
	}

	ruleResults, err := json.Marshal(result.RuleResults)
	if err != nil {
		return fmt.Errorf("failed to encode rule results: %w", err)
	}
	triggered, err := json.Marshal(result.TriggeredRules)
	if err != nil {
		return fmt.Errorf("failed to encode triggered rules: %w", err)
	}

	query := `
		INSERT INTO detection_results (
			id, transaction_id, user_id, is_fraudulent, risk_score, risk_level, reason,
			detection_time, processing_time_ns, rule_set_version, rule_results, triggered_rules
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		result.ID, result.TransactionID, result.UserID, boolInt(result.IsFraudulent),
		result.RiskScore.String(), string(result.RiskLevel), result.Reason,
		result.DetectionTime.UTC(), int64(result.ProcessingTime), result.RuleSetVersion,
		string(ruleResults), string(triggered),
	)
	return err
}

const resultColumns = `id, transaction_id, user_id, is_fraudulent, risk_score, risk_level, reason,
			   detection_time, processing_time_ns, rule_set_version, rule_results, triggered_rules`

// GetResult retrieves a detection result by its surrogate ID.
func (r *SQLRepository) GetResult(ctx context.Context, id string) (*domain.FraudDetectionResult, error) {
	query := `SELECT ` + resultColumns + ` FROM detection_results WHERE id = ?`

	result, err := scanResult(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return result, err
}

// ListResultsByTransaction retrieves every verdict for a transaction, newest first.
func (r *SQLRepository) ListResultsByTransaction(ctx context.Context, txID string) ([]*domain.FraudDetectionResult, error) {
	query := `SELECT ` + resultColumns + ` FROM detection_results WHERE transaction_id = ? ORDER BY detection_time DESC`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*domain.FraudDetectionResult
	for rows.Next() {
		result, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}

	return results, rows.Err()
}

func scanResult(row rowScanner) (*domain.FraudDetectionResult, error) {
	var result domain.FraudDetectionResult
	var fraudulent int
	var level string
	var processingNs int64
	var ruleResults, triggered string

	if err := row.Scan(
		&result.ID, &result.TransactionID, &result.UserID, &fraudulent,
		&result.RiskScore, &level, &result.Reason,
		&result.DetectionTime, &processingNs, &result.RuleSetVersion,
		&ruleResults, &triggered,
	); err != nil {
		return nil, err
	}

	result.IsFraudulent = fraudulent == 1
	result.RiskLevel = domain.RiskLevel(level)
	result.ProcessingTime = time.Duration(processingNs)
	result.DetectionTime = result.DetectionTime.UTC()

	if err := json.Unmarshal([]byte(ruleResults), &result.RuleResults); err != nil {
		return nil, fmt.Errorf("failed to parse rule results for %s: %w", result.ID, err)
	}
	if err := json.Unmarshal([]byte(triggered), &result.TriggeredRules); err != nil {
		return nil, fmt.Errorf("failed to parse triggered rules for %s: %w", result.ID, err)
	}

	return &result, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if !isPostgres(r.driver) {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

func expectRows(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalRuleConfig(cfg *domain.RuleConfig) (sql.NullString, error) {
	if cfg == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode rule config: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ domain.Repository = (*SQLRepository)(nil)
