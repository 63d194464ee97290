// Package detection runs the fraud detection pipeline for one transaction:
// rule snapshot, engine, aggregation, persistence and alerting.
package detection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/aggregator"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/rules"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("kestrel-detection")

// ErrIncomplete is returned when the context ended before every rule was
// evaluated. No verdict is produced, persisted or alerted on.
var ErrIncomplete = errors.New("evaluation incomplete")

// Store persists transactions and verdicts for audit.
type Store interface {
	domain.ResultStore
	SaveTransaction(ctx context.Context, tx *domain.Transaction) error
}

// AlertDispatcher hands fraudulent verdicts to the alert sink without
// blocking.
type AlertDispatcher interface {
	Dispatch(result *domain.FraudDetectionResult)
}

// Service evaluates transactions.
type Service struct {
	rules      *rules.RuleCache
	engine     *rules.Engine
	aggregator *aggregator.Aggregator
	store      Store
	alerts     AlertDispatcher
}

// NewService wires the pipeline. store and alerts may be nil.
func NewService(cache *rules.RuleCache, engine *rules.Engine, agg *aggregator.Aggregator, store Store, alerts AlertDispatcher) *Service {
	return &Service{
		rules:      cache,
		engine:     engine,
		aggregator: agg,
		store:      store,
		alerts:     alerts,
	}
}

// Detect evaluates tx against the current rule snapshot. Persistence and
// alert failures are logged and counted only. A cancelled or expired ctx
// yields ErrIncomplete instead of a verdict.
func (s *Service) Detect(ctx context.Context, tx *domain.Transaction) (*domain.FraudDetectionResult, error) {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "detection.Detect",
		trace.WithAttributes(
			attribute.String("tx.id", tx.ID),
			attribute.String("tx.user_id", tx.UserID),
		),
	)
	defer span.End()

	set := s.rules.Snapshot()
	results := s.engine.Evaluate(ctx, set.Rules, tx)
	if err := ctx.Err(); err != nil {
		metrics.DetectionsIncomplete.Inc()
		span.RecordError(err)
		slog.Warn("transaction evaluation interrupted",
			"tx_id", tx.ID,
			"user_id", tx.UserID,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %v", ErrIncomplete, err)
	}

	result := s.aggregator.Aggregate(&aggregator.Input{
		Transaction:    tx,
		RuleResults:    results,
		RuleSetVersion: set.Version,
		StartTime:      start,
	})

	span.SetAttributes(
		attribute.Bool("verdict.fraudulent", result.IsFraudulent),
		attribute.String("verdict.risk_level", string(result.RiskLevel)),
		attribute.String("verdict.risk_score", result.RiskScore.String()),
		attribute.Int("rules.evaluated", len(results)),
		attribute.Int("rules.triggered", len(result.TriggeredRules)),
	)

	s.persist(ctx, tx, result)

	if aggregator.ShouldAlert(result) && s.alerts != nil {
		s.alerts.Dispatch(result)
	}

	verdict := "clean"
	if result.IsFraudulent {
		verdict = "fraud"
	}
	metrics.DetectionsTotal.WithLabelValues(verdict, string(result.RiskLevel)).Inc()
	metrics.DetectionDuration.Observe(result.ProcessingTime.Seconds())

	slog.Info("transaction evaluated",
		"tx_id", tx.ID,
		"user_id", tx.UserID,
		"result_id", result.ID,
		"fraudulent", result.IsFraudulent,
		"risk_score", result.RiskScore.String(),
		"risk_level", result.RiskLevel,
		"rules_evaluated", len(results),
		"rules_triggered", len(result.TriggeredRules),
		"rule_set_version", set.Version,
		"duration_ms", result.ProcessingTime.Milliseconds(),
	)

	return result, nil
}

func (s *Service) persist(ctx context.Context, tx *domain.Transaction, result *domain.FraudDetectionResult) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveTransaction(ctx, tx); err != nil {
		slog.Warn("failed to save transaction", "tx_id", tx.ID, "error", err)
	}
	if err := s.store.SaveResult(ctx, result); err != nil {
		metrics.PersistErrors.Inc()
		slog.Error("failed to save detection result",
			"tx_id", tx.ID,
			"result_id", result.ID,
			"error", err,
		)
	}
}

// Rules returns the rule cache backing the service.
func (s *Service) Rules() *rules.RuleCache {
	return s.rules
}

// Engine returns the rule engine.
func (s *Service) Engine() *rules.Engine {
	return s.engine
}
