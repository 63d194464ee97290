// Package alert delivers fraud alerts to the configured sink.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/segmentio/kafka-go"
)

// Sink accepts alerts for fraudulent verdicts. Implementations key records
// by transaction id so consumers can process them idempotently.
type Sink interface {
	Send(ctx context.Context, alert *domain.Alert) error
	Close() error
}

// NewAlert builds the alert payload for a verdict.
func NewAlert(result *domain.FraudDetectionResult) *domain.Alert {
	return &domain.Alert{
		AlertID:            uuid.New().String(),
		Timestamp:          time.Now().UTC(),
		AlertType:          domain.AlertTypeFraudDetected,
		Severity:           result.RiskLevel,
		TransactionID:      result.TransactionID,
		UserID:             result.UserID,
		RiskScore:          result.RiskScore,
		Reason:             result.Reason,
		DetectionTimestamp: result.DetectionTime,
		ProcessingTimeMs:   result.ProcessingTime.Milliseconds(),
	}
}

// NewSink creates the sink selected by configuration.
func NewSink(cfg domain.AlertConfig, bus domain.EventBus) (Sink, error) {
	switch cfg.Sink {
	case "", "bus":
		if bus == nil {
			return nil, fmt.Errorf("bus alert sink requires an event bus")
		}
		return NewBusSink(bus, cfg.Topic), nil
	case "kafka":
		return NewKafkaSink(cfg.KafkaBrokers, cfg.Topic)
	case "log":
		return LogSink{}, nil
	default:
		return nil, fmt.Errorf("unsupported alert sink: %s", cfg.Sink)
	}
}

// BusSink publishes alerts on the event bus.
type BusSink struct {
	bus   domain.EventBus
	topic string
}

// NewBusSink creates a sink publishing to topic (default kestrel.alert).
func NewBusSink(bus domain.EventBus, topic string) *BusSink {
	if topic == "" {
		topic = domain.TopicAlert
	}
	return &BusSink{bus: bus, topic: topic}
}

// Send publishes the alert keyed by transaction id.
func (s *BusSink) Send(ctx context.Context, alert *domain.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	return s.bus.Publish(ctx, s.topic, alert.TransactionID, payload)
}

// Close is a no-op; the bus is owned by the caller.
func (s *BusSink) Close() error { return nil }

// recordWriter is the part of *kafka.Writer the sink uses.
type recordWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes alerts to a Kafka topic.
type KafkaSink struct {
	writer recordWriter
	topic  string
}

// NewKafkaSink creates a Kafka alert writer.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka alert sink requires brokers")
	}
	if topic == "" {
		topic = domain.TopicAlert
	}
	return &KafkaSink{
		topic: topic,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			// Retries are owned by the dispatcher.
			MaxAttempts: 1,
		},
	}, nil
}

// Send writes the alert keyed by transaction id.
func (s *KafkaSink) Send(ctx context.Context, alert *domain.Alert) error {
	rec, err := alertRecord(alert)
	if err != nil {
		return err
	}
	if err := s.writer.WriteMessages(ctx, rec); err != nil {
		return fmt.Errorf("failed to write alert %s to %s: %w", alert.AlertID, s.topic, err)
	}
	return nil
}

// alertRecord builds the Kafka record for an alert. Severity rides in a
// header so consumers can route without decoding the body.
func alertRecord(alert *domain.Alert) (kafka.Message, error) {
	payload, err := json.Marshal(alert)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal alert: %w", err)
	}
	return kafka.Message{
		Key:   []byte(alert.TransactionID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "Kestrel-Alert-Id", Value: []byte(alert.AlertID)},
			{Key: "Kestrel-Severity", Value: []byte(alert.Severity)},
		},
	}, nil
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// LogSink writes alerts to the structured log only.
type LogSink struct{}

// Send logs the alert.
func (LogSink) Send(ctx context.Context, alert *domain.Alert) error {
	slog.Warn("fraud alert",
		"alert_id", alert.AlertID,
		"tx_id", alert.TransactionID,
		"user_id", alert.UserID,
		"severity", alert.Severity,
		"risk_score", alert.RiskScore.String(),
		"reason", alert.Reason,
	)
	return nil
}

// Close is a no-op.
func (LogSink) Close() error { return nil }
