package bus

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/segmentio/kafka-go"
)

func TestKafkaRecord(t *testing.T) {
	msg := newMessage(domain.TopicTransactionIngested, "user-7", []byte(`{"id":"tx-1"}`))
	rec := kafkaRecord(msg)

	if rec.Topic != domain.TopicTransactionIngested {
		t.Errorf("expected topic %q, got %q", domain.TopicTransactionIngested, rec.Topic)
	}
	if string(rec.Key) != "user-7" {
		t.Errorf("expected key user-7, got %q", rec.Key)
	}
	if string(rec.Value) != `{"id":"tx-1"}` {
		t.Errorf("payload must be the record value, got %q", rec.Value)
	}

	// As delivered by a reader.
	rec.Partition = 2
	rec.Offset = 41
	rec.Time = time.Unix(0, msg.Timestamp).Add(time.Second)

	got := fromKafkaRecord(rec)
	if got.ID != msg.ID {
		t.Errorf("expected id %q, got %q", msg.ID, got.ID)
	}
	if got.Timestamp != msg.Timestamp {
		t.Errorf("expected producer timestamp %d, got %d", msg.Timestamp, got.Timestamp)
	}
	if got.Key != "user-7" || got.Topic != msg.Topic {
		t.Errorf("unexpected envelope %+v", got)
	}
	if got.Metadata["partition"] != "2" || got.Metadata["offset"] != "41" {
		t.Errorf("unexpected metadata %v", got.Metadata)
	}
}

func TestKafkaRecordFromForeignProducer(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	got := fromKafkaRecord(kafka.Message{
		Topic:   "kestrel.transaction.ingested",
		Value:   []byte("{}"),
		Time:    at,
		Headers: []kafka.Header{{Key: headerTimestamp, Value: []byte("not-a-number")}},
	})

	if got.ID == "" {
		t.Error("expected a generated id")
	}
	if got.Timestamp != at.UnixNano() {
		t.Errorf("expected broker time, got %d", got.Timestamp)
	}
	if got.Key != "" {
		t.Errorf("expected empty key, got %q", got.Key)
	}
}

func TestKafkaBus(t *testing.T) {
	t.Run("RequiresBrokers", func(t *testing.T) {
		if _, err := NewKafkaBus(domain.EventBusConfig{}); err == nil {
			t.Error("expected error without brokers")
		}
	})

	t.Run("PingUnreachableBroker", func(t *testing.T) {
		b, err := NewKafkaBus(domain.EventBusConfig{KafkaBrokers: []string{"127.0.0.1:1"}})
		if err != nil {
			t.Fatalf("NewKafkaBus failed: %v", err)
		}
		defer b.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err = b.Ping(ctx)
		if err == nil || !strings.Contains(err.Error(), "no kafka broker reachable") {
			t.Errorf("expected unreachable broker error, got %v", err)
		}
	})

	t.Run("RejectsUseAfterClose", func(t *testing.T) {
		b, err := NewKafkaBus(domain.EventBusConfig{KafkaBrokers: []string{"127.0.0.1:1"}})
		if err != nil {
			t.Fatalf("NewKafkaBus failed: %v", err)
		}
		ctx := context.Background()

		if err := b.Publish(ctx, "", "k", nil); err == nil {
			t.Error("expected error for empty topic")
		}
		if err := b.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		if err := b.Close(); err != nil {
			t.Errorf("second Close should be a no-op, got %v", err)
		}
		if err := b.Publish(ctx, domain.TopicDecision, "k", []byte("{}")); err == nil {
			t.Error("expected publish on closed bus to fail")
		}
		if _, err := b.Subscribe(ctx, domain.TopicDecision, func(context.Context, *domain.Message) error { return nil }); err == nil {
			t.Error("expected subscribe on closed bus to fail")
		}
	})
}
