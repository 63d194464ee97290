// Package worker consumes transactions from the event bus and runs them
// through the detection pipeline.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Message status labels.
const (
	StatusProcessed  = "processed"
	StatusMalformed  = "malformed"
	StatusDropped    = "dropped"
	StatusIncomplete = "incomplete"
)

// Detector evaluates one transaction. It returns an error instead of a
// verdict when the evaluation did not run to completion.
type Detector interface {
	Detect(ctx context.Context, tx *domain.Transaction) (*domain.FraudDetectionResult, error)
}

// Worker processes transactions asynchronously from the EventBus. Messages
// are handed to a bounded queue drained by Count goroutines.
type Worker struct {
	bus      domain.EventBus
	detector Detector
	cfg      domain.WorkerConfig

	jobs         chan *domain.Message
	subscription domain.Subscription
	wg           sync.WaitGroup
	ctx          context.Context
	cancel       context.CancelFunc

	mu      sync.RWMutex
	running bool
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, detector Detector, cfg domain.WorkerConfig) *Worker {
	if cfg.Count <= 0 {
		cfg.Count = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Second
	}
	return &Worker{
		bus:      bus,
		detector: detector,
		cfg:      cfg,
	}
}

// Start subscribes to the transaction topic and launches the pool.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("worker already running")
	}

	w.ctx, w.cancel = context.WithCancel(ctx)
	w.jobs = make(chan *domain.Message, w.cfg.QueueSize)

	for i := 0; i < w.cfg.Count; i++ {
		w.wg.Add(1)
		go w.run(i)
	}

	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTransactionIngested, w.enqueue)
	if err != nil {
		w.cancel()
		close(w.jobs)
		w.wg.Wait()
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	w.subscription = sub
	w.running = true

	slog.Info("workers started",
		"count", w.cfg.Count,
		"queue_size", w.cfg.QueueSize,
		"topic", domain.TopicTransactionIngested,
	)

	return nil
}

// enqueue hands a message to the pool. It blocks while the queue is full so
// the transport applies its own backpressure.
func (w *Worker) enqueue(ctx context.Context, msg *domain.Message) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.running {
		metrics.MessagesTotal.WithLabelValues(StatusDropped).Inc()
		return fmt.Errorf("worker stopped")
	}

	select {
	case w.jobs <- msg:
		return nil
	case <-w.ctx.Done():
		metrics.MessagesTotal.WithLabelValues(StatusDropped).Inc()
		return w.ctx.Err()
	}
}

// run drains the queue. Jobs keep running after the parent context is
// cancelled so messages accepted before Stop still get a real verdict;
// only JobTimeout bounds them.
func (w *Worker) run(id int) {
	defer w.wg.Done()
	base := context.WithoutCancel(w.ctx)
	for msg := range w.jobs {
		ctx, cancel := context.WithTimeout(base, w.cfg.JobTimeout)
		err := w.process(ctx, msg)
		cancel()
		if err != nil {
			slog.Error("dropping transaction message",
				"worker", id,
				"message_id", msg.ID,
				"error", err,
			)
		}
	}
}

// process decodes one message, evaluates it and publishes the verdict.
// Malformed payloads are dropped, never retried.
func (w *Worker) process(ctx context.Context, msg *domain.Message) error {
	tx, err := Decode(msg.Payload)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues(StatusMalformed).Inc()
		return err
	}

	result, err := w.detector.Detect(ctx, tx)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues(StatusIncomplete).Inc()
		return fmt.Errorf("transaction %s not evaluated: %w", tx.ID, err)
	}
	metrics.MessagesTotal.WithLabelValues(StatusProcessed).Inc()

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal verdict: %w", err)
	}
	if err := w.bus.Publish(ctx, domain.TopicDecision, result.TransactionID, payload); err != nil {
		slog.Error("failed to publish decision",
			"tx_id", result.TransactionID,
			"error", err,
		)
	}

	return nil
}

// Decode parses and validates a transaction payload.
func Decode(payload []byte) (*domain.Transaction, error) {
	var tx domain.Transaction
	if err := json.Unmarshal(payload, &tx); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidTransaction, err)
	}
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	return &tx, nil
}

// Stop unsubscribes, drains queued messages and waits for the pool.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	sub := w.subscription
	w.subscription = nil
	w.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		slog.Error("failed to unsubscribe",
			"topic", sub.Topic(),
			"error", err,
		)
	}

	w.mu.Lock()
	close(w.jobs)
	w.mu.Unlock()

	w.wg.Wait()
	w.cancel()

	slog.Info("workers stopped")
	return nil
}

// Stats holds worker statistics.
type Stats struct {
	Running    bool   `json:"running"`
	Workers    int    `json:"workers"`
	QueueDepth int    `json:"queueDepth"`
	QueueSize  int    `json:"queueSize"`
	Topic      string `json:"topic,omitempty"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()

	s := Stats{
		Running:   w.running,
		Workers:   w.cfg.Count,
		QueueSize: w.cfg.QueueSize,
	}
	if w.running {
		s.QueueDepth = len(w.jobs)
		s.Topic = w.subscription.Topic()
	}
	return s
}
