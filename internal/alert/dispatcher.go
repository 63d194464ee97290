package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Alert dispatch status labels.
const (
	StatusSent    = "sent"
	StatusFailed  = "failed"
	StatusDropped = "dropped"
)

// Dispatcher sends alerts in the background. Dispatch never blocks the
// caller: a full queue drops the alert, and send failures are retried up to
// MaxAttempts and then logged.
type Dispatcher struct {
	sink        Sink
	queue       chan *domain.Alert
	workers     int
	maxAttempts int
	sendTimeout time.Duration
	backoff     time.Duration

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher over sink.
func NewDispatcher(sink Sink, cfg domain.AlertConfig) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	return &Dispatcher{
		sink:        sink,
		queue:       make(chan *domain.Alert, cfg.QueueSize),
		workers:     cfg.Workers,
		maxAttempts: cfg.MaxAttempts,
		sendTimeout: cfg.SendTimeout,
		backoff:     100 * time.Millisecond,
	}
}

// Start launches the send workers.
func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	slog.Info("alert dispatcher started", "workers", d.workers, "queue_size", cap(d.queue))
}

// Dispatch enqueues an alert for a fraudulent verdict. Non-fraudulent
// verdicts are ignored.
func (d *Dispatcher) Dispatch(result *domain.FraudDetectionResult) {
	if result == nil || !result.IsFraudulent {
		return
	}
	alert := NewAlert(result)

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		metrics.AlertsTotal.WithLabelValues(StatusDropped).Inc()
		slog.Warn("alert dispatcher stopped, dropping alert", "tx_id", alert.TransactionID)
		return
	}

	select {
	case d.queue <- alert:
		metrics.AlertQueueDepth.Set(float64(len(d.queue)))
	default:
		metrics.AlertsTotal.WithLabelValues(StatusDropped).Inc()
		slog.Error("alert queue full, dropping alert",
			"alert_id", alert.AlertID,
			"tx_id", alert.TransactionID,
		)
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for alert := range d.queue {
		metrics.AlertQueueDepth.Set(float64(len(d.queue)))
		d.send(alert)
	}
}

func (d *Dispatcher) send(alert *domain.Alert) {
	var err error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
		err = d.sink.Send(ctx, alert)
		cancel()
		if err == nil {
			metrics.AlertsTotal.WithLabelValues(StatusSent).Inc()
			slog.Debug("alert sent", "alert_id", alert.AlertID, "tx_id", alert.TransactionID, "attempt", attempt)
			return
		}

		slog.Warn("alert send failed",
			"alert_id", alert.AlertID,
			"tx_id", alert.TransactionID,
			"attempt", attempt,
			"max_attempts", d.maxAttempts,
			"error", err,
		)
		if attempt < d.maxAttempts {
			time.Sleep(d.backoff * time.Duration(attempt))
		}
	}

	metrics.AlertsTotal.WithLabelValues(StatusFailed).Inc()
	slog.Error("alert delivery failed",
		"alert_id", alert.AlertID,
		"tx_id", alert.TransactionID,
		"error", err,
	)
}

// Stop drains queued alerts and closes the sink.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	slog.Info("alert dispatcher stopped")
	return d.sink.Close()
}
