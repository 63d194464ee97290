package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

type replayOptions struct {
	CSVPath    string
	BaseURL    string
	Limit      int
	Workers    int
	FraudOnly  bool
	SampleRate float64
	Timeout    time.Duration
	Verbose    bool
}

// row is one labelled transaction.
type row struct {
	Tx      *domain.Transaction
	IsFraud bool
}

// PaySim rows carry an hourly step instead of a timestamp.
var paySimEpoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// readCSV maps header columns case-insensitively. Kestrel column names
// take precedence over their PaySim equivalents.
func readCSV(r io.Reader, o replayOptions) ([]row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}

	get := func(record []string, names ...string) string {
		for _, name := range names {
			if i, ok := col[name]; ok && i < len(record) {
				return strings.TrimSpace(record[i])
			}
		}
		return ""
	}

	if get(header, "isfraud", "is_fraud", "fraud", "label") == "" {
		return nil, errors.New("missing fraud label column")
	}

	var rows []row
	sampleCounter := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}

		isFraud := parseLabel(get(record, "isfraud", "is_fraud", "fraud", "label"))
		if o.FraudOnly && !isFraud {
			continue
		}
		if !isFraud && o.SampleRate < 1.0 {
			sampleCounter++
			if float64(sampleCounter%100)/100.0 >= o.SampleRate {
				continue
			}
		}

		amount, err := decimal.NewFromString(get(record, "amount"))
		if err != nil {
			continue
		}

		tx := &domain.Transaction{
			ID:            get(record, "transactionid", "transaction_id", "id"),
			UserID:        get(record, "userid", "user_id", "nameorig"),
			Amount:        amount,
			Currency:      get(record, "currency"),
			IPAddress:     get(record, "ipaddress", "ip_address", "ip"),
			DeviceID:      get(record, "deviceid", "device_id"),
			Country:       get(record, "country"),
			Merchant:      get(record, "merchant", "namedest"),
			PaymentMethod: get(record, "paymentmethod", "payment_method", "type"),
		}
		if tx.ID == "" {
			tx.ID = uuid.NewString()
		}
		if tx.Currency == "" {
			tx.Currency = "USD"
		}
		tx.Timestamp = parseTimestamp(get(record, "timestamp"), get(record, "step"))
		if tx.UserID == "" {
			continue
		}

		rows = append(rows, row{Tx: tx, IsFraud: isFraud})
		if o.Limit > 0 && len(rows) >= o.Limit {
			break
		}
	}
	return rows, nil
}

func parseLabel(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "fraud":
		return true
	}
	return false
}

func parseTimestamp(ts, step string) time.Time {
	if ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			return t
		}
	}
	if n, err := strconv.Atoi(step); err == nil {
		return paySimEpoch.Add(time.Duration(n) * time.Hour)
	}
	return time.Time{}
}

type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string, timeout time.Duration) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *client) health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func (c *client) evaluate(ctx context.Context, tx *domain.Transaction) (*domain.FraudDetectionResult, error) {
	body, err := json.Marshal(tx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result domain.FraudDetectionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Metrics is the confusion matrix of a replay.
type Metrics struct {
	TruePositives  int64
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64

	TotalProcessed int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func (m *Metrics) record(predicted, actual bool) {
	switch {
	case predicted && actual:
		atomic.AddInt64(&m.TruePositives, 1)
	case predicted:
		atomic.AddInt64(&m.FalsePositives, 1)
	case actual:
		atomic.AddInt64(&m.FalseNegatives, 1)
	default:
		atomic.AddInt64(&m.TrueNegatives, 1)
	}
}

// Precision is the share of fraud verdicts that were labelled fraud.
func (m *Metrics) Precision() float64 {
	return ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
}

// Recall is the share of labelled fraud that was caught.
func (m *Metrics) Recall() float64 {
	return ratio(m.TruePositives, m.TruePositives+m.FalseNegatives)
}

func (m *Metrics) F1() float64 {
	p, r := m.Precision(), m.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func (m *Metrics) Accuracy() float64 {
	return ratio(m.TruePositives+m.TrueNegatives,
		m.TruePositives+m.TrueNegatives+m.FalsePositives+m.FalseNegatives)
}

func ratio(n, d int64) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// replay sends rows with at most workers requests in flight. Request
// failures are counted, not returned.
func replay(ctx context.Context, c *client, rows []row, workers int, verbose io.Writer) *Metrics {
	if workers <= 0 {
		workers = 1
	}
	m := &Metrics{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, r := range rows {
		r := r
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			start := time.Now()
			result, err := c.evaluate(gctx, r.Tx)
			atomic.AddInt64(&m.ProcessingTimeMs, time.Since(start).Milliseconds())
			atomic.AddInt64(&m.TotalProcessed, 1)

			if err != nil {
				atomic.AddInt64(&m.TotalErrors, 1)
				if verbose != nil {
					fmt.Fprintf(verbose, "ERROR %s -> %v\n", r.Tx.ID, err)
				}
				return nil
			}

			m.record(result.IsFraudulent, r.IsFraud)
			if verbose != nil {
				mark := "ok"
				if result.IsFraudulent != r.IsFraud {
					mark = "MISS"
				}
				fmt.Fprintf(verbose, "%-4s %-36s | user %-12s | amount %14s | fraud %-5v | verdict %-8s (%s)\n",
					mark, r.Tx.ID, r.Tx.UserID, r.Tx.Amount.StringFixed(2),
					r.IsFraud, result.RiskLevel, result.RiskScore.StringFixed(3))
			}
			return nil
		})
	}
	_ = g.Wait()

	return m
}

func verboseWriter(on bool, w io.Writer) io.Writer {
	if !on {
		return nil
	}
	return w
}

// Print writes the confusion matrix and derived scores.
func (m *Metrics) Print(w io.Writer, duration time.Duration) {
	fmt.Fprintln(w, "\nRESULTS")
	fmt.Fprintf(w, "   Processed: %d\n", m.TotalProcessed)
	fmt.Fprintf(w, "   Errors:    %d\n", m.TotalErrors)

	fmt.Fprintln(w, "\nCONFUSION MATRIX")
	fmt.Fprintln(w, "                      Predicted")
	fmt.Fprintln(w, "                   FRAUD      CLEAN")
	fmt.Fprintf(w, "   Actual  FRAUD %8d   %8d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Fprintf(w, "           CLEAN %8d   %8d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

	fmt.Fprintln(w, "\nDETECTION METRICS")
	fmt.Fprintf(w, "   Precision:  %.4f\n", m.Precision())
	fmt.Fprintf(w, "   Recall:     %.4f\n", m.Recall())
	fmt.Fprintf(w, "   F1-Score:   %.4f\n", m.F1())
	fmt.Fprintf(w, "   Accuracy:   %.4f\n", m.Accuracy())

	fmt.Fprintln(w, "\nPERFORMANCE")
	fmt.Fprintf(w, "   Duration:    %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		fmt.Fprintf(w, "   Avg Latency: %.2f ms\n", float64(m.ProcessingTimeMs)/float64(m.TotalProcessed))
		if s := duration.Seconds(); s > 0 {
			fmt.Fprintf(w, "   Throughput:  %.2f tx/sec\n", float64(m.TotalProcessed)/s)
		}
	}
	fmt.Fprintln(w)
}
