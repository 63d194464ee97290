package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const kestrelCSV = `transactionId,userId,amount,ipAddress,timestamp,isFraud
tx-1,u-1,25.00,198.51.100.7,2025-03-01T10:00:00Z,0
tx-2,u-2,5000,203.0.113.9,2025-03-01T11:00:00Z,1
tx-3,u-3,1500,198.51.100.8,2025-03-01T12:00:00Z,0
tx-4,u-4,50,198.51.100.9,2025-03-01T13:00:00Z,1
`

const paySimCSV = `step,type,amount,nameOrig,oldbalanceOrg,newbalanceOrig,nameDest,oldbalanceDest,newbalanceDest,isFraud,isFlaggedFraud
1,PAYMENT,9839.64,C1231006815,170136.0,160296.36,M1979787155,0.0,0.0,0,0
3,TRANSFER,181.0,C1305486145,181.0,0.0,C553264065,0.0,0.0,1,0
`

func TestReadCSV(t *testing.T) {
	rows, err := readCSV(strings.NewReader(kestrelCSV), replayOptions{SampleRate: 1})
	require.NoError(t, err)
	require.Len(t, rows, 4)

	assert.Equal(t, "tx-2", rows[1].Tx.ID)
	assert.Equal(t, "u-2", rows[1].Tx.UserID)
	assert.True(t, rows[1].Tx.Amount.Equal(decimal.NewFromInt(5000)))
	assert.Equal(t, "203.0.113.9", rows[1].Tx.IPAddress)
	assert.Equal(t, "USD", rows[1].Tx.Currency)
	assert.True(t, rows[1].IsFraud)
	assert.False(t, rows[0].IsFraud)

	t.Run("PaySim", func(t *testing.T) {
		rows, err := readCSV(strings.NewReader(paySimCSV), replayOptions{SampleRate: 1})
		require.NoError(t, err)
		require.Len(t, rows, 2)

		tx := rows[1].Tx
		assert.Equal(t, "C1305486145", tx.UserID)
		assert.Equal(t, "C553264065", tx.Merchant)
		assert.Equal(t, "TRANSFER", tx.PaymentMethod)
		assert.Equal(t, paySimEpoch.Add(3*time.Hour), tx.Timestamp)
		assert.NotEmpty(t, tx.ID)
		assert.True(t, rows[1].IsFraud)
	})

	t.Run("FraudOnlyAndLimit", func(t *testing.T) {
		rows, err := readCSV(strings.NewReader(kestrelCSV), replayOptions{FraudOnly: true, Limit: 1, SampleRate: 1})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "tx-2", rows[0].Tx.ID)
	})

	t.Run("MissingLabel", func(t *testing.T) {
		_, err := readCSV(strings.NewReader("transactionId,userId,amount\ntx-1,u,1\n"), replayOptions{SampleRate: 1})
		assert.Error(t, err)
	})
}

// fakeKestrel flags every transaction above 1000.
func fakeKestrel(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/evaluate", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var tx domain.Transaction
		if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if tx.ID == "tx-err" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		fraud := tx.Amount.GreaterThan(decimal.NewFromInt(1000))
		_ = json.NewEncoder(w).Encode(domain.FraudDetectionResult{
			TransactionID: tx.ID,
			IsFraudulent:  fraud,
			RiskLevel:     domain.RiskLevelLow,
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestReplay(t *testing.T) {
	srv := fakeKestrel(t)
	c := newClient(srv.URL, 5*time.Second)
	require.NoError(t, c.health(context.Background()))

	rows, err := readCSV(strings.NewReader(kestrelCSV+"tx-err,u-5,1,,,0\n"), replayOptions{SampleRate: 1})
	require.NoError(t, err)

	m := replay(context.Background(), c, rows, 3, nil)

	assert.Equal(t, int64(5), m.TotalProcessed)
	assert.Equal(t, int64(1), m.TotalErrors)
	assert.Equal(t, int64(1), m.TruePositives)
	assert.Equal(t, int64(1), m.FalsePositives)
	assert.Equal(t, int64(1), m.TrueNegatives)
	assert.Equal(t, int64(1), m.FalseNegatives)

	assert.InDelta(t, 0.5, m.Precision(), 1e-9)
	assert.InDelta(t, 0.5, m.Recall(), 1e-9)
	assert.InDelta(t, 0.5, m.F1(), 1e-9)
	assert.InDelta(t, 0.5, m.Accuracy(), 1e-9)

	var out strings.Builder
	m.Print(&out, time.Second)
	assert.Contains(t, out.String(), "CONFUSION MATRIX")
	assert.Contains(t, out.String(), "Precision:  0.5000")
}

func TestMetricsEmpty(t *testing.T) {
	m := &Metrics{}
	assert.Zero(t, m.Precision())
	assert.Zero(t, m.Recall())
	assert.Zero(t, m.F1())
	assert.Zero(t, m.Accuracy())
}
