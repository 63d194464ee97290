package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidTransaction is returned when a transaction payload cannot be evaluated.
var ErrInvalidTransaction = errors.New("invalid transaction")

// Transaction represents an incoming transaction to be evaluated.
// It is treated as an immutable value once it enters the engine.
type Transaction struct {
	// Core identifiers
	ID     string `json:"transactionId"`
	UserID string `json:"userId"`

	// Financial details
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency,omitempty"`

	// Temporal
	Timestamp time.Time `json:"timestamp"`

	// Context
	IPAddress     string `json:"ipAddress,omitempty"`
	DeviceID      string `json:"deviceId,omitempty"`
	Country       string `json:"country,omitempty"`
	Merchant      string `json:"merchant,omitempty"`
	PaymentMethod string `json:"paymentMethod,omitempty"`
	Status        string `json:"status,omitempty"`
}

// Validate reports whether the transaction carries the fields the engine relies on.
func (t *Transaction) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: transaction is nil", ErrInvalidTransaction)
	}
	if t.ID == "" {
		return fmt.Errorf("%w: transactionId is required", ErrInvalidTransaction)
	}
	if t.UserID == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalidTransaction)
	}
	if t.Amount.IsNegative() {
		return fmt.Errorf("%w: amount must not be negative", ErrInvalidTransaction)
	}
	return nil
}
