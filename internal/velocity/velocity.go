// Package velocity tracks per-user transaction frequency over sliding windows.
package velocity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// KeyPrefix namespaces per-user frequency keys in the store.
const KeyPrefix = "frequency:user:"

// Tracker records transactions and counts them per user.
type Tracker struct {
	store domain.FrequencyStore
}

// NewTracker creates a tracker over the given frequency store.
func NewTracker(store domain.FrequencyStore) *Tracker {
	return &Tracker{store: store}
}

// Key returns the store key for a user's counter over window. Windows of
// different lengths never share a key, so pruning one cannot shrink another.
func Key(userID string, window time.Duration) string {
	return KeyPrefix + userID + ":" + strconv.FormatInt(window.Milliseconds(), 10) + "ms"
}

// RecordAndCount records transaction txID at now for userID and returns how
// many transactions the user made in the trailing window, this one included.
// Recording the same txID again for the same window does not add an event,
// so any number of rules may ask about one transaction.
func (t *Tracker) RecordAndCount(ctx context.Context, userID, txID string, now time.Time, window time.Duration) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("userID is required")
	}
	if t.store == nil {
		return 0, fmt.Errorf("no frequency store configured")
	}

	count, err := t.store.RecordAndCount(ctx, Key(userID, window), txID, now, window)
	if err != nil {
		return 0, fmt.Errorf("failed to record transaction frequency: %w", err)
	}

	return count, nil
}
