// Package cache provides frequency store implementations for Kestrel.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

const sweepInterval = time.Minute

// MemoryStore is a thread-safe, in-process sliding-window store.
// Keys are kept in LRU order; the least recently used key is evicted once
// maxKeys is exceeded. A background sweep drops keys idle for longer than
// their window.
type MemoryStore struct {
	mu      sync.Mutex
	maxKeys int
	items   map[string]*list.Element
	order   *list.List
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

type windowEntry struct {
	key       string
	events    []event // ascending by at
	expiresAt time.Time
}

type event struct {
	at int64 // unix nanoseconds
	id string
}

// NewMemoryStore creates a store holding at most maxKeys keys.
func NewMemoryStore(maxKeys int) *MemoryStore {
	if maxKeys <= 0 {
		maxKeys = 100000
	}
	s := &MemoryStore{
		maxKeys: maxKeys,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go s.janitor(sweepInterval)
	return s
}

// RecordAndCount records ts as eventID under key and returns the count of
// events in (ts-window, ts]. The whole sequence runs under one lock.
func (s *MemoryStore) RecordAndCount(ctx context.Context, key, eventID string, ts time.Time, window time.Duration) (int64, error) {
	if key == "" {
		return 0, fmt.Errorf("key is required")
	}
	if window <= 0 {
		return 0, fmt.Errorf("window must be positive")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var entry *windowEntry
	if elem, ok := s.items[key]; ok {
		entry = elem.Value.(*windowEntry)
		if s.now().After(entry.expiresAt) {
			entry.events = entry.events[:0]
		}
		s.order.MoveToFront(elem)
	} else {
		entry = &windowEntry{key: key}
		s.items[key] = s.order.PushFront(entry)
		for s.order.Len() > s.maxKeys {
			s.removeOldest()
		}
	}

	if !entry.has(eventID) {
		// Insert keeping order; out-of-order timestamps are tolerated.
		at := ts.UnixNano()
		i := sort.Search(len(entry.events), func(i int) bool { return entry.events[i].at > at })
		entry.events = append(entry.events, event{})
		copy(entry.events[i+1:], entry.events[i:])
		entry.events[i] = event{at: at, id: eventID}
	}

	// Prune everything older than the window.
	cutoff := ts.Add(-window).UnixNano()
	drop := sort.Search(len(entry.events), func(i int) bool { return entry.events[i].at >= cutoff })
	if drop > 0 {
		entry.events = append(entry.events[:0], entry.events[drop:]...)
	}

	entry.expiresAt = s.now().Add(window)
	return int64(len(entry.events)), nil
}

func (e *windowEntry) has(id string) bool {
	if id == "" {
		return false
	}
	for _, ev := range e.events {
		if ev.id == id {
			return true
		}
	}
	return false
}

// Sweep removes every key whose window has lapsed since its last event and
// returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for elem := s.order.Back(); elem != nil; {
		prev := elem.Prev()
		entry := elem.Value.(*windowEntry)
		if now.After(entry.expiresAt) {
			s.order.Remove(elem)
			delete(s.items, entry.key)
			removed++
		}
		elem = prev
	}
	return removed
}

func (s *MemoryStore) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Ping checks store health.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close stops the sweep and drops all counters.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]*list.Element)
	s.order = list.New()
	return nil
}

// Stats returns store statistics.
func (s *MemoryStore) Stats() (keys int, capacity int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len(), s.maxKeys
}

func (s *MemoryStore) removeOldest() {
	elem := s.order.Back()
	if elem != nil {
		s.order.Remove(elem)
		delete(s.items, elem.Value.(*windowEntry).key)
	}
}
