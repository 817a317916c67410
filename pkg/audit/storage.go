package audit

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// Storage is the interface for audit event persistence.
type Storage interface {
	// StoreBatch persists events in order.
	StoreBatch(ctx context.Context, events []*Event) error

	// Query retrieves events matching criteria.
	Query(ctx context.Context, query *Query) ([]*Event, error)

	// Close releases storage resources.
	Close() error
}

// Query represents a query for audit events. Zero fields match everything.
type Query struct {
	// Time range
	StartTime time.Time
	EndTime   time.Time

	// Filters
	Types        []EventType
	Interface    string
	MAC          []byte
	ConnectionID string

	// Limit caps the result to the most recent matches.
	Limit int
}

// MemoryStorage keeps the most recent events in memory, oldest first.
type MemoryStorage struct {
	mu     sync.RWMutex
	max    int
	events []*Event
}

// NewMemoryStorage creates a storage holding at most max events (0 = unbounded).
func NewMemoryStorage(max int) *MemoryStorage {
	return &MemoryStorage{max: max}
}

// StoreBatch appends events, evicting the oldest beyond capacity.
func (s *MemoryStorage) StoreBatch(ctx context.Context, events []*Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, events...)
	if s.max > 0 && len(s.events) > s.max {
		drop := len(s.events) - s.max
		copy(s.events, s.events[drop:])
		for i := len(s.events) - drop; i < len(s.events); i++ {
			s.events[i] = nil
		}
		s.events = s.events[:s.max]
	}
	return nil
}

// Query retrieves events matching criteria, oldest first.
func (s *MemoryStorage) Query(ctx context.Context, query *Query) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*Event
	for _, event := range s.events {
		if matchesQuery(event, query) {
			results = append(results, event)
		}
	}

	if query.Limit > 0 && len(results) > query.Limit {
		results = results[len(results)-query.Limit:]
	}
	return results, nil
}

func matchesQuery(event *Event, query *Query) bool {
	if !query.StartTime.IsZero() && event.Timestamp.Before(query.StartTime) {
		return false
	}
	if !query.EndTime.IsZero() && event.Timestamp.After(query.EndTime) {
		return false
	}
	if len(query.Types) > 0 {
		found := false
		for _, t := range query.Types {
			if event.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if query.Interface != "" && event.Interface != query.Interface {
		return false
	}
	if len(query.MAC) > 0 && !bytes.Equal(event.MAC, query.MAC) {
		return false
	}
	if query.ConnectionID != "" && event.ConnectionID != query.ConnectionID {
		return false
	}
	return true
}

// Count returns the number of stored events.
func (s *MemoryStorage) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Close releases storage resources.
func (s *MemoryStorage) Close() error {
	return nil
}
