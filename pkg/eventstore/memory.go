package eventstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps events in process. It mirrors EventStore's optimistic
// version check and is used by the in-memory ledger engine and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	nextID   int64
	log      []Event
	versions map[uuid.UUID]int
}

// NewMemoryStore creates an empty event log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{versions: make(map[uuid.UUID]int)}
}

// AppendEvents appends events when the aggregate is at expectedVersion.
func (m *MemoryStore) AppendEvents(_ context.Context, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events []Event) error {
	if expectedVersion < 0 {
		return ErrInvalidVersion
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.versions[aggregateID] != expectedVersion {
		return ErrConcurrencyConflict
	}

	now := time.Now().UTC()
	for i, event := range events {
		m.nextID++
		event.ID = m.nextID
		event.AggregateID = aggregateID
		event.AggregateType = aggregateType
		event.Version = expectedVersion + i + 1
		event.CreatedAt = now
		m.log = append(m.log, event)
	}
	m.versions[aggregateID] = expectedVersion + len(events)
	return nil
}

// GetCurrentVersion returns the latest version for an aggregate.
func (m *MemoryStore) GetCurrentVersion(_ context.Context, aggregateID uuid.UUID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.versions[aggregateID], nil
}

// LoadEvents returns events for an aggregate in version order. A toVersion of
// zero means no upper bound.
func (m *MemoryStore) LoadEvents(_ context.Context, aggregateID uuid.UUID, fromVersion, toVersion int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var events []Event
	for _, event := range m.log {
		if event.AggregateID != aggregateID || event.Version < fromVersion {
			continue
		}
		if toVersion > 0 && event.Version > toVersion {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// StreamEvents returns up to batchSize events with an id greater than fromID.
func (m *MemoryStore) StreamEvents(_ context.Context, fromID int64, batchSize int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var events []Event
	for _, event := range m.log {
		if event.ID <= fromID {
			continue
		}
		events = append(events, event)
		if batchSize > 0 && len(events) == batchSize {
			break
		}
	}
	return events, nil
}
