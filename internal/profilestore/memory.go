// file: internal/profilestore/memory.go
package profilestore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// MemoryStore is an in-process Store. It backs tests and the demo command
// when no remote store is configured. Upserts go through the same schema
// validation as the REST client so both implementations reject the same
// records.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty in-memory profile store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// GetProfile returns a copy of the stored record, or (nil, nil) when absent.
func (m *MemoryStore) GetProfile(_ context.Context, uid string) (*Record, error) {
	if uid == "" {
		return nil, errors.New("uid is required")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.records[uid]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

// UpsertProfile validates and stores the record.
func (m *MemoryStore) UpsertProfile(_ context.Context, uid string, record Record) error {
	if uid == "" {
		return errors.New("uid is required")
	}
	if record.UID == "" {
		record.UID = uid
	}
	if record.UID != uid {
		return errors.Newf("record uid %q does not match target uid %q", record.UID, uid)
	}
	if violations := ValidateRecord(record); len(violations) > 0 {
		return errors.Newf("record failed schema validation: %s", strings.Join(violations, "; "))
	}

	record.UpdatedAt = time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[uid] = record
	return nil
}

// Len reports the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

var _ Store = (*MemoryStore)(nil)
