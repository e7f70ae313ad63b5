// Package memory provides an in-memory RecordStore for tests and
// single-process deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dropvault/dropclaim/internal/storage"
)

// Store is a thread-safe in-memory record store.
type Store struct {
	mu      sync.RWMutex
	records map[string]storage.ClaimRecord
}

// New creates an empty store.
func New() *Store {
	return &Store{records: make(map[string]storage.ClaimRecord)}
}

func (s *Store) CreateClaimRecord(_ context.Context, rec storage.ClaimRecord) (storage.ClaimRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	} else if _, exists := s.records[rec.ID]; exists {
		return storage.ClaimRecord{}, fmt.Errorf("claim record %s already exists", rec.ID)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	s.records[rec.ID] = rec
	return rec, nil
}

func (s *Store) GetClaimRecord(_ context.Context, id string) (storage.ClaimRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return storage.ClaimRecord{}, fmt.Errorf("claim record %s not found", id)
	}
	return rec, nil
}

func (s *Store) ListClaimRecords(_ context.Context, identity string) ([]storage.ClaimRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []storage.ClaimRecord
	for _, rec := range s.records {
		if rec.Identity == identity {
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}
