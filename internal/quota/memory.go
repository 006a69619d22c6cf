package quota

import (
	"context"
	"sync"

	"metered_gateway/internal/models"
)

type counterKey struct {
	userID  string
	feature models.FeatureID
	period  models.Period
}

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu        sync.Mutex
	counts    map[counterKey]int64
	committed map[string]struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counts:    make(map[counterKey]int64),
		committed: make(map[string]struct{}),
	}
}

func (s *MemoryStore) Used(ctx context.Context, userID string, feature models.FeatureID, period models.Period) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[counterKey{userID, feature, period}], nil
}

func (s *MemoryStore) Increment(ctx context.Context, userID string, feature models.FeatureID, period models.Period, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ref != "" {
		if _, done := s.committed[ref]; done {
			return nil
		}
		s.committed[ref] = struct{}{}
	}
	s.counts[counterKey{userID, feature, period}]++
	return nil
}
