package contract

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/contract-wizard/compiler-server/internal/contenthash"
)

type MemoryStore struct {
	mu sync.Mutex

	nowFn   func() time.Time
	records map[contenthash.ID]Contract
}

func NewMemoryStore(nowFn func() time.Time) *MemoryStore {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &MemoryStore{
		nowFn:   nowFn,
		records: make(map[contenthash.ID]Contract),
	}
}

func (s *MemoryStore) Get(_ context.Context, codeID contenthash.ID) (Contract, error) {
	if s == nil {
		return Contract{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.records[codeID]
	if !ok {
		return Contract{}, ErrNotFound
	}
	return Clone(c), nil
}

func (s *MemoryStore) Insert(_ context.Context, c Contract) error {
	if s == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := c.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[c.CodeID]; ok {
		return ErrAlreadyExists
	}
	rec := Clone(c)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.nowFn().UTC()
	}
	s.records[c.CodeID] = rec
	return nil
}

// Len reports the number of stored contracts.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
