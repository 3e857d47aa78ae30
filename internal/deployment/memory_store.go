package deployment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemoryStore struct {
	mu sync.Mutex

	nowFn func() time.Time
	newID func() uuid.UUID

	byID  map[uuid.UUID]Deployment
	order []uuid.UUID
}

func NewMemoryStore(nowFn func() time.Time) *MemoryStore {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &MemoryStore{
		nowFn: nowFn,
		newID: uuid.New,
		byID:  make(map[uuid.UUID]Deployment),
	}
}

func (s *MemoryStore) Insert(_ context.Context, d Deployment) (Deployment, error) {
	if s == nil {
		return Deployment{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := d.Validate(); err != nil {
		return Deployment{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if d.ID == uuid.Nil {
		d.ID = s.newID()
	}
	if _, ok := s.byID[d.ID]; ok {
		return Deployment{}, fmt.Errorf("%w: duplicate id %s", ErrInvalidDeployment, d.ID)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.nowFn().UTC()
	}
	s.byID[d.ID] = d
	s.order = append(s.order, d.ID)
	return d, nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (Deployment, error) {
	if s == nil {
		return Deployment{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.byID[id]
	if !ok {
		return Deployment{}, ErrNotFound
	}
	return d, nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]Deployment, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Deployment, 0)
	for _, id := range s.order {
		d := s.byID[id]
		if f.Matches(d) {
			out = append(out, d)
		}
	}
	return out, nil
}
