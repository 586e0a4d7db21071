package repository

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/immxrtalbeast/teleconsult/internal/domain"
)

type InMemoryCallRepository struct {
	mu    sync.RWMutex
	calls map[uuid.UUID]*domain.CallRecord
}

func NewInMemoryCallRepository() *InMemoryCallRepository {
	return &InMemoryCallRepository{
		calls: make(map[uuid.UUID]*domain.CallRecord),
	}
}

func (r *InMemoryCallRepository) Create(ctx context.Context, call *domain.CallRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if call == nil {
		return errors.New("call is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c := *call
	r.calls[call.ID] = &c
	return nil
}

func (r *InMemoryCallRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.CallRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	call, ok := r.calls[id]
	if !ok {
		return nil, ErrCallNotFound
	}

	c := *call
	return &c, nil
}

func (r *InMemoryCallRepository) Update(ctx context.Context, call *domain.CallRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if call == nil {
		return errors.New("call is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.calls[call.ID]; !ok {
		return ErrCallNotFound
	}

	c := *call
	r.calls[call.ID] = &c
	return nil
}

func (r *InMemoryCallRepository) List(ctx context.Context, filter CallFilter) ([]*domain.CallRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*domain.CallRecord, 0, len(r.calls))
	for _, call := range r.calls {
		if filter.Room != "" && call.Room != filter.Room {
			continue
		}
		if filter.OpenOnly && !call.IsOpen() {
			continue
		}
		c := *call
		result = append(result, &c)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}

	return result, nil
}
