package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/immxrtalbeast/teleconsult/internal/domain"
)

var ErrCallNotFound = errors.New("call not found")

// CallFilter narrows List. Zero values match everything.
type CallFilter struct {
	Room     string
	OpenOnly bool
	Limit    int
}

type CallRepository interface {
	Create(ctx context.Context, call *domain.CallRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.CallRecord, error)
	Update(ctx context.Context, call *domain.CallRecord) error
	// List returns matching calls, most recent first.
	List(ctx context.Context, filter CallFilter) ([]*domain.CallRecord, error)
}
