package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/immxrtalbeast/teleconsult/internal/domain"
)

type CallInteractor interface {
	ListCalls(ctx context.Context, room string, limit int) ([]*domain.CallRecord, error)
	GetCall(ctx context.Context, id uuid.UUID) (*domain.CallRecord, error)
}

// RoomWatcher is the part of the signaling store the call log reads.
type RoomWatcher interface {
	Subscribe(path string, fn func(domain.Snapshot)) (func(), error)
}
