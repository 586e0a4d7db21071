package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/immxrtalbeast/teleconsult/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryCallRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryCallRepository()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	older := domain.NewCallRecord("room-a", base)
	newer := domain.NewCallRecord("room-b", base.Add(time.Minute))
	other := domain.NewCallRecord("room-a", base.Add(2*time.Minute))
	for _, c := range []*domain.CallRecord{older, newer, other} {
		require.NoError(t, repo.Create(ctx, c))
	}

	older.Answer(base.Add(5 * time.Second))
	older.End(base.Add(65 * time.Second))
	require.NoError(t, repo.Update(ctx, older))

	got, err := repo.GetByID(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, got.Duration)
	assert.False(t, got.IsOpen())

	all, err := repo.List(ctx, CallFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, other.ID, all[0].ID)
	assert.Equal(t, older.ID, all[2].ID)

	roomA, err := repo.List(ctx, CallFilter{Room: "room-a"})
	require.NoError(t, err)
	assert.Len(t, roomA, 2)

	open, err := repo.List(ctx, CallFilter{OpenOnly: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, other.ID, open[0].ID)
}

func TestInMemoryCallRepositoryNotFound(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryCallRepository()

	_, err := repo.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrCallNotFound)

	err = repo.Update(ctx, domain.NewCallRecord("x", time.Now()))
	assert.ErrorIs(t, err, ErrCallNotFound)
}

func TestInMemoryCallRepositoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryCallRepository()
	call := domain.NewCallRecord("room", time.Now())
	require.NoError(t, repo.Create(ctx, call))

	got, err := repo.GetByID(ctx, call.ID)
	require.NoError(t, err)
	got.Room = "changed"

	again, err := repo.GetByID(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, "room", again.Room)
}

func TestCallModelRoundTrip(t *testing.T) {
	local := time.FixedZone("UTC+3", 3*3600)
	call := domain.NewCallRecord("room", time.Date(2024, 5, 1, 13, 0, 0, 0, local))
	call.Answer(time.Date(2024, 5, 1, 13, 0, 10, 0, local))
	call.End(time.Date(2024, 5, 1, 13, 2, 10, 0, local))

	m := toModelCall(call)
	assert.Equal(t, int64(120000), m.DurationMs)
	assert.Equal(t, time.UTC, m.StartedAt.Location())

	back := toDomainCall(m)
	assert.Equal(t, call, back)
}
