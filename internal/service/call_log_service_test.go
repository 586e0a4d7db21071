package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/immxrtalbeast/teleconsult/internal/domain"
	"github.com/immxrtalbeast/teleconsult/internal/realtime"
	"github.com/immxrtalbeast/teleconsult/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestCallLogFollowsRoomLifetime(t *testing.T) {
	clk := &clock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	store := realtime.NewStore(nil, realtime.WithClock(clk.Now))
	repo := repository.NewInMemoryCallRepository()

	svc := NewCallLogService(repo, store, "rooms", nil)
	svc.now = clk.Now

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.Run(ctx) }()

	offer := domain.SessionRecord{Type: 1, SDP: "X", CreatedAt: &domain.ServerTime{}}
	require.NoError(t, store.Write("rooms/abc123/offer", raw(t, offer)))

	var calls []*domain.CallRecord
	require.Eventually(t, func() bool {
		calls, _ = svc.ListCalls(ctx, "abc123", 0)
		return len(calls) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, clk.Now(), calls[0].StartedAt)
	assert.True(t, calls[0].IsOpen())

	clk.Advance(10 * time.Second)
	require.NoError(t, store.Write("rooms/abc123/answer", raw(t, map[string]string{"type": "answer", "sdp": "Y"})))
	require.Eventually(t, func() bool {
		c, _ := svc.GetCall(ctx, calls[0].ID)
		return c != nil && c.AnsweredAt != nil
	}, time.Second, 5*time.Millisecond)

	clk.Advance(125 * time.Second)
	require.NoError(t, store.Remove("rooms/abc123"))
	require.Eventually(t, func() bool {
		c, _ := svc.GetCall(ctx, calls[0].ID)
		return c != nil && !c.IsOpen()
	}, time.Second, 5*time.Millisecond)

	c, err := svc.GetCall(ctx, calls[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 125*time.Second, c.Duration)
}

func TestCallLogUnansweredCall(t *testing.T) {
	store := realtime.NewStore(nil)
	repo := repository.NewInMemoryCallRepository()
	svc := NewCallLogService(repo, store, "rooms", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.Run(ctx) }()

	// candidates alone do not open a call
	require.NoError(t, store.Write("rooms/r1/callerCandidates/k1", raw(t, map[string]string{"candidate": "c"})))
	require.NoError(t, store.Write("rooms/r2/offer", raw(t, map[string]string{"sdp": "X"})))

	require.Eventually(t, func() bool {
		calls, _ := svc.ListCalls(ctx, "", 0)
		return len(calls) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, store.Remove("rooms/r2"))
	require.Eventually(t, func() bool {
		calls, _ := svc.ListCalls(ctx, "r2", 0)
		return len(calls) == 1 && !calls[0].IsOpen()
	}, time.Second, 5*time.Millisecond)

	calls, err := svc.ListCalls(ctx, "r2", 0)
	require.NoError(t, err)
	assert.Nil(t, calls[0].AnsweredAt)
	assert.Zero(t, calls[0].Duration)
}
