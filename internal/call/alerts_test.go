package call

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlertQueueKeepsInsertionOrder(t *testing.T) {
	q := NewAlertQueue(time.Minute, nil)
	defer q.Close()

	first := q.Push("recording started", SeverityInfo)
	second := q.Push("camera unavailable", SeverityWarning)
	third := q.Push("call failed", SeverityError)
	assert.NotEqual(t, first, second)

	alerts := q.List()
	require.Len(t, alerts, 3)
	assert.Equal(t, []string{first, second, third}, []string{alerts[0].ID, alerts[1].ID, alerts[2].ID})

	assert.True(t, q.Dismiss(second))
	assert.False(t, q.Dismiss(second))

	alerts = q.List()
	require.Len(t, alerts, 2)
	assert.Equal(t, first, alerts[0].ID)
	assert.Equal(t, third, alerts[1].ID)
}

func TestAlertsExpire(t *testing.T) {
	var (
		mu      sync.Mutex
		changes int
	)
	q := NewAlertQueue(30*time.Millisecond, func([]Alert) {
		mu.Lock()
		changes++
		mu.Unlock()
	})
	defer q.Close()

	q.Push("hello", SeverityInfo)
	assert.Len(t, q.List(), 1)

	require.Eventually(t, func() bool { return len(q.List()) == 0 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return changes == 2
	}, time.Second, 5*time.Millisecond)
}

func TestClosedQueueDropsAlerts(t *testing.T) {
	q := NewAlertQueue(0, nil)
	q.Close()
	q.Push("late", SeverityInfo)
	assert.Empty(t, q.List())
}
