package http

import (
	"log/slog"
	"testing"
	"time"

	"github.com/immxrtalbeast/teleconsult/internal/domain"
	"github.com/immxrtalbeast/teleconsult/internal/metrics"
	"github.com/immxrtalbeast/teleconsult/internal/realtime"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeepalivePeriod(t *testing.T) {
	tests := []struct {
		ttl  time.Duration
		want time.Duration
	}{
		{ttl: 0, want: pingPeriod},
		{ttl: 30 * time.Second, want: 10 * time.Second},
		{ttl: 10 * time.Minute, want: pingPeriod},
		{ttl: 60 * time.Millisecond, want: minPingPeriod},
	}

	for _, tt := range tests {
		got := keepalivePeriod(tt.ttl)
		assert.Equal(t, tt.want, got, tt.ttl.String())
		if tt.ttl >= pingsPerLease*minPingPeriod {
			assert.Less(t, got, tt.ttl)
		}
	}
}

func TestSubscribeAfterCloseIsRejected(t *testing.T) {
	store := realtime.NewStore(nil)
	c := newSignalConn(nil, store, store.OpenSession(time.Minute), pingPeriod, slog.Default())

	require.NoError(t, c.subscribe(1, "rooms/a"))
	before := testutil.ToFloat64(metrics.ActiveSubscriptions)

	c.close()
	assert.Equal(t, before-1, testutil.ToFloat64(metrics.ActiveSubscriptions))

	err := c.subscribe(2, "rooms/a")
	assert.ErrorIs(t, err, errConnClosed)
	assert.Equal(t, before-1, testutil.ToFloat64(metrics.ActiveSubscriptions), "store subscription leaked")

	c.mu.Lock()
	assert.Empty(t, c.subs)
	c.mu.Unlock()

	reply := c.handle(domain.SignalRequest{ID: 3, Op: domain.OpSubscribe, Path: "rooms/a", Sub: 3})
	assert.False(t, reply.OK)
	assert.Contains(t, reply.Error, errConnClosed.Error())
}
