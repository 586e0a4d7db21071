package realtime

import (
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/immxrtalbeast/teleconsult/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	snaps []domain.Snapshot
}

func (r *recorder) add(s domain.Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *recorder) all() []domain.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Snapshot(nil), r.snaps...)
}

func (r *recorder) waitLen(t *testing.T, n int) []domain.Snapshot {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.all()) >= n }, time.Second, 5*time.Millisecond)
	return r.all()
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestWriteAndReadComposeTree(t *testing.T) {
	s := NewStore(nil)

	require.NoError(t, s.Write("rooms/abc/offer", raw(t, map[string]any{"type": "offer", "sdp": "X"})))

	value, ok, err := s.Read("rooms/abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"offer":{"type":"offer","sdp":"X"}}`, string(value))

	_, ok, err = s.Read("rooms/abc/answer")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWriteResolvesServerTimestamp(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	s := NewStore(nil, WithClock(func() time.Time { return now }))

	rec := domain.SessionRecord{Type: 1, SDP: "X", CreatedAt: &domain.ServerTime{}}
	require.NoError(t, s.Write("rooms/abc/offer", raw(t, rec)))

	value, ok, err := s.Read("rooms/abc/offer")
	require.NoError(t, err)
	require.True(t, ok)

	var got domain.SessionRecord
	require.NoError(t, json.Unmarshal(value, &got))
	require.NotNil(t, got.CreatedAt)
	assert.Equal(t, int64(1700000000123), got.CreatedAt.Millis)
}

func TestWriteNullRemoves(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.Write("a/b", raw(t, 1)))
	require.NoError(t, s.Write("a/b", json.RawMessage("null")))

	_, ok, err := s.Read("a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInvalidPaths(t *testing.T) {
	s := NewStore(nil)
	for _, p := range []string{"a//b", "a/b.c", "rooms/$x", "x[1]"} {
		assert.ErrorIs(t, s.Write(p, raw(t, 1)), ErrPathInvalid, p)
	}
	assert.ErrorIs(t, s.Write("", raw(t, 1)), ErrRootWrite)
}

func TestCreateIfAbsent(t *testing.T) {
	s := NewStore(nil)

	created, err := s.CreateIfAbsent("rooms/r/offer", raw(t, map[string]string{"sdp": "first"}))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateIfAbsent("rooms/r/offer", raw(t, map[string]string{"sdp": "second"}))
	require.NoError(t, err)
	assert.False(t, created)

	value, _, err := s.Read("rooms/r/offer/sdp")
	require.NoError(t, err)
	assert.JSONEq(t, `"first"`, string(value))
}

func TestAppendKeysAreOrdered(t *testing.T) {
	s := NewStore(nil)

	var keys []string
	for i := 0; i < 50; i++ {
		key, err := s.Append("rooms/r/callerCandidates", raw(t, map[string]int{"n": i}))
		require.NoError(t, err)
		keys = append(keys, key)
	}

	assert.True(t, sort.StringsAreSorted(keys))

	value, _, err := s.Read("rooms/r/callerCandidates")
	require.NoError(t, err)
	var list map[string]map[string]int
	require.NoError(t, json.Unmarshal(value, &list))
	assert.Len(t, list, 50)
	assert.Equal(t, 49, list[keys[49]]["n"])
}

func TestRemovePrunesEmptyParents(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.Write("rooms/a/offer", raw(t, "x")))
	require.NoError(t, s.Write("rooms/b/offer", raw(t, "y")))

	require.NoError(t, s.Remove("rooms/a/offer"))

	value, ok, err := s.Read("rooms")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"b":{"offer":"y"}}`, string(value))
}

func TestSubscribeDeliversSnapshotThenChanges(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.Write("rooms/r/offer", raw(t, "x")))

	var rec recorder
	cancel, err := s.Subscribe("rooms/r", rec.add)
	require.NoError(t, err)
	defer cancel()

	// initial snapshot
	snaps := rec.waitLen(t, 1)
	assert.True(t, snaps[0].Exists)
	assert.JSONEq(t, `{"offer":"x"}`, string(snaps[0].Value))

	// descendant change, unrelated change, identical rewrite, removal
	require.NoError(t, s.Write("rooms/r/answer", raw(t, "y")))
	require.NoError(t, s.Write("rooms/other/offer", raw(t, "z")))
	require.NoError(t, s.Write("rooms/r/answer", raw(t, "y")))
	require.NoError(t, s.Remove("rooms/r"))

	snaps = rec.waitLen(t, 3)
	time.Sleep(20 * time.Millisecond)
	snaps = rec.all()
	require.Len(t, snaps, 3)
	assert.JSONEq(t, `{"answer":"y","offer":"x"}`, string(snaps[1].Value))
	assert.False(t, snaps[2].Exists)
	assert.Equal(t, "rooms/r", snaps[2].Path)
}

func TestSubscribeAncestorWrite(t *testing.T) {
	s := NewStore(nil)

	var rec recorder
	cancel, err := s.Subscribe("rooms/r/answer", rec.add)
	require.NoError(t, err)
	defer cancel()

	rec.waitLen(t, 1)
	require.NoError(t, s.Write("rooms/r", raw(t, map[string]any{"answer": map[string]string{"sdp": "Y"}})))

	snaps := rec.waitLen(t, 2)
	assert.False(t, snaps[0].Exists)
	assert.JSONEq(t, `{"sdp":"Y"}`, string(snaps[1].Value))
}

func TestCancelStopsDelivery(t *testing.T) {
	s := NewStore(nil)

	var rec recorder
	cancel, err := s.Subscribe("a", rec.add)
	require.NoError(t, err)
	rec.waitLen(t, 1)

	cancel()
	cancel()
	require.NoError(t, s.Write("a", raw(t, 1)))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.all(), 1)
}

func TestSessionCloseRunsDisconnectRemovals(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.Write("rooms/r/offer", raw(t, "x")))
	require.NoError(t, s.Write("rooms/keep/offer", raw(t, "x")))

	sess := s.OpenSession(time.Minute)
	require.NoError(t, sess.OnDisconnectRemove("rooms/r"))
	require.NoError(t, sess.OnDisconnectRemove("rooms/keep"))
	sess.CancelDisconnect("rooms/keep")

	sess.Close()
	sess.Close()

	_, ok, _ := s.Read("rooms/r")
	assert.False(t, ok)
	_, ok, _ = s.Read("rooms/keep")
	assert.True(t, ok)
	assert.ErrorIs(t, sess.OnDisconnectRemove("rooms/x"), ErrSessionClosed)
}

func TestSessionLeaveKeepsData(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.Write("rooms/r/offer", raw(t, "x")))

	sess := s.OpenSession(time.Minute)
	require.NoError(t, sess.OnDisconnectRemove("rooms/r"))
	sess.Leave()

	_, ok, _ := s.Read("rooms/r")
	assert.True(t, ok)
}

func TestSweepExpiresUnrenewedLeases(t *testing.T) {
	var mu sync.Mutex
	now := time.Unix(1000, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	s := NewStore(nil, WithClock(clock))
	require.NoError(t, s.Write("rooms/gone/offer", raw(t, "x")))
	require.NoError(t, s.Write("rooms/alive/offer", raw(t, "x")))

	stale := s.OpenSession(10 * time.Second)
	require.NoError(t, stale.OnDisconnectRemove("rooms/gone"))
	alive := s.OpenSession(10 * time.Second)
	require.NoError(t, alive.OnDisconnectRemove("rooms/alive"))

	advance(6 * time.Second)
	alive.Renew()
	advance(6 * time.Second)
	s.sweep()

	_, ok, _ := s.Read("rooms/gone")
	assert.False(t, ok)
	_, ok, _ = s.Read("rooms/alive")
	assert.True(t, ok)
}
