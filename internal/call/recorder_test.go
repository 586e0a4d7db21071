package call

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkGraph emits scripted chunks instead of encoding audio.
type chunkGraph struct {
	mu      sync.Mutex
	emit    func([]byte)
	inputs  []recordingInput
	stopped int
}

func (g *chunkGraph) Start(emit func([]byte)) error {
	g.mu.Lock()
	g.emit = emit
	g.mu.Unlock()
	return nil
}

func (g *chunkGraph) Stop() {
	g.mu.Lock()
	g.stopped++
	g.mu.Unlock()
}

func (g *chunkGraph) send(chunk []byte) {
	g.mu.Lock()
	emit := g.emit
	g.mu.Unlock()
	emit(chunk)
}

func scriptedRecorder(t *testing.T, dir string) (*Recorder, *chunkGraph, *alertLog) {
	t.Helper()
	alerts := &alertLog{}
	r := NewRecorder("abc123", DirStore{Dir: dir}, time.Second, alerts, nil)
	r.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 678_000_000, time.UTC) }
	g := &chunkGraph{}
	r.newGraph = func(inputs []recordingInput, _ time.Duration) recordingGraph {
		g.inputs = inputs
		return g
	}
	return r, g, alerts
}

func TestRecordingKeepsEveryChunkInOrder(t *testing.T) {
	dir := t.TempDir()
	r, g, alerts := scriptedRecorder(t, dir)

	local := NewLocalStream(newLocalTrack("mic", KindAudio, nil, nil))
	remote := NewRemoteStream()
	remote.Add(newFakeRemoteTrack("remote", KindAudio))

	started, err := r.Start(local, remote)
	require.NoError(t, err)
	require.True(t, started)
	require.Len(t, g.inputs, 2)

	var want [][]byte
	for i, size := range []int{10, 20, 5, 30} {
		chunk := bytes.Repeat([]byte{byte('a' + i)}, size)
		want = append(want, chunk)
		g.send(chunk)
	}

	a, err := r.Stop(context.Background())
	require.NoError(t, err)
	require.NotNil(t, a)

	assert.Equal(t, 65, a.Size)
	assert.Equal(t, "call-recording-abc123-2024-01-02T03:04:05.678Z.webm", a.Name)
	assert.Equal(t, RecordingMIMEType, a.MIMEType)
	assert.Equal(t, filepath.Join(dir, a.Name), a.Location)

	data, err := os.ReadFile(a.Location)
	require.NoError(t, err)
	assert.Equal(t, bytes.Join(want, nil), data)

	assert.Equal(t, 1, g.stopped)
	assert.Equal(t, []Severity{SeverityInfo, SeveritySuccess}, alerts.severities())
	assert.False(t, r.Active())
}

func TestRecorderNoOps(t *testing.T) {
	r, _, alerts := scriptedRecorder(t, t.TempDir())

	a, err := r.Stop(context.Background())
	require.NoError(t, err)
	assert.Nil(t, a)

	started, err := r.Start(nil, nil)
	require.NoError(t, err)
	assert.False(t, started)
	assert.Empty(t, alerts.severities())

	// streams without any audio track
	silent := NewLocalStream(newLocalTrack("cam", KindVideo, nil, nil))
	started, err = r.Start(silent, NewRemoteStream())
	require.NoError(t, err)
	assert.False(t, started)
	assert.False(t, r.Active())
	assert.Empty(t, alerts.severities())

	a, err = r.Stop(context.Background())
	require.NoError(t, err)
	assert.Nil(t, a, "no artifact without a recording")

	mic := NewLocalStream(newLocalTrack("mic", KindAudio, nil, nil))
	started, err = r.Start(mic, nil)
	require.NoError(t, err)
	require.True(t, started)

	started, err = r.Start(mic, nil)
	require.NoError(t, err)
	assert.False(t, started, "second start while recording")
}

func TestRecorderClearsChunksBetweenRecordings(t *testing.T) {
	r, g, _ := scriptedRecorder(t, t.TempDir())

	mic := NewLocalStream(newLocalTrack("mic", KindAudio, nil, nil))

	_, err := r.Start(mic, nil)
	require.NoError(t, err)
	g.send([]byte("first"))
	first, err := r.Stop(context.Background())
	require.NoError(t, err)

	_, err = r.Start(mic, nil)
	require.NoError(t, err)
	g.send([]byte("second!"))
	second, err := r.Stop(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, first.Size)
	assert.Equal(t, 7, second.Size)
}

func TestWebmRecordingMuxesBothParties(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder("abc123", DirStore{Dir: dir}, 20*time.Millisecond, nil, nil)

	mic := newLocalTrack("mic", KindAudio, nil, nil)
	remoteTrack := newFakeRemoteTrack("remote", KindAudio)
	remote := NewRemoteStream()
	remote.Add(remoteTrack)

	started, err := r.Start(NewLocalStream(mic), remote)
	require.NoError(t, err)
	require.True(t, started)

	require.NoError(t, mic.WriteSample(media.Sample{Data: []byte("LOCALFRAME"), Duration: 20 * time.Millisecond}))
	remoteTrack.packets <- Packet{Data: []byte("REMOTEFRAME")}
	time.Sleep(60 * time.Millisecond)

	a, err := r.Stop(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(a.Location)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, idEBML))
	assert.True(t, bytes.Contains(data, []byte("A_OPUS")))
	assert.True(t, bytes.Contains(data, idCluster))
	assert.True(t, bytes.Contains(data, []byte("LOCALFRAME")))
	assert.True(t, bytes.Contains(data, []byte("REMOTEFRAME")))

	remoteTrack.stop()
}

func TestRecorderLogsRoomOnce(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil)).With(slog.String("room", "abc123"))

	r := NewRecorder("abc123", DirStore{Dir: t.TempDir()}, time.Second, nil, log)
	r.newGraph = func([]recordingInput, time.Duration) recordingGraph { return &chunkGraph{} }

	started, err := r.Start(NewLocalStream(newLocalTrack("mic", KindAudio, nil, nil)), nil)
	require.NoError(t, err)
	require.True(t, started)

	line, _, _ := bytes.Cut(buf.Bytes(), []byte("\n"))
	require.NotEmpty(t, line)
	assert.Equal(t, 1, bytes.Count(line, []byte(`"room":`)), string(line))
}
