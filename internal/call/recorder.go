package call

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/immxrtalbeast/teleconsult/internal/metrics"
)

const (
	RecordingMIMEType = "audio/webm"

	defaultTimeslice = time.Second
	maxTimeslice     = 30 * time.Second
)

// Artifact is a finalized recording.
type Artifact struct {
	Name     string
	MIMEType string
	Size     int
	Location string
}

type ArtifactStore interface {
	Save(ctx context.Context, name string, data []byte) (string, error)
}

// DirStore writes artifacts as files into Dir.
type DirStore struct {
	Dir string
}

func (d DirStore) Save(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create recordings dir: %w", err)
	}
	path := filepath.Join(d.Dir, filepath.Base(name))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write recording: %w", err)
	}
	return path, nil
}

// ArtifactName is call-recording-<room>-<UTC timestamp>.webm.
func ArtifactName(room string, at time.Time) string {
	return fmt.Sprintf("call-recording-%s-%s.webm", room, at.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
}

type recordingInput struct {
	name   string
	source AudioSource
}

// recordingGraph mixes its inputs and emits encoded chunks. Stop returns
// after the last chunk was emitted.
type recordingGraph interface {
	Start(emit func([]byte)) error
	Stop()
}

type graphFactory func(inputs []recordingInput, timeslice time.Duration) recordingGraph

// Recorder captures the audio of both parties into one artifact. At most one
// recording is active at a time.
type Recorder struct {
	room      string
	store     ArtifactStore
	timeslice time.Duration
	notify    Notifier
	log       *slog.Logger
	now       func() time.Time
	newGraph  graphFactory

	mu    sync.Mutex
	graph recordingGraph

	chunkMu sync.Mutex
	chunks  [][]byte
}

func NewRecorder(room string, store ArtifactStore, timeslice time.Duration, notify Notifier, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default().With(slog.String("room", room))
	}
	if timeslice <= 0 {
		timeslice = defaultTimeslice
	}
	if timeslice > maxTimeslice {
		timeslice = maxTimeslice
	}
	return &Recorder{
		room:      room,
		store:     store,
		timeslice: timeslice,
		notify:    notify,
		log:       log,
		now:       time.Now,
		newGraph:  newWebmGraph,
	}
}

func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.graph != nil
}

// Start begins recording local and remote audio. It reports false without
// error when there is nothing to record or a recording is already running.
func (r *Recorder) Start(local *LocalStream, remote *RemoteStream) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.graph != nil {
		return false, nil
	}

	var inputs []recordingInput
	for _, src := range local.audioSources() {
		inputs = append(inputs, recordingInput{name: "local", source: src})
	}
	if remote != nil && remote.HasAudio() {
		inputs = append(inputs, recordingInput{name: "remote", source: remote})
	}
	if len(inputs) == 0 {
		return false, nil
	}

	r.chunkMu.Lock()
	r.chunks = nil
	r.chunkMu.Unlock()

	g := r.newGraph(inputs, r.timeslice)
	if err := g.Start(r.appendChunk); err != nil {
		return false, fmt.Errorf("start recording: %w", err)
	}
	r.graph = g

	r.log.Info("recording started", slog.Int("inputs", len(inputs)))
	r.push("Recording started", SeverityInfo)
	return true, nil
}

// Stop finalizes the active recording and saves it. It returns nil without
// error when no recording is active.
func (r *Recorder) Stop(ctx context.Context) (*Artifact, error) {
	r.mu.Lock()
	g := r.graph
	r.graph = nil
	r.mu.Unlock()

	if g == nil {
		return nil, nil
	}
	g.Stop()

	r.chunkMu.Lock()
	data := bytes.Join(r.chunks, nil)
	r.chunks = nil
	r.chunkMu.Unlock()

	a := &Artifact{
		Name:     ArtifactName(r.room, r.now()),
		MIMEType: RecordingMIMEType,
		Size:     len(data),
	}
	if r.store != nil {
		loc, err := r.store.Save(ctx, a.Name, data)
		if err != nil {
			r.push("Could not save the recording", SeverityError)
			return nil, err
		}
		a.Location = loc
	}

	metrics.RecordingsTotal.Inc()
	r.log.Info("recording saved", slog.String("name", a.Name), slog.Int("size", a.Size))
	r.push("Recording saved: "+a.Name, SeveritySuccess)
	return a, nil
}

func (r *Recorder) appendChunk(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	r.chunkMu.Lock()
	r.chunks = append(r.chunks, chunk)
	r.chunkMu.Unlock()
}

func (r *Recorder) push(msg string, sev Severity) {
	if r.notify != nil {
		r.notify.Push(msg, sev)
	}
}

// webmGraph muxes every input as its own Opus track and emits the init
// segment on start and one cluster per timeslice.
type webmGraph struct {
	inputs    []recordingInput
	timeslice time.Duration
	mux       webmMuxer
	startedAt time.Time
	emit      func([]byte)

	cancels []func()
	readers sync.WaitGroup
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newWebmGraph(inputs []recordingInput, timeslice time.Duration) recordingGraph {
	return &webmGraph{
		inputs:    inputs,
		timeslice: timeslice,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (g *webmGraph) Start(emit func([]byte)) error {
	names := make([]string, len(g.inputs))
	for i, in := range g.inputs {
		names[i] = in.name
	}
	g.startedAt = time.Now()
	g.emit = emit
	emit(webmInitSegment(names))

	for i, in := range g.inputs {
		ch, cancel := in.source.SubscribeAudio()
		g.cancels = append(g.cancels, cancel)
		g.readers.Add(1)
		go g.collect(i+1, ch)
	}

	go g.run()
	return nil
}

func (g *webmGraph) collect(track int, ch <-chan Packet) {
	defer g.readers.Done()
	for p := range ch {
		g.mux.add(track, time.Since(g.startedAt).Milliseconds(), p.Data)
	}
}

func (g *webmGraph) run() {
	defer close(g.done)

	ticker := time.NewTicker(g.timeslice)
	defer ticker.Stop()

	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			if cluster := g.mux.flush(); cluster != nil {
				g.emit(cluster)
			}
		}
	}
}

func (g *webmGraph) Stop() {
	g.once.Do(func() {
		close(g.stop)
		<-g.done
		for _, cancel := range g.cancels {
			cancel()
		}
		g.readers.Wait()
		if cluster := g.mux.flush(); cluster != nil {
			g.emit(cluster)
		}
	})
}
