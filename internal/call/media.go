package call

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

var ErrTrackStopped = errors.New("track stopped")

type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

func kindOf(t webrtc.RTPCodecType) TrackKind {
	if t == webrtc.RTPCodecTypeVideo {
		return KindVideo
	}
	return KindAudio
}

// Track is the part of a media track the media controls touch.
type Track interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
}

// Packet is one encoded media frame.
type Packet struct {
	Data     []byte
	Duration time.Duration
}

// AudioSource hands out independent feeds of encoded audio frames.
type AudioSource interface {
	SubscribeAudio() (<-chan Packet, func())
}

type sampleWriter interface {
	WriteSample(s media.Sample) error
}

const tapBuffer = 256

// fanout copies packets to every subscriber. A subscriber that falls
// tapBuffer packets behind loses packets rather than stalling the source.
type fanout struct {
	mu   sync.Mutex
	subs map[uint64]chan Packet
	next uint64
}

func (f *fanout) subscribe() (<-chan Packet, func()) {
	ch := make(chan Packet, tapBuffer)

	f.mu.Lock()
	if f.subs == nil {
		f.subs = make(map[uint64]chan Packet)
	}
	f.next++
	id := f.next
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			if _, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(ch)
			}
			f.mu.Unlock()
		})
	}
}

func (f *fanout) publish(p Packet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- p:
		default:
		}
	}
}

func (f *fanout) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}

// LocalTrack is a captured track sent to the peer. Samples written while the
// track is disabled are dropped, which the remote side sees as silence or a
// frozen frame.
type LocalTrack struct {
	id   string
	kind TrackKind
	rtc  webrtc.TrackLocal
	out  sampleWriter

	enabled  atomic.Bool
	taps     fanout
	done     chan struct{}
	stopOnce sync.Once
}

// NewLocalTrack wraps a pion sample track.
func NewLocalTrack(rtc *webrtc.TrackLocalStaticSample) *LocalTrack {
	return newLocalTrack(rtc.ID(), kindOf(rtc.Kind()), rtc, rtc)
}

func newLocalTrack(id string, kind TrackKind, rtc webrtc.TrackLocal, out sampleWriter) *LocalTrack {
	t := &LocalTrack{
		id:   id,
		kind: kind,
		rtc:  rtc,
		out:  out,
		done: make(chan struct{}),
	}
	t.enabled.Store(true)
	return t
}

func (t *LocalTrack) ID() string              { return t.id }
func (t *LocalTrack) Kind() TrackKind         { return t.kind }
func (t *LocalTrack) Enabled() bool           { return t.enabled.Load() }
func (t *LocalTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *LocalTrack) RTC() webrtc.TrackLocal  { return t.rtc }

// Done is closed once the track is stopped.
func (t *LocalTrack) Done() <-chan struct{} { return t.done }

func (t *LocalTrack) WriteSample(s media.Sample) error {
	select {
	case <-t.done:
		return ErrTrackStopped
	default:
	}
	if !t.Enabled() {
		return nil
	}
	t.taps.publish(Packet{Data: s.Data, Duration: s.Duration})
	if t.out == nil {
		return nil
	}
	return t.out.WriteSample(s)
}

// SubscribeAudio taps the frames sent on an audio track.
func (t *LocalTrack) SubscribeAudio() (<-chan Packet, func()) {
	return t.taps.subscribe()
}

// Stop ends capture. Safe to call more than once.
func (t *LocalTrack) Stop() {
	t.stopOnce.Do(func() {
		close(t.done)
		t.taps.close()
	})
}

// LocalStream is the set of tracks captured for one call.
type LocalStream struct {
	tracks []*LocalTrack
}

func NewLocalStream(tracks ...*LocalTrack) *LocalStream {
	return &LocalStream{tracks: tracks}
}

func (s *LocalStream) Tracks() []*LocalTrack {
	if s == nil {
		return nil
	}
	return s.tracks
}

func (s *LocalStream) TracksOf(kind TrackKind) []*LocalTrack {
	var out []*LocalTrack
	for _, t := range s.Tracks() {
		if t.kind == kind {
			out = append(out, t)
		}
	}
	return out
}

func (s *LocalStream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

func (s *LocalStream) audioSources() []AudioSource {
	var out []AudioSource
	for _, t := range s.TracksOf(KindAudio) {
		out = append(out, t)
	}
	return out
}

// MediaControl holds the audio-muted and video-off toggles. Each toggle is
// applied to the captured tracks and to the tracks behind the peer senders.
type MediaControl struct {
	mu         sync.Mutex
	audioMuted bool
	videoOff   bool
	stream     *LocalStream
	senders    []Sender
}

func NewMediaControl() *MediaControl {
	return &MediaControl{}
}

// Attach binds the controls to a stream and its senders and applies the
// current toggles to them.
func (m *MediaControl) Attach(stream *LocalStream, senders []Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stream = stream
	m.senders = senders
	m.applyLocked(KindAudio, !m.audioMuted)
	m.applyLocked(KindVideo, !m.videoOff)
}

// Detach drops the stream and senders.
func (m *MediaControl) Detach() {
	m.mu.Lock()
	m.stream = nil
	m.senders = nil
	m.mu.Unlock()
}

// ToggleAudio flips the muted flag and returns the new value.
func (m *MediaControl) ToggleAudio() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audioMuted = !m.audioMuted
	m.applyLocked(KindAudio, !m.audioMuted)
	return m.audioMuted
}

// ToggleVideo flips the video-off flag and returns the new value.
func (m *MediaControl) ToggleVideo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videoOff = !m.videoOff
	m.applyLocked(KindVideo, !m.videoOff)
	return m.videoOff
}

func (m *MediaControl) AudioMuted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioMuted
}

func (m *MediaControl) VideoOff() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.videoOff
}

func (m *MediaControl) applyLocked(kind TrackKind, enabled bool) {
	for _, t := range m.stream.TracksOf(kind) {
		t.SetEnabled(enabled)
	}
	for _, s := range m.senders {
		if t := s.Track(); t != nil && t.Kind() == kind {
			t.SetEnabled(enabled)
		}
	}
}
