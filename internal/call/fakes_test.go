package call

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/immxrtalbeast/teleconsult/internal/domain"
	"github.com/immxrtalbeast/teleconsult/internal/realtime"
	"github.com/immxrtalbeast/teleconsult/internal/signalclient"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type fakeSenderTrack struct {
	id   string
	kind TrackKind

	mu      sync.Mutex
	enabled bool
}

func (t *fakeSenderTrack) ID() string      { return t.id }
func (t *fakeSenderTrack) Kind() TrackKind { return t.kind }
func (t *fakeSenderTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}
func (t *fakeSenderTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

type fakeSender struct {
	track *fakeSenderTrack
}

func (s *fakeSender) Track() Track { return s.track }

type fakeRemoteTrack struct {
	id      string
	kind    TrackKind
	packets chan Packet
	done    chan struct{}
	once    sync.Once
}

func newFakeRemoteTrack(id string, kind TrackKind) *fakeRemoteTrack {
	return &fakeRemoteTrack{id: id, kind: kind, packets: make(chan Packet, 16), done: make(chan struct{})}
}

func (t *fakeRemoteTrack) ID() string      { return t.id }
func (t *fakeRemoteTrack) Kind() TrackKind { return t.kind }

func (t *fakeRemoteTrack) ReadPacket() (Packet, error) {
	select {
	case p := <-t.packets:
		return p, nil
	case <-t.done:
		return Packet{}, io.EOF
	}
}

func (t *fakeRemoteTrack) stop() {
	t.once.Do(func() { close(t.done) })
}

// fakePeer emits its configured candidates once a local description is set
// and refuses remote candidates before a remote description, like pion.
type fakePeer struct {
	name       string
	candidates []webrtc.ICECandidateInit

	mu           sync.Mutex
	local        *webrtc.SessionDescription
	remote       *webrtc.SessionDescription
	remoteSets   int
	applied      []webrtc.ICECandidateInit
	closes       int
	addedTracks  []*LocalTrack
	senders      []*fakeSender
	remoteTracks []*fakeRemoteTrack
	onCandidate  func(webrtc.ICECandidateInit)
	onTrack      func(RemoteTrack)
}

func (p *fakePeer) AddTrack(track *LocalTrack) (Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &fakeSender{track: &fakeSenderTrack{id: track.ID(), kind: track.Kind(), enabled: true}}
	p.addedTracks = append(p.addedTracks, track)
	p.senders = append(p.senders, s)
	return s, nil
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-" + p.name}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-" + p.name}, nil
}

func (p *fakePeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	p.local = &desc
	cb := p.onCandidate
	candidates := p.candidates
	p.mu.Unlock()

	if cb != nil && len(candidates) > 0 {
		go func() {
			for _, c := range candidates {
				cb(c)
			}
		}()
	}
	return nil
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = &desc
	p.remoteSets++
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("remote description not set")
	}
	p.applied = append(p.applied, c)
	return nil
}

func (p *fakePeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnTrack(fn func(RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnConnectionStateChange(func(webrtc.PeerConnectionState)) {}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closes++
	tracks := p.remoteTracks
	p.mu.Unlock()
	for _, t := range tracks {
		t.stop()
	}
	return nil
}

func (p *fakePeer) emitTrack(t *fakeRemoteTrack) {
	p.mu.Lock()
	p.remoteTracks = append(p.remoteTracks, t)
	cb := p.onTrack
	p.mu.Unlock()
	cb(t)
}

func (p *fakePeer) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

func (p *fakePeer) remoteSetCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteSets
}

func (p *fakePeer) remoteSDP() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return ""
	}
	return p.remote.SDP
}

func (p *fakePeer) appliedCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.applied))
	for i, c := range p.applied {
		out[i] = c.Candidate
	}
	return out
}

// peerLog hands out fake peers and remembers them in creation order.
type peerLog struct {
	name       string
	candidates []webrtc.ICECandidateInit

	mu    sync.Mutex
	peers []*fakePeer
}

func (l *peerLog) factory() PeerFactory {
	return func() (PeerConnection, error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		p := &fakePeer{name: l.name, candidates: l.candidates}
		l.peers = append(l.peers, p)
		return p, nil
	}
}

func (l *peerLog) all() []*fakePeer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakePeer(nil), l.peers...)
}

func (l *peerLog) last(t *testing.T) *fakePeer {
	t.Helper()
	var p *fakePeer
	require.Eventually(t, func() bool {
		all := l.all()
		if len(all) == 0 {
			return false
		}
		p = all[len(all)-1]
		return true
	}, waitFor, 5*time.Millisecond)
	return p
}

type fakeDevices struct {
	err error
}

func (d fakeDevices) GetUserMedia(context.Context) (*LocalStream, error) {
	if d.err != nil {
		return nil, d.err
	}
	return NewLocalStream(
		newLocalTrack("mic", KindAudio, nil, nil),
		newLocalTrack("cam", KindVideo, nil, nil),
	), nil
}

type alertLog struct {
	mu     sync.Mutex
	alerts []Alert
}

func (l *alertLog) Push(msg string, sev Severity) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alerts = append(l.alerts, Alert{Message: msg, Severity: sev})
	return msg
}

func (l *alertLog) severities() []Severity {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Severity, len(l.alerts))
	for i, a := range l.alerts {
		out[i] = a.Severity
	}
	return out
}

func (l *alertLog) messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.alerts))
	for i, a := range l.alerts {
		out[i] = a.Message
	}
	return out
}

type navLog struct {
	mu     sync.Mutex
	routes []string
}

func (n *navLog) Navigate(route string) {
	n.mu.Lock()
	n.routes = append(n.routes, route)
	n.mu.Unlock()
}

func (n *navLog) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.routes...)
}

type closeLog struct {
	mu      sync.Mutex
	reasons []CloseReason
}

func (c *closeLog) add(r CloseReason) {
	c.mu.Lock()
	c.reasons = append(c.reasons, r)
	c.mu.Unlock()
}

func (c *closeLog) all() []CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CloseReason(nil), c.reasons...)
}

func candidate(s string) webrtc.ICECandidateInit {
	mid := "0"
	idx := uint16(0)
	return webrtc.ICECandidateInit{Candidate: s, SDPMid: &mid, SDPMLineIndex: &idx}
}

type participant struct {
	session *Session
	peers   *peerLog
	alerts  *alertLog
	closed  *closeLog
	channel *signalclient.Local
}

func newParticipant(t *testing.T, store *realtime.Store, room, name string, candidates []webrtc.ICECandidateInit, tweak ...func(*SessionConfig)) *participant {
	t.Helper()
	p := &participant{
		peers:   &peerLog{name: name, candidates: candidates},
		alerts:  &alertLog{},
		closed:  &closeLog{},
		channel: signalclient.NewLocal(store),
	}
	cfg := SessionConfig{
		Room:      room,
		RoomsPath: "rooms",
		Channel:   p.channel,
		NewPeer:   p.peers.factory(),
		Devices:   fakeDevices{},
		Alerts:    p.alerts,
		Artifacts: DirStore{Dir: t.TempDir()},
		OnClosed:  p.closed.add,
	}
	for _, fn := range tweak {
		fn(&cfg)
	}
	p.session = NewSession(cfg)
	t.Cleanup(func() {
		p.session.Close()
		_ = p.channel.Close()
	})
	return p
}

func (p *participant) start(t *testing.T) {
	t.Helper()
	require.NoError(t, p.session.Start(context.Background()))
}

func (p *participant) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return p.session.State() == want }, waitFor, 5*time.Millisecond,
		"state is %s, want %s", p.session.State(), want)
}

func readRoom(t *testing.T, store *realtime.Store, room string) (domain.RoomRecord, bool) {
	t.Helper()
	raw, ok, err := store.Read(domain.JoinPath("rooms", room))
	require.NoError(t, err)
	var rec domain.RoomRecord
	if ok {
		snap := domain.Snapshot{Exists: true, Value: raw}
		require.NoError(t, snap.Decode(&rec))
	}
	return rec, ok
}
