package call

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// PeerConnection is the negotiation surface a session drives.
type PeerConnection interface {
	AddTrack(track *LocalTrack) (Sender, error)
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnTrack(fn func(RemoteTrack))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	Close() error
}

// Sender is an outgoing track slot on a peer connection.
type Sender interface {
	Track() Track
}

// RemoteTrack is a track received from the other party.
type RemoteTrack interface {
	ID() string
	Kind() TrackKind
	ReadPacket() (Packet, error)
}

type PeerFactory func() (PeerConnection, error)

type PeerConfig struct {
	ICEServers          []webrtc.ICEServer
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

// ICEServers builds the server list from STUN and TURN urls. TURN entries
// share one credential pair.
func ICEServers(stun, turn []string, username, password string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(stun) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stun})
	}
	if len(turn) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       turn,
			Username:   username,
			Credential: password,
		})
	}
	return servers
}

// NewPionFactory prepares a pion API with the default codecs and
// interceptors and returns a factory of peer connections built on it.
func NewPionFactory(cfg PeerConfig) (PeerFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	if cfg.DisconnectedTimeout <= 0 {
		cfg.DisconnectedTimeout = 30 * time.Second
	}
	if cfg.FailedTimeout <= 0 {
		cfg.FailedTimeout = 120 * time.Second
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = 2 * time.Second
	}
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	return func() (PeerConnection, error) {
		pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
		if err != nil {
			return nil, fmt.Errorf("new peer connection: %w", err)
		}
		return &pionPeer{pc: pc, tracks: make(map[string]*LocalTrack)}, nil
	}, nil
}

type pionPeer struct {
	pc *webrtc.PeerConnection

	mu     sync.Mutex
	tracks map[string]*LocalTrack
}

func (p *pionPeer) AddTrack(track *LocalTrack) (Sender, error) {
	if track.RTC() == nil {
		return nil, fmt.Errorf("track %s has no rtc track", track.ID())
	}
	sender, err := p.pc.AddTrack(track.RTC())
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.tracks[track.ID()] = track
	p.mu.Unlock()

	// Read incoming RTCP so interceptors (NACK, reports) keep working.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	return &pionSender{sender: sender, peer: p}, nil
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *pionPeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (p *pionPeer) OnTrack(fn func(RemoteTrack)) {
	p.pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(&pionRemoteTrack{track: t})
	})
}

func (p *pionPeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

func (p *pionPeer) lookup(id string) *LocalTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tracks[id]
}

type pionSender struct {
	sender *webrtc.RTPSender
	peer   *pionPeer
}

// Track resolves the sender's current track back to the captured track.
func (s *pionSender) Track() Track {
	tl := s.sender.Track()
	if tl == nil {
		return nil
	}
	t := s.peer.lookup(tl.ID())
	if t == nil {
		return nil
	}
	return t
}

type pionRemoteTrack struct {
	track *webrtc.TrackRemote

	mu       sync.Mutex
	lastTS   uint32
	haveLast bool
}

func (t *pionRemoteTrack) ID() string      { return t.track.ID() }
func (t *pionRemoteTrack) Kind() TrackKind { return kindOf(t.track.Kind()) }

func (t *pionRemoteTrack) ReadPacket() (Packet, error) {
	pkt, _, err := t.track.ReadRTP()
	if err != nil {
		return Packet{}, err
	}
	return t.packetFromRTP(pkt), nil
}

// packetFromRTP derives the frame duration from the RTP clock advance.
func (t *pionRemoteTrack) packetFromRTP(pkt *rtp.Packet) Packet {
	t.mu.Lock()
	defer t.mu.Unlock()

	var d time.Duration
	if rate := t.track.Codec().ClockRate; t.haveLast && rate > 0 {
		d = time.Duration(pkt.Timestamp-t.lastTS) * time.Second / time.Duration(rate)
	}
	t.lastTS = pkt.Timestamp
	t.haveLast = true
	return Packet{Data: pkt.Payload, Duration: d}
}
