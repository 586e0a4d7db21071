package call

import (
	"slices"
	"sync"
)

// RemoteStream accumulates the tracks received during one call. Tracks are
// only ever appended. Each track is drained by its own reader and its audio
// is offered to subscribers.
type RemoteStream struct {
	mu     sync.Mutex
	tracks []RemoteTrack
	audio  fanout
	closed bool
	wg     sync.WaitGroup
}

func NewRemoteStream() *RemoteStream {
	return &RemoteStream{}
}

// Add appends t and starts reading it. It reports false once the stream is
// closed.
func (s *RemoteStream) Add(t RemoteTrack) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.tracks = append(s.tracks, t)
	s.wg.Add(1)
	go s.read(t)
	return true
}

func (s *RemoteStream) Tracks() []RemoteTrack {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.tracks)
}

func (s *RemoteStream) HasAudio() bool {
	return slices.ContainsFunc(s.Tracks(), func(t RemoteTrack) bool { return t.Kind() == KindAudio })
}

func (s *RemoteStream) SubscribeAudio() (<-chan Packet, func()) {
	return s.audio.subscribe()
}

// Close ends every subscriber feed. Readers stop when their track does.
func (s *RemoteStream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.audio.close()
}

// Wait blocks until every track reader has returned.
func (s *RemoteStream) Wait() {
	s.wg.Wait()
}

func (s *RemoteStream) read(t RemoteTrack) {
	defer s.wg.Done()
	for {
		p, err := t.ReadPacket()
		if err != nil {
			return
		}
		if t.Kind() == KindAudio {
			s.audio.publish(p)
		}
	}
}
