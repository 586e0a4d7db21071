package realtime

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/immxrtalbeast/teleconsult/internal/metrics"
)

var ErrSessionClosed = errors.New("session closed")

// Session is the lease one connected client holds on the store. Paths
// registered with OnDisconnectRemove are removed when the session closes,
// whether the client hung up the socket or simply stopped renewing.
type Session struct {
	id    string
	store *Store
	ttl   time.Duration

	mu      sync.Mutex
	expires time.Time
	removes []string
	closed  bool
}

// OpenSession starts a lease that must be renewed within ttl.
// A zero ttl never expires.
func (s *Store) OpenSession(ttl time.Duration) *Session {
	sess := &Session{
		id:    uuid.NewString(),
		store: s,
		ttl:   ttl,
	}
	if ttl > 0 {
		sess.expires = s.now().Add(ttl)
	}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	metrics.ActiveSessions.Inc()
	return sess
}

func (s *Session) ID() string {
	return s.id
}

// Renew extends the lease by its ttl from now.
func (s *Session) Renew() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.ttl <= 0 {
		return
	}
	s.expires = s.store.now().Add(s.ttl)
}

// OnDisconnectRemove schedules path for removal when the session ends
// without Leave.
func (s *Session) OnDisconnectRemove(path string) error {
	if _, err := splitPath(path); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if !slices.Contains(s.removes, path) {
		s.removes = append(s.removes, path)
	}
	return nil
}

// CancelDisconnect drops a scheduled removal.
func (s *Session) CancelDisconnect(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removes = slices.DeleteFunc(s.removes, func(p string) bool { return p == path })
}

// Close ends the session as a disconnect and runs the scheduled removals.
// It is safe to call more than once.
func (s *Session) Close() {
	for _, path := range s.end() {
		_ = s.store.Remove(path)
	}
}

// Leave ends the session without running the scheduled removals.
func (s *Session) Leave() {
	s.end()
}

func (s *Session) end() []string {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	removes := s.removes
	s.removes = nil
	s.mu.Unlock()

	s.store.mu.Lock()
	delete(s.store.sessions, s.id)
	s.store.mu.Unlock()

	metrics.ActiveSessions.Dec()
	return removes
}

func (s *Session) expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.ttl > 0 && now.After(s.expires)
}
