// Package realtime is the server-mediated key/value store that carries call
// signaling. Values form one JSON tree addressed by slash separated paths;
// subscribers get the current value of their path followed by every change.
package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/immxrtalbeast/teleconsult/internal/domain"
	"github.com/immxrtalbeast/teleconsult/internal/metrics"
	"github.com/immxrtalbeast/teleconsult/lib/logger/sl"
)

var ErrRootWrite = errors.New("cannot write the root path")

type Store struct {
	mu   sync.Mutex
	root map[string]any

	subs    map[uint64]*subscription
	nextSub uint64

	sessions map[string]*Session

	now func() time.Time
	log *slog.Logger
}

type Option func(*Store)

// WithClock replaces the clock used for server timestamps and lease expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(log *slog.Logger, opts ...Option) *Store {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{
		root:     make(map[string]any),
		subs:     make(map[uint64]*subscription),
		sessions: make(map[string]*Session),
		now:      time.Now,
		log:      log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Write replaces the value at path. A null or empty value removes it.
func (s *Store) Write(path string, value json.RawMessage) error {
	segments, err := splitPath(path)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return ErrRootWrite
	}
	v, err := decodeValue(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	metrics.StoreOperationsTotal.WithLabelValues(domain.OpWrite).Inc()
	s.writeLocked(segments, v)
	return nil
}

// CreateIfAbsent writes value only when nothing is stored at path yet.
func (s *Store) CreateIfAbsent(path string, value json.RawMessage) (bool, error) {
	segments, err := splitPath(path)
	if err != nil {
		return false, err
	}
	if len(segments) == 0 {
		return false, ErrRootWrite
	}
	v, err := decodeValue(value)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	metrics.StoreOperationsTotal.WithLabelValues(domain.OpCreate).Inc()
	if lookup(s.root, segments) != nil {
		return false, nil
	}
	s.writeLocked(segments, v)
	return true, nil
}

// Append stores value under a new time-ordered child key of listPath and
// returns the key.
func (s *Store) Append(listPath string, value json.RawMessage) (string, error) {
	segments, err := splitPath(listPath)
	if err != nil {
		return "", err
	}
	v, err := decodeValue(value)
	if err != nil {
		return "", err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	key := id.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	metrics.StoreOperationsTotal.WithLabelValues(domain.OpAppend).Inc()
	s.writeLocked(append(segments, key), v)
	return key, nil
}

func (s *Store) Read(path string) (json.RawMessage, bool, error) {
	segments, err := splitPath(path)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	metrics.StoreOperationsTotal.WithLabelValues(domain.OpRead).Inc()
	raw, err := render(lookup(s.root, segments))
	if err != nil {
		return nil, false, err
	}
	return raw, raw != nil, nil
}

func (s *Store) Remove(path string) error {
	segments, err := splitPath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	metrics.StoreOperationsTotal.WithLabelValues(domain.OpRemove).Inc()
	if remove(s.root, segments) {
		s.notifyLocked(segments)
	}
	return nil
}

// Subscribe calls fn with the current snapshot of path and then once per
// change of that value. Calls for one subscription never overlap and keep
// the order of changes. The returned func cancels the subscription.
func (s *Store) Subscribe(path string, fn func(domain.Snapshot)) (func(), error) {
	segments, err := splitPath(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.nextSub++
	sub := newSubscription(s.nextSub, domain.JoinPath(segments...), segments, fn)
	s.subs[sub.id] = sub
	s.offerLocked(sub)
	s.mu.Unlock()

	metrics.StoreOperationsTotal.WithLabelValues(domain.OpSubscribe).Inc()
	metrics.ActiveSubscriptions.Inc()
	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, sub.id)
			s.mu.Unlock()
			sub.cancel()
			metrics.ActiveSubscriptions.Dec()
		})
	}, nil
}

func (s *Store) writeLocked(segments []string, v any) {
	v = normalize(v, s.now().UnixMilli())
	if v == nil {
		if remove(s.root, segments) {
			s.notifyLocked(segments)
		}
		return
	}
	set(s.root, segments, v)
	s.notifyLocked(segments)
}

func (s *Store) notifyLocked(changed []string) {
	for _, sub := range s.subs {
		if related(sub.segments, changed) {
			s.offerLocked(sub)
		}
	}
}

// offerLocked queues the current value for sub unless it already saw it.
func (s *Store) offerLocked(sub *subscription) {
	raw, err := render(lookup(s.root, sub.segments))
	if err != nil {
		s.log.Error("render snapshot", slog.String("path", sub.path), sl.Err(err))
		return
	}
	if sub.primed && bytes.Equal(sub.last, raw) {
		return
	}
	sub.primed = true
	sub.last = raw
	sub.push(domain.Snapshot{Path: sub.path, Exists: raw != nil, Value: raw})
}

// Run expires sessions whose lease was not renewed until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	const op = "realtime.store.sweep"

	now := s.now()
	s.mu.Lock()
	expired := make([]*Session, 0)
	for _, sess := range s.sessions {
		if sess.expired(now) {
			expired = append(expired, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range expired {
		s.log.Info("lease expired", slog.String("op", op), slog.String("session", sess.id))
		metrics.LeasesExpiredTotal.Inc()
		sess.Close()
	}
}
