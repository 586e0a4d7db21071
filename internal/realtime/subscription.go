package realtime

import (
	"sync"

	"github.com/immxrtalbeast/teleconsult/internal/domain"
)

// subscription delivers snapshots on its own goroutine so that writers never
// wait on a slow subscriber.
type subscription struct {
	id       uint64
	path     string
	segments []string
	fn       func(domain.Snapshot)

	// guarded by Store.mu
	primed bool
	last   []byte

	mu    sync.Mutex
	queue []domain.Snapshot
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newSubscription(id uint64, path string, segments []string, fn func(domain.Snapshot)) *subscription {
	return &subscription{
		id:       id,
		path:     path,
		segments: segments,
		fn:       fn,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (s *subscription) push(snap domain.Snapshot) {
	s.mu.Lock()
	s.queue = append(s.queue, snap)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) next() (domain.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return domain.Snapshot{}, false
	}
	snap := s.queue[0]
	s.queue[0] = domain.Snapshot{}
	s.queue = s.queue[1:]
	return snap, true
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			snap, ok := s.next()
			if !ok {
				break
			}
			select {
			case <-s.done:
				return
			default:
			}
			s.fn(snap)
		}
	}
}

func (s *subscription) cancel() {
	s.once.Do(func() { close(s.done) })
}
