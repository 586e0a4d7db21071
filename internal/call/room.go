package call

import (
	"context"
	"errors"
	"sync"

	"github.com/immxrtalbeast/teleconsult/internal/domain"
)

// TeleconsultationRoute is where the room view sends the user when a call
// cannot start or has ended.
const TeleconsultationRoute = "/teleconsultation"

var ErrNoActiveCall = errors.New("no active call")

// StatusStore is the call status shared with the rest of the application.
type StatusStore interface {
	CallStatus() domain.CallStatus
	UpdateCallStatus(status domain.CallStatus)
}

type Navigator interface {
	Navigate(route string)
}

// MemoryStatus is a StatusStore held in memory.
type MemoryStatus struct {
	mu     sync.Mutex
	status domain.CallStatus
}

func NewMemoryStatus(initial domain.CallStatus) *MemoryStatus {
	return &MemoryStatus{status: initial}
}

func (m *MemoryStatus) CallStatus() domain.CallStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *MemoryStatus) UpdateCallStatus(status domain.CallStatus) {
	m.mu.Lock()
	m.status = status
	m.mu.Unlock()
}

// RoomView mounts a call session for one room. It refuses to connect
// without an active call status and reports termination back to it.
type RoomView struct {
	cfg    SessionConfig
	status StatusStore
	nav    Navigator

	mu      sync.Mutex
	session *Session
}

func NewRoomView(cfg SessionConfig, status StatusStore, nav Navigator) *RoomView {
	return &RoomView{cfg: cfg, status: status, nav: nav}
}

// Enter starts the session. With an inactive call status it navigates away
// and returns ErrNoActiveCall.
func (v *RoomView) Enter(ctx context.Context) (*Session, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.session != nil {
		return v.session, nil
	}
	if !v.status.CallStatus().Active() {
		v.navigate()
		return nil, ErrNoActiveCall
	}

	cfg := v.cfg
	onClosed := cfg.OnClosed
	cfg.OnClosed = func(reason CloseReason) {
		v.status.UpdateCallStatus(domain.CallStatusDisconnected)
		v.navigate()
		if onClosed != nil {
			onClosed(reason)
		}
	}

	s := NewSession(cfg)
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	v.session = s
	return s, nil
}

// Leave tears the session down, as when the view unmounts.
func (v *RoomView) Leave() {
	v.mu.Lock()
	s := v.session
	v.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

func (v *RoomView) navigate() {
	if v.nav != nil {
		v.nav.Navigate(TeleconsultationRoute)
	}
}
