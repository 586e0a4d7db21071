package call

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultAlertTTL = 5 * time.Second

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

type Alert struct {
	ID        string
	Message   string
	Severity  Severity
	CreatedAt time.Time
}

// Notifier is the part of the alert queue other components push into.
type Notifier interface {
	Push(message string, severity Severity) string
}

// AlertQueue holds transient user notifications; each one removes itself
// after the queue's ttl unless dismissed earlier.
type AlertQueue struct {
	ttl      time.Duration
	onChange func([]Alert)

	mu     sync.Mutex
	alerts []Alert
	timers map[string]*time.Timer
	closed bool
}

// NewAlertQueue creates a queue. onChange, if non-nil, receives the current
// alerts after every push, expiry and dismissal.
func NewAlertQueue(ttl time.Duration, onChange func([]Alert)) *AlertQueue {
	if ttl <= 0 {
		ttl = DefaultAlertTTL
	}
	return &AlertQueue{
		ttl:      ttl,
		onChange: onChange,
		timers:   make(map[string]*time.Timer),
	}
}

func (q *AlertQueue) Push(message string, severity Severity) string {
	a := Alert{
		ID:        uuid.NewString(),
		Message:   message,
		Severity:  severity,
		CreatedAt: time.Now(),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return a.ID
	}
	q.alerts = append(q.alerts, a)
	q.timers[a.ID] = time.AfterFunc(q.ttl, func() { q.Dismiss(a.ID) })
	snapshot := q.snapshotLocked()
	q.mu.Unlock()

	q.changed(snapshot)
	return a.ID
}

// Dismiss removes the alert with id. It reports whether it was present.
func (q *AlertQueue) Dismiss(id string) bool {
	q.mu.Lock()
	i := slices.IndexFunc(q.alerts, func(a Alert) bool { return a.ID == id })
	if i < 0 {
		q.mu.Unlock()
		return false
	}
	q.alerts = slices.Delete(q.alerts, i, i+1)
	if t, ok := q.timers[id]; ok {
		t.Stop()
		delete(q.timers, id)
	}
	snapshot := q.snapshotLocked()
	q.mu.Unlock()

	q.changed(snapshot)
	return true
}

// List returns the live alerts in insertion order.
func (q *AlertQueue) List() []Alert {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

// Close stops all pending expiries and drops further pushes.
func (q *AlertQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	q.alerts = nil
}

func (q *AlertQueue) snapshotLocked() []Alert {
	return slices.Clone(q.alerts)
}

func (q *AlertQueue) changed(alerts []Alert) {
	if q.onChange != nil {
		q.onChange(alerts)
	}
}
