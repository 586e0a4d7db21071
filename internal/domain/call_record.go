package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallStatus is the call-status context the room view gates on.
type CallStatus string

const (
	CallStatusNone         CallStatus = ""
	CallStatusRinging      CallStatus = "ringing"
	CallStatusAccepted     CallStatus = "accepted"
	CallStatusRejected     CallStatus = "rejected"
	CallStatusDisconnected CallStatus = "disconnected"
)

// Active reports whether a room may be entered with this status.
func (s CallStatus) Active() bool {
	switch s {
	case CallStatusNone, CallStatusRejected, CallStatusDisconnected:
		return false
	default:
		return true
	}
}

// CallRecord is one entry of the call history, derived from the lifetime of
// a room in the signaling store.
type CallRecord struct {
	ID         uuid.UUID     `json:"id"`
	Room       string        `json:"room"`
	StartedAt  time.Time     `json:"started_at"`
	AnsweredAt *time.Time    `json:"answered_at,omitempty"`
	EndedAt    *time.Time    `json:"ended_at,omitempty"`
	Duration   time.Duration `json:"duration"`
}

func NewCallRecord(room string, startedAt time.Time) *CallRecord {
	return &CallRecord{
		ID:        uuid.New(),
		Room:      room,
		StartedAt: startedAt.UTC(),
	}
}

func (c *CallRecord) Answer(at time.Time) {
	if c.AnsweredAt != nil {
		return
	}
	t := at.UTC()
	c.AnsweredAt = &t
}

// End closes the record. Duration counts from the answer; unanswered calls
// last zero.
func (c *CallRecord) End(at time.Time) {
	if c.EndedAt != nil {
		return
	}
	t := at.UTC()
	c.EndedAt = &t
	if c.AnsweredAt != nil && t.After(*c.AnsweredAt) {
		c.Duration = t.Sub(*c.AnsweredAt)
	}
}

func (c *CallRecord) IsOpen() bool {
	return c.EndedAt == nil
}
