package converter

import (
	"time"

	"github.com/google/uuid"
	"github.com/immxrtalbeast/teleconsult/internal/call"
	"github.com/immxrtalbeast/teleconsult/internal/domain"
)

const (
	CallStateActive   = "active"
	CallStateAnswered = "answered"
	CallStateMissed   = "missed"
)

type CallResponse struct {
	ID              uuid.UUID  `json:"id"`
	Room            string     `json:"room"`
	State           string     `json:"state"`
	StartedAt       time.Time  `json:"started_at"`
	AnsweredAt      *time.Time `json:"answered_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds int        `json:"duration_seconds"`
	Duration        string     `json:"duration"`
}

func CallToApi(c *domain.CallRecord) *CallResponse {
	state := CallStateActive
	switch {
	case c.IsOpen():
	case c.AnsweredAt != nil:
		state = CallStateAnswered
	default:
		state = CallStateMissed
	}

	seconds := int(c.Duration / time.Second)
	return &CallResponse{
		ID:              c.ID,
		Room:            c.Room,
		State:           state,
		StartedAt:       c.StartedAt,
		AnsweredAt:      c.AnsweredAt,
		EndedAt:         c.EndedAt,
		DurationSeconds: seconds,
		Duration:        call.FormatDuration(seconds),
	}
}

func CallsToApi(calls []*domain.CallRecord) []*CallResponse {
	out := make([]*CallResponse, 0, len(calls))
	for _, c := range calls {
		out = append(out, CallToApi(c))
	}
	return out
}
