package repository

import (
	"time"

	"github.com/immxrtalbeast/teleconsult/internal/domain"
	"github.com/immxrtalbeast/teleconsult/internal/repository/model"
)

func toModelCall(call *domain.CallRecord) *model.CallRecord {
	return &model.CallRecord{
		ID:         call.ID,
		Room:       call.Room,
		StartedAt:  call.StartedAt.UTC(),
		AnsweredAt: utcPtr(call.AnsweredAt),
		EndedAt:    utcPtr(call.EndedAt),
		DurationMs: call.Duration.Milliseconds(),
	}
}

func toDomainCall(call *model.CallRecord) *domain.CallRecord {
	return &domain.CallRecord{
		ID:         call.ID,
		Room:       call.Room,
		StartedAt:  call.StartedAt.UTC(),
		AnsweredAt: utcPtr(call.AnsweredAt),
		EndedAt:    utcPtr(call.EndedAt),
		Duration:   time.Duration(call.DurationMs) * time.Millisecond,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
