package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/immxrtalbeast/teleconsult/internal/domain"
	"github.com/immxrtalbeast/teleconsult/internal/metrics"
	"github.com/immxrtalbeast/teleconsult/internal/repository"
	"github.com/immxrtalbeast/teleconsult/lib/logger/sl"
)

const (
	outcomeAnswered = "answered"
	outcomeMissed   = "missed"
)

// roomPresence is the part of a room record the call log cares about.
type roomPresence struct {
	Offer *struct {
		CreatedAt *domain.ServerTime `json:"createdAt"`
	} `json:"offer"`
	Answer json.RawMessage `json:"answer"`
}

// CallLogService derives the call history from the rooms in the signaling
// store: an offer opens a call, an answer marks it answered and removal of
// the room ends it.
type CallLogService struct {
	calls     repository.CallRepository
	rooms     RoomWatcher
	roomsPath string
	log       *slog.Logger
	now       func() time.Time

	mu   sync.Mutex
	open map[string]*domain.CallRecord
}

func NewCallLogService(calls repository.CallRepository, rooms RoomWatcher, roomsPath string, log *slog.Logger) *CallLogService {
	if log == nil {
		log = slog.Default()
	}
	return &CallLogService{
		calls:     calls,
		rooms:     rooms,
		roomsPath: roomsPath,
		log:       log,
		now:       time.Now,
		open:      make(map[string]*domain.CallRecord),
	}
}

// Run follows the rooms path until ctx is done.
func (s *CallLogService) Run(ctx context.Context) error {
	const op = "service.call_log.run"

	cancel, err := s.rooms.Subscribe(s.roomsPath, func(snap domain.Snapshot) {
		s.apply(ctx, snap)
	})
	if err != nil {
		return err
	}
	defer cancel()

	s.log.Info("watching rooms", slog.String("op", op), slog.String("path", s.roomsPath))
	<-ctx.Done()
	return nil
}

func (s *CallLogService) ListCalls(ctx context.Context, room string, limit int) ([]*domain.CallRecord, error) {
	return s.calls.List(ctx, repository.CallFilter{Room: room, Limit: limit})
}

func (s *CallLogService) GetCall(ctx context.Context, id uuid.UUID) (*domain.CallRecord, error) {
	return s.calls.GetByID(ctx, id)
}

func (s *CallLogService) apply(ctx context.Context, snap domain.Snapshot) {
	const op = "service.call_log.apply"
	log := s.log.With(slog.String("op", op))

	rooms := map[string]roomPresence{}
	if err := snap.Decode(&rooms); err != nil {
		log.Error("decode rooms", sl.Err(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	for name, room := range rooms {
		if room.Offer == nil {
			continue
		}
		call, ok := s.open[name]
		if !ok {
			started := now
			if t := room.Offer.CreatedAt.Time(); !t.IsZero() {
				started = t
			}
			call = domain.NewCallRecord(name, started)
			if err := s.calls.Create(ctx, call); err != nil {
				log.Error("create call", slog.String("room", name), sl.Err(err))
				continue
			}
			s.open[name] = call
			metrics.ActiveCalls.Inc()
			log.Info("call started", slog.String("room", name), slog.String("call_id", call.ID.String()))
		}
		if room.Answer != nil && call.AnsweredAt == nil {
			call.Answer(now)
			if err := s.calls.Update(ctx, call); err != nil {
				log.Error("answer call", slog.String("room", name), sl.Err(err))
			}
		}
	}

	for name, call := range s.open {
		if room, ok := rooms[name]; ok && room.Offer != nil {
			continue
		}
		delete(s.open, name)
		call.End(now)
		if err := s.calls.Update(ctx, call); err != nil {
			log.Error("end call", slog.String("room", name), sl.Err(err))
		}

		metrics.ActiveCalls.Dec()
		outcome := outcomeMissed
		if call.AnsweredAt != nil {
			outcome = outcomeAnswered
			metrics.CallDuration.Observe(call.Duration.Seconds())
		}
		metrics.CallsEndedTotal.WithLabelValues(outcome).Inc()
		log.Info("call ended", slog.String("room", name), slog.String("outcome", outcome), slog.Duration("duration", call.Duration))
	}
}
