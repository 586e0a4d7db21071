package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/immxrtalbeast/teleconsult/internal/domain"
	"github.com/immxrtalbeast/teleconsult/internal/repository/model"
	"gorm.io/gorm"
)

type PostgresCallRepository struct {
	db *gorm.DB
}

func NewPostgresCallRepository(db *gorm.DB) *PostgresCallRepository {
	return &PostgresCallRepository{db: db}
}

func (r *PostgresCallRepository) Create(ctx context.Context, call *domain.CallRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if call == nil {
		return errors.New("call is nil")
	}

	return r.db.WithContext(ctx).Create(toModelCall(call)).Error
}

func (r *PostgresCallRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.CallRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var call model.CallRecord
	err := r.db.WithContext(ctx).First(&call, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCallNotFound
		}
		return nil, err
	}

	return toDomainCall(&call), nil
}

func (r *PostgresCallRepository) Update(ctx context.Context, call *domain.CallRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if call == nil {
		return errors.New("call is nil")
	}

	callModel := toModelCall(call)

	updates := map[string]any{
		"room":        callModel.Room,
		"started_at":  callModel.StartedAt,
		"duration_ms": callModel.DurationMs,
	}
	if callModel.AnsweredAt == nil {
		updates["answered_at"] = gorm.Expr("NULL")
	} else {
		updates["answered_at"] = callModel.AnsweredAt
	}
	if callModel.EndedAt == nil {
		updates["ended_at"] = gorm.Expr("NULL")
	} else {
		updates["ended_at"] = callModel.EndedAt
	}

	res := r.db.WithContext(ctx).Model(&model.CallRecord{}).Where("id = ?", callModel.ID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrCallNotFound
	}
	return nil
}

func (r *PostgresCallRepository) List(ctx context.Context, filter CallFilter) ([]*domain.CallRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	query := r.db.WithContext(ctx).Model(&model.CallRecord{}).Order("started_at DESC")
	if filter.Room != "" {
		query = query.Where("room = ?", filter.Room)
	}
	if filter.OpenOnly {
		query = query.Where("ended_at IS NULL")
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var calls []model.CallRecord
	if err := query.Find(&calls).Error; err != nil {
		return nil, err
	}

	result := make([]*domain.CallRecord, 0, len(calls))
	for i := range calls {
		result = append(result, toDomainCall(&calls[i]))
	}

	return result, nil
}
