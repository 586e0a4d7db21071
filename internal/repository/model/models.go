package model

import (
	"time"

	"github.com/google/uuid"
)

type CallRecord struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Room       string     `gorm:"size:255;index;not null"`
	StartedAt  time.Time  `gorm:"index;not null"`
	AnsweredAt *time.Time
	EndedAt    *time.Time `gorm:"index"`
	DurationMs int64      `gorm:"not null;default:0"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
