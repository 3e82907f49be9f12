package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// InboundEvent is one raw webhook delivery exactly as the provider sent it.
// RawBody is never rewritten; rows are never deleted so they can be replayed.
type InboundEvent struct {
	ID                uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	AccountExternalID string            `gorm:"not null;index" json:"account_external_id"`
	RawBody           []byte            `gorm:"not null" json:"-"`
	Headers           datatypes.JSONMap `json:"headers"`
	Processed         bool              `gorm:"not null;default:false;index" json:"processed"`
	Error             *string           `json:"error"`
	ProcessedAt       *time.Time        `json:"processed_at"`
	EnqueuedAt        *time.Time        `json:"enqueued_at"`
	CreatedAt         time.Time         `gorm:"index" json:"created_at"`
}

func (InboundEvent) TableName() string {
	return "inbound_events"
}

func (e *InboundEvent) BeforeCreate(*gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
