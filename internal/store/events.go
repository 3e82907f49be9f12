package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/marminbh/wa-dispatch/internal/models"
)

// EventStore holds raw inbound events. Rows are only ever inserted and
// marked processed; the raw body is never rewritten.
type EventStore struct {
	db *gorm.DB
}

func NewEventStore(db *gorm.DB) *EventStore {
	return &EventStore{db: db}
}

func (s *EventStore) Create(ctx context.Context, event *models.InboundEvent) error {
	return s.db.WithContext(ctx).Create(event).Error
}

func (s *EventStore) GetByID(ctx context.Context, id uuid.UUID) (*models.InboundEvent, error) {
	var event models.InboundEvent
	if err := s.db.WithContext(ctx).First(&event, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &event, nil
}

// MarkProcessed records the outcome of a processing attempt. A nil errMsg
// clears any error left by an earlier attempt.
func (s *EventStore) MarkProcessed(ctx context.Context, id uuid.UUID, errMsg *string) error {
	return s.db.WithContext(ctx).
		Model(&models.InboundEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"processed":    true,
			"error":        errMsg,
			"processed_at": time.Now().UTC(),
		}).Error
}

type EventFilter struct {
	AccountExternalID string
	UnprocessedOnly   bool
	Limit             int
	Offset            int
}

// List returns events newest first and whether more rows follow the page.
func (s *EventStore) List(ctx context.Context, f EventFilter) ([]models.InboundEvent, bool, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}

	q := s.db.WithContext(ctx).Model(&models.InboundEvent{})
	if f.AccountExternalID != "" {
		q = q.Where("account_external_id = ?", f.AccountExternalID)
	}
	if f.UnprocessedOnly {
		q = q.Where("processed = ?", false)
	}

	var events []models.InboundEvent
	err := q.Order("created_at DESC").
		Limit(f.Limit + 1).
		Offset(f.Offset).
		Find(&events).Error
	if err != nil {
		return nil, false, err
	}

	hasMore := len(events) > f.Limit
	if hasMore {
		events = events[:f.Limit]
	}
	return events, hasMore, nil
}

// MarkEnqueued records that the events were put back on the queue at.
func (s *EventStore) MarkEnqueued(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&models.InboundEvent{}).
		Where("id IN ?", ids).
		Update("enqueued_at", at.UTC()).Error
}

// ListStale returns unprocessed events created before olderThan that have
// not been re-enqueued since olderThan, oldest first.
func (s *EventStore) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]models.InboundEvent, error) {
	cutoff := olderThan.UTC()
	var events []models.InboundEvent
	err := s.db.WithContext(ctx).
		Where("processed = ? AND created_at < ?", false, cutoff).
		Where("enqueued_at IS NULL OR enqueued_at < ?", cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}
