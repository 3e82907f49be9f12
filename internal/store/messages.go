package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/marminbh/wa-dispatch/internal/models"
)

// MessageStore is the outbound side of the messages table.
type MessageStore struct {
	db *gorm.DB
}

func NewMessageStore(db *gorm.DB) *MessageStore {
	return &MessageStore{db: db}
}

func (s *MessageStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	var msg models.Message
	if err := s.db.WithContext(ctx).First(&msg, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &msg, nil
}

func (s *MessageStore) FindByClientMessageID(ctx context.Context, accountID uuid.UUID, clientMessageID string) (*models.Message, error) {
	var msg models.Message
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND client_message_id = ?", accountID, clientMessageID).
		First(&msg).Error
	if err != nil {
		return nil, translate(err)
	}
	return &msg, nil
}

// InsertIfAbsent inserts msg and reports false when the unique
// (account_id, client_message_id) index already holds a row.
func (s *MessageStore) InsertIfAbsent(ctx context.Context, msg *models.Message) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(msg)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Claim takes over an outbound row for a new send attempt. Only rows the
// provider never accepted can be claimed: those that failed at send and
// accepted rows left behind before staleBefore. Only one caller wins.
func (s *MessageStore) Claim(ctx context.Context, id uuid.UUID, staleBefore time.Time) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("id = ? AND provider_message_id IS NULL", id).
		Where("status = ? OR (status = ? AND updated_at < ?)",
			models.MessageStatusFailed, models.MessageStatusAccepted, staleBefore.UTC()).
		Updates(map[string]interface{}{
			"status":       models.MessageStatusAccepted,
			"error_detail": gorm.Expr("NULL"),
		})
	return res.RowsAffected == 1, res.Error
}

func (s *MessageStore) MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string) error {
	return s.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":              models.MessageStatusSent,
			"provider_message_id": providerMessageID,
		}).Error
}

func (s *MessageStore) MarkFailed(ctx context.Context, id uuid.UUID, detail string) error {
	return s.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       models.MessageStatusFailed,
			"error_detail": detail,
		}).Error
}
