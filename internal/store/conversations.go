package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/marminbh/wa-dispatch/internal/models"
)

type ConversationStore struct {
	db *gorm.DB
}

func NewConversationStore(db *gorm.DB) *ConversationStore {
	return &ConversationStore{db: db}
}

// InboundRecord is one inbound provider message to attach to its
// conversation.
type InboundRecord struct {
	AccountID      uuid.UUID
	ContactAddress string
	ContactName    string
	ReceivedAt     time.Time
	Message        *models.Message
}

// RecordInbound upserts the conversation for the contact and inserts the
// message unless one with the same provider message id already exists.
// Unread count and last activity only move when the message is new.
func (s *ConversationStore) RecordInbound(ctx context.Context, rec InboundRecord) (bool, error) {
	inserted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conv, err := upsertConversation(tx, rec.AccountID, rec.ContactAddress, rec.ContactName)
		if err != nil {
			return err
		}

		msg := rec.Message
		msg.AccountID = rec.AccountID
		msg.ConversationID = &conv.ID
		msg.ContactAddress = rec.ContactAddress

		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(msg)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		inserted = true

		return tx.Model(&models.Conversation{}).
			Where("id = ?", conv.ID).
			Updates(map[string]interface{}{
				"unread_count":     gorm.Expr("unread_count + 1"),
				"last_activity_at": rec.ReceivedAt,
			}).Error
	})
	return inserted, err
}

func upsertConversation(tx *gorm.DB, accountID uuid.UUID, contact, name string) (*models.Conversation, error) {
	conv := &models.Conversation{
		AccountID:      accountID,
		ContactAddress: contact,
		ContactName:    name,
		LastActivityAt: time.Now().UTC(),
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "contact_address"}},
		DoNothing: true,
	}).Create(conv).Error
	if err != nil {
		return nil, err
	}

	var existing models.Conversation
	err = tx.Where("account_id = ? AND contact_address = ?", accountID, contact).
		First(&existing).Error
	if err != nil {
		return nil, err
	}

	if name != "" && existing.ContactName != name {
		existing.ContactName = name
		if err := tx.Model(&existing).Update("contact_name", name).Error; err != nil {
			return nil, err
		}
	}
	return &existing, nil
}

// ApplyStatus sets the delivery status on every message of the account
// carrying providerMessageID and returns how many rows changed.
func (s *ConversationStore) ApplyStatus(ctx context.Context, accountID uuid.UUID, providerMessageID string, status models.MessageStatus, detail *string) (int64, error) {
	updates := map[string]interface{}{"status": status}
	if detail != nil {
		updates["error_detail"] = *detail
	}
	res := s.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("account_id = ? AND provider_message_id = ?", accountID, providerMessageID).
		Updates(updates)
	return res.RowsAffected, res.Error
}

func (s *ConversationStore) FindConversation(ctx context.Context, accountID uuid.UUID, contact string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND contact_address = ?", accountID, contact).
		First(&conv).Error
	if err != nil {
		return nil, translate(err)
	}
	return &conv, nil
}
