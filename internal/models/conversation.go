package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Conversation struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	AccountID      uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:ux_conversations_contact,priority:1" json:"account_id"`
	ContactAddress string    `gorm:"not null;uniqueIndex:ux_conversations_contact,priority:2" json:"contact_address"`
	ContactName    string    `json:"contact_name"`
	UnreadCount    int       `gorm:"not null;default:0" json:"unread_count"`
	LastActivityAt time.Time `json:"last_activity_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Conversation) TableName() string {
	return "conversations"
}

func (c *Conversation) BeforeCreate(*gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message is a conversation message in either direction. Outbound rows are
// the unit of send idempotency: at most one row exists per
// (AccountID, ClientMessageID), and per (AccountID, ProviderMessageID).
type Message struct {
	ID                uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	AccountID         uuid.UUID         `gorm:"type:uuid;not null;uniqueIndex:ux_messages_provider_id,priority:1;uniqueIndex:ux_messages_client_id,priority:1" json:"account_id"`
	ConversationID    *uuid.UUID        `gorm:"type:uuid;index" json:"conversation_id,omitempty"`
	ProviderMessageID *string           `gorm:"uniqueIndex:ux_messages_provider_id,priority:2" json:"provider_message_id"`
	ClientMessageID   *string           `gorm:"uniqueIndex:ux_messages_client_id,priority:2" json:"client_message_id,omitempty"`
	Direction         string            `gorm:"not null" json:"direction"`
	ContactAddress    string            `gorm:"not null" json:"contact_address"`
	Type              string            `gorm:"not null;default:'text'" json:"type"`
	Status            MessageStatus     `gorm:"not null" json:"status"`
	Body              string            `json:"body"`
	Metadata          datatypes.JSONMap `json:"metadata,omitempty"`
	ErrorDetail       *string           `json:"error_detail,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

func (Message) TableName() string {
	return "messages"
}

func (m *Message) BeforeCreate(*gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}
