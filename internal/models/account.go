package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account is a business account connected to the provider. PhoneNumberID is
// the sending endpoint outbound traffic is rate limited on.
type Account struct {
	ID                    uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ExternalID            string    `gorm:"not null;uniqueIndex" json:"external_id"`
	PhoneNumberID         string    `gorm:"not null" json:"phone_number_id"`
	DisplayName           string    `json:"display_name"`
	AccessTokenCiphertext string    `gorm:"not null" json:"-"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

func (Account) TableName() string {
	return "accounts"
}

func (a *Account) BeforeCreate(*gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

const TemplateStatusApproved = "APPROVED"

type Template struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	AccountID  uuid.UUID      `gorm:"type:uuid;not null;index" json:"account_id"`
	Name       string         `gorm:"not null" json:"name"`
	Language   string         `gorm:"not null" json:"language"`
	Status     string         `gorm:"not null" json:"status"`
	Components datatypes.JSON `json:"components,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (Template) TableName() string {
	return "templates"
}

func (t *Template) BeforeCreate(*gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

func (t *Template) Approved() bool {
	return t.Status == TemplateStatusApproved
}
