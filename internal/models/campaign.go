package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	CampaignStatusCreated   = "created"
	CampaignStatusSending   = "sending"
	CampaignStatusCompleted = "completed"
)

type Campaign struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	AccountID      uuid.UUID      `gorm:"type:uuid;not null;index" json:"account_id"`
	TemplateID     *uuid.UUID     `gorm:"type:uuid" json:"template_id,omitempty"`
	TemplateParams datatypes.JSON `json:"template_params,omitempty"`
	Text           string         `json:"text,omitempty"`
	Status         string         `gorm:"not null" json:"status"`
	ContactCount   int            `gorm:"not null" json:"contact_count"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (Campaign) TableName() string {
	return "campaigns"
}

func (c *Campaign) BeforeCreate(*gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

const (
	JobStatusPending = "pending"
	JobStatusSent    = "sent"
	JobStatusFailed  = "failed"
)

// CampaignJob is one destination of a campaign. A failed job with
// RetryScheduled set is waiting for redelivery and still counts as
// outstanding for campaign completion.
type CampaignJob struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	CampaignID     uuid.UUID  `gorm:"type:uuid;not null;index" json:"campaign_id"`
	ToDestination  string     `gorm:"not null" json:"to_destination"`
	Status         string     `gorm:"not null;index" json:"status"`
	Attempts       int        `gorm:"not null;default:0" json:"attempts"`
	LastError      *string    `json:"last_error"`
	RetryScheduled bool       `gorm:"not null;default:false" json:"retry_scheduled"`
	MessageID      *uuid.UUID `gorm:"type:uuid" json:"message_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (CampaignJob) TableName() string {
	return "campaign_jobs"
}

func (j *CampaignJob) BeforeCreate(*gorm.DB) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	return nil
}

// CampaignStats is a campaign together with its job outcome counts.
type CampaignStats struct {
	Campaign
	PendingCount int `json:"pending_count"`
	SentCount    int `json:"sent_count"`
	FailedCount  int `json:"failed_count"`
}
