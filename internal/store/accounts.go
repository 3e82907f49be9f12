package store

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/marminbh/wa-dispatch/internal/models"
)

type AccountStore struct {
	db *gorm.DB
}

func NewAccountStore(db *gorm.DB) *AccountStore {
	return &AccountStore{db: db}
}

func (s *AccountStore) Create(ctx context.Context, account *models.Account) error {
	return s.db.WithContext(ctx).Create(account).Error
}

func (s *AccountStore) FindByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	var account models.Account
	if err := s.db.WithContext(ctx).First(&account, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &account, nil
}

func (s *AccountStore) FindByExternalID(ctx context.Context, externalID string) (*models.Account, error) {
	var account models.Account
	if err := s.db.WithContext(ctx).First(&account, "external_id = ?", externalID).Error; err != nil {
		return nil, translate(err)
	}
	return &account, nil
}

func (s *AccountStore) CreateTemplate(ctx context.Context, template *models.Template) error {
	return s.db.WithContext(ctx).Create(template).Error
}

func (s *AccountStore) FindTemplate(ctx context.Context, id uuid.UUID) (*models.Template, error) {
	var template models.Template
	if err := s.db.WithContext(ctx).First(&template, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &template, nil
}
