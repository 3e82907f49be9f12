package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/marminbh/wa-dispatch/internal/apperrors"
	"github.com/marminbh/wa-dispatch/internal/models"
	"github.com/marminbh/wa-dispatch/internal/store"
)

type AccountStore interface {
	Create(ctx context.Context, account *models.Account) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	FindByExternalID(ctx context.Context, externalID string) (*models.Account, error)
	CreateTemplate(ctx context.Context, template *models.Template) error
}

type Encrypter interface {
	Encrypt(plaintext string) (string, error)
}

// AccountHandler registers business accounts and their message templates.
type AccountHandler struct {
	accounts  AccountStore
	encrypter Encrypter
	logger    *zap.Logger
}

func NewAccountHandler(accounts AccountStore, encrypter Encrypter, logger *zap.Logger) *AccountHandler {
	return &AccountHandler{accounts: accounts, encrypter: encrypter, logger: logger}
}

type CreateAccountRequest struct {
	ExternalID    string `json:"external_id"`
	PhoneNumberID string `json:"phone_number_id"`
	DisplayName   string `json:"display_name"`
	AccessToken   string `json:"access_token"`
}

// Create handles POST /accounts. The access token is stored encrypted.
func (h *AccountHandler) Create(c *fiber.Ctx) error {
	var req CreateAccountRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	req.ExternalID = strings.TrimSpace(req.ExternalID)
	req.PhoneNumberID = strings.TrimSpace(req.PhoneNumberID)
	if req.ExternalID == "" || req.PhoneNumberID == "" || req.AccessToken == "" {
		return badRequest(c, "external_id, phone_number_id and access_token are required")
	}

	ctx := c.UserContext()
	if _, err := h.accounts.FindByExternalID(ctx, req.ExternalID); err == nil {
		return respondError(c, h.logger, apperrors.Rejected(apperrors.CodeInvalidRequest, "account already registered"))
	} else if !errors.Is(err, store.ErrNotFound) {
		return respondError(c, h.logger, apperrors.Transient(apperrors.CodeStoreUnavailable, err))
	}

	sealed, err := h.encrypter.Encrypt(req.AccessToken)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	account := &models.Account{
		ExternalID:            req.ExternalID,
		PhoneNumberID:         req.PhoneNumberID,
		DisplayName:           req.DisplayName,
		AccessTokenCiphertext: sealed,
	}
	if err := h.accounts.Create(ctx, account); err != nil {
		return respondError(c, h.logger, apperrors.Transient(apperrors.CodeStoreUnavailable, err))
	}

	h.logger.Info("Account registered",
		zap.String("account_id", account.ID.String()),
		zap.String("external_id", account.ExternalID),
	)
	return c.Status(fiber.StatusCreated).JSON(account)
}

type CreateTemplateRequest struct {
	Name       string          `json:"name"`
	Language   string          `json:"language"`
	Status     string          `json:"status"`
	Components json.RawMessage `json:"components"`
}

// CreateTemplate handles POST /accounts/:id/templates.
func (h *AccountHandler) CreateTemplate(c *fiber.Ctx) error {
	accountID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "id must be a UUID")
	}
	var req CreateTemplateRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Language) == "" {
		return badRequest(c, "name and language are required")
	}

	ctx := c.UserContext()
	if _, err := h.accounts.FindByID(ctx, accountID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return respondError(c, h.logger, apperrors.NotFound(apperrors.CodeAccountNotFound, "account not found"))
		}
		return respondError(c, h.logger, apperrors.Transient(apperrors.CodeStoreUnavailable, err))
	}

	tmpl := &models.Template{
		AccountID:  accountID,
		Name:       req.Name,
		Language:   req.Language,
		Status:     strings.ToUpper(strings.TrimSpace(req.Status)),
		Components: datatypes.JSON(req.Components),
	}
	if tmpl.Status == "" {
		tmpl.Status = "PENDING"
	}
	if err := h.accounts.CreateTemplate(ctx, tmpl); err != nil {
		return respondError(c, h.logger, apperrors.Transient(apperrors.CodeStoreUnavailable, err))
	}
	return c.Status(fiber.StatusCreated).JSON(tmpl)
}
