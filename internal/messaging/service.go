// Package messaging sends individual outbound messages through the
// provider, once per client message id.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marminbh/wa-dispatch/internal/apperrors"
	"github.com/marminbh/wa-dispatch/internal/models"
	"github.com/marminbh/wa-dispatch/internal/sender"
	"github.com/marminbh/wa-dispatch/internal/store"
	"github.com/marminbh/wa-dispatch/internal/utils"
)

type AccountStore interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	FindTemplate(ctx context.Context, id uuid.UUID) (*models.Template, error)
}

type MessageStore interface {
	MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string) error
	MarkFailed(ctx context.Context, id uuid.UUID, detail string) error
}

type Guard interface {
	FindExisting(ctx context.Context, accountID uuid.UUID, clientMessageID string) (*models.Message, error)
	Settled(msg *models.Message) bool
	Reserve(ctx context.Context, msg *models.Message) (*models.Message, bool, error)
}

type Sender interface {
	Send(ctx context.Context, creds sender.Credentials, msg sender.Message) (string, error)
}

type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

type SendRequest struct {
	AccountID       uuid.UUID       `json:"account_id"`
	To              string          `json:"to"`
	Text            string          `json:"text,omitempty"`
	TemplateID      *uuid.UUID      `json:"template_id,omitempty"`
	TemplateParams  json.RawMessage `json:"template_params,omitempty"`
	ClientMessageID string          `json:"client_message_id,omitempty"`
}

// SendResult is the outbound message row. Replayed is set when the row
// already existed for the client message id and nothing new was sent.
type SendResult struct {
	Message  *models.Message
	Replayed bool
}

type Service struct {
	accounts  AccountStore
	messages  MessageStore
	guard     Guard
	sender    Sender
	decrypter Decrypter
	logger    *zap.Logger
}

func NewService(accounts AccountStore, messages MessageStore, guard Guard, s Sender, d Decrypter, logger *zap.Logger) *Service {
	return &Service{
		accounts:  accounts,
		messages:  messages,
		guard:     guard,
		sender:    s,
		decrypter: d,
		logger:    logger,
	}
}

func (s *Service) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if strings.TrimSpace(req.To) == "" {
		return nil, apperrors.Rejected(apperrors.CodeInvalidRequest, "destination is required")
	}
	to, err := utils.NormalizePhone(req.To)
	if err != nil {
		return nil, apperrors.Rejected(apperrors.CodeInvalidRequest, err.Error())
	}
	req.To = to
	if req.TemplateID == nil && strings.TrimSpace(req.Text) == "" {
		return nil, apperrors.Rejected(apperrors.CodeInvalidRequest, "text or template_id is required")
	}

	account, err := s.accounts.FindByID(ctx, req.AccountID)
	if err != nil {
		return nil, lookupError(err, apperrors.CodeAccountNotFound, "account not found")
	}

	var tmpl *models.Template
	if req.TemplateID != nil {
		if tmpl, err = ValidateTemplate(ctx, s.accounts, account.ID, *req.TemplateID); err != nil {
			return nil, err
		}
	}

	if req.ClientMessageID != "" {
		existing, err := s.guard.FindExisting(ctx, account.ID, req.ClientMessageID)
		if err != nil {
			return nil, apperrors.Transient(apperrors.CodeStoreUnavailable, err)
		}
		if existing != nil && s.guard.Settled(existing) {
			return &SendResult{Message: existing, Replayed: true}, nil
		}
	}

	msg := &models.Message{
		AccountID:      account.ID,
		Direction:      models.DirectionOutbound,
		ContactAddress: req.To,
		Type:           "text",
		Status:         models.MessageStatusAccepted,
		Body:           req.Text,
	}
	if req.ClientMessageID != "" {
		token := req.ClientMessageID
		msg.ClientMessageID = &token
	}
	if tmpl != nil {
		msg.Type = "template"
		msg.Body = tmpl.Name
	}

	msg, owned, err := s.guard.Reserve(ctx, msg)
	if err != nil {
		return nil, apperrors.Transient(apperrors.CodeStoreUnavailable, err)
	}
	if !owned {
		return &SendResult{Message: msg, Replayed: true}, nil
	}

	providerID, err := s.deliver(ctx, account, tmpl, req)
	if err != nil {
		if markErr := s.messages.MarkFailed(ctx, msg.ID, err.Error()); markErr != nil {
			s.logger.Error("Failed to record send failure",
				zap.String("message_id", msg.ID.String()),
				zap.Error(markErr),
			)
		}
		return nil, err
	}

	if err := s.messages.MarkSent(ctx, msg.ID, providerID); err != nil {
		// the provider accepted it; a retry would resend
		s.logger.Error("Failed to record provider message id",
			zap.String("message_id", msg.ID.String()),
			zap.String("provider_message_id", providerID),
			zap.Error(err),
		)
	}
	msg.Status = models.MessageStatusSent
	msg.ProviderMessageID = &providerID
	msg.ErrorDetail = nil

	s.logger.Info("Message sent",
		zap.String("account_id", account.ID.String()),
		zap.String("message_id", msg.ID.String()),
		zap.String("provider_message_id", providerID),
	)
	return &SendResult{Message: msg}, nil
}

func (s *Service) deliver(ctx context.Context, account *models.Account, tmpl *models.Template, req SendRequest) (string, error) {
	token, err := s.decrypter.Decrypt(account.AccessTokenCiphertext)
	if err != nil {
		return "", apperrors.Permanent(apperrors.CodeProviderRejected, fmt.Errorf("access token unreadable: %w", err))
	}

	out := sender.Message{To: req.To, Text: req.Text}
	if tmpl != nil {
		components := req.TemplateParams
		if len(components) == 0 {
			components = json.RawMessage(tmpl.Components)
		}
		out.Template = &sender.TemplateMessage{
			Name:       tmpl.Name,
			Language:   tmpl.Language,
			Components: components,
		}
	}

	return s.sender.Send(ctx, sender.Credentials{
		PhoneNumberID: account.PhoneNumberID,
		AccessToken:   token,
	}, out)
}

// ValidateTemplate checks the template exists, belongs to the account and
// is approved for sending.
func ValidateTemplate(ctx context.Context, accounts AccountStore, accountID, templateID uuid.UUID) (*models.Template, error) {
	tmpl, err := accounts.FindTemplate(ctx, templateID)
	if err != nil {
		return nil, lookupError(err, apperrors.CodeTemplateNotFound, "template not found")
	}
	if tmpl.AccountID != accountID {
		return nil, apperrors.NotFound(apperrors.CodeTemplateNotFound, "template not found")
	}
	if !tmpl.Approved() {
		return nil, apperrors.Rejected(apperrors.CodeTemplateNotApproved, "template is not approved")
	}
	return tmpl, nil
}

func lookupError(err error, code, message string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperrors.NotFound(code, message)
	}
	return apperrors.Transient(apperrors.CodeStoreUnavailable, err)
}
