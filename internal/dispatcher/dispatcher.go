// Package dispatcher applies queued inbound events to conversation and
// message state.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marminbh/wa-dispatch/internal/apperrors"
	"github.com/marminbh/wa-dispatch/internal/metrics"
	"github.com/marminbh/wa-dispatch/internal/models"
	"github.com/marminbh/wa-dispatch/internal/store"
	"github.com/marminbh/wa-dispatch/internal/utils"
)

type EventStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.InboundEvent, error)
	MarkProcessed(ctx context.Context, id uuid.UUID, errMsg *string) error
}

type AccountStore interface {
	FindByExternalID(ctx context.Context, externalID string) (*models.Account, error)
}

type ConversationStore interface {
	RecordInbound(ctx context.Context, rec store.InboundRecord) (bool, error)
	ApplyStatus(ctx context.Context, accountID uuid.UUID, providerMessageID string, status models.MessageStatus, detail *string) (int64, error)
}

// Dispatcher is the event queue handler.
type Dispatcher struct {
	events        EventStore
	accounts      AccountStore
	conversations ConversationStore
	maxAttempts   int
	logger        *zap.Logger
}

func NewDispatcher(events EventStore, accounts AccountStore, conversations ConversationStore, maxAttempts int, logger *zap.Logger) *Dispatcher {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Dispatcher{
		events:        events,
		accounts:      accounts,
		conversations: conversations,
		maxAttempts:   maxAttempts,
		logger:        logger,
	}
}

// HandleEvent processes one event message. Failures are recorded on the
// event. Transient failures are returned for redelivery until the last
// attempt, after which they are swallowed and the event waits for replay.
func (d *Dispatcher) HandleEvent(ctx context.Context, body []byte, attempt int) error {
	var msg models.EventMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return apperrors.Permanent(apperrors.CodeMalformedPayload, fmt.Errorf("failed to unmarshal event message: %w", err))
	}
	eventID, err := uuid.Parse(msg.EventID)
	if err != nil {
		return apperrors.Permanent(apperrors.CodeMalformedPayload, fmt.Errorf("invalid event id %q", msg.EventID))
	}

	log := d.logger.With(
		zap.String("event_id", msg.EventID),
		zap.String("account_external_id", msg.AccountExternalID),
		zap.Int("attempt", attempt),
	)

	procErr := d.process(ctx, eventID, msg)

	var errMsg *string
	if procErr != nil {
		s := procErr.Error()
		errMsg = &s
	}
	if err := d.events.MarkProcessed(ctx, eventID, errMsg); err != nil {
		log.Error("Failed to record event outcome", zap.Error(err))
		if procErr == nil {
			procErr = err
		}
	}

	switch {
	case procErr == nil:
		metrics.IncEventProcessed("ok")
		log.Debug("Event processed")
		return nil
	case apperrors.IsPermanent(procErr):
		metrics.IncEventProcessed("rejected")
		log.Warn("Event cannot be processed, not retrying", zap.Error(procErr))
		return nil
	case attempt < d.maxAttempts:
		metrics.IncEventProcessed("retry")
		log.Warn("Event processing failed, will retry", zap.Error(procErr))
		return procErr
	default:
		metrics.IncEventProcessed("dead_letter")
		log.Error("Event processing failed on final attempt, left for replay", zap.Error(procErr))
		return nil
	}
}

func (d *Dispatcher) process(ctx context.Context, eventID uuid.UUID, msg models.EventMessage) error {
	raw := []byte(msg.Payload)
	if len(raw) == 0 {
		event, err := d.events.GetByID(ctx, eventID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperrors.NotFound(apperrors.CodeEventNotFound, "event not found")
			}
			return err
		}
		raw = event.RawBody
	}

	payload, err := models.ParseWebhookPayload(raw)
	if err != nil {
		return apperrors.Permanent(apperrors.CodeMalformedPayload, err)
	}

	// A delivery may batch entries for several accounts; each entry is
	// applied to its own. Entries for unknown accounts are skipped and
	// reported once the rest have been applied.
	accounts := make(map[string]*models.Account)
	var missing error
	for _, entry := range payload.Entry {
		externalID := entry.ID
		if externalID == "" {
			externalID = msg.AccountExternalID
		}
		account, err := d.resolveAccount(ctx, accounts, externalID)
		if err != nil {
			if apperrors.KindOf(err) == apperrors.KindNotFound {
				if missing == nil {
					missing = err
				}
				continue
			}
			return err
		}
		for _, change := range entry.Changes {
			if err := d.applyChange(ctx, account, &change.Value); err != nil {
				return err
			}
		}
	}
	return missing
}

func (d *Dispatcher) resolveAccount(ctx context.Context, cache map[string]*models.Account, externalID string) (*models.Account, error) {
	if account, ok := cache[externalID]; ok {
		return account, nil
	}
	account, err := d.accounts.FindByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound(apperrors.CodeAccountNotFound, fmt.Sprintf("no account for external id %q", externalID))
		}
		return nil, fmt.Errorf("failed to resolve account: %w", err)
	}
	cache[externalID] = account
	return account, nil
}

func (d *Dispatcher) applyChange(ctx context.Context, account *models.Account, value *models.ChangeValue) error {
	for _, m := range value.Messages {
		providerID := m.ID
		rec := store.InboundRecord{
			AccountID:      account.ID,
			ContactAddress: utils.ContactAddress(m.From),
			ContactName:    value.ContactName(m.From),
			ReceivedAt:     parseTimestamp(m.Timestamp),
			Message: &models.Message{
				ProviderMessageID: &providerID,
				Direction:         models.DirectionInbound,
				Type:              messageType(m.Type),
				Status:            models.MessageStatusReceived,
				Body:              messageBody(m),
			},
		}
		inserted, err := d.conversations.RecordInbound(ctx, rec)
		if err != nil {
			return fmt.Errorf("failed to record inbound message %s: %w", m.ID, err)
		}
		if !inserted {
			d.logger.Debug("Duplicate inbound message ignored", zap.String("provider_message_id", m.ID))
		}
	}

	for _, st := range value.Statuses {
		status, err := models.ParseMessageStatus(st.Status)
		if err != nil {
			d.logger.Debug("Ignoring unknown status", zap.String("status", st.Status))
			continue
		}
		var detail *string
		if len(st.Errors) > 0 {
			e := st.Errors[0]
			s := fmt.Sprintf("%d %s", e.Code, e.Title)
			detail = &s
		}
		if _, err := d.conversations.ApplyStatus(ctx, account.ID, st.ID, status, detail); err != nil {
			return fmt.Errorf("failed to apply status %s to %s: %w", status, st.ID, err)
		}
	}
	return nil
}

func messageType(t string) string {
	if t == "" {
		return "text"
	}
	return t
}

func messageBody(m models.InboundMessage) string {
	if m.Text != nil {
		return m.Text.Body
	}
	return ""
}

// parseTimestamp reads the provider's unix-seconds string.
func parseTimestamp(ts string) time.Time {
	if secs, err := strconv.ParseInt(ts, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC()
	}
	return time.Now().UTC()
}
