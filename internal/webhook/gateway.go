// Package webhook receives provider webhooks: it authenticates them, stores
// the raw delivery and hands it to the event queue.
package webhook

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/marminbh/wa-dispatch/internal/apperrors"
	"github.com/marminbh/wa-dispatch/internal/metrics"
	"github.com/marminbh/wa-dispatch/internal/models"
)

type EventStore interface {
	Create(ctx context.Context, event *models.InboundEvent) error
}

// Submitter accepts an event for background publishing.
type Submitter interface {
	Submit(msg models.EventMessage) bool
}

type Gateway struct {
	store     EventStore
	submitter Submitter
	failures  *FailureCounter
	appSecret string
	logger    *zap.Logger
}

func NewGateway(store EventStore, submitter Submitter, failures *FailureCounter, appSecret string, logger *zap.Logger) *Gateway {
	return &Gateway{
		store:     store,
		submitter: submitter,
		failures:  failures,
		appSecret: appSecret,
		logger:    logger,
	}
}

// Authenticate verifies the signature header over rawBody, counting failures.
func (g *Gateway) Authenticate(signature string, rawBody []byte) error {
	if VerifySignature(signature, rawBody, g.appSecret) {
		return nil
	}
	g.failures.Inc()
	return apperrors.Rejected(apperrors.CodeUnauthorized, "invalid webhook signature")
}

// Receive authenticates and ingests one webhook delivery.
func (g *Gateway) Receive(ctx context.Context, signature string, rawBody []byte, headers map[string]string) (*models.InboundEvent, error) {
	if err := g.Authenticate(signature, rawBody); err != nil {
		return nil, err
	}

	payload, err := models.ParseWebhookPayload(rawBody)
	if err != nil {
		return nil, apperrors.Rejected(apperrors.CodeMissingAccount, "payload is not valid JSON")
	}
	accountID := payload.AccountExternalID()
	if accountID == "" {
		return nil, apperrors.Rejected(apperrors.CodeMissingAccount, "payload carries no account id")
	}

	return g.Ingest(ctx, accountID, rawBody, headers)
}

// Ingest stores the event and submits it for dispatch. It returns once the
// event is durable; publishing happens in the background.
func (g *Gateway) Ingest(ctx context.Context, accountExternalID string, rawBody []byte, headers map[string]string) (*models.InboundEvent, error) {
	event := &models.InboundEvent{
		AccountExternalID: accountExternalID,
		RawBody:           rawBody,
		Headers:           toJSONMap(headers),
	}
	if err := g.store.Create(ctx, event); err != nil {
		return nil, apperrors.Transient(apperrors.CodeStoreUnavailable, err)
	}
	metrics.IncEventIngested()

	g.submitter.Submit(models.EventMessage{
		EventID:           event.ID.String(),
		AccountExternalID: accountExternalID,
		Payload:           json.RawMessage(rawBody),
	})

	g.logger.Debug("Inbound event stored",
		zap.String("event_id", event.ID.String()),
		zap.String("account_external_id", accountExternalID),
	)
	return event, nil
}

func toJSONMap(headers map[string]string) map[string]interface{} {
	m := make(map[string]interface{}, len(headers))
	for k, v := range headers {
		m[k] = v
	}
	return m
}
