package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marminbh/wa-dispatch/internal/models"
	"github.com/marminbh/wa-dispatch/internal/webhook"
)

type Gateway interface {
	Receive(ctx context.Context, signature string, rawBody []byte, headers map[string]string) (*models.InboundEvent, error)
}

type Replayer interface {
	Replay(ctx context.Context, eventID uuid.UUID) (*models.InboundEvent, error)
}

// WebhookHandler serves the provider callback endpoints.
type WebhookHandler struct {
	gateway     Gateway
	replayer    Replayer
	verifyToken string
	logger      *zap.Logger
}

func NewWebhookHandler(gateway Gateway, replayer Replayer, verifyToken string, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		gateway:     gateway,
		replayer:    replayer,
		verifyToken: verifyToken,
		logger:      logger,
	}
}

// Challenge handles GET /webhooks/provider, the subscription handshake.
func (h *WebhookHandler) Challenge(c *fiber.Ctx) error {
	challenge, err := webhook.VerifyChallenge(
		c.Query("hub.mode"),
		c.Query("hub.verify_token"),
		h.verifyToken,
		c.Query("hub.challenge"),
	)
	if err != nil {
		h.logger.Warn("Webhook challenge rejected", zap.String("mode", c.Query("hub.mode")))
		return respondError(c, h.logger, err)
	}
	return c.Status(fiber.StatusOK).SendString(challenge)
}

// Receive handles POST /webhooks/provider. The body is verified byte for
// byte, so it is copied out of fiber's reusable buffer before use.
func (h *WebhookHandler) Receive(c *fiber.Ctx) error {
	signature := c.Get("X-Signature")
	if signature == "" {
		signature = c.Get("X-Hub-Signature-256")
	}
	raw := append([]byte(nil), c.Body()...)

	event, err := h.gateway.Receive(c.UserContext(), signature, raw, requestHeaders(c))
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return c.JSON(fiber.Map{
		"status":   "received",
		"event_id": event.ID.String(),
	})
}

// Replay handles POST /webhooks/replay/:eventId.
func (h *WebhookHandler) Replay(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("eventId"))
	if err != nil {
		return badRequest(c, "eventId must be a UUID")
	}
	event, err := h.replayer.Replay(c.UserContext(), id)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status":   "queued",
		"event_id": event.ID.String(),
	})
}

func requestHeaders(c *fiber.Ctx) map[string]string {
	headers := make(map[string]string)
	c.Request().Header.VisitAll(func(key, value []byte) {
		headers[string(key)] = string(value)
	})
	return headers
}
