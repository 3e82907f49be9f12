package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/marminbh/wa-dispatch/internal/messaging"
)

type MessageSender interface {
	Send(ctx context.Context, req messaging.SendRequest) (*messaging.SendResult, error)
}

type MessageHandler struct {
	sender MessageSender
	logger *zap.Logger
}

func NewMessageHandler(sender MessageSender, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{sender: sender, logger: logger}
}

// Send handles POST /messages. An Idempotency-Key header stands in for
// client_message_id when the body has none. A replayed send answers 200
// with the existing message instead of 201.
func (h *MessageHandler) Send(c *fiber.Ctx) error {
	var req messaging.SendRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.ClientMessageID == "" {
		req.ClientMessageID = c.Get("Idempotency-Key")
	}

	res, err := h.sender.Send(c.UserContext(), req)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	status := fiber.StatusCreated
	if res.Replayed {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(res.Message)
}
