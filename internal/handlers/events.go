package handlers

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/marminbh/wa-dispatch/internal/models"
	"github.com/marminbh/wa-dispatch/internal/store"
)

const maxEventsLimit = 100

type EventLister interface {
	List(ctx context.Context, f store.EventFilter) ([]models.InboundEvent, bool, error)
}

// EventsHandler handles inbound event listing
type EventsHandler struct {
	events EventLister
	logger *zap.Logger
}

func NewEventsHandler(events EventLister, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{
		events: events,
		logger: logger,
	}
}

// EventsResponse represents the response structure for GET /webhooks/events
type EventsResponse struct {
	Events  []EventDTO `json:"events"`
	HasMore bool       `json:"has_more"`
}

type EventDTO struct {
	ID                string  `json:"id"`
	AccountExternalID string  `json:"account_external_id"`
	Processed         bool    `json:"processed"`
	Error             *string `json:"error"`
	Timestamp         string  `json:"timestamp"` // UTC ISO 8601
}

// GetEvents handles GET /webhooks/events
// Query parameters:
//   - account_id (optional): provider account id
//   - unprocessed (optional): only events not yet processed
//   - limit (optional, default 25, max 100)
//   - offset (optional, default 0)
func (h *EventsHandler) GetEvents(c *fiber.Ctx) error {
	limit := 25
	if limitStr := c.Query("limit"); limitStr != "" {
		parsedLimit, err := strconv.Atoi(limitStr)
		if err != nil || parsedLimit <= 0 {
			return badRequest(c, "limit must be a positive integer")
		}
		limit = min(parsedLimit, maxEventsLimit)
	}

	offset := 0
	if offsetStr := c.Query("offset"); offsetStr != "" {
		parsedOffset, err := strconv.Atoi(offsetStr)
		if err != nil || parsedOffset < 0 {
			return badRequest(c, "offset must be a non-negative integer")
		}
		offset = parsedOffset
	}

	events, hasMore, err := h.events.List(c.UserContext(), store.EventFilter{
		AccountExternalID: c.Query("account_id"),
		UnprocessedOnly:   c.QueryBool("unprocessed", false),
		Limit:             limit,
		Offset:            offset,
	})
	if err != nil {
		h.logger.Error("Failed to query inbound events", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorBody{Error: ErrorDetail{
			Code:    "internal_error",
			Message: "failed to fetch events",
		}})
	}

	dtos := make([]EventDTO, 0, len(events))
	for _, e := range events {
		dtos = append(dtos, EventDTO{
			ID:                e.ID.String(),
			AccountExternalID: e.AccountExternalID,
			Processed:         e.Processed,
			Error:             e.Error,
			Timestamp:         e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	return c.JSON(EventsResponse{
		Events:  dtos,
		HasMore: hasMore,
	})
}
