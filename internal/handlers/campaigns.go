package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marminbh/wa-dispatch/internal/campaign"
	"github.com/marminbh/wa-dispatch/internal/models"
)

type CampaignService interface {
	Create(ctx context.Context, req campaign.CreateRequest) (*models.Campaign, error)
	Get(ctx context.Context, id uuid.UUID) (*models.CampaignStats, error)
	Jobs(ctx context.Context, id uuid.UUID) ([]models.CampaignJob, error)
}

type CampaignHandler struct {
	campaigns CampaignService
	logger    *zap.Logger
}

func NewCampaignHandler(campaigns CampaignService, logger *zap.Logger) *CampaignHandler {
	return &CampaignHandler{campaigns: campaigns, logger: logger}
}

// Create handles POST /campaigns.
func (h *CampaignHandler) Create(c *fiber.Ctx) error {
	var req campaign.CreateRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	created, err := h.campaigns.Create(c.UserContext(), req)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return c.Status(fiber.StatusCreated).JSON(created)
}

// Get handles GET /campaigns/:id.
func (h *CampaignHandler) Get(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "id must be a UUID")
	}
	stats, err := h.campaigns.Get(c.UserContext(), id)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return c.JSON(stats)
}

// Jobs handles GET /campaigns/:id/jobs.
func (h *CampaignHandler) Jobs(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "id must be a UUID")
	}
	jobs, err := h.campaigns.Jobs(c.UserContext(), id)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return c.JSON(fiber.Map{"jobs": jobs})
}
