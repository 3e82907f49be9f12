// Package campaign fans a campaign out into per-destination jobs and sends
// them through the rate limiter.
package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marminbh/wa-dispatch/internal/apperrors"
	"github.com/marminbh/wa-dispatch/internal/messaging"
	"github.com/marminbh/wa-dispatch/internal/metrics"
	"github.com/marminbh/wa-dispatch/internal/models"
	"github.com/marminbh/wa-dispatch/internal/ratelimit"
	"github.com/marminbh/wa-dispatch/internal/store"
	"github.com/marminbh/wa-dispatch/internal/utils"
)

type Store interface {
	CreateWithJobs(ctx context.Context, campaign *models.Campaign, destinations []string) ([]models.CampaignJob, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Campaign, error)
	Transition(ctx context.Context, id uuid.UUID, from, to string) (bool, error)
	MarkCompleted(ctx context.Context, id uuid.UUID) (bool, error)
	GetJob(ctx context.Context, id uuid.UUID) (*models.CampaignJob, error)
	SaveJob(ctx context.Context, job *models.CampaignJob) error
	CountOutstanding(ctx context.Context, campaignID uuid.UUID) (int64, error)
	Stats(ctx context.Context, id uuid.UUID) (*models.CampaignStats, error)
	ListJobs(ctx context.Context, campaignID uuid.UUID) ([]models.CampaignJob, error)
}

type MessageSender interface {
	Send(ctx context.Context, req messaging.SendRequest) (*messaging.SendResult, error)
}

type Publisher interface {
	Publish(ctx context.Context, queue string, payload []byte, attempt int) error
}

type Options struct {
	Queue        string
	MaxAttempts  int
	LargeListCap int
	Bucket       ratelimit.Bucket
	MaxWait      time.Duration
	PollInterval time.Duration
}

type Service struct {
	store     Store
	accounts  messaging.AccountStore
	sender    MessageSender
	limiter   ratelimit.Limiter
	publisher Publisher
	opts      Options
	logger    *zap.Logger
}

func NewService(s Store, accounts messaging.AccountStore, sender MessageSender, limiter ratelimit.Limiter, publisher Publisher, opts Options, logger *zap.Logger) *Service {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 5 * time.Second
	}
	return &Service{
		store:     s,
		accounts:  accounts,
		sender:    sender,
		limiter:   limiter,
		publisher: publisher,
		opts:      opts,
		logger:    logger,
	}
}

type CreateRequest struct {
	AccountID      uuid.UUID       `json:"account_id"`
	TemplateID     *uuid.UUID      `json:"template_id,omitempty"`
	TemplateParams json.RawMessage `json:"template_params,omitempty"`
	Text           string          `json:"text,omitempty"`
	Destinations   []string        `json:"destinations"`
}

// Create validates the request, stores the campaign with one pending job
// per destination, enqueues the jobs and moves the campaign to sending.
// A job that fails to enqueue is logged and stays pending.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Campaign, error) {
	destinations := make([]string, 0, len(req.Destinations))
	for _, d := range req.Destinations {
		if strings.TrimSpace(d) == "" {
			continue
		}
		digits, err := utils.NormalizePhone(d)
		if err != nil {
			return nil, apperrors.Rejected(apperrors.CodeInvalidRequest, err.Error())
		}
		destinations = append(destinations, digits)
	}
	if len(destinations) == 0 {
		return nil, apperrors.Rejected(apperrors.CodeInvalidRequest, "at least one destination is required")
	}
	if req.TemplateID == nil && strings.TrimSpace(req.Text) == "" {
		return nil, apperrors.Rejected(apperrors.CodeInvalidRequest, "text or template_id is required")
	}

	account, err := s.accounts.FindByID(ctx, req.AccountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound(apperrors.CodeAccountNotFound, "account not found")
		}
		return nil, apperrors.Transient(apperrors.CodeStoreUnavailable, err)
	}
	if req.TemplateID != nil {
		if _, err := messaging.ValidateTemplate(ctx, s.accounts, account.ID, *req.TemplateID); err != nil {
			return nil, err
		}
	}

	log := s.logger.With(zap.String("account_id", account.ID.String()))
	if s.opts.LargeListCap > 0 && len(destinations) > s.opts.LargeListCap {
		metrics.IncLargeCampaign()
		log.Warn("Campaign destination list exceeds recommended size",
			zap.Int("destinations", len(destinations)),
			zap.Int("recommended_max", s.opts.LargeListCap),
		)
	}

	campaign := &models.Campaign{
		AccountID:      account.ID,
		TemplateID:     req.TemplateID,
		TemplateParams: []byte(req.TemplateParams),
		Text:           req.Text,
	}
	jobs, err := s.store.CreateWithJobs(ctx, campaign, destinations)
	if err != nil {
		return nil, apperrors.Transient(apperrors.CodeStoreUnavailable, err)
	}
	log = log.With(zap.String("campaign_id", campaign.ID.String()))

	enqueued := 0
	for i := range jobs {
		if err := s.enqueue(ctx, jobs[i].ID); err != nil {
			metrics.IncEnqueueError(s.opts.Queue, "publish")
			log.Error("Failed to enqueue campaign job",
				zap.String("job_id", jobs[i].ID.String()),
				zap.Error(err),
			)
			continue
		}
		enqueued++
	}

	moved, err := s.store.Transition(ctx, campaign.ID, models.CampaignStatusCreated, models.CampaignStatusSending)
	if err != nil {
		return nil, apperrors.Transient(apperrors.CodeStoreUnavailable, err)
	}
	if moved {
		campaign.Status = models.CampaignStatusSending
	} else if current, err := s.store.GetByID(ctx, campaign.ID); err == nil {
		// workers already finished every job
		campaign = current
	}

	log.Info("Campaign created",
		zap.Int("jobs", len(jobs)),
		zap.Int("enqueued", enqueued),
	)
	return campaign, nil
}

func (s *Service) enqueue(ctx context.Context, jobID uuid.UUID) error {
	body, err := json.Marshal(models.JobMessage{JobID: jobID.String()})
	if err != nil {
		return err
	}
	return s.publisher.Publish(ctx, s.opts.Queue, body, 1)
}

// Get returns the campaign with its job outcome counts.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.CampaignStats, error) {
	stats, err := s.store.Stats(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound(apperrors.CodeCampaignNotFound, "campaign not found")
		}
		return nil, apperrors.Transient(apperrors.CodeStoreUnavailable, err)
	}
	return stats, nil
}

// Jobs lists every job of a campaign with its attempts and last error.
func (s *Service) Jobs(ctx context.Context, id uuid.UUID) ([]models.CampaignJob, error) {
	if _, err := s.store.GetByID(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound(apperrors.CodeCampaignNotFound, "campaign not found")
		}
		return nil, apperrors.Transient(apperrors.CodeStoreUnavailable, err)
	}
	jobs, err := s.store.ListJobs(ctx, id)
	if err != nil {
		return nil, apperrors.Transient(apperrors.CodeStoreUnavailable, err)
	}
	return jobs, nil
}

// HandleEvent is the campaign job queue handler.
func (s *Service) HandleEvent(ctx context.Context, body []byte, _ int) error {
	var msg models.JobMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return apperrors.Permanent(apperrors.CodeMalformedPayload, fmt.Errorf("failed to unmarshal job message: %w", err))
	}
	jobID, err := uuid.Parse(msg.JobID)
	if err != nil {
		return apperrors.Permanent(apperrors.CodeMalformedPayload, fmt.Errorf("invalid job id %q", msg.JobID))
	}
	return s.ProcessJob(ctx, jobID)
}
