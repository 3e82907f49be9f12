package campaign

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marminbh/wa-dispatch/internal/apperrors"
	"github.com/marminbh/wa-dispatch/internal/messaging"
	"github.com/marminbh/wa-dispatch/internal/metrics"
	"github.com/marminbh/wa-dispatch/internal/models"
	"github.com/marminbh/wa-dispatch/internal/ratelimit"
	"github.com/marminbh/wa-dispatch/internal/store"
)

var errSendInProgress = apperrors.Transient(apperrors.CodeProviderUnavailable, errors.New("send already in progress"))

// ClientMessageID is the idempotency token a job sends under, stable across
// redeliveries of the same job.
func ClientMessageID(campaignID, jobID uuid.UUID) string {
	return fmt.Sprintf("campaign:%s:job:%s", campaignID, jobID)
}

// ProcessJob makes one send attempt for a job. The returned error is
// non-nil only when the job failed and another attempt is scheduled.
func (s *Service) ProcessJob(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperrors.NotFound("job_not_found", "campaign job not found")
		}
		return err
	}

	log := s.logger.With(
		zap.String("job_id", job.ID.String()),
		zap.String("campaign_id", job.CampaignID.String()),
		zap.Int("attempts", job.Attempts),
	)

	if job.Status == models.JobStatusSent ||
		(job.Status == models.JobStatusFailed && !job.RetryScheduled) ||
		job.Attempts >= s.opts.MaxAttempts {
		log.Debug("Job already settled, skipping", zap.String("status", job.Status))
		return nil
	}

	campaign, err := s.store.GetByID(ctx, job.CampaignID)
	if err != nil {
		return err
	}

	sendErr := s.send(ctx, campaign, job)
	job.Attempts++

	retry := false
	if sendErr == nil {
		job.Status = models.JobStatusSent
		job.LastError = nil
		job.RetryScheduled = false
		metrics.IncCampaignJob("sent")
	} else {
		msg := sendErr.Error()
		job.Status = models.JobStatusFailed
		job.LastError = &msg
		retry = !apperrors.IsPermanent(sendErr) && job.Attempts < s.opts.MaxAttempts
		job.RetryScheduled = retry
		if retry {
			metrics.IncCampaignJob("retry")
			log.Warn("Job send failed, will retry", zap.Error(sendErr))
		} else {
			metrics.IncCampaignJob("failed")
			log.Error("Job failed permanently", zap.Error(sendErr))
		}
	}

	if err := s.store.SaveJob(ctx, job); err != nil {
		return fmt.Errorf("failed to save job outcome: %w", err)
	}

	if err := s.completeIfDone(ctx, campaign.ID); err != nil {
		log.Error("Failed to check campaign completion", zap.Error(err))
	}

	if retry {
		return sendErr
	}
	return nil
}

func (s *Service) send(ctx context.Context, campaign *models.Campaign, job *models.CampaignJob) error {
	account, err := s.accounts.FindByID(ctx, campaign.AccountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperrors.NotFound(apperrors.CodeAccountNotFound, "account not found")
		}
		return err
	}

	if err := ratelimit.WaitUntilAllowed(ctx, s.limiter, account.PhoneNumberID, s.opts.Bucket, s.opts.MaxWait, s.opts.PollInterval); err != nil {
		return err
	}

	res, err := s.sender.Send(ctx, messaging.SendRequest{
		AccountID:       account.ID,
		To:              job.ToDestination,
		Text:            campaign.Text,
		TemplateID:      campaign.TemplateID,
		TemplateParams:  []byte(campaign.TemplateParams),
		ClientMessageID: ClientMessageID(campaign.ID, job.ID),
	})
	if err != nil {
		return err
	}
	if res.Replayed && res.Message.ProviderMessageID == nil {
		return errSendInProgress
	}
	job.MessageID = &res.Message.ID
	return nil
}

// completeIfDone completes the campaign when no job can change any more.
func (s *Service) completeIfDone(ctx context.Context, campaignID uuid.UUID) error {
	outstanding, err := s.store.CountOutstanding(ctx, campaignID)
	if err != nil {
		return err
	}
	if outstanding > 0 {
		return nil
	}
	completed, err := s.store.MarkCompleted(ctx, campaignID)
	if err != nil {
		return err
	}
	if completed {
		s.logger.Info("Campaign completed", zap.String("campaign_id", campaignID.String()))
	}
	return nil
}
