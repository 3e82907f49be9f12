package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/marminbh/wa-dispatch/internal/models"
)

const jobBatchSize = 500

type CampaignStore struct {
	db *gorm.DB
}

func NewCampaignStore(db *gorm.DB) *CampaignStore {
	return &CampaignStore{db: db}
}

// CreateWithJobs persists the campaign and then one pending job per
// destination, all or nothing.
func (s *CampaignStore) CreateWithJobs(ctx context.Context, campaign *models.Campaign, destinations []string) ([]models.CampaignJob, error) {
	jobs := make([]models.CampaignJob, 0, len(destinations))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		campaign.Status = models.CampaignStatusCreated
		campaign.ContactCount = len(destinations)
		if err := tx.Create(campaign).Error; err != nil {
			return err
		}

		for _, to := range destinations {
			jobs = append(jobs, models.CampaignJob{
				CampaignID:    campaign.ID,
				ToDestination: to,
				Status:        models.JobStatusPending,
			})
		}
		return tx.CreateInBatches(&jobs, jobBatchSize).Error
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *CampaignStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Campaign, error) {
	var campaign models.Campaign
	if err := s.db.WithContext(ctx).First(&campaign, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &campaign, nil
}

// Transition moves a campaign from one status to another and reports
// whether it was still in the from status.
func (s *CampaignStore) Transition(ctx context.Context, id uuid.UUID, from, to string) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Campaign{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	return res.RowsAffected == 1, res.Error
}

// MarkCompleted completes the campaign once. Later calls are no-ops.
func (s *CampaignStore) MarkCompleted(ctx context.Context, id uuid.UUID) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Campaign{}).
		Where("id = ? AND status <> ?", id, models.CampaignStatusCompleted).
		Updates(map[string]interface{}{
			"status":       models.CampaignStatusCompleted,
			"completed_at": time.Now().UTC(),
		})
	return res.RowsAffected == 1, res.Error
}

func (s *CampaignStore) GetJob(ctx context.Context, id uuid.UUID) (*models.CampaignJob, error) {
	var job models.CampaignJob
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &job, nil
}

// SaveJob writes the mutable job fields, zero values included.
func (s *CampaignStore) SaveJob(ctx context.Context, job *models.CampaignJob) error {
	job.UpdatedAt = time.Now().UTC()
	return s.db.WithContext(ctx).
		Model(job).
		Select("status", "attempts", "last_error", "retry_scheduled", "message_id", "updated_at").
		Updates(job).Error
}

// CountOutstanding counts jobs that may still change: pending ones and
// failed ones waiting on a scheduled retry.
func (s *CampaignStore) CountOutstanding(ctx context.Context, campaignID uuid.UUID) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&models.CampaignJob{}).
		Where("campaign_id = ? AND (status = ? OR retry_scheduled = ?)", campaignID, models.JobStatusPending, true).
		Count(&n).Error
	return n, err
}

func (s *CampaignStore) Stats(ctx context.Context, id uuid.UUID) (*models.CampaignStats, error) {
	campaign, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Status string
		Count  int
	}
	err = s.db.WithContext(ctx).
		Model(&models.CampaignJob{}).
		Select("status, COUNT(*) AS count").
		Where("campaign_id = ?", id).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	stats := &models.CampaignStats{Campaign: *campaign}
	for _, r := range rows {
		switch r.Status {
		case models.JobStatusPending:
			stats.PendingCount = r.Count
		case models.JobStatusSent:
			stats.SentCount = r.Count
		case models.JobStatusFailed:
			stats.FailedCount = r.Count
		}
	}
	return stats, nil
}

func (s *CampaignStore) ListJobs(ctx context.Context, campaignID uuid.UUID) ([]models.CampaignJob, error) {
	var jobs []models.CampaignJob
	err := s.db.WithContext(ctx).
		Where("campaign_id = ?", campaignID).
		Order("created_at ASC").
		Find(&jobs).Error
	return jobs, err
}
