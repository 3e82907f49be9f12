package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marminbh/wa-dispatch/internal/apperrors"
	"github.com/marminbh/wa-dispatch/internal/models"
	"github.com/marminbh/wa-dispatch/internal/store"
)

type StaleEventLister interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.InboundEvent, error)
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]models.InboundEvent, error)
	MarkEnqueued(ctx context.Context, ids []uuid.UUID, at time.Time) error
}

type EventEnqueuer interface {
	Enqueue(ctx context.Context, msg models.EventMessage) error
}

const sweepBatch = 100

// Redriver puts stored events back on the event queue: on operator replay,
// and periodically for events that never got processed.
type Redriver struct {
	events   StaleEventLister
	enqueuer EventEnqueuer
	interval time.Duration
	grace    time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func NewRedriver(events StaleEventLister, enqueuer EventEnqueuer, interval, grace time.Duration, logger *zap.Logger) *Redriver {
	return &Redriver{
		events:   events,
		enqueuer: enqueuer,
		interval: interval,
		grace:    grace,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Replay re-enqueues the stored raw payload of one event.
func (r *Redriver) Replay(ctx context.Context, eventID uuid.UUID) (*models.InboundEvent, error) {
	event, err := r.events.GetByID(ctx, eventID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound(apperrors.CodeEventNotFound, "event not found")
		}
		return nil, apperrors.Transient(apperrors.CodeStoreUnavailable, err)
	}
	if err := r.enqueuer.Enqueue(ctx, toMessage(event)); err != nil {
		return nil, apperrors.Transient(apperrors.CodeQueueUnavailable, err)
	}
	r.markEnqueued(ctx, []uuid.UUID{event.ID})
	r.logger.Info("Event replayed", zap.String("event_id", event.ID.String()))
	return event, nil
}

// Sweep re-enqueues unprocessed events older than the grace period and
// returns how many were enqueued. An event is not swept again until a full
// grace period has passed since it was last enqueued.
func (r *Redriver) Sweep(ctx context.Context) (int, error) {
	stale, err := r.events.ListStale(ctx, r.now().Add(-r.grace), sweepBatch)
	if err != nil {
		return 0, err
	}
	enqueued := make([]uuid.UUID, 0, len(stale))
	for i := range stale {
		if err := r.enqueuer.Enqueue(ctx, toMessage(&stale[i])); err != nil {
			r.logger.Warn("Sweep failed to enqueue event",
				zap.String("event_id", stale[i].ID.String()),
				zap.Error(err),
			)
			continue
		}
		enqueued = append(enqueued, stale[i].ID)
	}
	r.markEnqueued(ctx, enqueued)
	if n := len(enqueued); n > 0 {
		r.logger.Info("Swept stale events", zap.Int("count", n))
	}
	return len(enqueued), nil
}

// markEnqueued is best effort: a missed stamp only means the event may be
// swept once more.
func (r *Redriver) markEnqueued(ctx context.Context, ids []uuid.UUID) {
	if len(ids) == 0 {
		return
	}
	if err := r.events.MarkEnqueued(ctx, ids, r.now()); err != nil {
		r.logger.Warn("Failed to record enqueue time", zap.Int("count", len(ids)), zap.Error(err))
	}
}

// Run sweeps every interval until ctx is done.
func (r *Redriver) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("Stale event sweep failed", zap.Error(err))
			}
		}
	}
}

func toMessage(event *models.InboundEvent) models.EventMessage {
	return models.EventMessage{
		EventID:           event.ID.String(),
		AccountExternalID: event.AccountExternalID,
		Payload:           json.RawMessage(event.RawBody),
	}
}
