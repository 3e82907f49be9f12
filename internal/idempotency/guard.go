// Package idempotency makes outbound sends with a client message id happen
// at most once per account.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/marminbh/wa-dispatch/internal/models"
	"github.com/marminbh/wa-dispatch/internal/store"
)

// DefaultLease is how long an accepted send may stay without a provider id
// before another caller may take it over.
const DefaultLease = 2 * time.Minute

type MessageStore interface {
	FindByClientMessageID(ctx context.Context, accountID uuid.UUID, clientMessageID string) (*models.Message, error)
	InsertIfAbsent(ctx context.Context, msg *models.Message) (bool, error)
	Claim(ctx context.Context, id uuid.UUID, staleBefore time.Time) (bool, error)
}

type Guard struct {
	store MessageStore
	lease time.Duration
	now   func() time.Time
}

func NewGuard(s MessageStore, lease time.Duration) *Guard {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &Guard{store: s, lease: lease, now: time.Now}
}

// FindExisting returns the message already recorded under clientMessageID,
// or nil.
func (g *Guard) FindExisting(ctx context.Context, accountID uuid.UUID, clientMessageID string) (*models.Message, error) {
	if clientMessageID == "" {
		return nil, nil
	}
	msg, err := g.store.FindByClientMessageID(ctx, accountID, clientMessageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return msg, err
}

// Settled reports whether msg should be returned as is rather than sent
// again: the provider accepted it, or another caller is still sending it.
// A provider id means accepted, even if a later status marked it failed.
func (g *Guard) Settled(msg *models.Message) bool {
	switch {
	case msg.ProviderMessageID != nil:
		return true
	case msg.Status == models.MessageStatusFailed:
		return false
	case msg.Status == models.MessageStatusAccepted && msg.ProviderMessageID == nil:
		return !msg.UpdatedAt.Before(g.now().Add(-g.lease))
	}
	return true
}

// Reserve records msg before it is sent. It returns the row to work with
// and whether the caller owns the send. A caller that loses the race gets
// the existing row back.
func (g *Guard) Reserve(ctx context.Context, msg *models.Message) (*models.Message, bool, error) {
	inserted, err := g.store.InsertIfAbsent(ctx, msg)
	if err != nil {
		return nil, false, err
	}
	if inserted || msg.ClientMessageID == nil {
		return msg, true, nil
	}

	existing, err := g.store.FindByClientMessageID(ctx, msg.AccountID, *msg.ClientMessageID)
	if err != nil {
		return nil, false, err
	}
	if g.Settled(existing) {
		return existing, false, nil
	}

	claimed, err := g.store.Claim(ctx, existing.ID, g.now().Add(-g.lease))
	if err != nil {
		return nil, false, err
	}
	if claimed {
		existing.Status = models.MessageStatusAccepted
		existing.ErrorDetail = nil
	}
	return existing, claimed, nil
}
