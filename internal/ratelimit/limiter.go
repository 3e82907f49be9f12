// Package ratelimit gates outbound sends per sending endpoint with a token
// bucket.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/marminbh/wa-dispatch/internal/apperrors"
)

// DefaultPollInterval is how often WaitUntilAllowed retries TryConsume.
const DefaultPollInterval = 50 * time.Millisecond

// Limiter consumes one token from the bucket identified by key.
type Limiter interface {
	TryConsume(ctx context.Context, key string, capacity int, refillPerSecond float64) bool
}

// Bucket is the shape of a token bucket: burst capacity and sustained rate.
type Bucket struct {
	Capacity        int
	RefillPerSecond float64
}

// ErrRateLimitExceeded is returned when the wait ceiling passes without a token.
var ErrRateLimitExceeded = apperrors.Transient(apperrors.CodeRateLimited, fmt.Errorf("rate limit wait ceiling exceeded"))

// WaitUntilAllowed polls l until a token is granted or maxWait elapses.
// Context cancellation ends the wait early with the context error.
func WaitUntilAllowed(ctx context.Context, l Limiter, key string, b Bucket, maxWait, poll time.Duration) error {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	deadline := time.Now().Add(maxWait)

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.TryConsume(ctx, key, b.Capacity, b.RefillPerSecond) {
			return nil
		}
		if !time.Now().Before(deadline) {
			return ErrRateLimitExceeded
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// refillInterval is how long an empty bucket takes to fill completely.
func refillInterval(capacity int, refillPerSecond float64) time.Duration {
	if refillPerSecond <= 0 {
		return time.Hour
	}
	return time.Duration(float64(capacity) / refillPerSecond * float64(time.Second))
}
