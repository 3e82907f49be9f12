package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/marminbh/wa-dispatch/internal/metrics"
)

const localCleanupInterval = 5 * time.Minute

// LocalLimiter keeps buckets in process memory. It is only correct when a
// single instance sends for a given endpoint.
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	cleanup  *time.Timer
	every    time.Duration
	closed   bool
}

func NewLocalLimiter() *LocalLimiter {
	return newLocalLimiter(localCleanupInterval)
}

func newLocalLimiter(every time.Duration) *LocalLimiter {
	l := &LocalLimiter{limiters: make(map[string]*rate.Limiter), every: every}
	l.mu.Lock()
	l.schedule()
	l.mu.Unlock()
	return l
}

func (l *LocalLimiter) TryConsume(_ context.Context, key string, capacity int, refillPerSecond float64) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[key]
	if !ok || limiter.Burst() != capacity || float64(limiter.Limit()) != refillPerSecond {
		limiter = rate.NewLimiter(rate.Limit(refillPerSecond), capacity)
		l.limiters[key] = limiter
	}
	l.mu.Unlock()

	if limiter.Allow() {
		metrics.IncLimiterDecision("allowed")
		return true
	}
	metrics.IncLimiterDecision("denied")
	return false
}

// schedule arms the next cleanup. Callers hold l.mu.
func (l *LocalLimiter) schedule() {
	if l.closed {
		return
	}
	l.cleanup = time.AfterFunc(l.every, l.sweep)
}

// idle buckets are full again and can be dropped
func (l *LocalLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	now := time.Now()
	for key, limiter := range l.limiters {
		if limiter.TokensAt(now) >= float64(limiter.Burst()) {
			delete(l.limiters, key)
		}
	}
	l.schedule()
}

// Close stops the cleanup timer. No cleanup runs or is rescheduled after
// Close returns.
func (l *LocalLimiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.cleanup != nil {
		l.cleanup.Stop()
	}
}
