package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marminbh/wa-dispatch/internal/metrics"
	"github.com/marminbh/wa-dispatch/internal/models"
)

// Publisher puts a payload on a named queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, payload []byte, attempt int) error
}

// Enqueuer publishes stored events from a bounded buffer on a fixed set of
// goroutines, so request handlers never wait on the broker. Publish errors
// go to an error channel that is drained into the log.
type Enqueuer struct {
	publisher Publisher
	queue     string
	tasks     chan models.EventMessage
	errs      chan error
	logger    *zap.Logger
	wg        sync.WaitGroup
	errsDone  chan struct{}
	closeOnce sync.Once

	// mu guards closed and the close of tasks against concurrent Submit.
	mu     sync.RWMutex
	closed bool
}

func NewEnqueuer(publisher Publisher, queue string, buffer, workers int, logger *zap.Logger) *Enqueuer {
	if buffer <= 0 {
		buffer = 1
	}
	if workers <= 0 {
		workers = 1
	}
	e := &Enqueuer{
		publisher: publisher,
		queue:     queue,
		tasks:     make(chan models.EventMessage, buffer),
		errs:      make(chan error, buffer),
		logger:    logger,
		errsDone:  make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.run()
	}
	go e.drainErrors()
	return e
}

// Submit queues msg without blocking. It returns false when the buffer is
// full or the enqueuer is closed; the event stays unprocessed in the store
// for the sweeper.
func (e *Enqueuer) Submit(msg models.EventMessage) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		metrics.IncEnqueueError(e.queue, "closed")
		e.logger.Warn("Enqueuer closed, leaving event for sweeper",
			zap.String("event_id", msg.EventID),
		)
		return false
	}
	select {
	case e.tasks <- msg:
		return true
	default:
		metrics.IncEnqueueError(e.queue, "buffer_full")
		e.logger.Warn("Enqueue buffer full, leaving event for sweeper",
			zap.String("event_id", msg.EventID),
		)
		return false
	}
}

// Enqueue publishes msg synchronously. Used by replay and the sweeper.
func (e *Enqueuer) Enqueue(ctx context.Context, msg models.EventMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal event message: %w", err)
	}
	if err := e.publisher.Publish(ctx, e.queue, body, 1); err != nil {
		metrics.IncEnqueueError(e.queue, "publish")
		return err
	}
	return nil
}

func (e *Enqueuer) run() {
	defer e.wg.Done()
	for msg := range e.tasks {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := e.Enqueue(ctx, msg); err != nil {
			e.errs <- fmt.Errorf("event %s: %w", msg.EventID, err)
		}
		cancel()
	}
}

func (e *Enqueuer) drainErrors() {
	defer close(e.errsDone)
	for err := range e.errs {
		e.logger.Error("Failed to enqueue inbound event", zap.Error(err))
	}
}

// Close stops accepting work and waits for buffered events to publish.
func (e *Enqueuer) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		close(e.tasks)
		e.mu.Unlock()
		e.wg.Wait()
		close(e.errs)
		<-e.errsDone
	})
}
