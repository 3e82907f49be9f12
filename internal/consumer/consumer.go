package consumer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/marminbh/wa-dispatch/internal/apperrors"
	"github.com/marminbh/wa-dispatch/internal/rabbitmq"
)

// EventHandler handles one decoded queue message. attempt is 1-based.
// Returning an error schedules a retry unless the error is permanent or
// attempts are exhausted, in which case the message is dead-lettered.
type EventHandler interface {
	HandleEvent(ctx context.Context, body []byte, attempt int) error
}

// Broker is the subset of the RabbitMQ connection the runner needs.
type Broker interface {
	DeclareTopology(queue string, retryDelays []time.Duration) error
	SetQoS(prefetchCount int) error
	Consume(queue, consumerTag string) (<-chan amqp.Delivery, error)
	Cancel(consumerTag string) error
	Publish(ctx context.Context, queue string, payload []byte, attempt int) error
}

type Options struct {
	Queue       string
	Workers     int
	MaxAttempts int
	RetryDelays []time.Duration
}

// Runner feeds deliveries from one queue to a pool of workers and owns the
// ack, retry and dead-letter decisions for every message.
type Runner struct {
	opts        Options
	broker      Broker
	handler     EventHandler
	logger      *zap.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	consumerTag string
	wg          sync.WaitGroup
}

func NewRunner(opts Options, broker Broker, handler EventHandler, logger *zap.Logger) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryDelays == nil {
		opts.RetryDelays = DefaultRetryDelays
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		opts:        opts,
		broker:      broker,
		handler:     handler,
		logger:      logger.With(zap.String("queue", opts.Queue)),
		ctx:         ctx,
		cancel:      cancel,
		consumerTag: fmt.Sprintf("%s-%d", opts.Queue, time.Now().UnixNano()),
	}
}

// Start declares the queue topology and begins consuming.
func (r *Runner) Start() error {
	if r.opts.Queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if err := r.broker.DeclareTopology(r.opts.Queue, r.opts.RetryDelays); err != nil {
		return fmt.Errorf("failed to declare topology: %w", err)
	}
	if err := r.subscribe(); err != nil {
		return err
	}
	r.logger.Info("Consumer started",
		zap.String("consumer_tag", r.consumerTag),
		zap.Int("workers", r.opts.Workers),
	)
	return nil
}

func (r *Runner) subscribe() error {
	if err := r.broker.SetQoS(r.opts.Workers); err != nil {
		return err
	}
	deliveries, err := r.broker.Consume(r.opts.Queue, r.consumerTag)
	if err != nil {
		return fmt.Errorf("failed to consume from %s: %w", r.opts.Queue, err)
	}

	done := make(chan struct{})
	var once sync.Once
	for i := 0; i < r.opts.Workers; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.work(deliveries)
			once.Do(func() { close(done) })
		}()
	}
	go r.resubscribeOnClose(done)
	return nil
}

func (r *Runner) work(deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-r.ctx.Done():
			return
		case msg, ok := <-deliveries:
			if !ok {
				return
			}
			// in-flight work outlives Stop so it can settle its delivery
			r.ProcessMessage(context.WithoutCancel(r.ctx), msg)
		}
	}
}

// resubscribeOnClose re-registers the consumer after the broker channel is
// replaced by a reconnect.
func (r *Runner) resubscribeOnClose(done <-chan struct{}) {
	<-done
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
		if err := r.subscribe(); err != nil {
			r.logger.Warn("Consumer resubscribe failed", zap.Error(err))
			continue
		}
		r.logger.Info("Consumer resubscribed")
		return
	}
}

// Stop cancels the consumer and waits for in-flight messages to finish.
func (r *Runner) Stop() {
	r.cancel()
	if err := r.broker.Cancel(r.consumerTag); err != nil {
		r.logger.Warn("Failed to cancel consumer", zap.Error(err))
	}
	r.wg.Wait()
	r.logger.Info("Consumer stopped")
}

// ProcessMessage decodes msg, runs the handler and settles the delivery:
// ack on success, republish to a delay queue on a retryable failure, or
// publish to the dead-letter queue.
func (r *Runner) ProcessMessage(ctx context.Context, msg amqp.Delivery) {
	attempt := AttemptOf(msg)
	log := r.logger.With(
		zap.Uint64("delivery_tag", msg.DeliveryTag),
		zap.Int("attempt", attempt),
	)

	body, err := base64.StdEncoding.DecodeString(string(msg.Body))
	if err != nil {
		log.Error("Failed to decode message body", zap.Error(err))
		r.deadLetter(ctx, log, msg, msg.Body, attempt)
		return
	}

	err = r.handler.HandleEvent(ctx, body, attempt)
	switch {
	case err == nil:
		ack(log, msg)
	case errors.Is(err, context.Canceled):
		// shutting down; let the broker redeliver
		nack(log, msg, true)
	case apperrors.IsPermanent(err) || attempt >= r.opts.MaxAttempts:
		log.Error("Message failed permanently", zap.Error(err))
		r.deadLetter(ctx, log, msg, body, attempt)
	default:
		delayQueue := rabbitmq.RetryQueue(r.opts.Queue, retryStep(attempt, len(r.opts.RetryDelays)))
		log.Warn("Message failed, scheduling retry",
			zap.String("retry_queue", delayQueue),
			zap.Error(err),
		)
		if pubErr := r.broker.Publish(ctx, delayQueue, body, attempt+1); pubErr != nil {
			log.Error("Failed to schedule retry", zap.Error(pubErr))
			nack(log, msg, true)
			return
		}
		ack(log, msg)
	}
}

func (r *Runner) deadLetter(ctx context.Context, log *zap.Logger, msg amqp.Delivery, body []byte, attempt int) {
	if err := r.broker.Publish(ctx, rabbitmq.DeadLetterQueue(r.opts.Queue), body, attempt); err != nil {
		log.Error("Failed to dead-letter message", zap.Error(err))
		nack(log, msg, false)
		return
	}
	ack(log, msg)
}

func ack(log *zap.Logger, msg amqp.Delivery) {
	if err := msg.Ack(false); err != nil {
		log.Error("Failed to ack message", zap.Error(err))
	}
}

func nack(log *zap.Logger, msg amqp.Delivery, requeue bool) {
	if err := msg.Nack(false, requeue); err != nil {
		log.Error("Failed to nack message", zap.Error(err))
	}
}

// AttemptOf reads the attempt header. Messages without one are first attempts.
func AttemptOf(msg amqp.Delivery) int {
	switch v := msg.Headers[rabbitmq.AttemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 1
}
