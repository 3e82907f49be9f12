package rabbitmq

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/marminbh/wa-dispatch/internal/config"
)

// AttemptHeader carries the 1-based delivery attempt of a message.
const AttemptHeader = "x-attempt"

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Connection owns one AMQP connection and channel and re-dials both when
// the broker drops them.
type Connection struct {
	conn         *amqp.Connection
	channel      *amqp.Channel
	config       *config.RabbitMQConfig
	logger       *zap.Logger
	stopChan     chan struct{}
	mu           sync.RWMutex
	reconnecting bool
	reconnectMu  sync.Mutex
}

func NewConnection(rabbitMQConfig *config.RabbitMQConfig, logger *zap.Logger) *Connection {
	return &Connection{
		config:   rabbitMQConfig,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Connect dials the broker, retrying with exponential backoff, then watches
// the connection in the background.
func (c *Connection) Connect() error {
	const maxInitialAttempts = 10
	backoff := initialBackoff

	for attempt := 1; ; attempt++ {
		err := c.dial()
		if err == nil {
			c.logger.Info("Connected to RabbitMQ", zap.Int("attempt", attempt))
			break
		}
		if attempt >= maxInitialAttempts {
			return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxInitialAttempts, err)
		}

		c.logger.Warn("RabbitMQ not reachable yet",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
		)
		time.Sleep(backoff)
		backoff = nextBackoff(backoff)
	}

	go c.monitorConnection()
	return nil
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func (c *Connection) dial() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil && !c.channel.IsClosed() {
		c.channel.Close()
	}
	if c.conn != nil && !c.conn.IsClosed() {
		c.conn.Close()
	}

	amqpConfig := amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Vhost:     c.config.VHost,
		Properties: amqp.Table{
			"connection_name": "wa-dispatch",
		},
	}

	conn, err := amqp.DialConfig(c.config.ConnectionURL(), amqpConfig)
	if err != nil {
		return fmt.Errorf("failed to dial RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	c.conn = conn
	c.channel = ch
	c.logger.Debug("RabbitMQ channel open",
		zap.String("host", c.config.Host),
		zap.String("vhost", c.config.VHost),
	)
	return nil
}

func (c *Connection) monitorConnection() {
	for {
		c.mu.RLock()
		if c.conn == nil || c.channel == nil {
			c.mu.RUnlock()
			return
		}
		connClose := c.conn.NotifyClose(make(chan *amqp.Error, 1))
		channelClose := c.channel.NotifyClose(make(chan *amqp.Error, 1))
		c.mu.RUnlock()

		var closeErr *amqp.Error
		select {
		case <-c.stopChan:
			return
		case closeErr = <-connClose:
		case closeErr = <-channelClose:
		}
		if closeErr == nil {
			// graceful close
			return
		}

		c.logger.Error("RabbitMQ connection lost, reconnecting",
			zap.String("reason", closeErr.Reason),
			zap.Int("code", closeErr.Code),
		)
		c.reconnect()
	}
}

func (c *Connection) reconnect() {
	c.reconnectMu.Lock()
	if c.reconnecting {
		c.reconnectMu.Unlock()
		return
	}
	c.reconnecting = true
	c.reconnectMu.Unlock()

	defer func() {
		c.reconnectMu.Lock()
		c.reconnecting = false
		c.reconnectMu.Unlock()
	}()

	backoff := initialBackoff
	for attempt := 1; ; attempt++ {
		select {
		case <-c.stopChan:
			return
		default:
		}

		if err := c.dial(); err != nil {
			c.logger.Warn("Reconnect to RabbitMQ failed",
				zap.Error(err),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
			)
			time.Sleep(backoff)
			backoff = nextBackoff(backoff)
			continue
		}

		c.logger.Info("Reconnected to RabbitMQ", zap.Int("attempt", attempt))
		return
	}
}

func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.stopChan:
	default:
		close(c.stopChan)
	}

	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.logger.Info("RabbitMQ connection closed")
	}
}

func (c *Connection) currentChannel() (*amqp.Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.channel == nil || c.channel.IsClosed() || c.conn == nil || c.conn.IsClosed() {
		return nil, fmt.Errorf("RabbitMQ channel is not open")
	}
	return c.channel, nil
}

// DeclareTopology declares queue together with its dead-letter queue and
// one delay queue per entry in retryDelays. A delay queue holds messages for
// its TTL and then dead-letters them back onto queue.
func (c *Connection) DeclareTopology(queue string, retryDelays []time.Duration) error {
	ch, err := c.currentChannel()
	if err != nil {
		return err
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", queue, err)
	}
	if _, err := ch.QueueDeclare(DeadLetterQueue(queue), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", DeadLetterQueue(queue), err)
	}
	for i, delay := range retryDelays {
		name := RetryQueue(queue, i+1)
		args := amqp.Table{
			"x-message-ttl":             delay.Milliseconds(),
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": queue,
		}
		if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
			return fmt.Errorf("declare %s: %w", name, err)
		}
	}
	return nil
}

func RetryQueue(queue string, step int) string {
	return fmt.Sprintf("%s.retry.%d", queue, step)
}

func DeadLetterQueue(queue string) string {
	return queue + ".dlq"
}

// Publish base64-encodes payload and sends it to queue through the default
// exchange, stamped with the delivery attempt. A publish that hits a closed
// channel is retried a few times while the connection recovers.
func (c *Connection) Publish(ctx context.Context, queue string, payload []byte, attempt int) error {
	body := []byte(base64.StdEncoding.EncodeToString(payload))
	delay := 100 * time.Millisecond
	const maxTries = 3

	var lastErr error
	for try := 1; try <= maxTries; try++ {
		ch, err := c.currentChannel()
		if err == nil {
			err = ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
				ContentType:  "text/plain",
				DeliveryMode: amqp.Persistent,
				Timestamp:    time.Now(),
				Headers:      amqp.Table{AttemptHeader: int32(attempt)},
				Body:         body,
			})
			if err == nil {
				return nil
			}
		}
		lastErr = err

		if try == maxTries {
			break
		}
		c.logger.Warn("Publish failed, retrying",
			zap.String("queue", queue),
			zap.Int("try", try),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("failed to publish to %s: %w", queue, lastErr)
}

// Consume registers a consumer on queue with manual acknowledgement.
func (c *Connection) Consume(queue, consumerTag string) (<-chan amqp.Delivery, error) {
	ch, err := c.currentChannel()
	if err != nil {
		return nil, err
	}
	deliveries, err := ch.Consume(queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}
	return deliveries, nil
}

// Cancel stops deliveries to consumerTag. The deliveries channel closes
// once in-flight messages are handed over.
func (c *Connection) Cancel(consumerTag string) error {
	ch, err := c.currentChannel()
	if err != nil {
		return err
	}
	return ch.Cancel(consumerTag, false)
}

func (c *Connection) SetQoS(prefetchCount int) error {
	ch, err := c.currentChannel()
	if err != nil {
		return err
	}
	if err := ch.Qos(prefetchCount, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	return nil
}

func (c *Connection) IsHealthy() bool {
	_, err := c.currentChannel()
	return err == nil
}
