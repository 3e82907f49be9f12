package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/marminbh/wa-dispatch/internal/campaign"
	"github.com/marminbh/wa-dispatch/internal/config"
	"github.com/marminbh/wa-dispatch/internal/consumer"
	"github.com/marminbh/wa-dispatch/internal/dispatcher"
	"github.com/marminbh/wa-dispatch/internal/handlers"
	"github.com/marminbh/wa-dispatch/internal/idempotency"
	"github.com/marminbh/wa-dispatch/internal/messaging"
	"github.com/marminbh/wa-dispatch/internal/rabbitmq"
	"github.com/marminbh/wa-dispatch/internal/ratelimit"
	"github.com/marminbh/wa-dispatch/internal/routes"
	"github.com/marminbh/wa-dispatch/internal/secrets"
	"github.com/marminbh/wa-dispatch/internal/sender"
	"github.com/marminbh/wa-dispatch/internal/store"
	"github.com/marminbh/wa-dispatch/internal/webhook"
)

// campaignDeliverySlack lets a campaign message outlive the job's own
// attempt limit at the queue level; the job row decides when to stop.
const campaignDeliverySlack = 2

// Service holds all application dependencies
// This eliminates global state and enables proper dependency injection
type Service struct {
	DB     *gorm.DB
	Logger *zap.Logger
	RMQ    *rabbitmq.Connection
	Redis  *redis.Client

	Events    *store.EventStore
	Accounts  *store.AccountStore
	Campaigns *store.CampaignStore

	Gateway    *webhook.Gateway
	Enqueuer   *webhook.Enqueuer
	Dispatcher *dispatcher.Dispatcher
	Redriver   *dispatcher.Redriver
	Messaging  *messaging.Service
	Campaign   *campaign.Service
	Cipher     *secrets.Cipher

	limiter        ratelimit.Limiter
	eventRunner    *consumer.Runner
	campaignRunner *consumer.Runner
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	cfg            *config.Config
}

// NewService builds every component. redisClient may be nil when the
// memory limiter backend is configured.
func NewService(cfg *config.Config, db *gorm.DB, rmq *rabbitmq.Connection, redisClient *redis.Client, logger *zap.Logger) (*Service, error) {
	cipher, err := secrets.NewCipher(cfg.Security.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}

	s := &Service{
		DB:        db,
		Logger:    logger,
		RMQ:       rmq,
		Redis:     redisClient,
		Events:    store.NewEventStore(db),
		Accounts:  store.NewAccountStore(db),
		Campaigns: store.NewCampaignStore(db),
		Cipher:    cipher,
		cfg:       cfg,
	}

	if cfg.RateLimit.Backend == "redis" {
		if redisClient == nil {
			return nil, fmt.Errorf("redis rate limit backend needs a redis client")
		}
		s.limiter = ratelimit.NewRedisLimiter(redisClient, logger.Named("ratelimit"))
	} else {
		s.limiter = ratelimit.NewLocalLimiter()
	}

	s.Enqueuer = webhook.NewEnqueuer(rmq, cfg.Dispatcher.EventQueue, cfg.Dispatcher.EnqueueBuffer, cfg.Dispatcher.EnqueueWorkers, logger.Named("enqueuer"))
	s.Gateway = webhook.NewGateway(
		s.Events,
		s.Enqueuer,
		webhook.NewFailureCounter(cfg.Security.SignatureAlertThreshold, logger.Named("webhook")),
		cfg.Provider.AppSecret,
		logger.Named("webhook"),
	)

	s.Dispatcher = dispatcher.NewDispatcher(s.Events, s.Accounts, store.NewConversationStore(db), cfg.Dispatcher.MaxAttempts, logger.Named("dispatcher"))
	s.Redriver = dispatcher.NewRedriver(s.Events, s.Enqueuer, cfg.Dispatcher.SweepInterval, cfg.Dispatcher.SweepGrace, logger.Named("redriver"))

	messages := store.NewMessageStore(db)
	s.Messaging = messaging.NewService(
		s.Accounts,
		messages,
		idempotency.NewGuard(messages, idempotency.DefaultLease),
		sender.NewClient(cfg.Provider.GraphURL, cfg.Provider.HTTPTimeout, logger.Named("sender")),
		cipher,
		logger.Named("messaging"),
	)

	s.Campaign = campaign.NewService(s.Campaigns, s.Accounts, s.Messaging, s.limiter, rmq, campaign.Options{
		Queue:        cfg.Campaign.JobQueue,
		MaxAttempts:  cfg.Campaign.MaxAttempts,
		LargeListCap: cfg.Campaign.LargeListCap,
		Bucket: ratelimit.Bucket{
			Capacity:        cfg.RateLimit.Capacity,
			RefillPerSecond: cfg.RateLimit.RefillPerSecond,
		},
		MaxWait:      cfg.RateLimit.MaxWait,
		PollInterval: cfg.RateLimit.PollInterval,
	}, logger.Named("campaign"))

	s.eventRunner = consumer.NewRunner(consumer.Options{
		Queue:       cfg.Dispatcher.EventQueue,
		Workers:     cfg.Dispatcher.WorkerCount,
		MaxAttempts: cfg.Dispatcher.MaxAttempts,
	}, rmq, s.Dispatcher, logger.Named("consumer"))

	s.campaignRunner = consumer.NewRunner(consumer.Options{
		Queue:       cfg.Campaign.JobQueue,
		Workers:     cfg.Campaign.WorkerCount,
		MaxAttempts: cfg.Campaign.MaxAttempts + campaignDeliverySlack,
	}, rmq, s.Campaign, logger.Named("consumer"))

	return s, nil
}

// Handlers builds the HTTP handlers over the service's components.
func (s *Service) Handlers() routes.Handlers {
	var redisHealth redis.Cmdable
	if s.Redis != nil {
		redisHealth = s.Redis
	}
	return routes.Handlers{
		Health:    handlers.NewHealthHandler(s.DB, s.RMQ, redisHealth),
		Webhook:   handlers.NewWebhookHandler(s.Gateway, s.Redriver, s.cfg.Provider.VerifyToken, s.Logger.Named("http")),
		Events:    handlers.NewEventsHandler(s.Events, s.Logger.Named("http")),
		Campaigns: handlers.NewCampaignHandler(s.Campaign, s.Logger.Named("http")),
		Messages:  handlers.NewMessageHandler(s.Messaging, s.Logger.Named("http")),
		Accounts:  handlers.NewAccountHandler(s.Accounts, s.Cipher, s.Logger.Named("http")),
	}
}

// Start begins consuming both queues and runs the stale event sweeper.
func (s *Service) Start() error {
	if err := s.eventRunner.Start(); err != nil {
		return fmt.Errorf("failed to start event consumer: %w", err)
	}
	if err := s.campaignRunner.Start(); err != nil {
		s.eventRunner.Stop()
		return fmt.Errorf("failed to start campaign consumer: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Redriver.Run(ctx)
	}()
	return nil
}

// Stop drains the consumers and flushes the enqueuer. Safe to call once
// after Start.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.eventRunner.Stop()
	s.campaignRunner.Stop()
	s.Enqueuer.Close()
	if l, ok := s.limiter.(*ratelimit.LocalLimiter); ok {
		l.Close()
	}
}
