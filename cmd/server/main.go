package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/marminbh/wa-dispatch/internal/config"
	"github.com/marminbh/wa-dispatch/internal/database"
	"github.com/marminbh/wa-dispatch/internal/logger"
	"github.com/marminbh/wa-dispatch/internal/metrics"
	"github.com/marminbh/wa-dispatch/internal/rabbitmq"
	"github.com/marminbh/wa-dispatch/internal/routes"
	"github.com/marminbh/wa-dispatch/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load config: " + err.Error())
	}

	if err := logger.Init(cfg.LogLevel); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()

	metrics.Register()

	if cfg.Database.RunMigrations {
		if err := database.RunMigrations(&cfg.Database, logger.L("migrate")); err != nil {
			logger.Fatal("Failed to run migrations", zap.Error(err))
		}
	}

	// Connect to PostgreSQL
	db, err := database.Connect(&cfg.Database, logger.L("database"))
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := database.Close(db, logger.L("database")); err != nil {
			logger.Error("Error closing database", zap.Error(err))
		}
	}()

	// Connect to RabbitMQ
	rmq := rabbitmq.NewConnection(&cfg.RabbitMQ, logger.L("rabbitmq"))
	if err := rmq.Connect(); err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
	}
	defer rmq.Close()

	// Redis backs the shared rate limiter
	var redisClient *redis.Client
	if cfg.RateLimit.Backend == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			// the limiter fails open until redis is back
			logger.Warn("Redis not reachable at startup", zap.Error(err))
		}
		cancel()
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Error("Error closing redis", zap.Error(err))
			}
		}()
	}

	svc, err := service.NewService(cfg, db, rmq, redisClient, logger.L())
	if err != nil {
		logger.Fatal("Failed to build service", zap.Error(err))
	}
	if err := svc.Start(); err != nil {
		logger.Fatal("Failed to start workers", zap.Error(err))
	}

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "WhatsApp Dispatch",
		ServerHeader: "Fiber",
		BodyLimit:    4 * 1024 * 1024,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,Idempotency-Key",
	}))

	// Setup routes
	routes.SetupRoutes(app, svc.Handlers(), cfg.Security.APIKey)

	// Start server in a goroutine
	go func() {
		addr := cfg.Server.Host + ":" + cfg.Server.Port
		logger.Info("Server starting",
			zap.String("address", addr),
			zap.String("rate_limit_backend", cfg.RateLimit.Backend),
		)
		if err := app.Listen(addr); err != nil {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}

	// Stop consumers after the server so no new events are accepted
	svc.Stop()

	logger.Info("Server stopped")
}
