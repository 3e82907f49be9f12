package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/marminbh/wa-dispatch/internal/database"
)

type BrokerHealth interface {
	IsHealthy() bool
}

// HealthHandler reports on every backing service. Redis is nil when the
// in-memory limiter is in use.
type HealthHandler struct {
	db     *gorm.DB
	broker BrokerHealth
	redis  redis.Cmdable
}

func NewHealthHandler(db *gorm.DB, broker BrokerHealth, redisClient redis.Cmdable) *HealthHandler {
	return &HealthHandler{db: db, broker: broker, redis: redisClient}
}

type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

// HealthCheck handles the health check endpoint
func (h *HealthHandler) HealthCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	services := make(map[string]string)
	status := "healthy"

	if err := database.HealthCheck(ctx, h.db); err != nil {
		services["database"] = "unhealthy: " + err.Error()
		status = "unhealthy"
	} else {
		services["database"] = "healthy"
	}

	if h.broker == nil || !h.broker.IsHealthy() {
		services["rabbitmq"] = "unhealthy: connection closed"
		status = "unhealthy"
	} else {
		services["rabbitmq"] = "healthy"
	}

	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err != nil {
			// the limiter fails open, so this degrades rather than fails
			services["redis"] = "degraded: " + err.Error()
		} else {
			services["redis"] = "healthy"
		}
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Services:  services,
	}

	if status == "unhealthy" {
		return c.Status(fiber.StatusServiceUnavailable).JSON(response)
	}

	return c.JSON(response)
}
