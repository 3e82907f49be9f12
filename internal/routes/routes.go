package routes

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/keyauth"

	"github.com/marminbh/wa-dispatch/internal/handlers"
	"github.com/marminbh/wa-dispatch/internal/metrics"
)

// Handlers groups the route handlers built in main.
type Handlers struct {
	Health    *handlers.HealthHandler
	Webhook   *handlers.WebhookHandler
	Events    *handlers.EventsHandler
	Campaigns *handlers.CampaignHandler
	Messages  *handlers.MessageHandler
	Accounts  *handlers.AccountHandler
}

// SetupRoutes configures all application routes. Provider callbacks are
// authenticated by signature; everything else under operator routes needs
// the API key as a bearer token.
func SetupRoutes(app *fiber.App, h Handlers, apiKey string) {
	app.Get("/health", h.Health.HealthCheck)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	app.Get("/webhooks/provider", h.Webhook.Challenge)
	app.Post("/webhooks/provider", h.Webhook.Receive)

	auth := keyauth.New(keyauth.Config{
		Validator: func(_ *fiber.Ctx, key string) (bool, error) {
			if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) == 1 {
				return true, nil
			}
			return false, keyauth.ErrMissingOrMalformedAPIKey
		},
		ErrorHandler: func(c *fiber.Ctx, _ error) error {
			return c.Status(fiber.StatusUnauthorized).JSON(handlers.ErrorBody{Error: handlers.ErrorDetail{
				Code:    "unauthorized",
				Message: "missing or invalid API key",
			}})
		},
	})

	app.Post("/webhooks/replay/:eventId", auth, h.Webhook.Replay)
	app.Get("/webhooks/events", auth, h.Events.GetEvents)

	app.Post("/campaigns", auth, h.Campaigns.Create)
	app.Get("/campaigns/:id", auth, h.Campaigns.Get)
	app.Get("/campaigns/:id/jobs", auth, h.Campaigns.Jobs)

	app.Post("/messages", auth, h.Messages.Send)

	app.Post("/accounts", auth, h.Accounts.Create)
	app.Post("/accounts/:id/templates", auth, h.Accounts.CreateTemplate)
}
