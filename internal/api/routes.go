package api

import (
	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"pricefeed-gateway/internal/observability"
)

type AuthConfig struct {
	APIKey     string
	APIKeyHash string
}

func SetupRoutes(
	app *fiber.App,
	logger *zap.Logger,
	metrics *observability.Metrics,
	handlers *Handlers,
	auth AuthConfig,
) {
	// Set up middleware
	SetupMiddleware(app, logger, metrics)

	// Health endpoints (no auth required)
	app.Get("/healthz", handlers.HealthCheck)
	app.Get("/readyz", handlers.ReadyCheck)

	// Prometheus metrics
	if metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(
			metrics.Registry,
			promhttp.HandlerOpts{},
		)))
	}

	// API documentation endpoint
	app.Get("/docs", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"title":   "Price Feed Gateway API",
			"version": "1.0",
			"endpoints": fiber.Map{
				"health":      "GET /healthz - Health check",
				"ready":       "GET /readyz - Readiness check (pings the job store)",
				"metrics":     "GET /metrics - Prometheus metrics",
				"transport":   "GET /v1/transport - Active email transport",
				"poll":        "POST /v1/poll - Trigger an immediate mailbox poll",
				"get_job":     "GET /v1/jobs/{id} - Inspect a job record",
				"queues":      "GET /v1/queues - Queue depths",
				"seed_email":  "POST /v1/test/emails - Seed the mock mailbox",
				"clear_email": "DELETE /v1/test/emails - Clear the mock mailbox",
			},
			"auth": "Add header: X-API-Key: <key> (when configured)",
			"example_seed": fiber.Map{
				"method":  "POST",
				"url":     "/v1/test/emails",
				"headers": fiber.Map{"Content-Type": "application/json"},
				"body": fiber.Map{
					"from":    "supplier@example.com",
					"subject": "January prices",
					"attachments": []fiber.Map{
						{"filename": "prices.csv", "content": "sku,price\nA,1.50\n"},
					},
				},
			},
		})
	})

	// API v1 routes (auth when configured)
	v1 := app.Group("/v1", RequireAPIKey(auth.APIKey, auth.APIKeyHash))

	v1.Get("/transport", handlers.GetTransport)
	v1.Post("/poll", handlers.TriggerPoll)
	v1.Get("/jobs/:id", handlers.GetJob)
	v1.Get("/queues", handlers.GetQueues)

	tests := v1.Group("/test")
	tests.Post("/emails", handlers.SeedEmail)
	tests.Delete("/emails", handlers.ClearEmails)
}
