package api

import (
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"pricefeed-gateway/internal/observability"
)

func SetupMiddleware(app *fiber.App, logger *zap.Logger, metrics *observability.Metrics) {
	// Recovery middleware
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// Request ID middleware
	app.Use(requestid.New())

	// CORS middleware
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,HEAD,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-API-Key",
	}))

	// Logging middleware
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		duration := time.Since(start)
		status := c.Response().StatusCode()

		logger.Info("http_request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("duration", duration),
			zap.String("request_id", c.Get("X-Request-ID")),
			zap.String("user_agent", c.Get("User-Agent")),
		)

		if metrics != nil {
			metrics.HTTPRequestsTotal.WithLabelValues(
				c.Method(),
				c.Path(),
				fmt.Sprintf("%d", status),
			).Inc()

			metrics.HTTPRequestDuration.WithLabelValues(
				c.Method(),
				c.Path(),
				fmt.Sprintf("%d", status),
			).Observe(duration.Seconds())
		}

		return err
	})
}

// RequireAPIKey guards the control plane. Either a plaintext key or a bcrypt
// hash may be configured; with neither set, auth is disabled (local runs).
func RequireAPIKey(plainKey, keyHash string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if plainKey == "" && keyHash == "" {
			return c.Next()
		}
		key := c.Get("X-API-Key")
		if key == "" {
			return c.Status(401).JSON(fiber.Map{"error": "missing API key"})
		}
		if keyHash != "" {
			if bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(key)) == nil {
				return c.Next()
			}
		} else if subtle.ConstantTimeCompare([]byte(key), []byte(plainKey)) == 1 {
			return c.Next()
		}
		return c.Status(401).JSON(fiber.Map{"error": "invalid API key"})
	}
}
