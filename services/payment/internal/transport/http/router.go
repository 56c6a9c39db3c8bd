package http

import (
	"time"

	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/sakashimaa/paybank/services/payment/internal/transport/http/handler"
	"github.com/sakashimaa/paybank/services/payment/internal/transport/http/middleware"
)

type Handlers struct {
	Payment *handler.PaymentHandler
	Refund  *handler.RefundHandler
}

type LimiterConfig struct {
	Max        int
	Expiration time.Duration
}

func NewApp() *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	app.Use(otelfiber.Middleware())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.SendString("Payment service is alive!")
	})

	return app
}

// RegisterRoutes mounts the API behind auth. Rate limits are per merchant.
func RegisterRoutes(app *fiber.App, h *Handlers, secret []byte, limits LimiterConfig) {
	api := app.Group("/api", middleware.NewAuthMiddleware(secret))

	if limits.Max > 0 {
		api.Use(limiter.New(limiter.Config{
			Max:        limits.Max,
			Expiration: limits.Expiration,
			KeyGenerator: func(c *fiber.Ctx) string {
				if id := middleware.MerchantID(c); id != "" {
					return id
				}
				return c.IP()
			},
			LimitReached: func(c *fiber.Ctx) error {
				return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
					"error": "Too many requests. Try again later.",
				})
			},
		}))
	}

	payments := api.Group("/payments")
	payments.Post("", h.Payment.Create)
	payments.Get("/:id", h.Payment.Get)

	refunds := api.Group("/refunds")
	refunds.Post("", h.Refund.Create)
	refunds.Get("/:id", h.Refund.Get)
}
