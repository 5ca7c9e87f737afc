// Package api assembles the HTTP surface of the officer backend.
package api

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/websocket/v2"

	"github.com/krishi-officer/backend/internal/api/handlers"
	"github.com/krishi-officer/backend/internal/metrics"
	"github.com/krishi-officer/backend/internal/middleware/ratelimit"
	"github.com/krishi-officer/backend/internal/middleware/security"
	"github.com/krishi-officer/backend/internal/middleware/validation"
	"github.com/krishi-officer/backend/pkg/config"
	"github.com/krishi-officer/backend/pkg/logger"
)

type Handlers struct {
	Queries     *handlers.QueryHandler
	Escalations *handlers.EscalationHandler
	Documents   *handlers.DocumentHandler
	Officers    *handlers.WebSocketHandler
	Health      *handlers.HealthHandler
}

// NewApp builds the Fiber app with middleware and every route under /api/v1.
// limiter may be nil.
func NewApp(cfg config.ServerConfig, h Handlers, limiter *ratelimit.RateLimiter) *fiber.App {
	app := fiber.New(fiber.Config{
		ReadTimeout:           time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout:          time.Duration(cfg.WriteTimeout) * time.Second,
		BodyLimit:             cfg.BodyLimit,
		DisableStartupMessage: true,
	})

	allowOrigins := "*"
	if len(cfg.AllowedOrigins) > 0 {
		allowOrigins = strings.Join(cfg.AllowedOrigins, ", ")
	}

	app.Use(recover.New())
	app.Use(requestid.New())
	if cfg.Development {
		app.Use(fiberlogger.New())
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, " + ratelimit.FarmerHeader,
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		IsDevelopment:  cfg.Development,
	}))

	app.Get("/metrics", metrics.MetricsHandler())

	api := app.Group("/api/v1")
	api.Get("/health", h.Health.Health)
	api.Get("/ready", h.Health.Ready)

	api.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	api.Get("/ws/officers", websocket.New(h.Officers.HandleConnection))

	if limiter != nil {
		api.Use(limiter.Middleware())
	}
	api.Use(validation.Middleware(validation.Config{
		MaxDocumentSize: cfg.BodyLimit,
		Logger:          logger.GetLogger(),
	}))

	api.Post("/queries/text", h.Queries.SubmitText)
	api.Post("/queries/voice", h.Queries.SubmitVoice)
	api.Post("/queries/image", h.Queries.SubmitImage)
	api.Post("/queries/:id/rating", h.Queries.RateAnswer)
	api.Get("/farmers/:id/queries", h.Queries.GetFarmerHistory)

	api.Get("/escalations", h.Escalations.List)
	api.Get("/escalations/:id", h.Escalations.Get)
	api.Post("/escalations/:id/assign", h.Escalations.Assign)
	api.Post("/escalations/:id/respond", h.Escalations.Respond)
	api.Post("/escalations/:id/resolve", h.Escalations.Resolve)
	api.Post("/escalations/:id/close", h.Escalations.Close)
	api.Post("/escalations/:id/correction", h.Escalations.SubmitCorrection)
	api.Get("/officer/dashboard", h.Escalations.Dashboard)

	api.Post("/knowledge", h.Documents.UploadDocument)

	return app
}
