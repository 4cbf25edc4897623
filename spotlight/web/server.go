package web

import (
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/castboard/spotlight/spotlight/database"
	"github.com/castboard/spotlight/spotlight/engine"
)

// App bundles everything the HTTP handlers need.
type App struct {
	Engine     *engine.Engine
	DB         *database.DB
	AdminToken string
	Version    string
}

// NewServer builds the fiber application with all routes registered.
func NewServer(app *App, allowOrigins string) *fiber.App {
	if allowOrigins == "" {
		allowOrigins = "http://localhost:3000"
	}

	srv := fiber.New(fiber.Config{
		AppName:      "Spotlight API",
		ServerHeader: "Spotlight",
		ErrorHandler: errorHandler,
	})

	srv.Use(recover.New())
	srv.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))
	srv.Use(cors.New(cors.Config{
		AllowOrigins: allowOrigins,
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))
	srv.Use(loggingMiddleware())

	setupRoutes(srv, app)
	return srv
}

func setupRoutes(srv *fiber.App, app *App) {
	srv.Get("/health", healthCheck(app))

	api := srv.Group("/api")
	api.Post("/auctions/contribute", contribute(app))
	api.Get("/auctions", listAuctions(app))
	api.Get("/auctions/open", openAuction(app))
	api.Get("/featured", featuredSlots(app))
	api.Get("/refunds/pending", pendingRefunds(app))
	api.Post("/refunds/claim", claimRefunds(app))
	api.Get("/ledger/:id", ledgerSummary(app))

	admin := srv.Group("/admin")
	admin.Use(adminRequired(app))
	admin.Post("/tick", runTick(app))
	admin.Post("/maintenance", runMaintenance(app))
	admin.Post("/refunds/:id/process", processRefund(app))
	admin.Post("/ledger/credit", adminCredit(app))
	admin.Get("/stats", adminStats(app))

	srv.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "not found",
		})
	})
}

func loggingMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		slog.Info("Request handled",
			slog.String("type", "web"),
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.Int("status", c.Response().StatusCode()),
			slog.Duration("took", time.Since(start)))
		return err
	}
}

func adminRequired(app *App) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if app.AdminToken == "" {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "admin access is not configured",
			})
		}
		if c.Get("Authorization") != "Bearer "+app.AdminToken {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "unauthorized",
			})
		}
		return c.Next()
	}
}

func errorHandler(c *fiber.Ctx, err error) error {
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return c.Status(fiberErr.Code).JSON(fiber.Map{"error": fiberErr.Message})
	}

	slog.Error("Unhandled request error",
		slog.String("type", "web"),
		slog.String("path", c.Path()),
		slog.Any("error", err))

	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "internal server error",
	})
}
