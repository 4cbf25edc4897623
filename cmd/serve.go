package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/castboard/spotlight/spotlight"
	"github.com/castboard/spotlight/spotlight/database"
	"github.com/castboard/spotlight/spotlight/database/repositories"
	"github.com/castboard/spotlight/spotlight/engine"
	"github.com/castboard/spotlight/spotlight/logger"
	"github.com/castboard/spotlight/spotlight/services"
	"github.com/castboard/spotlight/spotlight/web"
	"github.com/spf13/cobra"
)

var (
	serveVersion = "dev"
	serveCommit  = "unknown"

	runTickOnStart bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the auction service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().BoolVar(&runTickOnStart, "run-tick", false, "run one lifecycle tick immediately on startup")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	slog.Info("Starting Spotlight",
		slog.String("version", serveVersion),
		slog.String("commit", serveCommit))

	cfg, err := spotlight.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger.SetLevel(cfg.Log.Level)
	slog.Info("Configuration loaded successfully")

	slog.Info("Initializing database connection...", slog.String("type", "db"))
	dbStart := time.Now()

	dbCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	db, err := database.New(dbCtx, cfg.DB)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if err := db.InitializeSchema(dbCtx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	slog.Info("Database ready",
		slog.String("type", "db"),
		slog.String("database", cfg.DB.Database),
		slog.Duration("took", time.Since(dbStart)))

	auctions := repositories.NewAuctionRepository(db.BunDB())
	contributions := repositories.NewContributionRepository(db.BunDB())
	slots := repositories.NewFeaturedSlotRepository(db.BunDB())
	ledger := repositories.NewLedgerRepository(db.BunDB())

	notifier := services.NewWebhookNotifier(cfg.Notify.WebhookURL)
	verifier := services.NewPaymentClient(cfg.Payments.VerifyURL, cfg.Payments.APIKey)

	eng := engine.New(auctions, contributions, slots, ledger, notifier, verifier, cfg.Engine.Options())
	eng.Start()

	if runTickOnStart {
		tickCtx, tickCancel := context.WithTimeout(ctx, 2*time.Minute)
		if _, err := eng.RunLifecycleTick(tickCtx); err != nil {
			slog.Error("Startup tick failed",
				slog.String("type", "engine"),
				slog.Any("error", err))
		}
		tickCancel()
	}

	scheduler := engine.NewScheduler(eng, cfg.Engine.TickInterval())
	if err := scheduler.Start(); err != nil {
		return err
	}

	app := web.NewServer(&web.App{
		Engine:     eng,
		DB:         db,
		AdminToken: cfg.Web.AdminToken,
		Version:    serveVersion,
	}, cfg.Web.AllowOrigins)

	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening",
			slog.String("type", "web"),
			slog.String("addr", addr))
		errCh <- app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server stopped: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down...")
	scheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := eng.Shutdown(shutdownCtx); err != nil {
		slog.Error("Engine shutdown incomplete",
			slog.String("type", "engine"),
			slog.Any("error", err))
	}
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown incomplete",
			slog.String("type", "web"),
			slog.Any("error", err))
	}

	slog.Info("Shutdown complete")
	return nil
}
