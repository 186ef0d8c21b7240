package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"logging-server/internal/admin"
	"logging-server/internal/auth"
	"logging-server/internal/config"
	"logging-server/internal/engine"
	"logging-server/internal/instrument"
	"logging-server/internal/store"
)

func main() {
	ctx := context.Background()

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Infof("Config loaded (port: %d, driver: %s, db: %s)", cfg.Server.Port, cfg.Database.Driver, cfg.Database.Name)

	// 2. Connect to database
	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Info("Database connected")

	// 3. Bootstrap system tables
	if err := db.Bootstrap(ctx); err != nil {
		log.Fatalf("Failed to bootstrap system tables: %v", err)
	}
	log.Info("System tables ready")

	// 4. Webhook dispatcher and background workers
	recorder := instrument.NewStoreRecorder(db)
	dispatcher := engine.NewDispatcher(db, recorder, cfg.Webhooks)
	workers := engine.StartWorkers(ctx, db, recorder, engine.WorkerOptions{Config: cfg.Workers})
	defer workers.Cleanup()

	// 5. Create Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: engine.ErrorHandler,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))

	// 6. Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "workers": workers.Running()})
	})

	// 7. Admin and event routes (auth required)
	if cfg.UsesDefaultJWTSecret() {
		log.Warn("jwt_secret is empty or the built-in default; set jwt_secret before exposing the admin API")
	}
	adminHandler := admin.NewHandler(db, dispatcher)
	admin.RegisterAdminRoutes(app, adminHandler, auth.Middleware(cfg.JWTSecret), auth.RequireAdmin())

	// 8. Start server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	go func() {
		log.Infof("Starting server on %s", addr)
		if err := app.Listen(addr); err != nil {
			log.Errorf("Server stopped: %v", err)
		}
	}()

	// 9. Wait for shutdown
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	log.Info("Shutting down")
	workers.Cleanup()
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Errorf("Shutdown: %v", err)
	}
}
