package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/contentport/internal/api"
	"github.com/timmy/contentport/internal/app"
	"github.com/timmy/contentport/internal/config"
	"github.com/timmy/contentport/internal/logger"
)

func main() {
	// CONFIG_PATH selects the config file in production deployments.
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger := app.NewLogger(cfg.Log, "contentport-api")
	defer logger.Sync()

	ctx := context.Background()
	engine, err := app.New(ctx, cfg)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize import engine")
	}
	defer engine.Close()

	// Runs cut short by the last shutdown cannot continue in this process.
	if n, err := engine.Imports.Recover(ctx); err != nil {
		appLogger.WithError(err).Error("Failed to recover interrupted jobs")
	} else if n > 0 {
		appLogger.WithField("jobs", n).Warn("Marked interrupted jobs as failed")
	}

	sqlDB, err := engine.DB.DB()
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to access database handle")
	}
	router := api.SetupRouter(api.Dependencies{
		Imports: engine.Imports,
		Uploads: engine.Sources,
		DB:      sqlDB,
		Metrics: engine.Metrics.Handler(),
	}, &cfg.Server, appLogger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
			"site": cfg.Import.Site,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}

	jobsCtx, cancelJobs := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelJobs()
	if err := engine.Imports.Shutdown(jobsCtx); err != nil {
		appLogger.WithError(err).Warn("Running jobs did not stop in time")
	}

	appLogger.Info("Server exited")
}
