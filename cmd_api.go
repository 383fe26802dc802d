package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonesrussell/portfolio-tracker/internal/api"
	"github.com/jonesrussell/portfolio-tracker/internal/config"
	"github.com/jonesrussell/portfolio-tracker/internal/logger"
)

// runAPIServer starts the HTTP API and blocks until a shutdown signal.
func runAPIServer() {
	stop, err := runAPIServerWithStop()
	if err != nil {
		log.Fatalf("Failed to start API server: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down API server...")
	stop()
	log.Println("API server stopped")
}

// runAPIServerWithStop starts the HTTP API and returns a stop function.
func runAPIServerWithStop() (func(), error) {
	application, err := newApp()
	if err != nil {
		return nil, err
	}

	router := api.NewRouter(
		application.refresh,
		application.queue,
		application.governor,
		application.assessor,
		application.health,
		application.cache,
		application.telemetry,
		application.cfg,
		application.logger,
	)
	server := router.NewHTTPServer()

	go func() {
		application.logger.Info("API server listening",
			logger.String("address", application.cfg.Server.Address))
		if serveErr := server.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			application.logger.Error("API server failed", logger.Error(serveErr))
		}
	}()

	stop := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.DefaultShutdownTimeout)
		defer cancel()

		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			application.logger.Error("API server forced to shutdown", logger.Error(shutdownErr))
		}
		application.close()
	}
	return stop, nil
}
