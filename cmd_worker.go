package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"

	"github.com/jonesrussell/portfolio-tracker/internal/logger"
	"github.com/jonesrussell/portfolio-tracker/internal/models"
	"github.com/jonesrussell/portfolio-tracker/internal/refresh"
	"github.com/jonesrussell/portfolio-tracker/internal/worker"
)

// maintenanceSchedule enqueues the cleanup and report tasks once a day.
const maintenanceSchedule = "@daily"

// runWorker starts the refresh worker and blocks until a shutdown signal.
func runWorker() {
	stop, err := runWorkerWithStop()
	if err != nil {
		log.Fatalf("Failed to start worker: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	stop()
	log.Println("Worker stopped")
}

// runWorkerWithStop starts the worker pool and scheduled triggers, returning
// a stop function.
func runWorkerWithStop() (func(), error) {
	application, err := newApp()
	if err != nil {
		return nil, err
	}
	cfg := application.cfg

	executors := refresh.NewExecutors(
		application.fetcher,
		application.governor,
		application.sink,
		application.tasks,
		application.budgets,
		cfg.Refresh.ExpectedAssets,
		application.logger,
	)

	pool := worker.NewPool(worker.Config{
		WorkerCount:   cfg.Refresh.WorkerCount,
		PollInterval:  cfg.Refresh.PollInterval,
		TaskTimeout:   cfg.Refresh.TaskTimeout,
		FairnessBurst: cfg.Refresh.FairnessBurst,
	}, application.tasks, application.market, application.cache, executors, application.telemetry, application.logger)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	scheduler, err := startScheduler(ctx, application)
	if err != nil {
		cancel()
		pool.Stop()
		application.close()
		return nil, err
	}

	stop := func() {
		schedCtx := scheduler.Stop()
		<-schedCtx.Done()
		pool.Stop()
		cancel()
		application.close()
	}
	return stop, nil
}

// startScheduler runs the periodic refresh trigger and daily maintenance.
func startScheduler(ctx context.Context, application *app) (*cron.Cron, error) {
	scheduler := cron.New()
	log := application.logger

	// Scheduled triggers carry no explicit mode; the selector decides, so a
	// fresh dataset costs nothing.
	_, err := scheduler.AddFunc(application.cfg.Refresh.Schedule, func() {
		result, triggerErr := application.refresh.Trigger(ctx, nil)
		if triggerErr != nil {
			log.Error("scheduled refresh failed", logger.Error(triggerErr))
			return
		}
		log.Info("scheduled refresh triggered",
			logger.String("mode", string(result.Mode)),
			logger.String("task_id", result.TaskID))
	})
	if err != nil {
		return nil, err
	}

	_, err = scheduler.AddFunc(maintenanceSchedule, func() {
		for _, kind := range []models.TaskKind{models.TaskKindCleanup, models.TaskKindGenerateReport} {
			if _, enqErr := application.queue.Enqueue(ctx, kind, kind.DefaultPriority(), nil); enqErr != nil {
				log.Error("maintenance enqueue failed",
					logger.String("kind", string(kind)),
					logger.Error(enqErr))
			}
		}
	})
	if err != nil {
		return nil, err
	}

	scheduler.Start()
	log.Info("scheduler started",
		logger.String("refresh_schedule", application.cfg.Refresh.Schedule),
		logger.String("maintenance_schedule", maintenanceSchedule))
	return scheduler, nil
}
