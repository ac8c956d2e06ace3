package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"evidence-pipeline/internal/api"
	"evidence-pipeline/internal/api/handler"
	"evidence-pipeline/internal/app"
	"evidence-pipeline/internal/config"
	"evidence-pipeline/internal/logging"
	"evidence-pipeline/internal/scheduler"
	"evidence-pipeline/internal/store"
	"evidence-pipeline/pkg/router"
)

func main() {
	configPath := flag.String("config", "", "path to the pipeline YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Init DB
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "path", cfg.Store.Path, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	application, err := app.New(cfg, st, logger)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := application.Output().EnsureOutputDirExists(); err != nil {
		logger.Error("create output directory", "error", err)
		os.Exit(1)
	}

	if cfg.Schedule.Cron != "" {
		job := func(ctx context.Context) error {
			_, err := application.RunBatch(ctx)
			return err
		}
		sched, err := scheduler.New(cfg.Schedule.Cron, cfg.Schedule.Location(), job, logger)
		if err != nil {
			logger.Error("invalid schedule", "error", err)
			os.Exit(1)
		}
		sched.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			sched.Stop(stopCtx)
		}()
	}

	r := router.New(logger)
	api.RegisterRoutes(r, handler.New(application, st, application.Output(), logger))

	if err := r.Start(ctx, cfg.Server.Addr); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
