package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"evidence-pipeline/internal/app"
	"evidence-pipeline/internal/config"
	"evidence-pipeline/internal/logging"
	"evidence-pipeline/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to the pipeline YAML configuration")
	noStore := flag.Bool("no-store", false, "export results without persisting them")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st *store.Store
	if !*noStore {
		st, err = store.Open(cfg.Store.Path)
		if err != nil {
			logger.Error("open store", "path", cfg.Store.Path, "error", err)
			os.Exit(1)
		}
		defer st.Close()
	}

	application, err := app.New(cfg, st, logger)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	report, err := application.RunBatch(ctx)
	if err != nil {
		logger.Error("run failed", "error", err)
		os.Exit(1)
	}

	meta := report.Result.RunMetadata
	fmt.Printf("run %s (%s) finished in %s\n", meta.RunID, meta.RegistryVersion, meta.Duration)
	fmt.Printf("  records: %d  excluded rows: %d  indicator values: %d\n",
		meta.Summary.Records, meta.Summary.ExcludedRows, meta.Summary.IndicatorValues)
	for _, e := range report.Exports {
		if e.Success {
			fmt.Printf("  wrote %s\n", e.Path)
		}
	}
	fmt.Println("suggested actions:")
	for _, a := range report.Suggestions {
		fmt.Printf("  - %s\n", a)
	}
}
