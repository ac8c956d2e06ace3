package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"evidence-pipeline/internal/ingest"
)

const samplePath = "../../configs/pipeline.yaml"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadSampleConfig(t *testing.T) {
	cfg, err := Load(samplePath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	reg, err := cfg.Registry()
	if err != nil {
		t.Fatalf("sample registry does not compile: %v", err)
	}
	if got := reg.Sources(); !slices.Equal(got, []string{"emissions", "population"}) {
		t.Fatalf("registry sources = %v", got)
	}

	sources, err := cfg.IngestSources()
	if err != nil {
		t.Fatalf("IngestSources returned error: %v", err)
	}
	if len(sources) != 2 || sources[0].ExtractDate.Format("2006-01-02") != "2022-06-30" {
		t.Fatalf("unexpected sources %+v", sources)
	}
	if _, err := os.Stat(sources[0].Path); err != nil {
		t.Fatalf("source path not resolved against the config dir: %v", err)
	}

	opts, err := cfg.ValidationOptions()
	if err != nil {
		t.Fatalf("ValidationOptions returned error: %v", err)
	}
	if len(opts.References["region"]) != 6 {
		t.Fatalf("expected 6 reference codes from file, got %v", opts.References["region"])
	}
	if opts.MinOutlierSamples != 5 || opts.NullThreshold == nil || *opts.NullThreshold != 0.1 {
		t.Fatalf("unexpected validation options %+v", opts)
	}

	pc, err := cfg.PipelineConfig(nil)
	if err != nil {
		t.Fatalf("PipelineConfig returned error: %v", err)
	}
	if len(pc.Indicators) != 3 || pc.Workers != 4 {
		t.Fatalf("unexpected pipeline config %+v", pc)
	}
}

func TestLoadDefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
workers: 8
store:
  path: custom.db
schedule:
  cron: "@daily"
`)
	t.Setenv(outputDirEnv, "/tmp/out")
	t.Setenv(logLevelEnv, "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Workers != 8 || cfg.Store.Path != "custom.db" || cfg.Schedule.Cron != "@daily" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Server.Addr != defaultAddr || cfg.Schedule.Timezone != defaultTimezone {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if cfg.Export.OutputDir != "/tmp/out" || cfg.Logging.Level != "debug" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestLoadFromEnvPath(t *testing.T) {
	t.Setenv(configPathEnv, writeConfig(t, "workers: 2\n"))

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Workers != 2 {
		t.Fatalf("config from %s not loaded", configPathEnv)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected an error for a missing file")
	}
	if _, err := Load(writeConfig(t, "workers: [1, 2\n")); err == nil {
		t.Fatalf("expected a parse error")
	}
}

func TestIngestSourcesRejectsBadDates(t *testing.T) {
	cfg := Config{Sources: []SourceConfig{{ID: "emissions", Path: "e.csv", ExtractDate: "30/06/2022"}}}
	if _, err := cfg.IngestSources(); err == nil {
		t.Fatalf("expected an extract_date error")
	}
}

func TestInlineAndFileReferencesCombine(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "codes.txt"), []byte("# header\nB\n\nC\n"), 0o644); err != nil {
		t.Fatalf("write codes: %v", err)
	}
	cfg := Config{
		dir:        dir,
		References: map[string]ReferenceConfig{"region": {Values: []string{"A"}, File: "codes.txt"}},
	}
	opts, err := cfg.ValidationOptions()
	if err != nil {
		t.Fatalf("ValidationOptions returned error: %v", err)
	}
	if got := opts.References["region"]; !slices.Equal(got, []string{"A", "B", "C"}) {
		t.Fatalf("references = %v", got)
	}
}

func TestScheduleLocation(t *testing.T) {
	if loc := (ScheduleConfig{Timezone: "Nowhere/Special"}).Location(); loc.String() != "UTC" {
		t.Fatalf("unknown timezone should fall back to UTC, got %s", loc)
	}
}

func TestRetryPolicy(t *testing.T) {
	cfg, err := Load(samplePath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	r := cfg.Retry()
	if r.MaxAttempts != 3 || r.InitialDelay != time.Second || r.MaxDelay != 30*time.Second || !r.Jitter {
		t.Fatalf("unexpected retry policy %+v", r)
	}

	off := false
	cfg.Ingest.Retry = RetryConfig{InitialDelay: "soon", MaxDelay: "2m", Jitter: &off}
	r = cfg.Retry()
	if r.InitialDelay != ingest.DefaultRetry.InitialDelay || r.MaxDelay != 2*time.Minute || r.Jitter {
		t.Fatalf("bad durations should keep defaults, got %+v", r)
	}
}
