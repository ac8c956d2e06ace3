// Package config loads the YAML configuration of the pipeline binaries and
// converts it into registry, ingest and pipeline settings.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"evidence-pipeline/internal/ingest"
	"evidence-pipeline/internal/model"
	"evidence-pipeline/internal/pipeline"
	"evidence-pipeline/internal/registry"
	"evidence-pipeline/pkg/utils"
)

const (
	defaultTimezone  = "UTC"
	defaultLogLevel  = "info"
	defaultDBPath    = "evidence.db"
	defaultOutputDir = "outputs"
	defaultAddr      = ":8080"
	defaultWorkers   = 4

	configPathEnv = "EVIDENCE_PIPELINE_CONFIG"
	dbPathEnv     = "EVIDENCE_DB_PATH"
	outputDirEnv  = "EVIDENCE_OUTPUT_DIR"
	logLevelEnv   = "LOG_LEVEL"
	scheduleEnv   = "EVIDENCE_SCHEDULE"
	addrEnv       = "EVIDENCE_ADDR"
)

// Config holds everything the CLI and the API server need.
type Config struct {
	Logging    LoggingConfig               `yaml:"logging"`
	Store      StoreConfig                 `yaml:"store"`
	Export     ExportConfig                `yaml:"export"`
	Server     ServerConfig                `yaml:"server"`
	Workers    int                         `yaml:"workers"`
	Ingest     IngestConfig                `yaml:"ingest"`
	Schedule   ScheduleConfig              `yaml:"schedule"`
	Schema     model.CanonicalSchema       `yaml:"schema"`
	Validation ValidationConfig            `yaml:"validation"`
	References map[string]ReferenceConfig  `yaml:"references"`
	Sources    []SourceConfig              `yaml:"sources"`
	Indicators []model.IndicatorDefinition `yaml:"indicators"`

	// dir is the directory of the loaded file; relative paths resolve against it.
	dir string
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// StoreConfig points at the SQLite database file.
type StoreConfig struct {
	Path string `yaml:"path"`
}

type ExportConfig struct {
	OutputDir string `yaml:"output_dir"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// IngestConfig tunes fetching of remote sources.
type IngestConfig struct {
	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig uses duration strings such as "500ms" or "30s". Zero fields
// keep the ingest defaults.
type RetryConfig struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	InitialDelay      string  `yaml:"initial_delay"`
	MaxDelay          string  `yaml:"max_delay"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	Jitter            *bool   `yaml:"jitter"`
}

// ScheduleConfig defines when the API server re-runs the batch.
// An empty Cron disables scheduling.
type ScheduleConfig struct {
	Cron     string `yaml:"cron"`
	Timezone string `yaml:"timezone"`
}

// Location resolves the schedule timezone, falling back to UTC.
func (s ScheduleConfig) Location() *time.Location {
	tz := s.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ValidationConfig holds the batch-wide quality thresholds.
type ValidationConfig struct {
	NullThreshold     *float64 `yaml:"null_threshold"`
	OutlierSigma      *float64 `yaml:"outlier_sigma"`
	MinOutlierSamples int      `yaml:"min_outlier_samples"`
}

// ReferenceConfig is a reference list given inline or as a file with one
// value per line.
type ReferenceConfig struct {
	Values []string `yaml:"values"`
	File   string   `yaml:"file"`
}

// SourceConfig describes one raw extract and how it maps onto the schema.
type SourceConfig struct {
	ID          string                        `yaml:"id"`
	Path        string                        `yaml:"path"`
	Format      string                        `yaml:"format"`
	ExtractDate string                        `yaml:"extract_date"` // YYYY-MM-DD
	Columns     []string                      `yaml:"columns"`
	Fields      map[string]model.FieldMapping `yaml:"fields"`
}

func defaultConfig() Config {
	return Config{
		Logging:  LoggingConfig{Level: defaultLogLevel},
		Store:    StoreConfig{Path: defaultDBPath},
		Export:   ExportConfig{OutputDir: defaultOutputDir},
		Server:   ServerConfig{Addr: defaultAddr},
		Workers:  defaultWorkers,
		Schedule: ScheduleConfig{Timezone: defaultTimezone},
		Validation: ValidationConfig{
			MinOutlierSamples: pipeline.DefaultMinOutlierSamples,
		},
	}
}

// Load reads the YAML file at path, or at $EVIDENCE_PIPELINE_CONFIG when
// path is empty, merges it over the defaults and applies environment
// overrides. With no file at all only defaults and overrides apply.
func Load(path string) (Config, error) {
	cfg := defaultConfig()

	if path == "" {
		path = os.Getenv(configPathEnv)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		var fileCfg Config
		if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg = mergeConfig(cfg, fileCfg)
		cfg.dir = filepath.Dir(path)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(dbPathEnv); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv(outputDirEnv); v != "" {
		c.Export.OutputDir = v
	}
	if v := os.Getenv(logLevelEnv); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(scheduleEnv); v != "" {
		c.Schedule.Cron = v
	}
	if v := os.Getenv(addrEnv); v != "" {
		c.Server.Addr = v
	}
}

func mergeConfig(base, override Config) Config {
	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}
	if override.Store.Path != "" {
		base.Store.Path = override.Store.Path
	}
	if override.Export.OutputDir != "" {
		base.Export.OutputDir = override.Export.OutputDir
	}
	if override.Server.Addr != "" {
		base.Server.Addr = override.Server.Addr
	}
	if override.Workers > 0 {
		base.Workers = override.Workers
	}

	if override.Ingest.Retry != (RetryConfig{}) {
		base.Ingest.Retry = override.Ingest.Retry
	}

	if override.Schedule.Cron != "" {
		base.Schedule.Cron = override.Schedule.Cron
	}
	if override.Schedule.Timezone != "" {
		base.Schedule.Timezone = override.Schedule.Timezone
	}

	if override.Validation.NullThreshold != nil {
		base.Validation.NullThreshold = override.Validation.NullThreshold
	}
	if override.Validation.OutlierSigma != nil {
		base.Validation.OutlierSigma = override.Validation.OutlierSigma
	}
	if override.Validation.MinOutlierSamples > 0 {
		base.Validation.MinOutlierSamples = override.Validation.MinOutlierSamples
	}

	base.Schema = override.Schema
	base.References = override.References
	base.Sources = override.Sources
	base.Indicators = override.Indicators
	return base
}

// resolve makes a relative path relative to the config file's directory.
func (c Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.dir == "" || strings.Contains(p, "://") {
		return p
	}
	return filepath.Join(c.dir, p)
}

// Mappings returns the per-source mapping specs for the registry.
func (c Config) Mappings() []model.SourceMapping {
	out := make([]model.SourceMapping, len(c.Sources))
	for i, s := range c.Sources {
		out[i] = model.SourceMapping{SourceID: s.ID, Columns: s.Columns, Fields: s.Fields}
	}
	return out
}

// Registry compiles the schema and mappings.
func (c Config) Registry() (*registry.Registry, error) {
	return registry.New(c.Schema, c.Mappings())
}

// IngestSources returns the extracts to load.
func (c Config) IngestSources() ([]ingest.Source, error) {
	out := make([]ingest.Source, 0, len(c.Sources))
	for _, s := range c.Sources {
		if s.Path == "" {
			return nil, fmt.Errorf("config: source %s has no path", s.ID)
		}
		src := ingest.Source{ID: s.ID, Path: c.resolve(s.Path), Format: s.Format}
		if s.ExtractDate != "" {
			d, err := time.Parse(time.DateOnly, s.ExtractDate)
			if err != nil {
				return nil, fmt.Errorf("config: source %s: extract_date %q: %w", s.ID, s.ExtractDate, err)
			}
			src.ExtractDate = d
		}
		out = append(out, src)
	}
	return out, nil
}

// Retry returns the retry policy for remote sources.
func (c Config) Retry() ingest.RetryConfig {
	r := ingest.DefaultRetry
	cr := c.Ingest.Retry
	if cr.MaxAttempts > 0 {
		r.MaxAttempts = cr.MaxAttempts
	}
	r.InitialDelay = utils.ParseDuration(cr.InitialDelay, r.InitialDelay)
	r.MaxDelay = utils.ParseDuration(cr.MaxDelay, r.MaxDelay)
	if cr.BackoffMultiplier >= 1 {
		r.BackoffMultiplier = cr.BackoffMultiplier
	}
	if cr.Jitter != nil {
		r.Jitter = *cr.Jitter
	}
	return r
}

// ValidationOptions resolves thresholds and reference lists, reading
// reference files as needed.
func (c Config) ValidationOptions() (pipeline.ValidationOptions, error) {
	opts := pipeline.ValidationOptions{
		NullThreshold:     c.Validation.NullThreshold,
		OutlierSigma:      c.Validation.OutlierSigma,
		MinOutlierSamples: c.Validation.MinOutlierSamples,
	}
	if len(c.References) == 0 {
		return opts, nil
	}
	opts.References = make(map[string][]string, len(c.References))
	for field, ref := range c.References {
		values := append([]string(nil), ref.Values...)
		if ref.File != "" {
			fromFile, err := readReferenceFile(c.resolve(ref.File))
			if err != nil {
				return pipeline.ValidationOptions{}, fmt.Errorf("config: reference list for %s: %w", field, err)
			}
			values = append(values, fromFile...)
		}
		opts.References[field] = values
	}
	return opts, nil
}

// readReferenceFile reads one value per line; blank lines and lines starting
// with # are skipped.
func readReferenceFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}

// PipelineConfig assembles a pipeline.Config. Registry and reference
// errors are returned as is so callers can test them with pipeline.IsFatal.
func (c Config) PipelineConfig(logger *slog.Logger) (pipeline.Config, error) {
	reg, err := c.Registry()
	if err != nil {
		return pipeline.Config{}, err
	}
	opts, err := c.ValidationOptions()
	if err != nil {
		return pipeline.Config{}, err
	}
	return pipeline.Config{
		Registry:   reg,
		Indicators: c.Indicators,
		Validation: opts,
		Workers:    c.Workers,
		Logger:     logger,
	}, nil
}
