// Package ingest reads raw extracts (CSV or JSON, local or over HTTP) into
// model.RawTable values. Cells are kept untyped; typing is the harmonizer's job.
package ingest

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"evidence-pipeline/internal/model"
)

// Source describes one raw extract to load.
type Source struct {
	ID          string
	Path        string // file path or http(s) URL
	Format      string // csv or json; inferred from the extension when empty
	ExtractDate time.Time
}

// Loader loads sources in parallel.
type Loader struct {
	client  *http.Client
	workers int
	retry   RetryConfig
	logger  *slog.Logger
}

// NewLoader creates a loader. A nil client uses a client with a 30s timeout.
func NewLoader(client *http.Client, workers int, logger *slog.Logger) *Loader {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{client: client, workers: workers, retry: DefaultRetry, logger: logger.With("component", "ingest")}
}

// WithRetry replaces the retry policy for remote sources.
func (l *Loader) WithRetry(cfg RetryConfig) *Loader {
	l.retry = cfg
	return l
}

// LoadAll loads every source and returns the tables in source order. The
// first failure is returned together with the errors of all other sources.
func (l *Loader) LoadAll(ctx context.Context, sources []Source) ([]model.RawTable, error) {
	tables := make([]model.RawTable, len(sources))
	errs := make([]error, len(sources))

	sem := make(chan struct{}, l.workers)
	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Add(1)
		go func(i int, s Source) {
			defer wg.Done()
			select {
			case <-ctx.Done():
				errs[i] = ctx.Err()
				return
			case sem <- struct{}{}:
			}
			defer func() { <-sem }()
			tables[i], errs[i] = l.Load(ctx, s)
		}(i, src)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return tables, nil
}

// Load reads one source.
func (l *Loader) Load(ctx context.Context, src Source) (model.RawTable, error) {
	r, err := l.open(ctx, src.Path)
	if err != nil {
		return model.RawTable{}, fmt.Errorf("source %s: %w", src.ID, err)
	}
	defer r.Close()

	table := model.RawTable{
		SourceID:    src.ID,
		ExtractDate: src.ExtractDate,
		Name:        filepath.Base(src.Path),
	}

	format := strings.ToLower(src.Format)
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(src.Path)), ".")
	}
	switch format {
	case "csv":
		err = readCSV(ctx, r, &table)
	case "json":
		err = readJSON(r, &table)
	default:
		err = fmt.Errorf("unknown source format: %q", format)
	}
	if err != nil {
		return model.RawTable{}, fmt.Errorf("source %s (%s): %w", src.ID, src.Path, err)
	}

	l.logger.Info("source loaded", "source", src.ID, "path", src.Path, "rows", len(table.Rows), "columns", len(table.Columns))
	return table, nil
}

func (l *Loader) open(ctx context.Context, pathOrURL string) (io.ReadCloser, error) {
	if strings.HasPrefix(pathOrURL, "http://") || strings.HasPrefix(pathOrURL, "https://") {
		onRetry := func(attempt int, wait time.Duration, err error) {
			l.logger.Warn("fetch failed, retrying", "url", pathOrURL, "attempt", attempt, "wait", wait, "error", err)
		}
		return withRetry(ctx, l.retry, onRetry, func() (io.ReadCloser, error) {
			return l.fetch(ctx, pathOrURL)
		})
	}
	f, err := os.Open(pathOrURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return f, nil
}

func (l *Loader) fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to GET %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &statusError{url: url, code: resp.StatusCode}
	}
	return resp.Body, nil
}

// readCSV reads a header row and the data rows. A row shorter than the header
// leaves the trailing columns absent rather than blank.
func readCSV(ctx context.Context, r io.Reader, t *model.RawTable) error {
	cr := csv.NewReader(r)
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1

	headers, err := cr.Read()
	if err != nil {
		return fmt.Errorf("failed to read CSV header: %w", err)
	}
	for i, h := range headers {
		// Clean header names: trim whitespace, BOM and quotes
		h = strings.TrimPrefix(h, "\ufeff")
		h = strings.ReplaceAll(strings.TrimSpace(h), `"`, "")
		headers[i] = h
	}
	t.Columns = headers

	for line := 2; ; line++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		record, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("CSV read error at line %d: %w", line, err)
		}
		row := make(model.RawRow, len(headers))
		for i, h := range headers {
			if i < len(record) {
				row[h] = record[i]
			}
		}
		t.Rows = append(t.Rows, row)
	}
}

// readJSON accepts an array of objects, an object with a "data" array (the
// export envelope shape) or a single object.
func readJSON(r io.Reader, t *model.RawTable) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("failed to decode JSON: %w", err)
	}

	var items []any
	switch data := raw.(type) {
	case []any:
		items = data
	case map[string]any:
		if inner, ok := data["data"].([]any); ok {
			items = inner
		} else {
			items = []any{data}
		}
	default:
		return fmt.Errorf("unexpected JSON structure")
	}

	seen := make(map[string]bool)
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return fmt.Errorf("item %d is not an object", i)
		}
		row := make(model.RawRow, len(obj))
		for k, v := range obj {
			if n, isNum := v.(json.Number); isNum {
				v = n.String()
			}
			row[k] = v
			if !seen[k] {
				seen[k] = true
				t.Columns = append(t.Columns, k)
			}
		}
		t.Rows = append(t.Rows, row)
	}
	sort.Strings(t.Columns)
	return nil
}
