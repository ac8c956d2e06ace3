package pipeline

import (
	"log/slog"
	"sync"
	"time"

	"evidence-pipeline/internal/model"
)

// Observer receives every completed stage, e.g. to report progress.
type Observer func(runID string, m model.StageMetrics)

// Tracker records per-stage metrics for one run.
type Tracker struct {
	runID    string
	mu       sync.Mutex
	stages   []model.StageMetrics
	open     map[string]int
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

// NewTracker creates a tracker for one run. observer may be nil.
func NewTracker(runID string, observer Observer, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		runID:    runID,
		open:     make(map[string]int),
		observer: observer,
		logger:   logger.With("component", "tracker", "run_id", runID),
		now:      time.Now,
	}
}

// StartStage marks the start of a pipeline stage
func (t *Tracker) StartStage(stage string, recordsIn, workers int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.open[stage] = len(t.stages)
	t.stages = append(t.stages, model.StageMetrics{
		Stage:       stage,
		StartTime:   t.now(),
		RecordsIn:   recordsIn,
		WorkerCount: workers,
	})
	t.logger.Info("stage started", "stage", stage, "records_in", recordsIn, "workers", workers)
}

// EndStage marks the end of a pipeline stage and notifies the observer.
func (t *Tracker) EndStage(stage string, recordsOut, findings int) {
	t.mu.Lock()
	i, ok := t.open[stage]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.open, stage)
	m := &t.stages[i]
	m.EndTime = t.now()
	m.Duration = m.EndTime.Sub(m.StartTime)
	m.RecordsOut = recordsOut
	m.Findings = findings
	done := *m
	t.mu.Unlock()

	t.logger.Info("stage completed",
		"stage", stage,
		"records_out", recordsOut,
		"findings", findings,
		"duration", done.Duration)
	if t.observer != nil {
		t.observer(t.runID, done)
	}
}

// Stages returns a copy of the completed and running stages in start order.
func (t *Tracker) Stages() []model.StageMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]model.StageMetrics(nil), t.stages...)
}
