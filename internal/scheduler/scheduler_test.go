package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewRejectsBadExpressions(t *testing.T) {
	t.Parallel()

	job := func(context.Context) error { return nil }
	if _, err := New("every tuesday", time.UTC, job, quietLogger()); err == nil {
		t.Fatalf("expected an invalid expression error")
	}
	if _, err := New("@daily", time.UTC, nil, quietLogger()); err == nil {
		t.Fatalf("expected an error without a job")
	}
}

func TestTickRunsJobAndSkipsOverlap(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	release := make(chan struct{})
	s, err := New("@hourly", time.UTC, func(ctx context.Context) error {
		calls.Add(1)
		<-release
		return errors.New("boom")
	}, quietLogger())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	done := make(chan struct{})
	go func() {
		s.tick()
		close(done)
	}()
	for calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	s.tick() // overlaps the running job and returns at once
	close(release)
	<-done

	if got := calls.Load(); got != 1 {
		t.Fatalf("job ran %d times, want 1", got)
	}
}

func TestStartScheduleAndStop(t *testing.T) {
	t.Parallel()

	s, err := New("@daily", time.UTC, func(context.Context) error { return nil }, quietLogger())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	s.Start()
	if next := s.Next(); next.IsZero() || next.Before(time.Now()) {
		t.Fatalf("unexpected next activation %v", next)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
}
