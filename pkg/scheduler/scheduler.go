// Package scheduler drives the master's main loop: expiring stale claim
// leases, marking lost run logs, and claiming ready tasks for dispatch.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/gputasker/gputasker/pkg/gpu"
	"github.com/gputasker/gputasker/pkg/observability"
	"github.com/gputasker/gputasker/pkg/store"
	"github.com/gputasker/gputasker/pkg/supervisor"
)

// Config holds the scheduler's loop tunables.
type Config struct {
	LoopInterval    time.Duration
	ClaimLeaseStale time.Duration
	HeartbeatStale  time.Duration
	// ClaimSmear is the pause between spawning consecutive supervisor
	// workers within one tick, so a burst of claims doesn't open dozens of
	// SSH connections in the same instant.
	ClaimSmear time.Duration
}

// Scheduler runs the claim-and-dispatch loop. It owns no long-lived
// per-task state: every tick re-derives what needs doing from the store.
type Scheduler struct {
	Store      store.Store
	Supervisor *supervisor.Supervisor
	Metrics    *observability.PrometheusExporter
	Tracing    *observability.TracingService
	Config     Config
	Logger     *slog.Logger
}

// Run blocks until ctx is cancelled, ticking every Config.LoopInterval.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ticker := time.NewTicker(s.Config.LoopInterval)
	defer ticker.Stop()

	for {
		if err := s.tick(ctx); err != nil {
			logger.Error("scheduler tick failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) error {
	ctx, span := s.trace(ctx, "tick")
	defer span.End()

	if s.Metrics != nil {
		s.Metrics.SchedulerTicks.Inc()
	}

	now := time.Now()

	if _, err := s.Store.ExpireStaleClaims(ctx, now.Add(-s.Config.ClaimLeaseStale)); err != nil {
		return err
	}

	if err := s.markStaleRunningAsLost(ctx, now.Add(-s.Config.HeartbeatStale)); err != nil {
		return err
	}

	return s.claimAndDispatch(ctx)
}

// markStaleRunningAsLost flips RUNNING run logs (and their tasks) to LOST
// once their heartbeat has gone stale for longer than staleBefore allows.
// GPUs stay locked: the device may still be held by a node the master has
// simply lost contact with, and only a fresh heartbeat or a verified remote
// kill should free it.
func (s *Scheduler) markStaleRunningAsLost(ctx context.Context, staleBefore time.Time) error {
	stale, err := s.Store.ListStaleRunning(ctx, staleBefore)
	if err != nil {
		return err
	}

	for _, rl := range stale {
		if err := s.Store.TransitionRunLogStatus(ctx, rl.ID, gpu.RunLogRunning, gpu.RunLogLost); err != nil {
			continue
		}
		if err := s.Store.TransitionTaskStatus(ctx, rl.TaskID, gpu.TaskRunning, gpu.TaskLost); err == nil {
			if s.Metrics != nil {
				s.Metrics.TasksLost.Inc()
			}
		}
	}
	return nil
}

// claimAndDispatch drains the ready queue one claim at a time, spawning a
// detached supervisor worker per claimed task. It stops when the queue is
// empty; it never blocks on a dispatch completing.
func (s *Scheduler) claimAndDispatch(ctx context.Context) error {
	for {
		task, err := s.Store.ClaimNextTask(ctx, s.Config.ClaimLeaseStale)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}

		if s.Metrics != nil {
			s.Metrics.TasksClaimed.Inc()
		}

		go func(t *gpu.Task) {
			dispatchCtx := context.Background()
			if err := s.Supervisor.Dispatch(dispatchCtx, t); err != nil {
				(s.loggerOrDefault()).Error("dispatch failed", "task_id", t.ID, "error", err)
			}
		}(task)

		if s.Config.ClaimSmear > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.Config.ClaimSmear):
			}
		}
	}
}

func (s *Scheduler) loggerOrDefault() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Scheduler) trace(ctx context.Context, operation string) (context.Context, oteltrace.Span) {
	if s.Tracing == nil {
		return ctx, oteltrace.SpanFromContext(ctx)
	}
	return s.Tracing.TraceScheduler(ctx, operation)
}
