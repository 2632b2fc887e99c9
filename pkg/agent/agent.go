package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gputasker/gputasker/pkg/api"
)

// Config holds the parameters Run needs, decoupled from pkg/config so this
// package stays testable without importing the env-loading layer.
type Config struct {
	ReportInterval      time.Duration
	RunningTasksDir     string
	MaxConsecutiveFails int
}

// Daemon runs the agent's report loop: probe local GPU state, scan running
// task metadata, and push both to the master every ReportInterval. It exits
// (returns nil) when the master rejects its report token, and returns an
// error after MaxConsecutiveFails consecutive transport failures, matching
// the legacy agent's fail-fast-and-let-the-supervisor-restart-me design.
type Daemon struct {
	Config   Config
	Probe    Probe
	Reporter *Reporter
	Logger   *slog.Logger
}

// Run blocks until ctx is cancelled, the token is rejected, or the
// consecutive-failure budget is exhausted.
func (d *Daemon) Run(ctx context.Context) error {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ticker := time.NewTicker(d.Config.ReportInterval)
	defer ticker.Stop()

	consecutiveFails := 0
	for {
		if err := d.tick(ctx); err != nil {
			if errors.Is(err, ErrTokenRejected) {
				logger.Error("report token rejected by master, exiting", "error", err)
				return nil
			}
			consecutiveFails++
			logger.Warn("report cycle failed", "error", err, "consecutive_fails", consecutiveFails)
			if consecutiveFails >= d.Config.MaxConsecutiveFails {
				return errors.New("agent: exceeded max consecutive report failures")
			}
		} else {
			consecutiveFails = 0
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Daemon) tick(ctx context.Context) error {
	gpus, err := d.Probe.CollectGPUs(ctx)
	if err != nil {
		return err
	}
	if _, err := d.Reporter.ReportGPUs(ctx, gpus); err != nil {
		return err
	}

	tasks, err := CollectRunningTasks(d.Config.RunningTasksDir)
	if err != nil {
		return err
	}
	if tasks == nil {
		tasks = []api.ReportTask{} // the master treats a null tasks field as a malformed request, not zero tasks
	}
	if _, err := d.Reporter.ReportTasks(ctx, tasks); err != nil {
		return err
	}
	return nil
}
