// Command agent runs on each GPU node: it polls local device state and
// running-task metadata and reports both to the master on a fixed
// interval, exiting if the master ever rejects its report token.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gputasker/gputasker/pkg/agent"
	"github.com/gputasker/gputasker/pkg/config"
)

func main() {
	if err := run(); err != nil {
		slog.Error("agent exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadAgentConfig()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var probe agent.Probe = agent.NvidiaSMIProbe{}
	if cfg.NVMLEnabled {
		probe = agent.NVMLProbe{}
	}

	daemon := &agent.Daemon{
		Config: agent.Config{
			ReportInterval:      cfg.ReportInterval,
			RunningTasksDir:     cfg.RunningTasksDir,
			MaxConsecutiveFails: cfg.MaxConsecutiveFails,
		},
		Probe:    probe,
		Reporter: agent.NewReporter(cfg.MasterURL, cfg.ReportToken, cfg.HTTPTimeout),
		Logger:   logger,
	}

	logger.Info("agent starting", "master_url", cfg.MasterURL, "nvml", cfg.NVMLEnabled)
	return daemon.Run(ctx)
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
