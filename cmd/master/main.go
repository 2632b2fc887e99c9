// Command master runs the gputasker scheduler, supervisor, and HTTP API in
// one process: it claims ready tasks, dispatches them to nodes over SSH,
// and serves the endpoints agents report to.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gputasker/gputasker/pkg/api"
	"github.com/gputasker/gputasker/pkg/config"
	"github.com/gputasker/gputasker/pkg/gpu"
	"github.com/gputasker/gputasker/pkg/observability"
	"github.com/gputasker/gputasker/pkg/remote"
	"github.com/gputasker/gputasker/pkg/scheduler"
	"github.com/gputasker/gputasker/pkg/store"
	"github.com/gputasker/gputasker/pkg/supervisor"
)

func main() {
	if err := run(); err != nil {
		slog.Error("master exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadMasterConfig()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pg.Close()

	liveness := store.NewLivenessCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.LivenessTTL)
	defer liveness.Close()

	tracing, err := observability.NewTracingService(&observability.TracingConfig{
		ServiceName:    "gputasker-master",
		ServiceVersion: "1.0.0",
		ExporterType:   cfg.TracingExporter,
		OTLPEndpoint:   cfg.TracingEndpoint,
		JaegerEndpoint: cfg.TracingEndpoint,
		SampleRate:     cfg.TracingSampleRate,
		Environment:    "production",
		EnabledSpans:   observability.DefaultTracingConfig().EnabledSpans,
	})
	if err != nil {
		return err
	}
	defer tracing.Shutdown(ctx)

	monitoring := observability.NewMonitoringService(10000)
	metrics := observability.NewPrometheusExporter(prometheus.DefaultRegisterer)

	if cfg.NodeInventoryPath != "" {
		if err := seedNodes(ctx, pg, cfg.NodeInventoryPath); err != nil {
			return err
		}
	}

	sv := supervisor.New(pg, monitoring, tracing, metrics, supervisor.Config{
		SSH: remote.ClientConfig{
			PrivateKeyPath: cfg.SSHPrivateKeyPath,
			ConnectTimeout: cfg.SSHConnectTimeout,
		},
		// NOTE: cfg.SSHCommandTimeout is not passed to the supervisor:
		// individual remote.Client.Run calls (e.g. kill, agent push) and
		// Launch are bounded only by the context they are given.
		RemoteWorkDir:    cfg.RemoteWorkDir,
		RemoteLogDir:     cfg.RemoteLogDir,
		RemoteRunningDir: cfg.RemoteWorkDir + "/running",
		NodeOfflineAfter: cfg.NodeOfflineAfter,
	}).WithLiveness(liveness)

	sched := &scheduler.Scheduler{
		Store:      pg,
		Supervisor: sv,
		Metrics:    metrics,
		Tracing:    tracing,
		Config: scheduler.Config{
			LoopInterval:    cfg.LoopInterval,
			ClaimLeaseStale: cfg.ClaimLeaseStale,
			HeartbeatStale:  cfg.HeartbeatStale,
			ClaimSmear:      time.Second,
		},
	}

	apiServer := &api.Server{
		Store:      pg,
		Liveness:   liveness,
		Monitoring: monitoring,
		Tracing:    tracing,
	}

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.NewRouter(apiServer),
	}

	errCh := make(chan error, 2)
	go func() {
		if err := sched.Run(ctx); err != nil {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("master listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		stop()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// seedNodes upserts every entry in the static inventory file into the node
// table, generating a fresh report token for hostnames not already known
// and preserving the token of ones that are, so re-running the master
// never invalidates an agent that's already deployed. SSH details and
// enablement are always taken from the inventory entry.
func seedNodes(ctx context.Context, s store.Store, path string) error {
	inv, err := config.LoadNodeInventory(path)
	if err != nil {
		return err
	}

	existing, err := s.ListNodes(ctx)
	if err != nil {
		return err
	}
	byHostname := make(map[string]gpu.Node, len(existing))
	for _, n := range existing {
		byHostname[n.Hostname] = n
	}

	for _, seed := range inv.Nodes {
		node := byHostname[seed.Hostname]
		node.Hostname = seed.Hostname
		node.SSHHost = seed.SSHHost
		node.SSHPort = seed.SSHPort
		node.SSHUser = seed.SSHUser
		node.Enabled = seed.Enabled
		if node.ReportToken == "" {
			node.ReportToken = uuid.NewString()
		}
		if err := s.UpsertNode(ctx, &node); err != nil {
			return err
		}
	}
	return nil
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
