// Package supervisor owns the lifecycle of a single claimed task: picking a
// node and GPUs for it, locking them, launching the task over SSH, and
// reconciling the task's terminal state once the remote process exits.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/gputasker/gputasker/pkg/gpu"
	"github.com/gputasker/gputasker/pkg/observability"
	"github.com/gputasker/gputasker/pkg/remote"
	"github.com/gputasker/gputasker/pkg/store"
)

// livenessChecker is the subset of *store.LivenessCache Dispatch needs, so
// tests can run without a Redis instance.
type livenessChecker interface {
	IsAlive(ctx context.Context, nodeID int64) (bool, error)
}

// Config holds the supervisor's dispatch-time tunables.
type Config struct {
	SSH              remote.ClientConfig
	RemoteWorkDir    string
	RemoteLogDir     string
	RemoteRunningDir string
	NodeOfflineAfter time.Duration
}

// Supervisor dispatches claimed tasks onto nodes and reconciles their
// terminal state. One Supervisor is shared across every task the scheduler
// claims; Dispatch is safe to call concurrently for distinct tasks.
type Supervisor struct {
	Store      store.Store
	Liveness   livenessChecker // optional: consulted before Node.IsReporting to spare Postgres the hot-loop read
	Monitoring *observability.MonitoringService
	Tracing    *observability.TracingService
	Metrics    *observability.PrometheusExporter
	Config     Config
}

// New builds a Supervisor.
func New(s store.Store, mon *observability.MonitoringService, tracing *observability.TracingService, metrics *observability.PrometheusExporter, cfg Config) *Supervisor {
	return &Supervisor{
		Store:      s,
		Monitoring: mon,
		Tracing:    tracing,
		Metrics:    metrics,
		Config:     cfg,
	}
}

// WithLiveness attaches a liveness cache, used to skip a node before
// falling back to its Postgres-backed LastReportAt column.
func (sv *Supervisor) WithLiveness(lc livenessChecker) *Supervisor {
	sv.Liveness = lc
	return sv
}

// Dispatch tries every enabled, reporting node in turn until it finds one
// with enough idle (or memory-qualifying) GPUs, locks them, and launches
// the task. If no node currently qualifies, it releases the claim lease so
// the task returns to the ready queue for a later tick, and returns nil:
// that is normal backpressure, not a failure.
func (sv *Supervisor) Dispatch(ctx context.Context, task *gpu.Task) error {
	ctx, span := sv.trace(ctx, "dispatch", task.ID)
	defer span.End()

	nodes, err := sv.candidateNodes(ctx, task)
	if err != nil {
		return fmt.Errorf("supervisor: list nodes: %w", err)
	}

	req := gpu.GPURequest{
		Count:              task.GPUCount,
		Exclusive:          task.ExclusiveGPU,
		MemoryRequired:     task.MemoryRequired,
		MaxUsedUtilization: task.MaxUsedUtilization,
	}
	now := time.Now()

	for _, node := range nodes {
		if !node.Enabled || !sv.nodeIsAlive(ctx, node, now) {
			continue
		}

		devices, err := sv.Store.ListNodeGPUs(ctx, node.ID)
		if err != nil {
			continue
		}
		locked, err := sv.Store.ListLockedGPUIndexes(ctx, node.ID)
		if err != nil {
			continue
		}
		free := make([]gpu.GPU, 0, len(devices))
		for _, d := range devices {
			if !locked[d.Index] {
				free = append(free, d)
			}
		}
		selected := gpu.SelectGPUs(free, req)
		if selected == nil {
			continue
		}

		ok, err := sv.tryDispatchOnNode(ctx, task, node, selected)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		// lock conflict or a CAS race: try the next node.
	}

	if err := sv.Store.ReleaseClaim(ctx, task.ID); err != nil {
		return fmt.Errorf("supervisor: release claim: %w", err)
	}
	return nil
}

// candidateNodes returns the nodes Dispatch should try: just task's pinned
// node if one was assigned, otherwise every node.
func (sv *Supervisor) candidateNodes(ctx context.Context, task *gpu.Task) ([]gpu.Node, error) {
	if task.AssignedNodeID == nil {
		return sv.Store.ListNodes(ctx)
	}
	node, err := sv.Store.GetNode(ctx, *task.AssignedNodeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return []gpu.Node{*node}, nil
}

// tryDispatchOnNode attempts to commit task to node using the
// already-selected devices. It returns ok=false (with no error) for any
// race it can recover from by trying another node.
func (sv *Supervisor) tryDispatchOnNode(ctx context.Context, task *gpu.Task, node gpu.Node, devices []gpu.GPU) (bool, error) {
	indexes := gpu.Indexes(devices)

	rl := &gpu.RunLog{
		TaskID:     task.ID,
		NodeID:     node.ID,
		GPUIndexes: indexes,
		Status:     gpu.RunLogRunning,
	}
	if err := sv.Store.CreateRunLog(ctx, rl); err != nil {
		return false, fmt.Errorf("supervisor: create run log: %w", err)
	}

	if err := sv.Store.TryLockGPUs(ctx, node.ID, indexes, rl.ID); err != nil {
		if sv.Metrics != nil {
			sv.Metrics.GPULockConflicts.Inc()
		}
		sv.Store.TransitionRunLogStatus(ctx, rl.ID, gpu.RunLogRunning, gpu.RunLogFailed)
		return false, nil
	}

	if err := sv.Store.TransitionTaskStatus(ctx, task.ID, gpu.TaskReady, gpu.TaskRunning); err != nil {
		sv.Store.ReleaseGPUs(ctx, rl.ID)
		sv.Store.TransitionRunLogStatus(ctx, rl.ID, gpu.RunLogRunning, gpu.RunLogFailed)
		if errors.Is(err, store.ErrConflict) {
			// another worker already moved this task; nothing left to do.
			return true, nil
		}
		return false, fmt.Errorf("supervisor: transition task to running: %w", err)
	}

	pid, pgid, launchErr := sv.launch(ctx, node, task, rl)
	if launchErr != nil {
		if sv.Metrics != nil {
			sv.Metrics.RemoteLaunchFailures.Inc()
		}
		sv.Store.ReleaseGPUs(ctx, rl.ID)
		sv.Store.TransitionRunLogStatus(ctx, rl.ID, gpu.RunLogRunning, gpu.RunLogFailed)
		sv.Store.TransitionTaskStatus(ctx, task.ID, gpu.TaskRunning, gpu.TaskFailed)
		return false, fmt.Errorf("supervisor: launch on %s: %w", node.Hostname, launchErr)
	}

	sv.Store.UpdateRunLogPIDs(ctx, rl.ID, pid, pgid)
	if sv.Metrics != nil {
		sv.Metrics.TasksDispatched.Inc()
	}
	if sv.Monitoring != nil {
		sv.Monitoring.NotifyTaskStarted(task.ID, rl.ID, node.ID)
	}
	return true, nil
}

// launch dials the node and starts the task, returning the PID/PGID
// observed at launch time so the caller can persist them immediately. Exit
// reconciliation happens in a detached goroutine, since the remote task may
// run far longer than any dispatch call should block for.
func (sv *Supervisor) launch(ctx context.Context, node gpu.Node, task *gpu.Task, rl *gpu.RunLog) (pid, pgid int, err error) {
	client, err := remote.Dial(ctx, sv.Config.SSH, node)
	if err != nil {
		return 0, 0, err
	}

	sv.fillHostnameIfMissing(ctx, client, node)

	logPath := fmt.Sprintf("%s/%d.log", sv.Config.RemoteLogDir, rl.ID)
	workDir := task.Workspace
	if workDir == "" {
		workDir = sv.Config.RemoteWorkDir
	}
	spec := remote.LaunchSpec{
		RunLogID:        rl.ID,
		Cmd:             task.Cmd,
		GPUIndexes:      rl.GPUIndexes,
		WorkDir:         workDir,
		LogFilePath:     logPath,
		RunningTasksDir: sv.Config.RemoteRunningDir,
	}

	proc, err := remote.Launch(ctx, client, spec)
	if err != nil {
		client.Close()
		return 0, 0, err
	}

	go sv.awaitExit(client, proc, rl)
	return proc.PID, proc.PGID, nil
}

// awaitExit blocks on the remote process and reconciles terminal state
// once it exits.
func (sv *Supervisor) awaitExit(client *remote.Client, proc *remote.RemoteProcess, rl *gpu.RunLog) {
	defer client.Close()
	ctx := context.Background()

	waitErr := proc.Wait()
	to := gpu.RunLogDone
	taskTo := gpu.TaskDone
	if waitErr != nil {
		var exitErr *ssh.ExitError
		if !errors.As(waitErr, &exitErr) || exitErr.ExitStatus() != 0 {
			to, taskTo = gpu.RunLogFailed, gpu.TaskFailed
		}
	}

	sv.Store.ReleaseGPUs(ctx, rl.ID)
	// CAS from RUNNING only: if the scheduler already marked this LOST on a
	// stale-heartbeat sweep, that verdict stands and this is a no-op.
	sv.Store.TransitionRunLogStatus(ctx, rl.ID, gpu.RunLogRunning, to)
	sv.Store.TransitionTaskStatus(ctx, rl.TaskID, gpu.TaskRunning, taskTo)

	if sv.Monitoring != nil {
		sv.Monitoring.NotifyTaskFinished(rl.TaskID, rl.ID, taskTo == gpu.TaskDone)
	}
}

// fillHostnameIfMissing runs `hostname` on a node the master has never
// resolved a hostname for, persisting the result so future dispatches (and
// log-viewer/dashboard style tooling, should it exist) have it. Errors are
// swallowed: hostname is cosmetic, not load-bearing for dispatch.
func (sv *Supervisor) fillHostnameIfMissing(ctx context.Context, client *remote.Client, node gpu.Node) {
	if node.Hostname != "" {
		return
	}
	hostname, err := remote.FillHostname(ctx, client)
	if err != nil || hostname == "" {
		return
	}
	node.Hostname = hostname
	_ = sv.Store.UpsertNode(ctx, &node)
}

// nodeIsAlive prefers the Redis liveness marker when one is attached,
// falling back to the Postgres-sourced Node.LastReportAt column (e.g. the
// cache is cold, or unavailable) so liveness never depends on Redis being
// reachable.
func (sv *Supervisor) nodeIsAlive(ctx context.Context, node gpu.Node, now time.Time) bool {
	if sv.Liveness != nil {
		if alive, err := sv.Liveness.IsAlive(ctx, node.ID); err == nil && alive {
			return true
		}
	}
	return node.IsReporting(now, sv.Config.NodeOfflineAfter)
}

func (sv *Supervisor) trace(ctx context.Context, operation string, taskID int64) (context.Context, oteltrace.Span) {
	if sv.Tracing == nil {
		return ctx, oteltrace.SpanFromContext(ctx)
	}
	return sv.Tracing.TraceSupervisor(ctx, operation, taskID)
}
