// Package store persists the node/GPU/task/run-log model behind a
// transactional Postgres backend, and keeps a Redis liveness marker per
// node (LivenessCache) beside it.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/gputasker/gputasker/pkg/gpu"
)

// ErrNotFound is returned when a lookup by ID finds no row.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned by the atomic primitives when a compare-and-swap
// loses a race to a concurrent writer; callers should treat it as "try the
// next candidate" rather than a hard failure.
var ErrConflict = errors.New("store: conflict")

// Store is the persistence boundary used by the master. Every method that
// mutates shared state does so atomically at the SQL layer: callers never
// need to hold an in-process lock across a Store call.
type Store interface {
	// Node inventory

	UpsertNode(ctx context.Context, n *gpu.Node) error
	GetNode(ctx context.Context, id int64) (*gpu.Node, error)
	GetNodeByToken(ctx context.Context, token string) (*gpu.Node, error)
	ListNodes(ctx context.Context) ([]gpu.Node, error)
	TouchNodeReport(ctx context.Context, nodeID int64, at time.Time) error

	// GPU inventory, replaced wholesale per node on every agent report

	ReplaceNodeGPUs(ctx context.Context, nodeID int64, gpus []gpu.GPU) error
	ListNodeGPUs(ctx context.Context, nodeID int64) ([]gpu.GPU, error)
	ListAllGPUs(ctx context.Context) (map[int64][]gpu.GPU, error)

	// Tasks

	CreateTask(ctx context.Context, t *gpu.Task) error
	GetTask(ctx context.Context, id int64) (*gpu.Task, error)

	// ClaimNextTask atomically takes the highest-priority, oldest READY task
	// that has no live claim lease, stamps dispatching_at, and returns it.
	// Returns ErrNotFound when no task qualifies.
	ClaimNextTask(ctx context.Context, leaseStale time.Duration) (*gpu.Task, error)

	// ReleaseClaim clears dispatching_at without touching status, used when
	// a supervisor gives up on a task before ever reaching RUNNING.
	ReleaseClaim(ctx context.Context, taskID int64) error

	// TransitionTaskStatus performs status CAS: it updates status only if
	// the row's current status equals from, returning ErrConflict otherwise.
	TransitionTaskStatus(ctx context.Context, taskID int64, from, to gpu.TaskStatus) error

	// ExpireStaleClaims resets dispatching_at to nil for READY tasks whose
	// lease is older than staleBefore, recovering from a supervisor crash
	// between claim and the first RunLog write.
	ExpireStaleClaims(ctx context.Context, staleBefore time.Time) (int, error)

	// RunLogs

	CreateRunLog(ctx context.Context, rl *gpu.RunLog) error
	GetRunLog(ctx context.Context, id int64) (*gpu.RunLog, error)
	UpdateRunLogPIDs(ctx context.Context, id int64, pid, pgid int) error
	UpdateRunLogHeartbeat(ctx context.Context, id int64, at time.Time) error

	// TransitionRunLogStatus CASes a RunLog's status the same way
	// TransitionTaskStatus does for tasks.
	TransitionRunLogStatus(ctx context.Context, id int64, from, to gpu.RunLogStatus) error

	// ReviveIfLost flips a RunLog from LOST back to RUNNING, used when a
	// fresh heartbeat arrives for a run log the scheduler had previously
	// given up on. Returns false (no error) if the run log was not LOST.
	ReviveIfLost(ctx context.Context, id int64) (bool, error)

	// ListStaleRunning returns RUNNING run logs whose last heartbeat is
	// non-null and older than staleBefore. A run log that has never
	// received a heartbeat is intentionally left alone: the original
	// mark_stale_running_tasks_as_lost skips these to avoid mass-LOST right
	// after an upgrade, before agents have had a chance to report in.
	// GPUs are intentionally NOT released here: a lost node may still hold
	// the device, and only an SSH-verified kill or a fresh heartbeat should
	// release it.
	ListStaleRunning(ctx context.Context, staleBefore time.Time) ([]gpu.RunLog, error)

	// GPU locking

	// ListLockedGPUIndexes returns the set of GPU indexes on nodeID
	// currently held by any run log, so a candidate search can exclude them
	// (busy_by_self) instead of discovering the conflict only when
	// TryLockGPUs rejects the whole node.
	ListLockedGPUIndexes(ctx context.Context, nodeID int64) (map[int]bool, error)

	// TryLockGPUs atomically marks gpuIndexes on nodeID as held by runLogID,
	// failing if any of them are already locked under a different run log.
	TryLockGPUs(ctx context.Context, nodeID int64, gpuIndexes []int, runLogID int64) error

	// ReleaseGPUs releases every GPU currently locked under runLogID,
	// regardless of which node they are on. Releasing under the log id
	// (rather than by node+index) keeps a crashed supervisor's cleanup
	// idempotent and avoids releasing a GPU a newer run log has since
	// claimed on the same device.
	ReleaseGPUs(ctx context.Context, runLogID int64) error

	Close()
}
