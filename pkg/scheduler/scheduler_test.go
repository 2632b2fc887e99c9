package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gputasker/gputasker/pkg/gpu"
	"github.com/gputasker/gputasker/pkg/observability"
	"github.com/gputasker/gputasker/pkg/store"
	"github.com/gputasker/gputasker/pkg/supervisor"
)

// fakeStore is a minimal in-memory store.Store driving the scheduler loop
// tests; ClaimNextTask and ListStaleRunning actually inspect the fake's
// task/run-log maps, unlike a pure-stub fake would.
type fakeStore struct {
	mu      sync.Mutex
	nodes   []gpu.Node
	tasks   map[int64]*gpu.Task
	runLogs map[int64]*gpu.RunLog
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[int64]*gpu.Task), runLogs: make(map[int64]*gpu.RunLog)}
}

func (f *fakeStore) UpsertNode(ctx context.Context, n *gpu.Node) error            { return nil }
func (f *fakeStore) GetNode(ctx context.Context, id int64) (*gpu.Node, error)     { return nil, store.ErrNotFound }
func (f *fakeStore) GetNodeByToken(ctx context.Context, t string) (*gpu.Node, error) {
	return nil, store.ErrNotFound
}
func (f *fakeStore) ListNodes(ctx context.Context) ([]gpu.Node, error) { return f.nodes, nil }
func (f *fakeStore) TouchNodeReport(ctx context.Context, nodeID int64, at time.Time) error {
	return nil
}
func (f *fakeStore) ReplaceNodeGPUs(ctx context.Context, nodeID int64, gpus []gpu.GPU) error {
	return nil
}
func (f *fakeStore) ListNodeGPUs(ctx context.Context, nodeID int64) ([]gpu.GPU, error) {
	return nil, nil
}
func (f *fakeStore) ListAllGPUs(ctx context.Context) (map[int64][]gpu.GPU, error) { return nil, nil }
func (f *fakeStore) CreateTask(ctx context.Context, t *gpu.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.ID] = t
	return nil
}
func (f *fakeStore) GetTask(ctx context.Context, id int64) (*gpu.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[id]; ok {
		return t, nil
	}
	return nil, store.ErrNotFound
}

// ClaimNextTask picks the lowest-ID READY task with no live claim lease, in
// the same spirit as the real implementation's FOR UPDATE SKIP LOCKED scan.
func (f *fakeStore) ClaimNextTask(ctx context.Context, leaseStale time.Duration) (*gpu.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	var best *gpu.Task
	for _, t := range f.tasks {
		if t.Status != gpu.TaskReady {
			continue
		}
		if t.DispatchingAt != nil && now.Sub(*t.DispatchingAt) < leaseStale {
			continue
		}
		if best == nil || t.ID < best.ID {
			best = t
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	claimed := *best
	claimed.DispatchingAt = &now
	best.DispatchingAt = &now
	return &claimed, nil
}
func (f *fakeStore) ReleaseClaim(ctx context.Context, taskID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[taskID]; ok {
		t.DispatchingAt = nil
	}
	return nil
}
func (f *fakeStore) TransitionTaskStatus(ctx context.Context, taskID int64, from, to gpu.TaskStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok || t.Status != from {
		return store.ErrConflict
	}
	t.Status = to
	return nil
}
func (f *fakeStore) ExpireStaleClaims(ctx context.Context, staleBefore time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.tasks {
		if t.Status == gpu.TaskReady && t.DispatchingAt != nil && t.DispatchingAt.Before(staleBefore) {
			t.DispatchingAt = nil
			n++
		}
	}
	return n, nil
}
func (f *fakeStore) CreateRunLog(ctx context.Context, rl *gpu.RunLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rl.ID == 0 {
		rl.ID = int64(len(f.runLogs) + 1)
	}
	f.runLogs[rl.ID] = rl
	return nil
}
func (f *fakeStore) GetRunLog(ctx context.Context, id int64) (*gpu.RunLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rl, ok := f.runLogs[id]; ok {
		return rl, nil
	}
	return nil, store.ErrNotFound
}
func (f *fakeStore) UpdateRunLogPIDs(ctx context.Context, id int64, pid, pgid int) error { return nil }
func (f *fakeStore) UpdateRunLogHeartbeat(ctx context.Context, id int64, at time.Time) error {
	return nil
}
func (f *fakeStore) TransitionRunLogStatus(ctx context.Context, id int64, from, to gpu.RunLogStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rl, ok := f.runLogs[id]
	if !ok || rl.Status != from {
		return store.ErrConflict
	}
	rl.Status = to
	return nil
}
func (f *fakeStore) ReviveIfLost(ctx context.Context, id int64) (bool, error) { return false, nil }
func (f *fakeStore) ListStaleRunning(ctx context.Context, staleBefore time.Time) ([]gpu.RunLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []gpu.RunLog
	for _, rl := range f.runLogs {
		if rl.Status != gpu.RunLogRunning {
			continue
		}
		// A run log that has never heartbeated is left alone, matching the
		// real ListStaleRunning: marking it LOST on created_at age alone
		// would mass-LOST every run log right after a deploy.
		if rl.LastHeartbeatAt == nil {
			continue
		}
		if rl.LastHeartbeatAt.Before(staleBefore) {
			out = append(out, *rl)
		}
	}
	return out, nil
}
func (f *fakeStore) ListLockedGPUIndexes(ctx context.Context, nodeID int64) (map[int]bool, error) {
	return nil, nil
}
func (f *fakeStore) TryLockGPUs(ctx context.Context, nodeID int64, idx []int, runLogID int64) error {
	return nil
}
func (f *fakeStore) ReleaseGPUs(ctx context.Context, runLogID int64) error { return nil }
func (f *fakeStore) Close()                                               {}

func TestMarkStaleRunningAsLost(t *testing.T) {
	fs := newFakeStore()
	staleHeartbeat := time.Now().Add(-time.Hour)
	fs.tasks[1] = &gpu.Task{ID: 1, Status: gpu.TaskRunning}
	fs.runLogs[1] = &gpu.RunLog{ID: 1, TaskID: 1, Status: gpu.RunLogRunning, LastHeartbeatAt: &staleHeartbeat}

	s := &Scheduler{Store: fs, Config: Config{HeartbeatStale: time.Minute}}
	require.NoError(t, s.markStaleRunningAsLost(context.Background(), time.Now().Add(-time.Minute)))

	require.Equal(t, gpu.RunLogLost, fs.runLogs[1].Status)
	require.Equal(t, gpu.TaskLost, fs.tasks[1].Status)
}

func TestMarkStaleRunningAsLost_IgnoresFreshHeartbeat(t *testing.T) {
	fs := newFakeStore()
	fresh := time.Now()
	fs.tasks[1] = &gpu.Task{ID: 1, Status: gpu.TaskRunning}
	fs.runLogs[1] = &gpu.RunLog{ID: 1, TaskID: 1, Status: gpu.RunLogRunning, LastHeartbeatAt: &fresh}

	s := &Scheduler{Store: fs, Config: Config{HeartbeatStale: time.Minute}}
	require.NoError(t, s.markStaleRunningAsLost(context.Background(), time.Now().Add(-time.Minute)))

	require.Equal(t, gpu.RunLogRunning, fs.runLogs[1].Status)
	require.Equal(t, gpu.TaskRunning, fs.tasks[1].Status)
}

func TestMarkStaleRunningAsLost_IgnoresMissingHeartbeat(t *testing.T) {
	fs := newFakeStore()
	fs.tasks[1] = &gpu.Task{ID: 1, Status: gpu.TaskRunning}
	fs.runLogs[1] = &gpu.RunLog{ID: 1, TaskID: 1, Status: gpu.RunLogRunning, LastHeartbeatAt: nil}

	s := &Scheduler{Store: fs, Config: Config{HeartbeatStale: time.Minute}}
	require.NoError(t, s.markStaleRunningAsLost(context.Background(), time.Now().Add(-time.Minute)))

	require.Equal(t, gpu.RunLogRunning, fs.runLogs[1].Status)
	require.Equal(t, gpu.TaskRunning, fs.tasks[1].Status)
}

func TestClaimAndDispatch_ReleasesClaimWhenNoNodeQualifies(t *testing.T) {
	fs := newFakeStore()
	fs.tasks[1] = &gpu.Task{ID: 1, Status: gpu.TaskReady, GPUCount: 1}
	// no nodes registered, so Dispatch cannot place the task anywhere.

	sv := supervisor.New(fs, observability.NewMonitoringService(10), nil, nil, supervisor.Config{})
	s := &Scheduler{Store: fs, Supervisor: sv, Config: Config{ClaimLeaseStale: time.Minute}}

	require.NoError(t, s.claimAndDispatch(context.Background()))

	require.Eventually(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return fs.tasks[1].DispatchingAt == nil
	}, time.Second, 5*time.Millisecond)
}

func TestClaimAndDispatch_StopsWhenQueueEmpty(t *testing.T) {
	fs := newFakeStore()
	sv := supervisor.New(fs, nil, nil, nil, supervisor.Config{})
	s := &Scheduler{Store: fs, Supervisor: sv, Config: Config{ClaimLeaseStale: time.Minute}}

	require.NoError(t, s.claimAndDispatch(context.Background()))
}
