package supervisor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gputasker/gputasker/pkg/gpu"
	"github.com/gputasker/gputasker/pkg/observability"
	"github.com/gputasker/gputasker/pkg/store"
)

// fakeStore is a minimal in-memory store.Store driving the dispatch-path
// tests; it reproduces just enough of the CAS/lock semantics to exercise
// Dispatch's branching.
type fakeStore struct {
	nodes       map[int64]gpu.Node
	gpus        map[int64][]gpu.GPU
	tasks       map[int64]*gpu.Task
	runLogs     map[int64]*gpu.RunLog
	lockedIdx   map[string]int64 // "nodeID:index" -> runLogID
	nextRunLog  int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nodes:     make(map[int64]gpu.Node),
		gpus:      make(map[int64][]gpu.GPU),
		tasks:     make(map[int64]*gpu.Task),
		runLogs:   make(map[int64]*gpu.RunLog),
		lockedIdx: make(map[string]int64),
	}
}

func (f *fakeStore) UpsertNode(ctx context.Context, n *gpu.Node) error { return nil }
func (f *fakeStore) GetNode(ctx context.Context, id int64) (*gpu.Node, error) {
	if n, ok := f.nodes[id]; ok {
		return &n, nil
	}
	return nil, store.ErrNotFound
}
func (f *fakeStore) GetNodeByToken(ctx context.Context, t string) (*gpu.Node, error) {
	return nil, store.ErrNotFound
}
func (f *fakeStore) ListNodes(ctx context.Context) ([]gpu.Node, error) {
	var out []gpu.Node
	for _, n := range f.nodes {
		out = append(out, n)
	}
	return out, nil
}
func (f *fakeStore) TouchNodeReport(ctx context.Context, nodeID int64, at time.Time) error {
	return nil
}
func (f *fakeStore) ReplaceNodeGPUs(ctx context.Context, nodeID int64, gpus []gpu.GPU) error {
	return nil
}
func (f *fakeStore) ListNodeGPUs(ctx context.Context, nodeID int64) ([]gpu.GPU, error) {
	return f.gpus[nodeID], nil
}
func (f *fakeStore) ListAllGPUs(ctx context.Context) (map[int64][]gpu.GPU, error) { return f.gpus, nil }
func (f *fakeStore) CreateTask(ctx context.Context, t *gpu.Task) error            { f.tasks[t.ID] = t; return nil }
func (f *fakeStore) GetTask(ctx context.Context, id int64) (*gpu.Task, error) {
	if t, ok := f.tasks[id]; ok {
		return t, nil
	}
	return nil, store.ErrNotFound
}
func (f *fakeStore) ClaimNextTask(ctx context.Context, leaseStale time.Duration) (*gpu.Task, error) {
	return nil, store.ErrNotFound
}
func (f *fakeStore) ReleaseClaim(ctx context.Context, taskID int64) error {
	if t, ok := f.tasks[taskID]; ok {
		t.DispatchingAt = nil
	}
	return nil
}
func (f *fakeStore) TransitionTaskStatus(ctx context.Context, taskID int64, from, to gpu.TaskStatus) error {
	t, ok := f.tasks[taskID]
	if !ok || t.Status != from {
		return store.ErrConflict
	}
	t.Status = to
	return nil
}
func (f *fakeStore) ExpireStaleClaims(ctx context.Context, staleBefore time.Time) (int, error) {
	return 0, nil
}
func (f *fakeStore) CreateRunLog(ctx context.Context, rl *gpu.RunLog) error {
	f.nextRunLog++
	rl.ID = f.nextRunLog
	f.runLogs[rl.ID] = rl
	return nil
}
func (f *fakeStore) GetRunLog(ctx context.Context, id int64) (*gpu.RunLog, error) {
	if rl, ok := f.runLogs[id]; ok {
		return rl, nil
	}
	return nil, store.ErrNotFound
}
func (f *fakeStore) UpdateRunLogPIDs(ctx context.Context, id int64, pid, pgid int) error {
	if rl, ok := f.runLogs[id]; ok {
		rl.RemotePID, rl.RemotePGID = pid, pgid
	}
	return nil
}
func (f *fakeStore) UpdateRunLogHeartbeat(ctx context.Context, id int64, at time.Time) error {
	return nil
}
func (f *fakeStore) TransitionRunLogStatus(ctx context.Context, id int64, from, to gpu.RunLogStatus) error {
	rl, ok := f.runLogs[id]
	if !ok || rl.Status != from {
		return store.ErrConflict
	}
	rl.Status = to
	return nil
}
func (f *fakeStore) ReviveIfLost(ctx context.Context, id int64) (bool, error) { return false, nil }
func (f *fakeStore) ListStaleRunning(ctx context.Context, staleBefore time.Time) ([]gpu.RunLog, error) {
	return nil, nil
}
func (f *fakeStore) ListLockedGPUIndexes(ctx context.Context, nodeID int64) (map[int]bool, error) {
	locked := make(map[int]bool)
	for key := range f.lockedIdx {
		var n int64
		var idx int
		fmt.Sscanf(key, "%d:%d", &n, &idx)
		if n == nodeID {
			locked[idx] = true
		}
	}
	return locked, nil
}
func (f *fakeStore) TryLockGPUs(ctx context.Context, nodeID int64, idx []int, runLogID int64) error {
	for _, i := range idx {
		key := lockKey(nodeID, i)
		if existing, ok := f.lockedIdx[key]; ok && existing != runLogID {
			return store.ErrConflict
		}
	}
	for _, i := range idx {
		f.lockedIdx[lockKey(nodeID, i)] = runLogID
	}
	return nil
}
func (f *fakeStore) ReleaseGPUs(ctx context.Context, runLogID int64) error {
	for k, v := range f.lockedIdx {
		if v == runLogID {
			delete(f.lockedIdx, k)
		}
	}
	return nil
}
func (f *fakeStore) Close() {}

func lockKey(nodeID int64, idx int) string {
	return fmt.Sprintf("%d:%d", nodeID, idx)
}

func TestDispatch_NoQualifyingNodeReleasesClaim(t *testing.T) {
	fs := newFakeStore()
	dispatchAt := time.Now()
	fs.tasks[1] = &gpu.Task{ID: 1, Status: gpu.TaskReady, GPUCount: 1, DispatchingAt: &dispatchAt}
	// no nodes at all

	sv := New(fs, observability.NewMonitoringService(10), nil, nil, Config{})
	require.NoError(t, sv.Dispatch(context.Background(), fs.tasks[1]))

	require.Nil(t, fs.tasks[1].DispatchingAt)
	require.Equal(t, gpu.TaskReady, fs.tasks[1].Status)
}

func TestDispatch_SkipsOfflineNode(t *testing.T) {
	fs := newFakeStore()
	fs.tasks[1] = &gpu.Task{ID: 1, Status: gpu.TaskReady, GPUCount: 1}
	fs.nodes[1] = gpu.Node{ID: 1, Hostname: "n1", Enabled: true} // never reported, so not "reporting"
	fs.gpus[1] = []gpu.GPU{{ID: 1, NodeID: 1, Index: 0}}

	sv := New(fs, observability.NewMonitoringService(10), nil, nil, Config{NodeOfflineAfter: time.Minute})
	require.NoError(t, sv.Dispatch(context.Background(), fs.tasks[1]))

	require.Equal(t, gpu.TaskReady, fs.tasks[1].Status)
}

func TestDispatch_SkipsLockedGPUsWhenSelectingCandidates(t *testing.T) {
	fs := newFakeStore()
	now := time.Now()
	fs.tasks[1] = &gpu.Task{ID: 1, Status: gpu.TaskReady, GPUCount: 1}
	fs.nodes[1] = gpu.Node{ID: 1, Hostname: "n1", Enabled: true, LastReportAt: &now}
	// Index 0 is already locked; only index 1 is actually free. A naive
	// ascending-first-N pick over the raw device list would choose index 0
	// and then fail TryLockGPUs, skipping a node that can in fact qualify.
	fs.gpus[1] = []gpu.GPU{{ID: 1, NodeID: 1, Index: 0}, {ID: 2, NodeID: 1, Index: 1}}
	fs.lockedIdx[lockKey(1, 0)] = 999

	sv := New(fs, observability.NewMonitoringService(10), nil, nil, Config{NodeOfflineAfter: time.Minute})
	// The fake has no real SSH endpoint, so the launch itself fails; what
	// this test checks is that node 1 was not skipped outright because of
	// its one locked GPU - the task reaches RUNNING (then FAILED, once the
	// unreachable launch errors out) instead of staying READY via a
	// released claim, which is what the pre-fix ascending-index-only
	// selection would have done.
	err := sv.Dispatch(context.Background(), fs.tasks[1])
	require.Error(t, err)
	require.Equal(t, gpu.TaskFailed, fs.tasks[1].Status)
}

func TestDispatch_PinnedTaskOnlyConsidersAssignedNode(t *testing.T) {
	fs := newFakeStore()
	pinned := int64(2)
	fs.tasks[1] = &gpu.Task{ID: 1, Status: gpu.TaskReady, GPUCount: 1, AssignedNodeID: &pinned}
	// Node 1 is enabled/alive and has a free GPU, but isn't the pinned node.
	now := time.Now()
	fs.nodes[1] = gpu.Node{ID: 1, Hostname: "n1", Enabled: true, LastReportAt: &now}
	fs.gpus[1] = []gpu.GPU{{ID: 1, NodeID: 1, Index: 0}}
	// Node 2 is the pinned node but disabled, so dispatch must still fail
	// rather than silently falling back to node 1.
	fs.nodes[2] = gpu.Node{ID: 2, Hostname: "n2", Enabled: false, LastReportAt: &now}
	fs.gpus[2] = []gpu.GPU{{ID: 2, NodeID: 2, Index: 0}}

	sv := New(fs, observability.NewMonitoringService(10), nil, nil, Config{NodeOfflineAfter: time.Minute})
	require.NoError(t, sv.Dispatch(context.Background(), fs.tasks[1]))

	require.Equal(t, gpu.TaskReady, fs.tasks[1].Status)
	require.Nil(t, fs.tasks[1].DispatchingAt)
}

func TestDispatch_SkipsDisabledNode(t *testing.T) {
	fs := newFakeStore()
	now := time.Now()
	fs.tasks[1] = &gpu.Task{ID: 1, Status: gpu.TaskReady, GPUCount: 1}
	fs.nodes[1] = gpu.Node{ID: 1, Hostname: "n1", Enabled: false, LastReportAt: &now}
	fs.gpus[1] = []gpu.GPU{{ID: 1, NodeID: 1, Index: 0}}

	sv := New(fs, observability.NewMonitoringService(10), nil, nil, Config{NodeOfflineAfter: time.Minute})
	require.NoError(t, sv.Dispatch(context.Background(), fs.tasks[1]))

	require.Equal(t, gpu.TaskReady, fs.tasks[1].Status)
}
