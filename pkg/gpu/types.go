// Package gpu holds the domain model shared by the master and the agent:
// node and GPU inventory, tasks, and run logs.
package gpu

import "time"

// NodeStatus is derived by the master from heartbeat freshness, never stored.
type NodeStatus string

const (
	NodeAlive NodeStatus = "alive"
	NodeDead  NodeStatus = "dead"
)

// Node is a machine the master can dispatch work to over SSH.
type Node struct {
	ID           int64
	Hostname     string
	SSHHost      string
	SSHPort      int
	SSHUser      string
	ReportToken  string
	Enabled      bool
	LastReportAt *time.Time
	CreatedAt    time.Time
}

// IsReporting returns true if the node has reported within maxAge of now.
func (n *Node) IsReporting(now time.Time, maxAge time.Duration) bool {
	if n.LastReportAt == nil {
		return false
	}
	return now.Sub(*n.LastReportAt) <= maxAge
}

// GPU is one physical device on a Node, upserted from agent reports by UUID.
type GPU struct {
	ID          int64
	NodeID      int64
	UUID        string
	Index       int
	Name        string
	MemoryTotal uint64 // MiB
	MemoryUsed  uint64 // MiB
	Utilization float64
	Usernames   []string // distinct owners of processes currently on the device
	UpdatedAt   time.Time
}

// MemoryFree returns the unused device memory in MiB.
func (g *GPU) MemoryFree() uint64 {
	if g.MemoryUsed >= g.MemoryTotal {
		return 0
	}
	return g.MemoryTotal - g.MemoryUsed
}

// IsIdle reports whether no process currently occupies the device.
func (g *GPU) IsIdle() bool {
	return len(g.Usernames) == 0
}

// TaskStatus mirrors the legacy numeric status codes in the data store;
// the Go layer uses named constants but persists the same integers.
type TaskStatus int

const (
	TaskUnready TaskStatus = -2
	TaskFailed  TaskStatus = -1
	TaskLost    TaskStatus = -4
	TaskReady   TaskStatus = 0
	TaskRunning TaskStatus = 1
	TaskDone    TaskStatus = 2
)

// IsTerminal reports whether status can no longer transition on its own.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskFailed || s == TaskDone
}

func (s TaskStatus) String() string {
	switch s {
	case TaskUnready:
		return "unready"
	case TaskFailed:
		return "failed"
	case TaskLost:
		return "lost"
	case TaskReady:
		return "ready"
	case TaskRunning:
		return "running"
	case TaskDone:
		return "done"
	default:
		return "unknown"
	}
}

// Task is one unit of submitted work.
type Task struct {
	ID                 int64
	Name               string
	Cmd                string
	Priority           int
	GPUCount           int
	ExclusiveGPU       bool
	MemoryRequired     uint64  // MiB required per GPU, 0 means unconstrained
	MaxUsedUtilization float64 // a GPU qualifies only if (100 - its utilization) >= this, 0 means unconstrained
	Workspace          string  // remote directory the task is launched from; falls back to the supervisor's default when empty
	AssignedNodeID     *int64  // pinned node; when set, Dispatch only considers this node
	Status             TaskStatus
	DispatchingAt      *time.Time // claim lease: set when a worker takes the task off the ready queue
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// RunLogStatus tracks the lifecycle of one dispatch attempt for a Task.
type RunLogStatus string

const (
	RunLogRunning RunLogStatus = "running"
	RunLogDone    RunLogStatus = "done"
	RunLogFailed  RunLogStatus = "failed"
	RunLogLost    RunLogStatus = "lost"
)

// RunLog records a single dispatch of a Task onto a Node.
type RunLog struct {
	ID               int64
	TaskID           int64
	NodeID           int64
	GPUIndexes       []int // CSV in storage, e.g. "0,1"
	LocalSSHPID      int
	RemotePID        int
	RemotePGID       int
	LogFilePath      string
	Status           RunLogStatus
	LastHeartbeatAt  *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// GPURequest describes what a Task needs from the node/GPU candidate pool.
type GPURequest struct {
	Count              int
	Exclusive          bool
	MemoryRequired     uint64
	MaxUsedUtilization float64
}
