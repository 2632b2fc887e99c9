// Package api implements the master's HTTP surface: the two endpoints
// agents push reports to, a JSON health check, and a Prometheus-format
// /metrics endpoint for operators.
package api

// ReportGPUProcess is one process occupying a GPU, as reported by an agent.
type ReportGPUProcess struct {
	PID         int    `json:"pid"`
	Username    string `json:"username"`
	MemoryUsed  uint64 `json:"memory_used"`
	ProcessName string `json:"process_name"`
}

// ReportGPU is one device entry in a /report_gpu/ payload.
type ReportGPU struct {
	UUID        string             `json:"uuid"`
	Index       int                `json:"index"`
	Name        string             `json:"name"`
	Utilization int                `json:"utilization"`
	MemoryTotal uint64             `json:"memory_total"`
	MemoryUsed  uint64             `json:"memory_used"`
	Processes   []ReportGPUProcess `json:"processes"`
}

// ReportGPURequest is the body an agent POSTs to /report_gpu/.
type ReportGPURequest struct {
	Token string      `json:"token"`
	GPUs  []ReportGPU `json:"gpus"`
}

// ReportGPUResponse mirrors the legacy {"ok": ...} envelope.
type ReportGPUResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Updated int    `json:"updated,omitempty"`
}

// ReportTask is one run log heartbeat entry in a /report_tasks/ payload.
type ReportTask struct {
	RunningLogID int64 `json:"running_log_id"`
	RemotePID    *int  `json:"remote_pid,omitempty"`
	RemotePGID   *int  `json:"remote_pgid,omitempty"`
}

// ReportTasksRequest is the body an agent POSTs to /report_tasks/.
type ReportTasksRequest struct {
	Token string       `json:"token"`
	Tasks []ReportTask `json:"tasks"`
}

// ReportTasksResponse mirrors the legacy {"ok", "updated", "revived"} envelope.
type ReportTasksResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Updated int    `json:"updated"`
	Revived int    `json:"revived"`
	TS      int64  `json:"ts"`
}
