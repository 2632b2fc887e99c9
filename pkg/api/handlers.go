package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/gputasker/gputasker/pkg/gpu"
	"github.com/gputasker/gputasker/pkg/observability"
	"github.com/gputasker/gputasker/pkg/store"
)

// Server exposes the master's HTTP surface: the two agent report
// endpoints and the operator-facing JSON health check (NewRouter mounts the
// Prometheus /metrics handler beside them).
type Server struct {
	Store      store.Store
	Liveness   *store.LivenessCache // optional: front-line liveness marker, read by the scheduler's hot loop
	Monitoring *observability.MonitoringService
	Tracing    *observability.TracingService
	Now        func() time.Time
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ReportGPU handles POST /api/v1/report_gpu/: agents push their current
// device inventory here on every poll interval. Authentication is a
// per-node bearer token carried in the JSON body, matching the agent's
// historical request shape rather than an Authorization header.
func (s *Server) ReportGPU(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, span := s.trace(r.Context(), "report_gpu")
	defer span.End()

	var req ReportGPURequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ReportGPUResponse{OK: false, Error: "invalid_json"})
		return
	}
	if req.Token == "" {
		writeJSON(w, http.StatusUnauthorized, ReportGPUResponse{OK: false, Error: "missing_token"})
		return
	}
	if req.GPUs == nil {
		writeJSON(w, http.StatusBadRequest, ReportGPUResponse{OK: false, Error: "missing_gpus"})
		return
	}

	node, err := s.Store.GetNodeByToken(ctx, req.Token)
	if err != nil {
		writeJSON(w, http.StatusForbidden, ReportGPUResponse{OK: false, Error: "invalid_token"})
		return
	}

	now := s.now()
	if err := s.Store.TouchNodeReport(ctx, node.ID, now); err != nil {
		writeJSON(w, http.StatusInternalServerError, ReportGPUResponse{OK: false, Error: "store_error"})
		return
	}
	s.markAlive(ctx, node.ID, now)

	gpus := make([]gpu.GPU, 0, len(req.GPUs))
	for _, g := range req.GPUs {
		if g.UUID == "" {
			continue
		}
		usernames := make([]string, 0)
		seen := make(map[string]bool)
		for _, p := range g.Processes {
			if p.Username != "" && !seen[p.Username] {
				seen[p.Username] = true
				usernames = append(usernames, p.Username)
			}
		}
		gpus = append(gpus, gpu.GPU{
			NodeID:      node.ID,
			UUID:        g.UUID,
			Index:       g.Index,
			Name:        g.Name,
			MemoryTotal: g.MemoryTotal,
			MemoryUsed:  g.MemoryUsed,
			Utilization: float64(g.Utilization),
			Usernames:   usernames,
		})
	}

	if err := s.Store.ReplaceNodeGPUs(ctx, node.ID, gpus); err != nil {
		writeJSON(w, http.StatusInternalServerError, ReportGPUResponse{OK: false, Error: "store_error"})
		return
	}

	writeJSON(w, http.StatusOK, ReportGPUResponse{OK: true, Updated: len(gpus)})
}

// ReportTasks handles POST /api/v1/report_tasks/: agents push a heartbeat
// for every run log they believe is still active on the node. A heartbeat
// is only accepted when running_log.node_id matches the authenticated
// node, preventing one node from spoofing liveness for another node's task.
func (s *Server) ReportTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, span := s.trace(r.Context(), "report_tasks")
	defer span.End()

	var req ReportTasksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ReportTasksResponse{OK: false, Error: "invalid_json"})
		return
	}
	if req.Token == "" {
		writeJSON(w, http.StatusUnauthorized, ReportTasksResponse{OK: false, Error: "missing_token"})
		return
	}
	if req.Tasks == nil {
		writeJSON(w, http.StatusBadRequest, ReportTasksResponse{OK: false, Error: "missing_tasks"})
		return
	}

	node, err := s.Store.GetNodeByToken(ctx, req.Token)
	if err != nil {
		writeJSON(w, http.StatusForbidden, ReportTasksResponse{OK: false, Error: "invalid_token"})
		return
	}

	now := s.now()
	_ = s.Store.TouchNodeReport(ctx, node.ID, now)
	s.markAlive(ctx, node.ID, now)

	updated, revived := 0, 0
	for _, item := range req.Tasks {
		rl, err := s.Store.GetRunLog(ctx, item.RunningLogID)
		if err != nil {
			continue
		}
		if rl.NodeID != node.ID {
			continue // cross-node heartbeat spoofing
		}

		_ = s.Store.UpdateRunLogHeartbeat(ctx, rl.ID, now)

		if rl.RemotePID == 0 && item.RemotePID != nil {
			_ = s.Store.UpdateRunLogPIDs(ctx, rl.ID, *item.RemotePID, rl.RemotePGID)
		}
		if rl.RemotePGID == 0 && item.RemotePGID != nil {
			pid := rl.RemotePID
			if item.RemotePID != nil {
				pid = *item.RemotePID
			}
			_ = s.Store.UpdateRunLogPIDs(ctx, rl.ID, pid, *item.RemotePGID)
		}

		wasRevived, err := s.Store.ReviveIfLost(ctx, rl.ID)
		if err == nil && wasRevived {
			revived++
			task, err := s.Store.GetTask(ctx, rl.TaskID)
			if err == nil && task.Status == gpu.TaskLost {
				_ = s.Store.TransitionTaskStatus(ctx, task.ID, gpu.TaskLost, gpu.TaskRunning)
			}
		}

		updated++
	}

	writeJSON(w, http.StatusOK, ReportTasksResponse{OK: true, Updated: updated, Revived: revived, TS: now.Unix()})
}

// Health reports basic liveness plus a summary of recent events.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"health": s.Monitoring.GetSystemHealth(),
	})
}

// markAlive refreshes the Redis liveness marker a report just proved true.
// Failures here are logged nowhere on purpose: Postgres' LastReportAt
// column, already written above, remains the source of truth, and the
// cache is a latency optimization for the scheduler's hot loop, not a
// durability boundary.
func (s *Server) markAlive(ctx context.Context, nodeID int64, at time.Time) {
	if s.Liveness == nil {
		return
	}
	_ = s.Liveness.MarkAlive(ctx, nodeID, at)
}

func (s *Server) trace(ctx context.Context, op string) (context.Context, oteltrace.Span) {
	if s.Tracing == nil {
		return ctx, oteltrace.SpanFromContext(ctx)
	}
	return s.Tracing.TraceAPIRequest(ctx, "POST", "/"+op+"/")
}
