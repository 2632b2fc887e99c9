// Package agent implements the on-node daemon: it polls local GPU state
// and running-task metadata and pushes both to the master at a fixed
// interval, the same responsibility the legacy Python agent had.
package agent

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/gputasker/gputasker/pkg/api"
)

// Probe collects the local GPU inventory. The default implementation shells
// out to nvidia-smi; an NVML-backed implementation (nvml_probe.go) is
// selected at runtime when the agent config enables NVML.
type Probe interface {
	CollectGPUs(ctx context.Context) ([]api.ReportGPU, error)
}

// NvidiaSMIProbe collects GPU state via the nvidia-smi CLI, the same tool
// used across the corpus wherever a probe needs device state without
// binding to the CUDA driver API directly.
type NvidiaSMIProbe struct{}

func (NvidiaSMIProbe) CollectGPUs(ctx context.Context) ([]api.ReportGPU, error) {
	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=uuid,index,name,utilization.gpu,memory.total,memory.used",
		"--format=csv,noheader,nounits",
	).Output()
	if err != nil {
		return nil, fmt.Errorf("agent: nvidia-smi query-gpu: %w", err)
	}

	gpus := make(map[string]*api.ReportGPU)
	order := make([]string, 0)
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		fields := splitCSVLine(line)
		if len(fields) != 6 {
			continue
		}
		idx, _ := strconv.Atoi(fields[1])
		util, _ := strconv.Atoi(fields[3])
		memTotal, _ := strconv.ParseUint(fields[4], 10, 64)
		memUsed, _ := strconv.ParseUint(fields[5], 10, 64)

		uuid := fields[0]
		gpus[uuid] = &api.ReportGPU{
			UUID:        uuid,
			Index:       idx,
			Name:        fields[2],
			Utilization: util,
			MemoryTotal: memTotal,
			MemoryUsed:  memUsed,
			Processes:   []api.ReportGPUProcess{},
		}
		order = append(order, uuid)
	}

	procs, err := collectComputeApps(ctx)
	if err == nil {
		for uuid, ps := range procs {
			if g, ok := gpus[uuid]; ok {
				g.Processes = ps
			}
		}
	}

	result := make([]api.ReportGPU, 0, len(order))
	for _, uuid := range order {
		result = append(result, *gpus[uuid])
	}
	return result, nil
}

// collectComputeApps queries the processes currently resident on each
// device and joins in the owning username via ps, the same join the legacy
// agent performed since nvidia-smi itself doesn't report usernames.
func collectComputeApps(ctx context.Context) (map[string][]api.ReportGPUProcess, error) {
	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-compute-apps=gpu_uuid,pid,used_memory,process_name",
		"--format=csv,noheader,nounits",
	).Output()
	if err != nil {
		return nil, fmt.Errorf("agent: nvidia-smi query-compute-apps: %w", err)
	}

	usernameByPID := pidUsernames(ctx)

	result := make(map[string][]api.ReportGPUProcess)
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		fields := splitCSVLine(line)
		if len(fields) != 4 {
			continue
		}
		uuid := fields[0]
		pid, _ := strconv.Atoi(fields[1])
		memUsed, _ := strconv.ParseUint(fields[2], 10, 64)

		result[uuid] = append(result[uuid], api.ReportGPUProcess{
			PID:         pid,
			Username:    usernameByPID[pid],
			MemoryUsed:  memUsed,
			ProcessName: fields[3],
		})
	}
	return result, nil
}

// pidUsernames shells out to ps once for the whole process table rather
// than once per PID, keeping the probe interval cheap on busy nodes.
func pidUsernames(ctx context.Context) map[int]string {
	out, err := exec.CommandContext(ctx, "ps", "-eo", "pid,user").Output()
	if err != nil {
		return nil
	}
	result := make(map[int]string)
	lines := strings.Split(string(out), "\n")
	for _, line := range lines[1:] { // skip header
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) != 2 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		result[pid] = fields[1]
	}
	return result
}

func splitCSVLine(line string) []string {
	parts := strings.Split(line, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
