package remote

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/gputasker/gputasker/pkg/gpu"
)

// UtilizationSmoother keeps a trailing window of recent utilization
// samples per GPU UUID and reports the max of the window, the same
// spike-smoothing the legacy SSH-poll GPU update mode applied before
// comparing a reading against a task's utilization ceiling. Only the
// legacy poll path uses this; the default agent-report mode trusts the
// agent's raw last-reported value, as spec.md requires.
type UtilizationSmoother struct {
	mu      sync.Mutex
	window  int
	samples map[string][]float64
}

// NewUtilizationSmoother builds a smoother retaining the last window
// samples per UUID; window <= 0 defaults to 10, matching the legacy mode's
// fixed trailing-10 window.
func NewUtilizationSmoother(window int) *UtilizationSmoother {
	if window <= 0 {
		window = 10
	}
	return &UtilizationSmoother{window: window, samples: make(map[string][]float64)}
}

// Update records latest for uuid and returns the max of its trailing
// window, including latest.
func (s *UtilizationSmoother) Update(uuid string, latest float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := append(s.samples[uuid], latest)
	if len(buf) > s.window {
		buf = buf[len(buf)-s.window:]
	}
	s.samples[uuid] = buf

	max := buf[0]
	for _, v := range buf[1:] {
		if v > max {
			max = v
		}
	}
	return max
}

// PollGPUsOverSSH runs nvidia-smi on the node over an already-open SSH
// session instead of relying on the agent's push report, the legacy
// GPUTASKER_GPU_UPDATE_MODE=ssh code path. Utilization readings are
// smoothed through smoother before being attached to the returned devices;
// memory figures are not smoothed, matching the original's behavior of
// only trailing-maxing utilization.
func PollGPUsOverSSH(ctx context.Context, client *Client, nodeID int64, smoother *UtilizationSmoother) ([]gpu.GPU, error) {
	out, err := client.Run(ctx, "nvidia-smi --query-gpu=uuid,index,name,utilization.gpu,memory.total,memory.used --format=csv,noheader,nounits")
	if err != nil {
		return nil, err
	}

	var devices []gpu.GPU
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		fields := make([]string, 0, 6)
		for _, f := range strings.Split(line, ",") {
			fields = append(fields, strings.TrimSpace(f))
		}
		if len(fields) != 6 {
			continue
		}

		idx, _ := strconv.Atoi(fields[1])
		rawUtil, _ := strconv.ParseFloat(fields[3], 64)
		memTotal, _ := strconv.ParseUint(fields[4], 10, 64)
		memUsed, _ := strconv.ParseUint(fields[5], 10, 64)

		uuid := fields[0]
		util := rawUtil
		if smoother != nil {
			util = smoother.Update(uuid, rawUtil)
		}

		devices = append(devices, gpu.GPU{
			NodeID:      nodeID,
			UUID:        uuid,
			Index:       idx,
			Name:        fields[2],
			MemoryTotal: memTotal,
			MemoryUsed:  memUsed,
			Utilization: util,
		})
	}
	return devices, nil
}
