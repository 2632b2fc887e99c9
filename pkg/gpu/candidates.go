package gpu

import "sort"

// AvailableGPUs filters a node's GPU inventory down to the devices that
// satisfy req, in ascending index order. A GPU qualifies when:
//   - Exclusive requests require the device to be completely idle
//     (no usernames currently attached to it).
//   - Non-exclusive requests only require enough free memory, and
//     tolerate other processes already resident on the device.
//   - (100 - utilization) >= req.MaxUsedUtilization, i.e. the device has
//     enough idle compute headroom left for the task.
//
// Callers are responsible for excluding GPUs already held under a gpu_lock
// before calling this; AvailableGPUs only applies the per-device attribute
// filters above.
func AvailableGPUs(gpus []GPU, req GPURequest) []GPU {
	candidates := make([]GPU, 0, len(gpus))
	for _, g := range gpus {
		if req.Exclusive && !g.IsIdle() {
			continue
		}
		if req.MemoryRequired > 0 && g.MemoryFree() < req.MemoryRequired {
			continue
		}
		if req.MaxUsedUtilization > 0 && (100-g.Utilization) < req.MaxUsedUtilization {
			continue
		}
		candidates = append(candidates, g)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Index < candidates[j].Index })
	return candidates
}

// SelectGPUs returns the first req.Count qualifying GPUs in ascending index
// order, or nil if the node cannot satisfy the request. The ascending-index,
// first-N rule is deliberate: it keeps allocations deterministic and
// reproducible across scheduling attempts instead of load-balancing across
// the device set.
func SelectGPUs(gpus []GPU, req GPURequest) []GPU {
	if req.Count <= 0 {
		return nil
	}
	candidates := AvailableGPUs(gpus, req)
	if len(candidates) < req.Count {
		return nil
	}
	return candidates[:req.Count]
}

// Indexes extracts the Index field of each GPU, preserving order.
func Indexes(gpus []GPU) []int {
	out := make([]int, len(gpus))
	for i, g := range gpus {
		out[i] = g.Index
	}
	return out
}
