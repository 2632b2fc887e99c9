package agent

import (
	"context"
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/gputasker/gputasker/pkg/api"
)

// NVMLProbe collects GPU state directly through the NVIDIA Management
// Library instead of shelling out to nvidia-smi, avoiding a CLI-parsing
// dependency on nodes where the driver package doesn't ship the binary (or
// where spawning a subprocess every report interval is itself undesirable).
// It is opt-in via AgentConfig.NVMLEnabled since it requires the NVML
// shared library to be present on the host.
type NVMLProbe struct{}

func (NVMLProbe) CollectGPUs(ctx context.Context) ([]api.ReportGPU, error) {
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return nil, fmt.Errorf("agent: nvml init: %v", nvml.ErrorString(ret))
	}
	defer nvml.Shutdown()

	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("agent: nvml device count: %v", nvml.ErrorString(ret))
	}

	usernameByPID := pidUsernames(ctx)
	result := make([]api.ReportGPU, 0, count)
	for i := 0; i < count; i++ {
		device, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			continue
		}

		uuid, _ := device.GetUUID()
		name, _ := device.GetName()

		memInfo, ret := device.GetMemoryInfo()
		if ret != nvml.SUCCESS {
			continue
		}
		util, _ := device.GetUtilizationRates()

		report := api.ReportGPU{
			UUID:        uuid,
			Index:       i,
			Name:        name,
			Utilization: int(util.Gpu),
			MemoryTotal: memInfo.Total / (1024 * 1024),
			MemoryUsed:  memInfo.Used / (1024 * 1024),
			Processes:   nvmlProcesses(device, usernameByPID),
		}
		result = append(result, report)
	}
	return result, nil
}

func nvmlProcesses(device nvml.Device, usernameByPID map[int]string) []api.ReportGPUProcess {
	infos, ret := device.GetComputeRunningProcesses()
	if ret != nvml.SUCCESS {
		return []api.ReportGPUProcess{}
	}
	out := make([]api.ReportGPUProcess, 0, len(infos))
	for _, p := range infos {
		pid := int(p.Pid)
		out = append(out, api.ReportGPUProcess{
			PID:        pid,
			Username:   usernameByPID[pid],
			MemoryUsed: p.UsedGpuMemory / (1024 * 1024),
		})
	}
	return out
}
