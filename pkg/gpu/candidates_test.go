package gpu

import "testing"

func TestAvailableGPUs_ExclusiveRequiresIdle(t *testing.T) {
	gpus := []GPU{
		{Index: 0, MemoryTotal: 16000, MemoryUsed: 1000, Usernames: []string{"alice"}},
		{Index: 1, MemoryTotal: 16000, MemoryUsed: 1000},
		{Index: 2, MemoryTotal: 16000, MemoryUsed: 1000},
	}
	got := AvailableGPUs(gpus, GPURequest{Exclusive: true})
	if len(got) != 2 || got[0].Index != 1 || got[1].Index != 2 {
		t.Fatalf("expected idle GPUs [1,2], got %+v", got)
	}
}

func TestAvailableGPUs_MemoryFilter(t *testing.T) {
	gpus := []GPU{
		{Index: 0, MemoryTotal: 16000, MemoryUsed: 15000}, // 1000 free
		{Index: 1, MemoryTotal: 16000, MemoryUsed: 4000},  // 12000 free
	}
	got := AvailableGPUs(gpus, GPURequest{MemoryRequired: 8000})
	if len(got) != 1 || got[0].Index != 1 {
		t.Fatalf("expected only GPU 1 to qualify, got %+v", got)
	}
}

func TestAvailableGPUs_MaxUsedUtilizationFilter(t *testing.T) {
	gpus := []GPU{
		{Index: 0, Utilization: 95}, // 5% idle headroom
		{Index: 1, Utilization: 40}, // 60% idle headroom
	}
	got := AvailableGPUs(gpus, GPURequest{MaxUsedUtilization: 50})
	if len(got) != 1 || got[0].Index != 1 {
		t.Fatalf("expected only GPU 1 to qualify, got %+v", got)
	}
}

func TestAvailableGPUs_MaxUsedUtilizationZeroIsUnconstrained(t *testing.T) {
	gpus := []GPU{{Index: 0, Utilization: 100}}
	got := AvailableGPUs(gpus, GPURequest{})
	if len(got) != 1 {
		t.Fatalf("expected zero MaxUsedUtilization to admit a fully busy GPU, got %+v", got)
	}
}

func TestSelectGPUs_AscendingFirstN(t *testing.T) {
	gpus := []GPU{
		{Index: 3},
		{Index: 1},
		{Index: 0},
		{Index: 2},
	}
	got := SelectGPUs(gpus, GPURequest{Count: 2})
	if len(got) != 2 || got[0].Index != 0 || got[1].Index != 1 {
		t.Fatalf("expected ascending-first-2 selection [0,1], got %+v", got)
	}
}

func TestSelectGPUs_InsufficientCandidates(t *testing.T) {
	gpus := []GPU{{Index: 0}}
	if got := SelectGPUs(gpus, GPURequest{Count: 2}); got != nil {
		t.Fatalf("expected nil when not enough GPUs qualify, got %+v", got)
	}
}

func TestSelectGPUs_ZeroCount(t *testing.T) {
	gpus := []GPU{{Index: 0}}
	if got := SelectGPUs(gpus, GPURequest{Count: 0}); got != nil {
		t.Fatalf("expected nil for zero count, got %+v", got)
	}
}
