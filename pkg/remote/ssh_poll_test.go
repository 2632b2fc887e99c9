package remote

import "testing"

func TestUtilizationSmoother_TracksTrailingMax(t *testing.T) {
	s := NewUtilizationSmoother(3)

	if got := s.Update("gpu-1", 10); got != 10 {
		t.Fatalf("expected 10, got %v", got)
	}
	if got := s.Update("gpu-1", 5); got != 10 {
		t.Fatalf("expected max to stay 10, got %v", got)
	}
	if got := s.Update("gpu-1", 2); got != 10 {
		t.Fatalf("expected max to stay 10, got %v", got)
	}
	// window is now full at 3 samples (10,5,2); next push evicts the 10.
	if got := s.Update("gpu-1", 1); got != 5 {
		t.Fatalf("expected oldest sample to be evicted, got %v", got)
	}
}

func TestUtilizationSmoother_TracksPerUUID(t *testing.T) {
	s := NewUtilizationSmoother(10)
	s.Update("gpu-1", 80)
	s.Update("gpu-2", 20)

	if got := s.Update("gpu-2", 30); got != 30 {
		t.Fatalf("expected gpu-2 max 30, got %v", got)
	}
}
