package agent

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gputasker/gputasker/pkg/api"
)

type fakeProbe struct {
	gpus []api.ReportGPU
	err  error
}

func (f fakeProbe) CollectGPUs(ctx context.Context) ([]api.ReportGPU, error) {
	return f.gpus, f.err
}

func TestDaemon_ExitsCleanlyOnTokenRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	d := &Daemon{
		Config:   Config{ReportInterval: 10 * time.Millisecond, RunningTasksDir: t.TempDir(), MaxConsecutiveFails: 5},
		Probe:    fakeProbe{gpus: []api.ReportGPU{}},
		Reporter: NewReporter(srv.URL, "bad-token", time.Second),
	}

	err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("expected clean exit on token rejection, got %v", err)
	}
}

func TestDaemon_ExitsWithErrorAfterMaxConsecutiveFails(t *testing.T) {
	d := &Daemon{
		Config:   Config{ReportInterval: time.Millisecond, RunningTasksDir: t.TempDir(), MaxConsecutiveFails: 3},
		Probe:    fakeProbe{err: errors.New("nvidia-smi not found")},
		Reporter: NewReporter("http://127.0.0.1:0", "token", 10*time.Millisecond),
	}

	err := d.Run(context.Background())
	if err == nil {
		t.Fatal("expected an error after exceeding max consecutive fails")
	}
}

func TestDaemon_StopsOnContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		Config:   Config{ReportInterval: 5 * time.Millisecond, RunningTasksDir: t.TempDir(), MaxConsecutiveFails: 100},
		Probe:    fakeProbe{gpus: []api.ReportGPU{}},
		Reporter: NewReporter(srv.URL, "token", time.Second),
	}

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("daemon did not stop after context cancellation")
	}
}
