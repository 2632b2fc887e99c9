package agent

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func writeMeta(t *testing.T, dir string, name string, meta runningTaskMetadata) {
	t.Helper()
	data, err := json.Marshal(meta)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestCollectRunningTasks_SkipsDeadPIDAndRemovesFile(t *testing.T) {
	dir := t.TempDir()
	// pid 1 in a test sandbox is virtually guaranteed to exist and not be killable by us;
	// use a pid that is extremely unlikely to be alive instead.
	deadPID := 999999
	writeMeta(t, dir, "1.json", runningTaskMetadata{RunLogID: 1, PID: deadPID, PGID: deadPID})

	tasks, err := CollectRunningTasks(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected no tasks for a dead pid, got %+v", tasks)
	}
	if _, err := os.Stat(filepath.Join(dir, "1.json")); !os.IsNotExist(err) {
		t.Fatal("expected stale metadata file to be removed")
	}
}

func TestCollectRunningTasks_ReportsLivePID(t *testing.T) {
	dir := t.TempDir()
	selfPID := unix.Getpid()
	writeMeta(t, dir, "2.json", runningTaskMetadata{RunLogID: 2, PID: selfPID, PGID: selfPID})

	tasks, err := CollectRunningTasks(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tasks) != 1 || tasks[0].RunningLogID != 2 {
		t.Fatalf("expected one task for run log 2, got %+v", tasks)
	}
}

func TestCollectRunningTasks_EmptyDirWhenMissing(t *testing.T) {
	tasks, err := CollectRunningTasks(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tasks != nil {
		t.Fatalf("expected nil tasks, got %+v", tasks)
	}
}
