package agent

import (
	"encoding/json"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/gputasker/gputasker/pkg/api"
)

// runningTaskMetadata is the shape of the marker file the remote launcher
// writes into the running-tasks directory for each dispatched task; see
// the pkg/remote launch script.
type runningTaskMetadata struct {
	RunLogID int64 `json:"run_log_id"`
	PID      int   `json:"pid"`
	PGID     int   `json:"pgid"`
}

// CollectRunningTasks scans dir for task metadata files, reports a
// heartbeat for every one whose PID is still alive, and deletes metadata
// files whose PID has died without the task's own trap having cleaned up
// after itself (e.g. the node was killed mid-run).
func CollectRunningTasks(dir string) ([]api.ReportTask, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var tasks []api.ReportTask
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var meta runningTaskMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}

		if !pidAlive(meta.PID) {
			os.Remove(path)
			continue
		}

		pid, pgid := meta.PID, meta.PGID
		tasks = append(tasks, api.ReportTask{
			RunningLogID: meta.RunLogID,
			RemotePID:    &pid,
			RemotePGID:   &pgid,
		})
	}
	return tasks, nil
}

// pidAlive reports whether pid refers to a live process, using the
// kill(pid, 0) liveness probe the legacy agent and node-lifecycle tooling
// both relied on.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil
}
