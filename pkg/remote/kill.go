package remote

import (
	"context"
	"fmt"
)

// Kill terminates a running task. It prefers killing the whole process
// group (negative PGID), since the task command may itself have spawned
// children the single PID fallback would leave orphaned. It targets the
// bare PID when no pgid is known, or when the SSH command for the group
// kill could not be run. Each remote command ends in `true`, so a signal the
// node itself rejects is not reported as an error. There is no further local
// fallback: unlike the original (which shelled out to a local ssh binary it
// could kill directly), this client drives one in-process SSH connection,
// so closing client is the caller's own escape hatch once both remote
// attempts fail.
func Kill(ctx context.Context, client *Client, pid, pgid int) error {
	if pgid > 0 {
		cmd := fmt.Sprintf("kill -TERM -%d 2>/dev/null; sleep 1; kill -KILL -%d 2>/dev/null; true", pgid, pgid)
		if _, err := client.Run(ctx, cmd); err == nil {
			return nil
		}
	}
	if pid > 0 {
		cmd := fmt.Sprintf("kill -TERM %d 2>/dev/null; sleep 1; kill -KILL %d 2>/dev/null; true", pid, pid)
		if _, err := client.Run(ctx, cmd); err == nil {
			return nil
		}
	}
	return fmt.Errorf("remote: kill: no pid or pgid to target, or the kill command could not be run")
}
