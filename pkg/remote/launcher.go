package remote

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/ssh"
)

// markerPrefix opens every launch's first stdout line, giving the master a
// fixed-format signal to scan for instead of parsing arbitrary program
// output for the remote PID/PGID.
const markerPrefix = "__GPUTASKER_REMOTE__"

// LaunchSpec describes one task dispatch to a node.
type LaunchSpec struct {
	RunLogID          int64
	Cmd               string
	GPUIndexes        []int
	WorkDir           string
	LogFilePath       string
	RunningTasksDir   string // where the agent's metadata file is written, scanned by the agent for heartbeats
}

// RemoteProcess is a launched, still-running (or just-finished) task on a
// node, as observed through one live SSH session.
type RemoteProcess struct {
	PID     int
	PGID    int
	session *ssh.Session
	done    chan error
}

// Wait blocks until the remote command's SSH session completes.
func (p *RemoteProcess) Wait() error {
	return <-p.done
}

// Launch starts spec.Cmd on the node behind client inside its own process
// group (via setsid), synchronously reads the marker line the remote script
// emits before exec'ing the task command, and begins draining the
// remainder of the task's own output (redirected to spec.LogFilePath on the
// remote side, not streamed back) in the background.
//
// The launch script is shipped as two independently base64-encoded blobs:
// the control script (setsid, marker emission, metadata bookkeeping) and
// the task command itself, so neither one has to survive a local shell's
// quoting rules — a problem the legacy ssh-cmd-string approach ran into
// whenever a task command contained its own quotes.
func Launch(ctx context.Context, client *Client, spec LaunchSpec) (*RemoteProcess, error) {
	session, err := client.ssh.NewSession()
	if err != nil {
		return nil, fmt.Errorf("remote: new session: %w", err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("remote: stdout pipe: %w", err)
	}

	script := buildLaunchScript(spec)
	encoded := base64.StdEncoding.EncodeToString([]byte(script))
	cmd := fmt.Sprintf("echo %s | base64 -d | bash", encoded)

	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, fmt.Errorf("remote: start launch: %w", err)
	}

	reader := bufio.NewReader(stdout)
	line, err := readLineWithContext(ctx, reader)
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("remote: read marker: %w", err)
	}

	pid, pgid, err := parseMarker(line)
	if err != nil {
		session.Close()
		return nil, err
	}

	done := make(chan error, 1)
	go func() {
		io.Copy(io.Discard, reader) // drain whatever trickles back over the SSH channel before it closes
		done <- session.Wait()
		session.Close()
	}()

	return &RemoteProcess{PID: pid, PGID: pgid, session: session, done: done}, nil
}

func readLineWithContext(ctx context.Context, r *bufio.Reader) (string, error) {
	type result struct {
		line string
		err  error
	}
	out := make(chan result, 1)
	go func() {
		line, err := r.ReadString('\n')
		out <- result{line, err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-out:
		return res.line, res.err
	}
}

// parseMarker extracts pid and pgid from a line shaped like:
// "__GPUTASKER_REMOTE__ pid=1234 pgid=1234\n"
func parseMarker(line string) (pid, pgid int, err error) {
	line = strings.TrimSpace(line)
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != markerPrefix {
		return 0, 0, fmt.Errorf("remote: unexpected marker line %q", line)
	}
	pid, err = parseKV(fields[1], "pid")
	if err != nil {
		return 0, 0, err
	}
	pgid, err = parseKV(fields[2], "pgid")
	if err != nil {
		return 0, 0, err
	}
	return pid, pgid, nil
}

func parseKV(field, key string) (int, error) {
	prefix := key + "="
	if !strings.HasPrefix(field, prefix) {
		return 0, fmt.Errorf("remote: marker field %q missing %s=", field, key)
	}
	return strconv.Atoi(strings.TrimPrefix(field, prefix))
}

func buildLaunchScript(spec LaunchSpec) string {
	gpuList := make([]string, len(spec.GPUIndexes))
	for i, g := range spec.GPUIndexes {
		gpuList[i] = strconv.Itoa(g)
	}
	cudaVisible := strings.Join(gpuList, ",")
	cmdB64 := base64.StdEncoding.EncodeToString([]byte(spec.Cmd))
	metadataFile := fmt.Sprintf("%s/%d.json", spec.RunningTasksDir, spec.RunLogID)

	var b strings.Builder
	fmt.Fprintf(&b, "mkdir -p %q %q\n", spec.WorkDir, spec.RunningTasksDir)
	fmt.Fprintf(&b, "export CUDA_VISIBLE_DEVICES=%q\n", cudaVisible)
	fmt.Fprintf(&b, "cd %q\n", spec.WorkDir)
	// Run the setsid child in the foreground: backgrounding it with `&` and
	// `disown` (the previous approach) meant this outer bash exited as soon
	// as the marker echo was queued, since a bare `wait` does not block on a
	// disowned job. That made the SSH session (and RemoteProcess.Wait) exit
	// while the task was still running. Running it as the last foreground
	// command keeps the session open for exactly the task's lifetime.
	b.WriteString("exec setsid bash -c '\n")
	fmt.Fprintf(&b, "trap \"rm -f %s\" EXIT\n", metadataFile)
	b.WriteString("pgid=$(ps -o pgid= -p $$ | tr -d \" \")\n")
	fmt.Fprintf(&b, "echo \"%s pid=$$ pgid=$pgid\"\n", markerPrefix)
	fmt.Fprintf(&b, `printf "{\"run_log_id\":%d,\"pid\":%%s,\"pgid\":%%s}" "$$" "$pgid" > %s`+"\n", spec.RunLogID, metadataFile)
	fmt.Fprintf(&b, "bash -c \"$(echo %s | base64 -d)\" >> %q 2>&1\n", cmdB64, spec.LogFilePath)
	b.WriteString("'\n")
	return b.String()
}
