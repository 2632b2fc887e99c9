package remote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// PushMode controls when PushAgent actually uploads a new binary.
type PushMode string

const (
	// PushIfMissing only uploads when the remote file does not exist yet.
	PushIfMissing PushMode = "missing"
	// PushIfChanged uploads when the remote file is missing or its content
	// hash differs from the local binary.
	PushIfChanged PushMode = "update"
	// PushAlways re-uploads unconditionally, used to self-heal a node whose
	// remote hash check itself is failing for an unexpected reason.
	PushAlways PushMode = "always"
)

// PushAgent ensures the agent binary at remotePath matches binary's
// content, gated by mode. It hashes locally and compares against a remote
// sha256sum, uploading only when necessary so a restart loop doesn't
// re-push megabytes to every node on every tick.
func PushAgent(ctx context.Context, client *Client, remotePath string, binary []byte, mode PushMode) (pushed bool, err error) {
	localSum := sha256.Sum256(binary)
	localHash := hex.EncodeToString(localSum[:])

	if mode != PushAlways {
		out, runErr := client.Run(ctx, fmt.Sprintf("sha256sum %q 2>/dev/null || true", remotePath))
		remoteHash := strings.Fields(out)
		present := runErr == nil && len(remoteHash) > 0

		switch mode {
		case PushIfMissing:
			if present {
				return false, nil
			}
		case PushIfChanged:
			if present && remoteHash[0] == localHash {
				return false, nil
			}
		}
	}

	if err := client.WriteFile(ctx, remotePath, binary, "0755"); err != nil {
		return false, fmt.Errorf("remote: push agent: %w", err)
	}
	return true, nil
}

// FillHostname runs `hostname` on the node and returns its trimmed output.
// Callers should only invoke this the first time a node is seen with an
// empty Hostname field: there is no reason to pay an extra SSH round trip
// once a node's hostname is already known.
func FillHostname(ctx context.Context, client *Client) (string, error) {
	out, err := client.Run(ctx, "hostname")
	if err != nil {
		return "", fmt.Errorf("remote: hostname: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// AgentEnv renders the agent.env file content the node-side agent reads its
// configuration from.
func AgentEnv(masterURL, reportToken string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "GPUTASKER_AGENT_MASTER_URL=%s\n", masterURL)
	fmt.Fprintf(&b, "GPUTASKER_AGENT_REPORT_TOKEN=%s\n", reportToken)
	return []byte(b.String())
}

// StartResult reports what StartAgent observed and did.
type StartResult struct {
	AlreadyRunning bool
	PID            int
}

// StartAgent (re)writes agent.env and starts the agent daemon on the node
// if a pidfile-recorded process isn't already alive. Rewriting agent.env
// unconditionally (rather than only on first install) keeps a rotated
// report token in sync even when the binary itself doesn't need updating.
func StartAgent(ctx context.Context, client *Client, remoteDir, binaryPath, masterURL, reportToken string) (*StartResult, error) {
	envPath := remoteDir + "/agent.env"
	if err := client.WriteFile(ctx, envPath, AgentEnv(masterURL, reportToken), "0600"); err != nil {
		return nil, fmt.Errorf("remote: write agent.env: %w", err)
	}

	pidFile := remoteDir + "/agent.pid"
	out, err := client.Run(ctx, fmt.Sprintf("cat %q 2>/dev/null", pidFile))
	if err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(out)); perr == nil && pid > 0 {
			aliveOut, _ := client.Run(ctx, fmt.Sprintf("kill -0 %d 2>/dev/null && echo alive || true", pid))
			if strings.TrimSpace(aliveOut) == "alive" {
				return &StartResult{AlreadyRunning: true, PID: pid}, nil
			}
		}
	}

	cmd := fmt.Sprintf(
		"cd %q && set -a && . ./agent.env && set +a && setsid %q > agent.log 2>&1 < /dev/null & echo $! > %q; disown",
		remoteDir, binaryPath, pidFile)
	if _, err := client.Run(ctx, cmd); err != nil {
		return nil, fmt.Errorf("remote: start agent: %w", err)
	}

	out, err = client.Run(ctx, fmt.Sprintf("cat %q 2>/dev/null", pidFile))
	if err != nil {
		return nil, fmt.Errorf("remote: read new pidfile: %w", err)
	}
	pid, _ := strconv.Atoi(strings.TrimSpace(out))
	return &StartResult{PID: pid}, nil
}

// StopAgent signals the agent daemon to exit using the pidfile it wrote at
// start. Killing the recorded PID (not a process-group) is deliberate: the
// agent is a single lightweight process, not a task that forks workers.
func StopAgent(ctx context.Context, client *Client, remoteDir string) error {
	pidFile := remoteDir + "/agent.pid"
	out, err := client.Run(ctx, fmt.Sprintf("cat %q 2>/dev/null", pidFile))
	if err != nil || strings.TrimSpace(out) == "" {
		return nil
	}
	pid, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return nil
	}
	_, err = client.Run(ctx, fmt.Sprintf("kill -TERM %d 2>/dev/null; rm -f %q; true", pid, pidFile))
	return err
}

// RestartAgent stops then starts the agent daemon.
func RestartAgent(ctx context.Context, client *Client, remoteDir, binaryPath, masterURL, reportToken string) (*StartResult, error) {
	if err := StopAgent(ctx, client, remoteDir); err != nil {
		return nil, err
	}
	return StartAgent(ctx, client, remoteDir, binaryPath, masterURL, reportToken)
}
