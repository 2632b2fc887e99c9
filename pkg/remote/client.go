// Package remote drives task execution on nodes over SSH: pushing and
// restarting the agent binary, launching process-group-isolated workloads,
// and killing them on timeout or loss. Task commands are shipped as
// base64-encoded bytes and decoded on the far end, so they never need to
// survive a local shell's quoting rules; the short fixed helper commands
// (pidfile reads, kill, sha256sum) quote their path arguments with %q.
package remote

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gputasker/gputasker/pkg/gpu"
)

// ClientConfig holds the connection settings shared across every node: the
// private key and timeout. Per-node connection details (host, port, user)
// come from the gpu.Node passed to Dial.
type ClientConfig struct {
	PrivateKeyPath string
	ConnectTimeout time.Duration
}

// Client wraps one SSH connection to a node. It is not safe for concurrent
// use across goroutines that both open sessions and close the client;
// callers should open one Client per in-flight supervisor operation.
type Client struct {
	ssh  *ssh.Client
	Node gpu.Node
}

// Dial opens an SSH connection using public-key authentication, matching
// the legacy deployment's sole supported auth mode.
func Dial(ctx context.Context, cfg ClientConfig, node gpu.Node) (*Client, error) {
	key, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("remote: read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("remote: parse private key: %w", err)
	}

	sshCfg := &ssh.ClientConfig{
		User:            node.SSHUser,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint: a host-key TOFU store is future work
		Timeout:         cfg.ConnectTimeout,
	}

	addr := net.JoinHostPort(node.SSHHost, portOrDefault(node.SSHPort))
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("remote: dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
	if err != nil {
		return nil, fmt.Errorf("remote: handshake %s: %w", addr, err)
	}

	return &Client{ssh: ssh.NewClient(sshConn, chans, reqs), Node: node}, nil
}

func portOrDefault(p int) string {
	if p == 0 {
		p = 22
	}
	return fmt.Sprintf("%d", p)
}

// Close tears down the underlying SSH connection.
func (c *Client) Close() error {
	return c.ssh.Close()
}

// Run executes cmd and returns combined stdout/stderr, with ctx governing
// how long the master will wait before abandoning the session. Abandoning
// the session does not stop the remote command; that is the launcher's and
// kill path's job.
func (c *Client) Run(ctx context.Context, cmd string) (string, error) {
	session, err := c.ssh.NewSession()
	if err != nil {
		return "", fmt.Errorf("remote: new session: %w", err)
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(cmd)
		done <- result{out, err}
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	case r := <-done:
		return string(r.out), r.err
	}
}

// WriteFile uploads content to remotePath by piping it through the
// session's stdin into `cat`, avoiding a dependency on an SFTP subsystem
// that may not be enabled on every node.
func (c *Client) WriteFile(ctx context.Context, remotePath string, content []byte, mode string) error {
	session, err := c.ssh.NewSession()
	if err != nil {
		return fmt.Errorf("remote: new session: %w", err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return fmt.Errorf("remote: stdin pipe: %w", err)
	}

	cmd := fmt.Sprintf("mkdir -p \"$(dirname %q)\" && cat > %q && chmod %s %q", remotePath, remotePath, mode, remotePath)
	if err := session.Start(cmd); err != nil {
		return fmt.Errorf("remote: start write: %w", err)
	}
	if _, err := stdin.Write(content); err != nil {
		return fmt.Errorf("remote: write content: %w", err)
	}
	if err := stdin.Close(); err != nil {
		return fmt.Errorf("remote: close stdin: %w", err)
	}
	return session.Wait()
}
