package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gputasker/gputasker/pkg/gpu"
)

// Postgres is the Store implementation backing the master's persistent
// state. Every multi-statement operation runs inside a single transaction
// so the atomic primitives the scheduler and supervisor depend on are
// enforced by the database, not by in-process locks.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to dsn and verifies the connection with a ping.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() { p.pool.Close() }

func (p *Postgres) UpsertNode(ctx context.Context, n *gpu.Node) error {
	const q = `
INSERT INTO nodes (hostname, ssh_host, ssh_port, ssh_user, report_token, enabled)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (hostname) DO UPDATE SET
	ssh_host = EXCLUDED.ssh_host,
	ssh_port = EXCLUDED.ssh_port,
	ssh_user = EXCLUDED.ssh_user,
	enabled  = EXCLUDED.enabled
RETURNING id, created_at`
	return p.pool.QueryRow(ctx, q, n.Hostname, n.SSHHost, n.SSHPort, n.SSHUser, n.ReportToken, n.Enabled).
		Scan(&n.ID, &n.CreatedAt)
}

func (p *Postgres) GetNode(ctx context.Context, id int64) (*gpu.Node, error) {
	const q = `SELECT id, hostname, ssh_host, ssh_port, ssh_user, report_token, enabled, last_report_at, created_at
		FROM nodes WHERE id = $1`
	n := &gpu.Node{}
	err := p.pool.QueryRow(ctx, q, id).Scan(
		&n.ID, &n.Hostname, &n.SSHHost, &n.SSHPort, &n.SSHUser, &n.ReportToken, &n.Enabled, &n.LastReportAt, &n.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	return n, err
}

func (p *Postgres) GetNodeByToken(ctx context.Context, token string) (*gpu.Node, error) {
	const q = `SELECT id, hostname, ssh_host, ssh_port, ssh_user, report_token, enabled, last_report_at, created_at
		FROM nodes WHERE report_token = $1`
	n := &gpu.Node{}
	err := p.pool.QueryRow(ctx, q, token).Scan(
		&n.ID, &n.Hostname, &n.SSHHost, &n.SSHPort, &n.SSHUser, &n.ReportToken, &n.Enabled, &n.LastReportAt, &n.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	return n, err
}

func (p *Postgres) ListNodes(ctx context.Context) ([]gpu.Node, error) {
	const q = `SELECT id, hostname, ssh_host, ssh_port, ssh_user, report_token, enabled, last_report_at, created_at
		FROM nodes ORDER BY id`
	rows, err := p.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gpu.Node
	for rows.Next() {
		var n gpu.Node
		if err := rows.Scan(&n.ID, &n.Hostname, &n.SSHHost, &n.SSHPort, &n.SSHUser, &n.ReportToken, &n.Enabled, &n.LastReportAt, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *Postgres) TouchNodeReport(ctx context.Context, nodeID int64, at time.Time) error {
	_, err := p.pool.Exec(ctx, `UPDATE nodes SET last_report_at = $2 WHERE id = $1`, nodeID, at)
	return err
}

func (p *Postgres) ReplaceNodeGPUs(ctx context.Context, nodeID int64, gpus []gpu.GPU) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, g := range gpus {
		const q = `
INSERT INTO gpus (node_id, uuid, index, name, memory_total, memory_used, utilization, usernames, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
ON CONFLICT (node_id, uuid) DO UPDATE SET
	index        = EXCLUDED.index,
	name         = EXCLUDED.name,
	memory_total = EXCLUDED.memory_total,
	memory_used  = EXCLUDED.memory_used,
	utilization  = EXCLUDED.utilization,
	usernames    = EXCLUDED.usernames,
	updated_at   = now()`
		if _, err := tx.Exec(ctx, q, nodeID, g.UUID, g.Index, g.Name, g.MemoryTotal, g.MemoryUsed, g.Utilization, g.Usernames); err != nil {
			return fmt.Errorf("store: upsert gpu %s: %w", g.UUID, err)
		}
	}
	return tx.Commit(ctx)
}

func (p *Postgres) ListNodeGPUs(ctx context.Context, nodeID int64) ([]gpu.GPU, error) {
	const q = `SELECT id, node_id, uuid, index, name, memory_total, memory_used, utilization, usernames, updated_at
		FROM gpus WHERE node_id = $1 ORDER BY index`
	rows, err := p.pool.Query(ctx, q, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanGPUs(rows)
}

func (p *Postgres) ListAllGPUs(ctx context.Context) (map[int64][]gpu.GPU, error) {
	const q = `SELECT id, node_id, uuid, index, name, memory_total, memory_used, utilization, usernames, updated_at
		FROM gpus ORDER BY node_id, index`
	rows, err := p.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	all, err := scanGPUs(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[int64][]gpu.GPU)
	for _, g := range all {
		out[g.NodeID] = append(out[g.NodeID], g)
	}
	return out, nil
}

func scanGPUs(rows pgx.Rows) ([]gpu.GPU, error) {
	var out []gpu.GPU
	for rows.Next() {
		var g gpu.GPU
		if err := rows.Scan(&g.ID, &g.NodeID, &g.UUID, &g.Index, &g.Name, &g.MemoryTotal, &g.MemoryUsed, &g.Utilization, &g.Usernames, &g.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateTask(ctx context.Context, t *gpu.Task) error {
	const q = `
INSERT INTO tasks (name, cmd, priority, gpu_count, exclusive_gpu, memory_required, max_used_utilization, workspace, assigned_node_id, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING id, created_at, updated_at`
	return p.pool.QueryRow(ctx, q, t.Name, t.Cmd, t.Priority, t.GPUCount, t.ExclusiveGPU, t.MemoryRequired, t.MaxUsedUtilization, t.Workspace, t.AssignedNodeID, int(t.Status)).
		Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
}

func (p *Postgres) GetTask(ctx context.Context, id int64) (*gpu.Task, error) {
	const q = `SELECT id, name, cmd, priority, gpu_count, exclusive_gpu, memory_required, max_used_utilization, workspace, assigned_node_id, status, dispatching_at, created_at, updated_at
		FROM tasks WHERE id = $1`
	t := &gpu.Task{}
	var status int
	err := p.pool.QueryRow(ctx, q, id).Scan(
		&t.ID, &t.Name, &t.Cmd, &t.Priority, &t.GPUCount, &t.ExclusiveGPU, &t.MemoryRequired, &t.MaxUsedUtilization, &t.Workspace, &t.AssignedNodeID, &status, &t.DispatchingAt, &t.CreatedAt, &t.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	t.Status = gpu.TaskStatus(status)
	return t, err
}

// ClaimNextTask implements the claim-lease pattern: instead of a dedicated
// "SCHEDULING" status, a READY task is claimable when dispatching_at is
// null or older than the stale threshold. This avoids a task getting stuck
// forever in an intermediate status if the process that claimed it dies
// before writing a RunLog.
func (p *Postgres) ClaimNextTask(ctx context.Context, leaseStale time.Duration) (*gpu.Task, error) {
	const q = `
UPDATE tasks SET dispatching_at = now(), updated_at = now()
WHERE id = (
	SELECT id FROM tasks
	WHERE status = 0 AND (dispatching_at IS NULL OR dispatching_at < now() - $1::interval)
	ORDER BY priority DESC, created_at ASC
	FOR UPDATE SKIP LOCKED
	LIMIT 1
)
RETURNING id, name, cmd, priority, gpu_count, exclusive_gpu, memory_required, max_used_utilization, workspace, assigned_node_id, status, dispatching_at, created_at, updated_at`

	t := &gpu.Task{}
	var status int
	err := p.pool.QueryRow(ctx, q, leaseStale.String()).Scan(
		&t.ID, &t.Name, &t.Cmd, &t.Priority, &t.GPUCount, &t.ExclusiveGPU, &t.MemoryRequired, &t.MaxUsedUtilization, &t.Workspace, &t.AssignedNodeID, &status, &t.DispatchingAt, &t.CreatedAt, &t.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	t.Status = gpu.TaskStatus(status)
	return t, err
}

func (p *Postgres) ReleaseClaim(ctx context.Context, taskID int64) error {
	_, err := p.pool.Exec(ctx, `UPDATE tasks SET dispatching_at = NULL, updated_at = now() WHERE id = $1`, taskID)
	return err
}

func (p *Postgres) TransitionTaskStatus(ctx context.Context, taskID int64, from, to gpu.TaskStatus) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE tasks SET status = $3, updated_at = now() WHERE id = $1 AND status = $2`,
		taskID, int(from), int(to))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (p *Postgres) ExpireStaleClaims(ctx context.Context, staleBefore time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE tasks SET dispatching_at = NULL WHERE status = 0 AND dispatching_at < $1`, staleBefore)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) CreateRunLog(ctx context.Context, rl *gpu.RunLog) error {
	const q = `
INSERT INTO run_logs (task_id, node_id, gpu_indexes, local_ssh_pid, remote_pid, remote_pgid, log_file_path, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id, created_at, updated_at`
	return p.pool.QueryRow(ctx, q, rl.TaskID, rl.NodeID, gpuIndexesCSV(rl.GPUIndexes), rl.LocalSSHPID, rl.RemotePID, rl.RemotePGID, rl.LogFilePath, string(rl.Status)).
		Scan(&rl.ID, &rl.CreatedAt, &rl.UpdatedAt)
}

func (p *Postgres) GetRunLog(ctx context.Context, id int64) (*gpu.RunLog, error) {
	const q = `SELECT id, task_id, node_id, gpu_indexes, local_ssh_pid, remote_pid, remote_pgid, log_file_path, status, last_heartbeat_at, created_at, updated_at
		FROM run_logs WHERE id = $1`
	rl := &gpu.RunLog{}
	var csv, status string
	err := p.pool.QueryRow(ctx, q, id).Scan(
		&rl.ID, &rl.TaskID, &rl.NodeID, &csv, &rl.LocalSSHPID, &rl.RemotePID, &rl.RemotePGID, &rl.LogFilePath, &status, &rl.LastHeartbeatAt, &rl.CreatedAt, &rl.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	rl.GPUIndexes = parseGPUIndexesCSV(csv)
	rl.Status = gpu.RunLogStatus(status)
	return rl, err
}

func (p *Postgres) UpdateRunLogPIDs(ctx context.Context, id int64, pid, pgid int) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE run_logs SET remote_pid = $2, remote_pgid = $3, updated_at = now() WHERE id = $1`, id, pid, pgid)
	return err
}

func (p *Postgres) UpdateRunLogHeartbeat(ctx context.Context, id int64, at time.Time) error {
	_, err := p.pool.Exec(ctx, `UPDATE run_logs SET last_heartbeat_at = $2, updated_at = now() WHERE id = $1`, id, at)
	return err
}

func (p *Postgres) TransitionRunLogStatus(ctx context.Context, id int64, from, to gpu.RunLogStatus) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE run_logs SET status = $3, updated_at = now() WHERE id = $1 AND status = $2`,
		id, string(from), string(to))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (p *Postgres) ReviveIfLost(ctx context.Context, id int64) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE run_logs SET status = 'running', updated_at = now() WHERE id = $1 AND status = 'lost'`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) ListStaleRunning(ctx context.Context, staleBefore time.Time) ([]gpu.RunLog, error) {
	const q = `
SELECT id, task_id, node_id, gpu_indexes, local_ssh_pid, remote_pid, remote_pgid, log_file_path, status, last_heartbeat_at, created_at, updated_at
FROM run_logs
WHERE status = 'running'
  AND last_heartbeat_at IS NOT NULL
  AND last_heartbeat_at < $1`
	rows, err := p.pool.Query(ctx, q, staleBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gpu.RunLog
	for rows.Next() {
		var rl gpu.RunLog
		var csv, status string
		if err := rows.Scan(&rl.ID, &rl.TaskID, &rl.NodeID, &csv, &rl.LocalSSHPID, &rl.RemotePID, &rl.RemotePGID, &rl.LogFilePath, &status, &rl.LastHeartbeatAt, &rl.CreatedAt, &rl.UpdatedAt); err != nil {
			return nil, err
		}
		rl.GPUIndexes = parseGPUIndexesCSV(csv)
		rl.Status = gpu.RunLogStatus(status)
		out = append(out, rl)
	}
	return out, rows.Err()
}

// TryLockGPUs inserts one row per requested GPU into gpu_locks inside a
// transaction; a unique constraint on (node_id, gpu_index) makes a
// conflicting lock fail the whole insert, and the deferred rollback leaves
// no partial lock behind.
func (p *Postgres) TryLockGPUs(ctx context.Context, nodeID int64, gpuIndexes []int, runLogID int64) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, idx := range gpuIndexes {
		tag, err := tx.Exec(ctx,
			`INSERT INTO gpu_locks (node_id, gpu_index, run_log_id) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			nodeID, idx, runLogID)
		if err != nil {
			return fmt.Errorf("store: lock gpu %d: %w", idx, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrConflict
		}
	}
	return tx.Commit(ctx)
}

func (p *Postgres) ReleaseGPUs(ctx context.Context, runLogID int64) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM gpu_locks WHERE run_log_id = $1`, runLogID)
	return err
}

// ListLockedGPUIndexes reports every GPU index on nodeID currently held by
// any run log, regardless of which one.
func (p *Postgres) ListLockedGPUIndexes(ctx context.Context, nodeID int64) (map[int]bool, error) {
	rows, err := p.pool.Query(ctx, `SELECT gpu_index FROM gpu_locks WHERE node_id = $1`, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	locked := make(map[int]bool)
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, err
		}
		locked[idx] = true
	}
	return locked, rows.Err()
}

func gpuIndexesCSV(idx []int) string {
	parts := make([]string, len(idx))
	for i, v := range idx {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func parseGPUIndexesCSV(csv string) []int {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		if v, err := strconv.Atoi(strings.TrimSpace(p)); err == nil {
			out = append(out, v)
		}
	}
	return out
}
