package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gputasker/gputasker/pkg/api"
)

// Reporter posts GPU and running-task snapshots to the master.
type Reporter struct {
	MasterURL   string
	ReportToken string
	HTTPClient  *http.Client
}

func NewReporter(masterURL, token string, timeout time.Duration) *Reporter {
	return &Reporter{
		MasterURL:   masterURL,
		ReportToken: token,
		HTTPClient:  &http.Client{Timeout: timeout},
	}
}

// ErrTokenRejected is returned when the master responds 403, meaning the
// node's report token is no longer valid (e.g. it was rotated or revoked).
// The caller is expected to treat this as fatal and exit, mirroring the
// legacy agent's behavior of raising and letting its supervisor restart it
// with a fresh token.
var ErrTokenRejected = fmt.Errorf("agent: report token rejected by master")

func (r *Reporter) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.MasterURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("agent: post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return ErrTokenRejected
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent: post %s: unexpected status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ReportGPUs pushes the current device inventory to /api/v1/report_gpu/.
func (r *Reporter) ReportGPUs(ctx context.Context, gpus []api.ReportGPU) (*api.ReportGPUResponse, error) {
	var resp api.ReportGPUResponse
	if err := r.post(ctx, "/api/v1/report_gpu/", api.ReportGPURequest{Token: r.ReportToken, GPUs: gpus}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReportTasks pushes the current running-task heartbeats to
// /api/v1/report_tasks/.
func (r *Reporter) ReportTasks(ctx context.Context, tasks []api.ReportTask) (*api.ReportTasksResponse, error) {
	var resp api.ReportTasksResponse
	if err := r.post(ctx, "/api/v1/report_tasks/", api.ReportTasksRequest{Token: r.ReportToken, Tasks: tasks}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
