// Package workerclient is the HTTP client toward GPU worker nodes.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tesseralabs/tessera/internal/domain"
)

// dispatchSlack is added on top of the job's own timeout so the worker's
// in-process timeout fires before the HTTP call is abandoned.
const dispatchSlack = 10 * time.Second

// Client implements domain.WorkerInvoker over plain HTTP. run_job is a
// blocking call that returns the job result; abort and health are short RPCs.
type Client struct {
	httpClient *http.Client
}

// New constructs a Client. The underlying http.Client carries no global
// timeout; per-call deadlines come from contexts so a long render does not
// force a long health check.
func New() *Client {
	return &Client{httpClient: &http.Client{}}
}

// RunJob POSTs the job to {base}/run_job and blocks until the worker replies
// or the timeout (job timeout plus slack) elapses.
func (c *Client) RunJob(ctx context.Context, baseURL string, req domain.RunJobRequest, timeout time.Duration) (domain.RunJobResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout+dispatchSlack)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return domain.RunJobResult{}, fmt.Errorf("op=worker.run_job: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(baseURL, "/run_job"), bytes.NewReader(body))
	if err != nil {
		return domain.RunJobResult{}, fmt.Errorf("op=worker.run_job: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return domain.RunJobResult{}, fmt.Errorf("op=worker.run_job: %w", domain.ErrWorkerTimeout)
		}
		return domain.RunJobResult{}, fmt.Errorf("op=worker.run_job: %w: %v", domain.ErrWorkerError, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return domain.RunJobResult{}, fmt.Errorf("op=worker.run_job: %w: %v", domain.ErrWorkerError, err)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.RunJobResult{}, fmt.Errorf("op=worker.run_job: %w: status %d: %s",
			domain.ErrWorkerError, resp.StatusCode, truncate(raw, 256))
	}
	var result domain.RunJobResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return domain.RunJobResult{}, fmt.Errorf("op=worker.run_job: %w: bad reply: %v", domain.ErrWorkerError, err)
	}
	return result, nil
}

// Abort POSTs {base}/abort for the given job. Best effort; the caller
// tolerates failure.
func (c *Client) Abort(ctx context.Context, baseURL, jobID string) error {
	body, _ := json.Marshal(map[string]string{"job_id": jobID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(baseURL, "/abort"), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("op=worker.abort: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("op=worker.abort: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("op=worker.abort: status %d", resp.StatusCode)
	}
	return nil
}

// Health GETs {base}/health.
func (c *Client) Health(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(baseURL, "/health"), nil)
	if err != nil {
		return fmt.Errorf("op=worker.health: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("op=worker.health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("op=worker.health: status %d", resp.StatusCode)
	}
	return nil
}

// Capabilities GETs {base}/capabilities and returns the advertised set.
func (c *Client) Capabilities(ctx context.Context, baseURL string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(baseURL, "/capabilities"), nil)
	if err != nil {
		return nil, fmt.Errorf("op=worker.capabilities: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=worker.capabilities: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("op=worker.capabilities: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("op=worker.capabilities: status %d", resp.StatusCode)
	}
	var body struct {
		Capabilities []string `json:"capabilities"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("op=worker.capabilities: bad reply: %v", err)
	}
	return body.Capabilities, nil
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
