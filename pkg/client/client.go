package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/forgeworks/foundry/pkg/types"
)

const defaultTimeout = 30 * time.Second

// Client talks to a running control plane over its public HTTP surface.
// The admin key is only attached when set, so read-only use works without
// one.
type Client struct {
	base     string
	adminKey string
	http     *http.Client
}

// New creates a client for the given host:port.
func New(addr, adminKey string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		base:     strings.TrimRight(addr, "/"),
		adminKey: adminKey,
		http:     &http.Client{Timeout: defaultTimeout},
	}
}

// apiError is the server's uniform error shape surfaced as a Go error.
type apiError struct {
	Status int    `json:"-"`
	Err    string `json:"error"`
	Hint   string `json:"hint,omitempty"`
}

func (e *apiError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s (%s)", e.Err, e.Hint)
	}
	return e.Err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.adminKey != "" {
		req.Header.Set("X-Admin-Key", c.adminKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("control plane unreachable: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := &apiError{Status: resp.StatusCode, Err: strings.TrimSpace(string(data))}
		_ = json.Unmarshal(data, apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// SubmitResult reports the outcome of one batch submission.
type SubmitResult struct {
	Queued    int    `json:"queued"`
	Skipped   int    `json:"skipped"`
	SessionID string `json:"session_id"`
}

// Submit queues packages under a new session. Requires the admin key.
func (c *Client) Submit(ctx context.Context, packages []string, sessionName string) (*SubmitResult, error) {
	var out SubmitResult
	err := c.do(ctx, http.MethodPost, "/api/v1/queue", map[string]any{
		"packages":     packages,
		"session_name": sessionName,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Status is the fleet summary from /api/v1/status.
type Status struct {
	Orchestrator string                   `json:"orchestrator"`
	Version      string                   `json:"version"`
	UptimeS      int64                    `json:"uptime_s"`
	Queue        map[types.WorkStatus]int `json:"queue"`
	QueuePaused  bool                     `json:"queue_paused"`
	DronesOnline int                      `json:"drones_online"`
	DronesTotal  int                      `json:"drones_total"`
	TotalCores   int                      `json:"total_cores"`
	Session      *types.Session           `json:"session"`
}

// Status fetches the fleet summary.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Node is one drone with its health record attached.
type Node struct {
	types.Drone
	Health  *types.HealthRecord `json:"health,omitempty"`
	Sweeper bool                `json:"sweeper"`
}

// Nodes lists drones; all includes offline ones.
func (c *Client) Nodes(ctx context.Context, all bool) ([]Node, error) {
	path := "/api/v1/nodes"
	if all {
		path += "?all=true"
	}
	var out struct {
		Nodes []Node `json:"nodes"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Nodes, nil
}

// Queue lists queue items, optionally filtered by status.
func (c *Client) Queue(ctx context.Context, status string) ([]*types.QueueItem, error) {
	path := "/api/v1/queue"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var out struct {
		Items []*types.QueueItem `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// Control runs a queue-level admin action. Requires the admin key.
func (c *Client) Control(ctx context.Context, action, pkg, drone string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/control", map[string]any{
		"action":  action,
		"package": pkg,
		"drone":   drone,
	}, nil)
}

// PauseNode pauses or resumes one drone by name. Requires the admin key.
func (c *Client) PauseNode(ctx context.Context, name string, pause bool) error {
	verb := "resume"
	if pause {
		verb = "pause"
	}
	return c.do(ctx, http.MethodPost,
		fmt.Sprintf("/api/v1/nodes/%s/%s", url.PathEscape(name), verb), nil, nil)
}
