// Package api is an HTTP client for the MAL gateway.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/dohr-michael/mal/internal/downloads"
	"github.com/dohr-michael/mal/internal/environments"
	"github.com/dohr-michael/mal/internal/gateway"
	"github.com/dohr-michael/mal/internal/supervisor"
	"github.com/dohr-michael/mal/internal/tasks"
)

// Error is a non-2xx answer from the gateway.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway: %s (HTTP %d)", e.Message, e.StatusCode)
}

// Health is the body of GET /api/health.
type Health struct {
	Status    string `json:"status"`
	Observers int    `json:"observers"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
}

// Client talks to one gateway.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the gateway at baseURL. A nil hc uses http.DefaultClient.
func New(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimSuffix(baseURL, "/"), http: hc}
}

// BaseURL returns the gateway address the client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &Error{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Health checks the gateway.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, "/api/health", nil, &h)
	return h, err
}

// ListTasks returns the active tasks, most recent first.
func (c *Client) ListTasks(ctx context.Context) ([]tasks.Task, error) {
	var list []tasks.Task
	err := c.do(ctx, http.MethodGet, "/api/tasks", nil, &list)
	return list, err
}

// GetTask returns one task.
func (c *Client) GetTask(ctx context.Context, id string) (tasks.Task, error) {
	var t tasks.Task
	err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id), nil, &t)
	return t, err
}

// CancelTask requests cancellation of a task.
func (c *Client) CancelTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/cancel", nil, nil)
}

// DismissTask removes a finished task from the active list.
func (c *Client) DismissTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(id), nil, nil)
}

// StartDownload starts a download and returns its task id.
func (c *Client) StartDownload(ctx context.Context, req downloads.Request) (string, error) {
	var out struct {
		DownloadID string `json:"download_id"`
	}
	err := c.do(ctx, http.MethodPost, "/api/downloads", req, &out)
	return out.DownloadID, err
}

// Environments lists the environments that can be installed.
func (c *Client) Environments(ctx context.Context) ([]environments.Environment, error) {
	var list []environments.Environment
	err := c.do(ctx, http.MethodGet, "/api/environments", nil, &list)
	return list, err
}

// Statuses returns the status of every known environment.
func (c *Client) Statuses(ctx context.Context) ([]supervisor.ManagedEnvironment, error) {
	var list []supervisor.ManagedEnvironment
	err := c.do(ctx, http.MethodGet, "/api/environments/status", nil, &list)
	return list, err
}

// Install starts installing name at path (empty for the default location).
func (c *Client) Install(ctx context.Context, req gateway.InstallRequest) (gateway.InstallResponse, error) {
	var out gateway.InstallResponse
	err := c.do(ctx, http.MethodPost, "/api/environments/install", req, &out)
	return out, err
}

// Run starts the installed environment name and returns the run task id.
func (c *Client) Run(ctx context.Context, name, path string) (string, error) {
	var body any
	if path != "" {
		body = gateway.RunRequest{Path: path}
	}
	var out struct {
		TaskID string `json:"task_id"`
	}
	err := c.do(ctx, http.MethodPost, "/api/environments/"+url.PathEscape(name)+"/run", body, &out)
	return out.TaskID, err
}

// Stop stops the process of a run task and waits for it to exit.
func (c *Client) Stop(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodPost, "/api/environments/stop", gateway.StopRequest{TaskID: taskID}, nil)
}

// DeleteEnvironment removes the install of name.
func (c *Client) DeleteEnvironment(ctx context.Context, name, path string) error {
	p := "/api/environments/" + url.PathEscape(name)
	if path != "" {
		p += "?path=" + url.QueryEscape(path)
	}
	return c.do(ctx, http.MethodDelete, p, nil, nil)
}
