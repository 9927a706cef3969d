package remotefs

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

	"github.com/marmos91/vfsinit/pkg/inode"
	"github.com/marmos91/vfsinit/pkg/reboot"
	"github.com/marmos91/vfsinit/pkg/writeback"
)

// Client talks to a running remote filesystem server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for addr ("host:port" or a full URL).
func NewClient(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		baseURL: strings.TrimRight(addr, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Error returns the problem title and detail.
func (p *Problem) Error() string {
	if p.Detail != "" {
		return fmt.Sprintf("%d %s: %s", p.Status, p.Title, p.Detail)
	}
	return fmt.Sprintf("%d %s", p.Status, p.Title)
}

// do performs an HTTP request and decodes the JSON response into result.
// Error responses are returned as *Problem.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, result any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var p Problem
		if json.Unmarshal(respBody, &p) == nil && p.Title != "" {
			p.Status = resp.StatusCode
			return &p
		}
		return &Problem{Status: resp.StatusCode, Title: http.StatusText(resp.StatusCode), Detail: string(respBody)}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func escapePath(p string) string {
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

// Health checks the server.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var h HealthResponse
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &h)
	return h, err
}

// Sync asks the server to flush its write-back cache.
func (c *Client) Sync(ctx context.Context) (writeback.SyncResult, error) {
	var res writeback.SyncResult
	err := c.do(ctx, http.MethodPost, "/v1/sync", nil, &res)
	return res, err
}

// Lifecycle delivers action through the server's notification registry.
func (c *Client) Lifecycle(ctx context.Context, action reboot.Action) (LifecycleResponse, error) {
	var res LifecycleResponse
	err := c.do(ctx, http.MethodPost, "/v1/lifecycle/"+action.String(), nil, &res)
	return res, err
}

// Stat returns the inode at p.
func (c *Client) Stat(ctx context.Context, p string) (inode.Info, error) {
	var info inode.Info
	err := c.do(ctx, http.MethodGet, "/v1/stat/"+escapePath(p), nil, &info)
	return info, err
}

// List returns the entries of directory p.
func (c *Client) List(ctx context.Context, p string) ([]inode.Info, error) {
	var list []inode.Info
	err := c.do(ctx, http.MethodGet, "/v1/list/"+escapePath(p), nil, &list)
	return list, err
}

// WriteFile replaces the contents of p.
func (c *Client) WriteFile(ctx context.Context, p string, data []byte) (WriteResponse, error) {
	var res WriteResponse
	err := c.do(ctx, http.MethodPut, "/v1/files/"+escapePath(p), bytes.NewReader(data), &res)
	return res, err
}

// ReadFile returns the contents of p.
func (c *Client) ReadFile(ctx context.Context, p string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/files/"+escapePath(p), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		var p Problem
		if json.Unmarshal(data, &p) == nil && p.Title != "" {
			return nil, &p
		}
		return nil, &Problem{Status: resp.StatusCode, Title: http.StatusText(resp.StatusCode)}
	}
	return data, nil
}
