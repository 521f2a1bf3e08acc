// Package remote implements sandbox.Provider against an external sandbox
// provisioning REST API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aikaara/assembly-lime/sandbox"
)

// APIError is a non-2xx response from the sandbox API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sandbox API error (%d): %s", e.StatusCode, e.Message)
}

// Client talks to the sandbox API with bearer authentication.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// New creates a client for the API at baseURL.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type createRequest struct {
	Labels           map[string]string `json:"labels,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	Image            string            `json:"image,omitempty"`
	AutoStopInterval int               `json:"auto_stop_interval,omitempty"` // minutes
}

// Create provisions an empty sandbox.
func (c *Client) Create(ctx context.Context, opts sandbox.CreateOptions) (sandbox.Info, error) {
	var info sandbox.Info
	err := c.doJSON(ctx, http.MethodPost, "/sandboxes", createRequest{
		Labels:           opts.Labels,
		Env:              opts.Env,
		Image:            opts.Image,
		AutoStopInterval: int(opts.AutoStopInterval / time.Minute),
	}, &info)
	if err != nil {
		return sandbox.Info{}, fmt.Errorf("creating sandbox: %w", err)
	}
	return info, nil
}

// Start starts a stopped sandbox.
func (c *Client) Start(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPost, "/sandboxes/"+url.PathEscape(id)+"/start", nil, nil)
}

// Stop stops a sandbox, keeping its filesystem.
func (c *Client) Stop(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPost, "/sandboxes/"+url.PathEscape(id)+"/stop", nil, nil)
}

// Delete destroys a sandbox.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/sandboxes/"+url.PathEscape(id), nil, nil)
}

// Get fetches a sandbox.
func (c *Client) Get(ctx context.Context, id string) (sandbox.Info, error) {
	var info sandbox.Info
	if err := c.doJSON(ctx, http.MethodGet, "/sandboxes/"+url.PathEscape(id), nil, &info); err != nil {
		return sandbox.Info{}, err
	}
	return info, nil
}

type execRequest struct {
	Command string            `json:"command"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout int               `json:"timeout,omitempty"` // seconds
}

// Exec runs a command to completion.
func (c *Client) Exec(ctx context.Context, id string, req sandbox.ExecRequest) (sandbox.ExecResponse, error) {
	var resp sandbox.ExecResponse
	err := c.doJSON(ctx, http.MethodPost, "/sandboxes/"+url.PathEscape(id)+"/exec", execRequest{
		Command: req.Command,
		Cwd:     req.Cwd,
		Env:     req.Env,
		Timeout: int(req.Timeout / time.Second),
	}, &resp)
	if err != nil {
		return sandbox.ExecResponse{}, err
	}
	return resp, nil
}

// ExecSession runs command asynchronously in a named session.
func (c *Client) ExecSession(ctx context.Context, id, sessionID, command string) error {
	body := map[string]any{"session_id": sessionID, "command": command, "async": true}
	return c.doJSON(ctx, http.MethodPost, "/sandboxes/"+url.PathEscape(id)+"/sessions", body, nil)
}

// Upload writes a file.
func (c *Client) Upload(ctx context.Context, id, path string, content []byte) error {
	u := c.baseURL + "/sandboxes/" + url.PathEscape(id) + "/files?path=" + url.QueryEscape(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(content))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	_, err = c.do(req)
	return err
}

// Download reads a file. Missing files wrap fs.ErrNotExist.
func (c *Client) Download(ctx context.Context, id, path string) ([]byte, error) {
	u := c.baseURL + "/sandboxes/" + url.PathEscape(id) + "/files?path=" + url.QueryEscape(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	body, err := c.do(req)
	if errors.Is(err, sandbox.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", path, fs.ErrNotExist)
	}
	return body, err
}

// PreviewURL requests a signed URL for port.
func (c *Client) PreviewURL(ctx context.Context, id string, port int, ttl time.Duration) (string, error) {
	q := url.Values{}
	q.Set("port", strconv.Itoa(port))
	if ttl > 0 {
		q.Set("ttl", strconv.Itoa(int(ttl/time.Second)))
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/sandboxes/"+url.PathEscape(id)+"/preview-url?"+q.Encode(), nil, &out); err != nil {
		return "", fmt.Errorf("requesting preview URL: %w", err)
	}
	return out.URL, nil
}

// --- Helpers ---

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	respBody, err := c.do(req)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrNotFound, strings.TrimSpace(string(body)))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	return body, nil
}
