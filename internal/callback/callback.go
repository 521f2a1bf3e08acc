// Package callback talks to a remote dashboard that owns run state: it
// delivers events and records, and polls for follow-up messages, run
// status and the latest snapshot.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aikaara/assembly-lime/internal/retry"
	"github.com/aikaara/assembly-lime/model"
)

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("callback returned %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether err is worth another delivery attempt: network
// failures, 429 and 5xx responses.
func Retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Config configures the client.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration // per request (default 15s)
	Retry   retry.Config
}

// Client is an HTTP event sink, record sink and run state source.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	policy  *retry.Policy
	logger  *zap.Logger
}

// New creates a callback client.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Config{MaxAttempts: 3, InitialDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second, BackoffFactor: 2, Jitter: true}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: cfg.Timeout},
		policy:  retry.NewPolicy(cfg.Retry, Retryable),
		logger:  logger.With(zap.String("component", "callback")),
	}
}

// Emit posts an event envelope to /runs/{id}/events.
func (c *Client) Emit(ctx context.Context, runID string, ev model.AgentEvent) error {
	env, err := model.Encode(runID, ev)
	if err != nil {
		return err
	}
	return c.send(ctx, http.MethodPost, c.runPath(runID, "events"), env)
}

type recordBody struct {
	Kind    model.RecordKind `json:"kind"`
	Payload any              `json:"payload"`
}

// Record posts a structured record to /runs/{id}/records.
func (c *Client) Record(ctx context.Context, runID string, kind model.RecordKind, payload any) error {
	return c.send(ctx, http.MethodPost, c.runPath(runID, "records"), recordBody{Kind: kind, Payload: payload})
}

// PendingUserMessages returns follow-up messages with an id above afterID.
func (c *Client) PendingUserMessages(ctx context.Context, runID string, afterID int64) ([]model.UserMessage, error) {
	var out struct {
		Messages []model.UserMessage `json:"messages"`
	}
	p := c.runPath(runID, "messages") + "?after=" + strconv.FormatInt(afterID, 10)
	if err := c.get(ctx, p, &out); err != nil {
		return nil, fmt.Errorf("polling messages: %w", err)
	}
	return out.Messages, nil
}

// RunStatus returns the dashboard's view of the run status.
func (c *Client) RunStatus(ctx context.Context, runID string) (model.RunStatus, error) {
	var out struct {
		Status model.RunStatus `json:"status"`
	}
	if err := c.get(ctx, c.runPath(runID, "status"), &out); err != nil {
		return "", fmt.Errorf("polling status: %w", err)
	}
	return out.Status, nil
}

// LatestSnapshot fetches the last stored snapshot. It returns
// model.ErrNotFound when the run has none.
func (c *Client) LatestSnapshot(ctx context.Context, runID string) (*model.SessionSnapshot, error) {
	var snap model.SessionSnapshot
	if err := c.get(ctx, c.runPath(runID, "snapshot"), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// SaveSnapshot stores a snapshot in a single request.
func (c *Client) SaveSnapshot(ctx context.Context, snap *model.SessionSnapshot) error {
	return c.send(ctx, http.MethodPut, c.runPath(snap.RunID, "snapshot"), snap)
}

// --- Helpers ---

func (c *Client) runPath(runID, suffix string) string {
	return "/runs/" + url.PathEscape(runID) + "/" + suffix
}

// send delivers a JSON body, retrying transient failures.
func (c *Client) send(ctx context.Context, method, p string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding %s body: %w", p, err)
	}
	return c.policy.Do(ctx, func(ctx context.Context, _ int) error {
		_, err := c.do(ctx, method, p, b)
		return err
	}, func(attempt int, delay time.Duration, err error) {
		c.logger.Debug("retrying callback", zap.String("path", p), zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
	})
}

func (c *Client) get(ctx context.Context, p string, out any) error {
	var body []byte
	err := c.policy.Do(ctx, func(ctx context.Context, _ int) error {
		var err error
		body, err = c.do(ctx, http.MethodGet, p, nil)
		return err
	}, nil)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%s: %w", p, model.ErrNotFound)
		}
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding %s: %w", p, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, p string, body []byte) ([]byte, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+p, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	return respBody, nil
}
