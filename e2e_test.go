package lime_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lime "github.com/aikaara/assembly-lime"
	"github.com/aikaara/assembly-lime/eventbus"
	"github.com/aikaara/assembly-lime/internal/config"
	"github.com/aikaara/assembly-lime/internal/queue"
	"github.com/aikaara/assembly-lime/llm"
	"github.com/aikaara/assembly-lime/llm/llmtest"
	"github.com/aikaara/assembly-lime/model"
	"github.com/aikaara/assembly-lime/sandbox"
	"github.com/aikaara/assembly-lime/store"
	"github.com/aikaara/assembly-lime/store/sqlite"
)

// --- Test doubles ---

// simSandbox accepts every command and answers the git queries a
// read-only run makes.
type simSandbox struct {
	mu       sync.Mutex
	state    sandbox.State
	commands []string
}

func (s *simSandbox) Create(context.Context, sandbox.CreateOptions) (sandbox.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = sandbox.StateStarted
	return sandbox.Info{ID: "sim-1", State: s.state}, nil
}

func (s *simSandbox) Start(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = sandbox.StateStarted
	return nil
}

func (s *simSandbox) Stop(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = sandbox.StateStopped
	return nil
}

func (s *simSandbox) Delete(context.Context, string) error { return nil }

func (s *simSandbox) Get(_ context.Context, id string) (sandbox.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sandbox.Info{ID: id, State: s.state}, nil
}

func (s *simSandbox) Exec(_ context.Context, _ string, req sandbox.ExecRequest) (sandbox.ExecResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, req.Command)
	if strings.Contains(req.Command, "rev-parse") {
		return sandbox.ExecResponse{Stdout: "0123abcd\n"}, nil
	}
	return sandbox.ExecResponse{}, nil
}

func (s *simSandbox) ExecSession(context.Context, string, string, string) error { return nil }

func (s *simSandbox) Upload(context.Context, string, string, []byte) error { return nil }

func (s *simSandbox) Download(_ context.Context, _, p string) ([]byte, error) {
	return nil, fmt.Errorf("%s: not found", p)
}

func (s *simSandbox) PreviewURL(_ context.Context, id string, port int, _ time.Duration) (string, error) {
	return fmt.Sprintf("https://%d-%s.preview.test", port, id), nil
}

func (s *simSandbox) ranClone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.commands {
		if strings.Contains(c, "clone") {
			return true
		}
	}
	return false
}

// chanQueue delivers jobs pushed onto its channel.
type chanQueue struct {
	jobs chan *model.Job
	errs chan error
}

func (q *chanQueue) Consume(ctx context.Context, handle queue.Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-q.jobs:
			q.errs <- handle(ctx, job)
		}
	}
}

func (q *chanQueue) Close() error { return nil }

// --- Harness ---

type e2eHarness struct {
	t       *testing.T
	app     *lime.App
	server  *httptest.Server
	sandbox *simSandbox
	llm     *llmtest.Scripted
	queue   *chanQueue
}

func setupE2E(t *testing.T, steps ...llmtest.Step) *e2eHarness {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "lime.db"))
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Sandbox.Provider = "sim"
	cfg.LLM.DefaultProvider = string(model.ProviderAnthropic)
	cfg.Run.Heartbeat = -1

	client := llmtest.New(steps...)
	reg := llm.NewRegistry()
	reg.Register(model.ProviderAnthropic, func(string) (llm.Client, error) { return client, nil })

	h := &e2eHarness{
		t:       t,
		sandbox: &simSandbox{},
		llm:     client,
		queue:   &chanQueue{jobs: make(chan *model.Job), errs: make(chan error, 1)},
	}
	h.app, err = lime.NewBuilder(cfg).
		WithStore(st).
		WithBus(eventbus.NewMemory()).
		WithLLM(reg).
		WithSandbox("sim", h.sandbox).
		WithQueue(h.queue).
		Build()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.app.Start(ctx, lime.StartOptions{}) }()

	h.server = httptest.NewServer(h.app.Handler())
	t.Cleanup(func() {
		h.server.Close()
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("app did not shut down")
		}
	})
	return h
}

func (h *e2eHarness) request(method, path, body string) *http.Response {
	h.t.Helper()
	var req *http.Request
	var err error
	if body != "" {
		req, err = http.NewRequest(method, h.server.URL+path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req, err = http.NewRequest(method, h.server.URL+path, nil)
	}
	require.NoError(h.t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *e2eHarness) waitStatus(id string, want model.RunStatus) *model.Run {
	h.t.Helper()
	var run *model.Run
	require.Eventually(h.t, func() bool {
		r, err := h.app.Store().GetRun(context.Background(), id)
		if err != nil {
			return false
		}
		run = r
		return r.Status == want
	}, 10*time.Second, 10*time.Millisecond, "run %s never reached %s", id, want)
	return run
}

const reviewJob = `{
	"provider": "anthropic",
	"mode": "review",
	"prompt": "Review the retry logic",
	"repo": {"owner": "acme", "name": "api", "default_branch": "main"}
}`

// --- Tests ---

func TestE2E_ReviewRunLifecycle(t *testing.T) {
	h := setupE2E(t, llmtest.Text("Retries never back off on 429."))

	resp := h.request(http.MethodPost, "/api/runs", reviewJob)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created model.Run
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, model.StatusQueued, created.Status)
	assert.Equal(t, model.ModeReview, created.Mode)

	done := h.waitStatus(created.ID, model.StatusCompleted)
	assert.Equal(t, "sim-1", done.SandboxID)
	assert.Empty(t, done.PRURL)
	assert.True(t, h.sandbox.ranClone())

	// The finished run replays its full event log and the stream ends.
	resp = h.request(http.MethodGet, "/api/runs/"+created.ID+"/events", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var kinds []string
	var statuses []model.RunStatus
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var env model.Envelope
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &env))
		kinds = append(kinds, string(env.Kind))
		if ev, err := model.Decode(&env); err == nil {
			if st, ok := ev.(model.StatusEvent); ok {
				statuses = append(statuses, st.Status)
			}
		}
	}
	require.NoError(t, scanner.Err())
	assert.Contains(t, kinds, string(model.KindStatus))
	require.NotEmpty(t, statuses)
	assert.Equal(t, model.StatusCompleted, statuses[len(statuses)-1])

	resp = h.request(http.MethodPost, "/api/runs/"+created.ID+"/messages", `{"text":"one more"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	reqs := h.llm.Requests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].System, "read-only")
}

func TestE2E_QueueIntake(t *testing.T) {
	h := setupE2E(t, llmtest.Text("Looks fine."))

	var job model.Job
	require.NoError(t, json.Unmarshal([]byte(reviewJob), &job))
	h.queue.jobs <- &job
	require.NoError(t, <-h.queue.errs)

	var runs []*model.Run
	require.Eventually(t, func() bool {
		var err error
		runs, err = h.app.Store().ListRuns(context.Background(), store.ListOptions{Limit: 10})
		return err == nil && len(runs) == 1
	}, 5*time.Second, 10*time.Millisecond)
	h.waitStatus(runs[0].ID, model.StatusCompleted)
}

func TestE2E_InvalidQueuedJobIsRejected(t *testing.T) {
	h := setupE2E(t)

	h.queue.jobs <- &model.Job{Provider: "nope", Mode: model.ModeReview, Prompt: "x"}
	assert.ErrorIs(t, <-h.queue.errs, model.ErrValidation)
}

func TestE2E_RunNotFound(t *testing.T) {
	h := setupE2E(t)

	resp := h.request(http.MethodGet, "/api/runs/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestE2E_HealthAndMetrics(t *testing.T) {
	h := setupE2E(t)

	resp := h.request(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.request(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
