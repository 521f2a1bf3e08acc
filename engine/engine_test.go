package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aikaara/assembly-lime/internal/ghapp"
	"github.com/aikaara/assembly-lime/internal/github"
	"github.com/aikaara/assembly-lime/internal/retry"
	"github.com/aikaara/assembly-lime/llm"
	"github.com/aikaara/assembly-lime/llm/llmtest"
	"github.com/aikaara/assembly-lime/model"
	"github.com/aikaara/assembly-lime/sandbox"
	"github.com/aikaara/assembly-lime/store"
	"github.com/aikaara/assembly-lime/store/sqlite"
	"github.com/aikaara/assembly-lime/workspace"
)

const testDiff = "diff --git a/main.go b/main.go\n--- a/main.go\n+++ b/main.go\n@@ -1 +1 @@\n-old\n+new\n"

// gitSandbox is an in-memory sandbox answering the git commands the engine
// runs. Every other command succeeds with no output.
type gitSandbox struct {
	mu       sync.Mutex
	state    sandbox.State
	dirty    bool
	created  int
	commands []string
	cwds     []string
	uploads  map[string]string
}

func newGitSandbox() *gitSandbox {
	return &gitSandbox{state: sandbox.StateStarted}
}

func (s *gitSandbox) Create(context.Context, sandbox.CreateOptions) (sandbox.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created++
	return sandbox.Info{ID: "sb-1", State: sandbox.StateStarted}, nil
}

func (s *gitSandbox) Start(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = sandbox.StateStarted
	return nil
}

func (s *gitSandbox) Stop(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = sandbox.StateStopped
	return nil
}

func (s *gitSandbox) Delete(context.Context, string) error { return nil }

func (s *gitSandbox) Get(_ context.Context, id string) (sandbox.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sandbox.Info{ID: id, State: s.state}, nil
}

func (s *gitSandbox) Exec(_ context.Context, _ string, req sandbox.ExecRequest) (sandbox.ExecResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, req.Command)
	s.cwds = append(s.cwds, req.Cwd)
	switch {
	case strings.Contains(req.Command, "rev-parse"):
		return sandbox.ExecResponse{Stdout: "abc1234def\n"}, nil
	case strings.Contains(req.Command, "'status' '--porcelain'"):
		if s.dirty {
			return sandbox.ExecResponse{Stdout: " M main.go\n"}, nil
		}
		return sandbox.ExecResponse{}, nil
	case strings.Contains(req.Command, "'diff'"):
		return sandbox.ExecResponse{Stdout: testDiff}, nil
	}
	return sandbox.ExecResponse{}, nil
}

func (s *gitSandbox) ExecSession(context.Context, string, string, string) error { return nil }

func (s *gitSandbox) Upload(_ context.Context, _, p string, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uploads == nil {
		s.uploads = map[string]string{}
	}
	s.uploads[p] = string(content)
	return nil
}

func (s *gitSandbox) uploaded(p string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.uploads[p]
	return c, ok
}

// ranIn reports whether a command containing fragment ran with cwd dir.
func (s *gitSandbox) ranIn(dir, fragment string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.commands {
		if s.cwds[i] == dir && strings.Contains(c, fragment) {
			return true
		}
	}
	return false
}

func (s *gitSandbox) Download(_ context.Context, _, p string) ([]byte, error) {
	return nil, fmt.Errorf("%s: not found", p)
}

func (s *gitSandbox) PreviewURL(_ context.Context, id string, port int, _ time.Duration) (string, error) {
	return fmt.Sprintf("https://%d-%s.preview.test", port, id), nil
}

func (s *gitSandbox) currentState() sandbox.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *gitSandbox) ran(fragment string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.commands {
		if strings.Contains(c, fragment) {
			return true
		}
	}
	return false
}

// fakeClock advances on every Sleep so idle and budget limits are reached
// without waiting for them in real time.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Millisecond):
		return nil
	}
}

type memSink struct {
	mu      sync.Mutex
	clock   *fakeClock
	events  []model.AgentEvent
	records []model.RecordKind
	// statusAt is the clock time each status was last emitted.
	statusAt map[model.RunStatus]time.Time
}

func (s *memSink) Emit(_ context.Context, _ string, ev model.AgentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	if st, ok := ev.(model.StatusEvent); ok && s.clock != nil {
		if s.statusAt == nil {
			s.statusAt = map[model.RunStatus]time.Time{}
		}
		s.statusAt[st.Status] = s.clock.Now()
	}
	return nil
}

// between is the clock time elapsed from the last from status to the last
// to status.
func (s *memSink) between(from, to model.RunStatus) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusAt[to].Sub(s.statusAt[from])
}

func (s *memSink) Record(_ context.Context, _ string, kind model.RecordKind, _ any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, kind)
	return nil
}

func (s *memSink) statuses() []model.RunStatus {
	var out []model.RunStatus
	for _, ev := range eventsOf[model.StatusEvent](s) {
		out = append(out, ev.Status)
	}
	return out
}

func (s *memSink) logged(fragment string) bool {
	for _, ev := range eventsOf[model.LogEvent](s) {
		if strings.Contains(ev.Text, fragment) {
			return true
		}
	}
	return false
}

func (s *memSink) recorded(kind model.RecordKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.records {
		if k == kind {
			return true
		}
	}
	return false
}

func eventsOf[T model.AgentEvent](s *memSink) []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []T
	for _, ev := range s.events {
		if v, ok := ev.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

type fakePRs struct {
	mu       sync.Mutex
	tokens   []string
	opts     []github.PROptions
	comments []string
}

func (f *fakePRs) factory(token string) (PullRequests, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	return f, nil
}

func (f *fakePRs) CreatePR(_ context.Context, opts github.PROptions) (string, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opts = append(f.opts, opts)
	return "https://github.com/acme/api/pull/7", 7, nil
}

func (f *fakePRs) GetDefaultBranch(context.Context, string) (string, error) { return "develop", nil }

func (f *fakePRs) CommentOnPR(_ context.Context, repo string, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, fmt.Sprintf("%s#%d: %s", repo, number, body))
	return nil
}

func (f *fakePRs) posted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.comments...)
}

func (f *fakePRs) created() []github.PROptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]github.PROptions(nil), f.opts...)
}

type fixture struct {
	t       *testing.T
	engine  *Engine
	store   *sqlite.Store
	client  *llmtest.Scripted
	sandbox *gitSandbox
	sink    *memSink
	prs     *fakePRs
	clock   *fakeClock
	config  Config
}

func testConfig() Config {
	return Config{
		DefaultTimeBudget: 1000 * time.Hour,
		ApprovalTimeout:   1000 * time.Hour,
		Heartbeat:         -1,
		FollowUp: FollowUpConfig{
			PollInterval:     time.Second,
			ShortIdle:        30 * time.Second,
			LongIdle:         time.Minute,
			StatusCheckEvery: 5,
			TailMargin:       time.Minute,
		},
		Retry: retry.Config{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: time.Second, BackoffFactor: 1},
	}
}

func newFixture(t *testing.T, configure func(*Config), steps ...llmtest.Step) *fixture {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "lime.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := testConfig()
	if configure != nil {
		configure(&cfg)
	}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	f := &fixture{
		t:       t,
		store:   st,
		sandbox: newGitSandbox(),
		sink:    &memSink{clock: clock},
		prs:     &fakePRs{},
		clock:   clock,
		config:  cfg,
	}
	f.engine, f.client = f.newEngine(steps...)
	return f
}

// newEngine builds an engine over the fixture's store and sandbox with its
// own scripted LLM client.
func (f *fixture) newEngine(steps ...llmtest.Step) (*Engine, *llmtest.Scripted) {
	client := llmtest.New(steps...)
	reg := llm.NewRegistry()
	reg.Register(model.ProviderAnthropic, func(string) (llm.Client, error) { return client, nil })
	e := New(f.config, Deps{
		Store:        f.store,
		Events:       f.sink,
		Records:      f.sink,
		LLM:          reg,
		Workspaces:   workspace.NewManager(map[string]sandbox.Provider{"stub": f.sandbox}, "stub", workspace.Config{}, nil),
		Credentials:  ghapp.Static("ghs_test"),
		PullRequests: f.prs.factory,
		Clock:        f.clock,
	})
	f.t.Cleanup(e.Stop)
	return e, client
}

func (f *fixture) submit(job *model.Job) *model.Run {
	f.t.Helper()
	run, err := f.engine.Submit(context.Background(), job)
	require.NoError(f.t, err)
	return run
}

func (f *fixture) waitStatus(id string, want model.RunStatus) *model.Run {
	f.t.Helper()
	var run *model.Run
	require.Eventually(f.t, func() bool {
		r, err := f.store.GetRun(context.Background(), id)
		if err != nil {
			return false
		}
		run = r
		return r.Status == want
	}, 10*time.Second, 5*time.Millisecond, "run %s never reached %s", id, want)
	return run
}

func testJob(mode model.Mode) *model.Job {
	return &model.Job{
		Provider: model.ProviderAnthropic,
		Mode:     mode,
		Prompt:   "Add a health endpoint",
		Repo:     &model.RepoTarget{Owner: "acme", Name: "api", DefaultBranch: "main"},
	}
}

func TestReviewRunCompletes(t *testing.T) {
	f := newFixture(t, nil, llmtest.Text("The handler leaks a goroutine."))

	run := f.submit(testJob(model.ModeReview))
	assert.Equal(t, model.StatusQueued, run.Status)
	assert.Len(t, run.ID, 26)

	done := f.waitStatus(run.ID, model.StatusCompleted)
	assert.Equal(t, 1, done.Turns)
	assert.Equal(t, "sb-1", done.SandboxID)
	assert.Empty(t, done.Branch)
	assert.Empty(t, done.PRURL)
	assert.Empty(t, f.prs.created())
	assert.Equal(t, sandbox.StateStopped, f.sandbox.currentState())
	assert.Equal(t, []model.RunStatus{model.StatusQueued, model.StatusRunning, model.StatusCompleted}, f.sink.statuses())
	assert.True(t, f.sink.recorded(model.RecordSandbox))
	assert.True(t, f.sink.recorded(model.RecordSnapshot))

	reqs := f.client.Requests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].System, "read-only mode")
	for _, tool := range reqs[0].Tools {
		assert.NotEqual(t, "write", tool.Name)
		assert.NotEqual(t, "create_tasks", tool.Name)
	}

	_, err := f.engine.SendFollowUp(context.Background(), run.ID, "one more thing")
	assert.ErrorIs(t, err, model.ErrTerminal)
}

func TestImplementRunOpensPullRequestAndHandlesFollowUp(t *testing.T) {
	f := newFixture(t, nil, llmtest.Text("Added /healthz."), llmtest.Text("Added a test."))
	f.sandbox.dirty = true

	run := f.submit(testJob(model.ModeImplement))
	waiting := f.waitStatus(run.ID, model.StatusAwaitingApproval)

	assert.Equal(t, "lime/"+strings.ToLower(run.ID), waiting.Branch)
	assert.Equal(t, "https://github.com/acme/api/pull/7", waiting.PRURL)
	assert.Equal(t, 7, waiting.PRNumber)
	prs := f.prs.created()
	require.Len(t, prs, 1)
	assert.Equal(t, "acme/api", prs[0].Repo)
	assert.Equal(t, "main", prs[0].Base)
	assert.Equal(t, waiting.Branch, prs[0].Branch)
	assert.Equal(t, "lime: Add a health endpoint", prs[0].Title)
	assert.Equal(t, []string{"ghs_test"}, f.prs.tokens)
	assert.True(t, f.sandbox.ran("'push' '-u' 'origin'"))
	assert.True(t, f.sink.recorded(model.RecordRepoStatus))
	assert.True(t, f.sink.recorded(model.RecordDiff))

	diffs := eventsOf[model.DiffEvent](f.sink)
	require.Len(t, diffs, 1)
	assert.Equal(t, "1 files changed, +1 -1", diffs[0].Summary)
	assert.Equal(t, testDiff, diffs[0].Diff)

	// Queued before approval, picked up on the first poll afterwards.
	_, err := f.engine.SendFollowUp(context.Background(), run.ID, "Also add a test")
	require.NoError(t, err)
	require.NoError(t, f.engine.Approve(context.Background(), run.ID))

	f.waitStatus(run.ID, model.StatusCompleted)
	assert.Equal(t, sandbox.StateStopped, f.sandbox.currentState())
	assert.True(t, f.sink.logged("No follow-up received"))

	msgs := eventsOf[model.UserMessageEvent](f.sink)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Also add a test", msgs[0].Text)

	comments := f.prs.posted()
	require.Len(t, comments, 1)
	assert.Equal(t, "acme/api#7: **Follow-up:** Also add a test\n\nAdded a test.", comments[0])

	reqs := f.client.Requests()
	require.Len(t, reqs, 2)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, llm.RoleUser, last.Role)
	assert.Equal(t, "Also add a test", last.Content)

	assert.Equal(t, []model.RunStatus{
		model.StatusQueued,
		model.StatusRunning,
		model.StatusAwaitingApproval,
		model.StatusRunning,
		model.StatusAwaitingFollowUp,
		model.StatusRunning,
		model.StatusAwaitingFollowUp,
		model.StatusCompleted,
	}, f.sink.statuses())
}

func TestPlanRunImplementsApprovedTasks(t *testing.T) {
	f := newFixture(t, nil,
		llmtest.Call("c1", "create_tasks", map[string]any{"tasks": []map[string]string{
			{"title": "Add route", "description": "Register /healthz in router.go"},
			{"title": "Add test"},
		}}),
		llmtest.Text("Two tasks."),
		llmtest.Call("c2", "update_task", map[string]string{"ticket_id": "T1", "status": "completed"}),
		llmtest.Text("Implemented."),
	)
	f.sandbox.dirty = true

	run := f.submit(testJob(model.ModePlan))
	waiting := f.waitStatus(run.ID, model.StatusAwaitingApproval)
	require.Len(t, waiting.Tasks, 2)
	assert.Equal(t, model.Task{TicketID: "T1", Title: "Add route", Description: "Register /healthz in router.go", Status: model.TaskPending}, waiting.Tasks[0])
	assert.Equal(t, "T2", waiting.Tasks[1].TicketID)
	assert.Empty(t, waiting.Branch)
	assert.Empty(t, f.prs.created())

	require.NoError(t, f.engine.Approve(context.Background(), run.ID))
	done := f.waitStatus(run.ID, model.StatusCompleted)

	assert.Equal(t, model.TaskCompleted, done.Tasks[0].Status)
	assert.Equal(t, model.TaskPending, done.Tasks[1].Status)
	assert.NotEmpty(t, done.Branch)
	assert.Equal(t, "https://github.com/acme/api/pull/7", done.PRURL)
	assert.Contains(t, f.sink.statuses(), model.StatusPlanApproved)
	assert.NotEmpty(t, eventsOf[model.TasksEvent](f.sink))

	reqs := f.client.Requests()
	require.Len(t, reqs, 4)
	assert.Contains(t, toolNames(reqs[0]), "create_tasks")
	assert.NotContains(t, toolNames(reqs[0]), "edit")
	assert.Contains(t, toolNames(reqs[2]), "edit")
	assert.NotContains(t, toolNames(reqs[2]), "create_tasks")
	assert.Contains(t, reqs[2].System, "## Implementing")
	assert.Contains(t, reqs[2].Messages[len(reqs[2].Messages)-1].Content, "[T1] Add route")

	prs := f.prs.created()
	require.NotEmpty(t, prs)
	assert.Contains(t, prs[0].Body, "[T1] Add route (completed)")
}

func TestExtraRepositoryIsWritableAndPublished(t *testing.T) {
	f := newFixture(t, nil,
		llmtest.Call("c1", "write", map[string]string{"path": "/workspace/web/src/health.ts", "content": "export const ok = true\n"}),
		llmtest.Text("Updated the API and the web client."),
	)
	f.sandbox.dirty = true

	job := testJob(model.ModeImplement)
	job.ExtraRepos = []model.RepoTarget{{Owner: "acme", Name: "web", DefaultBranch: "main", RoleLabel: "frontend"}}
	run := f.submit(job)
	waiting := f.waitStatus(run.ID, model.StatusAwaitingApproval)

	content, ok := f.sandbox.uploaded("/workspace/web/src/health.ts")
	require.True(t, ok, "write into the extra checkout was rejected")
	assert.Equal(t, "export const ok = true\n", content)

	reqs := f.client.Requests()
	require.Len(t, reqs, 2)
	assert.Contains(t, reqs[0].System, "/workspace/web")
	assert.NotContains(t, fmt.Sprint(reqs[1].Messages), "escapes the workspace root")

	assert.True(t, f.sandbox.ranIn("/workspace/web", "'checkout' '-B' '"+waiting.Branch+"'"))
	assert.True(t, f.sandbox.ranIn("/workspace/web", "'push' '-u' 'origin' '"+waiting.Branch+"'"))
	assert.True(t, f.sandbox.ranIn("/workspace/api", "'push' '-u' 'origin' '"+waiting.Branch+"'"))

	prs := f.prs.created()
	require.Len(t, prs, 2)
	assert.Equal(t, "acme/api", prs[0].Repo)
	assert.Equal(t, "acme/web", prs[1].Repo)
	assert.Equal(t, waiting.Branch, prs[1].Branch)
	assert.Equal(t, []string{"ghs_test", "ghs_test"}, f.prs.tokens)
}

func TestRejectCancelsRun(t *testing.T) {
	f := newFixture(t, nil, llmtest.Text("Done."))
	f.sandbox.dirty = true

	run := f.submit(testJob(model.ModeImplement))
	f.waitStatus(run.ID, model.StatusAwaitingApproval)

	require.NoError(t, f.engine.Reject(context.Background(), run.ID, "wrong approach"))
	done := f.waitStatus(run.ID, model.StatusCancelled)
	assert.Empty(t, done.Error)
	assert.Equal(t, sandbox.StateStopped, f.sandbox.currentState())

	err := f.engine.Reject(context.Background(), run.ID, "again")
	assert.ErrorIs(t, err, model.ErrValidation)
	err = f.engine.Approve(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestTransientErrorsAreRetried(t *testing.T) {
	f := newFixture(t, nil, llmtest.Transient(), llmtest.Transient(), llmtest.Text("Reviewed."))

	run := f.submit(testJob(model.ModeReview))
	f.waitStatus(run.ID, model.StatusCompleted)

	assert.Len(t, f.client.Requests(), 3)
	assert.True(t, f.sink.logged("LLM call failed, retrying"))
}

func TestPermanentErrorFailsRun(t *testing.T) {
	f := newFixture(t, nil, llmtest.Fail(llm.NewStatusError("test", 400, errors.New("bad request"))))

	run := f.submit(testJob(model.ModeReview))
	done := f.waitStatus(run.ID, model.StatusFailed)

	assert.Contains(t, done.Error, "bad request")
	assert.Len(t, f.client.Requests(), 1)
	errs := eventsOf[model.ErrorEvent](f.sink)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "bad request")
	assert.Equal(t, sandbox.StateStopped, f.sandbox.currentState())
}

func TestCancelWhileAwaitingApproval(t *testing.T) {
	f := newFixture(t, nil, llmtest.Text("Done."))

	run := f.submit(testJob(model.ModeBugfix))
	f.waitStatus(run.ID, model.StatusAwaitingApproval)

	require.NoError(t, f.engine.Cancel(context.Background(), run.ID))
	f.waitStatus(run.ID, model.StatusCancelled)
	assert.Equal(t, sandbox.StateStopped, f.sandbox.currentState())

	f.engine.Wait()
	err := f.engine.Cancel(context.Background(), run.ID)
	assert.ErrorIs(t, err, model.ErrTerminal)
	waits, err := f.store.PendingApprovalWaits(context.Background())
	require.NoError(t, err)
	assert.Empty(t, waits)
}

func TestExternalCancelStopsFollowUpLoop(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.FollowUp.ShortIdle = 24 * time.Hour }, llmtest.Text("Done."))

	run := f.submit(testJob(model.ModeImplement))
	f.waitStatus(run.ID, model.StatusAwaitingApproval)
	require.NoError(t, f.engine.Approve(context.Background(), run.ID))
	f.waitStatus(run.ID, model.StatusAwaitingFollowUp)

	// Another process cancels through the shared store.
	require.NoError(t, f.store.SetStatus(context.Background(), run.ID, model.StatusCancelled))

	f.engine.Wait()
	got, err := f.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
	assert.Equal(t, sandbox.StateStopped, f.sandbox.currentState())
	assert.Equal(t, model.StatusCancelled, f.sink.statuses()[len(f.sink.statuses())-1])
}

func TestTimeBudgetEndsFollowUpLoop(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.FollowUp.ShortIdle = 24 * time.Hour }, llmtest.Text("Done."))

	job := testJob(model.ModeImplement)
	job.TimeBudget = model.Duration(3 * time.Minute)
	run := f.submit(job)
	f.waitStatus(run.ID, model.StatusAwaitingApproval)
	require.NoError(t, f.engine.Approve(context.Background(), run.ID))

	f.waitStatus(run.ID, model.StatusCompleted)
	assert.True(t, f.sink.logged("Time budget reached"))
}

func TestExternalFailureStopsWaits(t *testing.T) {
	tests := []struct {
		name    string
		approve bool
		waitFor model.RunStatus
	}{
		{name: "awaiting approval", waitFor: model.StatusAwaitingApproval},
		{name: "awaiting follow-up", approve: true, waitFor: model.StatusAwaitingFollowUp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(c *Config) { c.FollowUp.ShortIdle = 24 * time.Hour }, llmtest.Text("Done."))

			run := f.submit(testJob(model.ModeImplement))
			f.waitStatus(run.ID, model.StatusAwaitingApproval)
			if tt.approve {
				require.NoError(t, f.engine.Approve(context.Background(), run.ID))
			}
			f.waitStatus(run.ID, tt.waitFor)

			require.NoError(t, f.store.SetStatus(context.Background(), run.ID, model.StatusFailed))

			f.engine.Wait()
			got, err := f.store.GetRun(context.Background(), run.ID)
			require.NoError(t, err)
			assert.Equal(t, model.StatusFailed, got.Status)
			assert.Equal(t, sandbox.StateStopped, f.sandbox.currentState())
			statuses := f.sink.statuses()
			assert.Equal(t, model.StatusFailed, statuses[len(statuses)-1])
			assert.NotContains(t, statuses, model.StatusCancelled)
		})
	}
}

func TestFollowUpIdleCeiling(t *testing.T) {
	tests := []struct {
		name      string
		shortIdle time.Duration
		want      time.Duration
	}{
		{name: "configured", shortIdle: 30 * time.Second, want: 30 * time.Second},
		{name: "unset falls back to default", shortIdle: 0, want: DefaultFollowUpConfig.ShortIdle},
		{name: "longer ceiling", shortIdle: 2 * time.Minute, want: 2 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(c *Config) { c.FollowUp.ShortIdle = tt.shortIdle }, llmtest.Text("Done."))

			run := f.submit(testJob(model.ModeImplement))
			f.waitStatus(run.ID, model.StatusAwaitingApproval)
			require.NoError(t, f.engine.Approve(context.Background(), run.ID))
			f.waitStatus(run.ID, model.StatusCompleted)

			idle := f.sink.between(model.StatusAwaitingFollowUp, model.StatusCompleted)
			assert.GreaterOrEqual(t, idle, tt.want, "left awaiting_followup before the idle ceiling")
			assert.Less(t, idle, tt.want+10*time.Second)
			assert.True(t, f.sink.logged("No follow-up received"))
		})
	}
}

func TestTimeBudgetWinsOverQueuedFollowUp(t *testing.T) {
	f := newFixture(t, nil, llmtest.Text("Done."), llmtest.Text("Should not run."))

	job := testJob(model.ModeImplement)
	job.TimeBudget = model.Duration(3 * time.Minute)
	run := f.submit(job)
	f.waitStatus(run.ID, model.StatusAwaitingApproval)

	_, err := f.engine.SendFollowUp(context.Background(), run.ID, "One more change")
	require.NoError(t, err)
	f.clock.Advance(5 * time.Minute)
	require.NoError(t, f.engine.Approve(context.Background(), run.ID))

	f.waitStatus(run.ID, model.StatusCompleted)
	assert.True(t, f.sink.logged("Time budget reached"))
	assert.Empty(t, eventsOf[model.UserMessageEvent](f.sink))
	assert.Len(t, f.client.Requests(), 1)
}

func TestPendingFollowUpsAreJoined(t *testing.T) {
	f := newFixture(t, nil, llmtest.Text("Done."), llmtest.Text("Both handled."))

	run := f.submit(testJob(model.ModeImplement))
	f.waitStatus(run.ID, model.StatusAwaitingApproval)

	ctx := context.Background()
	_, err := f.engine.SendFollowUp(ctx, run.ID, "Rename the handler")
	require.NoError(t, err)
	_, err = f.engine.SendFollowUp(ctx, run.ID, "Then add a test")
	require.NoError(t, err)
	require.NoError(t, f.engine.Approve(ctx, run.ID))

	f.waitStatus(run.ID, model.StatusCompleted)
	msgs := eventsOf[model.UserMessageEvent](f.sink)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Rename the handler\n\nThen add a test", msgs[0].Text)

	reqs := f.client.Requests()
	require.Len(t, reqs, 2)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, "Rename the handler\n\nThen add a test", last.Content)
}

func TestApprovalTimesOutOnClock(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ApprovalTimeout = time.Minute }, llmtest.Text("Done."))

	run := f.submit(testJob(model.ModeImplement))
	done := f.waitStatus(run.ID, model.StatusFailed)

	assert.Contains(t, done.Error, model.ErrApprovalTimeout.Error())
	assert.GreaterOrEqual(t, f.sink.between(model.StatusAwaitingApproval, model.StatusFailed), time.Minute)
	assert.Equal(t, sandbox.StateStopped, f.sandbox.currentState())
	waits, err := f.store.PendingApprovalWaits(context.Background())
	require.NoError(t, err)
	assert.Empty(t, waits)
}

func TestSweepExpiresApproval(t *testing.T) {
	f := newFixture(t, nil, llmtest.Text("Done."))

	run := f.submit(testJob(model.ModeImplement))
	f.waitStatus(run.ID, model.StatusAwaitingApproval)

	f.engine.SweepApprovals(context.Background())
	f.engine.mu.Lock()
	_, parked := f.engine.waiters[run.ID]
	f.engine.mu.Unlock()
	assert.True(t, parked, "sweep before the deadline must not expire the wait")

	f.clock.Advance(2000 * time.Hour)
	f.engine.SweepApprovals(context.Background())

	done := f.waitStatus(run.ID, model.StatusFailed)
	assert.Contains(t, done.Error, model.ErrApprovalTimeout.Error())
	assert.Equal(t, sandbox.StateStopped, f.sandbox.currentState())
}

func TestResumeFromCheckpoint(t *testing.T) {
	f := newFixture(t, nil, llmtest.Text("Added /healthz."))

	run := f.submit(testJob(model.ModeImplement))
	f.waitStatus(run.ID, model.StatusAwaitingApproval)

	// Shutdown leaves the run resumable.
	f.engine.Stop()
	got, err := f.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAwaitingApproval, got.Status)
	snap, err := f.store.LatestSnapshot(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Turn)

	e2, client := f.newEngine(llmtest.Text("Added a test."))
	f.engine = e2
	require.NoError(t, e2.Resume(context.Background()))
	require.Eventually(t, func() bool {
		e2.mu.Lock()
		defer e2.mu.Unlock()
		_, ok := e2.waiters[run.ID]
		return ok
	}, 5*time.Second, 5*time.Millisecond)
	assert.True(t, f.sink.logged("Resumed from checkpoint at turn 1"))

	_, err = e2.SendFollowUp(context.Background(), run.ID, "Also add a test")
	require.NoError(t, err)
	require.NoError(t, e2.Approve(context.Background(), run.ID))
	done := f.waitStatus(run.ID, model.StatusCompleted)
	assert.Equal(t, 2, done.Turns)

	reqs := client.Requests()
	require.Len(t, reqs, 1)
	msgs := reqs[0].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, "Add a health endpoint", msgs[0].Content)
	assert.Equal(t, "Added /healthz.", msgs[1].Content)
	assert.Equal(t, "Also add a test", msgs[2].Content)
}

func TestResumeWithoutCheckpointFails(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	run := testJob(model.ModeImplement).NewRun("01J0000000000000000000TEST", f.clock.Now())
	require.NoError(t, f.store.CreateRun(ctx, run))
	require.NoError(t, f.store.SetStatus(ctx, run.ID, model.StatusRunning))

	require.NoError(t, f.engine.Resume(ctx))
	done := f.waitStatus(run.ID, model.StatusFailed)
	assert.Contains(t, done.Error, "interrupted before its first checkpoint")
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	job := testJob(model.ModeImplement)
	job.Prompt = "  "
	_, err := f.engine.Submit(ctx, job)
	assert.ErrorIs(t, err, model.ErrValidation)

	job = testJob(model.ModeImplement)
	job.RunID = "unknown"
	job.Continuation = true
	_, err = f.engine.Submit(ctx, job)
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = f.engine.SendFollowUp(ctx, "whatever", "")
	assert.ErrorIs(t, err, model.ErrValidation)

	runs, err := f.store.ListRuns(ctx, store.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func toolNames(req llm.Request) []string {
	names := make([]string, len(req.Tools))
	for i, t := range req.Tools {
		names[i] = t.Name
	}
	return names
}

func TestSetFollowUpConfigFillsDefaults(t *testing.T) {
	f := newFixture(t, nil)

	f.engine.SetFollowUpConfig(FollowUpConfig{PollInterval: 2 * time.Second})
	got := f.engine.followUpConfig()
	assert.Equal(t, 2*time.Second, got.PollInterval)
	assert.Equal(t, DefaultFollowUpConfig.ShortIdle, got.ShortIdle)
	assert.Equal(t, DefaultFollowUpConfig.LongIdle, got.LongIdle)
}
