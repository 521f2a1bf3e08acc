// Package engine drives runs through their lifecycle: repository selection,
// workspace provisioning, agent turn-sequences, approval gates, follow-up
// messages, checkpoints and finalization.
// It depends only on interfaces (store, llm, credentials, pull requests)
// plus the workspace manager.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/aikaara/assembly-lime/internal/ghapp"
	"github.com/aikaara/assembly-lime/internal/github"
	"github.com/aikaara/assembly-lime/internal/metrics"
	"github.com/aikaara/assembly-lime/internal/retry"
	"github.com/aikaara/assembly-lime/llm"
	"github.com/aikaara/assembly-lime/model"
	"github.com/aikaara/assembly-lime/store"
	"github.com/aikaara/assembly-lime/workspace"
)

// FollowUpConfig tunes the follow-up polling loop.
type FollowUpConfig struct {
	PollInterval     time.Duration
	Jitter           time.Duration
	ShortIdle        time.Duration // before the first follow-up
	LongIdle         time.Duration // after at least one follow-up
	StatusCheckEvery int           // poll the run status every Nth poll
	TailMargin       time.Duration // reserved at the end of the time budget
}

// DefaultFollowUpConfig matches the documented defaults.
var DefaultFollowUpConfig = FollowUpConfig{
	PollInterval:     time.Second,
	Jitter:           200 * time.Millisecond,
	ShortIdle:        30 * time.Second,
	LongIdle:         15 * time.Minute,
	StatusCheckEvery: 10,
	TailMargin:       2 * time.Minute,
}

// Config holds engine-specific configuration.
type Config struct {
	BranchPrefix string
	CommitAuthor string
	CommitEmail  string

	DefaultTimeBudget time.Duration
	DefaultMaxTurns   int
	MaxTokens         int
	CheckpointEvery   int
	ApprovalTimeout   time.Duration
	Heartbeat         time.Duration
	Concurrency       int // concurrently active turn-sequences

	// SweepSpec is the cron spec of the approval expiry sweeper.
	SweepSpec string

	FollowUp FollowUpConfig
	Retry    retry.Config
}

func (c *Config) applyDefaults() {
	if c.BranchPrefix == "" {
		c.BranchPrefix = "lime/"
	}
	if c.CommitAuthor == "" {
		c.CommitAuthor = "lime"
	}
	if c.CommitEmail == "" {
		c.CommitEmail = "lime@users.noreply.github.com"
	}
	if c.DefaultTimeBudget <= 0 {
		c.DefaultTimeBudget = 45 * time.Minute
	}
	if c.DefaultMaxTurns <= 0 {
		c.DefaultMaxTurns = 100
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = 10
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = 24 * time.Hour
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.SweepSpec == "" {
		c.SweepSpec = "@every 1m"
	}
	d := DefaultFollowUpConfig
	if c.FollowUp.PollInterval <= 0 {
		c.FollowUp.PollInterval = d.PollInterval
	}
	if c.FollowUp.Jitter < 0 {
		c.FollowUp.Jitter = 0
	}
	if c.FollowUp.ShortIdle <= 0 {
		c.FollowUp.ShortIdle = d.ShortIdle
	}
	if c.FollowUp.LongIdle <= 0 {
		c.FollowUp.LongIdle = d.LongIdle
	}
	if c.FollowUp.StatusCheckEvery <= 0 {
		c.FollowUp.StatusCheckEvery = d.StatusCheckEvery
	}
	if c.FollowUp.TailMargin < 0 {
		c.FollowUp.TailMargin = 0
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = retry.DefaultConfig
	}
}

// ClientSource builds LLM clients. *llm.Registry implements it.
type ClientSource interface {
	Client(p model.Provider, modelName string) (llm.Client, error)
}

// PullRequests opens and comments on pull requests. *github.Client
// implements it.
type PullRequests interface {
	CreatePR(ctx context.Context, opts github.PROptions) (string, int, error)
	GetDefaultBranch(ctx context.Context, repoFullName string) (string, error)
	CommentOnPR(ctx context.Context, repoFullName string, number int, body string) error
}

// PullRequestFactory returns a pull request client authenticated with token.
type PullRequestFactory func(token string) (PullRequests, error)

// Inbox is where follow-up messages and external status changes are read
// from: the local job store or a remote dashboard.
type Inbox interface {
	PendingUserMessages(ctx context.Context, runID string, afterID int64) ([]model.UserMessage, error)
	RunStatus(ctx context.Context, runID string) (model.RunStatus, error)
}

// Snapshots stores checkpoints. The job store implements it; a remote
// dashboard client may too.
type Snapshots interface {
	SaveSnapshot(ctx context.Context, snap *model.SessionSnapshot) error
	LatestSnapshot(ctx context.Context, runID string) (*model.SessionSnapshot, error)
}

// Deps are the collaborators of an Engine. Store, LLM and Workspaces are
// required.
type Deps struct {
	Store        store.JobStore
	Events       store.EventSink
	Records      store.RecordSink
	LLM          ClientSource
	Workspaces   *workspace.Manager
	Credentials  ghapp.Source // nil clones without credentials
	PullRequests PullRequestFactory

	// Inbox defaults to the job store.
	Inbox Inbox
	// Snapshots defaults to the job store. Snapshots are always kept in
	// the job store as well.
	Snapshots Snapshots
	Clock     Clock
	Metrics   *metrics.Recorder
	Logger    *zap.Logger
}

// Engine orchestrates run lifecycles.
type Engine struct {
	config Config
	deps   Deps
	logger *zap.Logger
	clock  Clock
	inbox  Inbox
	retry  *retry.Policy

	slots       chan struct{}
	remoteSnaps bool

	mu      sync.Mutex
	active  map[string]*runContext
	waiters map[string]chan approvalResult

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Engine.
func New(cfg Config, deps Deps) *Engine {
	cfg.applyDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = realClock{}
	}
	inbox := deps.Inbox
	if inbox == nil {
		inbox = storeInbox{deps.Store}
	}
	remoteSnaps := deps.Snapshots != nil
	if !remoteSnaps {
		deps.Snapshots = deps.Store
	}
	e := &Engine{
		config:  cfg,
		deps:    deps,
		logger:  logger.With(zap.String("component", "engine")),
		clock:   deps.Clock,
		inbox:   inbox,
		retry:   retry.NewPolicy(cfg.Retry, llm.IsTransient),
		slots:   make(chan struct{}, cfg.Concurrency),
		active:  map[string]*runContext{},
		waiters: map[string]chan approvalResult{},

		remoteSnaps: remoteSnaps,
	}
	e.retry.Sleep = e.clock.Sleep
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// Start starts the approval sweeper. Cancelling ctx has the same effect as
// Stop minus the wait.
func (e *Engine) Start(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			e.cancel()
		case <-e.ctx.Done():
		}
	}()
	e.cron = cron.New()
	if _, err := e.cron.AddFunc(e.config.SweepSpec, func() { e.SweepApprovals(e.ctx) }); err != nil {
		return fmt.Errorf("scheduling approval sweeper: %w", err)
	}
	e.cron.Start()
	return nil
}

// Stop cancels all runs and waits for their goroutines. Interrupted runs
// keep their status and are picked up again by Resume.
func (e *Engine) Stop() {
	if e.cron != nil {
		<-e.cron.Stop().Done()
	}
	e.cancel()
	e.wg.Wait()
}

// GetRun returns a run from the job store.
func (e *Engine) GetRun(ctx context.Context, id string) (*model.Run, error) {
	return e.deps.Store.GetRun(ctx, id)
}

// Submit validates a job, creates its run and starts it in the background.
// A job naming an existing, non-terminal run resumes that run instead.
func (e *Engine) Submit(ctx context.Context, job *model.Job) (*model.Run, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}

	if job.RunID != "" {
		existing, err := e.deps.Store.GetRun(ctx, job.RunID)
		switch {
		case err == nil:
			if existing.Status.IsTerminal() {
				return existing, fmt.Errorf("%w: run %s is %s", model.ErrTerminal, existing.ID, existing.Status)
			}
			if e.isActive(existing.ID) {
				return existing, nil
			}
			out := *existing
			e.spawn(existing, job, true)
			return &out, nil
		case !errors.Is(err, model.ErrNotFound):
			return nil, fmt.Errorf("looking up run %s: %w", job.RunID, err)
		}
	}
	if job.Continuation {
		return nil, fmt.Errorf("%w: continuation of unknown run %q", model.ErrValidation, job.RunID)
	}

	now := e.clock.Now().UTC()
	id := job.RunID
	if id == "" {
		id = newRunID(now)
	}
	run := job.NewRun(id, now)
	if run.TimeBudget <= 0 {
		run.TimeBudget = e.config.DefaultTimeBudget
	}
	if run.MaxTurns <= 0 {
		run.MaxTurns = e.config.DefaultMaxTurns
	}
	if err := e.deps.Store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}
	e.deps.Metrics.RunStatus(run.Mode, model.StatusQueued)
	e.emit(run.ID, model.StatusEvent{Status: model.StatusQueued})
	e.logger.Info("run queued",
		zap.String("run_id", run.ID),
		zap.String("mode", string(run.Mode)),
		zap.String("provider", string(run.Provider)),
	)

	out := *run
	e.spawn(run, job, false)
	return &out, nil
}

// Resume re-enters every non-terminal run found in the store. Runs with a
// checkpoint reconnect to their sandbox; queued runs start from scratch;
// anything else is failed since there is nothing to resume from.
func (e *Engine) Resume(ctx context.Context) error {
	runs, err := e.deps.Store.ListRuns(ctx, store.ListOptions{Statuses: []model.RunStatus{
		model.StatusQueued,
		model.StatusRunning,
		model.StatusAwaitingApproval,
		model.StatusPlanApproved,
		model.StatusAwaitingFollowUp,
	}})
	if err != nil {
		return fmt.Errorf("listing runs to resume: %w", err)
	}
	for _, run := range runs {
		if e.isActive(run.ID) {
			continue
		}
		if run.Status == model.StatusQueued {
			e.spawn(run, jobFromRun(run), false)
			continue
		}
		e.spawn(run, nil, true)
	}
	if len(runs) > 0 {
		e.logger.Info("resuming runs", zap.Int("count", len(runs)))
	}
	return nil
}

// Approve completes a pending approval gate.
func (e *Engine) Approve(ctx context.Context, runID string) error {
	return e.resolveApproval(ctx, runID, model.DecisionApproved, "")
}

// Reject completes a pending approval gate with a rejection. The run ends
// cancelled.
func (e *Engine) Reject(ctx context.Context, runID, reason string) error {
	return e.resolveApproval(ctx, runID, model.DecisionRejected, reason)
}

// Cancel stops a run. Local runs are interrupted immediately; runs owned by
// another process notice the status change on their next status poll.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	run, err := e.deps.Store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("%w: run %s is %s", model.ErrTerminal, runID, run.Status)
	}

	e.mu.Lock()
	rc := e.active[runID]
	e.mu.Unlock()
	if rc != nil {
		rc.requestCancel()
		return nil
	}

	if err := e.deps.Store.SetStatus(ctx, runID, model.StatusCancelled); err != nil {
		return err
	}
	_ = e.deps.Store.ResolveApprovalWait(ctx, runID, model.DecisionRejected, "cancelled")
	e.deps.Metrics.RunStatus(run.Mode, model.StatusCancelled)
	e.emit(runID, model.StatusEvent{Status: model.StatusCancelled})
	return nil
}

// SendFollowUp queues a follow-up instruction for a run.
func (e *Engine) SendFollowUp(ctx context.Context, runID, text string) (*model.UserMessage, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: message text is required", model.ErrValidation)
	}
	run, err := e.deps.Store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: run %s is %s", model.ErrTerminal, runID, run.Status)
	}
	msg, err := e.deps.Store.AddUserMessage(ctx, runID, text)
	if err != nil {
		return nil, fmt.Errorf("storing follow-up: %w", err)
	}
	return msg, nil
}

// SetFollowUpConfig replaces the follow-up tunables. Loops pick up the new
// values on their next start.
func (e *Engine) SetFollowUpConfig(cfg FollowUpConfig) {
	c := Config{FollowUp: cfg}
	c.applyDefaults()
	e.mu.Lock()
	e.config.FollowUp = c.FollowUp
	e.mu.Unlock()
	e.logger.Info("follow-up config updated",
		zap.Duration("poll_interval", c.FollowUp.PollInterval),
		zap.Duration("long_idle", c.FollowUp.LongIdle),
	)
}

// Wait blocks until every run goroutine has returned.
func (e *Engine) Wait() { e.wg.Wait() }

// --- Helpers ---

func (e *Engine) followUpConfig() FollowUpConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config.FollowUp
}

func (e *Engine) spawn(run *model.Run, job *model.Job, resume bool) {
	rc := e.newRunContext(run, job)
	e.mu.Lock()
	e.active[run.ID] = rc
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.active, run.ID)
			e.mu.Unlock()
			rc.cancel()
		}()
		if resume {
			e.resumeRun(rc)
			return
		}
		e.startRun(rc)
	}()
}

func (e *Engine) isActive(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[runID]
	return ok
}

// acquire takes a slot for an active turn-sequence.
func (e *Engine) acquire(ctx context.Context) error {
	select {
	case e.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) release() { <-e.slots }

// emit delivers an event outside of a run context.
func (e *Engine) emit(runID string, ev model.AgentEvent) {
	if e.deps.Events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.deps.Events.Emit(ctx, runID, ev); err != nil {
		e.logger.Warn("emitting event", zap.String("run_id", runID), zap.Error(err))
	}
}

// newRunID returns a sortable run id.
func newRunID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
}

// jobFromRun rebuilds the job of a queued run found on restart.
func jobFromRun(run *model.Run) *model.Job {
	job := &model.Job{
		RunID:           run.ID,
		TenantID:        run.TenantID,
		ProjectID:       run.ProjectID,
		Provider:        run.Provider,
		Model:           run.Model,
		Mode:            run.Mode,
		Prompt:          run.InputPrompt,
		ResolvedPrompt:  run.ResolvedPrompt,
		Candidates:      run.Candidates,
		ExtraRepos:      run.ExtraRepos,
		TimeBudget:      model.Duration(run.TimeBudget),
		MaxTurns:        run.MaxTurns,
		MaxCostUSD:      run.MaxCostUSD,
		SandboxProvider: run.SandboxProvider,
	}
	if run.Repo != nil {
		repo := *run.Repo
		job.Repo = &repo
	}
	return job
}

// storeInbox reads follow-ups and status from the local job store.
type storeInbox struct {
	store store.JobStore
}

func (s storeInbox) PendingUserMessages(ctx context.Context, runID string, afterID int64) ([]model.UserMessage, error) {
	return s.store.PendingUserMessages(ctx, runID, afterID)
}

func (s storeInbox) RunStatus(ctx context.Context, runID string) (model.RunStatus, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	return run.Status, nil
}
