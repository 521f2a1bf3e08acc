package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aikaara/assembly-lime/agent"
	"github.com/aikaara/assembly-lime/bridge"
	"github.com/aikaara/assembly-lime/internal/ghapp"
	"github.com/aikaara/assembly-lime/llm"
	"github.com/aikaara/assembly-lime/model"
	"github.com/aikaara/assembly-lime/selector"
	"github.com/aikaara/assembly-lime/tools"
	"github.com/aikaara/assembly-lime/workspace"
)

const cleanupTimeout = 30 * time.Second

// runContext is everything one run needs. It is created per run and never
// shared between runs.
type runContext struct {
	run    *model.Run
	job    *model.Job
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	bridge *bridge.Bridge

	client    llm.Client
	ws        *workspace.Workspace
	bundle    *tools.Bundle
	agent     *agent.Agent
	extraDirs []string
	baseRef   string
	startedAt time.Time

	mu              sync.Mutex
	cancelRequested bool
	budgetExhausted bool
	token           ghapp.Token
	tasks           []model.Task
	followUps       int
	lastMessageID   int64
}

func (e *Engine) newRunContext(run *model.Run, job *model.Job) *runContext {
	ctx, cancel := context.WithCancel(e.ctx)
	logger := e.logger.With(zap.String("run_id", run.ID), zap.String("mode", string(run.Mode)))
	rc := &runContext{
		run:    run,
		job:    job,
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		bridge: bridge.New(bridge.Options{
			RunID:               run.ID,
			Provider:            run.Provider,
			Events:              e.deps.Events,
			Records:             e.deps.Records,
			Logger:              logger,
			Metrics:             e.deps.Metrics,
			Heartbeat:           e.config.Heartbeat,
			SuppressFinalStatus: true,
		}),
		tasks:     append([]model.Task(nil), run.Tasks...),
		startedAt: run.StartedAt,
	}
	return rc
}

func (rc *runContext) requestCancel() {
	rc.mu.Lock()
	rc.cancelRequested = true
	rc.mu.Unlock()
	rc.cancel()
}

func (rc *runContext) cancelled() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.cancelRequested
}

// writes reports whether the current phase edits the repository. A plan
// run writes once its branch exists, which happens on approval.
func (rc *runContext) writes() bool {
	return rc.run.Mode.Writes() || (rc.run.Mode == model.ModePlan && rc.run.Branch != "")
}

func (rc *runContext) toolMode() model.Mode {
	if rc.run.Mode == model.ModePlan && rc.writes() {
		return model.ModeImplement
	}
	return rc.run.Mode
}

func (rc *runContext) snapshotTasks() []model.Task {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]model.Task(nil), rc.tasks...)
}

func (rc *runContext) currentToken() string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.token.Value
}

// startRun drives a fresh run from queued to its first resting state.
func (e *Engine) startRun(rc *runContext) {
	ctx := rc.ctx
	if err := e.acquire(ctx); err != nil {
		e.end(rc, err)
		return
	}
	err := e.prepare(ctx, rc)
	if err == nil {
		err = e.runSequence(ctx, rc, initialPrompt(rc.run, rc.job), jobImages(rc.job)...)
	}
	if err == nil {
		e.checkpoint(rc)
	}
	if err == nil && rc.run.Mode.Writes() {
		err = e.finalize(ctx, rc)
	}
	e.release()
	if err != nil {
		e.end(rc, err)
		return
	}
	e.end(rc, e.afterInitial(ctx, rc))
}

// afterInitial runs the mode-specific part of the state machine that
// follows the initial turn-sequence.
func (e *Engine) afterInitial(ctx context.Context, rc *runContext) error {
	switch rc.run.Mode {
	case model.ModeReview:
		return nil
	case model.ModePlan:
		if err := e.awaitApproval(ctx, rc, nil); err != nil {
			return err
		}
		if err := e.implementPlan(ctx, rc); err != nil {
			return err
		}
	default:
		if err := e.awaitApproval(ctx, rc, nil); err != nil {
			return err
		}
		if err := e.setStatus(ctx, rc, model.StatusRunning, "approved"); err != nil {
			return err
		}
	}
	return e.followUpLoop(ctx, rc)
}

// prepare resolves the repository, issues credentials, provisions and
// clones the workspace and builds the agent.
func (e *Engine) prepare(ctx context.Context, rc *runContext) error {
	run := rc.run
	rc.startedAt = e.clock.Now().UTC()
	run.StartedAt = rc.startedAt
	if err := e.setStatus(ctx, rc, model.StatusRunning, ""); err != nil {
		return err
	}

	client, err := e.deps.LLM.Client(run.Provider, run.Model)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrValidation, err)
	}
	rc.client = client
	if run.Model == "" {
		run.Model = client.Model()
	}

	if run.Repo == nil {
		sel, err := selector.New(client, rc.logger).Select(ctx, run.Prompt(), run.Candidates)
		if err != nil {
			return fmt.Errorf("selecting repository: %w", err)
		}
		repo := sel.Candidate.RepoTarget
		run.Repo = &repo
		rc.bridge.Log("Selected repository %s: %s", repo.FullName(), sel.Reasoning)
	}
	repo := *run.Repo

	if err := e.issueToken(ctx, rc, true); err != nil {
		return err
	}

	rc.bridge.Log("Provisioning sandbox")
	ws, err := e.deps.Workspaces.Provision(ctx, workspace.ProvisionRequest{
		RunID:    run.ID,
		Provider: run.SandboxProvider,
		Mode:     run.Mode,
		RepoName: repo.Name,
	})
	if err != nil {
		return err
	}
	rc.ws = ws
	run.SandboxProvider = ws.ProviderName()
	run.SandboxID = ws.ID()
	run.RepoDir = ws.RepoDir()
	if err := e.saveRun(ctx, rc); err != nil {
		return err
	}
	rc.bridge.Emit(model.SandboxEvent{SandboxID: ws.ID()})
	rc.bridge.Record(model.RecordSandbox, map[string]string{
		"provider":   ws.ProviderName(),
		"sandbox_id": ws.ID(),
		"repo_dir":   ws.RepoDir(),
	})

	rc.bridge.Log("Cloning %s", repo.FullName())
	if err := ws.Clone(ctx, workspace.CloneOptions{
		CloneURL:      repo.CloneURLOrDefault(),
		DefaultBranch: repo.DefaultBranch,
		Ref:           repo.Ref,
		AuthToken:     rc.currentToken(),
	}); err != nil {
		return err
	}
	rc.baseRef = e.headRef(ctx, ws)

	if len(run.ExtraRepos) > 0 {
		extras, err := e.extraRepoTokens(ctx, rc, run.ExtraRepos)
		if err != nil {
			return err
		}
		dirs, err := ws.CloneExtra(ctx, extras...)
		if err != nil {
			return err
		}
		rc.extraDirs = dirs
	}

	if run.Mode.Writes() {
		if err := e.createBranch(ctx, rc); err != nil {
			return err
		}
	}
	return e.buildAgent(ctx, rc)
}

// resumeRun reconnects a run to its sandbox from the latest checkpoint.
func (e *Engine) resumeRun(rc *runContext) {
	ctx := rc.ctx
	run := rc.run
	snap, err := e.latestSnapshot(ctx, run.ID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			err = fmt.Errorf("run %s was interrupted before its first checkpoint", run.ID)
		}
		e.end(rc, err)
		return
	}

	if err := e.acquire(ctx); err != nil {
		e.end(rc, err)
		return
	}
	err = e.restore(ctx, rc, snap)
	e.release()
	if err != nil {
		e.end(rc, err)
		return
	}
	rc.bridge.Log("Resumed from checkpoint at turn %d", snap.Turn)
	e.end(rc, e.resumeFrom(ctx, rc))
}

// resumeFrom picks the state machine back up according to the persisted
// status.
func (e *Engine) resumeFrom(ctx context.Context, rc *runContext) error {
	run := rc.run
	switch run.Status {
	case model.StatusAwaitingApproval:
		wait := e.pendingWait(ctx, run.ID)
		if err := e.awaitApproval(ctx, rc, wait); err != nil {
			return err
		}
		if run.Mode == model.ModePlan {
			if err := e.implementPlan(ctx, rc); err != nil {
				return err
			}
		} else if err := e.setStatus(ctx, rc, model.StatusRunning, "approved"); err != nil {
			return err
		}
		return e.followUpLoop(ctx, rc)

	case model.StatusPlanApproved:
		if err := e.implementPlan(ctx, rc); err != nil {
			return err
		}
		return e.followUpLoop(ctx, rc)

	case model.StatusRunning:
		// The process stopped mid-sequence. Finish the pending turn first.
		if pendingReply(rc.agent.Messages()) {
			if err := e.withSlot(ctx, func() error { return e.continueSequence(ctx, rc) }); err != nil {
				return err
			}
		}
		if rc.writes() {
			if err := e.withSlot(ctx, func() error { return e.finalize(ctx, rc) }); err != nil {
				return err
			}
		}
		if rc.followUps == 0 && !(run.Mode == model.ModePlan && rc.writes()) {
			return e.afterInitial(ctx, rc)
		}
		if err := e.setStatus(ctx, rc, model.StatusAwaitingFollowUp, ""); err != nil {
			return err
		}
		return e.followUpLoop(ctx, rc)
	}
	return e.followUpLoop(ctx, rc)
}

// restore rebuilds workspace, agent and loop state from a snapshot.
func (e *Engine) restore(ctx context.Context, rc *runContext, snap *model.SessionSnapshot) error {
	run := rc.run
	if run.SandboxID == "" {
		return fmt.Errorf("%w: run %s has no sandbox to reconnect to", model.ErrProvisioning, run.ID)
	}
	client, err := e.deps.LLM.Client(run.Provider, run.Model)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrValidation, err)
	}
	rc.client = client
	if rc.startedAt.IsZero() {
		rc.startedAt = run.CreatedAt
	}
	if err := e.issueToken(ctx, rc, true); err != nil {
		return err
	}
	ws, err := e.deps.Workspaces.Reconnect(ctx, run.SandboxProvider, run.SandboxID, run.RepoDir, rc.currentToken())
	if err != nil {
		return err
	}
	rc.ws = ws
	rc.baseRef = e.headRef(ctx, ws)
	for _, r := range run.ExtraRepos {
		rc.extraDirs = append(rc.extraDirs, ws.ExtraDir(r.Name))
	}

	var messages []llm.Message
	if err := json.Unmarshal(snap.Messages, &messages); err != nil {
		return fmt.Errorf("decoding snapshot messages: %w", err)
	}
	rc.mu.Lock()
	if len(snap.Tasks) > 0 {
		rc.tasks = append([]model.Task(nil), snap.Tasks...)
	}
	rc.followUps = snap.FollowUpCount
	rc.lastMessageID = snap.LastUserMessageID
	rc.mu.Unlock()

	if err := e.buildAgent(ctx, rc); err != nil {
		return err
	}
	rc.agent.Restore(messages, snap.Turn)
	return nil
}

// buildAgent creates the agent with the mode's tools and system prompt.
func (e *Engine) buildAgent(ctx context.Context, rc *runContext) error {
	run := rc.run
	rc.bundle = tools.NewBundle(rc.ws.Backend(), rc.ws.RepoDir(), rc.extraDirs...)
	a := agent.New(rc.client, agent.Options{
		MaxTurns:   run.MaxTurns,
		MaxCostUSD: run.MaxCostUSD,
		MaxTokens:  e.config.MaxTokens,
	})
	a.OnTurnEnd(func(turn int) {
		if turn%e.config.CheckpointEvery == 0 {
			e.checkpoint(rc)
		}
	})
	rc.agent = a
	e.configureAgent(ctx, rc)
	rc.bridge.Attach(a)
	return nil
}

// configureAgent installs the tools and system prompt of the run's current
// phase. An approved plan switches the agent to implementation.
func (e *Engine) configureAgent(ctx context.Context, rc *runContext) {
	mode := rc.toolMode()
	var verify []string
	if mode.Writes() {
		cmds, err := rc.ws.VerifyCommands(ctx)
		if err != nil {
			rc.logger.Warn("detecting verify commands", zap.Error(err))
		}
		verify = cmds
	}
	rc.agent.SetSystemPrompt(systemPrompt(rc.run, mode, rc.extraDirs, verify))
	rc.agent.SetTools(rc.bundle.ForMode(mode))
	rc.agent.AddTools(e.taskTools(rc)...)
}

// runSequence prompts the agent and retries transient LLM failures by
// continuing from the last completed turn.
func (e *Engine) runSequence(ctx context.Context, rc *runContext, text string, images ...llm.Image) error {
	return e.sequence(ctx, rc, func(ctx context.Context, attempt int) (agent.Outcome, error) {
		if attempt == 1 {
			return rc.agent.Prompt(ctx, text, images...)
		}
		return rc.agent.Continue(ctx)
	})
}

// continueSequence finishes a turn-sequence interrupted by a restart.
func (e *Engine) continueSequence(ctx context.Context, rc *runContext) error {
	return e.sequence(ctx, rc, func(ctx context.Context, _ int) (agent.Outcome, error) {
		return rc.agent.Continue(ctx)
	})
}

func (e *Engine) sequence(ctx context.Context, rc *runContext, step func(context.Context, int) (agent.Outcome, error)) error {
	remaining := rc.run.TimeBudget - e.clock.Now().Sub(rc.startedAt)
	if rc.run.TimeBudget > 0 && remaining <= 0 {
		rc.markBudgetExhausted()
		rc.bridge.Log("Time budget exhausted")
		return nil
	}
	seqCtx := ctx
	if rc.run.TimeBudget > 0 {
		var cancel context.CancelFunc
		seqCtx, cancel = context.WithTimeout(ctx, remaining)
		defer cancel()
	}
	if !rc.bridge.Attached() {
		rc.bridge.Attach(rc.agent)
	}

	var outcome agent.Outcome
	err := e.retry.Do(seqCtx, func(ctx context.Context, attempt int) error {
		out, err := step(ctx, attempt)
		if err != nil {
			e.deps.Metrics.LLMError(rc.run.Provider, rc.client.Model())
			return err
		}
		outcome = out
		return nil
	}, func(attempt int, delay time.Duration, err error) {
		e.deps.Metrics.Retry("llm")
		rc.logger.Warn("retrying turn-sequence", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		rc.bridge.Log("LLM call failed, retrying in %s (attempt %d of %d)", delay.Round(time.Second), attempt, e.retry.Config.MaxAttempts)
	})

	rc.run.Turns = rc.agent.Turns()
	rc.run.CostUSD = rc.agent.CostUSD()

	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		rc.markBudgetExhausted()
		rc.bridge.Log("Time budget exhausted")
		err = nil
	}
	if err != nil {
		return err
	}
	switch outcome.Reason {
	case agent.EndMaxTurns:
		rc.bridge.Log("Turn budget exhausted after %d turns", rc.run.Turns)
	case agent.EndMaxCost:
		rc.bridge.Log("Cost budget exhausted at $%.2f", rc.run.CostUSD)
	}
	return e.saveRun(ctx, rc)
}

func (rc *runContext) markBudgetExhausted() {
	rc.mu.Lock()
	rc.budgetExhausted = true
	rc.mu.Unlock()
}

func (rc *runContext) isBudgetExhausted() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.budgetExhausted
}

// withSlot runs fn while holding a turn-sequence slot.
func (e *Engine) withSlot(ctx context.Context, fn func() error) error {
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()
	return fn()
}

// end moves the run to its terminal status, or leaves it resumable when
// the engine is shutting down.
func (e *Engine) end(rc *runContext, err error) {
	if e.ctx.Err() != nil && !rc.cancelled() {
		e.interrupt(rc)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	switch {
	case err == nil:
		e.stopWorkspace(ctx, rc)
		rc.bridge.Finish(nil)
		_ = e.setStatus(ctx, rc, model.StatusCompleted, "")

	case rc.cancelled() || errors.Is(err, model.ErrCancelled):
		e.stopWorkspace(ctx, rc)
		_ = e.deps.Store.ResolveApprovalWait(ctx, rc.run.ID, model.DecisionRejected, "cancelled")
		rc.bridge.Finish(nil)
		if err := e.setStatus(ctx, rc, model.StatusCancelled, cancelDetail(err)); errors.Is(err, model.ErrTerminal) {
			// Already cancelled externally; still announce it.
			rc.bridge.Emit(model.StatusEvent{Status: model.StatusCancelled})
		}

	case errors.Is(err, model.ErrTerminal):
		// Another process already ended the run.
		e.stopWorkspace(ctx, rc)
		_ = e.deps.Store.ResolveApprovalWait(ctx, rc.run.ID, model.DecisionRejected, "run ended")
		rc.bridge.Finish(nil)
		if current, gerr := e.deps.Store.GetRun(ctx, rc.run.ID); gerr == nil {
			rc.run.Status = current.Status
		}
		rc.bridge.Emit(model.StatusEvent{Status: rc.run.Status, Detail: err.Error()})

	default:
		e.fail(ctx, rc, err)
	}
	rc.logger.Info("run finished", zap.String("status", string(rc.run.Status)), zap.Int("turns", rc.run.Turns))
}

// fail stops the workspace, then reports the error.
func (e *Engine) fail(ctx context.Context, rc *runContext, err error) {
	rc.logger.Error("run failed", zap.Error(err))
	e.stopWorkspace(ctx, rc)
	rc.run.Error = err.Error()
	if serr := e.saveRun(ctx, rc); serr != nil {
		rc.logger.Warn("saving failed run", zap.Error(serr))
	}
	rc.bridge.Finish(nil)
	rc.bridge.Emit(model.ErrorEvent{Message: err.Error()})
	_ = e.setStatus(ctx, rc, model.StatusFailed, err.Error())
}

// interrupt checkpoints a run on shutdown and leaves its status alone.
func (e *Engine) interrupt(rc *runContext) {
	if rc.agent != nil {
		e.checkpoint(rc)
	}
	rc.bridge.Detach()
	rc.logger.Info("run interrupted by shutdown", zap.String("status", string(rc.run.Status)))
}

func (e *Engine) stopWorkspace(ctx context.Context, rc *runContext) {
	if rc.ws == nil {
		return
	}
	if err := rc.ws.Stop(ctx); err != nil {
		rc.logger.Warn("stopping sandbox", zap.Error(err))
	}
}

// setStatus persists and announces a status change.
func (e *Engine) setStatus(ctx context.Context, rc *runContext, status model.RunStatus, detail string) error {
	if !rc.run.Status.IsTerminal() && !model.CanTransition(rc.run.Status, status) {
		return fmt.Errorf("invalid status transition %s -> %s", rc.run.Status, status)
	}
	if err := e.deps.Store.SetStatus(ctx, rc.run.ID, status); err != nil {
		rc.logger.Warn("setting status", zap.String("status", string(status)), zap.Error(err))
		return err
	}
	rc.run.Status = status
	e.deps.Metrics.RunStatus(rc.run.Mode, status)
	rc.bridge.Emit(model.StatusEvent{Status: status, Detail: detail})
	return nil
}

// saveRun persists the mutable run fields without touching the status.
func (e *Engine) saveRun(ctx context.Context, rc *runContext) error {
	current, err := e.deps.Store.GetRun(ctx, rc.run.ID)
	if err != nil {
		return fmt.Errorf("reloading run: %w", err)
	}
	if current.Status.IsTerminal() && !rc.run.Status.IsTerminal() {
		return endedExternally(current.Status, "running")
	}
	rc.mu.Lock()
	rc.run.Tasks = append([]model.Task(nil), rc.tasks...)
	rc.mu.Unlock()
	rc.run.Status = current.Status
	rc.run.UpdatedAt = e.clock.Now().UTC()
	if err := e.deps.Store.UpdateRun(ctx, rc.run); err != nil {
		return fmt.Errorf("updating run: %w", err)
	}
	return nil
}

// issueToken fetches repository credentials for the primary repo owner.
// Unless force is set, a token that is not about to expire is kept.
func (e *Engine) issueToken(ctx context.Context, rc *runContext, force bool) error {
	repo := rc.run.Repo
	if repo == nil {
		return nil
	}
	if repo.AuthToken != "" {
		rc.mu.Lock()
		rc.token = ghapp.Token{Value: repo.AuthToken}
		rc.mu.Unlock()
		return nil
	}
	rc.mu.Lock()
	current := rc.token
	rc.mu.Unlock()
	if e.deps.Credentials == nil {
		return nil
	}
	if !force && current.Value != "" && !current.ExpiresWithin(ghapp.RefreshThreshold) {
		return nil
	}
	tok, err := e.deps.Credentials.Token(ctx, repo.Owner)
	if err != nil {
		return fmt.Errorf("%w: issuing credentials for %s: %v", model.ErrProvisioning, repo.Owner, err)
	}
	rc.mu.Lock()
	rc.token = tok
	rc.mu.Unlock()
	if rc.ws != nil {
		rc.ws.SetToken(tok.Value)
	}
	return nil
}

// extraRepoTokens fills in credentials for additional repositories.
func (e *Engine) extraRepoTokens(ctx context.Context, rc *runContext, repos []model.RepoTarget) ([]model.RepoTarget, error) {
	out := make([]model.RepoTarget, len(repos))
	byOwner := map[string]string{rc.run.Repo.Owner: rc.currentToken()}
	for i, r := range repos {
		if r.AuthToken == "" && e.deps.Credentials != nil {
			tok, ok := byOwner[r.Owner]
			if !ok {
				t, err := e.deps.Credentials.Token(ctx, r.Owner)
				if err != nil {
					return nil, fmt.Errorf("%w: issuing credentials for %s: %v", model.ErrProvisioning, r.Owner, err)
				}
				tok = t.Value
				byOwner[r.Owner] = tok
			}
			r.AuthToken = tok
		}
		out[i] = r
	}
	return out, nil
}

func (e *Engine) createBranch(ctx context.Context, rc *runContext) error {
	if rc.run.Branch != "" {
		return nil
	}
	branch := e.config.BranchPrefix + strings.ToLower(rc.run.ID)
	if err := rc.ws.CreateBranch(ctx, branch); err != nil {
		return err
	}
	rc.run.Branch = branch
	return e.saveRun(ctx, rc)
}

// headRef returns the commit the checkout started from, for diffs.
func (e *Engine) headRef(ctx context.Context, ws *workspace.Workspace) string {
	res, err := ws.Exec(ctx, "git rev-parse HEAD", 30*time.Second)
	if err != nil || res.ExitCode != 0 {
		return "HEAD"
	}
	if sha := strings.TrimSpace(res.Stdout); sha != "" {
		return sha
	}
	return "HEAD"
}

// --- Helpers ---

func jobImages(job *model.Job) []llm.Image {
	if job == nil {
		return nil
	}
	var out []llm.Image
	for _, img := range job.Images {
		if img.Data == "" {
			continue
		}
		out = append(out, llm.Image{MimeType: img.MimeType, Data: img.Data})
	}
	return out
}

// pendingReply reports whether the conversation ends waiting for the model.
func pendingReply(messages []llm.Message) bool {
	return len(messages) > 0 && messages[len(messages)-1].Role == llm.RoleUser
}

func cancelDetail(err error) string {
	if err == nil || errors.Is(err, context.Canceled) {
		return ""
	}
	return err.Error()
}
