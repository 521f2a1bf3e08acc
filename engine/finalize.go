package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aikaara/assembly-lime/internal/github"
	"github.com/aikaara/assembly-lime/model"
	"github.com/aikaara/assembly-lime/pkg/textutil"
)

// maxDiffBytes caps the diff carried by a DiffEvent. The record keeps the
// full diff.
const maxDiffBytes = 256 * 1024

// finalize commits and pushes the agent's changes, opens or updates the
// pull requests, publishes the diff and starts a preview.
func (e *Engine) finalize(ctx context.Context, rc *runContext) error {
	if err := e.finalizePrimary(ctx, rc); err != nil {
		return err
	}
	return e.finalizeExtras(ctx, rc)
}

func (e *Engine) finalizePrimary(ctx context.Context, rc *runContext) error {
	run := rc.run
	ws := rc.ws
	repo := *run.Repo
	status := model.RepoStatus{Repo: repo.FullName(), Branch: run.Branch}

	if err := ws.StageAll(ctx); err != nil {
		return err
	}
	changed, err := ws.HasChanges(ctx)
	if err != nil {
		return err
	}
	if !changed {
		rc.bridge.Log("No changes to commit")
		return nil
	}

	sha, err := ws.Commit(ctx, commitMessage(run), e.config.CommitAuthor, e.config.CommitEmail)
	if err != nil {
		return err
	}
	status.CommitSHA = sha

	if err := e.issueToken(ctx, rc, false); err != nil {
		return err
	}
	if err := ws.Push(ctx, run.Branch); err != nil {
		status.Error = err.Error()
		rc.bridge.Record(model.RecordRepoStatus, status)
		return err
	}
	status.Pushed = true
	rc.bridge.Log("Pushed %s to %s", shortSHA(sha), run.Branch)

	if err := e.openPullRequest(ctx, rc); err != nil {
		status.Error = err.Error()
		rc.bridge.Record(model.RecordRepoStatus, status)
		return err
	}
	status.PRURL = run.PRURL
	rc.bridge.Record(model.RecordRepoStatus, status)
	if err := e.saveRun(ctx, rc); err != nil {
		return err
	}

	e.publishDiff(ctx, rc)
	e.startPreview(ctx, rc)
	return nil
}

// openPullRequest creates the run's pull request, or finds the one already
// open for its branch.
func (e *Engine) openPullRequest(ctx context.Context, rc *runContext) error {
	run := rc.run
	url, number, err := e.createPullRequest(ctx, rc, *run.Repo, rc.currentToken())
	if err != nil || url == "" {
		return err
	}
	if run.PRURL != url {
		rc.bridge.Log("Pull request: %s", url)
	}
	run.PRURL = url
	run.PRNumber = number
	return nil
}

// finalizeExtras commits and pushes each additional checkout with changes
// onto the run branch and opens a pull request for it.
func (e *Engine) finalizeExtras(ctx context.Context, rc *runContext) error {
	run := rc.run
	if len(rc.extraDirs) == 0 || run.Branch == "" {
		return nil
	}
	repos, err := e.extraRepoTokens(ctx, rc, run.ExtraRepos)
	if err != nil {
		return err
	}
	for i, repo := range repos {
		if i >= len(rc.extraDirs) {
			break
		}
		status := model.RepoStatus{Repo: repo.FullName(), Branch: run.Branch}
		sha, err := rc.ws.PublishExtra(ctx, rc.extraDirs[i], run.Branch, commitMessage(run),
			e.config.CommitAuthor, e.config.CommitEmail, repo.AuthToken)
		if err != nil {
			status.Error = err.Error()
			rc.bridge.Record(model.RecordRepoStatus, status)
			return fmt.Errorf("publishing %s: %w", repo.FullName(), err)
		}
		if sha == "" {
			continue
		}
		status.CommitSHA = sha
		status.Pushed = true
		rc.bridge.Log("Pushed %s to %s in %s", shortSHA(sha), run.Branch, repo.FullName())

		url, _, err := e.createPullRequest(ctx, rc, repo, repo.AuthToken)
		switch {
		case err != nil:
			rc.logger.Warn("opening pull request", zap.String("repo", repo.FullName()), zap.Error(err))
			status.Error = err.Error()
		case url != "":
			status.PRURL = url
			rc.bridge.Log("Pull request: %s", url)
		}
		rc.bridge.Record(model.RecordRepoStatus, status)
	}
	return nil
}

// createPullRequest opens a pull request from the run branch in repo. It
// returns an empty URL when no pull request client is configured.
func (e *Engine) createPullRequest(ctx context.Context, rc *runContext, repo model.RepoTarget, token string) (string, int, error) {
	if e.deps.PullRequests == nil {
		rc.logger.Info("no pull request client configured, skipping pull request")
		return "", 0, nil
	}
	prs, err := e.deps.PullRequests(token)
	if err != nil {
		return "", 0, fmt.Errorf("creating pull request client: %w", err)
	}
	base := repo.DefaultBranch
	if base == "" {
		base, err = prs.GetDefaultBranch(ctx, repo.FullName())
		if err != nil {
			rc.logger.Warn("looking up default branch", zap.Error(err))
			base = "main"
		}
	}
	run := rc.run
	url, number, err := prs.CreatePR(ctx, github.PROptions{
		Repo:   repo.FullName(),
		Branch: run.Branch,
		Base:   base,
		Title:  "lime: " + model.Truncate(firstLine(run.Prompt()), 72),
		Body:   pullRequestBody(run, rc.snapshotTasks()),
	})
	if err != nil {
		return "", 0, fmt.Errorf("creating pull request: %w", err)
	}
	return url, number, nil
}

// publishDiff emits the cumulative diff since the run's base commit.
func (e *Engine) publishDiff(ctx context.Context, rc *runContext) {
	diff, err := rc.ws.DiffUnified(ctx, rc.baseRef)
	if err != nil {
		rc.logger.Warn("computing diff", zap.Error(err))
		return
	}
	if strings.TrimSpace(diff) == "" {
		return
	}
	files, added, removed := diffStats(diff)
	summary := fmt.Sprintf("%d files changed, +%d -%d", files, added, removed)
	shown := textutil.TruncateHead(diff, textutil.Options{MaxLines: 1 << 20, MaxBytes: maxDiffBytes})
	if shown.Truncated {
		summary += fmt.Sprintf(" (showing %s of %s)", textutil.FormatSize(shown.OutputBytes), textutil.FormatSize(shown.TotalBytes))
	}
	rc.bridge.Emit(model.DiffEvent{Diff: shown.Content, Summary: summary})
	rc.bridge.Record(model.RecordDiff, map[string]any{
		"base":    rc.baseRef,
		"branch":  rc.run.Branch,
		"summary": summary,
		"diff":    diff,
	})
}

// startPreview starts a dev server the first time changes are pushed.
// Failures are logged and never fail the run.
func (e *Engine) startPreview(ctx context.Context, rc *runContext) {
	if rc.run.PreviewURL != "" {
		return
	}
	srv, err := rc.ws.StartDevServer(ctx, "preview-"+uuid.NewString()[:8])
	if err != nil {
		rc.logger.Warn("starting preview", zap.Error(err))
		return
	}
	rc.run.PreviewURL = srv.PreviewURL
	status := "ready"
	if !srv.Bound {
		status = "starting"
	}
	rc.bridge.Emit(model.PreviewEvent{URL: srv.PreviewURL, Status: status})
	if err := e.saveRun(ctx, rc); err != nil {
		rc.logger.Warn("saving preview url", zap.Error(err))
	}
}

// --- Helpers ---

func commitMessage(run *model.Run) string {
	return fmt.Sprintf("lime: %s\n\nRun: %s", model.Truncate(firstLine(run.Prompt()), 72), run.ID)
}

func pullRequestBody(run *model.Run, tasks []model.Task) string {
	var b strings.Builder
	b.WriteString("## Task\n\n")
	b.WriteString(run.Prompt())
	b.WriteString("\n\n")
	if len(tasks) > 0 {
		b.WriteString(formatTasks(tasks))
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "---\nRun `%s` (%s, %s)\n", run.ID, run.Mode, run.Provider)
	return b.String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

// diffStats counts files and changed lines in a unified diff.
func diffStats(diff string) (files, added, removed int) {
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "diff --git "):
			files++
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			added++
		case strings.HasPrefix(line, "-"):
			removed++
		}
	}
	return files, added, removed
}
