// Package workspace manages the remote sandbox a run works in: provisioning,
// git operations, environment injection, dev servers and the tool backend
// the agent uses to read and change files.
package workspace

import (
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aikaara/assembly-lime/model"
	"github.com/aikaara/assembly-lime/sandbox"
)

// Config configures provisioning and dev servers.
type Config struct {
	Image    string
	WorkDir  string        // parent of cloned repositories (default "/workspace")
	AutoStop time.Duration // sandbox idle auto-stop interval (default 30m)

	GitTimeout   time.Duration // default 5m
	PollAttempts int           // dev server port polls (default 30)
	PollInterval time.Duration // default 2s
	PreviewTTL   time.Duration // default 1h
}

func (c *Config) applyDefaults() {
	if c.WorkDir == "" {
		c.WorkDir = "/workspace"
	}
	if c.AutoStop <= 0 {
		c.AutoStop = 30 * time.Minute
	}
	if c.GitTimeout <= 0 {
		c.GitTimeout = 5 * time.Minute
	}
	if c.PollAttempts <= 0 {
		c.PollAttempts = 30
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.PreviewTTL <= 0 {
		c.PreviewTTL = time.Hour
	}
}

// Manager provisions workspaces on one of several sandbox providers.
type Manager struct {
	providers       map[string]sandbox.Provider
	defaultProvider string
	config          Config
	logger          *zap.Logger
}

// NewManager creates a manager. defaultProvider names the entry of
// providers used when a request does not pick one.
func NewManager(providers map[string]sandbox.Provider, defaultProvider string, cfg Config, logger *zap.Logger) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		providers:       providers,
		defaultProvider: defaultProvider,
		config:          cfg,
		logger:          logger.With(zap.String("component", "workspace")),
	}
}

// ProvisionRequest describes the sandbox a run needs.
type ProvisionRequest struct {
	RunID    string
	Provider string // sandbox provider name; empty uses the default
	Mode     model.Mode
	RepoName string
	Env      map[string]string
}

// Provision creates an empty sandbox. Repositories are cloned afterwards.
func (m *Manager) Provision(ctx context.Context, req ProvisionRequest) (*Workspace, error) {
	name, provider, err := m.provider(req.Provider)
	if err != nil {
		return nil, err
	}
	info, err := provider.Create(ctx, sandbox.CreateOptions{
		Labels: map[string]string{
			"lime.run":  req.RunID,
			"lime.mode": string(req.Mode),
		},
		Env:              req.Env,
		Image:            m.config.Image,
		AutoStopInterval: m.config.AutoStop,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: creating sandbox: %v", model.ErrProvisioning, err)
	}
	m.logger.Info("sandbox provisioned",
		zap.String("run_id", req.RunID),
		zap.String("provider", name),
		zap.String("sandbox_id", info.ID),
	)
	repoDir := path.Join(sandbox.RootOf(provider, info.ID), m.config.WorkDir, safeDirName(req.RepoName))
	return m.newWorkspace(name, provider, info.ID, repoDir, req.RunID), nil
}

// Reconnect attaches to an existing sandbox, starting it if it was stopped.
func (m *Manager) Reconnect(ctx context.Context, providerName, sandboxID, repoDir, authToken string) (*Workspace, error) {
	name, provider, err := m.provider(providerName)
	if err != nil {
		return nil, err
	}
	info, err := provider.Get(ctx, sandboxID)
	if err != nil {
		return nil, fmt.Errorf("%w: looking up sandbox %s: %v", model.ErrProvisioning, sandboxID, err)
	}
	if info.State != sandbox.StateStarted {
		if err := provider.Start(ctx, sandboxID); err != nil {
			return nil, fmt.Errorf("%w: starting sandbox %s: %v", model.ErrProvisioning, sandboxID, err)
		}
	}
	ws := m.newWorkspace(name, provider, sandboxID, repoDir, "")
	if authToken != "" {
		ws.SetCredentials(tokenUser, authToken)
	}
	m.logger.Info("sandbox reconnected", zap.String("provider", name), zap.String("sandbox_id", sandboxID))
	return ws, nil
}

func (m *Manager) provider(name string) (string, sandbox.Provider, error) {
	if name == "" {
		name = m.defaultProvider
	}
	p, ok := m.providers[name]
	if !ok {
		return "", nil, fmt.Errorf("%w: unknown sandbox provider %q", model.ErrValidation, name)
	}
	return name, p, nil
}

func (m *Manager) newWorkspace(providerName string, p sandbox.Provider, id, repoDir, runID string) *Workspace {
	logger := m.logger.With(zap.String("sandbox_id", id))
	if runID != "" {
		logger = logger.With(zap.String("run_id", runID))
	}
	return &Workspace{
		provider:     p,
		providerName: providerName,
		id:           id,
		repoDir:      repoDir,
		config:       m.config,
		logger:       logger,
		env:          map[string]string{},
	}
}

// tokenUser is the git user name paired with installation tokens.
const tokenUser = "x-access-token"

// Workspace is one provisioned sandbox with a primary repository checkout.
type Workspace struct {
	provider     sandbox.Provider
	providerName string
	id           string
	repoDir      string
	config       Config
	logger       *zap.Logger

	credMu sync.RWMutex
	user   string
	pass   string

	envMu sync.RWMutex
	env   map[string]string
}

// ID returns the sandbox id.
func (w *Workspace) ID() string { return w.id }

// ProviderName returns the name of the sandbox provider.
func (w *Workspace) ProviderName() string { return w.providerName }

// RepoDir returns the absolute path of the primary checkout.
func (w *Workspace) RepoDir() string { return w.repoDir }

// SetCredentials replaces the git credentials used for clone and push.
func (w *Workspace) SetCredentials(user, pass string) {
	w.credMu.Lock()
	defer w.credMu.Unlock()
	w.user, w.pass = user, pass
}

// SetToken installs an installation or personal access token as the git
// credentials.
func (w *Workspace) SetToken(token string) {
	w.SetCredentials(tokenUser, token)
}

func (w *Workspace) credentials() (string, string) {
	w.credMu.RLock()
	defer w.credMu.RUnlock()
	return w.user, w.pass
}

// InjectEnvVars adds variables to the environment of every later command
// and dev server session.
func (w *Workspace) InjectEnvVars(vars map[string]string) {
	w.envMu.Lock()
	defer w.envMu.Unlock()
	for k, v := range vars {
		w.env[k] = v
	}
}

func (w *Workspace) environ() map[string]string {
	w.envMu.RLock()
	defer w.envMu.RUnlock()
	out := make(map[string]string, len(w.env))
	for k, v := range w.env {
		out[k] = v
	}
	return out
}

// ExecResult is the combined output and exit code of a command.
type ExecResult struct {
	Stdout   string
	ExitCode int
}

// Exec runs command in the repository directory.
func (w *Workspace) Exec(ctx context.Context, command string, timeout time.Duration) (ExecResult, error) {
	return w.execIn(ctx, w.repoDir, command, timeout)
}

func (w *Workspace) execIn(ctx context.Context, dir, command string, timeout time.Duration) (ExecResult, error) {
	resp, err := w.provider.Exec(ctx, w.id, sandbox.ExecRequest{
		Command: command,
		Cwd:     dir,
		Env:     w.environ(),
		Timeout: timeout,
	})
	if err != nil {
		return ExecResult{}, err
	}
	return ExecResult{Stdout: resp.Stdout, ExitCode: resp.ExitCode}, nil
}

// Start starts the sandbox.
func (w *Workspace) Start(ctx context.Context) error { return w.provider.Start(ctx, w.id) }

// Stop stops the sandbox, keeping its filesystem for follow-ups.
func (w *Workspace) Stop(ctx context.Context) error { return w.provider.Stop(ctx, w.id) }

// Delete destroys the sandbox.
func (w *Workspace) Delete(ctx context.Context) error { return w.provider.Delete(ctx, w.id) }

// --- Git ---

// CloneOptions describes a repository checkout.
type CloneOptions struct {
	CloneURL      string
	DefaultBranch string
	Ref           string
	AuthToken     string
}

// Clone checks the repository out into the workspace repo directory.
func (w *Workspace) Clone(ctx context.Context, opts CloneOptions) error {
	if opts.AuthToken != "" {
		w.SetCredentials(tokenUser, opts.AuthToken)
	}
	return w.cloneInto(ctx, w.repoDir, opts)
}

func (w *Workspace) cloneInto(ctx context.Context, dir string, opts CloneOptions) error {
	if opts.CloneURL == "" {
		return fmt.Errorf("%w: clone URL is required", model.ErrValidation)
	}
	args := []string{"clone"}
	if opts.DefaultBranch != "" {
		args = append(args, "--branch", opts.DefaultBranch)
	}
	args = append(args, opts.CloneURL, dir)

	user, pass := w.credentials()
	if opts.AuthToken != "" {
		user, pass = tokenUser, opts.AuthToken
	}
	cmd := fmt.Sprintf("mkdir -p %s && %s", shellQuote(path.Dir(dir)), gitCommand(user, pass, args...))
	// The parent may not exist yet, so the command cannot run inside it.
	if _, err := w.git(ctx, "/", cmd); err != nil {
		return fmt.Errorf("%w: cloning %s: %v", model.ErrProvisioning, redactURL(opts.CloneURL), err)
	}
	if opts.Ref != "" {
		if _, err := w.git(ctx, dir, gitCommand("", "", "checkout", opts.Ref)); err != nil {
			return fmt.Errorf("%w: checking out %s: %v", model.ErrProvisioning, opts.Ref, err)
		}
	}
	w.logger.Info("repository cloned", zap.String("url", redactURL(opts.CloneURL)), zap.String("dir", dir))
	return nil
}

// CloneExtra clones additional repositories next to the primary checkout
// concurrently. It returns the checkout directory of each repo, in order.
func (w *Workspace) CloneExtra(ctx context.Context, repos ...model.RepoTarget) ([]string, error) {
	dirs := make([]string, len(repos))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, repo := range repos {
		dirs[i] = w.ExtraDir(repo.Name)
		g.Go(func() error {
			return w.cloneInto(ctx, dirs[i], CloneOptions{
				CloneURL:      repo.CloneURLOrDefault(),
				DefaultBranch: repo.DefaultBranch,
				Ref:           repo.Ref,
				AuthToken:     repo.AuthToken,
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return dirs, nil
}

// ExtraDir returns where CloneExtra checks out the repository named name.
func (w *Workspace) ExtraDir(name string) string {
	return path.Join(path.Dir(w.repoDir), safeDirName(name))
}

// CreateBranch creates and checks out branch.
func (w *Workspace) CreateBranch(ctx context.Context, branch string) error {
	if _, err := w.git(ctx, w.repoDir, gitCommand("", "", "checkout", "-b", branch)); err != nil {
		return fmt.Errorf("creating branch %s: %w", branch, err)
	}
	return nil
}

// StageAll stages every change in the working tree.
func (w *Workspace) StageAll(ctx context.Context) error { return w.stageAll(ctx, w.repoDir) }

// HasChanges reports whether the working tree differs from HEAD.
func (w *Workspace) HasChanges(ctx context.Context) (bool, error) {
	return w.hasChanges(ctx, w.repoDir)
}

// Commit commits the staged changes and returns the new commit sha.
func (w *Workspace) Commit(ctx context.Context, message, author, email string) (string, error) {
	return w.commit(ctx, w.repoDir, message, author, email)
}

// Push pushes branch to origin with the current credentials.
func (w *Workspace) Push(ctx context.Context, branch string) error {
	user, pass := w.credentials()
	return w.push(ctx, w.repoDir, branch, user, pass)
}

// PublishExtra commits the changes of the additional checkout at dir onto
// branch and pushes them with token, or the workspace credentials when
// token is empty. It returns the commit sha, or "" when dir has no changes.
func (w *Workspace) PublishExtra(ctx context.Context, dir, branch, message, author, email, token string) (string, error) {
	if err := w.stageAll(ctx, dir); err != nil {
		return "", err
	}
	changed, err := w.hasChanges(ctx, dir)
	if err != nil || !changed {
		return "", err
	}
	if _, err := w.git(ctx, dir, gitCommand("", "", "checkout", "-B", branch)); err != nil {
		return "", fmt.Errorf("creating branch %s in %s: %w", branch, dir, err)
	}
	sha, err := w.commit(ctx, dir, message, author, email)
	if err != nil {
		return "", err
	}
	user, pass := w.credentials()
	if token != "" {
		user, pass = tokenUser, token
	}
	if err := w.push(ctx, dir, branch, user, pass); err != nil {
		return "", err
	}
	return sha, nil
}

func (w *Workspace) stageAll(ctx context.Context, dir string) error {
	if _, err := w.git(ctx, dir, gitCommand("", "", "add", "-A")); err != nil {
		return fmt.Errorf("staging changes: %w", err)
	}
	return nil
}

func (w *Workspace) hasChanges(ctx context.Context, dir string) (bool, error) {
	out, err := w.git(ctx, dir, gitCommand("", "", "status", "--porcelain"))
	if err != nil {
		return false, fmt.Errorf("checking status: %w", err)
	}
	return strings.TrimSpace(out) != "", nil
}

func (w *Workspace) commit(ctx context.Context, dir, message, author, email string) (string, error) {
	cmd := gitCommand("", "", "-c", "user.name="+author, "-c", "user.email="+email, "commit", "-m", message)
	if _, err := w.git(ctx, dir, cmd); err != nil {
		return "", fmt.Errorf("committing: %w", err)
	}
	sha, err := w.git(ctx, dir, gitCommand("", "", "rev-parse", "HEAD"))
	if err != nil {
		return "", fmt.Errorf("reading commit sha: %w", err)
	}
	return strings.TrimSpace(sha), nil
}

func (w *Workspace) push(ctx context.Context, dir, branch, user, pass string) error {
	if _, err := w.git(ctx, dir, gitCommand(user, pass, "push", "-u", "origin", branch)); err != nil {
		return fmt.Errorf("%w: pushing %s: %v", model.ErrProvisioning, branch, err)
	}
	return nil
}

// DiffUnified returns the unified diff of the working tree against baseRef.
func (w *Workspace) DiffUnified(ctx context.Context, baseRef string) (string, error) {
	out, err := w.git(ctx, w.repoDir, gitCommand("", "", "--no-pager", "diff", baseRef))
	if err != nil {
		return "", fmt.Errorf("diffing against %s: %w", baseRef, err)
	}
	return out, nil
}

// git runs a git command line and turns a non-zero exit into an error
// carrying the tail of the output.
func (w *Workspace) git(ctx context.Context, dir, cmd string) (string, error) {
	res, err := w.execIn(ctx, dir, cmd, w.config.GitTimeout)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return res.Stdout, fmt.Errorf("exit %d: %s", res.ExitCode, lastLines(res.Stdout, 5))
	}
	return res.Stdout, nil
}

// --- Helpers ---

// gitCommand builds a shell-quoted git command line. Credentials travel in
// an extra HTTP header so they never land in .git/config.
func gitCommand(user, pass string, args ...string) string {
	parts := []string{"git"}
	if pass != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
		parts = append(parts, "-c", shellQuote("http.extraheader=AUTHORIZATION: basic "+auth))
	}
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// redactURL strips user info from a URL for logging.
func redactURL(u string) string {
	scheme := strings.Index(u, "://")
	at := strings.LastIndex(u, "@")
	if scheme < 0 || at < scheme {
		return u
	}
	return u[:scheme+3] + u[at+1:]
}

func safeDirName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.NewReplacer("/", "-", "..", "-", " ", "-").Replace(name)
	if name == "" {
		return "repo"
	}
	return name
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
