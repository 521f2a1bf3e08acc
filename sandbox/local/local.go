// Package local implements sandbox.Provider on the host itself. Each
// sandbox is a directory under a shared root and commands run with the
// host shell, so it is only suitable for development and trusted
// repositories.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aikaara/assembly-lime/sandbox"
	"github.com/aikaara/assembly-lime/tools"
)

// Config configures the provider.
type Config struct {
	Root       string // parent of the sandbox directories
	PublicHost string // host name used in preview URLs (default "localhost")
	Shell      string // default "bash"
}

// Provider runs sandboxes as host directories.
type Provider struct {
	config  Config
	backend *tools.LocalBackend

	mu    sync.Mutex
	boxes map[string]*box
}

type box struct {
	state sandbox.State
	env   map[string]string
	// sessions is cancelled when the sandbox stops.
	sessions context.Context
	cancel   context.CancelFunc
}

var (
	_ sandbox.Provider = (*Provider)(nil)
	_ sandbox.Rooted   = (*Provider)(nil)
)

// New creates a local provider.
func New(cfg Config) *Provider {
	if cfg.PublicHost == "" {
		cfg.PublicHost = "localhost"
	}
	backend := tools.NewLocalBackend(cfg.Root)
	if cfg.Shell != "" {
		backend.Shell = cfg.Shell
	}
	return &Provider{config: cfg, backend: backend, boxes: make(map[string]*box)}
}

// Root returns the host directory of sandbox id.
func (p *Provider) Root(id string) string {
	return filepath.Join(p.config.Root, id)
}

// Create makes an empty sandbox directory.
func (p *Provider) Create(ctx context.Context, opts sandbox.CreateOptions) (sandbox.Info, error) {
	id := "lime-" + uuid.NewString()[:12]
	if err := p.backend.Mkdir(ctx, p.Root(id)); err != nil {
		return sandbox.Info{}, fmt.Errorf("creating sandbox directory: %w", err)
	}
	b := &box{env: opts.Env}
	p.mu.Lock()
	p.boxes[id] = b
	p.mu.Unlock()
	b.start()
	return sandbox.Info{ID: id, State: sandbox.StateStarted, Labels: opts.Labels}, nil
}

func (b *box) start() {
	b.state = sandbox.StateStarted
	b.sessions, b.cancel = context.WithCancel(context.Background())
}

func (b *box) stop() {
	b.state = sandbox.StateStopped
	if b.cancel != nil {
		b.cancel()
	}
}

// Start resumes a stopped sandbox.
func (p *Provider) Start(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, err := p.lookup(id)
	if err != nil {
		return err
	}
	if b.state != sandbox.StateStarted {
		b.start()
	}
	return nil
}

// Stop ends the sandbox's background sessions. Files are kept.
func (p *Provider) Stop(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, err := p.lookup(id)
	if err != nil {
		return err
	}
	b.stop()
	return nil
}

// Delete stops the sandbox and removes its directory.
func (p *Provider) Delete(_ context.Context, id string) error {
	p.mu.Lock()
	b, err := p.lookup(id)
	if err == nil {
		b.stop()
		delete(p.boxes, id)
	}
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if err := os.RemoveAll(p.Root(id)); err != nil {
		return fmt.Errorf("removing sandbox %s: %w", id, err)
	}
	return nil
}

// Get reports the sandbox state.
func (p *Provider) Get(_ context.Context, id string) (sandbox.Info, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, err := p.lookup(id)
	if err != nil {
		return sandbox.Info{}, err
	}
	return sandbox.Info{ID: id, State: b.state}, nil
}

// lookup finds a sandbox, adopting directories left by an earlier process
// as stopped sandboxes. p.mu must be held.
func (p *Provider) lookup(id string) (*box, error) {
	if b, ok := p.boxes[id]; ok {
		return b, nil
	}
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return nil, fmt.Errorf("%w: %q", sandbox.ErrNotFound, id)
	}
	info, err := os.Stat(p.Root(id))
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
	}
	b := &box{state: sandbox.StateStopped}
	p.boxes[id] = b
	return b, nil
}

// started returns a snapshot of a running sandbox.
func (p *Provider) started(id string) (box, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, err := p.lookup(id)
	if err != nil {
		return box{}, err
	}
	if b.state != sandbox.StateStarted {
		return box{}, fmt.Errorf("sandbox %s is %s", id, b.state)
	}
	return *b, nil
}

// Exec runs a command with the host shell. Without a cwd it runs in the
// sandbox directory.
func (p *Provider) Exec(ctx context.Context, id string, req sandbox.ExecRequest) (sandbox.ExecResponse, error) {
	b, err := p.started(id)
	if err != nil {
		return sandbox.ExecResponse{}, err
	}
	cwd := req.Cwd
	if cwd == "" {
		cwd = p.Root(id)
	}
	res, err := p.backend.Exec(ctx, req.Command, cwd, tools.ExecOptions{
		Timeout: req.Timeout,
		Env:     mergeEnv(b.env, req.Env),
	})
	if err != nil {
		return sandbox.ExecResponse{}, fmt.Errorf("exec in sandbox %s: %w", id, err)
	}
	return sandbox.ExecResponse{Stdout: res.Output, ExitCode: res.ExitCode}, nil
}

// ExecSession starts command in the background. It runs until it exits or
// the sandbox stops.
func (p *Provider) ExecSession(_ context.Context, id, _, command string) error {
	b, err := p.started(id)
	if err != nil {
		return err
	}
	go func() {
		_, _ = p.backend.Exec(b.sessions, command, p.Root(id), tools.ExecOptions{Env: b.env})
	}()
	return nil
}

// Upload writes content at a host path, creating parent directories.
func (p *Provider) Upload(ctx context.Context, id, filePath string, content []byte) error {
	if _, err := p.started(id); err != nil {
		return err
	}
	if err := p.backend.Mkdir(ctx, filepath.Dir(filePath)); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(filePath), err)
	}
	if err := p.backend.WriteFile(ctx, filePath, content); err != nil {
		return fmt.Errorf("writing %s: %w", filePath, err)
	}
	return nil
}

// Download reads a host path. Missing files are reported as fs.ErrNotExist.
func (p *Provider) Download(ctx context.Context, id, filePath string) ([]byte, error) {
	if _, err := p.started(id); err != nil {
		return nil, err
	}
	return p.backend.ReadFile(ctx, filePath)
}

// PreviewURL returns the host address of port; processes bind the host's
// ports directly.
func (p *Provider) PreviewURL(_ context.Context, id string, port int, _ time.Duration) (string, error) {
	if _, err := p.started(id); err != nil {
		return "", err
	}
	return fmt.Sprintf("http://%s:%d", p.config.PublicHost, port), nil
}

func mergeEnv(base, extra map[string]string) map[string]string {
	if len(extra) == 0 {
		return base
	}
	env := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		env[k] = v
	}
	for k, v := range extra {
		env[k] = v
	}
	return env
}
