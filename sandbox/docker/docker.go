// Package docker implements sandbox.Provider with the docker CLI, either
// on this machine or on a remote docker host reached over SSH.
//
// Usage:
//
//	runner, err := docker.NewSSHRunner(docker.SSHConfig{
//	    Host:    "vps.example.com:22",
//	    User:    "deploy",
//	    KeyPath: "/home/user/.ssh/id_ed25519",
//	})
//	provider := docker.New(runner, docker.Config{PublicHost: runner.Host()})
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aikaara/assembly-lime/sandbox"
)

// DefaultImage is used when neither the request nor the config names one.
const DefaultImage = "mcr.microsoft.com/devcontainers/universal:2"

// DefaultPorts are published for dev-server previews.
var DefaultPorts = []int{3000, 4000, 4200, 4321, 5000, 5173, 8000, 8080}

// Config configures the provider.
type Config struct {
	Image      string
	Network    string
	PublicHost string // host name used in preview URLs (default "localhost")
	Ports      []int  // container ports published on random host ports
	Memory     string // e.g. "4g"
	CPUs       string // e.g. "2"
}

// Provider runs sandboxes as long-lived containers.
type Provider struct {
	runner Runner
	config Config
}

// New creates a docker provider.
func New(runner Runner, cfg Config) *Provider {
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if cfg.PublicHost == "" {
		cfg.PublicHost = "localhost"
	}
	if cfg.Ports == nil {
		cfg.Ports = DefaultPorts
	}
	return &Provider{runner: runner, config: cfg}
}

// Create starts a sleeping container.
func (p *Provider) Create(ctx context.Context, opts sandbox.CreateOptions) (sandbox.Info, error) {
	image := opts.Image
	if image == "" {
		image = p.config.Image
	}
	name := "lime-" + uuid.NewString()[:12]
	args := []string{"run", "-d", "--name", name, "--label", "lime.sandbox=true"}
	for _, k := range sortedKeys(opts.Labels) {
		args = append(args, "--label", k+"="+opts.Labels[k])
	}
	for _, k := range sortedKeys(opts.Env) {
		args = append(args, "-e", k+"="+opts.Env[k])
	}
	if p.config.Network != "" {
		args = append(args, "--network", p.config.Network)
	}
	if p.config.Memory != "" {
		args = append(args, "--memory", p.config.Memory)
	}
	if p.config.CPUs != "" {
		args = append(args, "--cpus", p.config.CPUs)
	}
	for _, port := range p.config.Ports {
		args = append(args, "-p", strconv.Itoa(port))
	}
	args = append(args, "--entrypoint", "sleep", image, "infinity")

	out, err := p.docker(ctx, nil, args...)
	if err != nil {
		return sandbox.Info{}, fmt.Errorf("starting container: %w", err)
	}
	return sandbox.Info{ID: strings.TrimSpace(string(out)), State: sandbox.StateStarted, Labels: opts.Labels}, nil
}

// Start restarts a stopped container.
func (p *Provider) Start(ctx context.Context, id string) error {
	if _, err := p.docker(ctx, nil, "start", id); err != nil {
		return fmt.Errorf("starting container: %w", err)
	}
	return nil
}

// Stop stops a container without removing it.
func (p *Provider) Stop(ctx context.Context, id string) error {
	if _, err := p.docker(ctx, nil, "stop", "-t", "10", id); err != nil {
		return fmt.Errorf("stopping container: %w", err)
	}
	return nil
}

// Delete kills and removes a container.
func (p *Provider) Delete(ctx context.Context, id string) error {
	if _, err := p.docker(ctx, nil, "rm", "-f", id); err != nil {
		return fmt.Errorf("removing container: %w", err)
	}
	return nil
}

// Get reports the container state.
func (p *Provider) Get(ctx context.Context, id string) (sandbox.Info, error) {
	out, err := p.docker(ctx, nil, "inspect", "-f", "{{.State.Running}}", id)
	if err != nil {
		return sandbox.Info{}, err
	}
	state := sandbox.StateStopped
	if strings.TrimSpace(string(out)) == "true" {
		state = sandbox.StateStarted
	}
	return sandbox.Info{ID: id, State: state}, nil
}

// Exec runs a shell command and returns stdout followed by stderr.
func (p *Provider) Exec(ctx context.Context, id string, req sandbox.ExecRequest) (sandbox.ExecResponse, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	args := []string{"exec"}
	if req.Cwd != "" {
		args = append(args, "-w", req.Cwd)
	}
	for _, k := range sortedKeys(req.Env) {
		args = append(args, "-e", k+"="+req.Env[k])
	}
	args = append(args, id, "sh", "-c", req.Command)

	out, err := p.runner.Run(ctx, nil, args...)
	if err != nil {
		return sandbox.ExecResponse{}, fmt.Errorf("exec in %s: %w", shortID(id), err)
	}
	if out.ExitCode != 0 && isMissing(out.Stderr) {
		return sandbox.ExecResponse{}, fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
	}
	return sandbox.ExecResponse{Stdout: string(out.Stdout) + string(out.Stderr), ExitCode: out.ExitCode}, nil
}

// ExecSession starts command detached; its output goes to
// /tmp/lime-sessions/<sessionID>.log inside the container.
func (p *Provider) ExecSession(ctx context.Context, id, sessionID, command string) error {
	logFile := path.Join("/tmp/lime-sessions", sessionID+".log")
	script := fmt.Sprintf("mkdir -p /tmp/lime-sessions && (%s) > %s 2>&1", command, logFile)
	if _, err := p.docker(ctx, nil, "exec", "-d", id, "sh", "-c", script); err != nil {
		return fmt.Errorf("starting session %s: %w", sessionID, err)
	}
	return nil
}

// Upload writes content to path, creating parent directories.
func (p *Provider) Upload(ctx context.Context, id, filePath string, content []byte) error {
	script := fmt.Sprintf("mkdir -p %s && cat > %s", shellQuote(path.Dir(filePath)), shellQuote(filePath))
	if _, err := p.docker(ctx, bytes.NewReader(content), "exec", "-i", id, "sh", "-c", script); err != nil {
		return fmt.Errorf("uploading %s: %w", filePath, err)
	}
	return nil
}

// Download reads a file. Missing files wrap fs.ErrNotExist.
func (p *Provider) Download(ctx context.Context, id, filePath string) ([]byte, error) {
	out, err := p.runner.Run(ctx, nil, "exec", id, "cat", filePath)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", filePath, err)
	}
	if out.ExitCode != 0 {
		if isMissing(out.Stderr) {
			return nil, fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
		}
		return nil, fmt.Errorf("downloading %s: %w", filePath, fs.ErrNotExist)
	}
	return out.Stdout, nil
}

// PreviewURL returns the published host port of a container port. Docker
// URLs do not expire, so ttl is ignored.
func (p *Provider) PreviewURL(ctx context.Context, id string, port int, _ time.Duration) (string, error) {
	out, err := p.docker(ctx, nil, "port", id, strconv.Itoa(port)+"/tcp")
	if err != nil {
		return "", fmt.Errorf("port %d is not published: %w", port, err)
	}
	line := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	i := strings.LastIndex(line, ":")
	if i < 0 {
		return "", fmt.Errorf("unexpected docker port output %q", line)
	}
	return fmt.Sprintf("http://%s:%s", p.config.PublicHost, line[i+1:]), nil
}

// docker runs a command and turns a non-zero exit code into an error.
func (p *Provider) docker(ctx context.Context, stdin *bytes.Reader, args ...string) ([]byte, error) {
	var out Output
	var err error
	if stdin != nil {
		out, err = p.runner.Run(ctx, stdin, args...)
	} else {
		out, err = p.runner.Run(ctx, nil, args...)
	}
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		msg := strings.TrimSpace(string(out.Stderr))
		if isMissing(out.Stderr) {
			return nil, fmt.Errorf("%w: %s", sandbox.ErrNotFound, msg)
		}
		return nil, fmt.Errorf("docker %s exited %d: %s", args[0], out.ExitCode, msg)
	}
	return out.Stdout, nil
}

// --- Helpers ---

func isMissing(stderr []byte) bool {
	s := string(stderr)
	return strings.Contains(s, "No such container") || strings.Contains(s, "No such object")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// shortID returns the first 12 characters of an ID, or the full ID if shorter.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
