package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Output is the result of one docker CLI invocation.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner executes the docker CLI. A non-zero exit code is reported in
// Output; err is reserved for failures to run the command at all.
type Runner interface {
	Run(ctx context.Context, stdin io.Reader, args ...string) (Output, error)
}

// LocalRunner runs docker on this machine.
type LocalRunner struct {
	Bin string // default "docker"
}

// Run implements Runner.
func (l LocalRunner) Run(ctx context.Context, stdin io.Reader, args ...string) (Output, error) {
	bin := l.Bin
	if bin == "" {
		bin = "docker"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	out := Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		out.ExitCode = exitErr.ExitCode()
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("running %s: %w", bin, err)
	}
	return out, nil
}

// SSHConfig holds SSH connection settings for a remote docker host.
type SSHConfig struct {
	// Host is the remote host in "host:port" format (e.g. "vps.example.com:22").
	Host string
	// User is the SSH user.
	User string
	// KeyPath is the path to the SSH private key file.
	KeyPath string
	// KnownHostsPath enables host key verification when set.
	KnownHostsPath string
	// DockerBin is the path to docker on the remote host (default "docker").
	DockerBin string
	// DialTimeout defaults to 15s.
	DialTimeout time.Duration
}

// SSHRunner runs docker on a remote host over one shared SSH connection.
type SSHRunner struct {
	config    SSHConfig
	clientCfg *ssh.ClientConfig

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHRunner validates cfg and prepares the client configuration. The
// connection is opened on first use.
func NewSSHRunner(cfg SSHConfig) (*SSHRunner, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("ssh: Host is required")
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("ssh: User is required")
	}
	if cfg.KeyPath == "" {
		return nil, fmt.Errorf("ssh: KeyPath is required")
	}
	if !strings.Contains(cfg.Host, ":") {
		cfg.Host = net.JoinHostPort(cfg.Host, "22")
	}
	if cfg.DockerBin == "" {
		cfg.DockerBin = "docker"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}

	pemBytes, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("ssh: reading key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("ssh: parsing key: %w", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsPath != "" {
		hostKeyCallback, err = knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("ssh: loading known hosts: %w", err)
		}
	}

	return &SSHRunner{
		config: cfg,
		clientCfg: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         cfg.DialTimeout,
		},
	}, nil
}

// Host returns the remote host name without the port.
func (r *SSHRunner) Host() string {
	host, _, err := net.SplitHostPort(r.config.Host)
	if err != nil {
		return r.config.Host
	}
	return host
}

// Run implements Runner.
func (r *SSHRunner) Run(ctx context.Context, stdin io.Reader, args ...string) (Output, error) {
	session, err := r.session()
	if err != nil {
		return Output{}, err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdin = stdin
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(r.config.DockerBin + " " + quoteArgs(args)) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		return Output{}, ctx.Err()
	case err = <-done:
	}

	out := Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitStatus()
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("ssh: running docker: %w", err)
	}
	return out, nil
}

// Close closes the SSH connection.
func (r *SSHRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

// session opens a session, redialing once if the connection went away.
func (r *SSHRunner) session() (*ssh.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for attempt := 0; attempt < 2; attempt++ {
		if r.client == nil {
			client, err := ssh.Dial("tcp", r.config.Host, r.clientCfg)
			if err != nil {
				return nil, fmt.Errorf("ssh: dialing %s: %w", r.config.Host, err)
			}
			r.client = client
		}
		s, err := r.client.NewSession()
		if err == nil {
			return s, nil
		}
		_ = r.client.Close()
		r.client = nil
	}
	return nil, fmt.Errorf("ssh: could not open session on %s", r.config.Host)
}

// quoteArgs single-quotes arguments for the remote shell.
func quoteArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}
