// Package sandbox defines the contract for provisioning isolated remote
// workspaces. Implementations live in sub-packages.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for unknown sandbox ids.
var ErrNotFound = errors.New("sandbox not found")

// State is the lifecycle state reported by a provider.
type State string

const (
	StateStarted State = "started"
	StateStopped State = "stopped"
	StateUnknown State = "unknown"
)

// Info describes a sandbox.
type Info struct {
	ID     string            `json:"id"`
	State  State             `json:"state"`
	Labels map[string]string `json:"labels,omitempty"`
}

// CreateOptions configures a new sandbox. Sandboxes are always created
// empty; repositories are cloned into them afterwards.
type CreateOptions struct {
	Labels           map[string]string
	Env              map[string]string
	Image            string
	AutoStopInterval time.Duration
}

// ExecRequest runs one shell command to completion.
type ExecRequest struct {
	Command string
	Cwd     string
	Env     map[string]string
	Timeout time.Duration
}

// ExecResponse is the combined output and exit code of a command.
type ExecResponse struct {
	Stdout   string `json:"stdout"`
	ExitCode int    `json:"exit_code"`
}

// Provider provisions sandboxes and runs commands in them.
type Provider interface {
	Create(ctx context.Context, opts CreateOptions) (Info, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (Info, error)

	Exec(ctx context.Context, id string, req ExecRequest) (ExecResponse, error)
	// ExecSession starts command detached in a named background session.
	ExecSession(ctx context.Context, id, sessionID, command string) error

	Upload(ctx context.Context, id, path string, content []byte) error
	Download(ctx context.Context, id, path string) ([]byte, error)

	// PreviewURL returns a URL reaching port inside the sandbox, valid for
	// at least ttl where the provider supports expiry.
	PreviewURL(ctx context.Context, id string, port int, ttl time.Duration) (string, error)
}

// Rooted is implemented by providers whose sandboxes share the host
// filesystem. Root returns the host directory that stands in for / inside
// sandbox id; callers prefix sandbox paths with it.
type Rooted interface {
	Root(id string) string
}

// RootOf returns the filesystem root of sandbox id under p, looking through
// wrapping providers such as Pool. It is "" for isolated providers.
func RootOf(p Provider, id string) string {
	for {
		switch v := p.(type) {
		case Rooted:
			return v.Root(id)
		case interface{ Unwrap() Provider }:
			p = v.Unwrap()
		default:
			return ""
		}
	}
}
