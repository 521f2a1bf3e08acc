// Package tools implements the agent-facing bash, read, write, edit, grep,
// find and ls tools over pluggable operation backends.
package tools

import (
	"context"
	"time"
)

// ExecOptions tunes a shell execution.
type ExecOptions struct {
	Timeout time.Duration
	// OnData receives output chunks as they arrive. Backends that cannot
	// stream deliver the whole output in one call.
	OnData func([]byte)
	Env    map[string]string
}

// ExecResult is the combined output and exit code of a command.
type ExecResult struct {
	Output   string
	ExitCode int
}

// FileInfo describes one filesystem entry.
type FileInfo struct {
	Name  string
	Size  int64
	IsDir bool
}

// BashOperations runs shell commands.
type BashOperations interface {
	Exec(ctx context.Context, command, cwd string, opts ExecOptions) (ExecResult, error)
}

// ReadOperations reads files.
type ReadOperations interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	Access(ctx context.Context, path string) error
	// DetectImageMimeType returns the image MIME type, or "" for non-images.
	DetectImageMimeType(ctx context.Context, path string) (string, error)
}

// WriteOperations writes files.
type WriteOperations interface {
	WriteFile(ctx context.Context, path string, content []byte) error
	Mkdir(ctx context.Context, dir string) error
}

// EditOperations is what the edit tool needs.
type EditOperations interface {
	ReadOperations
	WriteOperations
}

// GrepOperations is what the grep tool needs besides a shell.
type GrepOperations interface {
	IsDirectory(ctx context.Context, path string) (bool, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
}

// FindOperations lists files matching a glob.
type FindOperations interface {
	Exists(ctx context.Context, path string) (bool, error)
	// Glob returns paths relative to cwd, sorted, at most limit entries.
	Glob(ctx context.Context, pattern, cwd string, limit int) ([]string, error)
}

// LsOperations lists directories.
type LsOperations interface {
	Exists(ctx context.Context, path string) (bool, error)
	Stat(ctx context.Context, path string) (FileInfo, error)
	ReadDir(ctx context.Context, path string) ([]FileInfo, error)
}

// Backend bundles every operation a tool bundle needs.
type Backend interface {
	BashOperations
	EditOperations
	GrepOperations
	FindOperations
	LsOperations
}
