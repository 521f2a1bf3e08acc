package tools

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// skipDirs are never descended into by Glob.
var skipDirs = map[string]bool{".git": true, "node_modules": true}

// LocalBackend runs operations against the local filesystem and shell.
type LocalBackend struct {
	Root  string
	Shell string
}

// NewLocalBackend returns a backend rooted at root.
func NewLocalBackend(root string) *LocalBackend {
	return &LocalBackend{Root: root, Shell: "bash"}
}

var _ Backend = (*LocalBackend)(nil)

// Exec runs command with the configured shell. A non-zero exit is
// reported in the result, not as an error.
func (l *LocalBackend) Exec(ctx context.Context, command, cwd string, opts ExecOptions) (ExecResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	if cwd == "" {
		cwd = l.Root
	}
	shell := l.Shell
	if shell == "" {
		shell = "bash"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Dir = cwd
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var out bytes.Buffer
	w := &streamWriter{buf: &out, onData: opts.OnData}
	cmd.Stdout = w
	cmd.Stderr = w

	err := cmd.Run()
	res := ExecResult{Output: out.String()}
	if ctx.Err() != nil {
		res.ExitCode = -1
		return res, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, err
	}
	return res, nil
}

type streamWriter struct {
	mu     sync.Mutex
	buf    *bytes.Buffer
	onData func([]byte)
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	if w.onData != nil {
		chunk := make([]byte, len(p))
		copy(chunk, p)
		w.onData(chunk)
	}
	return len(p), nil
}

func (l *LocalBackend) ReadFile(_ context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (l *LocalBackend) Access(_ context.Context, path string) error {
	_, err := os.Stat(path)
	return err
}

var imageMimeTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

func (l *LocalBackend) DetectImageMimeType(_ context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	head := make([]byte, 512)
	n, err := f.Read(head)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	mime := http.DetectContentType(head[:n])
	if imageMimeTypes[mime] {
		return mime, nil
	}
	return "", nil
}

func (l *LocalBackend) WriteFile(_ context.Context, path string, content []byte) error {
	return os.WriteFile(path, content, 0o644)
}

func (l *LocalBackend) Mkdir(_ context.Context, dir string) error {
	return os.MkdirAll(dir, 0o755)
}

func (l *LocalBackend) IsDirectory(_ context.Context, path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

func (l *LocalBackend) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (l *LocalBackend) Stat(_ context.Context, path string) (FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{Name: info.Name(), Size: info.Size(), IsDir: info.IsDir()}, nil
}

func (l *LocalBackend) ReadDir(_ context.Context, path string) ([]FileInfo, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		fi := FileInfo{Name: e.Name(), IsDir: e.IsDir()}
		if e.Type()&fs.ModeSymlink != 0 {
			if st, err := os.Stat(filepath.Join(path, e.Name())); err == nil {
				fi.IsDir = st.IsDir()
			}
		}
		out = append(out, fi)
	}
	return out, nil
}

// Glob walks cwd and matches slash-separated relative paths.
func (l *LocalBackend) Glob(ctx context.Context, pattern, cwd string, limit int) ([]string, error) {
	var matches []string
	err := filepath.WalkDir(cwd, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if p != cwd && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(cwd, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if MatchGlob(pattern, rel) {
			matches = append(matches, rel)
			if limit > 0 && len(matches) >= limit {
				return fs.SkipAll
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(matches, func(i, j int) bool {
		return strings.ToLower(matches[i]) < strings.ToLower(matches[j])
	})
	return matches, nil
}
