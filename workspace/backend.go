package workspace

import (
	"context"
	"encoding/base64"
	"fmt"
	"io/fs"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/aikaara/assembly-lime/sandbox"
	"github.com/aikaara/assembly-lime/tools"
)

// Backend returns the tool backend over this workspace's sandbox.
func (w *Workspace) Backend() tools.Backend {
	return &remoteBackend{ws: w}
}

// remoteBackend implements the tool operations with sandbox exec and
// file transfer calls.
type remoteBackend struct {
	ws *Workspace
}

var _ tools.Backend = (*remoteBackend)(nil)

// Exec runs command in cwd. Output arrives in one chunk once the command
// has finished.
func (b *remoteBackend) Exec(ctx context.Context, command, cwd string, opts tools.ExecOptions) (tools.ExecResult, error) {
	if cwd == "" {
		cwd = b.ws.repoDir
	}
	env := b.ws.environ()
	for k, v := range opts.Env {
		env[k] = v
	}
	resp, err := b.ws.provider.Exec(ctx, b.ws.id, sandbox.ExecRequest{
		Command: command,
		Cwd:     cwd,
		Env:     env,
		Timeout: opts.Timeout,
	})
	if err != nil {
		return tools.ExecResult{ExitCode: -1}, err
	}
	if opts.OnData != nil && resp.Stdout != "" {
		opts.OnData([]byte(resp.Stdout))
	}
	return tools.ExecResult{Output: resp.Stdout, ExitCode: resp.ExitCode}, nil
}

func (b *remoteBackend) ReadFile(ctx context.Context, p string) ([]byte, error) {
	return b.ws.provider.Download(ctx, b.ws.id, p)
}

func (b *remoteBackend) Access(ctx context.Context, p string) error {
	ok, err := b.test(ctx, "-r", p)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", p, fs.ErrNotExist)
	}
	return nil
}

var imageMimeTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

func (b *remoteBackend) DetectImageMimeType(ctx context.Context, p string) (string, error) {
	res, err := b.run(ctx, fmt.Sprintf("head -c 512 %s | base64 -w0", shellQuote(p)))
	if err != nil {
		return "", err
	}
	head, err := decodeBase64(res)
	if err != nil {
		return "", nil
	}
	mime := http.DetectContentType(head)
	if imageMimeTypes[mime] {
		return mime, nil
	}
	return "", nil
}

func (b *remoteBackend) WriteFile(ctx context.Context, p string, content []byte) error {
	return b.ws.provider.Upload(ctx, b.ws.id, p, content)
}

func (b *remoteBackend) Mkdir(ctx context.Context, dir string) error {
	_, err := b.run(ctx, "mkdir -p "+shellQuote(dir))
	return err
}

func (b *remoteBackend) IsDirectory(ctx context.Context, p string) (bool, error) {
	info, err := b.Stat(ctx, p)
	if err != nil {
		return false, err
	}
	return info.IsDir, nil
}

func (b *remoteBackend) Exists(ctx context.Context, p string) (bool, error) {
	return b.test(ctx, "-e", p)
}

func (b *remoteBackend) Stat(ctx context.Context, p string) (tools.FileInfo, error) {
	out, err := b.run(ctx, fmt.Sprintf("find %s -maxdepth 0 -printf '%%Y %%s %%f\\n'", shellQuote(p)))
	if err != nil {
		return tools.FileInfo{}, fmt.Errorf("%s: %w", p, fs.ErrNotExist)
	}
	infos := parseFindPrintf(out)
	if len(infos) == 0 {
		return tools.FileInfo{}, fmt.Errorf("%s: %w", p, fs.ErrNotExist)
	}
	return infos[0], nil
}

func (b *remoteBackend) ReadDir(ctx context.Context, p string) ([]tools.FileInfo, error) {
	out, err := b.run(ctx, fmt.Sprintf("find %s -mindepth 1 -maxdepth 1 -printf '%%Y %%s %%f\\n'", shellQuote(p)))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", p, err)
	}
	infos := parseFindPrintf(out)
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// Glob lists files under cwd and matches them with the same rules as the
// local backend.
func (b *remoteBackend) Glob(ctx context.Context, pattern, cwd string, limit int) ([]string, error) {
	cmd := fmt.Sprintf("cd %s && find . -type d \\( -name .git -o -name node_modules \\) -prune -o -type f -print", shellQuote(cwd))
	out, err := b.run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	var matches []string
	for _, line := range strings.Split(out, "\n") {
		rel := strings.TrimPrefix(strings.TrimSpace(line), "./")
		if rel == "" || rel == "." {
			continue
		}
		if tools.MatchGlob(pattern, rel) {
			matches = append(matches, rel)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return strings.ToLower(matches[i]) < strings.ToLower(matches[j])
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// --- Helpers ---

// run executes a helper command and fails on a non-zero exit.
func (b *remoteBackend) run(ctx context.Context, cmd string) (string, error) {
	resp, err := b.ws.provider.Exec(ctx, b.ws.id, sandbox.ExecRequest{Command: cmd, Cwd: b.ws.repoDir})
	if err != nil {
		return "", err
	}
	if resp.ExitCode != 0 {
		return resp.Stdout, fmt.Errorf("%s: exit %d: %s", cmd, resp.ExitCode, strings.TrimSpace(resp.Stdout))
	}
	return resp.Stdout, nil
}

// test runs `test <flag> <path>` and reports whether it succeeded.
func (b *remoteBackend) test(ctx context.Context, flag, p string) (bool, error) {
	resp, err := b.ws.provider.Exec(ctx, b.ws.id, sandbox.ExecRequest{
		Command: fmt.Sprintf("test %s %s", flag, shellQuote(p)),
		Cwd:     b.ws.repoDir,
	})
	if err != nil {
		return false, err
	}
	return resp.ExitCode == 0, nil
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(strings.TrimSpace(s))
}

// parseFindPrintf parses `find -printf '%Y %s %f\n'` lines. %Y reports the
// type after following symlinks.
func parseFindPrintf(out string) []tools.FileInfo {
	var infos []tools.FileInfo
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 {
			continue
		}
		size, _ := strconv.ParseInt(parts[1], 10, 64)
		infos = append(infos, tools.FileInfo{
			Name:  path.Base(parts[2]),
			Size:  size,
			IsDir: parts[0] == "d",
		})
	}
	return infos
}
