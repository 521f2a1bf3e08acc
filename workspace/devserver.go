package workspace

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DevServer is a running development server with a preview URL.
type DevServer struct {
	PreviewURL string
	Port       int
	PortSource string
	// Bound is false when the port never started listening; the URL is
	// still returned since slow servers often come up later.
	Bound bool
}

// Detect reads the repository root and detects the project type.
func (w *Workspace) Detect(ctx context.Context) (Project, error) {
	files, err := w.rootFiles(ctx)
	if err != nil {
		return Project{}, err
	}
	return DetectProject(files), nil
}

// VerifyCommands returns the test and lint commands for the checkout.
func (w *Workspace) VerifyCommands(ctx context.Context) ([]string, error) {
	names, err := w.listRoot(ctx)
	if err != nil {
		return nil, err
	}
	existing := make(map[string]bool, len(names))
	for _, n := range names {
		existing[n] = true
	}
	return DetectVerifyCommands(existing), nil
}

// StartDevServer installs dependencies, starts the dev server in a detached
// session, waits for its port and requests a preview URL.
func (w *Workspace) StartDevServer(ctx context.Context, sessionID string) (DevServer, error) {
	proj, err := w.Detect(ctx)
	if err != nil {
		return DevServer{}, fmt.Errorf("detecting project: %w", err)
	}
	if proj.StartCommand == "" || proj.Port == 0 {
		return DevServer{}, fmt.Errorf("no dev server detected for %s", proj)
	}
	logger := w.logger.With(zap.String("project", proj.String()))

	if proj.InstallCommand != "" {
		res, err := w.Exec(ctx, proj.InstallCommand, 10*time.Minute)
		if err != nil {
			return DevServer{}, fmt.Errorf("installing dependencies: %w", err)
		}
		if res.ExitCode != 0 {
			logger.Warn("dependency install failed, starting anyway",
				zap.Int("exit_code", res.ExitCode),
				zap.String("output", lastLines(res.Stdout, 10)),
			)
		}
	}

	env := w.environ()
	env["PORT"] = strconv.Itoa(proj.Port)
	script := fmt.Sprintf("cd %s && %s%s", shellQuote(w.repoDir), exportPrefix(env), proj.StartCommand)
	if err := w.provider.ExecSession(ctx, w.id, sessionID, script); err != nil {
		return DevServer{}, fmt.Errorf("starting dev server: %w", err)
	}

	bound, err := w.waitForPort(ctx, proj.Port)
	if err != nil {
		return DevServer{}, err
	}
	if !bound {
		logger.Warn("dev server port never opened", zap.Int("port", proj.Port))
	}

	url, err := w.provider.PreviewURL(ctx, w.id, proj.Port, w.config.PreviewTTL)
	if err != nil {
		return DevServer{}, fmt.Errorf("requesting preview URL: %w", err)
	}
	logger.Info("dev server started", zap.Int("port", proj.Port), zap.Bool("bound", bound))
	return DevServer{PreviewURL: url, Port: proj.Port, PortSource: proj.PortSource, Bound: bound}, nil
}

// waitForPort polls the sandbox's TCP listeners until port is listening or
// the attempts run out.
func (w *Workspace) waitForPort(ctx context.Context, port int) (bool, error) {
	for attempt := 1; attempt <= w.config.PollAttempts; attempt++ {
		res, err := w.execIn(ctx, "/", "cat /proc/net/tcp /proc/net/tcp6 2>/dev/null", 10*time.Second)
		if err == nil && listening(res.Stdout, port) {
			return true, nil
		}
		if attempt == w.config.PollAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(w.config.PollInterval):
		}
	}
	return false, nil
}

// listening reports whether /proc/net/tcp output has a LISTEN socket on
// port. Lines look like "0: 00000000:0BB8 00000000:0000 0A ...".
func listening(procNetTCP string, port int) bool {
	for _, line := range strings.Split(procNetTCP, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 || fields[0] == "sl" || fields[3] != "0A" {
			continue
		}
		_, portHex, ok := strings.Cut(fields[1], ":")
		if !ok {
			continue
		}
		p, err := strconv.ParseInt(portHex, 16, 32)
		if err == nil && int(p) == port {
			return true
		}
	}
	return false
}

// rootFiles lists the repository root and downloads the manifests used for
// detection. Other files are recorded by name only.
func (w *Workspace) rootFiles(ctx context.Context) (map[string]string, error) {
	names, err := w.listRoot(ctx)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]bool, len(manifestFiles))
	for _, n := range manifestFiles {
		wanted[n] = true
	}
	files := make(map[string]string, len(names))
	for _, n := range names {
		files[n] = ""
		if !wanted[n] {
			continue
		}
		content, err := w.provider.Download(ctx, w.id, path.Join(w.repoDir, n))
		if err != nil {
			w.logger.Debug("skipping unreadable manifest", zap.String("file", n), zap.Error(err))
			continue
		}
		files[n] = string(content)
	}
	return files, nil
}

func (w *Workspace) listRoot(ctx context.Context) ([]string, error) {
	res, err := w.Exec(ctx, "ls -1A", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", w.repoDir, err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("listing %s: exit %d", w.repoDir, res.ExitCode)
	}
	var names []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if n := strings.TrimSpace(line); n != "" {
			names = append(names, n)
		}
	}
	return names, nil
}

func exportPrefix(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s; ", k, shellQuote(env[k]))
	}
	return b.String()
}
