package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/aikaara/assembly-lime/pkg/textutil"
)

const defaultGrepLimit = 100

const grepSchema = `{
  "type": "object",
  "properties": {
    "pattern": {"type": "string", "minLength": 1, "description": "Search pattern (regex or literal string)"},
    "path": {"type": "string", "description": "Directory or file to search (default: repository root)"},
    "glob": {"type": "string", "description": "Filter files by glob pattern, e.g. '*.ts'"},
    "ignoreCase": {"type": "boolean", "description": "Case-insensitive search"},
    "literal": {"type": "boolean", "description": "Treat pattern as a literal string instead of regex"},
    "context": {"type": "integer", "minimum": 0, "description": "Lines to show before and after each match"},
    "limit": {"type": "integer", "minimum": 1, "description": "Maximum number of matches (default 100)"}
  },
  "required": ["pattern"],
  "additionalProperties": false
}`

type grepArgs struct {
	Pattern    string `json:"pattern"`
	Path       string `json:"path"`
	Glob       string `json:"glob"`
	IgnoreCase bool   `json:"ignoreCase"`
	Literal    bool   `json:"literal"`
	Context    int    `json:"context"`
	Limit      int    `json:"limit"`
}

// GrepDetails reports which limits were hit.
type GrepDetails struct {
	Matches           int  `json:"matches"`
	MatchLimitReached bool `json:"match_limit_reached"`
	LinesTruncated    bool `json:"lines_truncated"`
	BytesTruncated    bool `json:"bytes_truncated"`
}

type grepMatch struct {
	file string
	line int
}

// NewGrepTool returns the grep tool. Searching uses ripgrep through the
// shell, with plain grep as a fallback when rg is not installed.
func NewGrepTool(shell BashOperations, ops GrepOperations, root Root) *Tool {
	desc := fmt.Sprintf("Search file contents for a pattern. Returns matching lines with file paths and line numbers. "+
		"Respects .gitignore. Output is truncated to %d matches or %s. Long lines are truncated to %d chars.",
		defaultGrepLimit, textutil.FormatSize(textutil.DefaultMaxBytes), textutil.GrepMaxLineLength)
	return New("grep", desc, grepSchema, func(ctx context.Context, raw json.RawMessage) (Result, error) {
		var args grepArgs
		if err := decodeArgs(raw, &args); err != nil {
			return ErrorResult("%v", err), nil
		}
		searchPath, err := root.Resolve(args.Path)
		if err != nil {
			return ErrorResult("%v", err), nil
		}
		return runGrep(ctx, shell, ops, root, searchPath, args)
	})
}

func runGrep(ctx context.Context, shell BashOperations, ops GrepOperations, root Root, searchPath string, args grepArgs) (Result, error) {
	isDir, err := ops.IsDirectory(ctx, searchPath)
	if err != nil {
		return ErrorResult("Path not found: %s", root.Rel(searchPath)), nil
	}
	limit := args.Limit
	if limit <= 0 {
		limit = defaultGrepLimit
	}

	res, err := shell.Exec(ctx, ripgrepCommand(args, searchPath), root.Dir, ExecOptions{})
	if err != nil {
		return ErrorResult("grep failed: %v", err), nil
	}
	if res.ExitCode == 127 {
		res, err = shell.Exec(ctx, grepCommand(args, searchPath), root.Dir, ExecOptions{})
		if err != nil {
			return ErrorResult("grep failed: %v", err), nil
		}
	}

	matches := parseRipgrepJSON(res.Output)
	if matches == nil {
		matches = parsePlainMatches(res.Output)
	}
	if len(matches) == 0 {
		if res.ExitCode > 1 {
			return ErrorResult("grep failed (exit %d): %s", res.ExitCode, strings.TrimSpace(res.Output)), nil
		}
		return TextResult("No matches found", GrepDetails{}), nil
	}

	details := GrepDetails{}
	if len(matches) > limit {
		matches = matches[:limit]
		details.MatchLimitReached = true
	}
	details.Matches = len(matches)

	base := searchPath
	if !isDir {
		base = path.Dir(searchPath)
	}
	files := map[string][]string{}
	var out []string
	for _, m := range matches {
		abs := m.file
		if !path.IsAbs(abs) {
			abs = path.Join(root.Dir, abs)
		}
		lines, ok := files[abs]
		if !ok {
			data, err := ops.ReadFile(ctx, abs)
			if err == nil {
				lines = strings.Split(textutil.NormalizeToLF(string(data)), "\n")
			}
			files[abs] = lines
		}
		display := strings.TrimPrefix(strings.TrimPrefix(abs, strings.TrimSuffix(base, "/")), "/")
		if display == "" {
			display = path.Base(abs)
		}
		if lines == nil {
			out = append(out, fmt.Sprintf("%s:%d: (unable to read file)", display, m.line))
			continue
		}
		from := max(1, m.line-args.Context)
		to := min(len(lines), m.line+args.Context)
		for n := from; n <= to; n++ {
			text, cut := textutil.TruncateLine(lines[n-1], textutil.GrepMaxLineLength)
			if cut {
				details.LinesTruncated = true
			}
			if n == m.line {
				out = append(out, fmt.Sprintf("%s:%d: %s", display, n, text))
			} else {
				out = append(out, fmt.Sprintf("%s-%d- %s", display, n, text))
			}
		}
	}

	trunc := textutil.TruncateHead(strings.Join(out, "\n"), textutil.Options{MaxLines: math.MaxInt32})
	text := trunc.Content
	var notices []string
	if details.MatchLimitReached {
		notices = append(notices, fmt.Sprintf("%d matches limit reached. Use limit=%d for more, or refine pattern", limit, limit*2))
	}
	if trunc.Truncated {
		details.BytesTruncated = true
		notices = append(notices, fmt.Sprintf("%s limit reached", textutil.FormatSize(textutil.DefaultMaxBytes)))
	}
	if details.LinesTruncated {
		notices = append(notices, fmt.Sprintf("Some lines truncated to %d chars. Use read tool to see full lines", textutil.GrepMaxLineLength))
	}
	if len(notices) > 0 {
		text += "\n\n[" + strings.Join(notices, ". ") + "]"
	}
	return TextResult(text, details), nil
}

func ripgrepCommand(args grepArgs, searchPath string) string {
	parts := []string{"rg", "--json", "--line-number", "--color=never", "--hidden", "--glob", ShellQuote("!.git")}
	if args.IgnoreCase {
		parts = append(parts, "--ignore-case")
	}
	if args.Literal {
		parts = append(parts, "--fixed-strings")
	}
	if args.Glob != "" {
		parts = append(parts, "--glob", ShellQuote(args.Glob))
	}
	parts = append(parts, "--", ShellQuote(args.Pattern), ShellQuote(searchPath))
	return strings.Join(parts, " ")
}

func grepCommand(args grepArgs, searchPath string) string {
	parts := []string{"grep", "-rnH", "--exclude-dir=.git"}
	if args.IgnoreCase {
		parts = append(parts, "-i")
	}
	if args.Literal {
		parts = append(parts, "-F")
	} else {
		parts = append(parts, "-E")
	}
	if args.Glob != "" {
		parts = append(parts, "--include="+ShellQuote(args.Glob))
	}
	parts = append(parts, "--", ShellQuote(args.Pattern), ShellQuote(searchPath))
	return strings.Join(parts, " ")
}

type rgEvent struct {
	Type string `json:"type"`
	Data struct {
		Path struct {
			Text string `json:"text"`
		} `json:"path"`
		LineNumber int `json:"line_number"`
	} `json:"data"`
}

// parseRipgrepJSON returns nil when the output is not rg JSON.
func parseRipgrepJSON(output string) []grepMatch {
	var matches []grepMatch
	parsed := false
	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev rgEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil || ev.Type == "" {
			return nil
		}
		parsed = true
		if ev.Type == "match" && ev.Data.Path.Text != "" && ev.Data.LineNumber > 0 {
			matches = append(matches, grepMatch{file: ev.Data.Path.Text, line: ev.Data.LineNumber})
		}
	}
	if !parsed {
		return nil
	}
	if matches == nil {
		matches = []grepMatch{}
	}
	return matches
}

var plainMatchRe = regexp.MustCompile(`^(.+?):(\d+):(.*)$`)

func parsePlainMatches(output string) []grepMatch {
	var matches []grepMatch
	for _, line := range strings.Split(output, "\n") {
		m := plainMatchRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		matches = append(matches, grepMatch{file: m[1], line: n})
	}
	return matches
}
