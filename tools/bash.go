package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aikaara/assembly-lime/pkg/textutil"
)

const bashSchema = `{
  "type": "object",
  "properties": {
    "command": {"type": "string", "minLength": 1, "description": "Bash command to execute"},
    "timeout": {"type": "number", "minimum": 0, "description": "Timeout in seconds (optional)"}
  },
  "required": ["command"],
  "additionalProperties": false
}`

type bashArgs struct {
	Command string  `json:"command"`
	Timeout float64 `json:"timeout"`
}

// BashDetails is attached to bash results.
type BashDetails struct {
	ExitCode       int    `json:"exit_code"`
	Truncated      bool   `json:"truncated"`
	FullOutputPath string `json:"full_output_path,omitempty"`
}

// NewBashTool returns the bash tool.
func NewBashTool(ops BashOperations, root Root) *Tool {
	desc := fmt.Sprintf("Execute a bash command in the repository directory. Returns stdout and stderr. "+
		"Output is truncated to the last %d lines or %s; when truncated the full output is saved to a file. "+
		"Optionally provide a timeout in seconds.", textutil.DefaultMaxLines, textutil.FormatSize(textutil.DefaultMaxBytes))
	return New("bash", desc, bashSchema, func(ctx context.Context, raw json.RawMessage) (Result, error) {
		var args bashArgs
		if err := decodeArgs(raw, &args); err != nil {
			return ErrorResult("%v", err), nil
		}
		return runBash(ctx, ops, root.Dir, args)
	})
}

func runBash(ctx context.Context, ops BashOperations, root string, args bashArgs) (Result, error) {
	buf := newRollingBuffer(2 * textutil.DefaultMaxBytes)
	opts := ExecOptions{OnData: buf.Write}
	if args.Timeout > 0 {
		opts.Timeout = time.Duration(args.Timeout * float64(time.Second))
	}

	res, err := ops.Exec(ctx, args.Command, root, opts)
	full := res.Output
	if full == "" {
		full = buf.String()
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && opts.Timeout > 0 {
			return ErrorResult("%s\n\nCommand timed out after %g seconds", strings.TrimRight(full, "\n"), args.Timeout), nil
		}
		if errors.Is(err, context.Canceled) {
			return ErrorResult("%s\n\nCommand aborted", strings.TrimRight(full, "\n")), nil
		}
		return ErrorResult("Command failed: %v", err), nil
	}

	details := BashDetails{ExitCode: res.ExitCode}
	trunc := textutil.TruncateTail(full, textutil.Options{})
	text := trunc.Content
	if text == "" {
		text = "(no output)"
	}
	if trunc.Truncated {
		details.Truncated = true
		if p, err := writeTempOutput(full); err == nil {
			details.FullOutputPath = p
		}
		start := trunc.TotalLines - trunc.OutputLines + 1
		if trunc.LastLinePartial {
			text += fmt.Sprintf("\n\n[Showing last %s of line %d. Full output: %s]",
				textutil.FormatSize(trunc.OutputBytes), trunc.TotalLines, details.FullOutputPath)
		} else {
			text += fmt.Sprintf("\n\n[Showing lines %d-%d of %d. Full output: %s]",
				start, trunc.TotalLines, trunc.TotalLines, details.FullOutputPath)
		}
	}

	if res.ExitCode != 0 {
		r := ErrorResult("%s\n\nCommand exited with code %d", text, res.ExitCode)
		r.Details = details
		return r, nil
	}
	return TextResult(text, details), nil
}

func writeTempOutput(content string) (string, error) {
	f, err := os.CreateTemp("", "lime-bash-*.log")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return "", err
	}
	return f.Name(), nil
}

// rollingBuffer keeps the last max bytes written to it.
type rollingBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newRollingBuffer(max int) *rollingBuffer {
	return &rollingBuffer{max: max}
}

func (b *rollingBuffer) Write(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
}

func (b *rollingBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return textutil.TruncateStringToBytesFromEnd(string(b.buf), b.max)
}
