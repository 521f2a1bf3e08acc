package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aikaara/assembly-lime/pkg/textutil"
)

const readSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string", "minLength": 1, "description": "Path to the file to read (relative or absolute)"},
    "offset": {"type": "integer", "minimum": 1, "description": "Line number to start reading from (1-indexed)"},
    "limit": {"type": "integer", "minimum": 1, "description": "Maximum number of lines to read"}
  },
  "required": ["path"],
  "additionalProperties": false
}`

type readArgs struct {
	Path   string `json:"path"`
	Offset int    `json:"offset"`
	Limit  int    `json:"limit"`
}

// ReadDetails is attached to read results.
type ReadDetails struct {
	Truncated  bool `json:"truncated"`
	TotalLines int  `json:"total_lines"`
}

// NewReadTool returns the read tool.
func NewReadTool(ops ReadOperations, root Root) *Tool {
	desc := fmt.Sprintf("Read the contents of a file. Images (png, jpeg, gif, webp) are returned as attachments. "+
		"Text output is truncated to %d lines or %s, whichever is hit first. Use offset/limit for large files.",
		textutil.DefaultMaxLines, textutil.FormatSize(textutil.DefaultMaxBytes))
	return New("read", desc, readSchema, func(ctx context.Context, raw json.RawMessage) (Result, error) {
		var args readArgs
		if err := decodeArgs(raw, &args); err != nil {
			return ErrorResult("%v", err), nil
		}
		abs, err := root.Resolve(args.Path)
		if err != nil {
			return ErrorResult("%v", err), nil
		}
		return readFile(ctx, ops, abs, args)
	})
}

func readFile(ctx context.Context, ops ReadOperations, abs string, args readArgs) (Result, error) {
	if err := ops.Access(ctx, abs); err != nil {
		return ErrorResult("File not found: %s", args.Path), nil
	}

	mime, err := ops.DetectImageMimeType(ctx, abs)
	if err != nil {
		return ErrorResult("Could not read %s: %v", args.Path, err), nil
	}
	data, err := ops.ReadFile(ctx, abs)
	if err != nil {
		return ErrorResult("Could not read %s: %v", args.Path, err), nil
	}
	if mime != "" {
		return Result{Content: []ContentBlock{
			{Type: "text", Text: fmt.Sprintf("Read image file [%s]", mime)},
			{Type: "image", Data: base64.StdEncoding.EncodeToString(data), MimeType: mime},
		}}, nil
	}

	lines := strings.Split(string(data), "\n")
	total := len(lines)
	start := 0
	if args.Offset > 0 {
		start = args.Offset - 1
	}
	if start >= total {
		return ErrorResult("Offset %d is beyond end of file (%d lines total)", args.Offset, total), nil
	}
	end := total
	userLimited := false
	if args.Limit > 0 && start+args.Limit < total {
		end = start + args.Limit
		userLimited = true
	}
	selected := strings.Join(lines[start:end], "\n")

	details := ReadDetails{TotalLines: total}
	trunc := textutil.TruncateHead(selected, textutil.Options{})
	startLine := start + 1

	switch {
	case trunc.FirstLineExceedsLimit:
		details.Truncated = true
		size := textutil.FormatSize(len(lines[start]))
		text := fmt.Sprintf("[Line %d is %s, exceeds %s limit. Use bash: sed -n '%dp' %s | head -c %d]",
			startLine, size, textutil.FormatSize(textutil.DefaultMaxBytes), startLine, ShellQuote(args.Path), textutil.DefaultMaxBytes)
		return TextResult(text, details), nil
	case trunc.Truncated:
		details.Truncated = true
		endLine := startLine + trunc.OutputLines - 1
		text := trunc.Content + fmt.Sprintf("\n\n[Showing lines %d-%d of %d. Use offset=%d to continue.]",
			startLine, endLine, total, endLine+1)
		return TextResult(text, details), nil
	case userLimited:
		remaining := total - end
		text := trunc.Content + fmt.Sprintf("\n\n[%d more lines in file. Use offset=%d to continue.]", remaining, end+1)
		return TextResult(text, details), nil
	}
	return TextResult(trunc.Content, details), nil
}
