package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aikaara/assembly-lime/pkg/textutil"
)

const defaultFindLimit = 1000

const findSchema = `{
  "type": "object",
  "properties": {
    "pattern": {"type": "string", "minLength": 1, "description": "Glob pattern to match files, e.g. '*.ts', '**/*.json', 'src/**/*.spec.ts'"},
    "path": {"type": "string", "description": "Directory to search in (default: repository root)"},
    "limit": {"type": "integer", "minimum": 1, "description": "Maximum number of results (default 1000)"}
  },
  "required": ["pattern"],
  "additionalProperties": false
}`

type findArgs struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path"`
	Limit   int    `json:"limit"`
}

// NewFindTool returns the find tool.
func NewFindTool(ops FindOperations, root Root) *Tool {
	desc := fmt.Sprintf("Search for files by glob pattern. Returns matching file paths relative to the search directory. "+
		"Skips .git and node_modules. Output is truncated to %d results or %s.",
		defaultFindLimit, textutil.FormatSize(textutil.DefaultMaxBytes))
	return New("find", desc, findSchema, func(ctx context.Context, raw json.RawMessage) (Result, error) {
		var args findArgs
		if err := decodeArgs(raw, &args); err != nil {
			return ErrorResult("%v", err), nil
		}
		dir, err := root.Resolve(args.Path)
		if err != nil {
			return ErrorResult("%v", err), nil
		}
		ok, err := ops.Exists(ctx, dir)
		if err != nil || !ok {
			return ErrorResult("Path not found: %s", root.Rel(dir)), nil
		}
		limit := args.Limit
		if limit <= 0 {
			limit = defaultFindLimit
		}

		paths, err := ops.Glob(ctx, args.Pattern, dir, limit+1)
		if err != nil {
			return ErrorResult("find failed: %v", err), nil
		}
		if len(paths) == 0 {
			return TextResult("No files found matching pattern", nil), nil
		}
		limited := len(paths) > limit
		if limited {
			paths = paths[:limit]
		}

		trunc := textutil.TruncateHead(strings.Join(paths, "\n"), textutil.Options{MaxLines: limit + 1})
		text := trunc.Content
		var notices []string
		if limited {
			notices = append(notices, fmt.Sprintf("%d results limit reached. Use limit=%d for more, or refine pattern", limit, limit*2))
		}
		if trunc.Truncated {
			notices = append(notices, fmt.Sprintf("%s limit reached", textutil.FormatSize(textutil.DefaultMaxBytes)))
		}
		if len(notices) > 0 {
			text += "\n\n[" + strings.Join(notices, ". ") + "]"
		}
		return TextResult(text, map[string]any{"count": len(paths), "limit_reached": limited}), nil
	})
}
