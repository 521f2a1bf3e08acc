package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/aikaara/assembly-lime/pkg/textutil"
)

const defaultLsLimit = 500

const lsSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string", "description": "Directory to list (default: repository root)"},
    "limit": {"type": "integer", "minimum": 1, "description": "Maximum number of entries (default 500)"}
  },
  "additionalProperties": false
}`

type lsArgs struct {
	Path  string `json:"path"`
	Limit int    `json:"limit"`
}

// NewLsTool returns the ls tool.
func NewLsTool(ops LsOperations, root Root) *Tool {
	desc := fmt.Sprintf("List directory contents, sorted alphabetically, with '/' suffix for directories. "+
		"Includes dotfiles. Output is truncated to %d entries or %s.",
		defaultLsLimit, textutil.FormatSize(textutil.DefaultMaxBytes))
	return New("ls", desc, lsSchema, func(ctx context.Context, raw json.RawMessage) (Result, error) {
		var args lsArgs
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
		info, err := ops.Stat(ctx, dir)
		if err != nil {
			return ErrorResult("Could not stat %s: %v", root.Rel(dir), err), nil
		}
		if !info.IsDir {
			return ErrorResult("Not a directory: %s", root.Rel(dir)), nil
		}
		entries, err := ops.ReadDir(ctx, dir)
		if err != nil {
			return ErrorResult("Could not read directory %s: %v", root.Rel(dir), err), nil
		}
		if len(entries) == 0 {
			return TextResult("(empty directory)", nil), nil
		}

		sort.Slice(entries, func(i, j int) bool {
			return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
		})
		limit := args.Limit
		if limit <= 0 {
			limit = defaultLsLimit
		}
		limited := len(entries) > limit
		if limited {
			entries = entries[:limit]
		}
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name
			if e.IsDir {
				names[i] += "/"
			}
		}

		trunc := textutil.TruncateHead(strings.Join(names, "\n"), textutil.Options{MaxLines: limit + 1})
		text := trunc.Content
		var notices []string
		if limited {
			notices = append(notices, fmt.Sprintf("%d entries limit reached. Use limit=%d for more", limit, limit*2))
		}
		if trunc.Truncated {
			notices = append(notices, fmt.Sprintf("%s limit reached", textutil.FormatSize(textutil.DefaultMaxBytes)))
		}
		if len(notices) > 0 {
			text += "\n\n[" + strings.Join(notices, ". ") + "]"
		}
		return TextResult(text, map[string]any{"count": len(names), "limit_reached": limited}), nil
	})
}
