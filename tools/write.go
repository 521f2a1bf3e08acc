package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
)

const writeSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string", "minLength": 1, "description": "Path to the file to write (relative or absolute)"},
    "content": {"type": "string", "description": "Content to write to the file"}
  },
  "required": ["path", "content"],
  "additionalProperties": false
}`

type writeArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// NewWriteTool returns the write tool.
func NewWriteTool(ops WriteOperations, root Root) *Tool {
	desc := "Write content to a file. Creates the file if it doesn't exist, overwrites it if it does. " +
		"Parent directories are created automatically."
	return New("write", desc, writeSchema, func(ctx context.Context, raw json.RawMessage) (Result, error) {
		var args writeArgs
		if err := decodeArgs(raw, &args); err != nil {
			return ErrorResult("%v", err), nil
		}
		abs, err := root.Resolve(args.Path)
		if err != nil {
			return ErrorResult("%v", err), nil
		}
		if err := ops.Mkdir(ctx, path.Dir(abs)); err != nil {
			return ErrorResult("Could not create directory for %s: %v", args.Path, err), nil
		}
		if err := ops.WriteFile(ctx, abs, []byte(args.Content)); err != nil {
			return ErrorResult("Could not write %s: %v", args.Path, err), nil
		}
		return TextResult(
			fmt.Sprintf("Successfully wrote %d bytes to %s", len(args.Content), args.Path),
			map[string]any{"bytes": len(args.Content)},
		), nil
	})
}
