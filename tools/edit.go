package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aikaara/assembly-lime/model"
	"github.com/aikaara/assembly-lime/pkg/textutil"
)

const editSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string", "minLength": 1, "description": "Path to the file to edit (relative or absolute)"},
    "oldText": {"type": "string", "minLength": 1, "description": "Exact text to find and replace (must match exactly)"},
    "newText": {"type": "string", "description": "New text to replace the old text with"}
  },
  "required": ["path", "oldText", "newText"],
  "additionalProperties": false
}`

type editArgs struct {
	Path    string `json:"path"`
	OldText string `json:"oldText"`
	NewText string `json:"newText"`
}

// EditDetails is the structured output of a successful edit.
type EditDetails struct {
	Path             string `json:"path"`
	Diff             string `json:"diff"`
	FirstChangedLine int    `json:"first_changed_line"`
}

// EditOutcome is the result of applying an edit in memory.
type EditOutcome struct {
	Content          []byte
	Diff             string
	FirstChangedLine int
}

// ApplyEdit replaces the single occurrence of oldText in raw with newText.
// Line endings and a leading BOM are preserved. Missing or ambiguous
// matches are validation errors.
func ApplyEdit(displayPath string, raw []byte, oldText, newText string) (EditOutcome, error) {
	bomPrefix, content := textutil.StripBOM(string(raw))
	ending := textutil.DetectLineEnding(content)
	norm := textutil.NormalizeToLF(content)
	oldN := textutil.NormalizeToLF(oldText)
	newN := textutil.NormalizeToLF(newText)

	idx := strings.Index(norm, oldN)
	if idx < 0 {
		return EditOutcome{}, fmt.Errorf("%w: no match for the old text in %s. The old text must match exactly including all whitespace and newlines",
			model.ErrValidation, displayPath)
	}
	if n := textutil.CountOccurrences(norm, oldN); n > 1 {
		return EditOutcome{}, fmt.Errorf("%w: found %d occurrences of the text in %s. The text must be unique. Please provide more context to make it unique",
			model.ErrValidation, n, displayPath)
	}

	updated := norm[:idx] + newN + norm[idx+len(oldN):]
	if updated == norm {
		return EditOutcome{}, fmt.Errorf("%w: no changes made to %s. The replacement produced identical content",
			model.ErrValidation, displayPath)
	}

	diff, first := textutil.UnifiedDiff(displayPath, norm, updated, textutil.DefaultContextLines)
	return EditOutcome{
		Content:          []byte(bomPrefix + textutil.RestoreLineEndings(updated, ending)),
		Diff:             diff,
		FirstChangedLine: first,
	}, nil
}

// NewEditTool returns the edit tool.
func NewEditTool(ops EditOperations, root Root) *Tool {
	desc := "Edit a file by replacing exact text. The oldText must match exactly (including whitespace) " +
		"and must occur exactly once. Use this for precise, surgical edits."
	return New("edit", desc, editSchema, func(ctx context.Context, raw json.RawMessage) (Result, error) {
		var args editArgs
		if err := decodeArgs(raw, &args); err != nil {
			return ErrorResult("%v", err), nil
		}
		abs, err := root.Resolve(args.Path)
		if err != nil {
			return ErrorResult("%v", err), nil
		}
		if err := ops.Access(ctx, abs); err != nil {
			return ErrorResult("File not found: %s", args.Path), nil
		}
		data, err := ops.ReadFile(ctx, abs)
		if err != nil {
			return ErrorResult("Could not read %s: %v", args.Path, err), nil
		}

		out, err := ApplyEdit(root.Rel(abs), data, args.OldText, args.NewText)
		if err != nil {
			return ErrorResult("%v", err), nil
		}
		if err := ops.WriteFile(ctx, abs, out.Content); err != nil {
			return ErrorResult("Could not write %s: %v", args.Path, err), nil
		}
		return TextResult(
			fmt.Sprintf("Successfully replaced text in %s.", args.Path),
			EditDetails{Path: root.Rel(abs), Diff: out.Diff, FirstChangedLine: out.FirstChangedLine},
		), nil
	})
}
