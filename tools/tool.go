package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/aikaara/assembly-lime/model"
)

// ContentBlock is one piece of tool output.
type ContentBlock struct {
	Type     string `json:"type"` // "text" or "image"
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"` // base64 image data
	MimeType string `json:"mime_type,omitempty"`
}

// Result is what a tool returns to the agent. Tool failures are results
// with IsError set, never Go errors.
type Result struct {
	Content []ContentBlock `json:"content"`
	Details any            `json:"details,omitempty"`
	IsError bool           `json:"is_error,omitempty"`
}

// Text concatenates the text blocks.
func (r Result) Text() string {
	var parts []string
	for _, c := range r.Content {
		if c.Type == "text" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// TextResult builds a successful text result.
func TextResult(text string, details any) Result {
	return Result{Content: []ContentBlock{{Type: "text", Text: text}}, Details: details}
}

// ErrorResult builds a failed text result.
func ErrorResult(format string, args ...any) Result {
	return Result{Content: []ContentBlock{{Type: "text", Text: fmt.Sprintf(format, args...)}}, IsError: true}
}

// Handler executes a tool with schema-validated arguments.
type Handler func(ctx context.Context, args json.RawMessage) (Result, error)

// Tool is a named, schema-described capability the agent can call.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any

	schema  *jsonschema.Schema
	handler Handler
}

// New compiles schema and returns a tool. It panics on an invalid schema,
// which is a programming error.
func New(name, description, schema string, handler Handler) *Tool {
	params := map[string]any{}
	if err := json.Unmarshal([]byte(schema), &params); err != nil {
		panic(fmt.Sprintf("tool %s: parsing schema: %v", name, err))
	}
	compiled, err := compileSchema(name+".json", schema)
	if err != nil {
		panic(fmt.Sprintf("tool %s: %v", name, err))
	}
	return &Tool{
		Name:        name,
		Description: description,
		Parameters:  params,
		schema:      compiled,
		handler:     handler,
	}
}

func compileSchema(url, schema string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("load schema resource: %w", err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

// Validate checks raw arguments against the tool's schema.
func (t *Tool) Validate(args json.RawMessage) error {
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage(`{}`)
	}
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("%w: arguments are not valid JSON: %v", model.ErrValidation, err)
	}
	if err := t.schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", model.ErrValidation, err)
	}
	return nil
}

// Exec validates args and runs the tool. Validation failures become
// error results so the agent can correct itself.
func (t *Tool) Exec(ctx context.Context, args json.RawMessage) (Result, error) {
	if err := t.Validate(args); err != nil {
		return ErrorResult("Invalid arguments for %s: %v", t.Name, err), nil
	}
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage(`{}`)
	}
	return t.handler(ctx, args)
}

// --- Helpers ---

// Root is where tool paths resolve. Relative paths resolve against Dir;
// absolute paths must fall under Dir or one of the Extra directories.
type Root struct {
	Dir   string
	Extra []string
}

// Resolve resolves p and rejects paths outside every allowed directory.
func (r Root) Resolve(p string) (string, error) {
	p = strings.TrimSpace(p)
	if strings.HasPrefix(p, "@") {
		p = p[1:]
	}
	if p == "" || p == "." {
		return path.Clean(r.Dir), nil
	}
	abs := p
	if !path.IsAbs(p) {
		abs = path.Join(r.Dir, p)
	}
	abs = path.Clean(abs)
	if within(r.Dir, abs) {
		return abs, nil
	}
	for _, dir := range r.Extra {
		if within(dir, abs) {
			return abs, nil
		}
	}
	return "", fmt.Errorf("%w: path %q escapes the workspace root", model.ErrValidation, p)
}

// Rel renders abs relative to Dir for display. Paths in extra directories
// stay absolute.
func (r Root) Rel(abs string) string {
	cleanRoot := strings.TrimSuffix(path.Clean(r.Dir), "/")
	if abs == cleanRoot {
		return "."
	}
	if within(cleanRoot, abs) {
		return strings.TrimPrefix(abs, cleanRoot+"/")
	}
	return abs
}

func within(dir, abs string) bool {
	clean := path.Clean(dir)
	return abs == clean || strings.HasPrefix(abs, strings.TrimSuffix(clean, "/")+"/")
}

// ShellQuote single-quotes s for POSIX shells.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func decodeArgs(args json.RawMessage, v any) error {
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("%w: decoding arguments: %v", model.ErrValidation, err)
	}
	return nil
}
