package tools

import (
	"github.com/aikaara/assembly-lime/model"
)

// ReadOnlyTools are available in every mode.
var ReadOnlyTools = []string{"read", "grep", "find", "ls", "bash"}

// Bundle is the ordered set of tools over one backend and workspace root.
type Bundle struct {
	root   string
	tools  []*Tool
	byName map[string]*Tool
}

// NewBundle builds all seven tools over backend, resolving paths against
// dir. Paths under extra are accepted as well.
func NewBundle(backend Backend, dir string, extra ...string) *Bundle {
	root := Root{Dir: dir, Extra: extra}
	b := &Bundle{root: dir, byName: map[string]*Tool{}}
	for _, t := range []*Tool{
		NewReadTool(backend, root),
		NewBashTool(backend, root),
		NewEditTool(backend, root),
		NewWriteTool(backend, root),
		NewGrepTool(backend, backend, root),
		NewFindTool(backend, root),
		NewLsTool(backend, root),
	} {
		b.tools = append(b.tools, t)
		b.byName[t.Name] = t
	}
	return b
}

// Root returns the workspace root.
func (b *Bundle) Root() string { return b.root }

// All returns every tool.
func (b *Bundle) All() []*Tool {
	return append([]*Tool(nil), b.tools...)
}

// Get looks a tool up by name.
func (b *Bundle) Get(name string) (*Tool, bool) {
	t, ok := b.byName[name]
	return t, ok
}

// ForMode returns the tools the mode policy allows. Plan and review are
// read-only; implement and bugfix may also write and edit.
func (b *Bundle) ForMode(mode model.Mode) []*Tool {
	if mode.Writes() {
		return b.All()
	}
	allowed := map[string]bool{}
	for _, n := range ReadOnlyTools {
		allowed[n] = true
	}
	var out []*Tool
	for _, t := range b.tools {
		if allowed[t.Name] {
			out = append(out, t)
		}
	}
	return out
}
