package textutil

import (
	"github.com/pmezard/go-difflib/difflib"
)

// DefaultContextLines is the number of unchanged lines around each hunk.
const DefaultContextLines = 3

// UnifiedDiff renders a unified diff of old and new for path and reports
// the 1-based line of the first change in new (0 when identical).
func UnifiedDiff(path, oldText, newText string, contextLines int) (string, int) {
	if oldText == newText {
		return "", 0
	}
	if contextLines < 0 {
		contextLines = DefaultContextLines
	}
	a := difflib.SplitLines(oldText)
	b := difflib.SplitLines(newText)

	first := 0
	for _, op := range difflib.NewMatcher(a, b).GetOpCodes() {
		if op.Tag != 'e' {
			first = op.J1 + 1
			break
		}
	}

	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        a,
		B:        b,
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  contextLines,
	})
	if err != nil {
		return "", first
	}
	return diff, first
}
