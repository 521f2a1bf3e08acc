// Package selector picks the target repository of a run from a list of
// candidates, using keyword scoring and an LLM tie-breaker.
package selector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/aikaara/assembly-lime/llm"
	"github.com/aikaara/assembly-lime/model"
)

// ErrNoCandidates is returned when there is nothing to choose from.
var ErrNoCandidates = fmt.Errorf("%w: no repository candidates", model.ErrValidation)

// MaxShortlist caps how many candidates are shown to the LLM.
const MaxShortlist = 30

// Selection is the chosen candidate.
type Selection struct {
	Candidate model.RepoCandidate
	Index     int // index into the candidates passed to Select
	Reasoning string
	UsedLLM   bool
}

// Selector chooses repositories. A nil client disables the LLM step.
type Selector struct {
	client llm.Client
	logger *zap.Logger
}

// New creates a selector.
func New(client llm.Client, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{client: client, logger: logger}
}

// Select returns the candidate best matching prompt. LLM failures fall
// back to the primary candidate, or the first one.
func (s *Selector) Select(ctx context.Context, prompt string, candidates []model.RepoCandidate) (Selection, error) {
	switch len(candidates) {
	case 0:
		return Selection{}, ErrNoCandidates
	case 1:
		return Selection{Candidate: candidates[0], Index: 0, Reasoning: "only candidate"}, nil
	}

	shortlist := Shortlist(prompt, candidates, MaxShortlist)
	if s.client == nil {
		return fallback(candidates, "no LLM configured"), nil
	}

	resp, err := s.client.Complete(ctx, llm.Request{
		System:    selectorSystemPrompt,
		Messages:  []llm.Message{llm.UserText(buildPrompt(prompt, candidates, shortlist))},
		MaxTokens: 512,
	})
	if err != nil {
		if ctx.Err() != nil {
			return Selection{}, ctx.Err()
		}
		s.logger.Warn("repo selection LLM call failed, using fallback", zap.Error(err))
		return fallback(candidates, "selection failed: "+err.Error()), nil
	}

	choice, err := parseChoice(resp.Content)
	if err != nil {
		s.logger.Warn("unparseable repo selection, using fallback", zap.Error(err))
		return fallback(candidates, "unparseable selection"), nil
	}
	if choice.Index < 0 || choice.Index >= len(shortlist) {
		s.logger.Warn("repo selection out of range, using fallback", zap.Int("index", choice.Index))
		return fallback(candidates, "selection out of range"), nil
	}
	idx := shortlist[choice.Index]
	return Selection{
		Candidate: candidates[idx],
		Index:     idx,
		Reasoning: choice.Reasoning,
		UsedLLM:   true,
	}, nil
}

// Shortlist ranks candidates by keyword overlap with prompt and returns
// the indices of the best limit, ties kept in input order.
func Shortlist(prompt string, candidates []model.RepoCandidate, limit int) []int {
	keywords := tokenize(prompt)
	scores := make([]int, len(candidates))
	for i, c := range candidates {
		scores[i] = score(keywords, c)
	}
	idx := make([]int, len(candidates))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })
	if limit > 0 && len(idx) > limit {
		idx = idx[:limit]
	}
	return idx
}

func score(keywords map[string]bool, c model.RepoCandidate) int {
	words := tokenize(strings.Join([]string{c.Owner, c.Name, c.Description, c.RoleLabel}, " "))
	n := 0
	for w := range words {
		if keywords[w] {
			n++
		}
	}
	if c.Primary {
		n *= 2
	}
	if c.RoleLabel != "" {
		n++
	}
	return n
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true, "this": true,
	"from": true, "into": true, "add": true, "fix": true, "make": true, "use": true,
	"should": true, "when": true, "are": true, "not": true, "our": true, "please": true,
}

func tokenize(s string) map[string]bool {
	out := map[string]bool{}
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(f) >= 3 && !stopwords[f] {
			out[f] = true
		}
	}
	return out
}

func fallback(candidates []model.RepoCandidate, reason string) Selection {
	for i, c := range candidates {
		if c.Primary {
			return Selection{Candidate: c, Index: i, Reasoning: reason + "; primary candidate"}
		}
	}
	return Selection{Candidate: candidates[0], Index: 0, Reasoning: reason + "; first candidate"}
}

type choice struct {
	Index     int    `json:"index"`
	Reasoning string `json:"reasoning"`
}

// parseChoice decodes the first JSON object found in free text.
func parseChoice(text string) (choice, error) {
	for i := strings.IndexByte(text, '{'); i >= 0; {
		var c struct {
			Index     *int   `json:"index"`
			Reasoning string `json:"reasoning"`
		}
		dec := json.NewDecoder(strings.NewReader(text[i:]))
		if err := dec.Decode(&c); err == nil && c.Index != nil {
			return choice{Index: *c.Index, Reasoning: c.Reasoning}, nil
		}
		next := strings.IndexByte(text[i+1:], '{')
		if next < 0 {
			break
		}
		i += next + 1
	}
	return choice{}, errors.New("no JSON object with an index found")
}

func buildPrompt(prompt string, candidates []model.RepoCandidate, shortlist []int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task:\n%s\n\nRepositories:\n", prompt)
	for n, i := range shortlist {
		c := candidates[i]
		fmt.Fprintf(&b, "%d. %s", n, c.FullName())
		if c.RoleLabel != "" {
			fmt.Fprintf(&b, " [%s]", c.RoleLabel)
		}
		if c.Primary {
			b.WriteString(" (primary)")
		}
		if c.Description != "" {
			fmt.Fprintf(&b, ": %s", c.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}

const selectorSystemPrompt = `You route coding tasks to the repository where the work belongs.

Given a task and a numbered list of repositories, pick the single repository
that most likely needs to change. Prefer the primary repository when the task
does not clearly belong elsewhere.

Reply with ONLY a JSON object in this exact format:

{"index": 0, "reasoning": "one sentence explaining the choice"}`
