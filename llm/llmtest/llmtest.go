// Package llmtest provides a scripted llm.Client for tests.
package llmtest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/aikaara/assembly-lime/llm"
	"github.com/aikaara/assembly-lime/model"
)

// Step is one scripted reply: either a response or an error.
type Step struct {
	Response llm.Response
	Err      error
}

// Scripted replays steps in order and records every request.
type Scripted struct {
	mu       sync.Mutex
	steps    []Step
	requests []llm.Request
	// Fallback is returned once the script is exhausted.
	Fallback llm.Response
	ModelID  string
}

// New returns a client that replays steps.
func New(steps ...Step) *Scripted {
	return &Scripted{
		steps:    steps,
		Fallback: llm.Response{Content: "done", StopReason: llm.StopEndTurn},
		ModelID:  "claude-sonnet-4-test",
	}
}

// Text is a step answering with plain text.
func Text(s string) Step {
	return Step{Response: llm.Response{
		Content:    s,
		StopReason: llm.StopEndTurn,
		Usage:      model.Usage{InputTokens: 100, OutputTokens: 20},
	}}
}

// Call is a step requesting one tool call.
func Call(id, name string, args any) Step {
	raw, _ := json.Marshal(args)
	return Step{Response: llm.Response{
		ToolCalls:  []llm.ToolCall{{ID: id, Name: name, Arguments: raw}},
		StopReason: llm.StopToolUse,
		Usage:      model.Usage{InputTokens: 100, OutputTokens: 10},
	}}
}

// Fail is a step returning err.
func Fail(err error) Step {
	return Step{Err: err}
}

// Transient is a retryable provider error.
func Transient() Step {
	return Fail(llm.NewStatusError("test", 529, errors.New("overloaded")))
}

// Append adds steps to the end of the script.
func (s *Scripted) Append(steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, steps...)
}

func (s *Scripted) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return llm.Response{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := req
	cp.Messages = append([]llm.Message(nil), req.Messages...)
	s.requests = append(s.requests, cp)
	if len(s.steps) == 0 {
		return s.Fallback, nil
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	return step.Response, step.Err
}

func (s *Scripted) Model() string { return s.ModelID }

func (s *Scripted) Provider() model.Provider { return model.ProviderAnthropic }

// Requests returns every request seen so far.
func (s *Scripted) Requests() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Request(nil), s.requests...)
}

// Remaining returns the number of unconsumed steps.
func (s *Scripted) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}
