// Package agent runs the tool-calling turn loop between an LLM client and a
// set of tools, and reports progress as a stream of events.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aikaara/assembly-lime/llm"
	"github.com/aikaara/assembly-lime/model"
	"github.com/aikaara/assembly-lime/tools"
)

// EventType identifies an agent event.
type EventType string

const (
	EventAgentStart EventType = "agent_start"
	EventTurnStart  EventType = "turn_start"
	EventTextDelta  EventType = "text_delta"
	EventToolStart  EventType = "tool_start"
	EventToolEnd    EventType = "tool_end"
	EventTurnEnd    EventType = "turn_end"
	EventAgentEnd   EventType = "agent_end"
)

// Event is one step of a turn-sequence. Which fields are set depends on Type.
type Event struct {
	Type EventType
	Turn int

	// TextDelta
	Text string

	// ToolStart / ToolEnd
	ToolCallID string
	ToolName   string
	Args       json.RawMessage
	Result     *tools.Result

	// TurnEnd
	Usage      model.Usage
	CostUSD    float64
	StopReason llm.StopReason
	Model      string
	Duration   time.Duration
	Raw        json.RawMessage

	// AgentEnd
	EndReason EndReason
	Err       error
}

// EndReason explains why a turn-sequence stopped.
type EndReason string

const (
	EndCompleted EndReason = "completed"
	EndMaxTurns  EndReason = "max_turns"
	EndMaxCost   EndReason = "max_cost"
	EndAborted   EndReason = "aborted"
	EndError     EndReason = "error"
)

// Listener receives events synchronously, in order.
type Listener func(Event)

// Options configures an Agent.
type Options struct {
	System     string
	MaxTurns   int     // across the agent's lifetime; 0 = unlimited
	MaxCostUSD float64 // 0 = unlimited
	MaxTokens  int
}

// Outcome summarizes a finished turn-sequence.
type Outcome struct {
	Reason EndReason
	Turns  int // turns taken in this sequence
}

// Agent holds one conversation and its tools. Prompt and Continue must not
// be called concurrently.
type Agent struct {
	client llm.Client
	opts   Options

	mu        sync.Mutex
	tools     []*tools.Tool
	byName    map[string]*tools.Tool
	messages  []llm.Message
	listeners map[int]Listener
	nextID    int
	turns     int
	costUSD   float64
	onTurnEnd func(turn int)
}

// New creates an agent.
func New(client llm.Client, opts Options) *Agent {
	return &Agent{
		client:    client,
		opts:      opts,
		byName:    map[string]*tools.Tool{},
		listeners: map[int]Listener{},
	}
}

// SetTools replaces the tool set offered to the model.
func (a *Agent) SetTools(ts []*tools.Tool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tools = append([]*tools.Tool(nil), ts...)
	a.byName = make(map[string]*tools.Tool, len(ts))
	for _, t := range ts {
		a.byName[t.Name] = t
	}
}

// AddTools appends tools, replacing any with the same name.
func (a *Agent) AddTools(ts ...*tools.Tool) {
	a.mu.Lock()
	current := append([]*tools.Tool(nil), a.tools...)
	a.mu.Unlock()
	for _, t := range ts {
		replaced := false
		for i, c := range current {
			if c.Name == t.Name {
				current[i] = t
				replaced = true
			}
		}
		if !replaced {
			current = append(current, t)
		}
	}
	a.SetTools(current)
}

// ToolNames lists the active tools in order.
func (a *Agent) ToolNames() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, len(a.tools))
	for i, t := range a.tools {
		names[i] = t.Name
	}
	return names
}

// SetSystemPrompt replaces the system prompt.
func (a *Agent) SetSystemPrompt(s string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.opts.System = s
}

// Subscribe registers l and returns a function that removes it.
func (a *Agent) Subscribe(l Listener) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = l
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.listeners, id)
	}
}

// OnTurnEnd installs a hook called after every completed turn, after
// listeners have seen the TurnEnd event.
func (a *Agent) OnTurnEnd(fn func(turn int)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onTurnEnd = fn
}

// Messages returns a copy of the conversation.
func (a *Agent) Messages() []llm.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]llm.Message(nil), a.messages...)
}

// Restore replaces the conversation and turn counter, e.g. from a snapshot.
func (a *Agent) Restore(messages []llm.Message, turns int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append([]llm.Message(nil), messages...)
	a.turns = turns
}

// Turns returns the number of LLM calls completed so far.
func (a *Agent) Turns() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.turns
}

// CostUSD returns the accumulated estimated cost.
func (a *Agent) CostUSD() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.costUSD
}

// Prompt appends a user message and runs turns until the model stops
// calling tools or a budget is hit.
func (a *Agent) Prompt(ctx context.Context, text string, images ...llm.Image) (Outcome, error) {
	a.mu.Lock()
	a.messages = append(a.messages, llm.Message{Role: llm.RoleUser, Content: text, Images: images})
	a.mu.Unlock()
	return a.run(ctx)
}

// Continue runs turns on the existing conversation without adding a
// message. It is used to retry after a failed LLM call: the conversation
// still ends with the message that call was answering.
func (a *Agent) Continue(ctx context.Context) (Outcome, error) {
	return a.run(ctx)
}

func (a *Agent) run(ctx context.Context) (Outcome, error) {
	a.emit(Event{Type: EventAgentStart})
	var out Outcome
	end := func(reason EndReason, err error) (Outcome, error) {
		out.Reason = reason
		a.emit(Event{Type: EventAgentEnd, Turn: a.Turns(), EndReason: reason, Err: err})
		return out, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return end(EndAborted, err)
		}
		if a.opts.MaxTurns > 0 && a.Turns() >= a.opts.MaxTurns {
			return end(EndMaxTurns, nil)
		}
		if a.opts.MaxCostUSD > 0 && a.CostUSD() >= a.opts.MaxCostUSD {
			return end(EndMaxCost, nil)
		}

		turn := a.Turns() + 1
		a.emit(Event{Type: EventTurnStart, Turn: turn})

		a.mu.Lock()
		req := llm.Request{
			System:    a.opts.System,
			Messages:  append([]llm.Message(nil), a.messages...),
			Tools:     definitions(a.tools),
			MaxTokens: a.opts.MaxTokens,
		}
		a.mu.Unlock()

		start := time.Now()
		resp, err := a.client.Complete(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return end(EndAborted, ctx.Err())
			}
			return end(EndError, fmt.Errorf("turn %d: %w", turn, err))
		}
		duration := time.Since(start)
		cost := llm.Cost(a.client.Model(), resp.Usage)

		if resp.Content != "" {
			a.emit(Event{Type: EventTextDelta, Turn: turn, Text: resp.Content})
		}
		calls := ensureCallIDs(resp.ToolCalls)

		a.mu.Lock()
		a.messages = append(a.messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: calls})
		a.turns = turn
		a.costUSD += cost
		a.mu.Unlock()
		out.Turns++

		var results []llm.ToolResult
		for _, call := range calls {
			if err := ctx.Err(); err != nil {
				results = append(results, llm.ToolResult{
					ToolCallID: call.ID, Name: call.Name, Content: "Aborted", IsError: true,
				})
				continue
			}
			results = append(results, a.execTool(ctx, turn, call))
		}
		if len(results) > 0 {
			a.mu.Lock()
			a.messages = append(a.messages, llm.Message{Role: llm.RoleUser, ToolResults: results})
			a.mu.Unlock()
		}

		modelName := resp.Model
		if modelName == "" {
			modelName = a.client.Model()
		}
		a.emit(Event{
			Type:       EventTurnEnd,
			Turn:       turn,
			Usage:      resp.Usage,
			CostUSD:    cost,
			StopReason: resp.StopReason,
			Model:      modelName,
			Duration:   duration,
			Raw:        resp.Raw,
		})
		a.mu.Lock()
		hook := a.onTurnEnd
		a.mu.Unlock()
		if hook != nil {
			hook(turn)
		}

		if len(calls) == 0 {
			return end(EndCompleted, nil)
		}
	}
}

func (a *Agent) execTool(ctx context.Context, turn int, call llm.ToolCall) llm.ToolResult {
	a.emit(Event{Type: EventToolStart, Turn: turn, ToolCallID: call.ID, ToolName: call.Name, Args: call.Arguments})

	a.mu.Lock()
	tool, ok := a.byName[call.Name]
	a.mu.Unlock()

	var res tools.Result
	if !ok {
		res = tools.ErrorResult("Tool %s not found", call.Name)
	} else {
		r, err := tool.Exec(ctx, call.Arguments)
		switch {
		case err == nil:
			res = r
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			res = tools.ErrorResult("Aborted: %v", err)
		default:
			res = tools.ErrorResult("%v", err)
		}
	}

	a.emit(Event{Type: EventToolEnd, Turn: turn, ToolCallID: call.ID, ToolName: call.Name, Args: call.Arguments, Result: &res})

	tr := llm.ToolResult{ToolCallID: call.ID, Name: call.Name, Content: res.Text(), IsError: res.IsError}
	for _, b := range res.Content {
		if b.Type == "image" {
			tr.Images = append(tr.Images, llm.Image{MimeType: b.MimeType, Data: b.Data})
		}
	}
	return tr
}

func (a *Agent) emit(ev Event) {
	a.mu.Lock()
	ids := make([]int, 0, len(a.listeners))
	for id := range a.listeners {
		ids = append(ids, id)
	}
	ls := make([]Listener, 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		ls = append(ls, a.listeners[id])
	}
	a.mu.Unlock()
	for _, l := range ls {
		l(ev)
	}
}

// --- Helpers ---

func definitions(ts []*tools.Tool) []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, len(ts))
	for i, t := range ts {
		defs[i] = llm.ToolDefinition{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
	}
	return defs
}

func ensureCallIDs(calls []llm.ToolCall) []llm.ToolCall {
	out := make([]llm.ToolCall, len(calls))
	for i, c := range calls {
		if c.ID == "" {
			c.ID = "call_" + uuid.NewString()
		}
		if len(c.Arguments) == 0 {
			c.Arguments = json.RawMessage(`{}`)
		}
		out[i] = c
	}
	return out
}
