package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aikaara/assembly-lime/llm"
	"github.com/aikaara/assembly-lime/llm/llmtest"
	"github.com/aikaara/assembly-lime/tools"
)

func echoTool(calls *[]string) *tools.Tool {
	return tools.New("echo", "Echo text back.", `{
		"type": "object",
		"properties": {"text": {"type": "string"}},
		"required": ["text"]
	}`, func(_ context.Context, args json.RawMessage) (tools.Result, error) {
		var in struct{ Text string }
		if err := json.Unmarshal(args, &in); err != nil {
			return tools.Result{}, err
		}
		*calls = append(*calls, in.Text)
		return tools.TextResult("echo: "+in.Text, nil), nil
	})
}

func TestPromptRunsToolsInOrder(t *testing.T) {
	var calls []string
	client := llmtest.New(
		llmtest.Step{Response: llm.Response{
			Content: "running two tools",
			ToolCalls: []llm.ToolCall{
				{ID: "a", Name: "echo", Arguments: json.RawMessage(`{"text":"one"}`)},
				{ID: "b", Name: "echo", Arguments: json.RawMessage(`{"text":"two"}`)},
			},
			StopReason: llm.StopToolUse,
		}},
		llmtest.Text("all done"),
	)
	a := New(client, Options{System: "sys"})
	a.SetTools([]*tools.Tool{echoTool(&calls)})

	var types []EventType
	a.Subscribe(func(ev Event) { types = append(types, ev.Type) })

	out, err := a.Prompt(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, EndCompleted, out.Reason)
	assert.Equal(t, 2, out.Turns)
	assert.Equal(t, []string{"one", "two"}, calls)
	assert.Equal(t, []EventType{
		EventAgentStart,
		EventTurnStart, EventTextDelta,
		EventToolStart, EventToolEnd, EventToolStart, EventToolEnd,
		EventTurnEnd,
		EventTurnStart, EventTextDelta, EventTurnEnd,
		EventAgentEnd,
	}, types)

	msgs := a.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, llm.RoleUser, msgs[0].Role)
	assert.Len(t, msgs[1].ToolCalls, 2)
	require.Len(t, msgs[2].ToolResults, 2)
	assert.Equal(t, "echo: one", msgs[2].ToolResults[0].Content)
	assert.Equal(t, "all done", msgs[3].Content)

	reqs := client.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "sys", reqs[0].System)
	assert.Len(t, reqs[0].Tools, 1)
}

func TestUnknownToolIsErrorResult(t *testing.T) {
	client := llmtest.New(llmtest.Call("x", "nope", map[string]any{}), llmtest.Text("ok"))
	a := New(client, Options{})

	_, err := a.Prompt(context.Background(), "go")
	require.NoError(t, err)
	msgs := a.Messages()
	require.Len(t, msgs[2].ToolResults, 1)
	assert.True(t, msgs[2].ToolResults[0].IsError)
	assert.Contains(t, msgs[2].ToolResults[0].Content, "Tool nope not found")
}

func TestInvalidArgumentsAreFedBack(t *testing.T) {
	var calls []string
	client := llmtest.New(llmtest.Call("x", "echo", map[string]any{"text": 5}), llmtest.Text("ok"))
	a := New(client, Options{})
	a.SetTools([]*tools.Tool{echoTool(&calls)})

	_, err := a.Prompt(context.Background(), "go")
	require.NoError(t, err)
	assert.Empty(t, calls)
	tr := a.Messages()[2].ToolResults[0]
	assert.True(t, tr.IsError)
	assert.Contains(t, tr.Content, "Invalid arguments for echo")
}

func TestMaxTurnsStopsSequence(t *testing.T) {
	var calls []string
	client := llmtest.New(
		llmtest.Call("1", "echo", map[string]any{"text": "a"}),
		llmtest.Call("2", "echo", map[string]any{"text": "b"}),
		llmtest.Call("3", "echo", map[string]any{"text": "c"}),
	)
	a := New(client, Options{MaxTurns: 2})
	a.SetTools([]*tools.Tool{echoTool(&calls)})

	out, err := a.Prompt(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, EndMaxTurns, out.Reason)
	assert.Equal(t, 2, a.Turns())
	assert.Equal(t, 1, client.Remaining())
}

func TestFailedCallAppendsNothingAndContinueResumes(t *testing.T) {
	var calls []string
	client := llmtest.New(
		llmtest.Call("1", "echo", map[string]any{"text": "a"}),
		llmtest.Transient(),
		llmtest.Text("finished"),
	)
	a := New(client, Options{})
	a.SetTools([]*tools.Tool{echoTool(&calls)})

	out, err := a.Prompt(context.Background(), "go")
	require.Error(t, err)
	assert.True(t, llm.IsTransient(err))
	assert.Equal(t, EndError, out.Reason)
	before := a.Messages()
	require.Len(t, before, 3)
	assert.Equal(t, llm.RoleUser, before[2].Role)

	out, err = a.Continue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, EndCompleted, out.Reason)
	assert.Equal(t, []string{"a"}, calls, "tool is not re-run")
	assert.Len(t, a.Messages(), 4)
}

func TestRestoreAndTurnHook(t *testing.T) {
	client := llmtest.New(llmtest.Text("resumed"))
	a := New(client, Options{})
	a.Restore([]llm.Message{llm.UserText("old"), {Role: llm.RoleAssistant, Content: "old reply"}}, 7)

	var hooked []int
	a.OnTurnEnd(func(turn int) { hooked = append(hooked, turn) })

	_, err := a.Prompt(context.Background(), "new")
	require.NoError(t, err)
	assert.Equal(t, []int{8}, hooked)
	assert.Len(t, client.Requests()[0].Messages, 3)
}

func TestCancelledContextAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := New(llmtest.New(), Options{})
	out, err := a.Prompt(ctx, "go")
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, EndAborted, out.Reason)
}

func TestUnsubscribe(t *testing.T) {
	a := New(llmtest.New(), Options{})
	n := 0
	unsub := a.Subscribe(func(Event) { n++ })
	unsub()
	_, err := a.Prompt(context.Background(), "go")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAddToolsReplacesByName(t *testing.T) {
	var calls []string
	a := New(llmtest.New(), Options{})
	a.SetTools([]*tools.Tool{echoTool(&calls)})
	a.AddTools(echoTool(&calls), tools.New("other", "", `{"type":"object"}`, nil))
	assert.Equal(t, []string{"echo", "other"}, a.ToolNames())
}
