// Package ollama adapts a local Ollama server to llm.Client.
package ollama

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"

	"github.com/aikaara/assembly-lime/llm"
	"github.com/aikaara/assembly-lime/model"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "qwen2.5-coder:14b"

// DefaultHost is the local Ollama endpoint.
const DefaultHost = "http://localhost:11434"

// Client is an llm.Client backed by the Ollama chat API.
type Client struct {
	client *api.Client
	model  string
}

// New creates a client for the server at host.
func New(host, modelName string) (*Client, error) {
	if host == "" {
		host = DefaultHost
	}
	if modelName == "" {
		modelName = DefaultModel
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("parsing ollama host %q: %w", host, err)
	}
	return &Client{client: api.NewClient(u, http.DefaultClient), model: modelName}, nil
}

func (c *Client) Model() string { return c.model }

func (c *Client) Provider() model.Provider { return model.ProviderOllama }

// Complete sends one non-streaming chat request.
func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	msgs, err := convertMessages(req.System, req.Messages)
	if err != nil {
		return llm.Response{}, err
	}
	stream := false
	chatReq := &api.ChatRequest{
		Model:    c.model,
		Messages: msgs,
		Stream:   &stream,
	}
	if req.MaxTokens > 0 {
		chatReq.Options = map[string]any{"num_predict": req.MaxTokens}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return llm.Response{}, err
		}
		chatReq.Tools = tools
	}

	var resp api.ChatResponse
	err = c.client.Chat(ctx, chatReq, func(r api.ChatResponse) error {
		resp = r
		return nil
	})
	if err != nil {
		return llm.Response{}, classifyError(err)
	}

	out := llm.Response{
		Content:    resp.Message.Content,
		StopReason: convertDoneReason(resp.DoneReason),
		Model:      resp.Model,
		Usage: model.Usage{
			InputTokens:  int64(resp.PromptEvalCount),
			OutputTokens: int64(resp.EvalCount),
		},
	}
	if raw, err := json.Marshal(resp); err == nil {
		out.Raw = raw
	}
	for i, tc := range resp.Message.ToolCalls {
		args, err := json.Marshal(tc.Function.Arguments)
		if err != nil {
			args = json.RawMessage(`{}`)
		}
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{ID: id, Name: tc.Function.Name, Arguments: args})
	}
	if len(out.ToolCalls) > 0 {
		out.StopReason = llm.StopToolUse
	}
	return out, nil
}

func convertMessages(system string, msgs []llm.Message) ([]api.Message, error) {
	out := make([]api.Message, 0, len(msgs)+1)
	if system != "" {
		out = append(out, api.Message{Role: "system", Content: system})
	}
	for _, m := range msgs {
		for _, tr := range m.ToolResults {
			out = append(out, api.Message{
				Role:       "tool",
				Content:    tr.Content,
				ToolName:   tr.Name,
				ToolCallID: tr.ToolCallID,
			})
		}
		if m.Role == llm.RoleUser && m.Content == "" && len(m.Images) == 0 {
			continue
		}
		msg := api.Message{Role: string(m.Role), Content: m.Content}
		for _, img := range m.Images {
			data, err := base64.StdEncoding.DecodeString(img.Data)
			if err != nil {
				return nil, fmt.Errorf("decoding image: %w", err)
			}
			msg.Images = append(msg.Images, api.ImageData(data))
		}
		if len(m.ToolCalls) > 0 {
			calls, err := convertToolCalls(m.ToolCalls)
			if err != nil {
				return nil, err
			}
			msg.ToolCalls = calls
		}
		out = append(out, msg)
	}
	return out, nil
}

// The api tool types have changed shape across Ollama releases; going
// through their JSON encoding keeps this adapter independent of that.

func convertToolCalls(calls []llm.ToolCall) ([]api.ToolCall, error) {
	type wireFunc struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	type wireCall struct {
		ID       string   `json:"id,omitempty"`
		Function wireFunc `json:"function"`
	}
	wire := make([]wireCall, 0, len(calls))
	for _, tc := range calls {
		args := tc.Arguments
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		wire = append(wire, wireCall{ID: tc.ID, Function: wireFunc{Name: tc.Name, Arguments: args}})
	}
	var out []api.ToolCall
	if err := roundTrip(wire, &out); err != nil {
		return nil, fmt.Errorf("converting tool calls: %w", err)
	}
	return out, nil
}

func convertTools(defs []llm.ToolDefinition) (api.Tools, error) {
	wire := make([]map[string]any, 0, len(defs))
	for _, d := range defs {
		params := d.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		wire = append(wire, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        d.Name,
				"description": d.Description,
				"parameters":  params,
			},
		})
	}
	var out api.Tools
	if err := roundTrip(wire, &out); err != nil {
		return nil, fmt.Errorf("converting tools: %w", err)
	}
	return out, nil
}

func roundTrip(in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func convertDoneReason(r string) llm.StopReason {
	switch r {
	case "stop", "":
		return llm.StopEndTurn
	case "length":
		return llm.StopMaxTokens
	}
	return llm.StopOther
}

func classifyError(err error) error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return llm.NewStatusError("ollama", statusErr.StatusCode, fmt.Errorf("chat: %w", err))
	}
	return llm.Classify("ollama", err)
}
