// Package llm defines the provider-neutral contract between the agent
// runtime and LLM providers.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/aikaara/assembly-lime/model"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Image is an inline image attachment.
type Image struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"` // base64
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult answers one ToolCall.
type ToolResult struct {
	ToolCallID string  `json:"tool_call_id"`
	Name       string  `json:"name"`
	Content    string  `json:"content"`
	Images     []Image `json:"images,omitempty"`
	IsError    bool    `json:"is_error,omitempty"`
}

// Message is one conversation entry. A user message carrying ToolResults
// answers the tool calls of the preceding assistant message.
type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content,omitempty"`
	Images      []Image      `json:"images,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// UserText builds a plain user message.
func UserText(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// ToolDefinition describes a callable tool with a JSON Schema.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is one completion request.
type Request struct {
	System    string
	Messages  []Message
	Tools     []ToolDefinition
	MaxTokens int
}

// StopReason explains why the model stopped.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopOther     StopReason = "other"
)

// Response is one completion.
type Response struct {
	Content    string
	ToolCalls  []ToolCall
	StopReason StopReason
	Usage      model.Usage
	Model      string
	Raw        json.RawMessage
}

// Client completes requests against one provider and model.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
	Model() string
	Provider() model.Provider
}

// DefaultMaxTokens is used when a request does not set MaxTokens.
const DefaultMaxTokens = 8192

// Factory builds a client for a model. An empty model selects the
// provider default.
type Factory func(modelName string) (Client, error)

// Registry maps providers to client factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[model.Provider]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[model.Provider]Factory{}}
}

// Register installs the factory for a provider.
func (r *Registry) Register(p model.Provider, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[p] = f
}

// Client builds a client for provider p.
func (r *Registry) Client(p model.Provider, modelName string) (Client, error) {
	r.mu.RLock()
	f, ok := r.factories[p]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no LLM client configured for provider %q", p)
	}
	return f(modelName)
}

// Providers lists the registered providers.
func (r *Registry) Providers() []model.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Provider, 0, len(r.factories))
	for p := range r.factories {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RequiredFields reads the "required" list of a JSON Schema object.
func RequiredFields(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
