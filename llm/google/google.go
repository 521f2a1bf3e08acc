// Package google adapts the Gemini API (google.golang.org/genai) to llm.Client.
package google

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/genai"

	"github.com/aikaara/assembly-lime/llm"
	"github.com/aikaara/assembly-lime/model"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.5-pro"

// Client is an llm.Client backed by genai. The underlying client is created
// on first use because genai.NewClient needs a context.
type Client struct {
	apiKey string
	model  string

	mu     sync.Mutex
	client *genai.Client
}

// New creates a client.
func New(apiKey, modelName string) *Client {
	if modelName == "" {
		modelName = DefaultModel
	}
	return &Client{apiKey: apiKey, model: modelName}
}

func (c *Client) Model() string { return c.model }

func (c *Client) Provider() model.Provider { return model.ProviderGoogle }

func (c *Client) sdk(ctx context.Context) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  c.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating Gemini client: %w", err)
	}
	c.client = client
	return client, nil
}

// Complete sends one GenerateContent request.
func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	client, err := c.sdk(ctx)
	if err != nil {
		return llm.Response{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	config := &genai.GenerateContentConfig{MaxOutputTokens: int32(maxTokens)}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if len(req.Tools) > 0 {
		config.Tools = []*genai.Tool{{FunctionDeclarations: convertTools(req.Tools)}}
	}

	contents, err := convertMessages(req.Messages)
	if err != nil {
		return llm.Response{}, err
	}

	result, err := client.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return llm.Response{}, classifyError(err)
	}
	if result == nil || len(result.Candidates) == 0 {
		return llm.Response{}, fmt.Errorf("empty response from Gemini")
	}

	out := llm.Response{
		Content:    result.Text(),
		StopReason: convertFinishReason(result.Candidates[0].FinishReason),
		Model:      c.model,
	}
	if md := result.UsageMetadata; md != nil {
		out.Usage = model.Usage{
			InputTokens:     int64(md.PromptTokenCount - md.CachedContentTokenCount),
			OutputTokens:    int64(md.CandidatesTokenCount),
			CacheReadTokens: int64(md.CachedContentTokenCount),
		}
	}
	if raw, err := json.Marshal(result); err == nil {
		out.Raw = raw
	}
	for i, fc := range result.FunctionCalls() {
		id := fc.ID
		if id == "" {
			id = fmt.Sprintf("%s_%d", fc.Name, i)
		}
		args, err := json.Marshal(fc.Args)
		if err != nil || fc.Args == nil {
			args = json.RawMessage(`{}`)
		}
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{ID: id, Name: fc.Name, Arguments: args})
	}
	if len(out.ToolCalls) > 0 {
		out.StopReason = llm.StopToolUse
	}
	return out, nil
}

func convertMessages(msgs []llm.Message) ([]*genai.Content, error) {
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		var parts []*genai.Part
		for _, tr := range m.ToolResults {
			resp := map[string]any{"output": tr.Content}
			if tr.IsError {
				resp = map[string]any{"error": tr.Content}
			}
			parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       tr.ToolCallID,
				Name:     tr.Name,
				Response: resp,
			}})
			for _, img := range tr.Images {
				p, err := imagePart(img)
				if err != nil {
					return nil, err
				}
				parts = append(parts, p)
			}
		}
		for _, img := range m.Images {
			p, err := imagePart(img)
			if err != nil {
				return nil, err
			}
			parts = append(parts, p)
		}
		if m.Content != "" {
			parts = append(parts, &genai.Part{Text: m.Content})
		}
		for _, tc := range m.ToolCalls {
			var args map[string]any
			if len(tc.Arguments) > 0 {
				if err := json.Unmarshal(tc.Arguments, &args); err != nil {
					return nil, fmt.Errorf("decoding arguments of %s: %w", tc.Name, err)
				}
			}
			parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
				ID:   tc.ID,
				Name: tc.Name,
				Args: args,
			}})
		}
		if len(parts) == 0 {
			continue
		}
		role := "user"
		if m.Role == llm.RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	return contents, nil
}

func imagePart(img llm.Image) (*genai.Part, error) {
	data, err := base64.StdEncoding.DecodeString(img.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return &genai.Part{InlineData: &genai.Blob{MIMEType: img.MimeType, Data: data}}, nil
}

func convertTools(defs []llm.ToolDefinition) []*genai.FunctionDeclaration {
	decls := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, d := range defs {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  convertSchema(d.Parameters),
		})
	}
	return decls
}

// convertSchema maps a JSON Schema object onto genai.Schema.
func convertSchema(s map[string]any) *genai.Schema {
	if s == nil {
		return &genai.Schema{Type: genai.TypeObject}
	}
	schema := &genai.Schema{}
	if d, ok := s["description"].(string); ok {
		schema.Description = d
	}
	switch s["type"] {
	case "string":
		schema.Type = genai.TypeString
	case "number":
		schema.Type = genai.TypeNumber
	case "integer":
		schema.Type = genai.TypeInteger
	case "boolean":
		schema.Type = genai.TypeBoolean
	case "array":
		schema.Type = genai.TypeArray
		if items, ok := s["items"].(map[string]any); ok {
			schema.Items = convertSchema(items)
		}
	case "object":
		schema.Type = genai.TypeObject
		if props, ok := s["properties"].(map[string]any); ok {
			schema.Properties = make(map[string]*genai.Schema, len(props))
			for name, p := range props {
				if pm, ok := p.(map[string]any); ok {
					schema.Properties[name] = convertSchema(pm)
				}
			}
		}
		schema.Required = llm.RequiredFields(s)
	default:
		schema.Type = genai.TypeString
	}
	if enum, ok := s["enum"].([]any); ok {
		for _, e := range enum {
			schema.Enum = append(schema.Enum, fmt.Sprint(e))
		}
	}
	return schema
}

func convertFinishReason(r genai.FinishReason) llm.StopReason {
	switch r {
	case genai.FinishReasonStop, "":
		return llm.StopEndTurn
	case genai.FinishReasonMaxTokens:
		return llm.StopMaxTokens
	}
	return llm.StopOther
}

func classifyError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return llm.NewStatusError("google", apiErr.Code, fmt.Errorf("generate content: %w", err))
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return llm.NewStatusError("google", apiErrPtr.Code, fmt.Errorf("generate content: %w", err))
	}
	return llm.Classify("google", err)
}
