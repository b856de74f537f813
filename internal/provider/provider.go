// Package provider adapts eino chat models into the streaming completion
// interface the generation loop consumes.
package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Provider is an LLM backend reachable through an eino ChatModel.
type Provider interface {
	// ID returns the provider identifier.
	ID() string
	// DefaultModel returns the model used when a request does not name one.
	DefaultModel() string
	// ChatModel returns the eino ChatModel for this provider.
	ChatModel() model.ToolCallingChatModel
}

// CompletionRequest represents a request to generate a completion.
type CompletionRequest struct {
	ProviderID  string             `json:"providerId,omitempty"`
	Model       string             `json:"model,omitempty"`
	Messages    []*schema.Message  `json:"messages"`
	Tools       []*schema.ToolInfo `json:"tools,omitempty"`
	MaxTokens   int                `json:"maxTokens,omitempty"`
	Temperature *float32           `json:"temperature,omitempty"`
}

// EventType discriminates stream events.
type EventType string

const (
	EventResponse EventType = "response"
	EventError    EventType = "error"
	EventEnd      EventType = "end"
)

// StreamEvent is one notification from a running completion.
// Response events carry a chunk; the end event carries the concatenated message.
type StreamEvent struct {
	Type    EventType
	Chunk   *schema.Message
	Message *schema.Message
	Err     error
}

// Streamer starts streaming completions.
type Streamer interface {
	StartStreamCompletion(ctx context.Context, req *CompletionRequest) (<-chan StreamEvent, error)
}

// ChatProvider implements Provider around any eino ToolCallingChatModel.
type ChatProvider struct {
	id        string
	model     string
	chatModel model.ToolCallingChatModel
}

// NewChatProvider wraps an existing chat model.
func NewChatProvider(id, defaultModel string, chatModel model.ToolCallingChatModel) *ChatProvider {
	return &ChatProvider{id: id, model: defaultModel, chatModel: chatModel}
}

// ID implements Provider.
func (p *ChatProvider) ID() string { return p.id }

// DefaultModel implements Provider.
func (p *ChatProvider) DefaultModel() string { return p.model }

// ChatModel implements Provider.
func (p *ChatProvider) ChatModel() model.ToolCallingChatModel { return p.chatModel }

// ToolInfo represents a tool definition for the LLM.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// ConvertToEinoTools converts tool definitions to eino format.
func ConvertToEinoTools(tools []ToolInfo) []*schema.ToolInfo {
	result := make([]*schema.ToolInfo, len(tools))
	for i, t := range tools {
		var params map[string]*schema.ParameterInfo
		if len(t.Parameters) > 0 {
			params = parseJSONSchemaToParams(t.Parameters)
		}
		result[i] = &schema.ToolInfo{
			Name:        t.Name,
			Desc:        t.Description,
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		}
	}
	return result
}

func parseJSONSchemaToParams(schemaJSON json.RawMessage) map[string]*schema.ParameterInfo {
	var js struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schemaJSON, &js); err != nil {
		return nil
	}

	required := make(map[string]bool, len(js.Required))
	for _, r := range js.Required {
		required[r] = true
	}

	params := make(map[string]*schema.ParameterInfo, len(js.Properties))
	for name, prop := range js.Properties {
		t := schema.String
		switch prop.Type {
		case "integer":
			t = schema.Integer
		case "number":
			t = schema.Number
		case "boolean":
			t = schema.Boolean
		case "array":
			t = schema.Array
		case "object":
			t = schema.Object
		}
		params[name] = &schema.ParameterInfo{
			Type:     t,
			Desc:     prop.Description,
			Required: required[name],
		}
	}
	return params
}

// openStream binds tools and opens the eino stream for a request.
func openStream(ctx context.Context, p Provider, req *CompletionRequest) (*schema.StreamReader[*schema.Message], error) {
	chatModel := p.ChatModel()
	if len(req.Tools) > 0 {
		bound, err := chatModel.WithTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("bind tools: %w", err)
		}
		chatModel = bound
	}

	var opts []model.Option
	if req.MaxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(req.MaxTokens))
	}
	if req.Temperature != nil {
		opts = append(opts, model.WithTemperature(*req.Temperature))
	}
	if req.Model != "" {
		opts = append(opts, model.WithModel(req.Model))
	}

	stream, err := chatModel.Stream(ctx, req.Messages, opts...)
	if err != nil {
		return nil, fmt.Errorf("create stream: %w", err)
	}
	return stream, nil
}
