package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/ollama/ollama/api"
)

const defaultOllamaEndpoint = "http://localhost:11434"

// ollamaClient drives a local Ollama server through its native chat API.
type ollamaClient struct {
	name   string
	model  string
	client *api.Client
}

func newOllamaClient(cfg Config) (Client, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultOllamaEndpoint
	}
	base, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	return &ollamaClient{
		name:   cfg.Name,
		model:  cfg.Model,
		client: api.NewClient(base, &http.Client{Timeout: cfg.timeout()}),
	}, nil
}

func (c *ollamaClient) Complete(ctx context.Context, messages []Message, tools []ToolSpec) (*Completion, error) {
	msgs := make([]api.Message, 0, len(messages))
	for _, m := range messages {
		am := api.Message{Role: m.Role, Content: m.Content}
		if m.Role == RoleTool {
			am.ToolName = m.Name
		}
		msgs = append(msgs, am)
	}

	apiTools := make(api.Tools, 0, len(tools))
	for _, t := range tools {
		// The function definition shares its wire shape with a JSON Schema
		// document, so it is assembled by round-tripping through JSON.
		def := map[string]any{
			"name":        t.Name,
			"description": t.Description,
		}
		if len(t.Parameters) > 0 {
			var params any
			if err := json.Unmarshal(t.Parameters, &params); err != nil {
				return nil, wrapErr(c.name, fmt.Errorf("tool %s parameters: %w", t.Name, err))
			}
			def["parameters"] = params
		}
		raw, err := json.Marshal(def)
		if err != nil {
			return nil, wrapErr(c.name, fmt.Errorf("encode tool %s: %w", t.Name, err))
		}
		var tool api.Tool
		tool.Type = "function"
		if err := json.Unmarshal(raw, &tool.Function); err != nil {
			return nil, wrapErr(c.name, fmt.Errorf("decode tool %s: %w", t.Name, err))
		}
		apiTools = append(apiTools, tool)
	}

	stream := false
	req := &api.ChatRequest{
		Model:    c.model,
		Messages: msgs,
		Tools:    apiTools,
		Stream:   &stream,
	}

	var last api.ChatResponse
	err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		last = resp
		return nil
	})
	if err != nil {
		return nil, wrapErr(c.name, err)
	}

	out := &Completion{
		Text: last.Message.Content,
		Usage: Usage{
			PromptTokens:     int(last.Metrics.PromptEvalCount),
			CompletionTokens: int(last.Metrics.EvalCount),
		},
	}
	for _, tc := range last.Message.ToolCalls {
		args, err := json.Marshal(tc.Function.Arguments)
		if err != nil {
			return nil, wrapErr(c.name, fmt.Errorf("tool call %s arguments: %w", tc.Function.Name, err))
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        uuid.NewString(),
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return out, nil
}
