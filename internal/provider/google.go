package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/genai"
)

// googleClient drives the Gemini API through the official genai SDK.
type googleClient struct {
	name   string
	model  string
	client *genai.Client
}

func newGoogleClient(cfg Config) (Client, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.apiKey(),
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &googleClient{name: cfg.Name, model: cfg.Model, client: client}, nil
}

func (c *googleClient) Complete(ctx context.Context, messages []Message, tools []ToolSpec) (*Completion, error) {
	cfg := &genai.GenerateContentConfig{}

	var contents []*genai.Content
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			cfg.SystemInstruction = genai.NewContentFromText(m.Content, genai.RoleUser)
		case RoleUser:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		case RoleAssistant:
			if len(m.ToolCalls) > 0 {
				parts := make([]*genai.Part, 0, len(m.ToolCalls))
				for _, tc := range m.ToolCalls {
					var args map[string]any
					if len(tc.Arguments) > 0 {
						if err := json.Unmarshal(tc.Arguments, &args); err != nil {
							return nil, wrapErr(c.name, fmt.Errorf("tool call %s arguments: %w", tc.Name, err))
						}
					}
					parts = append(parts, genai.NewPartFromFunctionCall(tc.Name, args))
				}
				contents = append(contents, genai.NewContentFromParts(parts, genai.RoleModel))
				continue
			}
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		case RoleTool:
			var result map[string]any
			if err := json.Unmarshal([]byte(m.Content), &result); err != nil {
				result = map[string]any{"output": m.Content}
			}
			part := genai.NewPartFromFunctionResponse(m.Name, result)
			contents = append(contents, genai.NewContentFromParts([]*genai.Part{part}, genai.RoleUser))
		default:
			return nil, wrapErr(c.name, fmt.Errorf("unsupported role %q", m.Role))
		}
	}

	if len(tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(tools))
		for _, t := range tools {
			decl := &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
			}
			if len(t.Parameters) > 0 {
				var schema any
				if err := json.Unmarshal(t.Parameters, &schema); err != nil {
					return nil, wrapErr(c.name, fmt.Errorf("tool %s parameters: %w", t.Name, err))
				}
				decl.ParametersJsonSchema = schema
			}
			decls = append(decls, decl)
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return nil, wrapErr(c.name, err)
	}
	if len(resp.Candidates) == 0 {
		return nil, wrapErr(c.name, fmt.Errorf("response contained no candidates"))
	}

	out := &Completion{Text: resp.Text()}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	for _, fc := range resp.FunctionCalls() {
		args, err := json.Marshal(fc.Args)
		if err != nil {
			return nil, wrapErr(c.name, fmt.Errorf("tool call %s arguments: %w", fc.Name, err))
		}
		id := fc.ID
		if id == "" {
			id = uuid.NewString()
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: id, Name: fc.Name, Arguments: args})
	}
	return out, nil
}
