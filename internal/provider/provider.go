// Package provider normalizes heterogeneous LLM backends behind a single
// completion contract: context messages plus available tool specs in, final
// text or requested tool calls out. The wire protocols are owned by the
// individual clients; the engine depends only on this contract.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of the conversation context sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// Name is the tool name for RoleTool results.
	Name string `json:"name,omitempty"`
	// ToolCallID links a RoleTool result to the assistant call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	// ToolCalls echoes the calls an assistant turn requested.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolSpec describes a callable tool exposed to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"` // JSON Schema
}

// ToolCall is one tool invocation requested by the model. Order within a
// completion is the provider-declared order and must be preserved.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Usage reports token accounting when the backend provides it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Completion is a normalized provider response: either final text or one or
// more tool calls (never both meaningfully; tool calls win when present).
type Completion struct {
	Text      string     `json:"text,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Client is the provider-call abstraction the Agent Runner depends on.
type Client interface {
	Complete(ctx context.Context, messages []Message, tools []ToolSpec) (*Completion, error)
}

// Error wraps any failure of a provider call, including unparseable
// responses. It always fails the task; provider errors are never fed back
// to the model.
type Error struct {
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// wrapErr normalizes err into a *Error unless it already is one.
func wrapErr(name string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return &Error{Provider: name, Err: err}
}
