// Package tooling defines the tool adapter contract the agent runner invokes
// tools through, and the closed set of adapter kinds.
package tooling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/loomhq/loom/internal/mcp"
)

// ErrorKind classifies a tool failure for the runner's recovery policy.
type ErrorKind string

const (
	KindTimeout       ErrorKind = "timeout"
	KindAuthFailure   ErrorKind = "auth_failure"
	KindProtocolError ErrorKind = "protocol_error"
	KindNotFound      ErrorKind = "not_found"
	KindUnknown       ErrorKind = "unknown"
)

// ToolError is the only error type adapters return from Invoke.
type ToolError struct {
	Kind ErrorKind
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %s: %v", e.Tool, e.Kind, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Recoverable reports whether the runner may surface this failure to the
// model and continue the task. Auth failures never recover; timeouts follow
// the configured policy; everything else is retryable by the model.
func (e *ToolError) Recoverable(timeoutRecoverable bool) bool {
	switch e.Kind {
	case KindAuthFailure:
		return false
	case KindTimeout:
		return timeoutRecoverable
	default:
		return true
	}
}

func toolErr(kind ErrorKind, tool string, err error) *ToolError {
	return &ToolError{Kind: kind, Tool: tool, Err: err}
}

// Adapter executes a single named tool. Implementations classify every
// failure as a *ToolError.
type Adapter interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

const defaultInvokeTimeout = 30 * time.Second

// Config declares one tool instance bound to an adapter kind.
type Config struct {
	Name           string            `yaml:"name"`
	Kind           string            `yaml:"kind"` // mcp | caldav
	Description    string            `yaml:"description"`
	Enabled        bool              `yaml:"enabled"`
	TimeoutSeconds int               `yaml:"timeout_seconds,omitempty"`
	Settings       map[string]string `yaml:"settings,omitempty"`
	Credentials    map[string]string `yaml:"credentials,omitempty"`
	Schema         map[string]any    `yaml:"schema,omitempty"`
}

func (c Config) timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return defaultInvokeTimeout
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c Config) schemaJSON() (json.RawMessage, error) {
	if len(c.Schema) == 0 {
		// Accept any object when the tool declares no schema.
		return json.RawMessage(`{"type":"object"}`), nil
	}
	b, err := json.Marshal(c.Schema)
	if err != nil {
		return nil, fmt.Errorf("tool %q: marshal schema: %w", c.Name, err)
	}
	return b, nil
}

// factory builds the kind-specific inner adapter.
type factory func(cfg Config, servers *mcp.Manager) (Adapter, error)

// kinds is the closed set of adapter kinds. An unknown kind in config is a
// startup error, never a runtime surprise.
var kinds = map[string]factory{
	"mcp":    newMCPAdapter,
	"caldav": newCalDAVAdapter,
}

// Registry resolves tool names to ready adapters. Every adapter is wrapped
// with schema validation and the per-call timeout.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(cfgs []Config, servers *mcp.Manager) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter, len(cfgs))}
	for _, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}
		if cfg.Name == "" {
			return nil, fmt.Errorf("tool with empty name")
		}
		if _, dup := r.adapters[cfg.Name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", cfg.Name)
		}
		build, ok := kinds[cfg.Kind]
		if !ok {
			return nil, fmt.Errorf("tool %q: unknown kind %q", cfg.Name, cfg.Kind)
		}
		inner, err := build(cfg, servers)
		if err != nil {
			return nil, fmt.Errorf("tool %q: %w", cfg.Name, err)
		}
		wrapped, err := wrapAdapter(inner, cfg.timeout())
		if err != nil {
			return nil, fmt.Errorf("tool %q: %w", cfg.Name, err)
		}
		r.adapters[cfg.Name] = wrapped
	}
	return r, nil
}

// Get returns the named adapter.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	return a, nil
}

// Names returns the registered tool names.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	return out
}

// guardedAdapter validates arguments against the tool schema and bounds every
// invocation with the configured timeout.
type guardedAdapter struct {
	inner   Adapter
	schema  *jsonschema.Schema
	timeout time.Duration
}

func wrapAdapter(inner Adapter, timeout time.Duration) (Adapter, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(inner.Schema()))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tool.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile("tool.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &guardedAdapter{inner: inner, schema: schema, timeout: timeout}, nil
}

func (g *guardedAdapter) Name() string            { return g.inner.Name() }
func (g *guardedAdapter) Description() string     { return g.inner.Description() }
func (g *guardedAdapter) Schema() json.RawMessage { return g.inner.Schema() }

func (g *guardedAdapter) Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return nil, toolErr(KindProtocolError, g.inner.Name(), fmt.Errorf("arguments are not valid JSON: %w", err))
	}
	if err := g.schema.Validate(value); err != nil {
		return nil, toolErr(KindProtocolError, g.inner.Name(), fmt.Errorf("arguments rejected by schema: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	result, err := g.inner.Invoke(ctx, args)
	if err != nil {
		var terr *ToolError
		if errors.As(err, &terr) {
			return nil, err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, toolErr(KindTimeout, g.inner.Name(), err)
		}
		return nil, toolErr(KindUnknown, g.inner.Name(), err)
	}
	return result, nil
}
