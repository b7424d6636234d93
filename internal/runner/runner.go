// Package runner drives the agent step loop for one task: provider calls,
// tool invocations, agent-as-tool recursion, and cooperative cancellation.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomhq/loom/internal/agents"
	"github.com/loomhq/loom/internal/provider"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/tooling"
)

var tracer = otel.Tracer("github.com/loomhq/loom/internal/runner")

// ErrCancelled reports that a run stopped at a cancellation checkpoint. The
// dispatcher maps it to the CANCELLED terminal state.
var ErrCancelled = errors.New("task cancelled")

// ErrIterationLimit reports that the step loop hit its iteration ceiling
// without producing a final answer.
var ErrIterationLimit = errors.New("iteration limit reached")

// RecursionError reports an agent-tool chain that revisited an agent or
// exceeded the nesting depth.
type RecursionError struct {
	AgentID string
	Depth   int
}

func (e *RecursionError) Error() string {
	return fmt.Sprintf("agent recursion: agent %q at depth %d", e.AgentID, e.Depth)
}

// Config tunes the step loop.
type Config struct {
	MaxIterations      int  `yaml:"max_iterations"`
	MaxAgentDepth      int  `yaml:"max_agent_depth"`
	TimeoutRecoverable bool `yaml:"timeout_recoverable"`
}

// DefaultConfig returns the loop defaults applied when config omits them.
func DefaultConfig() Config {
	return Config{MaxIterations: 8, MaxAgentDepth: 3, TimeoutRecoverable: true}
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 8
	}
	if c.MaxAgentDepth <= 0 {
		c.MaxAgentDepth = 3
	}
	return c
}

// agentToolSchema is the argument schema a sub-agent presents when exposed
// as a callable tool.
const agentToolSchema = `{"type":"object","properties":{"input":{"type":"string"}},"required":["input"]}`

// Runner executes tasks against the current agent arena.
type Runner struct {
	store     *store.Store
	providers agents.ProviderResolver
	tools     agents.ToolResolver
	arena     atomic.Pointer[agents.Arena]
	cfg       Config
	logger    *slog.Logger
}

func New(st *store.Store, providers agents.ProviderResolver, tools agents.ToolResolver, arena *agents.Arena, cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		store:     st,
		providers: providers,
		tools:     tools,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
	r.arena.Store(arena)
	return r
}

// SetArena swaps the live agent arena. Runs already in flight keep the
// arena they started with.
func (r *Runner) SetArena(arena *agents.Arena) {
	r.arena.Store(arena)
}

// Run executes the task's agent loop against the thread history and returns
// the final answer text.
func (r *Runner) Run(ctx context.Context, task *store.Task) (string, error) {
	arena := r.arena.Load()
	agent, err := arena.Get(task.AgentID)
	if err != nil {
		return "", err
	}

	history, err := r.store.ListMessages(ctx, task.ThreadID, 0)
	if err != nil {
		// A cancel landing during the history load must end as CANCELLED,
		// not FAILED.
		return "", r.cancelAware(ctx, fmt.Errorf("load thread history: %w", err))
	}

	messages := make([]provider.Message, 0, len(history)+1)
	if agent.SystemPrompt != "" {
		messages = append(messages, provider.Message{Role: provider.RoleSystem, Content: agent.SystemPrompt})
	}
	for _, m := range history {
		role := provider.RoleUser
		if m.Actor == store.ActorAgent {
			role = provider.RoleAssistant
		}
		messages = append(messages, provider.Message{Role: role, Content: m.Content})
	}

	ctx, span := tracer.Start(ctx, "task.run", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("agent.id", agent.ID),
	))
	defer span.End()

	visited := map[string]struct{}{}
	text, err := r.run(ctx, task, arena, agent, messages, visited, 0)
	if err != nil {
		span.RecordError(err)
	}
	return text, err
}

// run is one (possibly nested) agent loop. visited and depth carry the
// recursion guard across agent-tool calls.
func (r *Runner) run(ctx context.Context, task *store.Task, arena *agents.Arena, agent *agents.Agent, messages []provider.Message, visited map[string]struct{}, depth int) (string, error) {
	if depth > r.cfg.MaxAgentDepth {
		return "", &RecursionError{AgentID: agent.ID, Depth: depth}
	}
	if _, seen := visited[agent.ID]; seen {
		return "", &RecursionError{AgentID: agent.ID, Depth: depth}
	}
	// visited tracks the current call stack only: the entry is removed when
	// this frame unwinds, so sequential calls to the same sub-agent are
	// legal while a true cycle is not.
	visited[agent.ID] = struct{}{}
	defer delete(visited, agent.ID)

	client, err := r.providers.Get(agent.Provider)
	if err != nil {
		return "", err
	}
	specs, err := r.toolSpecs(arena, agent)
	if err != nil {
		return "", err
	}

	for iter := 0; iter < r.cfg.MaxIterations; iter++ {
		if err := r.checkpoint(ctx, task.ID); err != nil {
			return "", err
		}

		completion, err := r.complete(ctx, client, agent, messages, specs)
		if err != nil {
			return "", r.cancelAware(ctx, err)
		}
		if len(completion.ToolCalls) == 0 {
			return completion.Text, nil
		}

		messages = append(messages, provider.Message{
			Role:      provider.RoleAssistant,
			Content:   completion.Text,
			ToolCalls: completion.ToolCalls,
		})

		for _, call := range completion.ToolCalls {
			if err := r.checkpoint(ctx, task.ID); err != nil {
				return "", err
			}

			result, err := r.dispatchCall(ctx, task, arena, agent, call, visited, depth)
			if err != nil {
				return "", r.cancelAware(ctx, err)
			}
			if err := r.recordToolCall(ctx, task.ID, call, iter, result); err != nil {
				return "", err
			}
			messages = append(messages, provider.Message{
				Role:       provider.RoleTool,
				Name:       call.Name,
				ToolCallID: call.ID,
				Content:    string(result),
			})
		}
	}

	return "", fmt.Errorf("%w after %d iterations", ErrIterationLimit, r.cfg.MaxIterations)
}

func (r *Runner) complete(ctx context.Context, client provider.Client, agent *agents.Agent, messages []provider.Message, specs []provider.ToolSpec) (*provider.Completion, error) {
	ctx, span := tracer.Start(ctx, "provider.complete", trace.WithAttributes(
		attribute.String("provider", agent.Provider),
	))
	defer span.End()

	completion, err := client.Complete(ctx, messages, specs)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("tokens.prompt", completion.Usage.PromptTokens),
		attribute.Int("tokens.completion", completion.Usage.CompletionTokens),
		attribute.Int("tool_calls", len(completion.ToolCalls)),
	)
	return completion, nil
}

// dispatchCall resolves one requested tool call: an agent-tool runs a nested
// agent loop against the same task, anything else goes through an adapter.
func (r *Runner) dispatchCall(ctx context.Context, task *store.Task, arena *agents.Arena, agent *agents.Agent, call provider.ToolCall, visited map[string]struct{}, depth int) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "tool.invoke", trace.WithAttributes(
		attribute.String("tool", call.Name),
	))
	defer span.End()

	for _, sub := range agent.AgentTools {
		if sub == call.Name {
			return r.runAgentTool(ctx, task, arena, sub, call, visited, depth)
		}
	}

	adapter, err := r.tools.Get(call.Name)
	if err != nil {
		// The model asked for a tool this agent does not carry.
		return r.recoverableResult(call.Name, &tooling.ToolError{
			Kind: tooling.KindNotFound,
			Tool: call.Name,
			Err:  err,
		})
	}

	result, err := adapter.Invoke(ctx, call.Arguments)
	if err != nil {
		span.RecordError(err)
		var terr *tooling.ToolError
		if errors.As(err, &terr) && terr.Recoverable(r.cfg.TimeoutRecoverable) {
			return r.recoverableResult(call.Name, terr)
		}
		return nil, err
	}
	return result, nil
}

func (r *Runner) runAgentTool(ctx context.Context, task *store.Task, arena *agents.Arena, subID string, call provider.ToolCall, visited map[string]struct{}, depth int) (json.RawMessage, error) {
	sub, err := arena.Get(subID)
	if err != nil {
		return nil, err
	}

	var args struct {
		Input string `json:"input"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return nil, fmt.Errorf("agent-tool %s arguments: %w", subID, err)
	}

	messages := make([]provider.Message, 0, 2)
	if sub.SystemPrompt != "" {
		messages = append(messages, provider.Message{Role: provider.RoleSystem, Content: sub.SystemPrompt})
	}
	messages = append(messages, provider.Message{Role: provider.RoleUser, Content: args.Input})

	text, err := r.run(ctx, task, arena, sub, messages, visited, depth+1)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(map[string]string{"output": text})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// recoverableResult serializes a tool failure into the result content so the
// model can react to it instead of the task dying.
func (r *Runner) recoverableResult(tool string, terr *tooling.ToolError) (json.RawMessage, error) {
	r.logger.Warn("tool call failed, feeding error back",
		"tool", tool, "kind", string(terr.Kind), "error", terr.Err)
	out, err := json.Marshal(map[string]string{
		"error":   string(terr.Kind),
		"message": terr.Err.Error(),
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// recordToolCall persists one progress entry per completed tool call,
// capturing both the call and the result handed back to the model.
func (r *Runner) recordToolCall(ctx context.Context, taskID string, call provider.ToolCall, iter int, result json.RawMessage) error {
	res := json.RawMessage("null")
	if len(result) > 0 {
		res = result
	}
	payload, err := json.Marshal(map[string]any{
		"tool":      call.Name,
		"args":      json.RawMessage(call.Arguments),
		"iteration": iter,
		"result":    res,
	})
	if err != nil {
		return err
	}
	if _, err := r.store.AppendProgress(ctx, taskID, store.ProgressKindToolCall, string(payload)); err != nil {
		return fmt.Errorf("record tool call: %w", err)
	}
	return nil
}

// cancelAware folds errors caused by a cancelled run context into
// ErrCancelled so a cancel landing mid-call still ends as CANCELLED.
func (r *Runner) cancelAware(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled) {
		return ErrCancelled
	}
	return err
}

// checkpoint enforces cooperative cancellation. Context cancellation maps to
// ErrCancelled; a blown deadline is a failure, not a cancel.
func (r *Runner) checkpoint(ctx context.Context, taskID string) error {
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("task deadline exceeded: %w", ctx.Err())
		}
		return ErrCancelled
	default:
	}

	requested, err := r.store.IsCancelRequested(ctx, taskID)
	if err != nil {
		return fmt.Errorf("check cancel flag: %w", err)
	}
	if requested {
		return ErrCancelled
	}
	return nil
}

// toolSpecs builds the provider-facing tool list: the agent's adapters plus
// its agent-tools exposed under the sub-agent's id.
func (r *Runner) toolSpecs(arena *agents.Arena, agent *agents.Agent) ([]provider.ToolSpec, error) {
	specs := make([]provider.ToolSpec, 0, len(agent.Tools)+len(agent.AgentTools))
	for _, name := range agent.Tools {
		adapter, err := r.tools.Get(name)
		if err != nil {
			return nil, err
		}
		specs = append(specs, provider.ToolSpec{
			Name:        adapter.Name(),
			Description: adapter.Description(),
			Parameters:  adapter.Schema(),
		})
	}
	for _, subID := range agent.AgentTools {
		sub, err := arena.Get(subID)
		if err != nil {
			return nil, err
		}
		specs = append(specs, provider.ToolSpec{
			Name:        sub.ID,
			Description: sub.ToolDescription,
			Parameters:  json.RawMessage(agentToolSchema),
		})
	}
	return specs, nil
}
