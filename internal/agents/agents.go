// Package agents holds the arena of configured agent definitions the runner
// resolves during a task.
package agents

import (
	"fmt"

	"github.com/loomhq/loom/internal/provider"
	"github.com/loomhq/loom/internal/tooling"
)

// ProviderResolver is the slice of the provider registry the arena needs.
type ProviderResolver interface {
	Get(name string) (provider.Client, error)
}

// ToolResolver is the slice of the tooling registry the arena needs.
type ToolResolver interface {
	Get(name string) (tooling.Adapter, error)
}

// Agent is one configured agent definition.
type Agent struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	Provider        string   `yaml:"provider"`
	SystemPrompt    string   `yaml:"system_prompt"`
	ToolDescription string   `yaml:"tool_description,omitempty"`
	Tools           []string `yaml:"tools,omitempty"`
	AgentTools      []string `yaml:"agent_tools,omitempty"`
}

// Arena is an immutable set of agents addressed by id. Hot reload swaps the
// whole arena, never mutates one.
type Arena struct {
	agents map[string]*Agent
}

// NewArena validates every definition against the provider and tool
// registries so a dangling reference is a startup error, not a task failure.
func NewArena(defs []Agent, providers ProviderResolver, tools ToolResolver) (*Arena, error) {
	a := &Arena{agents: make(map[string]*Agent, len(defs))}
	for i := range defs {
		def := defs[i]
		if def.ID == "" {
			return nil, fmt.Errorf("agent with empty id")
		}
		if _, dup := a.agents[def.ID]; dup {
			return nil, fmt.Errorf("duplicate agent %q", def.ID)
		}
		if def.Provider == "" {
			return nil, fmt.Errorf("agent %q: provider is required", def.ID)
		}
		if _, err := providers.Get(def.Provider); err != nil {
			return nil, fmt.Errorf("agent %q: %w", def.ID, err)
		}
		for _, tool := range def.Tools {
			if _, err := tools.Get(tool); err != nil {
				return nil, fmt.Errorf("agent %q: %w", def.ID, err)
			}
		}
		a.agents[def.ID] = &def
	}

	// Agent-tool references can be forward, so they are checked after the
	// whole set is loaded.
	for _, def := range a.agents {
		for _, sub := range def.AgentTools {
			target, ok := a.agents[sub]
			if !ok {
				return nil, fmt.Errorf("agent %q: unknown agent-tool %q", def.ID, sub)
			}
			if target.ToolDescription == "" {
				return nil, fmt.Errorf("agent %q: agent-tool %q has no tool_description", def.ID, sub)
			}
		}
	}
	return a, nil
}

// Get returns the agent for an id.
func (a *Arena) Get(id string) (*Agent, error) {
	agent, ok := a.agents[id]
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", id)
	}
	return agent, nil
}

// IDs returns the configured agent ids.
func (a *Arena) IDs() []string {
	out := make([]string, 0, len(a.agents))
	for id := range a.agents {
		out = append(out, id)
	}
	return out
}
