package tooling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loomhq/loom/internal/mcp"
)

// mcpAdapter routes invocations to a named tool on a connected tool server.
type mcpAdapter struct {
	name        string
	description string
	schema      json.RawMessage
	server      string
	remoteTool  string
	servers     *mcp.Manager
}

func newMCPAdapter(cfg Config, servers *mcp.Manager) (Adapter, error) {
	if servers == nil {
		return nil, fmt.Errorf("no tool server manager configured")
	}
	server := cfg.Settings["server"]
	if server == "" {
		return nil, fmt.Errorf("settings.server is required")
	}
	remoteTool := cfg.Settings["tool"]
	if remoteTool == "" {
		remoteTool = cfg.Name
	}
	schema, err := cfg.schemaJSON()
	if err != nil {
		return nil, err
	}
	return &mcpAdapter{
		name:        cfg.Name,
		description: cfg.Description,
		schema:      schema,
		server:      server,
		remoteTool:  remoteTool,
		servers:     servers,
	}, nil
}

func (a *mcpAdapter) Name() string            { return a.name }
func (a *mcpAdapter) Description() string     { return a.description }
func (a *mcpAdapter) Schema() json.RawMessage { return a.schema }

func (a *mcpAdapter) Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	result, err := a.servers.CallTool(ctx, a.server, a.remoteTool, args)
	if err != nil {
		return nil, a.classify(err)
	}
	if result.IsError {
		return nil, toolErr(KindProtocolError, a.name, fmt.Errorf("server reported failure: %s", result.Text()))
	}

	out, err := json.Marshal(map[string]string{"output": result.Text()})
	if err != nil {
		return nil, toolErr(KindUnknown, a.name, fmt.Errorf("marshal result: %w", err))
	}
	return out, nil
}

func (a *mcpAdapter) classify(err error) *ToolError {
	var rpcErr *mcp.RPCError
	switch {
	case errors.As(err, &rpcErr):
		if rpcErr.IsUnknownTool() {
			return toolErr(KindNotFound, a.name, err)
		}
		return toolErr(KindProtocolError, a.name, err)
	case errors.Is(err, context.DeadlineExceeded):
		return toolErr(KindTimeout, a.name, err)
	default:
		return toolErr(KindUnknown, a.name, err)
	}
}
