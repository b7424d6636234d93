package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ServerConfig describes one tool server subprocess.
type ServerConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Enabled bool              `yaml:"enabled"`
}

// Manager owns the pool of connected tool servers.
type Manager struct {
	configs []ServerConfig
	logger  *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

func NewManager(configs []ServerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		configs: configs,
		logger:  logger,
		clients: make(map[string]*Client),
	}
}

// Start launches every enabled server and runs the handshake. A server that
// fails to come up is logged and skipped; the rest still start.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cfg := range m.configs {
		if !cfg.Enabled {
			continue
		}

		m.logger.Info("starting tool server", "name", cfg.Name, "command", cfg.Command)

		transport, err := NewReconnectableTransport(cfg.Command, cfg.Args, cfg.Env)
		if err != nil {
			m.logger.Error("tool server start failed", "name", cfg.Name, "error", err)
			continue
		}

		client, err := NewClient(cfg.Name, transport)
		if err != nil {
			m.logger.Error("tool server client failed", "name", cfg.Name, "error", err)
			transport.Close()
			continue
		}

		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = client.Initialize(initCtx)
		cancel()
		if err != nil {
			m.logger.Error("tool server handshake failed", "name", cfg.Name, "error", err)
			client.Close()
			continue
		}

		m.clients[cfg.Name] = client
		m.logger.Info("tool server ready", "name", cfg.Name)
	}
	return nil
}

// Client returns the connected client for a server, or an error when the
// server never came up.
func (m *Manager) Client(name string) (*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	client, ok := m.clients[name]
	if !ok {
		return nil, fmt.Errorf("tool server %q not connected", name)
	}
	return client, nil
}

// Connected reports whether the named server completed its handshake.
func (m *Manager) Connected(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.clients[name]
	return ok
}

// AllTools lists the tool inventory of every connected server.
func (m *Manager) AllTools(ctx context.Context) map[string][]ToolDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string][]ToolDescriptor, len(m.clients))
	for name, client := range m.clients {
		listCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		tools, err := client.ListTools(listCtx)
		cancel()
		if err != nil {
			m.logger.Warn("tool list failed", "server", name, "error", err)
			continue
		}
		result[name] = tools
	}
	return result
}

// CallTool invokes a tool on a specific server.
func (m *Manager) CallTool(ctx context.Context, serverName, toolName string, args json.RawMessage) (*CallResult, error) {
	client, err := m.Client(serverName)
	if err != nil {
		return nil, err
	}
	return client.CallTool(ctx, toolName, args)
}

// Stop closes every connected server.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, client := range m.clients {
		if err := client.Close(); err != nil {
			m.logger.Warn("tool server close failed", "server", name, "error", err)
		}
	}
	m.clients = make(map[string]*Client)
	return nil
}
