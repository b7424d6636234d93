// Package config loads the loomd configuration file: a single YAML
// document describing the server, storage, providers, tools, agents and
// schedules. Values of the form ${VAR} are expanded from the environment
// before parsing so credentials never have to live in the file itself.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loomhq/loom/internal/agents"
	"github.com/loomhq/loom/internal/mcp"
	"github.com/loomhq/loom/internal/provider"
	"github.com/loomhq/loom/internal/runner"
	"github.com/loomhq/loom/internal/telemetry"
	"github.com/loomhq/loom/internal/tooling"
)

// ServerConfig holds the gateway listener settings.
type ServerConfig struct {
	Addr      string `yaml:"addr"`
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// WS connections. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`
}

// StorageConfig names the SQLite database file. Empty uses
// <data_dir>/loom.db.
type StorageConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	// Quiet suppresses the stdout copy of the log stream; the file under
	// <data_dir>/logs is always written.
	Quiet bool `yaml:"quiet"`
}

// RunnerConfig extends the loop limits with daemon-level task settings.
type RunnerConfig struct {
	runner.Config `yaml:",inline"`

	TaskTimeoutSeconds int    `yaml:"task_timeout_seconds"`
	DefaultAgent       string `yaml:"default_agent"`
}

func (c RunnerConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSeconds) * time.Second
}

// ScheduleConfig declares a recurring submission created at startup if no
// schedule with the same name exists yet.
type ScheduleConfig struct {
	Name     string `yaml:"name"`
	Cron     string `yaml:"cron"`
	ThreadID string `yaml:"thread_id"`
	AgentID  string `yaml:"agent_id"`
	Message  string `yaml:"message"`
}

type Config struct {
	// Path is the file the config was loaded from, for the reload watcher.
	Path string `yaml:"-"`

	DataDir string `yaml:"data_dir"`

	Server    ServerConfig          `yaml:"server"`
	Storage   StorageConfig         `yaml:"storage"`
	Logging   LoggingConfig         `yaml:"logging"`
	Telemetry telemetry.OTelConfig  `yaml:"telemetry"`
	Runner    RunnerConfig          `yaml:"runner"`

	Providers  []provider.Config  `yaml:"providers"`
	Tools      []tooling.Config   `yaml:"tools"`
	MCPServers []mcp.ServerConfig `yaml:"mcp_servers"`
	Agents     []agents.Agent     `yaml:"agents"`
	Schedules  []ScheduleConfig   `yaml:"schedules"`
}

// DBPath returns the effective SQLite path.
func (c Config) DBPath() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	return filepath.Join(c.DataDir, "loom.db")
}

// Fingerprint returns a stable hash of the fields that matter for reload
// logging, so repeated reloads of an unchanged file are easy to spot.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "addr=%s|log=%s|providers=%d|tools=%d|agents=%d|schedules=%d|default=%s",
		c.Server.Addr, c.Logging.Level, len(c.Providers), len(c.Tools), len(c.Agents), len(c.Schedules), c.Runner.DefaultAgent)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// HomeDir returns the loom data directory: $LOOM_HOME if set, else
// ~/.loom.
func HomeDir() string {
	if override := os.Getenv("LOOM_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".loom")
}

// DefaultPath returns the config file path within the loom home.
func DefaultPath() string {
	return filepath.Join(HomeDir(), "config.yaml")
}

func defaultConfig() Config {
	return Config{
		DataDir: HomeDir(),
		Server:  ServerConfig{Addr: "127.0.0.1:8600"},
		Logging: LoggingConfig{Level: "info"},
		Runner: RunnerConfig{
			Config:             runner.DefaultConfig(),
			TaskTimeoutSeconds: int((10 * time.Minute).Seconds()),
		},
	}
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references with the environment value. An
// unset variable expands to the empty string.
func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load reads and validates the config file at path. An empty path uses
// DefaultPath. A missing file is an error: loomd has no useful zero
// config, it needs at least one provider and one agent.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	cfg := defaultConfig()
	cfg.Path = path

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(expandEnv(data), &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("LOOM_ADDR"); raw != "" {
		cfg.Server.Addr = raw
	}
	if raw := os.Getenv("LOOM_AUTH_TOKEN"); raw != "" {
		cfg.Server.AuthToken = raw
	}
	if raw := os.Getenv("LOOM_LOG_LEVEL"); raw != "" {
		cfg.Logging.Level = raw
	}
	if raw := os.Getenv("LOOM_DATA_DIR"); raw != "" {
		cfg.DataDir = raw
	}
}

func normalize(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = HomeDir()
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "127.0.0.1:8600"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Runner.TaskTimeoutSeconds <= 0 {
		cfg.Runner.TaskTimeoutSeconds = int((10 * time.Minute).Seconds())
	}
	if cfg.Runner.DefaultAgent == "" && len(cfg.Agents) == 1 {
		cfg.Runner.DefaultAgent = cfg.Agents[0].ID
	}
}

// Validate checks referential integrity the YAML schema cannot express.
// Arena construction re-validates agent/provider/tool references; this
// catches config-level duplicates and the default agent binding early.
func (c Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("config: at least one provider is required")
	}
	if len(c.Agents) == 0 {
		return fmt.Errorf("config: at least one agent is required")
	}

	providers := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return fmt.Errorf("config: provider with empty name")
		}
		if providers[name] {
			return fmt.Errorf("config: duplicate provider %q", name)
		}
		providers[name] = true
	}

	tools := make(map[string]bool, len(c.Tools))
	for _, t := range c.Tools {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return fmt.Errorf("config: tool with empty name")
		}
		if tools[name] {
			return fmt.Errorf("config: duplicate tool %q", name)
		}
		tools[name] = true
	}

	agentIDs := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		id := strings.TrimSpace(a.ID)
		if id == "" {
			return fmt.Errorf("config: agent with empty id")
		}
		if agentIDs[id] {
			return fmt.Errorf("config: duplicate agent %q", id)
		}
		agentIDs[id] = true
	}

	if d := c.Runner.DefaultAgent; d != "" && !agentIDs[d] {
		return fmt.Errorf("config: default_agent %q is not a configured agent", d)
	}

	seen := make(map[string]bool, len(c.Schedules))
	for _, s := range c.Schedules {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("config: schedule with empty name")
		}
		if seen[s.Name] {
			return fmt.Errorf("config: duplicate schedule %q", s.Name)
		}
		seen[s.Name] = true
		if strings.TrimSpace(s.Cron) == "" {
			return fmt.Errorf("config: schedule %q has no cron expression", s.Name)
		}
		if !agentIDs[s.AgentID] {
			return fmt.Errorf("config: schedule %q references unknown agent %q", s.Name, s.AgentID)
		}
	}
	return nil
}
