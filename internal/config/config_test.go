package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loomhq/loom/internal/config"
)

const fullConfig = `
data_dir: /tmp/loom-test
server:
  addr: 127.0.0.1:9901
  auth_token: ${TEST_LOOM_TOKEN}
  allow_origins: ["https://app.example.com"]
logging:
  level: debug
storage:
  path: /tmp/loom-test/custom.db
telemetry:
  enabled: true
  exporter: stdout
runner:
  max_iterations: 5
  max_agent_depth: 2
  timeout_recoverable: true
  task_timeout_seconds: 120
  default_agent: helper
providers:
  - name: local
    kind: ollama
    endpoint: http://127.0.0.1:11434
    model: llama3
tools:
  - name: calendar
    kind: caldav
    description: reads the shared calendar
    enabled: true
    credentials:
      password: ${TEST_LOOM_CALDAV_PW}
mcp_servers:
  - name: files
    command: mcp-files
    enabled: true
agents:
  - id: helper
    name: Helper
    provider: local
    system_prompt: You are helpful.
    tools: [calendar]
schedules:
  - name: morning-digest
    cron: "0 9 * * *"
    thread_id: b2f9a7c4-1111-4222-8333-444455556666
    agent_id: helper
    message: summarize overnight activity
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	t.Setenv("TEST_LOOM_TOKEN", "tok-123")
	t.Setenv("TEST_LOOM_CALDAV_PW", "hunter2")

	path := writeConfig(t, fullConfig)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Path != path {
		t.Fatalf("expected Path=%s, got %s", path, cfg.Path)
	}
	if cfg.Server.Addr != "127.0.0.1:9901" {
		t.Fatalf("unexpected addr %q", cfg.Server.Addr)
	}
	if cfg.Server.AuthToken != "tok-123" {
		t.Fatalf("expected env-expanded auth token, got %q", cfg.Server.AuthToken)
	}
	if cfg.DBPath() != "/tmp/loom-test/custom.db" {
		t.Fatalf("unexpected db path %q", cfg.DBPath())
	}
	if cfg.Runner.MaxIterations != 5 || cfg.Runner.MaxAgentDepth != 2 {
		t.Fatalf("runner limits not parsed: %+v", cfg.Runner)
	}
	if cfg.Runner.DefaultAgent != "helper" {
		t.Fatalf("unexpected default agent %q", cfg.Runner.DefaultAgent)
	}
	if got := cfg.Runner.TaskTimeout().Seconds(); got != 120 {
		t.Fatalf("expected 120s task timeout, got %v", got)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].Kind != "ollama" {
		t.Fatalf("providers not parsed: %+v", cfg.Providers)
	}
	if len(cfg.Tools) != 1 || cfg.Tools[0].Credentials["password"] != "hunter2" {
		t.Fatalf("expected env-expanded tool credential, got %+v", cfg.Tools)
	}
	if len(cfg.MCPServers) != 1 || cfg.MCPServers[0].Name != "files" {
		t.Fatalf("mcp servers not parsed: %+v", cfg.MCPServers)
	}
	if len(cfg.Agents) != 1 || cfg.Agents[0].Tools[0] != "calendar" {
		t.Fatalf("agents not parsed: %+v", cfg.Agents)
	}
	if len(cfg.Schedules) != 1 || cfg.Schedules[0].Cron != "0 9 * * *" {
		t.Fatalf("schedules not parsed: %+v", cfg.Schedules)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.Exporter != "stdout" {
		t.Fatalf("telemetry not parsed: %+v", cfg.Telemetry)
	}
}

const minimalConfig = `
providers:
  - name: local
    kind: ollama
    model: llama3
agents:
  - id: helper
    name: Helper
    provider: local
    system_prompt: You are helpful.
`

func TestLoadDefaultsApplied(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:8600" {
		t.Fatalf("expected default addr, got %q", cfg.Server.Addr)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("expected default log level info, got %q", cfg.Logging.Level)
	}
	if cfg.Runner.TaskTimeoutSeconds != 600 {
		t.Fatalf("expected default task timeout 600s, got %d", cfg.Runner.TaskTimeoutSeconds)
	}
	if cfg.Runner.MaxIterations != 8 || cfg.Runner.MaxAgentDepth != 3 {
		t.Fatalf("expected runner defaults, got %+v", cfg.Runner.Config)
	}
	// A single agent becomes the default submission target.
	if cfg.Runner.DefaultAgent != "helper" {
		t.Fatalf("expected sole agent as default, got %q", cfg.Runner.DefaultAgent)
	}
	if filepath.Base(cfg.DBPath()) != "loom.db" {
		t.Fatalf("expected loom.db under data dir, got %q", cfg.DBPath())
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("LOOM_ADDR", "0.0.0.0:7000")
	t.Setenv("LOOM_AUTH_TOKEN", "env-token")
	t.Setenv("LOOM_LOG_LEVEL", "warn")

	path := writeConfig(t, minimalConfig)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != "0.0.0.0:7000" {
		t.Fatalf("expected env addr override, got %q", cfg.Server.Addr)
	}
	if cfg.Server.AuthToken != "env-token" {
		t.Fatalf("expected env auth token, got %q", cfg.Server.AuthToken)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("expected env log level, got %q", cfg.Logging.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "no providers",
			body: "agents:\n  - {id: a, name: A, provider: p, system_prompt: s}\n",
			want: "at least one provider",
		},
		{
			name: "no agents",
			body: "providers:\n  - {name: p, kind: ollama, model: m}\n",
			want: "at least one agent",
		},
		{
			name: "duplicate agent id",
			body: minimalConfig + "  - id: helper\n    name: Twin\n    provider: local\n    system_prompt: s\n",
			want: `duplicate agent "helper"`,
		},
		{
			name: "unknown default agent",
			body: minimalConfig + "runner:\n  default_agent: ghost\n",
			want: `default_agent "ghost"`,
		},
		{
			name: "schedule references unknown agent",
			body: minimalConfig + "schedules:\n  - {name: s, cron: \"* * * * *\", thread_id: t, agent_id: ghost, message: hi}\n",
			want: "unknown agent",
		},
		{
			name: "schedule without cron",
			body: minimalConfig + "schedules:\n  - {name: s, thread_id: t, agent_id: helper, message: hi}\n",
			want: "no cron expression",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.body)
			_, err := config.Load(path)
			if err == nil {
				t.Fatalf("expected validation error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestFingerprintStable(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	a, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b, err := config.Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("fingerprint changed across identical loads: %s vs %s", a.Fingerprint(), b.Fingerprint())
	}
	b.Server.Addr = "127.0.0.1:1"
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatalf("fingerprint did not change with addr")
	}
}
