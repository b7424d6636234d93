package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/loomhq/loom/internal/agents"
	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/dispatch"
	"github.com/loomhq/loom/internal/gateway"
	"github.com/loomhq/loom/internal/mcp"
	"github.com/loomhq/loom/internal/provider"
	"github.com/loomhq/loom/internal/runner"
	"github.com/loomhq/loom/internal/schedule"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/telemetry"
	"github.com/loomhq/loom/internal/tooling"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	loadDotEnv(".env")

	configPath := flag.String("config", "", "path to config.yaml (default: $LOOM_HOME/config.yaml)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("loomd", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fatalStartup(nil, "E_DATA_DIR_CREATE", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.DataDir, cfg.Logging.Level, cfg.Logging.Quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "path", cfg.Path, "fingerprint", cfg.Fingerprint())

	if cfg.Server.AuthToken == "" {
		logger.Warn("server.auth_token is empty; every gateway request will be rejected until one is configured")
	}
	if host, _, err := net.SplitHostPort(cfg.Server.Addr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.Server.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "addr", cfg.Server.Addr)
		}
	}

	// Create the event bus early so the store can publish on it.
	eventBus := bus.New()

	otelProvider, err := telemetry.InitOTel(ctx, cfg.Telemetry)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	st, err := store.Open(cfg.DBPath(), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath())

	mcpManager := mcp.NewManager(cfg.MCPServers, logger)
	if err := mcpManager.Start(ctx); err != nil {
		logger.Warn("mcp manager start failed", "error", err)
	}
	defer func() { _ = mcpManager.Stop() }()

	providers := &liveProviders{}
	reg, err := provider.NewRegistry(cfg.Providers)
	if err != nil {
		fatalStartup(logger, "E_PROVIDER_INIT", err)
	}
	providers.swap(reg)

	tools := &liveTools{}
	toolReg, err := tooling.NewRegistry(cfg.Tools, mcpManager)
	if err != nil {
		fatalStartup(logger, "E_TOOLING_INIT", err)
	}
	tools.swap(toolReg)

	arena, err := agents.NewArena(cfg.Agents, providers, tools)
	if err != nil {
		fatalStartup(logger, "E_AGENTS_INIT", err)
	}
	logger.Info("startup phase", "phase", "arena_built", "agents", len(cfg.Agents))

	run := runner.New(st, providers, tools, arena, cfg.Runner.Config, logger)
	disp := dispatch.New(st, run, cfg.Runner.TaskTimeout(), logger)

	if err := disp.RecoverInterrupted(ctx); err != nil {
		fatalStartup(logger, "E_TASK_RECOVERY", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed")

	if err := ensureSchedules(ctx, st, cfg.Schedules, logger); err != nil {
		fatalStartup(logger, "E_SCHEDULE_SEED", err)
	}

	gw := gateway.New(gateway.Config{
		Store:        st,
		Tasks:        disp,
		Bus:          eventBus,
		AuthToken:    cfg.Server.AuthToken,
		AllowOrigins: cfg.Server.AllowOrigins,
		DefaultAgent: cfg.Runner.DefaultAgent,
	})

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: gw.Handler(),
	}
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND",
				fmt.Errorf("%w\n\n  Another process is using %s. Stop it or change server.addr.", err, cfg.Server.Addr))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.Server.Addr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sched := schedule.NewScheduler(schedule.Config{Store: st, Tasks: disp, Logger: logger})
	sched.Start(ctx)
	defer sched.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	confWatcher := config.NewWatcher(cfg.Path, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			newCfg, err := config.Load(cfg.Path)
			if err != nil {
				logger.Error("config reload rejected; keeping previous config", "error", err)
				continue
			}
			newReg, err := provider.NewRegistry(newCfg.Providers)
			if err != nil {
				logger.Error("config reload rejected; keeping previous providers", "error", err)
				continue
			}
			newTools, err := tooling.NewRegistry(newCfg.Tools, mcpManager)
			if err != nil {
				logger.Error("config reload rejected; keeping previous tools", "error", err)
				continue
			}
			newArena, err := agents.NewArena(newCfg.Agents, newReg, newTools)
			if err != nil {
				logger.Error("config reload rejected; keeping previous agents", "error", err)
				continue
			}
			providers.swap(newReg)
			tools.swap(newTools)
			run.SetArena(newArena)
			logger.Info("config hot-reloaded", "path", ev.Path, "fingerprint", newCfg.Fingerprint(), "agents", len(newCfg.Agents))
		}
	}()

	logger.Info("loomd ready", "version", Version, "addr", cfg.Server.Addr, "default_agent", cfg.Runner.DefaultAgent)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then drain running tasks so their terminal states
	// and progress are persisted before the store closes.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if err := disp.Drain(10 * time.Second); err != nil {
		logger.Warn("drain incomplete; interrupted tasks will be failed on next startup", "error", err, "active", disp.Active())
	}
	logger.Info("shutdown complete")
}

// liveProviders and liveTools let a config reload swap the registries the
// runner resolves through without rebuilding the runner itself.
type liveProviders struct {
	reg atomic.Pointer[provider.Registry]
}

func (l *liveProviders) swap(r *provider.Registry) { l.reg.Store(r) }

func (l *liveProviders) Get(name string) (provider.Client, error) {
	return l.reg.Load().Get(name)
}

type liveTools struct {
	reg atomic.Pointer[tooling.Registry]
}

func (l *liveTools) swap(r *tooling.Registry) { l.reg.Store(r) }

func (l *liveTools) Get(name string) (tooling.Adapter, error) {
	return l.reg.Load().Get(name)
}

// ensureSchedules creates config-declared schedules that do not exist yet,
// matched by name. Existing rows are left alone so runtime state
// (next_run_at, enabled) survives restarts.
func ensureSchedules(ctx context.Context, st *store.Store, entries []config.ScheduleConfig, logger *slog.Logger) error {
	if len(entries) == 0 {
		return nil
	}
	existing, err := st.ListSchedules(ctx)
	if err != nil {
		return err
	}
	byName := make(map[string]bool, len(existing))
	for _, s := range existing {
		byName[s.Name] = true
	}
	for _, e := range entries {
		if byName[e.Name] {
			continue
		}
		next, err := schedule.NextRunTime(e.Cron, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("schedule %q: %w", e.Name, err)
		}
		if _, err := st.CreateSchedule(ctx, e.Name, e.Cron, e.ThreadID, e.AgentID, e.Message, next); err != nil {
			return fmt.Errorf("schedule %q: %w", e.Name, err)
		}
		logger.Info("schedule created", "name", e.Name, "cron", e.Cron, "next_run", next)
	}
	return nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"loomd","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

// loadDotEnv sets variables from a .env file without overriding ones
// already present in the environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
