package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/mpataki/scriptool/internal/config"
	"github.com/mpataki/scriptool/internal/interp"
	"github.com/mpataki/scriptool/internal/js"
	"github.com/mpataki/scriptool/internal/lua"
	"github.com/mpataki/scriptool/internal/render"
	"github.com/mpataki/scriptool/internal/session"
	"github.com/mpataki/scriptool/internal/storage"
	"github.com/mpataki/scriptool/internal/tool"
	"github.com/mpataki/scriptool/internal/workspace"
)

// loadConfig reads the configuration and applies command-line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.New(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cmd.Flags().Changed("engine") {
		cfg.Engine, _ = cmd.Flags().GetString("engine")
	}
	if cmd.Flags().Changed("project") {
		cfg.ProjectDir, _ = cmd.Flags().GetString("project")
	}
	if cmd.Flags().Changed("timeout") {
		cfg.Timeout, _ = cmd.Flags().GetDuration("timeout")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level, _ := cfg.SlogLevel()
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// openStore opens the history archive, or returns nil when history is off.
func openStore(cfg *config.Config) (*storage.Storage, error) {
	if !cfg.History {
		return nil, nil
	}

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	return store, nil
}

// requireStore is openStore for commands that only make sense with history.
func requireStore(cfg *config.Config) (*storage.Storage, error) {
	if !cfg.History {
		return nil, fmt.Errorf("history is disabled")
	}
	return openStore(cfg)
}

func newInterpreter(engine string) interp.Interpreter {
	if engine == config.EngineJS {
		return js.NewRuntime()
	}
	return lua.NewRuntime()
}

// runtime is everything a script-running command needs.
type runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *storage.Storage
	project   *workspace.Workspace
	sessions  *session.Manager
	formatter *render.Formatter
	tool      *tool.ScriptingTool
	registry  *tool.Registry
}

func newRuntime(cmd *cobra.Command, logOut io.Writer) (*runtime, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg, logOut)

	project, err := workspace.Open(cfg.ProjectDir, cfg.MaxReadBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to open project: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		project:   project,
		formatter: render.New(cfg.MaxOutputBytes),
		registry:  tool.NewRegistry(),
	}

	rt.sessions = session.NewManager(session.ManagerConfig{
		Project:        project,
		Interpreter:    newInterpreter(cfg.Engine),
		Limits:         cfg.Limits(),
		MaxConcurrency: cfg.MaxConcurrency,
		TTL:            cfg.SessionTTL,
		MaxSessions:    cfg.MaxSessions,
		Logger:         logger,
	})

	scriptCfg := tool.ScriptingConfig{
		Sessions:  rt.sessions,
		Formatter: rt.formatter,
		Engine:    cfg.Engine,
		Scope:     cfg.SessionScope,
		Logger:    logger,
	}
	if store != nil {
		scriptCfg.Archive = store
	}
	rt.tool = tool.NewScriptingTool(scriptCfg)

	if err := rt.registry.Register(rt.tool); err != nil {
		rt.Close()
		return nil, err
	}

	logger.Debug("runtime ready", "engine", cfg.Engine, "project", project.Root(), "scope", cfg.SessionScope, "history", cfg.History)
	return rt, nil
}

func (rt *runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if rt.sessions != nil {
		if err := rt.sessions.Shutdown(ctx); err != nil {
			rt.logger.Warn("sessions did not shut down cleanly", "error", err)
		}
	}
	if rt.store != nil {
		rt.store.Close()
	}
}

// openLogFile is the log destination for the console, where stderr belongs
// to the terminal UI.
func openLogFile(cmd *cobra.Command) (*os.File, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return os.OpenFile(filepath.Join(cfg.DataDir, "scriptool.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}
