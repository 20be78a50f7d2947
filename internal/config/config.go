package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mpataki/scriptool/internal/interp"
)

const (
	EngineLua = "lua"
	EngineJS  = "js"

	// ScopeCall runs every tool call in a fresh session.
	ScopeCall = "call"
	// ScopeConversation keeps one session per conversation id.
	ScopeConversation = "conversation"
)

type Config struct {
	DataDir    string `yaml:"-"`
	DBPath     string `yaml:"-"`
	ConfigPath string `yaml:"-"`

	Engine     string `yaml:"engine"`
	ProjectDir string `yaml:"project_dir"`

	Timeout        time.Duration `yaml:"timeout"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
	MaxReadBytes   int64         `yaml:"max_read_bytes"`
	MaxCallStack   int           `yaml:"max_call_stack"`
	MaxRegistry    int           `yaml:"max_registry"`
	MaxMemoryBytes int64         `yaml:"max_memory_bytes"`
	AllowRead      bool          `yaml:"allow_project_read"`

	MaxConcurrency int           `yaml:"max_concurrency"`
	SessionScope   string        `yaml:"session_scope"`
	SessionTTL     time.Duration `yaml:"session_ttl"`
	MaxSessions    int           `yaml:"max_sessions"`

	History  bool   `yaml:"history"`
	LogLevel string `yaml:"log_level"`
}

// New builds the configuration from defaults, the optional YAML file and
// SCRIPTOOL_* environment variables, in increasing precedence. An empty
// configPath means config.yaml in the data directory.
func New(configPath string) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("SCRIPTOOL_DATA_DIR", filepath.Join(homeDir, ".scriptool"))
	limits := interp.DefaultLimits()

	c := &Config{
		DataDir:        dataDir,
		DBPath:         filepath.Join(dataDir, "history.db"),
		ConfigPath:     configPath,
		Engine:         EngineLua,
		ProjectDir:     ".",
		Timeout:        limits.Timeout,
		MaxOutputBytes: 16 * 1024,
		MaxReadBytes:   1 << 20,
		MaxCallStack:   limits.MaxCallStack,
		MaxRegistry:    limits.MaxRegistry,
		MaxMemoryBytes: limits.MaxMemoryBytes,
		AllowRead:      true,
		MaxConcurrency: 4,
		SessionScope:   ScopeCall,
		SessionTTL:     time.Hour,
		MaxSessions:    256,
		History:        true,
		LogLevel:       "info",
	}

	explicit := configPath != ""
	if !explicit {
		c.ConfigPath = filepath.Join(dataDir, "config.yaml")
	}
	if err := c.loadFile(explicit); err != nil {
		return nil, err
	}

	if err := c.applyEnv(); err != nil {
		return nil, err
	}

	return c, nil
}

// loadFile overlays the YAML file. A missing default file is not an error.
func (c *Config) loadFile(required bool) error {
	data, err := os.ReadFile(c.ConfigPath)
	if err != nil {
		if os.IsNotExist(err) && !required {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", c.ConfigPath, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Engine = getEnv("SCRIPTOOL_ENGINE", c.Engine)
	c.ProjectDir = getEnv("SCRIPTOOL_PROJECT_DIR", c.ProjectDir)
	c.SessionScope = getEnv("SCRIPTOOL_SESSION_SCOPE", c.SessionScope)
	c.LogLevel = getEnv("SCRIPTOOL_LOG_LEVEL", c.LogLevel)

	var errs []error
	if v, ok := os.LookupEnv("SCRIPTOOL_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("SCRIPTOOL_TIMEOUT: %w", err))
		}
		c.Timeout = d
	}
	if v, ok := os.LookupEnv("SCRIPTOOL_MAX_OUTPUT_BYTES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("SCRIPTOOL_MAX_OUTPUT_BYTES: %w", err))
		}
		c.MaxOutputBytes = n
	}
	if v, ok := os.LookupEnv("SCRIPTOOL_MAX_MEMORY_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("SCRIPTOOL_MAX_MEMORY_BYTES: %w", err))
		}
		c.MaxMemoryBytes = n
	}
	if v, ok := os.LookupEnv("SCRIPTOOL_MAX_CONCURRENCY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("SCRIPTOOL_MAX_CONCURRENCY: %w", err))
		}
		c.MaxConcurrency = n
	}
	if v, ok := os.LookupEnv("SCRIPTOOL_HISTORY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("SCRIPTOOL_HISTORY: %w", err))
		}
		c.History = b
	}

	return errors.Join(errs...)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Engine {
	case EngineLua, EngineJS:
	default:
		errs = append(errs, fmt.Errorf("unknown engine %q (want %s or %s)", c.Engine, EngineLua, EngineJS))
	}
	switch c.SessionScope {
	case ScopeCall, ScopeConversation:
	default:
		errs = append(errs, fmt.Errorf("unknown session scope %q (want %s or %s)", c.SessionScope, ScopeCall, ScopeConversation))
	}
	if c.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must not be negative"))
	}
	if c.MaxOutputBytes <= 0 {
		errs = append(errs, fmt.Errorf("max_output_bytes must be positive"))
	}
	if c.MaxReadBytes <= 0 {
		errs = append(errs, fmt.Errorf("max_read_bytes must be positive"))
	}
	if c.MaxMemoryBytes < 0 {
		errs = append(errs, fmt.Errorf("max_memory_bytes must not be negative"))
	}
	if c.MaxConcurrency < 0 {
		errs = append(errs, fmt.Errorf("max_concurrency must not be negative"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.ProjectDir == "" {
		errs = append(errs, fmt.Errorf("project_dir must be set"))
	}

	return errors.Join(errs...)
}

// Limits returns the interpreter limits for this configuration.
func (c *Config) Limits() interp.Limits {
	return interp.Limits{
		Timeout:          c.Timeout,
		MaxOutputBytes:   c.MaxOutputBytes,
		MaxCallStack:     c.MaxCallStack,
		MaxRegistry:      c.MaxRegistry,
		MaxMemoryBytes:   c.MaxMemoryBytes,
		AllowProjectRead: c.AllowRead,
	}
}

func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0755)
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
