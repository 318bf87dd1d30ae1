// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath overrides the default config file location.
const EnvConfigPath = "COVEN_RELAY_CONFIG"

// Permission modes understood by the agent CLI.
var permissionModes = map[string]bool{
	"default":           true,
	"acceptEdits":       true,
	"plan":              true,
	"bypassPermissions": true,
}

// Config represents the complete coven-relay configuration
type Config struct {
	Matrix   MatrixConfig   `yaml:"matrix" toml:"matrix"`
	Agent    AgentConfig    `yaml:"agent" toml:"agent"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	DataDir  string         `yaml:"data_dir" toml:"data_dir"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// MatrixConfig holds the bot account and room policy
type MatrixConfig struct {
	Homeserver      string   `yaml:"homeserver" toml:"homeserver"`
	UserID          string   `yaml:"user_id" toml:"user_id"`
	AccessToken     string   `yaml:"access_token" toml:"access_token"`
	DeviceID        string   `yaml:"device_id" toml:"device_id"`
	RecoveryKey     string   `yaml:"recovery_key" toml:"recovery_key"` // Enables E2EE
	AllowedUsers    []string `yaml:"allowed_users" toml:"allowed_users"`
	AllowedRooms    []string `yaml:"allowed_rooms" toml:"allowed_rooms"`
	CommandPrefix   string   `yaml:"command_prefix" toml:"command_prefix"`
	TypingIndicator *bool    `yaml:"typing_indicator" toml:"typing_indicator"`
	AutoJoin        bool     `yaml:"auto_join" toml:"auto_join"`
	ProgressBurst   int      `yaml:"progress_burst" toml:"progress_burst"`

	ProgressInterval    time.Duration `yaml:"-" toml:"-"`
	ProgressIntervalRaw string        `yaml:"progress_interval" toml:"progress_interval"`
}

// AgentConfig holds how the Claude CLI is run for every chat
type AgentConfig struct {
	Binary          string            `yaml:"binary" toml:"binary"`
	ExtraArgs       []string          `yaml:"extra_args" toml:"extra_args"`
	Env             map[string]string `yaml:"env" toml:"env"`
	WorkingDir      string            `yaml:"working_dir" toml:"working_dir"`
	Model           string            `yaml:"model" toml:"model"`
	MaxTurns        int               `yaml:"max_turns" toml:"max_turns"`
	PermissionMode  string            `yaml:"permission_mode" toml:"permission_mode"`
	SystemPrompt    string            `yaml:"system_prompt" toml:"system_prompt"`
	MCPConfig       string            `yaml:"mcp_config" toml:"mcp_config"`
	AllowedTools    []string          `yaml:"allowed_tools" toml:"allowed_tools"`
	ThinkingBudget  int               `yaml:"thinking_budget" toml:"thinking_budget"`
	PartialMessages *bool             `yaml:"partial_messages" toml:"partial_messages"`

	PermissionTimeout time.Duration `yaml:"-" toml:"-"`
	ExitGrace         time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	PermissionTimeoutRaw string `yaml:"permission_timeout" toml:"permission_timeout"`
	ExitGraceRaw         string `yaml:"exit_grace" toml:"exit_grace"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
	Path    string `yaml:"path" toml:"path"`
}

// Typing reports whether the typing indicator is on. It defaults to true.
func (m MatrixConfig) Typing() bool {
	return m.TypingIndicator == nil || *m.TypingIndicator
}

// Partial reports whether streamed text deltas are requested. It defaults to true.
func (a AgentConfig) Partial() bool {
	return a.PartialMessages == nil || *a.PartialMessages
}

// E2EE reports whether end-to-end encryption is configured.
func (m MatrixConfig) E2EE() bool {
	return m.RecoveryKey != ""
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are TOML, anything else is YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Agent.Binary == "" {
		c.Agent.Binary = "claude"
	}
	if c.Agent.PermissionMode == "" {
		c.Agent.PermissionMode = "default"
	}
	if c.Agent.PermissionTimeout == 0 {
		c.Agent.PermissionTimeout = 5 * time.Minute
	}
	if c.Agent.ExitGrace == 0 {
		c.Agent.ExitGrace = 10 * time.Second
	}
	if c.Matrix.ProgressIntervalRaw == "" {
		c.Matrix.ProgressInterval = 3 * time.Second
	}
	if c.Matrix.ProgressBurst == 0 {
		c.Matrix.ProgressBurst = 3
	}
	if c.DataDir == "" {
		c.DataDir = DataPath()
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.DataDir, "relay.db")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = "127.0.0.1:9464"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	c.DataDir = expandHome(c.DataDir)
	c.Database.Path = expandHome(c.Database.Path)
	c.Agent.WorkingDir = expandHome(c.Agent.WorkingDir)
	c.Agent.MCPConfig = expandHome(c.Agent.MCPConfig)
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	u, err := url.Parse(c.Matrix.Homeserver)
	if err != nil {
		return fmt.Errorf("matrix.homeserver is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("matrix.homeserver must use http or https scheme")
	}
	if !strings.HasPrefix(c.Matrix.UserID, "@") || !strings.Contains(c.Matrix.UserID, ":") {
		return fmt.Errorf("matrix.user_id must look like @name:server, got %q", c.Matrix.UserID)
	}
	if c.Matrix.AccessToken == "" {
		return fmt.Errorf("matrix.access_token is required")
	}
	if c.Matrix.ProgressInterval < 0 {
		return fmt.Errorf("matrix.progress_interval must not be negative")
	}

	if !permissionModes[c.Agent.PermissionMode] {
		return fmt.Errorf("agent.permission_mode %q is not one of default, acceptEdits, plan, bypassPermissions", c.Agent.PermissionMode)
	}
	if c.Agent.MaxTurns < 0 {
		return fmt.Errorf("agent.max_turns must not be negative")
	}
	if c.Agent.ThinkingBudget < 0 {
		return fmt.Errorf("agent.thinking_budget must not be negative")
	}
	if c.Agent.WorkingDir != "" {
		info, err := os.Stat(c.Agent.WorkingDir)
		if err != nil {
			return fmt.Errorf("agent.working_dir: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("agent.working_dir %s is not a directory", c.Agent.WorkingDir)
		}
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Matrix.ProgressIntervalRaw != "" {
		cfg.Matrix.ProgressInterval, err = time.ParseDuration(cfg.Matrix.ProgressIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing progress_interval %q: %w", cfg.Matrix.ProgressIntervalRaw, err)
		}
	}

	if cfg.Agent.PermissionTimeoutRaw != "" {
		cfg.Agent.PermissionTimeout, err = time.ParseDuration(cfg.Agent.PermissionTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing permission_timeout %q: %w", cfg.Agent.PermissionTimeoutRaw, err)
		}
	}

	if cfg.Agent.ExitGraceRaw != "" {
		cfg.Agent.ExitGrace, err = time.ParseDuration(cfg.Agent.ExitGraceRaw)
		if err != nil {
			return fmt.Errorf("parsing exit_grace %q: %w", cfg.Agent.ExitGraceRaw, err)
		}
	}

	return nil
}

// Path returns the path to the relay config file.
// Priority: COVEN_RELAY_CONFIG env var > XDG_CONFIG_HOME/coven/relay.yaml > ~/.config/coven/relay.yaml
func Path() string {
	if envPath := os.Getenv(EnvConfigPath); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "relay.yaml")
}

// DataPath returns the path to the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func DataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
