// Package config loads and validates the YAML configuration document that
// drives a nerve daemon: its transports, session defaults, history logging,
// and node backend credentials.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document for the nerve daemon.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Session SessionConfig `yaml:"session"`
	History HistoryConfig `yaml:"history"`
	Logging LoggingConfig `yaml:"logging"`
	Nodes   NodesConfig   `yaml:"nodes"`
}

// ServerConfig configures the transports the daemon command plane listens on.
type ServerConfig struct {
	UnixSocket UnixSocketConfig `yaml:"unix_socket"`
	TCP        TCPConfig        `yaml:"tcp"`
	HTTP       HTTPConfig       `yaml:"http"`
	PIDFile    string           `yaml:"pid_file"`
	LockFile   string           `yaml:"lock_file"`
}

// UnixSocketConfig configures the newline-delimited JSON unix socket transport.
type UnixSocketConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TCPConfig configures the newline-delimited JSON TCP transport.
type TCPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// HTTPConfig configures the HTTP/WebSocket transport.
type HTTPConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`
	AuthToken   string `yaml:"auth_token"`
}

// SessionConfig sets defaults applied to every session the registry creates.
type SessionConfig struct {
	DefaultTimeout  time.Duration `yaml:"default_timeout"`
	MaxParallel     int           `yaml:"max_parallel"`
	WorkspaceRoot   string        `yaml:"workspace_root"`
	IdleGCThreshold time.Duration `yaml:"idle_gc_threshold"`
}

// HistoryConfig configures the JSONL execution history log.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseDir string `yaml:"base_dir"`
	Server  string `yaml:"server"`
}

// LoggingConfig configures the slog-based structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// NodesConfig carries backend-specific credentials and defaults for the
// node variants a graph or workflow may construct.
type NodesConfig struct {
	OpenRouter NodeBackendConfig   `yaml:"openrouter"`
	GLM        NodeBackendConfig   `yaml:"glm"`
	Bash       BashNodeConfig      `yaml:"bash"`
	Terminal   TerminalNodeConfig  `yaml:"terminal"`
	MCP        map[string]MCPEntry `yaml:"mcp"`
}

// NodeBackendConfig is shared shape for OpenAI-compatible backends.
type NodeBackendConfig struct {
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	DefaultModel string        `yaml:"default_model"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// BashNodeConfig bounds subprocess execution.
type BashNodeConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
	Workspace      string        `yaml:"workspace"`
}

// TerminalNodeConfig configures PTY/WezTerm-backed terminal nodes.
type TerminalNodeConfig struct {
	Backend       string        `yaml:"backend"` // "pty" or "wezterm"
	ReadyTimeout  time.Duration `yaml:"ready_timeout"`
	BufferMaxSize int           `yaml:"buffer_max_size"`
}

// MCPEntry configures a single MCP stdio backend by name.
type MCPEntry struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
}

// Load reads, expands, decodes, defaults, and validates the config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := decoder.Decode(new(struct{})); err != io.EOF {
		return nil, fmt.Errorf("parse config: expected a single YAML document")
	}

	applyEnvOverrides(&cfg)
	SetDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults fills in zero-valued fields with the daemon's built-in defaults.
func SetDefaults(cfg *Config) {
	if cfg.Server.UnixSocket.Path == "" {
		cfg.Server.UnixSocket.Path = "/tmp/nerve.sock"
	}
	if cfg.Server.TCP.Host == "" {
		cfg.Server.TCP.Host = "127.0.0.1"
	}
	if cfg.Server.TCP.Port == 0 {
		cfg.Server.TCP.Port = 7790
	}
	if cfg.Server.HTTP.Host == "" {
		cfg.Server.HTTP.Host = "127.0.0.1"
	}
	if cfg.Server.HTTP.Port == 0 {
		cfg.Server.HTTP.Port = 7791
	}
	if cfg.Server.HTTP.MetricsPort == 0 {
		cfg.Server.HTTP.MetricsPort = 7792
	}
	if cfg.Server.PIDFile == "" {
		cfg.Server.PIDFile = "/tmp/nerve.pid"
	}
	if cfg.Server.LockFile == "" {
		cfg.Server.LockFile = "/tmp/nerve.lock"
	}

	if cfg.Session.DefaultTimeout == 0 {
		cfg.Session.DefaultTimeout = 5 * time.Minute
	}
	if cfg.Session.MaxParallel == 0 {
		cfg.Session.MaxParallel = 4
	}
	if cfg.Session.WorkspaceRoot == "" {
		cfg.Session.WorkspaceRoot = "."
	}
	if cfg.Session.IdleGCThreshold == 0 {
		cfg.Session.IdleGCThreshold = 30 * time.Minute
	}

	if cfg.History.BaseDir == "" {
		cfg.History.BaseDir = "history"
	}
	if cfg.History.Server == "" {
		cfg.History.Server = "local"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	setNodeBackendDefaults(&cfg.Nodes.OpenRouter, "https://openrouter.ai/api/v1", "openai/gpt-4o")
	setNodeBackendDefaults(&cfg.Nodes.GLM, "https://open.bigmodel.cn/api/paas/v4", "glm-4.6")

	if cfg.Nodes.Bash.DefaultTimeout == 0 {
		cfg.Nodes.Bash.DefaultTimeout = 2 * time.Minute
	}
	if cfg.Nodes.Bash.MaxOutputBytes == 0 {
		cfg.Nodes.Bash.MaxOutputBytes = 64_000
	}
	if cfg.Nodes.Bash.Workspace == "" {
		cfg.Nodes.Bash.Workspace = cfg.Session.WorkspaceRoot
	}

	if cfg.Nodes.Terminal.Backend == "" {
		cfg.Nodes.Terminal.Backend = "pty"
	}
	if cfg.Nodes.Terminal.ReadyTimeout == 0 {
		cfg.Nodes.Terminal.ReadyTimeout = 10 * time.Second
	}
	if cfg.Nodes.Terminal.BufferMaxSize == 0 {
		cfg.Nodes.Terminal.BufferMaxSize = 1 << 20
	}

	if !cfg.Server.UnixSocket.Enabled && !cfg.Server.TCP.Enabled && !cfg.Server.HTTP.Enabled {
		cfg.Server.UnixSocket.Enabled = true
	}
}

func setNodeBackendDefaults(cfg *NodeBackendConfig, baseURL, model string) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = baseURL
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = model
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 30 * time.Second
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("OPENROUTER_API_KEY")); v != "" {
		cfg.Nodes.OpenRouter.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("GLM_API_KEY")); v != "" {
		cfg.Nodes.GLM.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("NERVE_HTTP_PORT")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Server.HTTP.Port = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("NERVE_TCP_PORT")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Server.TCP.Port = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("NERVE_SOCKET_PATH")); v != "" {
		cfg.Server.UnixSocket.Path = v
	}
}

// ValidationError collects every config problem found in a single pass,
// reporting everything wrong rather than stopping at the first issue.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

// Validate checks a defaulted Config for internal consistency.
func Validate(cfg *Config) error {
	var issues []string

	if cfg.Session.MaxParallel < 1 {
		issues = append(issues, "session.max_parallel must be >= 1")
	}
	if cfg.Session.DefaultTimeout < 0 {
		issues = append(issues, "session.default_timeout must be >= 0")
	}
	if cfg.Server.TCP.Enabled && (cfg.Server.TCP.Port <= 0 || cfg.Server.TCP.Port > 65535) {
		issues = append(issues, "server.tcp.port must be between 1 and 65535")
	}
	if cfg.Server.HTTP.Enabled && (cfg.Server.HTTP.Port <= 0 || cfg.Server.HTTP.Port > 65535) {
		issues = append(issues, "server.http.port must be between 1 and 65535")
	}
	if cfg.Server.UnixSocket.Enabled && strings.TrimSpace(cfg.Server.UnixSocket.Path) == "" {
		issues = append(issues, "server.unix_socket.path is required when unix_socket is enabled")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "debug", "info", "warn", "error":
	default:
		issues = append(issues, "logging.level must be one of debug, info, warn, error")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "json", "text":
	default:
		issues = append(issues, "logging.format must be \"json\" or \"text\"")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Nodes.Terminal.Backend)) {
	case "pty", "wezterm":
	default:
		issues = append(issues, "nodes.terminal.backend must be \"pty\" or \"wezterm\"")
	}
	for name, entry := range cfg.Nodes.MCP {
		if strings.TrimSpace(entry.Command) == "" {
			issues = append(issues, fmt.Sprintf("nodes.mcp[%s].command is required", name))
		}
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}
