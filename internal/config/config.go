// Package config loads agent-bridge settings from an optional YAML file, with
// ${VAR} expansion, duration strings and a few environment overrides.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete agent-bridge configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Agent       AgentConfig       `yaml:"agent"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Broadcast   BroadcastConfig   `yaml:"broadcast"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Watcher     WatcherConfig     `yaml:"watcher"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr"`
	StaticDir string `yaml:"static_dir"`
	// PublicURL is how agents reach this server. Derived from Addr when empty.
	PublicURL string `yaml:"public_url"`
}

// AgentConfig controls the agent subprocesses.
type AgentConfig struct {
	Command         string   `yaml:"command"`
	Args            []string `yaml:"args"`
	MaxSessions     int      `yaml:"max_sessions"`
	StderrTailLines int      `yaml:"stderr_tail_lines"`

	KillGrace    time.Duration `yaml:"-"`
	KillGraceRaw string        `yaml:"kill_grace"`
}

// PermissionsConfig controls how long a tool call waits for a human.
type PermissionsConfig struct {
	Timeout      time.Duration `yaml:"-"`
	PollInterval time.Duration `yaml:"-"`

	TimeoutRaw      string `yaml:"timeout"`
	PollIntervalRaw string `yaml:"poll_interval"`
}

type BroadcastConfig struct {
	// ObserverBuffer is how many events an observer may lag before it is
	// disconnected.
	ObserverBuffer int `yaml:"observer_buffer"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type WatcherConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:      ":8420",
			StaticDir: "./frontend/dist",
		},
		Agent: AgentConfig{
			Command:         "claude",
			Args:            []string{"-p", "--output-format", "stream-json", "--verbose"},
			MaxSessions:     10,
			StderrTailLines: 50,
			KillGraceRaw:    "5s",
		},
		Permissions: PermissionsConfig{
			TimeoutRaw:      "60s",
			PollIntervalRaw: "500ms",
		},
		Broadcast: BroadcastConfig{ObserverBuffer: 256},
		Logging:   LoggingConfig{Level: "info", Format: "text"},
		Metrics:   MetricsConfig{Enabled: true, Path: "/metrics"},
		Watcher:   WatcherConfig{Enabled: true},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or "" when unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// applyEnv honours PORT, STATIC_DIR, MAX_SESSIONS and AGENT_COMMAND.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT %q: %w", v, err)
		}
		host, _, err := net.SplitHostPort(cfg.Server.Addr)
		if err != nil {
			host = ""
		}
		cfg.Server.Addr = net.JoinHostPort(host, strconv.Itoa(port))
	}
	if v := os.Getenv("STATIC_DIR"); v != "" {
		cfg.Server.StaticDir = v
	}
	if v := os.Getenv("MAX_SESSIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_SESSIONS %q: %w", v, err)
		}
		cfg.Agent.MaxSessions = n
	}
	if v := os.Getenv("AGENT_COMMAND"); v != "" {
		cfg.Agent.Command = v
	}
	return nil
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"agent.kill_grace", cfg.Agent.KillGraceRaw, &cfg.Agent.KillGrace},
		{"permissions.timeout", cfg.Permissions.TimeoutRaw, &cfg.Permissions.Timeout},
		{"permissions.poll_interval", cfg.Permissions.PollIntervalRaw, &cfg.Permissions.PollInterval},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Validate checks the configuration and returns the first problem found.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		return fmt.Errorf("server.addr %q: %w", c.Server.Addr, err)
	}
	if c.Agent.Command == "" {
		return fmt.Errorf("agent.command is required")
	}
	if c.Agent.MaxSessions < 1 {
		return fmt.Errorf("agent.max_sessions must be at least 1, got %d", c.Agent.MaxSessions)
	}
	if c.Agent.StderrTailLines < 1 {
		return fmt.Errorf("agent.stderr_tail_lines must be at least 1, got %d", c.Agent.StderrTailLines)
	}
	if c.Permissions.Timeout <= 0 {
		return fmt.Errorf("permissions.timeout must be positive")
	}
	if c.Permissions.PollInterval <= 0 {
		return fmt.Errorf("permissions.poll_interval must be positive")
	}
	if c.Broadcast.ObserverBuffer < 1 {
		return fmt.Errorf("broadcast.observer_buffer must be at least 1, got %d", c.Broadcast.ObserverBuffer)
	}
	switch c.Logging.Format {
	case "", "text", "json", "console":
	default:
		return fmt.Errorf("logging.format must be text, json or console, got %q", c.Logging.Format)
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path)
	}
	return nil
}

// BaseURL is the URL agents use to reach this server.
func (c *Config) BaseURL() string {
	if c.Server.PublicURL != "" {
		return strings.TrimRight(c.Server.PublicURL, "/")
	}
	host, port, err := net.SplitHostPort(c.Server.Addr)
	if err != nil {
		return "http://127.0.0.1:8420"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// ApprovalURL is the base of the per-session MCP approval endpoint.
func (c *Config) ApprovalURL() string {
	return c.BaseURL() + "/mcp"
}
