// Package config provides the runtime configuration surface and the
// layered loader: defaults, user config, project config, environment.
// Secrets (API keys) never appear here; providers read them from the
// environment directly.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mafkit/maf/bus"
	"github.com/mafkit/maf/roles"
)

// Config is the complete runtime configuration.
type Config struct {
	Project ProjectConfig `yaml:"project"`
	Agents  AgentsConfig  `yaml:"agents"`
	Model   ModelConfig   `yaml:"model"`
	Bus     bus.Config    `yaml:"bus"`
	Tasks   TasksConfig   `yaml:"tasks"`

	// MetricsAddr is the listen address for /metrics and /healthz.
	// Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`

	// TestMode swaps the LLM client for a fixed mock so the runtime can
	// be exercised without provider credentials.
	TestMode bool `yaml:"test_mode"`
}

// ProjectConfig locates and names the workspace.
type ProjectConfig struct {
	// Root is the project root. Empty means auto-detect: git toplevel,
	// falling back to the current directory.
	Root string `yaml:"root"`
	Name string `yaml:"name"`
}

// AgentsConfig selects which role agents the runtime launches.
type AgentsConfig struct {
	// Enabled is the canonical role allow-list. Empty means all roles.
	Enabled []string `yaml:"enabled"`
}

// ModelConfig names the default text-generation model.
type ModelConfig struct {
	// Provider is the endpoint provider name (anthropic, openai, ollama).
	Provider string `yaml:"provider"`
	// Name is the model identifier at that provider.
	Name string `yaml:"name"`
}

// TasksConfig holds the task lifecycle tunables.
type TasksConfig struct {
	// MaxRetries is the per-task retry budget.
	MaxRetries int `yaml:"max_retries"`
	// StallTimeout is how long an in-progress task may go silent before
	// recovery resets it.
	StallTimeout time.Duration `yaml:"stall_timeout"`
	// HeartbeatInterval is the cadence of health checks and heartbeat
	// requests.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// MaintenanceInterval is the cadence of stall recovery and
	// failed-task retries.
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	// CleanupInterval is the cadence of terminal-task cleanup.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	// CleanupRetention is how long terminal tasks are kept.
	CleanupRetention time.Duration `yaml:"cleanup_retention"`
}

// DefaultConfig returns the standard runtime settings: in-memory bus,
// every role enabled, local ollama model.
func DefaultConfig() *Config {
	return &Config{
		Project: ProjectConfig{
			Name: "maf",
		},
		Agents: AgentsConfig{
			Enabled: roles.Names(),
		},
		Model: ModelConfig{
			Provider: "ollama",
			Name:     "qwen2.5-coder:32b",
		},
		Bus: bus.DefaultConfig(),
		Tasks: TasksConfig{
			MaxRetries:          3,
			StallTimeout:        30 * time.Minute,
			HeartbeatInterval:   5 * time.Minute,
			MaintenanceInterval: 10 * time.Minute,
			CleanupInterval:     24 * time.Hour,
			CleanupRetention:    7 * 24 * time.Hour,
		},
		MetricsAddr: "127.0.0.1:9090",
	}
}

// Validate checks the configuration. Failures here are fatal at startup.
func (c *Config) Validate() error {
	if len(c.Agents.Enabled) == 0 {
		return fmt.Errorf("agents.enabled must not be empty")
	}
	for _, name := range c.Agents.Enabled {
		if !roles.Valid(name) {
			return fmt.Errorf("agents.enabled: unknown agent %q (known: %v)",
				name, roles.Names())
		}
	}
	if c.Model.Provider == "" {
		return fmt.Errorf("model.provider is required")
	}
	if c.Model.Name == "" {
		return fmt.Errorf("model.name is required")
	}
	if err := c.Bus.Validate(); err != nil {
		return fmt.Errorf("bus: %w", err)
	}
	if c.Tasks.MaxRetries < 0 {
		return fmt.Errorf("tasks.max_retries must not be negative")
	}
	if c.Tasks.StallTimeout <= 0 {
		return fmt.Errorf("tasks.stall_timeout must be positive")
	}
	if c.Tasks.HeartbeatInterval <= 0 {
		return fmt.Errorf("tasks.heartbeat_interval must be positive")
	}
	if c.Tasks.MaintenanceInterval <= 0 {
		return fmt.Errorf("tasks.maintenance_interval must be positive")
	}
	if c.Tasks.CleanupInterval <= 0 {
		return fmt.Errorf("tasks.cleanup_interval must be positive")
	}
	if c.Tasks.CleanupRetention <= 0 {
		return fmt.Errorf("tasks.cleanup_retention must be positive")
	}
	return nil
}

// LoadFromFile reads a YAML (or JSON, which YAML subsumes) config file
// layered over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return config, nil
}

// SaveToFile writes the configuration as YAML, creating parent
// directories as needed.
func (c *Config) SaveToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Merge overlays another config onto this one. Non-zero fields of other
// take precedence.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Project.Root != "" {
		c.Project.Root = other.Project.Root
	}
	if other.Project.Name != "" {
		c.Project.Name = other.Project.Name
	}

	if len(other.Agents.Enabled) > 0 {
		c.Agents.Enabled = other.Agents.Enabled
	}

	if other.Model.Provider != "" {
		c.Model.Provider = other.Model.Provider
	}
	if other.Model.Name != "" {
		c.Model.Name = other.Model.Name
	}

	if other.Bus.Type != "" {
		c.Bus.Type = other.Bus.Type
	}
	if other.Bus.InMemory.QueueSize > 0 {
		c.Bus.InMemory.QueueSize = other.Bus.InMemory.QueueSize
	}
	if other.Bus.InMemory.WorkerPool > 0 {
		c.Bus.InMemory.WorkerPool = other.Bus.InMemory.WorkerPool
	}
	if other.Bus.InMemory.HistorySize > 0 {
		c.Bus.InMemory.HistorySize = other.Bus.InMemory.HistorySize
	}
	if len(other.Bus.NATS.URLs) > 0 {
		c.Bus.NATS.URLs = other.Bus.NATS.URLs
	}
	if other.Bus.NATS.StreamName != "" {
		c.Bus.NATS.StreamName = other.Bus.NATS.StreamName
	}
	if other.Bus.NATS.ConsumerGroup != "" {
		c.Bus.NATS.ConsumerGroup = other.Bus.NATS.ConsumerGroup
	}
	if other.Bus.NATS.ReconnectWait > 0 {
		c.Bus.NATS.ReconnectWait = other.Bus.NATS.ReconnectWait
	}
	if other.Bus.NATS.EventMaxAge > 0 {
		c.Bus.NATS.EventMaxAge = other.Bus.NATS.EventMaxAge
	}
	if other.Bus.NATS.WorkerPool > 0 {
		c.Bus.NATS.WorkerPool = other.Bus.NATS.WorkerPool
	}
	if other.Bus.NATS.HistorySize > 0 {
		c.Bus.NATS.HistorySize = other.Bus.NATS.HistorySize
	}

	if other.Tasks.MaxRetries > 0 {
		c.Tasks.MaxRetries = other.Tasks.MaxRetries
	}
	if other.Tasks.StallTimeout > 0 {
		c.Tasks.StallTimeout = other.Tasks.StallTimeout
	}
	if other.Tasks.HeartbeatInterval > 0 {
		c.Tasks.HeartbeatInterval = other.Tasks.HeartbeatInterval
	}
	if other.Tasks.MaintenanceInterval > 0 {
		c.Tasks.MaintenanceInterval = other.Tasks.MaintenanceInterval
	}
	if other.Tasks.CleanupInterval > 0 {
		c.Tasks.CleanupInterval = other.Tasks.CleanupInterval
	}
	if other.Tasks.CleanupRetention > 0 {
		c.Tasks.CleanupRetention = other.Tasks.CleanupRetention
	}

	if other.MetricsAddr != "" {
		c.MetricsAddr = other.MetricsAddr
	}

	if other.TestMode {
		c.TestMode = true
	}
}

// StatePath returns the location of the persisted task table under the
// project root.
func (c *Config) StatePath() string {
	return filepath.Join(c.Project.Root, ".maf", "state.json")
}
