package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// ProjectConfigFile is the project-level config file name, searched
	// for in the current and parent directories.
	ProjectConfigFile = "maf.yaml"
	// UserConfigDir is the user-level config directory under $HOME.
	UserConfigDir = ".config/maf"
	// UserConfigFile is the user-level config file name.
	UserConfigFile = "config.yaml"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "MAF_"
)

// Loader resolves configuration with layered precedence.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load resolves the configuration, lowest precedence first:
// defaults, user config (~/.config/maf/config.yaml), project config
// (maf.yaml in current or parent directories), MAF_* environment
// variables.
func (l *Loader) Load() (*Config, error) {
	config := DefaultConfig()

	userConfigPath := l.userConfigPath()
	if userConfig, err := LoadFromFile(userConfigPath); err == nil {
		l.logger.Debug("loaded user config", "path", userConfigPath)
		config.Merge(userConfig)
	} else if !errors.Is(err, os.ErrNotExist) {
		l.logger.Warn("failed to load user config", "path", userConfigPath, "error", err)
	}

	if projectConfigPath := l.findProjectConfig(); projectConfigPath != "" {
		projectConfig, err := LoadFromFile(projectConfigPath)
		if err != nil {
			return nil, fmt.Errorf("project config: %w", err)
		}
		l.logger.Debug("loaded project config", "path", projectConfigPath)
		config.Merge(projectConfig)
	}

	if err := applyEnv(config); err != nil {
		return nil, err
	}

	if config.Project.Root == "" {
		config.Project.Root = l.detectProjectRoot()
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// EnsureUserConfig writes the default user config file if none exists.
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()
	if _, err := os.Stat(userConfigPath); err == nil {
		return nil
	}

	if err := DefaultConfig().SaveToFile(userConfigPath); err != nil {
		return err
	}
	l.logger.Info("created default user config", "path", userConfigPath)
	return nil
}

func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig walks from the current directory to the filesystem
// root looking for maf.yaml.
func (l *Loader) findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// detectProjectRoot prefers the git toplevel, falling back to the
// current directory.
func (l *Loader) detectProjectRoot() string {
	out, err := exec.Command("git", "rev-parse", "--show-toplevel").Output()
	if err == nil {
		if root := strings.TrimSpace(string(out)); root != "" {
			l.logger.Debug("auto-detected git root", "path", root)
			return root
		}
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return cwd
}

// applyEnv overlays MAF_* environment variables, the highest-precedence
// layer. Unparseable values are errors, not silent fallbacks.
func applyEnv(c *Config) error {
	if v := os.Getenv(EnvPrefix + "PROJECT_ROOT"); v != "" {
		c.Project.Root = v
	}
	if v := os.Getenv(EnvPrefix + "PROJECT_NAME"); v != "" {
		c.Project.Name = v
	}
	if v := os.Getenv(EnvPrefix + "AGENTS"); v != "" {
		c.Agents.Enabled = splitList(v)
	}
	if v := os.Getenv(EnvPrefix + "MODEL_PROVIDER"); v != "" {
		c.Model.Provider = v
	}
	if v := os.Getenv(EnvPrefix + "MODEL_NAME"); v != "" {
		c.Model.Name = v
	}
	if v := os.Getenv(EnvPrefix + "BUS_TYPE"); v != "" {
		c.Bus.Type = v
	}
	if v := os.Getenv(EnvPrefix + "BUS_URLS"); v != "" {
		c.Bus.NATS.URLs = splitList(v)
	}
	if v := os.Getenv(EnvPrefix + "BUS_CONSUMER_GROUP"); v != "" {
		c.Bus.NATS.ConsumerGroup = v
	}
	if v := os.Getenv(EnvPrefix + "BUS_WORKER_POOL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sBUS_WORKER_POOL: %w", EnvPrefix, err)
		}
		c.Bus.InMemory.WorkerPool = n
		c.Bus.NATS.WorkerPool = n
	}
	if v := os.Getenv(EnvPrefix + "METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv(EnvPrefix + "MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sMAX_RETRIES: %w", EnvPrefix, err)
		}
		c.Tasks.MaxRetries = n
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"STALL_TIMEOUT", &c.Tasks.StallTimeout},
		{"HEARTBEAT_INTERVAL", &c.Tasks.HeartbeatInterval},
		{"MAINTENANCE_INTERVAL", &c.Tasks.MaintenanceInterval},
		{"CLEANUP_INTERVAL", &c.Tasks.CleanupInterval},
		{"CLEANUP_RETENTION", &c.Tasks.CleanupRetention},
	}
	for _, d := range durations {
		v := os.Getenv(EnvPrefix + d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, d.key, err)
		}
		*d.dst = parsed
	}
	if v := os.Getenv(EnvPrefix + "TEST_MODE"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sTEST_MODE: %w", EnvPrefix, err)
		}
		c.TestMode = enabled
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
