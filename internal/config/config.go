package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/agent-pool/internal/domain"
)

// LocalConfigName is the per-project config file searched for upwards from the working directory
const LocalConfigName = ".agent-pool.toml"

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general" yaml:"general"`
	Store         StoreConfig         `toml:"store" yaml:"store"`
	Notifications NotificationsConfig `toml:"notifications" yaml:"notifications"`
	Web           WebConfig           `toml:"web" yaml:"web"`
	Agents        []AgentConfig       `toml:"agent_registry" yaml:"agent_registry"`
	Schedules     []ScheduleConfig    `toml:"schedule" yaml:"schedule"`
}

// GeneralConfig holds scheduler settings
type GeneralConfig struct {
	MaxWorkers             int      `toml:"max_workers" yaml:"max_workers"`
	DefaultTaskTimeout     Duration `toml:"default_task_timeout" yaml:"default_task_timeout"`
	HealthCheckInterval    Duration `toml:"health_check_interval" yaml:"health_check_interval"`
	TerminationGracePeriod Duration `toml:"termination_grace_period" yaml:"termination_grace_period"`
	SpawnParallelism       int      `toml:"spawn_parallelism" yaml:"spawn_parallelism"`
	ProbeCacheTTL          Duration `toml:"probe_cache_ttl" yaml:"probe_cache_ttl"`
	OutputBufferBytes      int      `toml:"output_buffer_bytes" yaml:"output_buffer_bytes"`
	RetainFinished         int      `toml:"retain_finished" yaml:"retain_finished"`
	WorkDir                string   `toml:"work_dir" yaml:"work_dir"`
	LogDir                 string   `toml:"log_dir" yaml:"log_dir"`
}

// StoreConfig holds task history settings. An empty path disables history.
type StoreConfig struct {
	DatabasePath string `toml:"database_path" yaml:"database_path"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop" yaml:"desktop"`
	SlackWebhook string `toml:"slack_webhook" yaml:"slack_webhook"`
	OnSuccess    bool   `toml:"on_success" yaml:"on_success"`
}

// WebConfig holds API server settings
type WebConfig struct {
	Port int    `toml:"port" yaml:"port"`
	Host string `toml:"host" yaml:"host"`
}

// Addr returns host:port
func (w WebConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// AgentConfig is one agent_registry entry. An entry naming a builtin kind
// without a command inherits the builtin invocation.
type AgentConfig struct {
	Kind          string            `toml:"kind" yaml:"kind"`
	TaskKinds     []string          `toml:"task_kinds" yaml:"task_kinds"`
	Rank          *int              `toml:"rank" yaml:"rank"`
	Command       string            `toml:"command" yaml:"command"`
	Args          []string          `toml:"args" yaml:"args"`
	Env           map[string]string `toml:"env" yaml:"env"`
	OutputFormat  string            `toml:"output_format" yaml:"output_format"`
	DetectCommand string            `toml:"detect_command" yaml:"detect_command"`
	DetectArgs    []string          `toml:"detect_args" yaml:"detect_args"`
	DetectTimeout Duration          `toml:"detect_timeout" yaml:"detect_timeout"`
}

// ScheduleConfig submits a task on a cron schedule
type ScheduleConfig struct {
	Name           string   `toml:"name" yaml:"name"`
	Cron           string   `toml:"cron" yaml:"cron"`
	Description    string   `toml:"description" yaml:"description"`
	Kind           string   `toml:"kind" yaml:"kind"`
	Priority       string   `toml:"priority" yaml:"priority"`
	PreferredAgent string   `toml:"preferred_agent" yaml:"preferred_agent"`
	WorkDir        string   `toml:"work_dir" yaml:"work_dir"`
	Timeout        Duration `toml:"timeout" yaml:"timeout"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			MaxWorkers:             3,
			DefaultTaskTimeout:     Duration{30 * time.Minute},
			HealthCheckInterval:    Duration{3 * time.Second},
			TerminationGracePeriod: Duration{5 * time.Second},
			ProbeCacheTTL:          Duration{30 * time.Second},
			OutputBufferBytes:      1024 * 1024,
			RetainFinished:         1000,
			LogDir:                 filepath.Join(home, ".agent-pool", "logs"),
		},
		Store: StoreConfig{
			DatabasePath: filepath.Join(home, ".agent-pool", "history.db"),
		},
		Web: WebConfig{
			Port: 8420,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML or YAML file, falling back to defaults
// when the file does not exist
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = toml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.General.WorkDir = ExpandPath(cfg.General.WorkDir)
	cfg.General.LogDir = ExpandPath(cfg.General.LogDir)
	cfg.Store.DatabasePath = ExpandPath(cfg.Store.DatabasePath)
	for i := range cfg.Schedules {
		cfg.Schedules[i].WorkDir = ExpandPath(cfg.Schedules[i].WorkDir)
	}

	return cfg, cfg.Validate()
}

// LoadWithLocalFallback loads explicit when set, otherwise the nearest
// .agent-pool.toml, otherwise the user config. It returns the path used.
func LoadWithLocalFallback(explicit string) (*Config, string, error) {
	path := explicit
	if path == "" {
		if wd, err := os.Getwd(); err == nil {
			path = FindLocalConfig(wd)
		}
	}
	if path == "" {
		path = DefaultConfigPath()
	}
	cfg, err := Load(path)
	return cfg, path, err
}

// FindLocalConfig walks up from dir looking for .agent-pool.toml
func FindLocalConfig(dir string) string {
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// Validate checks values the scheduler cannot run with
func (c *Config) Validate() error {
	var errs []error
	g := c.General
	if g.MaxWorkers < 1 {
		errs = append(errs, fmt.Errorf("general.max_workers must be at least 1, got %d", g.MaxWorkers))
	}
	if g.DefaultTaskTimeout.Duration <= 0 {
		errs = append(errs, errors.New("general.default_task_timeout must be positive"))
	}
	if g.HealthCheckInterval.Duration <= 0 {
		errs = append(errs, errors.New("general.health_check_interval must be positive"))
	}
	if g.TerminationGracePeriod.Duration <= 0 {
		errs = append(errs, errors.New("general.termination_grace_period must be positive"))
	}
	if g.SpawnParallelism < 0 {
		errs = append(errs, errors.New("general.spawn_parallelism must not be negative"))
	}

	seen := make(map[string]bool)
	for i, a := range c.Agents {
		if a.Kind == "" {
			errs = append(errs, fmt.Errorf("agent_registry[%d]: kind is required", i))
			continue
		}
		if seen[a.Kind] {
			errs = append(errs, fmt.Errorf("agent_registry[%d]: duplicate kind %q", i, a.Kind))
		}
		seen[a.Kind] = true
		switch a.OutputFormat {
		case "", "text", "stream-json":
		default:
			errs = append(errs, fmt.Errorf("agent_registry[%d]: unknown output_format %q", i, a.OutputFormat))
		}
	}

	for i, s := range c.Schedules {
		if s.Cron == "" || s.Description == "" {
			errs = append(errs, fmt.Errorf("schedule[%d] %q: cron and description are required", i, s.Name))
		}
		if _, err := domain.ParsePriority(s.Priority); err != nil {
			errs = append(errs, fmt.Errorf("schedule[%d] %q: %w", i, s.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Save writes the configuration as TOML
func (c *Config) Save(path string) error {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(c); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "agent-pool", "config.toml")
}
