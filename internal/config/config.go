// Package config loads and hot-reloads the orchestrator kernel's configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

// LogLevel specifies the logging verbosity.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat specifies the log output format.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

// StorageDriver selects the Storage backend implementation.
type StorageDriver string

const (
	StorageDriverFilesystem StorageDriver = "filesystem"
	StorageDriverSQL        StorageDriver = "sql"
)

// BackoffStrategy is the default step backoff strategy when a
// StepDefinition does not specify one.
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffConstant    BackoffStrategy = "constant"
)

// PathsConfig holds filesystem path configuration.
type PathsConfig struct {
	WorkflowDefinitionDir string `toml:"workflow_definition_dir"`
	AgentCapabilityDir    string `toml:"agent_capability_dir"`
	StateDir              string `toml:"state_dir"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	Driver StorageDriver `toml:"driver"`
	DSN    string        `toml:"dsn"` // relational driver only; ignored for filesystem
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  LogLevel  `toml:"level"`
	Format LogFormat `toml:"format"`
	File   string    `toml:"file"`
}

// EngineConfig holds WorkflowEngine defaults.
type EngineConfig struct {
	DefaultWorkflowType    string          `toml:"default_workflow_type"`
	DefaultBackoffStrategy BackoffStrategy `toml:"default_backoff_strategy"`
	DefaultBackoffBase     time.Duration   `toml:"default_backoff_base"`
	MaxBackoff             time.Duration   `toml:"max_backoff"`
}

// MonitorConfig holds ProcessOrchestrator/AgentMonitor settings.
type MonitorConfig struct {
	PollInterval      time.Duration `toml:"poll_interval"`
	KillGracePeriod   time.Duration `toml:"kill_grace_period"`
	KillPollInterval  time.Duration `toml:"kill_poll_interval"`
	SoftFuseWindow    time.Duration `toml:"soft_fuse_window"`
	SoftFuseThreshold int           `toml:"soft_fuse_threshold"`
	HardFuseWindow    time.Duration `toml:"hard_fuse_window"`
	HardFuseThreshold int           `toml:"hard_fuse_threshold"`
}

// HandoffConfig holds HandoffProtocol settings.
type HandoffConfig struct {
	// Secret is the HMAC signing key. Resolution order: this field (if
	// set via config file) takes precedence over the NEXUS_HANDOFF_SECRET
	// environment variable.
	Secret string `toml:"secret"`
}

// Config is the main configuration struct for the orchestration kernel.
type Config struct {
	Version string        `toml:"version"`
	Paths   PathsConfig   `toml:"paths"`
	Storage StorageConfig `toml:"storage"`
	Logging LoggingConfig `toml:"logging"`
	Engine  EngineConfig  `toml:"engine"`
	Monitor MonitorConfig `toml:"monitor"`
	Handoff HandoffConfig `toml:"handoff"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Version: "1",
		Paths: PathsConfig{
			WorkflowDefinitionDir: ".nexus/workflows",
			AgentCapabilityDir:    ".nexus/agents",
			StateDir:              ".nexus/state",
		},
		Storage: StorageConfig{
			Driver: StorageDriverFilesystem,
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
			File:   ".nexus/state/nexus.log",
		},
		Engine: EngineConfig{
			DefaultWorkflowType:    "full",
			DefaultBackoffStrategy: BackoffExponential,
			DefaultBackoffBase:     time.Second,
			MaxBackoff:             60 * time.Second,
		},
		Monitor: MonitorConfig{
			PollInterval:      5 * time.Second,
			KillGracePeriod:   5 * time.Second,
			KillPollInterval:  250 * time.Millisecond,
			SoftFuseWindow:    10 * time.Minute,
			SoftFuseThreshold: 3,
			HardFuseWindow:    time.Hour,
			HardFuseThreshold: 2,
		},
	}
}

// Load loads configuration from a single file, merging with defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// LoadFromDir loads configuration from the standard locations in a directory.
// Applies in order: defaults -> ~/.nexus/config.toml -> <dir>/.nexus/config.toml
// Later configs override earlier ones (project-level takes precedence).
func LoadFromDir(dir string) (*Config, error) {
	cfg := Default()

	home, err := os.UserHomeDir()
	if err == nil {
		globalConfig := filepath.Join(home, ".nexus", "config.toml")
		if data, err := os.ReadFile(globalConfig); err == nil {
			if _, err := toml.Decode(string(data), cfg); err != nil {
				return nil, fmt.Errorf("parsing global config: %w", err)
			}
		}
	}

	projectConfig := filepath.Join(dir, ".nexus", "config.toml")
	if data, err := os.ReadFile(projectConfig); err == nil {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing project config: %w", err)
		}
	}

	return cfg, nil
}

// Validate checks that the configuration is well-formed.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("config version is required")
	}
	if c.Paths.WorkflowDefinitionDir == "" {
		return fmt.Errorf("workflow_definition_dir is required")
	}
	if c.Storage.Driver != StorageDriverFilesystem && c.Storage.Driver != StorageDriverSQL {
		return fmt.Errorf("unknown storage driver: %s", c.Storage.Driver)
	}
	if c.Storage.Driver == StorageDriverSQL && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for the sql driver")
	}
	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("monitor.poll_interval must be positive")
	}
	if c.Monitor.SoftFuseThreshold <= 0 {
		return fmt.Errorf("monitor.soft_fuse_threshold must be positive")
	}
	return nil
}

// WorkflowDefinitionDir returns the absolute workflow definition directory.
func (c *Config) WorkflowDefinitionDir(baseDir string) string {
	if filepath.IsAbs(c.Paths.WorkflowDefinitionDir) {
		return c.Paths.WorkflowDefinitionDir
	}
	return filepath.Join(baseDir, c.Paths.WorkflowDefinitionDir)
}

// AgentCapabilityDir returns the absolute agent capability catalog
// directory.
func (c *Config) AgentCapabilityDir(baseDir string) string {
	if filepath.IsAbs(c.Paths.AgentCapabilityDir) {
		return c.Paths.AgentCapabilityDir
	}
	return filepath.Join(baseDir, c.Paths.AgentCapabilityDir)
}

// StateDir returns the absolute state directory path.
func (c *Config) StateDir(baseDir string) string {
	if filepath.IsAbs(c.Paths.StateDir) {
		return c.Paths.StateDir
	}
	return filepath.Join(baseDir, c.Paths.StateDir)
}

// LogFile returns the absolute log file path.
func (c *Config) LogFile(baseDir string) string {
	if c.Logging.File == "" {
		return ""
	}
	if filepath.IsAbs(c.Logging.File) {
		return c.Logging.File
	}
	return filepath.Join(baseDir, c.Logging.File)
}

// HandoffSecret resolves the HMAC signing secret:
// the config file value takes precedence over NEXUS_HANDOFF_SECRET.
func (c *Config) HandoffSecret() string {
	if c.Handoff.Secret != "" {
		return c.Handoff.Secret
	}
	return os.Getenv("NEXUS_HANDOFF_SECRET")
}

// Watcher hot-reloads a project config file, swapping an atomic pointer
// so in-flight reads never observe a half-applied config.
type Watcher struct {
	current *atomic.Pointer[Config]
	watcher *fsnotify.Watcher
	onError func(error)
}

// NewWatcher starts watching path for writes and reloads the Config on
// each one. The initial Config must already be loaded by the caller.
func NewWatcher(path string, initial *Config, onError func(error)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating config watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching config dir: %w", err)
	}

	ptr := &atomic.Pointer[Config]{}
	ptr.Store(initial)

	w := &Watcher{current: ptr, watcher: fw, onError: onError}
	go w.loop(path)
	return w, nil
}

func (w *Watcher) loop(path string) {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				if w.onError != nil {
					w.onError(err)
				}
				continue
			}
			if err := cfg.Validate(); err != nil {
				if w.onError != nil {
					w.onError(err)
				}
				continue
			}
			w.current.Store(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.onError != nil {
				w.onError(err)
			}
		}
	}
}

// Current returns the most recently loaded Config.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
