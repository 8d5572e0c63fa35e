// Package config manages nestsync configuration and the .nestsync directory.
// It handles loading, saving, and initializing the sync agent's workspace.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/kilupskalvis/nestsync/internal/retry"
)

const (
	Dir            = ".nestsync"
	ConfigFile     = "config"
	YAMLConfigFile = "config.yaml"
	BoltFile       = "queue.db"
	SQLiteFile     = "queue.sqlite"
	BackupsDir     = "backups"
)

// Remote store kinds.
const (
	RemoteREST     = "rest"
	RemotePostgres = "postgres"
	RemoteWeaviate = "weaviate"
)

// Queue persistence backends.
const (
	QueueBolt   = "bolt"
	QueueSQLite = "sqlite"
	QueueFile   = "file"
	QueueS3     = "s3"
)

// ErrNotInitialized is returned when no .nestsync directory is found.
var ErrNotInitialized = errors.New("not a nestsync workspace (or any parent up to root)")

// Config represents the nestsync configuration
type Config struct {
	Device   string         `toml:"device,omitempty" yaml:"device,omitempty"`
	Remote   RemoteConfig   `toml:"remote" yaml:"remote"`
	Queue    QueueConfig    `toml:"queue" yaml:"queue"`
	Retry    RetryConfig    `toml:"retry" yaml:"retry"`
	Realtime RealtimeConfig `toml:"realtime" yaml:"realtime"`
	Agent    AgentConfig    `toml:"agent" yaml:"agent"`
	Webhooks []string       `toml:"webhooks,omitempty" yaml:"webhooks,omitempty"`

	path     string // path to .nestsync directory
	fromYAML bool   // loaded from config.yaml
}

// RemoteConfig selects and addresses the remote store.
type RemoteConfig struct {
	Kind   string `toml:"kind" yaml:"kind"`
	URL    string `toml:"url,omitempty" yaml:"url,omitempty"`
	APIKey string `toml:"api_key,omitempty" yaml:"api_key,omitempty"` // prefer NESTSYNC_API_KEY
	DSN    string `toml:"dsn,omitempty" yaml:"dsn,omitempty"`
	// Tables are provisioned on remotes that need a schema per table.
	Tables []string `toml:"tables,omitempty" yaml:"tables,omitempty"`
}

// QueueConfig configures the offline queue and its persistence.
type QueueConfig struct {
	Backend     string   `toml:"backend" yaml:"backend"`
	MaxAttempts int      `toml:"max_attempts" yaml:"max_attempts"`
	MaxSize     int      `toml:"max_size,omitempty" yaml:"max_size,omitempty"`
	S3          S3Config `toml:"s3,omitempty" yaml:"s3,omitempty"`
}

// S3Config addresses the bucket used by the s3 queue backend.
type S3Config struct {
	Region    string `toml:"region,omitempty" yaml:"region,omitempty"`
	Bucket    string `toml:"bucket,omitempty" yaml:"bucket,omitempty"`
	Prefix    string `toml:"prefix,omitempty" yaml:"prefix,omitempty"`
	Endpoint  string `toml:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	PathStyle bool   `toml:"path_style,omitempty" yaml:"path_style,omitempty"`
}

// RetryConfig configures the in-call retry scheduler and, through the same
// formula, the queue's cross-session backoff.
type RetryConfig struct {
	MaxAttempts int     `toml:"max_attempts" yaml:"max_attempts"`
	BaseDelayMs int64   `toml:"base_delay_ms" yaml:"base_delay_ms"`
	Multiplier  float64 `toml:"multiplier" yaml:"multiplier"`
	MaxDelayMs  int64   `toml:"max_delay_ms" yaml:"max_delay_ms"`
	TimeoutMs   int64   `toml:"timeout_ms" yaml:"timeout_ms"`
	Jitter      float64 `toml:"jitter,omitempty" yaml:"jitter,omitempty"`
}

// RealtimeConfig configures the change feed listener.
type RealtimeConfig struct {
	URL    string   `toml:"url,omitempty" yaml:"url,omitempty"`
	Tables []string `toml:"tables,omitempty" yaml:"tables,omitempty"`
}

// AgentConfig configures the daemon.
type AgentConfig struct {
	Listen          string `toml:"listen" yaml:"listen"`
	ProbeURL        string `toml:"probe_url,omitempty" yaml:"probe_url,omitempty"`
	ProbeIntervalMs int64  `toml:"probe_interval_ms" yaml:"probe_interval_ms"`
	DrainIntervalMs int64  `toml:"drain_interval_ms" yaml:"drain_interval_ms"`
}

// Default returns a configuration with every default filled in.
func Default() *Config {
	def := retry.DefaultConfig()
	return &Config{
		Remote: RemoteConfig{Kind: RemoteREST},
		Queue:  QueueConfig{Backend: QueueBolt, MaxAttempts: 3},
		Retry: RetryConfig{
			MaxAttempts: def.MaxAttempts,
			BaseDelayMs: def.BaseDelay.Milliseconds(),
			Multiplier:  def.Multiplier,
			MaxDelayMs:  def.MaxDelay.Milliseconds(),
			TimeoutMs:   def.Timeout.Milliseconds(),
		},
		Agent: AgentConfig{
			Listen:          "127.0.0.1:7420",
			ProbeIntervalMs: 15000,
			DrainIntervalMs: 60000,
		},
	}
}

// fillDefaults sets every zero field to its default.
func (c *Config) fillDefaults() {
	def := Default()
	if c.Remote.Kind == "" {
		c.Remote.Kind = def.Remote.Kind
	}
	if c.Queue.Backend == "" {
		c.Queue.Backend = def.Queue.Backend
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = def.Queue.MaxAttempts
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if c.Retry.BaseDelayMs <= 0 {
		c.Retry.BaseDelayMs = def.Retry.BaseDelayMs
	}
	if c.Retry.Multiplier < 1 {
		c.Retry.Multiplier = def.Retry.Multiplier
	}
	if c.Retry.MaxDelayMs <= 0 {
		c.Retry.MaxDelayMs = def.Retry.MaxDelayMs
	}
	if c.Retry.TimeoutMs <= 0 {
		c.Retry.TimeoutMs = def.Retry.TimeoutMs
	}
	if c.Agent.Listen == "" {
		c.Agent.Listen = def.Agent.Listen
	}
	if c.Agent.ProbeIntervalMs <= 0 {
		c.Agent.ProbeIntervalMs = def.Agent.ProbeIntervalMs
	}
	if c.Agent.DrainIntervalMs <= 0 {
		c.Agent.DrainIntervalMs = def.Agent.DrainIntervalMs
	}
}

// Validate checks the enumerated settings.
func (c *Config) Validate() error {
	switch c.Remote.Kind {
	case RemoteREST, RemoteWeaviate:
		if c.Remote.URL == "" {
			return fmt.Errorf("remote.url is required for %s remotes", c.Remote.Kind)
		}
	case RemotePostgres:
		if c.Remote.DSN == "" {
			return fmt.Errorf("remote.dsn is required for postgres remotes")
		}
	default:
		return fmt.Errorf("unknown remote kind %q", c.Remote.Kind)
	}

	switch c.Queue.Backend {
	case QueueBolt, QueueSQLite, QueueFile:
	case QueueS3:
		if c.Queue.S3.Bucket == "" {
			return fmt.Errorf("queue.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown queue backend %q", c.Queue.Backend)
	}
	return nil
}

// ApplyEnv overrides secrets and endpoints from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("NESTSYNC_API_KEY"); v != "" {
		c.Remote.APIKey = v
	}
	if v := getenv("NESTSYNC_REMOTE_URL"); v != "" {
		c.Remote.URL = v
	}
	if v := getenv("NESTSYNC_DSN"); v != "" {
		c.Remote.DSN = v
	}
}

// SchedulerConfig converts the retry settings for the retry package.
func (c *Config) SchedulerConfig() retry.Config {
	return retry.Config{
		MaxAttempts:    c.Retry.MaxAttempts,
		BaseDelay:      time.Duration(c.Retry.BaseDelayMs) * time.Millisecond,
		Multiplier:     c.Retry.Multiplier,
		MaxDelay:       time.Duration(c.Retry.MaxDelayMs) * time.Millisecond,
		Timeout:        time.Duration(c.Retry.TimeoutMs) * time.Millisecond,
		JitterFraction: c.Retry.Jitter,
	}
}

// ProbeInterval returns the reachability probe interval.
func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.Agent.ProbeIntervalMs) * time.Millisecond
}

// DrainInterval returns the periodic drain interval.
func (c *Config) DrainInterval() time.Duration {
	return time.Duration(c.Agent.DrainIntervalMs) * time.Millisecond
}

// FindRoot finds the .nestsync directory by walking up from the current directory
func FindRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		path := filepath.Join(dir, Dir)
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			return path, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNotInitialized
		}
		dir = parent
	}
}

// Load loads the configuration from the nearest .nestsync directory
func Load() (*Config, error) {
	path, err := FindRoot()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom loads the configuration from a .nestsync directory. A config.yaml
// file is read when no TOML config exists.
func LoadFrom(path string) (*Config, error) {
	cfg := &Config{path: path}

	data, err := os.ReadFile(filepath.Join(path, ConfigFile))
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
		data, yerr := os.ReadFile(filepath.Join(path, YAMLConfigFile))
		if yerr != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config.yaml: %w", err)
		}
		cfg.fromYAML = true
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg.fillDefaults()
	return cfg, nil
}

// Save saves the configuration to disk in the format it was loaded from.
func (c *Config) Save() error {
	var (
		data []byte
		err  error
		name = ConfigFile
	)
	if c.fromYAML {
		name = YAMLConfigFile
		data, err = yaml.Marshal(c)
	} else {
		data, err = toml.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(c.path, name), data, 0600)
}

// Path returns the path to the .nestsync directory
func (c *Config) Path() string {
	return c.path
}

// BoltPath returns the path to the bbolt queue database
func (c *Config) BoltPath() string {
	return filepath.Join(c.path, BoltFile)
}

// SQLitePath returns the path to the SQLite queue database
func (c *Config) SQLitePath() string {
	return filepath.Join(c.path, SQLiteFile)
}

// BackupsPath returns the directory of the file queue backend
func (c *Config) BackupsPath() string {
	return filepath.Join(c.path, BackupsDir)
}

// Initialize creates a .nestsync directory in the current directory
func Initialize(remoteKind, remoteURL string) (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return InitializeAt(cwd, remoteKind, remoteURL)
}

// InitializeAt creates a .nestsync directory under dir with initial configuration
func InitializeAt(dir, remoteKind, remoteURL string) (*Config, error) {
	path := filepath.Join(dir, Dir)

	// Check if already initialized
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("nestsync workspace already exists at %s", path)
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s directory: %w", Dir, err)
	}
	if err := os.MkdirAll(filepath.Join(path, BackupsDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create backups directory: %w", err)
	}

	cfg := Default()
	cfg.path = path
	if remoteKind != "" {
		cfg.Remote.Kind = remoteKind
	}
	if cfg.Remote.Kind == RemotePostgres {
		cfg.Remote.DSN = remoteURL
	} else {
		cfg.Remote.URL = remoteURL
	}

	if err := cfg.Save(); err != nil {
		// Cleanup on failure
		os.RemoveAll(path)
		return nil, err
	}
	return cfg, nil
}
