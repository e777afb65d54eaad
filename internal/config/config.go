package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"XEWatch/internal/pool"
	"XEWatch/internal/template"
	"XEWatch/internal/tsql"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultMaxEvents    = 1000
)

// Environment overrides applied after the YAML file is decoded.
const (
	EnvPollInterval = "XEWATCH_POLL_INTERVAL"
	EnvMaxEvents    = "XEWATCH_MAX_EVENTS"
	EnvHTTPPort     = "XEWATCH_HTTP_PORT"
	EnvDBPath       = "XEWATCH_DB_PATH"
	EnvLogLevel     = "XEWATCH_LOG_LEVEL"
)

// Config holds application configuration
type Config struct {
	Server      ServerConfig       `yaml:"server"`
	Monitor     MonitorConfig      `yaml:"monitor"`
	Target      TargetConfig       `yaml:"target"`
	Storage     StorageConfig      `yaml:"storage"`
	Logging     LoggingConfig      `yaml:"logging"`
	Connections []ConnectionConfig `yaml:"connections"`
	Templates   []TemplateConfig   `yaml:"templates"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// MonitorConfig is the configuration surface consumed by the polling core.
type MonitorConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	MaxEvents      int           `yaml:"max_events"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	PingTimeout    time.Duration `yaml:"ping_timeout"`
}

// TargetConfig describes the ring buffer target attached to created sessions.
type TargetConfig struct {
	MaxMemoryKB        int           `yaml:"max_memory_kb"`
	EventRetentionMode string        `yaml:"event_retention_mode"`
	MaxDispatchLatency time.Duration `yaml:"max_dispatch_latency"`
	TrackCausality     bool          `yaml:"track_causality"`
}

type StorageConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Dir    string `yaml:"dir"`
	Level  string `yaml:"level"`
	Stdout bool   `yaml:"stdout"`
}

// ConnectionConfig is a named connection profile. The password is never
// stored in the file; PasswordEnv names the environment variable holding it.
type ConnectionConfig struct {
	Name                   string `yaml:"name"`
	Server                 string `yaml:"server"`
	Port                   int    `yaml:"port"`
	Database               string `yaml:"database"`
	AuthMode               string `yaml:"auth_mode"`
	User                   string `yaml:"user"`
	PasswordEnv            string `yaml:"password_env"`
	Encrypt                *bool  `yaml:"encrypt"`
	TrustServerCertificate bool   `yaml:"trust_server_certificate"`
	IsManagedCloud         bool   `yaml:"is_managed_cloud"`
	AppName                string `yaml:"app_name"`
}

type TemplateConfig struct {
	Name        string `yaml:"name"`
	Definition  string `yaml:"definition"`
	DisplayMode string `yaml:"display_mode"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8085,
		},
		Monitor: MonitorConfig{
			PollInterval:   DefaultPollInterval,
			MaxEvents:      DefaultMaxEvents,
			CommandTimeout: 30 * time.Second,
			PingTimeout:    5 * time.Second,
		},
		Target: TargetConfig{
			MaxMemoryKB:        4096,
			EventRetentionMode: "ALLOW_SINGLE_EVENT_LOSS",
			MaxDispatchLatency: 3 * time.Second,
			TrackCausality:     true,
		},
		Storage: StorageConfig{
			Enabled: true,
			Path:    "xewatch.db",
		},
		Logging: LoggingConfig{
			Dir:   "logs",
			Level: "info",
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to Default when the file
// does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = Default()
		if err := cfg.applyEnv(); err != nil {
			return nil, err
		}
		return cfg, cfg.Validate()
	}
	return cfg, err
}

func (c *Config) Validate() error {
	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("monitor.poll_interval must be positive, got %s", c.Monitor.PollInterval)
	}
	if c.Monitor.MaxEvents <= 0 {
		return fmt.Errorf("monitor.max_events must be positive, got %d", c.Monitor.MaxEvents)
	}
	if c.Monitor.CommandTimeout <= 0 {
		return fmt.Errorf("monitor.command_timeout must be positive, got %s", c.Monitor.CommandTimeout)
	}
	seen := make(map[string]bool, len(c.Connections))
	for _, cc := range c.Connections {
		if cc.Name == "" {
			return errors.New("connections: every profile needs a name")
		}
		if seen[cc.Name] {
			return fmt.Errorf("connections: duplicate profile %q", cc.Name)
		}
		seen[cc.Name] = true
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvPollInterval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPollInterval, err)
		}
		c.Monitor.PollInterval = d
	}
	if v := os.Getenv(EnvMaxEvents); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxEvents, err)
		}
		c.Monitor.MaxEvents = n
	}
	if v := os.Getenv(EnvHTTPPort); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvHTTPPort, err)
		}
		c.Server.Port = n
	}
	if v := os.Getenv(EnvDBPath); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	return nil
}

// Connection looks up a connection profile by name.
func (c *Config) Connection(name string) (pool.Descriptor, bool) {
	for _, cc := range c.Connections {
		if cc.Name == name {
			return cc.Descriptor(), true
		}
	}
	return pool.Descriptor{}, false
}

// Descriptor converts the profile into a pool descriptor, resolving the
// password from the environment.
func (cc ConnectionConfig) Descriptor() pool.Descriptor {
	d := pool.Descriptor{
		Name:                   cc.Name,
		Server:                 cc.Server,
		Port:                   cc.Port,
		Database:               cc.Database,
		AuthMode:               pool.AuthMode(cc.AuthMode),
		User:                   cc.User,
		Encrypt:                true,
		TrustServerCertificate: cc.TrustServerCertificate,
		IsManagedCloud:         cc.IsManagedCloud,
		AppName:                cc.AppName,
	}
	if cc.Encrypt != nil {
		d.Encrypt = *cc.Encrypt
	}
	if cc.PasswordEnv != "" {
		d.Password = os.Getenv(cc.PasswordEnv)
	}
	return d.WithDefaults()
}

// TargetOptions converts the target section into ring buffer options.
func (t TargetConfig) TargetOptions() tsql.TargetOptions {
	return tsql.TargetOptions{
		MaxMemoryKB:        t.MaxMemoryKB,
		EventRetentionMode: t.EventRetentionMode,
		MaxDispatchLatency: t.MaxDispatchLatency,
		TrackCausality:     t.TrackCausality,
	}
}

// TemplateStore returns the built-in templates extended (or overridden) by
// the ones declared in the file.
func (c *Config) TemplateStore() *template.Store {
	store := template.NewStore()
	for _, tc := range c.Templates {
		store.Put(template.Template{
			Name:        tc.Name,
			Definition:  tc.Definition,
			DisplayMode: tc.DisplayMode,
		})
	}
	return store
}
