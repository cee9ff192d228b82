// Package config loads the stepmonitor command configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nikiz24/stepmonitor"
)

// Feed kinds.
const (
	FeedFile = "file"
	FeedNATS = "nats"
)

// Config is the on-disk configuration.
type Config struct {
	Database    string               `yaml:"database"`
	Timezone    string               `yaml:"timezone,omitempty"`
	Feed        FeedConfig           `yaml:"feed"`
	Permissions PermissionConfig     `yaml:"permissions"`
	Timeouts    TimeoutConfig        `yaml:"timeouts"`
	Metrics     MetricsConfig        `yaml:"metrics"`
	Messages    stepmonitor.Messages `yaml:"messages,omitempty"`
}

// FeedConfig selects where live update events come from.
type FeedConfig struct {
	Kind    string `yaml:"kind"`
	NATSURL string `yaml:"nats_url,omitempty"`
	Subject string `yaml:"subject,omitempty"`
}

// PermissionConfig locates the permission file and its denial policy.
type PermissionConfig struct {
	Path       string   `yaml:"path"`
	MaxDenials int      `yaml:"max_denials"`
	Opener     []string `yaml:"opener,omitempty"`
}

// TimeoutConfig bounds calls into host primitives. Zero disables the bound.
type TimeoutConfig struct {
	Primitive time.Duration `yaml:"primitive"`
}

// MetricsConfig controls the scrape endpoint and remote write export.
type MetricsConfig struct {
	Namespace      string            `yaml:"namespace"`
	Subsystem      string            `yaml:"subsystem"`
	ServiceName    string            `yaml:"service_name"`
	Listen         string            `yaml:"listen,omitempty"`
	RemoteWriteURL string            `yaml:"remote_write_url,omitempty"`
	Interval       time.Duration     `yaml:"interval"`
	InstanceIP     string            `yaml:"instance_ip,omitempty"`
	Version        string            `yaml:"version,omitempty"`
	Labels         map[string]string `yaml:"labels,omitempty"`
	DNS            DNSConfig         `yaml:"dns"`
}

// DNSConfig controls resolution of the remote write endpoint.
type DNSConfig struct {
	Enabled         bool          `yaml:"enabled"`
	RefreshInterval time.Duration `yaml:"refresh_interval,omitempty"`
	Timeout         time.Duration `yaml:"timeout,omitempty"`
	UDPServers      []string      `yaml:"udp_servers,omitempty"`
}

// Default returns the configuration used when no file exists. Relative
// paths are resolved against dir.
func Default(dir string) *Config {
	def := stepmonitor.DefaultConfig()
	return &Config{
		Database: filepath.Join(dir, "steps.db"),
		Feed:     FeedConfig{Kind: FeedFile, Subject: "steps.recorded"},
		Permissions: PermissionConfig{
			Path:       filepath.Join(dir, "permissions.yaml"),
			MaxDenials: 2,
		},
		Metrics: MetricsConfig{
			Namespace:   def.Namespace,
			Subsystem:   def.Subsystem,
			ServiceName: def.ServiceName,
			Interval:    def.RemoteWriteInterval,
		},
	}
}

// Load reads path after loading .env files into the environment. Existing
// environment variables win over .env entries, and ${VAR} references in the
// YAML are expanded. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	dir := filepath.Dir(path)
	cfg := Default(dir)

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.resolvePaths(dir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEnvFiles() {
	for _, name := range []string{".env", ".env.local"} {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		if err := godotenv.Load(name); err != nil {
			fmt.Fprintf(os.Stderr, "Note: could not load %s: %v\n", name, err)
		}
	}
}

// applyEnv lets STEPMONITOR_* variables override the file.
func (c *Config) applyEnv() error {
	if v := os.Getenv("STEPMONITOR_DATABASE"); v != "" {
		c.Database = v
	}
	if v := os.Getenv("STEPMONITOR_TIMEZONE"); v != "" {
		c.Timezone = v
	}
	if v := os.Getenv("STEPMONITOR_FEED"); v != "" {
		c.Feed.Kind = v
	}
	if v := os.Getenv("STEPMONITOR_NATS_URL"); v != "" {
		c.Feed.NATSURL = v
	}
	if v := os.Getenv("STEPMONITOR_REMOTE_WRITE_URL"); v != "" {
		c.Metrics.RemoteWriteURL = v
	}
	if v := os.Getenv("STEPMONITOR_METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
	}
	if v := os.Getenv("STEPMONITOR_PRIMITIVE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid STEPMONITOR_PRIMITIVE_TIMEOUT: %w", err)
		}
		c.Timeouts.Primitive = d
	}
	if v := os.Getenv("STEPMONITOR_MAX_DENIALS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid STEPMONITOR_MAX_DENIALS: %w", err)
		}
		c.Permissions.MaxDenials = n
	}
	return nil
}

func (c *Config) resolvePaths(dir string) {
	if c.Database != "" && c.Database != ":memory:" && !filepath.IsAbs(c.Database) {
		c.Database = filepath.Join(dir, c.Database)
	}
	if c.Permissions.Path != "" && !filepath.IsAbs(c.Permissions.Path) {
		c.Permissions.Path = filepath.Join(dir, c.Permissions.Path)
	}
}

// Validate checks the loaded values.
func (c *Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("database path is required")
	}
	switch c.Feed.Kind {
	case FeedFile:
		if c.Database == ":memory:" {
			return fmt.Errorf("file feed cannot watch an in-memory database")
		}
	case FeedNATS:
		if c.Feed.NATSURL == "" {
			return fmt.Errorf("feed.nats_url is required for the nats feed")
		}
		if c.Feed.Subject == "" {
			return fmt.Errorf("feed.subject is required for the nats feed")
		}
	default:
		return fmt.Errorf("unknown feed kind %q (want %s or %s)", c.Feed.Kind, FeedFile, FeedNATS)
	}
	if c.Permissions.Path == "" {
		return fmt.Errorf("permissions.path is required")
	}
	if c.Permissions.MaxDenials < 1 {
		return fmt.Errorf("permissions.max_denials must be at least 1, got %d", c.Permissions.MaxDenials)
	}
	if c.Timeouts.Primitive < 0 {
		return fmt.Errorf("timeouts.primitive must not be negative")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location returns the configured zone, or time.Local when unset.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// MonitorConfig converts the file configuration into the library's.
func (c *Config) MonitorConfig() (stepmonitor.Config, error) {
	loc, err := c.Location()
	if err != nil {
		return stepmonitor.Config{}, err
	}

	mc := stepmonitor.DefaultConfig()
	mc.Location = loc
	mc.PrimitiveTimeout = c.Timeouts.Primitive
	mc.Messages = c.Messages
	if c.Metrics.Namespace != "" {
		mc.Namespace = c.Metrics.Namespace
	}
	if c.Metrics.Subsystem != "" {
		mc.Subsystem = c.Metrics.Subsystem
	}
	if c.Metrics.ServiceName != "" {
		mc.ServiceName = c.Metrics.ServiceName
	}
	mc.RemoteWriteURL = c.Metrics.RemoteWriteURL
	if c.Metrics.Interval > 0 {
		mc.RemoteWriteInterval = c.Metrics.Interval
	}
	mc.InstanceIP = c.Metrics.InstanceIP
	mc.Version = c.Metrics.Version
	for k, v := range c.Metrics.Labels {
		mc.CustomLabels[k] = v
	}
	mc.DNSEnable = c.Metrics.DNS.Enabled
	mc.DNSRefreshInterval = c.Metrics.DNS.RefreshInterval
	mc.DNSTimeout = c.Metrics.DNS.Timeout
	mc.DNSUDPServers = c.Metrics.DNS.UDPServers
	return mc, mc.Validate()
}

// Write stores the configuration at path, refusing to overwrite unless
// force is set.
func Write(path string, cfg *Config, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", path)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
