package stepmonitor

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Config defines the configuration for a monitor and its exporters
type Config struct {
	// Service identification, used as metric name prefix and labels
	Namespace   string
	Subsystem   string
	ServiceName string

	// Location decides where "today" starts. Defaults to time.Local.
	Location *time.Location

	// PrimitiveTimeout bounds each probe, permission and count call.
	// Zero means no timeout.
	PrimitiveTimeout time.Duration

	// Messages overrides the user-facing texts
	Messages Messages

	// Remote write configuration
	RemoteWriteURL      string
	RemoteWriteInterval time.Duration

	// Instance information
	InstanceIP   string
	Version      string
	CustomLabels map[string]string

	// DNS refresh for the remote write host (optional)
	DNSEnable          bool
	DNSRefreshInterval time.Duration
	DNSTimeout         time.Duration
	DNSUDPServers      []string // e.g. ["1.1.1.1:53", "8.8.8.8:53"]

	// Optional logger
	Logger *zap.Logger

	// Optional clock, tests inject a fake one
	Clock clockwork.Clock
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Namespace:           "fitness",
		Subsystem:           "steps",
		ServiceName:         "stepmonitor",
		Location:            time.Local,
		Messages:            DefaultMessages(),
		RemoteWriteInterval: 15 * time.Second,
		CustomLabels:        make(map[string]string),
	}
}

// Validate checks the fields that have no usable zero value.
func (c Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name cannot be empty")
	}
	if c.PrimitiveTimeout < 0 {
		return fmt.Errorf("primitive timeout must not be negative: %s", c.PrimitiveTimeout)
	}
	if c.RemoteWriteInterval < 0 {
		return fmt.Errorf("remote write interval must not be negative: %s", c.RemoteWriteInterval)
	}
	return nil
}

func (c Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func (c Config) clock() clockwork.Clock {
	if c.Clock == nil {
		return clockwork.NewRealClock()
	}
	return c.Clock
}

func (c Config) location() *time.Location {
	if c.Location == nil {
		return time.Local
	}
	return c.Location
}

func pickDuration(v time.Duration, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
