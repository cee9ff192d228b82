package stepmonitor

import (
	"context"
	"time"
)

// CapabilityProbe reports whether the host device exposes the step sensor.
type CapabilityProbe interface {
	Probe(ctx context.Context) (bool, error)
}

// PermissionResult is the outcome of a permission request.
type PermissionResult struct {
	Granted     bool
	CanAskAgain bool
}

// PermissionNegotiator asks the host platform for access to the sensor.
type PermissionNegotiator interface {
	Request(ctx context.Context) (PermissionResult, error)
}

// CountSource answers point-in-time count queries over the half-open
// interval [start, end).
type CountSource interface {
	Count(ctx context.Context, start, end time.Time) (int64, error)
}

// Subscription is a live feed registration. Remove must tolerate being
// called once; the monitor never calls it twice.
type Subscription interface {
	Remove() error
}

// LiveFeed registers onEvent to be called whenever new samples arrive.
// Events carry no payload the monitor trusts.
type LiveFeed interface {
	Subscribe(ctx context.Context, onEvent func()) (Subscription, error)
}

// SettingsLauncher opens the host's settings screen for this application.
type SettingsLauncher interface {
	OpenSettings(ctx context.Context) error
}

// Host bundles the primitives a SensorMonitor composes.
type Host struct {
	Capability  CapabilityProbe
	Permissions PermissionNegotiator
	Counts      CountSource
	Feed        LiveFeed
	Settings    SettingsLauncher
}

// ProbeFunc adapts a function to CapabilityProbe.
type ProbeFunc func(ctx context.Context) (bool, error)

// Probe calls f.
func (f ProbeFunc) Probe(ctx context.Context) (bool, error) { return f(ctx) }

// PermissionFunc adapts a function to PermissionNegotiator.
type PermissionFunc func(ctx context.Context) (PermissionResult, error)

// Request calls f.
func (f PermissionFunc) Request(ctx context.Context) (PermissionResult, error) { return f(ctx) }

// CountFunc adapts a function to CountSource.
type CountFunc func(ctx context.Context, start, end time.Time) (int64, error)

// Count calls f.
func (f CountFunc) Count(ctx context.Context, start, end time.Time) (int64, error) {
	return f(ctx, start, end)
}

// FeedFunc adapts a function to LiveFeed.
type FeedFunc func(ctx context.Context, onEvent func()) (Subscription, error)

// Subscribe calls f.
func (f FeedFunc) Subscribe(ctx context.Context, onEvent func()) (Subscription, error) {
	return f(ctx, onEvent)
}

// SettingsFunc adapts a function to SettingsLauncher.
type SettingsFunc func(ctx context.Context) error

// OpenSettings calls f.
func (f SettingsFunc) OpenSettings(ctx context.Context) error { return f(ctx) }

// RemoveFunc adapts a function to Subscription.
type RemoveFunc func() error

// Remove calls f.
func (f RemoveFunc) Remove() error { return f() }
