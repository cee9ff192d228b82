package stepmonitor

import (
	"errors"
	"time"
)

// Phase is the state of the monitor's transition protocol.
type Phase int

const (
	PhaseInitializing Phase = iota
	PhaseRetrying
	PhaseUnavailable
	PhasePermissionDeniedSoft
	PhasePermissionDeniedPermanent
	PhaseFailed
	PhaseActive
	PhaseStopped
)

var phaseNames = [...]string{
	PhaseInitializing:              "initializing",
	PhaseRetrying:                  "retrying",
	PhaseUnavailable:               "unavailable",
	PhasePermissionDeniedSoft:      "permission_denied_soft",
	PhasePermissionDeniedPermanent: "permission_denied_permanent",
	PhaseFailed:                    "failed",
	PhaseActive:                    "active",
	PhaseStopped:                   "stopped",
}

// AllPhases lists every phase in declaration order.
var AllPhases = []Phase{
	PhaseInitializing,
	PhaseRetrying,
	PhaseUnavailable,
	PhasePermissionDeniedSoft,
	PhasePermissionDeniedPermanent,
	PhaseFailed,
	PhaseActive,
	PhaseStopped,
}

// String returns the snake_case phase name.
func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

// MarshalText renders the phase by name in JSON and YAML snapshots.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// FailureKind classifies why the monitor is not active.
type FailureKind int

const (
	FailureNone FailureKind = iota
	// FailureCapability: the device lacks the sensor.
	FailureCapability
	// FailurePermissionSoft: permission refused, the user can be asked again.
	FailurePermissionSoft
	// FailurePermissionHard: permission refused, only system settings can grant it.
	FailurePermissionHard
	// FailureQuery: a count query failed.
	FailureQuery
	// FailureUnknown: any other primitive failure.
	FailureUnknown
)

// String returns the failure kind name.
func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureCapability:
		return "capability"
	case FailurePermissionSoft:
		return "permission_soft"
	case FailurePermissionHard:
		return "permission_hard"
	case FailureQuery:
		return "query"
	case FailureUnknown:
		return "unknown"
	}
	return "invalid"
}

// Errors returned for calls that are not valid in the current phase. Sensor
// failures are never returned as errors; they show up in MonitorState.
var (
	ErrStopped             = errors.New("sensor monitor stopped")
	ErrRetryNotAllowed     = errors.New("retry not allowed in current phase")
	ErrNotActive           = errors.New("sensor monitor not active")
	ErrSettingsUnavailable = errors.New("external settings only available after permanent denial")
)

// MonitorState is the read model handed to presentation layers.
type MonitorState struct {
	Phase                   Phase       `json:"phase" yaml:"phase"`
	StepsToday              int64       `json:"steps_today" yaml:"steps_today"`
	ErrorMessage            string      `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	CanOpenExternalSettings bool        `json:"can_open_external_settings" yaml:"can_open_external_settings"`
	Failure                 FailureKind `json:"-" yaml:"-"`
	UpdatedAt               time.Time   `json:"updated_at" yaml:"updated_at"`
}

// Loading reports whether a protocol run is in progress.
func (s MonitorState) Loading() bool {
	return s.Phase == PhaseInitializing || s.Phase == PhaseRetrying
}

// CanRetry reports whether Retry would be accepted.
func (s MonitorState) CanRetry() bool {
	switch s.Phase {
	case PhaseUnavailable, PhasePermissionDeniedSoft, PhasePermissionDeniedPermanent, PhaseFailed:
		return true
	}
	return false
}

// Messages holds the user-facing texts. Empty fields fall back to defaults.
type Messages struct {
	Unavailable    string `yaml:"unavailable"`
	PermissionSoft string `yaml:"permission_soft"`
	SettingsHint   string `yaml:"settings_hint"`
	InitFailed     string `yaml:"init_failed"`
	UpdateFailed   string `yaml:"update_failed"`
}

// DefaultMessages returns the built-in English texts.
func DefaultMessages() Messages {
	return Messages{
		Unavailable:    "The step counter is not available on this device.",
		PermissionSoft: "Permission to access the step counter was not granted.",
		SettingsHint:   "Please enable the Physical Activity permission for this app in the system settings.",
		InitFailed:     "An error occurred while initializing the step counter",
		UpdateFailed:   "Could not update the step count.",
	}
}

func (m Messages) withDefaults() Messages {
	d := DefaultMessages()
	if m.Unavailable == "" {
		m.Unavailable = d.Unavailable
	}
	if m.PermissionSoft == "" {
		m.PermissionSoft = d.PermissionSoft
	}
	if m.SettingsHint == "" {
		m.SettingsHint = d.SettingsHint
	}
	if m.InitFailed == "" {
		m.InitFailed = d.InitFailed
	}
	if m.UpdateFailed == "" {
		m.UpdateFailed = d.UpdateFailed
	}
	return m
}

func (m Messages) permanent() string {
	return m.PermissionSoft + "\n\n" + m.SettingsHint
}

func (m Messages) initFailed(err error) string {
	return m.InitFailed + ": " + err.Error()
}

// settled builds the terminal state of a protocol run.
func settled(phase Phase, failure FailureKind, message string, now time.Time) MonitorState {
	return MonitorState{
		Phase:                   phase,
		ErrorMessage:            message,
		CanOpenExternalSettings: phase == PhasePermissionDeniedPermanent,
		Failure:                 failure,
		UpdatedAt:               now,
	}
}
