// Package permission persists the physical-activity permission in a YAML
// file that plays the role of the platform's permission database and of
// its settings screen.
package permission

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/nikiz24/stepmonitor"
)

// Status is the stored decision.
type Status string

const (
	StatusUndetermined Status = "undetermined"
	StatusGranted      Status = "granted"
	StatusDenied       Status = "denied"
)

// DefaultMaxDenials matches the common platform policy of silently
// refusing after the second denial.
const DefaultMaxDenials = 2

// Grant is the stored state of the permission.
type Grant struct {
	Status      Status    `yaml:"status"`
	CanAskAgain bool      `yaml:"can_ask_again"`
	Denials     int       `yaml:"denials"`
	UpdatedAt   time.Time `yaml:"updated_at,omitempty"`
}

type document struct {
	PhysicalActivity Grant `yaml:"physical_activity"`
}

// Prompter asks the user to allow access.
type Prompter interface {
	Ask(ctx context.Context) (bool, error)
}

// PromptFunc adapts a function to Prompter.
type PromptFunc func(ctx context.Context) (bool, error)

// Ask calls f.
func (f PromptFunc) Ask(ctx context.Context) (bool, error) { return f(ctx) }

// Store implements the monitor's PermissionNegotiator and SettingsLauncher.
type Store struct {
	path       string
	prompter   Prompter
	maxDenials int
	opener     []string
	logger     *zap.Logger
	mu         sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithPrompter sets how undecided requests reach the user. Without one,
// undecided requests are refused without counting as a denial.
func WithPrompter(p Prompter) Option { return func(s *Store) { s.prompter = p } }

// WithMaxDenials sets after how many denials further prompts are blocked.
func WithMaxDenials(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxDenials = n
		}
	}
}

// WithOpener sets the command used to open the permission file. The file
// path is appended as the last argument.
func WithOpener(command ...string) Option {
	return func(s *Store) {
		if len(command) > 0 {
			s.opener = command
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore returns a store backed by the file at path.
func NewStore(path string, opts ...Option) *Store {
	s := &Store{
		path:       path,
		maxDenials: DefaultMaxDenials,
		opener:     defaultOpener(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func defaultOpener() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"open"}
	case "windows":
		return []string{"cmd", "/c", "start", ""}
	default:
		return []string{"xdg-open"}
	}
}

// Path returns the permission file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the stored grant. A missing file means undetermined.
func (s *Store) Load() (Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (Grant, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Grant{Status: StatusUndetermined, CanAskAgain: true}, nil
	}
	if err != nil {
		return Grant{}, fmt.Errorf("read permission file: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Grant{}, fmt.Errorf("parse permission file %s: %w", s.path, err)
	}
	g := doc.PhysicalActivity
	switch g.Status {
	case StatusGranted, StatusDenied, StatusUndetermined:
	case "":
		g.Status = StatusUndetermined
		g.CanAskAgain = true
	default:
		return Grant{}, fmt.Errorf("unknown permission status %q in %s", g.Status, s.path)
	}
	return g, nil
}

func (s *Store) save(g Grant) error {
	g.UpdatedAt = time.Now().UTC()
	data, err := yaml.Marshal(document{PhysicalActivity: g})
	if err != nil {
		return fmt.Errorf("marshal permission file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create permission directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write permission file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace permission file: %w", err)
	}
	return nil
}

// Request implements stepmonitor.PermissionNegotiator.
func (s *Store) Request(ctx context.Context) (stepmonitor.PermissionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := s.load()
	if err != nil {
		return stepmonitor.PermissionResult{}, err
	}
	if g.Status == StatusGranted {
		return stepmonitor.PermissionResult{Granted: true, CanAskAgain: true}, nil
	}
	if !g.CanAskAgain {
		return stepmonitor.PermissionResult{Granted: false, CanAskAgain: false}, nil
	}
	if s.prompter == nil {
		s.logger.Debug("No prompter configured, refusing undecided permission request")
		return stepmonitor.PermissionResult{Granted: false, CanAskAgain: true}, nil
	}

	allowed, err := s.prompter.Ask(ctx)
	if err != nil {
		return stepmonitor.PermissionResult{}, fmt.Errorf("ask for permission: %w", err)
	}
	if allowed {
		g = Grant{Status: StatusGranted, CanAskAgain: true}
	} else {
		g.Status = StatusDenied
		g.Denials++
		g.CanAskAgain = g.Denials < s.maxDenials
	}
	if err := s.save(g); err != nil {
		return stepmonitor.PermissionResult{}, err
	}

	s.logger.Info("Permission decision recorded",
		zap.String("status", string(g.Status)),
		zap.Int("denials", g.Denials),
		zap.Bool("can_ask_again", g.CanAskAgain))
	return stepmonitor.PermissionResult{Granted: allowed, CanAskAgain: g.CanAskAgain}, nil
}

// Set overwrites the stored grant, as a settings screen would.
func (s *Store) Set(g Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(g)
}

// Allow grants the permission.
func (s *Store) Allow() error {
	return s.Set(Grant{Status: StatusGranted, CanAskAgain: true})
}

// Revoke withdraws the permission but lets the app ask again.
func (s *Store) Revoke() error {
	return s.Set(Grant{Status: StatusDenied, CanAskAgain: true})
}

// Block denies the permission and forbids further prompts.
func (s *Store) Block() error {
	return s.Set(Grant{Status: StatusDenied, CanAskAgain: false, Denials: s.maxDenials})
}

// Reset forgets any decision.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove permission file: %w", err)
	}
	return nil
}

// OpenSettings implements stepmonitor.SettingsLauncher by opening the
// permission file with the configured opener. It does not wait for the
// opener to exit.
func (s *Store) OpenSettings(_ context.Context) error {
	s.mu.Lock()
	_, statErr := os.Stat(s.path)
	s.mu.Unlock()
	if errors.Is(statErr, os.ErrNotExist) {
		if err := s.Set(Grant{Status: StatusUndetermined, CanAskAgain: true}); err != nil {
			return err
		}
	}

	args := append(append([]string(nil), s.opener[1:]...), s.path)
	cmd := exec.Command(s.opener[0], args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch %s: %w", s.opener[0], err)
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			s.logger.Warn("Settings opener exited with error", zap.Error(err))
		}
	}()
	s.logger.Info("Opened permission settings", zap.String("path", s.path))
	return nil
}
