package stepmonitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// SensorMonitor runs the capability, permission and subscription protocol
// for a step sensor and keeps today's count current.
//
// All state lives behind one mutex that is never held across a call into
// the host. Every protocol run and every Stop bumps the generation; results
// that come back for an older generation are dropped, and a subscription
// opened by a superseded run is released on the spot.
type SensorMonitor struct {
	host     Host
	messages Messages
	timeout  time.Duration
	location *time.Location
	clock    clockwork.Clock
	logger   *zap.Logger
	stats    *SensorStats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	state      MonitorState
	started    bool
	stopped    bool
	generation uint64
	sub        Subscription
	ticket     uint64 // last issued count ticket
	applied    uint64 // newest ticket whose outcome reached state
	latest     int64  // count carried by the applied ticket
	watchers   map[int]chan MonitorState
	nextWatch  int
}

// New creates a monitor over the given host primitives. Settings may be nil
// when the host cannot open a settings screen.
func New(host Host, config Config) (*SensorMonitor, error) {
	if host.Capability == nil || host.Permissions == nil || host.Counts == nil || host.Feed == nil {
		return nil, fmt.Errorf("host must provide capability, permission, count and feed primitives")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	clock := config.clock()
	m := &SensorMonitor{
		host:     host,
		messages: config.Messages.withDefaults(),
		timeout:  config.PrimitiveTimeout,
		location: config.location(),
		clock:    clock,
		logger:   config.logger().With(zap.String("component", "sensor_monitor")),
		stats:    NewSensorStats(),
		ctx:      ctx,
		cancel:   cancel,
		state:    MonitorState{Phase: PhaseInitializing, UpdatedAt: clock.Now()},
		watchers: make(map[int]chan MonitorState),
	}
	return m, nil
}

// Stats exposes the monitor's counters for collectors.
func (m *SensorMonitor) Stats() *SensorStats {
	return m.stats
}

// Start runs the protocol once and returns the settled state. Later calls,
// including calls made while the first run is still in flight, return the
// current snapshot without starting another run.
func (m *SensorMonitor) Start(ctx context.Context) MonitorState {
	m.mu.Lock()
	if m.started || m.stopped {
		state := m.state
		m.mu.Unlock()
		return state
	}
	m.started = true
	gen, old := m.beginRunLocked(PhaseInitializing)
	m.mu.Unlock()

	m.release(old)
	m.run(ctx, gen)
	return m.Snapshot()
}

// Retry re-runs the whole protocol from the capability probe. It is only
// accepted from a settled, non-active phase.
func (m *SensorMonitor) Retry(ctx context.Context) (MonitorState, error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return m.Snapshot(), ErrStopped
	}
	if !m.state.CanRetry() {
		phase := m.state.Phase
		m.mu.Unlock()
		return m.Snapshot(), fmt.Errorf("%w: %s", ErrRetryNotAllowed, phase)
	}
	gen, old := m.beginRunLocked(PhaseRetrying)
	m.mu.Unlock()

	m.stats.Retries.Add(1)
	m.release(old)
	m.run(ctx, gen)
	return m.Snapshot(), nil
}

// Stop releases the live subscription, abandons any in-flight run and
// closes all watchers. It is safe to call more than once.
func (m *SensorMonitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.generation++
	sub := m.sub
	m.sub = nil
	m.state = MonitorState{Phase: PhaseStopped, UpdatedAt: m.clock.Now()}
	m.notifyLocked()
	for id, ch := range m.watchers {
		close(ch)
		delete(m.watchers, id)
	}
	m.mu.Unlock()

	m.cancel()
	m.release(sub)
	m.wg.Wait()
	m.logger.Debug("sensor monitor stopped")
}

// Snapshot returns the current state by value.
func (m *SensorMonitor) Snapshot() MonitorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Refresh queries today's count directly. Only valid while active.
func (m *SensorMonitor) Refresh(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	if m.state.Phase != PhaseActive {
		m.mu.Unlock()
		return ErrNotActive
	}
	gen := m.generation
	m.mu.Unlock()

	ctx, cancel := m.scoped(ctx)
	defer cancel()
	return m.refresh(ctx, gen)
}

// OpenSettings asks the host to show its settings screen. Only valid after a
// permanent permission denial. The launch happens in the background.
func (m *SensorMonitor) OpenSettings(ctx context.Context) error {
	if m.host.Settings == nil {
		return fmt.Errorf("no settings launcher configured")
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	if !m.state.CanOpenExternalSettings {
		m.mu.Unlock()
		return ErrSettingsUnavailable
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		err := guardErr(func() error { return m.host.Settings.OpenSettings(m.ctx) })
		if err != nil {
			m.logger.Warn("failed to open external settings", zap.Error(err))
		}
	}()
	return nil
}

// Watch returns a channel that always holds the latest state. Intermediate
// states may be skipped by slow readers. The channel is closed by the
// returned cancel func or by Stop.
func (m *SensorMonitor) Watch() (<-chan MonitorState, func()) {
	ch := make(chan MonitorState, 1)

	m.mu.Lock()
	defer m.mu.Unlock()
	ch <- m.state
	if m.stopped {
		close(ch)
		return ch, func() {}
	}
	id := m.nextWatch
	m.nextWatch++
	m.watchers[id] = ch

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.watchers[id]; ok {
			delete(m.watchers, id)
			close(c)
		}
	}
}

// beginRunLocked starts a new generation in the given loading phase and hands
// back any subscription the caller must release once the lock is dropped.
func (m *SensorMonitor) beginRunLocked(phase Phase) (uint64, Subscription) {
	m.generation++
	old := m.sub
	m.sub = nil
	m.state = MonitorState{Phase: phase, UpdatedAt: m.clock.Now()}
	m.notifyLocked()
	return m.generation, old
}

func (m *SensorMonitor) run(ctx context.Context, gen uint64) {
	ctx, cancel := m.scoped(ctx)
	defer cancel()

	m.stats.Runs.Add(1)
	started := m.clock.Now()
	log := m.logger.With(zap.String("run_id", uuid.NewString()), zap.Uint64("generation", gen))
	log.Debug("starting sensor protocol")

	available, err := m.probe(ctx)
	if !m.current(gen) {
		log.Debug("discarding superseded capability result")
		return
	}
	if err != nil {
		log.Warn("capability probe failed", zap.Error(err))
		m.settle(gen, PhaseFailed, FailureUnknown, m.messages.initFailed(err))
		return
	}
	if !available {
		log.Info("step sensor not available on this device")
		m.settle(gen, PhaseUnavailable, FailureCapability, m.messages.Unavailable)
		return
	}

	perm, err := m.requestPermission(ctx)
	if !m.current(gen) {
		log.Debug("discarding superseded permission result")
		return
	}
	if err != nil {
		log.Warn("permission request failed", zap.Error(err))
		m.settle(gen, PhaseFailed, FailureUnknown, m.messages.initFailed(err))
		return
	}
	if !perm.Granted {
		if perm.CanAskAgain {
			log.Info("sensor permission denied")
			m.settle(gen, PhasePermissionDeniedSoft, FailurePermissionSoft, m.messages.PermissionSoft)
		} else {
			log.Info("sensor permission permanently denied")
			m.settle(gen, PhasePermissionDeniedPermanent, FailurePermissionHard, m.messages.permanent())
		}
		return
	}

	ticket := m.nextTicket()
	steps, err := m.count(ctx)
	if !m.current(gen) {
		log.Debug("discarding superseded step count")
		return
	}
	if err != nil {
		log.Warn("initial step count failed", zap.Error(err))
		m.settle(gen, PhaseFailed, FailureQuery, m.messages.initFailed(err))
		return
	}

	sub, err := m.subscribe(ctx, gen)
	if err != nil {
		if m.current(gen) {
			log.Warn("live feed subscription failed", zap.Error(err))
			m.settle(gen, PhaseFailed, FailureUnknown, m.messages.initFailed(err))
		}
		return
	}
	if !m.activate(gen, sub, ticket, steps) {
		log.Debug("run superseded after subscribing, releasing subscription")
		m.release(sub)
		return
	}

	log.Info("step monitor active",
		zap.Int64("steps_today", steps),
		zap.Duration("took", m.clock.Since(started)))
}

// scoped derives a context that is also cancelled by Stop.
func (m *SensorMonitor) scoped(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(m.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (m *SensorMonitor) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout > 0 {
		return context.WithTimeout(ctx, m.timeout)
	}
	return context.WithCancel(ctx)
}

func (m *SensorMonitor) probe(ctx context.Context) (bool, error) {
	ctx, cancel := m.bounded(ctx)
	defer cancel()
	return guard(func() (bool, error) { return m.host.Capability.Probe(ctx) })
}

func (m *SensorMonitor) requestPermission(ctx context.Context) (PermissionResult, error) {
	ctx, cancel := m.bounded(ctx)
	defer cancel()
	return guard(func() (PermissionResult, error) { return m.host.Permissions.Request(ctx) })
}

// count queries a window computed from the clock at call time, so a session
// that crosses midnight starts counting from the new day on its next query.
func (m *SensorMonitor) count(ctx context.Context) (int64, error) {
	ctx, cancel := m.bounded(ctx)
	defer cancel()

	window := DayWindowAt(m.clock.Now(), m.location)
	started := m.clock.Now()
	steps, err := guard(func() (int64, error) {
		return m.host.Counts.Count(ctx, window.Start, window.End)
	})
	m.stats.observeQuery(m.clock.Since(started), err)
	if err != nil {
		return 0, err
	}
	if steps < 0 {
		m.stats.QueryFailures.Add(1)
		return 0, fmt.Errorf("count source returned negative step count %d", steps)
	}
	return steps, nil
}

func (m *SensorMonitor) subscribe(ctx context.Context, gen uint64) (Subscription, error) {
	sub, err := guard(func() (Subscription, error) {
		return m.host.Feed.Subscribe(ctx, m.onLiveEvent(gen))
	})
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, fmt.Errorf("live feed returned no subscription")
	}
	m.stats.SubscriptionsOpened.Add(1)
	return sub, nil
}

// onLiveEvent ignores the event itself and re-queries the current window.
func (m *SensorMonitor) onLiveEvent(gen uint64) func() {
	return func() {
		m.stats.LiveEvents.Add(1)
		if !m.current(gen) {
			return
		}
		ctx, cancel := m.scoped(context.Background())
		defer cancel()
		if err := m.refresh(ctx, gen); err != nil {
			m.logger.Debug("live update query failed", zap.Error(err))
		}
	}
}

// refresh applies a fresh count unless a newer query already reported.
func (m *SensorMonitor) refresh(ctx context.Context, gen uint64) error {
	ticket := m.nextTicket()
	steps, err := m.count(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation || m.stopped || ticket <= m.applied {
		return err
	}
	if m.state.Phase != PhaseActive {
		// Not activated yet: activate publishes the newer count.
		if err != nil {
			return fmt.Errorf("refresh step count: %w", err)
		}
		m.applied = ticket
		m.latest = steps
		return nil
	}
	m.applied = ticket
	if err != nil {
		m.state.ErrorMessage = m.messages.UpdateFailed
		m.state.Failure = FailureQuery
		m.state.UpdatedAt = m.clock.Now()
		m.notifyLocked()
		return fmt.Errorf("refresh step count: %w", err)
	}
	m.latest = steps
	m.state.StepsToday = steps
	m.state.ErrorMessage = ""
	m.state.Failure = FailureNone
	m.state.UpdatedAt = m.clock.Now()
	m.notifyLocked()
	return nil
}

func (m *SensorMonitor) nextTicket() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticket++
	return m.ticket
}

func (m *SensorMonitor) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.generation && !m.stopped
}

func (m *SensorMonitor) settle(gen uint64, phase Phase, failure FailureKind, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation || m.stopped {
		return
	}
	m.state = settled(phase, failure, message, m.clock.Now())
	m.notifyLocked()
}

// activate installs sub as the single live subscription. It reports false
// when the run was superseded, in which case the caller owns sub.
func (m *SensorMonitor) activate(gen uint64, sub Subscription, ticket uint64, steps int64) bool {
	m.mu.Lock()
	if gen != m.generation || m.stopped {
		m.mu.Unlock()
		return false
	}
	old := m.sub
	m.sub = sub

	if ticket > m.applied {
		m.applied = ticket
		m.latest = steps
	}
	state := settled(PhaseActive, FailureNone, "", m.clock.Now())
	state.StepsToday = m.latest
	m.state = state
	m.notifyLocked()
	m.mu.Unlock()

	m.release(old)
	return true
}

// release removes a subscription outside the lock; feeds may wait for their
// delivery goroutine, which can itself be blocked on the lock.
func (m *SensorMonitor) release(sub Subscription) {
	if sub == nil {
		return
	}
	m.stats.SubscriptionsReleased.Add(1)
	if err := guardErr(sub.Remove); err != nil {
		m.logger.Warn("failed to release live subscription", zap.Error(err))
	}
}

func (m *SensorMonitor) notifyLocked() {
	for _, ch := range m.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- m.state
	}
}

// guard turns a panicking host primitive into an error.
func guard[T any](call func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("host primitive panicked: %v", r)
		}
	}()
	return call()
}

func guardErr(call func() error) error {
	_, err := guard(func() (struct{}, error) { return struct{}{}, call() })
	return err
}

// IsUsageError reports whether err came from calling an operation in the
// wrong phase rather than from the sensor.
func IsUsageError(err error) bool {
	return errors.Is(err, ErrStopped) ||
		errors.Is(err, ErrRetryNotAllowed) ||
		errors.Is(err, ErrNotActive) ||
		errors.Is(err, ErrSettingsUnavailable)
}
