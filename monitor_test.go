package stepmonitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeSub struct {
	removed atomic.Int32
}

func (s *fakeSub) Remove() error {
	s.removed.Add(1)
	return nil
}

// fakeHost records every primitive call. newFakeHost starts with the sensor
// present, permission granted and counts of zero.
type fakeHost struct {
	mu sync.Mutex

	unavailable bool
	probeErr    error
	probeHook   func(ctx context.Context) (bool, error)

	perm    PermissionResult
	permErr error

	countHook func(call int, w DayWindow) (int64, error)

	subscribeErr  error
	subscribeHook func()

	probeCalls    int
	permCalls     int
	countCalls    int
	settingsCalls atomic.Int32
	windows       []DayWindow
	subs          []*fakeSub
	events        []func()
}

func newFakeHost() *fakeHost {
	return &fakeHost{perm: PermissionResult{Granted: true, CanAskAgain: true}}
}

func (f *fakeHost) host() Host {
	return Host{
		Capability: ProbeFunc(func(ctx context.Context) (bool, error) {
			f.mu.Lock()
			f.probeCalls++
			hook, unavailable, err := f.probeHook, f.unavailable, f.probeErr
			f.mu.Unlock()
			if hook != nil {
				return hook(ctx)
			}
			return !unavailable, err
		}),
		Permissions: PermissionFunc(func(context.Context) (PermissionResult, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.permCalls++
			return f.perm, f.permErr
		}),
		Counts: CountFunc(func(_ context.Context, start, end time.Time) (int64, error) {
			f.mu.Lock()
			f.countCalls++
			call := f.countCalls
			w := DayWindow{Start: start, End: end}
			f.windows = append(f.windows, w)
			hook := f.countHook
			f.mu.Unlock()
			if hook == nil {
				return 0, nil
			}
			return hook(call, w)
		}),
		Feed: FeedFunc(func(_ context.Context, onEvent func()) (Subscription, error) {
			f.mu.Lock()
			if f.subscribeErr != nil {
				err := f.subscribeErr
				f.mu.Unlock()
				return nil, err
			}
			sub := &fakeSub{}
			f.subs = append(f.subs, sub)
			f.events = append(f.events, onEvent)
			hook := f.subscribeHook
			f.mu.Unlock()
			if hook != nil {
				hook()
			}
			return sub, nil
		}),
		Settings: SettingsFunc(func(context.Context) error {
			f.settingsCalls.Add(1)
			return nil
		}),
	}
}

// fire delivers a live event through the most recent subscription.
func (f *fakeHost) fire() {
	f.mu.Lock()
	onEvent := f.events[len(f.events)-1]
	f.mu.Unlock()
	onEvent()
}

func (f *fakeHost) openSubs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	open := 0
	for _, s := range f.subs {
		if s.removed.Load() == 0 {
			open++
		}
	}
	return open
}

func (f *fakeHost) calls() (probe, perm, count int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeCalls, f.permCalls, f.countCalls
}

func countSequence(values ...int64) func(int, DayWindow) (int64, error) {
	return func(call int, _ DayWindow) (int64, error) {
		if call > len(values) {
			return values[len(values)-1], nil
		}
		return values[call-1], nil
	}
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Logger = zaptest.NewLogger(t)
	cfg.Location = time.UTC
	cfg.Clock = clockwork.NewFakeClockAt(time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC))
	return cfg
}

func newTestMonitor(t *testing.T, f *fakeHost, cfg Config) *SensorMonitor {
	t.Helper()
	m, err := New(f.host(), cfg)
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m
}

func TestNewRequiresPrimitives(t *testing.T) {
	_, err := New(Host{}, DefaultConfig())
	require.Error(t, err)

	cfg := DefaultConfig()
	cfg.ServiceName = ""
	_, err = New(newFakeHost().host(), cfg)
	require.Error(t, err)
}

func TestInitialSnapshotIsLoading(t *testing.T) {
	m := newTestMonitor(t, newFakeHost(), testConfig(t))

	state := m.Snapshot()
	assert.Equal(t, PhaseInitializing, state.Phase)
	assert.True(t, state.Loading())
	assert.False(t, state.CanRetry())
}

func TestUnavailableSkipsPermission(t *testing.T) {
	f := newFakeHost()
	f.unavailable = true
	m := newTestMonitor(t, f, testConfig(t))

	state := m.Start(context.Background())

	assert.Equal(t, PhaseUnavailable, state.Phase)
	assert.Equal(t, FailureCapability, state.Failure)
	assert.Equal(t, DefaultMessages().Unavailable, state.ErrorMessage)
	assert.False(t, state.CanOpenExternalSettings)
	assert.True(t, state.CanRetry())

	_, perm, count := f.calls()
	assert.Zero(t, perm)
	assert.Zero(t, count)
	assert.Zero(t, f.openSubs())
}

func TestSoftDenial(t *testing.T) {
	f := newFakeHost()
	f.perm = PermissionResult{Granted: false, CanAskAgain: true}
	m := newTestMonitor(t, f, testConfig(t))

	state := m.Start(context.Background())

	assert.Equal(t, PhasePermissionDeniedSoft, state.Phase)
	assert.Equal(t, FailurePermissionSoft, state.Failure)
	assert.Equal(t, DefaultMessages().PermissionSoft, state.ErrorMessage)
	assert.False(t, state.CanOpenExternalSettings)
	assert.Zero(t, f.openSubs())
	require.ErrorIs(t, m.OpenSettings(context.Background()), ErrSettingsUnavailable)
}

func TestPermanentDenial(t *testing.T) {
	f := newFakeHost()
	f.perm = PermissionResult{Granted: false, CanAskAgain: false}
	m := newTestMonitor(t, f, testConfig(t))

	state := m.Start(context.Background())

	assert.Equal(t, PhasePermissionDeniedPermanent, state.Phase)
	assert.Equal(t, FailurePermissionHard, state.Failure)
	assert.True(t, state.CanOpenExternalSettings)
	assert.Contains(t, state.ErrorMessage, DefaultMessages().PermissionSoft)
	assert.Contains(t, state.ErrorMessage, DefaultMessages().SettingsHint)

	require.NoError(t, m.OpenSettings(context.Background()))
	m.Stop() // waits for the background launch
	assert.Equal(t, int32(1), f.settingsCalls.Load())
}

func TestSettingsFlagFollowsCanAskAgain(t *testing.T) {
	for _, canAskAgain := range []bool{true, false} {
		f := newFakeHost()
		f.perm = PermissionResult{Granted: false, CanAskAgain: canAskAgain}
		m := newTestMonitor(t, f, testConfig(t))

		state := m.Start(context.Background())
		assert.Equal(t, !canAskAgain, state.CanOpenExternalSettings, "canAskAgain=%v", canAskAgain)
		assert.Equal(t, state.Phase == PhasePermissionDeniedPermanent, state.CanOpenExternalSettings)
	}
}

func TestGrantedOpensOneSubscriptionAndRequeriesOnEvents(t *testing.T) {
	f := newFakeHost()
	f.countHook = countSequence(42, 57)
	m := newTestMonitor(t, f, testConfig(t))

	state := m.Start(context.Background())
	require.Equal(t, PhaseActive, state.Phase)
	assert.Equal(t, int64(42), state.StepsToday)
	assert.Empty(t, state.ErrorMessage)
	assert.Equal(t, 1, f.openSubs())

	f.fire()

	state = m.Snapshot()
	assert.Equal(t, PhaseActive, state.Phase)
	assert.Equal(t, int64(57), state.StepsToday)
	assert.Equal(t, 1, f.openSubs())
	assert.Len(t, f.subs, 1)
	assert.Equal(t, int64(1), m.Stats().OpenSubscriptions())
}

func TestRedundantEventsAreIdempotent(t *testing.T) {
	f := newFakeHost()
	f.countHook = countSequence(5, 9)
	m := newTestMonitor(t, f, testConfig(t))
	m.Start(context.Background())

	for i := 0; i < 5; i++ {
		f.fire()
	}
	assert.Equal(t, int64(9), m.Snapshot().StepsToday)
	assert.Equal(t, int64(5), m.Stats().LiveEvents.Load())
}

func TestRetryRerunsFromCapabilityProbe(t *testing.T) {
	f := newFakeHost()
	f.perm = PermissionResult{Granted: false, CanAskAgain: true}
	f.countHook = countSequence(12)
	m := newTestMonitor(t, f, testConfig(t))

	require.Equal(t, PhasePermissionDeniedSoft, m.Start(context.Background()).Phase)

	f.mu.Lock()
	f.perm = PermissionResult{Granted: true, CanAskAgain: true}
	f.mu.Unlock()

	state, err := m.Retry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseActive, state.Phase)
	assert.Equal(t, int64(12), state.StepsToday)
	assert.Empty(t, state.ErrorMessage)

	probe, perm, _ := f.calls()
	assert.Equal(t, 2, probe)
	assert.Equal(t, 2, perm)
	assert.Equal(t, int64(1), m.Stats().Retries.Load())
}

func TestRetryClearsSettingsFlag(t *testing.T) {
	f := newFakeHost()
	f.perm = PermissionResult{Granted: false, CanAskAgain: false}
	m := newTestMonitor(t, f, testConfig(t))
	require.True(t, m.Start(context.Background()).CanOpenExternalSettings)

	f.mu.Lock()
	f.unavailable = true
	f.mu.Unlock()

	state, err := m.Retry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseUnavailable, state.Phase)
	assert.False(t, state.CanOpenExternalSettings)
}

func TestRetryReportsRetryingWhileRunning(t *testing.T) {
	f := newFakeHost()
	f.unavailable = true
	m := newTestMonitor(t, f, testConfig(t))
	m.Start(context.Background())

	seen := make(chan Phase, 1)
	f.mu.Lock()
	f.probeHook = func(context.Context) (bool, error) {
		seen <- m.Snapshot().Phase
		return false, nil
	}
	f.mu.Unlock()

	_, err := m.Retry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseRetrying, <-seen)
}

func TestRetryRejectedOutsideSettledFailure(t *testing.T) {
	f := newFakeHost()
	m := newTestMonitor(t, f, testConfig(t))

	_, err := m.Retry(context.Background())
	require.ErrorIs(t, err, ErrRetryNotAllowed)

	m.Start(context.Background())
	_, err = m.Retry(context.Background())
	require.ErrorIs(t, err, ErrRetryNotAllowed)
	assert.True(t, IsUsageError(err))
	assert.Equal(t, 1, f.openSubs())
}

func TestStartIsIdempotent(t *testing.T) {
	f := newFakeHost()
	m := newTestMonitor(t, f, testConfig(t))

	m.Start(context.Background())
	state := m.Start(context.Background())

	assert.Equal(t, PhaseActive, state.Phase)
	probe, _, _ := f.calls()
	assert.Equal(t, 1, probe)
	assert.Len(t, f.subs, 1)
}

func TestStopIsIdempotentAndReleasesOnce(t *testing.T) {
	f := newFakeHost()
	m := newTestMonitor(t, f, testConfig(t))
	m.Start(context.Background())
	require.Equal(t, 1, f.openSubs())

	m.Stop()
	m.Stop()

	assert.Zero(t, f.openSubs())
	assert.Equal(t, int32(1), f.subs[0].removed.Load())
	assert.Equal(t, PhaseStopped, m.Snapshot().Phase)
	assert.Zero(t, m.Stats().OpenSubscriptions())

	_, err := m.Retry(context.Background())
	require.ErrorIs(t, err, ErrStopped)
	require.ErrorIs(t, m.Refresh(context.Background()), ErrStopped)
	assert.Equal(t, PhaseStopped, m.Start(context.Background()).Phase)
}

func TestEventsAfterStopAreIgnored(t *testing.T) {
	f := newFakeHost()
	f.countHook = countSequence(3, 99)
	m := newTestMonitor(t, f, testConfig(t))
	m.Start(context.Background())
	m.Stop()

	f.fire()

	_, _, count := f.calls()
	assert.Equal(t, 1, count)
	assert.Equal(t, PhaseStopped, m.Snapshot().Phase)
}

func TestPrimitiveFailuresSettleIntoRetryableState(t *testing.T) {
	boom := errors.New("sensor subsystem fault")

	tests := []struct {
		name    string
		setup   func(f *fakeHost)
		failure FailureKind
	}{
		{"probe error", func(f *fakeHost) { f.probeErr = boom }, FailureUnknown},
		{"permission error", func(f *fakeHost) { f.permErr = boom }, FailureUnknown},
		{"initial query error", func(f *fakeHost) {
			f.countHook = func(int, DayWindow) (int64, error) { return 0, boom }
		}, FailureQuery},
		{"negative count", func(f *fakeHost) { f.countHook = countSequence(-4) }, FailureQuery},
		{"subscribe error", func(f *fakeHost) { f.subscribeErr = boom }, FailureUnknown},
		{"probe panic", func(f *fakeHost) {
			f.probeHook = func(context.Context) (bool, error) { panic("driver crashed") }
		}, FailureUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeHost()
			tt.setup(f)
			m := newTestMonitor(t, f, testConfig(t))

			state := m.Start(context.Background())

			assert.Equal(t, PhaseFailed, state.Phase)
			assert.Equal(t, tt.failure, state.Failure)
			assert.Contains(t, state.ErrorMessage, DefaultMessages().InitFailed)
			assert.False(t, state.CanOpenExternalSettings)
			assert.True(t, state.CanRetry())
			assert.Zero(t, f.openSubs())
		})
	}
}

func TestLiveQueryFailureKeepsSubscription(t *testing.T) {
	f := newFakeHost()
	boom := errors.New("query failed")
	f.countHook = func(call int, _ DayWindow) (int64, error) {
		switch call {
		case 1:
			return 10, nil
		case 2:
			return 0, boom
		}
		return 15, nil
	}
	m := newTestMonitor(t, f, testConfig(t))
	m.Start(context.Background())

	f.fire()
	state := m.Snapshot()
	assert.Equal(t, PhaseActive, state.Phase)
	assert.Equal(t, int64(10), state.StepsToday)
	assert.Equal(t, DefaultMessages().UpdateFailed, state.ErrorMessage)
	assert.Equal(t, FailureQuery, state.Failure)
	assert.Equal(t, 1, f.openSubs())

	f.fire()
	state = m.Snapshot()
	assert.Equal(t, int64(15), state.StepsToday)
	assert.Empty(t, state.ErrorMessage)
	assert.Equal(t, FailureNone, state.Failure)
}

func TestStaleQueryDoesNotOverwriteNewerCount(t *testing.T) {
	f := newFakeHost()
	blocked := make(chan struct{})
	unblock := make(chan struct{})
	f.countHook = func(call int, _ DayWindow) (int64, error) {
		switch call {
		case 1:
			return 1, nil
		case 2:
			close(blocked)
			<-unblock
			return 10, nil
		}
		return 20, nil
	}
	m := newTestMonitor(t, f, testConfig(t))
	m.Start(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.fire()
	}()
	<-blocked

	f.fire()
	assert.Equal(t, int64(20), m.Snapshot().StepsToday)

	close(unblock)
	<-done
	assert.Equal(t, int64(20), m.Snapshot().StepsToday)
}

func TestEventBeforeActivationWaitsForActivePhase(t *testing.T) {
	f := newFakeHost()
	f.countHook = countSequence(5, 12)
	var m *SensorMonitor
	var during MonitorState
	f.subscribeHook = func() {
		f.fire()
		during = m.Snapshot()
	}
	m = newTestMonitor(t, f, testConfig(t))

	state := m.Start(context.Background())

	assert.Equal(t, PhaseInitializing, during.Phase)
	assert.Zero(t, during.StepsToday)
	assert.Equal(t, PhaseActive, state.Phase)
	assert.Equal(t, int64(12), state.StepsToday)
}

func TestFailedEventBeforeActivationKeepsInitialCount(t *testing.T) {
	f := newFakeHost()
	f.countHook = func(call int, _ DayWindow) (int64, error) {
		if call == 2 {
			return 0, errors.New("locked")
		}
		return 5, nil
	}
	f.subscribeHook = func() { f.fire() }
	m := newTestMonitor(t, f, testConfig(t))

	state := m.Start(context.Background())

	assert.Equal(t, PhaseActive, state.Phase)
	assert.Equal(t, int64(5), state.StepsToday)
	assert.Empty(t, state.ErrorMessage)
}

func TestStopDuringProbeDiscardsRun(t *testing.T) {
	f := newFakeHost()
	entered := make(chan struct{})
	f.probeHook = func(ctx context.Context) (bool, error) {
		close(entered)
		<-ctx.Done()
		return true, nil
	}
	m := newTestMonitor(t, f, testConfig(t))

	result := make(chan MonitorState, 1)
	go func() { result <- m.Start(context.Background()) }()
	<-entered
	m.Stop()

	state := <-result
	assert.Equal(t, PhaseStopped, state.Phase)
	_, perm, _ := f.calls()
	assert.Zero(t, perm)
	assert.Zero(t, f.openSubs())
}

func TestSubscriptionFromSupersededRunIsReleased(t *testing.T) {
	f := newFakeHost()
	var m *SensorMonitor
	f.subscribeHook = func() { m.Stop() }
	m = newTestMonitor(t, f, testConfig(t))

	state := m.Start(context.Background())

	assert.Equal(t, PhaseStopped, state.Phase)
	require.Len(t, f.subs, 1)
	assert.Equal(t, int32(1), f.subs[0].removed.Load())
	assert.Zero(t, m.Stats().OpenSubscriptions())
}

func TestPrimitiveTimeout(t *testing.T) {
	f := newFakeHost()
	f.probeHook = func(ctx context.Context) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	}
	cfg := testConfig(t)
	cfg.PrimitiveTimeout = 20 * time.Millisecond
	m := newTestMonitor(t, f, cfg)

	state := m.Start(context.Background())

	assert.Equal(t, PhaseFailed, state.Phase)
	assert.Contains(t, state.ErrorMessage, context.DeadlineExceeded.Error())
}

func TestMidnightRollover(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 23, 59, 0, 0, loc))

	samples := []time.Time{
		time.Date(2026, 5, 1, 8, 0, 0, 0, loc),
		time.Date(2026, 5, 1, 23, 58, 0, 0, loc),
		time.Date(2026, 5, 2, 0, 0, 30, 0, loc),
	}
	f := newFakeHost()
	f.countHook = func(_ int, w DayWindow) (int64, error) {
		var n int64
		for _, s := range samples {
			if w.Contains(s) {
				n++
			}
		}
		return n, nil
	}

	cfg := testConfig(t)
	cfg.Location = loc
	cfg.Clock = clock
	m := newTestMonitor(t, f, cfg)

	require.Equal(t, int64(2), m.Start(context.Background()).StepsToday)

	clock.Advance(2 * time.Minute)
	f.fire()
	assert.Equal(t, int64(1), m.Snapshot().StepsToday)

	clock.Advance(24 * time.Hour)
	require.NoError(t, m.Refresh(context.Background()))
	assert.Equal(t, int64(0), m.Snapshot().StepsToday)

	f.mu.Lock()
	windows := append([]DayWindow(nil), f.windows...)
	f.mu.Unlock()
	require.Len(t, windows, 3)
	assert.NotEqual(t, windows[0].Start, windows[1].Start)
	assert.NotEqual(t, windows[1].Start, windows[2].Start)
	assert.Equal(t, time.Date(2026, 5, 2, 0, 0, 0, 0, loc), windows[1].Start)
}

func TestRefreshRequiresActive(t *testing.T) {
	f := newFakeHost()
	f.unavailable = true
	m := newTestMonitor(t, f, testConfig(t))
	m.Start(context.Background())

	require.ErrorIs(t, m.Refresh(context.Background()), ErrNotActive)
}

func TestWatchDeliversLatestState(t *testing.T) {
	f := newFakeHost()
	f.countHook = countSequence(4, 8)
	m := newTestMonitor(t, f, testConfig(t))

	updates, cancel := m.Watch()
	defer cancel()
	assert.Equal(t, PhaseInitializing, (<-updates).Phase)

	m.Start(context.Background())
	state := <-updates
	assert.Equal(t, PhaseActive, state.Phase)
	assert.Equal(t, int64(4), state.StepsToday)

	f.fire()
	assert.Equal(t, int64(8), (<-updates).StepsToday)

	m.Stop()
	assert.Equal(t, PhaseStopped, (<-updates).Phase)
	_, ok := <-updates
	assert.False(t, ok)
}

func TestWatchCancelClosesChannel(t *testing.T) {
	m := newTestMonitor(t, newFakeHost(), testConfig(t))

	updates, cancel := m.Watch()
	<-updates
	cancel()
	cancel()

	_, ok := <-updates
	assert.False(t, ok)
}

func TestCustomMessages(t *testing.T) {
	f := newFakeHost()
	f.unavailable = true
	cfg := testConfig(t)
	cfg.Messages = Messages{Unavailable: "Pedometrul NU este disponibil pe acest dispozitiv."}
	m := newTestMonitor(t, f, cfg)

	state := m.Start(context.Background())
	assert.Equal(t, "Pedometrul NU este disponibil pe acest dispozitiv.", state.ErrorMessage)
}
