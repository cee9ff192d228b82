package tui

import (
	"context"
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikiz24/stepmonitor"
)

type fakeController struct {
	state    stepmonitor.MonitorState
	retries  int
	settings int
	retryErr error
}

func (f *fakeController) Snapshot() stepmonitor.MonitorState { return f.state }

func (f *fakeController) Retry(context.Context) (stepmonitor.MonitorState, error) {
	f.retries++
	return f.state, f.retryErr
}

func (f *fakeController) OpenSettings(context.Context) error {
	f.settings++
	return nil
}

func press(t *testing.T, m Model, r rune) (Model, tea.Cmd) {
	t.Helper()
	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
	return updated.(Model), cmd
}

func TestViewLoading(t *testing.T) {
	ctrl := &fakeController{state: stepmonitor.MonitorState{Phase: stepmonitor.PhaseInitializing}}
	m := NewModel(context.Background(), ctrl, nil)

	view := m.View()
	assert.Contains(t, view, "Loading step counter")
	assert.NotContains(t, view, "retry")
}

func TestViewActive(t *testing.T) {
	ctrl := &fakeController{state: stepmonitor.MonitorState{Phase: stepmonitor.PhaseActive, StepsToday: 4321}}
	m := NewModel(context.Background(), ctrl, nil)

	view := m.View()
	assert.Contains(t, view, "4321")
	assert.NotContains(t, view, "[r]")

	_, cmd := press(t, m, 'r')
	assert.Nil(t, cmd)
	assert.Equal(t, 0, ctrl.retries)
}

func TestStateUpdatesReplaceView(t *testing.T) {
	updates := make(chan stepmonitor.MonitorState, 1)
	ctrl := &fakeController{state: stepmonitor.MonitorState{Phase: stepmonitor.PhaseInitializing}}
	m := NewModel(context.Background(), ctrl, updates)

	updates <- stepmonitor.MonitorState{Phase: stepmonitor.PhaseActive, StepsToday: 12}
	msg := listenForState(updates)()
	updated, next := m.Update(msg)
	require.NotNil(t, next)
	assert.Contains(t, updated.(Model).View(), "12")

	close(updates)
	assert.Nil(t, listenForState(updates)())
}

func TestRetryFromSoftDenial(t *testing.T) {
	ctrl := &fakeController{state: stepmonitor.MonitorState{
		Phase:        stepmonitor.PhasePermissionDeniedSoft,
		ErrorMessage: "Permission to access the step counter was not granted.",
	}}
	m := NewModel(context.Background(), ctrl, nil)

	view := m.View()
	assert.Contains(t, view, "not granted")
	assert.Contains(t, view, "[r] retry")
	assert.NotContains(t, view, "[s]")

	m, cmd := press(t, m, 's')
	assert.Nil(t, cmd)

	m, cmd = press(t, m, 'r')
	require.NotNil(t, cmd)
	updated, _ := m.Update(cmd())
	assert.Equal(t, 1, ctrl.retries)
	assert.Empty(t, updated.(Model).notice)
}

func TestRetryErrorIsShown(t *testing.T) {
	ctrl := &fakeController{
		state:    stepmonitor.MonitorState{Phase: stepmonitor.PhaseFailed, ErrorMessage: "boom"},
		retryErr: errors.New("monitor stopped"),
	}
	m := NewModel(context.Background(), ctrl, nil)

	m, cmd := press(t, m, 'r')
	require.NotNil(t, cmd)
	updated, _ := m.Update(cmd())
	assert.Contains(t, updated.(Model).View(), "monitor stopped")
}

func TestSettingsOnlyWhenPermanentlyDenied(t *testing.T) {
	ctrl := &fakeController{state: stepmonitor.MonitorState{
		Phase:                   stepmonitor.PhasePermissionDeniedPermanent,
		ErrorMessage:            "denied\n\nenable it in settings",
		CanOpenExternalSettings: true,
	}}
	m := NewModel(context.Background(), ctrl, nil)
	assert.Contains(t, m.View(), "[s] open settings")

	m, cmd := press(t, m, 's')
	require.NotNil(t, cmd)
	updated, _ := m.Update(cmd())
	assert.Equal(t, 1, ctrl.settings)
	assert.Contains(t, updated.(Model).View(), "Settings opened")
}

func TestQuit(t *testing.T) {
	ctrl := &fakeController{state: stepmonitor.MonitorState{Phase: stepmonitor.PhaseActive}}
	m := NewModel(context.Background(), ctrl, nil)

	_, cmd := press(t, m, 'q')
	require.NotNil(t, cmd)
	_, isQuit := cmd().(tea.QuitMsg)
	assert.True(t, isQuit)
}

func TestPrompterAnswersThroughView(t *testing.T) {
	ctrl := &fakeController{state: stepmonitor.MonitorState{Phase: stepmonitor.PhaseInitializing}}
	prompter := NewPrompter()
	m := NewModel(context.Background(), ctrl, nil).WithPrompter(prompter)

	answered := make(chan bool, 1)
	go func() {
		allowed, err := prompter.Ask(context.Background())
		assert.NoError(t, err)
		answered <- allowed
	}()

	updated, _ := m.Update(listenForPrompt(prompter)())
	m = updated.(Model)
	view := m.View()
	assert.Contains(t, view, "Allow access")
	assert.Contains(t, view, "[y] allow")

	m, cmd := press(t, m, 'r')
	assert.Nil(t, cmd)
	assert.Equal(t, 0, ctrl.retries)

	m, cmd = press(t, m, 'y')
	require.NotNil(t, cmd)
	assert.True(t, <-answered)
	assert.NotContains(t, m.View(), "Allow access")
}

func TestPrompterHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewPrompter().Ask(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
