package tui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"
)

// Prompter asks permission questions through the running program instead
// of stdin, which bubbletea owns. It satisfies permission.Prompter.
type Prompter struct {
	requests chan promptRequest
}

type promptRequest struct {
	reply chan bool
}

type promptMsg promptRequest

// NewPrompter returns a prompter to hand to both the permission store and
// Model.WithPrompter.
func NewPrompter() *Prompter {
	return &Prompter{requests: make(chan promptRequest)}
}

// Ask blocks until the user answers in the view or ctx ends.
func (p *Prompter) Ask(ctx context.Context) (bool, error) {
	req := promptRequest{reply: make(chan bool, 1)}
	select {
	case p.requests <- req:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	select {
	case allowed := <-req.reply:
		return allowed, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func listenForPrompt(p *Prompter) tea.Cmd {
	if p == nil {
		return nil
	}
	return func() tea.Msg {
		return promptMsg(<-p.requests)
	}
}
