package commands

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/nikiz24/stepmonitor"
	"github.com/nikiz24/stepmonitor/internal/permission"
)

// StatusCmd implements the 'status' command.
type StatusCmd struct {
	Ask  bool `help:"Prompt for the permission if it is undecided"`
	Push bool `help:"Push one metrics batch to the remote write endpoint"`
}

type statusReport struct {
	State      stepmonitor.MonitorState `yaml:"state"`
	Permission permission.Grant         `yaml:"permission"`
	Database   string                   `yaml:"database"`
	Feed       string                   `yaml:"feed"`
}

func (s *StatusCmd) Run(g *Global, root *CLI) error {
	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}

	var prompter permission.Prompter
	if s.Ask {
		prompter = newLinePrompter(g.In, g.Out)
	}
	sess, err := openSession(cfg, g.Logger, prompter)
	if err != nil {
		return err
	}
	defer sess.Close()

	svc, err := sess.service(g.Logger)
	if err != nil {
		return err
	}
	ctx := context.Background()
	defer svc.Shutdown(ctx)

	state, err := svc.Start(ctx)
	if err != nil {
		return err
	}
	if s.Push {
		if err := svc.ForceWrite(ctx); err != nil {
			return fmt.Errorf("push metrics: %w", err)
		}
	}

	grant, err := sess.perms.Load()
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(statusReport{
		State:      state,
		Permission: grant,
		Database:   cfg.Database,
		Feed:       cfg.Feed.Kind,
	})
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	_, err = g.Out.Write(out)
	return err
}
