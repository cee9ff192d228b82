package commands

import (
	"context"
	"fmt"

	"github.com/nikiz24/stepmonitor/internal/stepstore"
)

// SensorCmd toggles the capability flag stored next to the samples.
type SensorCmd struct {
	Enable  SensorEnableCmd  `cmd:"" help:"Report the step sensor as present"`
	Disable SensorDisableCmd `cmd:"" help:"Report the step sensor as missing"`
}

type (
	SensorEnableCmd  struct{}
	SensorDisableCmd struct{}
)

func (c *SensorEnableCmd) Run(g *Global, root *CLI) error {
	return setSensor(g, root, true)
}

func (c *SensorDisableCmd) Run(g *Global, root *CLI) error {
	return setSensor(g, root, false)
}

func setSensor(g *Global, root *CLI, present bool) error {
	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}
	store, err := stepstore.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.SetSensorPresent(context.Background(), present); err != nil {
		return err
	}
	state := "missing"
	if present {
		state = "present"
	}
	fmt.Fprintf(g.Out, "step sensor marked %s\n", state)
	return nil
}
