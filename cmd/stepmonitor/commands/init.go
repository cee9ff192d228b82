package commands

import (
	"fmt"
	"path/filepath"

	"github.com/nikiz24/stepmonitor/internal/config"
)

// InitCmd implements the 'init' command.
type InitCmd struct {
	Force bool `help:"Overwrite existing configuration file"`
}

func (i *InitCmd) Run(g *Global, root *CLI) error {
	cfg := config.Default(filepath.Dir(root.Config))
	if err := config.Write(root.Config, cfg, i.Force); err != nil {
		return err
	}
	fmt.Fprintf(g.Out, "wrote configuration to %s\n", root.Config)
	return nil
}
