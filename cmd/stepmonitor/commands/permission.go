package commands

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/nikiz24/stepmonitor/internal/permission"
)

// PermissionCmd groups the permission subcommands. They stand in for the
// platform's settings screen.
type PermissionCmd struct {
	Show   PermissionShowCmd   `cmd:"" default:"1" help:"Print the stored permission"`
	Grant  PermissionGrantCmd  `cmd:"" help:"Allow access to physical activity"`
	Revoke PermissionRevokeCmd `cmd:"" help:"Deny access but allow the app to ask again"`
	Block  PermissionBlockCmd  `cmd:"" help:"Deny access and stop the app from asking"`
	Reset  PermissionResetCmd  `cmd:"" help:"Forget any decision"`
}

type (
	PermissionShowCmd   struct{}
	PermissionGrantCmd  struct{}
	PermissionRevokeCmd struct{}
	PermissionBlockCmd  struct{}
	PermissionResetCmd  struct{}
)

func permissionStore(root *CLI) (*permission.Store, error) {
	cfg, err := loadConfig(root)
	if err != nil {
		return nil, err
	}
	return permission.NewStore(cfg.Permissions.Path,
		permission.WithMaxDenials(cfg.Permissions.MaxDenials),
		permission.WithLogger(root.Logger())), nil
}

func (c *PermissionShowCmd) Run(g *Global, root *CLI) error {
	store, err := permissionStore(root)
	if err != nil {
		return err
	}
	grant, err := store.Load()
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(grant)
	if err != nil {
		return fmt.Errorf("marshal permission: %w", err)
	}
	_, err = g.Out.Write(out)
	return err
}

func (c *PermissionGrantCmd) Run(g *Global, root *CLI) error {
	return changePermission(g, root, "granted", (*permission.Store).Allow)
}

func (c *PermissionRevokeCmd) Run(g *Global, root *CLI) error {
	return changePermission(g, root, "revoked", (*permission.Store).Revoke)
}

func (c *PermissionBlockCmd) Run(g *Global, root *CLI) error {
	return changePermission(g, root, "blocked", (*permission.Store).Block)
}

func (c *PermissionResetCmd) Run(g *Global, root *CLI) error {
	return changePermission(g, root, "reset", (*permission.Store).Reset)
}

func changePermission(g *Global, root *CLI, verb string, apply func(*permission.Store) error) error {
	store, err := permissionStore(root)
	if err != nil {
		return err
	}
	if err := apply(store); err != nil {
		return err
	}
	fmt.Fprintf(g.Out, "permission %s (%s)\n", verb, store.Path())
	return nil
}
