package main

import (
	"os"

	"github.com/alecthomas/kong"

	"github.com/nikiz24/stepmonitor/cmd/stepmonitor/commands"
)

var version = "dev"

func main() {
	cli := &commands.CLI{}
	parser := kong.Parse(cli,
		kong.Name("stepmonitor"),
		kong.Description("Today's step count from a local pedometer database, with permission handling and live updates."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	logger := cli.Logger()
	defer func() { _ = logger.Sync() }()

	err := parser.Run(&commands.Global{Logger: logger, In: os.Stdin, Out: os.Stdout}, cli)
	parser.FatalIfErrorf(err)
}
