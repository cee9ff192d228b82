package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nikiz24/stepmonitor/internal/config"
)

// Global carries process-wide dependencies into every command.
type Global struct {
	Logger *zap.Logger
	In     io.Reader
	Out    io.Writer
}

// CLI definition and global flags.
type CLI struct {
	Config  string           `short:"c" help:"Configuration file path" default:"stepmonitor.yaml" type:"path"`
	Verbose bool             `short:"v" help:"Enable verbose logging"`
	LogFile string           `name:"log-file" help:"Write logs to this file instead of stderr" type:"path"`
	Version kong.VersionFlag `name:"version" help:"Show version and exit"`

	Init       InitCmd       `cmd:"" help:"Write a default configuration file"`
	Watch      WatchCmd      `cmd:"" help:"Show today's step count and follow live updates"`
	Status     StatusCmd     `cmd:"" help:"Run the monitor once and print its state as YAML"`
	Record     RecordCmd     `cmd:"" help:"Record a step sample"`
	Permission PermissionCmd `cmd:"" help:"Inspect or change the physical activity permission"`
	Sensor     SensorCmd     `cmd:"" help:"Mark the step sensor as present or missing"`

	logger *zap.Logger `kong:"-"`
}

// AfterApply runs after flag parsing; setup logging once.
func (c *CLI) AfterApply() error {
	logger, err := newLogger(c.Verbose, c.LogFile)
	if err != nil {
		return err
	}
	c.logger = logger
	return nil
}

// Logger returns the logger built from the global flags.
func (c *CLI) Logger() *zap.Logger {
	if c.logger == nil {
		return zap.NewNop()
	}
	return c.logger
}

func newLogger(verbose bool, logFile string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.DisableStacktrace = true
	cfg.Sampling = nil
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	if logFile != "" {
		cfg.OutputPaths = []string{logFile}
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

func loadConfig(root *CLI) (*config.Config, error) {
	cfg, err := config.Load(root.Config)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

// linePrompter asks the permission question on a plain terminal.
type linePrompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newLinePrompter(in io.Reader, out io.Writer) *linePrompter {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	return &linePrompter{in: bufio.NewReader(in), out: out}
}

func (p *linePrompter) Ask(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	fmt.Fprint(p.out, "Allow stepmonitor to access your physical activity? [y/N] ")
	line, err := p.in.ReadString('\n')
	if err != nil && line == "" {
		if err == io.EOF {
			return false, nil
		}
		return false, fmt.Errorf("read answer: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}
