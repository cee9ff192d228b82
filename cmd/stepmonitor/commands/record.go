package commands

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nikiz24/stepmonitor/internal/config"
	"github.com/nikiz24/stepmonitor/internal/feed"
	"github.com/nikiz24/stepmonitor/internal/stepstore"
)

// RecordCmd implements the 'record' command.
type RecordCmd struct {
	Steps int64     `arg:"" help:"Number of steps to record"`
	At    time.Time `help:"Sample time (RFC 3339, defaults to now)" format:"2006-01-02T15:04:05Z07:00"`
}

func (r *RecordCmd) Run(g *Global, root *CLI) error {
	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}
	at := r.At
	if at.IsZero() {
		at = time.Now()
	}

	store, err := stepstore.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Record(ctx, at, r.Steps); err != nil {
		return err
	}
	g.Logger.Info("Recorded steps", zap.Int64("steps", r.Steps), zap.Time("at", at))

	// The file feed notices the database write itself.
	if cfg.Feed.Kind == config.FeedNATS {
		nf, err := feed.DialNATS(cfg.Feed.NATSURL, cfg.Feed.Subject, g.Logger)
		if err != nil {
			return err
		}
		defer nf.Close()
		if err := nf.Publish(ctx, feed.Sample{RecordedAt: at, Steps: r.Steps}); err != nil {
			return err
		}
	}

	fmt.Fprintf(g.Out, "recorded %d steps at %s\n", r.Steps, at.Format(time.RFC3339))
	return nil
}
