package commands

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/nikiz24/stepmonitor"
	"github.com/nikiz24/stepmonitor/internal/config"
	"github.com/nikiz24/stepmonitor/internal/feed"
	"github.com/nikiz24/stepmonitor/internal/permission"
	"github.com/nikiz24/stepmonitor/internal/stepstore"
)

// session owns the host adapters behind a monitor.
type session struct {
	cfg   *config.Config
	store *stepstore.Store
	perms *permission.Store
	feed  stepmonitor.LiveFeed
	nats  *feed.NATSFeed
}

func openSession(cfg *config.Config, logger *zap.Logger, prompter permission.Prompter) (*session, error) {
	store, err := stepstore.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	sess := &session{cfg: cfg, store: store}

	opts := []permission.Option{
		permission.WithMaxDenials(cfg.Permissions.MaxDenials),
		permission.WithLogger(logger),
	}
	if prompter != nil {
		opts = append(opts, permission.WithPrompter(prompter))
	}
	if len(cfg.Permissions.Opener) > 0 {
		opts = append(opts, permission.WithOpener(cfg.Permissions.Opener...))
	}
	sess.perms = permission.NewStore(cfg.Permissions.Path, opts...)

	switch cfg.Feed.Kind {
	case config.FeedNATS:
		nf, err := feed.DialNATS(cfg.Feed.NATSURL, cfg.Feed.Subject, logger)
		if err != nil {
			sess.Close()
			return nil, err
		}
		sess.nats = nf
		sess.feed = nf
	case config.FeedFile:
		ff, err := feed.NewFileFeed(store.Path(), logger)
		if err != nil {
			sess.Close()
			return nil, err
		}
		sess.feed = ff
	default:
		sess.Close()
		return nil, fmt.Errorf("unknown feed kind %q", cfg.Feed.Kind)
	}
	return sess, nil
}

func (sess *session) host() stepmonitor.Host {
	return stepmonitor.Host{
		Capability:  sess.store,
		Permissions: sess.perms,
		Counts:      sess.store,
		Feed:        sess.feed,
		Settings:    sess.perms,
	}
}

// service builds a monitor service over the session host.
func (sess *session) service(logger *zap.Logger) (*stepmonitor.Service, error) {
	mc, err := sess.cfg.MonitorConfig()
	if err != nil {
		return nil, err
	}
	mc.Logger = logger
	return stepmonitor.NewService(sess.host(), mc)
}

func (sess *session) Close() {
	if sess.nats != nil {
		sess.nats.Close()
	}
	if sess.store != nil {
		_ = sess.store.Close()
	}
}
