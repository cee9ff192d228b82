// Package feed provides live update feeds for the step monitor: one that
// watches the local sample database and one backed by NATS.
package feed

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/nikiz24/stepmonitor"
)

// DefaultSettle is how long the file must stay quiet before an event is
// delivered.
const DefaultSettle = 50 * time.Millisecond

// FileFeed signals an event whenever the watched file (or its SQLite
// journal) changes. A burst of changes yields one event once the writer
// has gone quiet, so the re-query sees the committed transaction.
type FileFeed struct {
	path   string
	settle time.Duration
	logger *zap.Logger
}

// FileOption configures a FileFeed.
type FileOption func(*FileFeed)

// WithSettle overrides DefaultSettle. Zero delivers every change at once.
func WithSettle(d time.Duration) FileOption {
	return func(f *FileFeed) {
		if d >= 0 {
			f.settle = d
		}
	}
}

// NewFileFeed watches path for writes.
func NewFileFeed(path string, logger *zap.Logger, opts ...FileOption) (*FileFeed, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve feed path: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &FileFeed{path: abs, settle: DefaultSettle, logger: logger.With(zap.String("feed", "file"))}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Subscribe starts a watcher dedicated to this subscription.
func (f *FileFeed) Subscribe(_ context.Context, onEvent func()) (stepmonitor.Subscription, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	// The directory is watched rather than the file so replacements are seen.
	dir := filepath.Dir(f.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	sub := &fileSubscription{
		watcher: watcher,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go sub.loop(filepath.Base(f.path), f.settle, onEvent, f.logger)

	f.logger.Debug("Watching sample database", zap.String("path", f.path))
	return sub, nil
}

type fileSubscription struct {
	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	err     error
}

func (s *fileSubscription) loop(name string, settle time.Duration, onEvent func(), logger *zap.Logger) {
	defer close(s.done)

	// Removal of the rollback journal marks the end of a commit.
	const ops = fsnotify.Write | fsnotify.Create | fsnotify.Remove

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-s.stop:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !matches(event.Name, name) || event.Op&ops == 0 {
				continue
			}
			if settle == 0 {
				onEvent()
				continue
			}
			if timer == nil {
				timer = time.NewTimer(settle)
			} else {
				timer.Reset(settle)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			onEvent()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("File feed watcher error", zap.Error(err))
		}
	}
}

// Remove stops the watcher and waits for the delivery goroutine to exit.
func (s *fileSubscription) Remove() error {
	s.once.Do(func() {
		close(s.stop)
		s.err = s.watcher.Close()
		<-s.done
	})
	return s.err
}

// matches accepts the database file and its -journal/-wal siblings.
func matches(eventPath, name string) bool {
	base := filepath.Base(eventPath)
	return base == name || strings.HasPrefix(base, name+"-")
}
