package commands

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nikiz24/stepmonitor"
	"github.com/nikiz24/stepmonitor/internal/permission"
	"github.com/nikiz24/stepmonitor/internal/tui"
)

const shutdownTimeout = 10 * time.Second

// WatchCmd implements the 'watch' command.
type WatchCmd struct {
	Headless bool   `help:"Log state changes instead of drawing the terminal UI"`
	Listen   string `help:"Serve /metrics and /healthz on this address (overrides metrics.listen)"`
}

func (w *WatchCmd) Run(g *Global, root *CLI) error {
	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}

	logger := g.Logger
	var prompter permission.Prompter
	var tuiPrompter *tui.Prompter
	if w.Headless {
		prompter = newLinePrompter(g.In, g.Out)
	} else {
		tuiPrompter = tui.NewPrompter()
		prompter = tuiPrompter
		if root.LogFile == "" {
			// The terminal belongs to the UI.
			logger = zap.NewNop()
		}
	}

	sess, err := openSession(cfg, logger, prompter)
	if err != nil {
		return err
	}
	defer sess.Close()

	svc, err := sess.service(logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		svc.Shutdown(shutdownCtx)
	}()

	listen := cfg.Metrics.Listen
	if w.Listen != "" {
		listen = w.Listen
	}
	if listen != "" {
		srv := metricsServer(listen, svc)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
		logger.Info("Serving metrics", zap.String("addr", listen))
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	updates, unwatch := svc.Monitor.Watch()
	defer unwatch()

	startErr := make(chan error, 1)
	go func() {
		_, err := svc.Start(ctx)
		startErr <- err
	}()

	if w.Headless {
		return followHeadless(ctx, logger, updates, startErr)
	}

	err = tui.Run(ctx, svc.Monitor, updates, tuiPrompter)
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}

func followHeadless(ctx context.Context, logger *zap.Logger, updates <-chan stepmonitor.MonitorState, startErr <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-startErr:
			if err != nil {
				return err
			}
			startErr = nil
		case state, ok := <-updates:
			if !ok {
				return nil
			}
			logger.Info("Step monitor state",
				zap.Stringer("phase", state.Phase),
				zap.Int64("steps_today", state.StepsToday),
				zap.String("error", state.ErrorMessage),
				zap.Bool("can_open_settings", state.CanOpenExternalSettings))
		}
	}
}

func metricsServer(addr string, svc *stepmonitor.Service) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(svc.Registry(), promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(svc.Status())
	})
	return &http.Server{Addr: addr, Handler: mux, ReadTimeout: 30 * time.Second, WriteTimeout: 30 * time.Second, IdleTimeout: 120 * time.Second}
}
