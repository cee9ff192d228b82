package stepmonitor

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Service wires a SensorMonitor together with its midnight rollover job and
// metric exporters. It owns their lifecycles.
type Service struct {
	Monitor *SensorMonitor

	config   Config
	logger   *zap.Logger
	rollover *Rollover
	writer   *RemoteWriter
	registry *prometheus.Registry

	shutdownOnce sync.Once
}

// NewService builds the monitor and its supporting parts. The remote writer
// is only created when config.RemoteWriteURL is set.
func NewService(host Host, config Config) (*Service, error) {
	monitor, err := New(host, config)
	if err != nil {
		return nil, err
	}

	rollover, err := NewRollover(monitor, config)
	if err != nil {
		monitor.Stop()
		return nil, err
	}

	collector := NewMonitorCollector(monitor, config.Logger)
	registry := prometheus.NewRegistry()
	if err := registry.Register(NewPrometheusBridge(config.Namespace, config.Subsystem, collector)); err != nil {
		monitor.Stop()
		_ = rollover.Stop()
		return nil, fmt.Errorf("register prometheus bridge: %w", err)
	}

	svc := &Service{
		Monitor:  monitor,
		config:   config,
		logger:   config.logger(),
		rollover: rollover,
		registry: registry,
	}

	if config.RemoteWriteURL != "" {
		writer, err := NewRemoteWriter(config)
		if err != nil {
			monitor.Stop()
			_ = rollover.Stop()
			return nil, err
		}
		writer.RegisterCollector(collector)
		svc.writer = writer
	}
	return svc, nil
}

// Start launches the background jobs and runs the monitor's protocol.
func (s *Service) Start(ctx context.Context) (MonitorState, error) {
	s.rollover.Start()
	if s.writer != nil {
		if err := s.writer.Start(); err != nil {
			return s.Monitor.Snapshot(), fmt.Errorf("start remote writer: %w", err)
		}
	} else {
		s.logger.Warn("Starting step monitor without remote write URL")
	}

	state := s.Monitor.Start(ctx)
	s.logger.Info("step monitor service started",
		zap.String("namespace", s.config.Namespace),
		zap.String("service", s.config.ServiceName),
		zap.Stringer("phase", state.Phase))
	return state, nil
}

// Registry returns the prometheus registry holding the monitor's metrics.
func (s *Service) Registry() *prometheus.Registry {
	return s.registry
}

// ForceWrite pushes the current metrics immediately.
func (s *Service) ForceWrite(ctx context.Context) error {
	if s.writer == nil {
		return fmt.Errorf("no remote write url configured")
	}
	return s.writer.Write(ctx)
}

// Status summarizes the service for health output.
func (s *Service) Status() map[string]any {
	state := s.Monitor.Snapshot()
	stats := s.Monitor.Stats()
	return map[string]any{
		"phase":              state.Phase.String(),
		"steps_today":        state.StepsToday,
		"error":              state.ErrorMessage,
		"can_open_settings":  state.CanOpenExternalSettings,
		"subscriptions_open": stats.OpenSubscriptions(),
		"remote_write":       s.writer != nil,
	}
}

// Shutdown stops the monitor first so no subscription outlives the service,
// then the jobs. A last metrics batch is pushed on the way out.
func (s *Service) Shutdown(ctx context.Context) {
	s.shutdownOnce.Do(func() {
		s.Monitor.Stop()
		if err := s.rollover.Stop(); err != nil {
			s.logger.Warn("failed to stop rollover scheduler", zap.Error(err))
		}
		if s.writer != nil {
			if err := s.writer.Write(ctx); err != nil {
				s.logger.Warn("final metrics write failed", zap.Error(err))
			}
			s.writer.Stop()
		}
	})
}
