package stepmonitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// Refresher is the part of SensorMonitor the rollover job drives.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Rollover re-queries the step count right after local midnight, so the
// displayed count drops to the new day even when no live events arrive.
type Rollover struct {
	scheduler gocron.Scheduler
	target    Refresher
	logger    *zap.Logger
	timeout   time.Duration
}

// NewRollover creates a daily midnight job for target using config's
// location and clock.
func NewRollover(target Refresher, config Config) (*Rollover, error) {
	s, err := gocron.NewScheduler(
		gocron.WithLocation(config.location()),
		gocron.WithClock(config.clock()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	r := &Rollover{
		scheduler: s,
		target:    target,
		logger:    config.logger().With(zap.String("component", "rollover")),
		timeout:   pickDuration(config.PrimitiveTimeout, 30*time.Second),
	}

	_, err = s.NewJob(
		gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(0, 0, 0))),
		gocron.NewTask(r.fire),
		gocron.WithName("midnight-rollover"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("failed to create rollover job: %w", err)
	}
	return r, nil
}

// Start begins the scheduler.
func (r *Rollover) Start() {
	r.logger.Debug("Starting midnight rollover scheduler")
	r.scheduler.Start()
}

// Stop shuts the scheduler down.
func (r *Rollover) Stop() error {
	return r.scheduler.Shutdown()
}

func (r *Rollover) fire() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	err := r.target.Refresh(ctx)
	switch {
	case err == nil:
		r.logger.Info("Rolled step count over to new day")
	case errors.Is(err, ErrNotActive), errors.Is(err, ErrStopped):
		r.logger.Debug("Skipping rollover, monitor not active", zap.Error(err))
	default:
		r.logger.Warn("Rollover refresh failed", zap.Error(err))
	}
}
