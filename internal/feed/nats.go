package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/nikiz24/stepmonitor"
)

const flushTimeout = 5 * time.Second

// Sample is the notification published when steps are recorded. The
// monitor never reads it; it only triggers a fresh count.
type Sample struct {
	RecordedAt time.Time `json:"recorded_at"`
	Steps      int64     `json:"steps"`
}

// NATSFeed delivers live events from a NATS subject.
type NATSFeed struct {
	conn    *nats.Conn
	subject string
	logger  *zap.Logger
}

// DialNATS connects to url and uses subject for events.
func DialNATS(url, subject string, logger *zap.Logger) (*NATSFeed, error) {
	if subject == "" {
		return nil, fmt.Errorf("nats subject is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := nats.Connect(url, nats.Name("stepmonitor"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.Info("NATS feed connected", zap.String("url", url), zap.String("subject", subject))
	return &NATSFeed{conn: conn, subject: subject, logger: logger.With(zap.String("feed", "nats"))}, nil
}

// Subscribe registers onEvent on the feed subject and waits until the
// server has acknowledged the interest.
func (f *NATSFeed) Subscribe(ctx context.Context, onEvent func()) (stepmonitor.Subscription, error) {
	sub, err := f.conn.Subscribe(f.subject, func(*nats.Msg) { onEvent() })
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", f.subject, err)
	}

	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	if err := f.conn.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}
	return &natsSubscription{sub: sub}, nil
}

// Publish announces a recorded sample.
func (f *NATSFeed) Publish(ctx context.Context, sample Sample) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to marshal sample: %w", err)
	}
	if err := f.conn.Publish(f.subject, data); err != nil {
		return fmt.Errorf("failed to publish sample: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	if err := f.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush publish: %w", err)
	}
	f.logger.Debug("Published step sample", zap.Int64("steps", sample.Steps))
	return nil
}

// Close drops the connection.
func (f *NATSFeed) Close() {
	f.conn.Close()
}

type natsSubscription struct {
	sub  *nats.Subscription
	once sync.Once
	err  error
}

func (s *natsSubscription) Remove() error {
	s.once.Do(func() {
		s.err = s.sub.Unsubscribe()
	})
	return s.err
}
