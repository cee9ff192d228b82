package stepmonitor

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Collector defines a metrics collector that can provide multiple metrics
type Collector interface {
	Collect() []Metric
	Name() string
}

// Metric represents a single metric data point
type Metric struct {
	Name       string
	Help       string
	Value      float64
	Labels     map[string]string
	MetricType MetricType
	Timestamp  time.Time
}

// MetricType represents the type of a metric
type MetricType int

const (
	Counter MetricType = iota
	Gauge
	Histogram
)

// queryBuckets are upper bounds in seconds for count query latency.
var queryBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// SensorStats holds the monitor's hot-path counters
type SensorStats struct {
	Runs                  atomic.Int64
	Retries               atomic.Int64
	LiveEvents            atomic.Int64
	Queries               atomic.Int64
	QueryFailures         atomic.Int64
	SubscriptionsOpened   atomic.Int64
	SubscriptionsReleased atomic.Int64

	latency *histogram
}

// NewSensorStats creates zeroed stats with the default latency buckets
func NewSensorStats() *SensorStats {
	return &SensorStats{latency: newHistogram(queryBuckets)}
}

// OpenSubscriptions is the number of live subscriptions not yet released.
func (s *SensorStats) OpenSubscriptions() int64 {
	return s.SubscriptionsOpened.Load() - s.SubscriptionsReleased.Load()
}

func (s *SensorStats) observeQuery(d time.Duration, err error) {
	s.Queries.Add(1)
	if err != nil {
		s.QueryFailures.Add(1)
	}
	s.latency.observe(d.Seconds())
}

type histogram struct {
	buckets []float64
	counts  []atomic.Int64 // len(buckets)+1, last is +Inf
	count   atomic.Int64
	mutex   sync.Mutex
	sum     float64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]atomic.Int64, len(buckets)+1),
	}
}

func (h *histogram) observe(value float64) {
	h.mutex.Lock()
	h.sum += value
	h.mutex.Unlock()
	h.count.Add(1)

	i := 0
	for i < len(h.buckets) && value > h.buckets[i] {
		i++
	}
	h.counts[i].Add(1)
}

// snapshot returns cumulative bucket counts keyed by upper bound, the sum
// and the total count.
func (h *histogram) snapshot() (map[float64]uint64, float64, uint64) {
	h.mutex.Lock()
	sum := h.sum
	h.mutex.Unlock()

	cumulative := make(map[float64]uint64, len(h.buckets))
	var running uint64
	for i, upper := range h.buckets {
		running += uint64(h.counts[i].Load())
		cumulative[upper] = running
	}
	return cumulative, sum, uint64(h.count.Load())
}

// MonitorCollector exports a SensorMonitor's state and stats
type MonitorCollector struct {
	name    string
	monitor *SensorMonitor
	logger  *zap.Logger
}

// NewMonitorCollector creates a collector for m
func NewMonitorCollector(m *SensorMonitor, logger *zap.Logger) *MonitorCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MonitorCollector{name: "sensor_monitor", monitor: m, logger: logger}
}

// Name implements Collector interface
func (c *MonitorCollector) Name() string {
	return c.name
}

// Collect implements Collector interface
func (c *MonitorCollector) Collect() []Metric {
	now := time.Now()
	state := c.monitor.Snapshot()
	stats := c.monitor.Stats()

	metrics := make([]Metric, 0, 16+len(AllPhases)+len(queryBuckets))
	gauge := func(name, help string, v float64, labels map[string]string) {
		if labels == nil {
			labels = map[string]string{}
		}
		metrics = append(metrics, Metric{Name: name, Help: help, Value: v, Labels: labels, MetricType: Gauge, Timestamp: now})
	}
	counter := func(name, help string, v int64) {
		metrics = append(metrics, Metric{Name: name, Help: help, Value: float64(v), Labels: map[string]string{}, MetricType: Counter, Timestamp: now})
	}

	if state.Phase == PhaseActive {
		gauge("steps_today", "Steps counted since local midnight.", float64(state.StepsToday), nil)
	}
	for _, p := range AllPhases {
		v := 0.0
		if p == state.Phase {
			v = 1
		}
		gauge("phase", "Current monitor phase (1 for the active one).", v, map[string]string{"phase": p.String()})
	}
	gauge("subscriptions_open", "Live feed subscriptions currently held.", float64(stats.OpenSubscriptions()), nil)

	counter("protocol_runs_total", "Transition protocol runs started.", stats.Runs.Load())
	counter("retries_total", "User-triggered retries.", stats.Retries.Load())
	counter("live_events_total", "Live feed events received.", stats.LiveEvents.Load())
	counter("count_queries_total", "Step count queries issued.", stats.Queries.Load())
	counter("count_query_failures_total", "Step count queries that failed.", stats.QueryFailures.Load())

	buckets, sum, count := stats.latency.snapshot()
	const latency = "count_query_duration_seconds"
	const latencyHelp = "Step count query latency."
	metrics = append(metrics,
		Metric{Name: latency + "_sum", Help: latencyHelp, Value: sum, Labels: map[string]string{}, MetricType: Histogram, Timestamp: now},
		Metric{Name: latency + "_count", Help: latencyHelp, Value: float64(count), Labels: map[string]string{}, MetricType: Histogram, Timestamp: now},
	)
	for _, upper := range queryBuckets {
		metrics = append(metrics, Metric{
			Name:       latency + "_bucket",
			Help:       latencyHelp,
			Value:      float64(buckets[upper]),
			Labels:     map[string]string{"le": formatBucketLabel(upper)},
			MetricType: Histogram,
			Timestamp:  now,
		})
	}
	metrics = append(metrics, Metric{
		Name:       latency + "_bucket",
		Help:       latencyHelp,
		Value:      float64(count),
		Labels:     map[string]string{"le": "+Inf"},
		MetricType: Histogram,
		Timestamp:  now,
	})

	c.logger.Debug("collected sensor metrics", zap.Int("series", len(metrics)))
	return metrics
}

// formatBucketLabel formats bucket label
func formatBucketLabel(value float64) string {
	s := fmt.Sprintf("%.6g", value)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	}
	return s
}

func parseBucketLabel(le string) (float64, error) {
	return strconv.ParseFloat(le, 64)
}
