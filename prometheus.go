package stepmonitor

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusBridge exposes Collectors on a prometheus registry so the same
// metrics can be scraped as well as pushed.
type PrometheusBridge struct {
	namespace  string
	subsystem  string
	collectors []Collector
}

// NewPrometheusBridge wraps collectors under <namespace>_<subsystem>_.
func NewPrometheusBridge(namespace, subsystem string, collectors ...Collector) *PrometheusBridge {
	return &PrometheusBridge{
		namespace:  namespace,
		subsystem:  subsystem,
		collectors: collectors,
	}
}

// Describe implements prometheus.Collector. The bridge is unchecked: its
// series depend on the monitor's state.
func (b *PrometheusBridge) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector.
func (b *PrometheusBridge) Collect(ch chan<- prometheus.Metric) {
	histograms := make(map[string]*histogramParts)
	var order []string

	for _, collector := range b.collectors {
		for _, m := range collector.Collect() {
			switch m.MetricType {
			case Histogram:
				base, part := splitHistogramName(m.Name)
				h, ok := histograms[base]
				if !ok {
					h = &histogramParts{help: m.Help, buckets: make(map[float64]uint64)}
					histograms[base] = h
					order = append(order, base)
				}
				h.add(part, m)
			case Counter:
				ch <- b.constMetric(m, prometheus.CounterValue)
			default:
				ch <- b.constMetric(m, prometheus.GaugeValue)
			}
		}
	}

	for _, base := range order {
		h := histograms[base]
		desc := prometheus.NewDesc(b.name(base), helpOrName(h.help, base), nil, nil)
		ch <- prometheus.MustNewConstHistogram(desc, h.count, h.sum, h.buckets)
	}
}

func (b *PrometheusBridge) constMetric(m Metric, kind prometheus.ValueType) prometheus.Metric {
	desc := prometheus.NewDesc(b.name(m.Name), helpOrName(m.Help, m.Name), nil, prometheus.Labels(m.Labels))
	return prometheus.MustNewConstMetric(desc, kind, m.Value)
}

func (b *PrometheusBridge) name(metric string) string {
	return prometheus.BuildFQName(b.namespace, b.subsystem, metric)
}

type histogramParts struct {
	help    string
	sum     float64
	count   uint64
	buckets map[float64]uint64
}

func (h *histogramParts) add(part string, m Metric) {
	switch part {
	case "sum":
		h.sum = m.Value
	case "count":
		h.count = uint64(m.Value)
	case "bucket":
		le := m.Labels["le"]
		if le == "+Inf" {
			return
		}
		if upper, err := parseBucketLabel(le); err == nil {
			h.buckets[upper] = uint64(m.Value)
		}
	}
}

func splitHistogramName(name string) (string, string) {
	for _, suffix := range []string{"_bucket", "_sum", "_count"} {
		if strings.HasSuffix(name, suffix) {
			return strings.TrimSuffix(name, suffix), suffix[1:]
		}
	}
	return name, ""
}

func helpOrName(help, name string) string {
	if help == "" {
		return name
	}
	return help
}
