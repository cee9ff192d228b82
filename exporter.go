package stepmonitor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/eryajf/promwrite"
	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// RemoteWriter periodically pushes collected metrics to a Prometheus remote
// write endpoint. When DNS refresh is enabled it re-resolves the endpoint host
// and rebuilds the client whenever the address set changes.
type RemoteWriter struct {
	config     Config
	logger     *zap.Logger
	collectors []Collector
	client     *promwrite.Client
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	mutex      sync.RWMutex

	targetHost  string
	resolvedIPs []string
	lastResolve time.Time
}

// NewRemoteWriter creates a writer for config.RemoteWriteURL
func NewRemoteWriter(config Config) (*RemoteWriter, error) {
	if config.RemoteWriteURL == "" {
		return nil, fmt.Errorf("remote write url cannot be empty")
	}
	u, err := url.Parse(config.RemoteWriteURL)
	if err != nil {
		return nil, fmt.Errorf("invalid remote write url: %w", err)
	}
	if config.InstanceIP == "" {
		ip, err := GetOutboundIPv4()
		if err != nil {
			return nil, fmt.Errorf("failed to get outbound IPv4: %w", err)
		}
		config.InstanceIP = ip
	}
	config.DNSRefreshInterval = pickDuration(config.DNSRefreshInterval, 5*time.Minute)
	config.DNSTimeout = pickDuration(config.DNSTimeout, 800*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	return &RemoteWriter{
		config:     config,
		logger:     config.logger().With(zap.String("component", "remote_writer")),
		client:     promwrite.NewClient(config.RemoteWriteURL),
		ctx:        ctx,
		cancel:     cancel,
		targetHost: u.Hostname(),
	}, nil
}

// RegisterCollector adds a collector to every future write
func (w *RemoteWriter) RegisterCollector(collector Collector) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.collectors = append(w.collectors, collector)
	w.logger.Debug("Registered metrics collector", zap.String("collector", collector.Name()))
}

// Start launches the write loop and, if enabled, the DNS refresh loop
func (w *RemoteWriter) Start() error {
	interval := pickDuration(w.config.RemoteWriteInterval, 15*time.Second)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := w.Write(w.ctx); err != nil {
					w.logger.Error("Failed to write metrics", zap.Error(err))
				}
			case <-w.ctx.Done():
				return
			}
		}
	}()

	if w.config.DNSEnable && w.targetHost != "" && net.ParseIP(w.targetHost) == nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			ticker := time.NewTicker(w.config.DNSRefreshInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					w.refreshDNS(false)
				case <-w.ctx.Done():
					return
				}
			}
		}()
	}
	return nil
}

// Stop ends the background loops and waits for them
func (w *RemoteWriter) Stop() {
	w.cancel()
	w.wg.Wait()
}

// Gather returns the current metrics of all registered collectors
func (w *RemoteWriter) Gather() []Metric {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	var metrics []Metric
	for _, collector := range w.collectors {
		metrics = append(metrics, collector.Collect()...)
	}
	return metrics
}

// Write sends one batch immediately
func (w *RemoteWriter) Write(ctx context.Context) error {
	metrics := w.Gather()
	if len(metrics) == 0 {
		return nil
	}
	req := &promwrite.WriteRequest{TimeSeries: w.toTimeSeries(metrics)}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if _, err := w.currentClient().Write(ctx, req); err != nil {
		if w.refreshDNS(true) {
			if _, retryErr := w.currentClient().Write(ctx, req); retryErr != nil {
				return fmt.Errorf("writing time series failed after dns refresh: %w", retryErr)
			}
			return nil
		}
		return fmt.Errorf("writing time series failed: %w", err)
	}
	return nil
}

func (w *RemoteWriter) currentClient() *promwrite.Client {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.client
}

// refreshDNS resolves the target host and recreates the client if the
// address set changed. Unforced refreshes are throttled to once a minute.
func (w *RemoteWriter) refreshDNS(force bool) bool {
	if w.targetHost == "" || net.ParseIP(w.targetHost) != nil {
		return false
	}

	w.mutex.Lock()
	if !force && time.Since(w.lastResolve) < time.Minute {
		w.mutex.Unlock()
		return false
	}
	w.lastResolve = time.Now()
	w.mutex.Unlock()

	ips, err := w.resolve(w.targetHost)
	if err != nil || len(ips) == 0 {
		w.logger.Warn("DNS lookup failed", zap.String("host", w.targetHost), zap.Error(err))
		return false
	}
	sort.Strings(ips)

	w.mutex.Lock()
	defer w.mutex.Unlock()
	if slices.Equal(ips, w.resolvedIPs) && !force {
		return false
	}
	w.resolvedIPs = ips
	w.client = promwrite.NewClient(w.config.RemoteWriteURL)
	w.logger.Info("Refreshed remote write client after DNS update",
		zap.String("host", w.targetHost), zap.Strings("ips", ips))
	return true
}

// resolve asks the configured UDP servers and the system resolver in
// parallel and returns the first non-empty answer.
func (w *RemoteWriter) resolve(host string) ([]string, error) {
	ctx, cancel := context.WithTimeout(w.ctx, w.config.DNSTimeout)
	defer cancel()

	type result struct {
		ips []string
		err error
	}
	servers := w.config.DNSUDPServers
	if !w.config.DNSEnable {
		servers = nil
	}
	ch := make(chan result, len(servers)+1)

	for _, server := range servers {
		go func() {
			ips, err := resolveUDP(ctx, host, server, w.config.DNSTimeout)
			ch <- result{ips, err}
		}()
	}
	go func() {
		addrs, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
		ips := make([]string, 0, len(addrs))
		for _, ip := range addrs {
			ips = append(ips, ip.String())
		}
		ch <- result{ips, err}
	}()

	var firstErr error
	for i := 0; i < len(servers)+1; i++ {
		select {
		case r := <-ch:
			if r.err == nil && len(r.ips) > 0 {
				return r.ips, nil
			}
			if firstErr == nil {
				firstErr = r.err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if firstErr == nil {
		firstErr = fmt.Errorf("no dns result for %s", host)
	}
	return nil, firstErr
}

func resolveUDP(ctx context.Context, host, server string, timeout time.Duration) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	c := &dns.Client{Net: "udp", Timeout: timeout}
	r, _, err := c.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, fmt.Errorf("udp dns query to %s: %w", server, err)
	}
	if r == nil || r.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("udp dns query to %s: bad response", server)
	}
	ips := make([]string, 0, len(r.Answer))
	for _, ans := range r.Answer {
		if a, ok := ans.(*dns.A); ok {
			ips = append(ips, a.A.String())
		}
	}
	return ips, nil
}

// toTimeSeries converts metrics to remote write series named
// <namespace>_<subsystem>_<metric>.
func (w *RemoteWriter) toTimeSeries(metrics []Metric) []promwrite.TimeSeries {
	prefix := fmt.Sprintf("%s_%s", w.config.Namespace, w.config.Subsystem)
	result := make([]promwrite.TimeSeries, 0, len(metrics))

	for _, metric := range metrics {
		labels := make([]promwrite.Label, 0, 4+len(w.config.CustomLabels)+len(metric.Labels))
		labels = append(labels,
			promwrite.Label{Name: "__name__", Value: prefix + "_" + metric.Name},
			promwrite.Label{Name: "instance", Value: w.config.InstanceIP},
			promwrite.Label{Name: "service", Value: w.config.ServiceName},
		)
		if w.config.Version != "" {
			labels = append(labels, promwrite.Label{Name: "version", Value: w.config.Version})
		}
		for k, v := range w.config.CustomLabels {
			labels = append(labels, promwrite.Label{Name: k, Value: v})
		}
		for k, v := range metric.Labels {
			labels = append(labels, promwrite.Label{Name: k, Value: v})
		}

		result = append(result, promwrite.TimeSeries{
			Labels: labels,
			Sample: promwrite.Sample{Time: metric.Timestamp, Value: metric.Value},
		})
	}
	return result
}

// GetOutboundIPv4 gets the outbound IPv4 address of the local machine
func GetOutboundIPv4() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String(), nil
}
