package observability

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetricsClient implements MetricsClient using Prometheus
type PrometheusMetricsClient struct {
	namespace string

	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec

	mu sync.RWMutex
}

// NewPrometheusMetricsClient creates a new Prometheus metrics client
func NewPrometheusMetricsClient(namespace string) *PrometheusMetricsClient {
	client := &PrometheusMetricsClient{
		namespace:  namespace,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
	client.registerDefaultMetrics()
	return client
}

// registerDefaultMetrics registers the metrics every deployment exports
func (c *PrometheusMetricsClient) registerDefaultMetrics() {
	c.getOrCreateCounter("rpc_requests_total", "Total RPC tool requests", []string{"tool", "action", "status"})
	c.getOrCreateHistogram("rpc_request_duration_seconds", "RPC request duration", []string{"tool", "action"})

	c.getOrCreateCounter("database_operations_total", "Total database operations", []string{"operation", "status"})
	c.getOrCreateHistogram("database_operation_duration_seconds", "Database operation duration", []string{"operation"})

	c.getOrCreateCounter("cache_operations_total", "Total cache operations", []string{"operation", "result"})
	c.getOrCreateCounter("context_cache_hits_total", "Context inheritance cache hits", []string{"level"})
	c.getOrCreateCounter("context_cache_misses_total", "Context inheritance cache misses", []string{"level"})

	c.getOrCreateCounter("rate_limit_rejections_total", "Requests rejected by the rate limiter", []string{"window"})
	c.getOrCreateCounter("auth_failures_total", "Token validation failures", []string{"reason"})

	c.getOrCreateCounter("hints_generated_total", "Workflow hints generated", []string{"rule"})
	c.getOrCreateCounter("events_appended_total", "Domain events appended", []string{"event_type"})
}

func (c *PrometheusMetricsClient) getOrCreateCounter(name, help string, labelNames []string) *prometheus.CounterVec {
	c.mu.RLock()
	counter, ok := c.counters[name]
	c.mu.RUnlock()
	if ok {
		return counter
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if counter, ok = c.counters[name]; ok {
		return counter
	}
	counter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: c.namespace,
		Name:      name,
		Help:      help,
	}, labelNames)
	c.counters[name] = counter
	return counter
}

func (c *PrometheusMetricsClient) getOrCreateGauge(name, help string, labelNames []string) *prometheus.GaugeVec {
	c.mu.RLock()
	gauge, ok := c.gauges[name]
	c.mu.RUnlock()
	if ok {
		return gauge
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gauge, ok = c.gauges[name]; ok {
		return gauge
	}
	gauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: c.namespace,
		Name:      name,
		Help:      help,
	}, labelNames)
	c.gauges[name] = gauge
	return gauge
}

func (c *PrometheusMetricsClient) getOrCreateHistogram(name, help string, labelNames []string) *prometheus.HistogramVec {
	c.mu.RLock()
	histogram, ok := c.histograms[name]
	c.mu.RUnlock()
	if ok {
		return histogram
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if histogram, ok = c.histograms[name]; ok {
		return histogram
	}
	histogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: c.namespace,
		Name:      name,
		Help:      help,
		Buckets:   prometheus.DefBuckets,
	}, labelNames)
	c.histograms[name] = histogram
	return histogram
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// RecordCounter records a counter metric
func (c *PrometheusMetricsClient) RecordCounter(name string, value float64, labels map[string]string) {
	counter := c.getOrCreateCounter(name, fmt.Sprintf("Counter for %s", name), labelNames(labels))
	counter.With(prometheus.Labels(labels)).Add(value)
}

// RecordGauge records a gauge metric
func (c *PrometheusMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	gauge := c.getOrCreateGauge(name, fmt.Sprintf("Gauge for %s", name), labelNames(labels))
	gauge.With(prometheus.Labels(labels)).Set(value)
}

// RecordHistogram records a histogram metric
func (c *PrometheusMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	histogram := c.getOrCreateHistogram(name, fmt.Sprintf("Histogram for %s", name), labelNames(labels))
	histogram.With(prometheus.Labels(labels)).Observe(value)
}

// RecordTimer records a duration as a histogram in seconds
func (c *PrometheusMetricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
	c.RecordHistogram(name, duration.Seconds(), labels)
}

// RecordCacheOperation records a cache operation result
func (c *PrometheusMetricsClient) RecordCacheOperation(operation string, success bool, durationSeconds float64) {
	result := "hit"
	if !success {
		result = "miss"
	}
	c.RecordCounter("cache_operations_total", 1, map[string]string{"operation": operation, "result": result})
	c.RecordHistogram("cache_operation_duration_seconds", durationSeconds, map[string]string{"operation": operation})
}

// RecordOperation records a component operation with arbitrary labels
func (c *PrometheusMetricsClient) RecordOperation(component string, operation string, success bool, durationSeconds float64, labels map[string]string) {
	merged := map[string]string{"component": component, "operation": operation, "status": statusLabel(success)}
	for k, v := range labels {
		merged[k] = v
	}
	c.RecordCounter("component_operations_total", 1, merged)
	c.RecordHistogram("component_operation_duration_seconds", durationSeconds, map[string]string{"component": component, "operation": operation})
}

// RecordAPIOperation records an RPC tool operation
func (c *PrometheusMetricsClient) RecordAPIOperation(api string, operation string, success bool, durationSeconds float64) {
	c.RecordCounter("rpc_requests_total", 1, map[string]string{"tool": api, "action": operation, "status": statusLabel(success)})
	c.RecordHistogram("rpc_request_duration_seconds", durationSeconds, map[string]string{"tool": api, "action": operation})
}

// RecordDatabaseOperation records a database operation
func (c *PrometheusMetricsClient) RecordDatabaseOperation(operation string, success bool, durationSeconds float64) {
	c.RecordCounter("database_operations_total", 1, map[string]string{"operation": operation, "status": statusLabel(success)})
	c.RecordHistogram("database_operation_duration_seconds", durationSeconds, map[string]string{"operation": operation})
}

// StartTimer returns a stop function that records the elapsed time
func (c *PrometheusMetricsClient) StartTimer(name string, labels map[string]string) func() {
	start := time.Now()
	return func() {
		c.RecordTimer(name, time.Since(start), labels)
	}
}

// IncrementCounter increments a counter without labels
func (c *PrometheusMetricsClient) IncrementCounter(name string, value float64) {
	c.RecordCounter(name, value, nil)
}

// IncrementCounterWithLabels increments a counter with labels
func (c *PrometheusMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	c.RecordCounter(name, value, labels)
}

// RecordDuration records a duration in seconds without labels
func (c *PrometheusMetricsClient) RecordDuration(name string, duration time.Duration) {
	c.RecordHistogram(name, duration.Seconds(), nil)
}

// Close implements MetricsClient.Close
func (c *PrometheusMetricsClient) Close() error { return nil }

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
