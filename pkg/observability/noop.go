package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// NoopSpan is a no-op implementation of the Span interface
type NoopSpan struct{}

// End is a no-op implementation
func (s *NoopSpan) End() {}

// SetAttribute is a no-op implementation
func (s *NoopSpan) SetAttribute(key string, value interface{}) {}

// AddEvent is a no-op implementation
func (s *NoopSpan) AddEvent(name string, attributes map[string]interface{}) {}

// RecordError is a no-op implementation
func (s *NoopSpan) RecordError(err error) {}

// SetStatus is a no-op implementation
func (s *NoopSpan) SetStatus(code int, description string) {}

// SpanContext is a no-op implementation
func (s *NoopSpan) SpanContext() trace.SpanContext {
	return trace.SpanContext{}
}

// NoopStartSpan is a no-op implementation of StartSpanFunc
func NoopStartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, Span) {
	return ctx, &NoopSpan{}
}

// NoOpMetricsClient is a metrics client that discards everything
type NoOpMetricsClient struct{}

// NewNoOpMetricsClient creates a metrics client for tests and disabled setups
func NewNoOpMetricsClient() MetricsClient {
	return &NoOpMetricsClient{}
}

func (m *NoOpMetricsClient) RecordCounter(name string, value float64, labels map[string]string)   {}
func (m *NoOpMetricsClient) RecordGauge(name string, value float64, labels map[string]string)     {}
func (m *NoOpMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {}
func (m *NoOpMetricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
}
func (m *NoOpMetricsClient) RecordCacheOperation(operation string, success bool, durationSeconds float64) {
}
func (m *NoOpMetricsClient) RecordOperation(component string, operation string, success bool, durationSeconds float64, labels map[string]string) {
}
func (m *NoOpMetricsClient) RecordAPIOperation(api string, operation string, success bool, durationSeconds float64) {
}
func (m *NoOpMetricsClient) RecordDatabaseOperation(operation string, success bool, durationSeconds float64) {
}
func (m *NoOpMetricsClient) StartTimer(name string, labels map[string]string) func() {
	return func() {}
}
func (m *NoOpMetricsClient) IncrementCounter(name string, value float64) {}
func (m *NoOpMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
}
func (m *NoOpMetricsClient) RecordDuration(name string, duration time.Duration) {}
func (m *NoOpMetricsClient) Close() error                                       { return nil }
