package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	globalMetrics Metrics = NoopMetrics{}
	metricsMu     sync.RWMutex
)

// Metrics is the recording interface consumed by the runtime.
type Metrics interface {
	RecordTurn(ctx context.Context, duration time.Duration, err error)
	RecordToolExecution(ctx context.Context, tool string, duration time.Duration, err error)
	RecordLLMCall(ctx context.Context, model string, duration time.Duration, err error)
	RecordMemorySearch(ctx context.Context, collection string, duration time.Duration)
	RecordMemoryOperation(ctx context.Context, event string)
}

// PrometheusMetrics implements Metrics over otel instruments. A zero
// value is a safe no-op.
type PrometheusMetrics struct {
	turnDuration metric.Float64Histogram
	turnCount    metric.Int64Counter

	toolDuration metric.Float64Histogram
	toolCount    metric.Int64Counter
	toolErrors   metric.Int64Counter

	llmDuration metric.Float64Histogram
	llmErrors   metric.Int64Counter

	memorySearchDuration metric.Float64Histogram
	memoryOperations     metric.Int64Counter
}

func (m *PrometheusMetrics) RecordTurn(ctx context.Context, duration time.Duration, err error) {
	if m == nil || m.turnDuration == nil {
		return
	}
	m.turnDuration.Record(ctx, duration.Seconds())
	m.turnCount.Add(ctx, 1)
}

func (m *PrometheusMetrics) RecordToolExecution(ctx context.Context, tool string, duration time.Duration, err error) {
	if m == nil || m.toolDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tool", tool),
	}

	m.toolDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.toolCount.Add(ctx, 1, metric.WithAttributes(attrs...))

	if err != nil {
		m.toolErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, err error) {
	if m == nil || m.llmDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("model", model),
	}

	m.llmDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))

	if err != nil {
		m.llmErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordMemorySearch(ctx context.Context, collection string, duration time.Duration) {
	if m == nil || m.memorySearchDuration == nil {
		return
	}
	m.memorySearchDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("collection", collection)))
}

func (m *PrometheusMetrics) RecordMemoryOperation(ctx context.Context, event string) {
	if m == nil || m.memoryOperations == nil {
		return
	}
	m.memoryOperations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("event", event)))
}

// NoopMetrics discards all recordings.
type NoopMetrics struct{}

func (NoopMetrics) RecordTurn(context.Context, time.Duration, error)                 {}
func (NoopMetrics) RecordToolExecution(context.Context, string, time.Duration, error) {}
func (NoopMetrics) RecordLLMCall(context.Context, string, time.Duration, error)      {}
func (NoopMetrics) RecordMemorySearch(context.Context, string, time.Duration)        {}
func (NoopMetrics) RecordMemoryOperation(context.Context, string)                    {}

// SetGlobalMetrics installs the process-wide metrics recorder.
func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if m == nil {
		m = NoopMetrics{}
	}
	globalMetrics = m
}

// GlobalMetrics returns the current process-wide recorder.
func GlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}

var (
	_ Metrics = (*PrometheusMetrics)(nil)
	_ Metrics = NoopMetrics{}
)
