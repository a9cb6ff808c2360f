// Package observability wires otel metrics through the prometheus
// exporter and bridges runtime events into counters and histograms.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig enables the prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// InitMetrics builds the otel meter provider with a prometheus reader
// and registers all runtime instruments. When disabled it returns an
// inert PrometheusMetrics whose record methods are no-ops.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (*PrometheusMetrics, error) {
	if !cfg.Enabled {
		return &PrometheusMetrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter("matrix")

	turnDuration, err := meter.Float64Histogram(
		"matrix_turn_duration_seconds",
		metric.WithDescription("Session turn duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create turn duration histogram: %w", err)
	}

	turnCount, err := meter.Int64Counter(
		"matrix_turns_total",
		metric.WithDescription("Total session turns"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create turn counter: %w", err)
	}

	toolDuration, err := meter.Float64Histogram(
		"matrix_tool_execution_duration_seconds",
		metric.WithDescription("Tool execution duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool duration histogram: %w", err)
	}

	toolCount, err := meter.Int64Counter(
		"matrix_tool_executions_total",
		metric.WithDescription("Total tool executions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool counter: %w", err)
	}

	toolErrors, err := meter.Int64Counter(
		"matrix_tool_errors_total",
		metric.WithDescription("Total tool execution errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool errors counter: %w", err)
	}

	llmDuration, err := meter.Float64Histogram(
		"matrix_llm_request_duration_seconds",
		metric.WithDescription("LLM request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}

	llmErrors, err := meter.Int64Counter(
		"matrix_llm_response_errors_total",
		metric.WithDescription("Total LLM response errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	memorySearchDuration, err := meter.Float64Histogram(
		"matrix_memory_search_duration_seconds",
		metric.WithDescription("Vector memory search duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory search histogram: %w", err)
	}

	memoryOperations, err := meter.Int64Counter(
		"matrix_memory_operations_total",
		metric.WithDescription("Total memory decisions by event type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory operations counter: %w", err)
	}

	return &PrometheusMetrics{
		turnDuration:         turnDuration,
		turnCount:            turnCount,
		toolDuration:         toolDuration,
		toolCount:            toolCount,
		toolErrors:           toolErrors,
		llmDuration:          llmDuration,
		llmErrors:            llmErrors,
		memorySearchDuration: memorySearchDuration,
		memoryOperations:     memoryOperations,
	}, nil
}

// ServeMetrics exposes the prometheus scrape endpoint on the configured
// port. Blocks until the server exits.
func ServeMetrics(cfg MetricsConfig) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", cfg.Port), mux)
}
