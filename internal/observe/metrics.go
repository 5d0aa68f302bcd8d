// Package observe provides application-wide observability primitives for
// clerkd: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all clerkd metrics.
const meterName = "github.com/merchkit/clerkd"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// InstructionDuration tracks end-to-end instruction latency, from
	// admission through the final model reply.
	InstructionDuration metric.Float64Histogram

	// LLMDuration tracks a single provider exchange, retries included.
	LLMDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool dispatch latency.
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("model", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts classified provider failures. Use with attribute:
	//   attribute.String("code", ...)
	ProviderErrors metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// RateLimited counts instructions rejected by admission control.
	RateLimited metric.Int64Counter

	// TokensUsed counts tokens attributed to completed exchanges. Use with
	// attributes:
	//   attribute.String("source", ...), attribute.String("kind", ...)
	TokensUsed metric.Int64Counter

	// DraftsPrepared counts prepared mutations. Use with attribute:
	//   attribute.String("type", ...)
	DraftsPrepared metric.Int64Counter

	// DraftsConfirmed counts confirmed mutations. Use with attribute:
	//   attribute.String("type", ...)
	DraftsConfirmed metric.Int64Counter

	// --- Gauges ---

	// ActiveInstructions tracks instructions currently in flight.
	ActiveInstructions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// model round-trips, which stretch well past typical HTTP latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.InstructionDuration, err = m.Float64Histogram("clerkd.instruction.duration",
		metric.WithDescription("End-to-end latency of one operator instruction."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("clerkd.llm.duration",
		metric.WithDescription("Latency of one provider exchange, retries included."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("clerkd.tool_execution.duration",
		metric.WithDescription("Latency of tool dispatch."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("clerkd.http.request.duration",
		metric.WithDescription("HTTP request processing time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("clerkd.provider.requests",
		metric.WithDescription("Number of provider API calls."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("clerkd.provider.errors",
		metric.WithDescription("Number of classified provider failures."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("clerkd.tool.calls",
		metric.WithDescription("Number of tool invocations."),
	); err != nil {
		return nil, err
	}
	if met.RateLimited, err = m.Int64Counter("clerkd.ratelimit.rejected",
		metric.WithDescription("Number of instructions rejected by admission control."),
	); err != nil {
		return nil, err
	}
	if met.TokensUsed, err = m.Int64Counter("clerkd.tokens.used",
		metric.WithDescription("Tokens attributed to completed exchanges."),
	); err != nil {
		return nil, err
	}
	if met.DraftsPrepared, err = m.Int64Counter("clerkd.drafts.prepared",
		metric.WithDescription("Number of prepared mutations."),
	); err != nil {
		return nil, err
	}
	if met.DraftsConfirmed, err = m.Int64Counter("clerkd.drafts.confirmed",
		metric.WithDescription("Number of confirmed mutations."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ActiveInstructions, err = m.Int64UpDownCounter("clerkd.instructions.active",
		metric.WithDescription("Instructions currently in flight."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics] instance backed by the
// global OTel meter provider. It panics if instrument creation fails, which
// only happens with a broken meter provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records one provider call with the standard
// attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, model, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records one classified provider failure.
func (m *Metrics) RecordProviderError(ctx context.Context, code string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("code", code)),
	)
}

// RecordToolCall records one tool invocation with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordTokens records token usage attributed to one completed exchange.
func (m *Metrics) RecordTokens(ctx context.Context, source string, prompt, completion int64) {
	m.TokensUsed.Add(ctx, prompt,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("kind", "prompt"),
		),
	)
	m.TokensUsed.Add(ctx, completion,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("kind", "completion"),
		),
	)
}
