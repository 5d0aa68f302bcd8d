package assistant

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/merchkit/clerkd/internal/observe"
	"github.com/merchkit/clerkd/pkg/ai"
	"github.com/merchkit/clerkd/pkg/ai/openai"
)

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// counterValue sums the named int64 counter over data points carrying all the
// given attributes.
func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s is %T, want Sum[int64]", name, met.Data)
			}
			for _, dp := range sum.DataPoints {
				matches := true
				for _, want := range attrs {
					got, ok := dp.Attributes.Value(want.Key)
					if !ok || got.Emit() != want.Value.Emit() {
						matches = false
						break
					}
				}
				if matches {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestInstruct_RecordsProviderSuccess(t *testing.T) {
	m, reader := newTestMetrics(t)
	resp := textResponse("done")
	resp.Model = "test-model-0125"
	gw := &scriptedGateway{responses: []*ai.ChatResponse{resp}}
	d, _ := pingDispatcher(t)

	if _, err := New(gw, d, WithMetrics(m)).Instruct(context.Background(), "u1", "status?"); err != nil {
		t.Fatalf("Instruct: %v", err)
	}

	got := counterValue(t, reader, "clerkd.provider.requests",
		observe.Attr("model", "test-model-0125"), observe.Attr("status", "ok"))
	if got != 1 {
		t.Errorf("provider request count = %d, want 1", got)
	}
}

func TestInstruct_RecordsClassifiedProviderError(t *testing.T) {
	m, reader := newTestMetrics(t)
	gw := &scriptedGateway{err: &openai.Error{StatusCode: 429, Code: openai.ErrCodeRateLimited}}
	d, _ := pingDispatcher(t)

	if _, err := New(gw, d, WithMetrics(m)).Instruct(context.Background(), "u1", "status?"); err == nil {
		t.Fatal("expected gateway error")
	}

	got := counterValue(t, reader, "clerkd.provider.errors",
		observe.Attr("code", openai.ErrCodeRateLimited))
	if got != 1 {
		t.Errorf("provider error count = %d, want 1", got)
	}
}

func TestInstruct_RecordsExchangeDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	gw := &scriptedGateway{responses: []*ai.ChatResponse{textResponse("done")}}
	d, _ := pingDispatcher(t)

	if _, err := New(gw, d, WithMetrics(m)).Instruct(context.Background(), "u1", "status?"); err != nil {
		t.Fatalf("Instruct: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "clerkd.llm.duration" {
				continue
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("duration metric is %T, want Histogram[float64]", met.Data)
			}
			var count uint64
			for _, dp := range hist.DataPoints {
				count += dp.Count
			}
			if count != 1 {
				t.Errorf("duration observations = %d, want 1", count)
			}
			return
		}
	}
	t.Fatal("llm duration not recorded")
}
