package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ZanzyTHEbar/byline-digest/byline/config"
)

func TestCollector_RecordsHarnessEvents(t *testing.T) {
	c := NewCollector("byline")

	c.RunFinished("done", 2, 3*time.Second)
	c.RunFinished("limit_exceeded", 5, time.Second)
	c.ModelCall("openai", time.Second, nil)
	c.ModelCall("openai", time.Second, errors.New("429"))
	c.ToolCall("search_web", "ok", time.Millisecond)
	c.CacheLookup("search_web", true)
	c.CacheLookup("search_web", false)
	c.CacheLookup("search_web", false)
	c.Delivery("delivered")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.Runs.WithLabelValues("done")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Runs.WithLabelValues("limit_exceeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ModelCalls.WithLabelValues("openai", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ToolCalls.WithLabelValues("search_web", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.CacheLookups.WithLabelValues("search_web", "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Deliveries.WithLabelValues("delivered")))
}

func TestCollector_IndependentRegistries(t *testing.T) {
	a := NewCollector("byline")
	b := NewCollector("byline")
	a.Delivery("failed")

	assert.NotSame(t, a.Registry(), b.Registry())
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Deliveries.WithLabelValues("failed")))
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector("byline")
	c.RunFinished("done", 1, time.Second)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `byline_runs_total{state="done"} 1`)
	assert.Contains(t, string(body), "byline_run_tool_rounds_bucket")
}

func TestInitTracing_NoEndpointIsNoop(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), config.ObservabilityConfig{ServiceName: "byline"}, "test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestNewTracerProvider_SampleRatio(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()

	all := NewTracerProvider(config.ObservabilityConfig{ServiceName: "byline", SampleRatio: 1}, "test", sdktrace.WithSpanProcessor(recorder))
	_, span := all.Tracer("t").Start(context.Background(), "sampled")
	span.End()
	require.Len(t, recorder.Ended(), 1)
	assert.Equal(t, "sampled", recorder.Ended()[0].Name())
	assert.Equal(t, "byline", serviceName(recorder.Ended()[0]))

	none := tracetest.NewSpanRecorder()
	off := NewTracerProvider(config.ObservabilityConfig{ServiceName: "byline", SampleRatio: 0}, "test", sdktrace.WithSpanProcessor(none))
	_, span = off.Tracer("t").Start(context.Background(), "dropped")
	span.End()
	assert.Empty(t, none.Ended())
}

func serviceName(span sdktrace.ReadOnlySpan) string {
	for _, kv := range span.Resource().Attributes() {
		if kv.Key == "service.name" {
			return kv.Value.AsString()
		}
	}
	return ""
}
