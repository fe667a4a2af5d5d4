// Package observability exports the digest's Prometheus metrics and OpenTelemetry traces.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	ports "github.com/ZanzyTHEbar/byline-digest/byline/generation/harness/ports"
)

// Collector holds every metric of one process on its own registry, so independent
// collectors (tests, several pipelines) never collide on registration.
type Collector struct {
	registry *prometheus.Registry

	Runs          *prometheus.CounterVec
	Rounds        prometheus.Histogram
	RunDuration   prometheus.Histogram
	ModelCalls    *prometheus.CounterVec
	ModelDuration *prometheus.HistogramVec
	ToolCalls     *prometheus.CounterVec
	ToolDuration  *prometheus.HistogramVec
	CacheLookups  *prometheus.CounterVec
	Deliveries    *prometheus.CounterVec
}

// NewCollector creates the metrics under namespace, e.g. "byline".
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		Runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Conversations finished, by terminal state",
			},
			[]string{"state"},
		),
		Rounds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_tool_rounds",
				Help:      "Tool execution rounds per conversation",
				Buckets:   prometheus.LinearBuckets(0, 1, 11),
			},
		),
		RunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Conversation wall time in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
			},
		),
		ModelCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_calls_total",
				Help:      "Model round trips, by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		ModelDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "model_call_duration_seconds",
				Help:      "Model round trip latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		ToolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_calls_total",
				Help:      "Tool invocations, by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
		ToolDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_call_duration_seconds",
				Help:      "Tool invocation latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Search cache lookups, by tool and result",
			},
			[]string{"tool", "result"},
		),
		Deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Per-user digest outcomes",
			},
			[]string{"outcome"},
		),
	}

	registry.MustRegister(
		c.Runs,
		c.Rounds,
		c.RunDuration,
		c.ModelCalls,
		c.ModelDuration,
		c.ToolCalls,
		c.ToolDuration,
		c.CacheLookups,
		c.Deliveries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) RunFinished(state string, rounds int, elapsed time.Duration) {
	c.Runs.WithLabelValues(state).Inc()
	c.Rounds.Observe(float64(rounds))
	c.RunDuration.Observe(elapsed.Seconds())
}

func (c *Collector) ModelCall(provider string, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.ModelCalls.WithLabelValues(provider, outcome).Inc()
	c.ModelDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

func (c *Collector) ToolCall(tool, outcome string, elapsed time.Duration) {
	c.ToolCalls.WithLabelValues(tool, outcome).Inc()
	c.ToolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

func (c *Collector) CacheLookup(tool string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.CacheLookups.WithLabelValues(tool, result).Inc()
}

// Delivery counts one user's outcome: "delivered", "failed" or "skipped".
func (c *Collector) Delivery(outcome string) {
	c.Deliveries.WithLabelValues(outcome).Inc()
}

// Registry returns the registry backing this collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves this collector's registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

var _ ports.Metrics = (*Collector)(nil)
