// Package metrics provides Prometheus metrics for deferred loads and the
// image proxy.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pthm/hxdefer"
	"github.com/pthm/hxdefer/lib/imageproxy"
)

var (
	_ hxdefer.LoadObserver = (*Collector)(nil)
	_ imageproxy.Observer  = (*Collector)(nil)
)

// Collector holds all Prometheus metrics for hxdefer.
//
// It implements hxdefer.LoadObserver and imageproxy.Observer, so one value
// can be handed to both the registry and the proxy.
type Collector struct {
	// Deferred component metrics
	Activations  *prometheus.CounterVec
	Loads        *prometheus.CounterVec
	LoadDuration *prometheus.HistogramVec
	LoadsPending prometheus.Gauge

	// Image policy metrics
	PolicyDecisions  *prometheus.CounterVec
	UpstreamDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New creates a collector backed by its own registry, keeping the
// process-wide default registry untouched.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry creates a collector registered with reg.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	c := &Collector{
		Activations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hxdefer",
				Name:      "deferred_activations_total",
				Help:      "Total number of deferred component renders by execution context",
			},
			[]string{"component", "context"},
		),
		Loads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hxdefer",
				Name:      "deferred_loads_total",
				Help:      "Total number of loader invocations by outcome",
			},
			[]string{"component", "result"},
		),
		LoadDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "hxdefer",
				Name:      "deferred_load_duration_seconds",
				Help:      "Loader duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"component"},
		),
		LoadsPending: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "hxdefer",
				Name:      "deferred_loads_pending",
				Help:      "Number of loaders currently running",
			},
		),

		PolicyDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hxdefer",
				Name:      "image_policy_decisions_total",
				Help:      "Total number of remote image URLs evaluated against the pattern table",
			},
			[]string{"decision"},
		),
		UpstreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "hxdefer",
				Name:      "image_upstream_duration_seconds",
				Help:      "Upstream image fetch duration in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"status"},
		),
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	}
	return c
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Activated implements hxdefer.LoadObserver.
func (c *Collector) Activated(name string, ec hxdefer.ExecutionContext) {
	c.Activations.WithLabelValues(name, ec.String()).Inc()
}

// LoadStarted implements hxdefer.LoadObserver.
func (c *Collector) LoadStarted(name string) {
	c.LoadsPending.Inc()
}

// LoadFinished implements hxdefer.LoadObserver.
func (c *Collector) LoadFinished(name string, d time.Duration, err error) {
	c.LoadsPending.Dec()
	result := "success"
	if err != nil {
		result = "failure"
	}
	c.Loads.WithLabelValues(name, result).Inc()
	c.LoadDuration.WithLabelValues(name).Observe(d.Seconds())
}

// Decision implements imageproxy.Observer.
func (c *Collector) Decision(permitted bool) {
	decision := "deny"
	if permitted {
		decision = "permit"
	}
	c.PolicyDecisions.WithLabelValues(decision).Inc()
}

// Fetched implements imageproxy.Observer.
func (c *Collector) Fetched(status int, d time.Duration) {
	c.UpstreamDuration.WithLabelValues(statusClass(status)).Observe(d.Seconds())
}

// statusClass converts a status code to a class label (2xx, 4xx, ...).
func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "error"
	}
	return strconv.Itoa(status/100) + "xx"
}
