// Package metrics exposes Prometheus collectors for the queue, drains and
// mutations. A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/kilupskalvis/nestsync/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nestsync"

// Collector owns a private registry with every nestsync metric.
type Collector struct {
	registry *prometheus.Registry

	queueDepth       prometheus.Gauge
	conflictsPending prometheus.Gauge
	online           prometheus.Gauge
	drains           *prometheus.CounterVec
	operations       *prometheus.CounterVec
	mutations        *prometheus.CounterVec
	drainDuration    prometheus.Histogram
}

// New creates a Collector and registers its metrics plus the Go runtime and
// process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth",
			Help: "Number of mutations waiting in the offline queue.",
		}),
		conflictsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "conflicts_pending",
			Help: "Conflicts waiting for a user decision.",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "online",
			Help: "1 when the remote store is reachable.",
		}),
		drains: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "drains_total",
			Help: "Drain passes by result (processed, empty, skipped).",
		}, []string{"result"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "drain_operations_total",
			Help: "Queued operations handled by drains, by outcome.",
		}, []string{"outcome"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "mutations_total",
			Help: "Mutations submitted through the facade, by outcome.",
		}, []string{"outcome"}),
		drainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "drain_duration_seconds",
			Help:    "Wall time of drain passes that processed at least one item.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
	c.registry.MustRegister(
		c.queueDepth, c.conflictsPending, c.online,
		c.drains, c.operations, c.mutations, c.drainDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SetQueueDepth records the queue size.
func (c *Collector) SetQueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

// SetConflictsPending records the number of unresolved conflicts.
func (c *Collector) SetConflictsPending(n int) {
	if c == nil {
		return
	}
	c.conflictsPending.Set(float64(n))
}

// SetOnline records connectivity.
func (c *Collector) SetOnline(online bool) {
	if c == nil {
		return
	}
	if online {
		c.online.Set(1)
	} else {
		c.online.Set(0)
	}
}

// DrainSkipped counts a drain that returned at once (offline or already running).
func (c *Collector) DrainSkipped() {
	if c == nil {
		return
	}
	c.drains.WithLabelValues("skipped").Inc()
}

// ObserveDrain records the outcome of a completed drain pass.
func (c *Collector) ObserveDrain(res *models.DrainResult, elapsed time.Duration) {
	if c == nil || res == nil {
		return
	}
	if res.Empty() && len(res.Resolved) == 0 {
		c.drains.WithLabelValues("empty").Inc()
		return
	}
	c.drains.WithLabelValues("processed").Inc()
	c.drainDuration.Observe(elapsed.Seconds())
	c.operations.WithLabelValues("succeeded").Add(float64(res.Succeeded))
	c.operations.WithLabelValues("failed").Add(float64(len(res.Failed)))
	c.operations.WithLabelValues("retrying").Add(float64(res.Retrying))
	c.operations.WithLabelValues("conflict").Add(float64(len(res.Conflicts)))
	c.operations.WithLabelValues("resolved").Add(float64(len(res.Resolved)))
}

// ObserveMutation records a facade result.
func (c *Collector) ObserveMutation(res models.MutationResult) {
	if c == nil {
		return
	}
	switch {
	case res.Success:
		c.mutations.WithLabelValues("applied").Inc()
	case res.Queued:
		c.mutations.WithLabelValues("queued").Inc()
	default:
		c.mutations.WithLabelValues("rejected").Inc()
	}
}
