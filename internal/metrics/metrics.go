// Package metrics exposes Prometheus collectors for provider traffic.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chat_gateway"

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Collector records provider attempts, latency and fallback exhaustion.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	attempts   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	streams    *prometheus.CounterVec
	fragments  *prometheus.CounterVec
	images     *prometheus.CounterVec
	exhausted  prometheus.Counter
	activeProv prometheus.Gauge
}

// New creates a collector registered on a fresh registry together with the
// Go runtime and process collectors.
func New() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_attempts_total",
				Help:      "Single-shot generation attempts by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_latency_seconds",
				Help:      "Single-shot generation latency by provider",
				Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"provider"},
		),
		streams: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_streams_total",
				Help:      "Streaming generations started by provider",
			},
			[]string{"provider"},
		),
		fragments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_fragments_total",
				Help:      "Stream fragments relayed by provider and fragment type",
			},
			[]string{"provider", "type"},
		),
		images: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "image_generations_total",
				Help:      "Image generation requests by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_exhausted_total",
			Help:      "Requests for which every active provider failed",
		}),
		activeProv: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_providers",
			Help:      "Providers that passed configuration validation",
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.attempts,
		c.latency,
		c.streams,
		c.fragments,
		c.images,
		c.exhausted,
		c.activeProv,
	)

	return c
}

// Handler serves the exposition format for this collector's registry.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) RecordAttempt(provider string, ok bool, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.attempts.WithLabelValues(provider, outcome(ok)).Inc()
	c.latency.WithLabelValues(provider).Observe(elapsed.Seconds())
}

func (c *Collector) RecordStream(provider string) {
	if c == nil {
		return
	}
	c.streams.WithLabelValues(provider).Inc()
}

func (c *Collector) RecordFragment(provider, kind string) {
	if c == nil {
		return
	}
	c.fragments.WithLabelValues(provider, kind).Inc()
}

func (c *Collector) RecordImage(provider string, ok bool) {
	if c == nil {
		return
	}
	c.images.WithLabelValues(provider, outcome(ok)).Inc()
}

func (c *Collector) RecordExhausted() {
	if c == nil {
		return
	}
	c.exhausted.Inc()
}

func (c *Collector) SetActiveProviders(n int) {
	if c == nil {
		return
	}
	c.activeProv.Set(float64(n))
}

func outcome(ok bool) string {
	if ok {
		return OutcomeSuccess
	}
	return OutcomeError
}
