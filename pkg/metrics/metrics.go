// Package metrics exports upload counters to prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records uploader activity.
type Metrics interface {
	ObserveUpload(priority, outcome string, bytes int64, durationSeconds float64)
	SetBackoff(seconds float64)
	AddSegmentsRemoved(n int)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

// ObserveUpload discards the observation.
func (Noop) ObserveUpload(string, string, int64, float64) {}

// SetBackoff discards the value.
func (Noop) SetBackoff(float64) {}

// AddSegmentsRemoved discards the count.
func (Noop) AddSegmentsRemoved(int) {}

// Ensure interface compliance.
var (
	_ Metrics = Noop{}
	_ Metrics = (*Prom)(nil)
)

// Prom implements Metrics backed by its own prometheus registry.
type Prom struct {
	registry        *prometheus.Registry
	uploads         *prometheus.CounterVec
	uploadedBytes   *prometheus.CounterVec
	uploadDuration  *prometheus.HistogramVec
	backoff         prometheus.Gauge
	segmentsRemoved prometheus.Counter
}

// NewProm creates the uploader metrics under namespace.
func NewProm(namespace string) *Prom {
	p := &Prom{
		registry: prometheus.NewRegistry(),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Upload attempts by priority and outcome",
		}, []string{"priority", "outcome"}),
		uploadedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Bytes confirmed uploaded by priority",
		}, []string{"priority"}),
		uploadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_duration_seconds",
			Help:      "Upload attempt duration by priority",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"priority"}),
		backoff: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backoff_seconds",
			Help:      "Current retry backoff before jitter",
		}),
		segmentsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_removed_total",
			Help:      "Empty segment directories removed",
		}),
	}

	p.registry.MustRegister(
		p.uploads,
		p.uploadedBytes,
		p.uploadDuration,
		p.backoff,
		p.segmentsRemoved,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return p
}

// ObserveUpload records one upload attempt. Bytes are only counted for
// the success outcome.
func (p *Prom) ObserveUpload(priority, outcome string, bytes int64, durationSeconds float64) {
	p.uploads.WithLabelValues(priority, outcome).Inc()
	p.uploadDuration.WithLabelValues(priority).Observe(durationSeconds)

	if outcome == "success" && bytes > 0 {
		p.uploadedBytes.WithLabelValues(priority).Add(float64(bytes))
	}
}

// SetBackoff sets the retry delay gauge.
func (p *Prom) SetBackoff(seconds float64) {
	p.backoff.Set(seconds)
}

// AddSegmentsRemoved counts pruned segment directories. Zero and negative
// values are ignored.
func (p *Prom) AddSegmentsRemoved(n int) {
	if n > 0 {
		p.segmentsRemoved.Add(float64(n))
	}
}

// Gatherer exposes the registry, mainly for tests.
func (p *Prom) Gatherer() prometheus.Gatherer {
	return p.registry
}

// Handler returns an HTTP handler for /metrics.
func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
