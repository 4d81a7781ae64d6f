package app

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the service's Prometheus collectors.
type Metrics struct {
	generations      *prometheus.CounterVec
	providerDuration prometheus.Histogram
	uploads          *prometheus.CounterVec
	quotaRejections  prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tryon_generations_total",
			Help: "Try-on generation attempts by mode and outcome code.",
		}, []string{"mode", "outcome"}),
		providerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tryon_provider_duration_seconds",
			Help:    "Latency of image provider calls.",
			Buckets: []float64{1, 2.5, 5, 10, 20, 30, 45, 60, 90},
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tryon_photo_uploads_total",
			Help: "User photo uploads by outcome code.",
		}, []string{"outcome"}),
		quotaRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tryon_quota_rejections_total",
			Help: "Generations refused because the user's quota was exhausted.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.generations, m.providerDuration, m.uploads, m.quotaRejections)
	}
	return m
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return Code(err)
}

func (m *Metrics) observeGeneration(mode string, err error) {
	if m == nil {
		return
	}
	m.generations.WithLabelValues(mode, outcome(err)).Inc()
}

func (m *Metrics) observeProvider(d time.Duration) {
	if m == nil {
		return
	}
	m.providerDuration.Observe(d.Seconds())
}

func (m *Metrics) observeUpload(err error) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) observeQuotaRejection() {
	if m == nil {
		return
	}
	m.quotaRejections.Inc()
}
