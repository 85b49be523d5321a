// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package frontend

import (
	"github.com/prometheus/client_golang/prometheus"
)

const frontendMetricsNamespace = "matterbridged_frontend"

// Collector is a prometheus.Collector for the control-plane server.
type Collector struct {
	sessions          prometheus.Gauge
	requests          *prometheus.CounterVec
	requestDuration   prometheus.Histogram
	droppedBroadcasts prometheus.Counter
	authFailures      prometheus.Counter
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: frontendMetricsNamespace,
			Name:      "sessions",
			Help:      "Number of connected frontend sessions.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: frontendMetricsNamespace,
			Name:      "requests_total",
			Help:      "Number of targeted requests served, by method.",
		}, []string{"method"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: frontendMetricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "Time spent handling targeted requests.",
			Buckets:   prometheus.DefBuckets,
		}),
		droppedBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: frontendMetricsNamespace,
			Name:      "dropped_broadcasts_total",
			Help:      "Number of broadcast envelopes dropped on slow sessions.",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: frontendMetricsNamespace,
			Name:      "auth_failures_total",
			Help:      "Number of rejected login attempts.",
		}),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.sessions.Describe(ch)
	c.requests.Describe(ch)
	c.requestDuration.Describe(ch)
	c.droppedBroadcasts.Describe(ch)
	c.authFailures.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.sessions.Collect(ch)
	c.requests.Collect(ch)
	c.requestDuration.Collect(ch)
	c.droppedBroadcasts.Collect(ch)
	c.authFailures.Collect(ch)
}
