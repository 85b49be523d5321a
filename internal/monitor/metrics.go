// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

const monitorMetricsNamespace = "matterbridged_monitor"

// Collector is a prometheus.Collector exposing the most recent
// resource sample.
type Collector struct {
	hostCPU    prometheus.Gauge
	processCPU prometheus.Gauge
	rss        prometheus.Gauge
	heapAlloc  prometheus.Gauge
	goroutines prometheus.Gauge
	forcedGC   prometheus.Counter
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		hostCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: monitorMetricsNamespace,
			Name:      "host_cpu_percent",
			Help:      "Host CPU utilisation over the last sample interval.",
		}),
		processCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: monitorMetricsNamespace,
			Name:      "process_cpu_percent",
			Help:      "Process CPU utilisation over the last sample interval.",
		}),
		rss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: monitorMetricsNamespace,
			Name:      "resident_memory_bytes",
			Help:      "Resident set size of the bridge process.",
		}),
		heapAlloc: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: monitorMetricsNamespace,
			Name:      "heap_alloc_bytes",
			Help:      "Bytes of allocated heap objects.",
		}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: monitorMetricsNamespace,
			Name:      "goroutines",
			Help:      "Number of live goroutines.",
		}),
		forcedGC: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: monitorMetricsNamespace,
			Name:      "forced_gc_total",
			Help:      "Number of garbage collections forced by the monitor.",
		}),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.hostCPU.Describe(ch)
	c.processCPU.Describe(ch)
	c.rss.Describe(ch)
	c.heapAlloc.Describe(ch)
	c.goroutines.Describe(ch)
	c.forcedGC.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.hostCPU.Collect(ch)
	c.processCPU.Collect(ch)
	c.rss.Collect(ch)
	c.heapAlloc.Collect(ch)
	c.goroutines.Collect(ch)
	c.forcedGC.Collect(ch)
}
