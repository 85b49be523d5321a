// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package monitor samples process and host resource usage on a fixed
// interval and publishes the results for the frontend. It is strictly
// passive: a failed sample is logged and skipped, never fatal.
package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"github.com/matterbridge/matterbridged/core/logger"
	"github.com/matterbridge/matterbridged/internal/pubsub"
)

const (
	defaultInterval    = 10 * time.Second
	defaultHistorySize = 1000
	defaultGCInterval  = time.Hour
)

// Hub is the event hub the monitor publishes samples to.
type Hub interface {
	Publish(topic string, data interface{}) <-chan struct{}
}

// Sample is one resource reading.
type Sample struct {
	When       time.Time `json:"when"`
	HostCPU    float64   `json:"hostCpu"`
	ProcessCPU float64   `json:"processCpu"`
	RSS        uint64    `json:"rss"`
	HeapAlloc  uint64    `json:"heapAlloc"`
	HeapSys    uint64    `json:"heapSys"`
	Sys        uint64    `json:"sys"`
	Goroutines int       `json:"goroutines"`
}

// Peaks holds the highest values seen since the last reset.
type Peaks struct {
	HostCPU    float64   `json:"hostCpu"`
	ProcessCPU float64   `json:"processCpu"`
	RSS        uint64    `json:"rss"`
	HeapAlloc  uint64    `json:"heapAlloc"`
	Since      time.Time `json:"since"`
}

// Config holds the dependencies and tunables for the monitor worker.
type Config struct {
	Clock  clock.Clock
	Hub    Hub
	Logger logger.Logger

	// Sampler reads the raw counters. Nil means procfs.
	Sampler Sampler

	// Interval is the sample cadence. Zero means 10 seconds.
	Interval time.Duration

	// HistorySize bounds the retained samples. Zero means 1000.
	HistorySize int

	// GCInterval is the forced garbage collection cadence. Zero
	// means hourly.
	GCInterval time.Duration

	// SnapshotInterval enables periodic heap profiles when non-zero.
	SnapshotInterval time.Duration

	// HomeDir anchors the snapshot directory.
	HomeDir string

	// MemoryCheck logs an INFO memory line per sample.
	MemoryCheck bool
}

// Validate returns an error if the config is not usable.
func (c Config) Validate() error {
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if c.SnapshotInterval > 0 && c.HomeDir == "" {
		return errors.NotValidf("SnapshotInterval without HomeDir")
	}
	return nil
}

// Worker samples resource usage and publishes it.
type Worker struct {
	tomb      tomb.Tomb
	cfg       Config
	collector *Collector

	started      time.Time
	lastGC       time.Time
	lastSnapshot time.Time

	haveLast bool
	last     Stats
	lastWhen time.Time

	mu      sync.Mutex
	history []Sample
	next    int
	count   int
	peaks   Peaks
}

// NewWorker starts a monitor worker.
func NewWorker(cfg Config) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = defaultGCInterval
	}
	if cfg.Sampler == nil {
		sampler, err := newProcfsSampler()
		if err != nil {
			return nil, errors.Trace(err)
		}
		cfg.Sampler = sampler
	}
	now := cfg.Clock.Now()
	w := &Worker{
		cfg:          cfg,
		collector:    NewMetricsCollector(),
		started:      now,
		lastGC:       now,
		lastSnapshot: now,
		history:      make([]Sample, cfg.HistorySize),
		peaks:        Peaks{Since: now},
	}
	w.tomb.Go(w.loop)
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.tomb.Wait()
}

// MetricsCollector returns the prometheus collector fed by this
// worker, for registration by the frontend.
func (w *Worker) MetricsCollector() *Collector {
	return w.collector
}

// History returns the retained samples, oldest first.
func (w *Worker) History() []Sample {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Sample, 0, w.count)
	start := (w.next - w.count + len(w.history)) % len(w.history)
	for i := 0; i < w.count; i++ {
		out = append(out, w.history[(start+i)%len(w.history)])
	}
	return out
}

// Latest returns the most recent sample, if any.
func (w *Worker) Latest() (Sample, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.count == 0 {
		return Sample{}, false
	}
	last := (w.next - 1 + len(w.history)) % len(w.history)
	return w.history[last], true
}

// Peaks returns the highest values seen since the last reset.
func (w *Worker) Peaks() Peaks {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.peaks
}

// ResetPeaks clears the peak tracking.
func (w *Worker) ResetPeaks() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.peaks = Peaks{Since: w.cfg.Clock.Now()}
}

func (w *Worker) loop() error {
	ctx := w.tomb.Context(context.Background())
	for {
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying
		case <-w.cfg.Clock.After(w.cfg.Interval):
			if err := w.tick(ctx); err != nil {
				w.cfg.Logger.Warningf(ctx, "resource sample failed: %v", err)
			}
		}
	}
}

func (w *Worker) tick(ctx context.Context) error {
	stats, err := w.cfg.Sampler.Sample()
	if err != nil {
		return errors.Trace(err)
	}
	now := w.cfg.Clock.Now()

	var hostCPU, processCPU float64
	if w.haveLast {
		wall := now.Sub(w.lastWhen).Seconds()
		if wall > 0 {
			processCPU = (stats.ProcessCPUSeconds - w.last.ProcessCPUSeconds) / wall * 100
			if processCPU < 0 {
				processCPU = 0
			}
		}
		totalDelta := stats.HostTotalSeconds - w.last.HostTotalSeconds
		busyDelta := stats.HostBusySeconds - w.last.HostBusySeconds
		if totalDelta > 0 {
			hostCPU = busyDelta / totalDelta * 100
			if hostCPU < 0 {
				hostCPU = 0
			} else if hostCPU > 100 {
				hostCPU = 100
			}
		}
	}
	w.haveLast = true
	w.last = stats
	w.lastWhen = now

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	sample := Sample{
		When:       now,
		HostCPU:    hostCPU,
		ProcessCPU: processCPU,
		RSS:        stats.RSSBytes,
		HeapAlloc:  ms.HeapAlloc,
		HeapSys:    ms.HeapSys,
		Sys:        ms.Sys,
		Goroutines: runtime.NumGoroutine(),
	}
	w.record(sample)

	w.collector.hostCPU.Set(sample.HostCPU)
	w.collector.processCPU.Set(sample.ProcessCPU)
	w.collector.rss.Set(float64(sample.RSS))
	w.collector.heapAlloc.Set(float64(sample.HeapAlloc))
	w.collector.goroutines.Set(float64(sample.Goroutines))

	w.cfg.Hub.Publish(pubsub.CPUUpdateTopic, pubsub.CPUUpdate{
		HostCPU:    sample.HostCPU,
		ProcessCPU: sample.ProcessCPU,
	})
	w.cfg.Hub.Publish(pubsub.MemoryUpdateTopic, pubsub.MemoryUpdate{
		RSS:          sample.RSS,
		HeapUsed:     sample.HeapAlloc,
		HeapTotal:    sample.HeapSys,
		RSSDisplay:   humanize.IBytes(sample.RSS),
		HeapDisplay:  humanize.IBytes(sample.HeapAlloc),
		TotalDisplay: humanize.IBytes(sample.Sys),
	})
	w.cfg.Hub.Publish(pubsub.UptimeTopic, pubsub.UptimeUpdate{
		System:  now.Sub(stats.HostBootTime),
		Process: now.Sub(w.started),
	})

	if w.cfg.MemoryCheck {
		w.cfg.Logger.Infof(ctx, "memory: rss %s heap %s/%s goroutines %d",
			humanize.IBytes(sample.RSS), humanize.IBytes(sample.HeapAlloc),
			humanize.IBytes(sample.HeapSys), sample.Goroutines)
	}

	if now.Sub(w.lastGC) >= w.cfg.GCInterval {
		w.lastGC = now
		runtime.GC()
		debug.FreeOSMemory()
		w.collector.forcedGC.Inc()
		w.cfg.Logger.Infof(ctx, "forced garbage collection, heap was %s", humanize.IBytes(sample.HeapAlloc))
	}

	if w.cfg.SnapshotInterval > 0 && now.Sub(w.lastSnapshot) >= w.cfg.SnapshotInterval {
		w.lastSnapshot = now
		if err := w.writeHeapSnapshot(ctx, now); err != nil {
			w.cfg.Logger.Warningf(ctx, "heap snapshot failed: %v", err)
		}
	}
	return nil
}

func (w *Worker) record(sample Sample) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.history[w.next] = sample
	w.next = (w.next + 1) % len(w.history)
	if w.count < len(w.history) {
		w.count++
	}
	if sample.HostCPU > w.peaks.HostCPU {
		w.peaks.HostCPU = sample.HostCPU
	}
	if sample.ProcessCPU > w.peaks.ProcessCPU {
		w.peaks.ProcessCPU = sample.ProcessCPU
	}
	if sample.RSS > w.peaks.RSS {
		w.peaks.RSS = sample.RSS
	}
	if sample.HeapAlloc > w.peaks.HeapAlloc {
		w.peaks.HeapAlloc = sample.HeapAlloc
	}
}

func (w *Worker) writeHeapSnapshot(ctx context.Context, now time.Time) error {
	dir := filepath.Join(w.cfg.HomeDir, ".matterbridge", "snapshots")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Trace(err)
	}
	path := filepath.Join(dir, fmt.Sprintf("heap-%d.pprof", now.Unix()))
	f, err := os.Create(path)
	if err != nil {
		return errors.Trace(err)
	}
	defer f.Close()
	if err := pprof.WriteHeapProfile(f); err != nil {
		return errors.Trace(err)
	}
	w.cfg.Logger.Infof(ctx, "wrote heap snapshot %s", path)
	return nil
}
