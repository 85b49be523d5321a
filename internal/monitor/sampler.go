// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package monitor

import (
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/procfs"
)

// Stats carries the raw counters one sample reads from the system.
// CPU values are cumulative seconds; percentages fall out of the
// deltas between consecutive samples.
type Stats struct {
	ProcessCPUSeconds float64
	HostBusySeconds   float64
	HostTotalSeconds  float64
	RSSBytes          uint64
	HostBootTime      time.Time
}

// Sampler reads the raw counters. The production implementation reads
// procfs; suites script their own.
type Sampler interface {
	Sample() (Stats, error)
}

type procfsSampler struct {
	fs   procfs.FS
	proc procfs.Proc
}

func newProcfsSampler() (*procfsSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, errors.Annotate(err, "opening procfs")
	}
	proc, err := fs.Self()
	if err != nil {
		return nil, errors.Annotate(err, "opening own proc entry")
	}
	return &procfsSampler{fs: fs, proc: proc}, nil
}

// Sample implements Sampler.
func (s *procfsSampler) Sample() (Stats, error) {
	stat, err := s.proc.Stat()
	if err != nil {
		return Stats{}, errors.Annotate(err, "reading process stat")
	}
	host, err := s.fs.Stat()
	if err != nil {
		return Stats{}, errors.Annotate(err, "reading host stat")
	}
	cpu := host.CPUTotal
	busy := cpu.User + cpu.Nice + cpu.System + cpu.Iowait + cpu.IRQ + cpu.SoftIRQ + cpu.Steal
	return Stats{
		ProcessCPUSeconds: stat.CPUTime(),
		HostBusySeconds:   busy,
		HostTotalSeconds:  busy + cpu.Idle,
		RSSBytes:          uint64(stat.ResidentMemory()),
		HostBootTime:      time.Unix(int64(host.BootTime), 0),
	}, nil
}
