// SPDX-License-Identifier: GPL-2.0-or-later

// Package system samples runtime status: CPU and RAM via gopsutil, disk
// usage from the storage manager and recorder sample counters.
package system

import (
	"context"
	"fmt"
	"sync"
	"time"

	"recmux/pkg/log"
	"recmux/pkg/recorder"
	"recmux/pkg/storage"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Status is one sampled snapshot.
type Status struct {
	CPUUsage           int    `json:"cpuUsage"`
	RAMUsage           int    `json:"ramUsage"`
	DiskUsage          int    `json:"diskUsage"`
	DiskUsageFormatted string `json:"diskUsageFormatted"`

	Recorder recorder.Counters `json:"recorder"`
}

type (
	cpuFunc      func(context.Context, time.Duration, bool) ([]float64, error)
	ramFunc      func() (*mem.VirtualMemoryStat, error)
	diskFunc     func(time.Duration) storage.DiskUsage
	countersFunc func() recorder.Counters
)

// System periodically samples runtime status.
type System struct {
	cpu      cpuFunc
	ram      ramFunc
	disk     diskFunc
	counters countersFunc

	status   Status
	duration time.Duration

	logger *log.Logger
	mu     sync.Mutex
}

const defaultDuration = 10 * time.Second

// New returns a new System. disk is usually Manager.DiskUsage and counters
// Recorder.Counters. counters may be nil. A zero duration selects the
// default sampling interval.
func New(disk diskFunc, counters countersFunc, duration time.Duration, logger *log.Logger) *System {
	if duration == 0 {
		duration = defaultDuration
	}
	return &System{
		cpu:      cpu.PercentWithContext,
		ram:      mem.VirtualMemory,
		disk:     disk,
		counters: counters,

		duration: duration,

		logger: logger,
	}
}

func (s *System) update(ctx context.Context) error {
	cpuUsage, err := s.cpu(ctx, s.duration, false)
	if err != nil {
		return fmt.Errorf("cpu usage: %w", err)
	}
	ramUsage, err := s.ram()
	if err != nil {
		return fmt.Errorf("ram usage: %w", err)
	}
	diskUsage := s.disk(s.duration)

	status := Status{
		CPUUsage:           int(cpuUsage[0]),
		RAMUsage:           int(ramUsage.UsedPercent),
		DiskUsage:          diskUsage.Percent,
		DiskUsageFormatted: diskUsage.Formatted,
	}
	if s.counters != nil {
		status.Recorder = s.counters()
	}

	s.mu.Lock()
	s.status = status
	s.mu.Unlock()

	return nil
}

// StatusLoop updates the status until the context is canceled. The CPU
// sample blocks for the sampling interval, pacing the loop.
func (s *System) StatusLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.update(ctx); err != nil {
			s.logger.Error().Src("system").Msgf("could not update status: %v", err)
		}
	}
}

// Status returns the latest snapshot.
func (s *System) Status() Status {
	defer s.mu.Unlock()
	s.mu.Lock()
	return s.status
}
