// Copyright 2025-2026 The tlfix Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package system

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tlfix/pkg/log"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Status stores system status.
type Status struct {
	CPUUsage          int    `json:"cpuUsage"`
	RAMUsage          int    `json:"ramUsage"`
	DiskUsage         int    `json:"diskUsage"`
	DiskFree          int64  `json:"diskFree"`
	DiskFreeFormatted string `json:"diskFreeFormatted"`
}

type (
	cpuFunc  func(context.Context, time.Duration, bool) ([]float64, error)
	ramFunc  func() (*mem.VirtualMemoryStat, error)
	diskFunc func(string) (*disk.UsageStat, error)
)

// System reports usage of the filesystem holding the temporary directory.
type System struct {
	cpu  cpuFunc
	ram  ramFunc
	disk diskFunc

	tempDir  string
	duration time.Duration

	status Status
	logger *log.Logger
	mu     sync.Mutex
	o      sync.Once
}

// New returns new System.
func New(tempDir string, logger *log.Logger) *System {
	return &System{
		cpu:  cpu.PercentWithContext,
		ram:  mem.VirtualMemory,
		disk: disk.Usage,

		tempDir:  tempDir,
		duration: 10 * time.Second,

		logger: logger,
	}
}

// NewMock returns a System with stubbed probes, used for testing.
func NewMock(diskFree uint64) *System {
	return &System{
		cpu: func(context.Context, time.Duration, bool) ([]float64, error) {
			return []float64{0}, nil
		},
		ram: func() (*mem.VirtualMemoryStat, error) {
			return &mem.VirtualMemoryStat{}, nil
		},
		disk: func(string) (*disk.UsageStat, error) {
			return &disk.UsageStat{Free: diskFree}, nil
		},
		duration: 10 * time.Second,
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
	diskUsage, err := s.disk(s.tempDir)
	if err != nil {
		return fmt.Errorf("disk usage: %w", err)
	}

	s.mu.Lock()
	s.status = Status{
		CPUUsage:          int(cpuUsage[0]),
		RAMUsage:          int(ramUsage.UsedPercent),
		DiskUsage:         int(diskUsage.UsedPercent),
		DiskFree:          int64(diskUsage.Free),
		DiskFreeFormatted: formatBytes(float64(diskUsage.Free)),
	}
	s.mu.Unlock()

	return nil
}

// StatusLoop updates system status until context is canceled.
func (s *System) StatusLoop(ctx context.Context) {
	s.o.Do(func() {
		for {
			if ctx.Err() != nil {
				return
			}
			if err := s.update(ctx); err != nil {
				s.logger.Error().Src("system").Msgf("could not update status: %v", err)
				select {
				case <-ctx.Done():
				case <-time.After(s.duration):
				}
			}
		}
	})
}

// Status returns cpu, ram and disk usage.
func (s *System) Status() Status {
	defer s.mu.Unlock()
	s.mu.Lock()
	return s.status
}

// ErrDiskSpace not enough disk space.
var ErrDiskSpace = errors.New("not enough disk space")

// EnsureFree returns ErrDiskSpace if the filesystem holding the
// temporary directory has less than need bytes free.
func (s *System) EnsureFree(need int64) error {
	usage, err := s.disk(s.tempDir)
	if err != nil {
		return fmt.Errorf("disk usage: %w", err)
	}
	if usage.Free < uint64(need) {
		return fmt.Errorf("%w: %v free, need %v",
			ErrDiskSpace, formatBytes(float64(usage.Free)), formatBytes(float64(need)))
	}
	return nil
}

const (
	kilobyte float64 = 1000
	megabyte         = kilobyte * 1000
	gigabyte         = megabyte * 1000
	terabyte         = gigabyte * 1000
)

func formatBytes(n float64) string {
	switch {
	case n < 1000*megabyte:
		return fmt.Sprintf("%.0fMB", n/megabyte)
	case n < 10*gigabyte:
		return fmt.Sprintf("%.2fGB", n/gigabyte)
	case n < 100*gigabyte:
		return fmt.Sprintf("%.1fGB", n/gigabyte)
	case n < 1000*gigabyte:
		return fmt.Sprintf("%.0fGB", n/gigabyte)
	case n < 10*terabyte:
		return fmt.Sprintf("%.2fTB", n/terabyte)
	case n < 100*terabyte:
		return fmt.Sprintf("%.1fTB", n/terabyte)
	default:
		return fmt.Sprintf("%.0fTB", n/terabyte)
	}
}
