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
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/require"
)

func newTestSystem() *System {
	return &System{
		cpu: func(context.Context, time.Duration, bool) ([]float64, error) {
			return []float64{11}, nil
		},
		ram: func() (*mem.VirtualMemoryStat, error) {
			return &mem.VirtualMemoryStat{UsedPercent: 22}, nil
		},
		disk: func(string) (*disk.UsageStat, error) {
			return &disk.UsageStat{
				UsedPercent: 33,
				Free:        100 * 1000 * 1000,
			}, nil
		},
	}
}

func TestUpdate(t *testing.T) {
	s := newTestSystem()
	require.NoError(t, s.update(context.Background()))

	require.Equal(t, Status{
		CPUUsage:          11,
		RAMUsage:          22,
		DiskUsage:         33,
		DiskFree:          100 * 1000 * 1000,
		DiskFreeFormatted: "100MB",
	}, s.Status())
}

func TestUpdateErrors(t *testing.T) {
	stubErr := errors.New("stub")

	t.Run("cpu", func(t *testing.T) {
		s := newTestSystem()
		s.cpu = func(context.Context, time.Duration, bool) ([]float64, error) {
			return nil, stubErr
		}
		require.ErrorIs(t, s.update(context.Background()), stubErr)
	})
	t.Run("ram", func(t *testing.T) {
		s := newTestSystem()
		s.ram = func() (*mem.VirtualMemoryStat, error) {
			return nil, stubErr
		}
		require.ErrorIs(t, s.update(context.Background()), stubErr)
	})
	t.Run("disk", func(t *testing.T) {
		s := newTestSystem()
		s.disk = func(string) (*disk.UsageStat, error) {
			return nil, stubErr
		}
		require.ErrorIs(t, s.update(context.Background()), stubErr)
	})
}

func TestEnsureFree(t *testing.T) {
	s := newTestSystem()

	require.NoError(t, s.EnsureFree(100*1000*1000))
	require.ErrorIs(t, s.EnsureFree(100*1000*1000+1), ErrDiskSpace)

	t.Run("diskErr", func(t *testing.T) {
		stubErr := errors.New("stub")
		s := newTestSystem()
		s.disk = func(string) (*disk.UsageStat, error) {
			return nil, stubErr
		}
		require.ErrorIs(t, s.EnsureFree(1), stubErr)
	})
}

func TestFormatBytes(t *testing.T) {
	cases := []struct {
		input    float64
		expected string
	}{
		{500 * megabyte, "500MB"},
		{2 * gigabyte, "2.00GB"},
		{20 * gigabyte, "20.0GB"},
		{200 * gigabyte, "200GB"},
		{2 * terabyte, "2.00TB"},
		{20 * terabyte, "20.0TB"},
		{200 * terabyte, "200TB"},
	}
	for _, tc := range cases {
		t.Run(tc.expected, func(t *testing.T) {
			require.Equal(t, tc.expected, formatBytes(tc.input))
		})
	}
}
