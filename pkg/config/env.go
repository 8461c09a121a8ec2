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

// Package config loads and validates the environment configuration.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"tlfix/pkg/h264"

	"gopkg.in/yaml.v2"
)

// Env is the environment configuration.
type Env struct {
	FFmpegBin   string `yaml:"ffmpegBin"`
	FFmpegFlags string `yaml:"ffmpegFlags"`

	TempDir      string `yaml:"tempDir"`
	OutputSuffix string `yaml:"outputSuffix"`

	FrameRate   int `yaml:"frameRate"`
	MaxUnitSize int `yaml:"maxUnitSize"`
	Workers     int `yaml:"workers"`

	JournalPath string `yaml:"journalPath"`
	Addr        string `yaml:"addr"`

	// Parameter set overrides in hex. Empty means use the built-in sets.
	SPS string `yaml:"sps"`
	PPS string `yaml:"pps"`

	SPSUnit []byte `yaml:"-"`
	PPSUnit []byte `yaml:"-"`

	ConfigDir string `yaml:"-"`
}

var (
	// ErrPathNotAbsolute path is not absolute.
	ErrPathNotAbsolute = errors.New("path is not absolute")

	// ErrNotPPS unit is not a picture parameter set.
	ErrNotPPS = errors.New("not a picture parameter set")
)

// DefaultMaxUnitSize is the unit size ceiling used when the
// configuration doesn't specify one. Units claiming to be larger are
// treated as corrupt length prefixes.
const DefaultMaxUnitSize = 20000000

// NewEnv return new environment configuration.
func NewEnv(envPath string, envYAML []byte) (*Env, error) { //nolint:funlen
	var env Env

	if err := yaml.Unmarshal(envYAML, &env); err != nil {
		return nil, fmt.Errorf("unmarshal env.yaml: %w", err)
	}

	env.ConfigDir = filepath.Dir(envPath)

	if env.FFmpegBin == "" {
		env.FFmpegBin = "ffmpeg"
	}
	if env.TempDir == "" {
		env.TempDir = filepath.Join(os.TempDir(), "tlfix")
	}
	if env.OutputSuffix == "" {
		env.OutputSuffix = "_fixed.mp4"
	}
	if env.FrameRate == 0 {
		env.FrameRate = 24
	}
	if env.MaxUnitSize == 0 {
		env.MaxUnitSize = DefaultMaxUnitSize
	}
	if env.Workers == 0 {
		env.Workers = runtime.NumCPU()
	}
	if env.JournalPath == "" {
		env.JournalPath = filepath.Join(env.TempDir, "journal.db")
	}

	if strings.ContainsRune(env.FFmpegBin, os.PathSeparator) {
		if !filepath.IsAbs(env.FFmpegBin) {
			return nil, fmt.Errorf("ffmpegBin '%v': %w", env.FFmpegBin, ErrPathNotAbsolute)
		}
		if _, err := os.Stat(env.FFmpegBin); err != nil {
			return nil, fmt.Errorf("ffmpegBin: %w", err)
		}
	} else {
		path, err := exec.LookPath(env.FFmpegBin)
		if err != nil {
			return nil, fmt.Errorf("ffmpegBin: %w", err)
		}
		env.FFmpegBin = path
	}

	if !filepath.IsAbs(env.TempDir) {
		return nil, fmt.Errorf("tempDir '%v': %w", env.TempDir, ErrPathNotAbsolute)
	}
	if !filepath.IsAbs(env.JournalPath) {
		return nil, fmt.Errorf("journalPath '%v': %w", env.JournalPath, ErrPathNotAbsolute)
	}
	if strings.ContainsRune(env.OutputSuffix, os.PathSeparator) {
		return nil, fmt.Errorf("outputSuffix '%v': contains path separator", env.OutputSuffix)
	}
	if env.FrameRate < 0 {
		return nil, fmt.Errorf("frameRate '%v': not positive", env.FrameRate)
	}
	if env.MaxUnitSize < 0 {
		return nil, fmt.Errorf("maxUnitSize '%v': not positive", env.MaxUnitSize)
	}
	if env.Workers < 0 {
		return nil, fmt.Errorf("workers '%v': not positive", env.Workers)
	}

	if env.SPS != "" {
		unit, err := hex.DecodeString(env.SPS)
		if err != nil {
			return nil, fmt.Errorf("sps: %w", err)
		}
		var sps h264.SPS
		if err := sps.Unmarshal(unit); err != nil {
			return nil, fmt.Errorf("sps: %w", err)
		}
		env.SPSUnit = unit
	}
	if env.PPS != "" {
		unit, err := hex.DecodeString(env.PPS)
		if err != nil {
			return nil, fmt.Errorf("pps: %w", err)
		}
		if len(unit) == 0 || h264.NALUType(unit[0]&0x1f) != h264.NALUTypePPS {
			return nil, fmt.Errorf("pps '%v': %w", env.PPS, ErrNotPPS)
		}
		env.PPSUnit = unit
	}

	return &env, nil
}

// PrepareEnvironment creates the temporary and journal directories.
func (env Env) PrepareEnvironment() error {
	if err := os.MkdirAll(env.TempDir, 0o700); err != nil {
		return fmt.Errorf("create tempDir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(env.JournalPath), 0o700); err != nil {
		return fmt.Errorf("create journal directory: %w", err)
	}
	return nil
}
