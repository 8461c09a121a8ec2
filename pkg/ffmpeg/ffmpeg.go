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

// Package ffmpeg runs and supervises ffmpeg subprocesses.
package ffmpeg

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

// LogFunc receives process output line by line.
type LogFunc func(msg string)

// Process interface only used for testing.
type Process interface {
	// Timeout sets the duration to wait between interrupting the
	// process and killing it.
	Timeout(time.Duration) Process

	// StdoutLogger sets the function that receives stdout.
	StdoutLogger(LogFunc) Process

	// StderrLogger sets the function that receives stderr.
	StderrLogger(LogFunc) Process

	// Start the process and wait for it to exit.
	Start(context.Context) error
}

// process manages subprocesses.
type process struct {
	timeout time.Duration
	cmd     *exec.Cmd

	stdoutLogger LogFunc
	stderrLogger LogFunc
}

// NewProcessFunc is used for mocking.
type NewProcessFunc func(*exec.Cmd) Process

// NewProcess return process.
func NewProcess(cmd *exec.Cmd) Process {
	return process{
		timeout: 1000 * time.Millisecond,
		cmd:     cmd,
	}
}

func (p process) Timeout(timeout time.Duration) Process {
	p.timeout = timeout
	return p
}

func (p process) StdoutLogger(l LogFunc) Process {
	p.stdoutLogger = l
	return p
}

func (p process) StderrLogger(l LogFunc) Process {
	p.stderrLogger = l
	return p
}

func (p process) attachLogger(logFunc LogFunc, label string, stdPipe func() (io.ReadCloser, error)) error {
	pipe, err := stdPipe()
	if err != nil {
		return err
	}

	go func() {
		scanner := bufio.NewScanner(pipe)
		for scanner.Scan() {
			logFunc(fmt.Sprintf("%v: %v", label, scanner.Text()))
		}
	}()
	return nil
}

// Start starts the process and waits for it to exit. Canceling the
// context interrupts the process and, after the timeout, kills it.
func (p process) Start(ctx context.Context) error {
	if p.stdoutLogger != nil {
		if err := p.attachLogger(p.stdoutLogger, "stdout", p.cmd.StdoutPipe); err != nil {
			return err
		}
	}
	if p.stderrLogger != nil {
		if err := p.attachLogger(p.stderrLogger, "stderr", p.cmd.StderrPipe); err != nil {
			return err
		}
	}

	if err := p.cmd.Start(); err != nil {
		return err
	}

	done := make(chan struct{})

	go func() {
		select {
		case <-done:
		case <-ctx.Done():
			p.stop(done)
		}
	}()

	err := p.cmd.Wait()
	close(done)

	// FFmpeg seems to return 255 on normal exit.
	if err != nil && err.Error() == "exit status 255" {
		return nil
	}

	return err
}

// Note, can't use exec.CommandContext to stop the process as it would
// kill it before it has a chance to exit on its own.
func (p process) stop(done chan struct{}) {
	p.cmd.Process.Signal(os.Interrupt) //nolint:errcheck

	select {
	case <-done:
	case <-time.After(p.timeout):
		p.cmd.Process.Signal(os.Kill) //nolint:errcheck
		<-done
	}
}

// ParseArgs slices arguments.
func ParseArgs(args string) []string {
	return strings.Split(strings.TrimSpace(args), " ")
}
