// SPDX-License-Identifier: GPL-2.0-or-later

// Package recovery rebuilds playable videos from damaged timelapse
// recordings.
package recovery

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"tlfix/pkg/h264"
)

// Parameter sets captured from a known good Snapmaker U1 video file.
var (
	DefaultSPS = []byte{
		0x67, 0x64, 0x00, 0x28, 0xac, 0xd9, 0x40, 0x78, 0x02, 0x27, 0xe5, 0xc0,
		0x5a, 0x81, 0x01, 0x02, 0xa0, 0x00, 0x00, 0x03, 0x00, 0x20, 0x00, 0x00,
		0x06, 0x01, 0xe3, 0x06, 0x32, 0xc0,
	}
	DefaultPPS = []byte{0x68, 0xea, 0xe3, 0xcb, 0x22, 0xc0}
)

// StopReason is why the extraction loop stopped reading units.
type StopReason int

const (
	// StopClean the payload ended at a record boundary.
	StopClean StopReason = iota

	// StopCorruptLength a length prefix of zero or above the ceiling.
	StopCorruptLength

	// StopTruncated the payload ended in the middle of a unit.
	StopTruncated

	// StopIOError reading or writing failed.
	StopIOError
)

func (r StopReason) String() string {
	switch r {
	case StopClean:
		return "clean"
	case StopCorruptLength:
		return "corrupt length"
	case StopTruncated:
		return "truncated unit"
	case StopIOError:
		return "io error"
	}
	return "unknown"
}

// Result of one extraction.
type Result struct {
	// Units is the number of payload units written, parameter sets
	// not included.
	Units int

	// Bytes written to the output, parameter sets included.
	Bytes int64

	Reason StopReason

	// BadLength is the offending prefix when Reason is StopCorruptLength.
	BadLength uint32
}

// Extractor rewrites a length-prefixed unit stream as a start-code
// delimited elementary stream.
type Extractor struct {
	MaxUnitSize int
	SPS         []byte
	PPS         []byte
}

// NewExtractor returns an extractor with the given unit size ceiling.
// Nil parameter sets fall back to the built-in ones.
func NewExtractor(maxUnitSize int, sps, pps []byte) *Extractor {
	if sps == nil {
		sps = DefaultSPS
	}
	if pps == nil {
		pps = DefaultPPS
	}
	return &Extractor{
		MaxUnitSize: maxUnitSize,
		SPS:         sps,
		PPS:         pps,
	}
}

// Extract writes the parameter sets followed by every unit that can be
// read from src. Corrupt or truncated input ends the loop with the
// reason recorded in the result, only I/O failures and cancellation
// return an error. Canceling the context returns the counts so far
// with the context error.
func (e *Extractor) Extract(ctx context.Context, dst io.Writer, src io.Reader) (Result, error) {
	var res Result

	write := func(unit []byte) error {
		if err := h264.WriteAnnexB(dst, unit); err != nil {
			return err
		}
		res.Bytes += int64(len(h264.StartCode) + len(unit))
		return nil
	}

	if err := write(e.SPS); err != nil {
		res.Reason = StopIOError
		return res, fmt.Errorf("write sps: %w", err)
	}
	if err := write(e.PPS); err != nil {
		res.Reason = StopIOError
		return res, fmt.Errorf("write pps: %w", err)
	}

	var prefix [4]byte
	var buf []byte
	for {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		_, err := io.ReadFull(src, prefix[:])
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			res.Reason = StopClean
			return res, nil
		} else if err != nil {
			res.Reason = StopIOError
			return res, fmt.Errorf("read length prefix: %w", err)
		}

		length := binary.BigEndian.Uint32(prefix[:])
		if length == 0 || int64(length) > int64(e.MaxUnitSize) {
			res.Reason = StopCorruptLength
			res.BadLength = length
			return res, nil
		}

		if cap(buf) < int(length) {
			buf = make([]byte, length)
		}
		unit := buf[:length]

		_, err = io.ReadFull(src, unit)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			res.Reason = StopTruncated
			return res, nil
		} else if err != nil {
			res.Reason = StopIOError
			return res, fmt.Errorf("read unit: %w", err)
		}

		if err := write(unit); err != nil {
			res.Reason = StopIOError
			return res, fmt.Errorf("write unit: %w", err)
		}
		res.Units++
	}
}
