package recovery

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"tlfix/pkg/config"
	"tlfix/pkg/ffmpeg"
	"tlfix/pkg/h264"
	"tlfix/pkg/journal"
	"tlfix/pkg/log"
	"tlfix/pkg/mp4"
	"tlfix/pkg/system"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// ErrPayloadNotFound no 'mdat' box in the input file.
var ErrPayloadNotFound = errors.New("could not find 'mdat' box in the input file")

// MuxError is a failed remux with the captured diagnostic output.
type MuxError struct {
	Err    error
	Output string
}

func (e *MuxError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("ffmpeg failed to mux the video: %v", e.Err)
	}
	return fmt.Sprintf("ffmpeg failed to mux the video: %v\n%v", e.Err, e.Output)
}

func (e *MuxError) Unwrap() error {
	return e.Err
}

// Recoverer runs recovery sessions.
type Recoverer struct {
	Env config.Env

	logger  *log.Logger
	journal *journal.DB
	sys     *system.System

	newProcess ffmpeg.NewProcessFunc
}

// NewRecoverer returns new Recoverer. The journal and the system
// monitor may be nil.
func NewRecoverer(env config.Env, logger *log.Logger, journalDB *journal.DB, sys *system.System) *Recoverer {
	return &Recoverer{
		Env:        env,
		logger:     logger,
		journal:    journalDB,
		sys:        sys,
		newProcess: ffmpeg.NewProcess,
	}
}

// DefaultOutputPath derives the output path from the input path by
// replacing its extension with the suffix.
func DefaultOutputPath(inputPath, suffix string) string {
	return strings.TrimSuffix(inputPath, filepath.Ext(inputPath)) + suffix
}

// Recover extracts the payload of a single input file and muxes it
// into a playable video. The outcome is saved to the journal and
// returned. Input access errors and cancellation return an error,
// recovery failures only set the record error field.
func (r *Recoverer) Recover(ctx context.Context, inputPath, outputPath string) (*journal.Record, error) { //nolint:funlen
	if outputPath == "" {
		outputPath = DefaultOutputPath(inputPath, r.Env.OutputSuffix)
	}
	base := filepath.Base(inputPath)
	start := time.Now()

	r.logger.Info().Src("recover").File(base).Msgf("recovering to '%v'", outputPath)

	file, err := os.Open(inputPath)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat input: %w", err)
	}

	rec := &journal.Record{
		Time:   time.Now().UnixMicro(),
		Input:  inputPath,
		Output: outputPath,
	}

	fail := func(err error) (*journal.Record, error) {
		r.logger.Error().Src("recover").File(base).Msgf("%v", err)
		rec.Error = err.Error()
		r.saveRecord(rec)
		return rec, nil
	}
	interrupted := func() (*journal.Record, error) {
		r.logger.Warn().Src("recover").File(base).Msg("extraction interrupted by user")
		rec.Reason = "interrupted"
		rec.Error = "interrupted"
		r.saveRecord(rec)
		return rec, fmt.Errorf("recover '%v': %w", inputPath, ctx.Err())
	}

	extractor := NewExtractor(r.Env.MaxUnitSize, r.Env.SPSUnit, r.Env.PPSUnit)

	var sps h264.SPS
	if sps.Unmarshal(extractor.SPS) == nil {
		rec.Width = sps.Width()
		rec.Height = sps.Height()
		rec.FrameRate = sps.FPS()
		r.logger.Info().Src("recover").File(base).
			Msgf("parameter sets describe %vx%v at %v fps", rec.Width, rec.Height, rec.FrameRate)
	}

	rec.Fingerprint, err = journal.Fingerprint(file, info.Size())
	if err != nil {
		return nil, fmt.Errorf("fingerprint input: %w", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind input: %w", err)
	}

	// The intermediate stream is roughly the size of the input.
	if r.sys != nil {
		if err := r.sys.EnsureFree(info.Size()); err != nil {
			return fail(err)
		}
	}

	src, closeSrc, err := r.decompressed(file, base)
	if err != nil {
		return fail(err)
	}
	defer closeSrc()

	hdr, err := mp4.NewScanner(src).Find(mp4.TypeMdat)
	if err != nil {
		if errors.Is(err, mp4.ErrBoxNotFound) {
			return fail(ErrPayloadNotFound)
		}
		return fail(fmt.Errorf("scan input: %w", err))
	}

	if hdr.Size == 0 {
		r.logger.Info().Src("recover").File(base).
			Msgf("found 'mdat' box at offset %v, extends to end of file", hdr.Offset)
	} else {
		r.logger.Info().Src("recover").File(base).
			Msgf("found 'mdat' box of size %v at offset %v", hdr.Size, hdr.Offset)
	}

	tempPath := filepath.Join(r.Env.TempDir, base+".temp.h264")
	tmp, err := os.Create(tempPath)
	if err != nil {
		return fail(fmt.Errorf("create temporary file: %w", err))
	}
	defer func() {
		tmp.Close()
		if os.Remove(tempPath) == nil {
			r.logger.Info().Src("recover").File(base).Msg("temporary files cleaned up")
		}
	}()

	bw := bufio.NewWriter(tmp)

	// Broken recordings regularly declare a wrong 'mdat' size, the
	// extraction loop reads to the end of the payload regardless.
	result, err := extractor.Extract(ctx, bw, src)
	rec.Units = result.Units
	rec.Bytes = result.Bytes
	rec.Reason = result.Reason.String()

	if err != nil {
		if ctx.Err() != nil {
			return interrupted()
		}
		return fail(fmt.Errorf("extract units: %w", err))
	}

	switch result.Reason {
	case StopCorruptLength:
		r.logger.Warn().Src("recover").File(base).
			Msgf("encountered suspicious unit length %v, stopping extraction", result.BadLength)
	case StopTruncated:
		r.logger.Warn().Src("recover").File(base).
			Msg("unexpected end of payload, saving what we have")
	}

	if err := bw.Flush(); err != nil {
		return fail(fmt.Errorf("flush temporary file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return fail(fmt.Errorf("close temporary file: %w", err))
	}

	r.logger.Info().Src("recover").File(base).
		Msgf("extraction complete, muxing %v units", result.Units)

	if err := r.mux(ctx, base, tempPath, outputPath); err != nil {
		if ctx.Err() != nil {
			return interrupted()
		}
		return fail(err)
	}
	if ctx.Err() != nil {
		return interrupted()
	}

	rec.Success = true
	r.logger.Info().Src("recover").File(base).
		Msgf("recovery successful: '%v' in %v", outputPath, time.Since(start).Round(time.Millisecond))
	r.saveRecord(rec)
	return rec, nil
}

// decompressed wraps the input in a decompressor if it carries a known
// compression magic. Recordings pulled off the printer over its debug
// interface sometimes arrive gzip or zstd compressed.
func (r *Recoverer) decompressed(file *os.File, base string) (io.Reader, func(), error) {
	br := bufio.NewReader(file)

	magic, err := br.Peek(4)
	if err != nil {
		// Too short for a magic, let the scanner report it.
		return br, func() {}, nil
	}

	switch {
	case bytes.HasPrefix(magic, []byte{0x1f, 0x8b}):
		r.logger.Info().Src("recover").File(base).Msg("input is gzip compressed")
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("gzip: %w", err)
		}
		return gz, func() { gz.Close() }, nil

	case bytes.Equal(magic, []byte{0x28, 0xb5, 0x2f, 0xfd}):
		r.logger.Info().Src("recover").File(base).Msg("input is zstd compressed")
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("zstd: %w", err)
		}
		return zr, zr.Close, nil
	}

	return br, func() {}, nil
}

// Interrupted ffmpeg processes exit with status 255 which Start treats
// as success, so callers must also check the context after muxing.
func (r *Recoverer) mux(ctx context.Context, base, tempPath, outputPath string) error {
	args := []string{"-y"}
	if r.Env.FFmpegFlags != "" {
		args = append(args, ffmpeg.ParseArgs(r.Env.FFmpegFlags)...)
	}
	args = append(args,
		"-r", strconv.Itoa(r.Env.FrameRate),
		"-i", tempPath,
		"-c", "copy",
		outputPath,
	)

	cmd := exec.Command(r.Env.FFmpegBin, args...)

	diag := &lineWriter{
		logFunc: func(msg string) {
			r.logger.Debug().Src("mux").File(base).Msg(msg)
		},
	}
	cmd.Stderr = diag

	process := r.newProcess(cmd).
		Timeout(10 * time.Second).
		StdoutLogger(func(msg string) {
			r.logger.Debug().Src("mux").File(base).Msg(msg)
		})

	if err := process.Start(ctx); err != nil {
		return &MuxError{Err: err, Output: diag.tail()}
	}
	return nil
}

func (r *Recoverer) saveRecord(rec *journal.Record) {
	if r.journal == nil {
		return
	}
	if err := r.journal.Save(*rec); err != nil {
		r.logger.Error().Src("journal").File(filepath.Base(rec.Input)).
			Msgf("could not save record: %v", err)
	}
}

const diagTailLines = 20

// lineWriter splits writes into lines, forwards each to logFunc and
// keeps the newest diagTailLines. Unlike a pipe with a scanner
// goroutine, a writer set on exec.Cmd is fully drained before Wait
// returns.
type lineWriter struct {
	logFunc func(string)
	lines   []string
	buf     []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexAny(w.buf, "\r\n")
		if i < 0 {
			break
		}
		w.line(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) line(s string) {
	if s == "" {
		return
	}
	if w.logFunc != nil {
		w.logFunc(s)
	}
	w.lines = append(w.lines, s)
	if len(w.lines) > diagTailLines {
		w.lines = w.lines[1:]
	}
}

func (w *lineWriter) tail() string {
	if len(w.buf) > 0 {
		w.line(string(w.buf))
		w.buf = nil
	}
	return strings.Join(w.lines, "\n")
}
