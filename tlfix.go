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

// Package tlfix repairs timelapse recordings that the printer cut short.
package tlfix

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"tlfix/pkg/config"
	"tlfix/pkg/journal"
	"tlfix/pkg/log"
	"tlfix/pkg/recovery"
	"tlfix/pkg/system"
	"tlfix/pkg/web"

	"golang.org/x/sync/errgroup"
)

// Run parses flags and recovers the input. Recovery failures are
// logged and saved to the journal, only usage errors, interrupts and
// unreadable inputs return an error.
func Run() error {
	envFlag := flag.String("env", "", "path to env.yaml")
	batchFlag := flag.Bool("batch", false, "treat input as a directory of recordings")
	addrFlag := flag.String("addr", "", "serve the status page on this address")
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		return errors.New("missing input path")
	}
	inputPath := flag.Arg(0)
	outputPath := flag.Arg(1)

	env, err := loadEnv(*envFlag)
	if err != nil {
		return fmt.Errorf("could not get environment config: %w", err)
	}
	if *addrFlag != "" {
		env.Addr = *addrFlag
	}

	info, err := os.Stat(inputPath)
	if err == nil && info.IsDir() && !*batchFlag {
		return fmt.Errorf("'%v' is a directory, use -batch", inputPath)
	}

	if err := env.PrepareEnvironment(); err != nil {
		return fmt.Errorf("could not prepare environment: %w", err)
	}

	wg := &sync.WaitGroup{}
	app := newApp(env, wg)

	// Resources outlive the session so interrupt handling can still log.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessionCtx, sessionCancel := context.WithCancel(ctx)
	defer sessionCancel()

	app.start(ctx, sessionCancel)

	var runErr error
	if *batchFlag {
		runErr = app.runBatch(sessionCtx, inputPath)
	} else {
		runErr = app.runSingle(sessionCtx, inputPath, outputPath)
	}

	cancel()
	wg.Wait()
	return runErr
}

func loadEnv(envFlag string) (*config.Env, error) {
	if envFlag == "" {
		return config.NewEnv("", nil)
	}

	envPath, err := filepath.Abs(envFlag)
	if err != nil {
		return nil, fmt.Errorf("could not get absolute path of env.yaml: %w", err)
	}
	envYAML, err := os.ReadFile(envPath)
	if err != nil {
		return nil, fmt.Errorf("could not read env.yaml: %w", err)
	}
	return config.NewEnv(envPath, envYAML)
}

// App bundles the session dependencies.
type App struct {
	env       *config.Env
	logger    *log.Logger
	journal   *journal.DB
	sys       *system.System
	recoverer *recovery.Recoverer
	batch     *batchState

	wg *sync.WaitGroup
}

func newApp(env *config.Env, wg *sync.WaitGroup) *App {
	logger := log.NewLogger(wg)
	return &App{
		env:    env,
		logger: logger,
		sys:    system.New(env.TempDir, logger),
		batch:  newBatchState(),
		wg:     wg,
	}
}

// start brings up the logger, the journal, the signal handler and the
// status server.
func (app *App) start(ctx context.Context, stopSession context.CancelFunc) {
	app.logger.Start(ctx)
	go app.logger.LogToStdout(ctx)

	journalDB := journal.NewDB(app.env.JournalPath, app.wg)
	if err := journalDB.Init(ctx); err != nil {
		// A broken journal doesn't stop the recovery.
		app.logger.Error().Src("app").Msgf("could not open the journal: %v", err)
	} else {
		app.journal = journalDB
	}

	app.recoverer = recovery.NewRecoverer(*app.env, app.logger, app.journal, app.sys)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case received := <-stop:
			app.logger.Info().Src("app").Msgf("received %v, stopping", received)
			stopSession()
		case <-ctx.Done():
		}
	}()

	if app.env.Addr != "" {
		go app.sys.StatusLoop(ctx)
		app.startWebServer(ctx)
	}
}

func (app *App) startWebServer(ctx context.Context) {
	server := web.NewServer(app.env.Addr, app.logger)
	server.Mux.Handle("/", web.Index())
	server.Mux.Handle("/api/status", web.Status(app.sys, app.batch.progress))
	server.Mux.Handle("/api/logs", web.LogFeed(ctx, app.logger))
	if app.journal != nil {
		server.Mux.Handle("/api/journal", web.JournalQuery(app.journal))
	}

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		err := server.Start(ctx)
		if err != nil && ctx.Err() == nil {
			app.logger.Error().Src("web").Msgf("server: %v", err)
		}
	}()
}

func (app *App) runSingle(ctx context.Context, inputPath, outputPath string) error {
	app.batch.setTotal(1)
	app.batch.begin(inputPath)

	rec, err := app.recoverer.Recover(ctx, inputPath, outputPath)
	app.batch.finish(inputPath, err == nil && rec.Success)
	return err
}

func (app *App) runBatch(ctx context.Context, dir string) error {
	inputs, err := findInputs(dir, app.env.OutputSuffix)
	if err != nil {
		return err
	}
	app.logger.Info().Src("app").Msgf("found %v recordings in '%v'", len(inputs), dir)
	if len(inputs) == 0 {
		return nil
	}
	app.batch.setTotal(len(inputs))

	var g errgroup.Group
	g.SetLimit(app.env.Workers)

	for _, inputPath := range inputs {
		inputPath := inputPath
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if app.alreadyRecovered(inputPath) {
				app.logger.Info().Src("app").File(filepath.Base(inputPath)).
					Msg("already recovered, skipping")
				app.batch.skip()
				return nil
			}

			app.batch.begin(inputPath)
			rec, err := app.recoverer.Recover(ctx, inputPath, "")
			app.batch.finish(inputPath, err == nil && rec.Success)
			if err != nil {
				if ctx.Err() != nil {
					return err
				}
				// An unreadable input doesn't stop the batch.
				app.logger.Error().Src("app").File(filepath.Base(inputPath)).Msgf("%v", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	done, failed, skipped := app.batch.totals()
	app.logger.Info().Src("app").
		Msgf("batch finished, %v processed, %v failed, %v skipped", done, failed, skipped)
	return nil
}

// alreadyRecovered reports whether the journal has a successful run
// for the same content and the output still exists.
func (app *App) alreadyRecovered(inputPath string) bool {
	if app.journal == nil {
		return false
	}

	file, err := os.Open(inputPath)
	if err != nil {
		return false
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return false
	}
	fingerprint, err := journal.Fingerprint(file, info.Size())
	if err != nil {
		return false
	}

	prev, err := app.journal.LastByFingerprint(fingerprint)
	if err != nil || prev == nil || !prev.Success {
		return false
	}
	_, err = os.Stat(prev.Output)
	return err == nil
}

// findInputs lists recordings in dir, skipping outputs of previous runs.
func findInputs(dir, outputSuffix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read input directory: %w", err)
	}

	var inputs []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, outputSuffix) {
			continue
		}
		if !isRecording(name) {
			continue
		}
		inputs = append(inputs, filepath.Join(dir, name))
	}
	return inputs, nil
}

func isRecording(name string) bool {
	for _, ext := range []string{".mp4", ".mp4.gz", ".mp4.zst"} {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// batchState tracks progress counters for the status page.
type batchState struct {
	mu      sync.Mutex
	total   int
	done    int
	failed  int
	skipped int
	active  map[string]struct{}
}

func newBatchState() *batchState {
	return &batchState{active: make(map[string]struct{})}
}

func (b *batchState) setTotal(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total = n
}

func (b *batchState) begin(inputPath string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active[filepath.Base(inputPath)] = struct{}{}
}

func (b *batchState) finish(inputPath string, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.active, filepath.Base(inputPath))
	b.done++
	if !success {
		b.failed++
	}
}

func (b *batchState) skip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.skipped++
}

func (b *batchState) totals() (done, failed, skipped int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done, b.failed, b.skipped
}

func (b *batchState) progress() web.Progress {
	b.mu.Lock()
	defer b.mu.Unlock()

	active := make([]string, 0, len(b.active))
	for file := range b.active {
		active = append(active, file)
	}
	sort.Strings(active)

	return web.Progress{
		Total:   b.total,
		Done:    b.done,
		Failed:  b.failed,
		Skipped: b.skipped,
		Active:  active,
	}
}
