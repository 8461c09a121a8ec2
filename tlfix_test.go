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

package tlfix

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"tlfix/pkg/config"
	"tlfix/pkg/journal"
	"tlfix/pkg/recovery"
	"tlfix/pkg/web"

	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T) *App {
	tempDir := t.TempDir()
	env := &config.Env{
		FFmpegBin:    "ffmpeg",
		TempDir:      tempDir,
		OutputSuffix: "_fixed.mp4",
		FrameRate:    24,
		MaxUnitSize:  20000000,
		Workers:      2,
		JournalPath:  filepath.Join(tempDir, "journal.db"),
	}

	wg := &sync.WaitGroup{}
	app := newApp(env, wg)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	app.logger.Start(ctx)

	journalDB := journal.NewDB(env.JournalPath, wg)
	require.NoError(t, journalDB.Init(ctx))
	app.journal = journalDB

	app.recoverer = recovery.NewRecoverer(*env, app.logger, app.journal, nil)
	return app
}

// ftypOnly is a recording without a media payload, recovering it fails
// before ffmpeg gets involved.
func ftypOnly() []byte {
	return []byte{0, 0, 0, 16, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm', 0, 0, 0, 0}
}

func TestRunSingle(t *testing.T) {
	t.Run("recoveryFailureExitsZero", func(t *testing.T) {
		app := newTestApp(t)

		inputPath := filepath.Join(t.TempDir(), "broken.mp4")
		require.NoError(t, os.WriteFile(inputPath, ftypOnly(), 0o600))

		require.NoError(t, app.runSingle(context.Background(), inputPath, ""))

		records, err := app.journal.Query(journal.Query{Limit: 1})
		require.NoError(t, err)
		require.Len(t, records, 1)
		require.False(t, records[0].Success)
		require.Equal(t, recovery.ErrPayloadNotFound.Error(), records[0].Error)

		done, failed, _ := app.batch.totals()
		require.Equal(t, 1, done)
		require.Equal(t, 1, failed)
	})
	t.Run("missingInput", func(t *testing.T) {
		app := newTestApp(t)

		err := app.runSingle(context.Background(), "/dev/null/nil.mp4", "")
		require.Error(t, err)
	})
}

func TestRunBatch(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		app := newTestApp(t)
		dir := t.TempDir()

		require.NoError(t, os.WriteFile(filepath.Join(dir, "bad1.mp4"), ftypOnly(), 0o600))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "bad2.mp4"), ftypOnly(), 0o600))

		// A recording with a successful journal entry and an existing
		// output gets skipped.
		content := append(ftypOnly(), 0xff)
		donePath := filepath.Join(dir, "done.mp4")
		require.NoError(t, os.WriteFile(donePath, content, 0o600))

		fingerprint, err := journal.Fingerprint(bytes.NewReader(content), int64(len(content)))
		require.NoError(t, err)

		outputPath := filepath.Join(dir, "done_fixed.mp4")
		require.NoError(t, os.WriteFile(outputPath, nil, 0o600))
		require.NoError(t, app.journal.Save(journal.Record{
			Time:        1,
			Input:       donePath,
			Output:      outputPath,
			Fingerprint: fingerprint,
			Success:     true,
		}))

		require.NoError(t, app.runBatch(context.Background(), dir))

		done, failed, skipped := app.batch.totals()
		require.Equal(t, 2, done)
		require.Equal(t, 2, failed)
		require.Equal(t, 1, skipped)

		// Both failures were journaled.
		records, err := app.journal.Query(journal.Query{Limit: 10, OnlyFailed: true})
		require.NoError(t, err)
		require.Len(t, records, 2)
	})
	t.Run("emptyDir", func(t *testing.T) {
		app := newTestApp(t)
		require.NoError(t, app.runBatch(context.Background(), t.TempDir()))
	})
	t.Run("missingDir", func(t *testing.T) {
		app := newTestApp(t)
		require.Error(t, app.runBatch(context.Background(), "/dev/null/nil"))
	})
	t.Run("interrupted", func(t *testing.T) {
		app := newTestApp(t)
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "a.mp4"), ftypOnly(), 0o600))

		canceled, cancel := context.WithCancel(context.Background())
		cancel()

		require.ErrorIs(t, app.runBatch(canceled, dir), context.Canceled)
	})
}

func TestFindInputs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"a.mp4", "b.mp4.gz", "c.mp4.zst", "d_fixed.mp4", "notes.txt",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o600))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.mp4"), 0o700))

	inputs, err := findInputs(dir, "_fixed.mp4")
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(dir, "a.mp4"),
		filepath.Join(dir, "b.mp4.gz"),
		filepath.Join(dir, "c.mp4.zst"),
	}, inputs)
}

func TestIsRecording(t *testing.T) {
	cases := map[string]bool{
		"a.mp4":     true,
		"a.mp4.gz":  true,
		"a.mp4.zst": true,
		"a.mkv":     false,
		"a.mp4.bak": false,
		"mp4":       false,
	}
	for name, expected := range cases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, expected, isRecording(name))
		})
	}
}

func TestBatchState(t *testing.T) {
	batch := newBatchState()
	batch.setTotal(3)

	batch.begin("/x/b.mp4")
	batch.begin("/x/a.mp4")
	require.Equal(t, []string{"a.mp4", "b.mp4"}, batch.progress().Active)

	batch.finish("/x/a.mp4", true)
	batch.finish("/x/b.mp4", false)
	batch.skip()

	require.Equal(t, web.Progress{
		Total:   3,
		Done:    2,
		Failed:  1,
		Skipped: 1,
		Active:  []string{},
	}, batch.progress())
}

func TestLoadEnv(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		dir := t.TempDir()
		ffmpegPath := filepath.Join(dir, "ffmpeg")
		require.NoError(t, os.WriteFile(ffmpegPath, nil, 0o700))

		envPath := filepath.Join(dir, "env.yaml")
		envYAML := "ffmpegBin: " + ffmpegPath + "\ntempDir: " + dir + "\n"
		require.NoError(t, os.WriteFile(envPath, []byte(envYAML), 0o600))

		env, err := loadEnv(envPath)
		require.NoError(t, err)
		require.Equal(t, ffmpegPath, env.FFmpegBin)
		require.Equal(t, dir, env.TempDir)
	})
	t.Run("missingFile", func(t *testing.T) {
		_, err := loadEnv("/dev/null/nil.yaml")
		require.Error(t, err)
	})
	t.Run("invalidYaml", func(t *testing.T) {
		envPath := filepath.Join(t.TempDir(), "env.yaml")
		require.NoError(t, os.WriteFile(envPath, []byte("&"), 0o600))

		_, err := loadEnv(envPath)
		require.Error(t, err)
	})
}
