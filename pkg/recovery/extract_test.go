// SPDX-License-Identifier: GPL-2.0-or-later

package recovery

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"tlfix/pkg/h264"

	"github.com/stretchr/testify/require"
)

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// prefixed frames units the way the camera writes them into 'mdat'.
func prefixed(units ...[]byte) []byte {
	var b bytes.Buffer
	for _, unit := range units {
		b.Write(u32(uint32(len(unit))))
		b.Write(unit)
	}
	return b.Bytes()
}

// delimited is the expected form of the same units in the output.
func delimited(units ...[]byte) []byte {
	var b bytes.Buffer
	for _, unit := range units {
		b.Write(h264.StartCode)
		b.Write(unit)
	}
	return b.Bytes()
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

type errWriter struct{ err error }

func (w errWriter) Write([]byte) (int, error) { return 0, w.err }

func TestExtract(t *testing.T) {
	ctx := context.Background()
	unit1 := []byte{1, 2, 3, 4, 5}
	unit2 := []byte{6, 7, 8, 9, 10, 11, 12}

	t.Run("twoUnits", func(t *testing.T) {
		var out bytes.Buffer
		e := NewExtractor(1000, nil, nil)

		result, err := e.Extract(ctx, &out, bytes.NewReader(prefixed(unit1, unit2)))
		require.NoError(t, err)

		expected := delimited(DefaultSPS, DefaultPPS, unit1, unit2)
		require.Equal(t, expected, out.Bytes())
		require.Equal(t, Result{
			Units:  2,
			Bytes:  int64(len(expected)),
			Reason: StopClean,
		}, result)

		// Two parameter sets plus every payload unit.
		require.Equal(t, 4, bytes.Count(out.Bytes(), h264.StartCode))
	})
	t.Run("customParameterSets", func(t *testing.T) {
		var out bytes.Buffer
		sps := []byte{0x67, 1}
		pps := []byte{0x68, 2}
		e := NewExtractor(1000, sps, pps)

		_, err := e.Extract(ctx, &out, bytes.NewReader(prefixed(unit1)))
		require.NoError(t, err)
		require.Equal(t, delimited(sps, pps, unit1), out.Bytes())
	})
	t.Run("emptyPayload", func(t *testing.T) {
		var out bytes.Buffer
		e := NewExtractor(1000, nil, nil)

		result, err := e.Extract(ctx, &out, bytes.NewReader(nil))
		require.NoError(t, err)
		require.Equal(t, delimited(DefaultSPS, DefaultPPS), out.Bytes())
		require.Equal(t, 0, result.Units)
		require.Equal(t, StopClean, result.Reason)
	})
	t.Run("zeroLength", func(t *testing.T) {
		var out bytes.Buffer
		e := NewExtractor(1000, nil, nil)

		payload := append(prefixed(unit1), u32(0)...)
		payload = append(payload, 0xaa, 0xbb)

		result, err := e.Extract(ctx, &out, bytes.NewReader(payload))
		require.NoError(t, err)
		require.Equal(t, delimited(DefaultSPS, DefaultPPS, unit1), out.Bytes())
		require.Equal(t, 1, result.Units)
		require.Equal(t, StopCorruptLength, result.Reason)
		require.Equal(t, uint32(0), result.BadLength)
	})
	t.Run("aboveCeiling", func(t *testing.T) {
		var out bytes.Buffer
		e := NewExtractor(1000, nil, nil)

		payload := append(prefixed(unit1, unit2), u32(1001)...)

		result, err := e.Extract(ctx, &out, bytes.NewReader(payload))
		require.NoError(t, err)
		require.Equal(t, delimited(DefaultSPS, DefaultPPS, unit1, unit2), out.Bytes())
		require.Equal(t, 2, result.Units)
		require.Equal(t, StopCorruptLength, result.Reason)
		require.Equal(t, uint32(1001), result.BadLength)
	})
	t.Run("truncatedUnit", func(t *testing.T) {
		var out bytes.Buffer
		e := NewExtractor(1000, nil, nil)

		// Last unit declares ten bytes but only three are present.
		payload := append(prefixed(unit1), u32(10)...)
		payload = append(payload, 1, 2, 3)

		result, err := e.Extract(ctx, &out, bytes.NewReader(payload))
		require.NoError(t, err)
		require.Equal(t, delimited(DefaultSPS, DefaultPPS, unit1), out.Bytes())
		require.Equal(t, 1, result.Units)
		require.Equal(t, StopTruncated, result.Reason)
	})
	t.Run("partialPrefix", func(t *testing.T) {
		var out bytes.Buffer
		e := NewExtractor(1000, nil, nil)

		payload := append(prefixed(unit1), 0, 0)

		result, err := e.Extract(ctx, &out, bytes.NewReader(payload))
		require.NoError(t, err)
		require.Equal(t, 1, result.Units)
		require.Equal(t, StopClean, result.Reason)
	})
	t.Run("readErr", func(t *testing.T) {
		var out bytes.Buffer
		e := NewExtractor(1000, nil, nil)
		stubErr := errors.New("stub")

		src := io.MultiReader(
			bytes.NewReader(prefixed(unit1)),
			errReader{stubErr},
		)

		result, err := e.Extract(ctx, &out, src)
		require.ErrorIs(t, err, stubErr)
		require.Equal(t, 1, result.Units)
		require.Equal(t, StopIOError, result.Reason)
	})
	t.Run("writeErr", func(t *testing.T) {
		stubErr := errors.New("stub")
		e := NewExtractor(1000, nil, nil)

		result, err := e.Extract(ctx, errWriter{stubErr}, bytes.NewReader(nil))
		require.ErrorIs(t, err, stubErr)
		require.Equal(t, StopIOError, result.Reason)
	})
	t.Run("canceled", func(t *testing.T) {
		canceled, cancel := context.WithCancel(context.Background())
		cancel()

		var out bytes.Buffer
		e := NewExtractor(1000, nil, nil)

		result, err := e.Extract(canceled, &out, bytes.NewReader(prefixed(unit1)))
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, 0, result.Units)

		// The parameter sets were already written.
		require.Equal(t, delimited(DefaultSPS, DefaultPPS), out.Bytes())
	})
	t.Run("deterministic", func(t *testing.T) {
		e := NewExtractor(1000, nil, nil)

		var out1, out2 bytes.Buffer
		_, err := e.Extract(ctx, &out1, bytes.NewReader(prefixed(unit1, unit2)))
		require.NoError(t, err)
		_, err = e.Extract(ctx, &out2, bytes.NewReader(prefixed(unit1, unit2)))
		require.NoError(t, err)

		require.Equal(t, out1.Bytes(), out2.Bytes())
	})
}

func TestStopReasonString(t *testing.T) {
	require.Equal(t, "clean", StopClean.String())
	require.Equal(t, "corrupt length", StopCorruptLength.String())
	require.Equal(t, "truncated unit", StopTruncated.String())
	require.Equal(t, "io error", StopIOError.String())
	require.Equal(t, "unknown", StopReason(99).String())
}
