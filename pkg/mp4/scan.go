// Package mp4 provides the minimal box parsing needed to locate the
// media payload inside a damaged file. Only top-level boxes are
// walked, and only forward, so the source can be a pipe or a
// decompressor as well as a plain file.
package mp4

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// BoxType is mpeg box type.
type BoxType [4]byte

func (t BoxType) String() string {
	return string(t[:])
}

// TypeMdat is the box that holds the raw media payload.
var TypeMdat = BoxType{'m', 'd', 'a', 't'}

// Header is a parsed top-level box header.
type Header struct {
	Type BoxType

	// Size is the declared box size including the header bytes,
	// already resolved from the extended field when one is present.
	// Zero means the box extends to the end of the file.
	Size uint64

	// HeaderLen is 8, or 16 when an extended size was read.
	HeaderLen uint64

	// Offset is the absolute position of the first header byte.
	Offset int64
}

// ErrBoxNotFound means the source was exhausted before a box with the
// wanted type appeared.
var ErrBoxNotFound = errors.New("box not found")

// MalformedBoxError means a box declared a size that cannot contain
// its own header. Continuing would require seeking backwards.
type MalformedBoxError struct {
	Type   BoxType
	Size   uint64
	Offset int64
}

func (e MalformedBoxError) Error() string {
	return fmt.Sprintf(
		"malformed '%v' box at offset %d: impossible size %d",
		e.Type, e.Offset, e.Size)
}

// Scanner walks the top-level boxes of a source front to back.
type Scanner struct {
	r   io.Reader
	off int64
}

// NewScanner creates a scanner positioned at the start of the source.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: r}
}

// Offset returns the absolute position of the read cursor.
func (s *Scanner) Offset() int64 {
	return s.off
}

// Next reads the next box header and leaves the cursor at the first
// payload byte. A source that ends before a full header is a clean
// stop and returns io.EOF.
func (s *Scanner) Next() (Header, error) {
	hdr := Header{Offset: s.off}

	var buf [8]byte
	if _, err := io.ReadFull(s.r, buf[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Header{}, io.EOF
		}
		return Header{}, fmt.Errorf("read box header: %w", err)
	}
	s.off += 8

	hdr.Size = uint64(binary.BigEndian.Uint32(buf[:4]))
	hdr.HeaderLen = 8
	copy(hdr.Type[:], buf[4:8])

	if hdr.Size == 1 {
		if _, err := io.ReadFull(s.r, buf[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return Header{}, io.EOF
			}
			return Header{}, fmt.Errorf("read extended box size: %w", err)
		}
		s.off += 8

		hdr.Size = binary.BigEndian.Uint64(buf[:])
		hdr.HeaderLen = 16
	}

	if hdr.Size != 0 && (hdr.Size < hdr.HeaderLen || hdr.Size > math.MaxInt64) {
		return Header{}, MalformedBoxError{
			Type:   hdr.Type,
			Size:   hdr.Size,
			Offset: hdr.Offset,
		}
	}

	return hdr, nil
}

// Skip discards the payload of a box so the next header can be read.
// Must not be called on a rest-of-file box. A source that ends inside
// the payload returns io.EOF.
func (s *Scanner) Skip(hdr Header) error {
	n, err := io.CopyN(io.Discard, s.r, int64(hdr.Size-hdr.HeaderLen))
	s.off += n
	if err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("skip '%v' box: %w", hdr.Type, err)
	}
	return nil
}

// Find advances through sibling boxes until one with the wanted type
// is found, leaving the cursor at its first payload byte.
func (s *Scanner) Find(want BoxType) (Header, error) {
	for {
		hdr, err := s.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Header{}, fmt.Errorf("'%v': %w", want, ErrBoxNotFound)
			}
			return Header{}, err
		}

		if hdr.Type == want {
			return hdr, nil
		}

		if hdr.Size == 0 {
			// Nothing can follow a rest-of-file box.
			return Header{}, fmt.Errorf("'%v': %w", want, ErrBoxNotFound)
		}

		if err := s.Skip(hdr); err != nil {
			if errors.Is(err, io.EOF) {
				return Header{}, fmt.Errorf("'%v': %w", want, ErrBoxNotFound)
			}
			return Header{}, err
		}
	}
}
