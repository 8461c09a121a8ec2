// Package h264 contains the H264 primitives needed to rebuild an
// Annex-B elementary stream from raw length-prefixed units.
package h264

import (
	"fmt"
	"io"
)

// NALUType is the type of a NALU.
type NALUType uint8

// NALU types.
const (
	NALUTypeNonIDR              NALUType = 1
	NALUTypeDataPartitionA      NALUType = 2
	NALUTypeDataPartitionB      NALUType = 3
	NALUTypeDataPartitionC      NALUType = 4
	NALUTypeIDR                 NALUType = 5
	NALUTypeSEI                 NALUType = 6
	NALUTypeSPS                 NALUType = 7
	NALUTypePPS                 NALUType = 8
	NALUTypeAccessUnitDelimiter NALUType = 9
	NALUTypeEndOfSequence       NALUType = 10
	NALUTypeEndOfStream         NALUType = 11
	NALUTypeFillerData          NALUType = 12
)

var naluTypeLabels = map[NALUType]string{
	NALUTypeNonIDR:              "NonIDR",
	NALUTypeDataPartitionA:      "DataPartitionA",
	NALUTypeDataPartitionB:      "DataPartitionB",
	NALUTypeDataPartitionC:      "DataPartitionC",
	NALUTypeIDR:                 "IDR",
	NALUTypeSEI:                 "SEI",
	NALUTypeSPS:                 "SPS",
	NALUTypePPS:                 "PPS",
	NALUTypeAccessUnitDelimiter: "AccessUnitDelimiter",
	NALUTypeEndOfSequence:       "EndOfSequence",
	NALUTypeEndOfStream:         "EndOfStream",
	NALUTypeFillerData:          "FillerData",
}

func (nt NALUType) String() string {
	if label, ok := naluTypeLabels[nt]; ok {
		return label
	}
	return fmt.Sprintf("unknown(%d)", int(nt))
}

// StartCode delimits NALUs in a Annex-B stream.
var StartCode = []byte{0x00, 0x00, 0x00, 0x01}

// WriteAnnexB writes a single NALU preceded by the start code.
func WriteAnnexB(w io.Writer, nalu []byte) error {
	if _, err := w.Write(StartCode); err != nil {
		return err
	}
	_, err := w.Write(nalu)
	return err
}

// AntiCompetitionRemove removes the emulation prevention bytes from a NALU.
//
//	0x00 0x00 0x03 0x00 -> 0x00 0x00 0x00
//	0x00 0x00 0x03 0x01 -> 0x00 0x00 0x01
//	0x00 0x00 0x03 0x02 -> 0x00 0x00 0x02
//	0x00 0x00 0x03 0x03 -> 0x00 0x00 0x03
func AntiCompetitionRemove(nalu []byte) []byte {
	ret := make([]byte, 0, len(nalu))
	zeros := 0

	for _, b := range nalu {
		if zeros >= 2 && b == 0x03 {
			zeros = 0
			continue
		}

		if b == 0x00 {
			zeros++
		} else {
			zeros = 0
		}
		ret = append(ret, b)
	}

	return ret
}
