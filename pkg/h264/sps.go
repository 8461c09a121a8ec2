package h264

import (
	"bytes"
	"errors"

	"github.com/icza/bitio"
)

func readGolombUnsigned(br *bitio.Reader) (uint32, error) {
	leadingZeroBits := uint32(0)

	for {
		b, err := br.ReadBits(1)
		if err != nil {
			return 0, err
		}

		if b != 0 {
			break
		}

		leadingZeroBits++
	}

	codeNum := uint32(0)

	for n := leadingZeroBits; n > 0; n-- {
		b, err := br.ReadBits(1)
		if err != nil {
			return 0, err
		}

		codeNum |= uint32(b) << (n - 1)
	}

	return (1 << leadingZeroBits) - 1 + codeNum, nil
}

func readGolombSigned(br *bitio.Reader) (int32, error) {
	v, err := readGolombUnsigned(br)
	if err != nil {
		return 0, err
	}
	vi := int32(v)

	if (vi & 0x01) != 0 {
		return (vi + 1) / 2, nil
	}

	return -vi / 2, nil
}

func readFlag(br *bitio.Reader) (bool, error) {
	tmp, err := br.ReadBits(1)
	if err != nil {
		return false, err
	}

	return (tmp == 1), nil
}

func skipScalingList(br *bitio.Reader, size int) error {
	lastScale := int32(8)
	nextScale := int32(8)

	for j := 0; j < size; j++ {
		if nextScale != 0 {
			deltaScale, err := readGolombSigned(br)
			if err != nil {
				return err
			}

			nextScale = (lastScale + deltaScale + 256) % 256
		}

		if nextScale != 0 {
			lastScale = nextScale
		}
	}

	return nil
}

// SPS holds the subset of a H264 sequence parameter set needed to
// describe a recovered stream.
type SPS struct {
	ProfileIdc uint8
	LevelIdc   uint8
	ID         uint32

	ChromaFormatIdc         uint32
	SeparateColourPlaneFlag bool

	PicWidthInMbsMinus1       uint32
	PicHeightInMapUnitsMinus1 uint32
	FrameMbsOnlyFlag          bool

	CropLeft   uint32
	CropRight  uint32
	CropTop    uint32
	CropBottom uint32

	TimingInfoPresent bool
	NumUnitsInTick    uint32
	TimeScale         uint32
}

// SPS errors.
var (
	ErrSPSBufferTooShort    = errors.New("buffer too short")
	ErrSPSWrongForbiddenBit = errors.New("wrong forbidden bit")
	ErrSPSWrongNalRefIdc    = errors.New("wrong nal_ref_idc")
	ErrSPSWrongType         = errors.New("not a SPS")
)

// Unmarshal decodes a SPS from the bytes of a full NALU.
func (s *SPS) Unmarshal(buf []byte) error {
	// ref: ISO/IEC 14496-10:2020

	buf = AntiCompetitionRemove(buf)

	if len(buf) < 4 {
		return ErrSPSBufferTooShort
	}

	forbidden := buf[0] >> 7
	nalRefIdc := (buf[0] >> 5) & 0x03
	typ := NALUType(buf[0] & 0x1F)

	if forbidden != 0 {
		return ErrSPSWrongForbiddenBit
	}

	if nalRefIdc == 0 {
		return ErrSPSWrongNalRefIdc
	}

	if typ != NALUTypeSPS {
		return ErrSPSWrongType
	}

	s.ProfileIdc = buf[1]
	s.LevelIdc = buf[3]

	br := bitio.NewReader(bytes.NewReader(buf[4:]))

	var err error
	s.ID, err = readGolombUnsigned(br)
	if err != nil {
		return err
	}

	err = s.unmarshalProfileIdc(br)
	if err != nil {
		return err
	}

	// log2_max_frame_num_minus4.
	_, err = readGolombUnsigned(br)
	if err != nil {
		return err
	}

	picOrderCntType, err := readGolombUnsigned(br)
	if err != nil {
		return err
	}

	err = skipPicOrderCnt(br, picOrderCntType)
	if err != nil {
		return err
	}

	// max_num_ref_frames.
	_, err = readGolombUnsigned(br)
	if err != nil {
		return err
	}

	// gaps_in_frame_num_value_allowed_flag.
	_, err = readFlag(br)
	if err != nil {
		return err
	}

	s.PicWidthInMbsMinus1, err = readGolombUnsigned(br)
	if err != nil {
		return err
	}

	s.PicHeightInMapUnitsMinus1, err = readGolombUnsigned(br)
	if err != nil {
		return err
	}

	s.FrameMbsOnlyFlag, err = readFlag(br)
	if err != nil {
		return err
	}

	if !s.FrameMbsOnlyFlag {
		// mb_adaptive_frame_field_flag.
		_, err = readFlag(br)
		if err != nil {
			return err
		}
	}

	// direct_8x8_inference_flag.
	_, err = readFlag(br)
	if err != nil {
		return err
	}

	frameCroppingFlag, err := readFlag(br)
	if err != nil {
		return err
	}

	if frameCroppingFlag {
		err = s.unmarshalFrameCropping(br)
		if err != nil {
			return err
		}
	}

	vuiParametersPresentFlag, err := readFlag(br)
	if err != nil {
		return err
	}

	if vuiParametersPresentFlag {
		err = s.unmarshalVUI(br)
		if err != nil {
			return err
		}
	}

	return nil
}

func (s *SPS) unmarshalProfileIdc(br *bitio.Reader) error {
	switch s.ProfileIdc {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134, 135:
	default:
		return nil
	}

	var err error
	s.ChromaFormatIdc, err = readGolombUnsigned(br)
	if err != nil {
		return err
	}

	if s.ChromaFormatIdc == 3 {
		s.SeparateColourPlaneFlag, err = readFlag(br)
		if err != nil {
			return err
		}
	}

	// bit_depth_luma_minus8.
	_, err = readGolombUnsigned(br)
	if err != nil {
		return err
	}

	// bit_depth_chroma_minus8.
	_, err = readGolombUnsigned(br)
	if err != nil {
		return err
	}

	// qpprime_y_zero_transform_bypass_flag.
	_, err = readFlag(br)
	if err != nil {
		return err
	}

	seqScalingMatrixPresentFlag, err := readFlag(br)
	if err != nil {
		return err
	}

	if seqScalingMatrixPresentFlag {
		lim := 8
		if s.ChromaFormatIdc == 3 {
			lim = 12
		}

		for i := 0; i < lim; i++ {
			seqScalingListPresentFlag, err := readFlag(br)
			if err != nil {
				return err
			}

			if seqScalingListPresentFlag {
				size := 16
				if i >= 6 {
					size = 64
				}

				err = skipScalingList(br, size)
				if err != nil {
					return err
				}
			}
		}
	}

	return nil
}

func skipPicOrderCnt(br *bitio.Reader, picOrderCntType uint32) error {
	switch picOrderCntType {
	case 0:
		// log2_max_pic_order_cnt_lsb_minus4.
		_, err := readGolombUnsigned(br)
		return err

	case 1:
		// delta_pic_order_always_zero_flag.
		_, err := readFlag(br)
		if err != nil {
			return err
		}

		// offset_for_non_ref_pic.
		_, err = readGolombSigned(br)
		if err != nil {
			return err
		}

		// offset_for_top_to_bottom_field.
		_, err = readGolombSigned(br)
		if err != nil {
			return err
		}

		numRefFramesInPicOrderCntCycle, err := readGolombUnsigned(br)
		if err != nil {
			return err
		}

		for i := uint32(0); i < numRefFramesInPicOrderCntCycle; i++ {
			_, err = readGolombSigned(br)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

func (s *SPS) unmarshalFrameCropping(br *bitio.Reader) error {
	var err error
	s.CropLeft, err = readGolombUnsigned(br)
	if err != nil {
		return err
	}

	s.CropRight, err = readGolombUnsigned(br)
	if err != nil {
		return err
	}

	s.CropTop, err = readGolombUnsigned(br)
	if err != nil {
		return err
	}

	s.CropBottom, err = readGolombUnsigned(br)
	if err != nil {
		return err
	}

	return nil
}

// unmarshalVUI parses the VUI up to and including the timing info.
// The HRD and bitstream restriction fields that follow carry nothing
// this package reports, so parsing stops early.
func (s *SPS) unmarshalVUI(br *bitio.Reader) error {
	aspectRatioInfoPresentFlag, err := readFlag(br)
	if err != nil {
		return err
	}

	if aspectRatioInfoPresentFlag {
		aspectRatioIdc, err := br.ReadBits(8)
		if err != nil {
			return err
		}

		if aspectRatioIdc == 255 { // Extended_SAR
			_, err = br.ReadBits(32)
			if err != nil {
				return err
			}
		}
	}

	overscanInfoPresentFlag, err := readFlag(br)
	if err != nil {
		return err
	}

	if overscanInfoPresentFlag {
		// overscan_appropriate_flag.
		_, err = readFlag(br)
		if err != nil {
			return err
		}
	}

	videoSignalTypePresentFlag, err := readFlag(br)
	if err != nil {
		return err
	}

	if videoSignalTypePresentFlag {
		// video_format and video_full_range_flag.
		_, err = br.ReadBits(4)
		if err != nil {
			return err
		}

		colourDescriptionPresentFlag, err := readFlag(br)
		if err != nil {
			return err
		}

		if colourDescriptionPresentFlag {
			// colour_primaries, transfer_characteristics, matrix_coefficients.
			_, err = br.ReadBits(24)
			if err != nil {
				return err
			}
		}
	}

	chromaLocInfoPresentFlag, err := readFlag(br)
	if err != nil {
		return err
	}

	if chromaLocInfoPresentFlag {
		// chroma_sample_loc_type_top_field.
		_, err = readGolombUnsigned(br)
		if err != nil {
			return err
		}

		// chroma_sample_loc_type_bottom_field.
		_, err = readGolombUnsigned(br)
		if err != nil {
			return err
		}
	}

	s.TimingInfoPresent, err = readFlag(br)
	if err != nil {
		return err
	}

	if s.TimingInfoPresent {
		tmp, err := br.ReadBits(32)
		if err != nil {
			return err
		}
		s.NumUnitsInTick = uint32(tmp)

		tmp, err = br.ReadBits(32)
		if err != nil {
			return err
		}
		s.TimeScale = uint32(tmp)
	}

	return nil
}

// Width returns the video width.
func (s SPS) Width() int {
	return int(((s.PicWidthInMbsMinus1 + 1) * 16) - (s.CropLeft+s.CropRight)*2)
}

// Height returns the video height.
func (s SPS) Height() int {
	f := uint32(0)
	if s.FrameMbsOnlyFlag {
		f = 1
	}

	return int(((2 - f) * (s.PicHeightInMapUnitsMinus1 + 1) * 16) - (s.CropTop+s.CropBottom)*2)
}

// FPS returns the frames per second of the video.
func (s SPS) FPS() float64 {
	if !s.TimingInfoPresent {
		return 0
	}

	return float64(s.TimeScale) / (2 * float64(s.NumUnitsInTick))
}
