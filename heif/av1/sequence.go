/*
Copyright 2018 The go4 Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package av1

import (
	"bytes"
	"fmt"
	"math/bits"

	"github.com/icza/bitio"
)

// Colour description values used when a sequence header has none.
const (
	CPUnspecified = 2
	TCUnspecified = 2
	MCUnspecified = 2
)

type OperatingPoint struct {
	IDC                        uint16 // 12 bits
	LevelIdx                   uint8  // 5 bits
	Tier                       uint8  // 1 bit
	DecoderModelPresent        bool
	InitialDisplayDelayPresent bool
	InitialDisplayDelayMinus1  uint8
}

// SequenceHeader holds the fields of a sequence header OBU needed to
// describe the coded images.
type SequenceHeader struct {
	Profile                   uint8
	StillPicture              bool
	ReducedStillPictureHeader bool
	TimingInfoPresent         bool
	DecoderModelInfoPresent   bool
	OperatingPoints           []OperatingPoint

	MaxFrameWidth  uint32
	MaxFrameHeight uint32

	// color_config()
	BitDepth                uint8
	Monochrome              bool
	ColorDescriptionPresent bool
	ColorPrimaries          uint8
	TransferCharacteristics uint8
	MatrixCoefficients      uint8
	ColorRange              bool
	SubsamplingX            uint8
	SubsamplingY            uint8
	ChromaSamplePosition    uint8

	FilmGrainParamsPresent bool
}

// bitReader wraps a bitio.Reader with a sticky error.
type bitReader struct {
	r   *bitio.Reader
	err error
}

func (br *bitReader) f(n uint8) uint64 {
	if br.err != nil || n == 0 {
		return 0
	}
	v, err := br.r.ReadBits(n)
	if err != nil {
		br.err = err
	}
	return v
}

func (br *bitReader) flag() bool { return br.f(1) == 1 }

func (br *bitReader) uvlc() uint32 {
	leadingZeros := 0
	for br.err == nil && !br.flag() {
		leadingZeros++
	}
	if leadingZeros >= 32 {
		return 1<<32 - 1
	}
	return uint32(br.f(uint8(leadingZeros))) + (1 << leadingZeros) - 1
}

// Unmarshal parses the payload of a sequence header OBU.
func (h *SequenceHeader) Unmarshal(payload []byte) error { //nolint:funlen
	br := &bitReader{r: bitio.NewReader(bytes.NewReader(payload))}

	h.Profile = uint8(br.f(3))
	if h.Profile > 2 {
		return fmt.Errorf("av1: invalid seq_profile %d", h.Profile)
	}
	h.StillPicture = br.flag()
	h.ReducedStillPictureHeader = br.flag()
	h.OperatingPoints = nil

	var bufferDelayLength uint8
	if h.ReducedStillPictureHeader {
		h.OperatingPoints = []OperatingPoint{{LevelIdx: uint8(br.f(5))}}
	} else {
		h.TimingInfoPresent = br.flag()
		if h.TimingInfoPresent {
			br.f(32) // num_units_in_display_tick
			br.f(32) // time_scale
			if br.flag() {
				br.uvlc() // num_ticks_per_picture_minus_1
			}
			h.DecoderModelInfoPresent = br.flag()
			if h.DecoderModelInfoPresent {
				bufferDelayLength = uint8(br.f(5)) + 1
				br.f(32) // num_units_in_decoding_tick
				br.f(5)  // buffer_removal_time_length_minus_1
				br.f(5)  // frame_presentation_time_length_minus_1
			}
		}
		initialDisplayDelayPresent := br.flag()
		count := int(br.f(5)) + 1
		for i := 0; i < count && br.err == nil; i++ {
			var op OperatingPoint
			op.IDC = uint16(br.f(12))
			op.LevelIdx = uint8(br.f(5))
			if op.LevelIdx > 7 {
				op.Tier = uint8(br.f(1))
			}
			if h.DecoderModelInfoPresent {
				op.DecoderModelPresent = br.flag()
				if op.DecoderModelPresent {
					br.f(bufferDelayLength) // decoder_buffer_delay
					br.f(bufferDelayLength) // encoder_buffer_delay
					br.f(1)                 // low_delay_mode_flag
				}
			}
			if initialDisplayDelayPresent {
				op.InitialDisplayDelayPresent = br.flag()
				if op.InitialDisplayDelayPresent {
					op.InitialDisplayDelayMinus1 = uint8(br.f(4))
				}
			}
			h.OperatingPoints = append(h.OperatingPoints, op)
		}
	}

	widthBits := uint8(br.f(4)) + 1
	heightBits := uint8(br.f(4)) + 1
	h.MaxFrameWidth = uint32(br.f(widthBits)) + 1
	h.MaxFrameHeight = uint32(br.f(heightBits)) + 1

	frameIDNumbersPresent := false
	if !h.ReducedStillPictureHeader {
		frameIDNumbersPresent = br.flag()
	}
	if frameIDNumbersPresent {
		br.f(4) // delta_frame_id_length_minus_2
		br.f(3) // additional_frame_id_length_minus_1
	}
	br.f(1) // use_128x128_superblock
	br.f(1) // enable_filter_intra
	br.f(1) // enable_intra_edge_filter
	if !h.ReducedStillPictureHeader {
		br.f(1) // enable_interintra_compound
		br.f(1) // enable_masked_compound
		br.f(1) // enable_warped_motion
		br.f(1) // enable_dual_filter
		enableOrderHint := br.flag()
		if enableOrderHint {
			br.f(1) // enable_jnt_comp
			br.f(1) // enable_ref_frame_mvs
		}
		forceScreenContentTools := uint64(2)
		if !br.flag() { // seq_choose_screen_content_tools
			forceScreenContentTools = br.f(1)
		}
		if forceScreenContentTools > 0 {
			if !br.flag() { // seq_choose_integer_mv
				br.f(1) // seq_force_integer_mv
			}
		}
		if enableOrderHint {
			br.f(3) // order_hint_bits_minus_1
		}
	}
	br.f(1) // enable_superres
	br.f(1) // enable_cdef
	br.f(1) // enable_restoration

	if done := h.unmarshalColorConfig(br); !done {
		br.f(1) // separate_uv_delta_q
	}
	h.FilmGrainParamsPresent = br.flag()

	if br.err != nil {
		return fmt.Errorf("av1: sequence header: %w", br.err)
	}
	return nil
}

// unmarshalColorConfig reads color_config(). It reports true when the
// syntax ended early, as it does for monochrome streams.
func (h *SequenceHeader) unmarshalColorConfig(br *bitReader) bool {
	highBitdepth := br.flag()
	h.BitDepth = 8
	switch {
	case h.Profile == 2 && highBitdepth:
		h.BitDepth = 10
		if br.flag() {
			h.BitDepth = 12
		}
	case highBitdepth:
		h.BitDepth = 10
	}

	h.Monochrome = false
	if h.Profile != 1 {
		h.Monochrome = br.flag()
	}
	h.ColorDescriptionPresent = br.flag()
	h.ColorPrimaries, h.TransferCharacteristics, h.MatrixCoefficients = CPUnspecified, TCUnspecified, MCUnspecified
	if h.ColorDescriptionPresent {
		h.ColorPrimaries = uint8(br.f(8))
		h.TransferCharacteristics = uint8(br.f(8))
		h.MatrixCoefficients = uint8(br.f(8))
	}

	h.ChromaSamplePosition = 0
	if h.Monochrome {
		h.ColorRange = br.flag()
		h.SubsamplingX, h.SubsamplingY = 1, 1
		return true
	}
	if h.ColorPrimaries == 1 && h.TransferCharacteristics == 13 && h.MatrixCoefficients == 0 {
		// sRGB
		h.ColorRange = true
		h.SubsamplingX, h.SubsamplingY = 0, 0
		return false
	}

	h.ColorRange = br.flag()
	switch {
	case h.Profile == 0:
		h.SubsamplingX, h.SubsamplingY = 1, 1
	case h.Profile == 1:
		h.SubsamplingX, h.SubsamplingY = 0, 0
	case h.BitDepth == 12:
		h.SubsamplingX = uint8(br.f(1))
		h.SubsamplingY = 0
		if h.SubsamplingX == 1 {
			h.SubsamplingY = uint8(br.f(1))
		}
	default:
		h.SubsamplingX, h.SubsamplingY = 1, 0
	}
	if h.SubsamplingX == 1 && h.SubsamplingY == 1 {
		h.ChromaSamplePosition = uint8(br.f(2))
	}
	return false
}

// Level returns seq_level_idx of the first operating point.
func (h *SequenceHeader) Level() uint8 {
	if len(h.OperatingPoints) == 0 {
		return 0
	}
	return h.OperatingPoints[0].LevelIdx
}

// Tier returns seq_tier of the first operating point.
func (h *SequenceHeader) Tier() uint8 {
	if len(h.OperatingPoints) == 0 {
		return 0
	}
	return h.OperatingPoints[0].Tier
}

// NumPlanes returns 1 for monochrome streams and 3 otherwise.
func (h *SequenceHeader) NumPlanes() int {
	if h.Monochrome {
		return 1
	}
	return 3
}

// ConfigRecord holds the fields of an AV1CodecConfigurationRecord that
// are derived from the sequence header.
type ConfigRecord struct {
	SeqProfile           uint8
	SeqLevelIdx0         uint8
	SeqTier0             uint8
	HighBitdepth         uint8
	TwelveBit            uint8
	Monochrome           uint8
	ChromaSubsamplingX   uint8
	ChromaSubsamplingY   uint8
	ChromaSamplePosition uint8
}

func b2u(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// ConfigRecord returns the configuration record matching h.
func (h *SequenceHeader) ConfigRecord() ConfigRecord {
	return ConfigRecord{
		SeqProfile:           h.Profile,
		SeqLevelIdx0:         h.Level(),
		SeqTier0:             h.Tier(),
		HighBitdepth:         b2u(h.BitDepth > 8),
		TwelveBit:            b2u(h.BitDepth == 12),
		Monochrome:           b2u(h.Monochrome),
		ChromaSubsamplingX:   h.SubsamplingX,
		ChromaSubsamplingY:   h.SubsamplingY,
		ChromaSamplePosition: h.ChromaSamplePosition,
	}
}

// PixelBitDepths returns the per-channel bit depths, as stored in a pixel
// information property.
func (h *SequenceHeader) PixelBitDepths() []uint8 {
	out := make([]uint8, h.NumPlanes())
	for i := range out {
		out[i] = h.BitDepth
	}
	return out
}

// Marshal encodes h as a sequence header OBU payload. Timing and decoder
// model information are not written, and all optional coding tools are
// signalled as disabled.
func (h *SequenceHeader) Marshal() ([]byte, error) { //nolint:funlen
	var buf bytes.Buffer
	w := bitio.NewWriter(&buf)
	bw := func(v uint64, n uint8) {
		if n > 0 {
			w.TryWriteBits(v, n)
		}
	}
	bool1 := func(b bool) { bw(uint64(b2u(b)), 1) }

	bw(uint64(h.Profile), 3)
	bool1(h.StillPicture)
	bool1(h.ReducedStillPictureHeader)
	if h.ReducedStillPictureHeader {
		bw(uint64(h.Level()), 5)
	} else {
		ops := h.OperatingPoints
		if len(ops) == 0 {
			ops = []OperatingPoint{{}}
		}
		bool1(false) // timing_info_present_flag
		delay := false
		for _, op := range ops {
			delay = delay || op.InitialDisplayDelayPresent
		}
		bool1(delay)
		bw(uint64(len(ops)-1), 5)
		for _, op := range ops {
			bw(uint64(op.IDC), 12)
			bw(uint64(op.LevelIdx), 5)
			if op.LevelIdx > 7 {
				bw(uint64(op.Tier), 1)
			}
			if delay {
				bool1(op.InitialDisplayDelayPresent)
				if op.InitialDisplayDelayPresent {
					bw(uint64(op.InitialDisplayDelayMinus1), 4)
				}
			}
		}
	}

	if h.MaxFrameWidth == 0 || h.MaxFrameHeight == 0 {
		return nil, fmt.Errorf("av1: invalid frame size %dx%d", h.MaxFrameWidth, h.MaxFrameHeight)
	}
	widthBits := max(bits.Len32(h.MaxFrameWidth-1), 1)
	heightBits := max(bits.Len32(h.MaxFrameHeight-1), 1)
	bw(uint64(widthBits-1), 4)
	bw(uint64(heightBits-1), 4)
	bw(uint64(h.MaxFrameWidth-1), uint8(widthBits))
	bw(uint64(h.MaxFrameHeight-1), uint8(heightBits))
	if !h.ReducedStillPictureHeader {
		bool1(false) // frame_id_numbers_present_flag
	}
	bw(0, 3) // use_128x128_superblock, enable_filter_intra, enable_intra_edge_filter
	if !h.ReducedStillPictureHeader {
		bw(0, 5)    // inter tools and enable_order_hint
		bool1(true) // seq_choose_screen_content_tools
		bool1(true) // seq_choose_integer_mv
	}
	bw(0, 3) // enable_superres, enable_cdef, enable_restoration

	// color_config()
	bool1(h.BitDepth > 8)
	if h.Profile == 2 && h.BitDepth > 8 {
		bool1(h.BitDepth == 12)
	}
	if h.Profile != 1 {
		bool1(h.Monochrome)
	}
	bool1(h.ColorDescriptionPresent)
	if h.ColorDescriptionPresent {
		bw(uint64(h.ColorPrimaries), 8)
		bw(uint64(h.TransferCharacteristics), 8)
		bw(uint64(h.MatrixCoefficients), 8)
	}
	ssx, ssy := h.SubsamplingX, h.SubsamplingY
	switch {
	case h.Profile == 0:
		ssx, ssy = 1, 1
	case h.Profile == 1:
		ssx, ssy = 0, 0
	case h.BitDepth != 12:
		ssx, ssy = 1, 0
	}
	switch {
	case h.Monochrome:
		bool1(h.ColorRange)
	case h.ColorDescriptionPresent && h.ColorPrimaries == 1 && h.TransferCharacteristics == 13 && h.MatrixCoefficients == 0:
		bool1(false) // separate_uv_delta_q
	default:
		bool1(h.ColorRange)
		if h.Profile == 2 && h.BitDepth == 12 {
			bw(uint64(ssx), 1)
			if ssx == 1 {
				bw(uint64(ssy), 1)
			}
		}
		if ssx == 1 && ssy == 1 {
			bw(uint64(h.ChromaSamplePosition), 2)
		}
		bool1(false) // separate_uv_delta_q
	}
	bool1(h.FilmGrainParamsPresent)

	// trailing_bits()
	bool1(true)
	if _, err := w.Align(); err != nil {
		return nil, err
	}
	if w.TryError != nil {
		return nil, w.TryError
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
