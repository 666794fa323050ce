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
	"testing"

	"github.com/icza/bitio"
	"github.com/stretchr/testify/require"
)

func TestSequenceHeader_RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		h    SequenceHeader
	}{
		{
			name: "reduced_still_8bit",
			h: SequenceHeader{
				StillPicture:              true,
				ReducedStillPictureHeader: true,
				OperatingPoints:           []OperatingPoint{{LevelIdx: 13}},
				MaxFrameWidth:             1920,
				MaxFrameHeight:            1080,
				BitDepth:                  8,
				ColorDescriptionPresent:   true,
				ColorPrimaries:            1,
				TransferCharacteristics:   13,
				MatrixCoefficients:        6,
				SubsamplingX:              1,
				SubsamplingY:              1,
				ChromaSamplePosition:      1,
			},
		},
		{
			name: "operating_points_10bit",
			h: SequenceHeader{
				OperatingPoints: []OperatingPoint{
					{IDC: 0x103, LevelIdx: 9, Tier: 1, InitialDisplayDelayPresent: true, InitialDisplayDelayMinus1: 3},
					{IDC: 0x101, LevelIdx: 5},
				},
				MaxFrameWidth:           1,
				MaxFrameHeight:          4097,
				BitDepth:                10,
				ColorPrimaries:          CPUnspecified,
				TransferCharacteristics: TCUnspecified,
				MatrixCoefficients:      MCUnspecified,
				ColorRange:              true,
				SubsamplingX:            1,
				SubsamplingY:            1,
			},
		},
		{
			name: "profile2_12bit_422",
			h: SequenceHeader{
				Profile:                   2,
				StillPicture:              true,
				ReducedStillPictureHeader: true,
				OperatingPoints:           []OperatingPoint{{LevelIdx: 16}},
				MaxFrameWidth:             640,
				MaxFrameHeight:            480,
				BitDepth:                  12,
				ColorPrimaries:            CPUnspecified,
				TransferCharacteristics:   TCUnspecified,
				MatrixCoefficients:        MCUnspecified,
				SubsamplingX:              1,
				FilmGrainParamsPresent:    true,
			},
		},
		{
			name: "profile1_srgb",
			h: SequenceHeader{
				Profile:                   1,
				StillPicture:              true,
				ReducedStillPictureHeader: true,
				OperatingPoints:           []OperatingPoint{{LevelIdx: 8}},
				MaxFrameWidth:             64,
				MaxFrameHeight:            64,
				BitDepth:                  8,
				ColorDescriptionPresent:   true,
				ColorPrimaries:            1,
				TransferCharacteristics:   13,
				MatrixCoefficients:        0,
				ColorRange:                true,
			},
		},
		{
			name: "monochrome",
			h: SequenceHeader{
				StillPicture:              true,
				ReducedStillPictureHeader: true,
				OperatingPoints:           []OperatingPoint{{LevelIdx: 0}},
				MaxFrameWidth:             16,
				MaxFrameHeight:            16,
				BitDepth:                  8,
				Monochrome:                true,
				ColorPrimaries:            CPUnspecified,
				TransferCharacteristics:   TCUnspecified,
				MatrixCoefficients:        MCUnspecified,
				SubsamplingX:              1,
				SubsamplingY:              1,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			payload, err := tt.h.Marshal()
			require.NoError(t, err)

			var got SequenceHeader
			require.NoError(t, got.Unmarshal(payload))
			require.Equal(t, tt.h, got)
		})
	}
}

func TestSequenceHeader_TimingInfo(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := bitio.NewWriter(&buf)
	bits := func(v uint64, n uint8) { w.TryWriteBits(v, n) }

	bits(0, 3)      // seq_profile
	bits(0, 2)      // still_picture, reduced_still_picture_header
	bits(1, 1)      // timing_info_present_flag
	bits(1001, 32)  // num_units_in_display_tick
	bits(60000, 32) // time_scale
	bits(1, 1)      // equal_picture_interval
	bits(1, 1)      // num_ticks_per_picture_minus_1 = 0
	bits(1, 1)      // decoder_model_info_present_flag
	bits(9, 5)      // buffer_delay_length_minus_1
	bits(1, 32)     // num_units_in_decoding_tick
	bits(0, 10)     // buffer_removal_time_length_minus_1, frame_presentation_time_length_minus_1
	bits(0, 1)      // initial_display_delay_present_flag
	bits(0, 5)      // operating_points_cnt_minus_1
	bits(0, 12)     // operating_point_idc
	bits(8, 5)      // seq_level_idx
	bits(1, 1)      // seq_tier
	bits(1, 1)      // decoder_model_present_for_this_op
	bits(0, 21)     // decoder and encoder buffer delays, low_delay_mode_flag
	bits(6, 4)      // frame_width_bits_minus_1
	bits(6, 4)      // frame_height_bits_minus_1
	bits(99, 7)     // max_frame_width_minus_1
	bits(49, 7)     // max_frame_height_minus_1
	bits(0, 1)      // frame_id_numbers_present_flag
	bits(0, 3)      // superblock and intra tools
	bits(0, 5)      // inter tools, enable_order_hint
	bits(1, 1)      // seq_choose_screen_content_tools
	bits(1, 1)      // seq_choose_integer_mv
	bits(0, 3)      // superres, cdef, restoration
	bits(0, 3)      // high_bitdepth, mono_chrome, color_description_present_flag
	bits(1, 1)      // color_range
	bits(2, 2)      // chroma_sample_position
	bits(0, 1)      // separate_uv_delta_q
	bits(0, 1)      // film_grain_params_present
	bits(1, 1)      // trailing one bit
	_, err := w.Align()
	require.NoError(t, err)
	require.NoError(t, w.TryError)
	require.NoError(t, w.Close())

	var h SequenceHeader
	require.NoError(t, h.Unmarshal(buf.Bytes()))
	require.True(t, h.TimingInfoPresent)
	require.True(t, h.DecoderModelInfoPresent)
	require.Len(t, h.OperatingPoints, 1)
	require.True(t, h.OperatingPoints[0].DecoderModelPresent)
	require.EqualValues(t, 8, h.Level())
	require.EqualValues(t, 1, h.Tier())
	require.EqualValues(t, 100, h.MaxFrameWidth)
	require.EqualValues(t, 50, h.MaxFrameHeight)
	require.EqualValues(t, 8, h.BitDepth)
	require.True(t, h.ColorRange)
	require.EqualValues(t, 2, h.ChromaSamplePosition)
	require.EqualValues(t, CPUnspecified, h.ColorPrimaries)
}

func TestSequenceHeader_Invalid(t *testing.T) {
	t.Parallel()

	var h SequenceHeader
	require.Error(t, h.Unmarshal([]byte{0xe0}), "seq_profile 7")
	require.Error(t, h.Unmarshal([]byte{0x18}), "truncated")

	_, err := (&SequenceHeader{}).Marshal()
	require.Error(t, err)
}

func TestSequenceHeader_ConfigRecord(t *testing.T) {
	t.Parallel()

	h := SequenceHeader{
		Profile:              2,
		OperatingPoints:      []OperatingPoint{{LevelIdx: 12, Tier: 1}},
		BitDepth:             12,
		SubsamplingX:         1,
		SubsamplingY:         1,
		ChromaSamplePosition: 2,
	}
	require.Equal(t, ConfigRecord{
		SeqProfile:           2,
		SeqLevelIdx0:         12,
		SeqTier0:             1,
		HighBitdepth:         1,
		TwelveBit:            1,
		ChromaSubsamplingX:   1,
		ChromaSubsamplingY:   1,
		ChromaSamplePosition: 2,
	}, h.ConfigRecord())
	require.Equal(t, []uint8{12, 12, 12}, h.PixelBitDepths())

	h.Monochrome = true
	require.Equal(t, []uint8{12}, h.PixelBitDepths())
}

func TestLEB128(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		v    uint64
		enc  []byte
	}{
		{name: "zero", v: 0, enc: []byte{0x00}},
		{name: "one_byte", v: 127, enc: []byte{0x7f}},
		{name: "two_bytes", v: 128, enc: []byte{0x80, 0x01}},
		{name: "three_bytes", v: 300000, enc: []byte{0xe0, 0xa7, 0x12}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.enc, AppendLEB128(nil, tt.v))
			v, n, err := ReadLEB128(append(tt.enc, 0xff))
			require.NoError(t, err)
			require.Equal(t, tt.v, v)
			require.Equal(t, len(tt.enc), n)
		})
	}

	_, _, err := ReadLEB128([]byte{0x80, 0x80})
	require.ErrorIs(t, err, ErrLEB128)
	_, _, err = ReadLEB128(bytes.Repeat([]byte{0xff}, 9))
	require.ErrorIs(t, err, ErrLEB128)
}

func TestParseOBUs(t *testing.T) {
	t.Parallel()

	sh := SequenceHeader{
		StillPicture:              true,
		ReducedStillPictureHeader: true,
		OperatingPoints:           []OperatingPoint{{LevelIdx: 2}},
		MaxFrameWidth:             8,
		MaxFrameHeight:            8,
		BitDepth:                  8,
	}
	payload, err := sh.Marshal()
	require.NoError(t, err)

	var data []byte
	data = AppendOBU(data, OBUTemporalDelimiter, nil)
	// Metadata OBU with an extension header and a size field.
	data = append(data, byte(OBUMetadata)<<3|0x04|0x02, 0x48, 0x02, 0xaa, 0xbb)
	data = AppendOBU(data, OBUSequenceHeader, payload)
	// Frame OBU without a size field runs to the end.
	data = append(data, byte(OBUFrame)<<3, 1, 2, 3)

	obus, err := ParseOBUs(data)
	require.NoError(t, err)
	require.Len(t, obus, 4)
	require.Equal(t, OBUTemporalDelimiter, obus[0].Type)
	require.Empty(t, obus[0].Payload)
	require.True(t, obus[1].HasExtension)
	require.EqualValues(t, 2, obus[1].TemporalID)
	require.EqualValues(t, 1, obus[1].SpatialID)
	require.Equal(t, []byte{0xaa, 0xbb}, obus[1].Payload)
	require.Equal(t, 2, obus[1].Offset)
	require.Equal(t, payload, obus[2].Payload)
	require.Equal(t, []byte{1, 2, 3}, obus[3].Payload)
	require.Equal(t, "OBU_FRAME", obus[3].Type.String())

	got, err := FindSequenceHeader(data)
	require.NoError(t, err)
	require.EqualValues(t, 8, got.MaxFrameWidth)
}

func TestParseOBUs_Errors(t *testing.T) {
	t.Parallel()

	_, err := ParseOBUs([]byte{0x80})
	require.ErrorIs(t, err, ErrForbiddenBit)

	_, err = ParseOBUs([]byte{byte(OBUFrame)<<3 | 0x02, 0x05, 1})
	require.ErrorIs(t, err, ErrOBUSize)

	_, err = FindSequenceHeader(AppendOBU(nil, OBUPadding, []byte{0}))
	require.ErrorIs(t, err, ErrNoSequenceHeader)

	require.Equal(t, "OBU_RESERVED_9", OBUType(9).String())
}
