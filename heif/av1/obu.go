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

// Package av1 inspects AV1 low overhead bitstream headers.
//
// It reads OBU framing and sequence headers, which is enough to check
// container metadata against the coded data. It does not decode frames.
package av1

import (
	"errors"
	"fmt"
)

var (
	ErrNoSequenceHeader = errors.New("av1: no sequence header OBU")
	ErrForbiddenBit     = errors.New("av1: OBU forbidden bit set")
	ErrOBUSize          = errors.New("av1: OBU size exceeds data")
	ErrLEB128           = errors.New("av1: invalid leb128 value")
)

type OBUType uint8

const (
	OBUSequenceHeader       OBUType = 1
	OBUTemporalDelimiter    OBUType = 2
	OBUFrameHeader          OBUType = 3
	OBUTileGroup            OBUType = 4
	OBUMetadata             OBUType = 5
	OBUFrame                OBUType = 6
	OBURedundantFrameHeader OBUType = 7
	OBUTileList             OBUType = 8
	OBUPadding              OBUType = 15
)

var obuTypeNames = map[OBUType]string{
	OBUSequenceHeader:       "OBU_SEQUENCE_HEADER",
	OBUTemporalDelimiter:    "OBU_TEMPORAL_DELIMITER",
	OBUFrameHeader:          "OBU_FRAME_HEADER",
	OBUTileGroup:            "OBU_TILE_GROUP",
	OBUMetadata:             "OBU_METADATA",
	OBUFrame:                "OBU_FRAME",
	OBURedundantFrameHeader: "OBU_REDUNDANT_FRAME_HEADER",
	OBUTileList:             "OBU_TILE_LIST",
	OBUPadding:              "OBU_PADDING",
}

func (t OBUType) String() string {
	if s, ok := obuTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("OBU_RESERVED_%d", uint8(t))
}

// OBU is one open bitstream unit.
type OBU struct {
	Type         OBUType
	HasExtension bool
	TemporalID   uint8
	SpatialID    uint8
	Offset       int // of the OBU header within the parsed data
	Payload      []byte
}

// ReadLEB128 decodes an unsigned leb128 value from the start of data,
// returning the value and the number of bytes used.
func ReadLEB128(data []byte) (uint64, int, error) {
	var v uint64
	for i := 0; i < 8; i++ {
		if i >= len(data) {
			return 0, 0, ErrLEB128
		}
		b := data[i]
		v |= uint64(b&0x7f) << (7 * i)
		if b&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	return 0, 0, ErrLEB128
}

// AppendLEB128 appends the leb128 encoding of v to dst.
func AppendLEB128(dst []byte, v uint64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(dst, b)
		}
		dst = append(dst, b|0x80)
	}
}

// ParseOBUs splits data into OBUs. An OBU without a size field extends to
// the end of data.
func ParseOBUs(data []byte) ([]OBU, error) {
	var obus []OBU
	for pos := 0; pos < len(data); {
		start := pos
		h := data[pos]
		pos++
		if h&0x80 != 0 {
			return obus, fmt.Errorf("%w at offset %d", ErrForbiddenBit, start)
		}
		obu := OBU{
			Type:         OBUType((h >> 3) & 0x0f),
			HasExtension: h&0x04 != 0,
			Offset:       start,
		}
		hasSize := h&0x02 != 0
		if obu.HasExtension {
			if pos >= len(data) {
				return obus, fmt.Errorf("%w at offset %d", ErrOBUSize, start)
			}
			obu.TemporalID = data[pos] >> 5
			obu.SpatialID = (data[pos] >> 3) & 3
			pos++
		}
		size := uint64(len(data) - pos)
		if hasSize {
			v, n, err := ReadLEB128(data[pos:])
			if err != nil {
				return obus, fmt.Errorf("OBU size at offset %d: %w", start, err)
			}
			pos += n
			size = v
		}
		if size > uint64(len(data)-pos) {
			return obus, fmt.Errorf("%w at offset %d: %d > %d", ErrOBUSize, start, size, len(data)-pos)
		}
		obu.Payload = data[pos : pos+int(size)]
		pos += int(size)
		obus = append(obus, obu)
	}
	return obus, nil
}

// AppendOBU appends an OBU with a size field and no extension header.
func AppendOBU(dst []byte, typ OBUType, payload []byte) []byte {
	dst = append(dst, byte(typ)<<3|0x02)
	dst = AppendLEB128(dst, uint64(len(payload)))
	return append(dst, payload...)
}

// FindSequenceHeader parses the first sequence header OBU in data.
func FindSequenceHeader(data []byte) (*SequenceHeader, error) {
	obus, err := ParseOBUs(data)
	for _, obu := range obus {
		if obu.Type != OBUSequenceHeader {
			continue
		}
		var sh SequenceHeader
		if err := sh.Unmarshal(obu.Payload); err != nil {
			return nil, err
		}
		return &sh, nil
	}
	if err != nil {
		return nil, err
	}
	return nil, ErrNoSequenceHeader
}
