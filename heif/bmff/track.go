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

package bmff

import (
	"bytes"
	"fmt"
)

// Track header flags.
const (
	TrackEnabled   uint32 = 0x1
	TrackInMovie   uint32 = 0x2
	TrackInPreview uint32 = 0x4
)

// TrackHeaderBox is a "tkhd" box.
type TrackHeaderBox struct {
	FullBox
	CreationTime     uint64
	ModificationTime uint64
	TrackID          uint32
	Duration         uint64
	Width, Height    uint32 // 16.16 fixed point
}

func parseTrackHeaderBox(gen *Box, br *bufReader) (Parsed, error) {
	fb, err := readFullBox(gen, br)
	if err != nil {
		return nil, err
	}
	th := &TrackHeaderBox{FullBox: fb}
	if fb.Version == 1 {
		th.CreationTime, _ = br.readUint64()
		th.ModificationTime, _ = br.readUint64()
		th.TrackID, _ = br.readUint32()
		br.readUint32() // reserved
		th.Duration, _ = br.readUint64()
	} else {
		ct, _ := br.readUint32()
		mt, _ := br.readUint32()
		th.CreationTime, th.ModificationTime = uint64(ct), uint64(mt)
		th.TrackID, _ = br.readUint32()
		br.readUint32() // reserved
		d, _ := br.readUint32()
		th.Duration = uint64(d)
	}
	// reserved, layer, alternate_group, volume, reserved, matrix
	br.readBytes(8 + 2 + 2 + 2 + 2 + 36)
	th.Width, _ = br.readUint32()
	th.Height, _ = br.readUint32()
	if !br.ok() {
		return nil, br.err
	}
	return th, nil
}

// SampleDescriptionBox is an "stsd" box. The sample entries are its
// children.
type SampleDescriptionBox struct {
	FullBox
	EntryCount uint32
}

func parseSampleDescriptionBox(gen *Box, br *bufReader) (Parsed, error) {
	fb, err := readFullBox(gen, br)
	if err != nil {
		return nil, err
	}
	sd := &SampleDescriptionBox{FullBox: fb}
	sd.EntryCount, _ = br.readUint32()
	if !br.ok() {
		return nil, br.err
	}
	return sd, nil
}

// VisualSampleEntry is an "av01" sample entry. Its configuration boxes,
// such as "av1C", "ccst" and "auxi", are its children.
type VisualSampleEntry struct {
	*Box
	DataReferenceIndex uint16
	Width, Height      uint16
	CompressorName     string
	Depth              uint16
}

func parseAV1SampleEntry(gen *Box, br *bufReader) (Parsed, error) {
	se := &VisualSampleEntry{Box: gen}
	br.readBytes(6) // reserved
	se.DataReferenceIndex, _ = br.readUint16()
	br.readBytes(16) // pre_defined, reserved
	se.Width, _ = br.readUint16()
	se.Height, _ = br.readUint16()
	br.readBytes(12) // resolutions, reserved
	br.readUint16()  // frame_count
	name, _ := br.readBytes(32)
	se.Depth, _ = br.readUint16()
	if !br.ok() {
		return nil, br.err
	}
	if n := int(name[0]); n < len(name) {
		se.CompressorName = string(bytes.TrimRight(name[1:1+n], "\x00"))
	}
	return se, nil
}

// ChunkOffsetBox is an "stco" or "co64" box.
type ChunkOffsetBox struct {
	FullBox
	Offsets []uint64
}

func parseChunkOffsetBox(gen *Box, br *bufReader) (Parsed, error) {
	fb, err := readFullBox(gen, br)
	if err != nil {
		return nil, err
	}
	co := &ChunkOffsetBox{FullBox: fb}
	bits := uint8(32)
	if gen.Type.EqualString("co64") {
		bits = 64
	}
	n, _ := br.readUint32()
	if int64(n)*int64(bits/8) > gen.PayloadSize() {
		return nil, fmt.Errorf("%d chunk offsets do not fit in the box", n)
	}
	for i := uint32(0); br.ok() && i < n; i++ {
		v, _ := br.readUintN(bits)
		co.Offsets = append(co.Offsets, v)
	}
	if !br.ok() {
		return nil, br.err
	}
	return co, nil
}

// MaxSampleCount bounds the sample count of an "stsz" box with a
// uniform sample size, whose count is not backed by table entries.
const MaxSampleCount = 1 << 24

// SampleSizeBox is an "stsz" box.
type SampleSizeBox struct {
	FullBox
	SampleSize  uint32 // non-zero when all samples have the same size
	SampleCount uint32
	EntrySizes  []uint32
}

// SampleSizeAt returns the size of sample i, counting from 0.
func (ss *SampleSizeBox) SampleSizeAt(i int) uint32 {
	if ss.SampleSize != 0 {
		return ss.SampleSize
	}
	if i < len(ss.EntrySizes) {
		return ss.EntrySizes[i]
	}
	return 0
}

func parseSampleSizeBox(gen *Box, br *bufReader) (Parsed, error) {
	fb, err := readFullBox(gen, br)
	if err != nil {
		return nil, err
	}
	ss := &SampleSizeBox{FullBox: fb}
	ss.SampleSize, _ = br.readUint32()
	ss.SampleCount, _ = br.readUint32()
	if ss.SampleSize != 0 && ss.SampleCount > MaxSampleCount {
		return nil, fmt.Errorf("%d samples exceed the limit of %d", ss.SampleCount, MaxSampleCount)
	}
	if ss.SampleSize == 0 {
		if int64(ss.SampleCount)*4 > gen.PayloadSize() {
			return nil, fmt.Errorf("%d sample sizes do not fit in the box", ss.SampleCount)
		}
		for i := uint32(0); br.ok() && i < ss.SampleCount; i++ {
			v, _ := br.readUint32()
			ss.EntrySizes = append(ss.EntrySizes, v)
		}
	}
	if !br.ok() {
		return nil, br.err
	}
	return ss, nil
}

type SampleToChunkEntry struct {
	FirstChunk             uint32
	SamplesPerChunk        uint32
	SampleDescriptionIndex uint32
}

// SampleToChunkBox is an "stsc" box.
type SampleToChunkBox struct {
	FullBox
	Entries []SampleToChunkEntry
}

func parseSampleToChunkBox(gen *Box, br *bufReader) (Parsed, error) {
	fb, err := readFullBox(gen, br)
	if err != nil {
		return nil, err
	}
	sc := &SampleToChunkBox{FullBox: fb}
	n, _ := br.readUint32()
	if int64(n)*12 > gen.PayloadSize() {
		return nil, fmt.Errorf("%d sample to chunk entries do not fit in the box", n)
	}
	for i := uint32(0); br.ok() && i < n; i++ {
		var e SampleToChunkEntry
		e.FirstChunk, _ = br.readUint32()
		e.SamplesPerChunk, _ = br.readUint32()
		e.SampleDescriptionIndex, _ = br.readUint32()
		sc.Entries = append(sc.Entries, e)
	}
	if !br.ok() {
		return nil, br.err
	}
	return sc, nil
}

// CodingConstraints is a "ccst" box.
type CodingConstraints struct {
	FullBox
	AllRefPicsIntra bool
	IntraPredUsed   bool
	MaxRefPerPic    uint8 // 4 bits
}

func parseCodingConstraints(gen *Box, br *bufReader) (Parsed, error) {
	fb, err := readFullBox(gen, br)
	if err != nil {
		return nil, err
	}
	v, err := br.readUint32()
	if err != nil {
		return nil, err
	}
	return &CodingConstraints{
		FullBox:         fb,
		AllRefPicsIntra: v&(1<<31) != 0,
		IntraPredUsed:   v&(1<<30) != 0,
		MaxRefPerPic:    uint8(v>>26) & 15,
	}, nil
}

// AuxiliaryTypeInfo is an "auxi" box.
type AuxiliaryTypeInfo struct {
	FullBox
	AuxTrackType string
}

func parseAuxiliaryTypeInfo(gen *Box, br *bufReader) (Parsed, error) {
	fb, err := readFullBox(gen, br)
	if err != nil {
		return nil, err
	}
	ai := &AuxiliaryTypeInfo{FullBox: fb}
	ai.AuxTrackType, _ = br.readString()
	if !br.ok() {
		return nil, br.err
	}
	return ai, nil
}

// TrackReference is a child of "tref". Its box type is the reference
// type, such as "auxl" or "prem".
type TrackReference struct {
	*Box
	TrackIDs []uint32
}

func parseTrackReference(gen *Box, br *bufReader) (Parsed, error) {
	tr := &TrackReference{Box: gen}
	for br.anyRemain() {
		v, _ := br.readUint32()
		tr.TrackIDs = append(tr.TrackIDs, v)
	}
	if !br.ok() {
		return nil, br.err
	}
	return tr, nil
}
