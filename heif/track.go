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

package heif

import (
	"fmt"

	"github.com/jdeng/avifcheck/heif/bmff"
)

// Track is a "trak" of an image sequence.
type Track struct {
	ID      uint32
	Box     *bmff.Box
	Header  *bmff.TrackHeaderBox
	Handler string // "pict" or "auxv" for AVIF sequences

	// References holds the "tref" entries by reference type.
	References map[string][]uint32

	SampleEntry       *bmff.VisualSampleEntry
	SampleEntryType   string
	AV1Config         *bmff.AV1CodecConfig
	CodingConstraints *bmff.CodingConstraints
	AuxInfo           *bmff.AuxiliaryTypeInfo

	ChunkOffsets  []uint64
	SampleSizes   *bmff.SampleSizeBox
	SampleToChunk []bmff.SampleToChunkEntry

	resolved   bool
	samples    []Extent
	samplesErr error
}

func (t *Track) String() string { return fmt.Sprintf("track %d (%s)", t.ID, t.Handler) }

// Flags returns the "tkhd" flags.
func (t *Track) Flags() uint32 {
	if t.Header == nil {
		return 0
	}
	return t.Header.Flags
}

func (t *Track) InMovie() bool { return t.Flags()&bmff.TrackInMovie != 0 }

// IsAuxiliary reports whether the track is an auxiliary of another
// track, such as an alpha plane.
func (t *Track) IsAuxiliary() bool { return len(t.References["auxl"]) > 0 }

// Samples resolves the sample table of t into absolute byte ranges. The
// table is checked against the file size while it is expanded: the
// first sample that lies outside the file ends it with ErrOutOfBounds.
// The result is computed once per track.
func (f *File) Samples(t *Track) ([]Extent, error) {
	if !t.resolved {
		t.samples, t.samplesErr = f.resolveSamples(t)
		t.resolved = true
	}
	return t.samples, t.samplesErr
}

func (f *File) resolveSamples(t *Track) ([]Extent, error) {
	ss := t.SampleSizes
	if ss == nil {
		return nil, fmt.Errorf("heif: %v has no sample sizes", t)
	}
	count := int64(ss.SampleCount)
	if ss.SampleSize != 0 {
		if count > f.size/int64(ss.SampleSize) {
			return nil, fmt.Errorf("%w: %v declares %d samples of %d bytes, file size %d",
				ErrOutOfBounds, t, count, ss.SampleSize, f.size)
		}
	}
	var out []Extent
	var sample int64
	for ci := 0; ci < len(t.ChunkOffsets) && sample < count; ci++ {
		perChunk := int64(samplesPerChunk(t.SampleToChunk, uint32(ci+1)))
		off := int64(t.ChunkOffsets[ci])
		for j := int64(0); j < perChunk && sample < count; j++ {
			size := int64(ss.SampleSizeAt(int(sample)))
			if off < 0 || off > f.size || size > f.size-off {
				return out, fmt.Errorf("%w: sample %d (%d bytes at offset %d) lies outside the file",
					ErrOutOfBounds, sample+1, size, off)
			}
			out = append(out, Extent{Offset: off, Length: size})
			off += size
			sample++
		}
	}
	if sample < count {
		return out, fmt.Errorf("heif: %v: chunks hold %d of %d samples", t, sample, count)
	}
	return out, nil
}

// SampleData reads sample i of t.
func (f *File) SampleData(t *Track, i int) ([]byte, error) {
	samples, err := f.Samples(t)
	if i < 0 || i >= len(samples) {
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("heif: %v has no sample %d", t, i)
	}
	return f.ReadExtent(samples[i])
}

func samplesPerChunk(entries []bmff.SampleToChunkEntry, chunk uint32) uint32 {
	var n uint32
	for _, e := range entries {
		if e.FirstChunk > chunk {
			break
		}
		n = e.SamplesPerChunk
	}
	return n
}

func buildTracks(m *Meta, moov *bmff.Box) []*Track {
	var tracks []*Track
	for _, trak := range moov.ChildrenOf(bmff.NewType("trak")) {
		t := &Track{Box: trak, References: map[string][]uint32{}}
		if b := trak.Child(bmff.NewType("tkhd")); b != nil {
			if th, ok := m.parse(b).(*bmff.TrackHeaderBox); ok {
				t.Header = th
				t.ID = th.TrackID
			}
		}
		if tref := trak.Child(bmff.NewType("tref")); tref != nil {
			for _, c := range tref.Children {
				if tr, ok := m.parse(c).(*bmff.TrackReference); ok {
					typ := c.Type.String()
					t.References[typ] = append(t.References[typ], tr.TrackIDs...)
				}
			}
		}
		if b := trak.Find("mdia", "hdlr"); b != nil {
			if hb, ok := m.parse(b).(*bmff.HandlerBox); ok {
				t.Handler = hb.HandlerType
			}
		}
		if stbl := trak.Find("mdia", "minf", "stbl"); stbl != nil {
			t.readSampleTable(m, stbl)
		}
		tracks = append(tracks, t)
	}
	return tracks
}

func (t *Track) readSampleTable(m *Meta, stbl *bmff.Box) {
	if stsd := stbl.Child(bmff.NewType("stsd")); stsd != nil {
		m.parse(stsd)
		if len(stsd.Children) > 0 {
			entry := stsd.Children[0]
			t.SampleEntryType = entry.Type.String()
			t.SampleEntry, _ = m.parse(entry).(*bmff.VisualSampleEntry)
			for _, c := range entry.Children {
				switch v := m.parse(c).(type) {
				case *bmff.AV1CodecConfig:
					t.AV1Config = v
				case *bmff.CodingConstraints:
					t.CodingConstraints = v
				case *bmff.AuxiliaryTypeInfo:
					t.AuxInfo = v
				}
			}
		}
	}
	for _, c := range stbl.Children {
		if c.Type.EqualString("stsd") {
			continue
		}
		switch v := m.parse(c).(type) {
		case *bmff.ChunkOffsetBox:
			t.ChunkOffsets = v.Offsets
		case *bmff.SampleSizeBox:
			t.SampleSizes = v
		case *bmff.SampleToChunkBox:
			t.SampleToChunk = v.Entries
		}
	}
}
