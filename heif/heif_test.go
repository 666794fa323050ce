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
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jdeng/avifcheck/heif/bmff"
	"github.com/jdeng/avifcheck/internal/avifbuild"
)

func open(t *testing.T, f *avifbuild.File, opts ...Option) *File {
	t.Helper()
	data := f.Bytes()
	hf := Open(bytes.NewReader(data), int64(len(data)), opts...)
	_, err := hf.Tree()
	require.NoError(t, err)
	return hf
}

func errorCodes(m *Meta) []bmff.Code {
	var out []bmff.Code
	for _, e := range m.Errors {
		out = append(out, e.Code)
	}
	return out
}

func simpleImage() *avifbuild.File {
	sh := avifbuild.StillImage(64, 48, 8)
	return &avifbuild.File{
		Primary: 1,
		Items:   []*avifbuild.Item{{ID: 1, Data: avifbuild.CodedImage(sh), Assoc: []avifbuild.Assoc{{Index: 1, Essential: true}, {Index: 2}}}},
		Properties: []*bmff.Box{
			avifbuild.AV1C(sh, nil),
			avifbuild.ISPE(64, 48),
		},
	}
}

func TestOpen(t *testing.T) {
	t.Parallel()

	hf := open(t, simpleImage())
	m := hf.Meta()
	require.Empty(t, m.Errors)
	require.NotNil(t, m.FileType)
	require.Equal(t, "avif", m.FileType.MajorBrand)
	require.Equal(t, "pict", m.Handler.HandlerType)

	it, err := hf.PrimaryItem()
	require.NoError(t, err)
	require.Equal(t, "av01", it.Type())
	require.True(t, it.IsImage())
	require.Len(t, it.Locations, 1)

	w, h, ok := it.SpatialExtents()
	require.True(t, ok)
	require.Equal(t, 64, w)
	require.Equal(t, 48, h)
	require.NotNil(t, it.AV1Config())

	_, err = hf.ItemByID(2)
	require.ErrorIs(t, err, ErrUnknownItem)
}

func TestProperties_IndexPreservation(t *testing.T) {
	t.Parallel()

	f := simpleImage()
	f.Properties = []*bmff.Box{
		avifbuild.Opaque("zzzz", []byte{1, 2, 3}),
		avifbuild.CLAP(32, 24, 0, 0),
		avifbuild.IROT(1),
		avifbuild.ISPE(64, 48),
	}
	f.Items[0].Assoc = []avifbuild.Assoc{{Index: 4}, {Index: 2}, {Index: 3}}

	m := open(t, f).Meta()
	require.Empty(t, m.Errors)
	require.Len(t, m.Properties, 4)
	require.Equal(t, KindOpaque, m.Properties[0].Kind)
	require.Nil(t, m.Properties[0].Value)

	props := m.Items[0].Properties()
	require.Len(t, props, 3)
	require.Equal(t, []Kind{KindSpatialExtents, KindCleanAperture, KindRotation},
		[]Kind{props[0].Kind, props[1].Kind, props[2].Kind})
	require.Equal(t, 2, props[1].Index)
	require.Equal(t, "clap", props[1].Type())
}

func TestProperties_InsertShiftsIndices(t *testing.T) {
	t.Parallel()

	base := []*bmff.Box{avifbuild.ISPE(64, 48), avifbuild.IROT(2), avifbuild.IMIR(1)}
	for k := 0; k <= len(base); k++ {
		props := append([]*bmff.Box{}, base[:k]...)
		props = append(props, avifbuild.Opaque("free", nil))
		props = append(props, base[k:]...)

		var assoc []avifbuild.Assoc
		for i := range base {
			idx := uint16(i + 1)
			if i >= k {
				idx++
			}
			assoc = append(assoc, avifbuild.Assoc{Index: idx})
		}
		f := simpleImage()
		f.Properties = props
		f.Items[0].Assoc = assoc

		it := open(t, f).Meta().Items[0]
		got := it.Properties()
		require.Len(t, got, 3, "unknown box at %d", k)
		require.Equal(t, KindSpatialExtents, got[0].Kind)
		require.Equal(t, KindRotation, got[1].Kind)
		require.Equal(t, KindMirror, got[2].Kind)
		require.Equal(t, 2, it.Rotations())
	}
}

func TestDisplayTransform_OrderIndependent(t *testing.T) {
	t.Parallel()

	transforms := []*bmff.Box{
		avifbuild.CLAP(60, 40, 0, 0),
		avifbuild.IROT(1),
		avifbuild.IMIR(bmff.MirrorHorizontal),
	}
	perms := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}

	var want *Transform
	for _, storage := range perms {
		for _, assocOrder := range perms {
			props := []*bmff.Box{avifbuild.ISPE(100, 80)}
			pos := map[int]uint16{}
			for _, i := range storage {
				props = append(props, transforms[i])
				pos[i] = uint16(len(props))
			}
			assoc := []avifbuild.Assoc{{Index: 1}}
			for _, i := range assocOrder {
				assoc = append(assoc, avifbuild.Assoc{Index: pos[i], Essential: true})
			}
			f := simpleImage()
			f.Properties = props
			f.Items[0].Assoc = assoc

			got, err := open(t, f).Meta().Items[0].DisplayTransform()
			require.NoError(t, err)
			if want == nil {
				want = got
				continue
			}
			require.Equal(t, want.Matrix, got.Matrix, "storage %v association %v", storage, assocOrder)
			require.Equal(t, want.Width, got.Width)
			require.Equal(t, want.Height, got.Height)
		}
	}

	require.Equal(t, 40, want.Width)
	require.Equal(t, 60, want.Height)
	require.Equal(t, 1, want.Rotations)
	require.Equal(t, int(bmff.MirrorHorizontal), want.Mirror)

	// Crop, then rotate, then mirror.
	x, y := want.Apply(20, 20)
	require.InDelta(t, 0, x, 1e-9)
	require.InDelta(t, 0, y, 1e-9)
	x, y = want.Apply(79, 20)
	require.InDelta(t, 0, x, 1e-9)
	require.InDelta(t, 59, y, 1e-9)
}

func TestDisplayTransform_Errors(t *testing.T) {
	t.Parallel()

	f := simpleImage()
	f.Properties = append(f.Properties, avifbuild.IROT(1), avifbuild.IROT(2))
	f.Items[0].Assoc = append(f.Items[0].Assoc, avifbuild.Assoc{Index: 3}, avifbuild.Assoc{Index: 4})
	_, err := open(t, f).Meta().Items[0].DisplayTransform()
	require.ErrorIs(t, err, ErrDuplicateProperty)

	f = simpleImage()
	f.Items[0].Assoc = f.Items[0].Assoc[:1]
	_, err = open(t, f).Meta().Items[0].DisplayTransform()
	require.ErrorIs(t, err, ErrNoSpatialExtents)
}

func TestResolveCrop(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		clap     *bmff.Box
		negative bool
		integral bool
		inBounds bool
	}{
		{name: "centered", clap: avifbuild.CLAP(50, 40, 0, 0), integral: true, inBounds: true},
		{name: "shifted", clap: avifbuild.CLAP(50, 40, 25, -30), integral: true, inBounds: true},
		{name: "negative_origin", clap: avifbuild.CLAP(50, 40, -26, 0), negative: true, integral: true},
		{name: "past_right_edge", clap: avifbuild.CLAP(50, 40, 26, 0), integral: true},
		{name: "half_pixel", clap: avifbuild.CLAP(51, 40, 0, 0), inBounds: true},
		{name: "half_pixel_outside", clap: avifbuild.CLAPFrac(99, 2, 40, 1, 51, 2, 0, 1), inBounds: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tree, err := bmff.ReadTree(bytes.NewReader(boxBytes(t, tt.clap)), tt.clap.Len())
			require.NoError(t, err)
			p, err := tree.Boxes[0].Parse()
			require.NoError(t, err)

			c := ResolveCrop(p.(*bmff.CleanAperture), 100, 100)
			require.Equal(t, tt.negative, c.NegativeOrigin(), c.String())
			require.Equal(t, tt.integral, c.Integral(), c.String())
			require.Equal(t, tt.inBounds, c.InBounds(100, 100), c.String())
		})
	}
}

func boxBytes(t *testing.T, b *bmff.Box) []byte {
	t.Helper()
	var buf bytes.Buffer
	_, err := b.WriteTo(&buf)
	require.NoError(t, err)
	return buf.Bytes()
}

func TestModelErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(f *avifbuild.File)
		want   []bmff.Code
	}{
		{
			name:   "dangling_reference",
			modify: func(f *avifbuild.File) { f.Refs = []avifbuild.Ref{{Type: "thmb", From: 1, To: []uint32{99}}} },
			want:   []bmff.Code{CodeDanglingItemReference},
		},
		{
			name:   "dangling_primary",
			modify: func(f *avifbuild.File) { f.Primary = 5 },
			want:   []bmff.Code{CodeDanglingItemReference},
		},
		{
			name: "dangling_property_index",
			modify: func(f *avifbuild.File) {
				f.Items[0].Assoc = append(f.Items[0].Assoc, avifbuild.Assoc{Index: 9})
			},
			want: []bmff.Code{CodeDanglingPropertyIndex},
		},
		{
			name: "duplicate_item",
			modify: func(f *avifbuild.File) {
				f.Items = append(f.Items, &avifbuild.Item{ID: 1, Type: "Exif", NoLocation: true})
			},
			want: []bmff.Code{CodeDuplicateItemID},
		},
		{
			name: "dimg_cycle",
			modify: func(f *avifbuild.File) {
				f.Items = append(f.Items, &avifbuild.Item{ID: 2, Data: []byte{1}})
				f.Refs = []avifbuild.Ref{
					{Type: "dimg", From: 1, To: []uint32{2}},
					{Type: "dimg", From: 2, To: []uint32{1}},
				}
			},
			want: []bmff.Code{CodeReferenceCycle},
		},
		{
			name: "self_reference",
			modify: func(f *avifbuild.File) {
				f.Refs = []avifbuild.Ref{{Type: "auxl", From: 1, To: []uint32{1}}}
			},
			want: []bmff.Code{CodeReferenceCycle},
		},
		{
			name: "mixed_types_no_cycle",
			modify: func(f *avifbuild.File) {
				f.Items = append(f.Items, &avifbuild.Item{ID: 2, Data: []byte{1}})
				f.Refs = []avifbuild.Ref{
					{Type: "thmb", From: 2, To: []uint32{1}},
					{Type: "cdsc", From: 1, To: []uint32{2}},
				}
			},
		},
		{
			name: "wide_ids",
			modify: func(f *avifbuild.File) {
				f.WideIDs = true
				f.Items = append(f.Items, &avifbuild.Item{ID: 70000, Data: []byte{1}})
				f.Refs = []avifbuild.Ref{{Type: "thmb", From: 70000, To: []uint32{1}}}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := simpleImage()
			tt.modify(f)
			m := open(t, f).Meta()
			require.Equal(t, tt.want, errorCodes(m))
			for _, e := range m.Errors {
				require.NotEmpty(t, e.Error())
				require.NotNil(t, errors.Unwrap(e))
			}
		})
	}
}

func TestItemData(t *testing.T) {
	t.Parallel()

	f := simpleImage()
	f.Items = append(f.Items,
		&avifbuild.Item{ID: 2, Type: "grid", InIdat: true, Data: avifbuild.GridData(2, 3, 300, 200)},
		&avifbuild.Item{ID: 3, Data: []byte{1, 2}, NoLocation: true},
		&avifbuild.Item{ID: 4, Data: []byte{1, 2}, ExtraLocation: true},
		&avifbuild.Item{ID: 5, Data: []byte{1, 2}, LocationDelta: 1 << 20},
	)
	hf := open(t, f)
	m := hf.Meta()

	it, _ := m.ItemByID(1)
	data, err := hf.ItemData(it)
	require.NoError(t, err)
	require.Equal(t, f.Items[0].Data, data)

	grid, _ := m.ItemByID(2)
	g, err := hf.Grid(grid)
	require.NoError(t, err)
	require.Equal(t, 2, g.Rows)
	require.Equal(t, 3, g.Columns)
	require.Equal(t, 6, g.Tiles())
	require.EqualValues(t, 300, g.OutputWidth)

	for id, want := range map[uint32]error{3: ErrNoLocation, 4: ErrManyLocations, 5: ErrOutOfBounds} {
		it, err := m.ItemByID(id)
		require.NoError(t, err)
		_, err = hf.ItemData(it)
		require.ErrorIs(t, err, want, "item %d", id)
	}

	capped := open(t, f, WithMaxItemData(4))
	it, _ = capped.ItemByID(1)
	_, err = capped.ItemData(it)
	require.ErrorIs(t, err, ErrItemDataTooLarge)
}

func TestImageGrid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		grid ImageGrid
	}{
		{name: "small", grid: ImageGrid{Rows: 4, Columns: 5, OutputWidth: 1280, OutputHeight: 1024}},
		{name: "large", grid: ImageGrid{Flags: 1, Rows: 1, Columns: 256, OutputWidth: 70000, OutputHeight: 512}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseImageGrid(tt.grid.Marshal())
			require.NoError(t, err)
			require.Equal(t, tt.grid, *got)
		})
	}

	_, err := ParseImageGrid([]byte{0, 1, 0, 0, 0, 0, 0, 0})
	require.Error(t, err)
	_, err = ParseImageGrid([]byte{1, 0, 0, 0, 0, 0, 0, 0})
	require.Error(t, err)
}

func TestExifOrientation(t *testing.T) {
	t.Parallel()

	f := simpleImage()
	f.Items = append(f.Items, &avifbuild.Item{ID: 2, Type: "Exif", Data: avifbuild.ExifData(6)})
	f.Refs = []avifbuild.Ref{{Type: "cdsc", From: 2, To: []uint32{1}}}
	hf := open(t, f)

	primary, err := hf.PrimaryItem()
	require.NoError(t, err)
	o, err := hf.ExifOrientation(primary)
	require.NoError(t, err)
	require.Equal(t, 6, o)

	raw, err := hf.EXIF()
	require.NoError(t, err)
	require.Equal(t, "MM\x00\x2a", string(raw[:4]))

	_, err = open(t, simpleImage()).EXIF()
	require.ErrorIs(t, err, ErrNoEXIF)
}

func TestTracks(t *testing.T) {
	t.Parallel()

	sh := avifbuild.StillImage(64, 48, 8)
	f := &avifbuild.File{
		MajorBrand: "avis",
		Brands:     []string{"avis", "msf1", "miaf"},
		NoMeta:     true,
		Tracks: []*avifbuild.Track{
			{ID: 1, Flags: 3, Config: avifbuild.AV1C(sh, nil), CCST: true, Samples: [][]byte{{1, 2, 3}, {4, 5}}},
			{ID: 2, Handler: "auxv", Flags: 1, AuxOf: 1, AUXI: bmff.AlphaURN, Samples: [][]byte{{6}}},
		},
	}
	data := f.Bytes()
	hf := open(t, f)
	m := hf.Meta()
	require.Empty(t, m.Errors)
	require.Len(t, m.Tracks, 2)

	color := m.TrackByID(1)
	require.Equal(t, "pict", color.Handler)
	require.True(t, color.InMovie())
	require.False(t, color.IsAuxiliary())
	require.NotNil(t, color.AV1Config)
	require.NotNil(t, color.CodingConstraints)
	require.Equal(t, "av01", color.SampleEntryType)

	samples, err := hf.Samples(color)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	require.Equal(t, []byte{1, 2, 3}, data[samples[0].Offset:samples[0].Offset+samples[0].Length])
	require.Equal(t, []byte{4, 5}, data[samples[1].Offset:samples[1].Offset+samples[1].Length])

	b, err := hf.SampleData(color, 1)
	require.NoError(t, err)
	require.Equal(t, []byte{4, 5}, b)
	_, err = hf.SampleData(color, 2)
	require.Error(t, err)
	_, err = hf.ReadExtent(Extent{Offset: int64(len(data)) - 1, Length: 2})
	require.ErrorIs(t, err, ErrOutOfBounds)

	alpha := m.TrackByID(2)
	require.Equal(t, "auxv", alpha.Handler)
	require.True(t, alpha.IsAuxiliary())
	require.Equal(t, []uint32{1}, alpha.References["auxl"])
	require.Equal(t, bmff.AlphaURN, alpha.AuxInfo.AuxTrackType)
	require.Nil(t, m.TrackByID(3))
}

func TestSamples_Bounds(t *testing.T) {
	t.Parallel()

	track := func(size, count uint32, delta int64) *avifbuild.File {
		return &avifbuild.File{
			MajorBrand: "avis",
			Brands:     []string{"avis", "msf1", "miaf"},
			NoMeta:     true,
			Tracks: []*avifbuild.Track{{
				ID: 1, Flags: 3, Samples: [][]byte{{1, 2, 3, 4}},
				SampleSize: size, SampleCount: count, ChunkDelta: delta,
			}},
		}
	}

	tests := []struct {
		name    string
		file    *avifbuild.File
		samples int
	}{
		{"count_exceeds_file", track(1, 1<<20, 0), 0},
		{"size_exceeds_file", track(1<<30, 2, 0), 0},
		{"last_sample_outside", track(2, 3, 0), 2},
		{"chunk_outside", track(0, 0, 1<<20), 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			hf := open(t, tt.file)
			tr := hf.Meta().TrackByID(1)
			require.NotNil(t, tr)

			samples, err := hf.Samples(tr)
			require.ErrorIs(t, err, ErrOutOfBounds)
			require.Len(t, samples, tt.samples)

			again, err2 := hf.Samples(tr)
			require.Equal(t, err, err2)
			require.Equal(t, samples, again)

			_, err = hf.SampleData(tr, tt.samples)
			require.Error(t, err)
		})
	}

	hf := open(t, track(2, 2, 0))
	samples, err := hf.Samples(hf.Meta().TrackByID(1))
	require.NoError(t, err)
	require.Len(t, samples, 2)
}
