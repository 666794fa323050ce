// Package avifbuild writes small AVIF files for tests. It favours
// control over the layout, so it happily writes broken files.
package avifbuild

import (
	"bytes"

	"github.com/jdeng/avifcheck/heif/bmff"
)

// Assoc is one property association; Index is 1-based into File.Properties.
type Assoc struct {
	Index     uint16
	Essential bool
}

type Item struct {
	ID     uint32
	Type   string // "av01" when empty
	Name   string
	Hidden bool
	Data   []byte
	InIdat bool

	// NoLocation leaves the item out of "iloc"; ExtraLocation lists it twice.
	NoLocation    bool
	ExtraLocation bool
	// LocationDelta is added to the stored offset.
	LocationDelta int64

	Assoc []Assoc
}

// Ref is an "iref" entry.
type Ref struct {
	Type string
	From uint32
	To   []uint32
}

type Track struct {
	ID      uint32
	Handler string // "pict" when empty
	Flags   uint32 // "tkhd" flags
	AuxOf   uint32 // adds a "tref/auxl" reference when non-zero
	Config  *bmff.Box
	CCST    bool
	AUXI    string // "auxi" aux_track_type, none when empty
	Samples [][]byte

	// SampleCount, when set, replaces the sample table with SampleCount
	// samples of SampleSize bytes in a single chunk.
	SampleSize  uint32
	SampleCount uint32

	// ChunkDelta is added to the stored chunk offset.
	ChunkDelta int64
}

// File describes the file to write.
type File struct {
	MajorBrand string   // "avif" when empty
	Brands     []string // compatible brands; "avif", "mif1", "miaf" when nil

	NoMeta     bool
	Primary    uint32 // no "pitm" when 0
	Items      []*Item
	Properties []*bmff.Box
	Refs       []Ref
	WideIDs    bool // iref version 1, ipma version 1

	Tracks []*Track

	// Extra boxes written after the mdat.
	Extra []*bmff.Box
}

// Bytes serialises f.
func (f *File) Bytes() []byte {
	// Box sizes do not depend on the data offsets.
	head := f.head(0)
	mdatStart := int64(0)
	for _, b := range head {
		mdatStart += b.Len()
	}
	var buf bytes.Buffer
	for _, b := range f.head(mdatStart + 8) {
		mustWrite(&buf, b)
	}
	mustWrite(&buf, leaf("mdat", f.mdat()))
	for _, b := range f.Extra {
		mustWrite(&buf, b)
	}
	return buf.Bytes()
}

func mustWrite(buf *bytes.Buffer, b *bmff.Box) {
	if _, err := b.WriteTo(buf); err != nil {
		panic(err)
	}
}

func (f *File) head(dataStart int64) []*bmff.Box {
	major := f.MajorBrand
	if major == "" {
		major = "avif"
	}
	brands := f.Brands
	if brands == nil {
		brands = []string{"avif", "mif1", "miaf"}
	}
	ftyp := []byte(major)
	ftyp = append(ftyp, u32(0)...)
	for _, b := range brands {
		ftyp = append(ftyp, b...)
	}
	out := []*bmff.Box{leaf("ftyp", ftyp)}

	offsets := f.offsets(dataStart)
	if !f.NoMeta {
		out = append(out, f.meta(offsets))
	}
	if len(f.Tracks) > 0 {
		out = append(out, f.moov(offsets))
	}
	return out
}

// offsets returns the mdat position of every piece of data, keyed by
// item ID for items and by -track ID for the first sample of tracks.
func (f *File) offsets(start int64) map[int64]int64 {
	out := map[int64]int64{}
	pos := start
	for _, it := range f.Items {
		if it.InIdat {
			continue
		}
		out[int64(it.ID)] = pos
		pos += int64(len(it.Data))
	}
	for _, t := range f.Tracks {
		out[-int64(t.ID)] = pos
		for _, s := range t.Samples {
			pos += int64(len(s))
		}
	}
	return out
}

func (f *File) mdat() []byte {
	var out []byte
	for _, it := range f.Items {
		if !it.InIdat {
			out = append(out, it.Data...)
		}
	}
	for _, t := range f.Tracks {
		for _, s := range t.Samples {
			out = append(out, s...)
		}
	}
	return out
}

func handler(typ string) *bmff.Box {
	return leaf("hdlr", full(0, 0), u32(0), []byte(typ), make([]byte, 12), []byte{0})
}

func (f *File) id(v uint32) []byte {
	if f.WideIDs {
		return u32(v)
	}
	return u16(uint16(v))
}

func (f *File) meta(offsets map[int64]int64) *bmff.Box {
	children := []*bmff.Box{handler("pict")}
	if f.Primary != 0 {
		if f.Primary > 0xffff {
			children = append(children, leaf("pitm", full(1, 0), u32(f.Primary)))
		} else {
			children = append(children, leaf("pitm", full(0, 0), u16(uint16(f.Primary))))
		}
	}

	var infes []*bmff.Box
	for _, it := range f.Items {
		typ := it.Type
		if typ == "" {
			typ = "av01"
		}
		var flags uint32
		if it.Hidden {
			flags = 1
		}
		var infe *bmff.Box
		if it.ID > 0xffff {
			infe = leaf("infe", full(3, flags), u32(it.ID), u16(0), []byte(typ), []byte(it.Name), []byte{0})
		} else {
			infe = leaf("infe", full(2, flags), u16(uint16(it.ID)), u16(0), []byte(typ), []byte(it.Name), []byte{0})
		}
		infes = append(infes, infe)
	}
	children = append(children, bmff.NewContainer(bmff.NewType("iinf"), join(full(0, 0), u16(uint16(len(infes)))), infes...))

	children = append(children, f.iloc(offsets))

	if len(f.Refs) > 0 {
		var refs []*bmff.Box
		for _, r := range f.Refs {
			payload := join(f.id(r.From), u16(uint16(len(r.To))))
			for _, to := range r.To {
				payload = append(payload, f.id(to)...)
			}
			refs = append(refs, leaf(r.Type, payload))
		}
		version := uint8(0)
		if f.WideIDs {
			version = 1
		}
		children = append(children, bmff.NewContainer(bmff.NewType("iref"), full(version, 0), refs...))
	}

	if len(f.Properties) > 0 || f.hasAssoc() {
		ipco := bmff.NewContainer(bmff.NewType("ipco"), nil, f.Properties...)
		children = append(children, bmff.NewContainer(bmff.NewType("iprp"), nil, ipco, f.ipma()))
	}

	var idat []byte
	for _, it := range f.Items {
		if it.InIdat {
			idat = append(idat, it.Data...)
		}
	}
	if idat != nil {
		children = append(children, leaf("idat", idat))
	}
	return bmff.NewContainer(bmff.TypeMeta, full(0, 0), children...)
}

func (f *File) hasAssoc() bool {
	for _, it := range f.Items {
		if len(it.Assoc) > 0 {
			return true
		}
	}
	return false
}

func (f *File) iloc(offsets map[int64]int64) *bmff.Box {
	var entries []byte
	count := 0
	var idatPos int64
	for _, it := range f.Items {
		method := uint16(0)
		off := offsets[int64(it.ID)]
		if it.InIdat {
			method = 1
			off = idatPos
			idatPos += int64(len(it.Data))
		}
		if it.NoLocation {
			continue
		}
		n := 1
		if it.ExtraLocation {
			n = 2
		}
		for i := 0; i < n; i++ {
			entries = append(entries, f.id(it.ID)...)
			entries = append(entries, u16(method)...)
			entries = append(entries, u16(0)...) // data_reference_index
			entries = append(entries, u16(1)...) // extent_count
			entries = append(entries, u32(uint32(off+it.LocationDelta))...)
			entries = append(entries, u32(uint32(len(it.Data)))...)
			count++
		}
	}
	version := uint8(1)
	countField := u16(uint16(count))
	if f.WideIDs {
		version = 2
		countField = u32(uint32(count))
	}
	return leaf("iloc", full(version, 0), []byte{0x44, 0x00}, countField, entries)
}

func (f *File) ipma() *bmff.Box {
	var flags uint32
	for _, it := range f.Items {
		for _, a := range it.Assoc {
			if a.Index > 0x7f {
				flags = 1
			}
		}
	}
	var entries []byte
	count := 0
	for _, it := range f.Items {
		if len(it.Assoc) == 0 {
			continue
		}
		count++
		entries = append(entries, f.id(it.ID)...)
		entries = append(entries, byte(len(it.Assoc)))
		for _, a := range it.Assoc {
			v := a.Index
			if flags&1 != 0 {
				if a.Essential {
					v |= 0x8000
				}
				entries = append(entries, u16(v)...)
				continue
			}
			b := byte(v)
			if a.Essential {
				b |= 0x80
			}
			entries = append(entries, b)
		}
	}
	version := uint8(0)
	if f.WideIDs {
		version = 1
	}
	return leaf("ipma", full(version, flags), u32(uint32(count)), entries)
}

func (f *File) moov(offsets map[int64]int64) *bmff.Box {
	children := []*bmff.Box{leaf("mvhd", full(0, 0), make([]byte, 96))}
	for _, t := range f.Tracks {
		children = append(children, t.trak(offsets[-int64(t.ID)]+t.ChunkDelta))
	}
	return bmff.NewContainer(bmff.TypeMoov, nil, children...)
}

func container(typ string, children ...*bmff.Box) *bmff.Box {
	return bmff.NewContainer(bmff.NewType(typ), nil, children...)
}

func (t *Track) trak(chunkOffset int64) *bmff.Box {
	tkhd := leaf("tkhd", full(0, t.Flags),
		u32(0), u32(0), u32(t.ID), u32(0), u32(0), // times, track_ID, reserved, duration
		make([]byte, 8+2+2+2+2+36),
		u32(0), u32(0))
	children := []*bmff.Box{tkhd}
	if t.AuxOf != 0 {
		children = append(children, container("tref", leaf("auxl", u32(t.AuxOf))))
	}

	var entryChildren []*bmff.Box
	if t.Config != nil {
		entryChildren = append(entryChildren, t.Config)
	}
	if t.CCST {
		entryChildren = append(entryChildren, leaf("ccst", full(0, 0), u32(0x7c000000)))
	}
	if t.AUXI != "" {
		entryChildren = append(entryChildren, leaf("auxi", full(0, 0), []byte(t.AUXI), []byte{0}))
	}
	sampleEntry := make([]byte, 78)
	sampleEntry[7] = 1 // data_reference_index
	av01 := bmff.NewContainer(bmff.NewType("av01"), sampleEntry, entryChildren...)
	stsd := bmff.NewContainer(bmff.NewType("stsd"), join(full(0, 0), u32(1)), av01)

	count := uint32(len(t.Samples))
	sizes := join(u32(0), u32(count))
	for _, s := range t.Samples {
		sizes = append(sizes, u32(uint32(len(s)))...)
	}
	if t.SampleCount != 0 {
		count = t.SampleCount
		sizes = join(u32(t.SampleSize), u32(count))
	}
	stbl := container("stbl",
		stsd,
		leaf("stts", full(0, 0), u32(0)),
		leaf("stsc", full(0, 0), u32(1), u32(1), u32(count), u32(1)),
		leaf("stsz", full(0, 0), sizes),
		leaf("stco", full(0, 0), u32(1), u32(uint32(chunkOffset))),
	)
	handlerType := t.Handler
	if handlerType == "" {
		handlerType = "pict"
	}
	mdia := container("mdia",
		leaf("mdhd", full(0, 0), make([]byte, 20)),
		handler(handlerType),
		container("minf", container("dinf", bmff.NewContainer(bmff.NewType("dref"), join(full(0, 0), u32(1)), leaf("url ", full(0, 1)))), stbl),
	)
	children = append(children, mdia)
	return container("trak", children...)
}
