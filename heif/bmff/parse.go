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
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

type parserFunc func(b *Box, br *bufReader) (Parsed, error)

var parsers map[BoxType]parserFunc

func init() {
	parsers = map[BoxType]parserFunc{
		boxType("ftyp"): parseFileTypeBox,
		boxType("meta"): parseMetaBox,
		boxType("hdlr"): parseHandlerBox,
		boxType("pitm"): parsePrimaryItemBox,
		boxType("iinf"): parseItemInfoBox,
		boxType("infe"): parseItemInfoEntry,
		boxType("iloc"): parseItemLocationBox,
		boxType("iref"): parseItemReferenceBox,
		boxType("idat"): parseItemDataBox,
		boxType("dref"): parseDataReferenceBox,
		boxType("url "): parseDataEntryBox,
		boxType("urn "): parseDataEntryBox,
		boxType("ipma"): parseItemPropertyAssociation,

		boxType("ispe"): parseImageSpatialExtentsProperty,
		boxType("irot"): parseImageRotation,
		boxType("imir"): parseImageMirror,
		boxType("clap"): parseCleanAperture,
		boxType("colr"): parseColourInformation,
		boxType("pixi"): parsePixelInformation,
		boxType("av1C"): parseAV1CodecConfig,
		boxType("lsel"): parseLayerSelector,
		boxType("a1op"): parseOperatingPointSelector,
		boxType("a1lx"): parseLayeredImageIndexing,
		boxType("auxC"): parseAuxiliaryType,
		boxType("pasp"): parsePixelAspectRatio,

		boxType("tkhd"): parseTrackHeaderBox,
		boxType("stsd"): parseSampleDescriptionBox,
		boxType("stco"): parseChunkOffsetBox,
		boxType("co64"): parseChunkOffsetBox,
		boxType("stsz"): parseSampleSizeBox,
		boxType("stsc"): parseSampleToChunkBox,
		boxType("ccst"): parseCodingConstraints,
		boxType("auxi"): parseAuxiliaryTypeInfo,
	}
}

// parser returns the parser for b. Entries of "iref" and "tref" and
// sample entries of "stsd" are typed by their container.
func (b *Box) parser() parserFunc {
	if b.Parent != nil {
		switch b.Parent.Type.String() {
		case "iref":
			return parseItemReference
		case "tref":
			return parseTrackReference
		case "stsd":
			if b.Type.EqualString("av01") {
				return parseAV1SampleEntry
			}
		}
	}
	return parsers[b.Type]
}

// Parse decodes the box into its typed form, such as *FileTypeBox or
// *ItemLocationBox. For containers only the bytes before the first child
// are decoded. It returns ErrUnknownBox for types without a parser.
func (b *Box) Parse() (Parsed, error) {
	if b.parsed != nil {
		return b.parsed, nil
	}
	parser := b.parser()
	if parser == nil {
		return nil, ErrUnknownBox
	}
	src := b.Body()
	if b.container {
		src = bytes.NewReader(b.Prefix)
	}
	v, err := parser(b, &bufReader{Reader: bufio.NewReader(src)})
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("parsing %q box at offset %d: %w", b.Type, b.Offset, err)
	}
	b.parsed = v
	return v, nil
}

type FullBox struct {
	*Box
	Version uint8
	Flags   uint32 // 24 bits
}

func readFullBox(outer *Box, br *bufReader) (fb FullBox, err error) {
	fb.Box = outer
	// Parse FullBox header.
	buf, err := br.Peek(4)
	if err != nil {
		return FullBox{}, fmt.Errorf("failed to read 4 bytes of FullBox: %w", err)
	}
	fb.Version = buf[0]
	fb.Flags = uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
	br.Discard(4)
	return fb, nil
}

type FileTypeBox struct {
	*Box
	MajorBrand   string   // 4 bytes
	MinorVersion uint32
	Compatible   []string // all 4 bytes
}

// HasBrand reports whether brand is the major brand or a compatible one.
func (ft *FileTypeBox) HasBrand(brand string) bool {
	if ft.MajorBrand == brand {
		return true
	}
	for _, b := range ft.Compatible {
		if b == brand {
			return true
		}
	}
	return false
}

// Brands returns the major brand followed by the compatible brands.
func (ft *FileTypeBox) Brands() []string {
	return append([]string{ft.MajorBrand}, ft.Compatible...)
}

func parseFileTypeBox(outer *Box, br *bufReader) (Parsed, error) {
	buf, err := br.Peek(8)
	if err != nil {
		return nil, err
	}
	ft := &FileTypeBox{
		Box:          outer,
		MajorBrand:   string(buf[:4]),
		MinorVersion: binary.BigEndian.Uint32(buf[4:8]),
	}
	br.Discard(8)
	for {
		buf, err := br.Peek(4)
		if err == io.EOF {
			return ft, nil
		}
		if err != nil {
			return nil, err
		}
		ft.Compatible = append(ft.Compatible, string(buf[:4]))
		br.Discard(4)
	}
}

type MetaBox struct {
	FullBox
}

func parseMetaBox(outer *Box, br *bufReader) (Parsed, error) {
	fb, err := readFullBox(outer, br)
	if err != nil {
		return nil, err
	}
	return &MetaBox{FullBox: fb}, nil
}

// a "hdlr" box.
type HandlerBox struct {
	FullBox
	HandlerType string // always 4 bytes; "pict" for image items, "auxv" for alpha tracks
	Name        string
}

func parseHandlerBox(gen *Box, br *bufReader) (Parsed, error) {
	fb, err := readFullBox(gen, br)
	if err != nil {
		return nil, err
	}
	hb := &HandlerBox{
		FullBox: fb,
	}
	buf, err := br.Peek(20)
	if err != nil {
		return nil, err
	}
	hb.HandlerType = string(buf[4:8])
	br.Discard(20)

	// Some writers leave out the terminating NUL or the whole name.
	if br.anyRemain() {
		name, _ := io.ReadAll(br)
		hb.Name = strings.TrimRight(string(name), "\x00")
	}
	return hb, nil
}

// "pitm" box
type PrimaryItemBox struct {
	FullBox
	ItemID uint32
}

func parsePrimaryItemBox(gen *Box, br *bufReader) (Parsed, error) {
	fb, err := readFullBox(gen, br)
	if err != nil {
		return nil, err
	}
	pib := &PrimaryItemBox{FullBox: fb}
	pib.ItemID, _ = br.readItemID(fb.Version > 0)
	if !br.ok() {
		return nil, br.err
	}
	return pib, nil
}

// ItemInfoBox represents an "iinf" box. Its entries are the "infe"
// children of the box.
type ItemInfoBox struct {
	FullBox
	Count uint32
}

func parseItemInfoBox(outer *Box, br *bufReader) (Parsed, error) {
	fb, err := readFullBox(outer, br)
	if err != nil {
		return nil, err
	}
	ib := &ItemInfoBox{FullBox: fb}

	if ib.Version >= 1 {
		ib.Count, _ = br.readUint32()
	} else {
		count, _ := br.readUint16()
		ib.Count = uint32(count)
	}
	if !br.ok() {
		return nil, br.err
	}
	return ib, nil
}

// ItemInfoEntry represents an "infe" box.
type ItemInfoEntry struct {
	FullBox

	ItemID          uint32
	ProtectionIndex uint16
	ItemType        string // always 4 bytes; empty for versions 0 and 1

	Name string

	// If Type == "mime", or for versions 0 and 1:
	ContentType     string
	ContentEncoding string

	// If Type == "uri ":
	ItemURIType string
}

// Hidden reports whether the item is marked as not intended for display.
func (ie *ItemInfoEntry) Hidden() bool { return ie.Flags&1 != 0 }

func parseItemInfoEntry(outer *Box, br *bufReader) (Parsed, error) {
	fb, err := readFullBox(outer, br)
	if err != nil {
		return nil, err
	}
	ie := &ItemInfoEntry{FullBox: fb}

	if fb.Version < 2 {
		id, _ := br.readUint16()
		ie.ItemID = uint32(id)
		ie.ProtectionIndex, _ = br.readUint16()
		ie.Name, _ = br.readString()
		ie.ContentType, _ = br.readString()
		if br.anyRemain() {
			ie.ContentEncoding, _ = br.readString()
		}
		// Version 1 extensions (FDItemInfoExtension) are not needed.
		if !br.ok() {
			return nil, br.err
		}
		return ie, nil
	}

	ie.ItemID, _ = br.readItemID(fb.Version > 2)
	ie.ProtectionIndex, _ = br.readUint16()
	if !br.ok() {
		return nil, br.err
	}
	buf, err := br.Peek(4)
	if err != nil {
		return nil, err
	}
	ie.ItemType = string(buf[:4])
	br.Discard(4)
	ie.Name, _ = br.readString()

	switch ie.ItemType {
	case "mime":
		ie.ContentType, _ = br.readString()
		if br.anyRemain() {
			ie.ContentEncoding, _ = br.readString()
		}
	case "uri ":
		ie.ItemURIType, _ = br.readString()
	}
	if !br.ok() {
		return nil, br.err
	}
	return ie, nil
}

// Construction methods of an item location.
const (
	ConstructionFileOffset uint8 = 0
	ConstructionIdatOffset uint8 = 1
	ConstructionItemOffset uint8 = 2
)

type OffsetLength struct {
	Index          uint64 // only with index_size > 0
	Offset, Length uint64
}

// not a box
type ItemLocationBoxEntry struct {
	ItemID             uint32
	ConstructionMethod uint8 // actually uint4
	DataReferenceIndex uint16
	BaseOffset         uint64 // uint32 or uint64, depending on encoding
	ExtentCount        uint16
	Extents            []OffsetLength
}

// box "iloc"
type ItemLocationBox struct {
	FullBox

	OffsetSize, LengthSize, BaseOffsetSize, IndexSize uint8 // actually uint4

	ItemCount uint32
	Items     []ItemLocationBoxEntry
}

func validFieldSize(n uint8) bool { return n == 0 || n == 4 || n == 8 }

func parseItemLocationBox(outer *Box, br *bufReader) (Parsed, error) {
	fb, err := readFullBox(outer, br)
	if err != nil {
		return nil, err
	}
	if fb.Version > 2 {
		return nil, fmt.Errorf("unsupported iloc version %d", fb.Version)
	}
	ilb := &ItemLocationBox{
		FullBox: fb,
	}
	buf, err := br.Peek(2)
	if err != nil {
		return nil, err
	}
	ilb.OffsetSize = buf[0] >> 4
	ilb.LengthSize = buf[0] & 15
	ilb.BaseOffsetSize = buf[1] >> 4
	if fb.Version > 0 {
		ilb.IndexSize = buf[1] & 15
	}
	br.Discard(2)
	for _, n := range []uint8{ilb.OffsetSize, ilb.LengthSize, ilb.BaseOffsetSize, ilb.IndexSize} {
		if !validFieldSize(n) {
			return nil, fmt.Errorf("invalid iloc field size %d", n)
		}
	}

	if fb.Version < 2 {
		count, _ := br.readUint16()
		ilb.ItemCount = uint32(count)
	} else {
		ilb.ItemCount, _ = br.readUint32()
	}

	for i := 0; br.ok() && i < int(ilb.ItemCount); i++ {
		var ent ItemLocationBoxEntry
		ent.ItemID, _ = br.readItemID(fb.Version == 2)
		if fb.Version > 0 {
			cmeth, _ := br.readUint16()
			ent.ConstructionMethod = byte(cmeth & 15)
		}
		ent.DataReferenceIndex, _ = br.readUint16()
		ent.BaseOffset, _ = br.readUintN(ilb.BaseOffsetSize * 8)
		ent.ExtentCount, _ = br.readUint16()
		for j := 0; br.ok() && j < int(ent.ExtentCount); j++ {
			var ol OffsetLength
			if fb.Version > 0 {
				ol.Index, _ = br.readUintN(ilb.IndexSize * 8)
			}
			ol.Offset, _ = br.readUintN(ilb.OffsetSize * 8)
			ol.Length, _ = br.readUintN(ilb.LengthSize * 8)
			ent.Extents = append(ent.Extents, ol)
		}
		ilb.Items = append(ilb.Items, ent)
	}
	if !br.ok() {
		return nil, br.err
	}
	return ilb, nil
}

// ItemReferenceBox represents an "iref" box. Its references are the
// children of the box.
type ItemReferenceBox struct {
	FullBox
}

func parseItemReferenceBox(outer *Box, br *bufReader) (Parsed, error) {
	fb, err := readFullBox(outer, br)
	if err != nil {
		return nil, err
	}
	return &ItemReferenceBox{FullBox: fb}, nil
}

// ItemReference is a child of "iref". Its box type is the reference
// type, such as "dimg", "thmb", "auxl" or "cdsc".
type ItemReference struct {
	*Box
	FromItemID uint32
	Count      uint16
	ToItemIDs  []uint32
}

func parseItemReference(outer *Box, br *bufReader) (Parsed, error) {
	wide := false
	if outer.Parent != nil && len(outer.Parent.Prefix) > 0 {
		wide = outer.Parent.Prefix[0] > 0
	}
	ie := &ItemReference{Box: outer}
	ie.FromItemID, _ = br.readItemID(wide)
	ie.Count, _ = br.readUint16()
	for i := 0; br.ok() && i < int(ie.Count); i++ {
		id, _ := br.readItemID(wide)
		ie.ToItemIDs = append(ie.ToItemIDs, id)
	}
	if !br.ok() {
		return nil, br.err
	}
	return ie, nil
}

// ItemDataBox is an "idat" box. Unlike most HEIF boxes it is a plain
// box, without version and flags.
type ItemDataBox struct {
	*Box
	Data []byte
}

func parseItemDataBox(gen *Box, br *bufReader) (Parsed, error) {
	data, err := io.ReadAll(br)
	if err != nil {
		return nil, err
	}
	return &ItemDataBox{Box: gen, Data: data}, nil
}

// a "dref" box. The data entries are the children of the box.
type DataReferenceBox struct {
	FullBox
	EntryCount uint32
}

func parseDataReferenceBox(gen *Box, br *bufReader) (Parsed, error) {
	fb, err := readFullBox(gen, br)
	if err != nil {
		return nil, err
	}
	drb := &DataReferenceBox{FullBox: fb}
	drb.EntryCount, _ = br.readUint32()
	if !br.ok() {
		return nil, br.err
	}
	return drb, nil
}

// DataEntryBox is a "url " or "urn " entry of "dref".
type DataEntryBox struct {
	FullBox
	Name     string // "urn " only
	Location string
}

// SelfContained reports whether the data is in the same file.
func (de *DataEntryBox) SelfContained() bool { return de.Flags&1 != 0 }

func parseDataEntryBox(gen *Box, br *bufReader) (Parsed, error) {
	fb, err := readFullBox(gen, br)
	if err != nil {
		return nil, err
	}
	de := &DataEntryBox{FullBox: fb}
	if de.SelfContained() {
		return de, nil
	}
	if gen.Type.EqualString("urn ") {
		de.Name, _ = br.readString()
	}
	if br.anyRemain() {
		de.Location, _ = br.readString()
	}
	if !br.ok() {
		return nil, br.err
	}
	return de, nil
}

type ItemPropertyAssociation struct {
	FullBox
	EntryCount uint32
	Entries    []ItemPropertyAssociationItem
}

// not a box
type ItemProperty struct {
	Essential bool
	Index     uint16 // 1-based into "ipco"; 0 means no property
}

// not a box
type ItemPropertyAssociationItem struct {
	ItemID            uint32
	AssociationsCount int            // as declared
	Associations      []ItemProperty // as parsed
}

func parseItemPropertyAssociation(outer *Box, br *bufReader) (Parsed, error) {
	fb, err := readFullBox(outer, br)
	if err != nil {
		return nil, err
	}
	ipa := &ItemPropertyAssociation{FullBox: fb}
	count, _ := br.readUint32()
	ipa.EntryCount = count

	for i := uint64(0); i < uint64(count) && br.ok(); i++ {
		itemID, _ := br.readItemID(fb.Version >= 1)
		assocCount, _ := br.readUint8()
		ipai := ItemPropertyAssociationItem{
			ItemID:            itemID,
			AssociationsCount: int(assocCount),
		}
		for j := 0; j < int(assocCount) && br.ok(); j++ {
			first, _ := br.readUint8()
			essential := first&(1<<7) != 0
			first &^= byte(1 << 7)

			var index uint16
			if fb.Flags&1 != 0 {
				second, _ := br.readUint8()
				index = uint16(first)<<8 | uint16(second)
			} else {
				index = uint16(first)
			}
			ipai.Associations = append(ipai.Associations, ItemProperty{
				Essential: essential,
				Index:     index,
			})
		}
		ipa.Entries = append(ipa.Entries, ipai)
	}
	if !br.ok() {
		return nil, br.err
	}
	return ipa, nil
}

// bufReader adds some HEIF/BMFF-specific methods around a *bufio.Reader.
type bufReader struct {
	*bufio.Reader
	err error // sticky error
}

// ok reports whether all previous reads have been error-free.
func (br *bufReader) ok() bool { return br.err == nil }

func (br *bufReader) anyRemain() bool {
	if br.err != nil {
		return false
	}
	_, err := br.Peek(1)
	return err == nil
}

func (br *bufReader) readUintN(bits uint8) (uint64, error) {
	if br.err != nil {
		return 0, br.err
	}
	if bits == 0 {
		return 0, nil
	}
	nbyte := bits / 8
	buf, err := br.Peek(int(nbyte))
	if err != nil {
		br.err = err
		return 0, err
	}
	defer br.Discard(int(nbyte))
	switch bits {
	case 8:
		return uint64(buf[0]), nil
	case 16:
		return uint64(binary.BigEndian.Uint16(buf[:2])), nil
	case 32:
		return uint64(binary.BigEndian.Uint32(buf[:4])), nil
	case 64:
		return binary.BigEndian.Uint64(buf[:8]), nil
	default:
		br.err = fmt.Errorf("invalid uintn read size")
		return 0, br.err
	}
}

func (br *bufReader) readUint8() (uint8, error) {
	if br.err != nil {
		return 0, br.err
	}
	v, err := br.ReadByte()
	if err != nil {
		br.err = err
		return 0, err
	}
	return v, nil
}

func (br *bufReader) readUint16() (uint16, error) {
	v, err := br.readUintN(16)
	return uint16(v), err
}

func (br *bufReader) readUint32() (uint32, error) {
	v, err := br.readUintN(32)
	return uint32(v), err
}

func (br *bufReader) readUint64() (uint64, error) {
	return br.readUintN(64)
}

func (br *bufReader) readInt32() (int32, error) {
	v, err := br.readUintN(32)
	return int32(uint32(v)), err
}

// readItemID reads a 32 bit item ID if wide is set, otherwise 16 bits.
func (br *bufReader) readItemID(wide bool) (uint32, error) {
	if wide {
		return br.readUint32()
	}
	v, err := br.readUint16()
	return uint32(v), err
}

func (br *bufReader) readBytes(n int) ([]byte, error) {
	if br.err != nil {
		return nil, br.err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(br, buf); err != nil {
		br.err = err
		return nil, err
	}
	return buf, nil
}

func (br *bufReader) readString() (string, error) {
	if br.err != nil {
		return "", br.err
	}
	s0, err := br.ReadString(0)
	if err != nil {
		br.err = err
		return "", err
	}
	s := strings.TrimSuffix(s0, "\x00")
	if len(s) == len(s0) {
		err = fmt.Errorf("unexpected non-null terminated string")
		br.err = err
		return "", err
	}
	return s, nil
}
