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
	"errors"
	"fmt"

	"github.com/jdeng/avifcheck/heif/bmff"
)

var (
	ErrNoLocation        = errors.New("heif: item has no location")
	ErrManyLocations     = errors.New("heif: item has more than one location")
	ErrOutOfBounds       = errors.New("heif: data out of bounds")
	ErrExternalData      = errors.New("heif: item data is in another file")
	ErrConstruction      = errors.New("heif: unsupported construction method")
	ErrItemDataTooLarge  = errors.New("heif: item data exceeds size limit")
	ErrNoSpatialExtents  = errors.New("heif: item has no spatial extents")
	errExtentLengthToEnd = errors.New("heif: extent length 0 is only valid for a single extent")
)

// Item represents an item in a HEIF file.
type Item struct {
	meta *Meta

	ID           uint32
	Info         *bmff.ItemInfoEntry
	Locations    []*bmff.ItemLocationBoxEntry // all "iloc" entries for the item
	Associations []Association                // in storage order
	References   []*bmff.ItemReference        // references from this item

	referencedBy []*bmff.ItemReference
}

func (it *Item) String() string {
	return fmt.Sprintf("item %d (%s)", it.ID, it.Type())
}

// Type returns the item type, such as "av01", "grid" or "Exif".
func (it *Item) Type() string { return it.Info.ItemType }

func (it *Item) Name() string { return it.Info.Name }

func (it *Item) Hidden() bool { return it.Info.Hidden() }

// IsImage reports whether the item is a coded or derived image.
func (it *Item) IsImage() bool {
	switch it.Type() {
	case "av01", "grid", "iovl", "iden":
		return true
	}
	return false
}

// IsDerived reports whether the item is a derived image.
func (it *Item) IsDerived() bool {
	switch it.Type() {
	case "grid", "iovl", "iden":
		return true
	}
	return false
}

// Properties returns the associated properties in association order.
// Index 0 and out of range associations are skipped.
func (it *Item) Properties() []*Property {
	var out []*Property
	for _, a := range it.Associations {
		if a.Property != nil {
			out = append(out, a.Property)
		}
	}
	return out
}

// PropertiesOf returns the associated properties of kind k.
func (it *Item) PropertiesOf(k Kind) []*Property {
	var out []*Property
	for _, p := range it.Properties() {
		if p.Kind == k {
			out = append(out, p)
		}
	}
	return out
}

// value returns the first parsed property of kind k.
func (it *Item) value(k Kind) bmff.Parsed {
	for _, p := range it.PropertiesOf(k) {
		if p.Value != nil {
			return p.Value
		}
	}
	return nil
}

// Reference returns the first reference of the given type from the item.
func (it *Item) Reference(name string) *bmff.ItemReference {
	for _, r := range it.References {
		if r.Type.EqualString(name) {
			return r
		}
	}
	return nil
}

// ReferencedIDs returns the targets of all references of the given type
// from the item, in order.
func (it *Item) ReferencedIDs(name string) []uint32 {
	var out []uint32
	for _, r := range it.References {
		if r.Type.EqualString(name) {
			out = append(out, r.ToItemIDs...)
		}
	}
	return out
}

// ReferencedBy returns the IDs of items with a reference of the given
// type to this item.
func (it *Item) ReferencedBy(name string) []uint32 {
	var out []uint32
	for _, r := range it.referencedBy {
		if r.Type.EqualString(name) {
			out = append(out, r.FromItemID)
		}
	}
	return out
}

// SpatialExtents returns the item's spatial extents property values, if present,
// not correcting from any camera rotation metadata.
func (it *Item) SpatialExtents() (width, height int, ok bool) {
	if p, ok := it.value(KindSpatialExtents).(*bmff.ImageSpatialExtentsProperty); ok {
		return int(p.ImageWidth), int(p.ImageHeight), true
	}
	return
}

// Rotations returns the number of 90 degree rotations counter-clockwise that this
// image should be rendered at, in the range [0,3].
func (it *Item) Rotations() int {
	if p, ok := it.value(KindRotation).(*bmff.ImageRotation); ok {
		return int(p.Angle)
	}
	return 0
}

// Mirror returns the mirroring axis, bmff.MirrorVertical or
// bmff.MirrorHorizontal.
func (it *Item) Mirror() (axis int, ok bool) {
	if p, ok := it.value(KindMirror).(*bmff.ImageMirror); ok {
		return int(p.Axis), true
	}
	return 0, false
}

func (it *Item) CleanAperture() *bmff.CleanAperture {
	p, _ := it.value(KindCleanAperture).(*bmff.CleanAperture)
	return p
}

func (it *Item) AV1Config() *bmff.AV1CodecConfig {
	p, _ := it.value(KindAV1Config).(*bmff.AV1CodecConfig)
	return p
}

func (it *Item) PixelInfo() *bmff.PixelInformation {
	p, _ := it.value(KindPixelInfo).(*bmff.PixelInformation)
	return p
}

// Colours returns all "colr" properties of the item. An item may carry
// one nclx and one ICC profile.
func (it *Item) Colours() []*bmff.ColourInformation {
	var out []*bmff.ColourInformation
	for _, p := range it.PropertiesOf(KindColour) {
		if c, ok := p.Value.(*bmff.ColourInformation); ok {
			out = append(out, c)
		}
	}
	return out
}

// AuxType returns the "auxC" type URN, or "".
func (it *Item) AuxType() string {
	if p, ok := it.value(KindAuxType).(*bmff.AuxiliaryType); ok {
		return p.AuxType
	}
	return ""
}

// VisualDimensions returns the item's width and height after applying
// its crop and rotations.
func (it *Item) VisualDimensions() (width, height int, ok bool) {
	t, err := it.DisplayTransform()
	if err != nil {
		return 0, 0, false
	}
	return t.Width, t.Height, true
}

// Extent is a resolved byte range of item data.
type Extent struct {
	Offset int64 // in the file, or in "idat" when Idat is set
	Length int64
	Idat   bool
}

// ItemExtents resolves the item's single location into byte ranges
// without reading them.
func (f *File) ItemExtents(it *Item) ([]Extent, error) {
	switch len(it.Locations) {
	case 0:
		return nil, ErrNoLocation
	case 1:
	default:
		return nil, fmt.Errorf("%w: %d entries", ErrManyLocations, len(it.Locations))
	}
	loc := it.Locations[0]
	meta := f.Meta()

	if i := int(loc.DataReferenceIndex); i != 0 {
		if i > len(meta.DataEntries) {
			return nil, fmt.Errorf("heif: data reference index %d out of range", i)
		}
		if de := meta.DataEntries[i-1]; de == nil || !de.SelfContained() {
			return nil, ErrExternalData
		}
	}

	var limit int64
	idat := false
	switch loc.ConstructionMethod {
	case bmff.ConstructionFileOffset:
		limit = f.size
	case bmff.ConstructionIdatOffset:
		if meta.ItemData == nil {
			return nil, fmt.Errorf("heif: no idat for item %d", it.ID)
		}
		limit = int64(len(meta.ItemData.Data))
		idat = true
	default:
		return nil, fmt.Errorf("%w %d", ErrConstruction, loc.ConstructionMethod)
	}

	if len(loc.Extents) == 0 {
		return nil, fmt.Errorf("heif: item %d has no extents", it.ID)
	}
	out := make([]Extent, 0, len(loc.Extents))
	for _, ext := range loc.Extents {
		off := loc.BaseOffset + ext.Offset
		if off < loc.BaseOffset || off > uint64(limit) {
			return nil, fmt.Errorf("%w: offset %d, limit %d", ErrOutOfBounds, off, limit)
		}
		length := ext.Length
		if length == 0 {
			if len(loc.Extents) != 1 {
				return nil, errExtentLengthToEnd
			}
			length = uint64(limit) - off
		}
		if length > uint64(limit)-off {
			return nil, fmt.Errorf("%w: %d bytes at offset %d, limit %d", ErrOutOfBounds, length, off, limit)
		}
		out = append(out, Extent{Offset: int64(off), Length: int64(length), Idat: idat})
	}
	return out, nil
}

// ItemData returns the data of the item, joining its extents.
func (f *File) ItemData(it *Item) ([]byte, error) {
	extents, err := f.ItemExtents(it)
	if err != nil {
		return nil, err
	}
	var total int64
	for _, e := range extents {
		total += e.Length
	}
	if total > f.maxItemData {
		return nil, fmt.Errorf("%w: declared size %d exceeds threshold of %d bytes", ErrItemDataTooLarge, total, f.maxItemData)
	}

	buf := make([]byte, 0, total)
	for _, e := range extents {
		b, err := f.ReadExtent(e)
		if err != nil {
			f.log.Debugf(it, "reading %d bytes from %d: %v", e.Length, e.Offset, err)
			return nil, fmt.Errorf("heif: reading item %d data: %w", it.ID, err)
		}
		buf = append(buf, b...)
	}
	return buf, nil
}

// ReadExtent reads the bytes of e.
func (f *File) ReadExtent(e Extent) ([]byte, error) {
	if e.Idat {
		idat := f.Meta().ItemData
		if idat == nil || e.Offset < 0 || e.Offset+e.Length > int64(len(idat.Data)) {
			return nil, ErrOutOfBounds
		}
		return idat.Data[e.Offset : e.Offset+e.Length], nil
	}
	if e.Offset < 0 || e.Length < 0 || e.Offset > f.size || e.Length > f.size-e.Offset {
		return nil, fmt.Errorf("%w: %d bytes at offset %d, file size %d", ErrOutOfBounds, e.Length, e.Offset, f.size)
	}
	if e.Length > f.maxItemData {
		return nil, fmt.Errorf("%w: %d bytes", ErrItemDataTooLarge, e.Length)
	}
	buf := make([]byte, e.Length)
	if n, err := f.ra.ReadAt(buf, e.Offset); n < len(buf) {
		return nil, err
	}
	return buf, nil
}
