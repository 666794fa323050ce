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
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rwcarlsen/goexif/exif"
)

// ErrNoEXIF is returned by File.EXIF when a file does not contain an EXIF item.
var ErrNoEXIF = errors.New("heif: no EXIF found")

// ExifItems returns the "Exif" items describing it through a "cdsc"
// reference. A nil it returns every Exif item of the file.
func (f *File) ExifItems(it *Item) []*Item {
	var out []*Item
	if it == nil {
		for _, e := range f.Meta().Items {
			if e.Type() == "Exif" {
				out = append(out, e)
			}
		}
		return out
	}
	seen := map[uint32]bool{}
	for _, id := range it.ReferencedBy("cdsc") {
		e, err := f.Meta().ItemByID(id)
		if err != nil || e.Type() != "Exif" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, e)
	}
	return out
}

// ExifData returns the TIFF header and IFDs of an Exif item. The item
// data starts with a 32 bit offset to the TIFF header.
func (f *File) ExifData(e *Item) ([]byte, error) {
	data, err := f.ItemData(e)
	if err != nil {
		return nil, err
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("heif: Exif item %d too short", e.ID)
	}
	off := binary.BigEndian.Uint32(data)
	if uint64(off) > uint64(len(data)-4) {
		return nil, fmt.Errorf("heif: Exif item %d: TIFF header offset %d past end", e.ID, off)
	}
	return data[4+off:], nil
}

// EXIF returns the raw EXIF data of the first Exif item in the file.
// The error is ErrNoEXIF if the file did not contain EXIF.
func (f *File) EXIF() ([]byte, error) {
	items := f.ExifItems(nil)
	if len(items) == 0 {
		return nil, ErrNoEXIF
	}
	return f.ExifData(items[0])
}

// DecodeExif decodes the Exif item e.
func (f *File) DecodeExif(e *Item) (*exif.Exif, error) {
	data, err := f.ExifData(e)
	if err != nil {
		return nil, err
	}
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("heif: decoding Exif item %d: %w", e.ID, err)
	}
	return x, nil
}

// ExifOrientation returns the Exif orientation tag recorded for it, in
// the range [1,8]. The error is ErrNoEXIF if no Exif item describes it.
func (f *File) ExifOrientation(it *Item) (int, error) {
	items := f.ExifItems(it)
	if len(items) == 0 {
		return 0, ErrNoEXIF
	}
	x, err := f.DecodeExif(items[0])
	if err != nil {
		return 0, err
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1, nil // absent means the default orientation
	}
	v, err := tag.Int(0)
	if err != nil {
		return 0, fmt.Errorf("heif: Exif orientation of item %d: %w", items[0].ID, err)
	}
	return v, nil
}
