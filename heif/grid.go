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
	"encoding/binary"
	"fmt"
)

// ImageGrid is the payload of a "grid" derived image item.
type ImageGrid struct {
	Version       uint8
	Flags         uint8
	Rows, Columns int
	OutputWidth   uint32
	OutputHeight  uint32
}

// ParseImageGrid decodes grid item data.
func ParseImageGrid(data []byte) (*ImageGrid, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("heif: grid data too short (%d bytes)", len(data))
	}
	g := &ImageGrid{
		Version: data[0],
		Flags:   data[1],
		Rows:    int(data[2]) + 1,
		Columns: int(data[3]) + 1,
	}
	if g.Version != 0 {
		return nil, fmt.Errorf("heif: unsupported grid version %d", g.Version)
	}
	if g.Flags&1 != 0 {
		if len(data) < 12 {
			return nil, fmt.Errorf("heif: grid data too short (%d bytes)", len(data))
		}
		g.OutputWidth = binary.BigEndian.Uint32(data[4:])
		g.OutputHeight = binary.BigEndian.Uint32(data[8:])
	} else {
		g.OutputWidth = uint32(binary.BigEndian.Uint16(data[4:]))
		g.OutputHeight = uint32(binary.BigEndian.Uint16(data[6:]))
	}
	return g, nil
}

// Tiles returns the number of tiles the grid is made of.
func (g *ImageGrid) Tiles() int { return g.Rows * g.Columns }

// Marshal encodes g, choosing 32 bit output sizes when needed.
func (g *ImageGrid) Marshal() []byte {
	flags := g.Flags &^ 1
	if g.OutputWidth > 0xffff || g.OutputHeight > 0xffff {
		flags |= 1
	}
	out := []byte{g.Version, flags, byte(g.Rows - 1), byte(g.Columns - 1)}
	if flags&1 != 0 {
		out = binary.BigEndian.AppendUint32(out, g.OutputWidth)
		return binary.BigEndian.AppendUint32(out, g.OutputHeight)
	}
	out = binary.BigEndian.AppendUint16(out, uint16(g.OutputWidth))
	return binary.BigEndian.AppendUint16(out, uint16(g.OutputHeight))
}

// Grid reads the grid description of a "grid" item.
func (f *File) Grid(it *Item) (*ImageGrid, error) {
	if it.Type() != "grid" {
		return nil, fmt.Errorf("heif: %v is not a grid", it)
	}
	data, err := f.ItemData(it)
	if err != nil {
		return nil, err
	}
	return ParseImageGrid(data)
}
