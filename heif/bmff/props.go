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
	"fmt"
	"io"
)

type ImageSpatialExtentsProperty struct {
	FullBox
	ImageWidth  uint32
	ImageHeight uint32
}

func parseImageSpatialExtentsProperty(outer *Box, br *bufReader) (Parsed, error) {
	fb, err := readFullBox(outer, br)
	if err != nil {
		return nil, err
	}
	w, err := br.readUint32()
	if err != nil {
		return nil, err
	}
	h, err := br.readUint32()
	if err != nil {
		return nil, err
	}
	return &ImageSpatialExtentsProperty{
		FullBox:     fb,
		ImageWidth:  w,
		ImageHeight: h,
	}, nil
}

// ImageRotation is a HEIF "irot" rotation property.
type ImageRotation struct {
	*Box
	Angle uint8 // 1 means 90 degrees counter-clockwise, 2 means 180 counter-clockwise
}

func parseImageRotation(gen *Box, br *bufReader) (Parsed, error) {
	v, err := br.readUint8()
	if err != nil {
		return nil, err
	}
	return &ImageRotation{Box: gen, Angle: v & 3}, nil
}

// Mirror axes of an "imir" property.
const (
	// MirrorVertical mirrors about a vertical axis: left and right swap.
	MirrorVertical uint8 = 0
	// MirrorHorizontal mirrors about a horizontal axis: top and bottom swap.
	MirrorHorizontal uint8 = 1
)

// ImageMirror is a HEIF "imir" mirror property.
type ImageMirror struct {
	*Box
	Axis uint8
}

func parseImageMirror(gen *Box, br *bufReader) (Parsed, error) {
	v, err := br.readUint8()
	if err != nil {
		return nil, err
	}
	return &ImageMirror{Box: gen, Axis: v & 1}, nil
}

// Fraction is a rational number as stored in "clap".
type Fraction struct {
	N, D int64
}

func (f Fraction) Float() float64 {
	if f.D == 0 {
		return 0
	}
	return float64(f.N) / float64(f.D)
}

func (f Fraction) String() string { return fmt.Sprintf("%d/%d", f.N, f.D) }

// CleanAperture is a HEIF "clap" crop property.
type CleanAperture struct {
	*Box
	Width, Height           Fraction
	HorizOffset, VertOffset Fraction // relative to the image center
}

func parseCleanAperture(gen *Box, br *bufReader) (Parsed, error) {
	ca := &CleanAperture{Box: gen}
	unsigned := func(f *Fraction) {
		n, _ := br.readUint32()
		d, _ := br.readUint32()
		*f = Fraction{int64(n), int64(d)}
	}
	signed := func(f *Fraction) {
		n, _ := br.readInt32()
		d, _ := br.readUint32()
		*f = Fraction{int64(n), int64(d)}
	}
	unsigned(&ca.Width)
	unsigned(&ca.Height)
	signed(&ca.HorizOffset)
	signed(&ca.VertOffset)
	if !br.ok() {
		return nil, br.err
	}
	for _, f := range []Fraction{ca.Width, ca.Height, ca.HorizOffset, ca.VertOffset} {
		if f.D == 0 {
			return nil, fmt.Errorf("clap has zero denominator")
		}
	}
	return ca, nil
}

// ColourInformation is a "colr" property, either "nclx" or an ICC
// profile ("rICC" or "prof").
type ColourInformation struct {
	*Box
	ColourType string

	// "nclx" only
	ColourPrimaries         uint16
	TransferCharacteristics uint16
	MatrixCoefficients      uint16
	FullRange               bool

	ICCProfile []byte
}

func parseColourInformation(gen *Box, br *bufReader) (Parsed, error) {
	typ, err := br.readBytes(4)
	if err != nil {
		return nil, err
	}
	ci := &ColourInformation{Box: gen, ColourType: string(typ)}
	switch ci.ColourType {
	case "nclx":
		ci.ColourPrimaries, _ = br.readUint16()
		ci.TransferCharacteristics, _ = br.readUint16()
		ci.MatrixCoefficients, _ = br.readUint16()
		flags, _ := br.readUint8()
		ci.FullRange = flags&0x80 != 0
	case "rICC", "prof":
		ci.ICCProfile, err = io.ReadAll(br)
		if err != nil {
			return nil, err
		}
	}
	if !br.ok() {
		return nil, br.err
	}
	return ci, nil
}

// PixelInformation is a "pixi" property.
type PixelInformation struct {
	FullBox
	BitsPerChannel []uint8
}

func parsePixelInformation(gen *Box, br *bufReader) (Parsed, error) {
	fb, err := readFullBox(gen, br)
	if err != nil {
		return nil, err
	}
	pi := &PixelInformation{FullBox: fb}
	n, _ := br.readUint8()
	pi.BitsPerChannel, _ = br.readBytes(int(n))
	if !br.ok() {
		return nil, br.err
	}
	return pi, nil
}

// AV1CodecConfig is an "av1C" AV1CodecConfigurationRecord.
type AV1CodecConfig struct {
	*Box
	Marker                           uint8 // must be 1
	Version                          uint8 // must be 1
	SeqProfile                       uint8 // 3 bits
	SeqLevelIdx0                     uint8 // 5 bits
	SeqTier0                         uint8 // 1 bit
	HighBitdepth                     uint8 // 1 bit
	TwelveBit                        uint8 // 1 bit
	Monochrome                       uint8 // 1 bit
	ChromaSubsamplingX               uint8 // 1 bit
	ChromaSubsamplingY               uint8 // 1 bit
	ChromaSamplePosition             uint8 // 2 bits
	InitialPresentationDelayPresent  uint8 // 1 bit
	InitialPresentationDelayMinusOne uint8 // 4 bits (optional)
	ConfigOBUs                       []byte
}

// BitDepth returns the bit depth implied by HighBitdepth and TwelveBit.
func (c *AV1CodecConfig) BitDepth() int {
	switch {
	case c.TwelveBit != 0:
		return 12
	case c.HighBitdepth != 0:
		return 10
	}
	return 8
}

func parseAV1CodecConfig(gen *Box, br *bufReader) (Parsed, error) {
	c := &AV1CodecConfig{Box: gen}

	b, _ := br.readUint8()
	c.Marker = b >> 7
	c.Version = b & 0x7f

	b, _ = br.readUint8()
	c.SeqProfile = b >> 5
	c.SeqLevelIdx0 = b & 0x1f

	b, _ = br.readUint8()
	c.SeqTier0 = (b >> 7) & 1
	c.HighBitdepth = (b >> 6) & 1
	c.TwelveBit = (b >> 5) & 1
	c.Monochrome = (b >> 4) & 1
	c.ChromaSubsamplingX = (b >> 3) & 1
	c.ChromaSubsamplingY = (b >> 2) & 1
	c.ChromaSamplePosition = b & 3

	b, _ = br.readUint8()
	c.InitialPresentationDelayPresent = (b >> 4) & 1
	if c.InitialPresentationDelayPresent == 1 {
		c.InitialPresentationDelayMinusOne = b & 0x0f
	}
	if !br.ok() {
		return nil, br.err
	}

	rest, err := io.ReadAll(br)
	if err != nil {
		return nil, err
	}
	if len(rest) > 0 {
		c.ConfigOBUs = rest
	}
	return c, nil
}

// LayerSelector is an "lsel" property.
type LayerSelector struct {
	*Box
	LayerID uint16 // 0xFFFF means all layers
}

func parseLayerSelector(gen *Box, br *bufReader) (Parsed, error) {
	v, err := br.readUint16()
	if err != nil {
		return nil, err
	}
	return &LayerSelector{Box: gen, LayerID: v}, nil
}

// OperatingPointSelector is an "a1op" property.
type OperatingPointSelector struct {
	*Box
	OpIndex uint8
}

func parseOperatingPointSelector(gen *Box, br *bufReader) (Parsed, error) {
	v, err := br.readUint8()
	if err != nil {
		return nil, err
	}
	return &OperatingPointSelector{Box: gen, OpIndex: v}, nil
}

// LayeredImageIndexing is an "a1lx" property.
type LayeredImageIndexing struct {
	*Box
	LayerSizes [3]uint32
}

func parseLayeredImageIndexing(gen *Box, br *bufReader) (Parsed, error) {
	flags, err := br.readUint8()
	if err != nil {
		return nil, err
	}
	bits := uint8(16)
	if flags&1 != 0 {
		bits = 32
	}
	li := &LayeredImageIndexing{Box: gen}
	for i := range li.LayerSizes {
		v, _ := br.readUintN(bits)
		li.LayerSizes[i] = uint32(v)
	}
	if !br.ok() {
		return nil, br.err
	}
	return li, nil
}

// AlphaURN is the auxiliary type of alpha planes.
const AlphaURN = "urn:mpeg:mpegB:cicp:systems:auxiliary:alpha"

// AuxiliaryType is an "auxC" property.
type AuxiliaryType struct {
	FullBox
	AuxType    string
	AuxSubtype []byte
}

func parseAuxiliaryType(gen *Box, br *bufReader) (Parsed, error) {
	fb, err := readFullBox(gen, br)
	if err != nil {
		return nil, err
	}
	ac := &AuxiliaryType{FullBox: fb}
	ac.AuxType, _ = br.readString()
	if !br.ok() {
		return nil, br.err
	}
	ac.AuxSubtype, err = io.ReadAll(br)
	if err != nil {
		return nil, err
	}
	return ac, nil
}

// PixelAspectRatio is a "pasp" property.
type PixelAspectRatio struct {
	*Box
	HSpacing, VSpacing uint32
}

func parsePixelAspectRatio(gen *Box, br *bufReader) (Parsed, error) {
	pa := &PixelAspectRatio{Box: gen}
	pa.HSpacing, _ = br.readUint32()
	pa.VSpacing, _ = br.readUint32()
	if !br.ok() {
		return nil, br.err
	}
	return pa, nil
}
