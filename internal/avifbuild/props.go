package avifbuild

import (
	"encoding/binary"

	"github.com/jdeng/avifcheck/heif/av1"
	"github.com/jdeng/avifcheck/heif/bmff"
)

func u16(v uint16) []byte { return binary.BigEndian.AppendUint16(nil, v) }
func u32(v uint32) []byte { return binary.BigEndian.AppendUint32(nil, v) }

func join(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func leaf(typ string, parts ...[]byte) *bmff.Box {
	return bmff.NewLeaf(bmff.NewType(typ), join(parts...))
}

func full(version uint8, flags uint32) []byte { return bmff.FullBoxHeader(version, flags) }

// Opaque returns a box with an arbitrary payload.
func Opaque(typ string, payload []byte) *bmff.Box { return leaf(typ, payload) }

func ISPE(width, height uint32) *bmff.Box {
	return leaf("ispe", full(0, 0), u32(width), u32(height))
}

func IROT(angle uint8) *bmff.Box { return leaf("irot", []byte{angle & 3}) }

func IMIR(axis uint8) *bmff.Box { return leaf("imir", []byte{axis & 1}) }

// CLAP returns a clean aperture with integer width, height and offsets.
func CLAP(width, height uint32, horizOff, vertOff int32) *bmff.Box {
	return CLAPFrac(width, 1, height, 1, horizOff, 1, vertOff, 1)
}

func CLAPFrac(wN, wD, hN, hD uint32, hoN int32, hoD uint32, voN int32, voD uint32) *bmff.Box {
	return leaf("clap", u32(wN), u32(wD), u32(hN), u32(hD),
		u32(uint32(hoN)), u32(hoD), u32(uint32(voN)), u32(voD))
}

func PIXI(bits ...uint8) *bmff.Box {
	return leaf("pixi", full(0, 0), []byte{byte(len(bits))}, bits)
}

func NCLX(primaries, transfer, matrix uint16, fullRange bool) *bmff.Box {
	var f byte
	if fullRange {
		f = 0x80
	}
	return leaf("colr", []byte("nclx"), u16(primaries), u16(transfer), u16(matrix), []byte{f})
}

func ICC(profile []byte) *bmff.Box { return leaf("colr", []byte("prof"), profile) }

func AUXC(urn string) *bmff.Box {
	return leaf("auxC", full(0, 0), []byte(urn), []byte{0})
}

func LSEL(layer uint16) *bmff.Box { return leaf("lsel", u16(layer)) }

func A1OP(op uint8) *bmff.Box { return leaf("a1op", []byte{op}) }

func A1LX(sizes [3]uint16) *bmff.Box {
	return leaf("a1lx", []byte{0}, u16(sizes[0]), u16(sizes[1]), u16(sizes[2]))
}

// AV1C returns the configuration record matching sh, followed by
// configOBUs.
func AV1C(sh *av1.SequenceHeader, configOBUs []byte) *bmff.Box {
	return leaf("av1C", ConfigRecord(sh.ConfigRecord()), configOBUs)
}

// ConfigRecord encodes the four fixed bytes of an av1C record.
func ConfigRecord(c av1.ConfigRecord) []byte {
	return []byte{
		0x81,
		c.SeqProfile<<5 | c.SeqLevelIdx0&0x1f,
		c.SeqTier0<<7 | c.HighBitdepth<<6 | c.TwelveBit<<5 | c.Monochrome<<4 |
			c.ChromaSubsamplingX<<3 | c.ChromaSubsamplingY<<2 | c.ChromaSamplePosition&3,
		0,
	}
}

// StillImage returns a reduced still picture sequence header.
func StillImage(width, height uint32, bitDepth uint8) *av1.SequenceHeader {
	sh := &av1.SequenceHeader{
		StillPicture:              true,
		ReducedStillPictureHeader: true,
		OperatingPoints:           []av1.OperatingPoint{{LevelIdx: 8}},
		MaxFrameWidth:             width,
		MaxFrameHeight:            height,
		BitDepth:                  bitDepth,
		ColorDescriptionPresent:   true,
		ColorPrimaries:            1,
		TransferCharacteristics:   13,
		MatrixCoefficients:        6,
		SubsamplingX:              1,
		SubsamplingY:              1,
	}
	if bitDepth == 12 {
		sh.Profile = 2
	}
	return sh
}

// CodedImage returns an OBU stream made of the sequence header and a
// placeholder frame OBU.
func CodedImage(sh *av1.SequenceHeader) []byte {
	payload, err := sh.Marshal()
	if err != nil {
		panic(err)
	}
	out := av1.AppendOBU(nil, av1.OBUSequenceHeader, payload)
	return av1.AppendOBU(out, av1.OBUFrame, []byte{0x10, 0x00, 0x00})
}

// GridData encodes an ImageGrid payload with 16 bit output sizes.
func GridData(rows, columns int, width, height uint16) []byte {
	return join([]byte{0, 0, byte(rows - 1), byte(columns - 1)}, u16(width), u16(height))
}

// ExifData returns an Exif item payload holding a big endian TIFF
// structure with a single orientation tag.
func ExifData(orientation uint16) []byte {
	tiff := join(
		[]byte("MM\x00\x2a"), u32(8),
		// IFD0 with one SHORT entry
		u16(1),
		u16(0x0112), u16(3), u32(1), u16(orientation), u16(0),
		u32(0),
	)
	return join(u32(6), []byte("Exif\x00\x00"), tiff)
}
