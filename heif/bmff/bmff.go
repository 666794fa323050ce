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

// Package bmff reads ISO BMFF boxes, as used by HEIF and AVIF.
//
// Boxes are read in a single forward pass per nesting level. ReadTree
// assembles the whole hierarchy, descending into a fixed set of container
// types and keeping every other box as an opaque leaf. Only boxes needed
// by the heif package have explicit parsers.
//
// This package makes no API compatibility promises; it exists
// primarily for use by the heif package.
package bmff

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

type BoxType [4]byte

// Common box types.
var (
	TypeFtyp = BoxType{'f', 't', 'y', 'p'}
	TypeMeta = BoxType{'m', 'e', 't', 'a'}
	TypeMdat = BoxType{'m', 'd', 'a', 't'}
	TypeMoov = BoxType{'m', 'o', 'o', 'v'}
	TypeFree = BoxType{'f', 'r', 'e', 'e'}
	TypeSkip = BoxType{'s', 'k', 'i', 'p'}
	TypeUUID = BoxType{'u', 'u', 'i', 'd'}
)

func (t BoxType) String() string { return string(t[:]) }

func (t BoxType) EqualString(s string) bool {
	// Could be cleaner, but see ohttps://github.com/golang/go/issues/24765
	return len(s) == 4 && s[0] == t[0] && s[1] == t[1] && s[2] == t[2] && s[3] == t[3]
}

// NewType returns the BoxType for a four character code.
// It panics if s is not exactly 4 bytes long.
func NewType(s string) BoxType {
	if len(s) != 4 {
		panic("bogus boxType length")
	}
	return BoxType{s[0], s[1], s[2], s[3]}
}

func boxType(s string) BoxType { return NewType(s) }

// Header is the framing of a single box.
type Header struct {
	Type     BoxType
	UserType [16]byte // only for "uuid" boxes

	Offset     int64 // absolute offset of the size field
	Size       int64 // whole box, header included
	HeaderSize int   // 8, or 16 with a 64-bit size; plus 16 for "uuid"
	LargeSize  bool  // size was stored in the 64-bit largesize field
	ToEnd      bool  // size field was 0: the box extends to the end of its parent
}

func (h Header) PayloadOffset() int64 { return h.Offset + int64(h.HeaderSize) }
func (h Header) PayloadSize() int64   { return h.Size - int64(h.HeaderSize) }
func (h Header) End() int64           { return h.Offset + h.Size }

// Parsed is the result of Box.Parse. Every concrete parsed box embeds
// the *Box it was parsed from.
type Parsed interface {
	Raw() *Box
}

// Box represents a BMFF box and, for container types, its children.
type Box struct {
	Header

	Parent   *Box
	Prefix   []byte // container bytes preceding the first child (FullBox header, counts)
	Children []*Box
	Trailer  []byte // container padding after the last child, always < 8 bytes

	// Err is set when the box's children could not be read. The payload is
	// then kept opaque so the box still serializes byte-for-byte.
	Err error

	container bool
	payload   []byte             // leaf payload held in memory
	body      *io.SectionReader // leaf payload left on disk
	parsed    Parsed
}

func (b *Box) Raw() *Box { return b }

func (b *Box) String() string {
	return fmt.Sprintf("%s@%d", b.Type, b.Offset)
}

// IsContainer reports whether the box's payload was read as child boxes.
func (b *Box) IsContainer() bool { return b.container }

// Body returns the payload of the box, ignoring the header. For containers
// this is the prefix followed by the serialized children.
func (b *Box) Body() io.Reader {
	if b.payload != nil || (b.body == nil && !b.container) {
		return bytes.NewReader(b.payload)
	}
	if b.body != nil {
		return io.NewSectionReader(b.body, 0, b.body.Size())
	}
	var buf bytes.Buffer
	if _, err := b.writePayload(&buf); err != nil {
		return errReader{err}
	}
	return &buf
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

// Payload returns the payload bytes of the box, reading them from the
// underlying file if they were not held in memory.
func (b *Box) Payload() ([]byte, error) {
	if b.container {
		var buf bytes.Buffer
		_, err := b.writePayload(&buf)
		return buf.Bytes(), err
	}
	if b.payload != nil || b.body == nil {
		return b.payload, nil
	}
	buf := make([]byte, b.body.Size())
	if n, err := b.body.ReadAt(buf, 0); n < len(buf) {
		return nil, err
	}
	return buf, nil
}

// Child returns the first child of type typ, or nil.
func (b *Box) Child(typ BoxType) *Box {
	for _, c := range b.Children {
		if c.Type == typ {
			return c
		}
	}
	return nil
}

// ChildrenOf returns all children of type typ in order.
func (b *Box) ChildrenOf(typ BoxType) []*Box {
	var out []*Box
	for _, c := range b.Children {
		if c.Type == typ {
			out = append(out, c)
		}
	}
	return out
}

// Find returns the first descendant matching the box type path.
func (b *Box) Find(path ...string) *Box {
	return find(b.Children, path)
}

func find(boxes []*Box, path []string) *Box {
	if len(path) == 0 {
		return nil
	}
	for _, b := range boxes {
		if !b.Type.EqualString(path[0]) {
			continue
		}
		if len(path) == 1 {
			return b
		}
		return find(b.Children, path[1:])
	}
	return nil
}

// Reader reads the sibling boxes of one nesting level.
//
// A Reader is a single forward pass: each call to ReadBox returns the
// next box and there is no way to go back.
type Reader struct {
	ra          io.ReaderAt
	pos, end    int64
	nested      bool
	noMoreBoxes bool // a box with size 0 (the final box) was seen
	trailer     []byte
}

// NewReader returns a Reader for the boxes stored in ra between the
// absolute offsets start and end.
func NewReader(ra io.ReaderAt, start, end int64) *Reader {
	return &Reader{ra: ra, pos: start, end: end}
}

func newNestedReader(ra io.ReaderAt, start, end int64) *Reader {
	r := NewReader(ra, start, end)
	r.nested = true
	return r
}

// Trailer returns the bytes left over after the last box when they were
// too few to hold a box header.
func (r *Reader) Trailer() []byte { return r.trailer }

// ReadBox reads the next box header. The payload is not read; it is
// available through Box.Body.
//
// At the end, the error is io.EOF. A box whose declared size runs past
// the end of the range yields an *Error wrapping ErrTruncated for the
// top level or ErrMalformed for a nested level, after which the Reader
// returns io.EOF.
func (r *Reader) ReadBox() (*Box, error) {
	if r.noMoreBoxes || r.pos >= r.end {
		return nil, io.EOF
	}
	remain := r.end - r.pos
	if remain < 8 {
		r.trailer = make([]byte, remain)
		if _, err := r.ra.ReadAt(r.trailer, r.pos); err != nil && err != io.EOF {
			return nil, r.fail(CodeTruncated, BoxType{}, "reading trailing bytes: %v", err)
		}
		r.pos = r.end
		return nil, io.EOF
	}

	var buf [16]byte
	if _, err := r.ra.ReadAt(buf[:8], r.pos); err != nil {
		return nil, r.fail(CodeTruncated, BoxType{}, "reading box header: %v", err)
	}
	h := Header{Offset: r.pos, HeaderSize: 8}
	copy(h.Type[:], buf[4:8])
	size := int64(binary.BigEndian.Uint32(buf[:4]))

	// Special cases for size:
	switch size {
	case 1:
		// 1 means it's actually a 64-bit size, after the type.
		if remain < 16 {
			return nil, r.overrun(h.Type, "no room for 64-bit size")
		}
		if _, err := r.ra.ReadAt(buf[8:16], r.pos+8); err != nil {
			return nil, r.fail(CodeTruncated, h.Type, "reading 64-bit size: %v", err)
		}
		large := binary.BigEndian.Uint64(buf[8:16])
		if large > math.MaxInt64 {
			// Go uses int64 for sizes typically, but BMFF uses uint64.
			return nil, r.fail(CodeMalformed, h.Type, "unexpectedly large box")
		}
		size = int64(large)
		h.LargeSize = true
		h.HeaderSize = 16
	case 0:
		// 0 means unknown & to read to end of the range. No more boxes.
		size = remain
		h.ToEnd = true
		r.noMoreBoxes = true
	}
	if h.Type == TypeUUID {
		if remain < int64(h.HeaderSize)+16 {
			return nil, r.overrun(h.Type, "no room for extended type")
		}
		if _, err := r.ra.ReadAt(h.UserType[:], r.pos+int64(h.HeaderSize)); err != nil {
			return nil, r.fail(CodeTruncated, h.Type, "reading extended type: %v", err)
		}
		h.HeaderSize += 16
	}
	if size < int64(h.HeaderSize) {
		return nil, r.fail(CodeMalformed, h.Type, "box header has size %d, smaller than its %d byte header", size, h.HeaderSize)
	}
	if size > remain {
		return nil, r.overrun(h.Type, fmt.Sprintf("declared size %d exceeds the %d bytes remaining", size, remain))
	}
	h.Size = size

	b := &Box{Header: h}
	b.body = io.NewSectionReader(r.ra, h.PayloadOffset(), h.PayloadSize())
	r.pos += size
	return b, nil
}

// overrun reports a box that does not fit in what is left of the range.
func (r *Reader) overrun(typ BoxType, msg string) error {
	if r.nested {
		return r.fail(CodeMalformed, typ, "%s", msg)
	}
	return r.fail(CodeTruncated, typ, "%s", msg)
}

func (r *Reader) fail(code Code, typ BoxType, format string, args ...any) error {
	r.noMoreBoxes = true
	return &Error{Code: code, Offset: r.pos, Type: typ, Msg: fmt.Sprintf(format, args...)}
}
