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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
)

// DefaultMaxSlurp is the largest leaf payload ReadTree holds in memory.
const DefaultMaxSlurp = 16 << 20

const defaultMaxDepth = 32

// Size of the VisualSampleEntry fields preceding the child boxes of an
// "av01" sample entry.
const visualSampleEntrySize = 78

// containers maps the box types whose payload is a list of boxes to the
// number of bytes preceding the first child.
var containers = map[BoxType]int{
	boxType("moov"): 0,
	boxType("trak"): 0,
	boxType("edts"): 0,
	boxType("mdia"): 0,
	boxType("minf"): 0,
	boxType("dinf"): 0,
	boxType("stbl"): 0,
	boxType("mvex"): 0,
	boxType("moof"): 0,
	boxType("traf"): 0,
	boxType("tref"): 0,
	boxType("udta"): 0,
	boxType("iprp"): 0,
	boxType("ipco"): 0,
	boxType("grpl"): 0,
	boxType("meta"): 4, // FullBox
	boxType("iref"): 4, // FullBox
	boxType("iinf"): 4, // FullBox, then a 16 or 32 bit entry count
	boxType("dref"): 8, // FullBox + entry_count
	boxType("stsd"): 8, // FullBox + entry_count
}

// IsContainer reports whether boxes of type typ hold child boxes.
// Sample entries such as "av01" are containers only inside "stsd" and
// are not reported here.
func IsContainer(typ BoxType) bool {
	_, ok := containers[typ]
	return ok
}

type treeConfig struct {
	maxSlurp int64
	maxDepth int
}

// TreeOption configures ReadTree.
type TreeOption func(*treeConfig)

// WithMaxSlurp sets the largest leaf payload that is read into memory.
// Larger payloads are read on demand from the underlying io.ReaderAt.
func WithMaxSlurp(n int64) TreeOption {
	return func(c *treeConfig) { c.maxSlurp = n }
}

// WithMaxDepth limits container nesting. Deeper containers are kept as
// opaque leaves.
func WithMaxDepth(n int) TreeOption {
	return func(c *treeConfig) { c.maxDepth = n }
}

// Tree is the box hierarchy of a whole file.
type Tree struct {
	Boxes   []*Box
	Trailer []byte // fewer than 8 bytes following the last top-level box
	Size    int64

	// Errors lists every structural error found, in file order. Subtrees
	// with errors are kept as opaque boxes.
	Errors []error

	cfg treeConfig
	ra  io.ReaderAt
}

// ReadTree reads the box hierarchy of the size bytes in ra.
//
// A non-nil error is returned only when the top level itself is truncated
// or unreadable. The partial tree is returned along with it. Errors inside
// containers are recorded in Tree.Errors and on the offending box, and
// reading continues with the next sibling.
func ReadTree(ra io.ReaderAt, size int64, opts ...TreeOption) (*Tree, error) {
	t := &Tree{
		Size: size,
		ra:   ra,
		cfg:  treeConfig{maxSlurp: DefaultMaxSlurp, maxDepth: defaultMaxDepth},
	}
	for _, opt := range opts {
		opt(&t.cfg)
	}

	r := NewReader(ra, 0, size)
	for {
		b, err := r.ReadBox()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Errors = append(t.Errors, err)
			return t, err
		}
		if err := t.load(b, 0); err != nil {
			return t, err
		}
		t.Boxes = append(t.Boxes, b)
	}
	t.Trailer = r.Trailer()
	return t, nil
}

// load reads the payload of b: its children for containers, or the raw
// bytes for leaves. Only I/O failures are returned.
func (t *Tree) load(b *Box, depth int) error {
	prefix, ok := t.prefixLen(b)
	if !ok || depth >= t.cfg.maxDepth {
		return t.loadLeaf(b)
	}
	if int64(prefix) > b.PayloadSize() {
		err := &Error{Code: CodeMalformed, Offset: b.Offset, Type: b.Type,
			Msg: fmt.Sprintf("%d byte payload cannot hold %d byte container header", b.PayloadSize(), prefix)}
		b.Err = err
		t.Errors = append(t.Errors, err)
		return t.loadLeaf(b)
	}

	b.Prefix = make([]byte, prefix)
	if n, err := t.ra.ReadAt(b.Prefix, b.PayloadOffset()); n < prefix {
		return fmt.Errorf("reading %q header: %w", b.Type, err)
	}
	r := newNestedReader(t.ra, b.PayloadOffset()+int64(prefix), b.End())
	for {
		child, err := r.ReadBox()
		if err == io.EOF {
			break
		}
		var berr *Error
		if errors.As(err, &berr) {
			// The rest of this container cannot be attributed to boxes.
			// Keep it opaque so that it still serializes unchanged.
			b.Err = err
			t.Errors = append(t.Errors, err)
			b.Prefix, b.Children = nil, nil
			return t.loadLeaf(b)
		}
		if err != nil {
			return err
		}
		child.Parent = b
		if err := t.load(child, depth+1); err != nil {
			return err
		}
		b.Children = append(b.Children, child)
	}
	b.Trailer = r.Trailer()
	b.container = true
	b.body = nil
	return nil
}

func (t *Tree) loadLeaf(b *Box) error {
	if b.PayloadSize() > t.cfg.maxSlurp {
		return nil
	}
	buf := make([]byte, b.PayloadSize())
	if n, err := t.ra.ReadAt(buf, b.PayloadOffset()); n < len(buf) {
		return fmt.Errorf("reading %q payload: %w", b.Type, err)
	}
	b.payload = buf
	b.body = nil
	return nil
}

func (t *Tree) prefixLen(b *Box) (int, bool) {
	if b.Type.EqualString("av01") {
		return visualSampleEntrySize, b.Parent != nil && b.Parent.Type.EqualString("stsd")
	}
	n, ok := containers[b.Type]
	if !ok {
		return 0, false
	}
	if b.Type.EqualString("iinf") && b.PayloadSize() > 0 {
		var v [1]byte
		if _, err := t.ra.ReadAt(v[:], b.PayloadOffset()); err == nil {
			if v[0] == 0 {
				n += 2
			} else {
				n += 4
			}
		}
	}
	return n, true
}

// Find returns the first box matching the box type path from the top
// level, for example Find("meta", "iprp", "ipco").
func (t *Tree) Find(path ...string) *Box {
	return find(t.Boxes, path)
}

// Len returns the serialized size of the tree.
func (t *Tree) Len() int64 {
	n := int64(len(t.Trailer))
	for _, b := range t.Boxes {
		n += b.Len()
	}
	return n
}

// WriteTo serializes the tree. For an unmodified tree the output is
// identical to the input that was read.
func (t *Tree) WriteTo(w io.Writer) (int64, error) {
	var n int64
	for _, b := range t.Boxes {
		m, err := b.WriteTo(w)
		n += m
		if err != nil {
			return n, err
		}
	}
	m, err := w.Write(t.Trailer)
	return n + int64(m), err
}

// NewLeaf returns a box holding payload as opaque bytes.
func NewLeaf(typ BoxType, payload []byte) *Box {
	if payload == nil {
		payload = []byte{}
	}
	b := &Box{Header: Header{Type: typ}, payload: payload}
	b.fixSize()
	return b
}

// NewContainer returns a box whose payload is prefix followed by children.
func NewContainer(typ BoxType, prefix []byte, children ...*Box) *Box {
	b := &Box{Header: Header{Type: typ}, Prefix: prefix, Children: children, container: true}
	for _, c := range children {
		c.Parent = b
	}
	b.fixSize()
	return b
}

// FullBoxHeader returns the 4 byte version and flags header of a FullBox.
func FullBoxHeader(version uint8, flags uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], flags&0xffffff)
	buf[0] = version
	return buf[:]
}

// fixSize recomputes Size and HeaderSize from the box contents.
func (b *Box) fixSize() {
	b.HeaderSize = b.headerLen()
	b.Size = b.Len()
}

// Append adds children to a container built with NewContainer.
func (b *Box) Append(children ...*Box) {
	for _, c := range children {
		c.Parent = b
	}
	b.Children = append(b.Children, children...)
	b.container = true
	for p := b; p != nil; p = p.Parent {
		p.fixSize()
	}
}

func (b *Box) payloadLen() int64 {
	if b.container {
		n := int64(len(b.Prefix) + len(b.Trailer))
		for _, c := range b.Children {
			n += c.Len()
		}
		return n
	}
	if b.payload == nil && b.body != nil {
		return b.body.Size()
	}
	return int64(len(b.payload))
}

func (b *Box) headerLen() int {
	n := 8
	if b.LargeSize || b.payloadLen()+16 > math.MaxUint32 {
		n += 8
	}
	if b.Type == TypeUUID {
		n += 16
	}
	return n
}

// Len returns the serialized size of the box, header included.
func (b *Box) Len() int64 {
	return int64(b.headerLen()) + b.payloadLen()
}

// WriteTo serializes the box, keeping the size field form it was read
// with: 32 bit, 64 bit largesize, or 0 for a box extending to the end.
func (b *Box) WriteTo(w io.Writer) (int64, error) {
	hdr := make([]byte, 0, 32)
	size := b.Len()
	switch {
	case b.ToEnd:
		hdr = binary.BigEndian.AppendUint32(hdr, 0)
		hdr = append(hdr, b.Type[:]...)
	case b.headerLen()-uuidLen(b) == 16:
		hdr = binary.BigEndian.AppendUint32(hdr, 1)
		hdr = append(hdr, b.Type[:]...)
		hdr = binary.BigEndian.AppendUint64(hdr, uint64(size))
	default:
		hdr = binary.BigEndian.AppendUint32(hdr, uint32(size))
		hdr = append(hdr, b.Type[:]...)
	}
	if b.Type == TypeUUID {
		hdr = append(hdr, b.UserType[:]...)
	}
	m, err := w.Write(hdr)
	n := int64(m)
	if err != nil {
		return n, err
	}
	pn, err := b.writePayload(w)
	return n + pn, err
}

func uuidLen(b *Box) int {
	if b.Type == TypeUUID {
		return 16
	}
	return 0
}

func (b *Box) writePayload(w io.Writer) (int64, error) {
	if !b.container {
		if b.payload == nil && b.body != nil {
			return io.Copy(w, io.NewSectionReader(b.body, 0, b.body.Size()))
		}
		m, err := w.Write(b.payload)
		return int64(m), err
	}
	m, err := w.Write(b.Prefix)
	n := int64(m)
	if err != nil {
		return n, err
	}
	for _, c := range b.Children {
		cn, err := c.WriteTo(w)
		n += cn
		if err != nil {
			return n, err
		}
	}
	m, err = w.Write(b.Trailer)
	return n + int64(m), err
}

// Fprint writes an indented listing of the tree to w.
func Fprint(w io.Writer, t *Tree) error {
	for _, b := range t.Boxes {
		if err := fprintBox(w, b, 0); err != nil {
			return err
		}
	}
	if len(t.Trailer) > 0 {
		_, err := fmt.Fprintf(w, "(%d trailing bytes)\n", len(t.Trailer))
		return err
	}
	return nil
}

func fprintBox(w io.Writer, b *Box, depth int) error {
	var notes []string
	if b.LargeSize {
		notes = append(notes, "64-bit size")
	}
	if b.ToEnd {
		notes = append(notes, "to end")
	}
	if b.Err != nil {
		notes = append(notes, b.Err.Error())
	}
	if len(b.Trailer) > 0 {
		notes = append(notes, fmt.Sprintf("%d trailing bytes", len(b.Trailer)))
	}
	line := fmt.Sprintf("%s%s offset=%d size=%d", strings.Repeat("  ", depth), b.Type, b.Offset, b.Size)
	if len(notes) > 0 {
		line += " (" + strings.Join(notes, "; ") + ")"
	}
	if _, err := fmt.Fprintln(w, line); err != nil {
		return err
	}
	for _, c := range b.Children {
		if err := fprintBox(w, c, depth+1); err != nil {
			return err
		}
	}
	return nil
}
