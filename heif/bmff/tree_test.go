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
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleFile() []byte {
	hdlr := rawBox("hdlr", fullBox(0, 0), u32(0), []byte("pict"), make([]byte, 12), []byte("\x00"))
	pitm := rawBox("pitm", fullBox(0, 0), u16(1))
	infe := rawBox("infe", fullBox(2, 0), u16(1), u16(0), []byte("av01"), []byte("Color\x00"))
	iinf := rawBox("iinf", fullBox(0, 0), u16(1), infe)
	iloc := rawBox("iloc", fullBox(0, 0), []byte{0x44, 0x00}, u16(1),
		u16(1), u16(0), u16(1), u32(0), u32(4))
	ispe := rawBox("ispe", fullBox(0, 0), u32(64), u32(48))
	unknown := rawBox("zzzz", []byte{1, 2, 3})
	ipco := rawBox("ipco", ispe, unknown)
	ipma := rawBox("ipma", fullBox(0, 0), u32(1), u16(1), []byte{2, 0x81, 0x02})
	iprp := rawBox("iprp", ipco, ipma)
	meta := rawBox("meta", fullBox(0, 0), hdlr, pitm, iinf, iloc, iprp)

	return bytes.Join([][]byte{
		rawBox("ftyp", []byte("avif"), u32(0), []byte("mif1miaf")),
		meta,
		largeBox("free", []byte{0, 0}),
		toEndBox("mdat", []byte{0xde, 0xad, 0xbe, 0xef}),
	}, nil)
}

func TestReadTree_RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
		opts []TreeOption
	}{
		{name: "in_memory", data: sampleFile()},
		{name: "lazy_payloads", data: sampleFile(), opts: []TreeOption{WithMaxSlurp(0)}},
		{name: "trailing_padding", data: append(sampleFile()[:len(sampleFile())-12], 0, 0, 0)},
		{
			name: "container_trailer",
			data: rawBox("moov", rawBox("trak", rawBox("tkhd", fullBox(0, 3))), []byte{0, 0, 0, 0}),
		},
		{name: "max_depth", data: sampleFile(), opts: []TreeOption{WithMaxDepth(1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tree, err := ReadTree(bytes.NewReader(tt.data), int64(len(tt.data)), tt.opts...)
			require.NoError(t, err)
			require.Empty(t, tree.Errors)
			require.EqualValues(t, len(tt.data), tree.Len())

			var buf bytes.Buffer
			n, err := tree.WriteTo(&buf)
			require.NoError(t, err)
			require.EqualValues(t, len(tt.data), n)
			require.Equal(t, tt.data, buf.Bytes())
		})
	}
}

func TestReadTree_Structure(t *testing.T) {
	t.Parallel()

	data := sampleFile()
	tree, err := ReadTree(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Len(t, tree.Boxes, 4)

	meta := tree.Find("meta")
	require.NotNil(t, meta)
	require.True(t, meta.IsContainer())
	require.Len(t, meta.Prefix, 4)
	require.Len(t, meta.Children, 5)

	iinf := meta.Child(NewType("iinf"))
	require.NotNil(t, iinf)
	require.Len(t, iinf.Prefix, 6)
	require.Len(t, iinf.ChildrenOf(NewType("infe")), 1)

	ipco := tree.Find("meta", "iprp", "ipco")
	require.NotNil(t, ipco)
	require.Len(t, ipco.Children, 2)
	require.Equal(t, "zzzz", ipco.Children[1].Type.String())
	require.False(t, ipco.Children[1].IsContainer())
	require.Same(t, ipco, ipco.Children[0].Parent)

	// Every byte of a container is attributed to its prefix, a child or
	// its trailer.
	var sum int64
	for _, c := range meta.Children {
		sum += c.Size
	}
	require.Equal(t, meta.PayloadSize(), int64(len(meta.Prefix))+sum+int64(len(meta.Trailer)))

	mdat := tree.Find("mdat")
	require.True(t, mdat.ToEnd)
	payload, err := mdat.Payload()
	require.NoError(t, err)
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, payload)
}

func TestReadTree_MalformedSubtree(t *testing.T) {
	t.Parallel()

	// The ispe child claims more bytes than ipco holds.
	bad := append(u32(200), []byte("ispe")...)
	ipco := rawBox("ipco", bad, make([]byte, 8))
	data := bytes.Join([][]byte{
		rawBox("ftyp", []byte("avif"), u32(0)),
		rawBox("meta", fullBox(0, 0), rawBox("iprp", ipco)),
		rawBox("mdat", []byte{1, 2, 3}),
	}, nil)

	tree, err := ReadTree(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Len(t, tree.Boxes, 3)
	require.Len(t, tree.Errors, 1)
	require.ErrorIs(t, tree.Errors[0], ErrMalformed)

	got := tree.Find("meta", "iprp", "ipco")
	require.NotNil(t, got)
	require.ErrorIs(t, got.Err, ErrMalformed)
	require.False(t, got.IsContainer())
	require.NotNil(t, tree.Find("mdat"), "siblings after the malformed subtree are still read")

	var buf bytes.Buffer
	_, err = tree.WriteTo(&buf)
	require.NoError(t, err)
	require.Equal(t, data, buf.Bytes())
}

func TestReadTree_Truncated(t *testing.T) {
	t.Parallel()

	full := sampleFile()
	// Drop the to-end mdat and cut into the 64-bit free box.
	data := full[:len(full)-12-5]

	tree, err := ReadTree(bytes.NewReader(data), int64(len(data)))
	require.ErrorIs(t, err, ErrTruncated)
	require.Len(t, tree.Boxes, 2)
	require.Equal(t, "meta", tree.Boxes[1].Type.String())
}

func TestNewContainer(t *testing.T) {
	t.Parallel()

	ispe := NewLeaf(NewType("ispe"), append(fullBox(0, 0), append(u32(2), u32(2)...)...))
	ipco := NewContainer(NewType("ipco"), nil, ispe)
	iprp := NewContainer(NewType("iprp"), nil, ipco)
	require.EqualValues(t, 8+8+20, iprp.Len())

	ipco.Append(NewLeaf(NewType("irot"), []byte{1}))
	require.EqualValues(t, 8+8+20+9, iprp.Size)

	var buf bytes.Buffer
	_, err := iprp.WriteTo(&buf)
	require.NoError(t, err)

	tree, err := ReadTree(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	got := tree.Find("iprp", "ipco")
	require.Len(t, got.Children, 2)

	p, err := got.Children[1].Parse()
	require.NoError(t, err)
	require.EqualValues(t, 1, p.(*ImageRotation).Angle)
}

func TestFprint(t *testing.T) {
	t.Parallel()

	data := sampleFile()
	tree, err := ReadTree(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	var sb strings.Builder
	require.NoError(t, Fprint(&sb, tree))
	out := sb.String()
	require.Contains(t, out, "ftyp offset=0 size=24\n")
	require.Contains(t, out, "\n      ispe offset=")
	require.Contains(t, out, "(64-bit size)")
	require.Contains(t, out, "mdat offset=")
	require.Contains(t, out, "(to end)")
}
