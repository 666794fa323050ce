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
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

// rawBox returns a box with a 32 bit size field.
func rawBox(typ string, payload ...[]byte) []byte {
	body := bytes.Join(payload, nil)
	out := binary.BigEndian.AppendUint32(nil, uint32(8+len(body)))
	out = append(out, typ...)
	return append(out, body...)
}

// largeBox returns a box with a 64 bit largesize field.
func largeBox(typ string, payload ...[]byte) []byte {
	body := bytes.Join(payload, nil)
	out := binary.BigEndian.AppendUint32(nil, 1)
	out = append(out, typ...)
	out = binary.BigEndian.AppendUint64(out, uint64(16+len(body)))
	return append(out, body...)
}

// toEndBox returns a box with size field 0.
func toEndBox(typ string, payload ...[]byte) []byte {
	out := binary.BigEndian.AppendUint32(nil, 0)
	out = append(out, typ...)
	return append(out, bytes.Join(payload, nil)...)
}

func fullBox(version uint8, flags uint32) []byte { return FullBoxHeader(version, flags) }

func u16(v uint16) []byte { return binary.BigEndian.AppendUint16(nil, v) }
func u32(v uint32) []byte { return binary.BigEndian.AppendUint32(nil, v) }

func readAll(t *testing.T, data []byte) []*Box {
	t.Helper()
	r := NewReader(bytes.NewReader(data), 0, int64(len(data)))
	var out []*Box
	for {
		b, err := r.ReadBox()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, b)
	}
}

func TestReadBox_SizeForms(t *testing.T) {
	t.Parallel()

	data := bytes.Join([][]byte{
		rawBox("ftyp", []byte("avif"), u32(0), []byte("mif1")),
		largeBox("free", []byte{1, 2, 3, 4}),
		toEndBox("mdat", []byte("coded data")),
	}, nil)

	boxes := readAll(t, data)
	require.Len(t, boxes, 3)

	require.Equal(t, "ftyp", boxes[0].Type.String())
	require.EqualValues(t, 0, boxes[0].Offset)
	require.EqualValues(t, 20, boxes[0].Size)
	require.Equal(t, 8, boxes[0].HeaderSize)

	require.Equal(t, "free", boxes[1].Type.String())
	require.True(t, boxes[1].LargeSize)
	require.Equal(t, 16, boxes[1].HeaderSize)
	require.EqualValues(t, 20, boxes[1].Size)
	require.EqualValues(t, 36, boxes[1].PayloadOffset())

	require.True(t, boxes[2].ToEnd)
	require.EqualValues(t, len(data), boxes[2].End())
	payload, err := io.ReadAll(boxes[2].Body())
	require.NoError(t, err)
	require.Equal(t, "coded data", string(payload))
}

func TestReadBox_UUID(t *testing.T) {
	t.Parallel()

	userType := bytes.Repeat([]byte{0xab}, 16)
	data := rawBox("uuid", userType, []byte{9, 9})
	boxes := readAll(t, data)
	require.Len(t, boxes, 1)
	require.Equal(t, 24, boxes[0].HeaderSize)
	require.Equal(t, userType, boxes[0].UserType[:])
	require.EqualValues(t, 2, boxes[0].PayloadSize())
}

func TestReadBox_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		data    []byte
		nested  bool
		wantErr error
	}{
		{
			name:    "declared_size_past_end",
			data:    append(u32(100), []byte("mdat0123")...),
			wantErr: ErrTruncated,
		},
		{
			name:    "child_overruns_parent",
			data:    append(u32(100), []byte("ispe0123")...),
			nested:  true,
			wantErr: ErrMalformed,
		},
		{
			name:    "size_smaller_than_header",
			data:    append(u32(4), []byte("free")...),
			wantErr: ErrMalformed,
		},
		{
			name:    "largesize_missing",
			data:    append(u32(1), []byte("mdat")...),
			wantErr: ErrTruncated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var r *Reader
			if tt.nested {
				r = newNestedReader(bytes.NewReader(tt.data), 0, int64(len(tt.data)))
			} else {
				r = NewReader(bytes.NewReader(tt.data), 0, int64(len(tt.data)))
			}
			_, err := r.ReadBox()
			require.ErrorIs(t, err, tt.wantErr)

			var berr *Error
			require.True(t, errors.As(err, &berr))
			require.EqualValues(t, 0, berr.Offset)

			_, err = r.ReadBox()
			require.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestReadBox_TrailingPadding(t *testing.T) {
	t.Parallel()

	data := append(rawBox("free"), 0, 0, 0)
	r := NewReader(bytes.NewReader(data), 0, int64(len(data)))
	b, err := r.ReadBox()
	require.NoError(t, err)
	require.Equal(t, "free", b.Type.String())

	_, err = r.ReadBox()
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, []byte{0, 0, 0}, r.Trailer())
}

func TestBoxType(t *testing.T) {
	t.Parallel()

	require.Equal(t, TypeMeta, NewType("meta"))
	require.True(t, TypeMeta.EqualString("meta"))
	require.False(t, TypeMeta.EqualString("met"))
	require.Panics(t, func() { NewType("metadata") })
}
