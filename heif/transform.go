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
	"fmt"
	"image"
	"math/big"

	"golang.org/x/image/math/f64"

	"github.com/jdeng/avifcheck/heif/bmff"
)

// Crop is a clean aperture resolved against the size of the image it
// applies to. Values are exact.
type Crop struct {
	X, Y          *big.Rat // top-left corner
	Width, Height *big.Rat
}

func frac(f bmff.Fraction) *big.Rat {
	if f.D == 0 {
		return new(big.Rat)
	}
	return big.NewRat(f.N, f.D)
}

// ResolveCrop places ca on an image of the given size. The clean
// aperture offsets are relative to the image center, so the corner is
// offset + (size - clapSize) / 2.
func ResolveCrop(ca *bmff.CleanAperture, width, height int) Crop {
	corner := func(off bmff.Fraction, size int, clap *big.Rat) *big.Rat {
		d := new(big.Rat).Sub(new(big.Rat).SetInt64(int64(size)), clap)
		d.Quo(d, big.NewRat(2, 1))
		return d.Add(d, frac(off))
	}
	c := Crop{Width: frac(ca.Width), Height: frac(ca.Height)}
	c.X = corner(ca.HorizOffset, width, c.Width)
	c.Y = corner(ca.VertOffset, height, c.Height)
	return c
}

// NegativeOrigin reports whether the corner lies left of or above the image.
func (c Crop) NegativeOrigin() bool {
	return c.X.Sign() < 0 || c.Y.Sign() < 0
}

// Integral reports whether the corner and size are whole pixels.
func (c Crop) Integral() bool {
	return c.X.IsInt() && c.Y.IsInt() && c.Width.IsInt() && c.Height.IsInt()
}

// InBounds reports whether the crop lies within a width x height image.
func (c Crop) InBounds(width, height int) bool {
	if c.NegativeOrigin() || c.Width.Sign() <= 0 || c.Height.Sign() <= 0 {
		return false
	}
	right := new(big.Rat).Add(c.X, c.Width)
	bottom := new(big.Rat).Add(c.Y, c.Height)
	return right.Cmp(new(big.Rat).SetInt64(int64(width))) <= 0 &&
		bottom.Cmp(new(big.Rat).SetInt64(int64(height))) <= 0
}

func floor(r *big.Rat) int {
	q := new(big.Int).Div(r.Num(), r.Denom()) // Euclidean; Denom is positive
	return int(q.Int64())
}

// Rect returns the crop in whole pixels, rounding the corner down and
// the size down.
func (c Crop) Rect() image.Rectangle {
	x, y := floor(c.X), floor(c.Y)
	return image.Rect(x, y, x+floor(c.Width), y+floor(c.Height))
}

func (c Crop) String() string {
	return fmt.Sprintf("%sx%s+%s+%s", c.Width.RatString(), c.Height.RatString(), c.X.RatString(), c.Y.RatString())
}

// Transform is the display geometry of an image item: crop, then
// rotate, then mirror.
type Transform struct {
	SourceWidth, SourceHeight int

	Crop      *Crop // nil without "clap"
	Rotations int   // quarter turns counter-clockwise
	Mirror    int   // mirror axis, or -1 without "imir"

	Width, Height int // displayed size

	// Matrix maps source coordinates to display coordinates.
	Matrix f64.Aff3
}

var identity = f64.Aff3{1, 0, 0, 0, 1, 0}

// mul returns the transform applying b and then a.
func mul(a, b f64.Aff3) f64.Aff3 {
	return f64.Aff3{
		a[0]*b[0] + a[1]*b[3], a[0]*b[1] + a[1]*b[4], a[0]*b[2] + a[1]*b[5] + a[2],
		a[3]*b[0] + a[4]*b[3], a[3]*b[1] + a[4]*b[4], a[3]*b[2] + a[4]*b[5] + a[5],
	}
}

// Apply maps a source coordinate to display coordinates.
func (t *Transform) Apply(x, y float64) (float64, float64) {
	m := t.Matrix
	return m[0]*x + m[1]*y + m[2], m[3]*x + m[4]*y + m[5]
}

// single returns the value of the only property of kind k, nil when
// there is none, and ErrDuplicateProperty when there are several.
func (it *Item) single(k Kind) (bmff.Parsed, error) {
	props := it.PropertiesOf(k)
	switch len(props) {
	case 0:
		return nil, nil
	case 1:
		if props[0].Err != nil {
			return nil, props[0].Err
		}
		return props[0].Value, nil
	}
	return nil, fmt.Errorf("%w: %d %q properties on item %d", ErrDuplicateProperty, len(props), props[0].Type(), it.ID)
}

// DisplayTransform returns how the item is displayed. Transformative
// properties are applied crop first, then rotation, then mirroring,
// whatever order they are stored or associated in.
func (it *Item) DisplayTransform() (*Transform, error) {
	w, h, ok := it.SpatialExtents()
	if !ok {
		return nil, ErrNoSpatialExtents
	}
	t := &Transform{SourceWidth: w, SourceHeight: h, Mirror: -1, Matrix: identity}
	cw, ch := float64(w), float64(h)

	clap, err := it.single(KindCleanAperture)
	if err != nil {
		return nil, err
	}
	if ca, ok := clap.(*bmff.CleanAperture); ok {
		c := ResolveCrop(ca, w, h)
		t.Crop = &c
		x, _ := c.X.Float64()
		y, _ := c.Y.Float64()
		t.Matrix = f64.Aff3{1, 0, -x, 0, 1, -y}
		cw, _ = c.Width.Float64()
		ch, _ = c.Height.Float64()
		r := c.Rect()
		w, h = r.Dx(), r.Dy()
	}

	irot, err := it.single(KindRotation)
	if err != nil {
		return nil, err
	}
	if rot, ok := irot.(*bmff.ImageRotation); ok {
		t.Rotations = int(rot.Angle) & 3
	}
	for i := 0; i < t.Rotations; i++ {
		// A quarter turn counter-clockwise maps (x, y) to (y, width - x).
		t.Matrix = mul(f64.Aff3{0, 1, 0, -1, 0, cw}, t.Matrix)
		cw, ch = ch, cw
		w, h = h, w
	}

	imir, err := it.single(KindMirror)
	if err != nil {
		return nil, err
	}
	if mir, ok := imir.(*bmff.ImageMirror); ok {
		t.Mirror = int(mir.Axis)
		if mir.Axis == bmff.MirrorVertical {
			t.Matrix = mul(f64.Aff3{-1, 0, cw, 0, 1, 0}, t.Matrix)
		} else {
			t.Matrix = mul(f64.Aff3{1, 0, 0, 0, -1, ch}, t.Matrix)
		}
	}

	t.Width, t.Height = w, h
	return t, nil
}
