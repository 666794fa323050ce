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

	"github.com/jdeng/avifcheck/heif/bmff"
)

// Kind tags the type of an item property.
type Kind int

const (
	// KindOpaque is any property this package does not interpret. It
	// still occupies its index.
	KindOpaque Kind = iota
	KindSpatialExtents
	KindRotation
	KindMirror
	KindCleanAperture
	KindColour
	KindPixelInfo
	KindAV1Config
	KindLayerSelector
	KindOperatingPoint
	KindLayeredIndexing
	KindAuxType
	KindPixelAspect
)

var kinds = map[string]Kind{
	"ispe": KindSpatialExtents,
	"irot": KindRotation,
	"imir": KindMirror,
	"clap": KindCleanAperture,
	"colr": KindColour,
	"pixi": KindPixelInfo,
	"av1C": KindAV1Config,
	"lsel": KindLayerSelector,
	"a1op": KindOperatingPoint,
	"a1lx": KindLayeredIndexing,
	"auxC": KindAuxType,
	"pasp": KindPixelAspect,
}

func kindOf(t bmff.BoxType) Kind {
	return kinds[t.String()]
}

func (k Kind) String() string {
	for typ, kk := range kinds {
		if kk == k {
			return typ
		}
	}
	return "opaque"
}

// Transformative reports whether the property changes the displayed
// geometry of an image.
func (k Kind) Transformative() bool {
	return k == KindRotation || k == KindMirror || k == KindCleanAperture
}

// Property is one child of "ipco".
type Property struct {
	Index int // 1-based position in "ipco"
	Kind  Kind
	Box   *bmff.Box
	Value bmff.Parsed // nil for KindOpaque or when Err is set
	Err   error
}

func (p *Property) Type() string { return p.Box.Type.String() }

func (p *Property) String() string {
	return fmt.Sprintf("property %d (%s)", p.Index, p.Box.Type)
}

// Association links an item to a property.
type Association struct {
	Index     int // as stored; 0 means no property
	Essential bool
	Property  *Property // nil for index 0 and for out of range indices
}
