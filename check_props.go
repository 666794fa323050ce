package avifcheck

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/jdeng/avifcheck/heif"
	"github.com/jdeng/avifcheck/heif/av1"
	"github.com/jdeng/avifcheck/heif/bmff"
)

// Properties that may be associated at most once with an item.
var singleKinds = []heif.Kind{
	heif.KindSpatialExtents, heif.KindRotation, heif.KindMirror, heif.KindCleanAperture,
	heif.KindPixelInfo, heif.KindAV1Config, heif.KindLayerSelector, heif.KindOperatingPoint,
	heif.KindLayeredIndexing, heif.KindAuxType, heif.KindPixelAspect,
}

// Transformative properties and a1op must be essential; a1lx must not be.
var mustBeEssential = map[heif.Kind]bool{
	heif.KindCleanAperture:  true,
	heif.KindRotation:       true,
	heif.KindMirror:         true,
	heif.KindLayerSelector:  true,
	heif.KindOperatingPoint: true,
}

// transformRank is the order transformative properties are applied in.
var transformRank = map[heif.Kind]int{
	heif.KindCleanAperture: 0,
	heif.KindRotation:      1,
	heif.KindMirror:        2,
}

// Colour values assumed by readers when an image has no nclx colr.
type nclxSet struct {
	primaries, transfer, matrix []uint8
	fullRange                   bool
}

var builtinNCLX = nclxSet{
	primaries: []uint8{1},
	transfer:  []uint8{13},
	matrix:    []uint8{6, 5},
	fullRange: true,
}

func (n NCLX) set() nclxSet {
	return nclxSet{
		primaries: []uint8{n.ColourPrimaries},
		transfer:  []uint8{n.TransferCharacteristics},
		matrix:    []uint8{n.MatrixCoefficients},
		fullRange: n.FullRange,
	}
}

func (v *validator) checkProperties() {
	for _, it := range v.meta.Items {
		v.checkAssociations(it)
		if !it.IsImage() {
			continue
		}
		v.checkSpatialExtents(it)
		v.checkLayers(it)
		v.checkCleanAperture(it)
		switch it.Type() {
		case "av01":
			sh := v.checkAV1Config(it)
			if sh != nil {
				v.checkColour(it, sh)
				v.checkPixelInfo(it, sh.PixelBitDepths(), "the sequence header")
			} else if c := it.AV1Config(); c != nil {
				v.checkPixelInfo(it, configBitDepths(c), "av1C")
			}
		case "grid":
			// Colour and pixel information come from the first tile.
			if sh := v.firstTileSequenceHeader(it); sh != nil {
				v.checkColour(it, sh)
				v.checkPixelInfo(it, sh.PixelBitDepths(), "the sequence header of the first tile")
			}
		}
		if len(it.ReferencedIDs("auxl")) > 0 && it.AuxType() == "" {
			v.itemf(Warning, MissingAuxType, it, nil, "auxiliary image has no auxC property")
		}
	}
}

func (v *validator) checkAssociations(it *heif.Item) {
	counts := map[heif.Kind]int{}
	var nclx, icc int
	for _, a := range it.Associations {
		p := a.Property
		if p == nil {
			continue
		}
		counts[p.Kind]++
		if c, ok := p.Value.(*bmff.ColourInformation); ok {
			if c.ColourType == "nclx" {
				nclx++
			} else {
				icc++
			}
		}
		switch {
		case p.Kind == heif.KindOpaque && a.Essential:
			v.itemf(Warning, UnsupportedEssential, it, p.Box, "unknown property %q at index %d is marked essential", p.Type(), p.Index)
		case mustBeEssential[p.Kind] && !a.Essential:
			v.itemf(Fatal, EssentialFlag, it, p.Box, "%q property at index %d must be marked essential", p.Type(), p.Index)
		case p.Kind == heif.KindLayeredIndexing && a.Essential:
			v.itemf(Fatal, EssentialFlag, it, p.Box, "%q property at index %d must not be marked essential", p.Type(), p.Index)
		}
	}
	for _, k := range singleKinds {
		if counts[k] > 1 {
			v.itemf(Fatal, DuplicateProperty, it, nil, "%d %q properties associated", counts[k], k)
		}
	}
	if nclx > 1 {
		v.itemf(Fatal, DuplicateProperty, it, nil, "%d nclx colr properties associated", nclx)
	}
	if icc > 1 {
		v.itemf(Fatal, DuplicateProperty, it, nil, "%d ICC colr properties associated", icc)
	}

	last := -1
	for _, p := range it.Properties() {
		rank, ok := transformRank[p.Kind]
		if !ok {
			continue
		}
		if rank < last {
			v.itemf(Warning, TransformOrder, it, p.Box, "%q is associated after a transform applied later; they are applied crop, rotate, mirror", p.Type())
			break
		}
		last = rank
	}
}

func (v *validator) checkSpatialExtents(it *heif.Item) {
	ispe := it.PropertiesOf(heif.KindSpatialExtents)
	if len(ispe) == 0 {
		f := v.itemf(Fatal, MissingSpatialExtents, it, nil, "image item lacks ispe property")
		if w, h, ok := v.codedSize(it); ok {
			setFix(f, fmt.Sprintf("Add 'ispe' with dimensions %dx%d.", w, h))
		}
		return
	}
	for _, p := range it.Properties() {
		if p == ispe[0] {
			return
		}
		if p.Kind.Transformative() {
			v.itemf(Warning, SpatialExtentsOrder, it, ispe[0].Box, "ispe property comes after transformative property %q", p.Type())
			return
		}
	}
}

func (v *validator) checkLayers(it *heif.Item) {
	if len(it.PropertiesOf(heif.KindLayerSelector)) > 0 {
		return
	}
	for _, k := range []heif.Kind{heif.KindLayeredIndexing, heif.KindOperatingPoint} {
		if ps := it.PropertiesOf(k); len(ps) > 0 {
			v.itemf(Fatal, MissingLayerSelector, it, ps[0].Box, "%q property present but no lsel; lsel is required for multilayer content", ps[0].Type())
			return
		}
	}
}

func (v *validator) checkCleanAperture(it *heif.Item) {
	ca := it.CleanAperture()
	if ca == nil || len(it.PropertiesOf(heif.KindCleanAperture)) > 1 {
		return
	}
	w, h, ok := it.SpatialExtents()
	if !ok {
		return
	}
	c := heif.ResolveCrop(ca, w, h)
	inBounds := c.InBounds(w, h)
	switch {
	case c.NegativeOrigin():
		v.itemf(Fatal, CleanApertureNegativeOrigin, it, ca.Box, "clap origin %s,%s is negative", c.X.RatString(), c.Y.RatString())
	case !c.Integral():
		sev := Fatal
		if inBounds {
			sev = Warning
		}
		f := v.itemf(sev, CleanApertureNonInteger, it, ca.Box, "clap %s is not integer valued", c)
		origin := c.Rect().Min
		setFix(f, fmt.Sprintf("Truncate 'clap' origin to %dx%d", origin.X, origin.Y))
	case !inBounds:
		v.itemf(Fatal, CleanApertureOutOfBounds, it, ca.Box, "clap %s exceeds the %dx%d image", c, w, h)
	}
}

// checkAV1Config checks the av1C of a coded image and returns the
// sequence header of its data, or nil.
func (v *validator) checkAV1Config(it *heif.Item) *av1.SequenceHeader {
	ps := it.PropertiesOf(heif.KindAV1Config)
	if len(ps) == 0 {
		v.itemf(Fatal, MissingAV1Config, it, nil, "av01 item lacks av1C property")
		return nil
	}
	c := it.AV1Config()
	if c == nil {
		return nil // already reported as an invalid box
	}
	if c.Marker != 1 || c.Version != 1 {
		v.itemf(Fatal, InvalidAV1Config, it, c.Box, "av1C marker %d version %d, want 1 and 1", c.Marker, c.Version)
		return nil
	}
	if len(c.ConfigOBUs) > 0 {
		v.itemf(Warning, AV1ConfigOBUs, it, c.Box, "av1C in AVIF should not contain optional config OBUs")
	}
	if !v.cfg.SequenceHeaders {
		return nil
	}
	sh := v.itemSequenceHeader(it)
	if sh == nil {
		return nil
	}
	if diff := configDiff(c, sh.ConfigRecord()); diff != "" {
		v.itemf(Fatal, AV1ConfigMismatch, it, c.Box, "av1C does not match the sequence header: %s", diff)
	}
	return sh
}

func (v *validator) itemSequenceHeader(it *heif.Item) *av1.SequenceHeader {
	data, err := v.file.ItemData(it)
	if err != nil {
		v.log.Debugf(v, "%v: no data: %v", it, err)
		return nil // reported by the location checks
	}
	sh, err := av1.FindSequenceHeader(data)
	if err != nil {
		v.itemf(Fatal, MissingSequenceHeader, it, nil, "item data: %v", err)
		return nil
	}
	return sh
}

func (v *validator) firstTileSequenceHeader(grid *heif.Item) *av1.SequenceHeader {
	if !v.cfg.SequenceHeaders {
		return nil
	}
	for _, id := range grid.ReferencedIDs("dimg") {
		tile, err := v.meta.ItemByID(id)
		if err != nil || tile.Type() != "av01" {
			continue
		}
		data, err := v.file.ItemData(tile)
		if err != nil {
			return nil
		}
		sh, err := av1.FindSequenceHeader(data)
		if err != nil {
			return nil
		}
		return sh
	}
	return nil
}

// codedSize is the size an ispe for it would carry, from the sequence
// header of a coded image or the output size of a grid.
func (v *validator) codedSize(it *heif.Item) (w, h uint32, ok bool) {
	switch it.Type() {
	case "av01":
		if !v.cfg.SequenceHeaders {
			return 0, 0, false
		}
		data, err := v.file.ItemData(it)
		if err != nil {
			return 0, 0, false
		}
		sh, err := av1.FindSequenceHeader(data)
		if err != nil {
			return 0, 0, false
		}
		return sh.MaxFrameWidth, sh.MaxFrameHeight, true
	case "grid":
		g, err := v.file.Grid(it)
		if err != nil {
			return 0, 0, false
		}
		return g.OutputWidth, g.OutputHeight, true
	}
	return 0, 0, false
}

// configDiff lists the fields of c that differ from want.
func configDiff(c *bmff.AV1CodecConfig, want av1.ConfigRecord) string {
	var diffs []string
	cmp := func(name string, got, want uint8) {
		if got != want {
			diffs = append(diffs, fmt.Sprintf("%s %d != %d", name, got, want))
		}
	}
	cmp("seq_profile", c.SeqProfile, want.SeqProfile)
	cmp("seq_level_idx_0", c.SeqLevelIdx0, want.SeqLevelIdx0)
	cmp("seq_tier_0", c.SeqTier0, want.SeqTier0)
	cmp("high_bitdepth", c.HighBitdepth, want.HighBitdepth)
	cmp("twelve_bit", c.TwelveBit, want.TwelveBit)
	cmp("monochrome", c.Monochrome, want.Monochrome)
	cmp("chroma_subsampling_x", c.ChromaSubsamplingX, want.ChromaSubsamplingX)
	cmp("chroma_subsampling_y", c.ChromaSubsamplingY, want.ChromaSubsamplingY)
	cmp("chroma_sample_position", c.ChromaSamplePosition, want.ChromaSamplePosition)
	return strings.Join(diffs, ", ")
}

// checkColour warns about images without an nclx colr whose sequence
// header signals values readers would not assume.
func (v *validator) checkColour(it *heif.Item, sh *av1.SequenceHeader) {
	if it.AuxType() != "" {
		return
	}
	var nclx, icc bool
	for _, c := range it.Colours() {
		if c.ColourType == "nclx" {
			nclx = true
		} else {
			icc = true
		}
	}
	if nclx {
		return
	}
	missing, anchor := "any colr box", "missing-colr-box"
	if icc {
		missing, anchor = "an nclx colr box", "missing-nclx-colr-box"
	}
	// The nclx a repair would add: sequence header values, with
	// unspecified ones replaced by the defaults. An ICC profile keeps
	// primaries and transfer, so those stay unspecified.
	def := v.defaultNCLX
	gen := [4]int{int(sh.ColorPrimaries), int(sh.TransferCharacteristics), int(sh.MatrixCoefficients), b2i(sh.ColorRange)}
	if icc {
		gen[0], gen[1] = 2, 2
	} else {
		for i, d := range [][]uint8{def.primaries, def.transfer, def.matrix} {
			if gen[i] == 2 {
				gen[i] = int(d[0])
			}
		}
	}
	fix := fmt.Sprintf("Add 'colr' box of type 'nclx', with values %d,%d,%d,%d", gen[0], gen[1], gen[2], gen[3])
	if icc {
		fix = fmt.Sprintf("Add second 'colr' box of type 'nclx' (in addition to existing ICC box), with values %d,%d,%d,%d", gen[0], gen[1], gen[2], gen[3])
	}
	report := func(field string, value any) {
		v.add(Finding{
			Severity: Warning,
			Code:     ColourMismatch,
			Offset:   offsetOf(it.Info.Box),
			ItemID:   it.ID,
			Message:  fmt.Sprintf("%v: item lacks %s and the sequence header specifies %s = %v; this may not render correctly in all implementations", it, missing, field, value),
			InfoURL:  infoURL(anchor),
			Fix:      fix,
		})
	}
	if !icc {
		if !bytes.Contains(def.primaries, []byte{sh.ColorPrimaries}) {
			report("color_primaries", sh.ColorPrimaries)
		}
		if !bytes.Contains(def.transfer, []byte{sh.TransferCharacteristics}) {
			report("transfer_characteristics", sh.TransferCharacteristics)
		}
	}
	if !bytes.Contains(def.matrix, []byte{sh.MatrixCoefficients}) {
		report("matrix_coefficients", sh.MatrixCoefficients)
	}
	if sh.ColorRange != def.fullRange {
		report("color_range", b2i(sh.ColorRange))
	}
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

func configBitDepths(c *bmff.AV1CodecConfig) []uint8 {
	n := 3
	if c.Monochrome != 0 {
		n = 1
	}
	return bytes.Repeat([]byte{uint8(c.BitDepth())}, n)
}

// checkPixelInfo compares pixi with the bit depths want, taken from
// source.
func (v *validator) checkPixelInfo(it *heif.Item, want []uint8, source string) {
	origin := "Sequence Header OBU"
	if source == "av1C" {
		origin = source
	}
	pi := it.PixelInfo()
	switch {
	case pi == nil:
		f := v.itemf(Warning, MissingPixelInfo, it, nil, "no pixi property; MIAF requires one")
		setFix(f, "Add pixi from "+origin)
	case !bytes.Equal(pi.BitsPerChannel, want):
		f := v.itemf(Warning, PixelInfoMismatch, it, pi.Box, "pixi %v does not match %s %v", pi.BitsPerChannel, source, want)
		setFix(f, "Regenerate pixi from "+origin)
	}
}
