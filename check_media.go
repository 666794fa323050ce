package avifcheck

import (
	"errors"
	"sort"

	"github.com/jdeng/avifcheck/heif"
	"github.com/jdeng/avifcheck/heif/av1"
	"github.com/jdeng/avifcheck/heif/bmff"
)

func (v *validator) checkGrids() {
	for _, it := range v.meta.Items {
		if it.Type() == "grid" {
			v.checkGrid(it)
		}
	}
}

func (v *validator) checkGrid(it *heif.Item) {
	refs := it.ReferencedIDs("dimg")
	if len(refs) == 0 {
		v.itemf(Fatal, MissingGridReference, it, nil, "grid has no dimg reference to its tiles")
	}
	g, err := v.file.Grid(it)
	switch {
	case err == nil:
	case errors.Is(err, heif.ErrNoLocation), errors.Is(err, heif.ErrManyLocations),
		errors.Is(err, heif.ErrOutOfBounds), errors.Is(err, heif.ErrExternalData),
		errors.Is(err, heif.ErrConstruction), errors.Is(err, heif.ErrItemDataTooLarge):
		return // reported by the location checks
	default:
		v.itemf(Fatal, InvalidGrid, it, nil, "%v", err)
		return
	}
	if len(refs) == 0 {
		return
	}

	var tiles []*heif.Item
	for _, id := range refs {
		if t, err := v.meta.ItemByID(id); err == nil {
			tiles = append(tiles, t)
		}
	}
	if len(tiles) != g.Tiles() {
		v.itemf(Fatal, GridTileCount, it, refBox(it, "dimg"), "grid of %dx%d needs %d tiles, has %d resolvable dimg references",
			g.Rows, g.Columns, g.Tiles(), len(tiles))
	}
	if len(tiles) == 0 {
		return
	}

	first := tiles[0]
	firstConfig := first.AV1Config()
	tw, th, tileSize := first.SpatialExtents()
	for _, t := range tiles[1:] {
		if c := t.AV1Config(); c != nil && firstConfig != nil && !sameConfig(c, firstConfig) {
			v.itemf(Fatal, GridTileConfigMismatch, it, c.Box, "tile %d av1C differs from tile %d", t.ID, first.ID)
		}
		if w, h, ok := t.SpatialExtents(); ok && tileSize && (w != tw || h != th) {
			v.itemf(Fatal, GridTileConfigMismatch, it, nil, "tile %d is %dx%d, tile %d is %dx%d", t.ID, w, h, first.ID, tw, th)
		}
	}

	if w, h, ok := it.SpatialExtents(); ok && (uint32(w) != g.OutputWidth || uint32(h) != g.OutputHeight) {
		v.itemf(Warning, GridOutputMismatch, it, nil, "ispe %dx%d differs from grid output %dx%d", w, h, g.OutputWidth, g.OutputHeight)
	}
	if !tileSize || tw == 0 || th == 0 {
		return
	}
	ow, oh := int64(g.OutputWidth), int64(g.OutputHeight)
	if int64(g.Columns*tw) < ow || int64(g.Rows*th) < oh {
		v.itemf(Fatal, InvalidGrid, it, nil, "%dx%d tiles of %dx%d do not cover the %dx%d output",
			g.Columns, g.Rows, tw, th, ow, oh)
	} else if int64((g.Columns-1)*tw) >= ow || int64((g.Rows-1)*th) >= oh {
		v.itemf(Fatal, InvalidGrid, it, nil, "last tile row or column lies outside the %dx%d output", ow, oh)
	}
}

func refBox(it *heif.Item, typ string) *bmff.Box {
	if r := it.Reference(typ); r != nil {
		return r.Box
	}
	return nil
}

func sameConfig(a, b *bmff.AV1CodecConfig) bool {
	return configDiff(a, av1.ConfigRecord{
		SeqProfile:           b.SeqProfile,
		SeqLevelIdx0:         b.SeqLevelIdx0,
		SeqTier0:             b.SeqTier0,
		HighBitdepth:         b.HighBitdepth,
		TwelveBit:            b.TwelveBit,
		Monochrome:           b.Monochrome,
		ChromaSubsamplingX:   b.ChromaSubsamplingX,
		ChromaSubsamplingY:   b.ChromaSubsamplingY,
		ChromaSamplePosition: b.ChromaSamplePosition,
	}) == ""
}

func (v *validator) checkTracks() {
	for _, t := range v.meta.Tracks {
		v.checkTrack(t)
	}
}

func (v *validator) checkTrack(t *heif.Track) {
	hdlr := t.Box.Find("mdia", "hdlr")
	switch {
	case t.IsAuxiliary():
		if t.Handler != "auxv" {
			v.trackf(Fatal, AuxTrackHandler, t, hdlr, "auxiliary track has handler %q, want auxv", t.Handler)
		}
		if t.AuxInfo == nil {
			v.trackf(Warning, MissingAUXI, t, nil, "auxiliary track sample entry has no auxi box")
		}
		if t.InMovie() {
			f := v.trackf(Warning, TrackInMovie, t, nil, "auxiliary track has track_in_movie set")
			setFix(f, "Set track_in_movie flag to false.")
		}
	case t.Handler == "pict":
		if !t.InMovie() {
			f := v.trackf(Warning, TrackInMovie, t, nil, "pict track does not have track_in_movie set")
			setFix(f, "Set track_in_movie flag to true.")
		}
		if t.CodingConstraints == nil {
			v.trackf(Warning, MissingCCST, t, nil, "pict track sample entry has no ccst box")
		}
	}

	types := make([]string, 0, len(t.References))
	for typ := range t.References {
		types = append(types, typ)
	}
	sort.Strings(types)
	for _, typ := range types {
		for _, id := range t.References[typ] {
			if v.meta.TrackByID(id) == nil {
				v.trackf(Fatal, DanglingTrackReference, t, t.Box.Child(bmff.NewType("tref")), "%q reference to unknown track %d", typ, id)
			}
		}
	}

	samples, err := v.file.Samples(t)
	if err != nil {
		v.trackf(Fatal, SampleDataOutOfBounds, t, nil, "%v", err)
	}

	if t.SampleEntryType != "av01" {
		return
	}
	c := t.AV1Config
	if c == nil {
		v.trackf(Fatal, MissingAV1Config, t, nil, "av01 sample entry has no av1C box")
		return
	}
	if len(c.ConfigOBUs) > 0 {
		v.trackf(Warning, AV1ConfigOBUs, t, c.Box, "av1C in AVIF should not contain optional config OBUs")
	}
	if !v.cfg.SequenceHeaders || len(samples) == 0 {
		return
	}
	data, err := v.file.SampleData(t, 0)
	if err != nil {
		return
	}
	sh, err := av1.FindSequenceHeader(data)
	if err != nil {
		v.trackf(Fatal, MissingSequenceHeader, t, nil, "first sample: %v", err)
		return
	}
	if diff := configDiff(c, sh.ConfigRecord()); diff != "" {
		v.trackf(Fatal, AV1ConfigMismatch, t, c.Box, "av1C does not match the sequence header: %s", diff)
	}
}

func (v *validator) checkExif() {
	for _, it := range v.meta.Items {
		if !it.IsImage() {
			continue
		}
		for _, e := range v.file.ExifItems(it) {
			if _, err := v.file.DecodeExif(e); err != nil {
				v.itemf(Warning, ExifMalformed, e, nil, "%v", err)
			}
		}
		o, err := v.file.ExifOrientation(it)
		if err != nil || o == 1 {
			continue
		}
		if _, ok := it.Mirror(); ok || it.Rotations() != 0 {
			continue
		}
		v.itemf(Warning, ExifOrientationIgnored, it, nil, "Exif orientation is %d but the image has no irot or imir; readers ignore Exif orientation", o)
	}
}
