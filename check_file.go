package avifcheck

import (
	"errors"
	"fmt"

	"github.com/jdeng/avifcheck/heif"
	"github.com/jdeng/avifcheck/heif/bmff"
)

func (v *validator) checkStructure() {
	for _, err := range v.tree.Errors {
		var berr *bmff.Error
		if !errors.As(err, &berr) {
			continue
		}
		v.add(Finding{Severity: Fatal, Code: Code(berr.Code), Offset: berr.Offset, Message: berr.Msg})
	}
	for _, b := range v.tree.Boxes {
		v.checkPadding(b)
	}
	if n := len(v.tree.Trailer); n > 0 {
		v.add(Finding{Severity: Warning, Code: TrailingData, Offset: v.tree.Size - int64(n),
			Message: "trailing bytes after the last box"})
	}

	switch {
	case len(v.tree.Boxes) == 0 || v.tree.Find("ftyp") == nil:
		v.filef(Fatal, MissingFileType, nil, "no ftyp box")
	case !v.tree.Boxes[0].Type.EqualString("ftyp"):
		v.filef(Fatal, MissingFileType, v.tree.Find("ftyp"), "ftyp is not the first box")
	}

	for _, e := range v.meta.Errors {
		f := Finding{Severity: Fatal, Code: Code(e.Code), Offset: e.Offset, ItemID: e.ItemID, Message: e.Err.Error()}
		var berr *bmff.Error
		if errors.As(e.Err, &berr) {
			f.Message = berr.Msg
		}
		v.add(f)
	}
}

// checkPadding reports bytes left after the last child of a container,
// which no box accounts for.
func (v *validator) checkPadding(b *bmff.Box) {
	if n := len(b.Trailer); n > 0 {
		v.add(Finding{Severity: Warning, Code: TrailingData, Offset: b.End() - int64(n),
			Message: fmt.Sprintf("%d trailing bytes after the last child of %q", n, b.Type)})
	}
	for _, c := range b.Children {
		v.checkPadding(c)
	}
}

const (
	ma1bMaxLevel         = 13
	ma1aMaxItemLevel     = 16
	ma1aMaxSequenceLevel = 13
)

func (v *validator) checkBrands() {
	ft := v.meta.FileType
	if ft == nil {
		return
	}
	imageBrand := ft.HasBrand("avif") || ft.HasBrand("mif1")
	sequenceBrand := ft.HasBrand("avis") || ft.HasBrand("msf1")

	if imageBrand {
		switch {
		case v.meta.Box == nil:
			v.filef(Fatal, BrandMismatch, ft.Box, "brands %q require a meta box", ft.Brands())
		case v.meta.PrimaryItemID() == 0:
			v.filef(Fatal, BrandMismatch, ft.Box, "brands %q require a primary image item", ft.Brands())
		}
	}
	if sequenceBrand && len(v.meta.Tracks) == 0 {
		v.filef(Fatal, BrandMismatch, ft.Box, "brands %q require a moov box with tracks", ft.Brands())
	}
	if !sequenceBrand && len(v.meta.Tracks) > 0 {
		v.filef(Fatal, BrandMismatch, ft.Box, "file has %d tracks but no image sequence brand in %q", len(v.meta.Tracks), ft.Brands())
	}
	if ft.HasBrand("avif") && !(ft.HasBrand("mif1") && ft.HasBrand("miaf")) {
		v.filef(Warning, BrandMismatch, ft.Box, "brand avif should come with mif1 and miaf, got %q", ft.Brands())
	}
	if ft.HasBrand("avis") && !(ft.HasBrand("msf1") && ft.HasBrand("miaf")) {
		v.filef(Warning, BrandMismatch, ft.Box, "brand avis should come with msf1 and miaf, got %q", ft.Brands())
	}

	if ft.HasBrand("MA1B") {
		v.checkProfileBrand("MA1B", 0, ma1bMaxLevel, ma1bMaxLevel)
	}
	if ft.HasBrand("MA1A") {
		v.checkProfileBrand("MA1A", 1, ma1aMaxItemLevel, ma1aMaxSequenceLevel)
	}
}

// checkProfileBrand checks the AV1 configurations of items and tracks
// against the profile and levels a profile brand allows.
func (v *validator) checkProfileBrand(brand string, maxProfile, itemLevel, trackLevel uint8) {
	fix := "Remove " + brand + " from brands in ftyp"
	for _, it := range v.meta.Items {
		c := it.AV1Config()
		if c == nil || it.Type() != "av01" {
			continue
		}
		if c.SeqProfile > maxProfile {
			setFix(v.itemf(Warning, ProfileBrand, it, c.Box, "brand %s allows profile %d at most, av1C has profile %d", brand, maxProfile, c.SeqProfile), fix)
		}
		if c.SeqLevelIdx0 > itemLevel {
			setFix(v.itemf(Warning, ProfileBrand, it, c.Box, "brand %s allows level %d at most, av1C has level %d", brand, itemLevel, c.SeqLevelIdx0), fix)
		}
	}
	for _, t := range v.meta.Tracks {
		c := t.AV1Config
		if c == nil {
			continue
		}
		if c.SeqProfile > maxProfile {
			setFix(v.trackf(Warning, ProfileBrand, t, c.Box, "brand %s allows profile %d at most, av1C has profile %d", brand, maxProfile, c.SeqProfile), fix)
		}
		if c.SeqLevelIdx0 > trackLevel {
			setFix(v.trackf(Warning, ProfileBrand, t, c.Box, "brand %s allows level %d at most, av1C has level %d", brand, trackLevel, c.SeqLevelIdx0), fix)
		}
	}
}

func (v *validator) checkItems() {
	if v.meta.Box == nil {
		return
	}
	if v.meta.Primary == nil {
		v.filef(Fatal, MissingPrimaryItem, v.meta.Box, "meta box has no pitm")
	} else if it, err := v.meta.PrimaryItem(); err == nil {
		if !it.IsImage() {
			v.itemf(Fatal, MissingPrimaryItem, it, v.meta.Primary.Box, "primary item is not an image")
		}
	}

	for _, it := range v.meta.Items {
		if it.Type() == "iden" && len(it.Locations) == 0 {
			continue // no payload
		}
		sev := Fatal
		if !it.IsImage() {
			sev = Warning
		}
		_, err := v.file.ItemExtents(it)
		switch {
		case err == nil:
		case errors.Is(err, heif.ErrNoLocation):
			v.itemf(sev, MissingItemLocation, it, nil, "no iloc entry")
		case errors.Is(err, heif.ErrManyLocations):
			v.itemf(Fatal, MultipleItemLocations, it, v.meta.Location.Box, "%d iloc entries", len(it.Locations))
		case errors.Is(err, heif.ErrExternalData), errors.Is(err, heif.ErrConstruction):
			v.itemf(Warning, UnsupportedDataReference, it, v.meta.Location.Box, "%v", err)
		default:
			v.itemf(sev, ItemDataOutOfBounds, it, v.meta.Location.Box, "%v", err)
		}
	}
}
