package avifcheck

import (
	"github.com/jdeng/avifcheck/heif"
	"github.com/jdeng/avifcheck/heif/bmff"
)

// Code identifies the kind of a finding.
type Code string

const (
	// Structure
	TruncatedInput     = Code(bmff.CodeTruncated)
	MalformedContainer = Code(bmff.CodeMalformed)
	TrailingData       Code = "TrailingData"
	MissingFileType    Code = "MissingFileType"
	InvalidBox         = Code(heif.CodeInvalidBox)

	// Brands
	BrandMismatch Code = "BrandMismatch"
	ProfileBrand  Code = "ProfileBrand"

	// Items
	DuplicateItemID          = Code(heif.CodeDuplicateItemID)
	MissingPrimaryItem       Code = "MissingPrimaryItem"
	DanglingItemReference    = Code(heif.CodeDanglingItemReference)
	ReferenceCycle           = Code(heif.CodeReferenceCycle)
	MissingItemLocation      Code = "MissingItemLocation"
	MultipleItemLocations    Code = "MultipleItemLocations"
	ItemDataOutOfBounds      Code = "ItemDataOutOfBounds"
	UnsupportedDataReference Code = "UnsupportedDataReference"

	// Properties
	DanglingPropertyIndex       = Code(heif.CodeDanglingPropertyIndex)
	DuplicateProperty           Code = "DuplicateProperty"
	UnsupportedEssential        Code = "UnsupportedEssential"
	EssentialFlag               Code = "EssentialFlag"
	MissingAV1Config            Code = "MissingAV1Config"
	InvalidAV1Config            Code = "InvalidAV1Config"
	AV1ConfigOBUs               Code = "AV1ConfigOBUs"
	AV1ConfigMismatch           Code = "AV1ConfigMismatch"
	MissingSequenceHeader       Code = "MissingSequenceHeader"
	MissingSpatialExtents       Code = "MissingSpatialExtents"
	SpatialExtentsOrder         Code = "SpatialExtentsOrder"
	MissingPixelInfo            Code = "MissingPixelInfo"
	PixelInfoMismatch           Code = "PixelInfoMismatch"
	ColourMismatch              Code = "ColourMismatch"
	MissingLayerSelector        Code = "MissingLayerSelector"
	TransformOrder              Code = "TransformOrder"
	CleanApertureNegativeOrigin Code = "CleanApertureNegativeOrigin"
	CleanApertureOutOfBounds    Code = "CleanApertureOutOfBounds"
	CleanApertureNonInteger     Code = "CleanApertureNonInteger"
	MissingAuxType              Code = "MissingAuxType"

	// Grids
	MissingGridReference   Code = "MissingGridReference"
	GridTileCount          Code = "GridTileCount"
	InvalidGrid            Code = "InvalidGrid"
	GridTileConfigMismatch Code = "GridTileConfigMismatch"
	GridOutputMismatch     Code = "GridOutputMismatch"

	// Tracks
	TrackInMovie           Code = "TrackInMovie"
	MissingCCST            Code = "MissingCCST"
	AuxTrackHandler        Code = "AuxTrackHandler"
	MissingAUXI            Code = "MissingAUXI"
	DanglingTrackReference Code = "DanglingTrackReference"
	SampleDataOutOfBounds  Code = "SampleDataOutOfBounds"

	// Exif
	ExifOrientationIgnored Code = "ExifOrientationIgnored"
	ExifMalformed          Code = "ExifMalformed"
)

// Codes lists every known code.
var Codes = []Code{
	TruncatedInput, MalformedContainer, TrailingData, MissingFileType, InvalidBox,
	BrandMismatch, ProfileBrand,
	DuplicateItemID, MissingPrimaryItem, DanglingItemReference, ReferenceCycle,
	MissingItemLocation, MultipleItemLocations, ItemDataOutOfBounds, UnsupportedDataReference,
	DanglingPropertyIndex, DuplicateProperty, UnsupportedEssential, EssentialFlag,
	MissingAV1Config, InvalidAV1Config, AV1ConfigOBUs, AV1ConfigMismatch, MissingSequenceHeader,
	MissingSpatialExtents, SpatialExtentsOrder, MissingPixelInfo, PixelInfoMismatch,
	ColourMismatch, MissingLayerSelector, TransformOrder,
	CleanApertureNegativeOrigin, CleanApertureOutOfBounds, CleanApertureNonInteger, MissingAuxType,
	MissingGridReference, GridTileCount, InvalidGrid, GridTileConfigMismatch, GridOutputMismatch,
	TrackInMovie, MissingCCST, AuxTrackHandler, MissingAUXI, DanglingTrackReference, SampleDataOutOfBounds,
	ExifOrientationIgnored, ExifMalformed,
}

// Known reports whether c is one of Codes.
func (c Code) Known() bool {
	for _, k := range Codes {
		if k == c {
			return true
		}
	}
	return false
}

const issuesURL = "https://github.com/AOMediaCodec/av1-avif/wiki/Identified-issues-in-existing-AVIF-files"

// infoAnchors points codes at the list of issues found in existing
// AVIF files.
var infoAnchors = map[Code]string{
	ProfileBrand:          "incorrect-profile-brands",
	AV1ConfigOBUs:         "av1c-contains-optional-config-obus",
	AV1ConfigMismatch:     "bad-av1c",
	ColourMismatch:        "missing-nclx-colr-box",
	MissingPixelInfo:      "missing-or-incorrect-pixi",
	PixelInfoMismatch:     "missing-or-incorrect-pixi",
	MissingSpatialExtents: "missing-ispe",
	SpatialExtentsOrder:   "ispe-comes-after-transformational-properties",
	TrackInMovie:          "incorrect-value-for-track_in_movie-flag",
	MissingCCST:           "ccst-not-present-for-pict-track",
	AuxTrackHandler:       "incorrect-track-handler-type-for-auxiliary-track",
	MissingAUXI:           "auxi-not-present-for-auxv-track",
}

// fixes describes how to repair files showing a finding, for codes
// whose repair does not depend on the file.
var fixes = map[Code]string{
	AV1ConfigMismatch:    "Regenerate av1C from Sequence Header OBU",
	MissingLayerSelector: "Add 0xFFFF 'lsel' property.",
	SpatialExtentsOrder:  "Change order of property associations to place 'ispe' first.",
	MissingPrimaryItem:   "Add primary item to first non-hidden item in file",
	MissingCCST:          "Add most permissive 'ccst' box",
	AuxTrackHandler:      "Change handler type to auxv",
	MissingAUXI:          "Add alpha 'auxi' box",
}

func infoURL(anchor string) string {
	if anchor == "" {
		return ""
	}
	return issuesURL + "#" + anchor
}
