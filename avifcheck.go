// Package avifcheck validates AVIF files.
//
// A file is read as a tree of ISO-BMFF boxes, turned into the HEIF item
// and property model, and checked against the rules of HEIF, MIAF and
// AVIF. Every problem becomes a Finding; validation never stops at the
// first one.
package avifcheck

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/jdeng/avifcheck/heif"
	"github.com/jdeng/avifcheck/heif/bmff"
	"github.com/jdeng/avifcheck/internal/logger"
)

type options struct {
	cfg         *Config
	log         *logger.Logger
	maxItemData int64
	name        string
	nclx        *NCLX
}

// Option configures Validate.
type Option func(*options)

// WithConfig sets the configuration. DefaultConfig is used otherwise.
func WithConfig(c *Config) Option {
	return func(o *options) { o.cfg = c }
}

// WithLogger sends debug output to entry.
func WithLogger(entry *logrus.Entry) Option {
	return func(o *options) { o.log = logger.New(entry) }
}

// WithMaxItemData caps the item data read into memory, overriding the
// configuration.
func WithMaxItemData(n int64) Option {
	return func(o *options) { o.maxItemData = n }
}

// WithDefaultNCLX sets the colour values readers are assumed to use for
// images without an nclx colr box, overriding the configuration.
func WithDefaultNCLX(n NCLX) Option {
	return func(o *options) { o.nclx = &n }
}

// WithName sets the name reports and log lines use for the input.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// Validate checks the size bytes of ra. The error is non-nil only when
// ra cannot be read; problems with the file itself are findings.
func Validate(ra io.ReaderAt, size int64, opts ...Option) (*Report, error) {
	o := options{cfg: DefaultConfig(), log: logger.Discard()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxItemData == 0 {
		o.maxItemData = o.cfg.MaxItemData
	}
	if o.nclx == nil {
		o.nclx = o.cfg.DefaultNCLX
	}

	f := heif.Open(ra, size,
		heif.WithMaxItemData(o.maxItemData),
		heif.WithTreeOptions(bmff.WithMaxSlurp(o.cfg.MaxSlurp)),
		heif.WithLogger(o.log))
	tree, err := f.Tree()
	var berr *bmff.Error
	if err != nil && !errors.As(err, &berr) {
		return nil, fmt.Errorf("avifcheck: reading %s: %w", o.name, err)
	}

	v := &validator{
		cfg:         o.cfg,
		log:         o.log,
		name:        o.name,
		file:        f,
		tree:        tree,
		meta:        f.Meta(),
		defaultNCLX: builtinNCLX,
		report: &Report{
			Name:     o.name,
			Size:     size,
			Findings: []Finding{},
			Tree:     tree,
		},
	}
	if o.nclx != nil {
		v.defaultNCLX = o.nclx.set()
	}
	v.report.Meta = v.meta
	v.run()
	v.report.Images = v.images()
	v.log.Debugf(v, "%d fatal, %d warning", v.report.Count(Fatal), v.report.Count(Warning))
	return v.report, nil
}

// ValidateBytes checks an in-memory file.
func ValidateBytes(data []byte, opts ...Option) (*Report, error) {
	return Validate(bytes.NewReader(data), int64(len(data)), opts...)
}

// ValidateFile checks the file at path.
func ValidateFile(path string, opts ...Option) (*Report, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fd.Close()
	fi, err := fd.Stat()
	if err != nil {
		return nil, err
	}
	opts = append([]Option{WithName(path)}, opts...)
	return Validate(fd, fi.Size(), opts...)
}

type validator struct {
	cfg    *Config
	log    *logger.Logger
	name   string
	file   *heif.File
	tree   *bmff.Tree
	meta   *heif.Meta
	report *Report

	defaultNCLX nclxSet
}

func (v *validator) String() string {
	if v.name == "" {
		return "avifcheck"
	}
	return v.name
}

func (v *validator) run() {
	checks := []struct {
		name string
		fn   func()
	}{
		{"structure", v.checkStructure},
		{"brands", v.checkBrands},
		{"items", v.checkItems},
		{"properties", v.checkProperties},
		{"grids", v.checkGrids},
		{"tracks", v.checkTracks},
		{"exif", v.checkExif},
	}
	for _, c := range checks {
		before := len(v.report.Findings)
		c.fn()
		v.log.Debugf(v, "%s: %d findings", c.name, len(v.report.Findings)-before)
	}
}

// add records f unless its code is disabled, applying severity
// overrides.
// add records f unless its code is disabled. The returned pointer, nil
// for disabled codes, stays valid until the next finding is added.
func (v *validator) add(f Finding) *Finding {
	if v.cfg.disabled(f.Code) {
		return nil
	}
	if sev, ok := v.cfg.Severity[f.Code]; ok {
		f.Severity = sev
	}
	if f.InfoURL == "" {
		f.InfoURL = infoURL(infoAnchors[f.Code])
	}
	if f.Fix == "" {
		f.Fix = fixes[f.Code]
	}
	v.report.Findings = append(v.report.Findings, f)
	return &v.report.Findings[len(v.report.Findings)-1]
}

func offsetOf(b *bmff.Box) int64 {
	if b == nil {
		return -1
	}
	return b.Offset
}

func (v *validator) filef(sev Severity, code Code, b *bmff.Box, format string, args ...any) *Finding {
	return v.add(Finding{Severity: sev, Code: code, Offset: offsetOf(b), Message: fmt.Sprintf(format, args...)})
}

func (v *validator) itemf(sev Severity, code Code, it *heif.Item, b *bmff.Box, format string, args ...any) *Finding {
	if b == nil && it.Info != nil {
		b = it.Info.Box
	}
	return v.add(Finding{Severity: sev, Code: code, Offset: offsetOf(b), ItemID: it.ID,
		Message: fmt.Sprintf("%v: ", it) + fmt.Sprintf(format, args...)})
}

func (v *validator) trackf(sev Severity, code Code, t *heif.Track, b *bmff.Box, format string, args ...any) *Finding {
	if b == nil {
		b = t.Box
	}
	return v.add(Finding{Severity: sev, Code: code, Offset: offsetOf(b), TrackID: t.ID,
		Message: fmt.Sprintf("%v: ", t) + fmt.Sprintf(format, args...)})
}

// setFix attaches a file specific repair description to f, if recorded.
func setFix(f *Finding, fix string) {
	if f != nil {
		f.Fix = fix
	}
}

// images summarizes the image items of the model.
func (v *validator) images() []Image {
	var out []Image
	primary := v.meta.PrimaryItemID()
	for _, it := range v.meta.Items {
		if !it.IsImage() {
			continue
		}
		img := Image{ItemID: it.ID, Type: it.Type(), Name: it.Name(), Primary: it.ID == primary,
			Derived: it.IsDerived(), Hidden: it.Hidden()}
		img.Width, img.Height, _ = it.SpatialExtents()
		img.DisplayWidth, img.DisplayHeight, _ = it.VisualDimensions()
		if t, err := it.DisplayTransform(); err == nil {
			if t.Crop != nil {
				img.Crop = t.Crop.String()
			}
			img.Rotations = t.Rotations
			if t.Mirror >= 0 {
				m := t.Mirror
				img.Mirror = &m
			}
		}
		out = append(out, img)
	}
	return out
}
