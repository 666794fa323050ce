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

// Package heif reads the item and property model of HEIF containers,
// such as AVIF images and image sequences.
// This package does not decode images; it only reads the metadata.
package heif

import (
	"errors"
	"fmt"
	"io"

	"github.com/jdeng/avifcheck/heif/bmff"
	"github.com/jdeng/avifcheck/internal/logger"
)

// ErrUnknownItem is returned by Meta.ItemByID for unknown items.
var ErrUnknownItem = errors.New("heif: unknown item")

// ErrDuplicateProperty is returned when an item has more than one
// property of a kind that may only appear once, such as two rotations.
var ErrDuplicateProperty = errors.New("heif: duplicate property")

// Codes of problems found while building the model.
const (
	CodeInvalidBox            bmff.Code = "InvalidBox"
	CodeDuplicateItemID       bmff.Code = "DuplicateItemID"
	CodeDanglingItemReference bmff.Code = "DanglingItemReference"
	CodeDanglingPropertyIndex bmff.Code = "DanglingPropertyIndex"
	CodeReferenceCycle        bmff.Code = "ReferenceCycle"
)

// ModelError is a problem found while building the item model. The model
// is still built around it.
type ModelError struct {
	Code   bmff.Code
	Offset int64
	ItemID uint32 // 0 if not about a single item
	Err    error
}

func (e *ModelError) Error() string {
	if e.ItemID != 0 {
		return fmt.Sprintf("heif: %s at offset %d (item %d): %v", e.Code, e.Offset, e.ItemID, e.Err)
	}
	return fmt.Sprintf("heif: %s at offset %d: %v", e.Code, e.Offset, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// DefaultMaxItemData caps the size of item data read into memory.
const DefaultMaxItemData = 200 << 20

// File represents a HEIF file.
//
// Methods on File should not be called concurrently.
type File struct {
	ra          io.ReaderAt
	size        int64
	maxItemData int64
	treeOpts    []bmff.TreeOption
	log         *logger.Logger

	// Populated lazily, by load:
	loaded  bool
	tree    *bmff.Tree
	treeErr error
	meta    *Meta
}

type Option func(*File)

// WithMaxItemData caps the size of item data returned by File.ItemData.
func WithMaxItemData(n int64) Option {
	return func(f *File) { f.maxItemData = n }
}

// WithTreeOptions passes options to bmff.ReadTree.
func WithTreeOptions(opts ...bmff.TreeOption) Option {
	return func(f *File) { f.treeOpts = append(f.treeOpts, opts...) }
}

func WithLogger(l *logger.Logger) Option {
	return func(f *File) { f.log = l }
}

// Open returns a handle to access a HEIF file of the given size.
func Open(ra io.ReaderAt, size int64, opts ...Option) *File {
	f := &File{
		ra:          ra,
		size:        size,
		maxItemData: DefaultMaxItemData,
		log:         logger.Discard(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *File) String() string { return fmt.Sprintf("heif(%d bytes)", f.size) }

// Size returns the size of the file as given to Open.
func (f *File) Size() int64 { return f.size }

func (f *File) load() {
	if f.loaded {
		return
	}
	f.loaded = true
	f.tree, f.treeErr = bmff.ReadTree(f.ra, f.size, f.treeOpts...)
	if f.tree == nil {
		f.tree = &bmff.Tree{Size: f.size}
	}
	f.meta = buildMeta(f)
	f.log.Debugf(f, "loaded %d top-level boxes, %d items, %d properties, %d tracks",
		len(f.tree.Boxes), len(f.meta.Items), len(f.meta.Properties), len(f.meta.Tracks))
}

// Tree returns the box tree. The tree is never nil; the error is
// non-nil when the file is truncated or could not be read, in which case
// the tree holds the boxes read before the failure.
func (f *File) Tree() (*bmff.Tree, error) {
	f.load()
	return f.tree, f.treeErr
}

// Meta returns the item and property model. It is built from whatever
// part of the tree could be read, and is never nil.
func (f *File) Meta() *Meta {
	f.load()
	return f.meta
}

// PrimaryItem returns the file's primary item.
func (f *File) PrimaryItem() (*Item, error) {
	return f.Meta().PrimaryItem()
}

// ItemByID returns the file's Item of a given ID.
// If the ID is unknown, the returned error is ErrUnknownItem.
func (f *File) ItemByID(id uint32) (*Item, error) {
	return f.Meta().ItemByID(id)
}
