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
	"errors"
	"fmt"
	"sort"

	"github.com/jdeng/avifcheck/heif/bmff"
)

// Meta is the item and property model of a file, together with the
// low-level BMFF boxes it was built from.
type Meta struct {
	FileType *bmff.FileTypeBox
	Box      *bmff.Box // the top-level "meta" box, or nil
	Handler  *bmff.HandlerBox
	Primary  *bmff.PrimaryItemBox
	Location *bmff.ItemLocationBox
	ItemData *bmff.ItemDataBox

	// DataEntries are the "dinf/dref" entries of the meta box, in order.
	// Data reference index i refers to DataEntries[i-1].
	DataEntries []*bmff.DataEntryBox

	// Items in "iinf" order. Items whose ID repeats an earlier one are
	// left out.
	Items []*Item

	// Properties are the children of "ipco" in order. Properties[i] has
	// Index i+1, whatever its type.
	Properties []*Property

	References []*bmff.ItemReference
	Tracks     []*Track
	Errors     []*ModelError

	f    *File
	byID map[uint32]*Item
}

// ItemByID returns the item with the given ID, or ErrUnknownItem.
func (m *Meta) ItemByID(id uint32) (*Item, error) {
	if it, ok := m.byID[id]; ok {
		return it, nil
	}
	return nil, ErrUnknownItem
}

// PrimaryItemID returns the ID named by "pitm", or 0.
func (m *Meta) PrimaryItemID() uint32 {
	if m.Primary == nil {
		return 0
	}
	return m.Primary.ItemID
}

// PrimaryItem returns the item named by "pitm".
func (m *Meta) PrimaryItem() (*Item, error) {
	if m.Primary == nil {
		return nil, errors.New("heif: file lacks primary item box")
	}
	return m.ItemByID(m.Primary.ItemID)
}

// Property returns the property with the given 1-based index, or nil.
func (m *Meta) Property(index int) *Property {
	if index < 1 || index > len(m.Properties) {
		return nil
	}
	return m.Properties[index-1]
}

// TrackByID returns the track with the given ID, or nil.
func (m *Meta) TrackByID(id uint32) *Track {
	for _, t := range m.Tracks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (m *Meta) addError(code bmff.Code, b *bmff.Box, itemID uint32, err error) {
	me := &ModelError{Code: code, ItemID: itemID, Err: err}
	if b != nil {
		me.Offset = b.Offset
	}
	m.Errors = append(m.Errors, me)
}

// parse returns the typed form of b. Parse failures are recorded and
// reported as nil.
func (m *Meta) parse(b *bmff.Box) bmff.Parsed {
	p, err := b.Parse()
	if err != nil {
		if !errors.Is(err, bmff.ErrUnknownBox) {
			m.addError(CodeInvalidBox, b, 0, err)
		}
		return nil
	}
	return p
}

func buildMeta(f *File) *Meta {
	m := &Meta{f: f, byID: map[uint32]*Item{}}
	tree := f.tree

	if b := tree.Find("ftyp"); b != nil {
		m.FileType, _ = m.parse(b).(*bmff.FileTypeBox)
	}
	if moov := tree.Find("moov"); moov != nil {
		m.Tracks = buildTracks(m, moov)
	}
	m.Box = tree.Find("meta")
	if m.Box == nil {
		return m
	}
	m.parse(m.Box)

	var assocs []*bmff.ItemPropertyAssociation
	for _, box := range m.Box.Children {
		switch box.Type.String() {
		case "hdlr":
			m.Handler, _ = m.parse(box).(*bmff.HandlerBox)
		case "pitm":
			m.Primary, _ = m.parse(box).(*bmff.PrimaryItemBox)
		case "iloc":
			m.Location, _ = m.parse(box).(*bmff.ItemLocationBox)
		case "idat":
			m.ItemData, _ = m.parse(box).(*bmff.ItemDataBox)
		case "iinf":
			m.parse(box)
			for _, c := range box.ChildrenOf(bmff.NewType("infe")) {
				if ie, ok := m.parse(c).(*bmff.ItemInfoEntry); ok {
					m.addItem(ie)
				}
			}
		case "iref":
			m.parse(box)
			for _, c := range box.Children {
				if ref, ok := m.parse(c).(*bmff.ItemReference); ok {
					m.References = append(m.References, ref)
				}
			}
		case "iprp":
			if ipco := box.Child(bmff.NewType("ipco")); ipco != nil {
				m.addProperties(ipco)
			}
			for _, c := range box.ChildrenOf(bmff.NewType("ipma")) {
				if ipma, ok := m.parse(c).(*bmff.ItemPropertyAssociation); ok {
					assocs = append(assocs, ipma)
				}
			}
		case "dinf":
			if dref := box.Child(bmff.NewType("dref")); dref != nil {
				m.parse(dref)
				for _, c := range dref.Children {
					de, _ := m.parse(c).(*bmff.DataEntryBox)
					m.DataEntries = append(m.DataEntries, de)
				}
			}
		}
	}

	if m.Primary != nil {
		if _, ok := m.byID[m.Primary.ItemID]; !ok {
			m.addError(CodeDanglingItemReference, m.Primary.Box, m.Primary.ItemID,
				fmt.Errorf("primary item %d does not exist", m.Primary.ItemID))
		}
	}
	m.resolveLocations()
	m.resolveReferences()
	for _, ipma := range assocs {
		m.resolveAssociations(ipma)
	}
	m.findCycles()
	return m
}

func (m *Meta) addItem(ie *bmff.ItemInfoEntry) {
	if prev, ok := m.byID[ie.ItemID]; ok {
		m.addError(CodeDuplicateItemID, ie.Box, ie.ItemID,
			fmt.Errorf("item ID %d already used at offset %d", ie.ItemID, prev.Info.Offset))
		return
	}
	it := &Item{meta: m, ID: ie.ItemID, Info: ie}
	m.byID[ie.ItemID] = it
	m.Items = append(m.Items, it)
}

// addProperties assigns indices to every child of ipco, including the
// ones this package does not understand.
func (m *Meta) addProperties(ipco *bmff.Box) {
	for i, c := range ipco.Children {
		p := &Property{Index: i + 1, Kind: kindOf(c.Type), Box: c}
		if p.Kind != KindOpaque {
			v, err := c.Parse()
			if err != nil {
				p.Err = err
				m.addError(CodeInvalidBox, c, 0, err)
			} else {
				p.Value = v
			}
		}
		m.Properties = append(m.Properties, p)
	}
}

func (m *Meta) resolveLocations() {
	if m.Location == nil {
		return
	}
	for i := range m.Location.Items {
		loc := &m.Location.Items[i]
		it, ok := m.byID[loc.ItemID]
		if !ok {
			m.addError(CodeDanglingItemReference, m.Location.Box, loc.ItemID,
				fmt.Errorf("location given for unknown item %d", loc.ItemID))
			continue
		}
		it.Locations = append(it.Locations, loc)
	}
}

func (m *Meta) resolveReferences() {
	for _, ref := range m.References {
		from, ok := m.byID[ref.FromItemID]
		if !ok {
			m.addError(CodeDanglingItemReference, ref.Box, ref.FromItemID,
				fmt.Errorf("%q reference from unknown item %d", ref.Type, ref.FromItemID))
			continue
		}
		from.References = append(from.References, ref)
		for _, to := range ref.ToItemIDs {
			target, ok := m.byID[to]
			if !ok {
				m.addError(CodeDanglingItemReference, ref.Box, ref.FromItemID,
					fmt.Errorf("%q reference from item %d to unknown item %d", ref.Type, ref.FromItemID, to))
				continue
			}
			target.referencedBy = append(target.referencedBy, ref)
		}
	}
}

func (m *Meta) resolveAssociations(ipma *bmff.ItemPropertyAssociation) {
	for _, entry := range ipma.Entries {
		it, ok := m.byID[entry.ItemID]
		if !ok {
			m.addError(CodeDanglingItemReference, ipma.Box, entry.ItemID,
				fmt.Errorf("properties associated with unknown item %d", entry.ItemID))
			continue
		}
		for _, a := range entry.Associations {
			as := Association{Index: int(a.Index), Essential: a.Essential}
			if a.Index != 0 {
				as.Property = m.Property(int(a.Index))
				if as.Property == nil {
					m.addError(CodeDanglingPropertyIndex, ipma.Box, it.ID,
						fmt.Errorf("property index %d out of range [1, %d]", a.Index, len(m.Properties)))
				}
			}
			it.Associations = append(it.Associations, as)
		}
	}
}

// findCycles reports items that reach themselves through references of
// a single type.
func (m *Meta) findCycles() {
	graphs := map[string]map[uint32][]uint32{}
	for _, ref := range m.References {
		typ := ref.Type.String()
		if graphs[typ] == nil {
			graphs[typ] = map[uint32][]uint32{}
		}
		graphs[typ][ref.FromItemID] = append(graphs[typ][ref.FromItemID], ref.ToItemIDs...)
	}
	types := make([]string, 0, len(graphs))
	for typ := range graphs {
		types = append(types, typ)
	}
	sort.Strings(types)

	const (
		unvisited = iota
		active
		done
	)
	for _, typ := range types {
		g := graphs[typ]
		state := map[uint32]int{}
		var visit func(id uint32)
		visit = func(id uint32) {
			state[id] = active
			for _, to := range g[id] {
				switch state[to] {
				case active:
					var b *bmff.Box
					if it, ok := m.byID[to]; ok {
						if r := it.Reference(typ); r != nil {
							b = r.Box
						}
					}
					m.addError(CodeReferenceCycle, b, to,
						fmt.Errorf("%q references of item %d form a cycle", typ, to))
				case unvisited:
					visit(to)
				}
			}
			state[id] = done
		}
		for _, it := range m.Items {
			if state[it.ID] == unvisited {
				visit(it.ID)
			}
		}
	}
}
