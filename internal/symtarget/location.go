// Package symtarget holds the location, symbol-name, and relocation-target
// value types shared across the module, collector, layout and resolution
// packages.
package symtarget

import "github.com/retrolinker/retrolinker/internal/section"

// Location identifies a byte either as (section, offset) or as an absolute
// address. The zero value with Section == nil and Absolute == false is not
// a valid Location.
type Location struct {
	Section  *section.Section
	Offset   uint64
	Absolute bool
	AbsAddr  uint64
}

// NewSectionLocation builds a Location relative to a section.
func NewSectionLocation(s *section.Section, offset uint64) Location {
	return Location{Section: s, Offset: offset}
}

// NewAbsoluteLocation builds a concrete absolute-address Location.
func NewAbsoluteLocation(addr uint64) Location {
	return Location{Absolute: true, AbsAddr: addr}
}

// IsResolved reports whether the location's concrete address is known,
// i.e. it is absolute, or its section has been assigned a base address by
// layout.
func (l Location) IsResolved() bool {
	if l.Absolute {
		return true
	}
	if l.Section == nil {
		return false
	}
	_, ok := l.Section.BaseAddress()
	return ok
}

// Address returns the location's concrete address. It panics if the
// location is not yet resolved; callers must check IsResolved (or go
// through the resolution engine, which always checks) first.
func (l Location) Address() uint64 {
	if l.Absolute {
		return l.AbsAddr
	}
	base, ok := l.Section.BaseAddress()
	if !ok {
		panic("symtarget: Address() called on an unresolved section-relative location")
	}
	return base + l.Offset
}

// DisplacementMap maps an old section identity to the new (section, offset)
// pair it was appended at during a module merge (spec.md §3: "Locations are
// displaced by the layout pass" and "Appending displaces locations via a
// per-section offset table").
type DisplacementMap map[*section.Section]Location

// Displace rewrites a Location through a displacement map produced by
// Module.Append: if the location's section appears in the map, the
// location becomes (map[section].Section, map[section].Offset+offset);
// otherwise it is returned unchanged.
func (l Location) Displace(m DisplacementMap) Location {
	if l.Absolute || l.Section == nil {
		return l
	}
	target, ok := m[l.Section]
	if !ok {
		return l
	}
	return Location{Section: target.Section, Offset: target.Offset + l.Offset}
}
