// Package section implements the named, flagged byte buffer that is the
// unit of relocation throughout RetroLinker: a Section owns its content,
// its alignment, and (once layout has run) its base address.
package section

import (
	"errors"
	"fmt"

	"github.com/retrolinker/retrolinker/internal/align"
)

// Flags is a bitset of section properties.
type Flags uint32

const (
	Readable Flags = 1 << iota
	Writable
	Executable
	ZeroFilled
	Mergeable
	ResourceFlag
	Stack
	Heap
	GroupMember
)

func (f Flags) Has(bit Flags) bool {
	return f&bit != 0
}

// ErrZeroFilledSectionViolation is returned when stored data is appended to
// a zero-filled (BSS-like) section: such sections may only grow their
// logical size, never carry bytes.
var ErrZeroFilledSectionViolation = errors.New("section: cannot append data to a zero-filled section")

// ErrBaseAlreadySet is returned by SetBaseAddress if called more than once.
var ErrBaseAlreadySet = errors.New("section: base address already assigned")

// ErrSizeLockedAfterLayout is returned when a caller tries to grow a
// section after its base address has been assigned.
var ErrSizeLockedAfterLayout = errors.New("section: size is locked after layout assigns a base address")

// Resource describes the optional resource-fork metadata a section can
// carry (classic Mac, NE/PE/LE resources, GS/OS OMF segments with a
// resource type tag).
type Resource struct {
	Type Present
	Kind string
	ID   int64
}

// Present reports whether resource metadata has been set.
type Present bool

const (
	NoResource Present = false
	HasResource Present = true
)

// Section is a named contiguous byte buffer with flags and alignment.
type Section struct {
	Name      string
	Flags     Flags
	Alignment uint64

	resource Resource

	data []byte
	// size may exceed len(data): the trailing gap is zero-fill (BSS tail).
	size uint64

	baseSet bool
	base    uint64
}

// New creates an empty section. Alignment must be a power of two (0 means
// unaligned / byte-aligned).
func New(name string, flags Flags, alignment uint64) *Section {
	return &Section{Name: name, Flags: flags, Alignment: alignment}
}

// SetResource attaches resource-fork metadata (type tag + numeric id) to the
// section.
func (s *Section) SetResource(kind string, id int64) {
	s.resource = Resource{Type: HasResource, Kind: kind, ID: id}
}

// Resource returns the section's resource metadata, if any.
func (s *Section) Resource() (Resource, bool) {
	return s.resource, bool(s.resource.Type)
}

// Size returns the section's logical size, which may be larger than the
// number of stored bytes for a section with trailing zero fill.
func (s *Section) Size() uint64 {
	return s.size
}

// StoredSize returns the number of actual bytes physically held by the
// section (excludes any zero-fill tail).
func (s *Section) StoredSize() uint64 {
	return uint64(len(s.data))
}

// BaseAddress returns the section's assigned base address and whether
// layout has run yet.
func (s *Section) BaseAddress() (uint64, bool) {
	return s.base, s.baseSet
}

// SetBaseAddress assigns the section's base address. May only be called
// once; subsequent size changes are rejected.
func (s *Section) SetBaseAddress(addr uint64) error {
	if s.baseSet {
		return fmt.Errorf("section %q: %w", s.Name, ErrBaseAlreadySet)
	}
	s.base = addr
	s.baseSet = true
	return nil
}

// Expand grows the section's logical size to newSize. It is monotonic: it
// is an error to shrink, and an error to grow at all once a base address
// has been assigned.
func (s *Section) Expand(newSize uint64) error {
	if newSize < s.size {
		return fmt.Errorf("section %q: cannot shrink from %d to %d", s.Name, s.size, newSize)
	}
	if newSize == s.size {
		return nil
	}
	if s.baseSet {
		return fmt.Errorf("section %q: %w", s.Name, ErrSizeLockedAfterLayout)
	}
	s.size = newSize
	return nil
}

// Append adds bytes to the end of the section's stored data and returns the
// offset at which they landed. Zero-filled sections reject this.
func (s *Section) Append(data []byte) (uint64, error) {
	if s.Flags.Has(ZeroFilled) {
		return 0, fmt.Errorf("section %q: %w", s.Name, ErrZeroFilledSectionViolation)
	}
	if s.baseSet {
		return 0, fmt.Errorf("section %q: %w", s.Name, ErrSizeLockedAfterLayout)
	}

	offset := uint64(len(s.data))
	s.data = append(s.data, data...)
	if uint64(len(s.data)) > s.size {
		s.size = uint64(len(s.data))
	}
	return offset, nil
}

// AppendSection appends another section's stored data (used for mergeable
// section coalescing) and returns the offset at which it landed. The
// logical zero-fill size of other, if any, is preserved by a follow-up
// Expand by the caller.
func (s *Section) AppendSection(other *Section) (uint64, error) {
	return s.Append(other.data)
}

// RealignEnd zero-pads the section so its size is a multiple of pow2.
func (s *Section) RealignEnd(pow2 uint64) error {
	aligned := align.Address(s.size, pow2)
	if aligned == s.size {
		return nil
	}
	if s.Flags.Has(ZeroFilled) {
		return s.Expand(aligned)
	}
	pad := make([]byte, aligned-uint64(len(s.data)))
	_, err := s.Append(pad)
	return err
}

// WriteWord patches the len(word)-byte word at offset, in place, honoring the
// section's own patch semantics (no endianness here: callers pre-encode the
// bytes via byteio and pass them in — WriteWord exists for the common case
// of patching a pre-encoded field length).
func (s *Section) WriteWord(offset uint64, word []byte) error {
	end := offset + uint64(len(word))
	if end > uint64(len(s.data)) {
		return fmt.Errorf("section %q: write at offset %d length %d exceeds stored size %d", s.Name, offset, len(word), len(s.data))
	}
	copy(s.data[offset:end], word)
	return nil
}

// GetByte returns the byte at offset. Offsets within the zero-fill tail
// (beyond stored data but within the logical size) read as zero.
func (s *Section) GetByte(offset uint64) (byte, error) {
	if offset >= s.size {
		return 0, fmt.Errorf("section %q: offset %d out of bounds (size %d)", s.Name, offset, s.size)
	}
	if offset >= uint64(len(s.data)) {
		return 0, nil
	}
	return s.data[offset], nil
}

// Bytes returns the section's stored data (excluding any zero-fill tail).
// Callers must not retain the slice across further appends.
func (s *Section) Bytes() []byte {
	return s.data
}

// WriteTo writes count bytes of the section's data starting at offset to w,
// implementing the original's Writable.WriteFile(writer, count, offset)
// contract: zero-filled sections have no stored data to write.
func (s *Section) WriteTo(w interface{ Write([]byte) (int, error) }, count, offset uint64) (int64, error) {
	if s.Flags.Has(ZeroFilled) {
		return 0, nil
	}
	end := offset + count
	if end > uint64(len(s.data)) {
		end = uint64(len(s.data))
	}
	if offset >= end {
		return 0, nil
	}
	n, err := w.Write(s.data[offset:end])
	return int64(n), err
}
