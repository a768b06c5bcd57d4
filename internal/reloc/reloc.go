// Package reloc implements the typed relocation patch record and its
// evaluation rules (spec.md §4.4): a relocation names a patched field
// (size, endianness, mask, shift), a source location, a target, and an
// optional reference frame, and is evaluated to a raw value written back
// through a read-modify-write against the pre-existing bytes.
package reloc

import (
	"fmt"
	"math/bits"

	"github.com/retrolinker/retrolinker/internal/byteio"
	"github.com/retrolinker/retrolinker/internal/linkerr"
	"github.com/retrolinker/retrolinker/internal/symtarget"
)

// Kind enumerates the relocation evaluation rules from spec.md §4.4.
type Kind int

const (
	Absolute Kind = iota
	Relative
	Offset
	Paragraph
	Selector
	OffsetFrom
	SegmentDifference
	GOTAbsolute
	GOTRelative
)

func (k Kind) String() string {
	switch k {
	case Absolute:
		return "Absolute"
	case Relative:
		return "Relative"
	case Offset:
		return "Offset"
	case Paragraph:
		return "Paragraph"
	case Selector:
		return "Selector"
	case OffsetFrom:
		return "OffsetFrom"
	case SegmentDifference:
		return "SegmentDifference"
	case GOTAbsolute:
		return "GOTAbsolute"
	case GOTRelative:
		return "GOTRelative"
	default:
		return "Unknown"
	}
}

// RequiresSegmentation reports whether this kind only makes sense in a
// non-linear, segmented output (spec.md §4.8).
func (k Kind) RequiresSegmentation() bool {
	return k == Paragraph || k == Selector || k == Offset || k == SegmentDifference
}

// RequiresProtectedMode reports whether this kind is meaningful only for
// protected-mode (selector-based) output.
func (k Kind) RequiresProtectedMode() bool {
	return k == Selector
}

// Relocation is a typed patch record, per spec.md §4.4.
type Relocation struct {
	Size      int // 1, 2, 4, or 8
	Source    symtarget.Location
	Target    symtarget.Target
	Reference *symtarget.Target // optional: makes this a difference relocation
	Addend    int64
	Mask      uint64
	Shift     uint

	Endianness byteio.Endianness
	Kind       Kind

	// AddendFromSectionData: when set, the pre-existing bytes at Source
	// are read (honoring Endianness/Mask/Shift) as an additional addend
	// before evaluation.
	AddendFromSectionData bool
}

// effectiveMask returns Mask, or the whole-field mask implied by Size when
// the caller hasn't set one explicitly (mask == 0 is treated as "whole field").
func (r Relocation) effectiveMask() uint64 {
	if r.Mask != 0 {
		return r.Mask
	}
	if r.Size >= 8 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(r.Size*8)) - 1
}

// ResolvedAddresses carries the concrete addresses an evaluator needs:
// the patched field's own address (source), the computed target address,
// and the optional reference-frame address for difference relocations.
type ResolvedAddresses struct {
	Source    uint64
	Target    uint64
	Reference uint64
	HasRef    bool
	// SegmentBase/ReferenceSegmentBase supply the "segment_base(x)" term
	// used by Offset/Paragraph/SegmentDifference.
	SegmentBase          uint64
	ReferenceSegmentBase uint64
}

// Evaluate computes the raw (unmasked, unshifted) value for a relocation
// given its resolved addresses, per the table in spec.md §4.4.
func (r Relocation) Evaluate(addrs ResolvedAddresses) (int64, error) {
	switch r.Kind {
	case Absolute:
		return int64(addrs.Target) + r.Addend, nil
	case Relative:
		return int64(addrs.Target) - int64(addrs.Source) + r.Addend, nil
	case Offset:
		return int64(addrs.Target) - int64(addrs.SegmentBase) + r.Addend, nil
	case Paragraph:
		return int64(addrs.SegmentBase>>4) + r.Addend, nil
	case Selector:
		// Protected-mode selector: caller resolves the selector value and
		// passes it as Target (selector_of(target)).
		return int64(addrs.Target) + r.Addend, nil
	case OffsetFrom:
		if !addrs.HasRef {
			return 0, fmt.Errorf("reloc: OffsetFrom relocation missing reference address")
		}
		return int64(addrs.Target) - int64(addrs.Reference) + r.Addend, nil
	case SegmentDifference:
		return int64(addrs.SegmentBase>>4) - int64(addrs.ReferenceSegmentBase>>4) + r.Addend, nil
	case GOTAbsolute:
		return int64(addrs.Target) + r.Addend, nil
	case GOTRelative:
		return int64(addrs.Target) - int64(addrs.Source) + r.Addend, nil
	default:
		return 0, fmt.Errorf("reloc: unknown kind %v", r.Kind)
	}
}

// PatchField applies (raw << shift) & mask onto the existing field value
// read from current, returning the new field bytes and whether an overflow
// occurred (the signed raw value, after shifting, didn't fit the masked
// region — spec.md §4.4: "emit RelocationOverflow but still write the
// truncated value").
func (r Relocation) PatchField(current []byte, raw int64) (patched []byte, overflow bool, err error) {
	if len(current) < r.Size {
		return nil, false, fmt.Errorf("reloc: field is %d bytes, need %d", len(current), r.Size)
	}

	currentVal, err := decodeField(current[:r.Size], r.Endianness)
	if err != nil {
		return nil, false, err
	}

	mask := r.effectiveMask()
	shifted := uint64(raw) << r.Shift

	overflow = overflowed(raw, r.Shift, mask)

	newVal := (currentVal &^ mask) | (shifted & mask)

	out, err := encodeField(newVal, r.Size, r.Endianness)
	if err != nil {
		return nil, false, err
	}
	return out, overflow, nil
}

// overflowed reports whether raw, once shifted and masked, lost bits that
// were present in the original value: the masked field, read back either
// as unsigned or sign-extended from its top mask bit, doesn't reproduce raw.
func overflowed(raw int64, shift uint, mask uint64) bool {
	shifted := uint64(raw) << shift
	written := shifted & mask
	rebuilt := int64(written) >> shift
	if rebuilt == raw {
		return false
	}
	width := uint(bits.Len64(mask))
	if width == 0 || width >= 64 {
		return true
	}
	signed := int64(written<<(64-width)) >> (64 - width + shift)
	return signed != raw
}

func decodeField(raw []byte, endian byteio.Endianness) (uint64, error) {
	b := byteio.NewFromBytes(raw)
	return b.ReadUnsigned(len(raw), endian)
}

func encodeField(value uint64, size int, endian byteio.Endianness) ([]byte, error) {
	b := byteio.New()
	if err := b.WriteWord(size, value, endian); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// ReadAddendFromSectionData reads the pre-existing field value to use as
// an additional addend, per spec.md §4.4's AddendFromSectionData rule.
func (r Relocation) ReadAddendFromSectionData(current []byte) (int64, error) {
	if len(current) < r.Size {
		return 0, fmt.Errorf("reloc: field is %d bytes, need %d", len(current), r.Size)
	}
	v, err := decodeField(current[:r.Size], r.Endianness)
	if err != nil {
		return 0, err
	}
	mask := r.effectiveMask()
	return int64((v & mask) >> r.Shift), nil
}

// OverflowError builds the classified diagnostic for an overflowed patch.
func (r Relocation) OverflowError(sourceDesc string) *linkerr.Error {
	return linkerr.RelocationOverflow(sourceDesc, r.Kind.String())
}
