// Package flatfmt implements a minimal flat/linear object-and-executable
// format pair: a concrete InputFormat and OutputFormat (spec.md §6) that
// exercise the full read → merge → layout → resolve → write pipeline
// without requiring a full MZ/ELF/PE codec.
//
// The object format has no segmentation, no resources, and no import
// libraries; its relocations are restricted to the kinds a linear address
// space can express (Absolute, Relative, OffsetFrom, GOTAbsolute,
// GOTRelative).
package flatfmt

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/lunixbochs/struc"

	"github.com/retrolinker/retrolinker/internal/reloc"
	"github.com/retrolinker/retrolinker/internal/section"
)

var structOptions = &struc.Options{Order: binary.LittleEndian}

var objMagic = [4]byte{'F', 'L', 'O', 'B'}

const (
	sectionNameLen = 16
	symbolNameLen  = 32
)

// section flag bits, as stored in an object file.
const (
	flagReadable   uint32 = 1 << 0
	flagWritable   uint32 = 1 << 1
	flagExecutable uint32 = 1 << 2
	flagZeroFilled uint32 = 1 << 3
)

func fromFileFlags(v uint32) section.Flags {
	var out section.Flags
	if v&flagReadable != 0 {
		out |= section.Readable
	}
	if v&flagWritable != 0 {
		out |= section.Writable
	}
	if v&flagExecutable != 0 {
		out |= section.Executable
	}
	if v&flagZeroFilled != 0 {
		out |= section.ZeroFilled
	}
	return out
}

// symbol binding codes, as stored in an object file.
const (
	bindLocal uint8 = iota
	bindGlobal
	bindWeak
	bindCommon
)

// relocation kind codes, as stored in an object file. Only the subset
// meaningful to a linear address space is representable here.
const (
	relAbsolute uint8 = iota
	relRelative
	relOffsetFrom
	relGOTAbsolute
	relGOTRelative
)

func fromFileRelocKind(v uint8) (reloc.Kind, error) {
	switch v {
	case relAbsolute:
		return reloc.Absolute, nil
	case relRelative:
		return reloc.Relative, nil
	case relOffsetFrom:
		return reloc.OffsetFrom, nil
	case relGOTAbsolute:
		return reloc.GOTAbsolute, nil
	case relGOTRelative:
		return reloc.GOTRelative, nil
	default:
		return 0, fmt.Errorf("flatfmt: unknown relocation kind code %d", v)
	}
}

func bytesToName(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
