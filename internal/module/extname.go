package module

import "strings"

// ExtKind tags the variant of an extended symbol/section name (spec.md
// §4.5's prefix table).
type ExtKind int

const (
	ExtSegmentOfSection ExtKind = iota
	ExtSegmentOfSymbol
	ExtSelectorAtSymbol
	ExtOffsetWithinSection
	ExtSegmentDifference
	ExtImport
	ExtImportSegment
	ExtExport
	ExtResource
	ExtFixup
)

// ExtendedRef is the parsed payload of an extended name, covering every
// variant in the prefix table; only the fields relevant to Kind are set.
type ExtendedRef struct {
	Kind ExtKind

	Section string // ExtSegmentOfSection, ExtResource (section carrying the resource)
	Symbol  string // ExtSegmentOfSymbol, ExtSelectorAtSymbol, ExtExport
	A, B    string // ExtOffsetWithinSection (sym, sect); ExtSegmentDifference (a, b)

	Library   string // ExtImport, ExtImportSegment
	ByOrdinal bool
	Ordinal   uint32
	ImportName string

	ExportOrdinal    uint32
	HasExportOrdinal bool

	ResourceType string
	ResourceID   int64

	FixupOffset uint64
	FixupRest   string
}

// ParseExtendedName parses name against the extended-prefix table from
// spec.md §4.5, using prefixChar as the separator (default '$'). It
// returns ok == false for any name that doesn't match one of the
// recognized patterns, meaning the name should pass through unchanged.
func ParseExtendedName(prefixChar byte, name string) (ExtendedRef, bool) {
	sep := string(prefixChar) + string(prefixChar)
	if !strings.HasPrefix(name, sep) {
		return ExtendedRef{}, false
	}
	body := name[len(sep):]
	sc := string(prefixChar)

	tag, rest, ok := strings.Cut(body, sc)
	if !ok {
		return ExtendedRef{}, false
	}

	switch tag {
	case "SEG":
		return ExtendedRef{Kind: ExtSegmentOfSection, Section: rest}, true
	case "SEGOF":
		return ExtendedRef{Kind: ExtSegmentOfSymbol, Symbol: rest}, true
	case "SEGAT":
		return ExtendedRef{Kind: ExtSelectorAtSymbol, Symbol: rest}, true
	case "WRTSEG":
		sym, sect, ok := strings.Cut(rest, sc)
		if !ok {
			return ExtendedRef{}, false
		}
		return ExtendedRef{Kind: ExtOffsetWithinSection, A: sym, B: sect}, true
	case "SEGDIF":
		a, b, ok := strings.Cut(rest, sc)
		if !ok {
			return ExtendedRef{}, false
		}
		return ExtendedRef{Kind: ExtSegmentDifference, A: a, B: b}, true
	case "IMPORT":
		lib, ref, ok := strings.Cut(rest, sc)
		if !ok {
			return ExtendedRef{}, false
		}
		return parseImportRef(ExtImport, lib, ref), true
	case "IMPSEG":
		lib, ref, ok := strings.Cut(rest, sc)
		if !ok {
			return ExtendedRef{}, false
		}
		return parseImportRef(ExtImportSegment, lib, ref), true
	case "EXPORT":
		name, ord, hasOrd := strings.Cut(rest, sc)
		ref := ExtendedRef{Kind: ExtExport, Symbol: name}
		if hasOrd {
			ref.HasExportOrdinal = true
			ref.ExportOrdinal = uint32(parseUint(ord))
		}
		return ref, true
	case "RSRC":
		if !strings.HasPrefix(rest, "_") {
			return ExtendedRef{}, false
		}
		typ, id, ok := strings.Cut(rest[1:], sc)
		if !ok {
			return ExtendedRef{}, false
		}
		return ExtendedRef{Kind: ExtResource, ResourceType: typ, ResourceID: int64(parseUint(id))}, true
	case "FIX":
		hex, raw, ok := strings.Cut(rest, sc)
		if !ok {
			return ExtendedRef{}, false
		}
		return ExtendedRef{Kind: ExtFixup, FixupOffset: parseHex(hex), FixupRest: raw}, true
	default:
		return ExtendedRef{}, false
	}
}

func parseImportRef(kind ExtKind, lib, ref string) ExtendedRef {
	if strings.HasPrefix(ref, "_") {
		return ExtendedRef{Kind: kind, Library: lib, ImportName: ref[1:]}
	}
	return ExtendedRef{Kind: kind, Library: lib, ByOrdinal: true, Ordinal: uint32(parseUint(ref))}
}

func parseUint(s string) uint64 {
	var v uint64
	for _, c := range s {
		if c < '0' || c > '9' {
			return v
		}
		v = v*10 + uint64(c-'0')
	}
	return v
}

func parseHex(s string) uint64 {
	var v uint64
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
			v = v*16 + uint64(c-'0')
		case c >= 'a' && c <= 'f':
			v = v*16 + uint64(c-'a'+10)
		case c >= 'A' && c <= 'F':
			v = v*16 + uint64(c-'A'+10)
		default:
			return v
		}
	}
	return v
}
