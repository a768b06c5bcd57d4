package symtarget

// TargetKind tags the variant held by a Target value.
type TargetKind int

const (
	// KindLocation is a concrete, already-resolved location.
	KindLocation TargetKind = iota
	// KindSymbol is an unresolved reference by name.
	KindSymbol
	// KindSegmentOf is "the segment/paragraph frame containing Inner".
	KindSegmentOf
	// KindOffsetFrom is "Inner expressed relative to Frame".
	KindOffsetFrom
	// KindGOTEntry is "the address of the GOT slot holding Name".
	KindGOTEntry
)

// Target is the abstract object of a Relocation: a tagged union over the
// five variants in spec.md §3 (Location, SymbolName, SegmentOf,
// OffsetFrom, GOTEntry), encoded as a flat struct per DESIGN NOTES §9
// ("re-architect as tagged enums for value-like families").
type Target struct {
	Kind TargetKind

	Location Location
	Symbol   SymbolName

	// Inner is used by KindSegmentOf and KindOffsetFrom.
	Inner *Target
	// Frame is used by KindOffsetFrom (OffsetFrom(Inner, Frame)).
	Frame *Target

	// GOTName is used by KindGOTEntry.
	GOTName SymbolName
}

// FromLocation builds a concrete Target.
func FromLocation(l Location) Target {
	return Target{Kind: KindLocation, Location: l}
}

// FromSymbol builds an unresolved-by-name Target.
func FromSymbol(s SymbolName) Target {
	return Target{Kind: KindSymbol, Symbol: s}
}

// SegmentOf wraps inner as "the frame/segment containing inner".
func SegmentOf(inner Target) Target {
	return Target{Kind: KindSegmentOf, Inner: &inner}
}

// OffsetFromTarget wraps inner as "inner expressed relative to frame".
func OffsetFromTarget(inner, frame Target) Target {
	return Target{Kind: KindOffsetFrom, Inner: &inner, Frame: &frame}
}

// GOTEntry builds a Target naming the GOT slot holding name's address.
func GOTEntry(name SymbolName) Target {
	return Target{Kind: KindGOTEntry, GOTName: name}
}

// Key returns a value comparable across Target variants, for general
// target-identity comparisons. GOT-slot coalescing does not use it:
// BuildGOT keys slots by the GOTEntry's SymbolName.Key().
func (t Target) Key() string {
	switch t.Kind {
	case KindLocation:
		if t.Location.Absolute {
			return "abs:" + itoa(t.Location.AbsAddr)
		}
		name := "<nil>"
		if t.Location.Section != nil {
			name = t.Location.Section.Name
		}
		return "loc:" + name + "+" + itoa(t.Location.Offset)
	case KindSymbol:
		return "sym:" + t.Symbol.Key()
	case KindSegmentOf:
		return "segof:" + t.Inner.Key()
	case KindOffsetFrom:
		return "offfrom:" + t.Inner.Key() + "~" + t.Frame.Key()
	case KindGOTEntry:
		return "got:" + t.GOTName.Key()
	default:
		return "unknown"
	}
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// ResolveLocals rewrites any KindSymbol variant whose name is a local
// symbol in module-local scope into a concrete KindLocation, via the
// provided lookup. It recurses into SegmentOf/OffsetFrom. ResolveLocals is
// idempotent: once every reachable KindSymbol has been rewritten (or the
// lookup reports "not local" for it), applying it again is a no-op,
// matching spec.md §4.3's idempotence requirement.
func (t Target) ResolveLocals(lookupLocal func(name SymbolName) (Location, bool)) Target {
	switch t.Kind {
	case KindSymbol:
		if loc, ok := lookupLocal(t.Symbol); ok {
			return FromLocation(loc)
		}
		return t
	case KindSegmentOf:
		inner := t.Inner.ResolveLocals(lookupLocal)
		return Target{Kind: KindSegmentOf, Inner: &inner}
	case KindOffsetFrom:
		inner := t.Inner.ResolveLocals(lookupLocal)
		frame := t.Frame.ResolveLocals(lookupLocal)
		return Target{Kind: KindOffsetFrom, Inner: &inner, Frame: &frame}
	default:
		return t
	}
}

// Displace rewrites the Location payload (if any, recursively) of this
// Target through a module-merge displacement map.
func (t Target) Displace(m DisplacementMap) Target {
	switch t.Kind {
	case KindLocation:
		return FromLocation(t.Location.Displace(m))
	case KindSegmentOf:
		inner := t.Inner.Displace(m)
		return Target{Kind: KindSegmentOf, Inner: &inner}
	case KindOffsetFrom:
		inner := t.Inner.Displace(m)
		frame := t.Frame.Displace(m)
		return Target{Kind: KindOffsetFrom, Inner: &inner, Frame: &frame}
	default:
		return t
	}
}
