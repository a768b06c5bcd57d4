// Package resolve implements the ResolutionEngine (spec.md §4.8): the
// final pipeline stage that walks every relocation in a laid-out module,
// resolves its target to a concrete address, evaluates it per the
// relocation-kind table, and patches the affected bytes in place.
package resolve

import (
	"fmt"

	"github.com/retrolinker/retrolinker/internal/byteio"
	"github.com/retrolinker/retrolinker/internal/diag"
	"github.com/retrolinker/retrolinker/internal/format"
	"github.com/retrolinker/retrolinker/internal/linkerr"
	"github.com/retrolinker/retrolinker/internal/module"
	"github.com/retrolinker/retrolinker/internal/reloc"
	"github.com/retrolinker/retrolinker/internal/symtarget"
)

// Engine resolves and patches every relocation of a single module against
// an output format's capabilities.
type Engine struct {
	caps       format.OutputCapabilities
	formatName string
	got        *GOTTable
}

// New builds a resolution engine targeting an output format with the
// given capabilities. got may be nil if BuildGOT found no GOT references.
func New(caps format.OutputCapabilities, formatName string, got *GOTTable) *Engine {
	return &Engine{caps: caps, formatName: formatName, got: got}
}

// Resolve fills the module's GOT slots (if any) with their symbols' final
// addresses, then walks every relocation: unsupported kinds for this
// output are reported and skipped, undefined symbols are reported and
// skipped, and everything else is evaluated and patched in place.
// Non-fatal diagnostics are reported through d; Resolve only returns an
// error for conditions that indicate the pipeline itself is broken (e.g. a
// relocation's own source section was never assigned a base address).
func (e *Engine) Resolve(mod *module.Module, d *diag.Channel) error {
	if err := e.fillGOT(mod, d); err != nil {
		return err
	}

	for _, r := range mod.Relocations() {
		if r.Kind.RequiresSegmentation() && !e.caps.SupportsSegmentation {
			d.Error(linkerr.UnsupportedRelocationKind(r.Kind.String(), e.formatName))
			continue
		}
		if r.Kind.RequiresProtectedMode() && !e.caps.IsProtectedMode {
			d.Error(linkerr.UnsupportedRelocationKind(r.Kind.String(), e.formatName))
			continue
		}

		if !r.Source.IsResolved() {
			return fmt.Errorf("resolve: relocation source in section %q has no assigned base address", sourceSectionName(r.Source))
		}

		addrs, ok, err := e.resolveAddresses(mod, r, d)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		current, err := readField(r.Source, r.Size)
		if err != nil {
			return fmt.Errorf("resolve: reading patch field at %s: %w", sourceSectionName(r.Source), err)
		}

		if r.AddendFromSectionData {
			addend, err := r.ReadAddendFromSectionData(current)
			if err != nil {
				return err
			}
			r.Addend += addend
		}

		raw, err := r.Evaluate(addrs)
		if err != nil {
			return fmt.Errorf("resolve: evaluating relocation at %s: %w", sourceSectionName(r.Source), err)
		}

		patched, overflow, err := r.PatchField(current, raw)
		if err != nil {
			return fmt.Errorf("resolve: patching field at %s: %w", sourceSectionName(r.Source), err)
		}
		if overflow {
			d.Warn(r.OverflowError(sourceSectionName(r.Source)))
		}

		if err := writeField(r.Source, patched); err != nil {
			return fmt.Errorf("resolve: writing patched field at %s: %w", sourceSectionName(r.Source), err)
		}
	}

	return nil
}

// fillGOT writes each GOT slot's final content: the resolved address of
// the symbol it names. Slots whose symbol cannot be resolved are left
// zeroed and reported as undefined.
func (e *Engine) fillGOT(mod *module.Module, d *diag.Channel) error {
	if e.got == nil {
		return nil
	}
	for _, name := range e.got.names {
		offset := e.got.offsets[name.Key()]

		if name.IsImport() {
			d.Warn(linkerr.UndefinedSymbol(name.Key()))
			continue
		}
		def, ok := mod.FindGlobalSymbol(name.Name)
		if !ok || !def.Location.IsResolved() {
			d.Warn(linkerr.UndefinedSymbol(name.Key()))
			continue
		}

		word, err := encodeWord(def.Location.Address(), e.got.wordSize, mod.Endianness)
		if err != nil {
			return err
		}
		if err := e.got.sec.WriteWord(offset, word); err != nil {
			return fmt.Errorf("resolve: filling got slot for %q: %w", name.Key(), err)
		}
	}
	return nil
}

// resolveAddresses computes the ResolvedAddresses a relocation's Evaluate
// needs, per the field each Kind consumes (spec.md §4.4). ok is false (err
// nil) when an undefined-symbol diagnostic was already reported and the
// relocation should simply be skipped.
func (e *Engine) resolveAddresses(mod *module.Module, r reloc.Relocation, d *diag.Channel) (reloc.ResolvedAddresses, bool, error) {
	var addrs reloc.ResolvedAddresses
	addrs.Source = r.Source.Address()

	targetLoc, ok, err := e.resolveLocationOf(mod, r.Target, d)
	if err != nil || !ok {
		return addrs, ok, err
	}

	switch r.Kind {
	case reloc.Paragraph:
		base, resolved := addressOf(targetLoc)
		if !resolved {
			return addrs, false, fmt.Errorf("resolve: segment base for relocation at %s is unresolved", sourceSectionName(r.Source))
		}
		addrs.SegmentBase = base

	case reloc.Offset:
		target, resolved := addressOf(targetLoc)
		if !resolved {
			return addrs, false, fmt.Errorf("resolve: target for relocation at %s is unresolved", sourceSectionName(r.Source))
		}
		addrs.Target = target
		segLoc := targetLoc
		if !targetLoc.Absolute && targetLoc.Section != nil {
			segLoc = symtarget.NewSectionLocation(targetLoc.Section, 0)
		}
		addrs.SegmentBase, _ = addressOf(segLoc)

	case reloc.SegmentDifference:
		base, resolved := addressOf(targetLoc)
		if !resolved {
			return addrs, false, fmt.Errorf("resolve: segment base for relocation at %s is unresolved", sourceSectionName(r.Source))
		}
		addrs.SegmentBase = base

		if r.Reference == nil {
			return addrs, false, fmt.Errorf("resolve: SegmentDifference relocation at %s missing reference target", sourceSectionName(r.Source))
		}
		refLoc, ok, err := e.resolveLocationOf(mod, *r.Reference, d)
		if err != nil || !ok {
			return addrs, ok, err
		}
		refBase, resolved := addressOf(refLoc)
		if !resolved {
			return addrs, false, fmt.Errorf("resolve: reference segment base for relocation at %s is unresolved", sourceSectionName(r.Source))
		}
		addrs.ReferenceSegmentBase = refBase

	case reloc.OffsetFrom:
		target, resolved := addressOf(targetLoc)
		if !resolved {
			return addrs, false, fmt.Errorf("resolve: target for relocation at %s is unresolved", sourceSectionName(r.Source))
		}
		addrs.Target = target

		if r.Reference == nil {
			return addrs, false, fmt.Errorf("resolve: OffsetFrom relocation at %s missing reference target", sourceSectionName(r.Source))
		}
		refLoc, ok, err := e.resolveLocationOf(mod, *r.Reference, d)
		if err != nil || !ok {
			return addrs, ok, err
		}
		ref, resolved := addressOf(refLoc)
		if !resolved {
			return addrs, false, fmt.Errorf("resolve: reference for relocation at %s is unresolved", sourceSectionName(r.Source))
		}
		addrs.Reference = ref
		addrs.HasRef = true

	default: // Absolute, Relative, Selector, GOTAbsolute, GOTRelative
		target, resolved := addressOf(targetLoc)
		if !resolved {
			return addrs, false, fmt.Errorf("resolve: target for relocation at %s is unresolved", sourceSectionName(r.Source))
		}
		addrs.Target = target
	}

	return addrs, true, nil
}

// resolveLocationOf resolves a Target down to a concrete Location,
// recursing through SegmentOf/OffsetFrom/GOTEntry and consulting the
// module's global/weak/common symbol table and GOT index for the
// remaining SymbolName leaves. ok is false when the target names an
// undefined symbol (already reported via d); err is non-nil only for
// structurally invalid targets.
func (e *Engine) resolveLocationOf(mod *module.Module, t symtarget.Target, d *diag.Channel) (symtarget.Location, bool, error) {
	switch t.Kind {
	case symtarget.KindLocation:
		return t.Location, true, nil

	case symtarget.KindSymbol:
		if t.Symbol.IsImport() {
			d.Warn(linkerr.UndefinedSymbol(t.Symbol.Key()))
			return symtarget.Location{}, false, nil
		}
		def, ok := mod.FindGlobalSymbol(t.Symbol.Name)
		if !ok {
			d.Warn(linkerr.UndefinedSymbol(t.Symbol.Name))
			return symtarget.Location{}, false, nil
		}
		return def.Location, true, nil

	case symtarget.KindSegmentOf:
		inner, ok, err := e.resolveLocationOf(mod, *t.Inner, d)
		if err != nil || !ok {
			return symtarget.Location{}, ok, err
		}
		if inner.Absolute || inner.Section == nil {
			return inner, true, nil
		}
		return symtarget.NewSectionLocation(inner.Section, 0), true, nil

	case symtarget.KindOffsetFrom:
		return e.resolveLocationOf(mod, *t.Inner, d)

	case symtarget.KindGOTEntry:
		if e.got == nil {
			d.Warn(linkerr.UndefinedSymbol(t.GOTName.Key()))
			return symtarget.Location{}, false, nil
		}
		offset, ok := e.got.offsets[t.GOTName.Key()]
		if !ok {
			d.Warn(linkerr.UndefinedSymbol(t.GOTName.Key()))
			return symtarget.Location{}, false, nil
		}
		return symtarget.NewSectionLocation(e.got.sec, offset), true, nil

	default:
		return symtarget.Location{}, false, fmt.Errorf("resolve: unknown target kind %v", t.Kind)
	}
}

// addressOf returns loc's concrete address and whether it is resolved yet
// (an absolute location always is; a section-relative one is once layout
// has assigned that section a base address).
func addressOf(loc symtarget.Location) (uint64, bool) {
	if !loc.IsResolved() {
		return 0, false
	}
	return loc.Address(), true
}

func sourceSectionName(loc symtarget.Location) string {
	if loc.Absolute {
		return "<absolute>"
	}
	if loc.Section == nil {
		return "<unknown>"
	}
	return fmt.Sprintf("%s+%#x", loc.Section.Name, loc.Offset)
}

func readField(loc symtarget.Location, size int) ([]byte, error) {
	if loc.Section == nil {
		return nil, fmt.Errorf("resolve: relocation source has no section")
	}
	buf := make([]byte, size)
	for i := 0; i < size; i++ {
		b, err := loc.Section.GetByte(loc.Offset + uint64(i))
		if err != nil {
			return nil, err
		}
		buf[i] = b
	}
	return buf, nil
}

func writeField(loc symtarget.Location, patched []byte) error {
	return loc.Section.WriteWord(loc.Offset, patched)
}

func encodeWord(value uint64, size int, endian byteio.Endianness) ([]byte, error) {
	b := byteio.New()
	if err := b.WriteWord(size, value, endian); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}
