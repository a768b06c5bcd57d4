package resolve

import (
	"github.com/retrolinker/retrolinker/internal/module"
	"github.com/retrolinker/retrolinker/internal/section"
	"github.com/retrolinker/retrolinker/internal/symtarget"
)

// GOTTable records the section and per-symbol slot offsets of a module's
// global offset table. It is built once, before layout runs (so the
// section participates in base-address assignment like any other), and
// its slot contents are filled afterward by Engine.Resolve once every
// symbol has a concrete address. Slots are keyed by SymbolName.Key(), so
// every GOTEntry naming the same symbol shares one slot.
type GOTTable struct {
	sec      *section.Section
	wordSize int
	offsets  map[string]uint64
	names    []symtarget.SymbolName
}

// Section returns the synthesized ".got" section, or nil if the module had
// no GOTEntry targets.
func (g *GOTTable) Section() *section.Section {
	if g == nil {
		return nil
	}
	return g.sec
}

// BuildGOT scans every relocation's Target and Reference for GOTEntry
// targets, coalesces them by symbol identity, and appends one
// wordSize-byte zero slot per unique entry to a ".got" section (reusing
// one already present in mod, if any). Returns nil if the module has no
// GOT references. Must run before the layout engine, so the appended
// section gets a base address like any other.
func BuildGOT(mod *module.Module, wordSize int) (*GOTTable, error) {
	seen := make(map[string]bool)
	var order []symtarget.SymbolName

	collect := func(t symtarget.Target) {
		if t.Kind != symtarget.KindGOTEntry {
			return
		}
		key := t.GOTName.Key()
		if seen[key] {
			return
		}
		seen[key] = true
		order = append(order, t.GOTName)
	}

	for _, r := range mod.Relocations() {
		collect(r.Target)
		if r.Reference != nil {
			collect(*r.Reference)
		}
	}

	if len(order) == 0 {
		return nil, nil
	}

	got, ok := mod.FindSection(".got")
	if !ok {
		got = section.New(".got", section.Writable|section.Readable, uint64(wordSize))
		if err := mod.AddSection(got); err != nil {
			return nil, err
		}
	}

	table := &GOTTable{sec: got, wordSize: wordSize, offsets: make(map[string]uint64, len(order)), names: order}
	for _, name := range order {
		offset, err := got.Append(make([]byte, wordSize))
		if err != nil {
			return nil, err
		}
		table.offsets[name.Key()] = offset
	}

	return table, nil
}
