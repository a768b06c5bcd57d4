// Package module implements the Module record (spec.md §4.5): the unit a
// reader produces and the unit that gets merged, common-allocated, and
// handed to the resolution engine.
package module

import (
	"fmt"

	"github.com/retrolinker/retrolinker/internal/align"
	"github.com/retrolinker/retrolinker/internal/byteio"
	"github.com/retrolinker/retrolinker/internal/linkerr"
	"github.com/retrolinker/retrolinker/internal/reloc"
	"github.com/retrolinker/retrolinker/internal/section"
	"github.com/retrolinker/retrolinker/internal/symtarget"
)

// CPU identifies the instruction set a module's relocations are meaningful
// for. The zero value, CPUUnknown, adopts whatever CPU it is merged with
// (spec.md §4.5).
type CPU int

const (
	CPUUnknown CPU = iota
	CPUX86
	CPUX86_64
	CPU68k
	CPUARM
	CPUPowerPC
)

func (c CPU) String() string {
	switch c {
	case CPUX86:
		return "x86"
	case CPUX86_64:
		return "x86-64"
	case CPU68k:
		return "68k"
	case CPUARM:
		return "arm"
	case CPUPowerPC:
		return "ppc"
	default:
		return "unknown"
	}
}

// Module is the mutable unit produced by a reader and consumed by the
// collector, merger, and resolution engine (spec.md §3, §4.5).
type Module struct {
	CPU        CPU
	Endianness byteio.Endianness

	FileName string
	Included bool

	sections     []*section.Section
	sectionIndex map[string]*section.Section

	// symbols holds every non-local definition, keyed by name, plus every
	// local definition keyed by Definition.IdentityKey().
	symbols map[string]*symtarget.Definition
	// symbolOrigin tracks, for every non-local symbol, the file name of
	// the module that contributed its current definition — so a
	// DuplicateSymbol diagnostic raised during a later merge can name
	// both contributing modules, not just the merged module's own name.
	symbolOrigin map[string]string

	commons []*symtarget.Definition

	// imports is ordered and de-duplicated by SymbolName.Key().
	imports      []symtarget.SymbolName
	importIndex  map[string]bool
	// exports is keyed by export identity (the exported name).
	exports map[string]symtarget.Definition

	relocations []reloc.Relocation
}

// New creates an empty module.
func New(fileName string) *Module {
	return &Module{
		FileName:     fileName,
		Endianness:   byteio.Unknown,
		sectionIndex: make(map[string]*section.Section),
		symbols:      make(map[string]*symtarget.Definition),
		symbolOrigin: make(map[string]string),
		importIndex:  make(map[string]bool),
		exports:      make(map[string]symtarget.Definition),
	}
}

// Sections returns the module's sections in declaration order.
func (m *Module) Sections() []*section.Section {
	return m.sections
}

// FindSection looks up a section by name.
func (m *Module) FindSection(name string) (*section.Section, bool) {
	s, ok := m.sectionIndex[name]
	return s, ok
}

// AddSection registers a new section, created by a reader. It is an error
// to add two sections with the same name to the same module.
func (m *Module) AddSection(s *section.Section) error {
	if _, exists := m.sectionIndex[s.Name]; exists {
		return fmt.Errorf("module %s: duplicate section %q", m.FileName, s.Name)
	}
	m.sections = append(m.sections, s)
	m.sectionIndex[s.Name] = s
	return nil
}

// Relocations returns the module's relocation list in emission order.
func (m *Module) Relocations() []reloc.Relocation {
	return m.relocations
}

// AddRelocation appends a relocation record.
func (m *Module) AddRelocation(r reloc.Relocation) {
	m.relocations = append(m.relocations, r)
}

// Imports returns the ordered, deduplicated import list.
func (m *Module) Imports() []symtarget.SymbolName {
	return m.imports
}

// AddImportedSymbol registers an imported symbol reference, deduplicated by
// identity.
func (m *Module) AddImportedSymbol(name symtarget.SymbolName) {
	key := name.Key()
	if m.importIndex[key] {
		return
	}
	m.importIndex[key] = true
	m.imports = append(m.imports, name)
}

// Exports returns the module's exported definitions by identity.
func (m *Module) Exports() map[string]symtarget.Definition {
	return m.exports
}

// AddExportedSymbol registers an export.
func (m *Module) AddExportedSymbol(def symtarget.Definition) {
	m.exports[def.Name] = def
}

// FindGlobalSymbol looks up a non-local (global or weak) definition by
// name. Common symbols are found once AllocateCommons has bound them as
// globals.
func (m *Module) FindGlobalSymbol(name string) (symtarget.Definition, bool) {
	d, ok := m.symbols[name]
	if !ok || d.Binding == symtarget.Undefined {
		return symtarget.Definition{}, false
	}
	return *d, true
}

// AddLocalSymbol registers a local definition. Local names may repeat
// across distinct locations (spec.md §3 invariant 1); identity folds in
// the defining location.
func (m *Module) AddLocalSymbol(def symtarget.Definition) {
	def.Binding = symtarget.Local
	key := def.IdentityKey()
	d := def
	m.symbols[key] = &d
}

// AddGlobalSymbol registers a strong (global) definition originating from
// this module. Adding a global with a name already bound weakly overrides
// the weak binding (spec.md §4.5). A duplicate global/global pair is a
// non-fatal DuplicateSymbol error reported via onDuplicate, with the first
// definition kept.
func (m *Module) AddGlobalSymbol(def symtarget.Definition, onDuplicate func(*linkerr.Error)) {
	m.addGlobalSymbolFrom(def, m.FileName, onDuplicate)
}

func (m *Module) addGlobalSymbolFrom(def symtarget.Definition, originFile string, onDuplicate func(*linkerr.Error)) {
	def.Binding = symtarget.Global
	existing, ok := m.symbols[def.Name]
	if !ok || existing.Binding == symtarget.Weak {
		d := def
		m.symbols[def.Name] = &d
		m.symbolOrigin[def.Name] = originFile
		return
	}
	if existing.Binding == symtarget.Global && onDuplicate != nil {
		onDuplicate(linkerr.DuplicateSymbol(def.Name, m.symbolOrigin[def.Name], originFile))
	}
	// First global wins; existing definition is left in place.
}

// AddWeakSymbol registers a weak definition. Adding a weak symbol for a
// name already bound globally is a silent no-op (spec.md §4.5).
func (m *Module) AddWeakSymbol(def symtarget.Definition) {
	m.addWeakSymbolFrom(def, m.FileName)
}

func (m *Module) addWeakSymbolFrom(def symtarget.Definition, originFile string) {
	if existing, ok := m.symbols[def.Name]; ok && existing.Binding == symtarget.Global {
		return
	}
	def.Binding = symtarget.Weak
	d := def
	m.symbols[def.Name] = &d
	m.symbolOrigin[def.Name] = originFile
}

// AddCommonSymbol registers a tentative (common) definition, to be
// allocated into a concrete section by AllocateCommons once all modules
// have been merged.
func (m *Module) AddCommonSymbol(def symtarget.Definition) {
	def.Binding = symtarget.Common
	m.commons = append(m.commons, &def)
}

// AddUndefinedSymbol records a name as referenced but not (yet) defined by
// this module, with no relocation of its own (e.g. a weak-extern
// declaration with no use site yet). The collector does not read these
// records: only relocation targets add names to its required set.
func (m *Module) AddUndefinedSymbol(name string) {
	if _, ok := m.symbols[name]; ok {
		return
	}
	m.symbols[name] = &symtarget.Definition{Name: name, Binding: symtarget.Undefined}
}

// DefinedNames returns every name this module defines as a non-local
// symbol: global, weak, or (still tentative) common bindings.
func (m *Module) DefinedNames() []string {
	var names []string
	for name, def := range m.symbols {
		if def.Binding == symtarget.Global || def.Binding == symtarget.Weak {
			names = append(names, name)
		}
	}
	for _, c := range m.commons {
		names = append(names, c.Name)
	}
	return names
}

// FindLocalSymbolByName returns a local definition with the given bare
// name, if any. Local identity folds in the defining location, so this is
// a linear scan rather than an indexed lookup.
func (m *Module) FindLocalSymbolByName(name string) (symtarget.Definition, bool) {
	for _, def := range m.symbols {
		if def.Binding == symtarget.Local && def.Name == name {
			return *def, true
		}
	}
	return symtarget.Definition{}, false
}

// Append merges other into m: sections are taken over or appended with a
// recorded displacement, all symbols and relocations from other are
// displaced before insertion, and duplicate/weak rules from spec.md §4.5
// are enforced. onDuplicate (may be nil) receives a DuplicateSymbol
// diagnostic for every colliding strong global.
func (m *Module) Append(other *Module, onDuplicate func(*linkerr.Error)) error {
	if m.CPU == CPUUnknown {
		m.CPU = other.CPU
	} else if other.CPU != CPUUnknown && m.CPU != other.CPU {
		return fmt.Errorf("module %s: cpu mismatch merging %s (%s vs %s)", m.FileName, other.FileName, m.CPU, other.CPU)
	}
	if m.Endianness == byteio.Unknown {
		m.Endianness = other.Endianness
	} else if other.Endianness != byteio.Unknown && m.Endianness != other.Endianness {
		return fmt.Errorf("module %s: endianness mismatch merging %s", m.FileName, other.FileName)
	}

	disp := make(symtarget.DisplacementMap)

	for _, sec := range other.sections {
		if existing, ok := m.sectionIndex[sec.Name]; ok {
			offset := existing.Size()
			if !existing.Flags.Has(section.ZeroFilled) || sec.StoredSize() > 0 {
				var err error
				offset, err = existing.AppendSection(sec)
				if err != nil {
					return fmt.Errorf("module %s: merging section %q from %s: %w", m.FileName, sec.Name, other.FileName, err)
				}
			}
			if sec.Flags.Has(section.ZeroFilled) {
				if err := existing.Expand(existing.Size() + sec.Size()); err != nil {
					return err
				}
			}
			disp[sec] = symtarget.NewSectionLocation(existing, offset)
		} else {
			if err := m.AddSection(sec); err != nil {
				return err
			}
			disp[sec] = symtarget.NewSectionLocation(sec, 0)
		}
	}

	for key, def := range other.symbols {
		displaced := *def
		displaced.Location = displaced.Location.Displace(disp)

		switch def.Binding {
		case symtarget.Local:
			d := displaced
			m.symbols[key] = &d
		case symtarget.Global:
			m.addGlobalSymbolFrom(displaced, other.FileName, onDuplicate)
		case symtarget.Weak:
			m.addWeakSymbolFrom(displaced, other.FileName)
		default:
			if _, exists := m.symbols[key]; !exists {
				d := displaced
				m.symbols[key] = &d
			}
		}
	}

	for _, common := range other.commons {
		merged := mergeCommon(m.commons, common)
		if merged == nil {
			c := *common
			m.commons = append(m.commons, &c)
		}
	}

	for _, name := range other.imports {
		m.AddImportedSymbol(name)
	}
	for name, def := range other.exports {
		def.Location = def.Location.Displace(disp)
		m.exports[name] = def
	}

	for _, r := range other.relocations {
		r.Source = r.Source.Displace(disp)
		r.Target = r.Target.Displace(disp)
		if r.Reference != nil {
			ref := r.Reference.Displace(disp)
			r.Reference = &ref
		}
		m.relocations = append(m.relocations, r)
	}

	return nil
}

// mergeCommon finds an existing common definition with the same name among
// existing and, if found, widens it in place to the maximum size/alignment
// (spec.md §4.5: "common symbols are merged by taking the maximum size and
// alignment"), returning the merged entry; otherwise returns nil.
func mergeCommon(existing []*symtarget.Definition, incoming *symtarget.Definition) *symtarget.Definition {
	for _, e := range existing {
		if e.Name != incoming.Name {
			continue
		}
		if incoming.Size > e.Size {
			e.Size = incoming.Size
		}
		if incoming.Alignment > e.Alignment {
			e.Alignment = incoming.Alignment
		}
		return e
	}
	return nil
}

// AllocateCommons resolves every tentative common symbol into a concrete
// location within a synthesized ".comm"-style section, per spec.md §4.5:
// align the section to the symbol's alignment, expand by its size, and
// bind the symbol as a global at the resulting location. The common set is
// cleared afterward.
func (m *Module) AllocateCommons() error {
	for _, common := range m.commons {
		secName := common.FallbackSection
		if secName == "" {
			secName = ".comm"
		}

		sec, ok := m.sectionIndex[secName]
		if !ok {
			sec = section.New(secName, section.Writable|section.ZeroFilled, common.Alignment)
			if err := m.AddSection(sec); err != nil {
				return err
			}
		}

		aligned := align.Address(sec.Size(), maxU64(common.Alignment, 1))
		if err := sec.Expand(aligned); err != nil {
			return err
		}
		offset := sec.Size()
		if err := sec.Expand(offset + common.Size); err != nil {
			return err
		}

		def := *common
		def.Binding = symtarget.Global
		def.Location = symtarget.NewSectionLocation(sec, offset)
		d := def
		m.symbols[def.Name] = &d
	}

	m.commons = nil
	return nil
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
