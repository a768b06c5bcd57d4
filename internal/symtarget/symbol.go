package symtarget

import "fmt"

// SymbolName is either a bare identifier or a library import reference,
// specified either by ordinal or by name within the library.
type SymbolName struct {
	// Name is the bare identifier. Empty when this is a library import.
	Name string

	// Library is set for import references: (library, ordinal) or
	// (library, name).
	Library string
	// Ordinal is used when ByOrdinal is true; otherwise ImportName is used.
	Ordinal   uint32
	ImportName string
	ByOrdinal bool
}

// IsImport reports whether this SymbolName refers to a library import
// rather than a bare identifier.
func (s SymbolName) IsImport() bool {
	return s.Library != ""
}

// Bare builds a plain, non-import symbol name.
func Bare(name string) SymbolName {
	return SymbolName{Name: name}
}

// ImportByOrdinal builds a (library, ordinal) import reference.
func ImportByOrdinal(library string, ordinal uint32) SymbolName {
	return SymbolName{Library: library, Ordinal: ordinal, ByOrdinal: true}
}

// ImportByName builds a (library, name) import reference.
func ImportByName(library, name string) SymbolName {
	return SymbolName{Library: library, ImportName: name}
}

// Key returns a value suitable for use as a map key / identity comparison:
// non-local symbol identity is (name); import identity folds in the
// library.
func (s SymbolName) Key() string {
	if !s.IsImport() {
		return s.Name
	}
	if s.ByOrdinal {
		return fmt.Sprintf("%s#%d", s.Library, s.Ordinal)
	}
	return fmt.Sprintf("%s.%s", s.Library, s.ImportName)
}

func (s SymbolName) String() string {
	return s.Key()
}

// Binding classifies how a symbol is defined.
type Binding int

const (
	Undefined Binding = iota
	Local
	Global
	Weak
	Common
)

func (b Binding) String() string {
	switch b {
	case Local:
		return "local"
	case Global:
		return "global"
	case Weak:
		return "weak"
	case Common:
		return "common"
	default:
		return "undefined"
	}
}

// Definition is a symbol definition: {name, binding, location, size,
// alignment, preferred/fallback section}. Identity is (name) for
// non-local symbols, (name, location) for locals (spec.md §3).
type Definition struct {
	Name      string
	Binding   Binding
	Location  Location
	Size      uint64
	Alignment uint64

	// PreferredSection/FallbackSection name sections for a common symbol.
	// Module.AllocateCommons allocates into FallbackSection (".comm" when
	// empty); it does not read PreferredSection.
	PreferredSection string
	FallbackSection  string
}

// IdentityKey returns the map key used to detect duplicate definitions:
// for non-local symbols this is just Name, for locals it additionally
// folds in the defining location so that repeated local names in distinct
// locations remain distinct entities.
func (d Definition) IdentityKey() string {
	if d.Binding != Local {
		return d.Name
	}
	sec := ""
	if d.Location.Section != nil {
		sec = d.Location.Section.Name
	}
	return fmt.Sprintf("%s@%s+%d", d.Name, sec, d.Location.Offset)
}
