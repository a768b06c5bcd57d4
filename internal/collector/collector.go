// Package collector implements the ModuleCollector (spec.md §4.6): it owns
// every module seen so far, decides — by following the reference graph
// outward from the non-library inputs — which library modules actually
// contribute to the output, and reports the names that remain unresolved.
package collector

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/retrolinker/retrolinker/internal/linkerr"
	"github.com/retrolinker/retrolinker/internal/module"
	"github.com/retrolinker/retrolinker/internal/symtarget"
)

// entry pairs a module with whether it came from a library (archive), per
// spec.md §4.6's add_module(m, is_library) protocol.
type entry struct {
	mod       *module.Module
	isLibrary bool
}

// Collector owns the vector of modules plus the required_symbols and
// symbol_definitions bookkeeping from spec.md §4.6.
type Collector struct {
	entries []*entry

	// requiredSymbols: names referenced but undefined by any included
	// module.
	requiredSymbols map[string]bool
	// symbolDefinitions: name -> defining module, across all modules seen
	// (library or not), regardless of inclusion.
	symbolDefinitions map[string]*entry

	onDuplicate func(*linkerr.Error)
}

// New creates an empty collector. onDuplicate (may be nil) receives a
// DuplicateSymbol diagnostic whenever two modules define the same strong
// global.
func New(onDuplicate func(*linkerr.Error)) *Collector {
	return &Collector{
		requiredSymbols:   make(map[string]bool),
		symbolDefinitions: make(map[string]*entry),
		onDuplicate:       onDuplicate,
	}
}

// AddModule implements spec.md §4.6's add_module protocol: resolve the
// module's own local relocations, register its non-local definitions
// (first-strong-wins, strong-overrides-weak), then include it immediately
// if it is not a library module or if it already satisfies a pending
// requirement.
func (c *Collector) AddModule(m *module.Module, isLibrary bool) {
	c.resolveLocalRelocations(m)

	e := &entry{mod: m, isLibrary: isLibrary}
	c.entries = append(c.entries, e)

	satisfiesRequirement := false
	for name := range iterDefinitionNames(m) {
		if prev, exists := c.symbolDefinitions[name]; exists {
			if prev.mod != m {
				c.registerDuplicateOrOverride(prev, e, name)
			}
		} else {
			c.symbolDefinitions[name] = e
		}
		if c.requiredSymbols[name] {
			satisfiesRequirement = true
		}
	}

	if satisfiesRequirement {
		c.include(e)
	}
	if !isLibrary {
		c.include(e)
	}
}

// AddLibraryModule is AddModule(m, true); a convenience matching
// spec.md §4.6's is_library parameter.
func (c *Collector) AddLibraryModule(m *module.Module) {
	c.AddModule(m, true)
}

// registerDuplicateOrOverride applies spec.md §4.6's "a strong definition
// overrides a previously weak one" rule and reports non-fatal duplicates,
// without needing full binding detail beyond what Module already enforces
// internally — here it only decides which entry symbolDefinitions should
// point at.
func (c *Collector) registerDuplicateOrOverride(prev, next *entry, name string) {
	prevDef, prevOK := prev.mod.FindGlobalSymbol(name)
	nextDef, nextOK := next.mod.FindGlobalSymbol(name)
	if !prevOK || !nextOK {
		return
	}
	switch {
	case prevDef.Binding == symtarget.Weak && nextDef.Binding == symtarget.Global:
		c.symbolDefinitions[name] = next
	case prevDef.Binding == symtarget.Global && nextDef.Binding == symtarget.Global:
		if c.onDuplicate != nil {
			c.onDuplicate(linkerr.DuplicateSymbol(name, prev.mod.FileName, next.mod.FileName))
		}
	}
}

// include implements spec.md §4.6's include(m): idempotent, marks the
// module included, clears its defined names from requiredSymbols, and
// chases every SymbolName relocation target to pull in whatever defines
// it (recursively), else records it as still required.
func (c *Collector) include(e *entry) {
	if e.mod.Included {
		return
	}
	e.mod.Included = true

	for name := range iterDefinitionNames(e.mod) {
		delete(c.requiredSymbols, name)
	}

	for _, r := range e.mod.Relocations() {
		c.chase(r.Target)
		if r.Reference != nil {
			c.chase(*r.Reference)
		}
	}
}

// chase walks a Target looking for SymbolName leaves (including inside
// SegmentOf/OffsetFrom/GOTEntry wrappers) and resolves each against
// symbolDefinitions, recursively including the defining module or else
// marking the name required.
func (c *Collector) chase(t symtarget.Target) {
	switch t.Kind {
	case symtarget.KindSymbol:
		c.resolveSymbolReference(t.Symbol)
	case symtarget.KindGOTEntry:
		c.resolveSymbolReference(t.GOTName)
	case symtarget.KindSegmentOf:
		c.chase(*t.Inner)
	case symtarget.KindOffsetFrom:
		c.chase(*t.Inner)
		c.chase(*t.Frame)
	}
}

func (c *Collector) resolveSymbolReference(name symtarget.SymbolName) {
	if name.IsImport() {
		return
	}
	key := name.Key()
	if def, ok := c.symbolDefinitions[key]; ok {
		if !def.mod.Included {
			c.include(def)
		}
		return
	}
	c.requiredSymbols[key] = true
}

// resolveLocalRelocations resolves every SymbolName relocation target
// whose name is locally defined within m, rewriting it to a concrete
// Location (spec.md §4.3/§4.6 step 1). This must run before the module's
// definitions are registered globally, since a local name shadows any
// same-named global within its own module.
func (c *Collector) resolveLocalRelocations(m *module.Module) {
	lookup := func(name symtarget.SymbolName) (symtarget.Location, bool) {
		if name.IsImport() {
			return symtarget.Location{}, false
		}
		def, ok := localDefinition(m, name.Name)
		if !ok {
			return symtarget.Location{}, false
		}
		return def.Location, true
	}

	relocs := m.Relocations()
	for i := range relocs {
		relocs[i].Target = relocs[i].Target.ResolveLocals(lookup)
		if relocs[i].Reference != nil {
			resolved := relocs[i].Reference.ResolveLocals(lookup)
			relocs[i].Reference = &resolved
		}
	}
}

func localDefinition(m *module.Module, name string) (symtarget.Definition, bool) {
	// Local symbols are keyed by (name, location) identity inside Module;
	// FindGlobalSymbol only reaches non-local bindings, so a dedicated
	// lookup by bare name against the module's exposed locals is needed.
	return m.FindLocalSymbolByName(name)
}

// iterDefinitionNames yields every non-local definition name contributed
// by m (global, weak, and common — common symbols participate in
// duplicate bookkeeping the same as any other strong definition once
// allocated).
func iterDefinitionNames(m *module.Module) map[string]struct{} {
	out := make(map[string]struct{})
	for _, name := range m.DefinedNames() {
		out[name] = struct{}{}
	}
	return out
}

// RequiredSymbols returns the true unresolved set after every module has
// been added (spec.md §4.6: "After all modules are added, required_symbols
// holds the true unresolved set").
func (c *Collector) RequiredSymbols() []string {
	names := make([]string, 0, len(c.requiredSymbols))
	for name := range c.requiredSymbols {
		names = append(names, name)
	}
	return names
}

// CombineInto appends each included module into out, in insertion order,
// per spec.md §4.6.
func (c *Collector) CombineInto(out *module.Module) error {
	for _, e := range c.entries {
		if !e.mod.Included {
			continue
		}
		if err := out.Append(e.mod, c.onDuplicate); err != nil {
			return fmt.Errorf("collector: combining %s: %w", e.mod.FileName, err)
		}
	}
	return nil
}

// ReadFunc parses a single input path into a Module; it is the caller's
// hook for format auto-detection, invoked concurrently by CollectFiles.
type ReadFunc func(ctx context.Context, path string) (*module.Module, error)

// fileJob pairs a parsed module with its source path and library-ness, so
// CollectFiles can feed them into AddModule in deterministic input order
// once every read has finished — the parallel phase is strictly the I/O
// and decode step, matching spec.md §5's requirement that the merge itself
// stay serialized.
type fileJob struct {
	path      string
	isLibrary bool
	mod       *module.Module
}

// CollectFiles reads every path concurrently via an errgroup, then adds
// each resulting module to the collector in the original path order.
func (c *Collector) CollectFiles(ctx context.Context, paths []string, isLibrary func(path string) bool, read ReadFunc) error {
	jobs := make([]fileJob, len(paths))
	for i, p := range paths {
		jobs[i].path = p
		jobs[i].isLibrary = isLibrary(p)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range jobs {
		i := i
		g.Go(func() error {
			m, err := read(gctx, jobs[i].path)
			if err != nil {
				return fmt.Errorf("reading %s: %w", jobs[i].path, err)
			}
			jobs[i].mod = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, j := range jobs {
		c.AddModule(j.mod, j.isLibrary)
	}
	return nil
}
