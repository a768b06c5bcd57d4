package collector_test

import (
	"context"
	"testing"

	"github.com/retrolinker/retrolinker/internal/collector"
	"github.com/retrolinker/retrolinker/internal/linkerr"
	"github.com/retrolinker/retrolinker/internal/module"
	"github.com/retrolinker/retrolinker/internal/reloc"
	"github.com/retrolinker/retrolinker/internal/section"
	"github.com/retrolinker/retrolinker/internal/symtarget"
	"github.com/stretchr/testify/require"
)

func withGlobal(fileName, symbolName string) *module.Module {
	m := module.New(fileName)
	m.AddGlobalSymbol(symtarget.Definition{Name: symbolName}, nil)
	return m
}

func TestNonLibraryModuleIsIncludedUnconditionally(t *testing.T) {
	c := collector.New(nil)
	m := module.New("main.o")
	c.AddModule(m, false)

	require.True(t, m.Included)
}

func TestLibraryModuleIsNotIncludedUnlessRequired(t *testing.T) {
	c := collector.New(nil)
	lib := withGlobal("libfoo.a", "foo")
	c.AddModule(lib, true)

	require.False(t, lib.Included)
}

func TestLibraryModuleIsIncludedWhenItSatisfiesARequirement(t *testing.T) {
	c := collector.New(nil)

	main := module.New("main.o")
	main.AddRelocation(reloc.Relocation{Target: symtarget.FromSymbol(symtarget.Bare("foo"))})
	c.AddModule(main, false)

	require.Contains(t, c.RequiredSymbols(), "foo")

	lib := withGlobal("libfoo.a", "foo")
	c.AddModule(lib, true)

	require.True(t, lib.Included)
	require.NotContains(t, c.RequiredSymbols(), "foo")
}

func TestTransitiveInclusionChasesRelocations(t *testing.T) {
	c := collector.New(nil)

	main := module.New("main.o")
	main.AddRelocation(reloc.Relocation{Target: symtarget.FromSymbol(symtarget.Bare("foo"))})
	c.AddModule(main, false)

	libFoo := withGlobal("libfoo.a", "foo")
	libFoo.AddRelocation(reloc.Relocation{Target: symtarget.FromSymbol(symtarget.Bare("bar"))})
	c.AddModule(libFoo, true)

	require.True(t, libFoo.Included)
	require.Contains(t, c.RequiredSymbols(), "bar")

	libBar := withGlobal("libbar.a", "bar")
	c.AddModule(libBar, true)

	require.True(t, libBar.Included)
	require.NotContains(t, c.RequiredSymbols(), "bar")
}

func TestUnreferencedLibraryModuleStaysExcludedFromCombine(t *testing.T) {
	c := collector.New(nil)

	main := module.New("main.o")
	c.AddModule(main, false)

	unused := withGlobal("libunused.a", "never_called")
	c.AddModule(unused, true)

	out := module.New("out")
	require.NoError(t, c.CombineInto(out))

	_, ok := out.FindGlobalSymbol("never_called")
	require.False(t, ok)
}

func TestDuplicateStrongDefinitionAcrossModulesReportsDiagnostic(t *testing.T) {
	var diags []*linkerr.Error
	c := collector.New(func(e *linkerr.Error) { diags = append(diags, e) })

	a := withGlobal("a.o", "dup")
	c.AddModule(a, false)
	b := withGlobal("b.o", "dup")
	c.AddModule(b, false)

	require.Len(t, diags, 1)
	require.Equal(t, linkerr.KindDuplicateSymbol, diags[0].Kind)
}

func TestStrongDefinitionOverridesWeak(t *testing.T) {
	c := collector.New(nil)

	weakMod := module.New("weak.o")
	weakMod.AddWeakSymbol(symtarget.Definition{Name: "x"})
	c.AddModule(weakMod, false)

	strongMod := withGlobal("strong.o", "x")
	c.AddModule(strongMod, false)

	out := module.New("out")
	require.NoError(t, c.CombineInto(out))
	def, ok := out.FindGlobalSymbol("x")
	require.True(t, ok)
	require.Equal(t, symtarget.Global, def.Binding)
}

func TestCollectFilesReadsConcurrentlyAndAddsInOrder(t *testing.T) {
	c := collector.New(nil)
	paths := []string{"a.o", "b.o", "c.o"}

	read := func(_ context.Context, path string) (*module.Module, error) {
		m := module.New(path)
		if err := m.AddSection(section.New(path, section.Readable, 1)); err != nil {
			return nil, err
		}
		return m, nil
	}
	isLibrary := func(string) bool { return false }

	err := c.CollectFiles(context.Background(), paths, isLibrary, read)
	require.NoError(t, err)

	out := module.New("out")
	require.NoError(t, c.CombineInto(out))

	var names []string
	for _, s := range out.Sections() {
		names = append(names, s.Name)
	}
	require.Equal(t, paths, names)
}
