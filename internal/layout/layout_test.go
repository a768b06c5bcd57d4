package layout_test

import (
	"testing"

	"github.com/retrolinker/retrolinker/internal/layout"
	"github.com/retrolinker/retrolinker/internal/module"
	"github.com/retrolinker/retrolinker/internal/section"
	"github.com/stretchr/testify/require"
)

func buildModule(t *testing.T) *module.Module {
	t.Helper()
	m := module.New("a.o")

	text := section.New(".text", section.Executable|section.Readable, 16)
	_, _ = text.Append(make([]byte, 100))
	require.NoError(t, m.AddSection(text))

	data := section.New(".data", section.Writable|section.Readable, 4)
	_, _ = data.Append(make([]byte, 20))
	require.NoError(t, m.AddSection(data))

	bss := section.New(".bss", section.Writable|section.ZeroFilled, 8)
	require.NoError(t, bss.Expand(32))
	require.NoError(t, m.AddSection(bss))

	return m
}

func TestParseRejectsIncompatibleSchema(t *testing.T) {
	_, err := layout.Parse([]byte("schema: \">=99.0\"\nsegments: []\n"))
	require.Error(t, err)
}

func TestParseAcceptsCompatibleSchema(t *testing.T) {
	s, err := layout.Parse([]byte("schema: \">=1.0, <2.0\"\nsegments: []\n"))
	require.NoError(t, err)
	require.Empty(t, s.Segments)
}

func TestSmallModelAssignsCodeBeforeData(t *testing.T) {
	m := buildModule(t)
	script, err := layout.BuiltinModel("small")
	require.NoError(t, err)

	eng := layout.New(script, nil)
	require.NoError(t, eng.Run(m))

	text, _ := m.FindSection(".text")
	data, _ := m.FindSection(".data")
	bss, _ := m.FindSection(".bss")

	textBase, ok := text.BaseAddress()
	require.True(t, ok)
	require.Equal(t, uint64(0x10000), textBase)

	dataBase, _ := data.BaseAddress()
	bssBase, _ := bss.BaseAddress()
	require.Greater(t, dataBase, textBase)
	require.GreaterOrEqual(t, bssBase, dataBase)
}

func TestTinyModelPlacesZeroFilledLast(t *testing.T) {
	m := buildModule(t)
	script, err := layout.BuiltinModel("tiny")
	require.NoError(t, err)

	eng := layout.New(script, nil)
	require.NoError(t, eng.Run(m))

	text, _ := m.FindSection(".text")
	data, _ := m.FindSection(".data")
	bss, _ := m.FindSection(".bss")

	textBase, _ := text.BaseAddress()
	dataBase, _ := data.BaseAddress()
	bssBase, _ := bss.BaseAddress()

	require.LessOrEqual(t, textBase, dataBase)
	require.Less(t, dataBase, bssBase)
}

func TestParameterOverrideWinsOverScriptDefault(t *testing.T) {
	m := buildModule(t)
	script, err := layout.BuiltinModel("flat")
	require.NoError(t, err)

	eng := layout.New(script, map[string]uint64{"base_address": 0x1000})
	require.NoError(t, eng.Run(m))

	text, _ := m.FindSection(".text")
	base, ok := text.BaseAddress()
	require.True(t, ok)
	require.Equal(t, uint64(0x1000), base)
}

func TestSectionMatchedByNoSegmentStaysUnbased(t *testing.T) {
	m := module.New("a.o")
	sec := section.New(".oddball", section.ResourceFlag, 1)
	require.NoError(t, m.AddSection(sec))

	script, err := layout.Parse([]byte(`
schema: ">=1.0"
segments:
  - name: only_text
    base: "0x1000"
    align: 1
    select:
      flags_any: [executable]
`))
	require.NoError(t, err)

	eng := layout.New(script, nil)
	require.NoError(t, eng.Run(m))

	_, ok := sec.BaseAddress()
	require.False(t, ok)
}

func TestSelectSpecFlagsNoneExcludesZeroFilled(t *testing.T) {
	sel := layout.SelectSpec{FlagsNone: []string{"zero_filled"}}
	nonZero := section.New(".data", section.Writable, 1)
	zero := section.New(".bss", section.ZeroFilled, 1)

	okNonZero, err := sel.Matches(nonZero)
	require.NoError(t, err)
	require.True(t, okNonZero)

	okZero, err := sel.Matches(zero)
	require.NoError(t, err)
	require.False(t, okZero)
}
