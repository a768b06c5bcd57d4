package layout

import (
	"fmt"

	"github.com/retrolinker/retrolinker/internal/align"
	"github.com/retrolinker/retrolinker/internal/math"
	"github.com/retrolinker/retrolinker/internal/module"
	"github.com/retrolinker/retrolinker/internal/section"
)

// Engine assigns base addresses to every section of a merged module by
// running a compiled Script against it, per spec.md §4.7.
type Engine struct {
	script *Script
	params map[string]uint64
}

// New builds an Engine from a compiled script and command-line parameter
// overrides.
func New(script *Script, params map[string]uint64) *Engine {
	return &Engine{script: script, params: params}
}

// Run assigns a base address to every section of mod that matches one of
// the script's segments, in declaration order, and realigns the end of
// each segment per its alignment directive. Sections matched by no
// segment are left without a base address, which the resolution engine
// will surface as an error wherever a relocation depends on them.
func (e *Engine) Run(mod *module.Module) error {
	claimed := make(map[*section.Section]bool)

	var cursor uint64
	for _, seg := range e.script.Segments {
		base, hasBase, err := e.script.ResolveBase(seg.Base, e.params)
		if err != nil {
			return fmt.Errorf("layout: segment %q: %w", seg.Name, err)
		}
		if hasBase {
			cursor = base
		}

		var matched []*section.Section
		for _, sec := range mod.Sections() {
			if claimed[sec] {
				continue
			}
			ok, err := seg.Select.Matches(sec)
			if err != nil {
				return fmt.Errorf("layout: segment %q: %w", seg.Name, err)
			}
			if ok {
				matched = append(matched, sec)
				claimed[sec] = true
			}
		}

		endAlign := 1
		if seg.Align > 1 {
			endAlign = int(seg.Align)
		}
		for _, sec := range matched {
			if sec.Alignment > 1 {
				cursor = align.Address(cursor, sec.Alignment)
				endAlign = math.LowestCommonMultiple(endAlign, int(sec.Alignment))
			}
			if err := sec.SetBaseAddress(cursor); err != nil {
				return fmt.Errorf("layout: segment %q: section %q: %w", seg.Name, sec.Name, err)
			}
			cursor += sec.Size()
		}

		// The cursor must leave the next segment's implicit base address
		// satisfying every alignment constraint that applied within this
		// one, not just the segment's own declared alignment.
		if endAlign > 1 {
			cursor = align.Address(cursor, uint64(endAlign))
		}
	}

	return nil
}
